// Package pool ties the routed walk together: one engine per pool drives
// fee settlement, liquidity application and solvency over the node store,
// then settles the resulting per-node liquidity against the backing venue.
package pool

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"liqtree/fee"
	"liqtree/liquidity"
	"liqtree/observability"
	"liqtree/storage"
	"liqtree/store"
	"liqtree/tree"
	"liqtree/walk"
)

// Backend is the venue the pool deploys node liquidity into. Deployed
// reports the liquidity currently held for a node's range; Mint and Burn
// adjust it.
type Backend interface {
	Deployed(k tree.Key) (*big.Int, error)
	Mint(k tree.Key, liq *big.Int) error
	Burn(k tree.Key, liq *big.Int) error
}

// Config carries the static parameters of one pool.
type Config struct {
	PoolID      string
	TreeWidth   uint32
	MinTick     int32
	TickSpacing int32
	// Threshold floors inter-node borrows; nil means no floor.
	Threshold *big.Int
	// Nil curves fall back to the defaults.
	FeeCurve   *fee.Curve
	SplitCurve *fee.Curve
	Log        *slog.Logger
}

// Engine serializes walks over one pool's tree. All mutation runs through
// Modify and Compound; reads go through QueryNode.
type Engine struct {
	mu sync.Mutex

	cfg       Config
	log       *slog.Logger
	store     *store.Store
	fees      *fee.Engine
	liq       *liquidity.Engine
	view      liquidity.PriceView
	backend   Backend
	positions PositionAccessor
	root      tree.Key
}

// New opens a pool engine over the given node database.
func New(cfg Config, db storage.Database, view liquidity.PriceView, backend Backend, positions PositionAccessor) (*Engine, error) {
	if _, err := tree.NewRoute(cfg.TreeWidth, 0, cfg.TreeWidth); err != nil {
		return nil, err
	}
	if view == nil {
		return nil, ErrNoPriceView
	}
	if backend == nil {
		return nil, ErrNoBackend
	}
	feeCurve := cfg.FeeCurve
	if feeCurve == nil {
		feeCurve = fee.DefaultFeeCurve
	}
	splitCurve := cfg.SplitCurve
	if splitCurve == nil {
		splitCurve = fee.DefaultSplitCurve
	}
	if err := feeCurve.Validate(); err != nil {
		return nil, err
	}
	if err := splitCurve.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		log:       log.With("pool", cfg.PoolID),
		store:     store.New(db, cfg.PoolID),
		fees:      fee.NewEngine(feeCurve, splitCurve),
		liq:       liquidity.NewEngine(cfg.MinTick, cfg.TickSpacing, cfg.Threshold),
		view:      view,
		backend:   backend,
		positions: positions,
		root:      tree.Root(cfg.TreeWidth),
	}, nil
}

// ModifyRequest asks for a signed liquidity delta over [Lo, Hi) leaves.
type ModifyRequest struct {
	Owner common.Address
	Lo    uint32
	Hi    uint32
	Kind  liquidity.Kind
	Delta *big.Int
	// Now is the fee clock the walk charges to, monotone per pool.
	Now uint64
	// Optional sqrt-price bounds: when set, a current price outside
	// [Min, Max] rejects the request before anything mutates.
	MinSqrtPriceX96 *uint256.Int
	MaxSqrtPriceX96 *uint256.Int
}

func (r *ModifyRequest) checkPriceBounds(view liquidity.PriceView) error {
	cur := view.SqrtPriceX96()
	if r.MinSqrtPriceX96 != nil && cur.Cmp(r.MinSqrtPriceX96) < 0 {
		return ErrPriceBounds
	}
	if r.MaxSqrtPriceX96 != nil && cur.Cmp(r.MaxSqrtPriceX96) > 0 {
		return ErrPriceBounds
	}
	return nil
}

// Result reports what one walk produced. Owed amounts are signed from the
// pool's perspective: positive means the caller pays the pool.
type Result struct {
	TraceID string
	Owed0   *big.Int
	Owed1   *big.Int
}

// Modify runs one full walk applying the request's delta, settles the
// changed nodes against the backend and reports the token amounts owed.
// Any error leaves the persistent state untouched.
func (e *Engine) Modify(ctx context.Context, req ModifyRequest) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !req.Kind.Valid() {
		return nil, liquidity.ErrUnknownKind
	}
	if req.Delta == nil || req.Delta.Sign() == 0 {
		return nil, ErrZeroLiquidity
	}
	route, err := tree.NewRoute(e.cfg.TreeWidth, req.Lo, req.Hi)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := req.checkPriceBounds(e.view); err != nil {
		return nil, err
	}

	v := &walkVisitor{
		e:       e,
		mode:    modeModify,
		owner:   req.Owner,
		kind:    req.Kind,
		delta:   req.Delta,
		reports: make(map[tree.Key]*fee.Report),
	}
	res, err := e.runWalk(route, "modify", req.Now, v)
	if err != nil {
		return nil, err
	}
	observability.Pool().RecordApplyNodes(e.cfg.PoolID, len(route.ApplyNodes()))
	if e.positions != nil {
		if err := e.flushPositions(v.updates); err != nil {
			return nil, err
		}
	}
	e.log.Info("walk applied",
		"trace", res.TraceID,
		"op", "modify",
		"kind", req.Kind.String(),
		"range", [2]uint32{req.Lo, req.Hi},
		"delta", req.Delta.String(),
		"owed0", res.Owed0.String(),
		"owed1", res.Owed1.String(),
	)
	return res, nil
}

// Compound folds accumulated compounding fee balances into maker liquidity
// at every apply node of the range. It charges fees for the elapsed window
// first, like any other walk.
func (e *Engine) Compound(ctx context.Context, lo, hi uint32, now uint64) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	route, err := tree.NewRoute(e.cfg.TreeWidth, lo, hi)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	v := &walkVisitor{
		e:       e,
		mode:    modeCompound,
		reports: make(map[tree.Key]*fee.Report),
	}
	res, err := e.runWalk(route, "compound", now, v)
	if err != nil {
		return nil, err
	}
	e.log.Info("walk applied",
		"trace", res.TraceID,
		"op", "compound",
		"range", [2]uint32{lo, hi},
	)
	return res, nil
}

// QueryNode returns a copy of one node's committed record.
func (e *Engine) QueryNode(k tree.Key) (*store.Node, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.store.Node(k)
	if err != nil {
		return nil, err
	}
	return n.Copy(), nil
}

// NodeInfo pairs a node address with a copy of its record.
type NodeInfo struct {
	Key  tree.Key
	Node *store.Node
}

// QueryRange returns copies of the records at every node a delta over
// [lo, hi) would land on. Read-only.
func (e *Engine) QueryRange(lo, hi uint32) ([]NodeInfo, error) {
	route, err := tree.NewRoute(e.cfg.TreeWidth, lo, hi)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []NodeInfo
	for _, k := range route.ApplyNodes() {
		n, err := e.store.Node(k)
		if err != nil {
			return nil, err
		}
		out = append(out, NodeInfo{Key: k, Node: n.Copy()})
	}
	return out, nil
}

// runWalk drives one traversal over a prepared route, checks root
// solvency, settles against the backend and commits last. The store
// overlay is discarded on every failure path so nothing partial survives.
func (e *Engine) runWalk(route *tree.Route, op string, now uint64, v *walkVisitor) (*Result, error) {
	start := time.Now()
	e.store.Discard()
	wctx := walk.NewContext(now)

	fail := func(err error) (*Result, error) {
		e.store.Discard()
		observability.Pool().RecordWalk(e.cfg.PoolID, op, "error", time.Since(start))
		e.log.Error("walk discarded", "trace", wctx.TraceID, "op", op, "err", err)
		return nil, err
	}

	if err := walk.Run(wctx, route, v); err != nil {
		return fail(err)
	}

	rootNode, err := e.store.Node(e.root)
	if err != nil {
		return fail(err)
	}
	if err := e.liq.RootCheck(rootNode, e.root); err != nil {
		observability.Pool().RecordInsolvency(e.cfg.PoolID)
		return fail(wrapInvariant(e.root, err))
	}

	res := &Result{
		TraceID: wctx.TraceID,
		Owed0:   new(big.Int).Set(wctx.Owed0),
		Owed1:   new(big.Int).Set(wctx.Owed1),
	}
	e.foldOverflow(res, wctx)

	// Settlement runs against the overlay: targets are validated and the
	// backend adjusted before anything persists, so a settlement failure
	// discards the walk instead of stranding half-committed records.
	plan, err := e.settlePlan()
	if err != nil {
		return fail(err)
	}
	if err := e.executeSettle(plan); err != nil {
		return fail(err)
	}
	if err := e.store.Commit(); err != nil {
		return fail(err)
	}
	observability.Pool().RecordWalk(e.cfg.PoolID, op, "ok", time.Since(start))
	return res, nil
}

// foldOverflow pays saturation overflow out to the caller: a balance the
// tree cannot hold leaves the pool rather than vanish.
func (e *Engine) foldOverflow(res *Result, wctx *walk.Context) {
	for token, ov := range []*uint256.Int{wctx.Overflow0, wctx.Overflow1} {
		if ov.IsZero() {
			continue
		}
		owed := res.Owed0
		if token == 1 {
			owed = res.Owed1
		}
		owed.Sub(owed, ov.ToBig())
		observability.Pool().RecordSpill(e.cfg.PoolID, tokenLabel(token))
		e.log.Warn("compounding balance saturated", "token", token, "overflow", ov.String())
	}
}

func tokenLabel(token int) string {
	if token == 0 {
		return "token0"
	}
	return "token1"
}

type walkMode int

const (
	modeModify walkMode = iota
	modeCompound
)

// walkVisitor sequences the per-node work: deferred fee settlement on the
// way down, then fee charging, delta application, aggregation and
// solvency on the way up. Fee work always precedes liquidity work at a
// node.
type walkVisitor struct {
	e       *Engine
	mode    walkMode
	owner   common.Address
	kind    liquidity.Kind
	delta   *big.Int
	reports map[tree.Key]*fee.Report
	updates []positionUpdate
}

func (v *walkVisitor) children(k tree.Key) (left, right *store.Node, err error) {
	if k.IsLeaf() {
		return nil, nil, nil
	}
	if left, err = v.e.store.Node(k.Left()); err != nil {
		return nil, nil, err
	}
	if right, err = v.e.store.Node(k.Right()); err != nil {
		return nil, nil, err
	}
	return left, right, nil
}

func (v *walkVisitor) Down(ctx *walk.Context, k tree.Key, apply bool) error {
	n, err := v.e.store.Node(k)
	if err != nil {
		return err
	}
	left, right, err := v.children(k)
	if err != nil {
		return err
	}
	spill, err := v.e.fees.Claim(n, k, left, right)
	if err != nil {
		return err
	}
	v.addSpill(ctx, spill)
	ctx.PushPrefix(n.OwnMaker(), n.Liq.TakerLiq)
	return nil
}

func (v *walkVisitor) Up(ctx *walk.Context, k tree.Key, apply bool) error {
	n, err := v.e.store.Node(k)
	if err != nil {
		return err
	}
	// Pop before mutating so the prefix unwinds with the values Down
	// pushed.
	ctx.PopPrefix(n.OwnMaker(), n.Liq.TakerLiq)
	left, right, err := v.children(k)
	if err != nil {
		return err
	}

	if apply {
		rep, spill, err := v.e.fees.ChargeExact(n, k, left, right, ctx.PrefixMaker, ctx.PrefixTaker, ctx.Now)
		if err != nil {
			return wrapInvariant(k, err)
		}
		v.addSpill(ctx, spill)
		v.reports[k] = rep

		switch v.mode {
		case modeModify:
			if v.e.positions != nil {
				if err := v.collectPosition(ctx, n, k); err != nil {
					return wrapInvariant(k, err)
				}
			}
			a0, a1, err := v.e.liq.Apply(n, k, v.kind, v.delta, v.e.view)
			if err != nil {
				return wrapInvariant(k, err)
			}
			ctx.Owe(0, a0)
			ctx.Owe(1, a1)
		case modeCompound:
			if err := v.e.liq.CompoundNode(n, k, v.e.view); err != nil {
				return wrapInvariant(k, err)
			}
		}
		v.e.liq.Propagate(n, k, left, right)
		return nil
	}

	lrep, rrep := v.reports[k.Left()], v.reports[k.Right()]
	out, spill, err := v.e.fees.ChargeInferred(n, k, left, right, lrep, rrep, ctx.PrefixMaker, ctx.PrefixTaker, ctx.Now)
	if err != nil {
		return wrapInvariant(k, err)
	}
	v.addSpill(ctx, spill)
	v.reports[k] = out

	v.e.liq.Propagate(n, k, left, right)
	return wrapInvariant(k, v.e.liq.Rebalance(n, k, left, right))
}

func (v *walkVisitor) Edge(ctx *walk.Context, edge walk.Edge) error {
	v.e.log.Debug("walk edge", "trace", ctx.TraceID, "edge", edge.String())
	return nil
}

func (v *walkVisitor) addSpill(ctx *walk.Context, s fee.Spill) {
	for token, amt := range s {
		if !amt.IsZero() {
			ctx.Spill(token, amt)
		}
	}
}
