package liquidity

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"liqtree/store"
	"liqtree/tree"
)

var (
	// ErrExcessRemove rejects removing more liquidity than a node holds.
	ErrExcessRemove = errors.New("liquidity: removing more than held")
	// ErrInsolvent reports a node whose net liquidity cannot be restored.
	ErrInsolvent = errors.New("liquidity: node insolvent")
)

// PriceView is the slice of pool metadata the engine needs: the current
// sqrt price, a slower-moving reference sqrt price, and the tick → sqrt
// ratio mapping.
type PriceView interface {
	SqrtPriceX96() *uint256.Int
	RefSqrtPriceX96() *uint256.Int
	SqrtRatioAtTick(tick int32) *uint256.Int
}

// Engine applies deltas and maintains solvency. MinTick and TickSpacing
// map leaf indices onto the tick space; Threshold is the de-minimis
// borrow floor preventing rebalance thrash.
type Engine struct {
	MinTick     int32
	TickSpacing int32
	Threshold   *big.Int
}

// NewEngine constructs the engine for one pool's tick geometry.
func NewEngine(minTick, tickSpacing int32, threshold *big.Int) *Engine {
	t := new(big.Int)
	if threshold != nil {
		t.Set(threshold)
	}
	return &Engine{MinTick: minTick, TickSpacing: tickSpacing, Threshold: t}
}

// NodeTicks returns the tick bounds of a node's span.
func (e *Engine) NodeTicks(k tree.Key) (lo, hi int32) {
	lo = e.MinTick + int32(k.Base)*e.TickSpacing
	hi = e.MinTick + int32(k.End())*e.TickSpacing
	return lo, hi
}

func (e *Engine) nodeSqrtBounds(k tree.Key, view PriceView) (lo, hi *uint256.Int) {
	tl, th := e.NodeTicks(k)
	return view.SqrtRatioAtTick(tl), view.SqrtRatioAtTick(th)
}

// one64 is 1.0 as an X64 fraction, the share price of an empty node.
var one64 = new(big.Int).Lsh(big.NewInt(1), 64)

// sharePriceX64 values one compounding share in per-leaf liquidity units at
// the given sqrt price: the nominal liquidity plus the liquidity the
// compounding fee balances could buy over the node's range, per share.
func (e *Engine) sharePriceX64(n *store.Node, k tree.Key, sqrtP *uint256.Int, view PriceView) (*big.Int, error) {
	if n.Liq.MakerShares.Sign() == 0 {
		return new(big.Int).Set(one64), nil
	}
	sqrtLo, sqrtHi := e.nodeSqrtBounds(k, view)
	compLiq, err := LiquidityForAmounts(
		n.CompFee(0).ToBig(), n.CompFee(1).ToBig(), sqrtLo, sqrtHi, sqrtP)
	if err != nil {
		return nil, err
	}
	value := new(big.Int).Mul(n.Liq.MakerLiq, big.NewInt(int64(k.Width)))
	value.Add(value, compLiq)
	value.Quo(value, big.NewInt(int64(k.Width)))
	value.Lsh(value, 64)
	return value.Quo(value, n.Liq.MakerShares), nil
}

// compoundSharePrice evaluates the share price at both the current and the
// reference sqrt price. Adding takes the larger estimate so a single-block
// price move cannot mint cheap shares; removing takes the smaller so it
// cannot drain value.
func (e *Engine) compoundSharePrice(n *store.Node, k tree.Key, view PriceView, adding bool) (*big.Int, error) {
	spot, err := e.sharePriceX64(n, k, view.SqrtPriceX96(), view)
	if err != nil {
		return nil, err
	}
	ref, err := e.sharePriceX64(n, k, view.RefSqrtPriceX96(), view)
	if err != nil {
		return nil, err
	}
	if adding == (spot.Cmp(ref) >= 0) {
		return spot, nil
	}
	return ref, nil
}

// Apply lands the caller's delta at one apply node. The returned token
// amounts are signed from the pool's perspective: positive means the
// caller owes the pool. Fee work for the node must already have run.
func (e *Engine) Apply(n *store.Node, k tree.Key, kind Kind, delta *big.Int, view PriceView) (amt0, amt1 *big.Int, err error) {
	if delta.Sign() == 0 {
		return new(big.Int), new(big.Int), nil
	}
	adding := delta.Sign() > 0
	mag := new(big.Int).Abs(delta)

	// Per-leaf liquidity magnitude of the change.
	var liq *big.Int
	switch kind {
	case KindMaker:
		pps, perr := e.compoundSharePrice(n, k, view, adding)
		if perr != nil {
			return nil, nil, perr
		}
		liq = new(big.Int).Mul(mag, pps)
		if adding {
			// Round the minted liquidity up: the caller funds at least the
			// nominal value of the shares.
			liq = ceilDiv(liq, one64)
		} else {
			liq.Rsh(liq, 64)
		}
	case KindMakerNC, KindTaker:
		liq = mag
	default:
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}

	sqrtLo, sqrtHi := e.nodeSqrtBounds(k, view)
	total := new(big.Int).Mul(liq, big.NewInt(int64(k.Width)))

	switch kind {
	case KindMaker:
		if adding {
			n.Liq.MakerShares.Add(n.Liq.MakerShares, mag)
			n.Liq.MakerLiq.Add(n.Liq.MakerLiq, liq)
		} else {
			if n.Liq.MakerShares.Cmp(mag) < 0 || n.Liq.MakerLiq.Cmp(liq) < 0 {
				return nil, nil, ErrExcessRemove
			}
			n.Liq.MakerShares.Sub(n.Liq.MakerShares, mag)
			n.Liq.MakerLiq.Sub(n.Liq.MakerLiq, liq)
		}
		a0, a1, aerr := AmountsForLiquidity(total, sqrtLo, sqrtHi, view.SqrtPriceX96(), adding)
		if aerr != nil {
			return nil, nil, aerr
		}
		amt0, amt1 = a0, a1
		if !adding {
			amt0.Neg(amt0)
			amt1.Neg(amt1)
		}
	case KindMakerNC:
		if adding {
			n.Liq.NCMakerLiq.Add(n.Liq.NCMakerLiq, liq)
		} else {
			if n.Liq.NCMakerLiq.Cmp(liq) < 0 {
				return nil, nil, ErrExcessRemove
			}
			n.Liq.NCMakerLiq.Sub(n.Liq.NCMakerLiq, liq)
		}
		a0, a1, aerr := AmountsForLiquidity(total, sqrtLo, sqrtHi, view.SqrtPriceX96(), adding)
		if aerr != nil {
			return nil, nil, aerr
		}
		amt0, amt1 = a0, a1
		if !adding {
			amt0.Neg(amt0)
			amt1.Neg(amt1)
		}
	case KindTaker:
		if adding {
			// Opening borrows the range's tokens: the pool pays them out
			// and records the borrow, rounding the payout down.
			a0, a1, aerr := AmountsForLiquidity(total, sqrtLo, sqrtHi, view.SqrtPriceX96(), false)
			if aerr != nil {
				return nil, nil, aerr
			}
			n.Liq.TakerLiq.Add(n.Liq.TakerLiq, liq)
			n.Liq.Borrow0.Add(n.Liq.Borrow0, a0)
			n.Liq.Borrow1.Add(n.Liq.Borrow1, a1)
			amt0 = new(big.Int).Neg(a0)
			amt1 = new(big.Int).Neg(a1)
		} else {
			if n.Liq.TakerLiq.Cmp(liq) < 0 {
				return nil, nil, ErrExcessRemove
			}
			// Closing returns the proportional share of the recorded
			// borrow, so a full close zeroes it exactly.
			ret0 := new(big.Int).Mul(n.Liq.Borrow0, liq)
			ret0 = ceilDiv(ret0, n.Liq.TakerLiq)
			ret1 := new(big.Int).Mul(n.Liq.Borrow1, liq)
			ret1 = ceilDiv(ret1, n.Liq.TakerLiq)
			if ret0.Cmp(n.Liq.Borrow0) > 0 {
				ret0.Set(n.Liq.Borrow0)
			}
			if ret1.Cmp(n.Liq.Borrow1) > 0 {
				ret1.Set(n.Liq.Borrow1)
			}
			n.Liq.TakerLiq.Sub(n.Liq.TakerLiq, liq)
			n.Liq.Borrow0.Sub(n.Liq.Borrow0, ret0)
			n.Liq.Borrow1.Sub(n.Liq.Borrow1, ret1)
			amt0 = ret0
			amt1 = ret1
		}
		n.Dirty |= store.DirtyBorrow
	}

	n.Dirty |= store.DirtyLiq
	return amt0, amt1, nil
}

// Propagate refreshes the node's subtree aggregates from its own values
// and its children's aggregates. Children are nil at leaves.
func (e *Engine) Propagate(n *store.Node, k tree.Key, left, right *store.Node) {
	w := big.NewInt(int64(k.Width))
	subM := new(big.Int).Mul(n.Liq.MakerLiq, w)
	subNC := new(big.Int).Mul(n.Liq.NCMakerLiq, w)
	subT := new(big.Int).Mul(n.Liq.TakerLiq, w)
	subB0 := new(big.Int).Set(n.Liq.Borrow0)
	subB1 := new(big.Int).Set(n.Liq.Borrow1)
	if left != nil {
		subM.Add(subM, left.Liq.SubMaker)
		subNC.Add(subNC, left.Liq.SubNCMaker)
		subT.Add(subT, left.Liq.SubTaker)
		subB0.Add(subB0, left.Liq.SubBorrow0)
		subB1.Add(subB1, left.Liq.SubBorrow1)
	}
	if right != nil {
		subM.Add(subM, right.Liq.SubMaker)
		subNC.Add(subNC, right.Liq.SubNCMaker)
		subT.Add(subT, right.Liq.SubTaker)
		subB0.Add(subB0, right.Liq.SubBorrow0)
		subB1.Add(subB1, right.Liq.SubBorrow1)
	}
	changed := n.Liq.SubMaker.Cmp(subM) != 0 ||
		n.Liq.SubNCMaker.Cmp(subNC) != 0 ||
		n.Liq.SubTaker.Cmp(subT) != 0 ||
		n.Liq.SubBorrow0.Cmp(subB0) != 0 ||
		n.Liq.SubBorrow1.Cmp(subB1) != 0
	if changed {
		n.Liq.SubMaker.Set(subM)
		n.Liq.SubNCMaker.Set(subNC)
		n.Liq.SubTaker.Set(subT)
		n.Liq.SubBorrow0.Set(subB0)
		n.Liq.SubBorrow1.Set(subB1)
		n.Dirty |= store.DirtyLiq
	}
}

// Rebalance restores solvency across a parent's two children (up phase,
// bottom-up). A deficient child borrows first from its sibling's surplus,
// then from the parent; borrows are floored at the de-minimis threshold.
// Matching positive-net pairs unwind their outstanding pair borrow,
// bounded by the smaller net and the threshold.
func (e *Engine) Rebalance(parent *store.Node, pk tree.Key, left, right *store.Node) error {
	childKeyWidth := pk.Width / 2

	rebalanceOne := func(x, sib *store.Node) {
		net := x.Net(childKeyWidth)
		if net.Sign() >= 0 {
			return
		}
		need := new(big.Int).Neg(net)
		if need.Cmp(e.Threshold) < 0 {
			need.Set(e.Threshold)
		}
		sibNet := sib.Net(childKeyWidth)
		fromSib := new(big.Int)
		if sibNet.Sign() > 0 {
			if sibNet.Cmp(need) >= 0 {
				fromSib.Set(need)
			} else {
				fromSib.Set(sibNet)
			}
		}
		if fromSib.Sign() > 0 {
			x.StagedBorrow.Add(x.StagedBorrow, fromSib)
			sib.StagedLent.Add(sib.StagedLent, fromSib)
			sib.Dirty |= store.DirtyBorrow
		}
		rest := new(big.Int).Sub(need, fromSib)
		if rest.Sign() > 0 {
			x.StagedBorrow.Add(x.StagedBorrow, rest)
			parent.StagedLent.Add(parent.StagedLent, rest)
			parent.Dirty |= store.DirtyBorrow
		}
		x.Dirty |= store.DirtyBorrow
	}

	repayPair := func(x, sib *store.Node) {
		netX := x.Net(childKeyWidth)
		netS := sib.Net(childKeyWidth)
		if netX.Sign() <= 0 || netS.Sign() <= 0 {
			return
		}
		borrowed := new(big.Int).Add(x.Liq.BorrowLiq, x.StagedBorrow)
		lent := new(big.Int).Add(sib.Liq.LentLiq, sib.StagedLent)
		if borrowed.Sign() <= 0 || lent.Sign() <= 0 {
			return
		}
		r := new(big.Int).Set(netX)
		for _, bound := range []*big.Int{netS, borrowed, lent} {
			if bound.Cmp(r) < 0 {
				r.Set(bound)
			}
		}
		if r.Cmp(e.Threshold) < 0 {
			return
		}
		x.StagedBorrow.Sub(x.StagedBorrow, r)
		sib.StagedLent.Sub(sib.StagedLent, r)
		x.Dirty |= store.DirtyBorrow
		sib.Dirty |= store.DirtyBorrow
	}

	repayParent := func(x *store.Node) {
		netX := x.Net(childKeyWidth)
		if netX.Sign() <= 0 {
			return
		}
		borrowed := new(big.Int).Add(x.Liq.BorrowLiq, x.StagedBorrow)
		lent := new(big.Int).Add(parent.Liq.LentLiq, parent.StagedLent)
		if borrowed.Sign() <= 0 || lent.Sign() <= 0 {
			return
		}
		r := new(big.Int).Set(netX)
		for _, bound := range []*big.Int{borrowed, lent} {
			if bound.Cmp(r) < 0 {
				r.Set(bound)
			}
		}
		if r.Cmp(e.Threshold) < 0 {
			return
		}
		x.StagedBorrow.Sub(x.StagedBorrow, r)
		parent.StagedLent.Sub(parent.StagedLent, r)
		x.Dirty |= store.DirtyBorrow
		parent.Dirty |= store.DirtyBorrow
	}

	repayPair(left, right)
	repayPair(right, left)
	repayParent(left)
	repayParent(right)
	rebalanceOne(left, right)
	rebalanceOne(right, left)

	// Both children must be whole now; any residual deficit moved up into
	// the parent's net and resolves at the grandparent or fails at the
	// root.
	if left.Net(childKeyWidth).Sign() < 0 || right.Net(childKeyWidth).Sign() < 0 {
		return fmt.Errorf("%w: children of %v", ErrInsolvent, pk)
	}
	return nil
}

// RootCheck enforces the end-of-walk invariant: the root's net liquidity
// is non-negative and it holds no borrow (it has no parent to borrow
// from).
func (e *Engine) RootCheck(root *store.Node, k tree.Key) error {
	if new(big.Int).Add(root.Liq.BorrowLiq, root.StagedBorrow).Sign() != 0 {
		return fmt.Errorf("%w: root holds outstanding borrow", ErrInsolvent)
	}
	if root.Net(k.Width).Sign() < 0 {
		return fmt.Errorf("%w: root net liquidity negative", ErrInsolvent)
	}
	return nil
}

// CompoundNode converts a node's compounding fee balances into nominal
// maker liquidity at the current price. Shares are untouched, so the share
// price rises. Remainder token dust stays in the balances.
func (e *Engine) CompoundNode(n *store.Node, k tree.Key, view PriceView) error {
	if n.CompFee(0).IsZero() && n.CompFee(1).IsZero() {
		return nil
	}
	if n.Liq.MakerShares.Sign() == 0 {
		// Nothing to compound into; the balance keeps waiting.
		return nil
	}
	sqrtLo, sqrtHi := e.nodeSqrtBounds(k, view)
	liq, err := LiquidityForAmounts(
		n.CompFee(0).ToBig(), n.CompFee(1).ToBig(), sqrtLo, sqrtHi, view.SqrtPriceX96())
	if err != nil {
		return err
	}
	perLeaf := new(big.Int).Quo(liq, big.NewInt(int64(k.Width)))
	if perLeaf.Sign() <= 0 {
		return nil
	}
	total := new(big.Int).Mul(perLeaf, big.NewInt(int64(k.Width)))
	used0, used1, err := AmountsForLiquidity(total, sqrtLo, sqrtHi, view.SqrtPriceX96(), true)
	if err != nil {
		return err
	}
	c0, c1 := n.CompFee(0).ToBig(), n.CompFee(1).ToBig()
	if used0.Cmp(c0) > 0 || used1.Cmp(c1) > 0 {
		// Rounding up consumed more than the balance holds; retry next
		// walk with one leaf-unit less.
		return nil
	}
	n.Liq.MakerLiq.Add(n.Liq.MakerLiq, perLeaf)
	sub0 := new(uint256.Int)
	sub0.SetFromBig(new(big.Int).Sub(c0, used0))
	n.SetCompFee(0, sub0)
	sub1 := new(uint256.Int)
	sub1.SetFromBig(new(big.Int).Sub(c1, used1))
	n.SetCompFee(1, sub1)
	n.Dirty |= store.DirtyLiq | store.DirtyFee
	return nil
}
