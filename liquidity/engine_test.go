package liquidity

import (
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"liqtree/storage"
	"liqtree/store"
	"liqtree/tree"
)

// stubView maps ticks onto sqrt prices linearly: one tick moves the sqrt
// price by one part in ten thousand. Monotonic, which is all the engine
// relies on.
type stubView struct {
	cur *uint256.Int
	ref *uint256.Int
}

func (v *stubView) SqrtPriceX96() *uint256.Int    { return v.cur }
func (v *stubView) RefSqrtPriceX96() *uint256.Int { return v.ref }

func (v *stubView) SqrtRatioAtTick(tick int32) *uint256.Int {
	r := new(big.Int).Mul(q96, big.NewInt(int64(10000+tick)))
	r.Quo(r, big.NewInt(10000))
	u := new(uint256.Int)
	u.SetFromBig(r)
	return u
}

func sqrtX96(num, den int64) *uint256.Int {
	r := new(big.Int).Mul(q96, big.NewInt(num))
	r.Quo(r, big.NewInt(den))
	u := new(uint256.Int)
	u.SetFromBig(r)
	return u
}

// viewAbove places both the current and reference price above every tick
// the tests touch, so positions are entirely token1.
func viewAbove() *stubView {
	p := sqrtX96(2, 1)
	return &stubView{cur: p, ref: p}
}

func newTestNode() *store.Node {
	db := storage.NewMemDB()
	defer db.Close()
	s := store.New(db, "test")
	n, err := s.Node(tree.Key{Base: 0, Width: 1})
	if err != nil {
		panic(err)
	}
	return n.Copy()
}

func TestAmountsForLiquidityRegions(t *testing.T) {
	lo := sqrtX96(1, 1)
	hi := sqrtX96(2, 1)
	liq := big.NewInt(600)

	// Below the range: all token0. amount0 = L*(hi-lo)*Q96/(hi*lo) = L/2.
	a0, a1, err := AmountsForLiquidity(liq, lo, hi, sqrtX96(1, 2), false)
	require.NoError(t, err)
	require.Equal(t, int64(300), a0.Int64())
	require.Zero(t, a1.Sign())

	// Above the range: all token1. amount1 = L*(hi-lo)/Q96 = L.
	a0, a1, err = AmountsForLiquidity(liq, lo, hi, sqrtX96(3, 1), false)
	require.NoError(t, err)
	require.Zero(t, a0.Sign())
	require.Equal(t, int64(600), a1.Int64())

	// In range at 1.5: token0 over [1.5, 2), token1 over [1, 1.5).
	a0, a1, err = AmountsForLiquidity(liq, lo, hi, sqrtX96(3, 2), false)
	require.NoError(t, err)
	require.Equal(t, int64(100), a0.Int64())
	require.Equal(t, int64(300), a1.Int64())

	_, _, err = AmountsForLiquidity(liq, hi, lo, sqrtX96(1, 1), false)
	require.ErrorIs(t, err, errPriceOrder)
}

func TestLiquidityForAmountsRoundTrip(t *testing.T) {
	lo := sqrtX96(1, 1)
	hi := sqrtX96(2, 1)
	for _, cur := range []*uint256.Int{sqrtX96(1, 2), sqrtX96(3, 2), sqrtX96(3, 1)} {
		liq := big.NewInt(123457)
		a0, a1, err := AmountsForLiquidity(liq, lo, hi, cur, true)
		require.NoError(t, err)
		back, err := LiquidityForAmounts(a0, a1, lo, hi, cur)
		require.NoError(t, err)
		// Funding rounds up and minting rounds down, so the round trip
		// never exceeds the original and stays within a unit of it.
		require.True(t, back.Cmp(liq) >= 0, "round trip lost liquidity: %v < %v", back, liq)
	}
}

func TestApplyMakerNC(t *testing.T) {
	eng := NewEngine(0, 1, big.NewInt(1))
	view := viewAbove()
	k := tree.Key{Base: 0, Width: 4}
	n := newTestNode()

	a0, a1, err := eng.Apply(n, k, KindMakerNC, big.NewInt(1_000_000), view)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1_000_000), n.Liq.NCMakerLiq)
	require.Zero(t, a0.Sign())
	// 4e6 leaf-units over four ticks of width 1/10000 each, rounded up.
	require.Equal(t, int64(1600), a1.Int64())
	require.NotZero(t, n.Dirty&store.DirtyLiq)

	// Removing rounds down; the tick ratios are floored, so the refund
	// lands one unit under the deposit.
	a0, a1, err = eng.Apply(n, k, KindMakerNC, big.NewInt(-1_000_000), view)
	require.NoError(t, err)
	require.Zero(t, n.Liq.NCMakerLiq.Sign())
	require.Zero(t, a0.Sign())
	require.Equal(t, int64(-1599), a1.Int64())

	_, _, err = eng.Apply(n, k, KindMakerNC, big.NewInt(-1), view)
	require.ErrorIs(t, err, ErrExcessRemove)
}

func TestApplyMakerSharesEmptyNode(t *testing.T) {
	eng := NewEngine(0, 1, big.NewInt(1))
	view := viewAbove()
	k := tree.Key{Base: 0, Width: 1}
	n := newTestNode()

	// An empty node prices shares at one liquidity unit each.
	_, _, err := eng.Apply(n, k, KindMaker, big.NewInt(500), view)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(500), n.Liq.MakerShares)
	require.Equal(t, big.NewInt(500), n.Liq.MakerLiq)
}

func TestApplyMakerSharePriceReflectsCompounding(t *testing.T) {
	eng := NewEngine(0, 1, big.NewInt(1))
	view := viewAbove()
	k := tree.Key{Base: 0, Width: 1}
	n := newTestNode()
	n.Liq.MakerShares.SetInt64(100)
	n.Liq.MakerLiq.SetInt64(100)
	// One token1 unit over a range of sqrt width Q96/10000 is worth 10000
	// liquidity units, so each of the 100 shares is worth 101.
	n.Fee.CompFee1.SetUint64(1)

	_, _, err := eng.Apply(n, k, KindMaker, big.NewInt(1), view)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(101), n.Liq.MakerShares)
	require.Equal(t, big.NewInt(201), n.Liq.MakerLiq)
}

func TestApplyMakerSharePriceBiasesAgainstCaller(t *testing.T) {
	k := tree.Key{Base: 0, Width: 1}
	eng := NewEngine(0, 1, big.NewInt(1))
	n := newTestNode()
	n.Liq.MakerShares.SetInt64(100)
	n.Liq.MakerLiq.SetInt64(100)
	n.Fee.CompFee1.SetUint64(1)

	// Reference above the range, spot below it: below the range the
	// compounding token1 balance buys no liquidity, so the spot share
	// price is lower. Adding must take the reference (higher) price.
	view := &stubView{cur: sqrtX96(1, 2), ref: sqrtX96(2, 1)}
	pps, err := eng.compoundSharePrice(n, k, view, true)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(101), new(big.Int).Rsh(pps, 64))

	// Removing takes the spot price: 100 nominal liquidity across 100
	// shares values each share at exactly 1.0.
	pps, err = eng.compoundSharePrice(n, k, view, false)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1), new(big.Int).Rsh(pps, 64))
}

func TestApplyTakerOpenClose(t *testing.T) {
	eng := NewEngine(0, 1, big.NewInt(1))
	view := viewAbove()
	k := tree.Key{Base: 0, Width: 1}
	n := newTestNode()

	a0, a1, err := eng.Apply(n, k, KindTaker, big.NewInt(1_000_000), view)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1_000_000), n.Liq.TakerLiq)
	require.Zero(t, a0.Sign())
	// The pool pays the borrowed tokens out, rounded down: the floored
	// tick ratio makes the span worth 99 rather than 100.
	require.Equal(t, int64(-99), a1.Int64())
	require.Equal(t, int64(99), n.Liq.Borrow1.Int64())
	require.NotZero(t, n.Dirty&store.DirtyBorrow)

	// Half close returns half the borrow, rounded up.
	a0, a1, err = eng.Apply(n, k, KindTaker, big.NewInt(-500_000), view)
	require.NoError(t, err)
	require.Equal(t, int64(50), a1.Int64())
	require.Equal(t, int64(49), n.Liq.Borrow1.Int64())

	// Full close zeroes the borrow exactly.
	_, a1, err = eng.Apply(n, k, KindTaker, big.NewInt(-500_000), view)
	require.NoError(t, err)
	require.Equal(t, int64(49), a1.Int64())
	require.Zero(t, n.Liq.Borrow1.Sign())
	require.Zero(t, n.Liq.TakerLiq.Sign())
	require.Zero(t, a0.Sign())
}

func TestPropagateSumsSubtree(t *testing.T) {
	eng := NewEngine(0, 1, big.NewInt(1))
	k := tree.Key{Base: 0, Width: 4}
	n := newTestNode()
	n.Liq.MakerLiq.SetInt64(10)
	n.Liq.TakerLiq.SetInt64(3)
	n.Liq.Borrow0.SetInt64(7)

	left := newTestNode()
	left.Liq.SubMaker.SetInt64(25)
	left.Liq.SubBorrow0.SetInt64(4)
	right := newTestNode()
	right.Liq.SubTaker.SetInt64(6)
	right.Liq.SubNCMaker.SetInt64(8)

	eng.Propagate(n, k, left, right)
	require.Equal(t, int64(10*4+25), n.Liq.SubMaker.Int64())
	require.Equal(t, int64(8), n.Liq.SubNCMaker.Int64())
	require.Equal(t, int64(3*4+6), n.Liq.SubTaker.Int64())
	require.Equal(t, int64(7+4), n.Liq.SubBorrow0.Int64())
	require.NotZero(t, n.Dirty&store.DirtyLiq)

	// A second propagate with unchanged inputs leaves the node clean.
	n.Dirty = 0
	eng.Propagate(n, k, left, right)
	require.Zero(t, n.Dirty)
}

func TestPropagateLeaf(t *testing.T) {
	eng := NewEngine(0, 1, big.NewInt(1))
	k := tree.Key{Base: 5, Width: 1}
	n := newTestNode()
	n.Liq.NCMakerLiq.SetInt64(42)
	eng.Propagate(n, k, nil, nil)
	require.Equal(t, int64(42), n.Liq.SubNCMaker.Int64())
}

func TestRebalanceSiblingCoversDeficit(t *testing.T) {
	eng := NewEngine(0, 1, big.NewInt(1))
	pk := tree.Key{Base: 0, Width: 2}
	parent := newTestNode()
	left := newTestNode()
	left.Liq.TakerLiq.SetInt64(10) // net -10
	right := newTestNode()
	right.Liq.MakerLiq.SetInt64(20) // net +20

	require.NoError(t, eng.Rebalance(parent, pk, left, right))
	require.Equal(t, int64(10), left.StagedBorrow.Int64())
	require.Equal(t, int64(10), right.StagedLent.Int64())
	require.Zero(t, parent.StagedLent.Sign())
	require.Zero(t, left.Net(1).Sign())
	require.Equal(t, int64(10), right.Net(1).Int64())
}

func TestRebalanceCascadesToParent(t *testing.T) {
	eng := NewEngine(0, 1, big.NewInt(1))
	pk := tree.Key{Base: 0, Width: 2}
	parent := newTestNode()
	left := newTestNode()
	left.Liq.TakerLiq.SetInt64(10) // net -10
	right := newTestNode()
	right.Liq.MakerLiq.SetInt64(4) // net +4, only partial cover

	require.NoError(t, eng.Rebalance(parent, pk, left, right))
	require.Equal(t, int64(10), left.StagedBorrow.Int64())
	require.Equal(t, int64(4), right.StagedLent.Int64())
	require.Equal(t, int64(6), parent.StagedLent.Int64())
	require.Zero(t, left.Net(1).Sign())
}

func TestRebalanceRepaysWhenBothSolvent(t *testing.T) {
	eng := NewEngine(0, 1, big.NewInt(1))
	pk := tree.Key{Base: 0, Width: 2}
	parent := newTestNode()
	left := newTestNode()
	left.Liq.MakerLiq.SetInt64(5)
	left.Liq.BorrowLiq.SetInt64(7) // carried from an earlier commit
	right := newTestNode()
	right.Liq.MakerLiq.SetInt64(9)
	right.Liq.LentLiq.SetInt64(7)

	require.NoError(t, eng.Rebalance(parent, pk, left, right))
	// left net = 5+7 = 12, right net = 9-7 = 2; repay min(12, 2, 7, 7) = 2.
	require.Equal(t, int64(-2), left.StagedBorrow.Int64())
	require.Equal(t, int64(-2), right.StagedLent.Int64())
}

func TestRebalanceThresholdFloorsBorrow(t *testing.T) {
	eng := NewEngine(0, 1, big.NewInt(100))
	pk := tree.Key{Base: 0, Width: 2}
	parent := newTestNode()
	left := newTestNode()
	left.Liq.TakerLiq.SetInt64(3) // net -3, below the floor
	right := newTestNode()
	right.Liq.MakerLiq.SetInt64(500)

	require.NoError(t, eng.Rebalance(parent, pk, left, right))
	// The borrow is floored at the threshold, not the raw deficit.
	require.Equal(t, int64(100), left.StagedBorrow.Int64())
	require.Equal(t, int64(100), right.StagedLent.Int64())
}

func TestRebalanceInsolventChildren(t *testing.T) {
	eng := NewEngine(0, 1, big.NewInt(1))
	pk := tree.Key{Base: 0, Width: 2}
	parent := newTestNode()
	left := newTestNode()
	left.Liq.TakerLiq.SetInt64(10)
	left.Liq.LentLiq.SetInt64(5)
	right := newTestNode()

	// No sibling surplus, so the whole 15-unit deficit (10 taker + 5
	// already lent away) cascades to the parent.
	require.NoError(t, eng.Rebalance(parent, pk, left, right))
	require.Equal(t, int64(15), parent.StagedLent.Int64())
	require.True(t, left.Net(1).Sign() >= 0)
}

func TestRootCheck(t *testing.T) {
	eng := NewEngine(0, 1, big.NewInt(1))
	k := tree.Key{Base: 0, Width: 8}
	root := newTestNode()
	require.NoError(t, eng.RootCheck(root, k))

	root.Liq.MakerLiq.SetInt64(10)
	root.Liq.LentLiq.SetInt64(5)
	require.NoError(t, eng.RootCheck(root, k))

	root.StagedBorrow.SetInt64(1)
	require.ErrorIs(t, eng.RootCheck(root, k), ErrInsolvent)

	root.StagedBorrow.SetInt64(0)
	root.Liq.LentLiq.SetInt64(500)
	require.ErrorIs(t, eng.RootCheck(root, k), ErrInsolvent)
}

func TestCompoundNode(t *testing.T) {
	eng := NewEngine(0, 1, big.NewInt(1))
	view := viewAbove()
	k := tree.Key{Base: 0, Width: 1}
	n := newTestNode()
	n.Liq.MakerShares.SetInt64(100)
	n.Liq.MakerLiq.SetInt64(100)
	n.Fee.CompFee1.SetUint64(1)

	require.NoError(t, eng.CompoundNode(n, k, view))
	// One token1 unit funds 10000 liquidity units over this range.
	require.Equal(t, big.NewInt(10100), n.Liq.MakerLiq)
	require.True(t, n.CompFee(1).IsZero())
	// Shares are untouched; only their value rose.
	require.Equal(t, big.NewInt(100), n.Liq.MakerShares)
}

func TestCompoundNodeNoShares(t *testing.T) {
	eng := NewEngine(0, 1, big.NewInt(1))
	view := viewAbove()
	k := tree.Key{Base: 0, Width: 1}
	n := newTestNode()
	n.Fee.CompFee1.SetUint64(5)

	// With no shares the balance waits for the first maker.
	require.NoError(t, eng.CompoundNode(n, k, view))
	require.Equal(t, uint64(5), n.CompFee(1).Uint64())
	require.Zero(t, n.Liq.MakerLiq.Sign())
}

func TestCompoundNodeIdempotent(t *testing.T) {
	eng := NewEngine(0, 1, big.NewInt(1))
	view := viewAbove()
	k := tree.Key{Base: 0, Width: 1}
	n := newTestNode()
	n.Liq.MakerShares.SetInt64(100)
	n.Liq.MakerLiq.SetInt64(100)

	require.NoError(t, eng.CompoundNode(n, k, view))
	require.NoError(t, eng.CompoundNode(n, k, view))
	require.Equal(t, big.NewInt(100), n.Liq.MakerLiq)
	require.Zero(t, n.Dirty)
}
