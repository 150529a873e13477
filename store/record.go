// Package store persists per-pool tree node records and hands out the
// single mutable handle a walk uses per address. All walk mutations stay in
// an overlay until Commit; Discard drops them atomically.
package store

import (
	"math/big"

	"github.com/holiman/uint256"
)

// Dirty bits recording which aspect of a node changed during a walk. The
// liquidity bit drives settlement against the underlying pool position.
const (
	DirtyLiq uint8 = 1 << iota
	DirtyFee
	DirtyBorrow
)

// LiquidityState is the per-address liquidity record. Own liquidity values
// are per-leaf: a value L at a node of width w contributes L to every leaf
// below it, and L*w to subtree totals.
type LiquidityState struct {
	// Compounding maker liquidity is tracked through shares; MakerLiq is
	// its current nominal value.
	MakerShares *big.Int
	MakerLiq    *big.Int
	NCMakerLiq  *big.Int
	TakerLiq    *big.Int

	// Subtree totals in leaf-units: own*width + children's totals.
	SubMaker   *big.Int
	SubNCMaker *big.Int
	SubTaker   *big.Int

	// Token amounts borrowed by takers at this node, and subtree totals.
	Borrow0    *big.Int
	Borrow1    *big.Int
	SubBorrow0 *big.Int
	SubBorrow1 *big.Int

	// Inter-node solvency ledger, in subtree liquidity units.
	BorrowLiq *big.Int
	LentLiq   *big.Int

	// Fee-accrual clock pair: SubCheckpoint is the time through which the
	// whole subtree has been charged exactly, OwnCheckpoint the time
	// through which this node's own column has been charged.
	SubCheckpoint uint64
	OwnCheckpoint uint64
}

// FeeState is the per-address fee record. Rate accumulators are cumulative
// X128 per-liquidity-unit values; deferred balances are token amounts
// awaiting propagation to descendants.
type FeeState struct {
	MakerRate0 *uint256.Int
	MakerRate1 *uint256.Int
	TakerRate0 *uint256.Int
	TakerRate1 *uint256.Int

	// Saturating compounding-fee balances, bounded at MaxUint128.
	CompFee0 *uint256.Int
	CompFee1 *uint256.Int

	UnclaimedMaker0 *uint256.Int
	UnclaimedMaker1 *uint256.Int
	UnpaidTaker0    *uint256.Int
	UnpaidTaker1    *uint256.Int
}

// Node is the mutable handle for one tree address. Staged solvency fields
// and the dirty mask are transient walk state and are not persisted.
type Node struct {
	Liq LiquidityState
	Fee FeeState

	StagedBorrow *big.Int `rlp:"-"`
	StagedLent   *big.Int `rlp:"-"`
	Dirty        uint8    `rlp:"-"`
}

func newNode() *Node {
	n := &Node{}
	n.Liq = LiquidityState{
		MakerShares: new(big.Int), MakerLiq: new(big.Int),
		NCMakerLiq: new(big.Int), TakerLiq: new(big.Int),
		SubMaker: new(big.Int), SubNCMaker: new(big.Int), SubTaker: new(big.Int),
		Borrow0: new(big.Int), Borrow1: new(big.Int),
		SubBorrow0: new(big.Int), SubBorrow1: new(big.Int),
		BorrowLiq: new(big.Int), LentLiq: new(big.Int),
	}
	n.Fee = FeeState{
		MakerRate0: new(uint256.Int), MakerRate1: new(uint256.Int),
		TakerRate0: new(uint256.Int), TakerRate1: new(uint256.Int),
		CompFee0: new(uint256.Int), CompFee1: new(uint256.Int),
		UnclaimedMaker0: new(uint256.Int), UnclaimedMaker1: new(uint256.Int),
		UnpaidTaker0: new(uint256.Int), UnpaidTaker1: new(uint256.Int),
	}
	n.StagedBorrow = new(big.Int)
	n.StagedLent = new(big.Int)
	return n
}

// normalize backfills pointers left nil by RLP decoding of older records
// and re-arms the transient fields.
func (n *Node) normalize() {
	ensureBig := func(p **big.Int) {
		if *p == nil {
			*p = new(big.Int)
		}
	}
	ensureU := func(p **uint256.Int) {
		if *p == nil {
			*p = new(uint256.Int)
		}
	}
	l := &n.Liq
	for _, p := range []**big.Int{
		&l.MakerShares, &l.MakerLiq, &l.NCMakerLiq, &l.TakerLiq,
		&l.SubMaker, &l.SubNCMaker, &l.SubTaker,
		&l.Borrow0, &l.Borrow1, &l.SubBorrow0, &l.SubBorrow1,
		&l.BorrowLiq, &l.LentLiq,
	} {
		ensureBig(p)
	}
	f := &n.Fee
	for _, p := range []**uint256.Int{
		&f.MakerRate0, &f.MakerRate1, &f.TakerRate0, &f.TakerRate1,
		&f.CompFee0, &f.CompFee1,
		&f.UnclaimedMaker0, &f.UnclaimedMaker1, &f.UnpaidTaker0, &f.UnpaidTaker1,
	} {
		ensureU(p)
	}
	ensureBig(&n.StagedBorrow)
	ensureBig(&n.StagedLent)
}

// Copy returns a deep copy to avoid callers mutating shared pointers.
func (n *Node) Copy() *Node {
	c := newNode()
	l, cl := &n.Liq, &c.Liq
	cl.MakerShares.Set(l.MakerShares)
	cl.MakerLiq.Set(l.MakerLiq)
	cl.NCMakerLiq.Set(l.NCMakerLiq)
	cl.TakerLiq.Set(l.TakerLiq)
	cl.SubMaker.Set(l.SubMaker)
	cl.SubNCMaker.Set(l.SubNCMaker)
	cl.SubTaker.Set(l.SubTaker)
	cl.Borrow0.Set(l.Borrow0)
	cl.Borrow1.Set(l.Borrow1)
	cl.SubBorrow0.Set(l.SubBorrow0)
	cl.SubBorrow1.Set(l.SubBorrow1)
	cl.BorrowLiq.Set(l.BorrowLiq)
	cl.LentLiq.Set(l.LentLiq)
	cl.SubCheckpoint = l.SubCheckpoint
	cl.OwnCheckpoint = l.OwnCheckpoint
	f, cf := &n.Fee, &c.Fee
	cf.MakerRate0.Set(f.MakerRate0)
	cf.MakerRate1.Set(f.MakerRate1)
	cf.TakerRate0.Set(f.TakerRate0)
	cf.TakerRate1.Set(f.TakerRate1)
	cf.CompFee0.Set(f.CompFee0)
	cf.CompFee1.Set(f.CompFee1)
	cf.UnclaimedMaker0.Set(f.UnclaimedMaker0)
	cf.UnclaimedMaker1.Set(f.UnclaimedMaker1)
	cf.UnpaidTaker0.Set(f.UnpaidTaker0)
	cf.UnpaidTaker1.Set(f.UnpaidTaker1)
	c.StagedBorrow.Set(n.StagedBorrow)
	c.StagedLent.Set(n.StagedLent)
	c.Dirty = n.Dirty
	return c
}

// IsEmpty reports whether every balance is zero, allowing the record to be
// pruned from the backend on commit.
func (n *Node) IsEmpty() bool {
	l := &n.Liq
	for _, v := range []*big.Int{
		l.MakerShares, l.MakerLiq, l.NCMakerLiq, l.TakerLiq,
		l.SubMaker, l.SubNCMaker, l.SubTaker,
		l.Borrow0, l.Borrow1, l.SubBorrow0, l.SubBorrow1,
		l.BorrowLiq, l.LentLiq,
	} {
		if v.Sign() != 0 {
			return false
		}
	}
	f := &n.Fee
	for _, v := range []*uint256.Int{
		f.MakerRate0, f.MakerRate1, f.TakerRate0, f.TakerRate1,
		f.CompFee0, f.CompFee1,
		f.UnclaimedMaker0, f.UnclaimedMaker1, f.UnpaidTaker0, f.UnpaidTaker1,
	} {
		if !v.IsZero() {
			return false
		}
	}
	return true
}

// Borrow returns the node's own borrowed amount for token 0 or 1.
func (n *Node) Borrow(token int) *big.Int {
	if token == 0 {
		return n.Liq.Borrow0
	}
	return n.Liq.Borrow1
}

// SubBorrow returns the subtree borrowed amount for a token.
func (n *Node) SubBorrow(token int) *big.Int {
	if token == 0 {
		return n.Liq.SubBorrow0
	}
	return n.Liq.SubBorrow1
}

// MakerRate returns the non-compounding maker accumulator for a token.
func (n *Node) MakerRate(token int) *uint256.Int {
	if token == 0 {
		return n.Fee.MakerRate0
	}
	return n.Fee.MakerRate1
}

// TakerRate returns the taker accumulator for a token.
func (n *Node) TakerRate(token int) *uint256.Int {
	if token == 0 {
		return n.Fee.TakerRate0
	}
	return n.Fee.TakerRate1
}

// CompFee returns the saturating compounding balance for a token.
func (n *Node) CompFee(token int) *uint256.Int {
	if token == 0 {
		return n.Fee.CompFee0
	}
	return n.Fee.CompFee1
}

// SetCompFee replaces the compounding balance for a token.
func (n *Node) SetCompFee(token int, v *uint256.Int) {
	if token == 0 {
		n.Fee.CompFee0 = v
	} else {
		n.Fee.CompFee1 = v
	}
}

// UnclaimedMaker returns the deferred maker balance for a token.
func (n *Node) UnclaimedMaker(token int) *uint256.Int {
	if token == 0 {
		return n.Fee.UnclaimedMaker0
	}
	return n.Fee.UnclaimedMaker1
}

// UnpaidTaker returns the deferred taker balance for a token.
func (n *Node) UnpaidTaker(token int) *uint256.Int {
	if token == 0 {
		return n.Fee.UnpaidTaker0
	}
	return n.Fee.UnpaidTaker1
}

// OwnMaker returns the node's own maker liquidity (both kinds), per leaf.
func (n *Node) OwnMaker() *big.Int {
	return new(big.Int).Add(n.Liq.MakerLiq, n.Liq.NCMakerLiq)
}

// SubMakerAll returns the subtree maker liquidity of both kinds.
func (n *Node) SubMakerAll() *big.Int {
	return new(big.Int).Add(n.Liq.SubMaker, n.Liq.SubNCMaker)
}

// Net computes borrowed + maker - taker - lent for the node's own span,
// including staged solvency adjustments, in leaf-units times width.
func (n *Node) Net(width uint32) *big.Int {
	w := new(big.Int).SetUint64(uint64(width))
	net := new(big.Int).Mul(n.OwnMaker(), w)
	net.Sub(net, new(big.Int).Mul(n.Liq.TakerLiq, w))
	net.Add(net, n.Liq.BorrowLiq)
	net.Add(net, n.StagedBorrow)
	net.Sub(net, n.Liq.LentLiq)
	net.Sub(net, n.StagedLent)
	return net
}
