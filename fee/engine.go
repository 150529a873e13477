package fee

import (
	"math/big"

	"github.com/holiman/uint256"

	"liqtree/fixmath"
	"liqtree/store"
	"liqtree/tree"
)

// Engine distributes deferred fee balances down the tree and charges
// utilization fees per node. It is stateless apart from its two curves; all
// mutable state lives in the node records handed to each call.
type Engine struct {
	// Fee prices takers per time unit at the column's utilisation.
	Fee *Curve
	// Split weights deferred-balance splits between siblings.
	Split *Curve
}

// NewEngine constructs a fee engine from the pool's two configured curves.
func NewEngine(feeCurve, splitCurve *Curve) *Engine {
	return &Engine{Fee: feeCurve.Clone(), Split: splitCurve.Clone()}
}

// Report carries a node's column rates to its parent during the up phase:
// the X64 per-borrowed-unit per-time rate the node charged at this walk,
// weighted by the subtree borrow snapshot it applied to.
type Report struct {
	Rate   [2]*uint256.Int
	Weight [2]*uint256.Int
}

func zeroReport() *Report {
	return &Report{
		Rate:   [2]*uint256.Int{new(uint256.Int), new(uint256.Int)},
		Weight: [2]*uint256.Int{new(uint256.Int), new(uint256.Int)},
	}
}

// Combine merges two child reports into the parent's inferred column rate:
// the borrow-weighted average per token, degrading to a simple average when
// neither side carries weight. A nil side passes the other through.
func Combine(a, b *Report) *Report {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	out := zeroReport()
	for i := 0; i < 2; i++ {
		wa, wb := a.Weight[i], b.Weight[i]
		total := new(uint256.Int).Add(wa, wb)
		out.Weight[i].Set(total)
		if total.IsZero() {
			avg := new(uint256.Int).Add(a.Rate[i], b.Rate[i])
			out.Rate[i] = avg.Rsh(avg, 1)
			continue
		}
		num := new(uint256.Int)
		ta, erra := fixmath.MulDiv(a.Rate[i], wa, total)
		tb, errb := fixmath.MulDiv(b.Rate[i], wb, total)
		if erra == nil {
			num.Add(num, ta)
		}
		if errb == nil {
			num.Add(num, tb)
		}
		out.Rate[i] = num
	}
	return out
}

// Spill is the walk-level overflow credit produced when a saturating
// compounding balance tops out.
type Spill [2]*uint256.Int

func zeroSpill() Spill {
	return Spill{new(uint256.Int), new(uint256.Int)}
}

// Add folds another spill in.
func (s Spill) Add(o Spill) {
	s[0].Add(s[0], o[0])
	s[1].Add(s[1], o[1])
}

// creditMakerOwn credits a token amount to the node's own makers, splitting
// pro-rata between the compounding balance (saturating) and the
// non-compounding per-unit accumulator. Flooring dust stays in the
// compounding balance so no value leaves the pool.
func creditMakerOwn(n *store.Node, k tree.Key, token int, amount *uint256.Int) (spill *uint256.Int) {
	spill = new(uint256.Int)
	if amount.IsZero() {
		return spill
	}
	own := n.OwnMaker()
	if own.Sign() == 0 {
		// No makers at this node: the amount stays deferred for later
		// claims by descendants.
		n.UnclaimedMaker(token).Add(n.UnclaimedMaker(token), amount)
		n.Dirty |= store.DirtyFee
		return spill
	}
	comp := new(uint256.Int)
	if n.Liq.MakerLiq.Sign() > 0 {
		c, err := fixmath.MulDiv(amount, fixmath.BigToU256(n.Liq.MakerLiq), fixmath.BigToU256(own))
		if err == nil {
			comp = c
		}
	}
	nc := new(uint256.Int).Sub(amount, comp)

	if n.Liq.NCMakerLiq.Sign() > 0 && !nc.IsZero() {
		units := new(big.Int).Mul(n.Liq.NCMakerLiq, big.NewInt(int64(k.Width)))
		delta, err := fixmath.DivX128(nc, fixmath.BigToU256(units))
		if err == nil {
			n.MakerRate(token).Add(n.MakerRate(token), delta)
			credited, cerr := fixmath.MulX128(fixmath.BigToU256(units), delta)
			if cerr == nil {
				comp.Add(comp, new(uint256.Int).Sub(nc, credited))
			}
		} else {
			comp.Add(comp, nc)
		}
	} else {
		comp.Add(comp, nc)
	}

	if !comp.IsZero() {
		sum, sp := fixmath.SatAdd128(n.CompFee(token), comp)
		n.SetCompFee(token, sum)
		spill.Set(sp)
	}
	n.Dirty |= store.DirtyFee
	return spill
}

// chargeTakerOwn accrues a token amount onto the node's own taker
// accumulator, rounding the per-unit rate up so the pool never
// under-collects.
func chargeTakerOwn(n *store.Node, k tree.Key, token int, amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	units := new(big.Int).Mul(n.Liq.TakerLiq, big.NewInt(int64(k.Width)))
	if units.Sign() == 0 {
		// No takers at this node yet: keep the debt deferred.
		n.UnpaidTaker(token).Add(n.UnpaidTaker(token), amount)
		n.Dirty |= store.DirtyFee
		return
	}
	delta, err := fixmath.DivX128Up(amount, fixmath.BigToU256(units))
	if err != nil {
		n.UnpaidTaker(token).Add(n.UnpaidTaker(token), amount)
		n.Dirty |= store.DirtyFee
		return
	}
	n.TakerRate(token).Add(n.TakerRate(token), delta)
	n.Dirty |= store.DirtyFee
}

// Claim settles the node's deferred balances (down phase). The node first
// claims its own pro-rata share, then splits the remainder between its
// children's deferred buckets with the weighted split. Child fee clocks
// rise to the node's subtree checkpoint so later exact charges never re-
// bill a window an ancestor already billed. Children are nil at leaves.
func (e *Engine) Claim(n *store.Node, k tree.Key, left, right *store.Node) (Spill, error) {
	spill := zeroSpill()
	raiseChildClocks(n, left, right)

	for token := 0; token < 2; token++ {
		if err := e.claimMaker(n, k, token, left, right, spill); err != nil {
			return spill, err
		}
		if err := e.claimTaker(n, k, token, left, right); err != nil {
			return spill, err
		}
	}
	return spill, nil
}

func (e *Engine) claimMaker(n *store.Node, k tree.Key, token int, left, right *store.Node, spill Spill) error {
	um := n.UnclaimedMaker(token)
	if um.IsZero() {
		return nil
	}
	subM := n.SubMakerAll()
	if subM.Sign() == 0 {
		// Nobody to claim yet; the balance stays deferred here.
		return nil
	}
	amount := new(uint256.Int).Set(um)
	um.Clear()

	ownUnits := new(big.Int).Mul(n.OwnMaker(), big.NewInt(int64(k.Width)))
	ownShare := new(uint256.Int)
	if ownUnits.Sign() > 0 {
		s, err := fixmath.MulDiv(amount, fixmath.BigToU256(ownUnits), fixmath.BigToU256(subM))
		if err != nil {
			return err
		}
		ownShare = s
	}
	rest := new(uint256.Int).Sub(amount, ownShare)
	spill[token].Add(spill[token], creditMakerOwn(n, k, token, ownShare))

	if rest.IsZero() {
		return nil
	}
	if left == nil || right == nil {
		// Leaf: everything converts here; creditMakerOwn already deferred
		// what it could not attribute.
		spill[token].Add(spill[token], creditMakerOwn(n, k, token, rest))
		return nil
	}
	la, ra := e.SplitAmount(rest, token, MakerSide, left, right)
	left.UnclaimedMaker(token).Add(left.UnclaimedMaker(token), la)
	right.UnclaimedMaker(token).Add(right.UnclaimedMaker(token), ra)
	left.Dirty |= store.DirtyFee
	right.Dirty |= store.DirtyFee
	n.Dirty |= store.DirtyFee
	return nil
}

func (e *Engine) claimTaker(n *store.Node, k tree.Key, token int, left, right *store.Node) error {
	ut := n.UnpaidTaker(token)
	if ut.IsZero() {
		return nil
	}
	subT := n.Liq.SubTaker
	if subT.Sign() == 0 {
		return nil
	}
	amount := new(uint256.Int).Set(ut)
	ut.Clear()

	ownUnits := new(big.Int).Mul(n.Liq.TakerLiq, big.NewInt(int64(k.Width)))
	ownShare := new(uint256.Int)
	if ownUnits.Sign() > 0 {
		s, err := fixmath.MulDiv(amount, fixmath.BigToU256(ownUnits), fixmath.BigToU256(subT))
		if err != nil {
			return err
		}
		ownShare = s
	}
	rest := new(uint256.Int).Sub(amount, ownShare)
	chargeTakerOwn(n, k, token, ownShare)

	if rest.IsZero() {
		return nil
	}
	if left == nil || right == nil {
		chargeTakerOwn(n, k, token, rest)
		return nil
	}
	la, ra := e.SplitAmount(rest, token, TakerSide, left, right)
	left.UnpaidTaker(token).Add(left.UnpaidTaker(token), la)
	right.UnpaidTaker(token).Add(right.UnpaidTaker(token), ra)
	left.Dirty |= store.DirtyFee
	right.Dirty |= store.DirtyFee
	n.Dirty |= store.DirtyFee
	return nil
}

// columnRateX64 evaluates the fee curve at the node's column utilisation:
// the path prefix liquidity scaled to the node's width plus the node's own
// subtree totals.
func (e *Engine) columnRateX64(n *store.Node, k tree.Key, prefixMaker, prefixTaker *big.Int) *uint256.Int {
	w := big.NewInt(int64(k.Width))
	colM := new(big.Int).Mul(prefixMaker, w)
	colM.Add(colM, n.SubMakerAll())
	colT := new(big.Int).Mul(prefixTaker, w)
	colT.Add(colT, n.Liq.SubTaker)
	return e.Fee.RateX64(Utilisation(colT, colM))
}

// raiseChildClocks lifts the children's fee clocks to the node's subtree
// checkpoint. A raise without a matching charge is only sound when the
// window it skips was already billed through the node.
func raiseChildClocks(n *store.Node, left, right *store.Node) {
	for _, child := range []*store.Node{left, right} {
		if child == nil {
			continue
		}
		if child.Liq.SubCheckpoint < n.Liq.SubCheckpoint {
			child.Liq.SubCheckpoint = n.Liq.SubCheckpoint
			child.Dirty |= store.DirtyFee
		}
		if child.Liq.OwnCheckpoint < n.Liq.SubCheckpoint {
			child.Liq.OwnCheckpoint = n.Liq.SubCheckpoint
			child.Dirty |= store.DirtyFee
		}
	}
}

// ChargeExact computes the true column fee for the node's entire subtree
// (up phase, apply nodes): the fee curve over prefix-plus-subtree
// utilisation, times elapsed time and the subtree's borrowed amounts,
// rounded up. The amounts land in the node's deferred buckets and are
// immediately re-distributed through the claim path, which extracts the
// node's own share and re-splits the remainder into the children.
func (e *Engine) ChargeExact(n *store.Node, k tree.Key, left, right *store.Node, prefixMaker, prefixTaker *big.Int, now uint64) (*Report, Spill, error) {
	rep := zeroReport()
	spill := zeroSpill()

	dt := uint64(0)
	if now > n.Liq.SubCheckpoint {
		dt = now - n.Liq.SubCheckpoint
	}
	if n.Liq.SubCheckpoint != now || n.Liq.OwnCheckpoint != now {
		n.Liq.SubCheckpoint = now
		n.Liq.OwnCheckpoint = now
		n.Dirty |= store.DirtyFee
	}

	rate := e.columnRateX64(n, k, prefixMaker, prefixTaker)
	for i := 0; i < 2; i++ {
		rep.Rate[i].Set(rate)
		rep.Weight[i] = fixmath.BigToU256(n.SubBorrow(i))
	}
	if dt == 0 || rate.IsZero() {
		// The subtree is billed through now either way; the children's
		// clocks must follow so no later charge re-opens the window.
		if dt > 0 {
			raiseChildClocks(n, left, right)
		}
		return rep, spill, nil
	}
	rateDT := new(uint256.Int).Mul(rate, uint256.NewInt(dt))

	for token := 0; token < 2; token++ {
		borrow := rep.Weight[token]
		if borrow.IsZero() {
			continue
		}
		amount, err := fixmath.MulDivUp(borrow, rateDT, fixmath.One64)
		if err != nil {
			return nil, spill, err
		}

		// The takers of the subtree owe the amount; the subtree's makers
		// earn the same amount. Both flow through the deferred buckets and
		// the claim distribution so the split stays conserving.
		n.UnpaidTaker(token).Add(n.UnpaidTaker(token), amount)
		n.UnclaimedMaker(token).Add(n.UnclaimedMaker(token), amount)
		n.Dirty |= store.DirtyFee
	}

	s, err := e.Claim(n, k, left, right)
	if err != nil {
		return nil, spill, err
	}
	spill.Add(s)
	return rep, spill, nil
}

// ChargeInferred closes a propagation node's fee window (up phase). The
// node's own borrow is charged at the column rate inferred from its
// children's reports, scaled to the node's own elapsed window. Children the
// walk did not descend into have their whole subtree billed at this node's
// exact column rate into their deferred buckets, so every composition
// change above an apply node still settles the old window before the new
// aggregates land. Both checkpoints advance to now.
func (e *Engine) ChargeInferred(n *store.Node, k tree.Key, left, right *store.Node, lrep, rrep *Report, prefixMaker, prefixTaker *big.Int, now uint64) (*Report, Spill, error) {
	spill := zeroSpill()
	reports := Combine(lrep, rrep)
	colRate := e.columnRateX64(n, k, prefixMaker, prefixTaker)

	dtOwn := uint64(0)
	if now > n.Liq.OwnCheckpoint {
		dtOwn = now - n.Liq.OwnCheckpoint
	}

	out := zeroReport()
	for token := 0; token < 2; token++ {
		rate := colRate
		if reports != nil && !reports.Rate[token].IsZero() {
			rate = reports.Rate[token]
		}
		out.Rate[token].Set(rate)
		out.Weight[token] = fixmath.BigToU256(n.SubBorrow(token))

		borrow := fixmath.BigToU256(n.Borrow(token))
		if dtOwn == 0 || borrow.IsZero() || rate.IsZero() {
			continue
		}
		rateDT := new(uint256.Int).Mul(rate, uint256.NewInt(dtOwn))
		amount, err := fixmath.MulDivUp(borrow, rateDT, fixmath.One64)
		if err != nil {
			return nil, spill, err
		}
		if amount.IsZero() {
			continue
		}
		chargeTakerOwn(n, k, token, amount)
		spill[token].Add(spill[token], creditMakerOwn(n, k, token, amount))
	}

	// Unvisited children: their subtree composition is unchanged this walk,
	// so the elapsed window bills exactly against their current aggregates.
	// The amounts park in the child's deferred buckets and flow down with
	// later claims; the clock raise records that the window is closed.
	settled := map[*store.Node]bool{}
	if lrep != nil {
		settled[left] = true
	}
	if rrep != nil {
		settled[right] = true
	}
	for _, child := range []*store.Node{left, right} {
		if child == nil || settled[child] {
			continue
		}
		dtC := uint64(0)
		if now > child.Liq.SubCheckpoint {
			dtC = now - child.Liq.SubCheckpoint
		}
		if dtC > 0 && !colRate.IsZero() {
			rateDT := new(uint256.Int).Mul(colRate, uint256.NewInt(dtC))
			for token := 0; token < 2; token++ {
				borrow := fixmath.BigToU256(child.SubBorrow(token))
				if borrow.IsZero() {
					continue
				}
				amount, err := fixmath.MulDivUp(borrow, rateDT, fixmath.One64)
				if err != nil {
					return nil, spill, err
				}
				child.UnpaidTaker(token).Add(child.UnpaidTaker(token), amount)
				child.UnclaimedMaker(token).Add(child.UnclaimedMaker(token), amount)
				child.Dirty |= store.DirtyFee
			}
		}
		if child.Liq.SubCheckpoint < now || child.Liq.OwnCheckpoint < now {
			child.Liq.SubCheckpoint = now
			child.Liq.OwnCheckpoint = now
			child.Dirty |= store.DirtyFee
		}
	}

	if n.Liq.SubCheckpoint < now || n.Liq.OwnCheckpoint < now {
		n.Liq.SubCheckpoint = now
		n.Liq.OwnCheckpoint = now
		n.Dirty |= store.DirtyFee
	}
	return out, spill, nil
}
