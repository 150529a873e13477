package fee

import (
	"github.com/holiman/uint256"

	"liqtree/fixmath"
	"liqtree/store"
)

// Side selects which participant class a split distributes to.
type Side int

const (
	MakerSide Side = iota
	TakerSide
)

// splitWeight scores one child for a deferred-amount split: the split curve
// evaluated at the child's subtree utilisation, scaled by the child's
// outstanding borrowed amount of the token. A child actually borrowing more
// of a token is charged (and credited) more of that token's deferred fees.
func (e *Engine) splitWeight(child *store.Node, token int) *uint256.Int {
	borrow := fixmath.BigToU256(child.SubBorrow(token))
	if borrow.IsZero() {
		return uint256.NewInt(0)
	}
	util := Utilisation(child.Liq.SubTaker, child.SubMakerAll())
	w := e.Split.RateX64(util)
	if w.IsZero() {
		return uint256.NewInt(0)
	}
	out, err := fixmath.MulDiv(w, borrow, fixmath.One64)
	if err != nil || out.IsZero() {
		// Saturated or sub-unit weight: fall back to the raw borrow so the
		// busier side still dominates.
		return borrow
	}
	return out
}

// SplitAmount divides a deferred amount between two children. The two
// outputs always sum exactly to the input: the left share is floored and
// the right share is the remainder. Weight fallbacks, in order: the curve-
// times-borrow weights, the side's subtree liquidity, an even split.
func (e *Engine) SplitAmount(amount *uint256.Int, token int, side Side, left, right *store.Node) (la, ra *uint256.Int) {
	if amount.IsZero() {
		return uint256.NewInt(0), uint256.NewInt(0)
	}
	wl := e.splitWeight(left, token)
	wr := e.splitWeight(right, token)
	if wl.IsZero() && wr.IsZero() {
		if side == MakerSide {
			wl = fixmath.BigToU256(left.SubMakerAll())
			wr = fixmath.BigToU256(right.SubMakerAll())
		} else {
			wl = fixmath.BigToU256(left.Liq.SubTaker)
			wr = fixmath.BigToU256(right.Liq.SubTaker)
		}
	}
	if wl.IsZero() && wr.IsZero() {
		la = new(uint256.Int).Rsh(amount, 1)
		return la, new(uint256.Int).Sub(amount, la)
	}
	total := new(uint256.Int).Add(wl, wr)
	la, err := fixmath.MulDiv(amount, wl, total)
	if err != nil {
		la = uint256.NewInt(0)
	}
	return la, new(uint256.Int).Sub(amount, la)
}
