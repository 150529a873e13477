// Package fee accrues, claims, and distributes utilization fees between the
// maker and taker sides of a range-bucketed liquidity tree.
package fee

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"

	"liqtree/fixmath"
)

var errCurveShape = errors.New("fee: rate curve must be monotonic (non-negative slopes and kink)")

// Curve encapsulates the parameters that shape how the fee rate reacts to
// utilisation. Pools configure two curves of this shape: one priced against
// takers per time unit, one weighting the fee split between siblings.
type Curve struct {
	// Base is the minimum rate applied when utilisation is zero.
	Base *big.Rat
	// Slope1 is the rate increase per unit of utilisation up to the kink.
	Slope1 *big.Rat
	// Slope2 governs the additional increase beyond the kink.
	Slope2 *big.Rat
	// Kink is the utilisation ratio where the slope changes.
	Kink *big.Rat
}

// NewCurve constructs a curve from decimal inputs, e.g. a 2% base rate is
// expressed as 0.02 and an 80% kink utilisation as 0.8.
func NewCurve(base, slope1, slope2, kink float64) *Curve {
	c := &Curve{
		Base:   new(big.Rat),
		Slope1: new(big.Rat),
		Slope2: new(big.Rat),
		Kink:   new(big.Rat),
	}
	c.Base.SetFloat64(base)
	c.Slope1.SetFloat64(slope1)
	c.Slope2.SetFloat64(slope2)
	c.Kink.SetFloat64(kink)
	return c
}

// Clone returns a deep copy of the curve.
func (c *Curve) Clone() *Curve {
	if c == nil {
		return nil
	}
	clone := &Curve{
		Base:   new(big.Rat),
		Slope1: new(big.Rat),
		Slope2: new(big.Rat),
		Kink:   new(big.Rat),
	}
	if c.Base != nil {
		clone.Base.Set(c.Base)
	}
	if c.Slope1 != nil {
		clone.Slope1.Set(c.Slope1)
	}
	if c.Slope2 != nil {
		clone.Slope2.Set(c.Slope2)
	}
	if c.Kink != nil {
		clone.Kink.Set(c.Kink)
	}
	return clone
}

// Validate rejects curve shapes that are not monotonic.
func (c *Curve) Validate() error {
	if c == nil {
		return errCurveShape
	}
	for _, r := range []*big.Rat{c.Base, c.Slope1, c.Slope2, c.Kink} {
		if r == nil || r.Sign() < 0 {
			return errCurveShape
		}
	}
	return nil
}

// utilCap bounds the utilisation ratio fed into the curve when the maker
// side is empty; takers can over-borrow past 100% through the solvency
// ledger, but the rate stays finite.
var utilCap = big.NewRat(10, 1)

// Utilisation computes taker/maker utilisation, capped. Zero makers with
// outstanding takers evaluate at the cap.
func Utilisation(taker, maker *big.Int) *big.Rat {
	if taker == nil || taker.Sign() == 0 {
		return new(big.Rat)
	}
	if maker == nil || maker.Sign() == 0 {
		return new(big.Rat).Set(utilCap)
	}
	u := new(big.Rat).SetFrac(taker, maker)
	if u.Cmp(utilCap) > 0 {
		u.Set(utilCap)
	}
	return u
}

// Rate derives the fee rate at the given utilisation.
func (c *Curve) Rate(util *big.Rat) *big.Rat {
	if c == nil {
		return new(big.Rat)
	}
	rate := new(big.Rat)
	if c.Base != nil {
		rate.Set(c.Base)
	}
	if util == nil || util.Sign() == 0 {
		return rate
	}
	kink := new(big.Rat)
	if c.Kink != nil {
		kink.Set(c.Kink)
	}
	if kink.Sign() == 0 || util.Cmp(kink) <= 0 {
		// Linear region before the kink.
		return rate.Add(rate, new(big.Rat).Mul(c.Slope1, util))
	}

	// Rate at the kink using slope1, excess beyond it using slope2.
	rate.Add(rate, new(big.Rat).Mul(c.Slope1, kink))
	excess := new(big.Rat).Sub(util, kink)
	return rate.Add(rate, new(big.Rat).Mul(c.Slope2, excess))
}

// RateX64 evaluates the curve as an X64 binary fraction, the form the
// charging paths consume.
func (c *Curve) RateX64(util *big.Rat) *uint256.Int {
	return fixmath.RatToX64(c.Rate(util))
}

// DefaultFeeCurve is a kinked taker-pricing curve with a modest base rate.
var DefaultFeeCurve = NewCurve(0.02, 0.15, 0.6, 0.8)

// DefaultSplitCurve weights deferred-fee splits toward the busier side
// without a base component, so an idle sibling receives nothing.
var DefaultSplitCurve = NewCurve(0, 1, 4, 0.8)
