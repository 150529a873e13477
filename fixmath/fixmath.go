// Package fixmath provides the overflow-checked fixed-point helpers shared
// by the fee and liquidity engines. Rates and per-unit accumulators are
// 128-bit binary fractions (X128), curve evaluations are 64-bit fractions
// (X64). Any multiply that precedes a divide runs through a math/big
// intermediate so native wraparound can never corrupt a result.
package fixmath

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	// ErrOverflow reports a result that does not fit the target width.
	ErrOverflow = errors.New("fixmath: overflow")

	// MaxUint128 bounds the saturating compounding-fee balances.
	MaxUint128 = uint256.MustFromHex("0xffffffffffffffffffffffffffffffff")

	// One128 is 1.0 as an X128 fraction, One64 as an X64 fraction.
	One128 = new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	One64  = new(uint256.Int).Lsh(uint256.NewInt(1), 64)

	bigOne256 = new(big.Int).Lsh(big.NewInt(1), 256)
)

// MulDiv computes floor(a*b/d) with a 512-bit intermediate. d must be
// non-zero; a zero divisor is a programming error surfaced as ErrOverflow
// so walks abort instead of panicking.
func MulDiv(a, b, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrOverflow
	}
	prod := new(big.Int).Mul(a.ToBig(), b.ToBig())
	prod.Quo(prod, d.ToBig())
	if prod.Cmp(bigOne256) >= 0 {
		return nil, ErrOverflow
	}
	out, _ := uint256.FromBig(prod)
	return out, nil
}

// MulDivUp computes ceil(a*b/d), the rounding direction used whenever the
// pool collects from takers.
func MulDivUp(a, b, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrOverflow
	}
	prod := new(big.Int).Mul(a.ToBig(), b.ToBig())
	db := d.ToBig()
	q, r := new(big.Int).QuoRem(prod, db, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	if q.Cmp(bigOne256) >= 0 {
		return nil, ErrOverflow
	}
	out, _ := uint256.FromBig(q)
	return out, nil
}

// DivX128 returns floor(a<<128 / d): the per-unit X128 rate credited for an
// amount a spread over d units.
func DivX128(a, d *uint256.Int) (*uint256.Int, error) {
	return MulDiv(a, One128, d)
}

// DivX128Up returns ceil(a<<128 / d), used for everything the pool charges.
func DivX128Up(a, d *uint256.Int) (*uint256.Int, error) {
	return MulDivUp(a, One128, d)
}

// MulX128 returns floor(a * rate >> 128).
func MulX128(a, rate *uint256.Int) (*uint256.Int, error) {
	return MulDiv(a, rate, One128)
}

// MulX128Up returns ceil(a * rate >> 128).
func MulX128Up(a, rate *uint256.Int) (*uint256.Int, error) {
	return MulDivUp(a, rate, One128)
}

// SatAdd128 adds delta to a balance bounded at MaxUint128. It returns the
// new balance and the portion that did not fit; the caller must credit the
// spill elsewhere so no value is silently lost.
func SatAdd128(balance, delta *uint256.Int) (sum, spill *uint256.Int) {
	total := new(uint256.Int).Add(balance, delta)
	if total.Cmp(MaxUint128) <= 0 {
		return total, uint256.NewInt(0)
	}
	return new(uint256.Int).Set(MaxUint128), new(uint256.Int).Sub(total, MaxUint128)
}

// RatToX64 converts a non-negative big.Rat to an X64 fraction, rounding
// half up.
func RatToX64(r *big.Rat) *uint256.Int {
	if r == nil || r.Sign() <= 0 {
		return uint256.NewInt(0)
	}
	num := new(big.Int).Lsh(r.Num(), 64)
	den := r.Denom()
	num.Add(num, new(big.Int).Rsh(den, 1))
	num.Quo(num, den)
	out, overflow := uint256.FromBig(num)
	if overflow {
		return new(uint256.Int).Set(MaxUint128)
	}
	return out
}

// BigToU256 converts a non-negative big.Int, clamping nil to zero. Negative
// inputs are a programming error and map to zero rather than wrapping.
func BigToU256(v *big.Int) *uint256.Int {
	if v == nil || v.Sign() <= 0 {
		return uint256.NewInt(0)
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return new(uint256.Int).Set(MaxUint128)
	}
	return out
}
