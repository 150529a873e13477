package liquidity

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

// q96 is the binary point of sqrt prices.
var (
	q96           = new(big.Int).Lsh(big.NewInt(1), 96)
	errPriceOrder = errors.New("liquidity: sqrt price bounds out of order")
)

func ceilDiv(num, den *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// amount0 computes the token0 amount for liquidity between two sqrt prices:
// liq * (sqrtB - sqrtA) * Q96 / (sqrtB * sqrtA).
func amount0(liq *big.Int, sqrtA, sqrtB *uint256.Int, roundUp bool) *big.Int {
	a, b := sqrtA.ToBig(), sqrtB.ToBig()
	num := new(big.Int).Sub(b, a)
	num.Mul(num, liq)
	num.Mul(num, q96)
	den := new(big.Int).Mul(b, a)
	if roundUp {
		return ceilDiv(num, den)
	}
	return new(big.Int).Quo(num, den)
}

// amount1 computes the token1 amount: liq * (sqrtB - sqrtA) / Q96.
func amount1(liq *big.Int, sqrtA, sqrtB *uint256.Int, roundUp bool) *big.Int {
	num := new(big.Int).Sub(sqrtB.ToBig(), sqrtA.ToBig())
	num.Mul(num, liq)
	if roundUp {
		return ceilDiv(num, q96)
	}
	return new(big.Int).Quo(num, q96)
}

// AmountsForLiquidity computes the two-token amount a liquidity change over
// [sqrtLo, sqrtHi) represents at the current sqrt price. Below the range
// the position is entirely token0, above entirely token1, inside it splits
// at the current price. Rounds up on add and down on remove, per the
// caller's flag.
func AmountsForLiquidity(liq *big.Int, sqrtLo, sqrtHi, sqrtCur *uint256.Int, roundUp bool) (amt0, amt1 *big.Int, err error) {
	if sqrtLo.Cmp(sqrtHi) >= 0 {
		return nil, nil, errPriceOrder
	}
	switch {
	case sqrtCur.Cmp(sqrtLo) <= 0:
		return amount0(liq, sqrtLo, sqrtHi, roundUp), new(big.Int), nil
	case sqrtCur.Cmp(sqrtHi) >= 0:
		return new(big.Int), amount1(liq, sqrtLo, sqrtHi, roundUp), nil
	default:
		return amount0(liq, sqrtCur, sqrtHi, roundUp), amount1(liq, sqrtLo, sqrtCur, roundUp), nil
	}
}

// liquidityForAmount0 inverts amount0: a0 * sqrtA * sqrtB / Q96 / (sqrtB-sqrtA).
func liquidityForAmount0(a0 *big.Int, sqrtA, sqrtB *uint256.Int) *big.Int {
	num := new(big.Int).Mul(sqrtA.ToBig(), sqrtB.ToBig())
	num.Quo(num, q96)
	num.Mul(num, a0)
	den := new(big.Int).Sub(sqrtB.ToBig(), sqrtA.ToBig())
	return num.Quo(num, den)
}

// liquidityForAmount1 inverts amount1: a1 * Q96 / (sqrtB-sqrtA).
func liquidityForAmount1(a1 *big.Int, sqrtA, sqrtB *uint256.Int) *big.Int {
	num := new(big.Int).Mul(a1, q96)
	den := new(big.Int).Sub(sqrtB.ToBig(), sqrtA.ToBig())
	return num.Quo(num, den)
}

// LiquidityForAmounts computes the largest liquidity the token pair can
// fund over [sqrtLo, sqrtHi) at the current price, rounding down so the
// pool never over-mints.
func LiquidityForAmounts(a0, a1 *big.Int, sqrtLo, sqrtHi, sqrtCur *uint256.Int) (*big.Int, error) {
	if sqrtLo.Cmp(sqrtHi) >= 0 {
		return nil, errPriceOrder
	}
	switch {
	case sqrtCur.Cmp(sqrtLo) <= 0:
		return liquidityForAmount0(a0, sqrtLo, sqrtHi), nil
	case sqrtCur.Cmp(sqrtHi) >= 0:
		return liquidityForAmount1(a1, sqrtLo, sqrtHi), nil
	default:
		l0 := liquidityForAmount0(a0, sqrtCur, sqrtHi)
		l1 := liquidityForAmount1(a1, sqrtLo, sqrtCur)
		if l0.Cmp(l1) < 0 {
			return l0, nil
		}
		return l1, nil
	}
}
