package fixmath

import (
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestMulDivRounding(t *testing.T) {
	a := uint256.NewInt(10)
	b := uint256.NewInt(10)
	d := uint256.NewInt(3)

	down, err := MulDiv(a, b, d)
	require.NoError(t, err)
	require.Equal(t, uint64(33), down.Uint64())

	up, err := MulDivUp(a, b, d)
	require.NoError(t, err)
	require.Equal(t, uint64(34), up.Uint64())

	exact, err := MulDivUp(uint256.NewInt(6), uint256.NewInt(4), uint256.NewInt(8))
	require.NoError(t, err)
	require.Equal(t, uint64(3), exact.Uint64())
}

func TestMulDivWideIntermediate(t *testing.T) {
	// a*b overflows 256 bits but the quotient fits.
	a := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	b := new(uint256.Int).Lsh(uint256.NewInt(1), 100)
	d := new(uint256.Int).Lsh(uint256.NewInt(1), 120)
	got, err := MulDiv(a, b, d)
	require.NoError(t, err)
	require.Equal(t, new(uint256.Int).Lsh(uint256.NewInt(1), 180), got)
}

func TestMulDivOverflow(t *testing.T) {
	a := new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 255), uint256.NewInt(1))
	_, err := MulDiv(a, uint256.NewInt(4), uint256.NewInt(1))
	require.ErrorIs(t, err, ErrOverflow)

	_, err = MulDiv(a, a, uint256.NewInt(0))
	require.ErrorIs(t, err, ErrOverflow)
}

func TestSatAdd128(t *testing.T) {
	// Two largest representable half-values: sum exceeds the maximum by
	// exactly one unit.
	half := new(uint256.Int).Rsh(MaxUint128, 1)
	halfUp := new(uint256.Int).Add(half, uint256.NewInt(1))

	sum, spill := SatAdd128(halfUp, halfUp)
	require.Equal(t, MaxUint128, sum)
	require.Equal(t, uint64(1), spill.Uint64())

	sum, spill = SatAdd128(half, half)
	require.True(t, spill.IsZero())
	require.Equal(t, new(uint256.Int).Sub(MaxUint128, uint256.NewInt(1)), sum)
}

func TestDivX128RoundTrip(t *testing.T) {
	amount := uint256.NewInt(1_000_003)
	units := uint256.NewInt(7)

	rate, err := DivX128Up(amount, units)
	require.NoError(t, err)
	back, err := MulX128(units, rate)
	require.NoError(t, err)
	// Charging rounds up, so the recovered amount never undershoots.
	require.True(t, back.Cmp(amount) >= 0)
	require.True(t, new(uint256.Int).Sub(back, amount).Cmp(units) < 0)
}

func TestRatToX64(t *testing.T) {
	require.True(t, RatToX64(nil).IsZero())
	require.True(t, RatToX64(big.NewRat(-1, 2)).IsZero())
	require.Equal(t, One64, RatToX64(big.NewRat(1, 1)))
	require.Equal(t, new(uint256.Int).Rsh(One64, 1), RatToX64(big.NewRat(1, 2)))
}
