// Package liquidity applies liquidity deltas to tree nodes, maintains
// subtree aggregates, and keeps every node solvent by borrowing and lending
// liquidity between siblings and ancestors.
package liquidity

import "errors"

// Kind is the closed set of liquidity classes a position can hold.
type Kind uint8

const (
	// KindMaker is compounding maker liquidity, denominated in shares.
	KindMaker Kind = iota
	// KindMakerNC is non-compounding maker liquidity, denominated in
	// per-leaf liquidity units.
	KindMakerNC
	// KindTaker is leveraged directional liquidity borrowing the opposing
	// tokens, denominated in per-leaf liquidity units.
	KindTaker
)

// ErrUnknownKind rejects deltas for a kind outside the closed set.
var ErrUnknownKind = errors.New("liquidity: unknown kind")

func (k Kind) String() string {
	switch k {
	case KindMaker:
		return "maker"
	case KindMakerNC:
		return "maker-nc"
	case KindTaker:
		return "taker"
	default:
		return "unknown"
	}
}

// Valid reports whether the kind is a member of the closed set.
func (k Kind) Valid() bool { return k <= KindTaker }
