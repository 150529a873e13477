package pool

import (
	"errors"
	"fmt"

	"liqtree/fixmath"
	"liqtree/liquidity"
	"liqtree/tree"
)

var (
	// ErrZeroLiquidity rejects a modify request carrying no change.
	ErrZeroLiquidity = errors.New("pool: zero liquidity delta")
	// ErrPriceBounds reports a current price outside the caller's stated
	// bounds. Nothing was mutated; the request can be retried.
	ErrPriceBounds = errors.New("pool: price outside requested bounds")
	// ErrNoBackend rejects construction without a settlement backend.
	ErrNoBackend = errors.New("pool: no settlement backend")
	// ErrNoPriceView rejects construction without a price source.
	ErrNoPriceView = errors.New("pool: no price view")
	// ErrNegativeTarget marks a node whose deployed-liquidity target went
	// negative, always wrapped in an InvariantError.
	ErrNegativeTarget = errors.New("pool: negative deployed-liquidity target")
)

// InvariantError reports a broken accounting invariant at a specific node.
// A walk producing one is discarded wholesale and never retried
// automatically.
type InvariantError struct {
	Node tree.Key
	Err  error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("pool: invariant broken at %v: %v", e.Node, e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }

// wrapInvariant tags invariant-class failures with the node they broke at.
// User errors (excess removes, bad kinds) and infrastructure errors pass
// through untouched; an already-tagged error keeps its original node.
func wrapInvariant(k tree.Key, err error) error {
	if err == nil {
		return nil
	}
	if !errors.Is(err, liquidity.ErrInsolvent) && !errors.Is(err, fixmath.ErrOverflow) {
		return err
	}
	var ie *InvariantError
	if errors.As(err, &ie) {
		return err
	}
	return &InvariantError{Node: k, Err: err}
}
