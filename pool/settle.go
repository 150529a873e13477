package pool

import (
	"math/big"

	"liqtree/store"
	"liqtree/tree"
)

// settleStep is one backend adjustment: deploy (positive) or withdraw
// (negative) liquidity for a node's range.
type settleStep struct {
	key  tree.Key
	diff *big.Int
}

// settlePlan reconciles every node the walk touched against the backend:
// the venue must hold exactly the node's net liquidity over its range.
// Runs on the overlay before commit; Net folds the staged solvency
// amounts in, so the targets match what commit will persist. Validation
// errors surface here, before the backend or the store is touched.
func (e *Engine) settlePlan() ([]settleStep, error) {
	var plan []settleStep
	for _, k := range e.store.DirtyKeys() {
		n, ok := e.store.Peek(k)
		if !ok || n.Dirty&(store.DirtyLiq|store.DirtyBorrow) == 0 {
			continue
		}
		target := n.Net(k.Width)
		if target.Sign() < 0 {
			return nil, &InvariantError{Node: k, Err: ErrNegativeTarget}
		}
		deployed, err := e.backend.Deployed(k)
		if err != nil {
			return nil, err
		}
		diff := new(big.Int).Sub(target, deployed)
		if diff.Sign() != 0 {
			plan = append(plan, settleStep{key: k, diff: diff})
		}
	}
	return plan, nil
}

func (e *Engine) executeSettle(plan []settleStep) error {
	for _, s := range plan {
		if s.diff.Sign() > 0 {
			if err := e.backend.Mint(s.key, s.diff); err != nil {
				return err
			}
			e.log.Debug("minted node liquidity", "node", s.key.String(), "liquidity", s.diff.String())
			continue
		}
		liq := new(big.Int).Neg(s.diff)
		if err := e.backend.Burn(s.key, liq); err != nil {
			return err
		}
		e.log.Debug("burned node liquidity", "node", s.key.String(), "liquidity", liq.String())
	}
	return nil
}
