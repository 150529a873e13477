package pool

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"liqtree/fixmath"
	"liqtree/liquidity"
	"liqtree/store"
	"liqtree/tree"
	"liqtree/walk"
)

// Position is one owner's balance at a single tree address and kind.
// Checkpoints snapshot the node's per-unit accumulators at the owner's
// last touch; the gap times the balance is the owner's accrued fee.
type Position struct {
	Balance         *big.Int
	RateCheckpoint0 *uint256.Int
	RateCheckpoint1 *uint256.Int
}

// NewPosition returns an empty position.
func NewPosition() *Position {
	return &Position{
		Balance:         new(big.Int),
		RateCheckpoint0: new(uint256.Int),
		RateCheckpoint1: new(uint256.Int),
	}
}

// PositionAccessor stores per-owner balances. Implementations own their
// durability; the engine only writes after a walk commits. A nil accessor
// disables owner tracking.
type PositionAccessor interface {
	Position(owner common.Address, k tree.Key, kind liquidity.Kind) (*Position, error)
	PutPosition(owner common.Address, k tree.Key, kind liquidity.Kind, p *Position) error
}

type positionUpdate struct {
	owner common.Address
	key   tree.Key
	kind  liquidity.Kind
	pos   *Position
}

func (p *Position) checkpoint(token int) *uint256.Int {
	if token == 0 {
		return p.RateCheckpoint0
	}
	return p.RateCheckpoint1
}

// collectPosition settles the owner's accrued fees at one apply node and
// stages the balance change. Runs after the node's fee charge, before the
// delta lands, so the accrual covers exactly the pre-delta balance.
func (v *walkVisitor) collectPosition(ctx *walk.Context, n *store.Node, k tree.Key) error {
	pos, err := v.e.positions.Position(v.owner, k, v.kind)
	if err != nil {
		return err
	}
	if pos == nil {
		pos = NewPosition()
	}

	units := new(big.Int).Mul(pos.Balance, big.NewInt(int64(k.Width)))
	for token := 0; token < 2; token++ {
		var acc *uint256.Int
		switch v.kind {
		case liquidity.KindMakerNC:
			acc = n.MakerRate(token)
		case liquidity.KindTaker:
			acc = n.TakerRate(token)
		default:
			// Compounding maker fees accrue into the share price, not a
			// per-unit accumulator.
			continue
		}
		gap := new(uint256.Int).Sub(acc, pos.checkpoint(token))
		if !gap.IsZero() && units.Sign() > 0 {
			if v.kind == liquidity.KindMakerNC {
				earned, err := fixmath.MulX128(fixmath.BigToU256(units), gap)
				if err != nil {
					return err
				}
				ctx.Owe(token, new(big.Int).Neg(earned.ToBig()))
			} else {
				owed, err := fixmath.MulX128Up(fixmath.BigToU256(units), gap)
				if err != nil {
					return err
				}
				ctx.Owe(token, owed.ToBig())
			}
		}
		pos.checkpoint(token).Set(acc)
	}

	pos.Balance.Add(pos.Balance, v.delta)
	if pos.Balance.Sign() < 0 {
		return liquidity.ErrExcessRemove
	}
	v.updates = append(v.updates, positionUpdate{owner: v.owner, key: k, kind: v.kind, pos: pos})
	return nil
}

// flushPositions persists the buffered position updates after Commit.
func (e *Engine) flushPositions(updates []positionUpdate) error {
	for _, u := range updates {
		if err := e.positions.PutPosition(u.owner, u.key, u.kind, u.pos); err != nil {
			return err
		}
	}
	return nil
}
