// Package walk drives a single traversal over the routed tree: down the
// root→LCA path, down each boundary spine with covered siblings visited as
// dead ends, then back up mirror-wise with a final leg to the root. The
// walker owns only the ordering; all node work lives in the Visitor.
package walk

import (
	"math/big"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"liqtree/tree"
)

// Edge marks a transition between traversal phases, letting a visitor
// reset per-spine state without tracking positions itself.
type Edge int

const (
	// EdgeRootDown fires once before the first Down call.
	EdgeRootDown Edge = iota
	// EdgeEnterLeft fires before descending the left spine.
	EdgeEnterLeft
	// EdgeLeftTurn fires at the left tip, between its Down and Up.
	EdgeLeftTurn
	// EdgeEnterRight fires before descending the right spine.
	EdgeEnterRight
	// EdgeRightTurn fires at the right tip, between its Down and Up.
	EdgeRightTurn
	// EdgeFinalUp fires before the LCA→root ascent.
	EdgeFinalUp
)

func (e Edge) String() string {
	switch e {
	case EdgeRootDown:
		return "root-down"
	case EdgeEnterLeft:
		return "enter-left"
	case EdgeLeftTurn:
		return "left-turn"
	case EdgeEnterRight:
		return "enter-right"
	case EdgeRightTurn:
		return "right-turn"
	case EdgeFinalUp:
		return "final-up"
	default:
		return "unknown"
	}
}

// Context threads per-walk state through the visitor: the wall clock the
// fee engine charges to, the running token amounts the caller owes the
// pool, saturation overflow, and the per-leaf liquidity prefix of the
// current path.
type Context struct {
	Now     uint64
	TraceID string

	// Owed amounts are signed from the pool's perspective.
	Owed0 *big.Int
	Owed1 *big.Int

	// Balances that saturated during the walk spill here and fold into
	// the owed amounts when the walk settles.
	Overflow0 *uint256.Int
	Overflow1 *uint256.Int

	// Per-leaf maker and taker liquidity of the strict ancestors of the
	// node currently being visited. Down pushes, Up pops.
	PrefixMaker *big.Int
	PrefixTaker *big.Int
}

// NewContext starts a walk clock at the given time with a fresh trace id.
func NewContext(now uint64) *Context {
	return &Context{
		Now:         now,
		TraceID:     uuid.NewString(),
		Owed0:       new(big.Int),
		Owed1:       new(big.Int),
		Overflow0:   new(uint256.Int),
		Overflow1:   new(uint256.Int),
		PrefixMaker: new(big.Int),
		PrefixTaker: new(big.Int),
	}
}

// Owe accumulates a signed token amount into the walk's running total.
func (c *Context) Owe(token int, amt *big.Int) {
	if token == 0 {
		c.Owed0.Add(c.Owed0, amt)
	} else {
		c.Owed1.Add(c.Owed1, amt)
	}
}

// Spill accumulates saturation overflow for a token.
func (c *Context) Spill(token int, amt *uint256.Int) {
	if token == 0 {
		c.Overflow0.Add(c.Overflow0, amt)
	} else {
		c.Overflow1.Add(c.Overflow1, amt)
	}
}

// PushPrefix adds a visited node's own per-leaf liquidity to the path
// prefix before descending below it.
func (c *Context) PushPrefix(maker, taker *big.Int) {
	c.PrefixMaker.Add(c.PrefixMaker, maker)
	c.PrefixTaker.Add(c.PrefixTaker, taker)
}

// PopPrefix reverses PushPrefix on the way back up.
func (c *Context) PopPrefix(maker, taker *big.Int) {
	c.PrefixMaker.Sub(c.PrefixMaker, maker)
	c.PrefixTaker.Sub(c.PrefixTaker, taker)
}

// Visitor receives every node of the traversal twice. The apply flag
// marks nodes where the caller's delta lands. Covered siblings are
// visited Down-then-Up immediately after their parent's Down.
type Visitor interface {
	Down(ctx *Context, k tree.Key, apply bool) error
	Up(ctx *Context, k tree.Key, apply bool) error
	Edge(ctx *Context, e Edge) error
}

// Run executes one traversal of the route. The first error aborts the
// walk; the caller discards the overlay in that case, so no partial
// ordering guarantees are needed past the failure point.
func Run(ctx *Context, r *tree.Route, v Visitor) error {
	if err := v.Edge(ctx, EdgeRootDown); err != nil {
		return err
	}
	for _, k := range r.Path {
		if err := v.Down(ctx, k, false); err != nil {
			return err
		}
	}
	if err := v.Down(ctx, r.LCA, r.LCAApply); err != nil {
		return err
	}

	if !r.LCAApply {
		if err := runSpine(ctx, v, r.Left, EdgeEnterLeft, EdgeLeftTurn); err != nil {
			return err
		}
		if err := runSpine(ctx, v, r.Right, EdgeEnterRight, EdgeRightTurn); err != nil {
			return err
		}
	}

	if err := v.Edge(ctx, EdgeFinalUp); err != nil {
		return err
	}
	if err := v.Up(ctx, r.LCA, r.LCAApply); err != nil {
		return err
	}
	for i := len(r.Path) - 1; i >= 0; i-- {
		if err := v.Up(ctx, r.Path[i], false); err != nil {
			return err
		}
	}
	return nil
}

func runSpine(ctx *Context, v Visitor, spine []tree.SpineStep, enter, turn Edge) error {
	if err := v.Edge(ctx, enter); err != nil {
		return err
	}
	for i, s := range spine {
		tip := i == len(spine)-1
		if err := v.Down(ctx, s.Node, tip); err != nil {
			return err
		}
		if s.HasCover {
			if err := v.Down(ctx, s.Cover, true); err != nil {
				return err
			}
			if err := v.Up(ctx, s.Cover, true); err != nil {
				return err
			}
		}
		if tip {
			if err := v.Edge(ctx, turn); err != nil {
				return err
			}
		}
	}
	for i := len(spine) - 1; i >= 0; i-- {
		if err := v.Up(ctx, spine[i].Node, i == len(spine)-1); err != nil {
			return err
		}
	}
	return nil
}
