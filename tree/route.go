package tree

import "fmt"

// SpineStep is one node of a descending spine. When the descent leaves a
// fully-covered sibling subtree behind, Cover holds its address and the
// caller's delta applies there.
type SpineStep struct {
	Node     Key
	Cover    Key
	HasCover bool
}

// Route decomposes a half-open leaf range [Lo, Hi) into the root→LCA path,
// a left spine descending to the range's low boundary and a right spine
// descending to the high boundary. The spine tips together with the covered
// siblings exactly tile the range with no double counting. When the range
// is exactly the LCA's span the LCA itself is the single apply node and
// both spines are empty.
type Route struct {
	Lo, Hi uint32
	// Path lists the strict ancestors of the LCA, root first.
	Path []Key
	LCA  Key
	// LCAApply is true when the caller's delta applies at the LCA itself.
	LCAApply bool
	Left     []SpineStep
	Right    []SpineStep
}

// NewRoute validates the range against the tree width and computes the
// traversal. It performs no mutation and is safe to call speculatively.
func NewRoute(treeWidth, lo, hi uint32) (*Route, error) {
	if treeWidth == 0 || treeWidth&(treeWidth-1) != 0 {
		return nil, fmt.Errorf("%w: tree width %d not a power of two", ErrBadKey, treeWidth)
	}
	if hi <= lo || hi > treeWidth {
		return nil, fmt.Errorf("%w: [%d,%d) over %d leaves", ErrInvalidRange, lo, hi, treeWidth)
	}

	lca := LCA(lo, hi-1)
	r := &Route{Lo: lo, Hi: hi, LCA: lca}

	for k := Root(treeWidth); k != lca; {
		r.Path = append(r.Path, k)
		if lo < k.Mid() {
			k = k.Left()
		} else {
			k = k.Right()
		}
	}

	if lca.Base == lo && lca.End() == hi {
		r.LCAApply = true
		return r, nil
	}

	// Left spine: below the LCA the range always reaches the node's right
	// edge, so a left descent leaves a fully-covered right sibling behind.
	for n := lca.Left(); ; {
		if n.Base == lo {
			r.Left = append(r.Left, SpineStep{Node: n})
			break
		}
		if lo < n.Mid() {
			r.Left = append(r.Left, SpineStep{Node: n, Cover: n.Right(), HasCover: true})
			n = n.Left()
		} else {
			r.Left = append(r.Left, SpineStep{Node: n})
			n = n.Right()
		}
	}

	for n := lca.Right(); ; {
		if n.End() == hi {
			r.Right = append(r.Right, SpineStep{Node: n})
			break
		}
		if hi > n.Mid() {
			r.Right = append(r.Right, SpineStep{Node: n, Cover: n.Left(), HasCover: true})
			n = n.Right()
		} else {
			r.Right = append(r.Right, SpineStep{Node: n})
			n = n.Left()
		}
	}
	return r, nil
}

// ApplyNodes returns every node where the caller's delta lands: the spine
// tips plus the covered siblings, in ascending base order within each spine.
func (r *Route) ApplyNodes() []Key {
	if r.LCAApply {
		return []Key{r.LCA}
	}
	var out []Key
	for _, s := range r.Left {
		if s.HasCover {
			out = append(out, s.Cover)
		}
	}
	out = append(out, r.Left[len(r.Left)-1].Node)
	for _, s := range r.Right {
		if s.HasCover {
			out = append(out, s.Cover)
		}
	}
	out = append(out, r.Right[len(r.Right)-1].Node)
	return out
}

// LeftTip returns the lowest node of the left spine. Valid only when
// LCAApply is false.
func (r *Route) LeftTip() Key { return r.Left[len(r.Left)-1].Node }

// RightTip returns the lowest node of the right spine.
func (r *Route) RightTip() Key { return r.Right[len(r.Right)-1].Node }
