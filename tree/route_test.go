package tree

import (
	"errors"
	"sort"
	"testing"
)

// tilesExactly checks that the apply nodes partition [lo,hi) with no gaps
// or overlaps.
func tilesExactly(t *testing.T, r *Route, lo, hi uint32) {
	t.Helper()
	nodes := r.ApplyNodes()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Base < nodes[j].Base })
	next := lo
	for _, n := range nodes {
		if n.Base != next {
			t.Fatalf("tile gap: expected base %d, got %v", next, n)
		}
		next = n.End()
	}
	if next != hi {
		t.Fatalf("tiles end at %d, want %d", next, hi)
	}
}

func TestRouteTilesRange(t *testing.T) {
	for _, tc := range []struct{ lo, hi uint32 }{
		{100, 200},
		{140, 160},
		{0, 1024},
		{0, 768},
		{1, 1024},
		{511, 513},
		{7, 8},
		{0, 1},
		{513, 514},
	} {
		r, err := NewRoute(1024, tc.lo, tc.hi)
		if err != nil {
			t.Fatalf("NewRoute(%d,%d): %v", tc.lo, tc.hi, err)
		}
		tilesExactly(t, r, tc.lo, tc.hi)
	}
}

func TestRouteSingleLeaf(t *testing.T) {
	r, err := NewRoute(1024, 42, 43)
	if err != nil {
		t.Fatal(err)
	}
	if !r.LCAApply || r.LCA != (Key{Base: 42, Width: 1}) {
		t.Fatalf("single-leaf route should apply at the leaf LCA, got %+v", r)
	}
	if len(r.Left) != 0 || len(r.Right) != 0 {
		t.Fatalf("single-leaf route has spines: %+v", r)
	}
	if len(r.Path) != 10 {
		t.Fatalf("path to a leaf of a width-1024 tree has 10 strict ancestors, got %d", len(r.Path))
	}
}

func TestRouteAlignedRange(t *testing.T) {
	r, err := NewRoute(1024, 0, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if !r.LCAApply || r.LCA != Root(1024) {
		t.Fatalf("whole-tree route should apply at the root, got %+v", r)
	}
	if len(r.Path) != 0 {
		t.Fatalf("root has no strict ancestors, got %v", r.Path)
	}
}

func TestRoutePathWellFormed(t *testing.T) {
	r, err := NewRoute(1024, 100, 200)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[Key]bool{}
	check := func(k Key) {
		if !k.Valid(1024) {
			t.Fatalf("invalid key %v on route", k)
		}
		if seen[k] {
			t.Fatalf("duplicate key %v on route", k)
		}
		seen[k] = true
	}
	for _, k := range r.Path {
		check(k)
	}
	check(r.LCA)
	for _, s := range r.Left {
		check(s.Node)
		if s.HasCover {
			check(s.Cover)
		}
	}
	for _, s := range r.Right {
		check(s.Node)
		if s.HasCover {
			check(s.Cover)
		}
	}
	// Spines descend one level at a time from the LCA's children.
	if r.Left[0].Node != r.LCA.Left() || r.Right[0].Node != r.LCA.Right() {
		t.Fatalf("spines must start at the LCA children")
	}
	for i := 1; i < len(r.Left); i++ {
		if r.Left[i].Node.Parent() != r.Left[i-1].Node {
			t.Fatalf("left spine not contiguous at %d", i)
		}
	}
	for i := 1; i < len(r.Right); i++ {
		if r.Right[i].Node.Parent() != r.Right[i-1].Node {
			t.Fatalf("right spine not contiguous at %d", i)
		}
	}
}

func TestRouteRejectsBadInput(t *testing.T) {
	if _, err := NewRoute(1024, 10, 10); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("empty range: %v", err)
	}
	if _, err := NewRoute(1024, 20, 10); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("inverted range: %v", err)
	}
	if _, err := NewRoute(1024, 0, 1025); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("out-of-space range: %v", err)
	}
	if _, err := NewRoute(1000, 0, 8); !errors.Is(err, ErrBadKey) {
		t.Fatalf("non power-of-two width: %v", err)
	}
}
