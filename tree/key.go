// Package tree provides canonical addressing for the implicit binary
// interval tree whose leaves are fixed-width tick buckets, and computes the
// routed traversal needed to cover an arbitrary leaf range.
package tree

import (
	"errors"
	"fmt"
	"math/bits"
)

var (
	// ErrBadKey reports a malformed address: width not a power of two, or
	// base not aligned to width.
	ErrBadKey = errors.New("tree: malformed key")
	// ErrInvalidRange reports a query range outside the leaf index space or
	// with a non-positive span.
	ErrInvalidRange = errors.New("tree: invalid range")
)

// Key identifies one node of the interval tree. A node covers the half-open
// leaf range [Base, Base+Width); Width is always a power of two and Base is
// aligned to it. Width 1 nodes are leaves.
type Key struct {
	Base  uint32
	Width uint32
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d", k.Base, k.Width)
}

// Valid reports whether the key is well-formed within a tree of the given
// total width.
func (k Key) Valid(treeWidth uint32) bool {
	if k.Width == 0 || k.Width&(k.Width-1) != 0 {
		return false
	}
	if k.Base%k.Width != 0 {
		return false
	}
	return k.Width <= treeWidth && k.Base+k.Width <= treeWidth
}

// IsLeaf reports whether the node maps directly to a single tick bucket.
func (k Key) IsLeaf() bool { return k.Width == 1 }

// End returns the exclusive upper leaf index of the node's span.
func (k Key) End() uint32 { return k.Base + k.Width }

// Mid returns the first leaf index of the right child's span.
func (k Key) Mid() uint32 { return k.Base + k.Width/2 }

// Parent derives the enclosing node one level up.
func (k Key) Parent() Key {
	w := k.Width << 1
	return Key{Base: k.Base &^ (w - 1), Width: w}
}

// Sibling derives the other child of the parent.
func (k Key) Sibling() Key {
	return Key{Base: k.Base ^ k.Width, Width: k.Width}
}

// Left returns the left child. Must not be called on a leaf.
func (k Key) Left() Key {
	return Key{Base: k.Base, Width: k.Width >> 1}
}

// Right returns the right child. Must not be called on a leaf.
func (k Key) Right() Key {
	return Key{Base: k.Mid(), Width: k.Width >> 1}
}

// IsLeftChild reports whether the node is its parent's left child.
func (k Key) IsLeftChild() bool { return k.Base&k.Width == 0 }

// Contains reports whether leaf lies within the node's span.
func (k Key) Contains(leaf uint32) bool {
	return leaf >= k.Base && leaf < k.End()
}

// Root returns the address of the whole tree.
func Root(treeWidth uint32) Key { return Key{Base: 0, Width: treeWidth} }

// LCA returns the smallest node containing both leaves.
func LCA(a, b uint32) Key {
	if a == b {
		return Key{Base: a, Width: 1}
	}
	w := uint32(1) << bits.Len32(a^b)
	return Key{Base: a &^ (w - 1), Width: w}
}
