package store

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"liqtree/storage"
	"liqtree/tree"
)

var nodeKeyPrefix = "tree/node/"

// Store is the per-pool node store. Records loaded during a walk live in an
// overlay cache; nothing reaches the backend until Commit. The zero number
// of extra synchronization layers is deliberate: callers serialize walks
// per pool (one walk runs to completion before the next is accepted).
type Store struct {
	db     storage.Database
	poolID string
	cache  map[tree.Key]*Node
}

// New opens the node store for one pool.
func New(db storage.Database, poolID string) *Store {
	return &Store{
		db:     db,
		poolID: poolID,
		cache:  make(map[tree.Key]*Node),
	}
}

func (s *Store) key(k tree.Key) []byte {
	return []byte(fmt.Sprintf("%s%s/%d:%d", nodeKeyPrefix, s.poolID, k.Base, k.Width))
}

// Node returns the single mutable handle for an address, loading it from
// the backend or creating a zero record. The same pointer is returned for
// the duration of the overlay, so the fee and liquidity engines observe
// each other's writes within one traversal.
func (s *Store) Node(k tree.Key) (*Node, error) {
	if n, ok := s.cache[k]; ok {
		return n, nil
	}
	raw, err := s.db.Get(s.key(k))
	if errors.Is(err, storage.ErrNotFound) {
		n := newNode()
		s.cache[k] = n
		return n, nil
	}
	if err != nil {
		return nil, fmt.Errorf("node store: load %v: %w", k, err)
	}
	n := &Node{}
	if err := rlp.DecodeBytes(raw, n); err != nil {
		return nil, fmt.Errorf("node store: decode %v: %w", k, err)
	}
	n.normalize()
	s.cache[k] = n
	return n, nil
}

// Peek returns the cached handle when present without touching the backend.
func (s *Store) Peek(k tree.Key) (*Node, bool) {
	n, ok := s.cache[k]
	return n, ok
}

// DirtyKeys returns the addresses whose records changed during the walk, in
// deterministic order (outermost first, then by base).
func (s *Store) DirtyKeys() []tree.Key {
	keys := make([]tree.Key, 0, len(s.cache))
	for k, n := range s.cache {
		if n.Dirty != 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Width != keys[j].Width {
			return keys[i].Width > keys[j].Width
		}
		return keys[i].Base < keys[j].Base
	})
	return keys
}

// Commit folds staged solvency amounts into the live ledger, then persists
// every dirty record and prunes records that emptied out through one write
// batch, so a walk's changes land in the backend all-or-nothing. The
// overlay stays populated afterwards for callers inspecting the result.
func (s *Store) Commit() error {
	batch := s.db.NewBatch()
	for _, k := range s.DirtyKeys() {
		n := s.cache[k]
		if n.StagedBorrow.Sign() != 0 {
			n.Liq.BorrowLiq.Add(n.Liq.BorrowLiq, n.StagedBorrow)
			n.StagedBorrow.SetInt64(0)
		}
		if n.StagedLent.Sign() != 0 {
			n.Liq.LentLiq.Add(n.Liq.LentLiq, n.StagedLent)
			n.StagedLent.SetInt64(0)
		}
		if n.Liq.BorrowLiq.Sign() < 0 || n.Liq.LentLiq.Sign() < 0 {
			return fmt.Errorf("node store: negative borrow ledger at %v", k)
		}
		if n.IsEmpty() {
			if err := batch.Delete(s.key(k)); err != nil {
				return fmt.Errorf("node store: prune %v: %w", k, err)
			}
			continue
		}
		raw, err := rlp.EncodeToBytes(n)
		if err != nil {
			return fmt.Errorf("node store: encode %v: %w", k, err)
		}
		if err := batch.Put(s.key(k), raw); err != nil {
			return fmt.Errorf("node store: put %v: %w", k, err)
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("node store: write batch: %w", err)
	}
	return nil
}

// Discard drops every overlay record, restoring the pre-walk state.
func (s *Store) Discard() {
	s.cache = make(map[tree.Key]*Node)
}
