package vdb

import (
	"github.com/nspcc-dev/vdb/pkg/crypto/hash"
	"github.com/nspcc-dev/vdb/pkg/util"
)

// state is an immutable snapshot of the store contents together with the
// tree built over them. Commits produce a new state instead of changing the
// current one, so a failed commit leaves nothing half-applied.
type state struct {
	values []uint64
	tree   *hash.MerkleTree
}

// newState returns the state with all maxKey+1 keys set to zero.
func newState(h hash.Hasher, maxKey Key) *state {
	s := &state{values: make([]uint64, int(maxKey)+1)}
	s.rebuildTree(h)
	return s
}

func (s *state) get(k Key) uint64 {
	return s.values[k]
}

// apply returns a copy of s with writes applied. The copy has no tree until
// rebuildTree is called.
func (s *state) apply(writes map[Key]uint64) *state {
	next := &state{values: make([]uint64, len(s.values))}
	copy(next.values, s.values)
	for k, v := range writes {
		next.values[k] = v
	}
	return next
}

// rebuildTree builds the tree from scratch over the current values.
func (s *state) rebuildTree(h hash.Hasher) {
	t := hash.NewMerkleTree(h)
	for k, v := range s.values {
		t.Insert(LeafHash(h, Key(k), v))
	}
	t.Root()
	s.tree = t
}

func (s *state) root() util.Uint256 {
	return s.tree.Root()
}

func (s *state) path(k Key) (*hash.MerklePath, error) {
	return s.tree.Path(uint64(k))
}
