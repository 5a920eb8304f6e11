package hash

import (
	"errors"
	"fmt"

	"github.com/nspcc-dev/vdb/pkg/io"
	"github.com/nspcc-dev/vdb/pkg/util"
)

// MaxPathLength is the maximum number of siblings in a MerklePath (a tree of
// 2^64 leaves).
const MaxPathLength = 64

// ErrIndexOutOfRange is returned when a path is requested for a leaf the tree
// doesn't have.
var ErrIndexOutOfRange = errors.New("leaf index out of range")

// MerkleTree is a binary hash tree over an ordered sequence of leaf digests.
// Internal nodes are h(left || right). A node left without a pair at any
// level is promoted to the next level unchanged.
type MerkleTree struct {
	hasher Hasher
	// levels[0] is the leaf level, the last level holds the root. It's
	// rebuilt lazily after Insert.
	levels [][]util.Uint256
	leaves []util.Uint256
}

// NewMerkleTree returns an empty tree using h for internal nodes.
func NewMerkleTree(h Hasher) *MerkleTree {
	return &MerkleTree{hasher: h}
}

// Insert appends leaf to the tree and returns its index.
func (t *MerkleTree) Insert(leaf util.Uint256) uint64 {
	t.leaves = append(t.leaves, leaf)
	t.levels = nil
	return uint64(len(t.leaves) - 1)
}

// Len returns the number of leaves.
func (t *MerkleTree) Len() int {
	return len(t.leaves)
}

// Root returns the root of the tree. The root of an empty tree is a zero
// digest.
func (t *MerkleTree) Root() util.Uint256 {
	if len(t.leaves) == 0 {
		return util.Uint256{}
	}
	t.build()
	return t.levels[len(t.levels)-1][0]
}

// Path returns the authentication path for the leaf at the given index.
func (t *MerkleTree) Path(index uint64) (*MerklePath, error) {
	size := uint64(len(t.leaves))
	if index >= size {
		return nil, fmt.Errorf("%w: %d (tree size %d)", ErrIndexOutOfRange, index, size)
	}
	t.build()
	p := &MerklePath{
		Index: index,
		Size:  size,
		Leaf:  t.leaves[index],
	}
	idx := index
	for _, level := range t.levels[:len(t.levels)-1] {
		sib := idx ^ 1
		if sib < uint64(len(level)) {
			p.Siblings = append(p.Siblings, level[sib])
			p.Left = append(p.Left, sib < idx)
		}
		idx >>= 1
	}
	return p, nil
}

func (t *MerkleTree) build() {
	if t.levels != nil {
		return
	}
	cur := t.leaves
	t.levels = append(t.levels, cur)
	for len(cur) > 1 {
		cur = nextLevel(t.hasher, cur)
		t.levels = append(t.levels, cur)
	}
}

func nextLevel(h Hasher, cur []util.Uint256) []util.Uint256 {
	next := make([]util.Uint256, (len(cur)+1)/2)
	for i := 0; i < len(cur); i += 2 {
		if i+1 < len(cur) {
			next[i/2] = Concat(h, cur[i], cur[i+1])
		} else {
			next[i/2] = cur[i]
		}
	}
	return next
}

// CalcMerkleRoot calculates the root of the tree built over hashes without
// keeping intermediate levels. The result is the same as the one of
// MerkleTree.Root.
func CalcMerkleRoot(h Hasher, hashes []util.Uint256) util.Uint256 {
	if len(hashes) == 0 {
		return util.Uint256{}
	}
	cur := hashes
	for len(cur) > 1 {
		cur = nextLevel(h, cur)
	}
	return cur[0]
}

// MerklePath is an authentication path from a leaf to the root. Siblings are
// ordered from the leaf level upwards, Left[i] tells whether Siblings[i] is
// the left operand of the hash at its level. Levels where the node was
// promoted without a pair have no sibling.
type MerklePath struct {
	Index    uint64         `json:"index"`
	Size     uint64         `json:"size"`
	Leaf     util.Uint256   `json:"leaf"`
	Siblings []util.Uint256 `json:"siblings"`
	Left     []bool         `json:"left"`
}

// Verify checks that the path's own leaf leads to root.
func (p *MerklePath) Verify(h Hasher, root util.Uint256) bool {
	return VerifyPath(h, p, p.Leaf, root)
}

// VerifyPath recomputes the root from leaf using siblings of p and
// compares it with root.
func VerifyPath(h Hasher, p *MerklePath, leaf util.Uint256, root util.Uint256) bool {
	if p == nil || len(p.Siblings) != len(p.Left) {
		return false
	}
	cur := leaf
	for i := range p.Siblings {
		if p.Left[i] {
			cur = Concat(h, p.Siblings[i], cur)
		} else {
			cur = Concat(h, cur, p.Siblings[i])
		}
	}
	return cur == root
}

// IsConsistent checks that the number of siblings and their directions match
// the shape of a tree of p.Size leaves for the leaf at p.Index.
func (p *MerklePath) IsConsistent() bool {
	if p.Index >= p.Size || len(p.Siblings) != len(p.Left) {
		return false
	}
	var j int
	for idx, n := p.Index, p.Size; n > 1; idx, n = idx>>1, (n+1)/2 {
		sib := idx ^ 1
		if sib >= n {
			continue
		}
		if j >= len(p.Left) || p.Left[j] != (sib < idx) {
			return false
		}
		j++
	}
	return j == len(p.Left)
}

// EncodeBinary implements the io.Serializable interface.
func (p *MerklePath) EncodeBinary(w *io.BinWriter) {
	w.WriteU64LE(p.Index)
	w.WriteU64LE(p.Size)
	p.Leaf.EncodeBinary(w)
	w.WriteVarUint(uint64(len(p.Siblings)))
	for i := range p.Siblings {
		p.Siblings[i].EncodeBinary(w)
		w.WriteBool(p.Left[i])
	}
}

// DecodeBinary implements the io.Serializable interface.
func (p *MerklePath) DecodeBinary(r *io.BinReader) {
	p.Index = r.ReadU64LE()
	p.Size = r.ReadU64LE()
	p.Leaf.DecodeBinary(r)
	n := r.ReadVarUint()
	if r.Err != nil {
		return
	}
	if n > MaxPathLength {
		r.Err = fmt.Errorf("path is too long: %d", n)
		return
	}
	p.Siblings = make([]util.Uint256, n)
	p.Left = make([]bool, n)
	for i := range p.Siblings {
		p.Siblings[i].DecodeBinary(r)
		p.Left[i] = r.ReadBool()
	}
}

// RecomputeRoot returns the root of a tree of size leaves where leaves at
// paths[i].Index are replaced by leaves[i]. All other nodes the computation
// needs are taken from the paths' siblings, so the paths must have been
// obtained from the same tree.
func RecomputeRoot(h Hasher, size uint64, paths []*MerklePath, leaves []util.Uint256) (util.Uint256, error) {
	if len(paths) == 0 || len(paths) != len(leaves) {
		return util.Uint256{}, errors.New("paths and leaves mismatch")
	}
	var (
		dirty    = make(map[uint64]util.Uint256, len(paths))
		siblings []map[uint64]util.Uint256
	)
	for i, p := range paths {
		if p == nil || p.Size != size || !p.IsConsistent() {
			return util.Uint256{}, fmt.Errorf("path %d doesn't match tree of %d leaves", i, size)
		}
		if old, ok := dirty[p.Index]; ok && old != leaves[i] {
			return util.Uint256{}, fmt.Errorf("conflicting leaves for index %d", p.Index)
		}
		dirty[p.Index] = leaves[i]

		var level, j int
		for idx, n := p.Index, size; n > 1; idx, n = idx>>1, (n+1)/2 {
			if level == len(siblings) {
				siblings = append(siblings, make(map[uint64]util.Uint256))
			}
			if sib := idx ^ 1; sib < n {
				siblings[level][sib] = p.Siblings[j]
				j++
			}
			level++
		}
	}

	for level, n := 0, size; n > 1; level, n = level+1, (n+1)/2 {
		next := make(map[uint64]util.Uint256, (len(dirty)+1)/2)
		for idx, v := range dirty {
			parent := idx >> 1
			if _, ok := next[parent]; ok {
				continue
			}
			sib := idx ^ 1
			if sib >= n {
				next[parent] = v
				continue
			}
			sv, ok := dirty[sib]
			if !ok {
				sv, ok = siblings[level][sib]
				if !ok {
					return util.Uint256{}, fmt.Errorf("missing node %d at level %d", sib, level)
				}
			}
			if idx&1 == 0 {
				next[parent] = Concat(h, v, sv)
			} else {
				next[parent] = Concat(h, sv, v)
			}
		}
		dirty = next
	}
	return dirty[0], nil
}
