package vdb

import (
	"fmt"
	"sort"

	"github.com/nspcc-dev/vdb/pkg/crypto/hash"
	"github.com/nspcc-dev/vdb/pkg/io"
	"github.com/nspcc-dev/vdb/pkg/util"
)

// maxHashNameLen limits hash name length in binary proofs.
const maxHashNameLen = 32

// maxProofPaths is the number of keys in the largest possible domain.
const maxProofPaths = 1 << 16

// KeyPath is an authentication path for the leaf of Key.
type KeyPath struct {
	Key Key `json:"key"`
	*hash.MerklePath
}

// Proof is the result of a commit. It binds the pre-commit state root to the
// values of every key the transaction read or wrote, Paths are sorted by key
// and taken against the OldRoot tree.
type Proof struct {
	Hash    string       `json:"hash"`
	OldRoot util.Uint256 `json:"oldroot"`
	NewRoot util.Uint256 `json:"newroot"`
	Paths   []KeyPath    `json:"paths"`
}

// VerifyProof checks that p was issued against the claimed oldRoot and that
// all of its paths lead to it.
func VerifyProof(p *Proof, oldRoot util.Uint256) bool {
	return p != nil && p.OldRoot == oldRoot && p.VerifyPreState(oldRoot)
}

// VerifyPreState checks that every path of the proof is well-formed and
// recomputes to oldRoot. It never changes p, so it can be called any number
// of times with the same result. A proof with no paths is trivially valid.
func (p *Proof) VerifyPreState(oldRoot util.Uint256) bool {
	h, err := hash.ByName(p.Hash)
	if err != nil {
		return false
	}
	for i, kp := range p.Paths {
		if !kp.wellFormed() || !kp.Verify(h, oldRoot) {
			return false
		}
		if i > 0 && (kp.Key <= p.Paths[i-1].Key || kp.Size != p.Paths[0].Size) {
			return false
		}
	}
	return true
}

// VerifyRead checks that key k had value v in the OldRoot state. It only
// works for keys the proof has paths for.
func (p *Proof) VerifyRead(k Key, v uint64) bool {
	h, err := hash.ByName(p.Hash)
	if err != nil {
		return false
	}
	kp := p.pathFor(k)
	if kp == nil || !kp.wellFormed() {
		return false
	}
	return kp.Leaf == LeafHash(h, k, v) && kp.Verify(h, p.OldRoot)
}

// VerifyTransition checks that applying writes to the OldRoot state yields
// NewRoot. Every written key must have a path in the proof. Paths of keys
// not in writes keep their old leaves.
func (p *Proof) VerifyTransition(writes map[Key]uint64) bool {
	if !p.VerifyPreState(p.OldRoot) {
		return false
	}
	if len(p.Paths) == 0 {
		return len(writes) == 0 && p.OldRoot == p.NewRoot
	}
	h, _ := hash.ByName(p.Hash)
	var (
		paths  = make([]*hash.MerklePath, len(p.Paths))
		leaves = make([]util.Uint256, len(p.Paths))
		found  int
	)
	for i, kp := range p.Paths {
		paths[i] = kp.MerklePath
		leaves[i] = kp.Leaf
		if v, ok := writes[kp.Key]; ok {
			leaves[i] = LeafHash(h, kp.Key, v)
			found++
		}
	}
	if found != len(writes) {
		return false
	}
	root, err := hash.RecomputeRoot(h, p.Paths[0].Size, paths, leaves)
	return err == nil && root == p.NewRoot
}

// Keys returns the keys the proof has paths for.
func (p *Proof) Keys() []Key {
	keys := make([]Key, len(p.Paths))
	for i := range p.Paths {
		keys[i] = p.Paths[i].Key
	}
	return keys
}

// Copy returns a deep copy of the proof.
func (p *Proof) Copy() *Proof {
	res := *p
	res.Paths = append(p.Paths[:0:0], p.Paths...)
	for i, kp := range res.Paths {
		if kp.MerklePath != nil {
			mp := *kp.MerklePath
			mp.Siblings = append(mp.Siblings[:0:0], mp.Siblings...)
			mp.Left = append(mp.Left[:0:0], mp.Left...)
			res.Paths[i].MerklePath = &mp
		}
	}
	return &res
}

func (p *Proof) pathFor(k Key) *KeyPath {
	i := sort.Search(len(p.Paths), func(i int) bool { return p.Paths[i].Key >= k })
	if i < len(p.Paths) && p.Paths[i].Key == k {
		return &p.Paths[i]
	}
	return nil
}

// EncodeBinary implements the io.Serializable interface.
func (p *Proof) EncodeBinary(w *io.BinWriter) {
	w.WriteString(p.Hash)
	p.OldRoot.EncodeBinary(w)
	p.NewRoot.EncodeBinary(w)
	io.WriteArray(w, p.Paths)
}

// DecodeBinary implements the io.Serializable interface.
func (p *Proof) DecodeBinary(r *io.BinReader) {
	p.Hash = r.ReadString(maxHashNameLen)
	p.OldRoot.DecodeBinary(r)
	p.NewRoot.DecodeBinary(r)
	p.Paths = io.ReadArray[KeyPath](r, maxProofPaths)
}

// Bytes returns the binary representation of the proof.
func (p *Proof) Bytes() ([]byte, error) {
	w := io.NewBufBinWriter()
	p.EncodeBinary(w.BinWriter)
	if w.Err != nil {
		return nil, w.Err
	}
	return w.Bytes(), nil
}

// NewProofFromBytes decodes the proof from its binary representation.
func NewProofFromBytes(b []byte) (*Proof, error) {
	p := new(Proof)
	r := io.NewBinReaderFromBuf(b)
	p.DecodeBinary(r)
	if r.Err != nil {
		return nil, fmt.Errorf("can't decode proof: %w", r.Err)
	}
	return p, nil
}

// EncodeBinary implements the io.Serializable interface.
func (kp KeyPath) EncodeBinary(w *io.BinWriter) {
	w.WriteU16LE(uint16(kp.Key))
	if kp.MerklePath == nil {
		w.Err = fmt.Errorf("no path for key %d", kp.Key)
		return
	}
	kp.MerklePath.EncodeBinary(w)
}

// DecodeBinary implements the io.Serializable interface.
func (kp *KeyPath) DecodeBinary(r *io.BinReader) {
	kp.Key = Key(r.ReadU16LE())
	kp.MerklePath = new(hash.MerklePath)
	kp.MerklePath.DecodeBinary(r)
}

// wellFormed checks that the path is there, is meant for kp.Key and has a
// shape matching its tree size.
func (kp *KeyPath) wellFormed() bool {
	return kp.MerklePath != nil && kp.Index == uint64(kp.Key) && kp.IsConsistent()
}
