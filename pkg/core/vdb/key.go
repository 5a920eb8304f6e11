package vdb

import (
	"encoding/binary"

	"github.com/nspcc-dev/vdb/pkg/crypto/hash"
	"github.com/nspcc-dev/vdb/pkg/util"
)

// Key is a store key. Keys form a dense [0, MaxKey] domain and every key of
// the domain has a leaf in the tree at the index equal to the key.
type Key uint16

// leafDataSize is the size of the hashed leaf preimage: 2-byte key followed
// by 8-byte value.
const leafDataSize = 2 + 8

// LeafHash returns the leaf digest for the given key-value pair. The preimage
// is the little-endian key followed by the little-endian value.
func LeafHash(h hash.Hasher, k Key, v uint64) util.Uint256 {
	var b [leafDataSize]byte
	binary.LittleEndian.PutUint16(b[:2], uint16(k))
	binary.LittleEndian.PutUint64(b[2:], v)
	return h(b[:])
}

// ComputeRoot returns the root of the tree built over the given values where
// values[k] is the value of key k. It's what a verifier holding the whole
// state uses to check a root independently of any DB.
func ComputeRoot(h hash.Hasher, values []uint64) util.Uint256 {
	leaves := make([]util.Uint256, len(values))
	for k, v := range values {
		leaves[k] = LeafHash(h, Key(k), v)
	}
	return hash.CalcMerkleRoot(h, leaves)
}
