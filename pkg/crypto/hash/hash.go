package hash

import (
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/nspcc-dev/vdb/pkg/util"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Hasher is a collision-resistant hash function producing 32-byte digests.
type Hasher func(data []byte) util.Uint256

// Supported hash function names.
const (
	SHA256     = "sha256"
	SHA3256    = "sha3-256"
	Blake2b256 = "blake2b-256"
)

var hashers = map[string]Hasher{
	SHA256:     Sha256,
	SHA3256:    Sha3,
	Blake2b256: Blake2b,
}

// Sha256 hashes the incoming byte slice using the sha256 algorithm.
func Sha256(data []byte) util.Uint256 {
	return sha256.Sum256(data)
}

// Sha3 hashes the incoming byte slice using the sha3-256 algorithm.
func Sha3(data []byte) util.Uint256 {
	return sha3.Sum256(data)
}

// Blake2b hashes the incoming byte slice using the blake2b-256 algorithm.
func Blake2b(data []byte) util.Uint256 {
	return blake2b.Sum256(data)
}

// ByName returns the Hasher registered under the given name. An empty name
// selects sha256.
func ByName(name string) (Hasher, error) {
	if name == "" {
		name = SHA256
	}
	h, ok := hashers[name]
	if !ok {
		return nil, fmt.Errorf("unknown hash function %q", name)
	}
	return h, nil
}

// Names returns sorted names of all supported hash functions.
func Names() []string {
	res := make([]string, 0, len(hashers))
	for name := range hashers {
		res = append(res, name)
	}
	sort.Strings(res)
	return res
}

// Concat returns h(left || right).
func Concat(h Hasher, left, right util.Uint256) util.Uint256 {
	var b [2 * util.Uint256Size]byte
	copy(b[:], left[:])
	copy(b[util.Uint256Size:], right[:])
	return h(b[:])
}
