package hash_test

import (
	"testing"

	"github.com/nspcc-dev/vdb/internal/random"
	"github.com/nspcc-dev/vdb/pkg/crypto/hash"
	"github.com/nspcc-dev/vdb/pkg/util"
)

func BenchmarkMerkle(t *testing.B) {
	var hashes = make([]util.Uint256, 65536)
	for i := range hashes {
		hashes[i] = random.Uint256()
	}

	t.Run("MerkleTree", func(t *testing.B) {
		t.ResetTimer()
		for i := 0; i < t.N; i++ {
			tr := hash.NewMerkleTree(hash.Sha256)
			for _, h := range hashes {
				tr.Insert(h)
			}
			_ = tr.Root()
		}
	})
	t.Run("CalcMerkleRoot", func(t *testing.B) {
		t.ResetTimer()
		for i := 0; i < t.N; i++ {
			_ = hash.CalcMerkleRoot(hash.Sha256, hashes)
		}
	})
}
