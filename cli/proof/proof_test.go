package proof_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nspcc-dev/vdb/internal/testcli"
	"github.com/nspcc-dev/vdb/pkg/config"
	"github.com/nspcc-dev/vdb/pkg/core/vdb"
	"github.com/stretchr/testify/require"
)

// newProof commits a read of key 0 and writes 2=42, 3=7 to a 4-key store.
func newProof(t *testing.T) *vdb.Proof {
	db, err := vdb.New(config.StoreConfiguration{MaxKey: 3}, nil, nil)
	require.NoError(t, err)
	txn, err := db.Begin(context.Background())
	require.NoError(t, err)
	_, err = txn.Get(0)
	require.NoError(t, err)
	require.NoError(t, txn.Put(2, 42))
	require.NoError(t, txn.Put(3, 7))
	p, err := txn.Commit()
	require.NoError(t, err)
	return p
}

func writeJSON(t *testing.T, p *vdb.Proof) string {
	data, err := json.Marshal(p)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "proof.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestVerify(t *testing.T) {
	p := newProof(t)
	path := writeJSON(t, p)
	e := testcli.NewExecutor(t)

	t.Run("pre-state", func(t *testing.T) {
		e.Run(t, "vdb", "proof", "verify", "--in", path)
		e.CheckNextLine(t, "^Pre-state: OK, 3 keys, root "+p.OldRoot.String()+"$")
		e.CheckEOF(t)
	})
	t.Run("explicit old root", func(t *testing.T) {
		e.Run(t, "vdb", "proof", "verify", "--in", path, "--old-root", "0x"+p.OldRoot.String())
		e.CheckNextLine(t, "^Pre-state: OK")
	})
	t.Run("transition", func(t *testing.T) {
		e.Run(t, "vdb", "proof", "verify", "--in", path, "--writes", "2=42,3=7")
		e.CheckNextLine(t, "^Pre-state: OK")
		e.CheckNextLine(t, "^Transition: OK, 2 writes, root "+p.NewRoot.String()+"$")
		e.CheckEOF(t)
	})
	t.Run("binary", func(t *testing.T) {
		data, err := p.Bytes()
		require.NoError(t, err)
		bin := filepath.Join(t.TempDir(), "proof.bin")
		require.NoError(t, os.WriteFile(bin, data, 0644))
		e.Run(t, "vdb", "proof", "verify", "-i", bin, "--binary", "--writes", "3=7,2=42")
		e.CheckNextLine(t, "^Pre-state: OK")
		e.CheckNextLine(t, "^Transition: OK")
		e.RunWithError(t, "vdb", "proof", "verify", "-i", path, "--binary")
	})
	t.Run("wrong old root", func(t *testing.T) {
		e.RunWithErrorCheck(t, "pre-state", "vdb", "proof", "verify", "--in", path, "--old-root", p.NewRoot.String())
	})
	t.Run("wrong writes", func(t *testing.T) {
		e.RunWithErrorCheck(t, "post-state", "vdb", "proof", "verify", "--in", path, "--writes", "2=43,3=7")
		e.RunWithErrorCheck(t, "post-state", "vdb", "proof", "verify", "--in", path, "--writes", "2=42")
		e.RunWithError(t, "vdb", "proof", "verify", "--in", path, "--writes", "2")
	})
	t.Run("tampered", func(t *testing.T) {
		bad := *p
		bad.Paths = append([]vdb.KeyPath(nil), p.Paths...)
		leafPath := *bad.Paths[1].MerklePath
		leafPath.Leaf[0] ^= 1
		bad.Paths[1].MerklePath = &leafPath
		e.RunWithErrorCheck(t, "pre-state", "vdb", "proof", "verify", "--in", writeJSON(t, &bad))
	})
	t.Run("bad input", func(t *testing.T) {
		e.RunWithError(t, "vdb", "proof", "verify")
		e.RunWithError(t, "vdb", "proof", "verify", "--in", filepath.Join(t.TempDir(), "none"))
		e.RunWithError(t, "vdb", "proof", "verify", "--in", path, "--old-root", "xyz")
	})
}

func TestJournalCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "vdb.yml")
	cfg := fmt.Sprintf(`StoreConfiguration:
  MaxKey: 3
ApplicationConfiguration:
  LogLevel: error
  Journal:
    Enabled: true
    DBConfiguration:
      Type: boltdb
      BoltDBOptions:
        FilePath: %q
`, filepath.Join(dir, "journal.bolt"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0644))

	e := testcli.NewExecutor(t)
	e.Run(t, "vdb", "exec", "-c", cfgPath, "-i", "../store/testdata/script.yml")
	var res []struct {
		Proof *vdb.Proof `json:"proof"`
	}
	require.NoError(t, json.Unmarshal(e.Out.Bytes(), &res))
	require.Len(t, res, 3)
	first, third := res[0].Proof, res[2].Proof

	t.Run("last", func(t *testing.T) {
		e.Run(t, "vdb", "proof", "last", "-c", cfgPath, "-n", "5")
		var p vdb.Proof
		require.NoError(t, json.Unmarshal([]byte(e.GetNextLine(t)), &p))
		require.Equal(t, third, &p)
		require.NoError(t, json.Unmarshal([]byte(e.GetNextLine(t)), &p))
		require.Equal(t, first, &p)
		e.CheckEOF(t)
	})
	t.Run("get by seq", func(t *testing.T) {
		e.Run(t, "vdb", "proof", "get", "-c", cfgPath, "--seq", "1")
		var p vdb.Proof
		require.NoError(t, json.Unmarshal([]byte(e.GetNextLine(t)), &p))
		require.Equal(t, first, &p)
	})
	t.Run("get by root", func(t *testing.T) {
		e.Run(t, "vdb", "proof", "get", "-c", cfgPath, "--root", first.NewRoot.String(), "--binary")
		data, err := hex.DecodeString(strings.TrimSpace(e.GetNextLine(t)))
		require.NoError(t, err)
		p, err := vdb.NewProofFromBytes(data)
		require.NoError(t, err)
		// Both commits end in the same root, the latest one is returned.
		require.Equal(t, third, p)
	})
	t.Run("errors", func(t *testing.T) {
		e.RunWithError(t, "vdb", "proof", "get", "-c", cfgPath)
		e.RunWithError(t, "vdb", "proof", "get", "-c", cfgPath, "--seq", "10")
		e.RunWithError(t, "vdb", "proof", "get", "-c", cfgPath, "--root", "0x00")
		e.RunWithErrorCheck(t, "journal is disabled", "vdb", "proof", "last")
	})
	t.Run("missing journal", func(t *testing.T) {
		missing := filepath.Join(dir, "missing.bolt")
		other := filepath.Join(dir, "missing.yml")
		data := strings.Replace(cfg, filepath.Join(dir, "journal.bolt"), missing, 1)
		require.NoError(t, os.WriteFile(other, []byte(data), 0644))

		e.RunWithError(t, "vdb", "proof", "last", "-c", other)
		require.NoFileExists(t, missing)
	})
}
