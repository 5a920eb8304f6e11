package vdb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nspcc-dev/vdb/internal/random"
	"github.com/nspcc-dev/vdb/pkg/config"
	"github.com/nspcc-dev/vdb/pkg/core/storage"
	"github.com/nspcc-dev/vdb/pkg/crypto/hash"
	"github.com/nspcc-dev/vdb/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Roots of the 4-key domain, all zeroes and then with key 2 set to 42.
const (
	zeroRoot4 = "1200f577583c33074eab02524a704815a7967f81851f7a651e4a25a1475f45f4"
	root4Key2 = "b0cb8c6f95f9f5cf6aa3930cdf37e5cc843c506fecbc8300df539ae7b5870947"
	leafKey2  = "337a32712f14c5df0b57a64bd6c321a043081688ecd4f33fd8319470da2256b1"
)

func newTestDB(t *testing.T, maxKey uint16, f ...func(*config.StoreConfiguration)) *DB {
	cfg := config.StoreConfiguration{MaxKey: maxKey, Hash: hash.SHA256}
	for _, fn := range f {
		fn(&cfg)
	}
	db, err := New(cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return db
}

func mustUint256(t *testing.T, s string) util.Uint256 {
	u, err := util.Uint256DecodeString(s)
	require.NoError(t, err)
	return u
}

// commitWrites runs a write-only transaction.
func commitWrites(t *testing.T, db *DB, writes map[Key]uint64) *Proof {
	txn, err := db.Begin(context.Background())
	require.NoError(t, err)
	for k, v := range writes {
		require.NoError(t, txn.Put(k, v))
	}
	p, err := txn.Commit()
	require.NoError(t, err)
	return p
}

func TestNew(t *testing.T) {
	t.Run("bad hash", func(t *testing.T) {
		_, err := New(config.StoreConfiguration{Hash: "md5"}, nil, nil)
		require.Error(t, err)
	})
	t.Run("default hash", func(t *testing.T) {
		db, err := New(config.StoreConfiguration{MaxKey: 3}, nil, nil)
		require.NoError(t, err)
		require.Equal(t, hash.SHA256, db.HashName())
		require.Equal(t, mustUint256(t, zeroRoot4), db.Root())
	})
	t.Run("initial root", func(t *testing.T) {
		db := newTestDB(t, 3)
		require.Equal(t, Key(3), db.MaxKey())
		require.Equal(t, mustUint256(t, zeroRoot4), db.Root())
		require.Equal(t, db.Root(), db.PreviousRoot())
		require.Equal(t, ComputeRoot(hash.Sha256, make([]uint64, 4)), db.Root())
		require.Equal(t, uint64(0), db.Commits())
	})
	t.Run("single key domain", func(t *testing.T) {
		db := newTestDB(t, 0)
		require.Equal(t, LeafHash(hash.Sha256, 0, 0), db.Root())
	})
}

func TestDB_SmallDomainScenario(t *testing.T) {
	db := newTestDB(t, 3)
	oldRoot := db.Root()

	txn, err := db.Begin(context.Background())
	require.NoError(t, err)
	v, err := txn.Get(2)
	require.NoError(t, err)
	require.Equal(t, uint64(0), v)
	require.NoError(t, txn.Put(2, 42))
	p, err := txn.Commit()
	require.NoError(t, err)
	require.Equal(t, Committed, txn.State())

	require.Equal(t, mustUint256(t, zeroRoot4), p.OldRoot)
	require.Equal(t, mustUint256(t, root4Key2), p.NewRoot)
	require.Equal(t, p.NewRoot, db.Root())
	require.Equal(t, oldRoot, db.PreviousRoot())
	require.Equal(t, uint64(1), db.Commits())

	require.Len(t, p.Paths, 1)
	require.Equal(t, Key(2), p.Paths[0].Key)
	require.Equal(t, mustUint256(t, leafKey2), p.Paths[0].Leaf)
	require.True(t, p.VerifyPreState(oldRoot))
	require.False(t, p.VerifyPreState(p.NewRoot))
	require.True(t, VerifyProof(p, oldRoot))
	require.True(t, p.VerifyRead(2, 0))
	require.True(t, p.VerifyTransition(map[Key]uint64{2: 42}))
	require.False(t, p.VerifyTransition(map[Key]uint64{2: 41}))

	txn, err = db.Begin(context.Background())
	require.NoError(t, err)
	for k, expected := range []uint64{0, 0, 42, 0} {
		v, err = txn.Get(Key(k))
		require.NoError(t, err)
		require.Equal(t, expected, v, "key %d", k)
	}
	txn.Abandon()
}

func TestTxn_ReadYourWrites(t *testing.T) {
	db := newTestDB(t, 7)
	txn, err := db.Begin(context.Background())
	require.NoError(t, err)

	require.NoError(t, txn.Put(1, 5))
	v, err := txn.Get(1)
	require.NoError(t, err)
	require.Equal(t, uint64(5), v)

	require.NoError(t, txn.Put(1, 6))
	v, err = txn.Get(1)
	require.NoError(t, err)
	require.Equal(t, uint64(6), v)

	p, err := txn.Commit()
	require.NoError(t, err)
	require.Equal(t, []Key{1}, p.Keys())
	require.True(t, p.VerifyTransition(map[Key]uint64{1: 6}))

	expected := make([]uint64, 8)
	expected[1] = 6
	require.Equal(t, ComputeRoot(hash.Sha256, expected), db.Root())
}

func TestTxn_AffectedKeys(t *testing.T) {
	db := newTestDB(t, 7)
	txn, err := db.Begin(context.Background())
	require.NoError(t, err)

	_, err = txn.Get(3)
	require.NoError(t, err)
	require.NoError(t, txn.Put(1, 10))
	_, err = txn.Get(0)
	require.NoError(t, err)
	require.NoError(t, txn.Put(3, 30))
	_, err = txn.Get(3)
	require.NoError(t, err)

	p, err := txn.Commit()
	require.NoError(t, err)
	require.Equal(t, []Key{0, 1, 3}, p.Keys())
	for _, kp := range p.Paths {
		require.Equal(t, uint64(kp.Key), kp.Index)
		require.Equal(t, uint64(8), kp.Size)
		require.True(t, p.VerifyRead(kp.Key, 0))
	}
	require.True(t, p.VerifyPreState(p.OldRoot))
	require.True(t, p.VerifyTransition(map[Key]uint64{1: 10, 3: 30}))
	// Key 0 was only read, writing it is not the transition that happened.
	require.False(t, p.VerifyTransition(map[Key]uint64{0: 1, 1: 10, 3: 30}))
}

func TestTxn_Abandon(t *testing.T) {
	db := newTestDB(t, 3)
	root := db.Root()

	txn, err := db.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, txn.Put(0, 100))
	txn.Abandon()
	require.Equal(t, Abandoned, txn.State())
	txn.Abandon()
	require.Equal(t, Abandoned, txn.State())

	require.Equal(t, root, db.Root())
	require.Equal(t, uint64(0), db.Commits())

	_, err = txn.Get(0)
	require.ErrorIs(t, err, ErrTxnTerminal)
	require.ErrorIs(t, txn.Put(0, 1), ErrTxnTerminal)
	_, err = txn.Commit()
	require.ErrorIs(t, err, ErrTxnTerminal)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	txn, err = db.Begin(ctx)
	require.NoError(t, err)
	v, err := txn.Get(0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), v)
	txn.Abandon()
}

// panickingStore fails hard on any write.
type panickingStore struct {
	storage.Store
}

func (panickingStore) PutChangeSet(map[string][]byte) error {
	panic("write failure")
}

// checkUntouched ensures db is still at root with all keys zero and the lock
// is free.
func checkUntouched(t *testing.T, db *DB, root util.Uint256) {
	require.Equal(t, root, db.Root())
	require.Equal(t, root, db.PreviousRoot())
	require.Equal(t, uint64(0), db.Commits())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	txn, err := db.Begin(ctx)
	require.NoError(t, err)
	defer txn.Abandon()
	for k := Key(0); k <= db.MaxKey(); k++ {
		v, err := txn.Get(k)
		require.NoError(t, err)
		require.Equal(t, uint64(0), v, "key %d", k)
	}
}

func TestTxn_CommitFailure(t *testing.T) {
	for name, cfg := range journalConfigs(t) {
		t.Run("closed "+name, func(t *testing.T) {
			j, err := NewJournal(cfg, zaptest.NewLogger(t))
			require.NoError(t, err)
			require.NoError(t, j.Close())

			db, err := New(config.StoreConfiguration{MaxKey: 3}, j, zaptest.NewLogger(t))
			require.NoError(t, err)
			root := db.Root()

			txn, err := db.Begin(context.Background())
			require.NoError(t, err)
			require.NoError(t, txn.Put(1, 5))
			p, err := txn.Commit()
			require.ErrorIs(t, err, storage.ErrClosed)
			require.Nil(t, p)
			require.Equal(t, Abandoned, txn.State())

			checkUntouched(t, db, root)
		})
	}
	t.Run("panic", func(t *testing.T) {
		s := storage.NewMemoryStore()
		j, err := NewJournalFromStore(s, 0, nil)
		require.NoError(t, err)
		j.store = panickingStore{s}
		db, err := New(config.StoreConfiguration{MaxKey: 3}, j, zaptest.NewLogger(t))
		require.NoError(t, err)
		root := db.Root()

		txn, err := db.Begin(context.Background())
		require.NoError(t, err)
		require.NoError(t, txn.Put(1, 5))
		require.Panics(t, func() { _, _ = txn.Commit() })
		require.Equal(t, Abandoned, txn.State())

		checkUntouched(t, db, root)
	})
}

func TestTxn_CommitTwice(t *testing.T) {
	db := newTestDB(t, 3)
	txn, err := db.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, txn.Put(1, 1))
	_, err = txn.Commit()
	require.NoError(t, err)

	_, err = txn.Commit()
	require.ErrorIs(t, err, ErrTxnTerminal)
	txn.Abandon()
	require.Equal(t, Committed, txn.State())
	require.Equal(t, uint64(1), db.Commits())
}

func TestTxn_KeyOutOfDomain(t *testing.T) {
	db := newTestDB(t, 3)
	txn, err := db.Begin(context.Background())
	require.NoError(t, err)

	_, err = txn.Get(4)
	require.ErrorIs(t, err, ErrKeyOutOfDomain)
	require.ErrorIs(t, txn.Put(65535, 1), ErrKeyOutOfDomain)
	require.Equal(t, Active, txn.State())

	p, err := txn.Commit()
	require.NoError(t, err)
	require.Empty(t, p.Paths)
}

func TestTxn_Empty(t *testing.T) {
	db := newTestDB(t, 3)
	txn, err := db.Begin(context.Background())
	require.NoError(t, err)
	p, err := txn.Commit()
	require.NoError(t, err)

	require.Empty(t, p.Paths)
	require.Equal(t, p.OldRoot, p.NewRoot)
	require.True(t, p.VerifyPreState(p.OldRoot))
	require.True(t, p.VerifyPreState(util.Uint256{}))
	require.True(t, p.VerifyTransition(nil))
	require.False(t, p.VerifyTransition(map[Key]uint64{0: 1}))
}

func TestDB_SkipProofs(t *testing.T) {
	db := newTestDB(t, 3, func(c *config.StoreConfiguration) { c.SkipProofs = true })
	p := commitWrites(t, db, map[Key]uint64{2: 42})
	require.Nil(t, p)
	require.Equal(t, mustUint256(t, root4Key2), db.Root())
	require.Equal(t, mustUint256(t, zeroRoot4), db.PreviousRoot())
}

func TestDB_Begin(t *testing.T) {
	t.Run("lock timeout", func(t *testing.T) {
		db := newTestDB(t, 3, func(c *config.StoreConfiguration) { c.LockTimeout = 20 * time.Millisecond })
		txn, err := db.Begin(context.Background())
		require.NoError(t, err)

		_, err = db.Begin(context.Background())
		require.ErrorIs(t, err, ErrLockNotAcquired)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		txn.Abandon()
		txn, err = db.Begin(context.Background())
		require.NoError(t, err)
		txn.Abandon()
	})
	t.Run("canceled context", func(t *testing.T) {
		db := newTestDB(t, 3)
		txn, err := db.Begin(context.Background())
		require.NoError(t, err)
		defer txn.Abandon()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = db.Begin(ctx)
		require.ErrorIs(t, err, ErrLockNotAcquired)
		require.True(t, errors.Is(err, context.Canceled))
	})
	t.Run("waits for release", func(t *testing.T) {
		db := newTestDB(t, 3)
		txn, err := db.Begin(context.Background())
		require.NoError(t, err)
		require.NoError(t, txn.Put(0, 7))

		started := make(chan struct{})
		done := make(chan uint64)
		go func() {
			close(started)
			next, err := db.Begin(context.Background())
			if err != nil {
				done <- 0
				return
			}
			v, _ := next.Get(0)
			next.Abandon()
			done <- v
		}()
		<-started
		select {
		case <-done:
			t.Fatal("second transaction started while the first one is active")
		case <-time.After(20 * time.Millisecond):
		}
		_, err = txn.Commit()
		require.NoError(t, err)
		require.Equal(t, uint64(7), <-done)
	})
}

func TestDB_Isolation(t *testing.T) {
	const (
		workers = 8
		rounds  = 25
	)
	db := newTestDB(t, 15)

	var (
		wg     sync.WaitGroup
		mtx    sync.Mutex
		proofs []*Proof
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				txn, err := db.Begin(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				v, err := txn.Get(0)
				assert.NoError(t, err)
				assert.NoError(t, txn.Put(0, v+1))
				assert.NoError(t, txn.Put(Key(1+i), uint64(j)))
				p, err := txn.Commit()
				if !assert.NoError(t, err) {
					return
				}
				assert.True(t, p.VerifyRead(0, v))
				assert.True(t, p.VerifyTransition(map[Key]uint64{0: v + 1, Key(1 + i): uint64(j)}))
				mtx.Lock()
				proofs = append(proofs, p)
				mtx.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, uint64(workers*rounds), db.Commits())
	txn, err := db.Begin(context.Background())
	require.NoError(t, err)
	v, err := txn.Get(0)
	require.NoError(t, err)
	require.Equal(t, uint64(workers*rounds), v)
	txn.Abandon()

	// Commits form a chain of roots, every old root is some other commit's
	// new root or the initial one.
	next := make(map[util.Uint256]util.Uint256, len(proofs))
	for _, p := range proofs {
		require.True(t, p.VerifyPreState(p.OldRoot))
		next[p.OldRoot] = p.NewRoot
	}
	root := ComputeRoot(hash.Sha256, make([]uint64, 16))
	for i := 0; i < len(proofs); i++ {
		r, ok := next[root]
		require.True(t, ok, "chain broken at %d", i)
		root = r
	}
	require.Equal(t, db.Root(), root)
}

func TestDB_Determinism(t *testing.T) {
	for _, name := range hash.Names() {
		t.Run(name, func(t *testing.T) {
			h, err := hash.ByName(name)
			require.NoError(t, err)
			setHash := func(c *config.StoreConfiguration) { c.Hash = name }
			db1 := newTestDB(t, 100, setHash)
			db2 := newTestDB(t, 100, setHash)
			values := make([]uint64, 101)

			for i := 0; i < 10; i++ {
				writes := make(map[Key]uint64)
				for j := 0; j < 5; j++ {
					k := Key(random.Int(0, 101))
					writes[k] = random.Uint64()
				}
				p1 := commitWrites(t, db1, writes)
				p2 := commitWrites(t, db2, writes)
				for k, v := range writes {
					values[k] = v
				}
				require.Equal(t, p1.OldRoot, p2.OldRoot)
				require.Equal(t, p1.NewRoot, p2.NewRoot)
				require.Equal(t, ComputeRoot(h, values), db1.Root())
				require.True(t, p1.VerifyTransition(writes))
			}
		})
	}
}

func TestDB_GetProof(t *testing.T) {
	t.Run("no journal", func(t *testing.T) {
		db := newTestDB(t, 3)
		_, err := db.GetProof(db.Root())
		require.ErrorIs(t, err, ErrNoJournal)
	})
	t.Run("journaled", func(t *testing.T) {
		j, err := NewJournal(config.Default().ApplicationConfiguration.Journal, zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, j.Close()) })

		db, err := New(config.StoreConfiguration{MaxKey: 3}, j, zaptest.NewLogger(t))
		require.NoError(t, err)
		p1 := commitWrites(t, db, map[Key]uint64{2: 42})
		p2 := commitWrites(t, db, map[Key]uint64{0: 1, 3: 3})

		actual, err := db.GetProof(p1.NewRoot)
		require.NoError(t, err)
		require.Equal(t, p1, actual)
		actual, err = db.GetProof(db.Root())
		require.NoError(t, err)
		require.Equal(t, p2, actual)
		require.Equal(t, uint64(2), j.Height())

		_, err = db.GetProof(util.Uint256{1})
		require.ErrorIs(t, err, ErrProofNotFound)
	})
}
