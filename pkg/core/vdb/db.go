/*
Package vdb implements a verifiable in-memory key-value store.

Keys form a fixed dense domain [0, MaxKey], every key has a uint64 value that
is zero until written. A binary hash tree with one leaf per key commits to
the whole state, its root identifies the state. All reads and writes go
through transactions, at most one transaction is active at a time. Committing
a transaction produces a Proof holding the root before and after the commit
along with the authentication paths of every key the transaction touched,
taken against the pre-commit tree.
*/
package vdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nspcc-dev/vdb/pkg/config"
	"github.com/nspcc-dev/vdb/pkg/crypto/hash"
	"github.com/nspcc-dev/vdb/pkg/util"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrKeyOutOfDomain is returned for keys above DB's MaxKey.
	ErrKeyOutOfDomain = errors.New("key is out of domain")
	// ErrTxnTerminal is returned when an already committed or abandoned
	// transaction is used.
	ErrTxnTerminal = errors.New("transaction is not active")
	// ErrLockNotAcquired is returned when Begin gives up waiting for exclusive
	// access to the store, either because LockTimeout passed or because the
	// caller's context was canceled. The context error is wrapped as well.
	ErrLockNotAcquired = errors.New("can't acquire store lock")
	// ErrNoJournal is returned by GetProof when the DB has no journal.
	ErrNoJournal = errors.New("proof journal is disabled")
)

// DB is a verifiable store. Its contents are only accessible via transactions
// started with Begin.
type DB struct {
	cfg      config.StoreConfiguration
	hasher   hash.Hasher
	hashName string
	journal  *Journal
	log      *zap.Logger

	// guard is held by the active transaction, cur is only accessed
	// under it.
	guard *semaphore.Weighted
	cur   *state

	root     atomic.Value
	prevRoot atomic.Value
	commits  atomic.Uint64
}

// New creates a DB with all keys of the domain set to zero. The journal is
// optional, if given every commit proof is stored there.
func New(cfg config.StoreConfiguration, journal *Journal, log *zap.Logger) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h, err := hash.ByName(cfg.Hash)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	name := cfg.Hash
	if name == "" {
		name = hash.SHA256
	}
	db := &DB{
		cfg:      cfg,
		hasher:   h,
		hashName: name,
		journal:  journal,
		log:      log,
		guard:    semaphore.NewWeighted(1),
		cur:      newState(h, Key(cfg.MaxKey)),
	}
	r := db.cur.root()
	db.root.Store(r)
	db.prevRoot.Store(r)
	log.Info("store initialized",
		zap.Uint16("maxkey", cfg.MaxKey),
		zap.String("hash", name),
		zap.Stringer("root", r),
		zap.Bool("journal", journal != nil))
	return db, nil
}

// Begin starts a new transaction. It blocks until no other transaction is
// active, ctx is done or LockTimeout passes.
func (db *DB) Begin(ctx context.Context) (*Txn, error) {
	if db.cfg.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, db.cfg.LockTimeout)
		defer cancel()
	}
	start := time.Now()
	if err := db.guard.Acquire(ctx, 1); err != nil {
		db.log.Debug("failed to start transaction", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrLockNotAcquired, err)
	}
	updateLockWaitMetric(time.Since(start))
	t := newTxn(db)
	db.log.Debug("transaction started", zap.Stringer("txn", t.id))
	return t, nil
}

// Root returns the current state root.
func (db *DB) Root() util.Uint256 {
	return db.root.Load().(util.Uint256)
}

// PreviousRoot returns the root the last commit started from. It's equal to
// Root before the first commit.
func (db *DB) PreviousRoot() util.Uint256 {
	return db.prevRoot.Load().(util.Uint256)
}

// Commits returns the number of transactions committed so far.
func (db *DB) Commits() uint64 {
	return db.commits.Load()
}

// MaxKey returns the largest key of the domain.
func (db *DB) MaxKey() Key {
	return Key(db.cfg.MaxKey)
}

// HashName returns the name of the hash function used by the DB.
func (db *DB) HashName() string {
	return db.hashName
}

// GetProof returns the journaled proof of the commit that produced the given
// root.
func (db *DB) GetProof(newRoot util.Uint256) (*Proof, error) {
	if db.journal == nil {
		return nil, ErrNoJournal
	}
	return db.journal.Get(newRoot)
}

func (db *DB) checkKey(k Key) error {
	if k > Key(db.cfg.MaxKey) {
		return fmt.Errorf("%w: %d > %d", ErrKeyOutOfDomain, k, db.cfg.MaxKey)
	}
	return nil
}

// commit applies writes and returns the proof for them. Only the guard holder
// may call it.
func (db *DB) commit(affected []Key, writes map[Key]uint64) (*Proof, error) {
	oldRoot := db.cur.root()

	var proof *Proof
	if !db.cfg.SkipProofs {
		proof = &Proof{
			Hash:    db.hashName,
			OldRoot: oldRoot,
			Paths:   make([]KeyPath, 0, len(affected)),
		}
		for _, k := range affected {
			p, err := db.cur.path(k)
			if err != nil {
				return nil, fmt.Errorf("can't get path for key %d: %w", k, err)
			}
			proof.Paths = append(proof.Paths, KeyPath{Key: k, MerklePath: p})
		}
	}

	next := db.cur.apply(writes)
	next.rebuildTree(db.hasher)
	newRoot := next.root()

	if proof != nil {
		proof.NewRoot = newRoot
		if db.journal != nil {
			if _, err := db.journal.Add(proof); err != nil {
				return nil, fmt.Errorf("can't journal proof: %w", err)
			}
		}
	}

	db.cur = next
	db.prevRoot.Store(oldRoot)
	db.root.Store(newRoot)
	db.commits.Inc()
	return proof, nil
}
