package vdb

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TxnState is the lifecycle state of a transaction.
type TxnState byte

// Transaction states, Committed and Abandoned are terminal.
const (
	Active TxnState = iota
	Committed
	Abandoned
)

// String implements the fmt.Stringer interface.
func (s TxnState) String() string {
	switch s {
	case Active:
		return "active"
	case Committed:
		return "committed"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Txn is a transaction holding exclusive access to the DB from Begin till
// Commit or Abandon. Reads see the transaction's own pending writes. Nothing
// becomes visible to others until Commit. Txn is not safe for concurrent use.
type Txn struct {
	id      uuid.UUID
	db      *DB
	state   TxnState
	started time.Time

	pending map[Key]uint64
	touched map[Key]struct{}

	release sync.Once
}

func newTxn(db *DB) *Txn {
	return &Txn{
		id:      uuid.New(),
		db:      db,
		started: time.Now(),
		pending: make(map[Key]uint64),
		touched: make(map[Key]struct{}),
	}
}

// ID returns the transaction identifier used in logs.
func (t *Txn) ID() uuid.UUID {
	return t.id
}

// State returns the current transaction state.
func (t *Txn) State() TxnState {
	return t.state
}

// Get returns the value of key k, the transaction's own pending write if
// there is one. Keys read from the store are included into the commit proof.
func (t *Txn) Get(k Key) (uint64, error) {
	if err := t.check(k); err != nil {
		return 0, err
	}
	if v, ok := t.pending[k]; ok {
		return v, nil
	}
	t.touched[k] = struct{}{}
	return t.db.cur.get(k), nil
}

// Put records a pending write of v to k, the last write to a key wins.
func (t *Txn) Put(k Key, v uint64) error {
	if err := t.check(k); err != nil {
		return err
	}
	t.pending[k] = v
	return nil
}

// Commit applies pending writes atomically and releases the store. The
// returned proof has paths for all read and written keys in ascending key
// order, taken against the tree before the commit. The proof is nil if the
// DB is configured to skip proofs. On error or panic nothing is applied and
// the transaction is abandoned.
func (t *Txn) Commit() (*Proof, error) {
	if t.state != Active {
		return nil, ErrTxnTerminal
	}
	defer func() {
		if t.state == Active {
			t.Abandon()
		}
	}()
	affected := t.affectedKeys()
	proof, err := t.db.commit(affected, t.pending)
	if err != nil {
		t.db.log.Error("commit failed", zap.Stringer("txn", t.id), zap.Error(err))
		return nil, err
	}
	t.finish(Committed)
	updateCommitMetrics(time.Since(t.started), len(affected))
	t.db.log.Debug("transaction committed",
		zap.Stringer("txn", t.id),
		zap.Int("keys", len(affected)),
		zap.Stringer("root", t.db.Root()))
	return proof, nil
}

// Abandon discards pending writes and releases the store. Abandoning a
// transaction that is not active does nothing.
func (t *Txn) Abandon() {
	if t.state != Active {
		return
	}
	t.finish(Abandoned)
	updateAbandonMetrics()
	t.db.log.Debug("transaction abandoned", zap.Stringer("txn", t.id))
}

func (t *Txn) check(k Key) error {
	if t.state != Active {
		return ErrTxnTerminal
	}
	return t.db.checkKey(k)
}

func (t *Txn) finish(s TxnState) {
	t.state = s
	t.pending = nil
	t.touched = nil
	t.release.Do(func() { t.db.guard.Release(1) })
}

// affectedKeys returns the union of read and written keys in ascending order.
func (t *Txn) affectedKeys() []Key {
	keys := make([]Key, 0, len(t.touched)+len(t.pending))
	for k := range t.touched {
		keys = append(keys, k)
	}
	for k := range t.pending {
		if _, ok := t.touched[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
