package vdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nspcc-dev/vdb/pkg/config"
	"github.com/nspcc-dev/vdb/pkg/core/storage"
	"github.com/nspcc-dev/vdb/pkg/util"
	"go.uber.org/zap"
)

// journalVersion is stored under SYSVersion, journals of other versions
// can't be opened.
const journalVersion = "1"

// ErrProofNotFound is returned when the journal has no proof for a root.
var ErrProofNotFound = errors.New("proof not found")

// Journal is an append-only log of commit proofs. Proofs are stored by
// sequence number starting from 1 and indexed by the root they produced. If
// several commits end up in the same root, the latest one is indexed.
type Journal struct {
	store storage.Store
	cache *lru.Cache
	log   *zap.Logger

	lock   sync.RWMutex
	height uint64
}

// NewJournal opens the journal using the backend from cfg.
func NewJournal(cfg config.Journal, log *zap.Logger) (*Journal, error) {
	s, err := storage.NewStore(cfg.DBConfiguration)
	if err != nil {
		return nil, fmt.Errorf("can't open journal storage: %w", err)
	}
	j, err := NewJournalFromStore(s, cfg.CacheSize, log)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return j, nil
}

// NewJournalFromStore creates a journal over an already opened store.
// cacheSize is the number of decoded proofs kept in memory, the default is
// used when it's not positive.
func NewJournalFromStore(s storage.Store, cacheSize int, log *zap.Logger) (*Journal, error) {
	if cacheSize <= 0 {
		cacheSize = config.DefaultJournalCacheSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	j := &Journal{store: s, log: log}
	j.cache, _ = lru.New(cacheSize) // Never errors for positive size.

	ver, err := s.Get(storage.SYSVersion.Bytes())
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		err = s.PutChangeSet(map[string][]byte{
			string(storage.SYSVersion.Bytes()): []byte(journalVersion),
		})
		if err != nil {
			return nil, fmt.Errorf("can't store journal version: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("can't read journal version: %w", err)
	case string(ver) != journalVersion:
		return nil, fmt.Errorf("journal version mismatch: %q != %q", ver, journalVersion)
	}

	h, err := s.Get(storage.SYSJournalHeight.Bytes())
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
	case err != nil:
		return nil, fmt.Errorf("can't read journal height: %w", err)
	case len(h) != 8:
		return nil, fmt.Errorf("invalid journal height record length %d", len(h))
	default:
		j.height = binary.BigEndian.Uint64(h)
	}
	log.Info("proof journal opened", zap.Uint64("height", j.height))
	return j, nil
}

// Add appends p to the journal and returns its sequence number.
func (j *Journal) Add(p *Proof) (uint64, error) {
	data, err := p.Bytes()
	if err != nil {
		return 0, err
	}

	j.lock.Lock()
	defer j.lock.Unlock()

	seq := j.height + 1
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)
	err = j.store.PutChangeSet(map[string][]byte{
		string(makeProofKey(seq)):                data,
		string(makeRootKey(p.NewRoot)):           seqBytes,
		string(storage.SYSJournalHeight.Bytes()): seqBytes,
	})
	if err != nil {
		return 0, err
	}
	j.height = seq
	j.cache.Add(p.NewRoot, p.Copy())
	return seq, nil
}

// Get returns the latest proof of the commit that produced root. The proof
// returned is owned by the caller.
func (j *Journal) Get(root util.Uint256) (*Proof, error) {
	if p, ok := j.cache.Get(root); ok {
		return p.(*Proof).Copy(), nil
	}
	j.lock.RLock()
	defer j.lock.RUnlock()

	seq, err := j.store.Get(makeRootKey(root))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrProofNotFound, root)
		}
		return nil, err
	}
	if len(seq) != 8 {
		return nil, fmt.Errorf("invalid index record for %s", root)
	}
	p, err := j.getBySeq(binary.BigEndian.Uint64(seq))
	if err != nil {
		return nil, err
	}
	j.cache.Add(root, p.Copy())
	return p, nil
}

// GetBySeq returns the proof with the given sequence number.
func (j *Journal) GetBySeq(seq uint64) (*Proof, error) {
	j.lock.RLock()
	defer j.lock.RUnlock()
	return j.getBySeq(seq)
}

func (j *Journal) getBySeq(seq uint64) (*Proof, error) {
	data, err := j.store.Get(makeProofKey(seq))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: #%d", ErrProofNotFound, seq)
		}
		return nil, err
	}
	return NewProofFromBytes(data)
}

// Last returns up to n latest proofs, newest first.
func (j *Journal) Last(n int) ([]*Proof, error) {
	j.lock.RLock()
	defer j.lock.RUnlock()

	var (
		res  []*Proof
		dErr error
	)
	err := j.store.Seek(storage.SeekRange{
		Prefix:    storage.DataProof.Bytes(),
		Backwards: true,
	}, func(k, v []byte) bool {
		if len(res) >= n {
			return false
		}
		p, err := NewProofFromBytes(v)
		if err != nil {
			dErr = fmt.Errorf("proof %x: %w", k[1:], err)
			return false
		}
		res = append(res, p)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("can't iterate over journal: %w", err)
	}
	return res, dErr
}

// Height returns the sequence number of the latest proof, zero for an empty
// journal.
func (j *Journal) Height() uint64 {
	j.lock.RLock()
	defer j.lock.RUnlock()
	return j.height
}

// Close closes the underlying store.
func (j *Journal) Close() error {
	j.log.Info("closing proof journal", zap.Uint64("height", j.Height()))
	return j.store.Close()
}

func makeProofKey(seq uint64) []byte {
	key := make([]byte, 9)
	key[0] = byte(storage.DataProof)
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

func makeRootKey(root util.Uint256) []byte {
	key := make([]byte, 1+util.Uint256Size)
	key[0] = byte(storage.IXProofRoot)
	copy(key[1:], root[:])
	return key
}
