package storage

import (
	"errors"
	"fmt"

	"github.com/nspcc-dev/vdb/pkg/core/storage/dbconfig"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// LevelDBStore is a LevelDB-backed Store.
type LevelDBStore struct {
	db *leveldb.DB
}

// NewLevelDBStore opens (or creates unless ReadOnly is set) the database at
// cfg.DataDirectoryPath.
func NewLevelDBStore(cfg dbconfig.LevelDBOptions) (*LevelDBStore, error) {
	opts := &opt.Options{
		Filter:         filter.NewBloomFilter(10),
		ReadOnly:       cfg.ReadOnly,
		ErrorIfMissing: cfg.ReadOnly,
	}
	db, err := leveldb.OpenFile(cfg.DataDirectoryPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open LevelDB instance: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

// levelErr converts LevelDB sentinel errors into Store ones.
func levelErr(err error) error {
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return ErrKeyNotFound
	case errors.Is(err, leveldb.ErrClosed):
		return ErrClosed
	}
	return err
}

// Get implements the Store interface.
func (s *LevelDBStore) Get(key []byte) ([]byte, error) {
	value, err := s.db.Get(key, nil)
	return value, levelErr(err)
}

// PutChangeSet implements the Store interface. All puts are applied in a
// single LevelDB transaction.
func (s *LevelDBStore) PutChangeSet(puts map[string][]byte) error {
	tx, err := s.db.OpenTransaction()
	if err != nil {
		return levelErr(err)
	}
	for k, v := range puts {
		if v != nil {
			err = tx.Put([]byte(k), v, nil)
		} else {
			err = tx.Delete([]byte(k), nil)
		}
		if err != nil {
			tx.Discard()
			return levelErr(err)
		}
	}
	return levelErr(tx.Commit())
}

// Seek implements the Store interface.
func (s *LevelDBStore) Seek(rng SeekRange, f func(k, v []byte) bool) error {
	iter := s.db.NewIterator(seekRangeToPrefixes(rng), nil)
	defer iter.Release()

	first, next := iter.Next, iter.Next
	if rng.Backwards {
		first, next = iter.Last, iter.Prev
	}
	for ok := first(); ok; ok = next() {
		if !f(iter.Key(), iter.Value()) {
			break
		}
	}
	return levelErr(iter.Error())
}

// Close implements the Store interface.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
