package storage

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBStore backs KVStore with LevelDB. LevelDB handles its own
// synchronization, so no extra locking is needed here.
type LevelDBStore struct {
	db *leveldb.DB
}

// NewLevelDBStore opens or creates a LevelDB database at path. An empty path
// uses in-memory storage, which is handy in tests.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	var db *leveldb.DB
	var err error
	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %q: %w", path, err)
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) Get(key []byte) ([]byte, bool, error) {
	data, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("leveldb get %x: %w", key, err)
	}
	return data, true, nil
}

func (s *LevelDBStore) Put(key, value []byte) error {
	return s.db.Put(key, value, nil)
}

func (s *LevelDBStore) Delete(key []byte) error {
	return s.db.Delete(key, nil)
}

func (s *LevelDBStore) WriteBatch(puts []KVPair, deletes [][]byte) error {
	batch := new(leveldb.Batch)
	for _, p := range puts {
		batch.Put(p.Key, p.Value)
	}
	for _, k := range deletes {
		batch.Delete(k)
	}
	return s.db.Write(batch, nil)
}

func (s *LevelDBStore) NewIterator(start []byte) Iterator {
	var rng *util.Range
	if start != nil {
		rng = &util.Range{Start: start}
	}
	return &ldbIterator{it: s.db.NewIterator(rng, nil)}
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

type ldbIterator struct {
	it interface {
		Next() bool
		Key() []byte
		Value() []byte
		Release()
		Error() error
	}
}

func (l *ldbIterator) Next() bool { return l.it.Next() }

// Key and Value copy out of the iterator's buffers, which LevelDB reuses
// between Next calls.
func (l *ldbIterator) Key() []byte   { return append([]byte(nil), l.it.Key()...) }
func (l *ldbIterator) Value() []byte { return append([]byte(nil), l.it.Value()...) }
func (l *ldbIterator) Release()      { l.it.Release() }
func (l *ldbIterator) Error() error  { return l.it.Error() }
