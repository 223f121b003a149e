// Package storage provides the raw key-value persistence layer and the chain
// history store built on top of it. The KV layer has no domain logic; the
// history store owns the block/receipt/total-difficulty key scheme.
package storage

import (
	"bytes"
	"sort"
	"sync"
)

// KVPair is a single key-value entry, used by batch writes and iteration.
type KVPair struct {
	Key   []byte
	Value []byte
}

// Iterator walks keys in ascending byte order. Next must be called before the
// first Key/Value access. Release frees underlying resources.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
	Error() error
}

// KVStore is the persistence contract consumed by the state and history
// layers. Implementations are expected to be safe for concurrent use.
type KVStore interface {
	// Get retrieves a value. Returns found=false, not an error, for a
	// missing key.
	Get(key []byte) (value []byte, found bool, err error)
	Put(key, value []byte) error
	Delete(key []byte) error
	// WriteBatch applies puts and deletes atomically.
	WriteBatch(puts []KVPair, deletes [][]byte) error
	// NewIterator iterates from start (inclusive), or from the first key
	// when start is nil.
	NewIterator(start []byte) Iterator
	Close() error
}

// MemoryStore is an in-memory KVStore for tests and ephemeral state.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Get(key []byte) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryStore) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *MemoryStore) WriteBatch(puts []KVPair, deletes [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range puts {
		m.data[string(p.Key)] = append([]byte(nil), p.Value...)
	}
	for _, k := range deletes {
		delete(m.data, string(k))
	}
	return nil
}

func (m *MemoryStore) NewIterator(start []byte) Iterator {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if start == nil || bytes.Compare([]byte(k), start) >= 0 {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return &memIterator{store: m, keys: keys, pos: -1}
}

func (m *MemoryStore) Close() error { return nil }

type memIterator struct {
	store *MemoryStore
	keys  []string
	pos   int
	value []byte
}

func (it *memIterator) Next() bool {
	for it.pos+1 < len(it.keys) {
		it.pos++
		it.store.mu.RLock()
		v, ok := it.store.data[it.keys[it.pos]]
		it.store.mu.RUnlock()
		if ok { // the key may have been deleted since the snapshot
			it.value = v
			return true
		}
	}
	return false
}

func (it *memIterator) Key() []byte   { return []byte(it.keys[it.pos]) }
func (it *memIterator) Value() []byte { return append([]byte(nil), it.value...) }
func (it *memIterator) Release()      {}
func (it *memIterator) Error() error  { return nil }
