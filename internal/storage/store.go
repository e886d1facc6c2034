package storage

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// ErrUnknownTransform is returned when a transform name has no registered
// implementation on this node.
var ErrUnknownTransform = errors.New("unknown transform")

// Store defines the interface for the node-side partition store.
// All implementations must be thread-safe for concurrent access.
type Store interface {
	// Get retrieves a value by key.
	// Returns ErrKeyNotFound if the key doesn't exist or has expired.
	Get(key string) ([]byte, error)

	// Put stores a value with the given key, overwriting any existing
	// value. A zero ttl means the entry never expires.
	Put(key string, value []byte, ttl time.Duration) error

	// PutIf stores value only when the current value equals expect.
	// Returns whether the write was applied.
	PutIf(key string, value, expect []byte, ttl time.Duration) (bool, error)

	// Delete removes a key-value pair.
	// No error if key doesn't exist.
	Delete(key string) error

	// Transform applies a named transform to the entry and stores the
	// outcome, returning the transform's output for the key.
	Transform(key, name string, arg []byte) ([]byte, error)

	// List returns all live keys in the store.
	// Order is not guaranteed.
	List() []string

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys  int // Number of live keys
	Bytes int // Total size of all values in bytes
}

type entry struct {
	value    []byte
	expireAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

// MemoryStore implements Store with in-memory storage.
// Uses sync.RWMutex for thread-safe concurrent access; expired entries are
// dropped lazily on read.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]entry
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]entry),
	}
}

// Get retrieves a value by key.
// Returns a copy of the value to prevent external modification.
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	e, exists := m.data[key]
	m.mu.RUnlock()

	if !exists || e.expired(time.Now()) {
		return nil, ErrKeyNotFound
	}

	result := make([]byte, len(e.value))
	copy(result, e.value)
	return result, nil
}

// Put stores a value with the given key.
// Makes a copy of the value to prevent external modification.
func (m *MemoryStore) Put(key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = newEntry(value, ttl)
	return nil
}

// PutIf stores value only when the entry's current value equals expect.
// A missing or expired entry never matches.
func (m *MemoryStore) PutIf(key string, value, expect []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.data[key]
	if !exists || cur.expired(time.Now()) || !bytes.Equal(cur.value, expect) {
		return false, nil
	}

	m.data[key] = newEntry(value, ttl)
	return true, nil
}

// Delete removes a key-value pair.
// No error if key doesn't exist (idempotent).
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// Transform applies a registered named transform to the entry under the
// store lock, so concurrent transforms of the same key serialize. The
// transform's output value is stored and also returned to the caller.
func (m *MemoryStore) Transform(key, name string, arg []byte) ([]byte, error) {
	fn, ok := transforms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransform, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var cur []byte
	if e, exists := m.data[key]; exists && !e.expired(time.Now()) {
		cur = e.value
	}

	out, err := fn(cur, arg)
	if err != nil {
		return nil, err
	}

	m.data[key] = newEntry(out, 0)

	result := make([]byte, len(out))
	copy(result, out)
	return result, nil
}

// List returns all live keys in the store.
// Returns a copy of the keys to prevent external modification.
func (m *MemoryStore) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	keys := make([]string, 0, len(m.data))
	for key, e := range m.data {
		if !e.expired(now) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	stats := StoreStats{}
	for _, e := range m.data {
		if e.expired(now) {
			continue
		}
		stats.Keys++
		stats.Bytes += len(e.value)
	}
	return stats
}

func newEntry(value []byte, ttl time.Duration) entry {
	stored := make([]byte, len(value))
	copy(stored, value)

	e := entry{value: stored}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	}
	return e
}

// transformFn takes the current value (nil when the entry is absent) and
// the caller-supplied argument, and returns the new value.
type transformFn func(cur, arg []byte) ([]byte, error)

// transforms holds the named transforms a node can execute. Transform
// operands travel by name so the function itself never crosses the wire.
var transforms = map[string]transformFn{
	"append": func(cur, arg []byte) ([]byte, error) {
		out := make([]byte, 0, len(cur)+len(arg))
		out = append(out, cur...)
		out = append(out, arg...)
		return out, nil
	},
	"counter-add": func(cur, arg []byte) ([]byte, error) {
		base := int64(0)
		if len(cur) > 0 {
			v, err := strconv.ParseInt(string(cur), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("counter-add: current value not numeric: %w", err)
			}
			base = v
		}
		delta, err := strconv.ParseInt(string(arg), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("counter-add: argument not numeric: %w", err)
		}
		return []byte(strconv.FormatInt(base+delta, 10)), nil
	},
}
