// Package storage provides the key-value contract the queue, session and
// privacy components persist their state through, plus in-memory and
// SQLite-backed implementations.
package storage

import (
	"sync"

	"github.com/tallyhq/tally-go/internal/debuglog"
)

// DefaultPrefix namespaces every key the SDK writes.
const DefaultPrefix = "tally_"

// Storage is a minimal string key-value store. Implementations must be
// safe for concurrent use.
type Storage interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool)
	// Set stores value under key.
	Set(key, value string) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string) error
}

// Memory is a process-local Storage.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

type namespaced struct {
	prefix string
	inner  Storage
}

// Namespaced prefixes every key with prefix before delegating to inner.
func Namespaced(prefix string, inner Storage) Storage {
	return &namespaced{prefix: prefix, inner: inner}
}

func (n *namespaced) Get(key string) (string, bool) { return n.inner.Get(n.prefix + key) }
func (n *namespaced) Set(key, value string) error   { return n.inner.Set(n.prefix+key, value) }
func (n *namespaced) Remove(key string) error       { return n.inner.Remove(n.prefix + key) }

type fallback struct {
	primary   Storage
	secondary Storage
}

// Fallback reads from primary first and secondary second. Writes go to
// primary; when primary rejects a write the value lands in secondary so
// the caller keeps working, just with weaker durability.
func Fallback(primary, secondary Storage) Storage {
	return &fallback{primary: primary, secondary: secondary}
}

func (f *fallback) Get(key string) (string, bool) {
	if v, ok := f.primary.Get(key); ok {
		return v, true
	}
	return f.secondary.Get(key)
}

func (f *fallback) Set(key, value string) error {
	if err := f.primary.Set(key, value); err != nil {
		debuglog.Printf("Primary storage write for %q failed, using fallback: %v", key, err)
		return f.secondary.Set(key, value)
	}
	// Drop any stale copy so Get does not resurrect it later.
	_ = f.secondary.Remove(key)
	return nil
}

func (f *fallback) Remove(key string) error {
	err := f.primary.Remove(key)
	if serr := f.secondary.Remove(key); err == nil {
		err = serr
	}
	return err
}
