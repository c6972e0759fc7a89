package driver

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrKeyNotFound the key does not exist or is expired
var ErrKeyNotFound = errors.New("key not found")

// KeyValueDB define a key-value storage interface
//
// expiration of zero means the key never expires
type KeyValueDB interface {
	SetEX(key string, value string, expiration time.Duration) error
	Get(key string) (string, error)
	Exists(key string) (bool, error)
	Delete(key string) error
	// Keys returns every live key starting with prefix in ascending order
	Keys(prefix string) ([]string, error)
	Ping() error
}

type memoryEntry struct {
	value    string
	deadline time.Time
}

// MemoryKV process local KeyValueDB, contents are lost on exit
type MemoryKV struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

var _ KeyValueDB = &MemoryKV{}

// NewMemoryKV create an empty MemoryKV
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryKV) live(e memoryEntry) bool {
	return e.deadline.IsZero() || m.now().Before(e.deadline)
}

// SetEX implement KeyValueDB
func (m *MemoryKV) SetEX(key string, value string, expiration time.Duration) error {
	e := memoryEntry{value: value}
	if expiration > 0 {
		e.deadline = m.now().Add(expiration)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

// Get implement KeyValueDB
func (m *MemoryKV) Get(key string) (string, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || !m.live(e) {
		return "", ErrKeyNotFound
	}
	return e.value, nil
}

// Exists implement KeyValueDB
func (m *MemoryKV) Exists(key string) (bool, error) {
	_, err := m.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Delete implement KeyValueDB
func (m *MemoryKV) Delete(key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Keys implement KeyValueDB
func (m *MemoryKV) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k, e := range m.entries {
		if strings.HasPrefix(k, prefix) && m.live(e) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping implement KeyValueDB
func (m *MemoryKV) Ping() error {
	return nil
}
