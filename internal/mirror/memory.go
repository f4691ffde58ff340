package mirror

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryBackend is a process-local Backend. It is the default for a single
// API instance and for tests.
type MemoryBackend struct {
	mu       sync.RWMutex
	entries  map[string]memoryEntry
	versions map[string]uint64
	now      func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries:  make(map[string]memoryEntry),
		versions: make(map[string]uint64),
		now:      time.Now,
	}
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	e, ok := b.entries[key]
	b.mu.RUnlock()

	if !ok {
		return nil, ErrMiss
	}
	if !e.expiresAt.IsZero() && !b.now().Before(e.expiresAt) {
		b.mu.Lock()
		// expiry is not a write; the version stays
		if cur, ok := b.entries[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(b.entries, key)
		}
		b.mu.Unlock()
		return nil, ErrMiss
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	b.put(key, value, ttl)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	for _, k := range keys {
		delete(b.entries, k)
		b.versions[k]++
	}
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Version(_ context.Context, key string) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.versions[key], nil
}

func (b *MemoryBackend) CompareAndSet(_ context.Context, key string, value []byte, ttl time.Duration, version uint64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.versions[key] != version {
		return false, nil
	}
	b.put(key, value, ttl)
	return true, nil
}

// put requires b.mu.
func (b *MemoryBackend) put(key string, value []byte, ttl time.Duration) {
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = b.now().Add(ttl)
	}
	b.entries[key] = e
	b.versions[key]++
}

// Len reports the number of stored entries, expired ones included.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
