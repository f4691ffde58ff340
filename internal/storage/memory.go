package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"
)

type object struct {
	data        []byte
	contentType string
}

// Memory keeps objects in process. For development and tests.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]object
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]object)}
}

func (m *Memory) Put(_ context.Context, key string, r io.Reader, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading object: %w", err)
	}
	m.mu.Lock()
	m.objects[key] = object{data: data, contentType: contentType}
	m.mu.Unlock()
	return nil
}

func (m *Memory) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return "", ErrObjectNotFound
	}
	expires := time.Now().Add(ttl).Unix()
	return fmt.Sprintf("memory://%s?expires=%d", url.PathEscape(key), expires), nil
}

// Get returns a stored object.
func (m *Memory) Get(key string) ([]byte, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[key]
	return o.data, o.contentType, ok
}
