// Package mirror keeps a keyed copy of query results so that reads can be
// answered, and optimistically patched, without a round trip to the store.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMiss is returned by a Backend when the key holds no value.
var ErrMiss = errors.New("mirror: key not loaded")

// ErrContended is returned by Patch when other writers kept moving the key.
var ErrContended = errors.New("mirror: key kept changing during patch")

const patchAttempts = 5

// Backend stores encoded values. Every key carries a version that Set,
// Delete and a successful CompareAndSet advance; the version of a key that
// was never written is zero. Implementations must be safe for concurrent use
// and CompareAndSet must be atomic across every process sharing the backend.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Version(ctx context.Context, key string) (uint64, error)
	// CompareAndSet writes value only while the key is still at version.
	CompareAndSet(ctx context.Context, key string, value []byte, ttl time.Duration, version uint64) (bool, error)
}

type Mirror struct {
	backend Backend
	ttl     time.Duration
}

func New(backend Backend, ttl time.Duration) *Mirror {
	return &Mirror{backend: backend, ttl: ttl}
}

// Invalidate drops keys so the next Fetch goes to the store. Loads that
// started before the call will not write their result back.
func (m *Mirror) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := m.backend.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("mirror: invalidating %v: %w", keys, err)
	}
	return nil
}

// Store overwrites the value held under key.
func Store[T any](ctx context.Context, m *Mirror, key string, value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("mirror: encoding %s: %w", key, err)
	}
	if err := m.backend.Set(ctx, key, raw, m.ttl); err != nil {
		return fmt.Errorf("mirror: writing %s: %w", key, err)
	}
	return nil
}

// storeAt writes value only if key is still at version.
func storeAt[T any](ctx context.Context, m *Mirror, key string, value T, version uint64) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("mirror: encoding %s: %w", key, err)
	}
	ok, err := m.backend.CompareAndSet(ctx, key, raw, m.ttl, version)
	if err != nil {
		return false, fmt.Errorf("mirror: writing %s: %w", key, err)
	}
	return ok, nil
}

// Peek returns the loaded value without consulting the store. ok is false on
// a miss.
func Peek[T any](ctx context.Context, m *Mirror, key string) (value T, ok bool, err error) {
	raw, err := m.backend.Get(ctx, key)
	if errors.Is(err, ErrMiss) {
		return value, false, nil
	}
	if err != nil {
		return value, false, fmt.Errorf("mirror: reading %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		// A value we cannot decode is as good as absent.
		_ = m.backend.Delete(ctx, key)
		return value, false, nil
	}
	return value, true, nil
}

// Fetch is a read-through: a hit is served from the backend, a miss calls
// load and keeps its result unless the key was invalidated or patched while
// load ran. A failing backend never hides the store result.
func Fetch[T any](ctx context.Context, m *Mirror, key string, load func(context.Context) (T, error)) (T, error) {
	if v, ok, err := Peek[T](ctx, m, key); err == nil && ok {
		return v, nil
	}
	v, _, err := Refresh(ctx, m, key, load)
	return v, err
}

// Refresh always calls load and keeps the result under key, unless another
// writer touched the key after load started. stored reports whether the
// result was kept.
func Refresh[T any](ctx context.Context, m *Mirror, key string, load func(context.Context) (T, error)) (value T, stored bool, err error) {
	version, verr := m.backend.Version(ctx, key)

	value, err = load(ctx)
	if err != nil {
		return value, false, err
	}
	if verr != nil {
		return value, false, nil
	}
	stored, _ = storeAt(ctx, m, key, value, version)
	return value, stored, nil
}

// Patch applies fn to the loaded value and writes the result back. When the
// key is not loaded nothing is written and patched is false. A write that
// loses to a concurrent one is retried against the newer value, so fn may run
// more than once.
func Patch[T any](ctx context.Context, m *Mirror, key string, fn func(T) T) (result T, patched bool, err error) {
	for attempt := 0; attempt < patchAttempts; attempt++ {
		version, err := m.backend.Version(ctx, key)
		if err != nil {
			return result, false, fmt.Errorf("mirror: reading version of %s: %w", key, err)
		}
		current, ok, err := Peek[T](ctx, m, key)
		if err != nil || !ok {
			return current, false, err
		}
		next := fn(current)
		won, err := storeAt(ctx, m, key, next, version)
		if err != nil {
			return current, false, err
		}
		if won {
			return next, true, nil
		}
	}
	return result, false, fmt.Errorf("%w: %s", ErrContended, key)
}
