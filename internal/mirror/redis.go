package mirror

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// versionTTL bounds how long the version of an idle key is remembered. It is
// far longer than any value TTL.
const versionTTL = 24 * time.Hour

var errVersionMoved = errors.New("mirror: version moved")

// RedisBackend shares the mirror between API instances. Each key has a
// companion "<key>:v" counter; CompareAndSet runs under WATCH on it.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) versionKey(key string) string {
	return b.prefix + key + ":v"
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := b.client.Get(ctx, b.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return raw, err
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		b.write(ctx, p, key, value, ttl)
		return nil
	})
	return err
}

func (b *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range keys {
			p.Del(ctx, b.prefix+k)
			b.bump(ctx, p, k)
		}
		return nil
	})
	return err
}

func (b *RedisBackend) Version(ctx context.Context, key string) (uint64, error) {
	v, err := b.client.Get(ctx, b.versionKey(key)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (b *RedisBackend) CompareAndSet(ctx context.Context, key string, value []byte, ttl time.Duration, version uint64) (bool, error) {
	vk := b.versionKey(key)
	err := b.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, vk).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != version {
			return errVersionMoved
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			b.write(ctx, p, key, value, ttl)
			return nil
		})
		return err
	}, vk)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errVersionMoved), errors.Is(err, redis.TxFailedErr):
		return false, nil
	default:
		return false, err
	}
}

func (b *RedisBackend) write(ctx context.Context, p redis.Pipeliner, key string, value []byte, ttl time.Duration) {
	p.Set(ctx, b.prefix+key, value, ttl)
	b.bump(ctx, p, key)
}

func (b *RedisBackend) bump(ctx context.Context, p redis.Pipeliner, key string) {
	p.Incr(ctx, b.versionKey(key))
	p.Expire(ctx, b.versionKey(key), versionTTL)
}
