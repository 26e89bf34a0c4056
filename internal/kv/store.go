// Package kv provides the stores behind the kv value source.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wudi/edgeroute/config"
)

// Store types accepted in KVConfig.Type.
const (
	TypeMemory = "memory"
	TypeRedis  = "redis"
)

// Store is a key/value lookup keyed by "namespace.key".
type Store interface {
	Get(ctx context.Context, key string) (any, bool, error)
	Set(ctx context.Context, key string, val any) error
	Close() error
}

// New builds the store selected by cfg. Entries in cfg.Data are loaded
// into the store.
func New(ctx context.Context, cfg config.KVConfig) (Store, error) {
	var s Store
	switch cfg.Type {
	case "", TypeMemory:
		s = NewMemoryStore(0, cfg.TTL)
	case TypeRedis:
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.Address,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: 2 * time.Second,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("kv: connecting to redis %s: %w", cfg.Address, err)
		}
		s = NewRedisStore(client, DefaultPrefix, cfg.TTL)
	default:
		return nil, fmt.Errorf("kv: unknown store type %q", cfg.Type)
	}

	if err := Load(ctx, s, cfg.Data); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Load writes data into s. Nested maps are flattened into dotted keys so
// {"ns": {"key": 1}} and {"ns.key": 1} load the same entry.
func Load(ctx context.Context, s Store, data map[string]any) error {
	for key, val := range Flatten(data) {
		if err := s.Set(ctx, key, val); err != nil {
			return fmt.Errorf("kv: loading %s: %w", key, err)
		}
	}
	return nil
}

// Flatten turns nested maps into dotted keys. Only the first level below a
// namespace is flattened; deeper values are stored as objects.
func Flatten(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		inner, ok := v.(map[string]any)
		if !ok {
			out[k] = v
			continue
		}
		for ik, iv := range inner {
			out[k+"."+ik] = iv
		}
	}
	return out
}
