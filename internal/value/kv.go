package value

import (
	"context"
	"fmt"

	"github.com/wudi/edgeroute/internal/routectx"
)

// KVStore is a read-only key/value lookup backing the kv source.
type KVStore interface {
	Get(ctx context.Context, key string) (any, bool, error)
}

// kvSource looks up "namespace.key" in the configured store.
type kvSource struct {
	store KVStore
}

func (s kvSource) Resolve(rc *routectx.Context, v *Value) (any, error) {
	key, ok := v.Source.(string)
	if !ok || key == "" || s.store == nil {
		return nil, nil
	}
	val, found, err := s.store.Get(rc.Context(), key)
	if err != nil {
		return nil, fmt.Errorf("kv %s: %w", key, err)
	}
	if !found {
		return nil, nil
	}
	return val, nil
}
