package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// compositeCache chains multiple caches into a tiered topology, such as an
// in-memory L1 over a persistent L2. Reads return the first hit (checked
// left to right); writes and invalidations fan out to every tier.
type compositeCache struct {
	caches []Cache
	done   chan struct{}
	once   sync.Once
}

var _ Cache = (*compositeCache)(nil)

// NewComposite returns a Cache that chains the given caches together.
// At least one cache must be provided; panics if empty.
func NewComposite(caches ...Cache) Cache {
	if len(caches) == 0 {
		panic("cache: NewComposite requires at least one cache")
	}
	return &compositeCache{caches: caches, done: make(chan struct{})}
}

func (c *compositeCache) Insert(ctx context.Context, key string, value []byte, opts ...WriteOption) error {
	return c.fanOut(func(tier Cache) error { return tier.Insert(ctx, key, value, opts...) })
}

func (c *compositeCache) InsertMany(ctx context.Context, entries map[string][]byte, opts ...WriteOption) error {
	return c.fanOut(func(tier Cache) error { return tier.InsertMany(ctx, entries, opts...) })
}

func (c *compositeCache) InsertTyped(ctx context.Context, key, typeName string, value []byte, opts ...WriteOption) error {
	return c.fanOut(func(tier Cache) error { return tier.InsertTyped(ctx, key, typeName, value, opts...) })
}

func (c *compositeCache) Get(ctx context.Context, key string) ([]byte, error) {
	for _, tier := range c.caches {
		value, err := tier.Get(ctx, key)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrKeyNotFound) {
			return nil, err
		}
	}
	return nil, ErrKeyNotFound
}

func (c *compositeCache) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	remaining := keys
	for _, tier := range c.caches {
		if len(remaining) == 0 {
			break
		}
		found, err := tier.GetMany(ctx, remaining)
		if err != nil {
			return nil, err
		}
		next := remaining[:0:0]
		for _, key := range remaining {
			if value, ok := found[key]; ok {
				out[key] = value
			} else {
				next = append(next, key)
			}
		}
		remaining = next
	}
	return out, nil
}

func (c *compositeCache) GetTyped(ctx context.Context, typeName string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for _, tier := range c.caches {
		found, err := tier.GetTyped(ctx, typeName)
		if err != nil {
			return nil, err
		}
		for key, value := range found {
			if _, ok := out[key]; !ok {
				out[key] = value
			}
		}
	}
	return out, nil
}

func (c *compositeCache) CreatedAt(ctx context.Context, key string) (*time.Time, error) {
	for _, tier := range c.caches {
		createdAt, err := tier.CreatedAt(ctx, key)
		if err != nil {
			return nil, err
		}
		if createdAt != nil {
			return createdAt, nil
		}
	}
	return nil, nil
}

func (c *compositeCache) Keys(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var keys []string
	for _, tier := range c.caches {
		tierKeys, err := tier.Keys(ctx)
		if err != nil {
			return nil, err
		}
		for _, key := range tierKeys {
			if _, ok := seen[key]; !ok {
				seen[key] = struct{}{}
				keys = append(keys, key)
			}
		}
	}
	return keys, nil
}

func (c *compositeCache) Invalidate(ctx context.Context, key string) error {
	return c.fanOut(func(tier Cache) error { return tier.Invalidate(ctx, key) })
}

func (c *compositeCache) InvalidateMany(ctx context.Context, keys []string) error {
	return c.fanOut(func(tier Cache) error { return tier.InvalidateMany(ctx, keys) })
}

func (c *compositeCache) InvalidateTyped(ctx context.Context, typeName string) error {
	return c.fanOut(func(tier Cache) error { return tier.InvalidateTyped(ctx, typeName) })
}

func (c *compositeCache) InvalidateAll(ctx context.Context) error {
	return c.fanOut(func(tier Cache) error { return tier.InvalidateAll(ctx) })
}

func (c *compositeCache) Flush(ctx context.Context) error {
	return c.fanOut(func(tier Cache) error { return tier.Flush(ctx) })
}

func (c *compositeCache) Vacuum(ctx context.Context) error {
	return c.fanOut(func(tier Cache) error { return tier.Vacuum(ctx) })
}

// fanOut applies fn to every tier and returns the first error.
func (c *compositeCache) fanOut(fn func(Cache) error) error {
	var firstErr error
	for _, tier := range c.caches {
		if err := fn(tier); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *compositeCache) Close(ctx context.Context) error {
	err := c.fanOut(func(tier Cache) error { return tier.Close(ctx) })
	c.once.Do(func() {
		go func() {
			for _, tier := range c.caches {
				<-tier.Done()
			}
			close(c.done)
		}()
	})
	return err
}

func (c *compositeCache) Done() <-chan struct{} {
	return c.done
}

func (c *compositeCache) Serializer() *Serializer {
	return c.caches[0].Serializer()
}
