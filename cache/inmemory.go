package cache

import (
	"context"
	"sync"
	"time"
)

// inMemoryCache is the reference implementation of the blob cache contract:
// a map guarded by a single mutex, with the same observable semantics as the
// persistent backend, including lazy expiration and error kinds. Used as a
// drop-in for tests and for the registry's in-memory slot.
type inMemoryCache struct {
	cfg      config
	ser      *Serializer
	mutex    sync.Mutex
	elements map[string]Element
	closed   bool
	done     chan struct{}
	once     sync.Once
}

var _ Cache = (*inMemoryCache)(nil)

// NewInMemory returns a new in-memory Cache implementation.
func NewInMemory(opts ...Option) Cache {
	cfg := applyOptions(opts)
	serOpts := cfg.serializer
	if cfg.timeLocation != nil {
		serOpts = append(serOpts, ForceTimeLocation(cfg.timeLocation))
	}
	return &inMemoryCache{
		cfg:      cfg,
		ser:      newSerializer(cfg.logger, serOpts...),
		elements: make(map[string]Element),
		done:     make(chan struct{}),
	}
}

func (c *inMemoryCache) Insert(ctx context.Context, key string, value []byte, opts ...WriteOption) error {
	return c.InsertTyped(ctx, key, "", value, opts...)
}

func (c *inMemoryCache) InsertTyped(_ context.Context, key, typeName string, value []byte, opts ...WriteOption) error {
	if err := validateEntry(key, value); err != nil {
		return err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.elements[key] = Element{
		Key:        key,
		TypeName:   typeName,
		Value:      append([]byte(nil), value...),
		CreatedAt:  c.cfg.clock().UTC(),
		Expiration: c.cfg.resolveExpiration(opts),
	}
	return nil
}

func (c *inMemoryCache) InsertMany(_ context.Context, entries map[string][]byte, opts ...WriteOption) error {
	for key, value := range entries {
		if err := validateEntry(key, value); err != nil {
			return err
		}
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return ErrClosed
	}
	createdAt := c.cfg.clock().UTC()
	expiration := c.cfg.resolveExpiration(opts)
	for key, value := range entries {
		c.elements[key] = Element{
			Key:        key,
			Value:      append([]byte(nil), value...),
			CreatedAt:  createdAt,
			Expiration: expiration,
		}
	}
	return nil
}

func (c *inMemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	el, ok := c.lookup(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), el.Value...), nil
}

// lookup returns the live element for key, evicting it when expired.
// Callers must hold the mutex.
func (c *inMemoryCache) lookup(key string) (Element, bool) {
	el, ok := c.elements[key]
	if !ok {
		return Element{}, false
	}
	if el.expired(c.cfg.clock()) {
		delete(c.elements, key)
		return Element{}, false
	}
	return el, true
}

func (c *inMemoryCache) GetMany(_ context.Context, keys []string) (map[string][]byte, error) {
	for _, key := range keys {
		if err := validateKey(key); err != nil {
			return nil, err
		}
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if el, ok := c.lookup(key); ok {
			out[key] = append([]byte(nil), el.Value...)
		}
	}
	return out, nil
}

func (c *inMemoryCache) GetTyped(_ context.Context, typeName string) (map[string][]byte, error) {
	if typeName == "" {
		return nil, errInvalidTypeName()
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	now := c.cfg.clock()
	out := make(map[string][]byte)
	for key, el := range c.elements {
		if el.expired(now) {
			delete(c.elements, key)
			continue
		}
		if el.TypeName == typeName {
			out[key] = append([]byte(nil), el.Value...)
		}
	}
	return out, nil
}

func (c *inMemoryCache) CreatedAt(_ context.Context, key string) (*time.Time, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	el, ok := c.lookup(key)
	if !ok {
		return nil, nil
	}
	createdAt := el.CreatedAt
	return &createdAt, nil
}

func (c *inMemoryCache) Keys(_ context.Context) ([]string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	now := c.cfg.clock()
	keys := make([]string, 0, len(c.elements))
	for key, el := range c.elements {
		if el.expired(now) {
			delete(c.elements, key)
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (c *inMemoryCache) Invalidate(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return ErrClosed
	}
	delete(c.elements, key)
	return nil
}

func (c *inMemoryCache) InvalidateMany(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if err := validateKey(key); err != nil {
			return err
		}
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return ErrClosed
	}
	for _, key := range keys {
		delete(c.elements, key)
	}
	return nil
}

func (c *inMemoryCache) InvalidateTyped(_ context.Context, typeName string) error {
	if typeName == "" {
		return errInvalidTypeName()
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return ErrClosed
	}
	for key, el := range c.elements {
		if el.TypeName == typeName {
			delete(c.elements, key)
		}
	}
	return nil
}

func (c *inMemoryCache) InvalidateAll(_ context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.elements = make(map[string]Element)
	return nil
}

// Flush is a no-op barrier: the map is always "durable".
func (c *inMemoryCache) Flush(_ context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// Vacuum deletes every expired entry.
func (c *inMemoryCache) Vacuum(_ context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return ErrClosed
	}
	now := c.cfg.clock()
	for key, el := range c.elements {
		if el.expired(now) {
			delete(c.elements, key)
		}
	}
	return nil
}

func (c *inMemoryCache) Close(_ context.Context) error {
	c.once.Do(func() {
		c.mutex.Lock()
		c.closed = true
		c.elements = nil
		c.mutex.Unlock()
		close(c.done)
	})
	return nil
}

func (c *inMemoryCache) Done() <-chan struct{} {
	return c.done
}

func (c *inMemoryCache) Serializer() *Serializer {
	return c.ser
}
