package cache

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// persistentCache implements the blob cache contract on top of a SQLite
// file. All SQL flows through the operation queue's single writer; the
// schema manager brings the file up to the current schema before the first
// operation executes.
type persistentCache struct {
	id     string
	cfg    config
	db     *sql.DB
	schema *schemaManager
	queue  *operationQueue
	ser    *Serializer
	log    *zap.Logger

	done   chan struct{}
	once   sync.Once
	closed atomic.Bool
}

var _ Cache = (*persistentCache)(nil)

// New returns a persistent Cache stored in the SQLite file at path.
// If path is empty or ":memory:", an in-memory database is used.
// The caller owns the returned cache and must Close it.
func New(path string, opts ...Option) (Cache, error) {
	if path == "" {
		path = ":memory:"
	}
	cfg := applyOptions(opts)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, backendErr(err, "opening cache database")
	}
	// The queue worker owns the connection exclusively.
	db.SetMaxOpenConns(1)

	c := &persistentCache{
		id:   uuid.NewString(),
		cfg:  cfg,
		db:   db,
		done: make(chan struct{}),
	}
	c.log = cfg.logger.With(zap.String("cache_id", c.id), zap.String("path", path))
	serOpts := cfg.serializer
	if cfg.timeLocation != nil {
		serOpts = append(serOpts, ForceTimeLocation(cfg.timeLocation))
	}
	c.ser = newSerializer(c.log, serOpts...)

	cfgWithLog := cfg
	cfgWithLog.logger = c.log
	c.schema = newSchemaManager(db, cfgWithLog)
	c.queue = newOperationQueue(db, cfgWithLog)
	return c, nil
}

// begin performs the common preamble of every public operation: disposal
// check, then awaiting schema initialization.
func (c *persistentCache) begin(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.schema.wait(ctx)
}

func (c *persistentCache) Insert(ctx context.Context, key string, value []byte, opts ...WriteOption) error {
	return c.InsertTyped(ctx, key, "", value, opts...)
}

func (c *persistentCache) InsertTyped(ctx context.Context, key, typeName string, value []byte, opts ...WriteOption) error {
	if err := validateEntry(key, value); err != nil {
		return err
	}
	if err := c.begin(ctx); err != nil {
		return err
	}
	payload, err := c.cfg.preWrite(value)
	if err != nil {
		return err
	}
	el := Element{
		Key:        key,
		TypeName:   typeName,
		Value:      payload,
		CreatedAt:  c.cfg.clock().UTC(),
		Expiration: c.cfg.resolveExpiration(opts),
	}
	_, err = c.queue.enqueue(ctx, &operation{kind: opInsert, elements: []Element{el}})
	return err
}

func (c *persistentCache) InsertMany(ctx context.Context, entries map[string][]byte, opts ...WriteOption) error {
	if err := c.begin(ctx); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	createdAt := c.cfg.clock().UTC()
	expiration := c.cfg.resolveExpiration(opts)
	elements := make([]Element, 0, len(entries))
	for key, value := range entries {
		if err := validateEntry(key, value); err != nil {
			return err
		}
		payload, err := c.cfg.preWrite(value)
		if err != nil {
			return err
		}
		elements = append(elements, Element{
			Key:        key,
			Value:      payload,
			CreatedAt:  createdAt,
			Expiration: expiration,
		})
	}
	_, err := c.queue.enqueue(ctx, &operation{kind: opInsert, elements: elements})
	return err
}

func (c *persistentCache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	res, err := c.queue.enqueue(ctx, &operation{kind: opSelect, keys: []string{key}})
	if err != nil {
		return nil, err
	}
	el, ok := res.elements[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return c.cfg.postRead(el.Value)
}

func (c *persistentCache) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	for _, key := range keys {
		if err := validateKey(key); err != nil {
			return nil, err
		}
	}
	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	res, err := c.queue.enqueue(ctx, &operation{kind: opSelect, keys: keys})
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(res.elements))
	for key, el := range res.elements {
		value, err := c.cfg.postRead(el.Value)
		if err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, nil
}

func (c *persistentCache) GetTyped(ctx context.Context, typeName string) (map[string][]byte, error) {
	if typeName == "" {
		return nil, errInvalidTypeName()
	}
	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	res, err := c.queue.enqueue(ctx, &operation{kind: opSelectTyped, typeNames: []string{typeName}})
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(res.elements))
	for key, el := range res.elements {
		value, err := c.cfg.postRead(el.Value)
		if err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, nil
}

func (c *persistentCache) CreatedAt(ctx context.Context, key string) (*time.Time, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	res, err := c.queue.enqueue(ctx, &operation{kind: opSelect, keys: []string{key}})
	if err != nil {
		return nil, err
	}
	el, ok := res.elements[key]
	if !ok {
		return nil, nil
	}
	createdAt := el.CreatedAt
	return &createdAt, nil
}

func (c *persistentCache) Keys(ctx context.Context) ([]string, error) {
	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	res, err := c.queue.enqueue(ctx, &operation{kind: opSelectKeys})
	if err != nil {
		return nil, err
	}
	return res.keys, nil
}

func (c *persistentCache) Invalidate(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return c.InvalidateMany(ctx, []string{key})
}

func (c *persistentCache) InvalidateMany(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if err := validateKey(key); err != nil {
			return err
		}
	}
	if err := c.begin(ctx); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	_, err := c.queue.enqueue(ctx, &operation{kind: opInvalidate, keys: keys})
	return err
}

func (c *persistentCache) InvalidateTyped(ctx context.Context, typeName string) error {
	if typeName == "" {
		return errInvalidTypeName()
	}
	if err := c.begin(ctx); err != nil {
		return err
	}
	_, err := c.queue.enqueue(ctx, &operation{kind: opInvalidateTyped, typeNames: []string{typeName}})
	return err
}

func (c *persistentCache) InvalidateAll(ctx context.Context) error {
	if err := c.begin(ctx); err != nil {
		return err
	}
	_, err := c.queue.enqueue(ctx, &operation{kind: opInvalidateAll})
	return err
}

func (c *persistentCache) Flush(ctx context.Context) error {
	if err := c.begin(ctx); err != nil {
		return err
	}
	_, err := c.queue.enqueue(ctx, &operation{kind: opFlush})
	return err
}

func (c *persistentCache) Vacuum(ctx context.Context) error {
	if err := c.begin(ctx); err != nil {
		return err
	}
	_, err := c.queue.enqueue(ctx, &operation{kind: opVacuum})
	return err
}

// Close stops intake, drains the pending queue, releases the database and
// fires Done.
func (c *persistentCache) Close(ctx context.Context) error {
	var dbErr error
	c.once.Do(func() {
		c.closed.Store(true)
		c.queue.close()
		dbErr = c.db.Close()
		close(c.done)
		c.log.Debug("cache closed")
	})
	if dbErr != nil {
		return backendErr(dbErr, "closing cache database")
	}
	return nil
}

func (c *persistentCache) Done() <-chan struct{} {
	return c.done
}

func (c *persistentCache) Serializer() *Serializer {
	return c.ser
}
