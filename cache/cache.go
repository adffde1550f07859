package cache

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	str2duration "github.com/xhit/go-str2duration/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Sentinel errors returned by every Cache implementation. Use errors.Is to
// classify failures; backend errors wrap the underlying SQL error and are
// additionally marked with ErrBackend.
var (
	ErrKeyNotFound     = errors.New("cache: key not found")
	ErrClosed          = errors.New("cache: cache is closed")
	ErrInvalidArgument = errors.New("cache: invalid argument")
	ErrSerialization   = errors.New("cache: serialization failed")
	ErrBackend         = errors.New("cache: backend failure")
	ErrProtection      = errors.New("cache: payload protection failed")
)

// Cache is the blob cache contract. Every backend (persistent, in-memory,
// encrypted, composite) implements the same observable semantics: upsert
// inserts, lazy expiration on read, idempotent invalidation, and ErrClosed
// after Close.
//
// The interface stores opaque byte payloads. Typed values go through the
// package-level generic helpers (InsertObject, GetObject, GetAllObjects,
// InvalidateAllObjects), which use the cache's Serializer and the typed
// plumbing methods at the bottom of the interface.
type Cache interface {
	// Insert upserts a payload under key. Without a write option the entry
	// never expires.
	Insert(ctx context.Context, key string, value []byte, opts ...WriteOption) error
	// InsertMany upserts a set of entries atomically: either every entry is
	// inserted or none are.
	InsertMany(ctx context.Context, entries map[string][]byte, opts ...WriteOption) error

	// Get returns the payload for key, or ErrKeyNotFound when the key is
	// absent or expired. An expired entry observed by Get is evicted.
	Get(ctx context.Context, key string) ([]byte, error)
	// GetMany returns the present, non-expired subset of keys. Missing keys
	// are simply absent from the result; no per-key error is produced.
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)

	// CreatedAt returns the insertion time of key, or nil when the entry
	// does not exist. Unlike Get, absence is not an error.
	CreatedAt(ctx context.Context, key string) (*time.Time, error)
	// Keys returns all non-expired keys.
	Keys(ctx context.Context) ([]string, error)

	// Invalidate removes key. Invalidating an absent key is not an error.
	Invalidate(ctx context.Context, key string) error
	// InvalidateMany removes every key in keys.
	InvalidateMany(ctx context.Context, keys []string) error
	// InvalidateAll removes every entry.
	InvalidateAll(ctx context.Context) error

	// Flush blocks until every write enqueued before it is durable.
	Flush(ctx context.Context) error
	// Vacuum evicts all expired entries and reclaims space.
	Vacuum(ctx context.Context) error

	// Close initiates shutdown. It stops intake, waits for in-flight work,
	// releases resources and fires Done. Close is idempotent.
	Close(ctx context.Context) error
	// Done is the shutdown signal: it is closed exactly once, after final
	// cleanup has completed.
	Done() <-chan struct{}

	// Serializer returns the serializer used by the typed helpers.
	Serializer() *Serializer

	// InsertTyped upserts a payload tagged with a logical type name. Used by
	// InsertObject; most callers want the generic helpers instead.
	InsertTyped(ctx context.Context, key, typeName string, value []byte, opts ...WriteOption) error
	// GetTyped returns every non-expired payload whose type tag equals
	// typeName, keyed by cache key.
	GetTyped(ctx context.Context, typeName string) (map[string][]byte, error)
	// InvalidateTyped removes every entry whose type tag equals typeName.
	InvalidateTyped(ctx context.Context, typeName string) error
}

// Transform is a pure function applied to payload bytes at the boundary of a
// persistent store. The pre-write transform runs before bytes hit the queue;
// the post-read transform runs on every payload coming back. The encrypted
// cache is built from a non-identity transform pair.
type Transform func([]byte) ([]byte, error)

func identityTransform(b []byte) ([]byte, error) { return b, nil }

// config holds the resolved configuration for a cache instance.
type config struct {
	logger            *zap.Logger
	clock             func() time.Time
	defaultExpiration time.Duration
	maxBatch          int
	queueDepth        int
	appName           string
	timeLocation      *time.Location
	serializer        []SerializerOption
	preWrite          Transform
	postRead          Transform
}

// Option configures a Cache implementation.
type Option func(*config)

func defaultConfig() config {
	return config{
		logger:     zap.NewNop(),
		clock:      time.Now,
		maxBatch:   defaultMaxBatch,
		queueDepth: defaultQueueDepth,
		preWrite:   identityTransform,
		postRead:   identityTransform,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the wall clock used for CreatedAt stamps and
// expiration checks. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.clock = now
		}
	}
}

// WithDefaultExpiration sets the TTL applied to writes that carry no
// explicit expiration. Zero (the default) means entries never expire.
func WithDefaultExpiration(d time.Duration) Option {
	return func(c *config) { c.defaultExpiration = d }
}

// WithDefaultTTLString is WithDefaultExpiration with a human-readable
// duration string ("90m", "2h30m", "7d"). Invalid strings are ignored.
func WithDefaultTTLString(s string) Option {
	return func(c *config) {
		if d, err := str2duration.ParseDuration(s); err == nil {
			c.defaultExpiration = d
		}
	}
}

// WithMaxBatch sets how many queued operations the writer drains into a
// single batch. Defaults to 64.
func WithMaxBatch(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxBatch = n
		}
	}
}

// WithApplicationName sets the application name used by the registry's
// default path resolution and attached to log fields.
func WithApplicationName(name string) Option {
	return func(c *config) { c.appName = name }
}

// WithTimeLocation forces the location of time.Time values produced by the
// serializer, so timestamps survive round-trips with a consistent kind
// regardless of backend defaults. Unset leaves decoded times as stored.
func WithTimeLocation(loc *time.Location) Option {
	return func(c *config) { c.timeLocation = loc }
}

// WithSerializerOptions passes options through to the Serializer unchanged.
func WithSerializerOptions(opts ...SerializerOption) Option {
	return func(c *config) { c.serializer = append(c.serializer, opts...) }
}

// WithTransforms sets the pre-write and post-read payload transforms. Either
// may be nil to keep the identity transform.
func WithTransforms(preWrite, postRead Transform) Option {
	return func(c *config) {
		if preWrite != nil {
			c.preWrite = preWrite
		}
		if postRead != nil {
			c.postRead = postRead
		}
	}
}

// writeConfig holds per-write settings.
type writeConfig struct {
	expiresAt time.Time
	ttl       time.Duration
}

// WriteOption configures a single insert.
type WriteOption func(*writeConfig)

// WithExpiration sets an absolute UTC expiration for the written entries.
func WithExpiration(t time.Time) WriteOption {
	return func(w *writeConfig) { w.expiresAt = t }
}

// WithTTL sets a relative expiration, resolved against the cache clock at
// write time.
func WithTTL(d time.Duration) WriteOption {
	return func(w *writeConfig) { w.ttl = d }
}

// resolveExpiration turns write options into an absolute expiration.
// The zero time means "never".
func (c *config) resolveExpiration(opts []WriteOption) time.Time {
	var w writeConfig
	for _, opt := range opts {
		opt(&w)
	}
	switch {
	case !w.expiresAt.IsZero():
		return w.expiresAt.UTC()
	case w.ttl > 0:
		return c.clock().Add(w.ttl).UTC()
	case c.defaultExpiration > 0:
		return c.clock().Add(c.defaultExpiration).UTC()
	}
	return time.Time{}
}

// optionsFile is the on-disk shape accepted by LoadOptions.
type optionsFile struct {
	ApplicationName string `yaml:"application_name"`
	DefaultTTL      string `yaml:"default_ttl"`
	TimeKind        string `yaml:"time_kind"`
}

// LoadOptions reads a YAML settings file and converts it into options:
//
//	application_name: myapp
//	default_ttl: 7d
//	time_kind: utc
//
// time_kind accepts "utc" or "local".
func LoadOptions(path string) ([]Option, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "cache: reading options file")
	}
	var f optionsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrap(err, "cache: parsing options file")
	}
	var opts []Option
	if f.ApplicationName != "" {
		opts = append(opts, WithApplicationName(f.ApplicationName))
	}
	if f.DefaultTTL != "" {
		d, err := str2duration.ParseDuration(f.DefaultTTL)
		if err != nil {
			return nil, errors.Wrapf(err, "cache: invalid default_ttl %q", f.DefaultTTL)
		}
		opts = append(opts, WithDefaultExpiration(d))
	}
	switch strings.ToLower(f.TimeKind) {
	case "":
	case "utc":
		opts = append(opts, WithTimeLocation(time.UTC))
	case "local":
		opts = append(opts, WithTimeLocation(time.Local))
	default:
		return nil, errors.Newf("cache: invalid time_kind %q", f.TimeKind)
	}
	return opts, nil
}

// validateKey rejects the empty key.
func validateKey(key string) error {
	if key == "" {
		return errors.Wrap(ErrInvalidArgument, "empty key")
	}
	return nil
}

func errInvalidTypeName() error {
	return errors.Wrap(ErrInvalidArgument, "empty type name")
}

// validateEntry rejects the empty key and nil payload.
func validateEntry(key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if value == nil {
		return errors.Wrap(ErrInvalidArgument, "nil value")
	}
	return nil
}
