package cache

import (
	"context"
	"reflect"

	"github.com/cockroachdb/errors"
)

// TypeName returns the fully-qualified logical name used as the type tag for
// values of type T, e.g. "github.com/acme/app/model.User". Pointers resolve
// to their element type; unnamed types fall back to their Go syntax.
func TypeName[T any]() string {
	t := reflect.TypeOf((*T)(nil)).Elem()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

// InsertObject serializes v and upserts it under key, tagged with the
// fully-qualified name of T so it is visible to GetAllObjects and
// InvalidateAllObjects.
func InsertObject[T any](ctx context.Context, c Cache, key string, v T, opts ...WriteOption) error {
	data, err := c.Serializer().Marshal(v)
	if err != nil {
		return err
	}
	return c.InsertTyped(ctx, key, TypeName[T](), data, opts...)
}

// GetObject fetches key and deserializes it as a T. Fails with
// ErrKeyNotFound when the key is absent or expired and ErrSerialization when
// the payload cannot be decoded.
func GetObject[T any](ctx context.Context, c Cache, key string) (T, error) {
	data, err := c.Get(ctx, key)
	if err != nil {
		var zero T
		return zero, err
	}
	return unmarshalAs[T](c.Serializer(), data)
}

// GetAllObjects returns every non-expired value of type T, keyed by cache
// key.
func GetAllObjects[T any](ctx context.Context, c Cache) (map[string]T, error) {
	payloads, err := c.GetTyped(ctx, TypeName[T]())
	if err != nil {
		return nil, err
	}
	out := make(map[string]T, len(payloads))
	for key, data := range payloads {
		v, err := unmarshalAs[T](c.Serializer(), data)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

// InvalidateObject removes the entry under key. Typed and raw entries share
// the key namespace, so this is plain invalidation.
func InvalidateObject[T any](ctx context.Context, c Cache, key string) error {
	return c.Invalidate(ctx, key)
}

// InvalidateAllObjects removes every entry whose type tag is T.
func InvalidateAllObjects[T any](ctx context.Context, c Cache) error {
	return c.InvalidateTyped(ctx, TypeName[T]())
}

// Fetcher produces a value of type T on a cache miss.
type Fetcher[T any] func(ctx context.Context) (T, error)

// GetOrFetch is a cache-aside helper: it returns the cached object under key
// when present, and otherwise invokes fetch, stores the result and returns
// it. Errors from fetch are propagated without caching.
func GetOrFetch[T any](ctx context.Context, c Cache, key string, fetch Fetcher[T], opts ...WriteOption) (T, error) {
	v, err := GetObject[T](ctx, c, key)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		var zero T
		return zero, err
	}
	v, err = fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	if err := InsertObject(ctx, c, key, v, opts...); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}
