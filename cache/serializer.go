package cache

import (
	"fmt"
	"reflect"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Serializer converts typed values to and from the self-describing msgpack
// payload stored in the cache. Values are wrapped in a single-field envelope
// {Value: v} so that primitives and nil round-trip at the root, which a bare
// msgpack document cannot always represent for every Go type.
type Serializer struct {
	loc *time.Location
	log *zap.Logger
}

// SerializerOption configures a Serializer.
type SerializerOption func(*Serializer)

// ForceTimeLocation makes the serializer rewrite every decoded time.Time
// into loc, so timestamps come back with a consistent kind regardless of how
// the payload encoded them.
func ForceTimeLocation(loc *time.Location) SerializerOption {
	return func(s *Serializer) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func newSerializer(log *zap.Logger, opts ...SerializerOption) *Serializer {
	s := &Serializer{log: log}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// envelope is the wire shape of every serialized value.
type envelope struct {
	Value any `msgpack:"Value"`
}

// Marshal encodes v into the envelope payload.
func (s *Serializer) Marshal(v any) ([]byte, error) {
	data, err := msgpack.Marshal(envelope{Value: v})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, errors.Wrap(err, "cache: encoding value"))
	}
	return data, nil
}

// unmarshalAs decodes data into a value of type T. It first attempts the
// envelope shape; when the payload is not an envelope it falls back to a
// bare decode, which recovers payloads written by legacy versions that
// stored the value unwrapped. A payload is an envelope when it is a map with
// a "Value" key; the key's presence, not its content, decides, so an
// envelope holding nil decodes to the zero T (a nil pointer stays nil).
func unmarshalAs[T any](s *Serializer, data []byte) (T, error) {
	var env map[string]msgpack.RawMessage
	if err := msgpack.Unmarshal(data, &env); err == nil {
		if raw, ok := env["Value"]; ok {
			var v T
			if raw != nil {
				if err := msgpack.Unmarshal(raw, &v); err != nil {
					var zero T
					return zero, fmt.Errorf("%w: %w", ErrSerialization, errors.Wrap(err, "cache: decoding value"))
				}
			}
			s.coerceValue(&v)
			return v, nil
		}
	}
	var bare T
	if err := msgpack.Unmarshal(data, &bare); err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrSerialization, errors.Wrap(err, "cache: decoding value"))
	}
	s.log.Warn("decoded legacy unwrapped cache payload")
	s.coerceValue(&bare)
	return bare, nil
}

// coerceValue applies the forced time location to the time.Time values
// reachable from v, within the limits described on coerceTimes. v must be a
// pointer.
func (s *Serializer) coerceValue(v any) {
	if s.loc == nil {
		return
	}
	coerceTimes(reflect.ValueOf(v).Elem(), s.loc)
}

var timeType = reflect.TypeOf(time.Time{})

// coerceTimes walks rv and rewrites settable time.Time values into loc.
// Map values are rewritten only when they are themselves time.Time, and
// interfaces only when they hold a time.Time; times nested deeper inside a
// map value or an interface are left as decoded.
func coerceTimes(rv reflect.Value, loc *time.Location) {
	switch rv.Kind() {
	case reflect.Struct:
		if rv.Type() == timeType {
			if rv.CanSet() {
				t := rv.Interface().(time.Time)
				rv.Set(reflect.ValueOf(t.In(loc)))
			}
			return
		}
		for i := 0; i < rv.NumField(); i++ {
			f := rv.Field(i)
			if f.CanSet() {
				coerceTimes(f, loc)
			}
		}
	case reflect.Pointer:
		if !rv.IsNil() {
			coerceTimes(rv.Elem(), loc)
		}
	case reflect.Slice, reflect.Array:
		if rv.Type() == reflect.TypeOf([]byte(nil)) {
			return
		}
		for i := 0; i < rv.Len(); i++ {
			coerceTimes(rv.Index(i), loc)
		}
	case reflect.Map:
		for _, k := range rv.MapKeys() {
			mv := rv.MapIndex(k)
			if mv.Type() == timeType {
				t := mv.Interface().(time.Time)
				rv.SetMapIndex(k, reflect.ValueOf(t.In(loc)))
			}
		}
	case reflect.Interface:
		if rv.IsNil() {
			return
		}
		if t, ok := rv.Interface().(time.Time); ok && rv.CanSet() {
			rv.Set(reflect.ValueOf(t.In(loc)))
		}
	}
}
