package cache

import (
	"math"
	"time"
)

// Element is the persistence record: one key, one opaque payload, the
// insertion time and an absolute expiration. A zero Expiration means the
// entry never expires. TypeName is empty for raw-byte entries and carries
// the fully-qualified logical type name for entries written through the
// typed-object helpers.
type Element struct {
	Key        string
	TypeName   string
	Value      []byte
	CreatedAt  time.Time
	Expiration time.Time
}

// expired reports whether the element is invisible to reads at now.
func (e Element) expired(now time.Time) bool {
	return !e.Expiration.IsZero() && e.Expiration.Before(now)
}

// On disk, CreatedAt and Expiration are stored as 64-bit tick counts: 100 ns
// units since the Unix epoch. Ticks round-trip exactly regardless of the
// driver's date-time defaults. neverTicks is the "never expires" sentinel.
const (
	ticksPerSecond int64 = 10_000_000
	nanosPerTick   int64 = 100
	neverTicks     int64 = math.MaxInt64
)

// toTicks converts a wall-clock time to ticks, saturating at neverTicks.
// The zero time maps to neverTicks.
func toTicks(t time.Time) int64 {
	if t.IsZero() {
		return neverTicks
	}
	secs := t.Unix()
	if secs >= (math.MaxInt64-ticksPerSecond)/ticksPerSecond {
		return neverTicks
	}
	return secs*ticksPerSecond + int64(t.Nanosecond())/nanosPerTick
}

// fromTicks converts a stored tick count back to a UTC time. neverTicks maps
// to the zero time.
func fromTicks(ticks int64) time.Time {
	if ticks == neverTicks {
		return time.Time{}
	}
	return time.Unix(ticks/ticksPerSecond, (ticks%ticksPerSecond)*nanosPerTick).UTC()
}
