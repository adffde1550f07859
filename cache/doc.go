// Package cache provides an asynchronous, persistent key/value blob cache
// with multiple backend implementations and type-safe generic helpers.
//
// # The Cache Contract
//
// The [Cache] interface stores opaque byte payloads under string keys, with
// per-entry creation timestamps and absolute expiration. Every backend
// honours the same observable semantics: [Cache.Insert] is an upsert,
// [Cache.Get] fails with [ErrKeyNotFound] for absent or expired keys (and
// evicts the expired row it observed), invalidation is idempotent, and every
// operation fails with [ErrClosed] once the cache has been closed.
//
// The interface stores []byte rather than generic values because Go does not
// allow generic methods on interfaces. Typed values are handled by the
// package-level generic functions [InsertObject], [GetObject],
// [GetAllObjects], [InvalidateAllObjects] and [GetOrFetch], which serialize
// through the cache's [Serializer] and tag entries with the fully-qualified
// type name so they can be filtered per type.
//
// # Implementations
//
//   - [New] — Persistent cache backed by a SQLite file using
//     [modernc.org/sqlite] (pure Go, no CGO). All SQL is funneled through a
//     single writer goroutine fed by an operation queue: concurrent callers
//     enqueue operations, the worker drains them in batches, merges
//     operations of the same kind into single statements, and fans results
//     back to each caller. Concurrent gets of one key share a single SELECT.
//
//   - [NewInMemory] — Reference implementation backed by a map guarded by a
//     mutex. Same observable semantics as the persistent backend, including
//     lazy expiration and typed filtering. Lost on process restart.
//
//   - [NewEncrypted] — Persistent cache whose payloads pass through a
//     [github.com/nightjarhq/blobcache/protect.Protector] on the way to and
//     from the file. Zero-length payloads bypass the transform.
//
//   - [NewComposite] — Chains multiple caches into tiers: reads return the
//     first hit, writes and invalidations fan out to every tier.
//
// # Expiration
//
// Expiration is absolute and lazy. A write carries an optional
// [WithExpiration] or [WithTTL] option; without one the entry never expires
// (or uses the cache's [WithDefaultExpiration], when configured). Expired
// rows stay on disk until a read or [Cache.Vacuum] observes them, at which
// point they are evicted and never surfaced.
//
// # The Operation Queue
//
// The persistent backend exists behind a serialized operation queue because
// SQLite serializes writers and because coalescing overlapping requests
// yields large throughput wins under bursty load. Operations from a single
// goroutine are observed in program order; across goroutines the only
// ordering guarantee is the barrier created by [Cache.Flush], which
// completes only after every operation enqueued before it is durable.
// Cancelling a caller's context abandons its result but never cancels the
// batch; a failed statement completes its own callers with an error and
// never poisons the worker or the connection.
//
// # Registry
//
// Four process-wide named slots resolve lazily: [LocalMachine],
// [UserAccount], [Secure] and [InMemory]. [Initialize] configures them;
// [Shutdown] disposes every live slot, makes later resolutions return a
// rejecting sink, and returns once every slot's [Cache.Done] has fired.
// Tests overlay slots with [Registry.Override] and restore on teardown.
//
// # Errors
//
// All failures are classified: [ErrKeyNotFound], [ErrClosed],
// [ErrInvalidArgument], [ErrSerialization], [ErrBackend] (wrapping the
// underlying SQL error) and [ErrProtection]. Match with errors.Is; no
// stringly-typed errors cross the package boundary.
//
// # Serialization
//
// Typed values are encoded with msgpack
// ([github.com/vmihailenco/msgpack/v5]) inside a single-field envelope
// {Value: v}, which lets primitives and nil round-trip at the document root.
// Decoding falls back to the bare, unwrapped shape for payloads written by
// legacy versions. [WithTimeLocation] forces decoded time.Time values into a
// consistent location regardless of how the payload encoded them.
package cache
