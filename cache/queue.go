package cache

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultMaxBatch   = 64
	defaultQueueDepth = 1024
)

type opKind int

const (
	opSelect opKind = iota
	opSelectTyped
	opSelectKeys
	opInsert
	opInvalidate
	opInvalidateTyped
	opInvalidateAll
	opVacuum
	opFlush
)

// operation is one unit of work submitted to the queue. Exactly one of the
// payload fields is meaningful, depending on kind. done receives the result
// exactly once; it is buffered so an abandoned caller never blocks the
// worker.
type operation struct {
	kind      opKind
	elements  []Element
	keys      []string
	typeNames []string
	done      chan opResult
}

type opResult struct {
	elements map[string]Element
	keys     []string
	err      error
}

func (op *operation) complete(res opResult) {
	op.done <- res
}

// operationQueue multiplexes concurrent callers onto a single writer
// goroutine that has exclusive ownership of the database connection. The
// worker drains queued operations into batches, merges operations of the
// same kind into single statements, and fans results back to each caller.
type operationQueue struct {
	db       *sql.DB
	clock    func() time.Time
	log      *zap.Logger
	maxBatch int

	ops    chan *operation
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	// execHook observes each backend round-trip; tests use it to count
	// statements and to verify coalescing.
	execHook func(kind opKind)
}

var tracer = otel.Tracer("github.com/nightjarhq/blobcache/cache")

func newOperationQueue(db *sql.DB, cfg config) *operationQueue {
	q := &operationQueue{
		db:       db,
		clock:    cfg.clock,
		log:      cfg.logger,
		maxBatch: cfg.maxBatch,
		ops:      make(chan *operation, cfg.queueDepth),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// enqueue submits op and blocks until its result arrives or ctx is done.
// Cancelling ctx abandons the result: the batch still executes, the result
// is discarded.
func (q *operationQueue) enqueue(ctx context.Context, op *operation) (opResult, error) {
	op.done = make(chan opResult, 1)
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return opResult{}, ErrClosed
	}
	select {
	case q.ops <- op:
		q.mu.RUnlock()
	case <-ctx.Done():
		q.mu.RUnlock()
		return opResult{}, ctx.Err()
	}
	select {
	case res := <-op.done:
		return res, res.err
	case <-ctx.Done():
		return opResult{}, ctx.Err()
	}
}

// close stops intake, waits for the pending queue to drain and for the
// worker to exit. The database is not touched; the owner releases it after
// close returns.
func (q *operationQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.wg.Wait()
		return
	}
	q.closed = true
	close(q.ops)
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *operationQueue) run() {
	defer q.wg.Done()
	q.log.Debug("cache queue worker started")
	for {
		op, ok := <-q.ops
		if !ok {
			q.log.Debug("cache queue worker stopped")
			return
		}
		batch := []*operation{op}
		open := true
	drain:
		for len(batch) < q.maxBatch {
			select {
			case next, ok := <-q.ops:
				if !ok {
					open = false
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		q.execute(batch)
		if !open {
			q.log.Debug("cache queue worker stopped")
			return
		}
	}
}

// execute runs one batch. Operations are grouped by kind and each group runs
// as a single statement or transaction, in a fixed order: reads first, then
// eviction of expired rows the reads observed, then writes, invalidations
// and vacuum. Flush handles complete last, once everything enqueued before
// them has been executed. A failing group completes its own handles with an
// error and never poisons the worker or the connection.
func (q *operationQueue) execute(batch []*operation) {
	_, span := tracer.Start(context.Background(), "cache.batch",
		trace.WithAttributes(attribute.Int("cache.batch.size", len(batch))))
	defer span.End()

	var selects, typedSelects, keyLists, inserts []*operation
	var invalidates, typedInvalidates, invalidateAlls []*operation
	var vacuums, flushes []*operation
	for _, op := range batch {
		switch op.kind {
		case opSelect:
			selects = append(selects, op)
		case opSelectTyped:
			typedSelects = append(typedSelects, op)
		case opSelectKeys:
			keyLists = append(keyLists, op)
		case opInsert:
			inserts = append(inserts, op)
		case opInvalidate:
			invalidates = append(invalidates, op)
		case opInvalidateTyped:
			typedInvalidates = append(typedInvalidates, op)
		case opInvalidateAll:
			invalidateAlls = append(invalidateAlls, op)
		case opVacuum:
			vacuums = append(vacuums, op)
		case opFlush:
			flushes = append(flushes, op)
		}
	}

	now := q.clock()
	var expired []string
	expired = append(expired, q.runSelects(selects, now)...)
	expired = append(expired, q.runTypedSelects(typedSelects, now)...)
	expired = append(expired, q.runKeyLists(keyLists, now)...)
	q.evictExpired(expired)
	q.runInserts(inserts)
	q.runInvalidates(invalidates)
	q.runTypedInvalidates(typedInvalidates)
	q.runInvalidateAlls(invalidateAlls)
	q.runVacuums(vacuums, now)
	q.runFlushes(flushes)
}

func (q *operationQueue) hook(kind opKind) {
	if q.execHook != nil {
		q.execHook(kind)
	}
}

func backendErr(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrBackend)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// runSelects merges the key sets of all pending selects into one query and
// fans each operation its own slice of the rows. Concurrent gets of the same
// key therefore share a single SELECT. Returns the keys of expired rows
// observed, for eviction in this same pass.
func (q *operationQueue) runSelects(ops []*operation, now time.Time) []string {
	if len(ops) == 0 {
		return nil
	}
	keySet := make(map[string]struct{})
	for _, op := range ops {
		for _, k := range op.keys {
			keySet[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}

	rows, expired, err := q.selectByColumn("Key", keys, now)
	if err != nil {
		for _, op := range ops {
			op.complete(opResult{err: err})
		}
		return nil
	}
	for _, op := range ops {
		res := opResult{elements: make(map[string]Element, len(op.keys))}
		for _, k := range op.keys {
			if el, ok := rows[k]; ok {
				res.elements[k] = el
			}
		}
		op.complete(res)
	}
	return expired
}

// runTypedSelects is runSelects keyed on TypeName instead of Key.
func (q *operationQueue) runTypedSelects(ops []*operation, now time.Time) []string {
	if len(ops) == 0 {
		return nil
	}
	nameSet := make(map[string]struct{})
	for _, op := range ops {
		for _, n := range op.typeNames {
			nameSet[n] = struct{}{}
		}
	}
	names := make([]string, 0, len(nameSet))
	for n := range nameSet {
		names = append(names, n)
	}

	rows, expired, err := q.selectByColumn("TypeName", names, now)
	if err != nil {
		for _, op := range ops {
			op.complete(opResult{err: err})
		}
		return nil
	}
	for _, op := range ops {
		res := opResult{elements: make(map[string]Element)}
		wanted := make(map[string]struct{}, len(op.typeNames))
		for _, n := range op.typeNames {
			wanted[n] = struct{}{}
		}
		for k, el := range rows {
			if _, ok := wanted[el.TypeName]; ok {
				res.elements[k] = el
			}
		}
		op.complete(res)
	}
	return expired
}

// selectByColumn fetches all rows whose column value is in vals, keyed by
// Key. Expired rows are excluded from the result and returned separately.
func (q *operationQueue) selectByColumn(column string, vals []string, now time.Time) (map[string]Element, []string, error) {
	if len(vals) == 0 {
		return map[string]Element{}, nil, nil
	}
	q.hook(opSelect)
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	query := `SELECT Key, TypeName, Value, Expiration, CreatedAt FROM CacheElement WHERE ` +
		column + ` IN (` + placeholders(len(vals)) + `)`
	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, nil, backendErr(err, "selecting cache elements")
	}
	defer rows.Close()

	out := make(map[string]Element)
	var expired []string
	for rows.Next() {
		var el Element
		var typeName sql.NullString
		var expTicks, createdTicks int64
		if err := rows.Scan(&el.Key, &typeName, &el.Value, &expTicks, &createdTicks); err != nil {
			return nil, nil, backendErr(err, "scanning cache element")
		}
		el.TypeName = typeName.String
		el.Expiration = fromTicks(expTicks)
		el.CreatedAt = fromTicks(createdTicks)
		if el.expired(now) {
			expired = append(expired, el.Key)
			continue
		}
		out[el.Key] = el
	}
	if err := rows.Err(); err != nil {
		return nil, nil, backendErr(err, "iterating cache elements")
	}
	return out, expired, nil
}

// runKeyLists answers GetAllKeys requests with a single scan, filtering
// expired rows and reporting them for eviction.
func (q *operationQueue) runKeyLists(ops []*operation, now time.Time) []string {
	if len(ops) == 0 {
		return nil
	}
	q.hook(opSelectKeys)
	rows, err := q.db.Query(`SELECT Key, Expiration FROM CacheElement`)
	if err != nil {
		werr := backendErr(err, "listing cache keys")
		for _, op := range ops {
			op.complete(opResult{err: werr})
		}
		return nil
	}
	defer rows.Close()

	var keys []string
	var expired []string
	for rows.Next() {
		var key string
		var expTicks int64
		if err := rows.Scan(&key, &expTicks); err != nil {
			werr := backendErr(err, "scanning cache key")
			for _, op := range ops {
				op.complete(opResult{err: werr})
			}
			return nil
		}
		if exp := fromTicks(expTicks); !exp.IsZero() && exp.Before(now) {
			expired = append(expired, key)
			continue
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		werr := backendErr(err, "iterating cache keys")
		for _, op := range ops {
			op.complete(opResult{err: werr})
		}
		return nil
	}
	for _, op := range ops {
		res := opResult{keys: make([]string, len(keys))}
		copy(res.keys, keys)
		op.complete(res)
	}
	return expired
}

// evictExpired deletes rows that a read in this pass observed as expired.
func (q *operationQueue) evictExpired(keys []string) {
	if len(keys) == 0 {
		return
	}
	q.hook(opInvalidate)
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	if _, err := q.db.Exec(`DELETE FROM CacheElement WHERE Key IN (`+placeholders(len(keys))+`)`, args...); err != nil {
		q.log.Error("evicting expired cache entries", zap.Error(err))
	}
}

// runInserts upserts every element from every pending insert inside one
// transaction. A failure rolls the whole group back and reports the error to
// each insert, which preserves InsertMany's all-or-nothing contract.
func (q *operationQueue) runInserts(ops []*operation) {
	if len(ops) == 0 {
		return
	}
	q.hook(opInsert)
	fail := func(err error) {
		for _, op := range ops {
			op.complete(opResult{err: err})
		}
	}
	tx, err := q.db.Begin()
	if err != nil {
		fail(backendErr(err, "beginning insert transaction"))
		return
	}
	stmt, err := tx.Prepare(`INSERT INTO CacheElement (Key, TypeName, Value, Expiration, CreatedAt)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(Key) DO UPDATE SET
			TypeName = excluded.TypeName,
			Value = excluded.Value,
			Expiration = excluded.Expiration,
			CreatedAt = excluded.CreatedAt`)
	if err != nil {
		_ = tx.Rollback()
		fail(backendErr(err, "preparing insert"))
		return
	}
	for _, op := range ops {
		for _, el := range op.elements {
			var typeName any
			if el.TypeName != "" {
				typeName = el.TypeName
			}
			if _, err := stmt.Exec(el.Key, typeName, el.Value, toTicks(el.Expiration), toTicks(el.CreatedAt)); err != nil {
				_ = stmt.Close()
				_ = tx.Rollback()
				fail(backendErr(err, "inserting cache element"))
				return
			}
		}
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		fail(backendErr(err, "committing insert transaction"))
		return
	}
	for _, op := range ops {
		op.complete(opResult{})
	}
}

func (q *operationQueue) runInvalidates(ops []*operation) {
	if len(ops) == 0 {
		return
	}
	keySet := make(map[string]struct{})
	for _, op := range ops {
		for _, k := range op.keys {
			keySet[k] = struct{}{}
		}
	}
	if len(keySet) == 0 {
		for _, op := range ops {
			op.complete(opResult{})
		}
		return
	}
	q.hook(opInvalidate)
	args := make([]any, 0, len(keySet))
	for k := range keySet {
		args = append(args, k)
	}
	_, err := q.db.Exec(`DELETE FROM CacheElement WHERE Key IN (`+placeholders(len(args))+`)`, args...)
	if err != nil {
		err = backendErr(err, "invalidating cache keys")
	}
	for _, op := range ops {
		op.complete(opResult{err: err})
	}
}

func (q *operationQueue) runTypedInvalidates(ops []*operation) {
	if len(ops) == 0 {
		return
	}
	nameSet := make(map[string]struct{})
	for _, op := range ops {
		for _, n := range op.typeNames {
			nameSet[n] = struct{}{}
		}
	}
	q.hook(opInvalidateTyped)
	args := make([]any, 0, len(nameSet))
	for n := range nameSet {
		args = append(args, n)
	}
	_, err := q.db.Exec(`DELETE FROM CacheElement WHERE TypeName IN (`+placeholders(len(args))+`)`, args...)
	if err != nil {
		err = backendErr(err, "invalidating cache type")
	}
	for _, op := range ops {
		op.complete(opResult{err: err})
	}
}

func (q *operationQueue) runInvalidateAlls(ops []*operation) {
	if len(ops) == 0 {
		return
	}
	q.hook(opInvalidateAll)
	_, err := q.db.Exec(`DELETE FROM CacheElement`)
	if err != nil {
		err = backendErr(err, "invalidating cache")
	}
	for _, op := range ops {
		op.complete(opResult{err: err})
	}
}

// runVacuums deletes expired rows, then reclaims file space.
func (q *operationQueue) runVacuums(ops []*operation, now time.Time) {
	if len(ops) == 0 {
		return
	}
	q.hook(opVacuum)
	_, err := q.db.Exec(`DELETE FROM CacheElement WHERE Expiration < ?`, toTicks(now))
	if err == nil {
		_, err = q.db.Exec(`VACUUM`)
	}
	if err != nil {
		err = backendErr(err, "vacuuming cache")
	} else {
		q.log.Debug("cache vacuumed")
	}
	for _, op := range ops {
		op.complete(opResult{err: err})
	}
}

// runFlushes checkpoints the WAL so every committed write is durable, then
// releases the flush barriers. Flushes complete last in the batch, after
// everything enqueued before them.
func (q *operationQueue) runFlushes(ops []*operation) {
	if len(ops) == 0 {
		return
	}
	q.hook(opFlush)
	if _, err := q.db.Exec(`PRAGMA wal_checkpoint(FULL)`); err != nil {
		// Checkpointing is best-effort on engines without WAL.
		q.log.Debug("wal checkpoint failed", zap.Error(err))
	}
	for _, op := range ops {
		op.complete(opResult{})
	}
}
