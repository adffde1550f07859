package cache

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// statementCounter records backend round-trips per operation kind.
type statementCounter struct {
	mu     sync.Mutex
	counts map[opKind]int
	seq    []opKind
	delays map[opKind]time.Duration
}

func newStatementCounter() *statementCounter {
	return &statementCounter{counts: make(map[opKind]int), delays: make(map[opKind]time.Duration)}
}

func (s *statementCounter) hook(kind opKind) {
	s.mu.Lock()
	s.counts[kind]++
	s.seq = append(s.seq, kind)
	delay := s.delays[kind]
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
}

func (s *statementCounter) sequence() []opKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]opKind(nil), s.seq...)
}

func (s *statementCounter) count(kind opKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[kind]
}

func (s *statementCounter) delay(kind opKind, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[kind] = d
}

func newCountedCache(t *testing.T, opts ...Option) (Cache, *statementCounter) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := New(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	counter := newStatementCounter()
	c.(*persistentCache).queue.execHook = counter.hook
	return c, counter
}

func TestQueueCoalescesConcurrentGets(t *testing.T) {
	ctx := context.Background()
	c, counter := newCountedCache(t, WithMaxBatch(256))

	require.NoError(t, c.Insert(ctx, "k", []byte("shared")))

	// Hold the worker inside an insert batch so the concurrent gets pile up
	// in the queue and drain as one batch.
	counter.delay(opInsert, 300*time.Millisecond)
	baseline := counter.count(opSelect)

	var g errgroup.Group
	g.Go(func() error { return c.Insert(ctx, "other", []byte("x")) })
	time.Sleep(50 * time.Millisecond)

	results := make([][]byte, 100)
	for i := range results {
		g.Go(func() error {
			value, err := c.Get(ctx, "k")
			if err != nil {
				return err
			}
			results[i] = value
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, value := range results {
		assert.Equal(t, []byte("shared"), value)
	}
	// All 100 gets shared a single merged SELECT.
	assert.Equal(t, 1, counter.count(opSelect)-baseline)
}

func TestQueueMergesOverlappingKeySets(t *testing.T) {
	ctx := context.Background()
	c, counter := newCountedCache(t, WithMaxBatch(256))

	require.NoError(t, c.InsertMany(ctx, map[string][]byte{
		"a": []byte("1"), "b": []byte("2"), "c": []byte("3"),
	}))

	counter.delay(opInsert, 300*time.Millisecond)
	baseline := counter.count(opSelect)

	var g errgroup.Group
	g.Go(func() error { return c.Insert(ctx, "other", []byte("x")) })
	time.Sleep(50 * time.Millisecond)

	var first, second map[string][]byte
	g.Go(func() error {
		var err error
		first, err = c.GetMany(ctx, []string{"a", "b"})
		return err
	})
	g.Go(func() error {
		var err error
		second, err = c.GetMany(ctx, []string{"b", "c"})
		return err
	})
	require.NoError(t, g.Wait())

	assert.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, first)
	assert.Equal(t, map[string][]byte{"b": []byte("2"), "c": []byte("3")}, second)
	assert.Equal(t, 1, counter.count(opSelect)-baseline)
}

func TestQueuePerCallerOrdering(t *testing.T) {
	ctx := context.Background()
	c, _ := newCountedCache(t)

	// A caller's insert is observed by its own subsequent get.
	for i := 0; i < 50; i++ {
		require.NoError(t, c.Insert(ctx, "k", []byte{byte(i)}))
		value, err := c.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, value)
	}
}

func TestQueueFlushBarrier(t *testing.T) {
	ctx := context.Background()
	c, counter := newCountedCache(t, WithMaxBatch(256))

	// Pile writes and a flush into one batch; the flush must complete after
	// the writes it follows.
	counter.delay(opInsert, 200*time.Millisecond)

	var g errgroup.Group
	g.Go(func() error { return c.Insert(ctx, "first", []byte("x")) })
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 5; i++ {
		g.Go(func() error { return c.Insert(ctx, "k", []byte("v")) })
	}
	time.Sleep(20 * time.Millisecond)
	g.Go(func() error { return c.Flush(ctx) })
	require.NoError(t, g.Wait())

	// The worker executes the checkpoint after every insert that was
	// enqueued before the flush.
	seq := counter.sequence()
	require.NotEmpty(t, seq)
	lastInsert, flushAt := -1, -1
	for i, kind := range seq {
		switch kind {
		case opInsert:
			lastInsert = i
		case opFlush:
			flushAt = i
		}
	}
	require.GreaterOrEqual(t, flushAt, 0)
	assert.Less(t, lastInsert, flushAt)
}

func TestQueueCancelledCallerDoesNotBlockWorker(t *testing.T) {
	c, counter := newCountedCache(t, WithMaxBatch(256))
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, "k", []byte("v")))

	counter.delay(opInsert, 300*time.Millisecond)
	var g errgroup.Group
	g.Go(func() error { return c.Insert(ctx, "other", []byte("x")) })
	time.Sleep(50 * time.Millisecond)

	// Abandon a get mid-flight; the batch still executes and the worker
	// keeps serving later callers.
	cancelled, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := c.Get(cancelled, "k")
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	require.NoError(t, g.Wait())
	value, err := c.Get(ctx, "k")
	assert.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
}

func TestQueueEnqueueAfterCloseFails(t *testing.T) {
	ctx := context.Background()
	c, _ := newCountedCache(t)

	require.NoError(t, c.Close(ctx))
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
}
