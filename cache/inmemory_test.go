package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory()
	defer c.Close(ctx)

	assert.NoError(t, c.Insert(ctx, "a", []byte{0x01, 0x02}))
	value, err := c.Get(ctx, "a")
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, value)

	_, err = c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestInMemoryValueIsolation(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory()
	defer c.Close(ctx)

	original := []byte("value")
	require.NoError(t, c.Insert(ctx, "k", original))
	original[0] = 'X'

	value, err := c.Get(ctx, "k")
	assert.NoError(t, err)
	assert.Equal(t, []byte("value"), value)

	// Mutating the returned slice must not affect the stored copy.
	value[0] = 'Y'
	again, err := c.Get(ctx, "k")
	assert.NoError(t, err)
	assert.Equal(t, []byte("value"), again)
}

func TestInMemoryExpiration(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := &fakeClock{now: now}
	c := NewInMemory(WithClock(clock.Now))
	defer c.Close(ctx)

	require.NoError(t, c.Insert(ctx, "k", []byte("v"), WithTTL(time.Minute)))

	value, err := c.Get(ctx, "k")
	assert.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	clock.Advance(2 * time.Minute)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	keys, err := c.Keys(ctx)
	assert.NoError(t, err)
	assert.Empty(t, keys)
}

func TestInMemoryInsertAlreadyExpired(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory()
	defer c.Close(ctx)

	require.NoError(t, c.Insert(ctx, "k", []byte("v"), WithExpiration(time.Now().Add(-time.Second))))
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestInMemoryBulkOperations(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory()
	defer c.Close(ctx)

	require.NoError(t, c.InsertMany(ctx, map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
	}))

	found, err := c.GetMany(ctx, []string{"a", "b", "c"})
	assert.NoError(t, err)
	assert.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, found)

	assert.NoError(t, c.InvalidateMany(ctx, []string{"a"}))
	keys, err := c.Keys(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys)

	assert.NoError(t, c.InvalidateAll(ctx))
	keys, err = c.Keys(ctx)
	assert.NoError(t, err)
	assert.Empty(t, keys)
}

func TestInMemoryCreatedAt(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory()
	defer c.Close(ctx)

	before := time.Now()
	require.NoError(t, c.Insert(ctx, "k", []byte("v")))

	createdAt, err := c.CreatedAt(ctx, "k")
	assert.NoError(t, err)
	require.NotNil(t, createdAt)
	assert.WithinDuration(t, before, *createdAt, time.Second)

	createdAt, err = c.CreatedAt(ctx, "missing")
	assert.NoError(t, err)
	assert.Nil(t, createdAt)
}

func TestInMemoryVacuum(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := &fakeClock{now: now}
	c := NewInMemory(WithClock(clock.Now))
	defer c.Close(ctx)

	require.NoError(t, c.Insert(ctx, "keep", []byte("v")))
	require.NoError(t, c.Insert(ctx, "drop", []byte("v"), WithTTL(time.Second)))

	clock.Advance(time.Minute)
	assert.NoError(t, c.Vacuum(ctx))

	keys, err := c.Keys(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []string{"keep"}, keys)
}

func TestInMemoryCloseSemantics(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory()

	require.NoError(t, c.Insert(ctx, "k", []byte("v")))
	require.NoError(t, c.Close(ctx))

	select {
	case <-c.Done():
	default:
		t.Fatal("Done should be closed after Close")
	}

	assert.ErrorIs(t, c.Insert(ctx, "k", []byte("v")), ErrClosed)
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Keys(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, c.Close(ctx))
}

func TestInMemoryInvalidArguments(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory()
	defer c.Close(ctx)

	assert.ErrorIs(t, c.Insert(ctx, "", []byte("v")), ErrInvalidArgument)
	assert.ErrorIs(t, c.Insert(ctx, "k", nil), ErrInvalidArgument)
	_, err := c.GetTyped(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
