package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompositeWriteThrough(t *testing.T) {
	ctx := context.Background()
	l1 := NewInMemory()
	l2 := NewInMemory()
	c := NewComposite(l1, l2)

	require.NoError(t, c.Insert(ctx, "k", []byte("v")))

	// Both tiers received the write.
	value, err := l1.Get(ctx, "k")
	assert.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
	value, err = l2.Get(ctx, "k")
	assert.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
}

func TestCompositeFallsThroughToLowerTier(t *testing.T) {
	ctx := context.Background()
	l1 := NewInMemory()
	l2 := NewInMemory()
	c := NewComposite(l1, l2)

	// Seed only the lower tier.
	require.NoError(t, l2.Insert(ctx, "deep", []byte("v")))

	value, err := c.Get(ctx, "deep")
	assert.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	_, err = c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestCompositeGetManyMergesTiers(t *testing.T) {
	ctx := context.Background()
	l1 := NewInMemory()
	l2 := NewInMemory()
	c := NewComposite(l1, l2)

	require.NoError(t, l1.Insert(ctx, "a", []byte("top")))
	require.NoError(t, l2.Insert(ctx, "a", []byte("bottom")))
	require.NoError(t, l2.Insert(ctx, "b", []byte("2")))

	found, err := c.GetMany(ctx, []string{"a", "b", "c"})
	assert.NoError(t, err)
	// The upper tier wins for keys present in both.
	assert.Equal(t, map[string][]byte{"a": []byte("top"), "b": []byte("2")}, found)
}

func TestCompositeInvalidateFansOut(t *testing.T) {
	ctx := context.Background()
	l1 := NewInMemory()
	l2 := NewInMemory()
	c := NewComposite(l1, l2)

	require.NoError(t, c.Insert(ctx, "k", []byte("v")))
	require.NoError(t, c.Invalidate(ctx, "k"))

	_, err := l1.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	_, err = l2.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestCompositeKeysUnion(t *testing.T) {
	ctx := context.Background()
	l1 := NewInMemory()
	l2 := NewInMemory()
	c := NewComposite(l1, l2)

	require.NoError(t, l1.Insert(ctx, "a", []byte("1")))
	require.NoError(t, l2.Insert(ctx, "b", []byte("2")))

	keys, err := c.Keys(ctx)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
}

func TestCompositeClose(t *testing.T) {
	ctx := context.Background()
	l1 := NewInMemory()
	l2 := NewInMemory()
	c := NewComposite(l1, l2)

	require.NoError(t, c.Close(ctx))
	<-c.Done()

	assert.ErrorIs(t, l1.Insert(ctx, "k", []byte("v")), ErrClosed)
	assert.ErrorIs(t, l2.Insert(ctx, "k", []byte("v")), ErrClosed)
}
