package cache

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type account struct {
	ID      int       `msgpack:"id"`
	Email   string    `msgpack:"email"`
	Joined  time.Time `msgpack:"joined"`
	Balance float64   `msgpack:"balance"`
}

type session struct {
	Token   string `msgpack:"token"`
	Expires int64  `msgpack:"expires"`
}

func TestTypeName(t *testing.T) {
	assert.Contains(t, TypeName[account](), "cache.account")
	assert.Equal(t, TypeName[account](), TypeName[*account]())
	assert.Equal(t, "string", TypeName[string]())
	assert.Equal(t, "map[string]int", TypeName[map[string]int]())
}

func TestObjectRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, c := range map[string]Cache{
		"inmemory":   NewInMemory(),
		"persistent": mustNew(t),
	} {
		t.Run(name, func(t *testing.T) {
			defer c.Close(ctx)

			in := account{ID: 7, Email: "a@example.com", Joined: time.Date(2023, 2, 3, 4, 5, 6, 0, time.UTC), Balance: 12.5}
			require.NoError(t, InsertObject(ctx, c, "acct", in))

			out, err := GetObject[account](ctx, c, "acct")
			require.NoError(t, err)
			assert.Equal(t, in.ID, out.ID)
			assert.Equal(t, in.Email, out.Email)
			assert.Equal(t, in.Balance, out.Balance)
			assert.True(t, in.Joined.Equal(out.Joined))
		})
	}
}

func TestObjectTypedFiltering(t *testing.T) {
	ctx := context.Background()
	for name, c := range map[string]Cache{
		"inmemory":   NewInMemory(),
		"persistent": mustNew(t),
	} {
		t.Run(name, func(t *testing.T) {
			defer c.Close(ctx)

			require.NoError(t, InsertObject(ctx, c, "acct1", account{ID: 1}))
			require.NoError(t, InsertObject(ctx, c, "acct2", account{ID: 2}))
			require.NoError(t, InsertObject(ctx, c, "sess1", session{Token: "x"}))

			accounts, err := GetAllObjects[account](ctx, c)
			require.NoError(t, err)
			assert.Len(t, accounts, 2)
			assert.Equal(t, 1, accounts["acct1"].ID)
			assert.Equal(t, 2, accounts["acct2"].ID)

			sessions, err := GetAllObjects[session](ctx, c)
			require.NoError(t, err)
			assert.Len(t, sessions, 1)

			require.NoError(t, InvalidateAllObjects[account](ctx, c))
			accounts, err = GetAllObjects[account](ctx, c)
			require.NoError(t, err)
			assert.Empty(t, accounts)

			// The other type is untouched.
			sessions, err = GetAllObjects[session](ctx, c)
			require.NoError(t, err)
			assert.Len(t, sessions, 1)
		})
	}
}

func TestObjectNotFound(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory()
	defer c.Close(ctx)

	_, err := GetObject[account](ctx, c, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestGetOrFetch(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory()
	defer c.Close(ctx)

	calls := 0
	fetch := func(ctx context.Context) (account, error) {
		calls++
		return account{ID: 9}, nil
	}

	out, err := GetOrFetch(ctx, c, "acct", fetch)
	require.NoError(t, err)
	assert.Equal(t, 9, out.ID)
	assert.Equal(t, 1, calls)

	// Second call is served from cache.
	out, err = GetOrFetch(ctx, c, "acct", fetch)
	require.NoError(t, err)
	assert.Equal(t, 9, out.ID)
	assert.Equal(t, 1, calls)
}

func TestGetOrFetchErrorNotCached(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory()
	defer c.Close(ctx)

	boom := errors.New("upstream down")
	_, err := GetOrFetch(ctx, c, "acct", func(ctx context.Context) (account, error) {
		return account{}, boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = c.Get(ctx, "acct")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func mustNew(t *testing.T) Cache {
	t.Helper()
	c, _ := newTestCache(t)
	return c
}
