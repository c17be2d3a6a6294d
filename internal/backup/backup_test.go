package backup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depot/internal/datastore"
	"depot/internal/logging"
)

func newTestDatastore(t *testing.T) *datastore.Datastore {
	t.Helper()
	ds, err := datastore.Create(t.TempDir(), 4, logging.Discard)
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	return ds
}

func TestCreateAndFromNameRoundTrip(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	b, err := Create(ctx, ds, "h1", "b1", "sda", 100, 100)
	require.NoError(t, err)

	loaded, err := FromName(ctx, ds, "h1", "b1")
	require.NoError(t, err)
	assert.Equal(t, b.ID, loaded.ID)
}

func TestLinkAndFinishHappyPath(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	b, err := Create(ctx, ds, "h1", "b1", "sda", 1, 1)
	require.NoError(t, err)

	for i, hash := range []string{"a", "b", "c"} {
		_, err := ds.AddBlock(ctx, hash, []byte("xxxx"), false, 1)
		require.NoError(t, err)
		require.NoError(t, b.Link(ctx, nil, int64(i+1), hash))
	}

	require.NoError(t, b.Finish(ctx, 12, 999, true))

	row, err := b.Row(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ready", string(row.State))
	assert.Equal(t, int64(12), row.Size.Int64)
}

func TestFinishFailsOnBadContinuity(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	b, err := Create(ctx, ds, "h1", "b1", "sda", 1, 1)
	require.NoError(t, err)

	_, err = ds.AddBlock(ctx, "a", []byte("xxxx"), false, 1)
	require.NoError(t, err)
	require.NoError(t, b.Link(ctx, nil, 2, "a")) // gap: starts at 2, not 1

	err = b.Finish(ctx, 4, 999, true)
	assert.Error(t, err)

	row, err := b.Row(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pending", string(row.State))
}

func TestFinishRefusesNonPending(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	b, err := Create(ctx, ds, "h1", "b1", "sda", 1, 1)
	require.NoError(t, err)
	require.NoError(t, b.Finish(ctx, 0, 1, false))

	err = b.Finish(ctx, 0, 1, false)
	assert.Error(t, err)
}

func TestIteratorYieldsBlocksInOrder(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	b, err := Create(ctx, ds, "h1", "b1", "sda", 1, 1)
	require.NoError(t, err)

	contents := []string{"aaaa", "bbbb", "cccc"}
	for i, c := range contents {
		hash := string(rune('a' + i))
		_, err := ds.AddBlock(ctx, hash, []byte(c), false, 1)
		require.NoError(t, err)
		require.NoError(t, b.Link(ctx, nil, int64(i+1), hash))
	}

	it, err := b.Iterate(ctx)
	require.NoError(t, err)

	var got []string
	for {
		data, ok, err := it.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(data))
	}
	assert.Equal(t, contents, got)
}
