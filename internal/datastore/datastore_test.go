package datastore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depot/internal/logging"
)

func newTestDatastore(t *testing.T) *Datastore {
	t.Helper()
	dir := t.TempDir()
	ds, err := Create(dir, 1048576, logging.Discard)
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	return ds
}

func TestCreateThenOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ds, err := Create(dir, 4096, logging.Discard)
	require.NoError(t, err)
	require.NoError(t, ds.Close())

	reopened, err := Open(dir, logging.Discard)
	require.NoError(t, err)
	defer reopened.Close()
	assert.EqualValues(t, 4096, reopened.BlockSize())
}

func TestAddBlockDedupIsIdempotent(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	created, err := ds.AddBlock(ctx, "hash1", []byte("payload"), true, 100)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = ds.AddBlock(ctx, "hash1", []byte("payload"), true, 200)
	require.NoError(t, err)
	assert.False(t, created)

	hashes, err := ds.ListHashes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"hash1"}, hashes)

	files, err := ds.Blocks.Scan()
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestAddBlockThenGetBlockRoundTrip(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	payload := []byte("the quick brown fox jumps over the lazy dog, repeated for lz4 " + "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx")

	_, err := ds.AddBlock(ctx, "h1", payload, true, 1)
	require.NoError(t, err)

	block, err := ds.GetBlock(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, payload, block.Data)
}

func TestGetBlockRawUncompressed(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	_, err := ds.AddBlock(ctx, "h2", []byte("raw"), false, 1)
	require.NoError(t, err)

	block, err := ds.GetBlock(ctx, "h2")
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), block.Data)
}

func TestGetBlockMissingFails(t *testing.T) {
	ds := newTestDatastore(t)
	_, err := ds.GetBlock(context.Background(), "nope")
	assert.Error(t, err)
}
