package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depot/internal/backup"
	"depot/internal/codec"
	"depot/internal/datastore"
	"depot/internal/logging"
	"depot/internal/metadata"
)

func newTestDatastore(t *testing.T) (*datastore.Datastore, string) {
	t.Helper()
	dir := t.TempDir()
	ds, err := datastore.Create(dir, 4, logging.Discard)
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	return ds, dir
}

func TestVerifyBlocksPassesForIntactBlocks(t *testing.T) {
	ds, _ := newTestDatastore(t)
	ctx := context.Background()

	data := []byte("aaaa")
	_, err := ds.AddBlock(ctx, codec.HashHex(data), data, true, 1)
	require.NoError(t, err)

	res, err := Run(ctx, ds, logging.Discard, Options{SkipBackups: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.BlocksChecked)
	assert.Empty(t, res.BlocksDamaged)
}

func TestVerifyBlocksQuarantinesCorruptedFile(t *testing.T) {
	ds, dir := newTestDatastore(t)
	ctx := context.Background()

	_, err := ds.AddBlock(ctx, "deadbeef", []byte("aaaa"), false, 1)
	require.NoError(t, err)

	row, err := ds.Meta.GetBlock(ctx, "deadbeef")
	require.NoError(t, err)
	path := filepath.Join(dir, "blocks", row.Filename)
	require.NoError(t, os.WriteFile(path, []byte("corrupted-garbage"), 0644))

	res, err := Run(ctx, ds, logging.Discard, Options{SkipBackups: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"deadbeef"}, res.BlocksDamaged)

	exists, err := ds.HashExists(ctx, "deadbeef")
	require.NoError(t, err)
	assert.False(t, exists)

	damaged, err := ds.DamagedHashes(ctx)
	require.NoError(t, err)
	assert.Contains(t, damaged, "deadbeef")
}

func TestVerifyBlocksDryRunDoesNotMutate(t *testing.T) {
	ds, dir := newTestDatastore(t)
	ctx := context.Background()

	_, err := ds.AddBlock(ctx, "h1", []byte("aaaa"), false, 1)
	require.NoError(t, err)

	row, err := ds.Meta.GetBlock(ctx, "h1")
	require.NoError(t, err)
	path := filepath.Join(dir, "blocks", row.Filename)
	require.NoError(t, os.WriteFile(path, []byte("corrupted-garbage"), 0644))

	res, err := Run(ctx, ds, logging.Discard, Options{SkipBackups: true, Dry: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"h1"}, res.BlocksDamaged)

	exists, err := ds.HashExists(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, exists, "dry run must not delete the metadata row")
}

func TestVerifyBackupsFailsBrokenContinuity(t *testing.T) {
	ds, _ := newTestDatastore(t)
	ctx := context.Background()

	bp, err := backup.Create(ctx, ds, "h1", "b1", "sda", 1, 1)
	require.NoError(t, err)
	_, err = ds.AddBlock(ctx, "a", []byte("aaaa"), false, 1)
	require.NoError(t, err)
	require.NoError(t, bp.Link(ctx, nil, 1, "a"))
	require.NoError(t, bp.Finish(ctx, 4, 2, true))

	// Simulate post-finalize drift: delete the row of the only block the
	// backup links to, leaving its link row in place.
	require.NoError(t, ds.Meta.DeleteBlock(ctx, "a"))

	res, err := Run(ctx, ds, logging.Discard, Options{SkipBlocks: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"h1/b1"}, res.BackupsFailed)

	row, err := bp.Row(ctx)
	require.NoError(t, err)
	assert.Equal(t, metadata.StateFailed, row.State)
}

func TestVerifyBackupsSkipsNonReadyStates(t *testing.T) {
	ds, _ := newTestDatastore(t)
	ctx := context.Background()

	_, err := backup.Create(ctx, ds, "h1", "pending1", "sda", 1, 1)
	require.NoError(t, err)

	res, err := Run(ctx, ds, logging.Discard, Options{SkipBlocks: true})
	require.NoError(t, err)
	assert.Equal(t, 0, res.BackupsChecked)
}
