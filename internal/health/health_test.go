package health

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depot/internal/backup"
	"depot/internal/datastore"
	"depot/internal/logging"
	"depot/internal/metadata"
	"depot/internal/verify"
)

func newTestDatastore(t *testing.T) (*datastore.Datastore, string) {
	t.Helper()
	dir := t.TempDir()
	ds, err := datastore.Create(dir, 4, logging.Discard)
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	return ds, dir
}

func TestHealthyDepotReportsHealthy(t *testing.T) {
	ds, _ := newTestDatastore(t)
	ctx := context.Background()

	_, err := ds.AddBlock(ctx, "h1", []byte("aaaa"), true, 1)
	require.NoError(t, err)

	rep, err := Run(ctx, ds, Options{})
	require.NoError(t, err)
	assert.True(t, rep.Healthy())
}

func TestDamagedBlockMarksUnhealthy(t *testing.T) {
	ds, dir := newTestDatastore(t)
	ctx := context.Background()

	_, err := ds.AddBlock(ctx, "deadbeef", []byte("aaaa"), false, 1)
	require.NoError(t, err)

	row, err := ds.Meta.GetBlock(ctx, "deadbeef")
	require.NoError(t, err)
	path := filepath.Join(dir, "blocks", row.Filename)
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))

	_, err = verify.Run(ctx, ds, logging.Discard, verify.Options{SkipBackups: true})
	require.NoError(t, err)

	rep, err := Run(ctx, ds, Options{})
	require.NoError(t, err)
	assert.False(t, rep.Healthy())
	assert.Contains(t, rep.DamagedBlocks, "deadbeef")
}

func TestFailedBackupMarksUnhealthy(t *testing.T) {
	ds, _ := newTestDatastore(t)
	ctx := context.Background()

	bp, err := backup.Create(ctx, ds, "h1", "b1", "sda", 1, 1)
	require.NoError(t, err)
	require.NoError(t, ds.Meta.UpdateState(ctx, bp.ID, metadata.StateFailed))

	rep, err := Run(ctx, ds, Options{})
	require.NoError(t, err)
	assert.False(t, rep.Healthy())
	require.Len(t, rep.FailedBackups, 1)
	assert.Equal(t, "b1", rep.FailedBackups[0].Name)
}

func TestSkipOptionsOmitSections(t *testing.T) {
	ds, _ := newTestDatastore(t)
	ctx := context.Background()

	bp, err := backup.Create(ctx, ds, "h1", "b1", "sda", 1, 1)
	require.NoError(t, err)
	require.NoError(t, ds.Meta.UpdateState(ctx, bp.ID, metadata.StateBroken))

	rep, err := Run(ctx, ds, Options{SkipBackups: true})
	require.NoError(t, err)
	assert.Empty(t, rep.BrokenBackups)
}
