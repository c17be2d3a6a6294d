package metadata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Create(dir, 1048576)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateFailsIfDatabaseExists(t *testing.T) {
	dir := t.TempDir()
	s, err := Create(dir, 4096)
	require.NoError(t, err)
	s.Close()

	_, err = Create(dir, 4096)
	assert.Error(t, err)
}

func TestOpenFailsIfDatabaseMissing(t *testing.T) {
	_, err := Open(t.TempDir())
	assert.Error(t, err)
}

func TestBlocksizeSettingPersists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.GetSetting(ctx, "blocksize")
	require.NoError(t, err)
	assert.Equal(t, "1048576", v)
}

func TestBlockInsertExistsGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exists, err := s.HashExists(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.InsertBlock(ctx, nil, Block{
		Hash: "abc", Size: 10, CSize: 5, Compressed: "lz4", Filename: "abc.lz4", TimeImported: 100,
	}))

	exists, err = s.HashExists(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, exists)

	b, err := s.GetBlock(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.Size)
	assert.Equal(t, "abc.lz4", b.Filename)

	hashes, err := s.ListHashes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc"}, hashes)

	require.NoError(t, s.DeleteBlock(ctx, "abc"))
	exists, err = s.HashExists(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestBackupLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertBackup(ctx, "h1", "b1", "sda", 100, 200)
	require.NoError(t, err)
	assert.NotZero(t, id)

	gotID, err := s.GetBackupID(ctx, "h1", "b1")
	require.NoError(t, err)
	assert.Equal(t, id, gotID)

	row, err := s.GetBackupRow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, row.State)

	require.NoError(t, s.UpdateFinalize(ctx, nil, id, 3145728, 999))
	row, err = s.GetBackupRow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateReady, row.State)
	assert.Equal(t, int64(3145728), row.Size.Int64)

	require.NoError(t, s.UpdateState(ctx, id, StateBroken))
	row, err = s.GetBackupRow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateBroken, row.State)
}

func TestDuplicateHostNameRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertBackup(ctx, "h1", "b1", "sda", 1, 1)
	require.NoError(t, err)

	_, err = s.InsertBackup(ctx, "h1", "b1", "sda", 1, 1)
	assert.Error(t, err)
}

func TestLinksOrderedByPos(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertBackup(ctx, "h1", "b1", "sda", 1, 1)
	require.NoError(t, err)

	for _, hb := range []struct {
		hash string
		size int64
	}{{"h1", 10}, {"h2", 10}, {"h3", 10}} {
		require.NoError(t, s.InsertBlock(ctx, nil, Block{Hash: hb.hash, Size: hb.size, TimeImported: 1}))
	}
	require.NoError(t, s.InsertLink(ctx, nil, id, 2, "h2"))
	require.NoError(t, s.InsertLink(ctx, nil, id, 1, "h1"))
	require.NoError(t, s.InsertLink(ctx, nil, id, 3, "h3"))

	links, err := s.ListLinksByBackup(ctx, id)
	require.NoError(t, err)
	require.Len(t, links, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{links[0].Pos, links[1].Pos, links[2].Pos})
	assert.Equal(t, []string{"h1", "h2", "h3"}, []string{links[0].BlockHash, links[1].BlockHash, links[2].BlockHash})
}

func TestDeleteUnreferencedLinksRespectsState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	idFailed, err := s.InsertBackup(ctx, "h1", "failed-one", "sda", 1, 1)
	require.NoError(t, err)
	require.NoError(t, s.UpdateState(ctx, idFailed, StateFailed))

	idReady, err := s.InsertBackup(ctx, "h1", "ready-one", "sda", 1, 1)
	require.NoError(t, err)
	require.NoError(t, s.UpdateFinalize(ctx, nil, idReady, 10, 1))

	require.NoError(t, s.InsertBlock(ctx, nil, Block{Hash: "hx", TimeImported: 1}))
	require.NoError(t, s.InsertLink(ctx, nil, idFailed, 1, "hx"))
	require.NoError(t, s.InsertLink(ctx, nil, idReady, 1, "hx"))

	cnt, err := s.CountUnreferencedLinks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cnt)

	n, err := s.DeleteUnreferencedLinks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	links, err := s.ListLinksByBackup(ctx, idReady)
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestOrphanBlocksRespectAgeGate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertBlock(ctx, nil, Block{Hash: "old", TimeImported: 100}))
	require.NoError(t, s.InsertBlock(ctx, nil, Block{Hash: "new", TimeImported: 100000}))

	cnt, err := s.CountOrphanBlocks(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cnt)

	n, err := s.DeleteOrphanBlocks(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	hashes, err := s.ListHashes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, hashes)
}

func TestMarkPendingFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertBackup(ctx, "h1", "b1", "sda", 1, 100)
	require.NoError(t, err)

	cnt, err := s.CountPendingOlderThan(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cnt)

	n, err := s.MarkPendingFailed(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	row, err := s.GetBackupRow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, row.State)
}
