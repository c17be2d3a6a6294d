// Package backup implements the backup record (spec.md §4.5): a thin handle
// over (id, host, name) that delegates all storage to the datastore façade
// and enforces the lifecycle state machine.
//
// Grounded on _examples/original_source/delib.py's DelibBackup/DelibRestore
// classes, with the known bugs from spec.md §9 fixed: finish binds its own
// host/name (never free variables), and the restore iterator joins against
// the requested backup id only.
package backup

import (
	"context"
	"database/sql"
	"fmt"

	"depot/internal/datastore"
	"depot/internal/depoterr"
	"depot/internal/metadata"
)

// Backup is a handle to one backup row.
type Backup struct {
	ds   *datastore.Datastore
	ID   int64
	Host string
	Name string
}

// Create inserts a new pending backup row for (host,name) and returns its
// handle. Fails with ErrState if (host,name) already exists.
func Create(ctx context.Context, ds *datastore.Datastore, host, name, device string, timeCreated, timeImported int64) (*Backup, error) {
	id, err := ds.Meta.InsertBackup(ctx, host, name, device, timeCreated, timeImported)
	if err != nil {
		return nil, err
	}
	return &Backup{ds: ds, ID: id, Host: host, Name: name}, nil
}

// FromName loads an existing backup by its (host,name) unique key.
func FromName(ctx context.Context, ds *datastore.Datastore, host, name string) (*Backup, error) {
	id, err := ds.Meta.GetBackupID(ctx, host, name)
	if err != nil {
		return nil, err
	}
	return &Backup{ds: ds, ID: id, Host: host, Name: name}, nil
}

// Row reloads the full backup row from the metadata store.
func (b *Backup) Row(ctx context.Context) (metadata.Backup, error) {
	return b.ds.Meta.GetBackupRow(ctx, b.ID)
}

// Link appends one pos->hash link row. pos must be positive; the caller
// (the ingest engine) is responsible for contiguity, Link itself only
// requires a valid hash. tx may be nil to auto-commit this one insert.
func (b *Backup) Link(ctx context.Context, tx *sql.Tx, pos int64, hash string) error {
	if hash == "" {
		return fmt.Errorf("%w: hash is not defined", depoterr.ErrIntegrity)
	}
	if pos <= 0 {
		return fmt.Errorf("%w: pos must be positive, got %d", depoterr.ErrIntegrity, pos)
	}
	return b.ds.Meta.InsertLink(ctx, tx, b.ID, pos, hash)
}

// Finish finalizes a pending backup: reloads its row, optionally verifies
// link continuity against size, and on success transitions it to ready with
// the given size and a fresh time_imported. Refuses to finalize a backup
// that isn't currently pending.
func (b *Backup) Finish(ctx context.Context, size int64, timeImported int64, verify bool) error {
	row, err := b.Row(ctx)
	if err != nil {
		return err
	}
	if row.State != metadata.StatePending {
		return fmt.Errorf("%w: cannot finish backup %s/%s from state %s", depoterr.ErrState, b.Host, b.Name, row.State)
	}

	if verify {
		ok, err := b.VerifyContinuity(ctx, size)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: backup %s/%s failed continuity check", depoterr.ErrIntegrity, b.Host, b.Name)
		}
	}

	return b.ds.Meta.UpdateFinalize(ctx, nil, b.ID, size, timeImported)
}

// VerifyContinuity runs the metadata sweep of spec.md §4.7 for this backup
// only: links ordered by pos must start at 1, increment by exactly 1, every
// referenced hash must exist, and N*blocksize must equal size.
func (b *Backup) VerifyContinuity(ctx context.Context, size int64) (bool, error) {
	links, err := b.ds.Meta.ListLinksByBackup(ctx, b.ID)
	if err != nil {
		return false, err
	}

	expectedPos := int64(1)
	for _, link := range links {
		if link.Pos != expectedPos {
			return false, nil
		}
		exists, err := b.ds.Meta.HashExists(ctx, link.BlockHash)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, nil
		}
		expectedPos++
	}

	n := int64(len(links))
	if n*b.ds.BlockSize() != size {
		return false, nil
	}
	return true, nil
}

// Iterator lazily yields this backup's blocks, decompressed, in pos order.
type Iterator struct {
	ds    *datastore.Datastore
	links []metadata.Link
	idx   int
}

// Iterate returns a lazy iterator over this backup's blocks in pos order.
func (b *Backup) Iterate(ctx context.Context) (*Iterator, error) {
	links, err := b.ds.Meta.ListLinksByBackup(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	return &Iterator{ds: b.ds, links: links}, nil
}

// Next returns the next block's uncompressed bytes, or ok=false once
// exhausted.
func (it *Iterator) Next(ctx context.Context) (data []byte, ok bool, err error) {
	if it.idx >= len(it.links) {
		return nil, false, nil
	}
	link := it.links[it.idx]
	it.idx++

	block, err := it.ds.GetBlock(ctx, link.BlockHash)
	if err != nil {
		return nil, false, err
	}
	return block.Data, true, nil
}
