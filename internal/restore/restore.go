// Package restore implements the restore operation (spec.md §4.8): stream a
// ready backup's blocks, in order, to an output writer.
//
// Grounded on _examples/original_source/delib.py's DelibRestore /
// DelibRestoreIterator, which walks backup_blocks ordered by pos and writes
// each block's decompressed bytes to the output stream in turn.
package restore

import (
	"context"
	"fmt"
	"io"

	"depot/internal/backup"
	"depot/internal/datastore"
	"depot/internal/depoterr"
	"depot/internal/metadata"
)

// Restore writes the named backup's contents to w in pos order. Refuses to
// restore anything that isn't in the ready state: pending backups are
// incomplete, and failed/broken/deleted backups are not restorable.
func Restore(ctx context.Context, ds *datastore.Datastore, host, name string, w io.Writer) (int64, error) {
	bp, err := backup.FromName(ctx, ds, host, name)
	if err != nil {
		return 0, err
	}

	row, err := bp.Row(ctx)
	if err != nil {
		return 0, err
	}
	if row.State != metadata.StateReady {
		return 0, fmt.Errorf("%w: backup %s/%s is %s, not ready", depoterr.ErrState, host, name, row.State)
	}

	it, err := bp.Iterate(ctx)
	if err != nil {
		return 0, err
	}

	var written int64
	for {
		data, ok, err := it.Next(ctx)
		if err != nil {
			return written, err
		}
		if !ok {
			break
		}
		n, err := w.Write(data)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("%w: writing restore output: %v", depoterr.ErrStream, err)
		}
	}
	return written, nil
}
