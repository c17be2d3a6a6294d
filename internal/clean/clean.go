// Package clean implements the cleaner (spec.md §4.9): independent,
// individually skippable maintenance sweeps over a depot — failing stale
// pending backups, dropping unreferenced links, reaping orphaned block rows,
// and reaping orphaned block files — each with a dry-run count-only mode.
//
// Grounded on _examples/original_source/depot-clean.py's DepotClean, whose
// sweeps and dry-run-via-COUNT-query pattern this mirrors; "fail after"
// duration parsing is grounded on the teacher's general approach of keeping
// parsing logic in internal/humantime rather than reaching for a
// duration-string flag type the pack doesn't otherwise use.
package clean

import (
	"context"

	"depot/internal/datastore"
	"depot/internal/logging"
	"depot/internal/metadata"
)

// Options tunes which sweeps run, whether they mutate anything, and the
// fail-after threshold (pending backups older than this are marked failed).
type Options struct {
	SkipFailAfter      bool
	SkipUnreferenced   bool
	SkipOrphanBlocks   bool
	SkipOrphanFiles    bool
	Dry                bool
	FailAfterSeconds   int64
	OrphanGraceSeconds int64
}

// Result summarizes the counts affected (or, in dry mode, that would be
// affected) by one clean run.
type Result struct {
	FailedPending     int64
	RemovedLinks      int64
	RemovedBlockRows  int64
	RemovedBlockFiles int64
}

// Run executes the configured sweeps in the teacher's order: fail-after
// first (so backups that are about to be abandoned are marked before their
// links are swept), then unreferenced links, then orphan block rows, then
// orphan block files.
func Run(ctx context.Context, ds *datastore.Datastore, log logging.Logger, opts Options) (Result, error) {
	if log == nil {
		log = logging.Discard
	}
	var res Result
	now := metadata.Now()

	if !opts.SkipFailAfter {
		cutoff := now - opts.FailAfterSeconds
		if opts.Dry {
			n, err := ds.Meta.CountPendingOlderThan(ctx, cutoff)
			if err != nil {
				return res, err
			}
			res.FailedPending = n
			log.Printf("clean(dry): %d pending backups older than fail-after would be marked failed", n)
		} else {
			n, err := ds.Meta.MarkPendingFailed(ctx, cutoff)
			if err != nil {
				return res, err
			}
			res.FailedPending = n
			log.Printf("clean: marked %d pending backups failed (older than fail-after)", n)
		}
	}

	if !opts.SkipUnreferenced {
		if opts.Dry {
			n, err := ds.Meta.CountUnreferencedLinks(ctx)
			if err != nil {
				return res, err
			}
			res.RemovedLinks = n
			log.Printf("clean(dry): %d unreferenced links would be removed", n)
		} else {
			n, err := ds.Meta.DeleteUnreferencedLinks(ctx)
			if err != nil {
				return res, err
			}
			res.RemovedLinks = n
			log.Printf("clean: removed %d unreferenced links", n)
		}
	}

	if !opts.SkipOrphanBlocks {
		cutoff := now - opts.OrphanGraceSeconds
		if opts.Dry {
			n, err := ds.Meta.CountOrphanBlocks(ctx, cutoff)
			if err != nil {
				return res, err
			}
			res.RemovedBlockRows = n
			log.Printf("clean(dry): %d orphan block rows would be removed", n)
		} else {
			n, err := reapOrphanBlocks(ctx, ds, cutoff)
			if err != nil {
				return res, err
			}
			res.RemovedBlockRows = n
			log.Printf("clean: removed %d orphan block rows and files", n)
		}
	}

	if !opts.SkipOrphanFiles {
		if opts.Dry {
			n, err := countOrphanFiles(ctx, ds)
			if err != nil {
				return res, err
			}
			res.RemovedBlockFiles = n
			log.Printf("clean(dry): %d orphan block files would be removed", n)
		} else {
			n, err := reapOrphanFiles(ctx, ds)
			if err != nil {
				return res, err
			}
			res.RemovedBlockFiles = n
			log.Printf("clean: removed %d orphan block files", n)
		}
	}

	return res, nil
}

// knownBlockFiles builds the set of filenames the blocks table knows about,
// mirroring DepotClean's known_files dict built from SELECT filename FROM
// blocks.
func knownBlockFiles(ctx context.Context, ds *datastore.Datastore) (map[string]bool, error) {
	blocks, err := ds.Meta.ListAllBlocks(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(blocks))
	for _, block := range blocks {
		known[block.Filename] = true
	}
	return known, nil
}

// orphanFiles walks blocks/ and returns every filename with no matching row
// in the blocks table. Unlike reapOrphanBlocks this carries no age gate: the
// teacher's os.walk(path)+known_files diff reaps on name alone, the same way
// _examples/original_source/depot-clean.py does it.
func orphanFiles(ctx context.Context, ds *datastore.Datastore) ([]string, error) {
	files, err := ds.Blocks.Scan()
	if err != nil {
		return nil, err
	}
	known, err := knownBlockFiles(ctx, ds)
	if err != nil {
		return nil, err
	}
	var orphans []string
	for _, file := range files {
		if !known[file] {
			orphans = append(orphans, file)
		}
	}
	return orphans, nil
}

// countOrphanFiles reports how many block files on disk have no metadata
// row, without removing anything.
func countOrphanFiles(ctx context.Context, ds *datastore.Datastore) (int64, error) {
	orphans, err := orphanFiles(ctx, ds)
	if err != nil {
		return 0, err
	}
	return int64(len(orphans)), nil
}

// reapOrphanFiles deletes every block file on disk with no metadata row —
// the failure mode datastore.AddBlock's doc comment calls out: a crash after
// blockstore.Put succeeds but before InsertBlock leaves exactly this kind of
// orphan.
func reapOrphanFiles(ctx context.Context, ds *datastore.Datastore) (int64, error) {
	orphans, err := orphanFiles(ctx, ds)
	if err != nil {
		return 0, err
	}
	var removed int64
	for _, file := range orphans {
		if err := ds.Blocks.Remove(file); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// reapOrphanBlocks mirrors DepotClean's orphan-blocks sweep: a block row
// with no backup_blocks reference, older than the grace period (so a block
// just written mid-ingest, before its link row lands, is never mistaken for
// an orphan), has its metadata row deleted and its file removed from disk.
func reapOrphanBlocks(ctx context.Context, ds *datastore.Datastore, cutoff int64) (int64, error) {
	blocks, err := ds.Meta.OrphanBlocks(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var removed int64
	for _, block := range blocks {
		if err := ds.Meta.DeleteBlock(ctx, block.Hash); err != nil {
			return removed, err
		}
		if err := ds.Blocks.Remove(block.Filename); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
