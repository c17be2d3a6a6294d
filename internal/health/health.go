// Package health implements the read-only health report (spec.md §4.10):
// counts of damaged blocks and failed/broken backups, and the overall
// healthy/unhealthy verdict.
//
// Grounded on _examples/original_source/depot-health.py's DepotHealth, with
// the inverted healthy/damaged branch named in spec.md §9 corrected: a depot
// is healthy iff it has zero damaged blocks, zero failed backups, and zero
// broken backups.
package health

import (
	"context"

	"depot/internal/datastore"
	"depot/internal/metadata"
)

// Report is one health snapshot.
type Report struct {
	DamagedBlocks []string
	FailedBackups []metadata.Backup
	BrokenBackups []metadata.Backup
}

// Healthy reports whether the depot has no damaged blocks and no
// failed/broken backups.
func (r Report) Healthy() bool {
	return len(r.DamagedBlocks) == 0 && len(r.FailedBackups) == 0 && len(r.BrokenBackups) == 0
}

// Options lets the caller skip either half of the report, matching the
// --skip-blocks/--skip-backups flags shared with verify.
type Options struct {
	SkipBlocks  bool
	SkipBackups bool
}

// Run produces a health report.
func Run(ctx context.Context, ds *datastore.Datastore, opts Options) (Report, error) {
	var rep Report

	if !opts.SkipBlocks {
		damaged, err := ds.DamagedHashes(ctx)
		if err != nil {
			return rep, err
		}
		rep.DamagedBlocks = damaged
	}

	if !opts.SkipBackups {
		failed, err := ds.Meta.ListByState(ctx, metadata.StateFailed)
		if err != nil {
			return rep, err
		}
		rep.FailedBackups = failed

		broken, err := ds.Meta.ListByState(ctx, metadata.StateBroken)
		if err != nil {
			return rep, err
		}
		rep.BrokenBackups = broken
	}

	return rep, nil
}
