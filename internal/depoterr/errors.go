// Package depoterr defines the error taxonomy shared by every depot
// component: config, integrity, state, storage and stream errors. Callers
// wrap one of the sentinel errors with fmt.Errorf("...: %w", ErrX) and test
// with errors.Is.
package depoterr

import "errors"

var (
	// ErrConfig covers missing/non-empty directories, a missing database at
	// open, and blocksize mismatches between a stream and its depot.
	ErrConfig = errors.New("config error")

	// ErrIntegrity covers hash mismatches, decompression failures, missing
	// referenced blocks, non-contiguous positions and size mismatches.
	ErrIntegrity = errors.New("integrity error")

	// ErrState covers finalizing a non-pending backup, duplicate (host,name)
	// pairs, and lookups of a missing backup.
	ErrState = errors.New("state error")

	// ErrStorage covers block-file collisions, I/O errors and lock
	// contention in the block store.
	ErrStorage = errors.New("storage error")

	// ErrStream covers unexpected archive entries, missing required
	// header/footer entries, and a stream that ends before reaching DONE.
	ErrStream = errors.New("stream error")
)
