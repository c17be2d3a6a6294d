// Package ingest implements the ingest engine (spec.md §4.6): a single pass
// over a streamed TAR archive, driven by a four-state controller over
// {HEADER, BODY, FOOTER, DONE}, that deduplicates blocks, stores new ones,
// and links the ordered sequence into a new backup.
//
// Grounded on _examples/original_source/depot.py's Depot.process(), which
// walks tarfile entries with exactly this state machine; reimplemented over
// Go's stdlib archive/tar (justified in DESIGN.md: no pack dependency offers
// a streaming TAR reader, and depot's input format is TAR, not CAR/IPLD, so
// the teacher's go-car/IPLD machinery has no role here).
package ingest

import (
	"archive/tar"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"depot/internal/backup"
	"depot/internal/codec"
	"depot/internal/datastore"
	"depot/internal/depoterr"
	"depot/internal/logging"
	"depot/internal/metadata"
)

type state int

const (
	stateHeader state = iota
	stateBody
	stateFooter
	stateDone
)

var requiredHeaders = []string{
	"/backup/host",
	"/backup/device",
	"/backup/blocksize",
	"/backup/filesize",
	"/backup/created",
	"/dedup/version",
}

var requiredFooters = []string{
	"/backup/list",
}

var bodyEntryRe = regexp.MustCompile(`^/newblocks/([a-zA-Z0-9]+)\.(lz4|tar)$`)

// Engine ingests TAR backup streams into a datastore.
type Engine struct {
	ds  *datastore.Datastore
	log logging.Logger

	// SkipKnownBlocksEntirely short-circuits dedup hits without even
	// reading the entry bytes. Default true.
	SkipKnownBlocksEntirely bool
	// SkipVerifyingBlocks trusts the client-asserted hash instead of
	// recomputing it. Default true. WARNING: disables transport-corruption
	// detection when enabled.
	SkipVerifyingBlocks bool
	// DelayBlockCommit batches block inserts into one commit at the end of
	// BODY instead of committing each insert. Default true.
	DelayBlockCommit bool
	// DelayLinkCommit batches link inserts into one commit at the end of
	// FOOTER instead of committing each insert. Default true.
	DelayLinkCommit bool
}

// New returns an Engine with the spec's default tuning knobs.
func New(ds *datastore.Datastore, log logging.Logger) *Engine {
	if log == nil {
		log = logging.Discard
	}
	return &Engine{
		ds:                      ds,
		log:                     log,
		SkipKnownBlocksEntirely: true,
		SkipVerifyingBlocks:     true,
		DelayBlockCommit:        true,
		DelayLinkCommit:         true,
	}
}

type remainingSet map[string]bool

func newRemainingSet(names []string) remainingSet {
	s := make(remainingSet, len(names))
	for _, n := range names {
		s[n] = true
	}
	return s
}

// Ingest reads a TAR archive from r and creates a new (host,name) backup.
// The pending backup row is left in place on any failure, for the cleaner's
// fail-after reaper to pick up — ingest never rolls back partial block
// writes, since those blocks are dedup-safe for a retry.
func (e *Engine) Ingest(ctx context.Context, r io.Reader, host, name string) error {
	runID := uuid.New().String()
	e.log.Printf("[%s] starting ingest for %s/%s", runID, host, name)

	tr := tar.NewReader(r)
	st := stateHeader

	needHeaders := newRemainingSet(requiredHeaders)
	needFooters := newRemainingSet(requiredFooters)
	fields := map[string]string{}

	var bp *backup.Backup
	var tx *sql.Tx
	var err error

	for {
		hdr, nextErr := tr.Next()
		if errors.Is(nextErr, io.EOF) {
			break
		}
		if nextErr != nil {
			return fmt.Errorf("%w: [%s] reading tar entry: %v", depoterr.ErrStream, runID, nextErr)
		}

		if st == stateHeader {
			if !needHeaders[hdr.Name] {
				return fmt.Errorf("%w: [%s] unexpected header entry: %s", depoterr.ErrStream, runID, hdr.Name)
			}
			content, readErr := io.ReadAll(tr)
			if readErr != nil {
				return fmt.Errorf("%w: [%s] reading header %s: %v", depoterr.ErrStream, runID, hdr.Name, readErr)
			}
			fields[hdr.Name] = string(content)
			delete(needHeaders, hdr.Name)

			if len(needHeaders) == 0 {
				if verr := e.verifyBlocksize(fields); verr != nil {
					return fmt.Errorf("[%s] %w", runID, verr)
				}

				timeCreated, perr := strconv.ParseInt(strings.TrimSpace(fields["/backup/created"]), 10, 64)
				if perr != nil {
					return fmt.Errorf("%w: [%s] invalid /backup/created: %v", depoterr.ErrStream, runID, perr)
				}

				bp, err = backup.Create(ctx, e.ds, host, name, fields["/backup/device"], timeCreated, time.Now().Unix())
				if err != nil {
					return fmt.Errorf("[%s] %w", runID, err)
				}

				if e.DelayBlockCommit {
					tx, err = e.ds.Meta.BeginTx(ctx)
					if err != nil {
						return fmt.Errorf("%w: [%s] begin body tx: %v", depoterr.ErrStorage, runID, err)
					}
				}

				e.log.Printf("[%s] header done, backup %s/%s created pending, entering body", runID, host, name)
				st = stateBody
			}
			continue
		}

		if st == stateBody {
			matches := bodyEntryRe.FindStringSubmatch(hdr.Name)
			if matches != nil {
				if err := e.handleBodyEntry(ctx, tr, hdr, matches, tx, runID); err != nil {
					return err
				}
				continue
			}

			// First non-matching entry name starts the footer.
			if e.DelayBlockCommit && tx != nil {
				if err := tx.Commit(); err != nil {
					return fmt.Errorf("%w: [%s] commit body tx: %v", depoterr.ErrStorage, runID, err)
				}
				tx = nil
			}
			e.log.Printf("[%s] body done, entering footer", runID)
			st = stateFooter
			// fall through: process hdr again, now as a footer entry
		}

		if st == stateFooter {
			if !needFooters[hdr.Name] {
				return fmt.Errorf("%w: [%s] unexpected footer entry: %s", depoterr.ErrStream, runID, hdr.Name)
			}
			content, readErr := io.ReadAll(tr)
			if readErr != nil {
				return fmt.Errorf("%w: [%s] reading footer %s: %v", depoterr.ErrStream, runID, hdr.Name, readErr)
			}
			fields[hdr.Name] = string(content)
			delete(needFooters, hdr.Name)

			if len(needFooters) == 0 {
				if err := e.linkAndFinish(ctx, bp, fields, runID); err != nil {
					return err
				}
				st = stateDone
				break
			}
		}
	}

	if st != stateDone {
		return fmt.Errorf("%w: [%s] tar stream incomplete, ended in state %d; backup left pending for cleaner", depoterr.ErrStream, runID, st)
	}
	e.log.Printf("[%s] ingest complete for %s/%s", runID, host, name)
	return nil
}

func (e *Engine) verifyBlocksize(fields map[string]string) error {
	tarBlocksize, err := strconv.ParseInt(strings.TrimSpace(fields["/backup/blocksize"]), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid /backup/blocksize: %v", depoterr.ErrStream, err)
	}
	if tarBlocksize != e.ds.BlockSize() {
		return fmt.Errorf("%w: stream blocksize %d differs from depot blocksize %d", depoterr.ErrConfig, tarBlocksize, e.ds.BlockSize())
	}
	return nil
}

func (e *Engine) handleBodyEntry(ctx context.Context, tr *tar.Reader, hdr *tar.Header, matches []string, tx *sql.Tx, runID string) error {
	clientHash := matches[1]
	extension := matches[2]

	if e.SkipKnownBlocksEntirely {
		exists, err := e.ds.HashExists(ctx, clientHash)
		if err != nil {
			return fmt.Errorf("[%s] %w", runID, err)
		}
		if exists {
			return nil
		}
	}

	raw, err := io.ReadAll(tr)
	if err != nil {
		return fmt.Errorf("%w: [%s] reading block %s: %v", depoterr.ErrStream, runID, hdr.Name, err)
	}

	data := raw
	if extension == "lz4" {
		data, err = codec.Decompress(raw)
		if err != nil {
			return fmt.Errorf("%w: [%s] decompressing block %s: %v", depoterr.ErrIntegrity, runID, hdr.Name, err)
		}
	}

	if !e.SkipVerifyingBlocks {
		actual := codec.HashHex(data)
		if actual != clientHash {
			return fmt.Errorf("%w: [%s] client hash %s differs from server hash %s for block %s",
				depoterr.ErrIntegrity, runID, clientHash, actual, hdr.Name)
		}
	}

	if _, err := e.addBlockInTx(ctx, tx, clientHash, data); err != nil {
		return fmt.Errorf("[%s] %w", runID, err)
	}
	return nil
}

// addBlockInTx mirrors datastore.AddBlock's dedup-then-write-then-insert
// sequence, but lets the metadata insert join the ingest engine's deferred
// body transaction instead of auto-committing.
func (e *Engine) addBlockInTx(ctx context.Context, tx *sql.Tx, hash string, data []byte) (bool, error) {
	exists, err := e.ds.HashExists(ctx, hash)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	compressed, err := codec.Compress(data)
	if err != nil {
		return false, fmt.Errorf("%w: compress block %s: %v", depoterr.ErrIntegrity, hash, err)
	}

	filename, err := e.ds.Blocks.Put(hash, codec.CodecLZ4, compressed)
	if err != nil {
		return false, err
	}

	err = e.ds.Meta.InsertBlock(ctx, tx, metadata.Block{
		Hash:         hash,
		Size:         int64(len(data)),
		CSize:        int64(len(compressed)),
		Compressed:   codec.CodecLZ4,
		Filename:     filename,
		TimeImported: time.Now().Unix(),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) linkAndFinish(ctx context.Context, bp *backup.Backup, fields map[string]string, runID string) error {
	var tx *sql.Tx
	var err error
	if e.DelayLinkCommit {
		tx, err = e.ds.Meta.BeginTx(ctx)
		if err != nil {
			return fmt.Errorf("%w: [%s] begin link tx: %v", depoterr.ErrStorage, runID, err)
		}
	}

	list := fields["/backup/list"]
	pos := int64(1)
	for _, line := range strings.Split(list, "\n") {
		hash := strings.TrimSpace(line)
		if hash == "" {
			continue
		}
		if err := bp.Link(ctx, tx, pos, hash); err != nil {
			if tx != nil {
				tx.Rollback()
			}
			return fmt.Errorf("[%s] %w", runID, err)
		}
		pos++
	}

	if tx != nil {
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: [%s] commit link tx: %v", depoterr.ErrStorage, runID, err)
		}
	}

	filesize, perr := strconv.ParseInt(strings.TrimSpace(fields["/backup/filesize"]), 10, 64)
	if perr != nil {
		return fmt.Errorf("%w: [%s] invalid /backup/filesize: %v", depoterr.ErrStream, runID, perr)
	}

	if err := bp.Finish(ctx, filesize, time.Now().Unix(), true); err != nil {
		return fmt.Errorf("[%s] %w", runID, err)
	}
	e.log.Printf("[%s] backup linked and finished (%d blocks)", runID, pos-1)
	return nil
}
