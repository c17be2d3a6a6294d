// Package datastore is the façade over the block store and metadata store
// (spec.md §4.4): it owns both, owns the depot's immutable block size, and
// is the sole hash-level entry point the rest of depot talks to.
//
// Grounded on the teacher's datastore.Datastore interface
// (_examples/gloudx-ues/datastore/datastore.go), which similarly wraps a
// single underlying store behind a narrow interface; depot's façade wraps
// two stores (blocks + metadata) instead of one, since depot's domain needs
// both a file store and a relational index rather than a single KV engine.
package datastore

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"depot/internal/blockstore"
	"depot/internal/codec"
	"depot/internal/depoterr"
	"depot/internal/logging"
	"depot/internal/metadata"
)

// Block is a fully materialized block: its hash and uncompressed bytes.
type Block struct {
	Hash string
	Data []byte
}

// Datastore is the unified handle over one depot directory.
type Datastore struct {
	Meta      *metadata.Store
	Blocks    *blockstore.Store
	blockSize int64
	log       logging.Logger
}

// Create initializes a brand-new depot directory: dir must exist and be
// empty, otherwise Create fails with ErrConfig. Creates blocks/ and
// damaged/, writes the metadata schema, persists blockSize.
func Create(dir string, blockSize int64, log logging.Logger) (*Datastore, error) {
	if log == nil {
		log = logging.Discard
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: depot directory %s: %v", depoterr.ErrConfig, dir, err)
	}
	if len(entries) > 0 {
		return nil, fmt.Errorf("%w: depot directory %s is not empty", depoterr.ErrConfig, dir)
	}
	if err := blockstore.EnsureLayout(dir); err != nil {
		return nil, err
	}
	meta, err := metadata.Create(dir, blockSize)
	if err != nil {
		return nil, err
	}
	blocks, err := blockstore.New(dir, log)
	if err != nil {
		meta.Close()
		return nil, err
	}
	log.Printf("created depot at %s with blocksize=%d", dir, blockSize)
	return &Datastore{Meta: meta, Blocks: blocks, blockSize: blockSize, log: log}, nil
}

// Open opens an existing depot directory.
func Open(dir string, log logging.Logger) (*Datastore, error) {
	if log == nil {
		log = logging.Discard
	}
	meta, err := metadata.Open(dir)
	if err != nil {
		return nil, err
	}
	bsStr, err := meta.GetSetting(context.Background(), "blocksize")
	if err != nil {
		meta.Close()
		return nil, err
	}
	blockSize, err := strconv.ParseInt(bsStr, 10, 64)
	if err != nil {
		meta.Close()
		return nil, fmt.Errorf("%w: invalid blocksize setting %q: %v", depoterr.ErrConfig, bsStr, err)
	}
	blocks, err := blockstore.New(dir, log)
	if err != nil {
		meta.Close()
		return nil, err
	}
	return &Datastore{Meta: meta, Blocks: blocks, blockSize: blockSize, log: log}, nil
}

// Close releases the metadata database handle.
func (d *Datastore) Close() error {
	return d.Meta.Close()
}

// BlockSize is the depot's fixed uncompressed block size.
func (d *Datastore) BlockSize() int64 {
	return d.blockSize
}

// HashExists is a pure read: does a blocks row exist for hash.
func (d *Datastore) HashExists(ctx context.Context, hash string) (bool, error) {
	return d.Meta.HashExists(ctx, hash)
}

// AddBlock adds block data already known to hash to hash, storing it
// compressed with the LZ4 codec unless raw is requested. If hash already
// exists this is a no-op dedup hit (returns false, nil). A successful add
// always ends with both the block file and the metadata row present: the
// file is written first, then the row inserted, so a crash in between
// leaves an orphan file (removed by the cleaner) rather than a dangling row.
func (d *Datastore) AddBlock(ctx context.Context, hash string, data []byte, compress bool, timeImported int64) (bool, error) {
	exists, err := d.Meta.HashExists(ctx, hash)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	payload := data
	codecTag := ""
	if compress {
		compressed, err := codec.Compress(data)
		if err != nil {
			return false, fmt.Errorf("%w: compress block %s: %v", depoterr.ErrIntegrity, hash, err)
		}
		payload = compressed
		codecTag = codec.CodecLZ4
	}

	filename, err := d.Blocks.Put(hash, codecTag, payload)
	if err != nil {
		return false, err
	}

	if err := d.Meta.InsertBlock(ctx, nil, metadata.Block{
		Hash:         hash,
		Size:         int64(len(data)),
		CSize:        int64(len(payload)),
		Compressed:   codecTag,
		Filename:     filename,
		TimeImported: timeImported,
	}); err != nil {
		return false, err
	}

	return true, nil
}

// GetBlock reads a block's metadata row and file, decompressing if needed,
// and returns the uncompressed bytes.
func (d *Datastore) GetBlock(ctx context.Context, hash string) (Block, error) {
	row, err := d.Meta.GetBlock(ctx, hash)
	if err != nil {
		return Block{}, err
	}
	raw, err := d.Blocks.Get(row.Filename)
	if err != nil {
		return Block{}, err
	}
	if row.Compressed == "" {
		return Block{Hash: hash, Data: raw}, nil
	}
	data, err := codec.Decompress(raw)
	if err != nil {
		return Block{}, fmt.Errorf("%w: decompress block %s: %v", depoterr.ErrIntegrity, hash, err)
	}
	return Block{Hash: hash, Data: data}, nil
}

// ListHashes returns every hash currently stored.
func (d *Datastore) ListHashes(ctx context.Context) ([]string, error) {
	return d.Meta.ListHashes(ctx)
}

// ListBackupsByState returns every backup in the given state.
func (d *Datastore) ListBackupsByState(ctx context.Context, state metadata.BackupState) ([]metadata.Backup, error) {
	return d.Meta.ListByState(ctx, state)
}

// ListBackups returns every backup, optionally filtered by host.
func (d *Datastore) ListBackups(ctx context.Context, host string) ([]metadata.Backup, error) {
	return d.Meta.ListBackups(ctx, host)
}

// DamagedHashes lists the hash prefixes of quarantined block files.
func (d *Datastore) DamagedHashes(ctx context.Context) ([]string, error) {
	files, err := d.Blocks.ScanDamaged()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Hash)
	}
	return out, nil
}
