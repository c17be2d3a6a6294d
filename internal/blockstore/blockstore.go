// Package blockstore persists individual block artifacts as files under
// blocks/, named by their content hash, and quarantines corrupt ones under
// damaged/. It enforces single-writer creation per hash with an exclusive
// file create plus an advisory flock, matching
// _examples/original_source/delib.py's DelibDataDir.addBlock (open() +
// fcntl.lockf(LOCK_EX|LOCK_NB)).
//
// The bounded read cache over recently-fetched block bytes is grounded on
// the teacher's blockstore.blockstore (_examples/gloudx-ues/blockstore/blockstore.go),
// which keeps an hashicorp/golang-lru/v2 cache in front of Get.
package blockstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sys/unix"

	"depot/internal/depoterr"
	"depot/internal/logging"
)

const (
	blocksDirName  = "blocks"
	damagedDirName = "damaged"

	defaultCacheSize = 1024
)

var damagedNameRe = regexp.MustCompile(`^([0-9a-f]{1,32})`)

// DamagedFile describes one quarantined block file found under damaged/.
type DamagedFile struct {
	Hash string
	Path string
}

// Store is the on-disk block file store for one depot directory.
type Store struct {
	dir   string
	log   logging.Logger
	mu    sync.Mutex
	cache *lru.Cache[string, []byte]
}

// New returns a Store rooted at dir, which must already contain blocks/ and
// damaged/ (created by Create at datastore-creation time).
func New(dir string, log logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.Discard
	}
	cache, err := lru.New[string, []byte](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("blockstore: new cache: %w", err)
	}
	return &Store{dir: dir, log: log, cache: cache}, nil
}

// EnsureLayout creates blocks/ and damaged/ under dir if they don't exist.
// Called once by datastore.Create.
func EnsureLayout(dir string) error {
	for _, sub := range []string{blocksDirName, damagedDirName} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("%w: creating %s: %v", depoterr.ErrConfig, sub, err)
		}
	}
	return nil
}

func (s *Store) blocksPath(name string) string {
	return filepath.Join(s.dir, blocksDirName, name)
}

func (s *Store) damagedPath(name string) string {
	return filepath.Join(s.dir, damagedDirName, name)
}

// Filename returns the on-disk filename for hash under the given codec tag:
// "<hash>.lz4" when compressed is non-empty, "<hash>" otherwise.
func Filename(hash, compressedCodec string) string {
	if compressedCodec == "" {
		return hash
	}
	return hash + "." + compressedCodec
}

// Put writes data (already compressed per codec if applicable) under the
// target filename for hash, failing loudly if the file already exists — a
// signal of metadata/filesystem divergence the caller must resolve.
// Acquires a non-blocking exclusive advisory lock on the descriptor for the
// duration of the write, guarding against a concurrent writer racing the
// same hash.
func (s *Store) Put(hash, compressedCodec string, data []byte) (filename string, err error) {
	filename = Filename(hash, compressedCodec)
	path := s.blocksPath(filename)

	if _, statErr := os.Stat(path); statErr == nil {
		return "", fmt.Errorf("%w: block file already exists: %s", depoterr.ErrStorage, path)
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return "", fmt.Errorf("%w: stat %s: %v", depoterr.ErrStorage, path, statErr)
	}

	fp, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%w: block file already exists: %s", depoterr.ErrStorage, path)
		}
		return "", fmt.Errorf("%w: create %s: %v", depoterr.ErrStorage, path, err)
	}
	defer fp.Close()

	if err := unix.Flock(int(fp.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("%w: lock %s: %v", depoterr.ErrStorage, path, err)
	}
	defer unix.Flock(int(fp.Fd()), unix.LOCK_UN)

	if _, err := fp.Write(data); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("%w: write %s: %v", depoterr.ErrStorage, path, err)
	}

	s.log.Printf("wrote block file %s (%d bytes)", filename, len(data))
	return filename, nil
}

// Get reads the raw (possibly compressed) bytes of filename, consulting the
// read cache first.
func (s *Store) Get(filename string) ([]byte, error) {
	s.mu.Lock()
	if cached, ok := s.cache.Get(filename); ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	data, err := os.ReadFile(s.blocksPath(filename))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", depoterr.ErrStorage, filename, err)
	}

	s.mu.Lock()
	s.cache.Add(filename, data)
	s.mu.Unlock()
	return data, nil
}

// MoveToDamaged renames filename from blocks/ to
// damaged/<filename>.<epoch>.broken, dropping it from the read cache.
// Multiple quarantined versions of the same hash may coexist over time since
// the epoch is part of the destination name.
func (s *Store) MoveToDamaged(filename string) error {
	s.mu.Lock()
	s.cache.Remove(filename)
	s.mu.Unlock()

	src := s.blocksPath(filename)
	dst := s.damagedPath(fmt.Sprintf("%s.%d.broken", filename, time.Now().Unix()))

	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.log.Printf("block file %s already absent, nothing to quarantine", filename)
			return nil
		}
		return fmt.Errorf("%w: move %s to damaged: %v", depoterr.ErrStorage, filename, err)
	}
	s.log.Printf("quarantined %s -> %s", filename, dst)
	return nil
}

// Scan lists all filenames currently under blocks/ (non-recursive).
func (s *Store) Scan() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, blocksDirName))
	if err != nil {
		return nil, fmt.Errorf("%w: scan blocks dir: %v", depoterr.ErrStorage, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// ScanDamaged lists quarantined files under damaged/, pairing each with the
// hash prefix parsed from its filename.
func (s *Store) ScanDamaged() ([]DamagedFile, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, damagedDirName))
	if err != nil {
		return nil, fmt.Errorf("%w: scan damaged dir: %v", depoterr.ErrStorage, err)
	}
	out := make([]DamagedFile, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		m := damagedNameRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		out = append(out, DamagedFile{
			Hash: m[1],
			Path: s.damagedPath(e.Name()),
		})
	}
	return out, nil
}

// Remove deletes filename from blocks/, used by the cleaner for
// filesystem-only orphans that have no metadata row at all.
func (s *Store) Remove(filename string) error {
	s.mu.Lock()
	s.cache.Remove(filename)
	s.mu.Unlock()

	if err := os.Remove(s.blocksPath(filename)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %v", depoterr.ErrStorage, filename, err)
	}
	return nil
}
