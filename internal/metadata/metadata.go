// Package metadata is depot's transactional, key-addressable tabular store:
// settings, blocks, backups and backup_blocks links, exactly per spec.md §3
// and §6. Grounded on _examples/original_source/delib.py's DelibDataDir
// (_DB* methods), reimplemented over database/sql + mattn/go-sqlite3 via
// internal/sqlitex, in the query style of
// _examples/gloudx-ues/entitystore/entitystore.go (raw SQL strings executed
// through database/sql, no ORM).
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"depot/internal/depoterr"
	"depot/internal/sqlitex"
)

// BackupState is the backup lifecycle tag (spec.md §3).
type BackupState string

const (
	StatePending BackupState = "pending"
	StateReady   BackupState = "ready"
	StateFailed  BackupState = "failed"
	StateBroken  BackupState = "broken"
	StateDeleted BackupState = "deleted"
)

// Block is one row of the blocks table.
type Block struct {
	Hash         string
	Size         int64
	CSize        int64
	Compressed   string
	Filename     string
	TimeImported int64
}

// Backup is one row of the backups table.
type Backup struct {
	ID           int64
	Host         string
	Name         string
	Device       string
	Size         sql.NullInt64
	TimeCreated  int64
	TimeImported int64
	State        BackupState
}

// Link is one row of the backup_blocks table.
type Link struct {
	Pos       int64
	BlockHash string
}

const dbFileName = "db.sqlite3"

// DBPath returns the metadata database path for a depot directory.
func DBPath(dir string) string {
	return dir + string(os.PathSeparator) + dbFileName
}

// Store is the metadata store for one depot directory.
type Store struct {
	db *sqlitex.DB
}

// Create initializes a brand-new metadata database at dir/db.sqlite3,
// failing if it already exists. It writes the full schema and persists the
// immutable blocksize setting.
func Create(dir string, blockSize int64) (*Store, error) {
	path := DBPath(dir)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: database already exists: %s", depoterr.ErrConfig, path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: stat %s: %v", depoterr.ErrConfig, path, err)
	}

	db, err := sqlitex.Open(path, openOptions())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", depoterr.ErrConfig, err)
	}

	ctx := context.Background()
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create schema: %v", depoterr.ErrConfig, err)
	}
	if _, err := db.Exec(ctx, `INSERT INTO settings(key, value) VALUES ('blocksize', ?)`, fmt.Sprintf("%d", blockSize)); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: persist blocksize: %v", depoterr.ErrConfig, err)
	}

	return &Store{db: db}, nil
}

// Open opens an existing metadata database at dir/db.sqlite3.
func Open(dir string) (*Store, error) {
	path := DBPath(dir)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: database does not exist: %s", depoterr.ErrConfig, path)
	}
	db, err := sqlitex.Open(path, openOptions())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", depoterr.ErrConfig, err)
	}
	return &Store{db: db}, nil
}

// openOptions turns foreign-key enforcement off: the verifier deletes the
// row of a quarantined block while backup_blocks rows still reference it.
func openOptions() sqlitex.Options {
	fk := false
	return sqlitex.Options{ForeignKeys: &fk}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// execer is satisfied by both *sql.Tx and Store's own db, letting every
// mutator optionally run inside a caller-supplied transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) execer(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return s.db.Underlying()
}

// BeginTx opens a transaction callers can pass into the mutators below,
// for the ingest engine's deferred-commit phases.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx)
}

// --- settings -----------------------------------------------------------

// GetSetting returns the value for key.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRow(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: no such setting: %s", depoterr.ErrConfig, key)
	}
	if err != nil {
		return "", fmt.Errorf("%w: get setting %s: %v", depoterr.ErrStorage, key, err)
	}
	return value, nil
}

// --- blocks ---------------------------------------------------------------

// InsertBlock inserts one blocks row. tx may be nil to auto-commit.
func (s *Store) InsertBlock(ctx context.Context, tx *sql.Tx, b Block) error {
	_, err := s.execer(tx).ExecContext(ctx, `
		INSERT INTO blocks (hash, size, csize, compressed, filename, time_imported)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.Hash, b.Size, b.CSize, b.Compressed, b.Filename, b.TimeImported)
	if err != nil {
		return fmt.Errorf("%w: insert block %s: %v", depoterr.ErrStorage, b.Hash, err)
	}
	return nil
}

// HashExists reports whether hash already has a blocks row.
func (s *Store) HashExists(ctx context.Context, hash string) (bool, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM blocks WHERE hash = ?`, hash).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("%w: hash exists %s: %v", depoterr.ErrStorage, hash, err)
	}
	return count > 0, nil
}

// GetBlock returns the blocks row for hash.
func (s *Store) GetBlock(ctx context.Context, hash string) (Block, error) {
	var b Block
	err := s.db.QueryRow(ctx, `
		SELECT hash, size, csize, compressed, filename, time_imported
		FROM blocks WHERE hash = ?`, hash).
		Scan(&b.Hash, &b.Size, &b.CSize, &b.Compressed, &b.Filename, &b.TimeImported)
	if errors.Is(err, sql.ErrNoRows) {
		return Block{}, fmt.Errorf("%w: no such block: %s", depoterr.ErrState, hash)
	}
	if err != nil {
		return Block{}, fmt.Errorf("%w: get block %s: %v", depoterr.ErrStorage, hash, err)
	}
	return b, nil
}

// ListHashes returns every block hash, ascending.
func (s *Store) ListHashes(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT hash FROM blocks ORDER BY hash ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list hashes: %v", depoterr.ErrStorage, err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("%w: scan hash: %v", depoterr.ErrStorage, err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// ListAllBlocks returns every blocks row.
func (s *Store) ListAllBlocks(ctx context.Context) ([]Block, error) {
	rows, err := s.db.Query(ctx, `
		SELECT hash, size, csize, compressed, filename, time_imported
		FROM blocks ORDER BY hash ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list blocks: %v", depoterr.ErrStorage, err)
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		var b Block
		if err := rows.Scan(&b.Hash, &b.Size, &b.CSize, &b.Compressed, &b.Filename, &b.TimeImported); err != nil {
			return nil, fmt.Errorf("%w: scan block: %v", depoterr.ErrStorage, err)
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// DeleteBlock removes the blocks row for hash.
func (s *Store) DeleteBlock(ctx context.Context, hash string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM blocks WHERE hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("%w: delete block %s: %v", depoterr.ErrStorage, hash, err)
	}
	return nil
}

// --- backups ----------------------------------------------------------

// InsertBackup creates a new pending backup row and returns its id. Fails
// with ErrState if (host,name) already exists.
func (s *Store) InsertBackup(ctx context.Context, host, name, device string, timeCreated, timeImported int64) (int64, error) {
	res, err := s.db.Exec(ctx, `
		INSERT INTO backups (name, host, device, time_created, time_imported, state)
		VALUES (?, ?, ?, ?, ?, ?)`,
		name, host, device, timeCreated, timeImported, string(StatePending))
	if err != nil {
		return 0, fmt.Errorf("%w: insert backup %s/%s: %v", depoterr.ErrState, host, name, err)
	}
	return res.LastInsertId()
}

// GetBackupID returns the id of the (host,name) backup.
func (s *Store) GetBackupID(ctx context.Context, host, name string) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `SELECT id FROM backups WHERE host = ? AND name = ?`, host, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: no backup with host %s and name %s", depoterr.ErrState, host, name)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: get backup id: %v", depoterr.ErrStorage, err)
	}
	return id, nil
}

// GetBackupRow returns the full backup row by id.
func (s *Store) GetBackupRow(ctx context.Context, id int64) (Backup, error) {
	var b Backup
	var state string
	err := s.db.QueryRow(ctx, `
		SELECT id, host, name, device, size, time_created, time_imported, state
		FROM backups WHERE id = ?`, id).
		Scan(&b.ID, &b.Host, &b.Name, &b.Device, &b.Size, &b.TimeCreated, &b.TimeImported, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return Backup{}, fmt.Errorf("%w: no backup with id %d", depoterr.ErrState, id)
	}
	if err != nil {
		return Backup{}, fmt.Errorf("%w: get backup row: %v", depoterr.ErrStorage, err)
	}
	b.State = BackupState(state)
	return b, nil
}

// UpdateFinalize transitions a pending backup to ready, writing final size
// and time_imported.
func (s *Store) UpdateFinalize(ctx context.Context, tx *sql.Tx, id int64, size, timeImported int64) error {
	_, err := s.execer(tx).ExecContext(ctx, `
		UPDATE backups SET size = ?, time_imported = ?, state = ? WHERE id = ?`,
		size, timeImported, string(StateReady), id)
	if err != nil {
		return fmt.Errorf("%w: finalize backup %d: %v", depoterr.ErrStorage, id, err)
	}
	return nil
}

// UpdateState sets a backup's state unconditionally.
func (s *Store) UpdateState(ctx context.Context, id int64, state BackupState) error {
	_, err := s.db.Exec(ctx, `UPDATE backups SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return fmt.Errorf("%w: update backup %d state: %v", depoterr.ErrStorage, id, err)
	}
	return nil
}

// ListByState returns every backup in the given state.
func (s *Store) ListByState(ctx context.Context, state BackupState) ([]Backup, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, host, name, device, size, time_created, time_imported, state
		FROM backups WHERE state = ? ORDER BY host, name`, string(state))
	if err != nil {
		return nil, fmt.Errorf("%w: list backups by state: %v", depoterr.ErrStorage, err)
	}
	defer rows.Close()

	var out []Backup
	for rows.Next() {
		var b Backup
		var st string
		if err := rows.Scan(&b.ID, &b.Host, &b.Name, &b.Device, &b.Size, &b.TimeCreated, &b.TimeImported, &st); err != nil {
			return nil, fmt.Errorf("%w: scan backup: %v", depoterr.ErrStorage, err)
		}
		b.State = BackupState(st)
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListBackups returns every backup, optionally filtered by host, ordered by
// host then name — grounded on depot-list-backups.py's grouped listing.
func (s *Store) ListBackups(ctx context.Context, host string) ([]Backup, error) {
	query := `SELECT id, host, name, device, size, time_created, time_imported, state FROM backups`
	args := []any{}
	if host != "" {
		query += ` WHERE host = ?`
		args = append(args, host)
	}
	query += ` ORDER BY host, name`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list backups: %v", depoterr.ErrStorage, err)
	}
	defer rows.Close()

	var out []Backup
	for rows.Next() {
		var b Backup
		var st string
		if err := rows.Scan(&b.ID, &b.Host, &b.Name, &b.Device, &b.Size, &b.TimeCreated, &b.TimeImported, &st); err != nil {
			return nil, fmt.Errorf("%w: scan backup: %v", depoterr.ErrStorage, err)
		}
		b.State = BackupState(st)
		out = append(out, b)
	}
	return out, rows.Err()
}

// CountPending returns the number of backups currently in the pending state.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM backups WHERE state = ?`, string(StatePending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count pending: %v", depoterr.ErrStorage, err)
	}
	return n, nil
}

// --- links ----------------------------------------------------------------

// InsertLink appends one (backup,pos,hash) link row. tx may be nil.
func (s *Store) InsertLink(ctx context.Context, tx *sql.Tx, backupID, pos int64, blockHash string) error {
	_, err := s.execer(tx).ExecContext(ctx, `
		INSERT INTO backup_blocks (pos, block, backup) VALUES (?, ?, ?)`,
		pos, blockHash, backupID)
	if err != nil {
		return fmt.Errorf("%w: link backup %d pos %d: %v", depoterr.ErrStorage, backupID, pos, err)
	}
	return nil
}

// ListLinksByBackup returns every link for backupID, ordered by pos.
//
// The original Python's _DBGetBackupBlocks omitted the WHERE backup = :id
// predicate in one variant (spec.md §9) — depot always restricts to the
// requested backup.
func (s *Store) ListLinksByBackup(ctx context.Context, backupID int64) ([]Link, error) {
	rows, err := s.db.Query(ctx, `
		SELECT pos, block FROM backup_blocks WHERE backup = ? ORDER BY pos ASC`, backupID)
	if err != nil {
		return nil, fmt.Errorf("%w: list links for backup %d: %v", depoterr.ErrStorage, backupID, err)
	}
	defer rows.Close()

	var out []Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.Pos, &l.BlockHash); err != nil {
			return nil, fmt.Errorf("%w: scan link: %v", depoterr.ErrStorage, err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// DeleteUnreferencedLinks removes backup_blocks rows whose owning backup
// either doesn't exist or is in state failed/deleted. Returns the number of
// rows removed.
func (s *Store) DeleteUnreferencedLinks(ctx context.Context) (int64, error) {
	res, err := s.db.Exec(ctx, `
		DELETE FROM backup_blocks
		WHERE NOT EXISTS (
			SELECT 1 FROM backups
			WHERE backups.id = backup_blocks.backup
			AND backups.state NOT IN ('failed', 'deleted')
		)`)
	if err != nil {
		return 0, fmt.Errorf("%w: delete unreferenced links: %v", depoterr.ErrStorage, err)
	}
	return res.RowsAffected()
}

// CountUnreferencedLinks is the dry-run counterpart of DeleteUnreferencedLinks.
func (s *Store) CountUnreferencedLinks(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM backup_blocks
		WHERE NOT EXISTS (
			SELECT 1 FROM backups
			WHERE backups.id = backup_blocks.backup
			AND backups.state NOT IN ('failed', 'deleted')
		)`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count unreferenced links: %v", depoterr.ErrStorage, err)
	}
	return n, nil
}

// --- maintenance ------------------------------------------------------

// MarkPendingFailed transitions pending backups older than olderThan
// (epoch seconds) to failed. Returns the number of rows affected.
func (s *Store) MarkPendingFailed(ctx context.Context, olderThan int64) (int64, error) {
	res, err := s.db.Exec(ctx, `
		UPDATE backups SET state = ? WHERE state = ? AND time_imported < ?`,
		string(StateFailed), string(StatePending), olderThan)
	if err != nil {
		return 0, fmt.Errorf("%w: mark pending failed: %v", depoterr.ErrStorage, err)
	}
	return res.RowsAffected()
}

// CountPendingOlderThan is the dry-run counterpart of MarkPendingFailed.
func (s *Store) CountPendingOlderThan(ctx context.Context, olderThan int64) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM backups WHERE state = ? AND time_imported < ?`,
		string(StatePending), olderThan).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count pending older than: %v", depoterr.ErrStorage, err)
	}
	return n, nil
}

// DeleteOrphanBlocks removes block rows with no surviving link whose
// time_imported predates olderThan. The age gate avoids racing an in-flight
// ingest that wrote a block but hasn't linked it yet.
func (s *Store) DeleteOrphanBlocks(ctx context.Context, olderThan int64) (int64, error) {
	res, err := s.db.Exec(ctx, `
		DELETE FROM blocks
		WHERE NOT EXISTS (SELECT 1 FROM backup_blocks WHERE backup_blocks.block = blocks.hash)
		AND time_imported < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("%w: delete orphan blocks: %v", depoterr.ErrStorage, err)
	}
	return res.RowsAffected()
}

// CountOrphanBlocks is the dry-run counterpart of DeleteOrphanBlocks.
func (s *Store) CountOrphanBlocks(ctx context.Context, olderThan int64) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM blocks
		WHERE NOT EXISTS (SELECT 1 FROM backup_blocks WHERE backup_blocks.block = blocks.hash)
		AND time_imported < ?`, olderThan).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count orphan blocks: %v", depoterr.ErrStorage, err)
	}
	return n, nil
}

// OrphanBlocks returns the full rows of blocks eligible for DeleteOrphanBlocks,
// so the cleaner can delete each row and remove its file one block at a time
// instead of using the bulk row delete.
func (s *Store) OrphanBlocks(ctx context.Context, olderThan int64) ([]Block, error) {
	rows, err := s.db.Query(ctx, `
		SELECT hash, size, csize, compressed, filename, time_imported FROM blocks
		WHERE NOT EXISTS (SELECT 1 FROM backup_blocks WHERE backup_blocks.block = blocks.hash)
		AND time_imported < ?`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("%w: list orphan blocks: %v", depoterr.ErrStorage, err)
	}
	defer rows.Close()

	var out []Block
	for rows.Next() {
		var b Block
		if err := rows.Scan(&b.Hash, &b.Size, &b.CSize, &b.Compressed, &b.Filename, &b.TimeImported); err != nil {
			return nil, fmt.Errorf("%w: scan orphan block: %v", depoterr.ErrStorage, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Now returns the current epoch second, the single time source every
// maintenance operation uses, so tests can stub a clock by constructing
// olderThan thresholds directly instead of depending on wall time here.
func Now() int64 {
	return time.Now().Unix()
}
