// Package sqlitestore implements storage.Client against a SQLite metadata
// database (via jmoiron/sqlx + mattn/go-sqlite3) and a content-addressed
// blob directory on disk, grounded on the teacher's sqlite-store
// conventions (internal/worktree/store.go, internal/db/sqlite.go): a
// single-writer WAL-mode connection, schema created with
// CREATE TABLE IF NOT EXISTS, ON CONFLICT upserts, and uuid-assigned ids.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kandev/kandev-core/internal/storage"
)

const busyTimeoutMS = 5000

// Store persists checkpoint metadata in SQLite and checkpoint blobs under
// blobRoot, addressed by their SHA-256 hash.
type Store struct {
	db       *sqlx.DB
	blobRoot string
}

// Open opens (creating if needed) the SQLite database at dbPath and
// prepares blobRoot as the content-addressed blob directory.
func Open(dbPath, blobRoot string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil && filepath.Dir(dbPath) != "." {
		return nil, fmt.Errorf("prepare sqlite dir: %w", err)
	}
	if err := os.MkdirAll(blobRoot, 0o755); err != nil {
		return nil, fmt.Errorf("prepare blob root: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		dbPath, busyTimeoutMS,
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, blobRoot: blobRoot}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS checkpoints (
		id             TEXT PRIMARY KEY,
		hash           TEXT NOT NULL,
		tag            TEXT NOT NULL,
		timestamp      TIMESTAMP NOT NULL,
		size_bytes     INTEGER NOT NULL,
		agent_type     TEXT NOT NULL,
		model          TEXT NOT NULL DEFAULT '',
		workspace_mode TEXT NOT NULL,
		comment        TEXT NOT NULL DEFAULT '',
		parent_id      TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_tag ON checkpoints(tag);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_timestamp ON checkpoints(timestamp);
	`)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) blobPath(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(s.blobRoot, hash)
	}
	return filepath.Join(s.blobRoot, hash[:2], hash)
}

// PutBlob writes blob content under its content-addressed path. A blob
// that already exists on disk is left untouched (dedup, spec.md §4.1.6).
func (s *Store) PutBlob(ctx context.Context, hash string, r io.Reader, size int64) error {
	path := s.blobPath(hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("prepare blob dir: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create blob tmp file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write blob: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// GetBlob opens the blob by hash for reading.
func (s *Store) GetBlob(ctx context.Context, hash string) (io.ReadCloser, error) {
	f, err := os.Open(s.blobPath(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// PutMetadata upserts a checkpoint record.
func (s *Store) PutMetadata(ctx context.Context, info storage.CheckpointInfo) error {
	if info.Timestamp.IsZero() {
		info.Timestamp = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO checkpoints (id, hash, tag, timestamp, size_bytes, agent_type, model, workspace_mode, comment, parent_id)
		VALUES (:id, :hash, :tag, :timestamp, :size_bytes, :agent_type, :model, :workspace_mode, :comment, :parent_id)
		ON CONFLICT(id) DO UPDATE SET
			hash = excluded.hash, tag = excluded.tag, timestamp = excluded.timestamp,
			size_bytes = excluded.size_bytes, agent_type = excluded.agent_type,
			model = excluded.model, workspace_mode = excluded.workspace_mode,
			comment = excluded.comment, parent_id = excluded.parent_id
	`, info)
	return err
}

// GetMetadata looks up one checkpoint by id.
func (s *Store) GetMetadata(ctx context.Context, id string) (storage.CheckpointInfo, error) {
	var info storage.CheckpointInfo
	err := s.db.GetContext(ctx, &info, `SELECT * FROM checkpoints WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.CheckpointInfo{}, storage.ErrNotFound
	}
	return info, err
}

// ListCheckpoints returns every checkpoint for tag (or every checkpoint
// known to the store if tag is empty), newest-first.
func (s *Store) ListCheckpoints(ctx context.Context, tag string) ([]storage.CheckpointInfo, error) {
	var rows []storage.CheckpointInfo
	var err error
	if tag == "" {
		err = s.db.SelectContext(ctx, &rows, `SELECT * FROM checkpoints ORDER BY timestamp DESC`)
	} else {
		err = s.db.SelectContext(ctx, &rows, `SELECT * FROM checkpoints WHERE tag = ? ORDER BY timestamp DESC`, tag)
	}
	return rows, err
}

// Latest resolves the most recent checkpoint, scoped to tag if non-empty.
func (s *Store) Latest(ctx context.Context, tag string) (storage.CheckpointInfo, error) {
	rows, err := s.ListCheckpoints(ctx, tag)
	if err != nil {
		return storage.CheckpointInfo{}, err
	}
	if len(rows) == 0 {
		return storage.CheckpointInfo{}, storage.ErrNotFound
	}
	return rows[0], nil
}

var _ storage.Client = (*Store)(nil)
