// Package store provides the SQLite-backed local store for folders, bookmarks
// and the pending edits that still have to reach the Instapaper service.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/JohanCodinha/storyvoid/internal/logger"

	_ "modernc.org/sqlite"
)

// Remote identifiers of the built-in folders.
const (
	UnreadFolderID   = "unread"
	LikedFolderID    = "starred"
	ArchiveFolderID  = "archive"
	OrphanedFolderID = "orphaned"
)

// wellKnownFolders seeds the built-in folders in their fixed order.
var wellKnownFolders = []Folder{
	{FolderID: UnreadFolderID, Title: "Home"},
	{FolderID: LikedFolderID, Title: "Liked"},
	{FolderID: ArchiveFolderID, Title: "Archive"},
	{FolderID: OrphanedFolderID, Title: "Orphaned", LocalOnly: true},
}

// IsWellKnownFolderID reports whether folderID names a built-in folder.
func IsWellKnownFolderID(folderID string) bool {
	switch folderID {
	case UnreadFolderID, LikedFolderID, ArchiveFolderID, OrphanedFolderID:
		return true
	}
	return false
}

// Store is the local store of one signed-in session.
//
// Every public method runs in a single SQLite transaction while holding mu,
// so no two operations interleave and readers never see partial writes.
type Store struct {
	path string

	mu   sync.Mutex
	conn *sql.DB

	unreadDBID   int64
	likedDBID    int64
	archiveDBID  int64
	orphanedDBID int64

	subs subscribers
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS folders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    folder_id TEXT UNIQUE,  -- NULL until the folder exists remotely
    title TEXT NOT NULL,
    position INTEGER DEFAULT 0,
    local_only INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_folders_title ON folders(title);

CREATE TABLE IF NOT EXISTS folder_pending_edits (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    folder_dbid INTEGER,
    removed_folder_id TEXT,
    title TEXT
);
CREATE INDEX IF NOT EXISTS idx_folder_pending_edits_folder ON folder_pending_edits(folder_dbid);

CREATE TABLE IF NOT EXISTS bookmarks (
    bookmark_id INTEGER PRIMARY KEY,
    folder_dbid INTEGER NOT NULL,
    folder_id TEXT,
    title TEXT,
    url TEXT,
    description TEXT,
    hash TEXT,
    progress REAL DEFAULT 0,
    progress_timestamp INTEGER DEFAULT 0,
    starred INTEGER DEFAULT 0,
    content_available_locally INTEGER DEFAULT 0,
    local_folder_relative_path TEXT,
    has_images INTEGER DEFAULT 0,
    extracted_description TEXT,
    first_image_path TEXT,
    first_image_original_url TEXT,
    article_unavailable INTEGER DEFAULT 0,
    failed_to_download INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_bookmarks_folder ON bookmarks(folder_dbid);
CREATE INDEX IF NOT EXISTS idx_bookmarks_starred ON bookmarks(starred);

CREATE TABLE IF NOT EXISTS bookmark_pending_edits (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    bookmark_id INTEGER,
    url TEXT,
    title TEXT,
    sourcefolder_dbid INTEGER,
    destinationfolder_dbid INTEGER
);
CREATE INDEX IF NOT EXISTS idx_bookmark_pending_edits_bookmark ON bookmark_pending_edits(bookmark_id);
CREATE INDEX IF NOT EXISTS idx_bookmark_pending_edits_source ON bookmark_pending_edits(sourcefolder_dbid);
CREATE INDEX IF NOT EXISTS idx_bookmark_pending_edits_destination ON bookmark_pending_edits(destinationfolder_dbid);
`

// New returns an uninitialized store backed by the database file at path.
// Call Initialize before using it.
func New(path string) *Store {
	return &Store{path: path}
}

// Open creates a store at path and initializes it.
func Open(ctx context.Context, path string) (*Store, error) {
	s := New(path)
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Initialize opens or creates the database, ensures the schema exists and
// seeds the built-in folders. Calling it on an open store is a no-op.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: failed to create database directory: %v", ErrNoDB, err)
		}
	}

	conn, err := sql.Open("sqlite", s.path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("%w: failed to open database: %v", ErrNoDB, err)
	}

	// SQLite has a single writer; one connection keeps every transaction
	// strictly serialized.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if _, err := conn.ExecContext(ctx, schemaSQL); err != nil {
		conn.Close()
		return fmt.Errorf("%w: failed to create schema: %v", ErrNoDB, err)
	}

	ids, err := seedWellKnownFolders(ctx, conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrNoDB, err)
	}

	s.conn = conn
	s.unreadDBID = ids[UnreadFolderID]
	s.likedDBID = ids[LikedFolderID]
	s.archiveDBID = ids[ArchiveFolderID]
	s.orphanedDBID = ids[OrphanedFolderID]

	logger.Debug("store: initialized %s (unread=%d liked=%d archive=%d orphaned=%d)",
		s.path, s.unreadDBID, s.likedDBID, s.archiveDBID, s.orphanedDBID)
	return nil
}

// seedWellKnownFolders inserts any missing built-in folder and returns the
// surrogate id of each, keyed by remote folder id.
func seedWellKnownFolders(ctx context.Context, conn *sql.DB) (map[string]int64, error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ids := make(map[string]int64, len(wellKnownFolders))
	for _, f := range wellKnownFolders {
		existing, err := folderByFolderID(ctx, tx, f.FolderID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			ids[f.FolderID] = existing.ID
			continue
		}

		inserted, err := insertFolder(ctx, tx, f)
		if err != nil {
			return nil, fmt.Errorf("failed to seed folder %q: %w", f.FolderID, err)
		}
		ids[f.FolderID] = inserted.ID
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return ids, nil
}

// Close releases the database. The store cannot be used afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// DeleteAllData closes the store and removes the database files. Used on sign-out.
func (s *Store) DeleteAllData(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			logger.Warn("store: failed to close database before deletion: %v", err)
		}
		s.conn = nil
	}

	for _, p := range []string{s.path, s.path + "-wal", s.path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}

	logger.Info("store: deleted all data at %s", s.path)
	return nil
}

// UnreadFolderDBID returns the surrogate id of the Unread folder.
func (s *Store) UnreadFolderDBID() int64 { return s.unreadDBID }

// LikedFolderDBID returns the surrogate id of the virtual Liked folder.
func (s *Store) LikedFolderDBID() int64 { return s.likedDBID }

// ArchiveFolderDBID returns the surrogate id of the Archive folder.
func (s *Store) ArchiveFolderDBID() int64 { return s.archiveDBID }

// OrphanedFolderDBID returns the surrogate id of the local-only Orphaned folder.
func (s *Store) OrphanedFolderDBID() int64 { return s.orphanedDBID }

// txn is a transaction that buffers change events until commit.
type txn struct {
	*sql.Tx
	events []Event
}

func (t *txn) emit(ev Event) {
	t.events = append(t.events, ev)
}

// update runs fn in one transaction and dispatches its events after commit.
func (s *Store) update(ctx context.Context, fn func(tx *txn) error) error {
	events, err := s.run(ctx, fn)
	if err != nil {
		return err
	}
	s.dispatch(events)
	return nil
}

// view runs a read-only fn in one transaction.
func (s *Store) view(ctx context.Context, fn func(tx *txn) error) error {
	_, err := s.run(ctx, fn)
	return err
}

func (s *Store) run(ctx context.Context, fn func(tx *txn) error) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil, ErrNoDB
	}

	sqlTx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	tx := &txn{Tx: sqlTx}
	if err := fn(tx); err != nil {
		return nil, err
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return tx.events, nil
}

// queryer is implemented by *sql.Tx and *sql.DB.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is an interface that both *sql.Row and *sql.Rows implement.
type scanner interface {
	Scan(dest ...any) error
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
