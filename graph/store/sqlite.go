package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a Checkpointer backed by a single SQLite file.
//
// Designed for:
//   - Development and testing with zero setup
//   - Single-process workflows that must survive restarts
//
// The store runs in WAL mode so readers do not block the writer. Pass
// ":memory:" for a throwaway database.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (or creates) the database at path and migrates the
// schema.
//
// Example:
//
//	cp, err := store.NewSQLiteStore("./threads.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cp.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time; a single connection also keeps
	// ":memory:" databases alive for the lifetime of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{`
		CREATE TABLE IF NOT EXISTS checkpoints (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			checkpoint_id TEXT NOT NULL UNIQUE,
			thread_id TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			step INTEGER NOT NULL,
			state TEXT NOT NULL,
			frontier TEXT NOT NULL,
			source TEXT NOT NULL,
			interrupt TEXT,
			created_at INTEGER NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, seq)",
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Save appends cp to the thread history.
func (s *SQLiteStore) Save(ctx context.Context, threadID string, cp *Checkpoint) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", errors.New("store is closed")
	}

	if err := prepare(threadID, cp); err != nil {
		return "", err
	}
	enc, err := encode(cp)
	if err != nil {
		return "", err
	}

	var interrupt any
	if enc.interrupt != nil {
		interrupt = string(enc.interrupt)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (checkpoint_id, thread_id, parent_id, step, state, frontier, source, interrupt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.ThreadID, cp.ParentID, cp.Step, string(enc.state), string(enc.frontier), cp.Source, interrupt, cp.CreatedAt.UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return cp.ID, nil
}

// LoadLatest returns the last checkpoint saved for threadID.
func (s *SQLiteStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.New("store is closed")
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT "+checkpointColumns+" FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC LIMIT 1", threadID)
	return loadRow(row)
}

// Load returns the checkpoint with the given id.
func (s *SQLiteStore) Load(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.New("store is closed")
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT "+checkpointColumns+" FROM checkpoints WHERE checkpoint_id = ?", checkpointID)
	return loadRow(row)
}

// List returns the thread history in save order.
func (s *SQLiteStore) List(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.New("store is closed")
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+checkpointColumns+" FROM checkpoints WHERE thread_id = ? ORDER BY seq ASC", threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	out := []*Checkpoint{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Path returns the database location the store was opened with.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close releases the database. Further calls fail.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
