package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a Checkpointer backed by MySQL or MariaDB.
//
// Designed for:
//   - Production workflows shared by several worker processes
//   - Long-running threads that must survive restarts
//   - Audit trails of every super-step
//
// Security: never hardcode credentials; read the DSN from the environment.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore connects using dsn (for example
// "user:pass@tcp(localhost:3306)/threads") and creates the schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	m := &MySQLStore{db: db}
	if err := m.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return m, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			checkpoint_id VARCHAR(64) NOT NULL UNIQUE,
			thread_id VARCHAR(255) NOT NULL,
			parent_id VARCHAR(64) NOT NULL DEFAULT '',
			step INT NOT NULL,
			state JSON NOT NULL,
			frontier JSON NOT NULL,
			source VARCHAR(32) NOT NULL,
			interrupt JSON NULL,
			created_at BIGINT NOT NULL,
			INDEX idx_thread_seq (thread_id, seq)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`)
	return err
}

// Ping verifies the connection is alive.
func (m *MySQLStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.New("store is closed")
	}
	return m.db.PingContext(ctx)
}

// Save appends cp to the thread history.
func (m *MySQLStore) Save(ctx context.Context, threadID string, cp *Checkpoint) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
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
		interrupt = enc.interrupt
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO checkpoints (checkpoint_id, thread_id, parent_id, step, state, frontier, source, interrupt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.ThreadID, cp.ParentID, cp.Step, enc.state, enc.frontier, cp.Source, interrupt, cp.CreatedAt.UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return cp.ID, nil
}

// LoadLatest returns the last checkpoint saved for threadID.
func (m *MySQLStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errors.New("store is closed")
	}

	row := m.db.QueryRowContext(ctx,
		"SELECT "+checkpointColumns+" FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC LIMIT 1", threadID)
	return loadRow(row)
}

// Load returns the checkpoint with the given id.
func (m *MySQLStore) Load(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errors.New("store is closed")
	}

	row := m.db.QueryRowContext(ctx,
		"SELECT "+checkpointColumns+" FROM checkpoints WHERE checkpoint_id = ?", checkpointID)
	return loadRow(row)
}

// List returns the thread history in save order.
func (m *MySQLStore) List(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errors.New("store is closed")
	}

	rows, err := m.db.QueryContext(ctx,
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

// Close releases the connection pool.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

func loadRow(row *sql.Row) (*Checkpoint, error) {
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}
