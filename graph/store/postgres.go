package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS stategraph_checkpoints (
    seq           BIGSERIAL PRIMARY KEY,
    checkpoint_id TEXT NOT NULL UNIQUE,
    thread_id     TEXT NOT NULL,
    parent_id     TEXT NOT NULL DEFAULT '',
    step          INTEGER NOT NULL,
    state         JSONB NOT NULL,
    frontier      JSONB NOT NULL,
    source        TEXT NOT NULL,
    interrupt     JSONB,
    created_at    BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_stategraph_checkpoints_thread ON stategraph_checkpoints(thread_id, seq);
`

// PostgresStore is a Checkpointer backed by PostgreSQL through a pgx pool.
// The pool is owned by the caller.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool. Call CreateSchema once before use.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres creates a pool for dsn, verifies it and migrates the schema.
// The returned store owns the pool; release it with Close.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	s := NewPostgresStore(pool)
	if err := s.CreateSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return s, nil
}

// CreateSchema creates the checkpoint table if it doesn't exist.
func (s *PostgresStore) CreateSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, postgresSchema)
	return err
}

// DropSchema drops the checkpoint table.
func (s *PostgresStore) DropSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `DROP TABLE IF EXISTS stategraph_checkpoints`)
	return err
}

// Save appends cp to the thread history.
func (s *PostgresStore) Save(ctx context.Context, threadID string, cp *Checkpoint) (string, error) {
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
	_, err = s.db.Exec(ctx, `
		INSERT INTO stategraph_checkpoints (checkpoint_id, thread_id, parent_id, step, state, frontier, source, interrupt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		cp.ID, cp.ThreadID, cp.ParentID, cp.Step, enc.state, enc.frontier, cp.Source, interrupt, cp.CreatedAt.UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return cp.ID, nil
}

// LoadLatest returns the last checkpoint saved for threadID.
func (s *PostgresStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	row := s.db.QueryRow(ctx,
		"SELECT "+checkpointColumns+" FROM stategraph_checkpoints WHERE thread_id = $1 ORDER BY seq DESC LIMIT 1", threadID)
	return loadPgRow(row)
}

// Load returns the checkpoint with the given id.
func (s *PostgresStore) Load(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	row := s.db.QueryRow(ctx,
		"SELECT "+checkpointColumns+" FROM stategraph_checkpoints WHERE checkpoint_id = $1", checkpointID)
	return loadPgRow(row)
}

// List returns the thread history in save order.
func (s *PostgresStore) List(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+checkpointColumns+" FROM stategraph_checkpoints WHERE thread_id = $1 ORDER BY seq ASC", threadID)
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

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.db.Close()
}

func loadPgRow(row pgx.Row) (*Checkpoint, error) {
	cp, err := scanCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}
