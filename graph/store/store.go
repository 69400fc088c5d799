// Package store persists graph checkpoints.
//
// A checkpoint is an immutable snapshot of a thread taken at a super-step
// boundary or at a suspension point. Stores are append-only: Save always
// creates a new record and never rewrites an existing one, so the full history
// of a thread stays available for resumption and inspection.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested thread or checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidCheckpoint is returned by Save for a nil checkpoint or empty thread id.
var ErrInvalidCheckpoint = errors.New("invalid checkpoint")

// Checkpoint sources.
const (
	SourceInput     = "input"
	SourceLoop      = "loop"
	SourceInterrupt = "interrupt"
	SourceUpdate    = "update"
)

// Checkpoint is a durable snapshot of a thread.
type Checkpoint struct {
	// ID is assigned by the store on Save.
	ID string `json:"checkpoint_id"`

	ThreadID string `json:"thread_id"`

	// ParentID links to the checkpoint this one was derived from. Empty for
	// the first checkpoint of a thread.
	ParentID string `json:"parent_id,omitempty"`

	// Step is the number of super-steps completed when the snapshot was taken.
	Step int `json:"step"`

	// State maps channel names to values. Values must be JSON-encodable.
	State map[string]any `json:"state"`

	// Frontier lists the nodes scheduled to run at Step, in registration order.
	// Empty once the thread has terminated.
	Frontier []string `json:"pending_frontier"`

	// Source records why the checkpoint was written (input, loop, interrupt, update).
	Source string `json:"source"`

	// Interrupt is set when the thread suspended at this checkpoint.
	Interrupt *InterruptRecord `json:"interrupt,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// InterruptRecord is the persisted form of a suspension.
type InterruptRecord struct {
	Kind    string `json:"kind"`
	Node    string `json:"node"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Reader is the read-only half of a checkpointer. Nodes receive a Reader
// through their run context.
type Reader interface {
	// LoadLatest returns the most recently saved checkpoint of a thread, or
	// ErrNotFound.
	LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error)

	// Load returns a checkpoint by id, or ErrNotFound.
	Load(ctx context.Context, checkpointID string) (*Checkpoint, error)

	// List returns every checkpoint of a thread in creation order. An unknown
	// thread yields an empty slice.
	List(ctx context.Context, threadID string) ([]*Checkpoint, error)
}

// Checkpointer persists checkpoints. Implementations must be safe for
// concurrent use.
type Checkpointer interface {
	Reader

	// Save appends cp to the thread history and returns the new checkpoint id.
	// The id and thread id are also written back into cp.
	Save(ctx context.Context, threadID string, cp *Checkpoint) (string, error)
}

// prepare validates cp and stamps the fields every store assigns on Save.
func prepare(threadID string, cp *Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("%w: nil checkpoint", ErrInvalidCheckpoint)
	}
	if threadID == "" {
		return fmt.Errorf("%w: empty thread id", ErrInvalidCheckpoint)
	}
	cp.ID = uuid.NewString()
	cp.ThreadID = threadID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.State == nil {
		cp.State = map[string]any{}
	}
	if cp.Frontier == nil {
		cp.Frontier = []string{}
	}
	return nil
}

// encoded holds the column values shared by the SQL stores.
type encoded struct {
	state     []byte
	frontier  []byte
	interrupt []byte
}

func encode(cp *Checkpoint) (encoded, error) {
	var e encoded
	var err error
	if e.state, err = json.Marshal(cp.State); err != nil {
		return e, fmt.Errorf("failed to marshal state: %w", err)
	}
	if e.frontier, err = json.Marshal(cp.Frontier); err != nil {
		return e, fmt.Errorf("failed to marshal frontier: %w", err)
	}
	if cp.Interrupt != nil {
		if e.interrupt, err = json.Marshal(cp.Interrupt); err != nil {
			return e, fmt.Errorf("failed to marshal interrupt: %w", err)
		}
	}
	return e, nil
}

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

// checkpointColumns is the select list understood by scanCheckpoint.
const checkpointColumns = "checkpoint_id, thread_id, parent_id, step, state, frontier, source, interrupt, created_at"

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var (
		cp        Checkpoint
		state     []byte
		frontier  []byte
		interrupt []byte
		created   int64
	)
	if err := row.Scan(&cp.ID, &cp.ThreadID, &cp.ParentID, &cp.Step, &state, &frontier, &cp.Source, &interrupt, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(state, &cp.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if err := json.Unmarshal(frontier, &cp.Frontier); err != nil {
		return nil, fmt.Errorf("failed to unmarshal frontier: %w", err)
	}
	if len(interrupt) > 0 {
		cp.Interrupt = &InterruptRecord{}
		if err := json.Unmarshal(interrupt, cp.Interrupt); err != nil {
			return nil, fmt.Errorf("failed to unmarshal interrupt: %w", err)
		}
	}
	if cp.State == nil {
		cp.State = map[string]any{}
	}
	if cp.Frontier == nil {
		cp.Frontier = []string{}
	}
	cp.CreatedAt = time.Unix(0, created).UTC()
	return &cp, nil
}
