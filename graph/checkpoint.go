package graph

import (
	"time"

	"github.com/dshills/stategraph/graph/store"
)

// Snapshot is a read-only view of one checkpoint of a thread, with state
// converted back to the channel types.
type Snapshot struct {
	CheckpointID string
	ParentID     string

	// Step is the number of super-steps completed when it was taken.
	Step int

	State State

	// Next lists the nodes a resume from this checkpoint executes first.
	// Empty when the thread has completed.
	Next []string

	// Interrupt is set when the thread was suspended at this checkpoint.
	Interrupt *Interrupt

	// Source is one of store.SourceInput, SourceLoop, SourceInterrupt or
	// SourceUpdate.
	Source string

	CreatedAt time.Time
}

// snapshot converts a stored checkpoint.
func (g *CompiledGraph) snapshot(cp *store.Checkpoint) (*Snapshot, error) {
	state, err := g.schema.restore(cp.State)
	if err != nil {
		return nil, &RunError{Code: CodeCheckpoint, ThreadID: cp.ThreadID, Step: cp.Step, Cause: err}
	}
	next := make([]string, len(cp.Frontier))
	copy(next, cp.Frontier)
	return &Snapshot{
		CheckpointID: cp.ID,
		ParentID:     cp.ParentID,
		Step:         cp.Step,
		State:        state,
		Next:         next,
		Interrupt:    interruptFromRecord(cp.Interrupt),
		Source:       cp.Source,
		CreatedAt:    cp.CreatedAt,
	}, nil
}
