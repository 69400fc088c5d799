package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/stategraph/graph/store"
)

// Time travel.
//
// Every checkpoint of a thread stays addressable. GetStateHistory lists them,
// RunConfig.ResumeFrom re-runs the thread from any of them (new checkpoints
// are parented to the one resumed from, forking the history), and
// UpdateState edits the latest state without running any node.

// GetState returns the latest snapshot of threadID.
func (g *CompiledGraph) GetState(ctx context.Context, threadID string) (*Snapshot, error) {
	cp, err := g.reader(threadID)
	if err != nil {
		return nil, err
	}
	latest, err := cp.LoadLatest(ctx, threadID)
	if err != nil {
		return nil, storeError(threadID, err)
	}
	return g.snapshot(latest)
}

// GetStateHistory returns every snapshot of threadID, oldest first.
func (g *CompiledGraph) GetStateHistory(ctx context.Context, threadID string) ([]*Snapshot, error) {
	cp, err := g.reader(threadID)
	if err != nil {
		return nil, err
	}
	saved, err := cp.List(ctx, threadID)
	if err != nil {
		return nil, storeError(threadID, err)
	}
	out := make([]*Snapshot, 0, len(saved))
	for _, c := range saved {
		s, err := g.snapshot(c)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// UpdateState merges updates into the latest state of threadID through the
// channel reducers, as if a node had written them, and saves the result as
// an update checkpoint. The frontier and any pending interrupt are kept, so
// a later Resume continues where the thread stood.
func (g *CompiledGraph) UpdateState(ctx context.Context, threadID string, updates State) (*Snapshot, error) {
	cp, err := g.reader(threadID)
	if err != nil {
		return nil, err
	}
	latest, err := cp.LoadLatest(ctx, threadID)
	if err != nil {
		return nil, storeError(threadID, err)
	}
	state, err := g.schema.restore(latest.State)
	if err != nil {
		return nil, &RunError{Code: CodeCheckpoint, ThreadID: threadID, Step: latest.Step, Cause: err}
	}
	merged, err := g.schema.merge(state, []write{{updates: updates}})
	if err != nil {
		var re *RunError
		if errors.As(err, &re) {
			re.ThreadID = threadID
			re.Step = latest.Step
		}
		return nil, err
	}

	next := &store.Checkpoint{
		ParentID:  latest.ID,
		Step:      latest.Step,
		State:     merged,
		Frontier:  latest.Frontier,
		Source:    store.SourceUpdate,
		Interrupt: latest.Interrupt,
	}
	if _, err := g.cfg.checkpointer.Save(ctx, threadID, next); err != nil {
		g.cfg.metrics.RecordCheckpointFailure(g.name)
		return nil, &RunError{Code: CodeCheckpoint, ThreadID: threadID, Step: latest.Step, Cause: err}
	}
	g.cfg.logger.Debugf("thread %s state updated at step %d: %v", threadID, latest.Step, updates.Keys())
	return g.snapshot(next)
}

func (g *CompiledGraph) reader(threadID string) (store.Checkpointer, error) {
	if g.cfg.checkpointer == nil {
		return nil, &RunError{Code: CodeNoCheckpoint, ThreadID: threadID, Cause: fmt.Errorf("graph %s has no checkpointer", g.name)}
	}
	return g.cfg.checkpointer, nil
}

func storeError(threadID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &RunError{Code: CodeNoCheckpoint, ThreadID: threadID, Cause: err}
	}
	return &RunError{Code: CodeCheckpoint, ThreadID: threadID, Cause: err}
}
