package graph

import (
	"context"
	"fmt"

	"github.com/dshills/stategraph/graph/store"
)

// Status is the outcome of a run that did not fail.
type Status string

const (
	// StatusCompleted means the frontier became empty.
	StatusCompleted Status = "completed"

	// StatusInterrupted means the run suspended and can be resumed.
	StatusInterrupted Status = "interrupted"
)

// Result is the outcome of Invoke, Resume or a stream's terminal event.
type Result struct {
	ThreadID string

	// State is the state when the run stopped. For a dynamic interrupt this
	// is the state before the interrupted step.
	State State

	// Steps is the number of super-steps completed on the thread.
	Steps int

	Status Status

	// Interrupt describes the suspension when Status is StatusInterrupted.
	Interrupt *Interrupt

	// CheckpointID is the last checkpoint written or resumed from. Empty
	// without a checkpointer.
	CheckpointID string
}

// CompiledGraph is a validated, immutable graph ready to run. It is safe for
// concurrent use; each invocation gets its own run state.
//
// A CompiledGraph is itself a Node and can be registered inside another
// graph; see Subgraph.
type CompiledGraph struct {
	name       string
	schema     *schema
	nodes      []*nodeSpec
	index      map[string]int
	entry      []int
	entryConds []*conditional
	cfg        compileConfig
}

// Name returns the name given to NewBuilder.
func (g *CompiledGraph) Name() string {
	return g.name
}

// Nodes returns node names in registration order.
func (g *CompiledGraph) Nodes() []string {
	out := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.name
	}
	return out
}

// Channels returns the declared channel names in declaration order.
func (g *CompiledGraph) Channels() []string {
	out := make([]string, len(g.schema.channels))
	for i, c := range g.schema.channels {
		out[i] = c.Name
	}
	return out
}

// Checkpointer returns the configured checkpointer, or nil.
func (g *CompiledGraph) Checkpointer() store.Checkpointer {
	return g.cfg.checkpointer
}

// Invoke runs the graph to completion or suspension.
//
// Without cfg.Resume a fresh run starts from the channel defaults with input
// merged in. With cfg.Resume (or cfg.ResumeFrom) the thread continues from a
// checkpoint and input, if any, is merged into the restored state first.
//
// Fatal failures return a *RunError; suspensions return a Result with
// StatusInterrupted and a nil error.
func (g *CompiledGraph) Invoke(ctx context.Context, input State, cfg RunConfig) (*Result, error) {
	r, err := g.newRun(cfg, g.newSink(cfg.ThreadID, false, 0))
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, input)
}

// Resume continues a suspended thread. It is Invoke with cfg.Resume set.
func (g *CompiledGraph) Resume(ctx context.Context, input State, cfg RunConfig) (*Result, error) {
	cfg.Resume = true
	return g.Invoke(ctx, input, cfg)
}

// Stream runs the graph in the background and returns its event stream.
//
// The channel delivers the events selected by mode and always ends with
// exactly one terminal event (done, interrupted or error), after which it is
// closed. Consumers must drain the channel until it is closed. Configuration
// errors are returned synchronously.
func (g *CompiledGraph) Stream(ctx context.Context, input State, cfg RunConfig, mode StreamMode) (<-chan StreamEvent, error) {
	s := g.newSink(cfg.ThreadID, true, mode)
	r, err := g.newRun(cfg, s)
	if err != nil {
		return nil, err
	}
	go func() {
		_, _ = r.execute(ctx, input)
	}()
	return s.ch, nil
}

// newRun validates cfg and prepares per-run state.
func (g *CompiledGraph) newRun(cfg RunConfig, s *sink) (*run, error) {
	if cfg.ThreadID == "" {
		return nil, &RunError{Code: CodeInvalidConfig, Cause: fmt.Errorf("thread id is required")}
	}

	limit := g.cfg.recursionLimit
	if cfg.RecursionLimit > 0 {
		limit = cfg.RecursionLimit
	}

	beforeNames, afterNames := g.cfg.interruptBefore, g.cfg.interruptAfter
	if cfg.InterruptBefore != nil {
		beforeNames = cfg.InterruptBefore
	}
	if cfg.InterruptAfter != nil {
		afterNames = cfg.InterruptAfter
	}
	before, err := g.nodeSet(cfg.ThreadID, beforeNames)
	if err != nil {
		return nil, err
	}
	after, err := g.nodeSet(cfg.ThreadID, afterNames)
	if err != nil {
		return nil, err
	}

	return &run{
		g:        g,
		cfg:      cfg,
		threadID: cfg.ThreadID,
		limit:    limit,
		before:   before,
		after:    after,
		sink:     s,
		log:      g.cfg.logger,
	}, nil
}

func (g *CompiledGraph) nodeSet(threadID string, names []string) (map[int]bool, error) {
	set := make(map[int]bool, len(names))
	for _, name := range names {
		i, ok := g.index[name]
		if !ok {
			return nil, &RunError{Code: CodeInvalidConfig, ThreadID: threadID, Node: name, Cause: fmt.Errorf("interrupt node %q is not a node", name)}
		}
		set[i] = true
	}
	return set, nil
}
