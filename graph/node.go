package graph

import (
	"context"

	"github.com/dshills/stategraph/graph/store"
	"github.com/dshills/stategraph/log"
)

// Node is a unit of computation in the graph.
//
// Run receives a private deep copy of the state as it was before the current
// super-step, so writes made by other nodes in the same step are never
// visible. Changes are returned as partial updates in NodeResult.Updates and
// merged by the channel reducers after every node of the step has finished.
type Node interface {
	Run(ctx context.Context, state State, rc *RunContext) NodeResult
}

// NodeResult is the output of one node execution.
type NodeResult struct {
	// Updates maps channel names to values merged through each channel's
	// reducer. Every key must be a declared channel.
	Updates State

	// Interrupt, when set, suspends the run after this step. The whole
	// step is discarded and re-executed on resume.
	Interrupt *Interrupt

	// Events are delivered to stream consumers in custom mode once the
	// node has finished.
	Events []CustomEvent

	// Err fails the node. A failed node contributes no updates and the run
	// terminates with ErrNodeExecution.
	Err error
}

// CustomEvent is a node-defined stream payload.
type CustomEvent struct {
	Name string
	Data any
}

// NodeFunc adapts a function to the Node interface.
//
// Example:
//
//	inc := graph.NodeFunc(func(ctx context.Context, s graph.State, rc *graph.RunContext) graph.NodeResult {
//	    return graph.NodeResult{Updates: graph.State{"count": 1}}
//	})
type NodeFunc func(ctx context.Context, state State, rc *RunContext) NodeResult

// Run implements Node.
func (f NodeFunc) Run(ctx context.Context, state State, rc *RunContext) NodeResult {
	return f(ctx, state, rc)
}

// RunContext is the explicit per-call handle passed to every node. It carries
// run identity plus read-only access to checkpoints and any auxiliary stores
// supplied in RunConfig.Stores.
type RunContext struct {
	// ThreadID identifies the run's thread.
	ThreadID string

	// Step is the current super-step index.
	Step int

	// Node is the name of the node being executed.
	Node string

	// Resumed is true during the first super-step after a resume.
	Resumed bool

	// ResumeInput is the input passed to the resume call, if any. It has
	// already been merged into the state the node receives.
	ResumeInput State

	checkpointer store.Checkpointer
	stores       map[string]any
	logger       log.Logger
	onRetry      func(node string)
	schema       *schema
}

// Checkpoints returns read-only access to the thread's checkpoint history,
// or nil when the graph has no checkpointer.
func (rc *RunContext) Checkpoints() store.Reader {
	if rc.checkpointer == nil {
		return nil
	}
	return rc.checkpointer
}

// Store returns the auxiliary store registered under name.
func (rc *RunContext) Store(name string) (any, bool) {
	s, ok := rc.stores[name]
	return s, ok
}

// Logger returns the run's logger.
func (rc *RunContext) Logger() log.Logger {
	if rc == nil || rc.logger == nil {
		return log.Nop
	}
	return rc.logger
}

func (rc *RunContext) noteRetry() {
	if rc != nil && rc.onRetry != nil {
		rc.onRetry(rc.Node)
	}
}

// forNode returns a copy of rc bound to one node.
func (rc RunContext) forNode(name string) *RunContext {
	rc.Node = name
	return &rc
}
