package graph

import (
	"context"
	"fmt"
	"reflect"
)

// SubgraphOption configures a subgraph node.
type SubgraphOption func(*subgraphNode)

// WithInputMapper sets how the parent state is turned into the inner run's
// input. By default the parent state is restricted to the inner channels.
func WithInputMapper(fn func(parent State) State) SubgraphOption {
	return func(s *subgraphNode) {
		s.input = fn
	}
}

// WithOutputMapper sets how the inner final state is turned into the
// parent node's updates. By default the update holds the inner channels the
// parent also declares, for those whose value changed during the inner run.
// For a parent channel with the Append reducer the default update holds only
// the elements the inner run added after the list it was given.
func WithOutputMapper(fn func(inner State) State) SubgraphOption {
	return func(s *subgraphNode) {
		s.output = fn
	}
}

// Subgraph wraps a compiled graph as a node of another graph.
//
// The inner run uses the thread "<parent thread>/<node name>" and, when the
// inner graph has no checkpointer of its own, the parent's. An inner
// interrupt suspends the parent with a dynamic interrupt whose Data is the
// inner *Interrupt; resuming the parent resumes the inner thread with the
// parent's resume input restricted to the inner channels.
//
// Example:
//
//	review, _ := reviewBuilder.Compile()
//	b.AddNode("review", graph.Subgraph(review,
//	    graph.WithOutputMapper(func(inner graph.State) graph.State {
//	        return graph.State{"verdict": inner["verdict"]}
//	    })))
func Subgraph(g *CompiledGraph, opts ...SubgraphOption) Node {
	s := &subgraphNode{g: g}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes g as a node with the default mappers.
func (g *CompiledGraph) Run(ctx context.Context, state State, rc *RunContext) NodeResult {
	return Subgraph(g).Run(ctx, state, rc)
}

type subgraphNode struct {
	g      *CompiledGraph
	input  func(State) State
	output func(State) State
}

func (s *subgraphNode) Run(ctx context.Context, state State, rc *RunContext) NodeResult {
	if rc == nil {
		return NodeResult{Err: fmt.Errorf("subgraph %s: missing run context", s.g.name)}
	}

	inner := *s.g
	if inner.cfg.checkpointer == nil {
		inner.cfg.checkpointer = rc.checkpointer
	}
	cfg := RunConfig{
		ThreadID: rc.ThreadID + "/" + rc.Node,
		Stores:   rc.stores,
	}

	input, err := s.prepare(ctx, &inner, &cfg, state, rc)
	if err != nil {
		return NodeResult{Err: err}
	}

	rc.Logger().Debugf("node %s running subgraph %s on thread %s (resume=%t)", rc.Node, inner.name, cfg.ThreadID, cfg.Resume)
	res, err := inner.Invoke(ctx, input, cfg)
	if err != nil {
		return NodeResult{Err: fmt.Errorf("subgraph %s: %w", inner.name, err)}
	}

	if res.Status == StatusInterrupted {
		msg := res.Interrupt.Message
		if msg == "" {
			msg = fmt.Sprintf("subgraph %s interrupted %s %s", inner.name, res.Interrupt.Kind, res.Interrupt.Node)
		}
		return NodeResult{Interrupt: Dynamic(msg, res.Interrupt)}
	}

	if s.output != nil {
		return NodeResult{Updates: s.output(res.State)}
	}
	return NodeResult{Updates: changed(rc.schema, state, res.State)}
}

// prepare decides between a fresh inner run and resuming a suspended one.
func (s *subgraphNode) prepare(ctx context.Context, inner *CompiledGraph, cfg *RunConfig, state State, rc *RunContext) (State, error) {
	if rc.Resumed && inner.cfg.checkpointer != nil {
		latest, err := inner.cfg.checkpointer.LoadLatest(ctx, cfg.ThreadID)
		if err == nil && latest.Interrupt != nil {
			cfg.Resume = true
			return inner.schema.project(rc.ResumeInput), nil
		}
	}
	if s.input != nil {
		return s.input(state), nil
	}
	return inner.schema.project(state), nil
}

// changed returns the values of after that the parent declares and that
// differ from before. Lists bound for an Append channel are cut down to the
// elements following before's list.
func changed(parent *schema, before, after State) State {
	out := State{}
	for k, v := range after {
		var ch *Channel
		if parent != nil {
			var ok bool
			if ch, ok = parent.byName[k]; !ok {
				continue
			}
		}
		old, had := before[k]
		if had && reflect.DeepEqual(old, v) {
			continue
		}
		if had && ch != nil && appends(ch.Reducer) {
			if tail, ok := suffix(old, v); ok {
				if tail != nil {
					out[k] = tail
				}
				continue
			}
		}
		out[k] = v
	}
	return out
}

func appends(r Reducer) bool {
	switch r.(type) {
	case Append, *Append:
		return true
	}
	return false
}

// suffix returns the elements of list after its prefix, or nil when nothing
// follows it. ok is false unless both are slices and prefix is a prefix of
// list.
func suffix(prefix, list any) (tail any, ok bool) {
	p, l := reflect.ValueOf(prefix), reflect.ValueOf(list)
	if p.Kind() != reflect.Slice || l.Kind() != reflect.Slice || p.Len() > l.Len() {
		return nil, false
	}
	for i := 0; i < p.Len(); i++ {
		if !reflect.DeepEqual(p.Index(i).Interface(), l.Index(i).Interface()) {
			return nil, false
		}
	}
	if p.Len() == l.Len() {
		return nil, true
	}
	return l.Slice(p.Len(), l.Len()).Interface(), true
}
