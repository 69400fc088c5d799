package graph

import (
	"context"
	"sync"
	"testing"

	"github.com/dshills/stategraph/log"
)

// compile compiles b with a silent logger and fails the test on error.
func compile(t *testing.T, b *Builder, opts ...Option) *CompiledGraph {
	t.Helper()
	g, err := b.Compile(append([]Option{WithLogger(log.Nop)}, opts...)...)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return g
}

// calls counts node executions.
type calls struct {
	mu sync.Mutex
	n  map[string]int
}

func newCalls() *calls {
	return &calls{n: map[string]int{}}
}

func (c *calls) inc(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n[name]++
}

func (c *calls) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[name]
}

// visit returns a node that appends name to the "trail" channel.
func visit(name string, c *calls) Node {
	return NodeFunc(func(_ context.Context, _ State, _ *RunContext) NodeResult {
		if c != nil {
			c.inc(name)
		}
		return NodeResult{Updates: State{"trail": name}}
	})
}

// linear builds START -> names[0] -> ... -> names[n-1] -> END over a
// "trail" list channel.
func linear(graphName string, c *calls, names ...string) *Builder {
	b := NewBuilder(graphName).
		AddChannel("trail", Append{}, WithDefault([]string{}))
	for _, n := range names {
		b.AddNode(n, visit(n, c))
	}
	prev := Start
	for _, n := range names {
		b.AddEdge(prev, n)
		prev = n
	}
	return b.AddEdge(prev, End)
}

func trail(t *testing.T, s State) []string {
	t.Helper()
	v, ok := s["trail"].([]string)
	if !ok {
		t.Fatalf("trail is %T, want []string", s["trail"])
	}
	return v
}
