package graph

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestInvoke_Linear(t *testing.T) {
	c := newCalls()
	g := compile(t, linear("linear", c, "a", "b", "c"))

	res, err := g.Invoke(context.Background(), nil, RunConfig{ThreadID: "t1"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", res.Status)
	}
	if res.Steps != 3 {
		t.Errorf("expected 3 steps, got %d", res.Steps)
	}
	if got := trail(t, res.State); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("unexpected trail %v", got)
	}
	for _, n := range []string{"a", "b", "c"} {
		if c.get(n) != 1 {
			t.Errorf("node %s ran %d times", n, c.get(n))
		}
	}
}

func TestInvoke_InputMergedThroughReducers(t *testing.T) {
	b := NewBuilder("input").
		AddChannel("n", Sum{}, WithDefault(10)).
		AddNode("inc", NodeFunc(func(_ context.Context, _ State, _ *RunContext) NodeResult {
			return NodeResult{Updates: State{"n": 1}}
		})).
		AddEdge(Start, "inc")
	g := compile(t, b)

	res, err := g.Invoke(context.Background(), State{"n": 5}, RunConfig{ThreadID: "t"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.State["n"] != 16 {
		t.Errorf("expected 16, got %v", res.State["n"])
	}
}

func TestInvoke_RecursionLimit(t *testing.T) {
	var runs atomic.Int32
	b := NewBuilder("loop").
		AddChannel("n", Sum{}, WithDefault(0)).
		AddNode("spin", NodeFunc(func(_ context.Context, _ State, _ *RunContext) NodeResult {
			runs.Add(1)
			return NodeResult{Updates: State{"n": 1}}
		})).
		AddEdge(Start, "spin").
		AddEdge("spin", "spin")
	g := compile(t, b, WithRecursionLimit(3))

	_, err := g.Invoke(context.Background(), nil, RunConfig{ThreadID: "t"})
	if !errors.Is(err, ErrRecursionLimit) {
		t.Fatalf("expected ErrRecursionLimit, got %v", err)
	}
	var re *RunError
	if !errors.As(err, &re) || re.Step != 3 {
		t.Errorf("expected failure at step 3, got %+v", re)
	}
	if runs.Load() != 3 {
		t.Errorf("expected 3 executions, got %d", runs.Load())
	}

	// RunConfig overrides the compiled limit.
	_, err = g.Invoke(context.Background(), nil, RunConfig{ThreadID: "t", RecursionLimit: 5})
	if !errors.As(err, &re) || re.Step != 5 {
		t.Errorf("expected failure at step 5, got %v", err)
	}
}

func TestInvoke_ConditionalLoop(t *testing.T) {
	b := NewBuilder("cond").
		AddChannel("n", Sum{}, WithDefault(0)).
		AddNode("inc", NodeFunc(func(_ context.Context, _ State, _ *RunContext) NodeResult {
			return NodeResult{Updates: State{"n": 1}}
		})).
		AddEdge(Start, "inc").
		AddConditionalEdges("inc", RouterFunc(func(s State) string {
			if s["n"].(int) < 4 {
				return "again"
			}
			return "done"
		}), map[string]string{"again": "inc", "done": End})
	g := compile(t, b)

	res, err := g.Invoke(context.Background(), nil, RunConfig{ThreadID: "t"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.State["n"] != 4 || res.Steps != 4 {
		t.Errorf("expected n=4 after 4 steps, got n=%v steps=%d", res.State["n"], res.Steps)
	}
}

func TestInvoke_ConditionalEntry(t *testing.T) {
	b := NewBuilder("entry").
		AddChannel("trail", Append{}, WithDefault([]string{})).
		AddChannel("mode", Overwrite{}).
		AddNode("fast", visit("fast", nil)).
		AddNode("slow", visit("slow", nil)).
		AddConditionalEdges(Start, RouterFunc(func(s State) string {
			return fmt.Sprint(s["mode"])
		}), map[string]string{"fast": "fast", "slow": "slow"})
	g := compile(t, b)

	res, err := g.Invoke(context.Background(), State{"mode": "slow"}, RunConfig{ThreadID: "t"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := trail(t, res.State); !reflect.DeepEqual(got, []string{"slow"}) {
		t.Errorf("unexpected trail %v", got)
	}
}

func TestInvoke_UnknownRoute(t *testing.T) {
	b := linear("route", nil, "a").
		AddNode("b", visit("b", nil)).
		AddConditionalEdges("a", RouterFunc(func(State) string { return "nowhere" }), map[string]string{"b": "b"})
	g := compile(t, b)

	_, err := g.Invoke(context.Background(), nil, RunConfig{ThreadID: "t"})
	if !errors.Is(err, ErrUnknownRoute) {
		t.Fatalf("expected ErrUnknownRoute, got %v", err)
	}
	var re *RunError
	errors.As(err, &re)
	if re.RouteKey != "nowhere" || re.Node != "a" {
		t.Errorf("unexpected error fields: %+v", re)
	}
}

func TestInvoke_ParallelBranchesSeeSameSnapshot(t *testing.T) {
	b := NewBuilder("fanout").
		AddChannel("x", Overwrite{}, WithDefault(0)).
		AddChannel("seen", Append{}, WithDefault([]int{})).
		AddNode("writer", NodeFunc(func(_ context.Context, s State, _ *RunContext) NodeResult {
			s["x"] = 100 // mutating the snapshot must not leak to siblings
			return NodeResult{Updates: State{"x": 1, "seen": s["x"].(int)}}
		})).
		AddNode("reader", NodeFunc(func(_ context.Context, s State, _ *RunContext) NodeResult {
			time.Sleep(5 * time.Millisecond)
			return NodeResult{Updates: State{"seen": s["x"].(int)}}
		})).
		AddEdge(Start, "writer").
		AddEdge(Start, "reader")
	g := compile(t, b)

	res, err := g.Invoke(context.Background(), nil, RunConfig{ThreadID: "t"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.State["x"] != 1 {
		t.Errorf("expected x=1, got %v", res.State["x"])
	}
	if got := res.State["seen"]; !reflect.DeepEqual(got, []int{100, 0}) {
		t.Errorf("expected seen [100 0], got %v", got)
	}
	if res.Steps != 1 {
		t.Errorf("expected one super-step, got %d", res.Steps)
	}
}

func TestInvoke_MergeOrderIsRegistrationOrder(t *testing.T) {
	sleepy := func(name string, d time.Duration) Node {
		return NodeFunc(func(_ context.Context, _ State, _ *RunContext) NodeResult {
			time.Sleep(d)
			return NodeResult{Updates: State{"trail": name, "last": name}}
		})
	}
	b := NewBuilder("order").
		AddChannel("trail", Append{}, WithDefault([]string{})).
		AddChannel("last", Overwrite{}).
		AddNode("a", sleepy("a", 15*time.Millisecond)).
		AddNode("b", sleepy("b", 5*time.Millisecond)).
		AddNode("c", sleepy("c", 0)).
		AddEdge(Start, "c").
		AddEdge(Start, "a").
		AddEdge(Start, "b")
	g := compile(t, b)

	for i := 0; i < 10; i++ {
		res, err := g.Invoke(context.Background(), nil, RunConfig{ThreadID: fmt.Sprintf("t%d", i)})
		if err != nil {
			t.Fatalf("Invoke: %v", err)
		}
		if got := trail(t, res.State); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
			t.Fatalf("run %d: expected registration order, got %v", i, got)
		}
		if res.State["last"] != "c" {
			t.Fatalf("run %d: expected last writer c, got %v", i, res.State["last"])
		}
	}
}

func TestInvoke_JoinRunsOncePerStep(t *testing.T) {
	c := newCalls()
	b := NewBuilder("join").
		AddChannel("trail", Append{}, WithDefault([]string{})).
		AddNode("a", visit("a", c)).
		AddNode("b", visit("b", c)).
		AddNode("join", visit("join", c)).
		AddEdge(Start, "a").
		AddEdge(Start, "b").
		AddEdge("a", "join").
		AddEdge("b", "join")
	g := compile(t, b)

	res, err := g.Invoke(context.Background(), nil, RunConfig{ThreadID: "t"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if c.get("join") != 1 {
		t.Errorf("expected join once, got %d", c.get("join"))
	}
	if got := trail(t, res.State); !reflect.DeepEqual(got, []string{"a", "b", "join"}) {
		t.Errorf("unexpected trail %v", got)
	}
}

func TestInvoke_MaxConcurrency(t *testing.T) {
	var inflight, peak atomic.Int32
	node := NodeFunc(func(_ context.Context, _ State, _ *RunContext) NodeResult {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inflight.Add(-1)
		return NodeResult{}
	})
	b := NewBuilder("limited")
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("n%d", i)
		b.AddNode(name, node).AddEdge(Start, name)
	}
	g := compile(t, b, WithMaxConcurrency(2))

	if _, err := g.Invoke(context.Background(), nil, RunConfig{ThreadID: "t"}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if peak.Load() > 2 {
		t.Errorf("expected at most 2 concurrent nodes, saw %d", peak.Load())
	}
}

func TestInvoke_NodeFailures(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name string
		node Node
		want error
	}{
		{
			name: "error",
			node: NodeFunc(func(context.Context, State, *RunContext) NodeResult {
				return NodeResult{Updates: State{"trail": "x"}, Err: boom}
			}),
			want: boom,
		},
		{
			name: "panic",
			node: NodeFunc(func(context.Context, State, *RunContext) NodeResult {
				panic("kaboom")
			}),
			want: ErrNodeExecution,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder("fail").
				AddChannel("trail", Append{}, WithDefault([]string{})).
				AddNode("ok", visit("ok", nil)).
				AddNode("bad", tt.node).
				AddEdge(Start, "ok").
				AddEdge(Start, "bad")
			g := compile(t, b)

			_, err := g.Invoke(context.Background(), nil, RunConfig{ThreadID: "t"})
			if !errors.Is(err, ErrNodeExecution) || !errors.Is(err, tt.want) {
				t.Fatalf("expected node failure wrapping %v, got %v", tt.want, err)
			}
			var re *RunError
			errors.As(err, &re)
			if re.Node != "bad" || re.Step != 0 || re.ThreadID != "t" {
				t.Errorf("unexpected error fields: %+v", re)
			}
		})
	}
}

func TestInvoke_NodeTimeout(t *testing.T) {
	b := NewBuilder("slow").
		AddNode("sleepy", NodeFunc(func(ctx context.Context, _ State, _ *RunContext) NodeResult {
			select {
			case <-ctx.Done():
				return NodeResult{Err: ctx.Err()}
			case <-time.After(time.Second):
				return NodeResult{}
			}
		}), WithNodeTimeout(20*time.Millisecond)).
		AddEdge(Start, "sleepy")
	g := compile(t, b)

	start := time.Now()
	_, err := g.Invoke(context.Background(), nil, RunConfig{ThreadID: "t"})
	if !errors.Is(err, ErrNodeTimeout) {
		t.Fatalf("expected ErrNodeTimeout, got %v", err)
	}
	if !errors.Is(err, ErrNodeExecution) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("timeout should also match ErrNodeExecution and DeadlineExceeded: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("timeout took too long: %v", time.Since(start))
	}
}

func TestInvoke_UncooperativeNodeTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	b := NewBuilder("stuck").
		AddNode("stuck", NodeFunc(func(context.Context, State, *RunContext) NodeResult {
			<-release
			return NodeResult{}
		})).
		AddEdge(Start, "stuck")
	g := compile(t, b, WithDefaultNodeTimeout(20*time.Millisecond))

	_, err := g.Invoke(context.Background(), nil, RunConfig{ThreadID: "t"})
	if !errors.Is(err, ErrNodeTimeout) {
		t.Fatalf("expected ErrNodeTimeout, got %v", err)
	}
}

func TestInvoke_WriteErrors(t *testing.T) {
	t.Run("unknown channel", func(t *testing.T) {
		b := NewBuilder("g").
			AddNode("a", NodeFunc(func(context.Context, State, *RunContext) NodeResult {
				return NodeResult{Updates: State{"ghost": 1}}
			})).
			AddEdge(Start, "a")
		_, err := compile(t, b).Invoke(context.Background(), nil, RunConfig{ThreadID: "t"})
		if !errors.Is(err, ErrUnknownChannel) {
			t.Errorf("expected ErrUnknownChannel, got %v", err)
		}
	})

	t.Run("unknown input channel", func(t *testing.T) {
		_, err := compile(t, linear("g", nil, "a")).Invoke(context.Background(), State{"ghost": 1}, RunConfig{ThreadID: "t"})
		if !errors.Is(err, ErrUnknownChannel) {
			t.Errorf("expected ErrUnknownChannel, got %v", err)
		}
	})

	t.Run("reducer", func(t *testing.T) {
		b := NewBuilder("g").
			AddChannel("n", Sum{}, WithDefault(0)).
			AddNode("a", NodeFunc(func(context.Context, State, *RunContext) NodeResult {
				return NodeResult{Updates: State{"n": "one"}}
			})).
			AddEdge(Start, "a")
		_, err := compile(t, b).Invoke(context.Background(), nil, RunConfig{ThreadID: "t"})
		if !errors.Is(err, ErrReducer) {
			t.Errorf("expected ErrReducer, got %v", err)
		}
		var re *RunError
		if errors.As(err, &re) && re.Node != "a" {
			t.Errorf("expected node a, got %q", re.Node)
		}
	})
}

func TestInvoke_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := compile(t, linear("g", nil, "a")).Invoke(ctx, nil, RunConfig{ThreadID: "t"})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled cause, got %v", err)
	}
}

func TestInvoke_CancelledBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newCalls()
	b := NewBuilder("g").
		AddChannel("trail", Append{}, WithDefault([]string{})).
		AddNode("a", NodeFunc(func(context.Context, State, *RunContext) NodeResult {
			cancel()
			return NodeResult{Updates: State{"trail": "a"}}
		})).
		AddNode("b", visit("b", c)).
		AddEdge(Start, "a").
		AddEdge("a", "b")

	_, err := compile(t, b).Invoke(ctx, nil, RunConfig{ThreadID: "t"})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if c.get("b") != 0 {
		t.Error("b should not run after cancellation")
	}
}

func TestInvoke_Config(t *testing.T) {
	g := compile(t, linear("g", nil, "a"))

	if _, err := g.Invoke(context.Background(), nil, RunConfig{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for empty thread id, got %v", err)
	}
	_, err := g.Invoke(context.Background(), nil, RunConfig{ThreadID: "t", InterruptBefore: []string{"ghost"}})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for unknown interrupt node, got %v", err)
	}
}

func TestInvoke_RunContext(t *testing.T) {
	type db struct{ name string }
	var got RunContext
	b := NewBuilder("ctx").
		AddNode("probe", NodeFunc(func(_ context.Context, _ State, rc *RunContext) NodeResult {
			got = *rc
			if v, ok := rc.Store("db"); !ok || v.(*db).name != "primary" {
				return NodeResult{Err: errors.New("store not visible")}
			}
			if rc.Checkpoints() != nil {
				return NodeResult{Err: errors.New("unexpected checkpoint reader")}
			}
			rc.Logger().Debugf("probe ran")
			return NodeResult{}
		})).
		AddEdge(Start, "probe")
	g := compile(t, b)

	_, err := g.Invoke(context.Background(), nil, RunConfig{
		ThreadID: "ctx-thread",
		Stores:   map[string]any{"db": &db{name: "primary"}},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got.ThreadID != "ctx-thread" || got.Node != "probe" || got.Step != 0 || got.Resumed {
		t.Errorf("unexpected run context: %+v", got)
	}
}

func TestInvoke_Deterministic(t *testing.T) {
	build := func() *CompiledGraph {
		b := NewBuilder("det").
			AddChannel("trail", Append{}, WithDefault([]string{})).
			AddChannel("n", Sum{}, WithDefault(0))
		for _, name := range []string{"a", "b", "c", "d"} {
			b.AddNode(name, NodeFunc(func(_ context.Context, s State, _ *RunContext) NodeResult {
				return NodeResult{Updates: State{"trail": name, "n": len(name) + s["n"].(int)}}
			}))
		}
		return compile(t, b.
			AddEdge(Start, "a").AddEdge(Start, "b").
			AddEdge("a", "c").AddEdge("b", "c").AddEdge("b", "d"))
	}

	var first State
	for i := 0; i < 20; i++ {
		res, err := build().Invoke(context.Background(), nil, RunConfig{ThreadID: "t"})
		if err != nil {
			t.Fatalf("Invoke: %v", err)
		}
		if first == nil {
			first = res.State
			continue
		}
		if !reflect.DeepEqual(first, res.State) {
			t.Fatalf("run %d diverged:\n%v\n%v", i, first, res.State)
		}
	}
	if !strings.HasPrefix(strings.Join(first["trail"].([]string), ""), "abcd") {
		t.Errorf("unexpected trail %v", first["trail"])
	}
}
