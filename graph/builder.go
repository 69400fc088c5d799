package graph

import (
	"fmt"
	"sort"
	"sync"
)

// nodeSpec is one entry of the compiled node arena. index is the node's
// registration order, which fixes merge order and frontier order.
type nodeSpec struct {
	name   string
	index  int
	node   Node
	policy NodePolicy

	edges []int          // direct successors, node indices or endIndex
	conds []*conditional // conditional successors
}

// Builder assembles a graph definition.
//
// Methods record problems instead of failing immediately so a definition can
// be written as one chain; Compile reports everything found at once.
//
// Example:
//
//	g, err := graph.NewBuilder("counter").
//	    AddChannel("count", graph.Sum{}, graph.WithDefault(0)).
//	    AddNode("inc", incNode).
//	    AddEdge(graph.Start, "inc").
//	    AddEdge("inc", graph.End).
//	    Compile()
type Builder struct {
	mu sync.Mutex

	name     string
	channels []*Channel
	nodes    []*nodeSpec
	edges    []edgeSpec
	conds    []conditionalSpec
	compiled bool
	err      error
}

// NewBuilder starts an empty graph definition. name labels metrics, logs and
// spans.
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// AddChannel declares a state channel merged with reducer.
func (b *Builder) AddChannel(name string, reducer Reducer, opts ...ChannelOption) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rejectMutation() {
		return b
	}

	c := &Channel{Name: name, Reducer: reducer}
	for _, opt := range opts {
		opt(c)
	}
	b.channels = append(b.channels, c)
	return b
}

// AddNode registers a node. Registration order is significant: it fixes
// the order in which same-step writes are merged and in which ties are
// broken.
func (b *Builder) AddNode(name string, node Node, opts ...NodeOption) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rejectMutation() {
		return b
	}

	spec := &nodeSpec{name: name, index: len(b.nodes), node: node}
	for _, opt := range opts {
		opt(&spec.policy)
	}
	b.nodes = append(b.nodes, spec)
	return b
}

// AddEdge adds a direct edge. from may be Start, declaring an entry point;
// to may be End.
func (b *Builder) AddEdge(from, to string) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rejectMutation() {
		return b
	}

	b.edges = append(b.edges, edgeSpec{from: from, to: to})
	return b
}

// AddConditionalEdges adds a routed edge from a node (or Start). After from
// executes, router picks a key from the merged state and the successor is
// routes[key]. A key missing from routes fails the run with ErrUnknownRoute.
func (b *Builder) AddConditionalEdges(from string, router Router, routes map[string]string) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rejectMutation() {
		return b
	}

	copied := make(map[string]string, len(routes))
	for k, v := range routes {
		copied[k] = v
	}
	b.conds = append(b.conds, conditionalSpec{from: from, router: router, routes: copied})
	return b
}

// Err reports a mutation attempted after Compile.
func (b *Builder) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// rejectMutation must be called with b.mu held.
func (b *Builder) rejectMutation() bool {
	if b.compiled {
		b.err = ErrBuilderCompiled
		return true
	}
	return false
}

// Compile validates the definition and freezes it into an executable graph.
// Compile may be called again with different options as long as the
// builder has not been modified since; every call yields an independent
// CompiledGraph.
func (b *Builder) Compile(opts ...Option) (*CompiledGraph, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return nil, b.err
	}

	cfg := defaultCompileConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	g, problems := b.assemble(cfg)
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	if cfg.checkpointer != nil {
		if names := g.schema.untyped(); len(names) > 0 {
			cfg.logger.Warnf("graph %s: channels %v declare no type; values restored by another process keep their JSON form", b.name, names)
		}
	}
	b.compiled = true
	return g, nil
}

// assemble resolves names into the node arena and collects every problem.
func (b *Builder) assemble(cfg compileConfig) (*CompiledGraph, []string) {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	channels := make([]*Channel, 0, len(b.channels))
	seenChannels := map[string]bool{}
	for _, c := range b.channels {
		switch {
		case c.Name == "":
			addf("channel name must not be empty")
		case seenChannels[c.Name]:
			addf("duplicate channel %q", c.Name)
		case c.Reducer == nil:
			addf("channel %q has no reducer", c.Name)
		}
		seenChannels[c.Name] = true
		cc := *c
		channels = append(channels, &cc)
	}

	if len(b.nodes) == 0 {
		addf("graph has no nodes")
	}

	nodes := make([]*nodeSpec, len(b.nodes))
	index := make(map[string]int, len(b.nodes))
	for i, n := range b.nodes {
		switch {
		case n.name == "":
			addf("node name must not be empty")
		case n.name == Start || n.name == End:
			addf("node name %q is reserved", n.name)
		case n.node == nil:
			addf("node %q is nil", n.name)
		}
		if _, dup := index[n.name]; dup {
			addf("duplicate node %q", n.name)
		} else {
			index[n.name] = i
		}
		nodes[i] = &nodeSpec{name: n.name, index: i, node: n.node, policy: n.policy}
	}

	// source resolves an edge origin: a node index, or -2 for Start.
	const startIndex = -2
	source := func(name string) (int, bool) {
		switch name {
		case Start:
			return startIndex, true
		case End:
			addf("edge cannot originate from %s", End)
			return 0, false
		}
		i, ok := index[name]
		if !ok {
			addf("edge source %q is not a node", name)
		}
		return i, ok
	}
	target := func(name string) (int, bool) {
		switch name {
		case End:
			return endIndex, true
		case Start:
			addf("edge cannot target %s", Start)
			return 0, false
		}
		i, ok := index[name]
		if !ok {
			addf("edge target %q is not a node", name)
		}
		return i, ok
	}

	g := &CompiledGraph{
		name:   b.name,
		schema: newSchema(channels),
		nodes:  nodes,
		index:  index,
		cfg:    cfg,
	}

	for _, e := range b.edges {
		from, okFrom := source(e.from)
		to, okTo := target(e.to)
		if !okFrom || !okTo {
			continue
		}
		if from == startIndex {
			if to == endIndex {
				addf("entry edge cannot target %s directly", End)
				continue
			}
			g.entry = append(g.entry, to)
			continue
		}
		nodes[from].edges = append(nodes[from].edges, to)
	}

	for _, c := range b.conds {
		from, ok := source(c.from)
		if !ok {
			continue
		}
		if c.router == nil {
			addf("conditional edge from %q has no router", c.from)
			continue
		}
		if len(c.routes) == 0 {
			addf("conditional edge from %q has an empty route table", c.from)
			continue
		}
		compiled := &conditional{router: c.router, routes: make(map[string]int, len(c.routes))}
		keys := make([]string, 0, len(c.routes))
		for k := range c.routes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if to, ok := target(c.routes[k]); ok {
				compiled.routes[k] = to
			}
		}
		if from == startIndex {
			g.entryConds = append(g.entryConds, compiled)
		} else {
			nodes[from].conds = append(nodes[from].conds, compiled)
		}
	}

	if len(g.entry) == 0 && len(g.entryConds) == 0 && len(b.nodes) > 0 {
		addf("graph has no entry edge from %s", Start)
	}

	for _, name := range cfg.interruptBefore {
		if _, ok := index[name]; !ok {
			addf("interrupt-before node %q is not a node", name)
		}
	}
	for _, name := range cfg.interruptAfter {
		if _, ok := index[name]; !ok {
			addf("interrupt-after node %q is not a node", name)
		}
	}

	return g, problems
}
