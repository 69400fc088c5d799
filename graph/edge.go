package graph

// Reserved endpoint names.
const (
	// Start is the virtual source of entry edges.
	Start = "__start__"

	// End is the virtual sink; routing to it contributes nothing to the
	// next frontier.
	End = "__end__"
)

// Router picks a route key for a conditional edge from the state produced by
// the step that fired it. Routers must be pure.
type Router interface {
	Route(state State) string
}

// RouterFunc adapts a function to the Router interface.
//
// Example:
//
//	b.AddConditionalEdges("check", graph.RouterFunc(func(s graph.State) string {
//	    if s["score"].(int) > 80 {
//	        return "pass"
//	    }
//	    return "retry"
//	}), map[string]string{"pass": graph.End, "retry": "draft"})
type RouterFunc func(state State) string

// Route implements Router.
func (f RouterFunc) Route(state State) string {
	return f(state)
}

// endIndex marks an edge target of End inside the arena.
const endIndex = -1

// conditional is a compiled conditional edge. routes maps keys to node
// indices or endIndex.
type conditional struct {
	router Router
	routes map[string]int
}

// edgeSpec is a builder-time edge before names are resolved.
type edgeSpec struct {
	from, to string
}

type conditionalSpec struct {
	from   string
	router Router
	routes map[string]string
}
