package graph

import "github.com/dshills/stategraph/graph/store"

// InterruptKind says where a run suspended.
type InterruptKind string

const (
	// InterruptBefore suspends before a configured node executes.
	InterruptBefore InterruptKind = "before"

	// InterruptAfter suspends after a configured node's step has been merged.
	InterruptAfter InterruptKind = "after"

	// InterruptDynamic is requested by node code through NodeResult.Interrupt.
	// The step that raised it is discarded and re-executed on resume.
	InterruptDynamic InterruptKind = "dynamic"
)

// Interrupt describes a suspension. A suspended run returns a Result with
// StatusInterrupted and this value; it is never reported as an error.
type Interrupt struct {
	Kind InterruptKind

	// Node is the node the suspension is attributed to.
	Node string

	// Message and Data are free-form payloads for the caller, set by
	// dynamic interrupts.
	Message string
	Data    any
}

// Dynamic builds an interrupt request for NodeResult.Interrupt. The engine
// fills in Kind and Node.
//
// Example:
//
//	if _, ok := state["approved"]; !ok {
//	    return graph.NodeResult{Interrupt: graph.Dynamic("approval required", state["draft"])}
//	}
func Dynamic(message string, data any) *Interrupt {
	return &Interrupt{Kind: InterruptDynamic, Message: message, Data: data}
}

func (i *Interrupt) record() *store.InterruptRecord {
	if i == nil {
		return nil
	}
	return &store.InterruptRecord{
		Kind:    string(i.Kind),
		Node:    i.Node,
		Message: i.Message,
		Data:    i.Data,
	}
}

func interruptFromRecord(r *store.InterruptRecord) *Interrupt {
	if r == nil {
		return nil
	}
	return &Interrupt{
		Kind:    InterruptKind(r.Kind),
		Node:    r.Node,
		Message: r.Message,
		Data:    r.Data,
	}
}
