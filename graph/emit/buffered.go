package emit

import "sync"

// BufferedEmitter stores events in memory, grouped by thread.
//
// Use cases:
//   - Development and debugging
//   - Asserting on execution history in tests
//   - Post-execution analysis of a thread
//
// Warning: every event is retained until Clear is called.
//
// Example usage:
//
//	emitter := emit.NewBufferedEmitter()
//	g, _ := builder.Compile(graph.WithEmitter(emitter))
//	g.Invoke(ctx, input, graph.RunConfig{ThreadID: "t-1"})
//
//	nodeEnds := emitter.GetHistoryWithFilter("t-1", emit.HistoryFilter{Msg: "node_end"})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // threadID -> events
}

// HistoryFilter selects events. Zero-valued fields match everything; set
// fields are combined with AND.
type HistoryFilter struct {
	NodeID  string // Filter by node ID (empty = no filter)
	Msg     string // Filter by event type (empty = no filter)
	MinStep *int   // Minimum step number (nil = no filter)
	MaxStep *int   // Maximum step number (nil = no filter)
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.ThreadID] = append(b.events[event.ThreadID], event)
}

// GetHistory returns a copy of every event recorded for threadID, in emission
// order. The result is never nil.
func (b *BufferedEmitter) GetHistory(threadID string) []Event {
	return b.GetHistoryWithFilter(threadID, HistoryFilter{})
}

// GetHistoryWithFilter returns the events for threadID that match filter.
func (b *BufferedEmitter) GetHistoryWithFilter(threadID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[threadID] {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

func (f HistoryFilter) matches(event Event) bool {
	if f.NodeID != "" && event.NodeID != f.NodeID {
		return false
	}
	if f.Msg != "" && event.Msg != f.Msg {
		return false
	}
	if f.MinStep != nil && event.Step < *f.MinStep {
		return false
	}
	if f.MaxStep != nil && event.Step > *f.MaxStep {
		return false
	}
	return true
}

// Clear removes the events of threadID, or of every thread when threadID is
// empty.
func (b *BufferedEmitter) Clear(threadID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if threadID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, threadID)
}
