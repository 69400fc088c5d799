package emit

// Emitter receives observability events from graph execution.
//
// Implementations should be:
//   - Non-blocking: Avoid slowing down the super-step loop
//   - Thread-safe: May be called concurrently from multiple nodes
//   - Resilient: Handle failures internally and never panic
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	Emit(event Event)
}

// Multi fans every event out to each emitter in order.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
