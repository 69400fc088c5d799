package emit

// Event is an observability record produced while a thread executes.
//
// Msg carries the event type. The runtime emits:
//   - "run_start", "run_end"
//   - "step_start", "step_end"
//   - "node_start", "node_end", "node_error"
//   - "interrupt", "checkpoint", "stream_drop"
//   - "custom" for events raised by node code
type Event struct {
	// ThreadID identifies the execution thread that emitted this event.
	ThreadID string

	// Step is the super-step index (0-based). Run-level events carry the
	// step at which they occurred.
	Step int

	// NodeID identifies which node emitted this event.
	// Empty string for step- and run-level events.
	NodeID string

	// Msg is the event type.
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": Execution duration in milliseconds
	//   - "error": Error details
	//   - "checkpoint_id": Checkpoint identifier
	//   - "frontier": Nodes scheduled for the step
	//   - "interrupt_kind": before, after or dynamic
	Meta map[string]interface{}
}
