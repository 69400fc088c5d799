package graph

import (
	"context"
	"sync"
	"time"

	"github.com/dshills/stategraph/graph/emit"
	"github.com/dshills/stategraph/log"
)

// StreamMode selects which non-terminal events a stream delivers. Modes
// combine with bitwise OR. Terminal events (done, interrupted, error) are
// always delivered.
type StreamMode uint8

const (
	// StreamValues delivers the full state after every super-step.
	StreamValues StreamMode = 1 << iota

	// StreamUpdates delivers each node's partial update after every
	// super-step, in node registration order.
	StreamUpdates

	// StreamCustom delivers events raised by nodes in NodeResult.Events once
	// their step commits. Events of a step discarded by an interrupt or a
	// failure are not delivered, so a re-executed step reports them once.
	StreamCustom

	// StreamDebug delivers step and node boundary markers.
	StreamDebug

	// StreamAll enables every mode.
	StreamAll = StreamValues | StreamUpdates | StreamCustom | StreamDebug
)

// EventType identifies a stream event.
type EventType string

// Stream event types.
const (
	EventStepStart   EventType = "step_start"
	EventStepEnd     EventType = "step_end"
	EventNodeStart   EventType = "node_start"
	EventNodeEnd     EventType = "node_end"
	EventValues      EventType = "values"
	EventUpdates     EventType = "updates"
	EventCustom      EventType = "custom"
	EventDone        EventType = "done"
	EventInterrupted EventType = "interrupted"
	EventError       EventType = "error"
)

// StreamEvent is one item of a run's event stream. Which fields are set
// depends on Type.
type StreamEvent struct {
	Type     EventType
	ThreadID string
	Step     int

	// Node is set for node boundaries, updates and custom events.
	Node string

	// Frontier lists the nodes of the step for step boundaries.
	Frontier []string

	// State is the full state for values events.
	State State

	// Updates is the node's partial update for updates events.
	Updates State

	// Custom is the payload of custom events.
	Custom *CustomEvent

	// Duration is set on node_end and step_end.
	Duration time.Duration

	// Result is set on done and interrupted events.
	Result *Result

	// Err is set on error events and on node_end for failed nodes.
	Err error

	// Dropped is the number of events discarded for this run because the
	// consumer fell behind. Set on terminal events.
	Dropped int
}

// Terminal reports whether e is the last event of its stream.
func (e StreamEvent) Terminal() bool {
	switch e.Type {
	case EventDone, EventInterrupted, EventError:
		return true
	}
	return false
}

func (e StreamEvent) wanted(mode StreamMode) bool {
	switch e.Type {
	case EventValues:
		return mode&StreamValues != 0
	case EventUpdates:
		return mode&StreamUpdates != 0
	case EventCustom:
		return mode&StreamCustom != 0
	case EventStepStart, EventStepEnd, EventNodeStart, EventNodeEnd:
		return mode&StreamDebug != 0
	}
	return true
}

// sink delivers a run's events to the stream channel (if any), the emitter
// and the metrics.
//
// Without strict delivery the channel has one slot more than the buffer
// size and non-terminal events are only enqueued while fewer than buffer
// events are pending, so the terminal event always finds a free slot.
// With strict delivery every send waits for the consumer; once the run's
// context is done a full channel gives up its oldest pending event to the
// terminal one, so an abandoned stream never blocks the run.
//
// All sends happen on the run's goroutine.
type sink struct {
	mu       sync.Mutex
	ch       chan StreamEvent
	mode     StreamMode
	buffer   int
	strict   bool
	dropped  int
	finished bool

	threadID string
	graph    string
	emitter  emit.Emitter
	metrics  *PrometheusMetrics
	logger   log.Logger
}

// newSink creates a run's sink. Only streaming runs get a channel.
func (g *CompiledGraph) newSink(threadID string, stream bool, mode StreamMode) *sink {
	s := &sink{
		mode:     mode,
		buffer:   g.cfg.streamBuffer,
		strict:   g.cfg.strictDelivery,
		threadID: threadID,
		graph:    g.name,
		emitter:  g.cfg.emitter,
		metrics:  g.cfg.metrics,
		logger:   g.cfg.logger,
	}
	if stream {
		size := s.buffer + 1
		if s.strict {
			size = s.buffer
		}
		s.ch = make(chan StreamEvent, size)
	}
	return s
}

// send delivers a non-terminal event.
func (s *sink) send(ctx context.Context, ev StreamEvent) {
	ev.ThreadID = s.threadID
	s.mirror(ev)

	if s.ch == nil || !ev.wanted(s.mode) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}

	if s.strict {
		select {
		case s.ch <- ev:
		case <-ctx.Done():
			s.drop(ev)
		}
		return
	}

	if len(s.ch) < s.buffer {
		s.ch <- ev
		return
	}
	s.drop(ev)
}

// drop counts an event the consumer will not see. s.mu must be held.
func (s *sink) drop(ev StreamEvent) {
	s.dropped++
	s.metrics.RecordStreamDrop(s.graph)
	if s.dropped == 1 {
		s.logger.Warnf("stream consumer of thread %s is falling behind; dropping %s events", s.threadID, ev.Type)
		s.emitter.Emit(emit.Event{ThreadID: s.threadID, Step: ev.Step, Msg: "stream_drop", Meta: map[string]interface{}{"type": string(ev.Type)}})
	}
}

// finish delivers the terminal event and closes the channel.
func (s *sink) finish(ctx context.Context, ev StreamEvent) {
	ev.ThreadID = s.threadID
	s.mirror(ev)

	if s.ch == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	defer close(s.ch)

	select {
	case s.ch <- s.terminal(ev):
		return
	default:
	}

	// Only a strict stream can be full here.
	select {
	case s.ch <- s.terminal(ev):
	case <-ctx.Done():
		select {
		case stale := <-s.ch:
			s.drop(stale)
		default:
		}
		s.ch <- s.terminal(ev)
	}
}

func (s *sink) terminal(ev StreamEvent) StreamEvent {
	ev.Dropped = s.dropped
	return ev
}

// mirror forwards ev to the emitter. Values and updates events are not
// mirrored; their payload is already summarized by step_end.
func (s *sink) mirror(ev StreamEvent) {
	if ev.Type == EventValues || ev.Type == EventUpdates {
		return
	}
	meta := map[string]interface{}{}
	if len(ev.Frontier) > 0 {
		meta["frontier"] = ev.Frontier
	}
	if ev.Duration > 0 {
		meta["duration_ms"] = ev.Duration.Milliseconds()
	}
	if ev.Err != nil {
		meta["error"] = ev.Err.Error()
	}
	if ev.Custom != nil {
		meta["name"] = ev.Custom.Name
		meta["data"] = ev.Custom.Data
	}
	if ev.Result != nil {
		meta["status"] = string(ev.Result.Status)
		meta["steps"] = ev.Result.Steps
		if ev.Result.Interrupt != nil {
			meta["interrupt_kind"] = string(ev.Result.Interrupt.Kind)
			meta["interrupt_node"] = ev.Result.Interrupt.Node
		}
	}
	s.emitter.Emit(emit.Event{
		ThreadID: ev.ThreadID,
		Step:     ev.Step,
		NodeID:   ev.Node,
		Msg:      string(ev.Type),
		Meta:     meta,
	})
}

// emit sends an observability-only event.
func (s *sink) emit(step int, node, msg string, meta map[string]interface{}) {
	s.emitter.Emit(emit.Event{ThreadID: s.threadID, Step: step, NodeID: node, Msg: msg, Meta: meta})
}
