package emit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns events into OpenTelemetry spans.
//
// Each event becomes a span named after event.Msg carrying the thread id,
// step and node id plus every Meta entry as an attribute. A span whose event
// carries Meta["error"] is marked as failed. When Meta["duration_ms"] is
// present the span is back-dated so its length matches the measured
// duration.
//
// Usage:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	emitter := emit.NewOTelEmitter(tp.Tracer("stategraph"))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter backed by tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and ends one span for event.
func (o *OTelEmitter) Emit(event Event) {
	o.emit(context.Background(), event)
}

// EmitBatch creates one span per event under ctx, so callers can parent the
// batch to an existing trace.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, event := range events {
		o.emit(ctx, event)
	}
	return nil
}

func (o *OTelEmitter) emit(ctx context.Context, event Event) {
	end := time.Now()
	opts := []trace.SpanStartOption{}
	if d, ok := durationMeta(event.Meta); ok {
		opts = append(opts, trace.WithTimestamp(end.Add(-d)))
	}

	_, span := o.tracer.Start(ctx, event.Msg, opts...)
	span.SetAttributes(
		attribute.String("stategraph.thread_id", event.ThreadID),
		attribute.Int("stategraph.step", event.Step),
		attribute.String("stategraph.node_id", event.NodeID),
	)
	for key, value := range event.Meta {
		span.SetAttributes(metaAttribute("stategraph."+key, value))
	}
	if msg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, msg)
		span.RecordError(errors.New(msg))
	}
	span.End(trace.WithTimestamp(end))
}

func durationMeta(meta map[string]interface{}) (time.Duration, bool) {
	switch v := meta["duration_ms"].(type) {
	case int64:
		return time.Duration(v) * time.Millisecond, true
	case int:
		return time.Duration(v) * time.Millisecond, true
	case float64:
		return time.Duration(v * float64(time.Millisecond)), true
	}
	return 0, false
}

func metaAttribute(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	case time.Duration:
		return attribute.Int64(key, int64(v/time.Millisecond))
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
