package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// outcome is one node's contribution to a super-step.
type outcome struct {
	node     *nodeSpec
	result   NodeResult
	duration time.Duration
}

// dispatch executes the frontier on the run's worker pool and waits for all
// of it. Every node receives its own copy of snapshot, so writes made by one
// node are never visible to a sibling in the same step.
//
// Outcomes are indexed by frontier position, which is registration order,
// regardless of completion order.
func (r *run) dispatch(ctx context.Context, snapshot State) []outcome {
	outcomes := make([]outcome, len(r.frontier))
	for i, idx := range r.frontier {
		outcomes[i].node = r.g.nodes[idx]
		r.sink.send(ctx, StreamEvent{Type: EventNodeStart, Step: r.step, Node: outcomes[i].node.name})
	}

	base := RunContext{
		ThreadID:     r.threadID,
		Step:         r.step,
		Resumed:      r.resumed,
		ResumeInput:  r.resumeInput,
		checkpointer: r.g.cfg.checkpointer,
		stores:       r.cfg.Stores,
		logger:       r.log,
		schema:       r.g.schema,
		onRetry: func(node string) {
			r.g.cfg.metrics.RecordRetry(r.g.name, node)
		},
	}

	var wg sync.WaitGroup
	for i := range outcomes {
		o := &outcomes[i]
		input := snapshot.Clone()
		rc := base.forNode(o.node.name)

		wg.Add(1)
		task := func() {
			defer wg.Done()
			r.g.cfg.metrics.IncInflight(r.g.name)
			defer r.g.cfg.metrics.DecInflight(r.g.name)

			nctx, span := r.tracer.Start(ctx, "stategraph.node", trace.WithAttributes(
				attribute.String("stategraph.node", o.node.name),
				attribute.Int("stategraph.step", r.step),
			))
			started := time.Now()
			o.result = runNode(nctx, o.node, input, rc, r.g.cfg.defaultNodeTimeout)
			o.duration = time.Since(started)
			if o.result.Err != nil {
				span.RecordError(o.result.Err)
				span.SetStatus(codes.Error, o.result.Err.Error())
			}
			span.End()
		}
		if err := r.pool.Submit(task); err != nil {
			wg.Done()
			o.result = NodeResult{Err: fmt.Errorf("failed to schedule node: %w", err)}
		}
	}
	wg.Wait()

	for _, o := range outcomes {
		status := "ok"
		switch {
		case o.result.Err != nil:
			status = "error"
		case o.result.Interrupt != nil:
			status = "interrupted"
		}
		r.g.cfg.metrics.RecordNode(r.g.name, o.node.name, status, o.duration)
		r.sink.send(ctx, StreamEvent{Type: EventNodeEnd, Step: r.step, Node: o.node.name, Duration: o.duration, Err: o.result.Err})
	}
	return outcomes
}
