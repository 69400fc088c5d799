package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/dshills/stategraph/graph/store"
	"github.com/dshills/stategraph/log"
)

// run is the state of one invocation. It is owned by a single goroutine;
// only dispatch fans out, and it joins before returning.
//
// Each iteration of loop is one super-step:
//
//	Plan        cancellation, termination and recursion checks, interrupt-before
//	Execute     every frontier node in parallel against the same snapshot
//	Interrupt   lowest-registered dynamic interrupt, if any, discards the step
//	Update      writes merged per channel in registration order
//	Route       next frontier from the merged state
//	Checkpoint  interrupt-after or a regular loop checkpoint
type run struct {
	g        *CompiledGraph
	cfg      RunConfig
	threadID string
	limit    int
	before   map[int]bool
	after    map[int]bool

	state    State
	step     int
	frontier []int
	parentID string

	// skipBefore suppresses the interrupt-before check for the first step
	// after resuming a before or dynamic interrupt.
	skipBefore  bool
	resumed     bool
	resumeInput State

	sink   *sink
	log    log.Logger
	pool   *ants.Pool
	tracer trace.Tracer
}

// execute drives a run from start or resume to its terminal outcome and
// delivers the terminal event.
func (r *run) execute(ctx context.Context, input State) (res *Result, err error) {
	r.tracer = r.g.cfg.tracer
	if r.tracer == nil {
		r.tracer = noop.NewTracerProvider().Tracer("")
	}
	ctx, span := r.tracer.Start(ctx, "stategraph.run", trace.WithAttributes(
		attribute.String("stategraph.graph", r.g.name),
		attribute.String("stategraph.thread_id", r.threadID),
		attribute.Bool("stategraph.resume", r.cfg.resuming()),
	))

	r.sink.emit(0, "", "run_start", map[string]interface{}{"resume": r.cfg.resuming()})

	defer func() {
		if r.pool != nil {
			r.pool.Release()
		}
		r.finish(ctx, span, res, err)
	}()

	size := r.g.cfg.maxConcurrency
	if size == 0 {
		size = len(r.g.nodes)
	}
	r.pool, err = ants.NewPool(size)
	if err != nil {
		return nil, r.fail(CodeInvalidConfig, "", fmt.Errorf("failed to create worker pool: %w", err))
	}

	if r.cfg.resuming() {
		err = r.restore(ctx, input)
	} else {
		err = r.start(ctx, input)
	}
	if err != nil {
		return nil, err
	}
	return r.loop(ctx)
}

// finish records the outcome everywhere it is observed.
func (r *run) finish(ctx context.Context, span trace.Span, res *Result, err error) {
	defer span.End()

	outcome := "error"
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Debugf("thread %s failed: %v", r.threadID, err)
		r.sink.finish(ctx, StreamEvent{Type: EventError, Step: r.step, Err: err})
	case res.Status == StatusInterrupted:
		outcome = string(StatusInterrupted)
		r.sink.finish(ctx, StreamEvent{Type: EventInterrupted, Step: res.Steps, Node: res.Interrupt.Node, State: res.State, Result: res})
	default:
		outcome = string(StatusCompleted)
		r.sink.finish(ctx, StreamEvent{Type: EventDone, Step: res.Steps, State: res.State, Result: res})
	}
	span.SetAttributes(attribute.String("stategraph.outcome", outcome), attribute.Int("stategraph.steps", r.step))
	r.g.cfg.metrics.RecordRun(r.g.name, outcome)
	r.sink.emit(r.step, "", "run_end", map[string]interface{}{"outcome": outcome, "steps": r.step})
}

// start seeds a fresh run: defaults, input, entry frontier, input checkpoint.
func (r *run) start(ctx context.Context, input State) error {
	state, err := r.g.schema.merge(r.g.schema.initial(), []write{{updates: input}})
	if err != nil {
		return r.annotate(err)
	}
	r.state = state
	r.step = 0

	seen := make([]bool, len(r.g.nodes))
	for _, i := range r.g.entry {
		seen[i] = true
	}
	for _, c := range r.g.entryConds {
		if err := r.follow(c, Start, r.state, seen); err != nil {
			return err
		}
	}
	r.frontier = collect(seen)

	latest, err := r.latestID(ctx)
	if err != nil {
		return err
	}
	r.parentID = latest
	return r.checkpoint(ctx, store.SourceInput, nil)
}

// latestID returns the id of the thread's newest checkpoint so a fresh run
// on an existing thread extends its history.
func (r *run) latestID(ctx context.Context) (string, error) {
	cp := r.g.cfg.checkpointer
	if cp == nil {
		return "", nil
	}
	latest, err := cp.LoadLatest(ctx, r.threadID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", r.fail(CodeCheckpoint, "", err)
	}
	return latest.ID, nil
}

// restore loads the checkpoint to resume from and merges resume input.
func (r *run) restore(ctx context.Context, input State) error {
	cp := r.g.cfg.checkpointer
	if cp == nil {
		return r.fail(CodeNoCheckpoint, "", errors.New("graph has no checkpointer"))
	}

	var (
		saved *store.Checkpoint
		err   error
	)
	if r.cfg.ResumeFrom != "" {
		saved, err = cp.Load(ctx, r.cfg.ResumeFrom)
		if err == nil && saved.ThreadID != r.threadID {
			return r.fail(CodeNoCheckpoint, "", fmt.Errorf("checkpoint %s belongs to thread %s", saved.ID, saved.ThreadID))
		}
	} else {
		saved, err = cp.LoadLatest(ctx, r.threadID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return r.fail(CodeNoCheckpoint, "", err)
	}
	if err != nil {
		return r.fail(CodeCheckpoint, "", err)
	}

	if r.state, err = r.g.schema.restore(saved.State); err != nil {
		return r.fail(CodeCheckpoint, "", err)
	}
	r.step = saved.Step
	r.parentID = saved.ID
	r.frontier = make([]int, 0, len(saved.Frontier))
	for _, name := range saved.Frontier {
		i, ok := r.g.index[name]
		if !ok {
			return r.fail(CodeCheckpoint, name, fmt.Errorf("checkpoint %s schedules unknown node %q", saved.ID, name))
		}
		r.frontier = append(r.frontier, i)
	}

	if intr := saved.Interrupt; intr != nil {
		kind := InterruptKind(intr.Kind)
		r.skipBefore = kind == InterruptBefore || kind == InterruptDynamic
	}
	r.resumed = true
	r.resumeInput = input.Clone()

	r.log.Debugf("thread %s resuming from checkpoint %s at step %d", r.threadID, saved.ID, saved.Step)

	if len(input) > 0 {
		if r.state, err = r.g.schema.merge(r.state, []write{{updates: input}}); err != nil {
			return r.annotate(err)
		}
		return r.checkpoint(ctx, store.SourceUpdate, interruptFromRecord(saved.Interrupt))
	}
	return nil
}

// loop runs super-steps until the run completes, suspends or fails.
func (r *run) loop(ctx context.Context) (*Result, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, r.fail(CodeCancelled, "", err)
		}
		if len(r.frontier) == 0 {
			return r.result(StatusCompleted, nil), nil
		}
		if r.step >= r.limit {
			return nil, r.fail(CodeRecursionLimit, "", fmt.Errorf("limit of %d super-steps reached with %d node(s) pending", r.limit, len(r.frontier)))
		}

		res, err := r.superstep(ctx)
		if res != nil || err != nil {
			return res, err
		}
	}
}

// superstep executes one step. It returns a non-nil result only when the
// run suspends.
func (r *run) superstep(ctx context.Context) (*Result, error) {
	started := time.Now()
	names := r.names(r.frontier)
	ctx, span := r.tracer.Start(ctx, "stategraph.step", trace.WithAttributes(
		attribute.Int("stategraph.step", r.step),
		attribute.StringSlice("stategraph.frontier", names),
	))
	defer span.End()

	r.log.Debugf("thread %s step %d frontier %v", r.threadID, r.step, names)
	r.sink.send(ctx, StreamEvent{Type: EventStepStart, Step: r.step, Frontier: names})

	if !r.skipBefore {
		for _, i := range r.frontier {
			if r.before[i] {
				return r.suspend(ctx, &Interrupt{Kind: InterruptBefore, Node: r.g.nodes[i].name}, r.frontier)
			}
		}
	}
	r.skipBefore = false

	outcomes := r.dispatch(ctx, r.state)

	if err := ctx.Err(); err != nil {
		return nil, r.fail(CodeCancelled, "", err)
	}
	for _, o := range outcomes {
		if o.result.Err == nil {
			continue
		}
		code := CodeNodeExecution
		var te *timeoutError
		if errors.As(o.result.Err, &te) {
			code = CodeNodeTimeout
		}
		span.SetStatus(codes.Error, o.result.Err.Error())
		r.g.cfg.metrics.RecordStep(r.g.name, "error", time.Since(started))
		return nil, r.fail(code, o.node.name, o.result.Err)
	}

	var requested *outcome
	for i := range outcomes {
		if outcomes[i].result.Interrupt == nil {
			continue
		}
		if requested == nil {
			requested = &outcomes[i]
			continue
		}
		r.log.Warnf("thread %s step %d: dropping interrupt from %s, %s raised one first in registration order",
			r.threadID, r.step, outcomes[i].node.name, requested.node.name)
	}
	if requested != nil {
		intr := *requested.result.Interrupt
		intr.Kind = InterruptDynamic
		intr.Node = requested.node.name
		r.g.cfg.metrics.RecordStep(r.g.name, "interrupted", time.Since(started))
		return r.suspend(ctx, &intr, r.frontier)
	}

	writes := make([]write, 0, len(outcomes))
	for _, o := range outcomes {
		if len(o.result.Updates) > 0 {
			writes = append(writes, write{node: o.node.name, updates: o.result.Updates})
		}
	}
	next, err := r.g.schema.merge(r.state, writes)
	if err != nil {
		return nil, r.annotate(err)
	}

	nextFrontier, err := r.route(next, outcomes)
	if err != nil {
		return nil, err
	}

	for _, o := range outcomes {
		for i := range o.result.Events {
			ev := o.result.Events[i]
			r.sink.send(ctx, StreamEvent{Type: EventCustom, Step: r.step, Node: o.node.name, Custom: &ev})
		}
	}

	for _, w := range writes {
		r.sink.send(ctx, StreamEvent{Type: EventUpdates, Step: r.step, Node: w.node, Updates: w.updates.Clone()})
	}

	r.state = next
	r.step++
	r.resumed = false
	r.resumeInput = nil
	r.sink.send(ctx, StreamEvent{Type: EventValues, Step: r.step, State: r.state.Clone()})

	for _, o := range outcomes {
		if r.after[o.node.index] {
			r.g.cfg.metrics.RecordStep(r.g.name, "interrupted", time.Since(started))
			return r.suspend(ctx, &Interrupt{Kind: InterruptAfter, Node: o.node.name}, nextFrontier)
		}
	}

	r.frontier = nextFrontier
	if err := r.checkpoint(ctx, store.SourceLoop, nil); err != nil {
		return nil, err
	}

	elapsed := time.Since(started)
	r.g.cfg.metrics.RecordStep(r.g.name, "ok", elapsed)
	r.sink.send(ctx, StreamEvent{Type: EventStepEnd, Step: r.step - 1, Frontier: names, Duration: elapsed})
	return nil, nil
}

// route computes the next frontier from the nodes that executed.
func (r *run) route(next State, outcomes []outcome) ([]int, error) {
	seen := make([]bool, len(r.g.nodes))
	for _, o := range outcomes {
		for _, t := range o.node.edges {
			if t != endIndex {
				seen[t] = true
			}
		}
		for _, c := range o.node.conds {
			if err := r.follow(c, o.node.name, next, seen); err != nil {
				return nil, err
			}
		}
	}
	return collect(seen), nil
}

// follow evaluates one conditional edge and marks its target.
func (r *run) follow(c *conditional, from string, state State, seen []bool) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = r.fail(CodeNodeExecution, from, fmt.Errorf("router panic: %v", p))
		}
	}()

	key := c.router.Route(state)
	t, ok := c.routes[key]
	if !ok {
		e := r.fail(CodeUnknownRoute, from, fmt.Errorf("router returned %q", key))
		e.(*RunError).RouteKey = key
		return e
	}
	if t != endIndex {
		seen[t] = true
	}
	return nil
}

// suspend persists an interrupt checkpoint and returns the interrupted result.
// frontier is what a resume will execute next.
func (r *run) suspend(ctx context.Context, intr *Interrupt, frontier []int) (*Result, error) {
	r.frontier = frontier
	if err := r.checkpoint(ctx, store.SourceInterrupt, intr); err != nil {
		return nil, err
	}
	if r.g.cfg.checkpointer == nil {
		r.log.Warnf("thread %s interrupted without a checkpointer; it cannot be resumed", r.threadID)
	}
	r.log.Infof("thread %s interrupted %s %s at step %d", r.threadID, intr.Kind, intr.Node, r.step)
	r.g.cfg.metrics.RecordInterrupt(r.g.name, string(intr.Kind))
	r.sink.emit(r.step, intr.Node, "interrupt", map[string]interface{}{
		"interrupt_kind": string(intr.Kind),
		"message":        intr.Message,
	})
	return r.result(StatusInterrupted, intr), nil
}

// checkpoint saves the current state and frontier, if a checkpointer is set.
func (r *run) checkpoint(ctx context.Context, source string, intr *Interrupt) error {
	cp := r.g.cfg.checkpointer
	if cp == nil {
		return nil
	}
	saved := &store.Checkpoint{
		ParentID:  r.parentID,
		Step:      r.step,
		State:     r.state,
		Frontier:  r.names(r.frontier),
		Source:    source,
		Interrupt: intr.record(),
	}
	id, err := cp.Save(ctx, r.threadID, saved)
	if err != nil {
		r.g.cfg.metrics.RecordCheckpointFailure(r.g.name)
		return r.fail(CodeCheckpoint, "", err)
	}
	r.parentID = id
	r.sink.emit(r.step, "", "checkpoint", map[string]interface{}{"checkpoint_id": id, "source": source})
	return nil
}

func (r *run) result(status Status, intr *Interrupt) *Result {
	return &Result{
		ThreadID:     r.threadID,
		State:        r.state.Clone(),
		Steps:        r.step,
		Status:       status,
		Interrupt:    intr,
		CheckpointID: r.parentID,
	}
}

// fail builds a RunError stamped with the run position.
func (r *run) fail(code, node string, cause error) error {
	return &RunError{Code: code, ThreadID: r.threadID, Step: r.step, Node: node, Cause: cause}
}

// annotate stamps a RunError produced below the run with its position.
func (r *run) annotate(err error) error {
	var re *RunError
	if errors.As(err, &re) {
		re.ThreadID = r.threadID
		re.Step = r.step
		return re
	}
	return r.fail(CodeNodeExecution, "", err)
}

func (r *run) names(idx []int) []string {
	out := make([]string, len(idx))
	for i, n := range idx {
		out[i] = r.g.nodes[n].name
	}
	return out
}

// collect returns the marked indices in ascending (registration) order.
func collect(seen []bool) []int {
	out := []int{}
	for i, ok := range seen {
		if ok {
			out = append(out, i)
		}
	}
	return out
}
