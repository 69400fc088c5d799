// Package graph provides the core graph execution engine for stategraph.
package graph

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/stategraph/graph/emit"
	"github.com/dshills/stategraph/graph/store"
	"github.com/dshills/stategraph/log"
)

// DefaultRecursionLimit is the super-step budget of a run when neither
// WithRecursionLimit nor RunConfig.RecursionLimit is set.
const DefaultRecursionLimit = 25

// DefaultStreamBuffer is the number of non-terminal stream events buffered
// before events are dropped.
const DefaultStreamBuffer = 64

// Option is a functional option for Compile.
//
// Example:
//
//	g, err := builder.Compile(
//	    graph.WithCheckpointer(store.NewMemStore()),
//	    graph.WithInterruptAfter("draft"),
//	    graph.WithRecursionLimit(50),
//	)
type Option func(*compileConfig) error

// compileConfig collects options before they are frozen into a CompiledGraph.
type compileConfig struct {
	checkpointer       store.Checkpointer
	interruptBefore    []string
	interruptAfter     []string
	recursionLimit     int
	maxConcurrency     int
	defaultNodeTimeout time.Duration
	emitter            emit.Emitter
	metrics            *PrometheusMetrics
	tracer             trace.Tracer
	logger             log.Logger
	streamBuffer       int
	strictDelivery     bool
}

func defaultCompileConfig() compileConfig {
	return compileConfig{
		recursionLimit: DefaultRecursionLimit,
		emitter:        emit.NewNullEmitter(),
		logger:         log.Default,
		streamBuffer:   DefaultStreamBuffer,
	}
}

// WithCheckpointer persists a checkpoint after every super-step and at every
// suspension. Without one, runs cannot be resumed.
func WithCheckpointer(cp store.Checkpointer) Option {
	return func(cfg *compileConfig) error {
		cfg.checkpointer = cp
		return nil
	}
}

// WithInterruptBefore suspends runs before any of nodes executes.
func WithInterruptBefore(nodes ...string) Option {
	return func(cfg *compileConfig) error {
		cfg.interruptBefore = append(cfg.interruptBefore, nodes...)
		return nil
	}
}

// WithInterruptAfter suspends runs after the super-step in which any of
// nodes executed.
func WithInterruptAfter(nodes ...string) Option {
	return func(cfg *compileConfig) error {
		cfg.interruptAfter = append(cfg.interruptAfter, nodes...)
		return nil
	}
}

// WithRecursionLimit bounds the number of super-steps a run may execute.
//
// Default: 25. A run whose frontier is still non-empty when the step counter
// reaches the limit fails with ErrRecursionLimit.
func WithRecursionLimit(n int) Option {
	return func(cfg *compileConfig) error {
		if n <= 0 {
			return fmt.Errorf("%w: recursion limit must be positive, got %d", ErrInvalidConfig, n)
		}
		cfg.recursionLimit = n
		return nil
	}
}

// WithMaxConcurrency caps how many nodes of one super-step run in parallel.
//
// Default: 0, meaning one worker per node in the graph.
func WithMaxConcurrency(n int) Option {
	return func(cfg *compileConfig) error {
		if n < 0 {
			return fmt.Errorf("%w: max concurrency must not be negative, got %d", ErrInvalidConfig, n)
		}
		cfg.maxConcurrency = n
		return nil
	}
}

// WithDefaultNodeTimeout sets the deadline for nodes registered without
// their own timeout. Zero means no deadline.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(cfg *compileConfig) error {
		cfg.defaultNodeTimeout = d
		return nil
	}
}

// WithEmitter mirrors every execution event to e.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *compileConfig) error {
		if e == nil {
			e = emit.NewNullEmitter()
		}
		cfg.emitter = e
		return nil
	}
}

// WithMetrics records Prometheus metrics for every run.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *compileConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithTracer opens an OpenTelemetry span per run and per super-step.
func WithTracer(t trace.Tracer) Option {
	return func(cfg *compileConfig) error {
		cfg.tracer = t
		return nil
	}
}

// WithLogger replaces log.Default for this graph.
func WithLogger(l log.Logger) Option {
	return func(cfg *compileConfig) error {
		if l == nil {
			l = log.Nop
		}
		cfg.logger = l
		return nil
	}
}

// WithStreamBuffer sets how many non-terminal events a stream buffers for
// a slow consumer before dropping. Default: 64.
func WithStreamBuffer(n int) Option {
	return func(cfg *compileConfig) error {
		if n <= 0 {
			return fmt.Errorf("%w: stream buffer must be positive, got %d", ErrInvalidConfig, n)
		}
		cfg.streamBuffer = n
		return nil
	}
}

// WithStrictDelivery makes streams block the run instead of dropping events
// when the consumer falls behind.
func WithStrictDelivery(strict bool) Option {
	return func(cfg *compileConfig) error {
		cfg.strictDelivery = strict
		return nil
	}
}

// RunConfig configures a single invocation.
type RunConfig struct {
	// ThreadID identifies the checkpoint history the run reads and appends
	// to. Required.
	ThreadID string

	// RecursionLimit overrides the compiled limit when positive.
	RecursionLimit int

	// InterruptBefore and InterruptAfter override the compiled sets when
	// non-nil. An empty non-nil slice disables them.
	InterruptBefore []string
	InterruptAfter  []string

	// Resume continues the thread from its latest checkpoint instead of
	// starting a fresh run. Input, if any, is merged into the restored state.
	Resume bool

	// ResumeFrom continues from a specific checkpoint of the thread. It
	// implies Resume. New checkpoints descend from it, forking the history.
	ResumeFrom string

	// Stores are auxiliary handles exposed to nodes via RunContext.Store.
	Stores map[string]any
}

func (c RunConfig) resuming() bool {
	return c.Resume || c.ResumeFrom != ""
}
