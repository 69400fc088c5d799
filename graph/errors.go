// Package graph provides the core graph execution engine for stategraph.
package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Every *RunError matches exactly one of them with errors.Is,
// selected by its Code.
var (
	// ErrValidation is matched by *ValidationError returned from Compile.
	ErrValidation = errors.New("graph validation failed")

	// ErrUnknownRoute indicates a router returned a key missing from its route table.
	ErrUnknownRoute = errors.New("unknown route")

	// ErrNodeExecution indicates a node returned an error, panicked or timed out.
	ErrNodeExecution = errors.New("node execution failed")

	// ErrNodeTimeout indicates a node exceeded its deadline. Errors matching
	// it also match ErrNodeExecution.
	ErrNodeTimeout = errors.New("node timed out")

	// ErrRecursionLimit indicates the run reached its super-step limit
	// without terminating.
	ErrRecursionLimit = errors.New("recursion limit exceeded")

	// ErrCheckpoint indicates a checkpoint could not be persisted or loaded.
	// Persistence failures are always fatal to the run.
	ErrCheckpoint = errors.New("checkpoint persistence failed")

	// ErrReducer indicates a reducer rejected a write.
	ErrReducer = errors.New("reducer failed")

	// ErrUnknownChannel indicates a write or input targeted an undeclared channel.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrNoCheckpoint indicates a resume found nothing to resume from.
	ErrNoCheckpoint = errors.New("no checkpoint to resume from")

	// ErrCancelled indicates the run's context was cancelled or expired
	// between super-steps.
	ErrCancelled = errors.New("run cancelled")

	// ErrInvalidConfig indicates a RunConfig or option was rejected.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrBuilderCompiled is returned when a builder is modified or compiled
	// after a successful Compile.
	ErrBuilderCompiled = errors.New("builder already compiled")

	// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate.
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")
)

// Error codes carried by RunError.
const (
	CodeUnknownRoute   = "UNKNOWN_ROUTE"
	CodeNodeExecution  = "NODE_EXECUTION"
	CodeNodeTimeout    = "NODE_TIMEOUT"
	CodeRecursionLimit = "RECURSION_LIMIT"
	CodeCheckpoint     = "CHECKPOINT_PERSISTENCE"
	CodeReducer        = "REDUCER"
	CodeUnknownChannel = "UNKNOWN_CHANNEL"
	CodeNoCheckpoint   = "NO_CHECKPOINT"
	CodeCancelled      = "CANCELLED"
	CodeInvalidConfig  = "INVALID_CONFIG"
)

var codeSentinels = map[string]error{
	CodeUnknownRoute:   ErrUnknownRoute,
	CodeNodeExecution:  ErrNodeExecution,
	CodeNodeTimeout:    ErrNodeTimeout,
	CodeRecursionLimit: ErrRecursionLimit,
	CodeCheckpoint:     ErrCheckpoint,
	CodeReducer:        ErrReducer,
	CodeUnknownChannel: ErrUnknownChannel,
	CodeNoCheckpoint:   ErrNoCheckpoint,
	CodeCancelled:      ErrCancelled,
	CodeInvalidConfig:  ErrInvalidConfig,
}

// RunError is the error returned for every fatal run outcome. It records
// where the run stopped so failures can be correlated with checkpoints.
//
// Interrupts are not errors; they are reported through Result.Status.
type RunError struct {
	// Code is a machine-readable error code (one of the Code* constants).
	Code string

	// ThreadID identifies the failed thread.
	ThreadID string

	// Step is the super-step during which the failure occurred.
	Step int

	// Node names the node involved, if any.
	Node string

	// RouteKey is the unmapped key for CodeUnknownRoute.
	RouteKey string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(strings.ReplaceAll(e.Code, "_", " ")))
	if e.ThreadID != "" {
		fmt.Fprintf(&b, " thread=%s", e.ThreadID)
	}
	fmt.Fprintf(&b, " step=%d", e.Step)
	if e.Node != "" {
		fmt.Fprintf(&b, " node=%s", e.Node)
	}
	if e.RouteKey != "" {
		fmt.Fprintf(&b, " key=%q", e.RouteKey)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *RunError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel for e.Code. Timeouts also match
// ErrNodeExecution.
func (e *RunError) Is(target error) bool {
	if target == codeSentinels[e.Code] {
		return true
	}
	return e.Code == CodeNodeTimeout && target == ErrNodeExecution
}

// ValidationError lists every structural problem found by Compile.
type ValidationError struct {
	Problems []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return "graph validation failed: " + strings.Join(e.Problems, "; ")
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NodeError is a structured error a node can return in NodeResult.Err.
type NodeError struct {
	// Message is the human-readable error description.
	Message string

	// Code is a machine-readable error code for programmatic handling.
	Code string

	// NodeID identifies which node produced this error.
	NodeID string

	// Cause is the underlying error that caused this NodeError.
	Cause error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause error for error wrapping support.
func (e *NodeError) Unwrap() error {
	return e.Cause
}
