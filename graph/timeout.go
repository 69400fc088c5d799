package graph

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// getNodeTimeout determines the timeout duration for a node based on precedence:
// 1. NodePolicy.Timeout (per-node override)
// 2. defaultTimeout (graph-wide default)
// 3. 0 (no timeout, unlimited execution)
func getNodeTimeout(policy NodePolicy, defaultTimeout time.Duration) time.Duration {
	if policy.Timeout > 0 {
		return policy.Timeout
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// runNode executes one node under its deadline and converts panics,
// returned errors and timeouts into a node failure. A failed result carries
// no updates. On expiry the node's context is cancelled and its eventual
// result is discarded.
func runNode(ctx context.Context, n *nodeSpec, state State, rc *RunContext, defaultTimeout time.Duration) NodeResult {
	timeout := getNodeTimeout(n.policy, defaultTimeout)
	if timeout == 0 {
		return guardedRun(ctx, n, state, rc)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan NodeResult, 1)
	go func() {
		done <- guardedRun(runCtx, n, state, rc)
	}()

	select {
	case result := <-done:
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && result.Err != nil {
			return NodeResult{Err: &timeoutError{node: n.name, timeout: timeout}}
		}
		return result
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return NodeResult{Err: ctx.Err()}
		}
		return NodeResult{Err: &timeoutError{node: n.name, timeout: timeout}}
	}
}

func guardedRun(ctx context.Context, n *nodeSpec, state State, rc *RunContext) (result NodeResult) {
	defer func() {
		if r := recover(); r != nil {
			result = NodeResult{Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	result = n.node.Run(ctx, state, rc)
	if result.Err != nil {
		return NodeResult{Err: result.Err}
	}
	return result
}

// timeoutError marks a node that outlived its deadline.
type timeoutError struct {
	node    string
	timeout time.Duration
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("node %s exceeded timeout of %v", e.node, e.timeout)
}

func (e *timeoutError) Unwrap() error {
	return context.DeadlineExceeded
}
