// Package graph provides the core graph execution engine for stategraph.
package graph

import (
	"context"
	"math/rand"
	"time"
)

// NodePolicy configures how the engine executes one node.
type NodePolicy struct {
	// Timeout is the maximum execution time allowed for this node.
	// If zero, the graph default from WithDefaultNodeTimeout is used.
	Timeout time.Duration
}

// NodeOption configures a node registered with Builder.AddNode.
type NodeOption func(*NodePolicy)

// WithNodeTimeout bounds the node's execution. Expiry fails the node with
// ErrNodeTimeout and discards its updates.
func WithNodeTimeout(d time.Duration) NodeOption {
	return func(p *NodePolicy) {
		p.Timeout = d
	}
}

// RetryPolicy configures the Retry node wrapper.
//
// The engine never retries on its own; wrapping a node is the only way to
// re-run failed work, and all attempts happen inside a single super-step.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of execution attempts (including initial attempt).
	// Must be >= 1. A value of 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff between retries.
	// The actual delay is computed as: min(BaseDelay * 2^attempt, MaxDelay) + jitter.
	BaseDelay time.Duration

	// MaxDelay caps the exponential component. Zero means no cap.
	MaxDelay time.Duration

	// Retryable decides whether an error is worth another attempt.
	// If nil, every error is retried.
	Retryable func(error) bool
}

// Validate checks if the RetryPolicy configuration is valid.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// Retry wraps node so failed attempts are re-run according to policy. Only
// NodeResult.Err triggers a retry; interrupts and successful results are
// returned immediately. The last failing result is returned once attempts
// are exhausted or the context is done.
//
// Example:
//
//	b.AddNode("fetch", graph.Retry(fetchNode, graph.RetryPolicy{
//	    MaxAttempts: 3,
//	    BaseDelay:   100 * time.Millisecond,
//	    MaxDelay:    time.Second,
//	}))
func Retry(node Node, policy RetryPolicy) Node {
	return &retryNode{node: node, policy: policy}
}

type retryNode struct {
	node   Node
	policy RetryPolicy
}

func (r *retryNode) Run(ctx context.Context, state State, rc *RunContext) NodeResult {
	if err := r.policy.Validate(); err != nil {
		return NodeResult{Err: err}
	}

	var result NodeResult
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		result = r.node.Run(ctx, state.Clone(), rc)
		if result.Err == nil {
			return result
		}
		if r.policy.Retryable != nil && !r.policy.Retryable(result.Err) {
			return result
		}
		if attempt == r.policy.MaxAttempts-1 {
			break
		}

		delay := computeBackoff(attempt, r.policy.BaseDelay, r.policy.MaxDelay, nil)
		rc.noteRetry()
		rc.Logger().Debugf("node %s attempt %d failed, retrying in %v: %v", rc.Node, attempt+1, delay, result.Err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result
		case <-timer.C:
		}
	}
	return result
}

// computeBackoff returns min(base*2^attempt, maxDelay) + jitter(0, base).
// attempt is zero-based. A nil rng uses the global source.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base * (1 << attempt)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}
	return delay + jitter
}
