// Package engine adapts pluggable station executors and tie-breaker oracles
// to the kernel. The kernel only sees the interfaces; real agent backends,
// the simulator, and scripted test doubles all plug in the same way.
package engine

import (
	"context"

	"github.com/EffortlessMetrics/switchyard/internal/flow"
	"github.com/EffortlessMetrics/switchyard/internal/runtime"
)

// NodeContext is everything an executor gets for one station visit.
type NodeContext struct {
	RunID   string
	Node    *flow.Node
	Station *flow.StationTemplate

	// Params is the merged view: run params overlaid by node params.
	Params map[string]any

	// Iteration is 1-based within the node's microloop.
	Iteration int

	// Attempt is 1-based across transient retries of the same visit.
	Attempt int

	// ArtifactsDir is the run's artifact root; executors write below it and
	// report relative paths in the envelope.
	ArtifactsDir string

	// PriorEnvelope is the previous step's envelope, nil on the first step.
	PriorEnvelope *runtime.Envelope
}

// Executor runs one station visit. A returned error is an infrastructure
// failure (possibly transient); a domain failure is a NodeResult with
// status failed.
type Executor interface {
	Execute(ctx context.Context, nc NodeContext) (*runtime.NodeResult, error)
}

// TransientError marks an infrastructure failure worth retrying with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}
