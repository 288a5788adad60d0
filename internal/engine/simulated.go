package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/EffortlessMetrics/switchyard/internal/runtime"
)

// SimulatedExecutor produces deterministic results without any agent backend.
// Node params steer it:
//
//	simulate.status       succeeded | failed        (default succeeded)
//	simulate.verify_after iteration that flips to VERIFIED (default 1)
//	simulate.confidence   envelope confidence       (default 0.9)
//	simulate.next         explicit next-node hint
//	simulate.artifacts    artifact names to report
type SimulatedExecutor struct{}

func (SimulatedExecutor) Execute(_ context.Context, nc NodeContext) (*runtime.NodeResult, error) {
	start := time.Now()

	status := runtime.NodeSucceeded
	if s, _ := nc.Params["simulate.status"].(string); strings.EqualFold(s, string(runtime.NodeFailed)) {
		status = runtime.NodeFailed
	}
	verifyAfter := paramInt(nc.Params, "simulate.verify_after", 1)
	confidence := paramFloat(nc.Params, "simulate.confidence", 0.9)

	vs := runtime.Unverified
	if status == runtime.NodeFailed {
		vs = runtime.Blocked
	} else if nc.Iteration >= verifyAfter {
		vs = runtime.Verified
	}

	res := &runtime.NodeResult{
		Status: status,
		Receipt: runtime.Receipt{
			DurationMS: time.Since(start).Milliseconds(),
		},
		Envelope: runtime.Envelope{
			VerificationStatus: vs,
			Confidence:         confidence,
			Summary:            fmt.Sprintf("simulated %s at %s (iteration %d)", status, nc.Node.ID, nc.Iteration),
		},
	}
	if hint, _ := nc.Params["simulate.next"].(string); hint != "" {
		res.Envelope.NextNodeID = hint
	}
	if arts, ok := nc.Params["simulate.artifacts"].([]any); ok {
		for _, a := range arts {
			if s, ok := a.(string); ok {
				res.Envelope.Artifacts = append(res.Envelope.Artifacts, s)
			}
		}
	}
	if status == runtime.NodeFailed {
		res.Receipt.ErrorKind = runtime.ErrKindEngineFailed
	}
	return res, nil
}

func paramInt(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

func paramFloat(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

var _ Executor = SimulatedExecutor{}
