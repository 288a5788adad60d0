package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/EffortlessMetrics/switchyard/internal/flow"
	"github.com/EffortlessMetrics/switchyard/internal/runtime"
)

func TestDelayForAttempt(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 200, BackoffFactor: 2.0, MaxDelayMS: 60_000}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{0, 200 * time.Millisecond}, // clamped to 1
	}
	for _, tc := range cases {
		if got := DelayForAttempt(tc.attempt, cfg, "seed"); got != tc.want {
			t.Fatalf("DelayForAttempt(%d)=%v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDelayForAttemptCap(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 200, BackoffFactor: 2.0, MaxDelayMS: 500}
	if got := DelayForAttempt(5, cfg, "seed"); got != 500*time.Millisecond {
		t.Fatalf("capped delay=%v, want 500ms", got)
	}
}

func TestDelayForAttemptJitterIsDeterministic(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 200, BackoffFactor: 2.0, MaxDelayMS: 60_000, Jitter: true}
	a := DelayForAttempt(2, cfg, "run-1:build:2")
	b := DelayForAttempt(2, cfg, "run-1:build:2")
	if a != b {
		t.Fatalf("same seed produced %v and %v", a, b)
	}
	other := DelayForAttempt(2, cfg, "run-2:build:2")
	if a == other {
		t.Fatal("different seeds produced identical jitter")
	}
	lo, hi := 200*time.Millisecond, 600*time.Millisecond
	if a < lo || a > hi {
		t.Fatalf("jittered delay %v outside [%v, %v]", a, lo, hi)
	}
}

func retryCtx(nodeID string) NodeContext {
	return NodeContext{
		RunID:     "run-1",
		Node:      &flow.Node{ID: nodeID, Station: "s"},
		Iteration: 1,
	}
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts: attempts,
		Backoff:     BackoffConfig{InitialDelayMS: 1, BackoffFactor: 1.0, MaxDelayMS: 1},
	}
}

func TestExecuteWithRetryRecoversFromTransient(t *testing.T) {
	exec := NewScriptedExecutor().
		AddError("build", Transient(errors.New("connection reset"))).
		AddResult("build", &runtime.NodeResult{
			Status:   runtime.NodeSucceeded,
			Envelope: runtime.Envelope{VerificationStatus: runtime.Verified},
		})

	res, err := ExecuteWithRetry(context.Background(), exec, retryCtx("build"), fastRetry(3))
	if err != nil {
		t.Fatalf("ExecuteWithRetry: %v", err)
	}
	if res.Status != runtime.NodeSucceeded {
		t.Fatalf("status=%s, want succeeded", res.Status)
	}
	if got := len(exec.Visits()); got != 2 {
		t.Fatalf("executor ran %d times, want 2", got)
	}
}

func TestExecuteWithRetryExhaustionBecomesFailedResult(t *testing.T) {
	exec := NewScriptedExecutor()
	for i := 0; i < 3; i++ {
		exec.AddError("build", Transient(errors.New("still down")))
	}

	res, err := ExecuteWithRetry(context.Background(), exec, retryCtx("build"), fastRetry(3))
	if err != nil {
		t.Fatalf("exhaustion must not surface an error: %v", err)
	}
	if res.Status != runtime.NodeFailed || res.Receipt.ErrorKind != runtime.ErrKindEngineTransient {
		t.Fatalf("got (%s, %s), want (failed, EngineTransient)", res.Status, res.Receipt.ErrorKind)
	}
}

func TestExecuteWithRetryPermanentErrorPassesThrough(t *testing.T) {
	boom := errors.New("misconfigured station")
	exec := NewScriptedExecutor().AddError("build", boom)

	_, err := ExecuteWithRetry(context.Background(), exec, retryCtx("build"), fastRetry(3))
	if !errors.Is(err, boom) {
		t.Fatalf("want permanent error passthrough, got %v", err)
	}
	if got := len(exec.Visits()); got != 1 {
		t.Fatalf("permanent error retried: %d visits", got)
	}
}

func TestSimulatedExecutorVerifyAfter(t *testing.T) {
	exec := SimulatedExecutor{}
	nc := NodeContext{
		RunID:     "run-1",
		Node:      &flow.Node{ID: "build", Station: "s"},
		Params:    map[string]any{"simulate.verify_after": 2, "simulate.confidence": 0.75},
		Iteration: 1,
	}
	res, err := exec.Execute(context.Background(), nc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Envelope.VerificationStatus != runtime.Unverified {
		t.Fatalf("iteration 1: status=%s, want UNVERIFIED", res.Envelope.VerificationStatus)
	}

	nc.Iteration = 2
	res, err = exec.Execute(context.Background(), nc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Envelope.VerificationStatus != runtime.Verified {
		t.Fatalf("iteration 2: status=%s, want VERIFIED", res.Envelope.VerificationStatus)
	}
	if res.Envelope.Confidence != 0.75 {
		t.Fatalf("confidence=%v, want 0.75", res.Envelope.Confidence)
	}
}

func TestSimulatedExecutorFailure(t *testing.T) {
	exec := SimulatedExecutor{}
	res, err := exec.Execute(context.Background(), NodeContext{
		RunID:     "run-1",
		Node:      &flow.Node{ID: "build", Station: "s"},
		Params:    map[string]any{"simulate.status": "failed"},
		Iteration: 1,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != runtime.NodeFailed || res.Receipt.ErrorKind != runtime.ErrKindEngineFailed {
		t.Fatalf("got (%s, %s), want (failed, EngineFailed)", res.Status, res.Receipt.ErrorKind)
	}
}
