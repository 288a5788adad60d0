package kernel

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/EffortlessMetrics/switchyard/internal/engine"
	"github.com/EffortlessMetrics/switchyard/internal/flow"
	"github.com/EffortlessMetrics/switchyard/internal/route"
	"github.com/EffortlessMetrics/switchyard/internal/runtime"
	"github.com/EffortlessMetrics/switchyard/internal/state"
)

func linearFlow() *flow.Graph {
	g := &flow.Graph{
		ID: "release",
		Nodes: map[string]*flow.Node{
			"plan":  {ID: "plan", Station: "planner", Start: true},
			"build": {ID: "build", Station: "builder"},
			"done":  {ID: "done", Station: "closer", Terminal: true},
		},
		Edges: []*flow.Edge{
			{ID: "e-plan-build", From: "plan", To: "build", Type: flow.EdgeSequence, Order: 0},
			{ID: "e-build-done", From: "build", To: "done", Type: flow.EdgeTerminal, Order: 1},
		},
		Stations: map[string]*flow.StationTemplate{
			"planner": {ID: "planner"},
			"builder": {ID: "builder"},
			"closer":  {ID: "closer"},
		},
	}
	g.Policy.ApplyDefaults(len(g.Nodes))
	return g
}

func loopFlow(exitCondition string) *flow.Graph {
	g := &flow.Graph{
		ID: "iterate",
		Nodes: map[string]*flow.Node{
			"build": {ID: "build", Station: "builder", Start: true},
			"done":  {ID: "done", Station: "closer", Terminal: true},
		},
		Edges: []*flow.Edge{
			{ID: "e-loop", From: "build", To: "build", Type: flow.EdgeLoop, Order: 0},
			{ID: "e-exit", From: "build", To: "done", Type: flow.EdgeTerminal, Condition: exitCondition, Order: 1},
		},
	}
	g.Policy.ApplyDefaults(len(g.Nodes))
	return g
}

func branchFlow() *flow.Graph {
	g := &flow.Graph{
		ID: "triage",
		Nodes: map[string]*flow.Node{
			"triage":   {ID: "triage", Station: "triager", Start: true},
			"fix":      {ID: "fix", Station: "fixer"},
			"escalate": {ID: "escalate", Station: "escalator"},
			"close":    {ID: "close", Station: "closer", Terminal: true},
		},
		Edges: []*flow.Edge{
			{ID: "e-fix", From: "triage", To: "fix", Type: flow.EdgeBranch, Condition: "confidence > 0.5", Order: 0},
			{ID: "e-esc", From: "triage", To: "escalate", Type: flow.EdgeBranch, Condition: "confidence <= 0.5", Order: 1},
			{ID: "e-fix-close", From: "fix", To: "close", Type: flow.EdgeTerminal, Order: 2},
			{ID: "e-esc-close", From: "escalate", To: "close", Type: flow.EdgeTerminal, Order: 3},
		},
	}
	g.Policy.ApplyDefaults(len(g.Nodes))
	return g
}

func tieFlow() *flow.Graph {
	g := &flow.Graph{
		ID: "choose",
		Nodes: map[string]*flow.Node{
			"triage": {ID: "triage", Station: "triager", Start: true},
			"a":      {ID: "a", Station: "worker"},
			"b":      {ID: "b", Station: "worker"},
			"close":  {ID: "close", Station: "closer", Terminal: true},
		},
		Edges: []*flow.Edge{
			{ID: "e-a", From: "triage", To: "a", Type: flow.EdgeBranch, Order: 0},
			{ID: "e-b", From: "triage", To: "b", Type: flow.EdgeBranch, Order: 1},
			{ID: "e-a-close", From: "a", To: "close", Type: flow.EdgeTerminal, Order: 2},
			{ID: "e-b-close", From: "b", To: "close", Type: flow.EdgeTerminal, Order: 3},
		},
	}
	g.Policy.ApplyDefaults(len(g.Nodes))
	return g
}

func detourFlow() *flow.Graph {
	g := &flow.Graph{
		ID: "hotfix-flow",
		Nodes: map[string]*flow.Node{
			"hf-diag": {ID: "hf-diag", Station: "differ", Start: true},
			"hf-fix":  {ID: "hf-fix", Station: "fixer", Terminal: true},
		},
		Edges: []*flow.Edge{
			{ID: "e-hf", From: "hf-diag", To: "hf-fix", Type: flow.EdgeSequence, Order: 0},
		},
	}
	g.Policy.ApplyDefaults(len(g.Nodes))
	return g
}

func stepOK(vs runtime.VerificationStatus, confidence float64) *runtime.NodeResult {
	return &runtime.NodeResult{
		Status: runtime.NodeSucceeded,
		Envelope: runtime.Envelope{
			VerificationStatus: vs,
			Confidence:         confidence,
		},
	}
}

func newTestRuntime(t *testing.T, root string, exec engine.Executor, oracle route.Oracle) *Runtime {
	t.Helper()
	store, err := state.NewStore(root)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	rt, err := NewRuntime(Config{
		Store:    store,
		Executor: exec,
		Oracle:   oracle,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func mustRegister(t *testing.T, rt *Runtime, flows ...*flow.Graph) {
	t.Helper()
	for _, g := range flows {
		if err := rt.RegisterFlow(g); err != nil {
			t.Fatalf("register %s: %v", g.ID, err)
		}
	}
}

func waitDone(t *testing.T, rt *Runtime, runID string) runtime.RunStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status, err := rt.WaitRun(ctx, runID)
	if err != nil {
		t.Fatalf("wait %s: %v", runID, err)
	}
	return status
}

func waitStatus(t *testing.T, rt *Runtime, runID string, want runtime.RunStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, _, err := rt.GetState(runID)
		if err != nil {
			t.Fatalf("get state: %v", err)
		}
		if st.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", runID, want)
}

func eventKinds(t *testing.T, rt *Runtime, runID string) []runtime.EventKind {
	t.Helper()
	events, err := rt.store.ReadEvents(runID, 1)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	var out []runtime.EventKind
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func decisionReasons(t *testing.T, rt *Runtime, runID string) []string {
	t.Helper()
	events, err := rt.store.ReadEvents(runID, 1)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	var out []string
	for _, ev := range events {
		if ev.Kind == runtime.EventRoutingDecision {
			reason, _ := ev.Payload["reason_code"].(string)
			out = append(out, reason)
		}
	}
	return out
}

func findEvent(t *testing.T, rt *Runtime, runID string, kind runtime.EventKind) (runtime.Event, bool) {
	t.Helper()
	events, err := rt.store.ReadEvents(runID, 1)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	for _, ev := range events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return runtime.Event{}, false
}

// gatedExecutor blocks configured nodes until released, so tests can issue
// control calls at a known point in the run.
type gatedExecutor struct {
	inner engine.Executor

	mu      sync.Mutex
	gates   map[string]chan struct{}
	entered chan string
}

func newGatedExecutor(inner engine.Executor, nodes ...string) *gatedExecutor {
	g := &gatedExecutor{
		inner:   inner,
		gates:   map[string]chan struct{}{},
		entered: make(chan string, 8),
	}
	for _, n := range nodes {
		g.gates[n] = make(chan struct{})
	}
	return g
}

func (g *gatedExecutor) release(node string) {
	g.mu.Lock()
	ch := g.gates[node]
	delete(g.gates, node)
	g.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (g *gatedExecutor) Execute(ctx context.Context, nc engine.NodeContext) (*runtime.NodeResult, error) {
	g.mu.Lock()
	ch := g.gates[nc.Node.ID]
	g.mu.Unlock()
	if ch != nil {
		g.entered <- nc.Node.ID
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.inner.Execute(ctx, nc)
}

func waitEntered(t *testing.T, g *gatedExecutor, node string) {
	t.Helper()
	select {
	case got := <-g.entered:
		if got != node {
			t.Fatalf("entered %q, want %q", got, node)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s to start", node)
	}
}

func TestRunLinearFlow(t *testing.T) {
	exec := engine.NewScriptedExecutor().
		AddResult("plan", stepOK(runtime.Verified, 0.9)).
		AddResult("build", stepOK(runtime.Verified, 0.9)).
		AddResult("done", stepOK(runtime.Verified, 0.9))
	rt := newTestRuntime(t, t.TempDir(), exec, nil)
	mustRegister(t, rt, linearFlow())

	runID, _, err := rt.CreateRun(context.Background(), "release", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if status := waitDone(t, rt, runID); status != runtime.RunSucceeded {
		t.Fatalf("status=%s, want succeeded", status)
	}

	want := []runtime.EventKind{
		runtime.EventRunCreated,
		runtime.EventRunStarted,
		runtime.EventStepStart, runtime.EventStepEnd, runtime.EventRoutingDecision,
		runtime.EventStepStart, runtime.EventStepEnd, runtime.EventRoutingDecision,
		runtime.EventStepStart, runtime.EventStepEnd,
		runtime.EventRunCompleted,
	}
	got := eventKinds(t, rt, runID)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("event kinds:\n got %v\nwant %v", got, want)
	}

	if visits := exec.Visits(); !reflect.DeepEqual(visits, []string{"plan", "build", "done"}) {
		t.Fatalf("visits=%v", visits)
	}
	st, _, err := rt.GetState(runID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if st.StepCount != 3 {
		t.Fatalf("step_count=%d, want 3", st.StepCount)
	}
	events, err := rt.store.ReadEvents(runID, 1)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d has seq %d, want contiguous from 1", i, ev.Seq)
		}
	}
}

func TestLoopExitsWhenVerified(t *testing.T) {
	exec := engine.NewScriptedExecutor().
		AddResult("build", stepOK(runtime.Unverified, 0.5)).
		AddResult("build", stepOK(runtime.Verified, 0.9)).
		AddResult("done", stepOK(runtime.Verified, 0.9))
	rt := newTestRuntime(t, t.TempDir(), exec, nil)
	mustRegister(t, rt, loopFlow(`status == "VERIFIED"`))

	runID, _, err := rt.CreateRun(context.Background(), "iterate", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if status := waitDone(t, rt, runID); status != runtime.RunSucceeded {
		t.Fatalf("status=%s, want succeeded", status)
	}

	if visits := exec.Visits(); !reflect.DeepEqual(visits, []string{"build", "build", "done"}) {
		t.Fatalf("visits=%v", visits)
	}
	reasons := decisionReasons(t, rt, runID)
	want := []string{runtime.ReasonSingleCandidate, runtime.ReasonLoopExitVerified}
	if !reflect.DeepEqual(reasons, want) {
		t.Fatalf("decision reasons=%v, want %v", reasons, want)
	}
	st, _, _ := rt.GetState(runID)
	if st.IterationCounts["build"] != 2 {
		t.Fatalf("build iterations=%d, want 2", st.IterationCounts["build"])
	}
}

func TestLoopExitsAtIterationCap(t *testing.T) {
	exec := engine.NewScriptedExecutor().
		AddResult("build", stepOK(runtime.Unverified, 0.5)).
		AddResult("build", stepOK(runtime.Unverified, 0.5)).
		AddResult("build", stepOK(runtime.Unverified, 0.5)).
		AddResult("done", stepOK(runtime.Verified, 0.9))
	rt := newTestRuntime(t, t.TempDir(), exec, nil)
	mustRegister(t, rt, loopFlow("")) // exit edge unconditioned; tie-break keeps looping

	runID, _, err := rt.CreateRun(context.Background(), "iterate", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if status := waitDone(t, rt, runID); status != runtime.RunSucceeded {
		t.Fatalf("status=%s, want succeeded", status)
	}

	if visits := exec.Visits(); !reflect.DeepEqual(visits, []string{"build", "build", "build", "done"}) {
		t.Fatalf("visits=%v", visits)
	}
	reasons := decisionReasons(t, rt, runID)
	if reasons[len(reasons)-1] != runtime.ReasonLoopExitMaxIterations {
		t.Fatalf("last decision reason=%s, want LOOP_EXIT_MAX_ITERATIONS", reasons[len(reasons)-1])
	}
	st, _, _ := rt.GetState(runID)
	if st.IterationCounts["build"] != 3 {
		t.Fatalf("build iterations=%d, want 3", st.IterationCounts["build"])
	}
}

func TestLoopAlternatesExecutionAndRouting(t *testing.T) {
	exec := engine.NewScriptedExecutor().
		AddResult("build", stepOK(runtime.Unverified, 0.5)).
		AddResult("build", stepOK(runtime.Verified, 0.9)).
		AddResult("done", stepOK(runtime.Verified, 0.9))
	rt := newTestRuntime(t, t.TempDir(), exec, nil)
	mustRegister(t, rt, loopFlow(`status == "VERIFIED"`))

	runID, _, err := rt.CreateRun(context.Background(), "iterate", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if status := waitDone(t, rt, runID); status != runtime.RunSucceeded {
		t.Fatalf("status=%s, want succeeded", status)
	}

	// A loop edge routing back to its own node must execute the node again:
	// every routing_decision is followed by a step_start, never by another
	// routing_decision for the same spot.
	want := []runtime.EventKind{
		runtime.EventRunCreated,
		runtime.EventRunStarted,
		runtime.EventStepStart, runtime.EventStepEnd, runtime.EventRoutingDecision,
		runtime.EventStepStart, runtime.EventStepEnd, runtime.EventRoutingDecision,
		runtime.EventStepStart, runtime.EventStepEnd,
		runtime.EventRunCompleted,
	}
	got := eventKinds(t, rt, runID)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("event kinds:\n got %v\nwant %v", got, want)
	}
	st, _, _ := rt.GetState(runID)
	if st.StepCount != 3 {
		t.Fatalf("step_count=%d, want 3", st.StepCount)
	}
}

func TestRunOutlivesCallerContext(t *testing.T) {
	scripted := engine.NewScriptedExecutor().
		AddResult("plan", stepOK(runtime.Verified, 0.9)).
		AddResult("build", stepOK(runtime.Verified, 0.9)).
		AddResult("done", stepOK(runtime.Verified, 0.9))
	exec := newGatedExecutor(scripted, "plan")
	rt := newTestRuntime(t, t.TempDir(), exec, nil)
	mustRegister(t, rt, linearFlow())

	// The creating context ends as soon as the call returns, the way an HTTP
	// request context does; the worker must keep going regardless.
	ctx, cancel := context.WithCancel(context.Background())
	runID, _, err := rt.CreateRun(ctx, "release", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cancel()
	waitEntered(t, exec, "plan")
	exec.release("plan")

	if status := waitDone(t, rt, runID); status != runtime.RunSucceeded {
		t.Fatalf("status=%s, want succeeded", status)
	}
	if visits := scripted.Visits(); !reflect.DeepEqual(visits, []string{"plan", "build", "done"}) {
		t.Fatalf("visits=%v", visits)
	}
}

func TestBranchSelectsByCondition(t *testing.T) {
	exec := engine.NewScriptedExecutor().
		AddResult("triage", stepOK(runtime.Verified, 0.9)).
		AddResult("fix", stepOK(runtime.Verified, 0.9)).
		AddResult("close", stepOK(runtime.Verified, 0.9))
	rt := newTestRuntime(t, t.TempDir(), exec, nil)
	mustRegister(t, rt, branchFlow())

	runID, _, err := rt.CreateRun(context.Background(), "triage", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if status := waitDone(t, rt, runID); status != runtime.RunSucceeded {
		t.Fatalf("status=%s, want succeeded", status)
	}
	if visits := exec.Visits(); !reflect.DeepEqual(visits, []string{"triage", "fix", "close"}) {
		t.Fatalf("visits=%v, escalate path taken with confidence 0.9", visits)
	}
}

func TestTieBreakerRoutes(t *testing.T) {
	exec := engine.NewScriptedExecutor().
		AddResult("triage", stepOK(runtime.Verified, 0.9)).
		AddResult("b", stepOK(runtime.Verified, 0.9)).
		AddResult("close", stepOK(runtime.Verified, 0.9))
	oracle := engine.ScriptedOracle{Decision: route.OracleDecision{
		EdgeID:     "e-b",
		Confidence: 0.95,
		Reason:     "b owns the affected subsystem",
	}}
	rt := newTestRuntime(t, t.TempDir(), exec, oracle)
	mustRegister(t, rt, tieFlow())

	runID, _, err := rt.CreateRun(context.Background(), "choose", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if status := waitDone(t, rt, runID); status != runtime.RunSucceeded {
		t.Fatalf("status=%s, want succeeded", status)
	}
	if visits := exec.Visits(); !reflect.DeepEqual(visits, []string{"triage", "b", "close"}) {
		t.Fatalf("visits=%v, want oracle pick b", visits)
	}
	// The non-default pick leaves an offroad marker.
	if _, ok := findEvent(t, rt, runID, runtime.EventRoutingOffroad); !ok {
		t.Fatal("no routing_offroad event for non-default choice")
	}
}

func TestTieBreakerInvalidChoiceFallsBack(t *testing.T) {
	exec := engine.NewScriptedExecutor().
		AddResult("triage", stepOK(runtime.Verified, 0.9)).
		AddResult("a", stepOK(runtime.Verified, 0.9)).
		AddResult("close", stepOK(runtime.Verified, 0.9))
	oracle := engine.ScriptedOracle{Decision: route.OracleDecision{
		EdgeID:     "e-nonexistent",
		Confidence: 0.99,
	}}
	rt := newTestRuntime(t, t.TempDir(), exec, oracle)
	mustRegister(t, rt, tieFlow())

	runID, _, err := rt.CreateRun(context.Background(), "choose", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if status := waitDone(t, rt, runID); status != runtime.RunSucceeded {
		t.Fatalf("status=%s, want succeeded", status)
	}
	if visits := exec.Visits(); !reflect.DeepEqual(visits, []string{"triage", "a", "close"}) {
		t.Fatalf("visits=%v, want fallback to first candidate a", visits)
	}

	events, _ := rt.store.ReadEvents(runID, 1)
	checked := false
	for _, ev := range events {
		if ev.Kind != runtime.EventRoutingDecision {
			continue
		}
		if used, _ := ev.Payload["tie_breaker_used"].(bool); !used {
			continue
		}
		checked = true
		if reason, _ := ev.Payload["reason_code"].(string); reason != runtime.ReasonOracleInvalidChoice {
			t.Fatalf("reason_code=%v, want ORACLE_INVALID_CHOICE", ev.Payload["reason_code"])
		}
		if nh, _ := ev.Payload["needs_human"].(bool); !nh {
			t.Fatal("fallback decision must set needs_human")
		}
	}
	if !checked {
		t.Fatal("no tie-breaker decision recorded")
	}
}

func TestStepCapAbortsAsPartial(t *testing.T) {
	exec := engine.NewScriptedExecutor().
		AddResult("plan", stepOK(runtime.Verified, 0.9))
	rt := newTestRuntime(t, t.TempDir(), exec, nil)
	g := linearFlow()
	g.Policy.MaxTotalSteps = 1
	mustRegister(t, rt, g)

	runID, _, err := rt.CreateRun(context.Background(), "release", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if status := waitDone(t, rt, runID); status != runtime.RunPartial {
		t.Fatalf("status=%s, want partial", status)
	}
	st, _, _ := rt.GetState(runID)
	if st.ReasonCode != runtime.ErrKindSafetyStepCap {
		t.Fatalf("reason_code=%q, want %q", st.ReasonCode, runtime.ErrKindSafetyStepCap)
	}
}

func TestPauseAndResume(t *testing.T) {
	scripted := engine.NewScriptedExecutor().
		AddResult("plan", stepOK(runtime.Verified, 0.9)).
		AddResult("build", stepOK(runtime.Verified, 0.9)).
		AddResult("done", stepOK(runtime.Verified, 0.9))
	exec := newGatedExecutor(scripted, "plan")
	rt := newTestRuntime(t, t.TempDir(), exec, nil)
	mustRegister(t, rt, linearFlow())

	runID, _, err := rt.CreateRun(context.Background(), "release", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitEntered(t, exec, "plan")

	if _, err := rt.Pause(runID, ""); err != nil {
		t.Fatalf("pause: %v", err)
	}
	exec.release("plan")
	waitStatus(t, rt, runID, runtime.RunPaused)

	// Pausing a paused run is illegal.
	if _, err := rt.Pause(runID, ""); !errors.Is(err, runtime.ErrIllegalTransition) {
		t.Fatalf("second pause err=%v, want ErrIllegalTransition", err)
	}
	// Stale etag is a conflict before anything happens.
	if _, err := rt.Resume(runID, "0000"); !errors.Is(err, runtime.ErrConflict) {
		t.Fatalf("stale resume err=%v, want ErrConflict", err)
	}

	_, etag, err := rt.GetState(runID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if _, err := rt.Resume(runID, etag); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if status := waitDone(t, rt, runID); status != runtime.RunSucceeded {
		t.Fatalf("status=%s, want succeeded", status)
	}

	kinds := eventKinds(t, rt, runID)
	order := map[runtime.EventKind]int{}
	for i, k := range kinds {
		if _, seen := order[k]; !seen {
			order[k] = i
		}
	}
	if !(order[runtime.EventStepEnd] < order[runtime.EventRunPaused] &&
		order[runtime.EventRunPaused] < order[runtime.EventRunResumed] &&
		order[runtime.EventRunResumed] < order[runtime.EventRoutingDecision]) {
		t.Fatalf("pause landed out of order: %v", kinds)
	}
}

func TestCancelStopsRun(t *testing.T) {
	scripted := engine.NewScriptedExecutor().
		AddResult("plan", stepOK(runtime.Verified, 0.9))
	exec := newGatedExecutor(scripted, "plan")
	rt := newTestRuntime(t, t.TempDir(), exec, nil)
	mustRegister(t, rt, linearFlow())

	runID, _, err := rt.CreateRun(context.Background(), "release", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitEntered(t, exec, "plan")
	if _, err := rt.Cancel(runID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	exec.release("plan")

	if status := waitDone(t, rt, runID); status != runtime.RunCancelled {
		t.Fatalf("status=%s, want cancelled", status)
	}
	if _, ok := findEvent(t, rt, runID, runtime.EventRunCancelled); !ok {
		t.Fatal("no run_cancelled event")
	}
	ev, ok := findEvent(t, rt, runID, runtime.EventRunCompleted)
	if !ok {
		t.Fatal("no run_completed event")
	}
	if status, _ := ev.Payload["status"].(string); status != string(runtime.RunCancelled) {
		t.Fatalf("run_completed status=%v, want cancelled", ev.Payload["status"])
	}
}

func TestInjectNodeDetour(t *testing.T) {
	scripted := engine.NewScriptedExecutor().
		AddResult("plan", stepOK(runtime.Verified, 0.9)).
		AddResult("hotfix", stepOK(runtime.Verified, 0.9)).
		AddResult("build", stepOK(runtime.Verified, 0.9)).
		AddResult("done", stepOK(runtime.Verified, 0.9))
	exec := newGatedExecutor(scripted, "plan")
	rt := newTestRuntime(t, t.TempDir(), exec, nil)
	mustRegister(t, rt, linearFlow())

	runID, _, err := rt.CreateRun(context.Background(), "release", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitEntered(t, exec, "plan")

	spec := runtime.NodeSpec{ID: "hotfix", Station: "builder"}
	if _, err := rt.InjectNode(runID, "", spec, runtime.BeforeNext); err != nil {
		t.Fatalf("inject: %v", err)
	}
	// A second pending detour is refused until the first one applies.
	if _, err := rt.InjectNode(runID, "", runtime.NodeSpec{ID: "hotfix2", Station: "builder"}, runtime.BeforeNext); !errors.Is(err, runtime.ErrConflict) {
		t.Fatalf("second inject err=%v, want ErrConflict", err)
	}
	exec.release("plan")

	if status := waitDone(t, rt, runID); status != runtime.RunSucceeded {
		t.Fatalf("status=%s, want succeeded", status)
	}
	if visits := scripted.Visits(); !reflect.DeepEqual(visits, []string{"plan", "hotfix", "build", "done"}) {
		t.Fatalf("visits=%v", visits)
	}

	kinds := eventKinds(t, rt, runID)
	var filtered []runtime.EventKind
	for _, k := range kinds {
		switch k {
		case runtime.EventNodeInjected, runtime.EventStackPush, runtime.EventStackPop:
			filtered = append(filtered, k)
		}
	}
	want := []runtime.EventKind{runtime.EventNodeInjected, runtime.EventStackPush, runtime.EventStackPop}
	if !reflect.DeepEqual(filtered, want) {
		t.Fatalf("stack events=%v, want %v", filtered, want)
	}

	st, _, _ := rt.GetState(runID)
	if len(st.InterruptionStack) != 0 {
		t.Fatalf("stack not empty at completion: %v", st.InterruptionStack)
	}
	reasons := decisionReasons(t, rt, runID)
	found := false
	for _, r := range reasons {
		if r == runtime.ReasonPopStack {
			found = true
		}
	}
	if !found {
		t.Fatalf("no POP_STACK decision in %v", reasons)
	}
}

func TestInterruptRunsDetourFlow(t *testing.T) {
	scripted := engine.NewScriptedExecutor().
		AddResult("plan", stepOK(runtime.Verified, 0.9)).
		AddResult("hf-diag", stepOK(runtime.Verified, 0.9)).
		AddResult("hf-fix", stepOK(runtime.Verified, 0.9)).
		AddResult("build", stepOK(runtime.Verified, 0.9)).
		AddResult("done", stepOK(runtime.Verified, 0.9))
	exec := newGatedExecutor(scripted, "plan")
	rt := newTestRuntime(t, t.TempDir(), exec, nil)
	mustRegister(t, rt, linearFlow(), detourFlow())

	runID, _, err := rt.CreateRun(context.Background(), "release", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitEntered(t, exec, "plan")
	if _, err := rt.Interrupt(runID, "", "hotfix-flow", ""); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	exec.release("plan")

	if status := waitDone(t, rt, runID); status != runtime.RunSucceeded {
		t.Fatalf("status=%s, want succeeded", status)
	}
	wantVisits := []string{"plan", "hf-diag", "hf-fix", "build", "done"}
	if visits := scripted.Visits(); !reflect.DeepEqual(visits, wantVisits) {
		t.Fatalf("visits=%v, want %v", visits, wantVisits)
	}
	if _, ok := findEvent(t, rt, runID, runtime.EventFlowInjected); !ok {
		t.Fatal("no flow_injected event")
	}
	if _, ok := findEvent(t, rt, runID, runtime.EventStackPop); !ok {
		t.Fatal("no stack_pop event after detour flow terminal")
	}
}

func TestInterruptOverflowPrevented(t *testing.T) {
	scripted := engine.NewScriptedExecutor().
		AddResult("plan", stepOK(runtime.Verified, 0.9)).
		AddResult("hf-diag", stepOK(runtime.Verified, 0.9)).
		AddResult("hf-fix", stepOK(runtime.Verified, 0.9)).
		AddResult("build", stepOK(runtime.Verified, 0.9)).
		AddResult("done", stepOK(runtime.Verified, 0.9))
	exec := newGatedExecutor(scripted, "plan", "hf-diag")
	rt := newTestRuntime(t, t.TempDir(), exec, nil)
	g := linearFlow()
	g.Policy.MaxStackDepth = 1
	mustRegister(t, rt, g, detourFlow())

	runID, _, err := rt.CreateRun(context.Background(), "release", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitEntered(t, exec, "plan")
	if _, err := rt.Interrupt(runID, "", "hotfix-flow", ""); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	exec.release("plan")
	waitEntered(t, exec, "hf-diag")

	// Depth is at the limit now; a second interrupt is refused, recorded, and
	// leaves the stack untouched.
	if _, err := rt.Interrupt(runID, "", "hotfix-flow", ""); !errors.Is(err, runtime.ErrStackOverflow) {
		t.Fatalf("second interrupt err=%v, want ErrStackOverflow", err)
	}
	if _, ok := findEvent(t, rt, runID, runtime.EventStackOverflowPrevented); !ok {
		t.Fatal("no stack_overflow_prevented event")
	}
	st, _, err := rt.GetState(runID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if len(st.InterruptionStack) != 1 {
		t.Fatalf("stack depth=%d, want 1", len(st.InterruptionStack))
	}
	if !st.NextNeedsHuman {
		t.Fatal("refused interrupt must flag the next decision for a human")
	}

	exec.release("hf-diag")
	if status := waitDone(t, rt, runID); status != runtime.RunSucceeded {
		t.Fatalf("status=%s, want succeeded", status)
	}
}

func TestShutdownAndResumeRun(t *testing.T) {
	root := t.TempDir()

	scripted := engine.NewScriptedExecutor().
		AddResult("plan", stepOK(runtime.Verified, 0.9))
	exec := newGatedExecutor(scripted, "plan")
	store1, err := state.NewStore(root)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	rt1, err := NewRuntime(Config{Store: store1, Executor: exec, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	mustRegister(t, rt1, linearFlow())

	runID, _, err := rt1.CreateRun(context.Background(), "release", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitEntered(t, exec, "plan")
	// Kill mid-step: step_start is on disk, step_end is not.
	if err := rt1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	exec2 := engine.NewScriptedExecutor().
		AddResult("plan", stepOK(runtime.Verified, 0.9)).
		AddResult("build", stepOK(runtime.Verified, 0.9)).
		AddResult("done", stepOK(runtime.Verified, 0.9))
	rt2 := newTestRuntime(t, root, exec2, nil)
	mustRegister(t, rt2, linearFlow())

	if _, err := rt2.ResumeRun(context.Background(), runID); err != nil {
		t.Fatalf("resume run: %v", err)
	}
	if status := waitDone(t, rt2, runID); status != runtime.RunSucceeded {
		t.Fatalf("status=%s, want succeeded", status)
	}

	// The interrupted visit re-executes; completed steps never do.
	starts, ends := 0, 0
	events, err := rt2.store.ReadEvents(runID, 1)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	for _, ev := range events {
		if ev.NodeID != "plan" {
			continue
		}
		switch ev.Kind {
		case runtime.EventStepStart:
			starts++
		case runtime.EventStepEnd:
			ends++
		}
	}
	if starts != 2 || ends != 1 {
		t.Fatalf("plan step_start=%d step_end=%d, want 2 and 1", starts, ends)
	}
	if visits := exec2.Visits(); !reflect.DeepEqual(visits, []string{"plan", "build", "done"}) {
		t.Fatalf("resumed visits=%v", visits)
	}
}

func TestResumeReconstructsFailedOutcome(t *testing.T) {
	root := t.TempDir()

	// State on disk says the last visit to build failed; the worker crashed
	// before routing it. Only the events after resume exist.
	store, err := state.NewStore(root)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	st := runtime.NewRunState(state.NewRunID(), "iterate", "build", nil)
	st.Status = runtime.RunRunning
	st.LastExecutedNodeID = "build"
	st.LastNodeStatus = runtime.NodeFailed
	st.LastErrorKind = runtime.ErrKindEngineFailed
	st.IterationCounts["build"] = 1
	st.StepCount = 1
	env := runtime.Envelope{VerificationStatus: runtime.Blocked, Summary: "build exploded"}
	st.LastEnvelope = &env
	if _, err := store.CreateRun(st); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	// Only done is scripted: the failed build must not loop (its loop edge
	// requires a clean result) and must not re-execute.
	exec := engine.NewScriptedExecutor().
		AddResult("done", stepOK(runtime.Verified, 0.9))
	rt := newTestRuntime(t, root, exec, nil)
	g := loopFlow("")
	g.EdgeByID("e-loop").Condition = `!has_errors`
	mustRegister(t, rt, g)

	if _, err := rt.ResumeRun(context.Background(), st.RunID); err != nil {
		t.Fatalf("resume run: %v", err)
	}
	if status := waitDone(t, rt, st.RunID); status != runtime.RunSucceeded {
		t.Fatalf("status=%s, want succeeded", status)
	}
	if visits := exec.Visits(); !reflect.DeepEqual(visits, []string{"done"}) {
		t.Fatalf("visits=%v, want [done]", visits)
	}
	reasons := decisionReasons(t, rt, st.RunID)
	if !reflect.DeepEqual(reasons, []string{runtime.ReasonSingleCandidate}) {
		t.Fatalf("decision reasons=%v, want [SINGLE_CANDIDATE]", reasons)
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	script := func() *engine.ScriptedExecutor {
		return engine.NewScriptedExecutor().
			AddResult("build", stepOK(runtime.Unverified, 0.5)).
			AddResult("build", stepOK(runtime.Verified, 0.9)).
			AddResult("done", stepOK(runtime.Verified, 0.9))
	}

	var kindSeqs [][]runtime.EventKind
	var reasonSeqs [][]string
	for i := 0; i < 2; i++ {
		rt := newTestRuntime(t, t.TempDir(), script(), nil)
		mustRegister(t, rt, loopFlow(`status == "VERIFIED"`))
		runID, _, err := rt.CreateRun(context.Background(), "iterate", nil)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if status := waitDone(t, rt, runID); status != runtime.RunSucceeded {
			t.Fatalf("status=%s, want succeeded", status)
		}
		kindSeqs = append(kindSeqs, eventKinds(t, rt, runID))
		reasonSeqs = append(reasonSeqs, decisionReasons(t, rt, runID))
	}
	if !reflect.DeepEqual(kindSeqs[0], kindSeqs[1]) {
		t.Fatalf("event kinds diverged:\n%v\n%v", kindSeqs[0], kindSeqs[1])
	}
	if !reflect.DeepEqual(reasonSeqs[0], reasonSeqs[1]) {
		t.Fatalf("decision reasons diverged:\n%v\n%v", reasonSeqs[0], reasonSeqs[1])
	}
}

func TestSubscribeEventsReplays(t *testing.T) {
	exec := engine.NewScriptedExecutor().
		AddResult("plan", stepOK(runtime.Verified, 0.9)).
		AddResult("build", stepOK(runtime.Verified, 0.9)).
		AddResult("done", stepOK(runtime.Verified, 0.9))
	rt := newTestRuntime(t, t.TempDir(), exec, nil)
	mustRegister(t, rt, linearFlow())

	runID, _, err := rt.CreateRun(context.Background(), "release", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if status := waitDone(t, rt, runID); status != runtime.RunSucceeded {
		t.Fatalf("status=%s, want succeeded", status)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := rt.SubscribeEvents(ctx, runID, 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var got []runtime.EventKind
	timeout := time.After(5 * time.Second)
	for {
		var done bool
		select {
		case ev := <-ch:
			got = append(got, ev.Kind)
			if ev.Kind == runtime.EventRunCompleted {
				done = true
			}
		case <-timeout:
			t.Fatalf("timed out after %d events: %v", len(got), got)
		}
		if done {
			break
		}
	}
	if want := eventKinds(t, rt, runID); !reflect.DeepEqual(got, want) {
		t.Fatalf("replayed kinds:\n got %v\nwant %v", got, want)
	}
}

func TestCreateRunUnknownFlow(t *testing.T) {
	rt := newTestRuntime(t, t.TempDir(), engine.NewScriptedExecutor(), nil)
	if _, _, err := rt.CreateRun(context.Background(), "nope", nil); !errors.Is(err, runtime.ErrUnknownFlow) {
		t.Fatalf("err=%v, want ErrUnknownFlow", err)
	}
}

func TestRegisterFlowRejectsInvalid(t *testing.T) {
	rt := newTestRuntime(t, t.TempDir(), engine.NewScriptedExecutor(), nil)
	g := linearFlow()
	g.Nodes["plan"].Start = false
	if err := rt.RegisterFlow(g); !errors.Is(err, runtime.ErrInvalidSpec) {
		t.Fatalf("err=%v, want ErrInvalidSpec", err)
	}
}

func TestFailedStepRoutesToFailure(t *testing.T) {
	failed := &runtime.NodeResult{
		Status:  runtime.NodeFailed,
		Receipt: runtime.Receipt{ErrorKind: runtime.ErrKindEngineFailed},
		Envelope: runtime.Envelope{
			VerificationStatus: runtime.Blocked,
			Summary:            "build exploded",
		},
	}
	exec := engine.NewScriptedExecutor().
		AddResult("build", failed).
		AddResult("done", stepOK(runtime.Verified, 0.9))
	rt := newTestRuntime(t, t.TempDir(), exec, nil)
	// Failure exits the loop: the loop edge requires a non-failed result via
	// condition, and the step error is on the record.
	g := loopFlow("")
	g.EdgeByID("e-loop").Condition = `!has_errors`
	mustRegister(t, rt, g)

	runID, _, err := rt.CreateRun(context.Background(), "iterate", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if status := waitDone(t, rt, runID); status != runtime.RunSucceeded {
		t.Fatalf("status=%s, want succeeded (failure routed to terminal)", status)
	}
	if _, ok := findEvent(t, rt, runID, runtime.EventStepError); !ok {
		t.Fatal("no step_error event for failed node")
	}
}
