package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/EffortlessMetrics/switchyard/internal/engine"
	"github.com/EffortlessMetrics/switchyard/internal/flow"
	"github.com/EffortlessMetrics/switchyard/internal/route"
	"github.com/EffortlessMetrics/switchyard/internal/runtime"
	"github.com/EffortlessMetrics/switchyard/internal/stack"
)

// worker owns one run. All state mutation happens under mu; the mutex is
// released only around the engine and oracle calls, which are the sanctioned
// suspension points.
type worker struct {
	rt     *Runtime
	graph  *flow.Graph
	router *route.Router

	mu   sync.Mutex
	st   *runtime.RunState
	etag string

	// lastResult is the in-memory result of the last executed node; after a
	// crash-resume it is reconstructed from the persisted envelope.
	lastResult *runtime.NodeResult

	ioErr error

	resumeCh chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
}

func newWorker(rt *Runtime, g *flow.Graph, st *runtime.RunState, etag string) *worker {
	return &worker{
		rt:       rt,
		graph:    g,
		router:   &route.Router{Oracle: rt.cfg.Oracle},
		st:       st,
		etag:     etag,
		resumeCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (w *worker) shutdown() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
}

func (w *worker) snapshot() (*runtime.RunState, string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.st.Clone(), w.etag, nil
}

func (w *worker) currentEtag() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.etag
}

// emitInitial records run_created before the loop's first tick.
func (w *worker) emitInitial() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emit(runtime.EventRunCreated, "", map[string]any{"flow_id": w.st.FlowID})
	w.checkpoint()
}

func (w *worker) loop(ctx context.Context) {
	defer close(w.done)
	defer w.rt.removeWorker(w.st.RunID)
	defer func() {
		_ = w.rt.store.ReleaseLease(w.st.RunID, w.st.OwnerToken)
	}()

	// Shutdown must unblock an in-flight engine call.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		w.mu.Lock()
		switch {
		case w.ioErr != nil:
			w.finish(runtime.RunFailed, runtime.ErrKindCheckpointFailed, "store unwritable: "+w.ioErr.Error())
			w.mu.Unlock()
			return
		case w.st.Status.Terminal():
			w.mu.Unlock()
			return
		case w.st.CancelRequested:
			w.finish(runtime.RunCancelled, "", "cancelled by operator")
			w.mu.Unlock()
			return
		case w.st.Status == runtime.RunCreated:
			w.st.Status = runtime.RunRunning
			w.emit(runtime.EventRunStarted, w.st.CurrentNodeID, nil)
			w.checkpoint()
			w.mu.Unlock()
		case w.st.PauseRequested:
			w.st.PauseRequested = false
			w.st.Status = runtime.RunPaused
			w.emit(runtime.EventRunPaused, w.st.CurrentNodeID, nil)
			w.checkpoint()
			w.mu.Unlock()
			w.waitResume(ctx)
		case w.st.Status == runtime.RunPaused:
			w.mu.Unlock()
			w.waitResume(ctx)
		default:
			w.mu.Unlock()
			w.tick(ctx)
		}
	}
}

func (w *worker) waitResume(ctx context.Context) {
	select {
	case <-w.resumeCh:
	case <-w.stopCh:
	case <-ctx.Done():
	}
}

// tick runs one load -> execute -> route -> apply -> checkpoint cycle.
func (w *worker) tick(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	_ = w.rt.store.RenewLease(w.st.RunID, w.st.OwnerToken, w.rt.cfg.LeaseTTL)

	if w.st.LastExecutedNodeID != w.st.CurrentNodeID {
		w.executeCurrent(ctx)
		return
	}
	w.routeCurrent(ctx)
}

func (w *worker) executeCurrent(ctx context.Context) {
	st := w.st
	node, g, err := w.resolveNode(st.CurrentNodeID)
	if err != nil {
		w.finish(runtime.RunFailed, runtime.ErrKindGraphInvalid, err.Error())
		return
	}

	iteration := st.IterationCounts[node.ID] + 1
	w.emit(runtime.EventStepStart, node.ID, map[string]any{
		"iteration": iteration,
		"step":      st.StepCount + 1,
	})
	w.checkpoint()

	artifacts, _ := w.rt.store.ArtifactsDir(st.RunID)
	nc := engine.NodeContext{
		RunID:         st.RunID,
		Node:          node,
		Station:       g.Station(node),
		Params:        mergeParams(st.Params, node.Params),
		Iteration:     iteration,
		ArtifactsDir:  artifacts,
		PriorEnvelope: st.LastEnvelope,
	}

	res := w.runEngine(ctx, nc)
	if res == nil {
		// Shutdown mid-visit: the step re-executes on resume.
		return
	}

	if canon, cerr := res.Canonicalize(); cerr != nil {
		res = &runtime.NodeResult{
			Status:  runtime.NodeFailed,
			Receipt: runtime.Receipt{ErrorKind: runtime.ErrKindTypeMismatch},
			Envelope: runtime.Envelope{
				VerificationStatus: runtime.Blocked,
				Summary:            runtime.TruncateReason(cerr.Error()),
			},
		}
	} else {
		res = &canon
	}
	st.IterationCounts[node.ID] = iteration
	st.StepCount++
	st.LastExecutedNodeID = node.ID
	env := res.Envelope
	st.LastEnvelope = &env
	st.LastNodeStatus = res.Status
	st.LastErrorKind = res.Receipt.ErrorKind
	w.lastResult = res

	if res.Status == runtime.NodeFailed {
		w.emit(runtime.EventStepError, node.ID, map[string]any{
			"error_kind": res.Receipt.ErrorKind,
			"summary":    res.Envelope.Summary,
		})
	} else {
		w.emit(runtime.EventStepEnd, node.ID, map[string]any{
			"status":              string(res.Status),
			"verification_status": string(res.Envelope.VerificationStatus),
			"confidence":          res.Envelope.Confidence,
			"duration_ms":         res.Receipt.DurationMS,
		})
	}

	// A failure inside a detour does not auto-pop: the frame stays and the
	// operator decides.
	if res.Status == runtime.NodeFailed && w.insideDetour(node.ID) {
		st.NextNeedsHuman = true
		st.Status = runtime.RunPaused
		w.emit(runtime.EventRunPaused, node.ID, map[string]any{"reason": "detour node failed"})
		w.checkpoint()
		return
	}

	// A main-graph terminal node ends the run once it has executed.
	if g == w.graph && node.Terminal && !w.insideDetour(node.ID) {
		if res.Status == runtime.NodeFailed {
			w.finish(runtime.RunFailed, res.Receipt.ErrorKind, res.Envelope.Summary)
		} else {
			w.finish(runtime.RunSucceeded, "", "")
		}
		return
	}

	if pd := st.PendingDetour; pd != nil && pd.Position == runtime.AfterCurrent {
		st.PendingDetour = nil
		if w.applyDetour(pd, "", &env) {
			st.ResumeNodeStatus = res.Status
			st.ResumeErrorKind = res.Receipt.ErrorKind
		}
	}
	w.checkpoint()
}

// runEngine is the unbounded suspension point; the lock is dropped for its
// duration and heartbeats keep observers alive.
func (w *worker) runEngine(ctx context.Context, nc engine.NodeContext) *runtime.NodeResult {
	ectx := ctx
	var cancel context.CancelFunc
	if w.rt.cfg.EngineTimeout > 0 {
		ectx, cancel = context.WithTimeout(ctx, w.rt.cfg.EngineTimeout)
		defer cancel()
	}

	stopHB := w.startHeartbeat(nc.Node.ID)
	w.mu.Unlock()
	res, err := engine.ExecuteWithRetry(ectx, w.rt.cfg.Executor, nc, w.rt.cfg.Retry)
	w.mu.Lock()
	stopHB()

	if err == nil {
		return res
	}
	if ctx.Err() != nil {
		return nil
	}
	kind := runtime.ErrKindEngineFailed
	if errors.Is(err, context.DeadlineExceeded) {
		kind = runtime.ErrKindEngineTimeout
	}
	return &runtime.NodeResult{
		Status:  runtime.NodeFailed,
		Receipt: runtime.Receipt{ErrorKind: kind},
		Envelope: runtime.Envelope{
			VerificationStatus: runtime.Blocked,
			Summary:            runtime.TruncateReason(err.Error()),
		},
	}
}

func (w *worker) startHeartbeat(nodeID string) (stop func()) {
	interval := w.rt.cfg.HeartbeatInterval
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				w.mu.Lock()
				w.emit(runtime.EventHeartbeat, nodeID, nil)
				w.mu.Unlock()
			}
		}
	}()
	return func() { close(done) }
}

func (w *worker) routeCurrent(ctx context.Context) {
	st := w.st
	node, g, err := w.resolveNode(st.CurrentNodeID)
	if err != nil {
		w.finish(runtime.RunFailed, runtime.ErrKindGraphInvalid, err.Error())
		return
	}

	result := w.lastResult
	if result == nil {
		result = reconstructResult(st)
	}

	cands := route.Candidates(g, st, result)
	req := route.Request{
		Graph:           g,
		State:           st,
		Node:            node,
		Result:          result,
		Candidates:      cands,
		ForceNeedsHuman: st.NextNeedsHuman,
	}

	// The oracle call inside Decide is a suspension point.
	w.mu.Unlock()
	decision := w.router.Decide(ctx, req)
	w.mu.Lock()

	st.NextNeedsHuman = false
	st.LastRoutingAudit = decision
	w.emit(runtime.EventRoutingDecision, node.ID, decisionPayload(decision))
	if !decision.Abort && !decision.PopStack && len(cands) > 0 && decision.ChosenCandidateID != cands[0].EdgeID {
		w.emit(runtime.EventRoutingOffroad, node.ID, map[string]any{
			"chosen":  decision.ChosenCandidateID,
			"default": cands[0].EdgeID,
		})
	}

	switch {
	case decision.Abort:
		if decision.ReasonCode == runtime.ReasonSafetyStepCap {
			w.finish(runtime.RunPartial, runtime.ErrKindSafetyStepCap, decision.ReasonText)
		} else {
			w.finish(runtime.RunFailed, decision.ReasonCode, decision.ReasonText)
		}
		return
	case decision.PopStack:
		w.applyPop()
	default:
		// Clearing the marker makes the next tick execute the target even
		// when a loop edge routes back to the node that just ran.
		st.LastExecutedNodeID = ""
		if pd := st.PendingDetour; pd != nil && pd.Position == runtime.BeforeNext {
			st.PendingDetour = nil
			if w.applyDetour(pd, decision.ChosenCandidateID, nil) {
				break
			}
		}
		st.CurrentNodeID = decision.TargetNodeID
	}
	w.lastResult = nil
	w.checkpoint()
}

func (w *worker) applyPop() {
	st := w.st
	frames, frame, ok := stack.Pop(st.InterruptionStack)
	if !ok {
		return
	}
	st.InterruptionStack = frames
	w.emit(runtime.EventStackPop, frame.InjectedNodeID, map[string]any{
		"origin_node_id": frame.OriginNodeID,
		"depth":          len(frames),
	})

	target := frame.ResumeNodeID
	if target == "" {
		if e := w.graph.EdgeByID(frame.ResumeEdgeID); e != nil {
			target = e.To
		}
	}
	if target != "" {
		st.CurrentNodeID = target
		return
	}
	// after_current detour: re-route the origin with its preserved envelope
	// and outcome, without re-executing it.
	st.CurrentNodeID = frame.OriginNodeID
	st.LastExecutedNodeID = frame.OriginNodeID
	st.LastEnvelope = st.ResumeEnvelope
	st.LastNodeStatus = st.ResumeNodeStatus
	st.LastErrorKind = st.ResumeErrorKind
	st.ResumeEnvelope = nil
	st.ResumeNodeStatus = ""
	st.ResumeErrorKind = ""
}

// applyDetour pushes a frame and moves to the injected node. Overflow leaves
// the stack untouched and the run continues on its current path.
func (w *worker) applyDetour(pd *runtime.DetourRequest, resumeEdgeID string, originEnv *runtime.Envelope) bool {
	st := w.st
	frame := runtime.StackFrame{
		InjectedNodeID: pd.InjectedNodeID,
		OriginNodeID:   st.CurrentNodeID,
		ResumeEdgeID:   resumeEdgeID,
		ResumeNodeID:   pd.ResumeAfter,
		DetourFlowID:   pd.DetourFlowID,
		InjectedBy:     pd.InjectedBy,
		CreatedAt:      time.Now().UTC(),
	}
	frames, err := stack.Push(st.InterruptionStack, frame, w.graph.Policy.MaxStackDepth)
	if err != nil {
		w.emit(runtime.EventStackOverflowPrevented, pd.InjectedNodeID, map[string]any{
			"depth": stack.Depth(st.InterruptionStack),
		})
		st.NextNeedsHuman = true
		return false
	}
	st.InterruptionStack = frames
	if originEnv != nil {
		env := *originEnv
		st.ResumeEnvelope = &env
	}
	w.emit(runtime.EventStackPush, pd.InjectedNodeID, map[string]any{
		"origin_node_id": frame.OriginNodeID,
		"resume_edge_id": frame.ResumeEdgeID,
		"depth":          len(frames),
	})
	st.CurrentNodeID = pd.InjectedNodeID
	return true
}

// finish is terminal: status, reason, run_completed, artifact retention.
func (w *worker) finish(status runtime.RunStatus, reasonCode, reason string) {
	st := w.st
	if st.Status.Terminal() {
		return
	}
	st.Status = status
	st.ReasonCode = reasonCode
	if status == runtime.RunFailed || status == runtime.RunPartial {
		st.FailureReason = reason
	}
	if status == runtime.RunCancelled {
		w.emit(runtime.EventRunCancelled, "", map[string]any{"reason": reason})
	}
	w.emit(runtime.EventRunCompleted, "", map[string]any{
		"status":      string(status),
		"reason_code": reasonCode,
	})
	if globs := w.graph.Policy.ArtifactExcludeGlobs; len(globs) > 0 {
		if _, err := w.rt.store.PruneArtifacts(st.RunID, globs); err != nil {
			w.rt.log.Warn().Err(err).Str("run_id", st.RunID).Msg("artifact prune failed")
		}
	}
	w.checkpoint()
}

func (w *worker) insideDetour(nodeID string) bool {
	top, ok := stack.Peek(w.st.InterruptionStack)
	if !ok {
		return false
	}
	if top.InjectedNodeID == nodeID {
		return true
	}
	if top.DetourFlowID != "" {
		if g, found := w.rt.Flow(top.DetourFlowID); found && g.Node(nodeID) != nil {
			return true
		}
	}
	return false
}

// resolveNode finds the node and the graph that owns it: the main graph, a
// detour flow from an active frame, or an operator-injected ad-hoc spec.
func (w *worker) resolveNode(id string) (*flow.Node, *flow.Graph, error) {
	if n := w.graph.Node(id); n != nil {
		return n, w.graph, nil
	}
	for i := len(w.st.InterruptionStack) - 1; i >= 0; i-- {
		fid := w.st.InterruptionStack[i].DetourFlowID
		if fid == "" {
			continue
		}
		if g, ok := w.rt.Flow(fid); ok {
			if n := g.Node(id); n != nil {
				return n, g, nil
			}
		}
	}
	if spec, ok := w.st.InjectedNodes[id]; ok {
		return &flow.Node{
			ID:            spec.ID,
			Station:       spec.Station,
			Params:        spec.Params,
			MaxIterations: spec.MaxIterations,
		}, w.graph, nil
	}
	return nil, nil, fmt.Errorf("node %q not resolvable", id)
}

// emit appends durably, mirrors to the replay store, then publishes. A store
// failure poisons the worker; the loop turns it into CheckpointFailed.
func (w *worker) emit(kind runtime.EventKind, nodeID string, payload map[string]any) {
	if w.ioErr != nil {
		return
	}
	ev := runtime.Event{
		RunID:   w.st.RunID,
		Seq:     w.st.LastSeq + 1,
		Kind:    kind,
		NodeID:  nodeID,
		TS:      time.Now().UTC(),
		Payload: payload,
	}
	if err := w.rt.store.AppendEvent(ev); err != nil {
		w.ioErr = err
		w.rt.log.Error().Err(err).Str("run_id", w.st.RunID).Msg("event append failed")
		return
	}
	w.st.LastSeq = ev.Seq
	if es := w.rt.cfg.EventStore; es != nil {
		if err := es.Append(context.Background(), ev); err != nil {
			w.rt.log.Warn().Err(err).Str("run_id", w.st.RunID).Msg("event mirror failed")
		}
	}
	w.rt.bus.Publish(ev)
}

func (w *worker) checkpoint() {
	if w.ioErr != nil {
		return
	}
	w.st.UpdatedAt = time.Now().UTC()
	etag, err := w.rt.store.SaveState(w.st, "")
	if err != nil {
		w.ioErr = err
		w.rt.log.Error().Err(err).Str("run_id", w.st.RunID).Msg("checkpoint failed")
		return
	}
	w.etag = etag
}

// reconstructResult rebuilds the last node's result from persisted state so
// routing after a crash-resume (or a pop re-route) sees the real outcome.
func reconstructResult(st *runtime.RunState) *runtime.NodeResult {
	res := &runtime.NodeResult{Status: runtime.NodeSucceeded}
	if st.LastNodeStatus != "" {
		res.Status = st.LastNodeStatus
	}
	res.Receipt.ErrorKind = st.LastErrorKind
	if st.LastEnvelope != nil {
		res.Envelope = *st.LastEnvelope
	}
	return res
}

func decisionPayload(d *runtime.RouteDecision) map[string]any {
	b, err := json.Marshal(d)
	if err != nil {
		return map[string]any{"reason_code": d.ReasonCode}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{"reason_code": d.ReasonCode}
	}
	return m
}

func mergeParams(run, node map[string]any) map[string]any {
	if len(run) == 0 && len(node) == 0 {
		return nil
	}
	out := make(map[string]any, len(run)+len(node))
	for k, v := range run {
		out[k] = v
	}
	for k, v := range node {
		out[k] = v
	}
	return out
}
