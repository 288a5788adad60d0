package kernel

import (
	"fmt"
	"time"

	"github.com/EffortlessMetrics/switchyard/internal/runtime"
	"github.com/EffortlessMetrics/switchyard/internal/stack"
)

// control runs one operator mutation under the worker lock. An empty etag
// skips the precondition; a mismatch is ErrConflict before fn runs. State is
// checkpointed even when fn errs, because a refused interrupt still records
// its stack_overflow_prevented event.
func (w *worker) control(etag string, fn func() error) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if etag != "" && etag != w.etag {
		return "", fmt.Errorf("run %s: %w", w.st.RunID, runtime.ErrConflict)
	}
	err := fn()
	w.checkpoint()
	if err != nil {
		return "", err
	}
	if w.ioErr != nil {
		return "", w.ioErr
	}
	return w.etag, nil
}

func (w *worker) requestPause(etag string) (string, error) {
	return w.control(etag, func() error {
		if w.st.Status != runtime.RunRunning {
			return fmt.Errorf("pause from %q: %w", w.st.Status, runtime.ErrIllegalTransition)
		}
		w.st.PauseRequested = true
		return nil
	})
}

func (w *worker) requestResume(etag string) (string, error) {
	return w.control(etag, func() error {
		// A pause requested but not yet honored is simply withdrawn.
		if w.st.Status == runtime.RunRunning && w.st.PauseRequested {
			w.st.PauseRequested = false
			return nil
		}
		if w.st.Status != runtime.RunPaused {
			return fmt.Errorf("resume from %q: %w", w.st.Status, runtime.ErrIllegalTransition)
		}
		w.st.Status = runtime.RunRunning
		w.emit(runtime.EventRunResumed, w.st.CurrentNodeID, nil)
		w.wake()
		return nil
	})
}

func (w *worker) requestCancel(etag string) (string, error) {
	return w.control(etag, func() error {
		if w.st.Status.Terminal() {
			return fmt.Errorf("cancel from %q: %w", w.st.Status, runtime.ErrIllegalTransition)
		}
		w.st.CancelRequested = true
		w.wake()
		return nil
	})
}

// requestInjectNode queues an ad-hoc station visit. The node id must be new
// to this run and the station must exist in the flow's catalog.
func (w *worker) requestInjectNode(etag string, spec runtime.NodeSpec, position runtime.DetourPosition) (string, error) {
	return w.control(etag, func() error {
		if w.st.Status.Terminal() {
			return fmt.Errorf("inject into %q run: %w", w.st.Status, runtime.ErrIllegalTransition)
		}
		if spec.ID == "" || spec.Station == "" {
			return fmt.Errorf("node spec needs id and station: %w", runtime.ErrInvalidSpec)
		}
		if w.graph.Node(spec.ID) != nil {
			return fmt.Errorf("node id %q already in graph: %w", spec.ID, runtime.ErrInvalidSpec)
		}
		if _, taken := w.st.InjectedNodes[spec.ID]; taken {
			return fmt.Errorf("node id %q already injected: %w", spec.ID, runtime.ErrInvalidSpec)
		}
		if len(w.graph.Stations) > 0 && w.graph.Stations[spec.Station] == nil {
			return fmt.Errorf("station %q not in catalog: %w", spec.Station, runtime.ErrInvalidSpec)
		}
		if position != runtime.BeforeNext && position != runtime.AfterCurrent {
			return fmt.Errorf("position %q: %w", position, runtime.ErrInvalidParams)
		}
		if w.st.PendingDetour != nil {
			return fmt.Errorf("detour already pending: %w", runtime.ErrConflict)
		}
		if err := w.checkStackRoom(spec.ID); err != nil {
			return err
		}

		sp := spec
		if w.st.InjectedNodes == nil {
			w.st.InjectedNodes = map[string]*runtime.NodeSpec{}
		}
		w.st.InjectedNodes[spec.ID] = &sp
		w.st.PendingDetour = &runtime.DetourRequest{
			InjectedNodeID: spec.ID,
			Position:       position,
			InjectedBy:     runtime.InjectedByOperator,
			RequestedAt:    time.Now().UTC(),
		}
		w.emit(runtime.EventNodeInjected, spec.ID, map[string]any{
			"station":  spec.Station,
			"position": string(position),
		})
		return nil
	})
}

// requestInterrupt queues a whole detour flow; the main flow resumes after the
// detour reaches one of its terminals. resumeAfter optionally names the main
// graph node to land on instead of following the interrupted edge.
func (w *worker) requestInterrupt(etag, detourFlowID, entryNodeID, resumeAfter string) (string, error) {
	return w.control(etag, func() error {
		if w.st.Status.Terminal() {
			return fmt.Errorf("interrupt %q run: %w", w.st.Status, runtime.ErrIllegalTransition)
		}
		if resumeAfter != "" && w.graph.Node(resumeAfter) == nil {
			return fmt.Errorf("resume_after %q not in flow: %w", resumeAfter, runtime.ErrInvalidParams)
		}
		if w.st.PendingDetour != nil {
			return fmt.Errorf("detour already pending: %w", runtime.ErrConflict)
		}
		if err := w.checkStackRoom(entryNodeID); err != nil {
			return err
		}

		w.st.PendingDetour = &runtime.DetourRequest{
			InjectedNodeID: entryNodeID,
			DetourFlowID:   detourFlowID,
			Position:       runtime.BeforeNext,
			ResumeAfter:    resumeAfter,
			InjectedBy:     runtime.InjectedByOperator,
			RequestedAt:    time.Now().UTC(),
		}
		w.emit(runtime.EventFlowInjected, entryNodeID, map[string]any{
			"detour_flow_id": detourFlowID,
			"resume_after":   resumeAfter,
		})
		return nil
	})
}

// checkStackRoom refuses a detour that would overflow the stack: the refusal
// is recorded as an event, the next decision is flagged for a human, and the
// stack itself stays untouched.
func (w *worker) checkStackRoom(nodeID string) error {
	if stack.Depth(w.st.InterruptionStack) < w.graph.Policy.MaxStackDepth {
		return nil
	}
	w.emit(runtime.EventStackOverflowPrevented, nodeID, map[string]any{
		"depth": stack.Depth(w.st.InterruptionStack),
		"limit": w.graph.Policy.MaxStackDepth,
	})
	w.st.NextNeedsHuman = true
	return fmt.Errorf("depth %d at limit %d: %w",
		stack.Depth(w.st.InterruptionStack), w.graph.Policy.MaxStackDepth, runtime.ErrStackOverflow)
}

// wake nudges a worker blocked in waitResume.
func (w *worker) wake() {
	select {
	case w.resumeCh <- struct{}{}:
	default:
	}
}
