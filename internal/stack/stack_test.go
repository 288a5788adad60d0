package stack

import (
	"errors"
	"testing"
	"time"

	"github.com/EffortlessMetrics/switchyard/internal/runtime"
)

func frame(injected string) runtime.StackFrame {
	return runtime.StackFrame{
		InjectedNodeID: injected,
		OriginNodeID:   "origin",
		ResumeEdgeID:   "e1",
		InjectedBy:     runtime.InjectedByOperator,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestPushPopLIFO(t *testing.T) {
	var frames []runtime.StackFrame
	var err error
	for _, id := range []string{"d1", "d2", "d3"} {
		frames, err = Push(frames, frame(id), 3)
		if err != nil {
			t.Fatalf("Push(%s): %v", id, err)
		}
	}
	if Depth(frames) != 3 {
		t.Fatalf("depth=%d, want 3", Depth(frames))
	}

	for _, want := range []string{"d3", "d2", "d1"} {
		var top runtime.StackFrame
		var ok bool
		frames, top, ok = Pop(frames)
		if !ok || top.InjectedNodeID != want {
			t.Fatalf("Pop: got (%q, %v), want (%q, true)", top.InjectedNodeID, ok, want)
		}
	}
	if _, _, ok := Pop(frames); ok {
		t.Fatal("Pop on empty stack reported ok")
	}
}

func TestPushOverflowLeavesStackUnchanged(t *testing.T) {
	frames := []runtime.StackFrame{frame("d1"), frame("d2"), frame("d3")}
	got, err := Push(frames, frame("d4"), 3)
	if !errors.Is(err, runtime.ErrStackOverflow) {
		t.Fatalf("want ErrStackOverflow, got %v", err)
	}
	if len(got) != 3 || got[2].InjectedNodeID != "d3" {
		t.Fatalf("stack mutated on overflow: %+v", got)
	}
}

func TestPeek(t *testing.T) {
	if _, ok := Peek(nil); ok {
		t.Fatal("Peek on empty stack reported ok")
	}
	frames := []runtime.StackFrame{frame("d1"), frame("d2")}
	top, ok := Peek(frames)
	if !ok || top.InjectedNodeID != "d2" {
		t.Fatalf("Peek=%q ok=%v, want d2 true", top.InjectedNodeID, ok)
	}
	if Depth(frames) != 2 {
		t.Fatal("Peek changed depth")
	}
}
