// Package stack implements the bounded LIFO of detour frames stored inside a
// RunState. Operations are pure over the frame slice; the kernel owns the
// surrounding checkpoint and event emission.
package stack

import (
	"fmt"

	"github.com/EffortlessMetrics/switchyard/internal/runtime"
)

// Push appends a frame, enforcing the depth limit. On overflow the original
// slice is returned untouched together with runtime.ErrStackOverflow; the
// caller decides whether to continue on the current path.
func Push(frames []runtime.StackFrame, frame runtime.StackFrame, maxDepth int) ([]runtime.StackFrame, error) {
	if maxDepth <= 0 {
		maxDepth = 1
	}
	if len(frames) >= maxDepth {
		return frames, fmt.Errorf("%w: depth %d at limit %d", runtime.ErrStackOverflow, len(frames), maxDepth)
	}
	return append(frames, frame), nil
}

// Pop removes and returns the top frame. ok is false on an empty stack.
func Pop(frames []runtime.StackFrame) (rest []runtime.StackFrame, top runtime.StackFrame, ok bool) {
	if len(frames) == 0 {
		return frames, runtime.StackFrame{}, false
	}
	n := len(frames) - 1
	return frames[:n], frames[n], true
}

// Peek returns the top frame without removing it.
func Peek(frames []runtime.StackFrame) (runtime.StackFrame, bool) {
	if len(frames) == 0 {
		return runtime.StackFrame{}, false
	}
	return frames[len(frames)-1], true
}

func Depth(frames []runtime.StackFrame) int { return len(frames) }
