package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/EffortlessMetrics/switchyard/internal/route"
	"github.com/EffortlessMetrics/switchyard/internal/runtime"
)

// ScriptedExecutor replays canned results per node, in order. Steps may also
// be errors, which lets tests drive the transient-retry path. Running out of
// script is a test bug and fails loudly.
type ScriptedExecutor struct {
	mu      sync.Mutex
	scripts map[string][]scriptStep
	visits  []string
}

type scriptStep struct {
	result *runtime.NodeResult
	err    error
}

func NewScriptedExecutor() *ScriptedExecutor {
	return &ScriptedExecutor{scripts: map[string][]scriptStep{}}
}

// AddResult queues a result for the node's next unscripted visit.
func (e *ScriptedExecutor) AddResult(nodeID string, res *runtime.NodeResult) *ScriptedExecutor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[nodeID] = append(e.scripts[nodeID], scriptStep{result: res})
	return e
}

// AddError queues an execution error (wrap with Transient for retryable).
func (e *ScriptedExecutor) AddError(nodeID string, err error) *ScriptedExecutor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[nodeID] = append(e.scripts[nodeID], scriptStep{err: err})
	return e
}

// Visits returns node ids in execution order.
func (e *ScriptedExecutor) Visits() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.visits...)
}

func (e *ScriptedExecutor) Execute(_ context.Context, nc NodeContext) (*runtime.NodeResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.visits = append(e.visits, nc.Node.ID)

	steps := e.scripts[nc.Node.ID]
	if len(steps) == 0 {
		return nil, fmt.Errorf("no scripted step for node %s (visit %d)", nc.Node.ID, len(e.visits))
	}
	step := steps[0]
	e.scripts[nc.Node.ID] = steps[1:]
	if step.err != nil {
		return nil, step.err
	}
	return step.result, nil
}

// PriorityOracle is the zero-dependency tie-breaker: it always picks the
// first candidate, which the router hands over in priority-then-authoring
// order.
type PriorityOracle struct{}

func (PriorityOracle) Tiebreak(_ context.Context, cands []route.Candidate, _ route.OracleContext) (route.OracleDecision, error) {
	if len(cands) == 0 {
		return route.OracleDecision{}, fmt.Errorf("no candidates to break")
	}
	return route.OracleDecision{
		EdgeID:     cands[0].EdgeID,
		Confidence: 1.0,
		Reason:     "highest priority candidate",
	}, nil
}

// ScriptedOracle returns one fixed decision, for tests.
type ScriptedOracle struct {
	Decision route.OracleDecision
	Err      error
}

func (o ScriptedOracle) Tiebreak(context.Context, []route.Candidate, route.OracleContext) (route.OracleDecision, error) {
	if o.Err != nil {
		return route.OracleDecision{}, o.Err
	}
	return o.Decision, nil
}

var (
	_ Executor     = (*ScriptedExecutor)(nil)
	_ route.Oracle = PriorityOracle{}
	_ route.Oracle = ScriptedOracle{}
)
