package route

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EffortlessMetrics/switchyard/internal/cond"
	"github.com/EffortlessMetrics/switchyard/internal/flow"
	"github.com/EffortlessMetrics/switchyard/internal/runtime"
)

// Oracle breaks ties when more than one candidate survives the decision
// chain. Implementations live in the engine adapter; the router only
// enforces the contract (returned id must be in the input set, confidence
// must clear the policy threshold, the call must fit the budget).
type Oracle interface {
	Tiebreak(ctx context.Context, cands []Candidate, oc OracleContext) (OracleDecision, error)
}

// OracleContext is the read-only view handed to the tie-breaker.
type OracleContext struct {
	RunID  string
	NodeID string
	Env    cond.Env
}

type OracleDecision struct {
	EdgeID     string
	Confidence float64
	Reason     string
}

// Router runs the fixed-priority decision chain. It never returns an error:
// expression and oracle failures degrade to the deterministic default and
// are recorded in the audit.
type Router struct {
	Oracle Oracle
}

// Request carries one tick's routing inputs.
type Request struct {
	Graph  *flow.Graph
	State  *runtime.RunState
	Node   *flow.Node
	Result *runtime.NodeResult

	Candidates []Candidate

	// ForceNeedsHuman is set after a prevented stack overflow.
	ForceNeedsHuman bool
}

type chainState struct {
	decision *runtime.RouteDecision
	audits   map[string]*runtime.CandidateAudit
	order    []string
	alive    []Candidate
	trueCond map[string]bool
}

func (cs *chainState) eliminate(edgeID, reason string) {
	if a := cs.audits[edgeID]; a != nil && a.EliminatedReason == "" {
		a.EliminatedReason = reason
	}
	kept := cs.alive[:0]
	for _, c := range cs.alive {
		if c.EdgeID != edgeID {
			kept = append(kept, c)
		}
	}
	cs.alive = kept
}

func (cs *chainState) eliminateRemaining(chosenID, reason string) {
	for _, c := range cs.alive {
		if c.EdgeID != chosenID {
			if a := cs.audits[c.EdgeID]; a != nil && a.EliminatedReason == "" {
				a.EliminatedReason = reason
			}
		}
	}
}

// Decide evaluates the chain: hard constraints, stop/terminal, microloop
// exit conditions, explicit hint, edge conditions, single survivor,
// tie-breaker. The first rule that resolves decides.
func (r *Router) Decide(ctx context.Context, req Request) *runtime.RouteDecision {
	start := time.Now()
	cs := &chainState{
		decision: &runtime.RouteDecision{},
		audits:   map[string]*runtime.CandidateAudit{},
		trueCond: map[string]bool{},
	}
	for _, c := range req.Candidates {
		cs.audits[c.EdgeID] = &runtime.CandidateAudit{
			EdgeID:       c.EdgeID,
			TargetNodeID: c.Target,
			Origin:       c.Origin,
		}
		cs.order = append(cs.order, c.EdgeID)
		cs.alive = append(cs.alive, c)
	}

	d := r.decide(ctx, req, cs)
	for _, id := range cs.order {
		d.CandidatesConsidered = append(d.CandidatesConsidered, *cs.audits[id])
	}
	if req.ForceNeedsHuman {
		d.NeedsHuman = true
	}
	d.DecisionMS = time.Since(start).Milliseconds()
	d.ReasonText = runtime.TruncateReason(d.ReasonText)
	return d
}

func (r *Router) decide(ctx context.Context, req Request, cs *chainState) *runtime.RouteDecision {
	d := cs.decision
	env := cond.BuildEnv(req.State, req.Result, req.Graph.ResolvedMaxIterations(req.Node.ID))

	// 1. Hard constraints.
	for _, c := range append([]Candidate{}, cs.alive...) {
		if c.PopStack {
			continue
		}
		target := req.Graph.Node(c.Target)
		if target == nil {
			cs.eliminate(c.EdgeID, "target_missing")
			continue
		}
		if missing := unsatisfiedInputs(target, req.Result); missing != "" {
			cs.eliminate(c.EdgeID, "required_input_missing:"+missing)
		}
	}

	// Synthetic pop is decided immediately; there is never an alternative.
	if len(cs.alive) == 1 && cs.alive[0].PopStack {
		c := cs.alive[0]
		d.ChosenCandidateID = c.EdgeID
		d.TargetNodeID = c.Target
		d.PopStack = true
		d.DecisionType = runtime.DecisionDeterministic
		d.ReasonCode = runtime.ReasonPopStack
		d.ReasonText = "detour complete, resuming at " + c.Target
		d.Confidence = 1
		return d
	}

	// 2. Stop conditions.
	if req.State.StepCount >= req.Graph.Policy.MaxTotalSteps {
		cs.eliminateRemaining("", "step_cap")
		d.Abort = true
		d.DecisionType = runtime.DecisionHardConstraint
		d.ReasonCode = runtime.ReasonSafetyStepCap
		d.ReasonText = fmt.Sprintf("step count %d reached max_total_steps %d", req.State.StepCount, req.Graph.Policy.MaxTotalSteps)
		d.NeedsHuman = true
		return d
	}
	if len(cs.alive) == 1 {
		if t := req.Graph.Node(cs.alive[0].Target); t != nil && t.Terminal {
			return cs.choose(cs.alive[0], runtime.DecisionDeterministic, runtime.ReasonTerminalOnly,
				"only remaining candidate is terminal "+cs.alive[0].Target, 1)
		}
	}

	// 3. Microloop exit conditions.
	loopReasonCode := ""
	if req.Graph.HasLoopEdge(req.Node.ID) && req.Result != nil {
		code, elim := r.loopExit(req, env, d)
		if code != "" {
			loopReasonCode = code
			for _, c := range append([]Candidate{}, cs.alive...) {
				if c.Edge != nil && c.Edge.Type == flow.EdgeLoop {
					cs.eliminate(c.EdgeID, elim)
				}
			}
		}
	}

	// 4. Explicit envelope hint.
	if req.Result != nil && req.Result.Envelope.NextNodeID != "" {
		hint := req.Result.Envelope.NextNodeID
		var matches []Candidate
		for _, c := range cs.alive {
			if c.Target == hint {
				matches = append(matches, c)
			}
		}
		if len(matches) == 1 {
			cs.eliminateRemaining(matches[0].EdgeID, "hint_preempted")
			return cs.choose(matches[0], runtime.DecisionEdgeCondition, runtime.ReasonExplicitHint,
				"engine hint selected "+hint, confidenceOf(req.Result))
		}
		d.HintDropped = hint
	}

	// 5. Edge conditions.
	for _, c := range append([]Candidate{}, cs.alive...) {
		if c.Edge == nil || c.Edge.Condition == "" {
			continue
		}
		d.EvaluatedConditions = append(d.EvaluatedConditions, c.Edge.Condition)
		ok, err := cond.Evaluate(c.Edge.Condition, env)
		if err != nil {
			// ExpressionEvalError degrades to condition-false with a warning
			// in the audit; the run proceeds.
			cs.eliminate(c.EdgeID, "condition_error:"+errText(err))
			continue
		}
		if !ok {
			cs.eliminate(c.EdgeID, "condition_false")
			continue
		}
		cs.trueCond[c.EdgeID] = true
		if c.Edge.IsDefault {
			cs.eliminateRemaining(c.EdgeID, "default_preempted")
			return cs.choose(c, runtime.DecisionEdgeCondition, runtime.ReasonEdgeConditionTrue,
				"default edge condition true", confidenceOf(req.Result))
		}
	}

	// 6. Single survivor.
	if len(cs.alive) == 1 {
		c := cs.alive[0]
		switch {
		case loopReasonCode != "":
			return cs.choose(c, runtime.DecisionExitCondition, loopReasonCode,
				"microloop exit, continuing to "+c.Target, confidenceOf(req.Result))
		case cs.trueCond[c.EdgeID]:
			return cs.choose(c, runtime.DecisionEdgeCondition, runtime.ReasonEdgeConditionTrue,
				"edge condition selected "+c.Target, confidenceOf(req.Result))
		default:
			return cs.choose(c, runtime.DecisionDeterministic, runtime.ReasonSingleCandidate,
				"single candidate "+c.Target, 1)
		}
	}
	if len(cs.alive) == 0 {
		d.Abort = true
		d.DecisionType = runtime.DecisionHardConstraint
		d.ReasonCode = runtime.ReasonNoCandidates
		d.ReasonText = "no routable candidates remain from " + req.Node.ID
		d.NeedsHuman = true
		return d
	}

	// 7. Tie-breaker.
	return r.tiebreak(ctx, req, env, cs)
}

func (r *Router) loopExit(req Request, env cond.Env, d *runtime.RouteDecision) (code, eliminated string) {
	iter := req.State.IterationCounts[req.Node.ID]
	maxIter := req.Graph.ResolvedMaxIterations(req.Node.ID)
	switch {
	case req.Result.Envelope.VerificationStatus == runtime.Verified:
		return runtime.ReasonLoopExitVerified, "verified"
	case iter >= maxIter:
		return runtime.ReasonLoopExitMaxIterations, "max_iterations"
	case req.Result.Envelope.CanFurtherIterationHelp != nil && !*req.Result.Envelope.CanFurtherIterationHelp:
		return runtime.ReasonLoopExitNoFurtherHelp, "no_further_help"
	case req.Node.ExitCondition != "":
		d.EvaluatedConditions = append(d.EvaluatedConditions, req.Node.ExitCondition)
		ok, err := cond.Evaluate(req.Node.ExitCondition, env)
		if err == nil && ok {
			return runtime.ReasonLoopExitCondition, "exit_condition"
		}
		return "", ""
	default:
		return "", ""
	}
}

func (r *Router) tiebreak(ctx context.Context, req Request, env cond.Env, cs *chainState) *runtime.RouteDecision {
	d := cs.decision
	d.TieBreakerUsed = true
	fallback := func(code, text string) *runtime.RouteDecision {
		c := cs.alive[0] // highest priority, then authoring order
		cs.eliminateRemaining(c.EdgeID, "oracle_fallback")
		out := cs.choose(c, runtime.DecisionTieBreaker, code, text, 0)
		out.NeedsHuman = true
		return out
	}
	if r.Oracle == nil {
		return fallback(runtime.ReasonOracleUnavailable, "no oracle configured, using priority default")
	}

	budget := time.Duration(req.Graph.Policy.TiebreakerTimeoutMS) * time.Millisecond
	octx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	dec, err := r.Oracle.Tiebreak(octx, append([]Candidate{}, cs.alive...), OracleContext{
		RunID:  req.State.RunID,
		NodeID: req.Node.ID,
		Env:    env,
	})
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fallback(runtime.ReasonOracleTimeout, fmt.Sprintf("oracle exceeded %s budget", budget))
	case err != nil:
		return fallback(runtime.ReasonOracleUnavailable, "oracle error: "+errText(err))
	}

	var chosen *Candidate
	for i := range cs.alive {
		if cs.alive[i].EdgeID == dec.EdgeID {
			chosen = &cs.alive[i]
			break
		}
	}
	if chosen == nil {
		return fallback(runtime.ReasonOracleInvalidChoice, fmt.Sprintf("oracle chose %q, not a candidate", dec.EdgeID))
	}
	if dec.Confidence < req.Graph.Policy.TiebreakerConfidenceThreshold {
		return fallback(runtime.ReasonOracleLowConfidence,
			fmt.Sprintf("oracle confidence %.2f below threshold %.2f", dec.Confidence, req.Graph.Policy.TiebreakerConfidenceThreshold))
	}
	cs.eliminateRemaining(chosen.EdgeID, "tie_breaker_not_chosen")
	return cs.choose(*chosen, runtime.DecisionTieBreaker, runtime.ReasonTieBreaker, dec.Reason, dec.Confidence)
}

func (cs *chainState) choose(c Candidate, dt runtime.DecisionType, code, text string, confidence float64) *runtime.RouteDecision {
	d := cs.decision
	d.ChosenCandidateID = c.EdgeID
	d.TargetNodeID = c.Target
	d.DecisionType = dt
	d.ReasonCode = code
	d.ReasonText = text
	d.Confidence = confidence
	return d
}

func unsatisfiedInputs(target *flow.Node, result *runtime.NodeResult) string {
	if len(target.RequiredInputs) == 0 {
		return ""
	}
	have := map[string]bool{}
	if result != nil {
		for _, a := range result.Envelope.Artifacts {
			have[a] = true
		}
	}
	for _, want := range target.RequiredInputs {
		if !have[want] {
			return want
		}
	}
	return ""
}

func confidenceOf(result *runtime.NodeResult) float64 {
	if result == nil {
		return 1
	}
	return result.Envelope.Confidence
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
