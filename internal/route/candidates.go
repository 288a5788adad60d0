// Package route produces the legal next-edge candidates for a node and runs
// the priority decision chain over them. Every decision carries a complete
// audit: each considered candidate and why the losers were eliminated.
package route

import (
	"github.com/EffortlessMetrics/switchyard/internal/flow"
	"github.com/EffortlessMetrics/switchyard/internal/runtime"
	"github.com/EffortlessMetrics/switchyard/internal/stack"
)

// Candidate is one legal next hop. Edge is nil only for the synthetic
// pop_stack candidate.
type Candidate struct {
	EdgeID   string
	Target   string
	Origin   runtime.CandidateOrigin
	Edge     *flow.Edge
	PopStack bool
}

// PopStackEdgeID is the synthetic edge id used for interruption-stack pops.
const PopStackEdgeID = "pop_stack"

// Candidates generates the ordered candidate set for the current node.
// Ordering is priority descending, authoring order ascending (the graph's
// Outgoing already guarantees this). g is the graph that owns the current
// node, which for a flow detour is the detour graph itself.
//
// The synthetic pop_stack candidate appears when the top frame's detour just
// completed without failing: either the injected node itself finished (it
// has no outgoing edges), or the detour flow reached one of its terminals.
func Candidates(g *flow.Graph, state *runtime.RunState, result *runtime.NodeResult) []Candidate {
	if g == nil || state == nil {
		return nil
	}
	if top, ok := stack.Peek(state.InterruptionStack); ok {
		if detourDone(g, top, state.CurrentNodeID, result) {
			return []Candidate{{
				EdgeID:   PopStackEdgeID,
				Target:   resumeTarget(g, top),
				Origin:   runtime.OriginPopStack,
				PopStack: true,
			}}
		}
	}

	hint := ""
	if result != nil {
		hint = result.Envelope.NextNodeID
	}
	var out []Candidate
	for _, e := range g.Outgoing(state.CurrentNodeID) {
		origin := runtime.OriginGraphEdge
		switch {
		case e.Type == flow.EdgeDetour:
			origin = runtime.OriginDetourCatalog
		case hint != "" && e.To == hint:
			origin = runtime.OriginFastPathHint
		}
		out = append(out, Candidate{
			EdgeID: e.ID,
			Target: e.To,
			Origin: origin,
			Edge:   e,
		})
	}
	return out
}

func detourDone(g *flow.Graph, top runtime.StackFrame, current string, result *runtime.NodeResult) bool {
	if result == nil || result.Status == runtime.NodeFailed {
		return false
	}
	if top.InjectedNodeID == current && len(g.Outgoing(current)) == 0 {
		return true
	}
	if top.DetourFlowID != "" {
		if n := g.Node(current); n != nil && n.Terminal {
			return true
		}
	}
	return false
}

// resumeTarget resolves where a pop lands: an explicit resume node, the
// resume edge's target, or (empty) the origin node for re-routing.
func resumeTarget(g *flow.Graph, top runtime.StackFrame) string {
	if top.ResumeNodeID != "" {
		return top.ResumeNodeID
	}
	if e := g.EdgeByID(top.ResumeEdgeID); e != nil {
		return e.To
	}
	return ""
}
