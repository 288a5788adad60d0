// Package validate lints graphs after loading. Errors block run creation;
// warnings surface in `switchyard validate` output but do not stop anything.
package validate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/EffortlessMetrics/switchyard/internal/cond"
	"github.com/EffortlessMetrics/switchyard/internal/flow"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	NodeID   string   `json:"node_id,omitempty"`
	EdgeID   string   `json:"edge_id,omitempty"`
	Fix      string   `json:"fix,omitempty"`
}

// LintRule extends validation with caller-supplied rules, appended after the
// built-in ones.
type LintRule interface {
	Name() string
	Apply(g *flow.Graph) []Diagnostic
}

// Validate runs every built-in rule plus any extras.
func Validate(g *flow.Graph, extraRules ...LintRule) []Diagnostic {
	if g == nil {
		return []Diagnostic{{Rule: "graph_nil", Severity: SeverityError, Message: "graph is nil"}}
	}

	var diags []Diagnostic
	diags = append(diags, lintStartNode(g)...)
	diags = append(diags, lintTerminalNode(g)...)
	diags = append(diags, lintEdgeEndpointsExist(g)...)
	diags = append(diags, lintTerminalNoOutgoing(g)...)
	diags = append(diags, lintSelfEdgeIsLoop(g)...)
	diags = append(diags, lintLoopHasExit(g)...)
	diags = append(diags, lintDetourInjectTargets(g)...)
	diags = append(diags, lintReachability(g)...)
	diags = append(diags, lintConditionSyntax(g)...)
	diags = append(diags, lintStationReferences(g)...)

	for _, rule := range extraRules {
		if rule != nil {
			diags = append(diags, rule.Apply(g)...)
		}
	}
	return diags
}

// ValidateOrError collapses error-severity diagnostics into one error.
func ValidateOrError(g *flow.Graph, extraRules ...LintRule) error {
	var errs []string
	for _, d := range Validate(g, extraRules...) {
		if d.Severity == SeverityError {
			errs = append(errs, d.Rule+": "+d.Message)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func lintStartNode(g *flow.Graph) []Diagnostic {
	var starts []string
	for id, n := range g.Nodes {
		if n != nil && n.Start {
			starts = append(starts, id)
		}
	}
	sort.Strings(starts)
	switch len(starts) {
	case 1:
		return nil
	case 0:
		return []Diagnostic{{
			Rule: "start_node", Severity: SeverityError,
			Message: "no start node",
			Fix:     "mark exactly one node with start: true",
		}}
	default:
		return []Diagnostic{{
			Rule: "start_node", Severity: SeverityError,
			Message: "multiple start nodes: " + strings.Join(starts, ", "),
		}}
	}
}

func lintTerminalNode(g *flow.Graph) []Diagnostic {
	for _, n := range g.Nodes {
		if n != nil && n.Terminal {
			return nil
		}
	}
	return []Diagnostic{{
		Rule: "terminal_node", Severity: SeverityError,
		Message: "no terminal node",
		Fix:     "mark at least one node with terminal: true",
	}}
}

func lintEdgeEndpointsExist(g *flow.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		if g.Node(e.From) == nil {
			diags = append(diags, Diagnostic{
				Rule: "edge_endpoints", Severity: SeverityError, EdgeID: e.ID,
				Message: fmt.Sprintf("edge %s: source node %q does not exist", e.ID, e.From),
			})
		}
		if g.Node(e.To) == nil {
			diags = append(diags, Diagnostic{
				Rule: "edge_endpoints", Severity: SeverityError, EdgeID: e.ID,
				Message: fmt.Sprintf("edge %s: target node %q does not exist", e.ID, e.To),
			})
		}
	}
	return diags
}

func lintTerminalNoOutgoing(g *flow.Graph) []Diagnostic {
	var diags []Diagnostic
	for id, n := range g.Nodes {
		if n == nil || !n.Terminal {
			continue
		}
		if len(g.Outgoing(id)) > 0 {
			diags = append(diags, Diagnostic{
				Rule: "terminal_no_outgoing", Severity: SeverityError, NodeID: id,
				Message: fmt.Sprintf("terminal node %q has outgoing edges", id),
			})
		}
	}
	return diags
}

func lintSelfEdgeIsLoop(g *flow.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		if e != nil && e.From == e.To && e.Type != flow.EdgeLoop {
			diags = append(diags, Diagnostic{
				Rule: "self_edge_type", Severity: SeverityError, EdgeID: e.ID,
				Message: fmt.Sprintf("self edge %s on %q must have type loop, got %s", e.ID, e.From, e.Type),
			})
		}
	}
	return diags
}

// lintLoopHasExit requires every microloop node to keep a non-loop way out;
// otherwise the iteration cap leaves the run with no candidates.
func lintLoopHasExit(g *flow.Graph) []Diagnostic {
	var diags []Diagnostic
	for id := range g.Nodes {
		out := g.Outgoing(id)
		hasLoop, hasExit := false, false
		for _, e := range out {
			if e.Type == flow.EdgeLoop {
				hasLoop = true
			} else {
				hasExit = true
			}
		}
		if hasLoop && !hasExit {
			diags = append(diags, Diagnostic{
				Rule: "loop_has_exit", Severity: SeverityError, NodeID: id,
				Message: fmt.Sprintf("node %q loops but has no non-loop outgoing edge", id),
				Fix:     "add a sequence or branch edge out of the loop",
			})
		}
	}
	return diags
}

func lintDetourInjectTargets(g *flow.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		if e == nil || e.Type != flow.EdgeDetour {
			continue
		}
		if e.InjectTarget != "" && g.Node(e.InjectTarget) == nil {
			diags = append(diags, Diagnostic{
				Rule: "detour_inject_target", Severity: SeverityError, EdgeID: e.ID,
				Message: fmt.Sprintf("detour edge %s: inject target %q does not exist", e.ID, e.InjectTarget),
			})
		}
	}
	return diags
}

func lintReachability(g *flow.Graph) []Diagnostic {
	start := g.StartNode()
	if start == nil {
		return nil // start_node already reported
	}
	seen := map[string]bool{start.ID: true}
	queue := []string{start.ID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.Outgoing(cur) {
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}

	var unreachable []string
	for id := range g.Nodes {
		if !seen[id] {
			unreachable = append(unreachable, id)
		}
	}
	sort.Strings(unreachable)
	var diags []Diagnostic
	for _, id := range unreachable {
		diags = append(diags, Diagnostic{
			Rule: "reachability", Severity: SeverityWarning, NodeID: id,
			Message: fmt.Sprintf("node %q is unreachable from start", id),
		})
	}
	return diags
}

func lintConditionSyntax(g *flow.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		if e == nil || strings.TrimSpace(e.Condition) == "" {
			continue
		}
		if err := cond.Compile(e.Condition); err != nil {
			diags = append(diags, Diagnostic{
				Rule: "condition_syntax", Severity: SeverityError, EdgeID: e.ID,
				Message: fmt.Sprintf("edge %s condition: %v", e.ID, err),
			})
		}
	}
	for id, n := range g.Nodes {
		if n == nil || strings.TrimSpace(n.ExitCondition) == "" {
			continue
		}
		if err := cond.Compile(n.ExitCondition); err != nil {
			diags = append(diags, Diagnostic{
				Rule: "condition_syntax", Severity: SeverityError, NodeID: id,
				Message: fmt.Sprintf("node %s exit_condition: %v", id, err),
			})
		}
	}
	return diags
}

// lintStationReferences warns on stations missing from the catalog; the
// engine adapter may resolve them elsewhere, so this is not fatal.
func lintStationReferences(g *flow.Graph) []Diagnostic {
	if len(g.Stations) == 0 {
		return nil
	}
	var diags []Diagnostic
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		n := g.Nodes[id]
		if n == nil || n.Station == "" {
			continue
		}
		if _, ok := g.Stations[n.Station]; !ok {
			diags = append(diags, Diagnostic{
				Rule: "station_reference", Severity: SeverityWarning, NodeID: id,
				Message: fmt.Sprintf("node %q references station %q not in the catalog", id, n.Station),
			})
		}
	}
	return diags
}
