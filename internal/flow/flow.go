// Package flow defines the immutable graph model executed by the kernel.
// A Graph is produced by the flowfile loader, validated once, and never
// mutated during a run.
package flow

import (
	"sort"
	"strings"
)

type EdgeType string

const (
	EdgeSequence EdgeType = "sequence"
	EdgeLoop     EdgeType = "loop"
	EdgeBranch   EdgeType = "branch"
	EdgeDetour   EdgeType = "detour"
	EdgeTerminal EdgeType = "terminal"
)

func ParseEdgeType(s string) (EdgeType, bool) {
	switch EdgeType(strings.ToLower(strings.TrimSpace(s))) {
	case EdgeSequence:
		return EdgeSequence, true
	case EdgeLoop:
		return EdgeLoop, true
	case EdgeBranch:
		return EdgeBranch, true
	case EdgeDetour:
		return EdgeDetour, true
	case EdgeTerminal:
		return EdgeTerminal, true
	default:
		return "", false
	}
}

// Node is a station occurrence in the graph. Station is an opaque key into
// the template catalog; the kernel never looks inside it.
type Node struct {
	ID      string `json:"id" yaml:"id"`
	Station string `json:"station" yaml:"station"`

	Start    bool `json:"start,omitempty" yaml:"start,omitempty"`
	Terminal bool `json:"terminal,omitempty" yaml:"terminal,omitempty"`

	// MaxIterations caps microloop visits for this node. 0 means "use the
	// policy ceiling".
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`

	// ExitCondition is an optional expression that ends a microloop early.
	ExitCondition string `json:"exit_condition,omitempty" yaml:"exit_condition,omitempty"`

	// RequiredInputs are envelope artifact keys that must be present before
	// an edge into this node is routable.
	RequiredInputs []string `json:"required_inputs,omitempty" yaml:"required_inputs,omitempty"`

	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`

	// UI carries presentation hints. The kernel ignores it.
	UI map[string]string `json:"ui,omitempty" yaml:"ui,omitempty"`
}

type Edge struct {
	ID   string   `json:"id" yaml:"id"`
	From string   `json:"from" yaml:"from"`
	To   string   `json:"to" yaml:"to"`
	Type EdgeType `json:"type" yaml:"type"`

	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// Priority orders candidates (descending). Unset edges sort at 0 and
	// fall back to authoring order.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`

	IsDefault bool `json:"is_default,omitempty" yaml:"is_default,omitempty"`

	// InjectTarget names the node a detour edge pushes onto the stack.
	InjectTarget string `json:"inject_target,omitempty" yaml:"inject_target,omitempty"`

	// Order is the authoring ordinal among the source node's outgoing edges.
	// It is the deterministic tie-break of last resort.
	Order int `json:"order" yaml:"order"`
}

// Policy is the per-graph runtime policy block. Zero values are replaced by
// defaults in ApplyDefaults.
type Policy struct {
	MaxLoopIterations             int      `json:"max_loop_iterations,omitempty" yaml:"max_loop_iterations,omitempty"`
	MaxStackDepth                 int      `json:"max_stack_depth,omitempty" yaml:"max_stack_depth,omitempty"`
	TiebreakerConfidenceThreshold float64  `json:"tiebreaker_confidence_threshold,omitempty" yaml:"tiebreaker_confidence_threshold,omitempty"`
	TiebreakerTimeoutMS           int      `json:"tiebreaker_timeout_ms,omitempty" yaml:"tiebreaker_timeout_ms,omitempty"`
	MaxTotalSteps                 int      `json:"max_total_steps,omitempty" yaml:"max_total_steps,omitempty"`
	ArtifactExcludeGlobs          []string `json:"artifact_exclude_globs,omitempty" yaml:"artifact_exclude_globs,omitempty"`
}

const (
	DefaultMaxLoopIterations             = 3
	DefaultMaxStackDepth                 = 3
	DefaultTiebreakerConfidenceThreshold = 0.7
	DefaultTiebreakerTimeoutMS           = 30000
)

// ApplyDefaults fills unset policy fields. MaxTotalSteps defaults to
// node_count x 10 as the safety net.
func (p *Policy) ApplyDefaults(nodeCount int) {
	if p.MaxLoopIterations <= 0 {
		p.MaxLoopIterations = DefaultMaxLoopIterations
	}
	if p.MaxStackDepth <= 0 {
		p.MaxStackDepth = DefaultMaxStackDepth
	}
	if p.TiebreakerConfidenceThreshold <= 0 {
		p.TiebreakerConfidenceThreshold = DefaultTiebreakerConfidenceThreshold
	}
	if p.TiebreakerTimeoutMS <= 0 {
		p.TiebreakerTimeoutMS = DefaultTiebreakerTimeoutMS
	}
	if p.MaxTotalSteps <= 0 {
		p.MaxTotalSteps = nodeCount * 10
	}
}

// StationTemplate is the immutable per-station execution template. The kernel
// passes it to the engine adapter verbatim and never interprets it.
type StationTemplate struct {
	ID           string         `json:"id" yaml:"id"`
	Role         string         `json:"role,omitempty" yaml:"role,omitempty"`
	Prompt       string         `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	AllowedTools []string       `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty"`
}

type Graph struct {
	ID      string `json:"id" yaml:"id"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	Nodes map[string]*Node `json:"nodes" yaml:"nodes"`
	Edges []*Edge          `json:"edges" yaml:"edges"`

	Policy Policy `json:"policy" yaml:"policy"`

	Stations map[string]*StationTemplate `json:"stations,omitempty" yaml:"stations,omitempty"`
}

func (g *Graph) Node(id string) *Node {
	if g == nil {
		return nil
	}
	return g.Nodes[id]
}

func (g *Graph) EdgeByID(id string) *Edge {
	if g == nil {
		return nil
	}
	for _, e := range g.Edges {
		if e != nil && e.ID == id {
			return e
		}
	}
	return nil
}

// StartNode returns the unique start node, or nil when the graph is invalid.
func (g *Graph) StartNode() *Node {
	if g == nil {
		return nil
	}
	for _, n := range g.Nodes {
		if n != nil && n.Start {
			return n
		}
	}
	return nil
}

// Outgoing returns the edges leaving from, ordered by priority descending
// then authoring order ascending. The returned slice is freshly allocated.
func (g *Graph) Outgoing(from string) []*Edge {
	if g == nil {
		return nil
	}
	var out []*Edge
	for _, e := range g.Edges {
		if e != nil && e.From == from {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Order < out[j].Order
	})
	return out
}

// HasLoopEdge reports whether the node participates in a microloop: it has a
// self-targeting loop edge or an incoming loop edge.
func (g *Graph) HasLoopEdge(nodeID string) bool {
	if g == nil {
		return false
	}
	for _, e := range g.Edges {
		if e == nil || e.Type != EdgeLoop {
			continue
		}
		if e.From == nodeID || e.To == nodeID {
			return true
		}
	}
	return false
}

// ResolvedMaxIterations is the effective iteration cap for a node: the node
// override when set, else the policy ceiling.
func (g *Graph) ResolvedMaxIterations(nodeID string) int {
	if g == nil {
		return DefaultMaxLoopIterations
	}
	if n := g.Nodes[nodeID]; n != nil && n.MaxIterations > 0 {
		return n.MaxIterations
	}
	if g.Policy.MaxLoopIterations > 0 {
		return g.Policy.MaxLoopIterations
	}
	return DefaultMaxLoopIterations
}

// Station resolves a node's station template, or nil when absent.
func (g *Graph) Station(n *Node) *StationTemplate {
	if g == nil || n == nil {
		return nil
	}
	return g.Stations[n.Station]
}
