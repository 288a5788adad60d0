package runtime

type DecisionType string

const (
	DecisionHardConstraint DecisionType = "hard_constraint"
	DecisionExitCondition  DecisionType = "exit_condition"
	DecisionEdgeCondition  DecisionType = "edge_condition"
	DecisionDeterministic  DecisionType = "deterministic"
	DecisionTieBreaker     DecisionType = "tie_breaker"
)

// Reason codes carried on routing decisions and audits (closed set).
const (
	ReasonSafetyStepCap         = "SAFETY_STEP_CAP"
	ReasonTerminalOnly          = "TERMINAL_ONLY"
	ReasonLoopExitVerified      = "LOOP_EXIT_VERIFIED"
	ReasonLoopExitMaxIterations = "LOOP_EXIT_MAX_ITERATIONS"
	ReasonLoopExitNoFurtherHelp = "LOOP_EXIT_NO_FURTHER_HELP"
	ReasonLoopExitCondition     = "LOOP_EXIT_CONDITION"
	ReasonExplicitHint          = "EXPLICIT_HINT"
	ReasonHintUnreachable       = "HINT_UNREACHABLE"
	ReasonEdgeConditionTrue     = "EDGE_CONDITION_TRUE"
	ReasonSingleCandidate       = "SINGLE_CANDIDATE"
	ReasonTieBreaker            = "TIE_BREAKER"
	ReasonOracleInvalidChoice   = "ORACLE_INVALID_CHOICE"
	ReasonOracleLowConfidence   = "ORACLE_LOW_CONFIDENCE"
	ReasonOracleTimeout         = "ORACLE_TIMEOUT"
	ReasonOracleUnavailable     = "ORACLE_UNAVAILABLE"
	ReasonNoCandidates          = "NO_CANDIDATES"
	ReasonPopStack              = "POP_STACK"
)

// CandidateOrigin tags where a routing candidate came from.
type CandidateOrigin string

const (
	OriginGraphEdge     CandidateOrigin = "graph_edge"
	OriginDetourCatalog CandidateOrigin = "detour_catalog"
	OriginFastPathHint  CandidateOrigin = "fast_path_hint"
	OriginPopStack      CandidateOrigin = "pop_stack"
)

// CandidateAudit records one considered candidate and, for losers, why it
// was eliminated.
type CandidateAudit struct {
	EdgeID           string          `json:"edge_id"`
	TargetNodeID     string          `json:"target_node_id,omitempty"`
	Origin           CandidateOrigin `json:"origin"`
	EliminatedReason string          `json:"eliminated_reason,omitempty"`
}

// RouteDecision is the router's full answer for one tick, including the
// complete audit trail.
type RouteDecision struct {
	// ChosenCandidateID is an edge id, or empty when the decision is
	// terminal or an abort.
	ChosenCandidateID string `json:"chosen_candidate_id,omitempty"`
	TargetNodeID      string `json:"target_node_id,omitempty"`

	DecisionType DecisionType `json:"decision_type"`
	ReasonCode   string       `json:"reason_code"`
	ReasonText   string       `json:"reason_text"`

	// Abort forces run termination regardless of graph topology.
	Abort bool `json:"abort,omitempty"`

	// PopStack marks the synthetic pop of the top interruption frame.
	PopStack bool `json:"pop_stack,omitempty"`

	CandidatesConsidered []CandidateAudit `json:"candidates_considered"`
	EvaluatedConditions  []string         `json:"evaluated_conditions,omitempty"`

	// HintDropped records an envelope next hint that named no reachable
	// candidate and was therefore ignored.
	HintDropped string `json:"hint_dropped,omitempty"`

	Confidence     float64 `json:"confidence"`
	NeedsHuman     bool    `json:"needs_human"`
	TieBreakerUsed bool    `json:"tie_breaker_used"`
	DecisionMS     int64   `json:"decision_ms"`
}

func (d *RouteDecision) Clone() *RouteDecision {
	if d == nil {
		return nil
	}
	out := *d
	out.CandidatesConsidered = append([]CandidateAudit{}, d.CandidatesConsidered...)
	out.EvaluatedConditions = append([]string{}, d.EvaluatedConditions...)
	return &out
}

// TruncateReason caps reason_text at the audit limit of 100 characters.
func TruncateReason(s string) string {
	const max = 100
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
