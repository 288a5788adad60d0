package runtime

import (
	"fmt"
	"strings"
	"time"
)

type RunStatus string

const (
	RunCreated   RunStatus = "created"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunPartial   RunStatus = "partial"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled, RunPartial:
		return true
	default:
		return false
	}
}

// CanTransition encodes the run status machine:
//
//	created -> running -> {paused, succeeded, failed, cancelled, partial}
//	running <-> paused
//	paused  -> cancelled
func (s RunStatus) CanTransition(to RunStatus) bool {
	switch s {
	case RunCreated:
		return to == RunRunning || to == RunCancelled
	case RunRunning:
		return to == RunPaused || to.Terminal()
	case RunPaused:
		return to == RunRunning || to == RunCancelled
	default:
		return false
	}
}

type InjectedBy string

const (
	InjectedByOperator     InjectedBy = "operator"
	InjectedByPolicy       InjectedBy = "policy"
	InjectedByErrorHandler InjectedBy = "error_handler"
)

// StackFrame is one detour on the interruption stack. Resume addresses are
// ids only, never object references: ResumeNodeID wins, else the target of
// ResumeEdgeID, else the origin node is re-routed without re-execution.
type StackFrame struct {
	InjectedNodeID string     `json:"injected_node_id"`
	OriginNodeID   string     `json:"origin_node_id"`
	ResumeEdgeID   string     `json:"resume_edge_id,omitempty"`
	ResumeNodeID   string     `json:"resume_node_id,omitempty"`
	DetourFlowID   string     `json:"detour_flow_id,omitempty"`
	InjectedBy     InjectedBy `json:"injected_by"`
	CreatedAt      time.Time  `json:"created_at"`
}

type DetourPosition string

const (
	BeforeNext   DetourPosition = "before_next"
	AfterCurrent DetourPosition = "after_current"
)

// DetourRequest is an operator injection recorded in run state and consumed
// by the kernel at the next routing boundary.
type DetourRequest struct {
	InjectedNodeID string         `json:"injected_node_id"`
	DetourFlowID   string         `json:"detour_flow_id,omitempty"`
	Position       DetourPosition `json:"position"`
	ResumeAfter    string         `json:"resume_after,omitempty"`
	InjectedBy     InjectedBy     `json:"injected_by"`
	RequestedAt    time.Time      `json:"requested_at"`
}

// NodeSpec describes an operator-injected ad-hoc node. It references a
// station from the flow's catalog; the kernel materializes it as a node that
// exists only for this run.
type NodeSpec struct {
	ID            string         `json:"id"`
	Station       string         `json:"station"`
	Params        map[string]any `json:"params,omitempty"`
	MaxIterations int            `json:"max_iterations,omitempty"`
}

// RunState is the single mutable document for one run. The kernel owns it
// exclusively; everyone else observes snapshots.
type RunState struct {
	RunID  string    `json:"run_id"`
	FlowID string    `json:"flow_id"`
	Status RunStatus `json:"status"`

	// CurrentNodeID is empty only at terminal states.
	CurrentNodeID string `json:"current_node_id,omitempty"`

	IterationCounts map[string]int `json:"iteration_counts"`
	StepCount       int            `json:"step_count"`

	InterruptionStack []StackFrame `json:"interruption_stack"`

	// PendingDetour is an operator injection not yet applied.
	PendingDetour *DetourRequest `json:"pending_detour,omitempty"`

	// InjectedNodes are ad-hoc nodes added by inject_node, keyed by id. They
	// survive crash-resume with the rest of the state.
	InjectedNodes map[string]*NodeSpec `json:"injected_nodes,omitempty"`

	// ResumeEnvelope preserves the origin node's envelope across an
	// after_current detour so its routing can happen once the detour pops.
	// ResumeNodeStatus/ResumeErrorKind preserve the outcome half alongside it.
	ResumeEnvelope   *Envelope  `json:"resume_envelope,omitempty"`
	ResumeNodeStatus NodeStatus `json:"resume_node_status,omitempty"`
	ResumeErrorKind  string     `json:"resume_error_kind,omitempty"`

	// NextNeedsHuman forces needs_human on the next routing decision
	// (set after a prevented stack overflow).
	NextNeedsHuman bool `json:"next_needs_human,omitempty"`

	// PauseRequested / CancelRequested are honored at the next safe point.
	PauseRequested  bool `json:"pause_requested,omitempty"`
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// LastSeq is the sequence of the last committed event. Replay past this
	// cursor is informational only.
	LastSeq uint64 `json:"last_seq"`

	// LastExecutedNodeID marks the node whose result LastEnvelope projects.
	// Resume uses it to avoid re-emitting step_start for completed steps.
	LastExecutedNodeID string `json:"last_executed_node_id,omitempty"`

	LastRoutingAudit *RouteDecision `json:"last_routing_audit,omitempty"`
	LastEnvelope     *Envelope      `json:"last_envelope,omitempty"`

	// LastNodeStatus/LastErrorKind persist the last executed node's outcome
	// so routing after a crash-resume sees real failure state, not a
	// presumed success.
	LastNodeStatus NodeStatus `json:"last_node_status,omitempty"`
	LastErrorKind  string     `json:"last_error_kind,omitempty"`

	Params map[string]any `json:"params,omitempty"`

	FailureReason string `json:"failure_reason,omitempty"`
	ReasonCode    string `json:"reason_code,omitempty"`

	// Lease guards single-writer ownership of the run directory.
	OwnerToken     string    `json:"owner_token,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewRunState(runID, flowID, startNodeID string, params map[string]any) *RunState {
	now := time.Now().UTC()
	return &RunState{
		RunID:             runID,
		FlowID:            flowID,
		Status:            RunCreated,
		CurrentNodeID:     startNodeID,
		IterationCounts:   map[string]int{},
		InterruptionStack: []StackFrame{},
		Params:            params,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func (s *RunState) Validate() error {
	if s == nil {
		return fmt.Errorf("run state is nil")
	}
	if strings.TrimSpace(s.RunID) == "" {
		return fmt.Errorf("run state missing run_id")
	}
	if strings.TrimSpace(s.FlowID) == "" {
		return fmt.Errorf("run state missing flow_id")
	}
	if !s.Status.Terminal() && strings.TrimSpace(s.CurrentNodeID) == "" && s.Status != RunCreated {
		return fmt.Errorf("non-terminal run state missing current_node_id")
	}
	return nil
}

// Clone returns a deep copy safe to hand to observers.
func (s *RunState) Clone() *RunState {
	if s == nil {
		return nil
	}
	out := *s
	out.IterationCounts = make(map[string]int, len(s.IterationCounts))
	for k, v := range s.IterationCounts {
		out.IterationCounts[k] = v
	}
	out.InterruptionStack = append([]StackFrame{}, s.InterruptionStack...)
	if s.PendingDetour != nil {
		pd := *s.PendingDetour
		out.PendingDetour = &pd
	}
	if s.InjectedNodes != nil {
		out.InjectedNodes = make(map[string]*NodeSpec, len(s.InjectedNodes))
		for k, v := range s.InjectedNodes {
			spec := *v
			out.InjectedNodes[k] = &spec
		}
	}
	if s.ResumeEnvelope != nil {
		env := *s.ResumeEnvelope
		env.Artifacts = append([]string{}, s.ResumeEnvelope.Artifacts...)
		out.ResumeEnvelope = &env
	}
	if s.LastRoutingAudit != nil {
		a := s.LastRoutingAudit.Clone()
		out.LastRoutingAudit = a
	}
	if s.LastEnvelope != nil {
		env := *s.LastEnvelope
		if s.LastEnvelope.CanFurtherIterationHelp != nil {
			v := *s.LastEnvelope.CanFurtherIterationHelp
			env.CanFurtherIterationHelp = &v
		}
		env.Artifacts = append([]string{}, s.LastEnvelope.Artifacts...)
		out.LastEnvelope = &env
	}
	if s.Params != nil {
		out.Params = make(map[string]any, len(s.Params))
		for k, v := range s.Params {
			out.Params[k] = v
		}
	}
	return &out
}
