package server

import (
	"time"

	"github.com/EffortlessMetrics/switchyard/internal/runtime"
)

// CreateRunRequest starts a run of a registered flow.
type CreateRunRequest struct {
	FlowID string         `json:"flow_id"`
	Params map[string]any `json:"params,omitempty"`
}

type CreateRunResponse struct {
	RunID  string `json:"run_id"`
	FlowID string `json:"flow_id"`
	ETag   string `json:"etag"`
}

// ControlResponse carries the fresh etag after a mutating verb.
type ControlResponse struct {
	RunID string `json:"run_id"`
	ETag  string `json:"etag"`
}

// InjectRequest adds an ad-hoc node as a detour.
type InjectRequest struct {
	Node     runtime.NodeSpec       `json:"node"`
	Position runtime.DetourPosition `json:"position,omitempty"`
}

// InterruptRequest pushes a registered detour flow onto the run's stack.
type InterruptRequest struct {
	DetourFlowID string `json:"detour_flow_id"`
	ResumeAfter  string `json:"resume_after,omitempty"`
}

type RunSummary struct {
	RunID     string            `json:"run_id"`
	FlowID    string            `json:"flow_id"`
	Status    runtime.RunStatus `json:"status"`
	StepCount int               `json:"step_count"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
