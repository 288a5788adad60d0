// Package runtime holds the shared value types exchanged between the kernel,
// router, store, and bus: node results, run state, routing decisions, and
// events. It has no dependencies on the components that use it.
package runtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

type NodeStatus string

const (
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

func ParseNodeStatus(s string) (NodeStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "succeeded", "success", "ok":
		return NodeSucceeded, nil
	case "failed", "fail", "failure", "error":
		return NodeFailed, nil
	case "skipped", "skip":
		return NodeSkipped, nil
	default:
		return "", fmt.Errorf("invalid node status: %q", s)
	}
}

type VerificationStatus string

const (
	Verified   VerificationStatus = "VERIFIED"
	Unverified VerificationStatus = "UNVERIFIED"
	Blocked    VerificationStatus = "BLOCKED"
	Partial    VerificationStatus = "PARTIAL"
)

func ParseVerificationStatus(s string) (VerificationStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(Verified):
		return Verified, nil
	case string(Unverified):
		return Unverified, nil
	case string(Blocked):
		return Blocked, nil
	case string(Partial):
		return Partial, nil
	default:
		return "", fmt.Errorf("invalid verification status: %q", s)
	}
}

// Receipt is the execution-metadata half of a node result. Opaque to routing
// except through dotted paths an author opted into.
type Receipt struct {
	DurationMS int64          `json:"duration_ms"`
	Tokens     int            `json:"tokens,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Envelope is the routing-relevant half of a node result: a closed-schema
// record with explicit enum fields. Unknown fields from the engine are
// preserved in Extra but never consulted by the router except through
// dotted paths.
type Envelope struct {
	VerificationStatus VerificationStatus `json:"verification_status"`
	Confidence         float64            `json:"confidence"`

	// CanFurtherIterationHelp is nil when the engine did not report it; the
	// router only exits a microloop on an explicit false.
	CanFurtherIterationHelp *bool `json:"can_further_iteration_help,omitempty"`

	NextNodeID string   `json:"next_node_id,omitempty"`
	Summary    string   `json:"summary,omitempty"`
	Artifacts  []string `json:"artifacts,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// NodeResult is the engine adapter's return value for one node execution.
type NodeResult struct {
	Status   NodeStatus `json:"status"`
	Receipt  Receipt    `json:"receipt"`
	Envelope Envelope   `json:"envelope"`
}

// Canonicalize normalizes status aliases and fills required defaults.
func (r NodeResult) Canonicalize() (NodeResult, error) {
	st, err := ParseNodeStatus(string(r.Status))
	if err != nil {
		return NodeResult{}, err
	}
	r.Status = st
	if r.Envelope.VerificationStatus == "" {
		r.Envelope.VerificationStatus = Unverified
	} else {
		vs, err := ParseVerificationStatus(string(r.Envelope.VerificationStatus))
		if err != nil {
			return NodeResult{}, err
		}
		r.Envelope.VerificationStatus = vs
	}
	if r.Envelope.Artifacts == nil {
		r.Envelope.Artifacts = []string{}
	}
	return r, nil
}

func (r NodeResult) Validate() error {
	c, err := r.Canonicalize()
	if err != nil {
		return err
	}
	if c.Status == NodeFailed && strings.TrimSpace(c.Receipt.ErrorKind) == "" {
		return fmt.Errorf("receipt.error_kind must be non-empty when status=%q", c.Status)
	}
	if c.Envelope.Confidence < 0 || c.Envelope.Confidence > 1 {
		return fmt.Errorf("envelope.confidence out of range: %v", c.Envelope.Confidence)
	}
	return nil
}

// DecodeNodeResultJSON decodes an engine result document and canonicalizes it.
func DecodeNodeResultJSON(b []byte) (NodeResult, error) {
	var r NodeResult
	if err := json.Unmarshal(b, &r); err != nil {
		return NodeResult{}, err
	}
	if r.Status == "" {
		return NodeResult{}, fmt.Errorf("node result missing status")
	}
	return r.Canonicalize()
}

// BoolPtr is a convenience for envelope fields with explicit unset semantics.
func BoolPtr(v bool) *bool { return &v }
