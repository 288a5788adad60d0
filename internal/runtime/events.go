package runtime

import "time"

type EventKind string

// Event kinds form a closed set; the bus and stores reject anything else.
const (
	EventRunCreated             EventKind = "run_created"
	EventRunStarted             EventKind = "run_started"
	EventRunPaused              EventKind = "run_paused"
	EventRunResumed             EventKind = "run_resumed"
	EventRunCancelled           EventKind = "run_cancelled"
	EventRunCompleted           EventKind = "run_completed"
	EventStepStart              EventKind = "step_start"
	EventStepEnd                EventKind = "step_end"
	EventStepError              EventKind = "step_error"
	EventToolStart              EventKind = "tool_start"
	EventToolEnd                EventKind = "tool_end"
	EventRoutingDecision        EventKind = "routing_decision"
	EventRoutingOffroad         EventKind = "routing_offroad"
	EventStackPush              EventKind = "stack_push"
	EventStackPop               EventKind = "stack_pop"
	EventStackOverflowPrevented EventKind = "stack_overflow_prevented"
	EventFlowInjected           EventKind = "flow_injected"
	EventNodeInjected           EventKind = "node_injected"
	EventStreamGap              EventKind = "stream_gap"
	EventHeartbeat              EventKind = "heartbeat"
)

var eventKinds = map[EventKind]struct{}{
	EventRunCreated: {}, EventRunStarted: {}, EventRunPaused: {},
	EventRunResumed: {}, EventRunCancelled: {}, EventRunCompleted: {},
	EventStepStart: {}, EventStepEnd: {}, EventStepError: {},
	EventToolStart: {}, EventToolEnd: {},
	EventRoutingDecision: {}, EventRoutingOffroad: {},
	EventStackPush: {}, EventStackPop: {}, EventStackOverflowPrevented: {},
	EventFlowInjected: {}, EventNodeInjected: {},
	EventStreamGap: {}, EventHeartbeat: {},
}

func (k EventKind) Valid() bool {
	_, ok := eventKinds[k]
	return ok
}

// Event is one append-only record, totally ordered per run by Seq.
type Event struct {
	RunID   string         `json:"run_id"`
	Seq     uint64         `json:"seq"`
	Kind    EventKind      `json:"kind"`
	NodeID  string         `json:"node_id,omitempty"`
	TS      time.Time      `json:"ts"`
	Payload map[string]any `json:"payload,omitempty"`
}
