package workflow

import "time"

// EventType enumerates everything the engine publishes on the bus.
type EventType string

const (
	EventWorkflowCreated   EventType = "workflow_created"
	EventWorkflowQueued    EventType = "workflow_queued"
	EventWorkflowStarted   EventType = "workflow_started"
	EventPlanReady         EventType = "plan_ready"
	EventStageStarted      EventType = "stage_started"
	EventStageStreamChunk  EventType = "stage_stream_chunk"
	EventStageCompleted    EventType = "stage_completed"
	EventStageFailed       EventType = "stage_failed"
	EventStageRetrying     EventType = "stage_retrying"
	EventToolInvoked       EventType = "tool_invoked"
	EventArtifactApplied   EventType = "artifact_applied"
	EventContextUpdated    EventType = "context_updated"
	EventHITLRequested     EventType = "hitl_requested"
	EventHITLResolved      EventType = "hitl_resolved"
	EventHITLCancelled     EventType = "hitl_cancelled"
	EventHITLExpired       EventType = "hitl_expired"
	EventWorkflowPaused    EventType = "workflow_paused"
	EventWorkflowResumed   EventType = "workflow_resumed"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowCancelled EventType = "workflow_cancelled"
	EventHeartbeat         EventType = "heartbeat"
	EventDropped           EventType = "dropped"
	EventSnapshot          EventType = "snapshot"
)

// Critical reports whether subscribers must not silently miss this event.
// The bus retries delivery of critical events before replacing the tail of a
// slow subscriber's stream with a dropped marker.
func (t EventType) Critical() bool {
	switch t {
	case EventHITLRequested, EventHITLResolved, EventHITLCancelled, EventHITLExpired,
		EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowCancelled,
		EventWorkflowPaused, EventWorkflowResumed, EventStageFailed:
		return true
	}
	return false
}

// ResumeMarker notes the checkpoint a resumed workflow picked up from.
type ResumeMarker struct {
	Seq      uint64 `json:"seq"`
	StageID  string `json:"stage_id,omitempty"`
	Feedback string `json:"feedback,omitempty"`
}

// Event is one bus record. Seq is monotonically increasing and gapless per
// workflow; SessionSeq likewise per session. Fields beyond the header are a
// tagged union keyed on Type.
type Event struct {
	Type       EventType `json:"type"`
	WorkflowID string    `json:"workflow_id"`
	SessionID  string    `json:"session_id,omitempty"`
	Seq        uint64    `json:"seq"`
	SessionSeq uint64    `json:"session_seq,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	StageID string    `json:"stage_id,omitempty"`
	Role    AgentRole `json:"agent_role,omitempty"`

	// stage_stream_chunk
	Delta string `json:"delta,omitempty"`

	// plan_ready
	Plan *Plan `json:"plan,omitempty"`

	// artifact_applied
	Artifact *Artifact `json:"artifact,omitempty"`

	// context_updated
	ContextKey string `json:"context_key,omitempty"`

	// tool_invoked
	ToolName string `json:"tool_name,omitempty"`

	// hitl_*
	HITL         *HITLRequest  `json:"hitl_request,omitempty"`
	HITLResponse *HITLResponse `json:"hitl_response,omitempty"`

	// terminal / pause / failure events
	Reason  string        `json:"reason,omitempty"`
	Metrics *StageMetrics `json:"metrics,omitempty"`

	// dropped marker: how many events the slow subscriber lost
	Dropped uint64 `json:"dropped,omitempty"`

	// snapshot resync after a drop
	Snapshot *State `json:"snapshot,omitempty"`

	// workflow_resumed
	ResumedFrom *ResumeMarker `json:"resumed_from,omitempty"`

	// workflow_queued
	QueuePosition int `json:"queue_position,omitempty"`
}
