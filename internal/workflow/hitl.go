package workflow

import "time"

// CheckpointType names what kind of human decision a HITL request wants.
type CheckpointType string

const (
	CheckpointApproval CheckpointType = "approval"
	CheckpointReview   CheckpointType = "review"
	CheckpointEdit     CheckpointType = "edit"
	CheckpointChoice   CheckpointType = "choice"
	CheckpointConfirm  CheckpointType = "confirm"
	CheckpointQuestion CheckpointType = "question"
)

// HITLAction is what the human chose to do with a pending request.
type HITLAction string

const (
	HITLApprove HITLAction = "approve"
	HITLReject  HITLAction = "reject"
	HITLEdit    HITLAction = "edit"
	HITLRetry   HITLAction = "retry"
	HITLSelect  HITLAction = "select"
	HITLConfirm HITLAction = "confirm"
	HITLCancel  HITLAction = "cancel"
)

// HITLStatus is the lifecycle of one human-in-the-loop request.
type HITLStatus string

const (
	HITLPending   HITLStatus = "pending"
	HITLResolved  HITLStatus = "resolved"
	HITLCancelled HITLStatus = "cancelled"
	HITLExpired   HITLStatus = "expired"
)

// HITLRequest suspends a workflow until a human responds. Deadline is
// optional; zero means wait indefinitely.
type HITLRequest struct {
	RequestID   string         `json:"request_id"`
	WorkflowID  string         `json:"workflow_id"`
	SessionID   string         `json:"session_id"`
	StageID     string         `json:"stage_id,omitempty"`
	Type        CheckpointType `json:"checkpoint_type"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Content     string         `json:"content,omitempty"` // what is being decided on, e.g. a diff preview
	Priority    int            `json:"priority,omitempty"`
	Options     []string       `json:"options,omitempty"`
	Artifacts   []Artifact     `json:"artifacts,omitempty"`
	Status      HITLStatus     `json:"status"`
	RequestedAt time.Time      `json:"created_at"`
	Deadline    time.Time      `json:"deadline,omitempty"`
}

// HITLResponse is the human's answer to a pending request.
type HITLResponse struct {
	RequestID  string     `json:"request_id"`
	Action     HITLAction `json:"action"`
	Feedback   string     `json:"feedback,omitempty"`
	Edited     string     `json:"modified_content,omitempty"`
	Selection  string     `json:"selected_option,omitempty"`
	ResolvedAt time.Time  `json:"resolved_at"`
}
