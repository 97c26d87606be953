package workflow

import (
	"time"
)

// AgentRole names the handler a stage invokes.
type AgentRole string

const (
	RoleSupervisor   AgentRole = "supervisor"
	RolePlanner      AgentRole = "planner"
	RoleCoder        AgentRole = "coder"
	RoleReviewer     AgentRole = "reviewer"
	RoleQAGate       AgentRole = "qa_gate"
	RoleSecurityGate AgentRole = "security_gate"
	RoleRefiner      AgentRole = "refiner"
	RoleAggregator   AgentRole = "aggregator"
)

// Turn is one entry of prior conversation history handed to the Supervisor.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Flags carries per-request options.
type Flags struct {
	AllowEscalation bool `json:"allow_escalation,omitempty"`
	QuickQAOnly     bool `json:"quick_qa_only,omitempty"`
}

// Request is the immutable input that starts a workflow.
type Request struct {
	WorkflowID    string `json:"workflow_id"`
	SessionID     string `json:"session_id"`
	UserMessage   string `json:"user_message"`
	WorkspaceRoot string `json:"workspace_root,omitempty"`
	History       []Turn `json:"conversation_history,omitempty"`
	Flags         Flags  `json:"flags,omitempty"`
}

// RetryPolicy bounds transient-failure retries for one stage.
type RetryPolicy struct {
	MaxRetries int `json:"max_retries"`
}

// Stage is one invocation of an agent handler with a position in the plan.
type Stage struct {
	ID            string        `json:"stage_id"`
	Role          AgentRole     `json:"agent_role"`
	DependsOn     []string      `json:"depends_on,omitempty"`
	InputRefs     []string      `json:"input_refs,omitempty"` // keys into shared context
	RequiresHITL  bool          `json:"requires_hitl,omitempty"`
	Retry         RetryPolicy   `json:"retry_policy"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	ParallelGroup string        `json:"parallel_group,omitempty"`
}

// Plan is a DAG of stages produced by the Supervisor.
type Plan struct {
	Stages   []Stage `json:"stages"`
	Revision int     `json:"revision"`
	QuickQA  bool    `json:"quick_qa,omitempty"` // supervisor answered directly
	Summary  string  `json:"summary,omitempty"`
}

// StageStatus tracks where one stage is in its lifecycle. Transitions are
// monotone except awaiting_hitl, which may resume to running.
type StageStatus string

const (
	StagePending      StageStatus = "pending"
	StageReady        StageStatus = "ready"
	StageRunning      StageStatus = "running"
	StageAwaitingHITL StageStatus = "awaiting_hitl"
	StageCompleted    StageStatus = "completed"
	StageFailed       StageStatus = "failed"
	StageSkipped      StageStatus = "skipped"
	StageCancelled    StageStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageSkipped, StageCancelled:
		return true
	}
	return false
}

var stageTransitions = map[StageStatus][]StageStatus{
	StagePending:      {StageReady, StageSkipped, StageCancelled},
	StageReady:        {StageRunning, StageSkipped, StageCancelled},
	StageRunning:      {StageAwaitingHITL, StageCompleted, StageFailed, StageCancelled},
	StageAwaitingHITL: {StageRunning, StageFailed, StageCancelled},
}

// CanTransition reports whether from -> to is a legal stage transition.
func (s StageStatus) CanTransition(to StageStatus) bool {
	for _, next := range stageTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// StageMetrics accumulates per-stage accounting reported on completion.
type StageMetrics struct {
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	Elapsed          time.Duration `json:"elapsed"`
	Retries          int           `json:"retries"`
	ToolCalls        int           `json:"tool_calls"`
}

// StageState is the engine's mutable record for one stage.
type StageState struct {
	Status      StageStatus  `json:"status"`
	Attempts    int          `json:"attempts"`
	Error       string       `json:"error,omitempty"`
	StartedAt   time.Time    `json:"started_at,omitempty"`
	CompletedAt time.Time    `json:"completed_at,omitempty"`
	Metrics     StageMetrics `json:"metrics"`
}

// ArtifactAction enumerates what applying an artifact does to the workspace.
type ArtifactAction string

const (
	ArtifactCreated  ArtifactAction = "created"
	ArtifactModified ArtifactAction = "modified"
	ArtifactDeleted  ArtifactAction = "deleted"
)

// Artifact is a file intent emitted by a handler, not yet applied to the
// workspace. RelativePath must stay inside the session workspace after
// normalization; traversal is rejected at apply time.
type Artifact struct {
	RelativePath string         `json:"relative_path"`
	Language     string         `json:"language,omitempty"`
	Content      string         `json:"content,omitempty"`
	Action       ArtifactAction `json:"action"`
	SavedPath    string         `json:"saved_path,omitempty"`
	SizeBytes    int64          `json:"size_bytes"`
	Digest       string         `json:"digest,omitempty"`
}

// ContextEntry is one shared-context record. Entries are append-only within a
// workflow; keys are globally unique per workflow.
type ContextEntry struct {
	Key         string    `json:"key"`
	AgentID     string    `json:"agent_id"`
	AgentRole   AgentRole `json:"agent_role"`
	Value       any       `json:"value"`
	Description string    `json:"description,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// AccessKind records what touched a shared-context key.
type AccessKind string

const (
	AccessPut      AccessKind = "put"
	AccessGet      AccessKind = "get"
	AccessShadowed AccessKind = "shadowed"
)

// AccessRecord is one entry of the shared-context access log.
type AccessRecord struct {
	Action    AccessKind `json:"action"`
	Key       string     `json:"key"`
	AgentID   string     `json:"agent_id"`
	AgentRole AgentRole  `json:"agent_role,omitempty"`
	Timestamp time.Time  `json:"ts"`
}

// Phase is the per-workflow state machine.
type Phase string

const (
	PhaseCreated    Phase = "created"
	PhasePlanning   Phase = "planning"
	PhaseRunning    Phase = "running"
	PhasePausedHITL Phase = "paused_hitl"
	PhasePausedUser Phase = "paused_user"
	PhaseFinalizing Phase = "finalizing"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
	PhaseCancelled  Phase = "cancelled"
)

// Terminal reports whether the workflow reached a final phase.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

var phaseTransitions = map[Phase][]Phase{
	PhaseCreated:    {PhasePlanning, PhaseCancelled, PhaseFailed},
	PhasePlanning:   {PhaseRunning, PhaseFinalizing, PhaseCompleted, PhaseFailed, PhaseCancelled},
	PhaseRunning:    {PhasePlanning, PhasePausedHITL, PhasePausedUser, PhaseFinalizing, PhaseFailed, PhaseCancelled},
	PhasePausedHITL: {PhaseRunning, PhaseFailed, PhaseCancelled},
	PhasePausedUser: {PhaseRunning, PhaseFailed, PhaseCancelled},
	PhaseFinalizing: {PhaseCompleted, PhaseFailed, PhaseCancelled},
}

// CanTransition reports whether from -> to is a legal phase transition.
func (p Phase) CanTransition(to Phase) bool {
	for _, next := range phaseTransitions[p] {
		if next == to {
			return true
		}
	}
	return false
}

// State is the checkpoint record: everything needed to resume a workflow.
// The engine exclusively owns mutation; everything else sees projections.
type State struct {
	WorkflowID       string                  `json:"workflow_id"`
	SessionID        string                  `json:"session_id"`
	Phase            Phase                   `json:"phase"`
	Reason           string                  `json:"reason,omitempty"`
	Request          Request                 `json:"request"`
	Plan             *Plan                   `json:"plan,omitempty"`
	StageStates      map[string]*StageState  `json:"stage_states"`
	Context          map[string]ContextEntry `json:"shared_context,omitempty"`
	AccessLog        []AccessRecord          `json:"access_log,omitempty"`
	ArtifactsApplied []Artifact              `json:"artifacts_applied,omitempty"`
	PendingHITL      *HITLRequest            `json:"pending_hitl,omitempty"`
	Refinements      int                     `json:"refinements"`
	PlanRevisions    int                     `json:"plan_revisions"`
	Cursor           uint64                  `json:"cursor"` // last emitted event seq
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
}

// Clone returns a deep-enough copy safe to hand to observers.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	if s.Plan != nil {
		plan := *s.Plan
		plan.Stages = append([]Stage(nil), s.Plan.Stages...)
		out.Plan = &plan
	}
	out.StageStates = make(map[string]*StageState, len(s.StageStates))
	for id, st := range s.StageStates {
		cp := *st
		out.StageStates[id] = &cp
	}
	out.Context = make(map[string]ContextEntry, len(s.Context))
	for k, v := range s.Context {
		out.Context[k] = v
	}
	out.AccessLog = append([]AccessRecord(nil), s.AccessLog...)
	out.ArtifactsApplied = append([]Artifact(nil), s.ArtifactsApplied...)
	if s.PendingHITL != nil {
		hitl := *s.PendingHITL
		out.PendingHITL = &hitl
	}
	return &out
}
