// Package ports defines the contracts between the workflow engine and the
// agent handlers. Handlers consume a typed stage input and emit effects
// through an Emitter owned by the engine; they never schedule themselves.
package ports

import (
	"context"

	"maestro/internal/tools"
	"maestro/internal/workflow"
)

// StageInput is everything a handler sees for one stage execution.
type StageInput struct {
	Stage   workflow.Stage
	Request workflow.Request

	// Inputs are the resolved input_refs from shared context, in ref order.
	Inputs []workflow.ContextEntry
	// Snapshot is a read-only view of the whole shared context.
	Snapshot map[string]workflow.ContextEntry

	// HITLResponse carries the human answer when a stage resumes from a
	// checkpoint it raised itself.
	HITLResponse *workflow.HITLResponse
	// Feedback carries gate or reviewer issues into a Refiner stage, or a
	// user message into a resumed stage.
	Feedback string
	// Iteration counts refinement rounds for this stage's lineage.
	Iteration int
}

// Emitter is the engine-owned effect channel. All methods are synchronous:
// CallTool dispatches through the registry and returns the result; Ask
// suspends the stage on a HITL checkpoint until a human responds. Every
// method observes the stage's cancellation.
type Emitter interface {
	// Delta streams a chunk of user-visible text.
	Delta(text string) error
	// Write commits a shared-context entry attributed to this stage.
	Write(key string, value any, description string) error
	// CallTool validates and runs a registered tool under the stage budget.
	CallTool(ctx context.Context, name string, params map[string]any) (*tools.Result, error)
	// Ask raises a HITL checkpoint and blocks until it settles.
	Ask(ctx context.Context, req workflow.HITLRequest) (*workflow.HITLResponse, error)
}

// Issue is one reviewer or gate finding.
type Issue struct {
	Severity string `json:"severity"` // info, warning, error, critical
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
}

// Output is the structured result of one handler execution. Artifacts are
// file intents; the engine applies them through the workspace manager.
type Output struct {
	Text        string              `json:"text,omitempty"`
	Artifacts   []workflow.Artifact `json:"artifacts,omitempty"`
	Plan        *workflow.Plan      `json:"plan,omitempty"`    // supervisor only
	QuickQA     bool                `json:"quick_qa,omitempty"` // supervisor answered directly
	NeedsRefine bool                `json:"needs_refine,omitempty"`
	Issues      []Issue             `json:"issues,omitempty"`
	Suggestions []string            `json:"suggestions,omitempty"`
	Metrics     workflow.StageMetrics `json:"metrics"`
}

// Handler is the uniform agent contract.
type Handler interface {
	// Role names the agent this handler implements.
	Role() workflow.AgentRole
	// Execute runs one stage to completion. Transient errors may be
	// retried by the engine; permanent ones fail the stage.
	Execute(ctx context.Context, in StageInput, em Emitter) (*Output, error)
}

// Registry maps roles to handlers. Read-only after startup.
type Registry map[workflow.AgentRole]Handler
