package handlers

import (
	"context"
	"fmt"
	"time"

	"maestro/internal/agent/ports"
	"maestro/internal/llm"
	"maestro/internal/logging"
	"maestro/internal/workflow"
)

const plannerSystemPrompt = `You are the planner of a multi-agent coding system.
Expand the abstract plan into concrete implementation steps with file-level targets.

Respond with exactly one JSON object:
  {"steps": [{"description": "...", "files": ["relative/path.py"]}]}`

// Planner expands abstract stages into concrete step lists with file-level
// targets and publishes them for downstream coders.
type Planner struct{ base }

// NewPlanner creates the planner handler.
func NewPlanner(client llm.Client, logger logging.Logger) *Planner {
	return &Planner{base: newBase(client, logger)}
}

// Role implements ports.Handler.
func (p *Planner) Role() workflow.AgentRole { return workflow.RolePlanner }

// PlanSteps is the planner's published output shape.
type PlanSteps struct {
	Steps []PlanStep `json:"steps"`
}

// PlanStep is one concrete implementation step.
type PlanStep struct {
	Description string   `json:"description"`
	Files       []string `json:"files,omitempty"`
}

// Execute implements ports.Handler.
func (p *Planner) Execute(ctx context.Context, in ports.StageInput, em ports.Emitter) (*ports.Output, error) {
	start := time.Now()

	resp, err := p.complete(ctx, []llm.Message{
		{Role: "system", Content: plannerSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Request: %s\n\nContext:\n%s", in.Request.UserMessage, renderInputs(in.Inputs))},
	})
	if err != nil {
		return nil, err
	}

	var steps PlanSteps
	if err := extractJSON(resp.Content, &steps); err != nil {
		return nil, err
	}
	if err := em.Write("plan.steps", steps, "concrete implementation steps"); err != nil {
		return nil, err
	}

	return &ports.Output{
		Text:    fmt.Sprintf("planned %d steps", len(steps.Steps)),
		Metrics: finishMetrics(resp.Usage, start, 0),
	}, nil
}
