package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"maestro/internal/agent/ports"
	apperrors "maestro/internal/errors"
	"maestro/internal/llm"
	"maestro/internal/logging"
	"maestro/internal/workflow"
)

const supervisorSystemPrompt = `You are the supervisor of a multi-agent coding system.
Given the user's request, either answer directly or produce a stage plan.

Respond with exactly one JSON object:
  {"mode": "quick_qa", "answer": "..."} for questions needing no code changes
  {"mode": "question", "title": "...", "description": "..."} to ask the user one clarifying question first (only if allowed)
  {"mode": "plan", "summary": "...", "stages": [{"id": "...", "role": "...", "depends_on": ["..."], "parallel_group": "..."}]}

Available roles: planner, coder, reviewer, qa_gate, security_gate, refiner, aggregator.
Stage ids must be unique. A typical coding plan is coder -> reviewer -> aggregator.
Only include qa_gate/security_gate when tests or security matter. Keep plans minimal.`

// Supervisor reads the user message and history and emits a plan, a direct
// quick-QA answer, or (when dynamic HITL is enabled) one clarifying
// question before planning.
type Supervisor struct {
	base
	AllowQuestions bool
	StageDefaults  StageDefaults
}

// StageDefaults fills per-stage policy the model does not specify.
type StageDefaults struct {
	MaxRetries int
	Timeout    time.Duration
}

// NewSupervisor creates the supervisor handler.
func NewSupervisor(client llm.Client, allowQuestions bool, defaults StageDefaults, logger logging.Logger) *Supervisor {
	return &Supervisor{base: newBase(client, logger), AllowQuestions: allowQuestions, StageDefaults: defaults}
}

// Role implements ports.Handler.
func (s *Supervisor) Role() workflow.AgentRole { return workflow.RoleSupervisor }

type supervisorDecision struct {
	Mode        string `json:"mode"`
	Answer      string `json:"answer"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Summary     string `json:"summary"`
	Stages      []struct {
		ID            string   `json:"id"`
		Role          string   `json:"role"`
		DependsOn     []string `json:"depends_on"`
		ParallelGroup string   `json:"parallel_group"`
		RequiresHITL  bool     `json:"requires_hitl"`
	} `json:"stages"`
}

// Execute implements ports.Handler.
func (s *Supervisor) Execute(ctx context.Context, in ports.StageInput, em ports.Emitter) (*ports.Output, error) {
	start := time.Now()

	userPrompt := fmt.Sprintf("Conversation so far:\n%s\nRequest: %s", renderHistory(in.Request.History), in.Request.UserMessage)
	if in.Feedback != "" {
		userPrompt += "\nUser clarification: " + in.Feedback
	}

	var usage llm.Usage
	for attempt := 0; ; attempt++ {
		resp, err := s.complete(ctx, []llm.Message{
			{Role: "system", Content: supervisorSystemPrompt},
			{Role: "user", Content: userPrompt},
		})
		if err != nil {
			return nil, err
		}
		usage.PromptTokens += resp.Usage.PromptTokens
		usage.CompletionTokens += resp.Usage.CompletionTokens
		usage.TotalTokens += resp.Usage.TotalTokens

		var decision supervisorDecision
		if err := extractJSON(resp.Content, &decision); err != nil {
			return nil, err
		}

		switch decision.Mode {
		case "quick_qa":
			if err := em.Delta(decision.Answer); err != nil {
				return nil, err
			}
			return &ports.Output{
				Text:    decision.Answer,
				QuickQA: true,
				Plan:    &workflow.Plan{QuickQA: true, Revision: 1, Summary: "answered directly"},
				Metrics: finishMetrics(usage, start, 0),
			}, nil

		case "question":
			if !s.AllowQuestions || attempt > 0 {
				// Without dynamic HITL (or after one round) force a plan.
				userPrompt += "\nDo not ask questions; produce a plan now."
				continue
			}
			resp, err := em.Ask(ctx, workflow.HITLRequest{
				RequestID:   uuid.New().String(),
				WorkflowID:  in.Request.WorkflowID,
				SessionID:   in.Request.SessionID,
				StageID:     in.Stage.ID,
				Type:        workflow.CheckpointQuestion,
				Title:       decision.Title,
				Description: decision.Description,
			})
			if err != nil {
				return nil, err
			}
			if resp != nil && resp.Feedback != "" {
				userPrompt += "\nUser clarification: " + resp.Feedback
			}
			continue

		case "plan":
			plan, err := s.buildPlan(decision)
			if err != nil {
				return nil, err
			}
			if err := em.Write(ContextKeyPlan, plan, "supervisor stage plan"); err != nil {
				return nil, err
			}
			return &ports.Output{
				Text:    decision.Summary,
				Plan:    plan,
				Metrics: finishMetrics(usage, start, 0),
			}, nil

		default:
			return nil, apperrors.NewPermanentError(
				fmt.Errorf("supervisor returned mode %q", decision.Mode), "supervisor produced an invalid decision")
		}
	}
}

func (s *Supervisor) buildPlan(decision supervisorDecision) (*workflow.Plan, error) {
	plan := &workflow.Plan{Revision: 1, Summary: decision.Summary}
	for _, st := range decision.Stages {
		plan.Stages = append(plan.Stages, workflow.Stage{
			ID:            st.ID,
			Role:          workflow.AgentRole(st.Role),
			DependsOn:     st.DependsOn,
			ParallelGroup: st.ParallelGroup,
			RequiresHITL:  st.RequiresHITL,
			Retry:         workflow.RetryPolicy{MaxRetries: s.StageDefaults.MaxRetries},
			Timeout:       s.StageDefaults.Timeout,
		})
	}
	if err := plan.Validate(); err != nil {
		return nil, apperrors.NewPermanentError(err, "supervisor produced an invalid plan")
	}
	return plan, nil
}
