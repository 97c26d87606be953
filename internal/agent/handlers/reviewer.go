package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"maestro/internal/agent/ports"
	"maestro/internal/llm"
	"maestro/internal/logging"
	"maestro/internal/workflow"
)

const reviewerSystemPrompt = `You are the code reviewer of a multi-agent coding system.
Review the candidate artifacts for correctness, clarity and missing cases.

Respond with exactly one JSON object:
  {"issues": [{"severity": "info"|"warning"|"error"|"critical", "path": "...", "message": "..."}],
   "suggestions": ["..."],
   "needs_refine": true|false}

Set needs_refine only for error or critical issues.`

// ReviewVerdict is the reviewer's published output shape.
type ReviewVerdict struct {
	Issues      []ports.Issue `json:"issues"`
	Suggestions []string      `json:"suggestions"`
	NeedsRefine bool          `json:"needs_refine"`
}

// Reviewer reads candidate artifacts from shared context and reports issues;
// it may mark the change set as needing refinement.
type Reviewer struct{ base }

// NewReviewer creates the reviewer handler.
func NewReviewer(client llm.Client, logger logging.Logger) *Reviewer {
	return &Reviewer{base: newBase(client, logger)}
}

// Role implements ports.Handler.
func (r *Reviewer) Role() workflow.AgentRole { return workflow.RoleReviewer }

// Execute implements ports.Handler.
func (r *Reviewer) Execute(ctx context.Context, in ports.StageInput, em ports.Emitter) (*ports.Output, error) {
	start := time.Now()

	artifacts := artifactsFromContext(in.Snapshot, ContextKeyArtifacts)
	if len(artifacts) == 0 {
		verdict := ReviewVerdict{}
		if err := em.Write("review."+in.Stage.ID, verdict, "review verdict"); err != nil {
			return nil, err
		}
		return &ports.Output{Text: "nothing to review", Metrics: finishMetrics(llm.Usage{}, start, 0)}, nil
	}

	resp, err := r.complete(ctx, []llm.Message{
		{Role: "system", Content: reviewerSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Request: %s\n\nArtifacts:\n%s", in.Request.UserMessage, renderArtifacts(artifacts))},
	})
	if err != nil {
		return nil, err
	}

	var verdict ReviewVerdict
	if err := extractJSON(resp.Content, &verdict); err != nil {
		return nil, err
	}
	if err := em.Write("review."+in.Stage.ID, verdict, "review verdict"); err != nil {
		return nil, err
	}

	summary := fmt.Sprintf("review found %d issues", len(verdict.Issues))
	if verdict.NeedsRefine {
		summary += " (refinement needed)"
	}
	return &ports.Output{
		Text:        summary,
		Issues:      verdict.Issues,
		Suggestions: verdict.Suggestions,
		NeedsRefine: verdict.NeedsRefine,
		Metrics:     finishMetrics(resp.Usage, start, 0),
	}, nil
}

// renderArtifacts formats artifacts for a review or refine prompt.
func renderArtifacts(artifacts []workflow.Artifact) string {
	var sb []byte
	for _, a := range artifacts {
		sb = append(sb, fmt.Sprintf("--- %s (%s, %s)\n%s\n\n", a.RelativePath, a.Language, a.Action, a.Content)...)
	}
	return string(sb)
}

// issuesJSON serializes issues for feedback prompts.
func issuesJSON(issues []ports.Issue) string {
	raw, err := json.Marshal(issues)
	if err != nil {
		return "[]"
	}
	return string(raw)
}
