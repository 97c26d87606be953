package handlers

import (
	"context"
	"fmt"
	"time"

	"maestro/internal/agent/ports"
	apperrors "maestro/internal/errors"
	"maestro/internal/llm"
	"maestro/internal/logging"
	"maestro/internal/workflow"
)

const refinerSystemPrompt = `You are the refiner of a multi-agent coding system.
You receive prior artifacts plus reviewer and gate issues. Produce corrected
artifacts that address every error and critical issue.

Respond with exactly one JSON object:
  {"artifacts": [{"relative_path": "...", "language": "...", "action": "...", "content": "..."}], "notes": "..."}

Keep every relative_path exactly as given. Never rename or add files.`

// Refiner consumes prior artifacts and gate/reviewer issues and emits
// corrected artifacts. Paths are pinned: a refined artifact whose path
// diverges from the originals is a handler error.
type Refiner struct{ base }

// NewRefiner creates the refiner handler.
func NewRefiner(client llm.Client, logger logging.Logger) *Refiner {
	return &Refiner{base: newBase(client, logger)}
}

// Role implements ports.Handler.
func (r *Refiner) Role() workflow.AgentRole { return workflow.RoleRefiner }

// Execute implements ports.Handler.
func (r *Refiner) Execute(ctx context.Context, in ports.StageInput, em ports.Emitter) (*ports.Output, error) {
	start := time.Now()

	prior := artifactsFromContext(in.Snapshot, ContextKeyArtifacts)
	if len(prior) == 0 {
		return nil, apperrors.NewPermanentError(
			fmt.Errorf("no prior artifacts in context"), "refiner has nothing to refine")
	}
	allowed := make(map[string]bool, len(prior))
	for _, a := range prior {
		allowed[a.RelativePath] = true
	}

	resp, err := r.complete(ctx, []llm.Message{
		{Role: "system", Content: refinerSystemPrompt},
		{Role: "user", Content: fmt.Sprintf(
			"Request: %s\n\nIssues to address:\n%s\n\nPrior artifacts:\n%s",
			in.Request.UserMessage, in.Feedback, renderArtifacts(prior))},
	})
	if err != nil {
		return nil, err
	}

	var reply coderReply
	if err := extractJSON(resp.Content, &reply); err != nil {
		return nil, err
	}
	if len(reply.Artifacts) == 0 {
		return nil, apperrors.NewPermanentError(
			fmt.Errorf("refiner produced no artifacts"), "refiner returned an empty change set")
	}
	for i := range reply.Artifacts {
		art := &reply.Artifacts[i]
		if !allowed[art.RelativePath] {
			return nil, apperrors.NewPermanentError(
				fmt.Errorf("refined artifact path %q diverges from originals", art.RelativePath),
				"refiner must preserve artifact paths exactly")
		}
		if art.Action == "" {
			art.Action = workflow.ArtifactModified
		}
	}

	// Overwrite the prior artifact set under a refinement key; downstream
	// stages read the highest revision.
	key := fmt.Sprintf("%s%s.r%d", ContextKeyArtifacts, in.Stage.ID, in.Iteration)
	if err := em.Write(key, reply.Artifacts, "refined artifacts"); err != nil {
		return nil, err
	}

	return &ports.Output{
		Text:      reply.Notes,
		Artifacts: reply.Artifacts,
		Metrics:   finishMetrics(resp.Usage, start, 0),
	}, nil
}
