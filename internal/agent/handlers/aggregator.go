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

const aggregatorSystemPrompt = `You are the final summarizer of a multi-agent coding system.
Write the user-facing response: what was built or changed, which files were
touched, anything the reviewer or gates flagged that remains open, and how to
run the result. Plain prose, no JSON.`

// Aggregator assembles the final user-facing response from prior stage
// outputs. It produces no artifacts.
type Aggregator struct{ base }

// NewAggregator creates the aggregator handler.
func NewAggregator(client llm.Client, logger logging.Logger) *Aggregator {
	return &Aggregator{base: newBase(client, logger)}
}

// Role implements ports.Handler.
func (a *Aggregator) Role() workflow.AgentRole { return workflow.RoleAggregator }

// Execute implements ports.Handler.
func (a *Aggregator) Execute(ctx context.Context, in ports.StageInput, em ports.Emitter) (*ports.Output, error) {
	start := time.Now()

	var inputs []workflow.ContextEntry
	if len(in.Inputs) > 0 {
		inputs = in.Inputs
	} else {
		// No explicit refs: summarize everything in context.
		for _, e := range in.Snapshot {
			inputs = append(inputs, e)
		}
	}

	resp, err := a.stream(ctx, em, []llm.Message{
		{Role: "system", Content: aggregatorSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Request: %s\n\nStage outputs:\n%s", in.Request.UserMessage, renderInputs(inputs))},
	})
	if err != nil {
		return nil, err
	}

	return &ports.Output{
		Text:    resp.Content,
		Metrics: finishMetrics(resp.Usage, start, 0),
	}, nil
}
