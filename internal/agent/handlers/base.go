package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"maestro/internal/agent/ports"
	"maestro/internal/llm"
	"maestro/internal/logging"
	"maestro/internal/workflow"
)

// base carries the collaborators every handler shares.
type base struct {
	llm    llm.Client
	logger logging.Logger
}

func newBase(client llm.Client, logger logging.Logger) base {
	return base{llm: client, logger: logging.OrNop(logger)}
}

// stream runs a chat completion and forwards visible deltas to the emitter.
// Used when the model's output is user-facing prose.
func (b *base) stream(ctx context.Context, em ports.Emitter, messages []llm.Message) (*llm.ChatResponse, error) {
	return b.llm.ChatStream(ctx, llm.ChatRequest{Messages: messages}, func(chunk llm.StreamChunk) error {
		if chunk.Delta != "" {
			return em.Delta(chunk.Delta)
		}
		return nil
	})
}

// complete runs a blocking completion. Used for structured outputs that
// should not be streamed to the user as raw JSON.
func (b *base) complete(ctx context.Context, messages []llm.Message) (*llm.ChatResponse, error) {
	return b.llm.Chat(ctx, llm.ChatRequest{Messages: messages})
}

// finishMetrics assembles stage metrics from usage and wall time.
func finishMetrics(usage llm.Usage, start time.Time, toolCalls int) workflow.StageMetrics {
	return workflow.StageMetrics{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		Elapsed:          time.Since(start),
		ToolCalls:        toolCalls,
	}
}

// renderInputs flattens resolved context entries into a prompt section.
func renderInputs(entries []workflow.ContextEntry) string {
	if len(entries) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for _, e := range entries {
		raw, err := json.Marshal(e.Value)
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "## %s (from %s)\n%s\n\n", e.Key, e.AgentRole, raw)
	}
	return sb.String()
}

// renderHistory flattens prior conversation turns for the supervisor.
func renderHistory(turns []workflow.Turn) string {
	if len(turns) == 0 {
		return "(no prior conversation)"
	}
	var sb strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&sb, "%s: %s\n", t.Role, t.Content)
	}
	return sb.String()
}

// artifactsFromContext collects every artifact list stored under keys with
// the given prefix, later stages last. Entries are deduplicated by path with
// the latest write winning, so a refiner's republished artifact shadows the
// original and gates rescan the refined content.
func artifactsFromContext(snapshot map[string]workflow.ContextEntry, prefix string) []workflow.Artifact {
	var keys []string
	for k := range snapshot {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	byPath := make(map[string]int)
	var out []workflow.Artifact
	for _, k := range keys {
		raw, err := json.Marshal(snapshot[k].Value)
		if err != nil {
			continue
		}
		var arts []workflow.Artifact
		if err := json.Unmarshal(raw, &arts); err != nil {
			continue
		}
		for _, a := range arts {
			if i, ok := byPath[a.RelativePath]; ok {
				out[i] = a
				continue
			}
			byPath[a.RelativePath] = len(out)
			out = append(out, a)
		}
	}
	return out
}

// ContextKeyArtifacts is the shared-context key prefix coder and refiner
// stages write their artifact lists under.
const ContextKeyArtifacts = "artifacts."

// ContextKeyPlan is where the supervisor publishes the plan.
const ContextKeyPlan = "plan"
