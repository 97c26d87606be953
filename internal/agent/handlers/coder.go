package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"maestro/internal/agent/ports"
	apperrors "maestro/internal/errors"
	"maestro/internal/llm"
	"maestro/internal/logging"
	"maestro/internal/workflow"
)

const coderSystemPrompt = `You are the coder of a multi-agent coding system.
Produce complete file contents for the requested change. You may first inspect
the workspace, then emit artifacts.

Respond with exactly one JSON object:
  {"inspect": [{"tool": "read_file"|"list_directory", "path": "..."}]} to look at files first, or
  {"artifacts": [{"relative_path": "...", "language": "...", "action": "created"|"modified"|"deleted", "content": "..."}], "notes": "..."}

Every artifact must carry a relative_path. Emit full file contents, never fragments.`

// maxInspectRounds bounds the look-before-you-code loop.
const maxInspectRounds = 3

// Coder produces file artifacts. It may call read_file/list_directory tools
// to inspect the workspace before emitting.
type Coder struct{ base }

// NewCoder creates the coder handler.
func NewCoder(client llm.Client, logger logging.Logger) *Coder {
	return &Coder{base: newBase(client, logger)}
}

// Role implements ports.Handler.
func (c *Coder) Role() workflow.AgentRole { return workflow.RoleCoder }

type coderReply struct {
	Inspect []struct {
		Tool string `json:"tool"`
		Path string `json:"path"`
	} `json:"inspect"`
	Artifacts []workflow.Artifact `json:"artifacts"`
	Notes     string              `json:"notes"`
}

// Execute implements ports.Handler.
func (c *Coder) Execute(ctx context.Context, in ports.StageInput, em ports.Emitter) (*ports.Output, error) {
	start := time.Now()
	toolCalls := 0
	var usage llm.Usage

	messages := []llm.Message{
		{Role: "system", Content: coderSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Request: %s\n\nContext:\n%s", in.Request.UserMessage, renderInputs(in.Inputs))},
	}
	if in.Feedback != "" {
		messages = append(messages, llm.Message{Role: "user", Content: "Feedback to address: " + in.Feedback})
	}

	for round := 0; ; round++ {
		resp, err := c.complete(ctx, messages)
		if err != nil {
			return nil, err
		}
		usage.PromptTokens += resp.Usage.PromptTokens
		usage.CompletionTokens += resp.Usage.CompletionTokens
		usage.TotalTokens += resp.Usage.TotalTokens

		var reply coderReply
		if err := extractJSON(resp.Content, &reply); err != nil {
			return nil, err
		}

		if len(reply.Inspect) > 0 && round < maxInspectRounds {
			var observations strings.Builder
			for _, req := range reply.Inspect {
				result, err := c.inspect(ctx, em, in.Request.SessionID, req.Tool, req.Path)
				toolCalls++
				if err != nil {
					return nil, err
				}
				fmt.Fprintf(&observations, "### %s %s\n%s\n\n", req.Tool, req.Path, result)
			}
			messages = append(messages,
				llm.Message{Role: "assistant", Content: resp.Content},
				llm.Message{Role: "user", Content: "Tool results:\n" + observations.String() + "\nNow emit the artifacts."})
			continue
		}

		if len(reply.Artifacts) == 0 {
			return nil, apperrors.NewPermanentError(
				fmt.Errorf("coder produced no artifacts"), "coder returned an empty change set")
		}
		for i := range reply.Artifacts {
			if reply.Artifacts[i].RelativePath == "" {
				return nil, apperrors.NewPermanentError(
					fmt.Errorf("artifact %d missing relative_path", i), "coder emitted an artifact without a path")
			}
			if reply.Artifacts[i].Action == "" {
				reply.Artifacts[i].Action = workflow.ArtifactCreated
			}
		}

		key := ContextKeyArtifacts + in.Stage.ID
		if err := em.Write(key, reply.Artifacts, "candidate artifacts"); err != nil {
			return nil, err
		}
		if reply.Notes != "" {
			if err := em.Delta(reply.Notes); err != nil {
				return nil, err
			}
		}

		return &ports.Output{
			Text:      reply.Notes,
			Artifacts: reply.Artifacts,
			Metrics:   finishMetrics(usage, start, toolCalls),
		}, nil
	}
}

func (c *Coder) inspect(ctx context.Context, em ports.Emitter, sessionID, tool, path string) (string, error) {
	switch tool {
	case "read_file":
		res, err := em.CallTool(ctx, "read_file", map[string]any{"session_id": sessionID, "path": path})
		if err != nil {
			return "", err
		}
		if !res.Success {
			return res.Error, nil
		}
		return res.Output, nil
	case "list_directory":
		res, err := em.CallTool(ctx, "list_directory", map[string]any{"session_id": sessionID, "path": path, "depth": 2})
		if err != nil {
			return "", err
		}
		return res.Output, nil
	default:
		return "", apperrors.NewPermanentError(
			fmt.Errorf("coder requested tool %q", tool), "coder may only use read_file and list_directory")
	}
}
