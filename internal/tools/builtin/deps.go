// Package builtin provides the enumerated tool set: file operations, code
// execution, git, semantic code search, and web access.
package builtin

import (
	"net/http"
	"time"

	"maestro/internal/logging"
	"maestro/internal/tools"
	"maestro/internal/workspace"
)

// Deps carries the collaborators builtin tools are constructed with.
type Deps struct {
	Workspaces *workspace.Manager
	Git        tools.GitRunner
	Index      tools.SemanticIndex
	HTTPClient *http.Client
	Logger     logging.Logger
}

func (d *Deps) httpClient() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (d *Deps) logger() logging.Logger {
	return logging.OrNop(d.Logger)
}

// RegisterAll wires every builtin tool into the registry. Tools whose
// collaborator is absent (no git runner, no semantic index) are skipped
// rather than registered broken.
func RegisterAll(r *tools.Registry, deps Deps) error {
	all := []tools.Tool{
		&readFileTool{deps: deps},
		&writeFileTool{deps: deps},
		&searchFilesTool{deps: deps},
		&listDirectoryTool{deps: deps},
		&executePythonTool{deps: deps},
		&runTestsTool{deps: deps},
		&lintCodeTool{deps: deps},
		&webSearchTool{deps: deps},
		&httpRequestTool{deps: deps},
		&downloadFileTool{deps: deps},
	}
	if deps.Git != nil {
		for _, sub := range []string{"status", "diff", "log", "branch", "commit"} {
			all = append(all, &gitTool{deps: deps, sub: sub})
		}
	}
	if deps.Index != nil {
		all = append(all, &codeSearchTool{deps: deps})
	}
	for _, t := range all {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// sessionParam extracts the session_id the dispatcher injects into every
// workspace-scoped call.
func sessionParam(params map[string]any) string {
	s, _ := params["session_id"].(string)
	return s
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

// objectSchema builds the common JSON schema shape for a params object.
func objectSchema(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": true,
	}
}

var sessionProp = map[string]any{"type": "string", "minLength": 1}
