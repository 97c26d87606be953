package builtin

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"maestro/internal/tools"
	"maestro/internal/workflow"
)

// readFileTool returns a file's content from the session workspace.
type readFileTool struct{ deps Deps }

func (t *readFileTool) Name() string { return "read_file" }
func (t *readFileTool) Description() string { return "Read a file from the session workspace" }
func (t *readFileTool) Category() tools.Category { return tools.CategoryFile }
func (t *readFileTool) NetworkType() tools.NetworkType { return tools.NetworkLocal }

func (t *readFileTool) Schema() map[string]any {
	return objectSchema([]string{"session_id", "path"}, map[string]any{
		"session_id": sessionProp,
		"path":       map[string]any{"type": "string", "minLength": 1},
	})
}

func (t *readFileTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	raw, err := t.deps.Workspaces.Read(sessionParam(params), stringParam(params, "path"))
	if err != nil {
		return tools.Fail(fmt.Sprintf("read failed: %v", err)), nil
	}
	return tools.Ok(string(raw)), nil
}

// writeFileTool applies a single created/modified artifact.
type writeFileTool struct{ deps Deps }

func (t *writeFileTool) Name() string { return "write_file" }
func (t *writeFileTool) Description() string { return "Write a file into the session workspace" }
func (t *writeFileTool) Category() tools.Category { return tools.CategoryFile }
func (t *writeFileTool) NetworkType() tools.NetworkType { return tools.NetworkLocal }

func (t *writeFileTool) Schema() map[string]any {
	return objectSchema([]string{"session_id", "path", "content"}, map[string]any{
		"session_id": sessionProp,
		"path":       map[string]any{"type": "string", "minLength": 1},
		"content":    map[string]any{"type": "string"},
	})
}

func (t *writeFileTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	res, err := t.deps.Workspaces.Apply(sessionParam(params), []workflow.Artifact{{
		RelativePath: stringParam(params, "path"),
		Content:      stringParam(params, "content"),
		Action:       workflow.ArtifactModified, // promoted to created if absent
	}})
	if err != nil {
		return nil, err
	}
	applied := res.Applied[0]
	return tools.Ok(fmt.Sprintf("%s %s (%d bytes)", applied.Action, applied.RelativePath, applied.SizeBytes)), nil
}

// searchFilesTool greps workspace files for a literal substring.
type searchFilesTool struct{ deps Deps }

func (t *searchFilesTool) Name() string { return "search_files" }
func (t *searchFilesTool) Description() string { return "Search workspace files for a substring" }
func (t *searchFilesTool) Category() tools.Category { return tools.CategorySearch }
func (t *searchFilesTool) NetworkType() tools.NetworkType { return tools.NetworkLocal }

func (t *searchFilesTool) Schema() map[string]any {
	return objectSchema([]string{"session_id", "query"}, map[string]any{
		"session_id": sessionProp,
		"query":      map[string]any{"type": "string", "minLength": 1},
		"max_results": map[string]any{
			"type": "integer", "minimum": 1, "maximum": 500,
		},
	})
}

func (t *searchFilesTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	sessionID := sessionParam(params)
	query := stringParam(params, "query")
	maxResults := intParam(params, "max_results", 50)

	entries, err := t.deps.Workspaces.ListFiles(sessionID, "", 16)
	if err != nil {
		return tools.Fail(fmt.Sprintf("search failed: %v", err)), nil
	}

	var sb strings.Builder
	found := 0
	for _, entry := range entries {
		if entry.IsDir || found >= maxResults {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := t.deps.Workspaces.Read(sessionID, entry.RelativePath)
		if err != nil {
			continue
		}
		for i, line := range strings.Split(string(raw), "\n") {
			if strings.Contains(line, query) {
				fmt.Fprintf(&sb, "%s:%d: %s\n", entry.RelativePath, i+1, strings.TrimSpace(line))
				found++
				if found >= maxResults {
					break
				}
			}
		}
	}
	if found == 0 {
		return tools.Ok("no matches"), nil
	}
	return tools.Ok(sb.String()), nil
}

// listDirectoryTool lists a workspace subtree.
type listDirectoryTool struct{ deps Deps }

func (t *listDirectoryTool) Name() string { return "list_directory" }
func (t *listDirectoryTool) Description() string { return "List files under a workspace directory" }
func (t *listDirectoryTool) Category() tools.Category { return tools.CategoryFile }
func (t *listDirectoryTool) NetworkType() tools.NetworkType { return tools.NetworkLocal }

func (t *listDirectoryTool) Schema() map[string]any {
	return objectSchema([]string{"session_id"}, map[string]any{
		"session_id": sessionProp,
		"path":       map[string]any{"type": "string"},
		"depth":      map[string]any{"type": "integer", "minimum": 0, "maximum": 16},
	})
}

func (t *listDirectoryTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	entries, err := t.deps.Workspaces.ListFiles(sessionParam(params), stringParam(params, "path"), intParam(params, "depth", 1))
	if err != nil {
		return tools.Fail(fmt.Sprintf("list failed: %v", err)), nil
	}
	var sb strings.Builder
	for _, e := range entries {
		if e.IsDir {
			fmt.Fprintf(&sb, "%s%c\n", e.RelativePath, filepath.Separator)
		} else {
			fmt.Fprintf(&sb, "%s (%d bytes)\n", e.RelativePath, e.SizeBytes)
		}
	}
	if sb.Len() == 0 {
		return tools.Ok("(empty)"), nil
	}
	return tools.Ok(sb.String()), nil
}
