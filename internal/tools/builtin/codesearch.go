package builtin

import (
	"context"
	"fmt"
	"strings"

	"maestro/internal/tools"
)

// codeSearchTool answers natural-language queries against the semantic
// index. internal: it talks to the in-process vector store only.
type codeSearchTool struct{ deps Deps }

func (t *codeSearchTool) Name() string { return "code_search" }
func (t *codeSearchTool) Description() string { return "Semantic search over indexed workspace code" }
func (t *codeSearchTool) Category() tools.Category { return tools.CategorySearch }
func (t *codeSearchTool) NetworkType() tools.NetworkType { return tools.NetworkInternal }

func (t *codeSearchTool) Schema() map[string]any {
	return objectSchema([]string{"query"}, map[string]any{
		"query":       map[string]any{"type": "string", "minLength": 1},
		"max_results": map[string]any{"type": "integer", "minimum": 1, "maximum": 50},
	})
}

func (t *codeSearchTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	matches, err := t.deps.Index.Query(ctx, stringParam(params, "query"), intParam(params, "max_results", 5))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return tools.Ok("no matches"), nil
	}
	var sb strings.Builder
	for _, m := range matches {
		fmt.Fprintf(&sb, "%s (score %.3f)\n%s\n\n", m.Path, m.Score, strings.TrimSpace(m.Snippet))
	}
	return tools.Ok(sb.String()), nil
}
