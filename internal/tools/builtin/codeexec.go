package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"maestro/internal/tools"
)

// runInWorkspace executes a command inside the session's workspace directory
// bound to ctx. Output is combined stdout+stderr, truncated for transport.
func (d *Deps) runInWorkspace(ctx context.Context, sessionID string, name string, args ...string) (*tools.Result, error) {
	dir, ok := d.Workspaces.Dir(sessionID)
	if !ok {
		return tools.Fail(fmt.Sprintf("no workspace bound for session %s", sessionID)), nil
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := truncateOutput(buf.String())
	if ctx.Err() != nil {
		return nil, ctx.Err() // registry converts deadline into a transient timeout
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			// Non-zero exit is a tool-level failure, not a system error.
			res := tools.Fail(fmt.Sprintf("%s exited with error", name))
			res.Output = output
			return res, nil
		}
		return nil, err // missing binary, permissions: surfaced unchanged
	}
	return tools.Ok(output), nil
}

const maxOutputBytes = 64 * 1024

func truncateOutput(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n... (output truncated)"
}

// executePythonTool runs a python snippet or script in the workspace.
type executePythonTool struct{ deps Deps }

func (t *executePythonTool) Name() string { return "execute_python" }
func (t *executePythonTool) Description() string { return "Run a Python snippet in the session workspace" }
func (t *executePythonTool) Category() tools.Category { return tools.CategoryCode }
func (t *executePythonTool) NetworkType() tools.NetworkType { return tools.NetworkLocal }

func (t *executePythonTool) Schema() map[string]any {
	return objectSchema([]string{"session_id", "code"}, map[string]any{
		"session_id": sessionProp,
		"code":       map[string]any{"type": "string", "minLength": 1},
	})
}

func (t *executePythonTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	return t.deps.runInWorkspace(ctx, sessionParam(params), "python3", "-c", stringParam(params, "code"))
}

// runTestsTool runs pytest in the workspace.
type runTestsTool struct{ deps Deps }

func (t *runTestsTool) Name() string { return "run_tests" }
func (t *runTestsTool) Description() string { return "Run the workspace test suite with pytest" }
func (t *runTestsTool) Category() tools.Category { return tools.CategoryCode }
func (t *runTestsTool) NetworkType() tools.NetworkType { return tools.NetworkLocal }

func (t *runTestsTool) Schema() map[string]any {
	return objectSchema([]string{"session_id"}, map[string]any{
		"session_id": sessionProp,
		"target":     map[string]any{"type": "string"},
	})
}

func (t *runTestsTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	args := []string{"-m", "pytest", "-q"}
	if target := stringParam(params, "target"); target != "" {
		args = append(args, target)
	}
	return t.deps.runInWorkspace(ctx, sessionParam(params), "python3", args...)
}

// lintCodeTool runs a Python syntax/lint check.
type lintCodeTool struct{ deps Deps }

func (t *lintCodeTool) Name() string { return "lint_code" }
func (t *lintCodeTool) Description() string { return "Lint Python files in the session workspace" }
func (t *lintCodeTool) Category() tools.Category { return tools.CategoryCode }
func (t *lintCodeTool) NetworkType() tools.NetworkType { return tools.NetworkLocal }

func (t *lintCodeTool) Schema() map[string]any {
	return objectSchema([]string{"session_id"}, map[string]any{
		"session_id": sessionProp,
		"target":     map[string]any{"type": "string"},
	})
}

func (t *lintCodeTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	target := stringParam(params, "target")
	if target == "" {
		target = "."
	}
	return t.deps.runInWorkspace(ctx, sessionParam(params), "python3", "-m", "pyflakes", target)
}
