package builtin

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"maestro/internal/tools"
)

// gitTool wraps one git subcommand through the GitRunner port.
type gitTool struct {
	deps Deps
	sub  string // status, diff, log, branch, commit
}

func (t *gitTool) Name() string { return "git_" + t.sub }
func (t *gitTool) Description() string { return "Run git " + t.sub + " in the session workspace" }
func (t *gitTool) Category() tools.Category { return tools.CategoryGit }
func (t *gitTool) NetworkType() tools.NetworkType { return tools.NetworkLocal }

func (t *gitTool) Schema() map[string]any {
	props := map[string]any{"session_id": sessionProp}
	required := []string{"session_id"}
	switch t.sub {
	case "commit":
		props["message"] = map[string]any{"type": "string", "minLength": 1}
		required = append(required, "message")
	case "log":
		props["limit"] = map[string]any{"type": "integer", "minimum": 1, "maximum": 100}
	case "diff":
		props["path"] = map[string]any{"type": "string"}
	case "branch":
		props["name"] = map[string]any{"type": "string"}
	}
	return objectSchema(required, props)
}

func (t *gitTool) args(params map[string]any) []string {
	switch t.sub {
	case "status":
		return []string{"status", "--short"}
	case "diff":
		args := []string{"diff"}
		if p := stringParam(params, "path"); p != "" {
			args = append(args, "--", p)
		}
		return args
	case "log":
		return []string{"log", "--oneline", fmt.Sprintf("-%d", intParam(params, "limit", 20))}
	case "branch":
		if name := stringParam(params, "name"); name != "" {
			return []string{"checkout", "-b", name}
		}
		return []string{"branch", "--list"}
	case "commit":
		return []string{"commit", "-am", stringParam(params, "message")}
	}
	return nil
}

func (t *gitTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	dir, ok := t.deps.Workspaces.Dir(sessionParam(params))
	if !ok {
		return tools.Fail(fmt.Sprintf("no workspace bound for session %s", sessionParam(params))), nil
	}
	out, err := t.deps.Git.Run(ctx, dir, t.args(params)...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		res := tools.Fail(fmt.Sprintf("git %s failed", t.sub))
		res.Output = out
		return res, nil
	}
	if strings.TrimSpace(out) == "" {
		out = "(no output)"
	}
	return tools.Ok(out), nil
}

// ExecGitRunner shells out to the git binary.
type ExecGitRunner struct{}

// Run implements tools.GitRunner.
func (ExecGitRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return truncateOutput(string(out)), err
}
