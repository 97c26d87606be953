package handlers

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"maestro/internal/agent/ports"
	"maestro/internal/llm"
	"maestro/internal/logging"
	"maestro/internal/workflow"
)

// QAGate runs the workspace test suite through the run_tests tool. No LLM
// call; the verdict is the test runner's.
type QAGate struct {
	logger logging.Logger
}

// NewQAGate creates the QA gate handler.
func NewQAGate(logger logging.Logger) *QAGate {
	return &QAGate{logger: logging.OrNop(logger)}
}

// Role implements ports.Handler.
func (g *QAGate) Role() workflow.AgentRole { return workflow.RoleQAGate }

// QAVerdict is the gate's published output shape.
type QAVerdict struct {
	Passed   bool     `json:"passed"`
	Failures []string `json:"failures,omitempty"`
	Output   string   `json:"output,omitempty"`
}

// Execute implements ports.Handler.
func (g *QAGate) Execute(ctx context.Context, in ports.StageInput, em ports.Emitter) (*ports.Output, error) {
	start := time.Now()

	res, err := em.CallTool(ctx, "run_tests", map[string]any{"session_id": in.Request.SessionID})
	if err != nil {
		return nil, err
	}

	verdict := QAVerdict{Passed: res.Success, Output: res.Output}
	if !res.Success {
		verdict.Failures = extractFailures(res.Output)
	}
	if err := em.Write("qa."+in.Stage.ID, verdict, "test run verdict"); err != nil {
		return nil, err
	}

	out := &ports.Output{
		Text:        fmt.Sprintf("tests passed: %v", verdict.Passed),
		NeedsRefine: !verdict.Passed,
		Metrics:     finishMetrics(llm.Usage{}, start, 1),
	}
	if !verdict.Passed {
		for _, f := range verdict.Failures {
			out.Issues = append(out.Issues, ports.Issue{Severity: "error", Message: f})
		}
	}
	return out, nil
}

var failureLine = regexp.MustCompile(`(?m)^(FAILED|ERROR)\s+(.+)$`)

func extractFailures(output string) []string {
	var out []string
	for _, m := range failureLine.FindAllStringSubmatch(output, 20) {
		out = append(out, strings.TrimSpace(m[2]))
	}
	if len(out) == 0 {
		out = append(out, "test run failed")
	}
	return out
}

// SecurityGate scans candidate artifacts against its rule set. Purely
// local; no LLM and no network.
type SecurityGate struct {
	rules  []securityRule
	logger logging.Logger
}

// NewSecurityGate creates the security gate handler. A non-empty rulesFile
// extends the built-in rules with patterns from a YAML file; a broken file is
// logged and ignored rather than blocking startup.
func NewSecurityGate(rulesFile string, logger logging.Logger) *SecurityGate {
	g := &SecurityGate{rules: securityRules, logger: logging.OrNop(logger)}
	if rulesFile != "" {
		extra, err := loadSecurityRules(rulesFile)
		if err != nil {
			g.logger.Warn("security rule file %s ignored: %v", rulesFile, err)
		} else {
			g.rules = append(append([]securityRule(nil), securityRules...), extra...)
		}
	}
	return g
}

// Role implements ports.Handler.
func (g *SecurityGate) Role() workflow.AgentRole { return workflow.RoleSecurityGate }

// SecurityFinding is one rule hit.
type SecurityFinding struct {
	Severity string `json:"severity"`
	Path     string `json:"path"`
	Line     int    `json:"line"`
	Rule     string `json:"rule"`
	Message  string `json:"message"`
}

// SecurityVerdict is the gate's published output shape.
type SecurityVerdict struct {
	Findings []SecurityFinding `json:"findings"`
}

type securityRule struct {
	name     string
	severity string
	pattern  *regexp.Regexp
	message  string
}

var securityRules = []securityRule{
	{"eval-call", "critical", regexp.MustCompile(`\beval\s*\(`), "eval() executes arbitrary code"},
	{"exec-call", "critical", regexp.MustCompile(`\bexec\s*\(`), "exec() executes arbitrary code"},
	{"shell-true", "error", regexp.MustCompile(`shell\s*=\s*True`), "subprocess with shell=True is injectable"},
	{"os-system", "error", regexp.MustCompile(`os\.system\s*\(`), "os.system runs through the shell"},
	{"pickle-load", "warning", regexp.MustCompile(`pickle\.loads?\s*\(`), "unpickling untrusted data executes code"},
	{"hardcoded-secret", "error", regexp.MustCompile(`(?i)(api_key|secret|password|token)\s*=\s*["'][^"']{8,}["']`), "possible hardcoded credential"},
	{"yaml-unsafe", "warning", regexp.MustCompile(`yaml\.load\s*\((?:[^)]*[^)]*)?\)`), "yaml.load without SafeLoader"},
}

// loadSecurityRules parses a YAML rule file:
//
//	rules:
//	  - name: curl-pipe-sh
//	    severity: error
//	    pattern: 'curl[^|]*\|\s*(ba)?sh'
//	    message: piping downloads into a shell
func loadSecurityRules(path string) ([]securityRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Rules []struct {
			Name     string `yaml:"name"`
			Severity string `yaml:"severity"`
			Pattern  string `yaml:"pattern"`
			Message  string `yaml:"message"`
		} `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rule file: %w", err)
	}
	out := make([]securityRule, 0, len(doc.Rules))
	for _, r := range doc.Rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		severity := r.Severity
		if severity == "" {
			severity = "warning"
		}
		out = append(out, securityRule{name: r.Name, severity: severity, pattern: re, message: r.Message})
	}
	return out, nil
}

// Execute implements ports.Handler.
func (g *SecurityGate) Execute(ctx context.Context, in ports.StageInput, em ports.Emitter) (*ports.Output, error) {
	start := time.Now()

	artifacts := artifactsFromContext(in.Snapshot, ContextKeyArtifacts)
	verdict := SecurityVerdict{}
	for _, art := range artifacts {
		if art.Action == workflow.ArtifactDeleted {
			continue
		}
		for i, line := range strings.Split(art.Content, "\n") {
			for _, rule := range g.rules {
				if rule.pattern.MatchString(line) {
					verdict.Findings = append(verdict.Findings, SecurityFinding{
						Severity: rule.severity,
						Path:     art.RelativePath,
						Line:     i + 1,
						Rule:     rule.name,
						Message:  rule.message,
					})
				}
			}
		}
	}

	if err := em.Write("security."+in.Stage.ID, verdict, "security scan findings"); err != nil {
		return nil, err
	}

	needsRefine := false
	out := &ports.Output{Metrics: finishMetrics(llm.Usage{}, start, 0)}
	for _, f := range verdict.Findings {
		out.Issues = append(out.Issues, ports.Issue{Severity: f.Severity, Path: f.Path,
			Message: fmt.Sprintf("%s:%d %s", f.Path, f.Line, f.Message)})
		if f.Severity == "error" || f.Severity == "critical" {
			needsRefine = true
		}
	}
	out.NeedsRefine = needsRefine
	out.Text = fmt.Sprintf("security scan: %d findings", len(verdict.Findings))
	return out, nil
}
