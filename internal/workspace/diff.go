package workspace

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"

	"maestro/internal/workflow"
)

var (
	addColor = color.New(color.FgGreen)
	delColor = color.New(color.FgRed)
)

// Preview renders a line diff between the current file content and an
// artifact's proposed content, for HITL approval screens. Colors are applied
// only when colorize is set; the SSE payload carries the plain form.
func (m *Manager) Preview(sessionID string, art workflow.Artifact, colorize bool) (string, error) {
	workspaceDir, ok := m.Dir(sessionID)
	if !ok {
		return "", fmt.Errorf("no workspace bound for session %s", sessionID)
	}
	target, err := m.Resolve(workspaceDir, art.RelativePath)
	if err != nil {
		return "", err
	}

	var before string
	if raw, err := os.ReadFile(target); err == nil {
		before = string(raw)
	}

	after := art.Content
	if art.Action == workflow.ArtifactDeleted {
		after = ""
	}
	return renderDiff(art.RelativePath, before, after, colorize), nil
}

// renderDiff produces a compact line-oriented diff with +/- prefixes.
func renderDiff(path, before, after string, colorize bool) string {
	dmp := diffmatchpatch.New()
	beforeRunes, afterRunes, lines := dmp.DiffLinesToRunes(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMainRunes(beforeRunes, afterRunes, false), lines)

	var sb strings.Builder
	fmt.Fprintf(&sb, "--- %s\n+++ %s\n", path, path)
	for _, d := range diffs {
		for _, line := range splitLines(d.Text) {
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				writeLine(&sb, "+", line, addColor, colorize)
			case diffmatchpatch.DiffDelete:
				writeLine(&sb, "-", line, delColor, colorize)
			case diffmatchpatch.DiffEqual:
				writeLine(&sb, " ", line, nil, false)
			}
		}
	}
	return sb.String()
}

func writeLine(sb *strings.Builder, prefix, line string, c *color.Color, colorize bool) {
	if colorize && c != nil {
		sb.WriteString(c.Sprintf("%s%s", prefix, line))
	} else {
		sb.WriteString(prefix)
		sb.WriteString(line)
	}
	sb.WriteByte('\n')
}

func splitLines(text string) []string {
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// DiffStats summarizes a proposed change for event payloads.
type DiffStats struct {
	LinesAdded   int `json:"lines_added"`
	LinesRemoved int `json:"lines_removed"`
}

// Stats counts added and removed lines between two contents.
func Stats(before, after string) DiffStats {
	dmp := diffmatchpatch.New()
	beforeRunes, afterRunes, lines := dmp.DiffLinesToRunes(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMainRunes(beforeRunes, afterRunes, false), lines)

	var stats DiffStats
	for _, d := range diffs {
		n := len(splitLines(d.Text))
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			stats.LinesAdded += n
		case diffmatchpatch.DiffDelete:
			stats.LinesRemoved += n
		}
	}
	return stats
}
