// Package handlers implements the eight agent roles on top of the LLM
// adapter, the tool registry, and shared context.
package handlers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	apperrors "maestro/internal/errors"
)

// extractJSON pulls the first JSON object out of model output, tolerating
// markdown fences and prose around it, and repairs near-JSON before giving
// up. Models are unreliable JSON emitters; jsonrepair fixes trailing commas,
// single quotes and unquoted keys.
func extractJSON(text string, v any) error {
	candidate := strings.TrimSpace(text)

	if fenced := extractFenced(candidate); fenced != "" {
		candidate = fenced
	} else if start := strings.IndexAny(candidate, "{["); start >= 0 {
		candidate = candidate[start:]
		if end := lastBalanced(candidate); end > 0 {
			candidate = candidate[:end]
		}
	}

	if err := json.Unmarshal([]byte(candidate), v); err == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return apperrors.NewPermanentError(
			fmt.Errorf("unparseable model output: %w", err), "model returned malformed structured output")
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return apperrors.NewPermanentError(
			fmt.Errorf("decode repaired output: %w", err), "model returned malformed structured output")
	}
	return nil
}

func extractFenced(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return ""
	}
	rest := text[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:] // drop the language tag line
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

// lastBalanced returns the index just past the top-level close of the first
// bracket, ignoring brackets inside strings.
func lastBalanced(s string) int {
	if s == "" {
		return 0
	}
	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return 0
	}
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return 0
}
