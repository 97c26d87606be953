package llm

import "strings"

// thinkTags are the reasoning delimiters stripped from model output. Some
// backends emit <think>, others <thinking>.
var thinkTags = []struct{ open, close string }{
	{"<think>", "</think>"},
	{"<thinking>", "</thinking>"},
}

// ThinkStripper removes reasoning blocks from a streamed completion. It is a
// small state machine that tolerates tags split across chunk boundaries: a
// suffix that could be the start of a tag is held back until the next chunk
// disambiguates it.
type ThinkStripper struct {
	inThink  bool
	closeTag string
	pending  string // possible partial tag held across chunks
	thinking strings.Builder
}

// NewThinkStripper returns a fresh stripper for one completion.
func NewThinkStripper() *ThinkStripper {
	return &ThinkStripper{}
}

// Feed processes one chunk and returns the visible text to emit.
func (s *ThinkStripper) Feed(chunk string) string {
	buf := s.pending + chunk
	s.pending = ""
	var out strings.Builder

	for buf != "" {
		if s.inThink {
			if idx := strings.Index(buf, s.closeTag); idx >= 0 {
				s.thinking.WriteString(buf[:idx])
				buf = buf[idx+len(s.closeTag):]
				s.inThink = false
				continue
			}
			// No close tag yet. Hold back a possible partial close tag and
			// swallow the rest as thinking.
			hold := partialSuffix(buf, s.closeTag)
			s.thinking.WriteString(buf[:len(buf)-len(hold)])
			s.pending = hold
			return out.String()
		}

		openIdx, tag := -1, ""
		for _, t := range thinkTags {
			if idx := strings.Index(buf, t.open); idx >= 0 && (openIdx < 0 || idx < openIdx) {
				openIdx, tag = idx, t.open
				s.closeTag = t.close
			}
		}
		if openIdx >= 0 {
			out.WriteString(buf[:openIdx])
			buf = buf[openIdx+len(tag):]
			s.inThink = true
			continue
		}

		// No open tag. Hold back a suffix that might start one.
		hold := ""
		for _, t := range thinkTags {
			if h := partialSuffix(buf, t.open); len(h) > len(hold) {
				hold = h
			}
		}
		out.WriteString(buf[:len(buf)-len(hold)])
		s.pending = hold
		return out.String()
	}
	return out.String()
}

// Flush returns any held-back text once the stream ends. A partial tag that
// never completed is emitted as-is; an unterminated think block is dropped.
func (s *ThinkStripper) Flush() string {
	if s.inThink {
		s.thinking.WriteString(s.pending)
		s.pending = ""
		return ""
	}
	out := s.pending
	s.pending = ""
	return out
}

// Thinking returns the accumulated stripped reasoning text.
func (s *ThinkStripper) Thinking() string {
	return strings.TrimSpace(s.thinking.String())
}

// partialSuffix returns the longest suffix of buf that is a proper prefix of
// tag. Bounded by the tag length, so it never holds back meaningful text.
func partialSuffix(buf, tag string) string {
	max := len(tag) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(tag, buf[len(buf)-n:]) {
			return buf[len(buf)-n:]
		}
	}
	return ""
}

// StripThinking removes reasoning blocks from a complete (non-streamed)
// response and returns the visible text plus the stripped reasoning.
func StripThinking(content string) (visible, thinking string) {
	s := NewThinkStripper()
	visible = s.Feed(content) + s.Flush()
	return strings.TrimSpace(visible), s.Thinking()
}
