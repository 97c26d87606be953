package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// countTokens estimates token usage with the cl100k_base encoding. Used when
// a backend omits usage from its response. Falls back to a bytes/4 heuristic
// if the encoding cannot be loaded.
func countTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return (len(text) + 3) / 4
	}
	return len(encoding.Encode(text, nil, nil))
}

// estimateUsage fills a Usage from prompt messages and completion text.
func estimateUsage(messages []Message, completion string) Usage {
	var prompt int
	for _, m := range messages {
		prompt += countTokens(m.Content) + 4 // small per-message framing cost
	}
	comp := countTokens(completion)
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: comp,
		TotalTokens:      prompt + comp,
		Estimated:        true,
	}
}
