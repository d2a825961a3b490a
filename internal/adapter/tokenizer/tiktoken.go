// Package tokenizer estimates prompt size for the context window guard.
package tokenizer

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"

	"floorbot/internal/domain"
)

// Per-message framing overhead used by OpenAI chat models.
const (
	tokensPerMessage = 4
	tokensPerReply   = 3
	fallbackEncoding = "cl100k_base"
)

// Counter counts chat tokens with tiktoken. When no encoding can be loaded
// (the BPE ranks are fetched on first use) it falls back to len/4.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// New returns a counter for model.
func New(model string, logger *slog.Logger) *Counter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		logger.Warn("tiktoken encoding unavailable, estimating tokens", "model", model, "error", err)
		return &Counter{}
	}
	return &Counter{enc: enc}
}

// Exact reports whether counts come from a real encoding.
func (c *Counter) Exact() bool { return c.enc != nil }

// CountMessages implements domain.TokenCounter.
func (c *Counter) CountMessages(msgs []domain.Message) int {
	total := tokensPerReply
	for _, m := range msgs {
		total += tokensPerMessage
		total += c.count(string(m.Role))
		total += c.count(m.Content)
		if m.Name != "" {
			total += c.count(m.Name)
		}
		for _, tc := range m.ToolCalls {
			total += c.count(tc.Name) + c.count(string(tc.Arguments))
		}
	}
	return total
}

func (c *Counter) count(s string) int {
	if s == "" {
		return 0
	}
	if c.enc == nil {
		return (len(s) + 3) / 4
	}
	return len(c.enc.Encode(s, nil, nil))
}

var _ domain.TokenCounter = (*Counter)(nil)
