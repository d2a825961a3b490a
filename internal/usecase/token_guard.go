package usecase

import (
	"log/slog"

	"floorbot/internal/domain"
)

// TokenGuardConfig holds settings for the token guard.
type TokenGuardConfig struct {
	MaxTokens     int
	ReserveTokens int
	SafetyMargin  float64
}

// TokenGuard keeps a request under the model's context window by dropping
// the oldest message groups. The system prompt and the newest group are
// always kept.
type TokenGuard struct {
	counter domain.TokenCounter
	limit   int
	logger  *slog.Logger
}

// NewTokenGuard creates a guard. MaxTokens <= 0 disables trimming.
func NewTokenGuard(cfg TokenGuardConfig, counter domain.TokenCounter, logger *slog.Logger) *TokenGuard {
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = 0.1
	}
	if cfg.SafetyMargin > 0.5 {
		cfg.SafetyMargin = 0.5
	}
	limit := 0
	if cfg.MaxTokens > 0 {
		limit = int(float64(cfg.MaxTokens)*(1-cfg.SafetyMargin)) - cfg.ReserveTokens
		if limit <= 0 {
			limit = cfg.MaxTokens / 2
		}
	}
	return &TokenGuard{counter: counter, limit: limit, logger: logger}
}

// Fit returns msgs trimmed to the token limit.
func (g *TokenGuard) Fit(msgs []domain.Message) []domain.Message {
	if g == nil || g.limit <= 0 || g.counter == nil {
		return msgs
	}
	tokens := g.counter.CountMessages(msgs)
	if tokens <= g.limit {
		return msgs
	}
	before := len(msgs)
	for tokens > g.limit {
		trimmed, ok := dropOldestGroup(msgs)
		if !ok {
			break
		}
		msgs = trimmed
		tokens = g.counter.CountMessages(msgs)
	}
	g.logger.Warn("token guard: trimmed history",
		"dropped", before-len(msgs),
		"tokens", tokens,
		"limit", g.limit,
	)
	return msgs
}
