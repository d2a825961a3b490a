package usecase

import (
	"floorbot/internal/domain"
)

// DefaultMaxHistory is the number of non-system messages sent to the model.
const DefaultMaxHistory = 20

// ContextBuilderConfig holds the fixed request parameters.
type ContextBuilderConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
	MaxHistory  int
}

// ContextBuilder constructs the prompt message array for LLM calls.
type ContextBuilder struct {
	model       string
	temperature float64
	maxTokens   int
	maxMessages int
}

// NewContextBuilder creates a new context builder.
func NewContextBuilder(cfg ContextBuilderConfig) *ContextBuilder {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	return &ContextBuilder{
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		maxMessages: cfg.MaxHistory,
	}
}

// Build assembles the session's system prompt followed by the most recent
// conversation history. Tools may be nil for the answer pass.
func (cb *ContextBuilder) Build(history []domain.Message, tools []domain.ToolSchema) domain.ChatRequest {
	system, rest := splitSystem(history)

	hist := dropOrphanResults(cb.truncateHistory(rest))
	messages := make([]domain.Message, 0, len(system)+len(hist))
	messages = append(messages, system...)
	messages = append(messages, hist...)

	return domain.ChatRequest{
		Model:       cb.model,
		Messages:    messages,
		Tools:       tools,
		MaxTokens:   cb.maxTokens,
		Temperature: cb.temperature,
	}
}

// splitSystem separates the leading system messages from the rest.
func splitSystem(msgs []domain.Message) (system, rest []domain.Message) {
	i := 0
	for i < len(msgs) && msgs[i].Role == domain.RoleSystem {
		i++
	}
	return msgs[:i], msgs[i:]
}

func (cb *ContextBuilder) truncateHistory(history []domain.Message) []domain.Message {
	if cb.maxMessages <= 0 || len(history) <= cb.maxMessages {
		return history
	}

	// Partition messages into atomic groups so that
	// [Assistant(tool_calls), ToolResult...] are never split.
	groups := groupMessages(history)

	// Keep groups from the end until we exceed the message budget.
	var kept [][]domain.Message
	total := 0
	for i := len(groups) - 1; i >= 0; i-- {
		groupLen := len(groups[i])
		if total+groupLen > cb.maxMessages && total > 0 {
			break
		}
		kept = append(kept, groups[i])
		total += groupLen
	}

	// Reverse to restore chronological order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	result := make([]domain.Message, 0, total)
	for _, g := range kept {
		result = append(result, g...)
	}
	return result
}

// dropOrphanResults removes tool results at the head of the window whose
// tool-call message was cut off. Providers reject them.
func dropOrphanResults(msgs []domain.Message) []domain.Message {
	i := 0
	for i < len(msgs) && msgs[i].Role == domain.RoleTool {
		i++
	}
	return msgs[i:]
}

// dropOldestGroup removes the oldest non-system group from a built request.
// It reports false when only the system prompt and the newest group remain.
func dropOldestGroup(msgs []domain.Message) ([]domain.Message, bool) {
	system, rest := splitSystem(msgs)
	groups := groupMessages(rest)
	if len(groups) <= 1 {
		return msgs, false
	}
	out := make([]domain.Message, 0, len(msgs)-len(groups[0]))
	out = append(out, system...)
	for _, g := range groups[1:] {
		out = append(out, g...)
	}
	return out, true
}

// dropOldestPriorGroup removes the oldest group that precedes the latest
// user message, so the current turn survives. It reports false when nothing
// precedes that message.
func dropOldestPriorGroup(msgs []domain.Message) ([]domain.Message, bool) {
	system, rest := splitSystem(msgs)
	current := -1
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i].Role == domain.RoleUser {
			current = i
			break
		}
	}
	if current < 0 {
		return dropOldestGroup(msgs)
	}
	groups := groupMessages(rest[:current])
	if len(groups) == 0 {
		return msgs, false
	}
	out := make([]domain.Message, 0, len(msgs)-len(groups[0]))
	out = append(out, system...)
	out = append(out, rest[len(groups[0]):]...)
	return out, true
}

// groupMessages partitions messages into atomic groups.
// An assistant message with tool calls and its immediately following
// tool result messages form a single group. All other messages are
// individual groups.
func groupMessages(msgs []domain.Message) [][]domain.Message {
	var groups [][]domain.Message
	i := 0
	for i < len(msgs) {
		msg := msgs[i]
		if msg.Role == domain.RoleAssistant && len(msg.ToolCalls) > 0 {
			group := []domain.Message{msg}
			j := i + 1
			for j < len(msgs) && msgs[j].Role == domain.RoleTool {
				group = append(group, msgs[j])
				j++
			}
			groups = append(groups, group)
			i = j
		} else {
			groups = append(groups, []domain.Message{msg})
			i++
		}
	}
	return groups
}
