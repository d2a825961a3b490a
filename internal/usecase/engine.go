package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"floorbot/internal/domain"
	"floorbot/internal/infra/tracer"
)

// Recovery loop constants.
const (
	maxLLMRetries  = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 10 * time.Second
)

// Shopper-facing texts.
const (
	MsgSessionNotFound    = "Session not found. Please create a new session."
	MsgCouldNotTranscribe = "Could not transcribe audio"
	msgUnknownFunction    = "unknown function"
	failurePrefix         = "I encountered an error: "
	DefaultVoiceLanguage  = "en"
)

// Tool names whose results are surfaced to the caller as structured data.
const (
	searchToolName  = "search_products"
	summaryToolName = "create_order_summary"
)

// EngineDeps holds injected dependencies for the engine.
type EngineDeps struct {
	LLM             domain.LLMProvider
	Tools           domain.ToolExecutor
	Sessions        *SessionStore
	ContextBuilder  *ContextBuilder
	Logger          *slog.Logger
	Locker          TurnLocker         // optional, nil = in-process SessionLocker
	Transcriber     domain.Transcriber // optional, nil = voice disabled
	ErrorClassifier *ErrorClassifier   // optional, nil = no retries
	TokenGuard      *TokenGuard        // optional, nil = no token trimming
	TurnTimeout     time.Duration      // 0 = caller's deadline only
}

// TurnResult is the outcome of one conversational turn.
type TurnResult struct {
	SessionID       string                      `json:"session_id"`
	Response        string                      `json:"response"`
	Success         bool                        `json:"success"`
	Error           string                      `json:"error,omitempty"`
	Code            domain.ErrorCode            `json:"code,omitempty"`
	Products        []domain.ProductInfo        `json:"products,omitempty"`
	Order           *domain.OrderSummaryDisplay `json:"order,omitempty"`
	TranscribedText string                      `json:"transcribed_text,omitempty"`
}

// HistoryEntry is one visible message of a conversation.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Engine runs the two-pass tool-calling protocol for each shopper message.
type Engine struct {
	deps    EngineDeps
	backoff func(attempt int) time.Duration
}

// NewEngine creates an engine with the given dependencies.
func NewEngine(deps EngineDeps) *Engine {
	if deps.Locker == nil {
		deps.Locker = NewSessionLocker()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{deps: deps, backoff: retryBackoff}
}

// CreateSession starts a conversation for userID (may be empty).
func (e *Engine) CreateSession(ctx context.Context, userID string) (*Session, error) {
	return e.deps.Sessions.Create(ctx, userID)
}

// EndSession deletes a conversation. Unknown ids are not an error.
func (e *Engine) EndSession(ctx context.Context, sessionID string) error {
	return e.deps.Sessions.Delete(ctx, sessionID)
}

// History returns the visible messages of a conversation: system prompts
// and tool traffic are omitted.
func (e *Engine) History(ctx context.Context, sessionID string) ([]HistoryEntry, error) {
	sess, err := e.deps.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, domain.NewDomainError("Engine.History", domain.ErrSessionNotFound, sessionID)
	}
	var out []HistoryEntry
	for _, m := range sess.Messages() {
		if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
			continue
		}
		if m.Role == domain.RoleAssistant && len(m.ToolCalls) > 0 && m.Content == "" {
			continue
		}
		out = append(out, HistoryEntry{Role: m.Role, Content: m.Content, Timestamp: m.Timestamp})
	}
	return out, nil
}

// HandleVoice transcribes audio and runs it as a normal turn.
func (e *Engine) HandleVoice(ctx context.Context, sessionID string, audio []byte, format, language string) *TurnResult {
	if language == "" {
		language = DefaultVoiceLanguage
	}
	if e.deps.Transcriber == nil {
		return e.failed(sessionID, domain.NewDomainError("Engine.HandleVoice", domain.ErrTranscription, "voice input is not configured"))
	}

	ctx, span := tracer.StartSpan(ctx, "engine.transcribe",
		trace.WithAttributes(
			tracer.StringAttr("session.id", sessionID),
			tracer.StringAttr("audio.format", format),
			tracer.IntAttr("audio.bytes", len(audio)),
		),
	)
	text, err := e.deps.Transcriber.Transcribe(ctx, audio, format, language)
	if err != nil {
		tracer.RecordError(span, err)
		span.End()
		e.deps.Logger.WarnContext(ctx, "transcription failed", "session_id", sessionID, "error", err)
		return e.failed(sessionID, err)
	}
	tracer.SetOK(span)
	span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return &TurnResult{
			SessionID: sessionID,
			Response:  MsgCouldNotTranscribe,
			Error:     MsgCouldNotTranscribe,
			Code:      domain.CodeTranscription,
		}
	}

	res := e.HandleTurn(ctx, sessionID, text)
	res.TranscribedText = text
	return res
}

// HandleTurn processes one shopper message. It never returns an error:
// failures are reported in the result with Success=false.
func (e *Engine) HandleTurn(ctx context.Context, sessionID, text string) *TurnResult {
	ctx, span := tracer.StartSpan(ctx, "engine.turn",
		trace.WithAttributes(tracer.StringAttr("session.id", sessionID)),
	)
	defer span.End()

	if e.deps.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.deps.TurnTimeout)
		defer cancel()
	}
	ctx = domain.ContextWithSessionID(ctx, sessionID)

	unlock, err := e.deps.Locker.Lock(ctx, sessionID)
	if err != nil {
		tracer.RecordError(span, err)
		return e.failed(sessionID, err)
	}
	defer unlock()

	sess, err := e.deps.Sessions.Get(ctx, sessionID)
	if err != nil {
		tracer.RecordError(span, err)
		return e.failed(sessionID, err)
	}
	if sess == nil {
		tracer.RecordError(span, domain.ErrSessionNotFound)
		return &TurnResult{
			SessionID: sessionID,
			Response:  MsgSessionNotFound,
			Error:     domain.ErrSessionNotFound.Error(),
			Code:      domain.CodeSessionNotFound,
		}
	}

	userMsg := domain.Message{Role: domain.RoleUser, Content: text, Timestamp: time.Now()}
	out, err := e.runTurn(ctx, sess.Messages(), userMsg)
	if err != nil {
		tracer.RecordError(span, err)
		e.deps.Logger.WarnContext(ctx, "turn failed", "error", err)
		sess.AddMessages(userMsg)
		// The turn deadline may be what failed us; still record the message.
		if saveErr := e.deps.Sessions.Save(context.WithoutCancel(ctx), sess); saveErr != nil {
			e.deps.Logger.ErrorContext(ctx, "save after failed turn", "error", saveErr)
		}
		return e.failed(sessionID, err)
	}

	sess.AddMessages(out.transcript...)
	if err := e.deps.Sessions.Save(ctx, sess); err != nil {
		tracer.RecordError(span, err)
		return e.failed(sessionID, err)
	}
	span.SetAttributes(tracer.IntAttr("turn.tool_calls", out.toolCalls))
	tracer.SetOK(span)

	e.deps.Logger.InfoContext(ctx, "turn completed",
		"tool_calls", out.toolCalls,
		"products", len(out.products),
	)
	res := &TurnResult{
		SessionID: sessionID,
		Response:  out.answer,
		Success:   true,
		Products:  out.products,
	}
	if out.order != nil {
		d := out.order.ToDisplay()
		res.Order = &d
	}
	return res
}

// turnOutput is what a successful turn appends and returns.
type turnOutput struct {
	transcript []domain.Message
	answer     string
	toolCalls  int
	products   []domain.ProductInfo
	order      *domain.OrderSummary
}

func (e *Engine) runTurn(ctx context.Context, prior []domain.Message, userMsg domain.Message) (*turnOutput, error) {
	history := append(prior, userMsg)
	req := e.deps.ContextBuilder.Build(history, e.deps.Tools.Schemas())
	req.Messages = e.deps.TokenGuard.Fit(req.Messages)

	resp, err := e.callLLM(ctx, req, "tools")
	if err != nil {
		return nil, err
	}
	first := resp.Message
	first.Role = domain.RoleAssistant
	first.Timestamp = time.Now()

	if len(first.ToolCalls) == 0 {
		return &turnOutput{
			transcript: []domain.Message{userMsg, first},
			answer:     first.Content,
		}, nil
	}

	for i := range first.ToolCalls {
		if first.ToolCalls[i].ID == "" {
			first.ToolCalls[i].ID = fmt.Sprintf("call_%d", i)
		}
	}

	out := &turnOutput{toolCalls: len(first.ToolCalls)}
	results := make([]domain.Message, 0, len(first.ToolCalls))
	for _, call := range first.ToolCalls {
		msg, res, err := e.executeTool(ctx, call)
		if err != nil {
			return nil, err
		}
		results = append(results, msg)
		out.collect(call.Name, res)
	}

	// Answer pass: original request plus the tool exchange, no tools.
	answerReq := req
	answerReq.Tools = nil
	answerReq.Messages = make([]domain.Message, 0, len(req.Messages)+1+len(results))
	answerReq.Messages = append(answerReq.Messages, req.Messages...)
	answerReq.Messages = append(answerReq.Messages, first)
	answerReq.Messages = append(answerReq.Messages, results...)

	resp, err = e.callLLM(ctx, answerReq, "answer")
	if err != nil {
		return nil, err
	}
	final := domain.Message{
		Role:      domain.RoleAssistant,
		Content:   resp.Message.Content,
		Timestamp: time.Now(),
	}

	out.transcript = make([]domain.Message, 0, 3+len(results))
	out.transcript = append(out.transcript, userMsg, first)
	out.transcript = append(out.transcript, results...)
	out.transcript = append(out.transcript, final)
	out.answer = final.Content
	return out, nil
}

func (o *turnOutput) collect(toolName string, res *domain.ToolResult) {
	if res == nil || res.IsError || res.Data == nil {
		return
	}
	switch toolName {
	case searchToolName:
		if products, ok := res.Data.([]domain.ProductInfo); ok {
			o.products = append(o.products, products...)
		}
	case summaryToolName:
		if summary, ok := res.Data.(*domain.OrderSummary); ok {
			o.order = summary
		}
	}
}

// executeTool runs a single tool call. Contained failures come back as an
// {"error": ...} result message; a returned error aborts the turn.
func (e *Engine) executeTool(ctx context.Context, call domain.ToolCall) (domain.Message, *domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, "engine.execute_tool",
		trace.WithAttributes(tracer.StringAttr("tool.name", call.Name)),
	)
	defer span.End()

	msg := domain.Message{
		Role:       domain.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Timestamp:  time.Now(),
	}

	tool, err := e.deps.Tools.Get(call.Name)
	if err != nil {
		tracer.RecordError(span, err)
		e.deps.Logger.WarnContext(ctx, "model requested unknown tool", "tool", call.Name)
		data, _ := json.Marshal(map[string]string{"error": msgUnknownFunction})
		msg.Content = string(data)
		return msg, nil, nil
	}

	result, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.Message{}, nil, fmt.Errorf("tool %s: %w", call.Name, err)
	}
	if result.IsError {
		tracer.RecordError(span, errors.New(result.Content))
	} else {
		tracer.SetOK(span)
	}
	msg.Content = result.Content
	return msg, result, nil
}

// callLLM sends req, retrying transient failures with backoff. A context
// overflow drops the oldest history group before the retry; the current
// user message and the tool exchange after it are never dropped.
func (e *Engine) callLLM(ctx context.Context, req domain.ChatRequest, pass string) (*domain.ChatResponse, error) {
	maxAttempts := 1
	if e.deps.ErrorClassifier != nil {
		maxAttempts = maxLLMRetries
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		llmCtx, span := tracer.StartSpan(ctx, "engine.llm_call",
			trace.WithAttributes(
				tracer.StringAttr("llm.pass", pass),
				tracer.IntAttr("llm.attempt", attempt),
				tracer.IntAttr("llm.messages", len(req.Messages)),
			),
		)
		resp, err := e.deps.LLM.Chat(llmCtx, req)
		if err != nil {
			tracer.RecordError(span, err)
		} else {
			tracer.SetOK(span)
		}
		span.End()

		if err == nil {
			return resp, nil
		}
		lastErr = err

		if e.deps.ErrorClassifier == nil {
			break
		}
		classified := e.deps.ErrorClassifier.Classify(err)
		if classified.Category != ErrorCategoryRetryable {
			break
		}

		if errors.Is(classified.Sentinel, domain.ErrContextOverflow) {
			trimmed, ok := dropOldestPriorGroup(req.Messages)
			if !ok {
				break
			}
			req.Messages = trimmed
			continue
		}

		if attempt < maxAttempts-1 {
			delay := e.backoff(attempt)
			e.deps.Logger.InfoContext(ctx, "retrying LLM call after error",
				"pass", pass, "attempt", attempt+1, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", domain.ErrTimeout, ctx.Err())
			}
		}
	}
	if errors.Is(lastErr, domain.ErrUpstream) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: %w", domain.ErrUpstream, lastErr)
}

// retryBackoff computes exponential backoff with jitter.
func retryBackoff(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Add 0-25% jitter.
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}

func (e *Engine) failed(sessionID string, err error) *TurnResult {
	return &TurnResult{
		SessionID: sessionID,
		Response:  failurePrefix + err.Error(),
		Error:     err.Error(),
		Code:      domain.ErrorCodeOf(err),
	}
}
