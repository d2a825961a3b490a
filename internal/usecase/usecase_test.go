package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"floorbot/internal/adapter/kv"
	"floorbot/internal/domain"
)

// --- Mocks ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingKV records the TTL of every Set.
type recordingKV struct {
	domain.KVStore
	mu   sync.Mutex
	ttls []time.Duration
}

func (r *recordingKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	r.mu.Lock()
	r.ttls = append(r.ttls, ttl)
	r.mu.Unlock()
	return r.KVStore.Set(ctx, key, value, ttl)
}

type failingKV struct{}

func (failingKV) Set(context.Context, string, []byte, time.Duration) error {
	return fmt.Errorf("%w: connection refused", domain.ErrStoreUnavailable)
}

func (failingKV) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, fmt.Errorf("%w: connection refused", domain.ErrStoreUnavailable)
}

func (failingKV) Delete(context.Context, string) error {
	return fmt.Errorf("%w: connection refused", domain.ErrStoreUnavailable)
}

type llmResult struct {
	resp *domain.ChatResponse
	err  error
}

// mockLLM replays scripted results and records every request.
type mockLLM struct {
	mu       sync.Mutex
	results  []llmResult
	requests []domain.ChatRequest
}

func (m *mockLLM) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	idx := len(m.requests) - 1
	if idx >= len(m.results) {
		return &domain.ChatResponse{
			Message: domain.Message{Role: domain.RoleAssistant, Content: "fallback"},
		}, nil
	}
	return m.results[idx].resp, m.results[idx].err
}

func (m *mockLLM) Name() string { return "mock" }

func (m *mockLLM) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func reply(content string) llmResult {
	return llmResult{resp: &domain.ChatResponse{
		Message: domain.Message{Role: domain.RoleAssistant, Content: content},
	}}
}

func callTools(calls ...domain.ToolCall) llmResult {
	return llmResult{resp: &domain.ChatResponse{
		Message: domain.Message{Role: domain.RoleAssistant, ToolCalls: calls},
	}}
}

func fail(err error) llmResult { return llmResult{err: err} }

type mockToolExecutor struct {
	tools map[string]domain.Tool
}

func (m *mockToolExecutor) Get(name string) (domain.Tool, error) {
	t, ok := m.tools[name]
	if !ok {
		return nil, domain.NewDomainError("ToolRegistry.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

func (m *mockToolExecutor) Schemas() []domain.ToolSchema {
	out := make([]domain.ToolSchema, 0, len(m.tools))
	for _, t := range m.tools {
		out = append(out, t.Schema())
	}
	return out
}

// staticTool returns a fixed result and records the arguments it saw.
type staticTool struct {
	name   string
	result *domain.ToolResult
	err    error
	args   []json.RawMessage
}

func (t *staticTool) Name() string        { return t.name }
func (t *staticTool) Description() string { return "static test tool" }
func (t *staticTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.name, Description: t.Description()}
}
func (t *staticTool) Execute(_ context.Context, args json.RawMessage) (*domain.ToolResult, error) {
	t.args = append(t.args, args)
	return t.result, t.err
}

type stubTranscriber struct {
	text string
	err  error
}

func (s *stubTranscriber) Transcribe(context.Context, []byte, string, string) (string, error) {
	return s.text, s.err
}
func (s *stubTranscriber) Name() string { return "stub" }

// blockingLocker reports every session as busy.
type blockingLocker struct{}

func (blockingLocker) Lock(_ context.Context, id string) (func(), error) {
	return nil, fmt.Errorf("session lock %s: %w", id, domain.ErrSessionBusy)
}

type engineFixture struct {
	engine   *Engine
	llm      *mockLLM
	sessions *SessionStore
	tools    *mockToolExecutor
}

func newEngineFixture(t *testing.T, results ...llmResult) *engineFixture {
	t.Helper()
	llm := &mockLLM{results: results}
	tools := &mockToolExecutor{tools: map[string]domain.Tool{}}
	sessions := NewSessionStore(kv.NewMemoryStore(), SessionStoreConfig{SystemPrompt: "You are a flooring assistant."}, testLogger())
	e := NewEngine(EngineDeps{
		LLM:             llm,
		Tools:           tools,
		Sessions:        sessions,
		ContextBuilder:  NewContextBuilder(ContextBuilderConfig{Model: "gpt-test", Temperature: 0.7, MaxTokens: 1000}),
		Logger:          testLogger(),
		ErrorClassifier: NewErrorClassifier(),
	})
	e.backoff = func(int) time.Duration { return 0 }
	return &engineFixture{engine: e, llm: llm, sessions: sessions, tools: tools}
}

func (f *engineFixture) newSession(t *testing.T) string {
	t.Helper()
	s, err := f.engine.CreateSession(context.Background(), "")
	require.NoError(t, err)
	return s.ID
}

func (f *engineFixture) messages(t *testing.T, id string) []domain.Message {
	t.Helper()
	s, err := f.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s.Messages()
}

// --- ContextBuilder tests ---

func TestContextBuilderBasic(t *testing.T) {
	cb := NewContextBuilder(ContextBuilderConfig{Model: "test-model", Temperature: 0.7, MaxTokens: 1000})
	history := []domain.Message{
		{Role: domain.RoleSystem, Content: "You are a test bot."},
		{Role: domain.RoleUser, Content: "Hello"},
	}
	tools := []domain.ToolSchema{{Name: "search_products"}}

	req := cb.Build(history, tools)

	require.Len(t, req.Messages, 2)
	assert.Equal(t, domain.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, 0.7, req.Temperature)
	assert.Equal(t, 1000, req.MaxTokens)
	assert.Len(t, req.Tools, 1)
}

func TestContextBuilderTruncationKeepsSystemPrompt(t *testing.T) {
	cb := NewContextBuilder(ContextBuilderConfig{MaxHistory: 4})
	history := []domain.Message{{Role: domain.RoleSystem, Content: "system"}}
	for i := range 10 {
		history = append(history, domain.Message{Role: domain.RoleUser, Content: fmt.Sprintf("msg %d", i)})
	}

	req := cb.Build(history, nil)

	require.Len(t, req.Messages, 5)
	assert.Equal(t, "system", req.Messages[0].Content)
	assert.Equal(t, "msg 6", req.Messages[1].Content)
	assert.Equal(t, "msg 9", req.Messages[4].Content)
}

func TestContextBuilderDefaultMaxHistory(t *testing.T) {
	cb := NewContextBuilder(ContextBuilderConfig{})
	var history []domain.Message
	for i := range 30 {
		history = append(history, domain.Message{Role: domain.RoleUser, Content: fmt.Sprintf("msg %d", i)})
	}
	req := cb.Build(history, nil)
	assert.Len(t, req.Messages, DefaultMaxHistory)
}

func TestTruncateHistoryKeepsToolGroupsWhole(t *testing.T) {
	cb := NewContextBuilder(ContextBuilderConfig{MaxHistory: 3})
	history := []domain.Message{
		{Role: domain.RoleUser, Content: "find carpet"},
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "a"}, {ID: "b"}}},
		{Role: domain.RoleTool, ToolCallID: "a", Content: "{}"},
		{Role: domain.RoleTool, ToolCallID: "b", Content: "{}"},
		{Role: domain.RoleAssistant, Content: "here you go"},
	}

	got := cb.truncateHistory(history)

	// The three-message tool group does not fit next to the answer.
	require.Len(t, got, 1)
	assert.Equal(t, "here you go", got[0].Content)
}

func TestTruncateHistoryNoTruncation(t *testing.T) {
	cb := NewContextBuilder(ContextBuilderConfig{MaxHistory: 10})
	history := []domain.Message{
		{Role: domain.RoleUser, Content: "a"},
		{Role: domain.RoleAssistant, Content: "b"},
	}
	assert.Equal(t, history, cb.truncateHistory(history))
}

func TestDropOrphanResults(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleTool, ToolCallID: "x"},
		{Role: domain.RoleUser, Content: "hi"},
	}
	got := dropOrphanResults(msgs)
	require.Len(t, got, 1)
	assert.Equal(t, domain.RoleUser, got[0].Role)
}

func TestDropOldestGroup(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleSystem, Content: "sys"},
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "a"}}},
		{Role: domain.RoleTool, ToolCallID: "a"},
		{Role: domain.RoleUser, Content: "latest"},
	}

	got, ok := dropOldestGroup(msgs)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, "sys", got[0].Content)
	assert.Equal(t, "latest", got[1].Content)

	_, ok = dropOldestGroup(got)
	assert.False(t, ok)
}

func TestDropOldestPriorGroupKeepsCurrentTurn(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleSystem, Content: "sys"},
		{Role: domain.RoleUser, Content: "earlier"},
		{Role: domain.RoleAssistant, Content: "reply"},
		{Role: domain.RoleUser, Content: "current"},
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "a"}}},
		{Role: domain.RoleTool, ToolCallID: "a"},
	}

	got, ok := dropOldestPriorGroup(msgs)
	require.True(t, ok)
	got, ok = dropOldestPriorGroup(got)
	require.True(t, ok)
	require.Len(t, got, 4)
	assert.Equal(t, "sys", got[0].Content)
	assert.Equal(t, "current", got[1].Content)
	assert.Equal(t, domain.RoleTool, got[3].Role)

	// Only the current turn is left; the tool group after it is not a candidate.
	_, ok = dropOldestPriorGroup(got)
	assert.False(t, ok)
}

// --- TokenGuard tests ---

type lenCounter struct{}

func (lenCounter) CountMessages(msgs []domain.Message) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content)
	}
	return n
}

func TestTokenGuardUnderLimit(t *testing.T) {
	g := NewTokenGuard(TokenGuardConfig{MaxTokens: 1000, SafetyMargin: 0.1}, lenCounter{}, testLogger())
	msgs := []domain.Message{{Role: domain.RoleUser, Content: "short"}}
	assert.Equal(t, msgs, g.Fit(msgs))
}

func TestTokenGuardTrimsOldest(t *testing.T) {
	// limit = 100*0.9 - 10 = 80
	g := NewTokenGuard(TokenGuardConfig{MaxTokens: 100, ReserveTokens: 10, SafetyMargin: 0.1}, lenCounter{}, testLogger())
	big := string(make([]byte, 50))
	msgs := []domain.Message{
		{Role: domain.RoleSystem, Content: "sys"},
		{Role: domain.RoleUser, Content: big},
		{Role: domain.RoleAssistant, Content: big},
		{Role: domain.RoleUser, Content: "now"},
	}

	got := g.Fit(msgs)

	require.Len(t, got, 3)
	assert.Equal(t, "sys", got[0].Content)
	assert.Equal(t, "now", got[2].Content)
}

func TestTokenGuardNilIsNoOp(t *testing.T) {
	var g *TokenGuard
	msgs := []domain.Message{{Content: "x"}}
	assert.Equal(t, msgs, g.Fit(msgs))
}

// --- Engine tests ---

func TestEngineDirectAnswerAppendsTwoMessages(t *testing.T) {
	f := newEngineFixture(t, reply("We stock carpet, vinyl and wood flooring."))
	id := f.newSession(t)
	before := len(f.messages(t, id))

	res := f.engine.HandleTurn(context.Background(), id, "What do you sell?")

	require.True(t, res.Success)
	assert.Equal(t, id, res.SessionID)
	assert.Equal(t, "We stock carpet, vinyl and wood flooring.", res.Response)

	msgs := f.messages(t, id)
	require.Len(t, msgs, before+2)
	assert.Equal(t, domain.RoleUser, msgs[before].Role)
	assert.Equal(t, "What do you sell?", msgs[before].Content)
	assert.Equal(t, domain.RoleAssistant, msgs[before+1].Role)

	// First pass declares tools and carries the system prompt first.
	require.Equal(t, 1, f.llm.CallCount())
	assert.Equal(t, domain.RoleSystem, f.llm.requests[0].Messages[0].Role)
}

func TestEngineToolTurn(t *testing.T) {
	products := []domain.ProductInfo{{ID: 7, Name: "Grey Twist Carpet", Price: 20, Unit: domain.UnitSquareMeter}}
	search := &staticTool{
		name:   "search_products",
		result: &domain.ToolResult{Content: `{"products":[{"id":7}],"count":1}`, Data: products},
	}
	f := newEngineFixture(t,
		callTools(domain.ToolCall{ID: "call_1", Name: "search_products", Arguments: json.RawMessage(`{"product_type":"carpet","color":"grey"}`)}),
		reply("I found Grey Twist Carpet."),
	)
	f.tools.tools["search_products"] = search
	id := f.newSession(t)
	before := len(f.messages(t, id))

	res := f.engine.HandleTurn(context.Background(), id, "Show me grey carpet")

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "I found Grey Twist Carpet.", res.Response)
	assert.Equal(t, products, res.Products)
	assert.Nil(t, res.Order)
	require.Len(t, search.args, 1)
	assert.JSONEq(t, `{"product_type":"carpet","color":"grey"}`, string(search.args[0]))

	msgs := f.messages(t, id)
	require.Len(t, msgs, before+4)
	assert.Equal(t, domain.RoleUser, msgs[before].Role)
	assert.Equal(t, domain.RoleAssistant, msgs[before+1].Role)
	require.Len(t, msgs[before+1].ToolCalls, 1)
	assert.Equal(t, domain.RoleTool, msgs[before+2].Role)
	assert.Equal(t, "call_1", msgs[before+2].ToolCallID)
	assert.Equal(t, domain.RoleAssistant, msgs[before+3].Role)
	assert.Equal(t, "I found Grey Twist Carpet.", msgs[before+3].Content)

	// Answer pass: no tools, transcript includes the tool exchange.
	require.Equal(t, 2, f.llm.CallCount())
	second := f.llm.requests[1]
	assert.Empty(t, second.Tools)
	n := len(second.Messages)
	assert.Equal(t, domain.RoleTool, second.Messages[n-1].Role)
	assert.Len(t, second.Messages[n-2].ToolCalls, 1)
}

func TestEngineSurfacesOrderSummary(t *testing.T) {
	summary := &domain.OrderSummary{
		Items: []domain.OrderItem{{
			Product:  domain.ProductInfo{ID: 7, Name: "Oak", Unit: domain.UnitBox},
			Quantity: 2, UnitPrice: 50, Subtotal: 100, Total: 100,
		}},
		Subtotal:   100,
		Tax:        10,
		GrandTotal: 110,
	}
	tool := &staticTool{
		name:   "create_order_summary",
		result: &domain.ToolResult{Content: `{"items":[]}`, Data: summary},
	}
	f := newEngineFixture(t,
		callTools(domain.ToolCall{ID: "c1", Name: "create_order_summary", Arguments: json.RawMessage(`{"items":[{"product_id":7,"quantity":2}]}`)}),
		reply("Your total is $110.00."),
	)
	f.tools.tools["create_order_summary"] = tool
	id := f.newSession(t)

	res := f.engine.HandleTurn(context.Background(), id, "Order two boxes of oak")

	require.True(t, res.Success)
	require.NotNil(t, res.Order)
	assert.Equal(t, "$110.00", res.Order.Summary.GrandTotal)
}

func TestEngineMultipleToolCallsInOrder(t *testing.T) {
	area := &staticTool{name: "calculate_area", result: &domain.ToolResult{Content: `{"area":20}`}}
	qty := &staticTool{name: "calculate_quantity", result: &domain.ToolResult{Content: `{"quantity":10}`}}
	f := newEngineFixture(t,
		callTools(
			domain.ToolCall{ID: "a", Name: "calculate_area", Arguments: json.RawMessage(`{"length":5,"width":4}`)},
			domain.ToolCall{ID: "b", Name: "calculate_quantity", Arguments: json.RawMessage(`{"product_id":3,"area":20}`)},
		),
		reply("You need 10 boxes."),
	)
	f.tools.tools["calculate_area"] = area
	f.tools.tools["calculate_quantity"] = qty
	id := f.newSession(t)
	before := len(f.messages(t, id))

	res := f.engine.HandleTurn(context.Background(), id, "My room is 5 by 4")

	require.True(t, res.Success)
	msgs := f.messages(t, id)
	require.Len(t, msgs, before+5)
	assert.Equal(t, "a", msgs[before+2].ToolCallID)
	assert.Equal(t, "b", msgs[before+3].ToolCallID)
}

func TestEngineUnknownToolIsContained(t *testing.T) {
	f := newEngineFixture(t,
		callTools(domain.ToolCall{ID: "x", Name: "delete_database", Arguments: json.RawMessage(`{}`)}),
		reply("Sorry, I can't do that."),
	)
	id := f.newSession(t)

	res := f.engine.HandleTurn(context.Background(), id, "drop everything")

	require.True(t, res.Success)
	second := f.llm.requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, domain.RoleTool, last.Role)
	assert.JSONEq(t, `{"error":"unknown function"}`, last.Content)
}

func TestEngineContainedToolErrorReachesModel(t *testing.T) {
	tool := &staticTool{
		name:   "calculate_quantity",
		result: &domain.ToolResult{IsError: true, Content: `{"error":"Product not found"}`},
	}
	f := newEngineFixture(t,
		callTools(domain.ToolCall{ID: "q", Name: "calculate_quantity", Arguments: json.RawMessage(`{"product_id":999,"area":10}`)}),
		reply("I couldn't find that product. Which one did you mean?"),
	)
	f.tools.tools["calculate_quantity"] = tool
	id := f.newSession(t)

	res := f.engine.HandleTurn(context.Background(), id, "How many boxes of 999?")

	require.True(t, res.Success)
	second := f.llm.requests[1]
	assert.JSONEq(t, `{"error":"Product not found"}`, second.Messages[len(second.Messages)-1].Content)
}

func TestEngineMissingSession(t *testing.T) {
	f := newEngineFixture(t, reply("unused"))

	res := f.engine.HandleTurn(context.Background(), "no-such-session", "hello")

	assert.False(t, res.Success)
	assert.Equal(t, MsgSessionNotFound, res.Response)
	assert.Equal(t, domain.CodeSessionNotFound, res.Code)
	assert.Equal(t, 0, f.llm.CallCount())

	s, err := f.sessions.Get(context.Background(), "no-such-session")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestEngineUpstreamFailureKeepsUserMessage(t *testing.T) {
	f := newEngineFixture(t, fail(fmt.Errorf("%w: bad key", domain.ErrAuthInvalid)))
	id := f.newSession(t)
	before := len(f.messages(t, id))

	res := f.engine.HandleTurn(context.Background(), id, "hello")

	assert.False(t, res.Success)
	assert.Contains(t, res.Response, "I encountered an error: ")
	assert.Equal(t, domain.CodeAuthInvalid, res.Code)
	assert.Equal(t, 1, f.llm.CallCount(), "auth failures are not retried")

	msgs := f.messages(t, id)
	require.Len(t, msgs, before+1)
	assert.Equal(t, domain.RoleUser, msgs[before].Role)
	assert.Equal(t, "hello", msgs[before].Content)
}

func TestEngineAnswerPassFailureKeepsOnlyUserMessage(t *testing.T) {
	f := newEngineFixture(t,
		callTools(domain.ToolCall{ID: "x", Name: "calculate_area", Arguments: json.RawMessage(`{"length":5,"width":4}`)}),
		fail(fmt.Errorf("%w: no choices", domain.ErrUpstream)),
	)
	f.tools.tools["calculate_area"] = &staticTool{name: "calculate_area", result: &domain.ToolResult{Content: `{"area":20}`}}
	id := f.newSession(t)
	before := len(f.messages(t, id))

	res := f.engine.HandleTurn(context.Background(), id, "5 by 4")

	assert.False(t, res.Success)
	assert.Equal(t, domain.CodeUpstream, res.Code)
	assert.Len(t, f.messages(t, id), before+1)
}

func TestEngineToolFailureFailsTurn(t *testing.T) {
	tool := &staticTool{name: "search_products", err: fmt.Errorf("%w: database is locked", domain.ErrCatalog)}
	f := newEngineFixture(t,
		callTools(domain.ToolCall{ID: "s", Name: "search_products", Arguments: json.RawMessage(`{"product_type":"vinyl"}`)}),
	)
	f.tools.tools["search_products"] = tool
	id := f.newSession(t)
	before := len(f.messages(t, id))

	res := f.engine.HandleTurn(context.Background(), id, "vinyl please")

	assert.False(t, res.Success)
	assert.Equal(t, domain.CodeCatalog, res.Code)
	assert.Equal(t, 1, f.llm.CallCount())
	assert.Len(t, f.messages(t, id), before+1)
}

func TestEngineRetriesTransientFailure(t *testing.T) {
	f := newEngineFixture(t,
		fail(fmt.Errorf("%w: openai: status 429", domain.ErrRateLimit)),
		reply("ok"),
	)
	id := f.newSession(t)

	res := f.engine.HandleTurn(context.Background(), id, "hi")

	require.True(t, res.Success)
	assert.Equal(t, "ok", res.Response)
	assert.Equal(t, 2, f.llm.CallCount())
}

func TestEngineGivesUpAfterMaxRetries(t *testing.T) {
	f := newEngineFixture(t,
		fail(fmt.Errorf("%w: status 503", domain.ErrProviderError)),
		fail(fmt.Errorf("%w: status 503", domain.ErrProviderError)),
		fail(fmt.Errorf("%w: status 503", domain.ErrProviderError)),
		reply("never reached"),
	)
	id := f.newSession(t)

	res := f.engine.HandleTurn(context.Background(), id, "hi")

	assert.False(t, res.Success)
	assert.Equal(t, maxLLMRetries, f.llm.CallCount())
	assert.Equal(t, domain.CodeProviderError, res.Code)
}

func TestEngineContextOverflowDropsOldestGroup(t *testing.T) {
	f := newEngineFixture(t,
		reply("first"),
		fail(fmt.Errorf("%w: too many tokens", domain.ErrContextOverflow)),
		reply("second"),
	)
	id := f.newSession(t)
	require.True(t, f.engine.HandleTurn(context.Background(), id, "one").Success)

	res := f.engine.HandleTurn(context.Background(), id, "two")

	require.True(t, res.Success)
	overflowed := f.llm.requests[1].Messages
	retried := f.llm.requests[2].Messages
	assert.Len(t, retried, len(overflowed)-1)
	assert.Equal(t, domain.RoleSystem, retried[0].Role)
	assert.Equal(t, "two", retried[len(retried)-1].Content)
}

func TestEngineAnswerPassOverflowKeepsCurrentUserMessage(t *testing.T) {
	f := newEngineFixture(t,
		reply("first"),
		callTools(domain.ToolCall{ID: "x", Name: "calculate_area", Arguments: json.RawMessage(`{"length":5,"width":4}`)}),
		fail(fmt.Errorf("%w: too many tokens", domain.ErrContextOverflow)),
		reply("That is 20 m²."),
	)
	f.tools.tools["calculate_area"] = &staticTool{name: "calculate_area", result: &domain.ToolResult{Content: `{"area":20}`}}
	id := f.newSession(t)
	require.True(t, f.engine.HandleTurn(context.Background(), id, "one").Success)

	res := f.engine.HandleTurn(context.Background(), id, "5 by 4")

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "That is 20 m².", res.Response)
	require.Equal(t, 4, f.llm.CallCount())
	overflowed := f.llm.requests[2].Messages
	retried := f.llm.requests[3].Messages
	assert.Len(t, retried, len(overflowed)-1)
	require.Len(t, retried, 5)
	assert.Equal(t, domain.RoleSystem, retried[0].Role)
	assert.Equal(t, "first", retried[1].Content, "the earlier user message is the one dropped")
	assert.Equal(t, domain.RoleUser, retried[2].Role)
	assert.Equal(t, "5 by 4", retried[2].Content)
	assert.Len(t, retried[3].ToolCalls, 1)
	assert.Equal(t, domain.RoleTool, retried[4].Role)
}

func TestEngineAnswerPassOverflowWithoutHistoryFails(t *testing.T) {
	f := newEngineFixture(t,
		callTools(domain.ToolCall{ID: "x", Name: "calculate_area", Arguments: json.RawMessage(`{"length":5,"width":4}`)}),
		fail(fmt.Errorf("%w: too many tokens", domain.ErrContextOverflow)),
		reply("never reached"),
	)
	f.tools.tools["calculate_area"] = &staticTool{name: "calculate_area", result: &domain.ToolResult{Content: `{"area":20}`}}
	id := f.newSession(t)

	res := f.engine.HandleTurn(context.Background(), id, "5 by 4")

	assert.False(t, res.Success)
	assert.Equal(t, 2, f.llm.CallCount(), "the current turn is never trimmed away")
}

func TestEngineSessionBusy(t *testing.T) {
	f := newEngineFixture(t, reply("unused"))
	f.engine.deps.Locker = blockingLocker{}
	id := f.newSession(t)
	before := len(f.messages(t, id))

	res := f.engine.HandleTurn(context.Background(), id, "hello")

	assert.False(t, res.Success)
	assert.Equal(t, domain.CodeSessionBusy, res.Code)
	assert.Len(t, f.messages(t, id), before, "user message is not recorded without the lock")
}

func TestEngineSerializesTurnsPerSession(t *testing.T) {
	f := newEngineFixture(t)
	id := f.newSession(t)
	before := len(f.messages(t, id))

	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.engine.HandleTurn(context.Background(), id, fmt.Sprintf("msg %d", i))
		}()
	}
	wg.Wait()

	assert.Len(t, f.messages(t, id), before+10)
}

func TestEngineTurnTimeout(t *testing.T) {
	slow := &slowLLM{}
	f := newEngineFixture(t)
	f.engine.deps.LLM = slow
	f.engine.deps.TurnTimeout = 20 * time.Millisecond
	id := f.newSession(t)
	before := len(f.messages(t, id))

	res := f.engine.HandleTurn(context.Background(), id, "hello")

	assert.False(t, res.Success)
	assert.Len(t, f.messages(t, id), before+1)
}

type slowLLM struct{}

func (slowLLM) Chat(ctx context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %w", domain.ErrTimeout, ctx.Err())
}
func (slowLLM) Name() string { return "slow" }

func TestEngineHandleVoice(t *testing.T) {
	f := newEngineFixture(t, reply("Sure, here is some oak."))
	f.engine.deps.Transcriber = &stubTranscriber{text: " Show me oak flooring "}
	id := f.newSession(t)

	res := f.engine.HandleVoice(context.Background(), id, []byte("RIFF"), "wav", "")

	require.True(t, res.Success)
	assert.Equal(t, "Show me oak flooring", res.TranscribedText)
	msgs := f.messages(t, id)
	assert.Equal(t, "Show me oak flooring", msgs[len(msgs)-2].Content)
}

func TestEngineHandleVoiceEmptyTranscript(t *testing.T) {
	f := newEngineFixture(t, reply("unused"))
	f.engine.deps.Transcriber = &stubTranscriber{text: "   "}
	id := f.newSession(t)
	before := len(f.messages(t, id))

	res := f.engine.HandleVoice(context.Background(), id, []byte("RIFF"), "wav", "en")

	assert.False(t, res.Success)
	assert.Equal(t, MsgCouldNotTranscribe, res.Response)
	assert.Len(t, f.messages(t, id), before)
	assert.Equal(t, 0, f.llm.CallCount())
}

func TestEngineHandleVoiceTranscriptionError(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.deps.Transcriber = &stubTranscriber{err: fmt.Errorf("%w: whisper: status 500", domain.ErrTranscription)}
	id := f.newSession(t)

	res := f.engine.HandleVoice(context.Background(), id, []byte("RIFF"), "wav", "en")

	assert.False(t, res.Success)
	assert.Equal(t, domain.CodeTranscription, res.Code)
}

func TestEngineHandleVoiceNotConfigured(t *testing.T) {
	f := newEngineFixture(t)
	res := f.engine.HandleVoice(context.Background(), "any", []byte("RIFF"), "wav", "en")
	assert.False(t, res.Success)
	assert.Equal(t, domain.CodeTranscription, res.Code)
}

func TestEngineHistory(t *testing.T) {
	f := newEngineFixture(t,
		callTools(domain.ToolCall{ID: "a", Name: "calculate_area", Arguments: json.RawMessage(`{"length":5,"width":4}`)}),
		reply("That's 20 m²."),
	)
	f.tools.tools["calculate_area"] = &staticTool{name: "calculate_area", result: &domain.ToolResult{Content: `{"area":20}`}}
	id := f.newSession(t)
	require.True(t, f.engine.HandleTurn(context.Background(), id, "5 by 4?").Success)

	hist, err := f.engine.History(context.Background(), id)

	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, domain.RoleUser, hist[0].Role)
	assert.Equal(t, "5 by 4?", hist[0].Content)
	assert.Equal(t, "That's 20 m².", hist[1].Content)
}

func TestEngineHistoryMissingSession(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.History(context.Background(), "gone")
	assert.True(t, errors.Is(err, domain.ErrSessionNotFound))
}

func TestEngineEndSession(t *testing.T) {
	f := newEngineFixture(t)
	id := f.newSession(t)

	require.NoError(t, f.engine.EndSession(context.Background(), id))
	require.NoError(t, f.engine.EndSession(context.Background(), id))

	res := f.engine.HandleTurn(context.Background(), id, "still there?")
	assert.Equal(t, MsgSessionNotFound, res.Response)
}

func TestRetryBackoffBounds(t *testing.T) {
	for attempt := range 8 {
		d := retryBackoff(attempt)
		assert.GreaterOrEqual(t, d, baseRetryDelay)
		assert.LessOrEqual(t, d, maxRetryDelay+maxRetryDelay/4)
	}
}
