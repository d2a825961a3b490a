package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"floorbot/internal/domain"
	"floorbot/internal/infra/tracer"
)

// Session defaults.
const (
	DefaultSessionTTL       = 30 * time.Minute
	DefaultSessionKeyPrefix = "ai_session:"
)

// Session is one shopper's conversation with the assistant.
type Session struct {
	mu           sync.RWMutex
	ID           string           `json:"id"`
	UserID       string           `json:"user_id,omitempty"` // empty = anonymous shopper
	Msgs         []domain.Message `json:"messages"`
	Context      map[string]any   `json:"context"` // reserved for stateful filters
	CreatedAt    time.Time        `json:"created_at"`
	LastActivity time.Time        `json:"last_activity"`
}

// AddMessages appends messages in order (thread-safe). Existing messages are
// never rewritten.
func (s *Session) AddMessages(msgs ...domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		s.Msgs = append(s.Msgs, msg)
	}
}

// Messages returns a copy of the message history (thread-safe).
func (s *Session) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]domain.Message, len(s.Msgs))
	copy(cp, s.Msgs)
	return cp
}

// Len returns the number of messages.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Msgs)
}

// SessionStoreConfig holds session store settings.
type SessionStoreConfig struct {
	TTL          time.Duration
	KeyPrefix    string
	SystemPrompt string
}

// SessionStore keeps sessions as JSON in a KVStore with sliding expiry.
// A missing or expired session is reported as (nil, nil), never as an error;
// store failures are errors wrapping domain.ErrStoreUnavailable.
type SessionStore struct {
	kv           domain.KVStore
	ttl          time.Duration
	prefix       string
	systemPrompt string
	logger       *slog.Logger
	now          func() time.Time // for testing
}

// NewSessionStore creates a session store over kv.
func NewSessionStore(kv domain.KVStore, cfg SessionStoreConfig, logger *slog.Logger) *SessionStore {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSessionTTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultSessionKeyPrefix
	}
	return &SessionStore{
		kv:           kv,
		ttl:          cfg.TTL,
		prefix:       cfg.KeyPrefix,
		systemPrompt: cfg.SystemPrompt,
		logger:       logger,
		now:          time.Now,
	}
}

// TTL returns the idle timeout applied on every save.
func (s *SessionStore) TTL() time.Duration { return s.ttl }

func (s *SessionStore) key(id string) string { return s.prefix + id }

// Create allocates a session seeded with the system prompt and persists it.
func (s *SessionStore) Create(ctx context.Context, userID string) (*Session, error) {
	now := s.now()
	sess := &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		Msgs: []domain.Message{{
			Role:      domain.RoleSystem,
			Content:   s.systemPrompt,
			Timestamp: now,
		}},
		Context:      map[string]any{},
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := s.put(ctx, sess); err != nil {
		return nil, domain.WrapOp("SessionStore.Create", err)
	}
	s.logger.Debug("session created", "session_id", sess.ID)
	return sess, nil
}

// Get loads a session. It returns (nil, nil) when the id is unknown or expired.
func (s *SessionStore) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, nil
	}
	data, ok, err := s.kv.Get(ctx, s.key(id))
	if err != nil {
		return nil, domain.WrapOp("SessionStore.Get", err)
	}
	if !ok {
		return nil, nil
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("SessionStore.Get: decode session %s: %w", id, err)
	}
	if sess.Context == nil {
		sess.Context = map[string]any{}
	}
	return &sess, nil
}

// Save refreshes LastActivity and re-persists with a full TTL.
func (s *SessionStore) Save(ctx context.Context, sess *Session) error {
	ctx, span := tracer.StartSpan(ctx, "session.save",
		trace.WithAttributes(tracer.StringAttr("session.id", sess.ID)),
	)
	defer span.End()

	sess.mu.Lock()
	sess.LastActivity = s.now()
	sess.mu.Unlock()

	if err := s.put(ctx, sess); err != nil {
		tracer.RecordError(span, err)
		return domain.WrapOp("SessionStore.Save", err)
	}
	tracer.SetOK(span)
	return nil
}

// Delete removes a session. Deleting an unknown id is not an error.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, s.key(id)); err != nil {
		return domain.WrapOp("SessionStore.Delete", err)
	}
	return nil
}

func (s *SessionStore) put(ctx context.Context, sess *Session) error {
	sess.mu.RLock()
	data, err := json.Marshal(sess)
	sess.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.kv.Set(ctx, s.key(sess.ID), data, s.ttl)
}
