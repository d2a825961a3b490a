// Package cluster provides distributed coordination for horizontal scaling.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"floorbot/internal/domain"
	"floorbot/internal/usecase"
)

// Lock defaults.
const (
	DefaultLockTTL      = 2 * time.Minute
	DefaultPollInterval = 50 * time.Millisecond
	lockKeyPrefix       = "floorbot:session:lock:"
)

// LockClient abstracts the Redis commands needed by RedisLocker.
// kv.Client satisfies it; tests use an in-memory mock.
type LockClient interface {
	// SetNX sets key to value if it does not exist. Returns true if set.
	SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error)
	// CompareAndDelete deletes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
}

// LockerConfig holds configuration for the Redis locker.
type LockerConfig struct {
	NodeID       string
	LockTTL      time.Duration // default: 2m, must outlive a turn
	PollInterval time.Duration // default: 50ms
}

// RedisLocker serializes turns on a session across instances. The lock is
// a key holding a per-acquisition owner token; release deletes it only while
// the token still matches, so an expired lock taken over by another node is
// never released by the old holder.
type RedisLocker struct {
	nodeID string
	client LockClient
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger
}

var _ usecase.TurnLocker = (*RedisLocker)(nil)

// NewRedisLocker creates a locker over client.
func NewRedisLocker(client LockClient, cfg LockerConfig, logger *slog.Logger) *RedisLocker {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	return &RedisLocker{
		nodeID: cfg.NodeID,
		client: client,
		ttl:    cfg.LockTTL,
		poll:   cfg.PollInterval,
		logger: logger,
	}
}

// NodeID returns this node's identifier.
func (l *RedisLocker) NodeID() string { return l.nodeID }

// Lock polls until the session lock is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, sessionID string) (func(), error) {
	key := lockKeyPrefix + sessionID
	token := l.nodeID + ":" + uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		acquired, err := l.client.SetNX(ctx, key, token, l.ttl)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("session lock %s: %w: %w", sessionID, domain.ErrSessionBusy, ctx.Err())
			}
			return nil, fmt.Errorf("session lock %s: %w: %w", sessionID, domain.ErrStoreUnavailable, err)
		}
		if acquired {
			l.logger.DebugContext(ctx, "session lock acquired", "session", sessionID, "node", l.nodeID)
			return func() { l.release(key, token) }, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("session lock %s: %w: %w", sessionID, domain.ErrSessionBusy, ctx.Err())
		}
	}
}

func (l *RedisLocker) release(key, token string) {
	// The turn context may already be cancelled; release on a fresh one.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	released, err := l.client.CompareAndDelete(ctx, key, token)
	switch {
	case err != nil:
		l.logger.Warn("session lock release failed", "key", key, "error", err)
	case !released:
		l.logger.Warn("session lock expired before release", "key", key, "ttl", l.ttl)
	default:
		l.logger.Debug("session lock released", "key", key)
	}
}
