package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"floorbot/internal/adapter/kv"
	"floorbot/internal/domain"
	"floorbot/internal/infra/config"
	"floorbot/internal/usecase"
	"floorbot/internal/usecase/cluster"
)

// SessionComponents holds the session store and its turn locker.
type SessionComponents struct {
	Store  *usecase.SessionStore
	Locker usecase.TurnLocker
	Memory *kv.MemoryStore // nil when sessions live in Redis

	redis *kv.Client
}

// Close releases the Redis connection, if any.
func (s *SessionComponents) Close() error {
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}

// initSessions builds the session store over memory or Redis, and the
// matching turn locker.
func initSessions(ctx context.Context, cfg *config.Config, log *slog.Logger) (*SessionComponents, error) {
	s := &SessionComponents{}

	needRedis := cfg.Session.Store == "redis" || cfg.Session.Lock == "redis"
	if needRedis {
		client, err := kv.Dial(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
		}
		s.redis = client
	}

	var store domain.KVStore
	switch cfg.Session.Store {
	case "redis":
		store = kv.NewRedisStore(s.redis, log)
	default:
		s.Memory = kv.NewMemoryStore()
		store = s.Memory
	}

	switch cfg.Session.Lock {
	case "redis":
		nodeID, _ := os.Hostname()
		s.Locker = cluster.NewRedisLocker(s.redis, cluster.LockerConfig{
			NodeID:  nodeID,
			LockTTL: cfg.Redis.LockTTL,
		}, log)
	default:
		s.Locker = usecase.NewSessionLocker()
	}

	s.Store = usecase.NewSessionStore(store, usecase.SessionStoreConfig{
		TTL:          cfg.Session.Timeout,
		KeyPrefix:    cfg.Session.KeyPrefix,
		SystemPrompt: cfg.Assistant.SystemPrompt,
	}, log)

	log.Info("session store ready", "store", cfg.Session.Store, "lock", cfg.Session.Lock, "ttl", cfg.Session.Timeout)
	return s, nil
}
