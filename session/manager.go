package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/room4-2/realtime-relay/config"
	"github.com/room4-2/realtime-relay/logging"
	"github.com/room4-2/realtime-relay/upstream"
)

const (
	redisTimeout     = 2 * time.Second
	activeSetKey     = "active_sessions"
	sessionKeyPrefix = "session:"
	cleanupInterval  = time.Minute
)

// ErrMaxSessions is returned when the session cap is reached
var ErrMaxSessions = errors.New("maximum sessions reached")

// Manager is the registry of live relay sessions. Each entry is removed when
// its session tears down. When Redis is reachable the registry is mirrored
// there for out-of-process visibility; relay correctness never depends on it.
type Manager struct {
	sessions map[string]*RelaySession
	mu       sync.RWMutex
	redis    *redis.Client
	config   *config.Config
	factory  upstream.Factory
	guard    *AudioGuard
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a session manager. An empty RedisURL or an unreachable
// Redis disables the mirror.
func NewManager(cfg *config.Config, factory upstream.Factory, logger *slog.Logger) *Manager {
	logger = logging.OrDiscard(logger)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       0,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			// Redis unavailable, continue without it
			logger.Warn("redis unavailable, session mirror disabled", "addr", cfg.RedisURL, "error", err)
			_ = redisClient.Close()
			redisClient = nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions: make(map[string]*RelaySession),
		redis:    redisClient,
		config:   cfg,
		factory:  factory,
		guard:    NewAudioGuard(cfg.MaxAudioBytes()),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// CreateSession allocates a relay session for an accepted client connection
// A MaxSessions of 0 leaves the registry unbounded.
func (sm *Manager) CreateSession(clientConn ClientConn) (*RelaySession, error) {
	sm.mu.Lock()
	if sm.config.MaxSessions > 0 && len(sm.sessions) >= sm.config.MaxSessions {
		sm.mu.Unlock()
		return nil, ErrMaxSessions
	}

	sessionID := uuid.New().String()
	session := NewRelaySession(sm.ctx, sessionID, clientConn, sm.factory(), sm.guard, sm.logger)
	sm.sessions[sessionID] = session
	count := len(sm.sessions)
	sm.mu.Unlock()

	sm.mirror(session)
	if _, live := sm.GetSession(sessionID); !live {
		// Removed while the mirror write was in flight
		sm.unmirror(sessionID)
	}
	sm.logger.Info("client connected", "session_id", sessionID, "sessions", count)
	return session, nil
}

// mirror saves a session's registry entry to Redis
func (sm *Manager) mirror(session *RelaySession) {
	if sm.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	key := sessionKeyPrefix + session.ID
	pipe := sm.redis.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"created_at":    session.CreatedAt.Format(time.RFC3339),
		"last_activity": session.LastActivity().Format(time.RFC3339),
		"status":        session.State().String(),
		"provider":      sm.config.UpstreamProvider,
	})
	pipe.SAdd(ctx, activeSetKey, session.ID)
	if sm.config.SessionTimeout > 0 {
		pipe.Expire(ctx, key, sm.config.SessionTimeout)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		sm.logger.Warn("redis mirror update failed", "session_id", session.ID, "error", err)
	}
}

func (sm *Manager) unmirror(sessionID string) {
	if sm.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	pipe := sm.redis.TxPipeline()
	pipe.Del(ctx, sessionKeyPrefix+sessionID)
	pipe.SRem(ctx, activeSetKey, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		sm.logger.Warn("redis mirror removal failed", "session_id", sessionID, "error", err)
	}
}

// GetSession retrieves a session by ID
func (sm *Manager) GetSession(sessionID string) (*RelaySession, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, exists := sm.sessions[sessionID]
	return session, exists
}

// RemoveSession closes a session and drops it from the registry
func (sm *Manager) RemoveSession(sessionID string) {
	sm.mu.Lock()
	session, exists := sm.sessions[sessionID]
	if exists {
		delete(sm.sessions, sessionID)
	}
	remaining := len(sm.sessions)
	sm.mu.Unlock()

	if !exists {
		return
	}
	session.Close()
	sm.unmirror(sessionID)
	sm.logger.Info("session removed", "session_id", sessionID, "sessions", remaining)
}

// GetActiveSessionCount returns current session count
func (sm *Manager) GetActiveSessionCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CleanupInactiveSessions closes sessions idle for longer than SessionTimeout
// and refreshes the mirror of the rest
func (sm *Manager) CleanupInactiveSessions() {
	if sm.config.SessionTimeout <= 0 {
		return
	}

	var expired []string
	var live []*RelaySession

	now := time.Now()
	sm.mu.RLock()
	for id, session := range sm.sessions {
		if now.Sub(session.LastActivity()) > sm.config.SessionTimeout {
			expired = append(expired, id)
		} else {
			live = append(live, session)
		}
	}
	sm.mu.RUnlock()

	for _, id := range expired {
		sm.logger.Info("expiring idle session", "session_id", id)
		sm.RemoveSession(id)
	}
	for _, session := range live {
		sm.mirror(session)
	}
}

// StartCleanupRoutine starts periodic cleanup of inactive sessions
func (sm *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.CleanupInactiveSessions()
		}
	}
}

// Shutdown closes all sessions and the Redis mirror
func (sm *Manager) Shutdown() {
	sm.cancel()

	sm.mu.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[string]*RelaySession)
	sm.mu.Unlock()

	for id, session := range sessions {
		session.Close()
		sm.unmirror(id)
	}

	if sm.redis != nil {
		_ = sm.redis.Close()
	}
	sm.logger.Info("session manager stopped", "closed", len(sessions))
}
