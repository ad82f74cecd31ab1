package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/casefill/orchestrator/internal/metrics"
)

// Backend persists sessions. Save must only succeed when the stored
// version still equals expectedVersion.
type Backend interface {
	Insert(ctx context.Context, s *Session) error
	Load(ctx context.Context, sessionID string) (*Session, error)
	Save(ctx context.Context, s *Session, expectedVersion int64) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Ping(ctx context.Context) error
	Name() string
}

// Manager is the session store used by the orchestrator
type Manager struct {
	backend Backend
	ttl     time.Duration
	logger  *zap.Logger
	locks   *keyedMutex
	now     func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session store over backend with a fixed session lifetime
func NewManager(backend Backend, ttl time.Duration, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	m := &Manager{
		backend: backend,
		ttl:     ttl,
		logger:  logger,
		locks:   newKeyedMutex(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) clock() time.Time {
	return m.now().UTC().Truncate(time.Millisecond)
}

// Create stores a new session for recordID and returns its id
func (m *Manager) Create(ctx context.Context, recordID string, c Context) (string, error) {
	if strings.TrimSpace(recordID) == "" {
		return "", fmt.Errorf("%w: record_id is required", ErrInvalidArgument)
	}
	c.normalize()

	now := m.clock()
	s := &Session{
		ID:        uuid.New().String(),
		RecordID:  recordID,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.ttl),
		Context:   c,
		Version:   1,
	}
	if err := m.backend.Insert(ctx, s); err != nil {
		return "", fmt.Errorf("failed to save session: %w", err)
	}

	metrics.SessionsCreated.Inc()
	m.logger.Info("Created new session",
		zap.String("session_id", s.ID),
		zap.String("record_id", recordID),
		zap.Time("expires_at", s.ExpiresAt),
	)
	return s.ID, nil
}

// Get returns the session or ErrSessionNotFound when unknown or expired
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}
	s, err := m.backend.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.IsExpiredAt(m.clock()) {
		return nil, ErrSessionNotFound
	}
	s.Context.normalize()
	return s, nil
}

// Update applies mutator to a copy of the session and persists it.
// Updates to one session are serialized in-process; a version check in the
// backend guards against writers in other processes.
func (m *Manager) Update(ctx context.Context, sessionID string, mutator func(*Session) error) error {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	current, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	next, err := current.Clone()
	if err != nil {
		return fmt.Errorf("clone session: %w", err)
	}
	if err := mutator(next); err != nil {
		return err
	}
	if err := checkMutation(current, next); err != nil {
		return err
	}

	next.UpdatedAt = m.clock()
	next.Version = current.Version + 1
	if err := m.backend.Save(ctx, next, current.Version); err != nil {
		if errors.Is(err, ErrConcurrentUpdate) {
			metrics.SessionUpdateConflicts.Inc()
			m.logger.Warn("Session update lost version race", zap.String("session_id", sessionID))
		}
		return err
	}
	return nil
}

// DeleteExpired removes every session past its lifetime
func (m *Manager) DeleteExpired(ctx context.Context) (int, error) {
	n, err := m.backend.DeleteExpired(ctx, m.clock())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	if n > 0 {
		metrics.SessionsExpired.Add(float64(n))
		m.logger.Info("Expired sessions removed", zap.Int("count", n))
	}
	return n, nil
}

// StartSweeper runs DeleteExpired every interval until ctx is done
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.DeleteExpired(ctx); err != nil && ctx.Err() == nil {
					m.logger.Error("Session sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// Ping checks the backend
func (m *Manager) Ping(ctx context.Context) error { return m.backend.Ping(ctx) }

// BackendName identifies the configured backend
func (m *Manager) BackendName() string { return m.backend.Name() }
