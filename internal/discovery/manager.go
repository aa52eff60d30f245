package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"watchfinder/discoveryservice/internal/domain"
	"watchfinder/discoveryservice/internal/metrics"
)

const (
	defaultSessionTTL   = 30 * time.Minute
	minJanitorInterval  = 30 * time.Second
	defaultHistoryLimit = 50
)

// Manager owns the live sessions and evicts idle ones.
type Manager struct {
	deps Deps
	cfg  Config
	ttl  time.Duration
	now  func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

type ManagerOption func(*Manager)

func WithSessionTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithSessionConfig(cfg Config) ManagerOption {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

func NewManager(deps Deps, opts ...ManagerOption) *Manager {
	m := &Manager{
		deps:     deps,
		ttl:      defaultSessionTTL,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Create() *Session {
	session := NewSession(uuid.NewString(), m.deps, m.cfg)
	session.now = m.now
	session.lastActive = m.now()

	m.mu.Lock()
	m.sessions[session.ID()] = session
	count := len(m.sessions)
	m.mu.Unlock()
	metrics.ActiveSessions.Set(float64(count))
	return session
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	session, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	session.touch()
	return session, nil
}

// History lists a session's past searches, newest first.
func (m *Manager) History(ctx context.Context, id string, limit int) ([]domain.SearchRecord, error) {
	if _, err := m.Get(id); err != nil {
		return nil, err
	}
	if m.deps.History == nil {
		return []domain.SearchRecord{}, nil
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return m.deps.History.List(ctx, id, limit)
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Evict removes sessions idle for longer than the TTL. Busy sessions are kept.
func (m *Manager) Evict() int {
	cutoff := m.now().Add(-m.ttl)
	var expired []*Session

	m.mu.Lock()
	for id, session := range m.sessions {
		if session.Busy() || session.LastActive().After(cutoff) {
			continue
		}
		delete(m.sessions, id)
		expired = append(expired, session)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	for _, session := range expired {
		session.Close()
	}
	metrics.ActiveSessions.Set(float64(count))
	if len(expired) > 0 {
		slog.Info("evicted idle sessions", slog.Int("evicted", len(expired)), slog.Int("active", count))
	}
	return len(expired)
}

// StartBackground runs the idle-session janitor until ctx is done.
func (m *Manager) StartBackground(ctx context.Context) {
	interval := max(m.ttl/4, minJanitorInterval)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Evict()
			}
		}
	}()
}

// Shutdown cancels background reranks and waits for them to finish.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()
	for _, session := range sessions {
		session.Close()
		session.Wait()
	}
}

// CreateSession opens a session and returns its initial view.
func (m *Manager) CreateSession() domain.SessionView {
	return m.Create().View()
}

// Session returns the current view of a session.
func (m *Manager) Session(id string) (domain.SessionView, error) {
	session, err := m.Get(id)
	if err != nil {
		return domain.SessionView{}, err
	}
	return session.View(), nil
}

// Search runs a search on the session and returns the resulting view.
func (m *Manager) Search(ctx context.Context, id, prompt string) (domain.SessionView, error) {
	return m.apply(id, func(session *Session) error {
		return session.Search(ctx, prompt)
	})
}

// Refine moves the session spectrum one step in direction.
func (m *Manager) Refine(id, direction string) (domain.SessionView, error) {
	return m.apply(id, func(session *Session) error {
		return session.Refine(direction)
	})
}

// ShowMore grows the visible window of the session.
func (m *Manager) ShowMore(ctx context.Context, id string) (domain.SessionView, error) {
	return m.apply(id, func(session *Session) error {
		return session.ShowMore(ctx)
	})
}

func (m *Manager) apply(id string, op func(*Session) error) (domain.SessionView, error) {
	session, err := m.Get(id)
	if err != nil {
		return domain.SessionView{}, err
	}
	if err := op(session); err != nil {
		return session.View(), err
	}
	return session.View(), nil
}
