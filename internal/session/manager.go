package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of one proxied session.
type State string

const (
	StateIdle           State = "idle"
	StateNegotiating    State = "negotiating"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConfiguring    State = "configuring"
	StateActive         State = "active"
	StateClosing        State = "closing"
	StateClosed         State = "closed"
	StateFailed         State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

var ErrNotFound = errors.New("session not found")

type Session struct {
	ID             string    `json:"session_id"`
	ContentID      string    `json:"content_id"`
	Model          string    `json:"model,omitempty"`
	State          State     `json:"state"`
	ErrorCode      string    `json:"error_code,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	credential string
}

// Credential returns the upstream credential bound to the session. It is
// never serialized.
func (s *Session) Credential() string {
	return s.credential
}

type record struct {
	sess   *Session
	cancel context.CancelFunc
}

// Manager tracks live proxy sessions for the API and expires idle ones.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*record
	idleTimeout time.Duration
	onExpire    func(*Session)
}

func NewManager(idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:    make(map[string]*record),
		idleTimeout: idleTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create registers a new idle session. cancel, when set, is invoked if the
// janitor expires the session.
func (m *Manager) Create(contentID string, cancel context.CancelFunc) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		ContentID:      contentID,
		State:          StateIdle,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = &record{sess: s, cancel: cancel}
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(r.sess), nil
}

// Bind records the negotiated credential and model.
func (m *Manager) Bind(sessionID, contentID, model, credential string) error {
	return m.update(sessionID, func(s *Session) {
		if contentID != "" {
			s.ContentID = contentID
		}
		s.Model = model
		s.credential = credential
	})
}

func (m *Manager) SetState(sessionID string, state State, errCode string) error {
	return m.update(sessionID, func(s *Session) {
		s.State = state
		if errCode != "" {
			s.ErrorCode = errCode
		}
	})
}

func (m *Manager) Touch(sessionID string) error {
	return m.update(sessionID, func(*Session) {})
}

func (m *Manager) update(sessionID string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	fn(r.sess)
	r.sess.LastActivityAt = time.Now().UTC()
	return nil
}

// Remove unregisters the session and returns its final snapshot.
func (m *Manager) Remove(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.sessions, sessionID)
	return clone(r.sess), nil
}

// List returns snapshots ordered by creation time.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, r := range m.sessions {
		out = append(out, clone(r.sess))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, r := range m.sessions {
		if r.sess.State == StateActive {
			count++
		}
	}
	return count
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireIdle()
			}
		}
	}()
}

// expireIdle cancels sessions without traffic for longer than the idle
// timeout. The owning proxy removes them on teardown.
func (m *Manager) expireIdle() {
	now := time.Now().UTC()
	var expired []*Session
	var cancels []context.CancelFunc

	m.mu.Lock()
	for _, r := range m.sessions {
		if r.sess.State.Terminal() || r.sess.State == StateClosing {
			continue
		}
		if now.Sub(r.sess.LastActivityAt) < m.idleTimeout {
			continue
		}
		r.sess.State = StateClosing
		r.sess.ErrorCode = "idle_timeout"
		expired = append(expired, clone(r.sess))
		if r.cancel != nil {
			cancels = append(cancels, r.cancel)
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
