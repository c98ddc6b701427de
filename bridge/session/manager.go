// Package session tracks live client sessions with TTL cleanup.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTTL         = 30 * time.Minute
	DefaultSweepPeriod = 60 * time.Second
)

// Session is a live, authenticated connection. Owner is the combined
// device token or device id that authenticated it.
type Session struct {
	ID           string    `json:"sessionId"`
	Owner        string    `json:"-"`
	UserAgent    string    `json:"userAgent"`
	StartedAt    time.Time `json:"startedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Manager is the in-memory session table plus its periodic sweeper.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	ttl         time.Duration
	sweepPeriod time.Duration

	stopch   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a manager; zero ttl/sweep fall back to the
// defaults (30 min TTL, 60 s sweep).
func NewManager(ttl, sweepPeriod time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweepPeriod <= 0 {
		sweepPeriod = DefaultSweepPeriod
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		ttl:         ttl,
		sweepPeriod: sweepPeriod,
		stopch:      make(chan struct{}),
	}
}

// Start launches the sweeper goroutine.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.sweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopch:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// Stop cancels the sweeper and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopch) })
	m.wg.Wait()
}

func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.ttl)

	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		if s.LastActivity.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if len(expired) > 0 {
		log.Debug().Int("count", len(expired)).Msg("[session] swept inactive sessions")
	}
}

// Create registers a session owned by the given token or device id.
func (m *Manager) Create(owner, userAgent string) *Session {
	now := time.Now()
	s := &Session{
		ID:           uuid.NewString(),
		Owner:        owner,
		UserAgent:    userAgent,
		StartedAt:    now,
		LastActivity: now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	log.Debug().Str("session_id", s.ID).Msg("[session] session created")
	return s
}

// UpdateActivity bumps last-activity; expired or ended sessions cannot
// be renewed.
func (m *Manager) UpdateActivity(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	s.LastActivity = time.Now()
	return true
}

// End removes a session.
func (m *Manager) End(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// EndSessionsForToken bulk-invalidates every session owned by token.
// Used on passphrase rotation and device revocation.
func (m *Manager) EndSessionsForToken(token string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ended int
	for id, s := range m.sessions {
		if s.Owner == token {
			delete(m.sessions, id)
			ended++
		}
	}
	if ended > 0 {
		log.Info().Int("count", ended).Msg("[session] sessions invalidated for token")
	}
	return ended
}

// EndSessionsForDevice invalidates sessions whose owner is the device
// id or a combined token referencing it.
func (m *Manager) EndSessionsForDevice(deviceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ended int
	for id, s := range m.sessions {
		if s.Owner == deviceID || ownerDevice(s.Owner) == deviceID {
			delete(m.sessions, id)
			ended++
		}
	}
	return ended
}

func ownerDevice(owner string) string {
	for i := 0; i < len(owner); i++ {
		if owner[i] == ':' {
			return owner[:i]
		}
	}
	return ""
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ListAll returns redacted session entries.
func (m *Manager) ListAll() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	return out
}
