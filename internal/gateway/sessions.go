package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alekspetrov/recap/internal/durable"
)

const sessionWriteTimeout = 5 * time.Second

// Filter narrows the lifecycle events a session receives. The zero Filter
// matches everything.
type Filter struct {
	ItemKey string              `json:"item_key,omitempty"`
	Events  []durable.EventType `json:"events,omitempty"`
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev durable.Event) bool {
	if f.ItemKey != "" && f.ItemKey != ev.ItemKey {
		return false
	}
	if len(f.Events) == 0 {
		return true
	}
	for _, t := range f.Events {
		if t == ev.Type {
			return true
		}
	}
	return false
}

// Session is one connected event stream client.
type Session struct {
	ID        string
	Conn      *websocket.Conn
	CreatedAt time.Time

	mu       sync.Mutex
	lastPing time.Time
	filter   Filter
}

// LastPing returns when the client last pinged, or connected.
func (s *Session) LastPing() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPing
}

// Subscribe replaces the session's event filter.
func (s *Session) Subscribe(f Filter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = f
}

func (s *Session) wants(ev durable.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter.Match(ev)
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPing = time.Now()
}

// Send writes a text frame to the session.
func (s *Session) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.Conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
	return s.Conn.WriteMessage(websocket.TextMessage, frame)
}

// SessionManager tracks the connected event stream clients.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager creates an empty session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*Session)}
}

// Create registers a session for a WebSocket connection.
func (m *SessionManager) Create(conn *websocket.Conn) *Session {
	now := time.Now()
	s := &Session{
		ID:        uuid.NewString(),
		Conn:      conn,
		CreatedAt: now,
		lastPing:  now,
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Get retrieves a session by ID.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove closes and forgets a session.
func (m *SessionManager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		_ = s.Conn.Close()
	}
}

// Count returns the number of connected sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Publish sends frame to every session whose filter matches ev. Sessions
// whose write fails are dropped. It returns the number of sessions reached.
func (m *SessionManager) Publish(ev durable.Event, frame []byte) int {
	m.mu.RLock()
	targets := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		if !s.wants(ev) {
			continue
		}
		if err := s.Send(frame); err != nil {
			m.Remove(s.ID)
			continue
		}
		sent++
	}
	return sent
}
