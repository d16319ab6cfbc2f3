package ws

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/JasonDZS/myagent-sub001/internal/server/session"
)

// SessionSummary is what the HTTP API exposes per session, live or closed.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	ConnectionID string    `json:"connection_id"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	ClosedAt     time.Time `json:"closed_at,omitempty"`
}

// registry tracks live sessions and keeps a bounded history of closed ones
// for the inspection endpoints.
type registry struct {
	mu     sync.RWMutex
	live   map[string]*session.Session
	closed *lru.Cache[string, SessionSummary]
}

func newRegistry(historySize int) (*registry, error) {
	if historySize <= 0 {
		historySize = 128
	}
	closed, err := lru.New[string, SessionSummary](historySize)
	if err != nil {
		return nil, err
	}
	return &registry{
		live:   make(map[string]*session.Session),
		closed: closed,
	}, nil
}

func (r *registry) add(s *session.Session) {
	r.mu.Lock()
	r.live[s.SessionID()] = s
	r.mu.Unlock()
}

func (r *registry) get(sessionID string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.live[sessionID]
	return s, ok
}

// retire moves a session from the live map into the closed-session history.
// It reports whether the session was still live, so racing teardown paths
// (connection close, heartbeat sweep, shutdown) account for it exactly once.
func (r *registry) retire(s *session.Session) bool {
	r.mu.Lock()
	_, wasLive := r.live[s.SessionID()]
	delete(r.live, s.SessionID())
	r.mu.Unlock()
	r.closed.Add(s.SessionID(), SessionSummary{
		SessionID:    s.SessionID(),
		ConnectionID: s.ConnectionID(),
		State:        string(session.StateClosed),
		CreatedAt:    s.CreatedAt(),
		ClosedAt:     time.Now().UTC(),
	})
	return wasLive
}

func (r *registry) snapshot() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Session, 0, len(r.live))
	for _, s := range r.live {
		out = append(out, s)
	}
	return out
}

// summaries lists live sessions first, then the retained closed ones.
func (r *registry) summaries() []SessionSummary {
	r.mu.RLock()
	out := make([]SessionSummary, 0, len(r.live)+r.closed.Len())
	for _, s := range r.live {
		out = append(out, SessionSummary{
			SessionID:    s.SessionID(),
			ConnectionID: s.ConnectionID(),
			State:        string(s.State()),
			CreatedAt:    s.CreatedAt(),
		})
	}
	r.mu.RUnlock()
	for _, key := range r.closed.Keys() {
		if summary, ok := r.closed.Peek(key); ok {
			out = append(out, summary)
		}
	}
	return out
}

// summary looks up one session by id across live and closed.
func (r *registry) summary(sessionID string) (SessionSummary, bool) {
	r.mu.RLock()
	if s, ok := r.live[sessionID]; ok {
		r.mu.RUnlock()
		return SessionSummary{
			SessionID:    s.SessionID(),
			ConnectionID: s.ConnectionID(),
			State:        string(s.State()),
			CreatedAt:    s.CreatedAt(),
		}, true
	}
	r.mu.RUnlock()
	return r.closed.Peek(sessionID)
}
