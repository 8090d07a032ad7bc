// Package session tracks live client connections (spec §4.1). It is
// grounded on other_examples' tinode-derived chat server's Session/
// session-store split (a session holds a send channel and a last-activity
// timestamp; a registry owns the map and its mutex) and on the teacher's
// use of xid for short opaque identifiers (pkg/aiid/id.go).
package session

import (
	"sync"
	"time"

	"github.com/rs/xid"
)

// Conn is the minimal send surface a transport connection exposes to the
// registry; pkg/transport's websocket connection implements it.
type Conn interface {
	// Send delivers a pre-encoded outbound frame. Implementations must be
	// safe to call from any goroutine.
	Send(frame []byte) error
	// Close terminates the underlying connection.
	Close() error
}

// Session is one live connection's bookkeeping.
type Session struct {
	ID          string
	UserID      string
	Conn        Conn
	ConnectedAt time.Time
	lastSeen    time.Time

	mu      sync.Mutex
	rooms   map[string]bool
	isAlive bool
}

// Touch records client activity, resetting the idle timer the heartbeat
// sweep checks.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastSeenAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// MarkAlive resets the liveness flag the heartbeat sweep checks; a session
// calls this when it answers the server's probe (spec §4.1).
func (s *Session) MarkAlive() {
	s.mu.Lock()
	s.isAlive = true
	s.mu.Unlock()
	s.Touch()
}

// JoinRoom records that this session is subscribed to a room, so the
// registry can report per-room membership without a second index.
func (s *Session) JoinRoom(roomID string) {
	s.mu.Lock()
	s.rooms[roomID] = true
	s.mu.Unlock()
}

// LeaveRoom undoes JoinRoom.
func (s *Session) LeaveRoom(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

// Rooms returns the set of rooms this session currently belongs to.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	return out
}

// Registry is the process-wide table of live sessions (spec §4.1's
// ConnectionRegistry). A user may hold more than one concurrent session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]bool
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]bool),
	}
}

// Register creates and stores a new Session for userID over conn.
func (r *Registry) Register(userID string, conn Conn) *Session {
	s := &Session{
		ID:          xid.New().String(),
		UserID:      userID,
		Conn:        conn,
		ConnectedAt: time.Now(),
		lastSeen:    time.Now(),
		rooms:       make(map[string]bool),
		isAlive:     true,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]bool)
	}
	r.byUser[userID][s.ID] = true
	return s
}

// Unregister removes a session from the registry; it does not close the
// underlying connection, which is the caller's responsibility.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	if users := r.byUser[s.UserID]; users != nil {
		delete(users, sessionID)
		if len(users) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
}

// Get looks up a session by ID.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// SessionsForUser returns every live session belonging to userID, used to
// fan events out to all of a user's connected devices.
func (r *Registry) SessionsForUser(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byUser[userID]
	out := make([]*Session, 0, len(ids))
	for id := range ids {
		if s, ok := r.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// IsUserOnline reports whether userID has at least one live session.
func (r *Registry) IsUserOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Sweep returns sessions whose last activity is older than idleTimeout, so
// a periodic heartbeat job can close and unregister them.
func (r *Registry) Sweep(idleTimeout time.Duration) []*Session {
	cutoff := time.Now().Add(-idleTimeout)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stale []*Session
	for _, s := range r.sessions {
		if s.lastSeenAt().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	return stale
}

// Len reports the number of live sessions, mainly for diagnostics/metrics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Heartbeat runs one liveness sweep (spec §4.1): a session that did not
// answer the previous sweep's probe (isAlive is still false) is terminated;
// every other session is flipped to not-alive and handed to probe, which is
// expected to send a provider-defined liveness frame (pkg/bootstrap's probe
// sends a `pong`). A session
// that answers before the next sweep calls MarkAlive, resetting the flag.
// Terminating a session is best-effort: probe and Conn.Close errors are
// swallowed, matching the spec's failure model.
func (r *Registry) Heartbeat(probe func(*Session)) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.mu.Lock()
		alive := s.isAlive
		s.isAlive = false
		s.mu.Unlock()

		if !alive {
			_ = s.Conn.Close()
			r.Unregister(s.ID)
			continue
		}
		if probe != nil {
			probe(s)
		}
	}
}
