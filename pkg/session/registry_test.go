package session

import (
	"testing"
	"time"
)

type fakeConn struct {
	sent   [][]byte
	closed bool
}

func (c *fakeConn) Send(frame []byte) error {
	c.sent = append(c.sent, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	s := r.Register("u1", &fakeConn{})
	got, ok := r.Get(s.ID)
	if !ok || got != s {
		t.Fatalf("expected to find registered session")
	}
	if !r.IsUserOnline("u1") {
		t.Fatalf("expected u1 to be online")
	}
}

func TestUnregisterRemovesFromUserIndex(t *testing.T) {
	r := NewRegistry()
	s := r.Register("u1", &fakeConn{})
	r.Unregister(s.ID)
	if _, ok := r.Get(s.ID); ok {
		t.Fatalf("expected session to be gone")
	}
	if r.IsUserOnline("u1") {
		t.Fatalf("expected u1 to be offline after last session unregistered")
	}
}

func TestSessionsForUserReturnsAllDevices(t *testing.T) {
	r := NewRegistry()
	r.Register("u1", &fakeConn{})
	r.Register("u1", &fakeConn{})
	r.Register("u2", &fakeConn{})
	if got := len(r.SessionsForUser("u1")); got != 2 {
		t.Fatalf("expected 2 sessions for u1, got %d", got)
	}
}

func TestSweepFindsStaleSessions(t *testing.T) {
	r := NewRegistry()
	s := r.Register("u1", &fakeConn{})
	s.lastSeen = time.Now().Add(-time.Hour)

	stale := r.Sweep(time.Minute)
	if len(stale) != 1 || stale[0].ID != s.ID {
		t.Fatalf("expected session to be swept as stale, got %v", stale)
	}
}

func TestHeartbeatProbesThenTerminates(t *testing.T) {
	r := NewRegistry()
	conn := &fakeConn{}
	s := r.Register("u1", conn)

	var probed int
	r.Heartbeat(func(*Session) { probed++ })
	if probed != 1 {
		t.Fatalf("expected the first sweep to probe the session once, got %d", probed)
	}
	if _, ok := r.Get(s.ID); !ok {
		t.Fatalf("expected session to survive a sweep it has not yet answered")
	}

	// The session never answers (no MarkAlive), so the next sweep finds
	// isAlive still false and terminates it.
	r.Heartbeat(func(*Session) { probed++ })
	if probed != 1 {
		t.Fatalf("expected a terminated session not to be probed again, got %d", probed)
	}
	if _, ok := r.Get(s.ID); ok {
		t.Fatalf("expected session to be terminated after missing its probe")
	}
	if !conn.closed {
		t.Fatalf("expected the connection to be closed on termination")
	}
}

func TestHeartbeatSurvivesWhenSessionAnswers(t *testing.T) {
	r := NewRegistry()
	s := r.Register("u1", &fakeConn{})

	r.Heartbeat(func(sess *Session) { sess.MarkAlive() })
	r.Heartbeat(func(*Session) {})

	if _, ok := r.Get(s.ID); !ok {
		t.Fatalf("expected session that answered the probe to survive the next sweep")
	}
}

func TestJoinAndLeaveRoom(t *testing.T) {
	s := &Session{rooms: make(map[string]bool)}
	s.JoinRoom("room1")
	if rooms := s.Rooms(); len(rooms) != 1 || rooms[0] != "room1" {
		t.Fatalf("expected [room1], got %v", rooms)
	}
	s.LeaveRoom("room1")
	if rooms := s.Rooms(); len(rooms) != 0 {
		t.Fatalf("expected no rooms after leave, got %v", rooms)
	}
}
