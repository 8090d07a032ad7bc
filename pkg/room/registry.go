// Package room tracks which sessions are subscribed to which conversation
// ("room", spec §4.2) and broadcasts presence/AI-activity changes to a
// room's members (spec §4.9). Grounded on other_examples' video-conferencing
// Room (participant map plus an onEmpty cleanup callback), narrowed from a
// full meeting room's role hierarchy to the flat membership and single
// in-flight-generation slot this core needs.
package room

import (
	"sync"
	"time"

	"github.com/branchroom/server/pkg/session"
)

// Member is one session's membership in a room.
type Member struct {
	SessionID string
	UserID    string
	JoinedAt  time.Time
}

// ActiveAiRequest records the one in-flight generation a room may hold at a
// time.
type ActiveAiRequest struct {
	UserID    string
	MessageID string
	StartedAt time.Time
}

// Room is the live membership and generation slot of one conversation.
type Room struct {
	ID string

	mu      sync.RWMutex
	members map[string]Member // sessionID -> Member
	active  *ActiveAiRequest
}

// Event is a presence or activity envelope broadcast to a room's members
// (spec §4.3's outbound kinds user_joined/user_left/ai_generating/
// ai_finished); Kind carries the wire event name so the broadcast function
// built in pkg/bootstrap can encode it without room knowing about JSON shape.
type Event struct {
	RoomID  string
	Kind    string
	UserID  string
	Payload any
}

// Registry owns every live Room, creating one lazily on first join and
// deleting it when the last member leaves.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room

	// broadcast is invoked for every membership/activity change and for
	// explicit Broadcast calls, letting the transport layer fan events out
	// to every other session subscribed to the room.
	broadcast func(Event, exclude string)
}

// NewRegistry builds an empty Registry. broadcast may be nil.
func NewRegistry(broadcast func(Event, exclude string)) *Registry {
	if broadcast == nil {
		broadcast = func(Event, string) {}
	}
	return &Registry{rooms: make(map[string]*Room), broadcast: broadcast}
}

// Join subscribes sess to roomID, creating the room if this is its first
// member, and broadcasts user_joined to pre-existing members. Idempotent
// for a session already joined.
func (r *Registry) Join(roomID string, sess *session.Session) {
	room := r.getOrCreate(roomID)

	room.mu.Lock()
	if _, already := room.members[sess.ID]; already {
		room.mu.Unlock()
		return
	}
	room.members[sess.ID] = Member{SessionID: sess.ID, UserID: sess.UserID, JoinedAt: time.Now()}
	room.mu.Unlock()

	sess.JoinRoom(roomID)
	r.broadcast(Event{RoomID: roomID, Kind: "user_joined", UserID: sess.UserID}, sess.ID)
}

// Leave unsubscribes sess from roomID, broadcasts user_left, and removes
// the room entirely once it has no members left.
func (r *Registry) Leave(roomID string, sess *session.Session) {
	r.mu.Lock()
	room, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return
	}

	room.mu.Lock()
	delete(room.members, sess.ID)
	empty := len(room.members) == 0
	room.mu.Unlock()

	sess.LeaveRoom(roomID)
	r.broadcast(Event{RoomID: roomID, Kind: "user_left", UserID: sess.UserID}, "")

	if empty {
		r.mu.Lock()
		if current, ok := r.rooms[roomID]; ok && current == room {
			delete(r.rooms, roomID)
		}
		r.mu.Unlock()
	}
}

// LeaveAll removes sess from every room it belongs to, used on disconnect;
// it does not require the session to know which rooms it was in beyond
// what Session.Rooms already tracks.
func (r *Registry) LeaveAll(sess *session.Session) {
	for _, roomID := range sess.Rooms() {
		r.Leave(roomID, sess)
	}
}

// Members returns the current membership of roomID.
func (r *Registry) Members(roomID string) []Member {
	room, ok := r.get(roomID)
	if !ok {
		return nil
	}
	room.mu.RLock()
	defer room.mu.RUnlock()
	out := make([]Member, 0, len(room.members))
	for _, m := range room.members {
		out = append(out, m)
	}
	return out
}

// ActiveUsers returns the distinct user IDs with a session in roomID; when
// a user holds more than one session, the earliest JoinedAt is kept.
func (r *Registry) ActiveUsers(roomID string) []Member {
	room, ok := r.get(roomID)
	if !ok {
		return nil
	}
	room.mu.RLock()
	defer room.mu.RUnlock()

	byUser := make(map[string]Member)
	for _, m := range room.members {
		existing, ok := byUser[m.UserID]
		if !ok || m.JoinedAt.Before(existing.JoinedAt) {
			byUser[m.UserID] = m
		}
	}
	out := make([]Member, 0, len(byUser))
	for _, m := range byUser {
		out = append(out, m)
	}
	return out
}

// IsMember reports whether userID has at least one session subscribed to
// roomID.
func (r *Registry) IsMember(roomID, userID string) bool {
	for _, m := range r.Members(roomID) {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// StartAiRequest atomically claims the room's single generation slot,
// creating the room implicitly if it did not already exist. Returns false
// without claiming anything if a request is already active.
func (r *Registry) StartAiRequest(roomID, userID, messageID string) bool {
	room := r.getOrCreate(roomID)
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.active != nil {
		return false
	}
	room.active = &ActiveAiRequest{UserID: userID, MessageID: messageID, StartedAt: time.Now()}
	return true
}

// EndAiRequest clears the active generation slot and broadcasts
// ai_finished; a no-op if nothing was active.
func (r *Registry) EndAiRequest(roomID string) {
	room, ok := r.get(roomID)
	if !ok {
		return
	}
	room.mu.Lock()
	had := room.active != nil
	room.active = nil
	room.mu.Unlock()
	if had {
		r.broadcast(Event{RoomID: roomID, Kind: "ai_finished"}, "")
	}
}

// ActiveRequest returns the room's in-flight generation slot, if any.
func (r *Registry) ActiveRequest(roomID string) (ActiveAiRequest, bool) {
	room, ok := r.get(roomID)
	if !ok {
		return ActiveAiRequest{}, false
	}
	room.mu.RLock()
	defer room.mu.RUnlock()
	if room.active == nil {
		return ActiveAiRequest{}, false
	}
	return *room.active, true
}

// Broadcast sends event to every session in roomID except exclude; the
// caller (pkg/bootstrap) supplies the broadcast function passed to
// NewRegistry, so send errors are its concern, not Registry's.
func (r *Registry) Broadcast(roomID, kind string, payload any, exclude string) {
	r.broadcast(Event{RoomID: roomID, Kind: kind, Payload: payload}, exclude)
}

func (r *Registry) get(roomID string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	return room, ok
}

func (r *Registry) getOrCreate(roomID string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		room = &Room{ID: roomID, members: make(map[string]Member)}
		r.rooms[roomID] = room
	}
	return room
}
