package bootstrap

import (
	"github.com/branchroom/server/pkg/room"
	"github.com/branchroom/server/pkg/session"
	"github.com/branchroom/server/pkg/wire"
)

// newBroadcastFunc builds the room.Registry broadcast callback that turns
// a room.Event into an encoded wire frame and fans it out to every member
// of the room except the excluded session. rooms is a forward reference:
// the callback closes over it, but room.NewRegistry itself needs the
// callback before the *room.Registry it returns exists, so the caller
// assigns the pointed-to variable only after construction.
func newBroadcastFunc(sessions *session.Registry, rooms **room.Registry) func(room.Event, string) {
	return func(ev room.Event, exclude string) {
		b, err := wire.Encode(wire.OutboundType(ev.Kind), eventPayload(ev))
		if err != nil {
			return
		}
		for _, m := range (*rooms).Members(ev.RoomID) {
			if m.SessionID == exclude {
				continue
			}
			if s, ok := sessions.Get(m.SessionID); ok {
				_ = s.Conn.Send(b)
			}
		}
	}
}

func eventPayload(ev room.Event) map[string]any {
	out := map[string]any{"conversationId": ev.RoomID}
	if m, ok := ev.Payload.(map[string]any); ok {
		for k, v := range m {
			out[k] = v
		}
	}
	if ev.UserID != "" {
		out["userId"] = ev.UserID
	}
	return out
}
