package clientsdk

import "encoding/json"

// encodeFrame mirrors pkg/wire.Encode's flat-envelope shape from the
// client's side of the wire, without importing the server-only pkg/wire
// package (this library ships independently of the server binary).
func encodeFrame(kind string, fields map[string]any) []byte {
	flat := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		flat[k] = v
	}
	flat["type"] = kind
	b, err := json.Marshal(flat)
	if err != nil {
		return []byte(`{"type":"` + kind + `"}`)
	}
	return b
}

func joinRoomFrame(conversationID string) []byte {
	return encodeFrame("join_room", map[string]any{"conversationId": conversationID})
}

func leaveRoomFrame(conversationID string) []byte {
	return encodeFrame("leave_room", map[string]any{"conversationId": conversationID})
}

func pingFrame() []byte {
	return encodeFrame("ping", nil)
}
