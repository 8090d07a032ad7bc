// Package wire implements the JSON frame envelope the session multiplexer
// speaks over its WebSocket transport (spec §4.3, §6): inbound frame
// decoding and validation, and typed outbound event encoding. It is
// grounded on the teacher's use of ws.ReadJSON/WriteJSON in the wider
// example pack's websocket handlers (nstogner-operative's
// pkg/server/websocket.go) combined with the teacher's own closed-taxonomy
// style for typed, named wire constants (pkg/aierrors/errors.go).
package wire

import (
	"encoding/json"
	"fmt"
)

// InboundType is the `type` discriminator of an inbound frame.
type InboundType string

const (
	TypePing        InboundType = "ping"
	TypeJoinRoom    InboundType = "join_room"
	TypeLeaveRoom   InboundType = "leave_room"
	TypeTyping      InboundType = "typing"
	TypeAbort       InboundType = "abort"
	TypeChat        InboundType = "chat"
	TypeContinue    InboundType = "continue"
	TypeRegenerate  InboundType = "regenerate"
	TypeEdit        InboundType = "edit"
	TypeDelete      InboundType = "delete"
)

// OutboundType is the `type` discriminator of an outbound event (spec
// §4.3's outbound kinds).
type OutboundType string

const (
	EventConnected             OutboundType = "connected"
	EventError                 OutboundType = "error"
	EventPong                  OutboundType = "pong"
	EventRoomJoined            OutboundType = "room_joined"
	EventRoomLeft              OutboundType = "room_left"
	EventUserJoined            OutboundType = "user_joined"
	EventUserLeft              OutboundType = "user_left"
	EventUserTyping            OutboundType = "user_typing"
	EventAiGenerating          OutboundType = "ai_generating"
	EventAiFinished            OutboundType = "ai_finished"
	EventMessageCreated        OutboundType = "message_created"
	EventMessageEdited         OutboundType = "message_edited"
	EventMessageDeleted        OutboundType = "message_deleted"
	EventMessageRestored       OutboundType = "message_restored"
	EventMessageBranchRestored OutboundType = "message_branch_restored"
	EventMessageSplit          OutboundType = "message_split"
	EventBranchVisibility      OutboundType = "branch_visibility_changed"
	EventStream                OutboundType = "stream"
	EventMetricsUpdate         OutboundType = "metrics_update"
	EventContentBlocked        OutboundType = "content_blocked"
	EventAiRequestQueued       OutboundType = "ai_request_queued"
	EventGenerationAborted     OutboundType = "generation_aborted"
)

// DecodeError is returned for malformed or unrecognized inbound frames; the
// session stays open and the transport layer replies with a single `error`
// frame carrying Message (spec §4.3, §7: "a session's own frame-decoding
// errors are recoverable").
type DecodeError struct {
	Message string
}

func (e *DecodeError) Error() string { return e.Message }

// envelope is the common shape every inbound frame shares before its
// type-specific fields are decoded.
type envelope struct {
	Type InboundType `json:"type"`
}

// ChatPayload, ContinuePayload, etc. mirror the payload column of spec
// §4.3's inbound frame table.
type ChatPayload struct {
	ConversationID   string              `json:"conversationId"`
	MessageID        string              `json:"messageId"`
	Content          string              `json:"content"`
	ParentBranchID   string              `json:"parentBranchId"`
	ParticipantID    string              `json:"participantId"`
	ResponderID      string              `json:"responderId"`
	Attachments      []json.RawMessage   `json:"attachments"`
	HiddenFromAi     bool                `json:"hiddenFromAi"`
	SamplingBranches int                 `json:"samplingBranches"`
}

type ContinuePayload struct {
	ConversationID   string `json:"conversationId"`
	MessageID        string `json:"messageId"`
	ParentBranchID   string `json:"parentBranchId"`
	ResponderID      string `json:"responderId"`
	SamplingBranches int    `json:"samplingBranches"`
}

type RegeneratePayload struct {
	ConversationID   string `json:"conversationId"`
	MessageID        string `json:"messageId"`
	BranchID         string `json:"branchId"`
	ParentBranchID   string `json:"parentBranchId"`
	SamplingBranches int    `json:"samplingBranches"`
}

type EditPayload struct {
	ConversationID   string `json:"conversationId"`
	MessageID        string `json:"messageId"`
	BranchID         string `json:"branchId"`
	Content          string `json:"content"`
	ResponderID      string `json:"responderId"`
	SkipRegeneration bool   `json:"skipRegeneration"`
	SamplingBranches int    `json:"samplingBranches"`
}

type DeletePayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	BranchID       string `json:"branchId"`
}

type JoinRoomPayload struct {
	ConversationID string `json:"conversationId"`
}

type LeaveRoomPayload struct {
	ConversationID string `json:"conversationId"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type AbortPayload struct {
	ConversationID string `json:"conversationId"`
}

// Frame is a decoded inbound frame: Type identifies which of the Payload
// fields is populated.
type Frame struct {
	Type      InboundType
	Chat      *ChatPayload
	Continue  *ContinuePayload
	Regenerate *RegeneratePayload
	Edit      *EditPayload
	Delete    *DeletePayload
	JoinRoom  *JoinRoomPayload
	LeaveRoom *LeaveRoomPayload
	Typing    *TypingPayload
	Abort     *AbortPayload
}

// Decode parses and validates one inbound frame. Unknown types, malformed
// JSON, and missing required fields all return a *DecodeError (spec §4.3).
func Decode(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, &DecodeError{Message: fmt.Sprintf("malformed frame: %v", err)}
	}

	switch env.Type {
	case TypePing:
		return Frame{Type: TypePing}, nil

	case TypeJoinRoom:
		var p JoinRoomPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Frame{}, &DecodeError{Message: "invalid join_room payload"}
		}
		if p.ConversationID == "" {
			return Frame{}, &DecodeError{Message: "join_room requires conversationId"}
		}
		return Frame{Type: TypeJoinRoom, JoinRoom: &p}, nil

	case TypeLeaveRoom:
		var p LeaveRoomPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Frame{}, &DecodeError{Message: "invalid leave_room payload"}
		}
		if p.ConversationID == "" {
			return Frame{}, &DecodeError{Message: "leave_room requires conversationId"}
		}
		return Frame{Type: TypeLeaveRoom, LeaveRoom: &p}, nil

	case TypeTyping:
		var p TypingPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Frame{}, &DecodeError{Message: "invalid typing payload"}
		}
		if p.ConversationID == "" {
			return Frame{}, &DecodeError{Message: "typing requires conversationId"}
		}
		return Frame{Type: TypeTyping, Typing: &p}, nil

	case TypeAbort:
		var p AbortPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Frame{}, &DecodeError{Message: "invalid abort payload"}
		}
		if p.ConversationID == "" {
			return Frame{}, &DecodeError{Message: "abort requires conversationId"}
		}
		return Frame{Type: TypeAbort, Abort: &p}, nil

	case TypeChat:
		var p ChatPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Frame{}, &DecodeError{Message: "invalid chat payload"}
		}
		if p.ConversationID == "" || p.MessageID == "" {
			return Frame{}, &DecodeError{Message: "chat requires conversationId and messageId"}
		}
		return Frame{Type: TypeChat, Chat: &p}, nil

	case TypeContinue:
		var p ContinuePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Frame{}, &DecodeError{Message: "invalid continue payload"}
		}
		if p.ConversationID == "" || p.MessageID == "" {
			return Frame{}, &DecodeError{Message: "continue requires conversationId and messageId"}
		}
		return Frame{Type: TypeContinue, Continue: &p}, nil

	case TypeRegenerate:
		var p RegeneratePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Frame{}, &DecodeError{Message: "invalid regenerate payload"}
		}
		if p.ConversationID == "" || p.MessageID == "" || p.BranchID == "" {
			return Frame{}, &DecodeError{Message: "regenerate requires conversationId, messageId and branchId"}
		}
		return Frame{Type: TypeRegenerate, Regenerate: &p}, nil

	case TypeEdit:
		var p EditPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Frame{}, &DecodeError{Message: "invalid edit payload"}
		}
		if p.ConversationID == "" || p.MessageID == "" || p.BranchID == "" {
			return Frame{}, &DecodeError{Message: "edit requires conversationId, messageId and branchId"}
		}
		return Frame{Type: TypeEdit, Edit: &p}, nil

	case TypeDelete:
		var p DeletePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Frame{}, &DecodeError{Message: "invalid delete payload"}
		}
		if p.ConversationID == "" || p.MessageID == "" || p.BranchID == "" {
			return Frame{}, &DecodeError{Message: "delete requires conversationId, messageId and branchId"}
		}
		return Frame{Type: TypeDelete, Delete: &p}, nil

	default:
		return Frame{}, &DecodeError{Message: fmt.Sprintf("unrecognized frame type %q", env.Type)}
	}
}

// Encode marshals kind and payload into one JSON frame, merging payload's
// keys alongside the `type` discriminator so clients see a flat envelope
// rather than a nested `data` object.
func Encode(kind OutboundType, payload map[string]any) ([]byte, error) {
	flat := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		flat[k] = v
	}
	flat["type"] = kind
	b, err := json.Marshal(flat)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding %s frame: %w", kind, err)
	}
	return b, nil
}

// EncodeError builds an `error` frame (spec §7): code is one of the closed
// taxonomy values, suggestion may be empty.
func EncodeError(code, message, suggestion string) ([]byte, error) {
	payload := map[string]any{"code": code, "message": message}
	if suggestion != "" {
		payload["suggestion"] = suggestion
	}
	return Encode(EventError, payload)
}
