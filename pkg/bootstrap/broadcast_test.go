package bootstrap

import (
	"testing"

	"github.com/branchroom/server/pkg/room"
)

func TestEventPayloadMergesPayloadAndUser(t *testing.T) {
	ev := room.Event{
		RoomID:  "conv-1",
		Kind:    "message_created",
		UserID:  "user-1",
		Payload: map[string]any{"messageId": "msg-1"},
	}

	got := eventPayload(ev)

	if got["conversationId"] != "conv-1" {
		t.Errorf("conversationId = %v, want conv-1", got["conversationId"])
	}
	if got["userId"] != "user-1" {
		t.Errorf("userId = %v, want user-1", got["userId"])
	}
	if got["messageId"] != "msg-1" {
		t.Errorf("messageId = %v, want msg-1", got["messageId"])
	}
}

func TestEventPayloadOmitsUserIDWhenEmpty(t *testing.T) {
	ev := room.Event{RoomID: "conv-1", Kind: "user_left"}

	got := eventPayload(ev)

	if _, ok := got["userId"]; ok {
		t.Errorf("userId should be omitted when Event.UserID is empty, got %v", got["userId"])
	}
}

func TestEventPayloadIgnoresNonMapPayload(t *testing.T) {
	ev := room.Event{RoomID: "conv-1", Kind: "ai_generating", Payload: "not a map"}

	got := eventPayload(ev)

	if len(got) != 1 {
		t.Errorf("expected only conversationId, got %v", got)
	}
}
