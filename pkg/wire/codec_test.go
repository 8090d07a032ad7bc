package wire

import (
	"encoding/json"
	"testing"
)

func TestDecodePing(t *testing.T) {
	f, err := Decode([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Type != TypePing {
		t.Fatalf("expected ping, got %s", f.Type)
	}
}

func TestDecodeChatRequiresFields(t *testing.T) {
	_, err := Decode([]byte(`{"type":"chat","conversationId":"c1"}`))
	if err == nil {
		t.Fatalf("expected error for missing messageId")
	}
}

func TestDecodeChatHappyPath(t *testing.T) {
	f, err := Decode([]byte(`{"type":"chat","conversationId":"c1","messageId":"m1","content":"hi","hiddenFromAi":true,"samplingBranches":3}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Chat == nil || f.Chat.Content != "hi" || !f.Chat.HiddenFromAi || f.Chat.SamplingBranches != 3 {
		t.Fatalf("unexpected chat payload: %+v", f.Chat)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"nonsense"}`))
	if err == nil {
		t.Fatalf("expected error for unrecognized type")
	}
	if _, ok := err.(*DecodeError); !ok {
		t.Fatalf("expected *DecodeError, got %T", err)
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	if err == nil {
		t.Fatalf("expected error for malformed JSON")
	}
}

func TestEncodeFlattensPayloadAlongsideType(t *testing.T) {
	b, err := Encode(EventStream, map[string]any{"messageId": "m1", "content": "chunk"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded["type"] != string(EventStream) || decoded["messageId"] != "m1" {
		t.Fatalf("unexpected encoded frame: %v", decoded)
	}
}

func TestEncodeErrorOmitsEmptySuggestion(t *testing.T) {
	b, err := EncodeError("not_found", "nope", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, present := decoded["suggestion"]; present {
		t.Fatalf("did not expect a suggestion key")
	}
}
