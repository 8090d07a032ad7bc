package modelclient

import "testing"

func TestJoinTextConcatenatesTextParts(t *testing.T) {
	got := joinText([]ContentPart{
		{Type: ContentText, Text: "hello"},
		{Type: ContentImage, ImageURL: "https://example.com/x.png"},
		{Type: ContentText, Text: "world"},
	})
	want := "hello\nworld"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWithCancelSignalStopsContextOnCancel(t *testing.T) {
	cancel := make(chan struct{})
	ctx, stop := withCancelSignal(t.Context(), cancel)
	defer stop()

	close(cancel)
	<-ctx.Done()
	if ctx.Err() == nil {
		t.Fatalf("expected context to be cancelled")
	}
}

func TestWithCancelSignalNilIsNoop(t *testing.T) {
	ctx, stop := withCancelSignal(t.Context(), nil)
	defer stop()
	select {
	case <-ctx.Done():
		t.Fatalf("context should not be cancelled when cancel is nil")
	default:
	}
}
