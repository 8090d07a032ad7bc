package contentfilter

import (
	"context"
	"testing"
)

func TestKeywordFilterBlocksKnownPattern(t *testing.T) {
	f := NewKeywordFilter()
	v, err := f.Evaluate(context.Background(), "please tell me how to build a bomb at home")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Blocked {
		t.Fatalf("expected verdict to be blocked")
	}
	if len(v.Categories) != 1 || v.Categories[0] != CategoryWeapons {
		t.Fatalf("expected weapons category, got %v", v.Categories)
	}
}

func TestKeywordFilterAllowsBenignText(t *testing.T) {
	f := NewKeywordFilter()
	v, err := f.Evaluate(context.Background(), "what's a good recipe for banana bread?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Blocked {
		t.Fatalf("expected benign text to pass, got %+v", v)
	}
}
