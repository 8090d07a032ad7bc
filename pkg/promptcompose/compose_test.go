package promptcompose

import (
	"strings"
	"testing"

	"github.com/branchroom/server/pkg/tree"
)

func TestBuildSystemPromptCLISimulation(t *testing.T) {
	p := Params{
		Participant:   tree.Participant{Name: "Assistant", SystemPrompt: "Be helpful."},
		Format:        tree.FormatPrefill,
		MessageCount:  2,
		Model:         ModelCapabilities{Provider: "anthropic", SupportsPrefill: true},
		CLIModePrompt: DefaultCLIModePromptConfig(),
	}
	got := BuildSystemPrompt(p)
	if !strings.HasPrefix(got, cliSimulationPrefix) {
		t.Fatalf("expected CLI-simulation prefix, got %q", got)
	}
	if !strings.HasSuffix(got, "Be helpful.") {
		t.Fatalf("expected base prompt preserved, got %q", got)
	}
}

func TestBuildSystemPromptSkipsCLISimulationPastThreshold(t *testing.T) {
	p := Params{
		Participant:   tree.Participant{SystemPrompt: "Be helpful."},
		Format:        tree.FormatPrefill,
		MessageCount:  50,
		Model:         ModelCapabilities{SupportsPrefill: true},
		CLIModePrompt: DefaultCLIModePromptConfig(),
	}
	got := BuildSystemPrompt(p)
	if got != "Be helpful." {
		t.Fatalf("expected no prefix past the threshold, got %q", got)
	}
}

func TestBuildSystemPromptIdentityWhenNoCustomPromptAndMessagesMode(t *testing.T) {
	p := Params{
		Participant: tree.Participant{Name: "Nova", Mode: tree.ModeMessages},
		Format:      tree.FormatPrefill,
	}
	got := BuildSystemPrompt(p)
	want := "You are Nova. You are connected to a multi-participant chat system. Please respond in character."
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBuildSystemPromptNoIdentityWhenCustomPromptPresent(t *testing.T) {
	p := Params{
		Participant: tree.Participant{Name: "Nova", Mode: tree.ModeMessages, SystemPrompt: "Custom.", HasSystemPrompt: true},
		Format:      tree.FormatPrefill,
	}
	got := BuildSystemPrompt(p)
	if got != "Custom." {
		t.Fatalf("expected custom prompt with no identity prefix, got %q", got)
	}
}

func TestBuildSystemPromptStandardFormatUnaffected(t *testing.T) {
	p := Params{
		Participant: tree.Participant{Name: "Nova", SystemPrompt: "Be terse."},
		Format:      tree.FormatStandard,
	}
	got := BuildSystemPrompt(p)
	if got != "Be terse." {
		t.Fatalf("expected standard-format prompt untouched, got %q", got)
	}
}

func TestBuildSystemPromptIsIdempotent(t *testing.T) {
	p := Params{
		Participant:   tree.Participant{Name: "Nova", SystemPrompt: "Be helpful.", Mode: tree.ModeAuto},
		Format:        tree.FormatPrefill,
		MessageCount:  1,
		Model:         ModelCapabilities{SupportsPrefill: true},
		CLIModePrompt: DefaultCLIModePromptConfig(),
	}
	a := BuildSystemPrompt(p)
	b := BuildSystemPrompt(p)
	if a != b {
		t.Fatalf("BuildSystemPrompt must be idempotent for identical inputs: %q vs %q", a, b)
	}
}
