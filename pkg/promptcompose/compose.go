// Package promptcompose builds the system prompt delivered with a model
// call, grounded on the teacher's pkg/agents/prompt.go flat-params style and
// pkg/agents/system_prompt_openclaw.go's conditional-prefix composition,
// adapted to the two prefixes spec §4.5 actually defines.
package promptcompose

import (
	"strings"

	"github.com/branchroom/server/pkg/tree"
)

// ModelCapabilities describes what the target model supports, as far as
// SystemPromptComposer needs to know.
type ModelCapabilities struct {
	Provider                string
	SupportsPrefill         bool
	RequiresAgeVerification bool
}

// CLIModePromptConfig gates the CLI-simulation prefix (spec §4.5 defaults).
type CLIModePromptConfig struct {
	Enabled          bool
	MessageThreshold int
}

// DefaultCLIModePromptConfig returns the spec's documented defaults.
func DefaultCLIModePromptConfig() CLIModePromptConfig {
	return CLIModePromptConfig{Enabled: true, MessageThreshold: 10}
}

// Params is everything BuildSystemPrompt needs, following the teacher's flat
// SystemPromptParams shape (one struct, one function, no hidden globals).
type Params struct {
	Participant       tree.Participant
	Format            tree.ConversationFormat
	MessageCount      int
	Model             ModelCapabilities
	CLIModePrompt     CLIModePromptConfig
	PrefillProviders  map[string]bool // providers treated as prefill-capable regardless of the model flag
}

// cliSimulationPrefix is prepended when the conversation is being driven in
// a CLI-emulation style at the start of a prefill conversation.
const cliSimulationPrefix = "You are operating in a simulated command-line environment. " +
	"Respond as the system would, staying fully in character for the tools and output format implied by the conversation so far."

// BuildSystemPrompt composes the effective system prompt for one participant
// (spec §4.5). It is a pure function of its params and is idempotent:
// re-applying it to its own output leaves the string unchanged, because a
// prefix already present in the participant's prompt is not added again.
func BuildSystemPrompt(p Params) string {
	base := p.Participant.SystemPrompt

	var prefixes []string
	if shouldApplyCLISimulation(p) && !strings.Contains(base, cliSimulationPrefix) {
		prefixes = append(prefixes, cliSimulationPrefix)
	}
	if shouldApplyIdentity(p) {
		if identity := identityPrefix(p.Participant.Name); !strings.Contains(base, identity) {
			prefixes = append(prefixes, identity)
		}
	}

	return joinWithPrefixes(prefixes, base)
}

func shouldApplyCLISimulation(p Params) bool {
	if p.Format != tree.FormatPrefill {
		return false
	}
	cfg := p.CLIModePrompt
	if cfg == (CLIModePromptConfig{}) {
		cfg = DefaultCLIModePromptConfig()
	}
	if !cfg.Enabled {
		return false
	}
	if p.MessageCount >= cfg.MessageThreshold {
		return false
	}
	if !modelSupportsPrefill(p) {
		return false
	}
	switch p.Participant.Mode {
	case "", tree.ModeAuto, tree.ModePrefill:
		return true
	default:
		return false
	}
}

func shouldApplyIdentity(p Params) bool {
	if p.Format != tree.FormatPrefill {
		return false
	}
	if p.Participant.HasSystemPrompt && p.Participant.SystemPrompt != "" {
		return false
	}
	return effectiveMode(p) == tree.ModeMessages
}

// effectiveMode resolves the participant's conversationMode: an explicit
// messages/completion mode always wins; auto/unset resolves to messages
// only when the model lacks prefill support, and to prefill otherwise.
func effectiveMode(p Params) tree.ConversationMode {
	switch p.Participant.Mode {
	case tree.ModeMessages, tree.ModeCompletion:
		return tree.ModeMessages
	case tree.ModePrefill:
		return tree.ModePrefill
	default:
		if modelSupportsPrefill(p) {
			return tree.ModePrefill
		}
		return tree.ModeMessages
	}
}

func modelSupportsPrefill(p Params) bool {
	if p.Model.SupportsPrefill {
		return true
	}
	return p.PrefillProviders[p.Model.Provider]
}

func identityPrefix(name string) string {
	if name == "" {
		name = "the assistant"
	}
	return "You are " + name + ". You are connected to a multi-participant chat system. Please respond in character."
}

func joinWithPrefixes(prefixes []string, base string) string {
	if len(prefixes) == 0 {
		return base
	}
	out := prefixes[0]
	for _, p := range prefixes[1:] {
		out += "\n\n" + p
	}
	if base != "" {
		out += "\n\n" + base
	}
	return out
}
