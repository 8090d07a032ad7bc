// Package contentfilter evaluates text blocks for disallowed content (spec
// §1, §4.6 preflight, §4.8 step 5). The teacher has no analogous concern of
// its own (it bridges to a third-party model provider and leaves moderation
// to it); this is new code written in the idiom the teacher uses elsewhere
// for pattern libraries — a table of named regexps, see
// pkg/aierrors/errors.go's maxContextPattern/resultedTokensPattern family.
package contentfilter

import (
	"context"
	"regexp"
)

// Category names one kind of blocked content.
type Category string

const (
	CategorySelfHarm     Category = "self_harm"
	CategoryWeapons      Category = "weapons"
	CategoryCSAM         Category = "csam"
	CategoryHateSpeech   Category = "hate_speech"
)

// Verdict is the result of evaluating one block of text.
type Verdict struct {
	Blocked    bool
	Reason     string
	Categories []Category
}

// Filter evaluates text for disallowed content. The production deployment
// is expected to delegate to an external moderation service; Filter is kept
// as a narrow interface so ConversationOps and GenerationCoordinator never
// need to know which.
type Filter interface {
	Evaluate(ctx context.Context, text string) (Verdict, error)
}

type rule struct {
	category Category
	pattern  *regexp.Regexp
	reason   string
}

// KeywordFilter is a conservative, regexp-driven Filter suitable as a
// default implementation and for tests.
type KeywordFilter struct {
	rules []rule
}

// NewKeywordFilter returns a KeywordFilter with a baseline rule set covering
// the categories most often required by a content_blocked response.
func NewKeywordFilter() *KeywordFilter {
	return &KeywordFilter{rules: []rule{
		{CategorySelfHarm, regexp.MustCompile(`(?i)\b(how to (kill|hurt) (myself|yourself)|suicide method)\b`), "self-harm instructions"},
		{CategoryWeapons, regexp.MustCompile(`(?i)\b(build|make) (a |an )?(bomb|explosive device)\b`), "weapon construction instructions"},
		{CategoryCSAM, regexp.MustCompile(`(?i)\bchild (sexual|porn)`), "sexual content involving minors"},
		{CategoryHateSpeech, regexp.MustCompile(`(?i)\ball (\w+ )?(people|immigrants|jews|muslims) (should|deserve to) die\b`), "hateful violent rhetoric"},
	}}
}

// Evaluate checks text against every rule, returning the first match; it
// never returns an error (a real moderation-API-backed Filter would).
func (f *KeywordFilter) Evaluate(_ context.Context, text string) (Verdict, error) {
	for _, r := range f.rules {
		if r.pattern.MatchString(text) {
			return Verdict{Blocked: true, Reason: r.reason, Categories: []Category{r.category}}, nil
		}
	}
	return Verdict{}, nil
}
