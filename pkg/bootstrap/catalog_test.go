package bootstrap

import (
	"testing"

	"github.com/branchroom/server/pkg/promptcompose"
)

func TestStaticCatalogCapabilities(t *testing.T) {
	cat := newStaticCatalog(map[string]promptcompose.ModelCapabilities{
		"gpt-5": {Provider: "openai", SupportsPrefill: false},
	})

	got := cat.Capabilities("gpt-5")
	if got.Provider != "openai" {
		t.Errorf("Provider = %q, want openai", got.Provider)
	}

	unknown := cat.Capabilities("does-not-exist")
	if unknown != (promptcompose.ModelCapabilities{}) {
		t.Errorf("unknown model should return zero value, got %+v", unknown)
	}
}
