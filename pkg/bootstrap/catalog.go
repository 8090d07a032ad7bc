package bootstrap

import "github.com/branchroom/server/pkg/promptcompose"

// staticCatalog is the process's in-memory ModelCatalog, seeded once at
// startup from configuration the same way pkg/pricing.StaticTable is
// seeded — the two are built from the same config entries since a model's
// price and its capabilities are both fixed metadata about it (grounded on
// pkg/aimodels/model_info.go carrying both cost and capability fields on one
// per-model record).
type staticCatalog struct {
	capabilities map[string]promptcompose.ModelCapabilities
}

func newStaticCatalog(entries map[string]promptcompose.ModelCapabilities) *staticCatalog {
	return &staticCatalog{capabilities: entries}
}

func (c *staticCatalog) Capabilities(model string) promptcompose.ModelCapabilities {
	return c.capabilities[model]
}
