// Package pricing maps a model identifier to per-million-token input/output
// prices, grounded on the teacher's pkg/aimodels.ModelInfo per-model metadata
// shape.
package pricing

import (
	"errors"
	"sync"
)

// ErrNotConfigured is returned when a model has no price entry; the caller
// surfaces this as the pricing_not_configured taxonomy code.
var ErrNotConfigured = errors.New("pricing: model not configured")

// ModelPrice is the per-million-token price of one model, plus which grant
// currency it's billed against.
type ModelPrice struct {
	Model              string
	Currency           string
	InputPerMillion    float64
	OutputPerMillion   float64
}

// Usage is the token counts a generation actually consumed.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Pricing resolves a model id to its price and computes cost from usage.
type Pricing interface {
	Price(model string) (ModelPrice, error)
	Cost(model string, usage Usage) (costMicros int64, currency string, err error)
}

// StaticTable is a Pricing backed by an in-memory table, suitable as the
// default implementation and for tests; a production deployment can swap in
// one backed by the external Pricing service the spec treats as opaque.
type StaticTable struct {
	mu     sync.RWMutex
	prices map[string]ModelPrice
}

// NewStaticTable builds a StaticTable seeded with entries.
func NewStaticTable(entries ...ModelPrice) *StaticTable {
	t := &StaticTable{prices: make(map[string]ModelPrice, len(entries))}
	for _, e := range entries {
		t.prices[e.Model] = e
	}
	return t
}

// Set installs or replaces a model's price.
func (t *StaticTable) Set(p ModelPrice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[p.Model] = p
}

func (t *StaticTable) Price(model string) (ModelPrice, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.prices[model]
	if !ok {
		return ModelPrice{}, ErrNotConfigured
	}
	return p, nil
}

// Cost computes cost in micros of the priced currency (1,000,000 micros per
// unit) from token usage, so callers can debit without floating-point drift
// in the store layer.
func (t *StaticTable) Cost(model string, usage Usage) (int64, string, error) {
	p, err := t.Price(model)
	if err != nil {
		return 0, "", err
	}
	inputCost := float64(usage.PromptTokens) / 1_000_000 * p.InputPerMillion
	outputCost := float64(usage.CompletionTokens) / 1_000_000 * p.OutputPerMillion
	return int64((inputCost + outputCost) * 1_000_000), p.Currency, nil
}
