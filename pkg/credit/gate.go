// Package credit decides whether a user is allowed to start a generation
// against a given model (spec §4.7). It is grounded on the teacher's
// pkg/aiprovider/provider.go, which resolves a user's usable provider
// credential before a call is made; CreditGate generalizes "has a
// credential" to the spec's three-way admission rule (own key, overspend
// capability, or positive grant balance).
package credit

import (
	"context"
	"fmt"

	"github.com/branchroom/server/pkg/store"
)

// overspendCapability is the grant capability name that lets a user chat
// without either an API key or a positive balance.
const overspendCapability = "overspend"

// Gate decides generation admission for a user/model pair.
type Gate struct {
	store store.Store
}

// NewGate builds a Gate over the given Store.
func NewGate(s store.Store) *Gate {
	return &Gate{store: s}
}

// Decision records why a gate check passed or failed, so callers can choose
// the right aierror code (insufficient_credits) on denial.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allowed reports whether userID may run a generation against model,
// following spec §4.7: allowed if the user holds their own API key for the
// model's provider, or holds the overspend capability, or has a
// strictly-positive grant balance in any currency applicable to the model.
func (g *Gate) Allowed(ctx context.Context, userID, provider, model string) (Decision, error) {
	keys, err := g.store.GetUserAPIKeys(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("credit: loading api keys: %w", err)
	}
	for _, k := range keys {
		if k.Provider == provider {
			return Decision{Allowed: true, Reason: "own_api_key"}, nil
		}
	}

	hasOverspend, err := g.store.UserHasActiveGrantCapability(ctx, userID, overspendCapability)
	if err != nil {
		return Decision{}, fmt.Errorf("credit: checking overspend capability: %w", err)
	}
	if hasOverspend {
		return Decision{Allowed: true, Reason: "overspend_capability"}, nil
	}

	currencies, err := g.store.GetApplicableGrantCurrencies(ctx, model)
	if err != nil {
		return Decision{}, fmt.Errorf("credit: resolving grant currencies: %w", err)
	}
	for _, currency := range currencies {
		summary, err := g.store.GetUserGrantSummary(ctx, userID, currency)
		if err != nil {
			return Decision{}, fmt.Errorf("credit: loading grant summary for %s: %w", currency, err)
		}
		if summary.Balance > 0 {
			return Decision{Allowed: true, Reason: "grant_balance"}, nil
		}
	}

	return Decision{Allowed: false, Reason: "insufficient_credit"}, nil
}
