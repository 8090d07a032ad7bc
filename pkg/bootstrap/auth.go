package bootstrap

import (
	"context"

	"github.com/branchroom/server/pkg/store"
	"github.com/branchroom/server/pkg/transport"
)

// StoreAuthenticator is the minimal pkg/transport.Authenticator this binary
// ships: real session-token issuance, email/registration, and admin
// authentication are explicit Non-goals of this core (spec §2), so the
// handshake token is treated opaquely as a username and resolved straight
// against the Store. A deployment that fronts this server with its own
// auth layer replaces this with one that verifies a signed session token
// instead.
type StoreAuthenticator struct {
	store store.Store
}

// NewStoreAuthenticator builds a StoreAuthenticator over s.
func NewStoreAuthenticator(s store.Store) *StoreAuthenticator {
	return &StoreAuthenticator{store: s}
}

var _ transport.Authenticator = (*StoreAuthenticator)(nil)

func (a *StoreAuthenticator) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", transport.ErrAuthFailed
	}
	u, err := a.store.GetUserByUsername(ctx, token)
	if err != nil {
		return "", transport.ErrAuthFailed
	}
	return u.ID, nil
}
