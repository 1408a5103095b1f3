// Package identity abstracts the identity-provider collaborator: account
// lookup/creation by e-mail, application profile provisioning, and minting
// of the short-lived custom token the client exchanges for a full session.
package identity

import (
	"context"

	"github.com/crewvar/crewauth/internal/models"
)

// Provider is the identity backend consumed by the OTP verifier.
type Provider interface {
	// EnsureUser returns the auth account for the e-mail, creating one
	// with emailVerified=true if absent. Lookup and creation are
	// race-tolerant: two concurrent calls for the same e-mail converge
	// on one account.
	EnsureUser(ctx context.Context, email string) (models.AuthUser, error)

	// EnsureProfile returns the application profile for the account,
	// creating a default one (display name derived from the e-mail local
	// part) if absent, and otherwise marking it e-mail verified.
	EnsureProfile(ctx context.Context, user models.AuthUser) (models.Profile, error)

	// CustomToken mints a short-lived credential bound to the UID.
	CustomToken(uid string) (string, error)
}
