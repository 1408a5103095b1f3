package store

import (
	"context"
	"errors"
	"time"

	"github.com/crewvar/crewauth/internal/models"
)

// ErrNotExist is returned when no active (unused) OTP request exists
// for an e-mail.
var ErrNotExist = errors.New("no active OTP request")

// ErrConflict is returned by a conditional update when the record changed
// between read and write, typically because a concurrent verification
// already bumped the attempt counter or terminated the record.
var ErrConflict = errors.New("OTP request modified concurrently")

// Store is a durable backend for OTP request records. Records are inserted
// by the issuer and mutated by the verifier; they are never deleted in
// normal operation so that cooldown lookups retain history.
type Store interface {
	// Create persists a new request record.
	Create(ctx context.Context, req models.OTPRequest) error

	// Latest returns the most recently created unused request for the
	// e-mail, regardless of expiry. Returns ErrNotExist when there is none.
	Latest(ctx context.Context, email string) (models.OTPRequest, error)

	// IncrementAttempts bumps the attempt counter by one, conditional on
	// the record still being unused with exactly `current` attempts.
	// Returns ErrConflict if the condition no longer holds.
	IncrementAttempts(ctx context.Context, id string, current int) error

	// MarkUsed terminates a record. A non-zero verifiedAt stamps a
	// successful verification; the zero time marks expiry, attempt
	// exhaustion, or an issuer rollback.
	MarkUsed(ctx context.Context, id string, verifiedAt time.Time) error

	// Ping checks if the store is reachable.
	Ping(ctx context.Context) error
}
