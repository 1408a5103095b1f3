package models

import (
	"time"
)

// OTPRequest is a durable record of an outstanding one-time login code,
// keyed by the (normalized) e-mail it was issued for. The raw code is never
// stored; only its salted digest is. Records are terminated by marking them
// used and are retained afterwards for audit and cooldown lookups.
type OTPRequest struct {
	ID         string    `json:"id" bson:"_id"`
	Email      string    `json:"email" bson:"email"`
	OTPHash    string    `json:"otp_hash" bson:"otpHash"`
	Salt       string    `json:"salt" bson:"salt"`
	Used       bool      `json:"used" bson:"used"`
	Attempts   int       `json:"attempts" bson:"attempts"`
	CreatedAt  time.Time `json:"created_at" bson:"createdAt"`
	ExpiresAt  time.Time `json:"expires_at" bson:"expiresAt"`
	VerifiedAt time.Time `json:"verified_at,omitempty" bson:"verifiedAt,omitempty"`
}

// AuthUser is an identity-provider account. It is distinct from Profile,
// which is the application-level record keyed by the same UID.
type AuthUser struct {
	UID           string    `json:"uid" bson:"_id"`
	Email         string    `json:"email" bson:"email"`
	EmailVerified bool      `json:"email_verified" bson:"emailVerified"`
	Disabled      bool      `json:"disabled" bson:"disabled"`
	CreatedAt     time.Time `json:"created_at" bson:"createdAt"`
}

// Profile is the application-level user record provisioned on first
// verified sign-in.
type Profile struct {
	ID              string    `json:"id" bson:"_id"`
	Email           string    `json:"email" bson:"email"`
	DisplayName     string    `json:"display_name" bson:"displayName"`
	IsEmailVerified bool      `json:"is_email_verified" bson:"isEmailVerified"`
	IsActive        bool      `json:"is_active" bson:"isActive"`
	IsBanned        bool      `json:"is_banned" bson:"isBanned"`
	IsAdmin         bool      `json:"is_admin" bson:"isAdmin"`
	IsOnline        bool      `json:"is_online" bson:"isOnline"`
	CreatedAt       time.Time `json:"created_at" bson:"createdAt"`
	UpdatedAt       time.Time `json:"updated_at" bson:"updatedAt"`
}
