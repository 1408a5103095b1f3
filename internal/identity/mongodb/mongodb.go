package mongodb

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/crewvar/crewauth/internal/identity"
	"github.com/crewvar/crewauth/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collAuthUsers = "auth_users"
	collProfiles  = "users"
)

const uidChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Conf are the provider's behaviour toggles.
type Conf struct {
	// EmailVerification controls whether accounts and profiles provisioned
	// through the OTP flow are stamped as e-mail verified. The OTP exchange
	// proves mailbox ownership, so this is normally on.
	EmailVerification bool `json:"email_verification"`
}

// Provider is a MongoDB-backed identity.Provider. Auth accounts and
// application profiles live in separate collections keyed by the same UID.
type Provider struct {
	db     *mongo.Database
	minter *identity.Minter
	conf   Conf

	now func() time.Time
}

// New returns a Provider on the given database handle and ensures the
// unique e-mail index that makes account creation race-tolerant.
func New(ctx context.Context, db *mongo.Database, minter *identity.Minter, conf Conf) (*Provider, error) {
	_, err := db.Collection(collAuthUsers).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("error creating auth_users index: %w", err)
	}

	return &Provider{
		db:     db,
		minter: minter,
		conf:   conf,
		now:    time.Now,
	}, nil
}

// EnsureUser returns the auth account for the e-mail, creating one if
// absent. A duplicate-key error on insert means a concurrent call won the
// race, in which case the winner's account is fetched and returned.
func (p *Provider) EnsureUser(ctx context.Context, email string) (models.AuthUser, error) {
	var user models.AuthUser

	coll := p.db.Collection(collAuthUsers)
	err := coll.FindOne(ctx, bson.M{"email": email}).Decode(&user)
	if err == nil {
		return user, nil
	}
	if err != mongo.ErrNoDocuments {
		return user, err
	}

	uid, err := newUID()
	if err != nil {
		return user, err
	}
	user = models.AuthUser{
		UID:           uid,
		Email:         email,
		EmailVerified: p.conf.EmailVerification,
		CreatedAt:     p.now(),
	}

	if _, err := coll.InsertOne(ctx, user); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			err = coll.FindOne(ctx, bson.M{"email": email}).Decode(&user)
			return user, err
		}
		return user, fmt.Errorf("error creating auth user: %w", err)
	}
	return user, nil
}

// EnsureProfile returns the application profile for the account, creating a
// default one if absent and otherwise marking it e-mail verified when
// verification stamping is enabled.
func (p *Provider) EnsureProfile(ctx context.Context, user models.AuthUser) (models.Profile, error) {
	var (
		profile models.Profile
		coll    = p.db.Collection(collProfiles)
		now     = p.now()
	)

	err := coll.FindOne(ctx, bson.M{"_id": user.UID}).Decode(&profile)
	if err == nil {
		set := bson.M{"updatedAt": now}
		if p.conf.EmailVerification {
			set["isEmailVerified"] = true
			profile.IsEmailVerified = true
		}
		_, err = coll.UpdateOne(ctx, bson.M{"_id": user.UID}, bson.M{"$set": set})
		if err != nil {
			return profile, fmt.Errorf("error updating profile: %w", err)
		}
		profile.UpdatedAt = now
		return profile, nil
	}
	if err != mongo.ErrNoDocuments {
		return profile, err
	}

	profile = models.Profile{
		ID:              user.UID,
		Email:           user.Email,
		DisplayName:     displayName(user.Email),
		IsEmailVerified: p.conf.EmailVerification,
		IsActive:        true,
		IsOnline:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if _, err := coll.InsertOne(ctx, profile); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			err = coll.FindOne(ctx, bson.M{"_id": user.UID}).Decode(&profile)
			return profile, err
		}
		return profile, fmt.Errorf("error creating profile: %w", err)
	}
	return profile, nil
}

// CustomToken mints a short-lived credential bound to the UID.
func (p *Provider) CustomToken(uid string) (string, error) {
	return p.minter.Mint(uid)
}

// displayName derives a default display name from the e-mail local part.
func displayName(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}

// newUID generates a 28-char random identifier.
func newUID() (string, error) {
	b := make([]byte, 28)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i, v := range b {
		b[i] = uidChars[v%byte(len(uidChars))]
	}
	return string(b), nil
}
