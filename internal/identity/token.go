package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Custom tokens are single-purpose sign-in credentials, so they carry a
// fixed audience and a short lifetime.
const tokenAudience = "crewauth/sign-in"

var ErrInvalidToken = errors.New("invalid custom token")

// Minter issues and verifies HS256-signed custom tokens bound to a UID.
type Minter struct {
	secret []byte
	issuer string
	ttl    time.Duration

	now func() time.Time
}

// NewMinter returns a Minter. ttl defaults to 5 minutes, enough for the
// client to complete the token exchange.
func NewMinter(secret []byte, issuer string, ttl time.Duration) *Minter {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Minter{
		secret: secret,
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Mint creates a signed custom token for the UID.
func (m *Minter) Mint(uid string) (string, error) {
	jti := make([]byte, 16)
	if _, err := rand.Read(jti); err != nil {
		return "", err
	}

	now := m.now()
	claims := jwt.RegisteredClaims{
		Subject:   uid,
		Issuer:    m.issuer,
		Audience:  jwt.ClaimStrings{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		ID:        hex.EncodeToString(jti),
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify parses a custom token and returns the UID it is bound to.
func (m *Minter) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	t, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithTimeFunc(func() time.Time { return m.now() }),
	)
	if err != nil || !t.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}

	return claims.Subject, nil
}
