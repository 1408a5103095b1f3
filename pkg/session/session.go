// Package session keeps the device-local record of the last known
// authenticated identity, independent of the live auth stream, and
// arbitrates between the two on startup and on every stream event.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/zerodha/logf"
)

const (
	keySession      = "session"
	keyProfile      = "profile"
	keyLastActivity = "last_activity"
	keySig          = "session_sig"

	// defaultMaxAge is how long a persisted session stays redeemable,
	// regardless of token lifetime.
	defaultMaxAge = 30 * 24 * time.Hour
)

var (
	ErrNoSession = errors.New("no stored session")

	// ErrIntegrity and ErrExpired both resolve to "no session" for the
	// caller; they exist so the condition can be logged distinctly.
	ErrIntegrity = errors.New("stored session failed integrity check")
	ErrExpired   = errors.New("stored session expired")
)

// Profile is the cached snapshot of the server-side user record. The
// server record is authoritative; this exists only to skip a network
// round trip on cold start.
type Profile struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	DisplayName     string    `json:"display_name"`
	IsEmailVerified bool      `json:"is_email_verified"`
	IsActive        bool      `json:"is_active"`
	IsBanned        bool      `json:"is_banned"`
	IsAdmin         bool      `json:"is_admin"`
	IsOnline        bool      `json:"is_online"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Stored is the persisted snapshot of the last signed-in identity.
// AccessToken is a cache only. An expired token does not invalidate the
// session; it is stripped on load and the caller refreshes it.
type Stored struct {
	UID            string    `json:"uid"`
	Email          string    `json:"email"`
	DisplayName    string    `json:"display_name"`
	EmailVerified  bool      `json:"email_verified"`
	AccessToken    string    `json:"access_token,omitempty"`
	TokenExpiresAt time.Time `json:"token_expires_at,omitempty"`
	SavedAt        time.Time `json:"saved_at"`
}

// KV is the minimal durable key/value surface the manager persists to.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error

	// Delete removes the given keys as a group.
	Delete(keys ...string) error
}

// Manager reads and writes the session snapshot, its cached profile, and
// the integrity tag that guards them.
type Manager struct {
	kv     KV
	secret []byte
	maxAge time.Duration
	lo     logf.Logger

	now func() time.Time
}

func NewManager(kv KV, secret []byte, maxAge time.Duration, lo logf.Logger) *Manager {
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	return &Manager{
		kv:     kv,
		secret: secret,
		maxAge: maxAge,
		lo:     lo,
		now:    time.Now,
	}
}

// Save overwrites the stored session and profile and stamps last activity.
func (m *Manager) Save(sess Stored, prof Profile) error {
	if sess.SavedAt.IsZero() {
		sess.SavedAt = m.now()
	}

	sb, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	pb, err := json.Marshal(prof)
	if err != nil {
		return err
	}

	if err := m.kv.Set(keySession, sb); err != nil {
		return err
	}
	if err := m.kv.Set(keySig, []byte(m.sign(sb))); err != nil {
		return err
	}
	if err := m.kv.Set(keyProfile, pb); err != nil {
		return err
	}
	return m.Touch()
}

// Load returns the stored session and profile if the stored snapshot passes
// the integrity check and is within the session window. A tampered or
// expired snapshot is erased and reported as absent thereafter.
func (m *Manager) Load() (Stored, Profile, error) {
	sb, ok, err := m.kv.Get(keySession)
	if err != nil {
		return Stored{}, Profile{}, err
	}
	if !ok {
		return Stored{}, Profile{}, ErrNoSession
	}

	sig, ok, err := m.kv.Get(keySig)
	if err != nil {
		return Stored{}, Profile{}, err
	}
	if !ok || !hmac.Equal([]byte(m.sign(sb)), sig) {
		m.lo.Warn("stored session failed integrity check, discarding")
		m.Clear()
		return Stored{}, Profile{}, ErrIntegrity
	}

	var sess Stored
	if err := json.Unmarshal(sb, &sess); err != nil {
		m.lo.Warn("stored session is malformed, discarding", "error", err)
		m.Clear()
		return Stored{}, Profile{}, ErrIntegrity
	}

	if m.now().Sub(sess.SavedAt) > m.maxAge {
		m.lo.Info("stored session expired", "saved_at", sess.SavedAt)
		m.Clear()
		return Stored{}, Profile{}, ErrExpired
	}

	// Token expiry is advisory. Drop the stale token but keep the session.
	if sess.AccessToken != "" && !sess.TokenExpiresAt.IsZero() && m.now().After(sess.TokenExpiresAt) {
		sess.AccessToken = ""
		sess.TokenExpiresAt = time.Time{}
	}

	// The cached profile is best-effort. A missing or corrupt cache does
	// not invalidate the session.
	var prof Profile
	if pb, ok, err := m.kv.Get(keyProfile); err == nil && ok {
		if err := json.Unmarshal(pb, &prof); err != nil {
			prof = Profile{}
		}
	}

	return sess, prof, nil
}

// Touch stamps the last-activity time. Called on app-foreground events.
func (m *Manager) Touch() error {
	b, err := json.Marshal(m.now())
	if err != nil {
		return err
	}
	return m.kv.Set(keyLastActivity, b)
}

// LastActivity returns the last recorded foreground time, if any.
func (m *Manager) LastActivity() (time.Time, bool) {
	b, ok, err := m.kv.Get(keyLastActivity)
	if err != nil || !ok {
		return time.Time{}, false
	}
	var ts time.Time
	if err := json.Unmarshal(b, &ts); err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// Clear erases the session, profile, activity, and tag as a group.
func (m *Manager) Clear() error {
	return m.kv.Delete(keySession, keyProfile, keyLastActivity, keySig)
}

func (m *Manager) sign(payload []byte) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
