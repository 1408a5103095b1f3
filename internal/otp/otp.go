// Package otp implements the one-time-passcode exchange: issuing codes
// with a per-email cooldown, dispatching them by e-mail, and verifying
// submissions against the stored salted digest with expiry and attempt
// budgets. On successful verification an identity-provider account and
// application profile are provisioned and a custom sign-in token is minted.
package otp

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/crewvar/crewauth/internal/identity"
	"github.com/crewvar/crewauth/internal/mailer"
	"github.com/crewvar/crewauth/internal/metrics"
	"github.com/crewvar/crewauth/internal/models"
	"github.com/crewvar/crewauth/internal/store"
	"github.com/zerodha/logf"
)

// Caller-visible failure classes. Each maps to a distinct RPC error code
// so the client can render a precise message.
var (
	ErrInvalidEmail    = errors.New("invalid email")
	ErrInvalidCode     = errors.New("invalid code")
	ErrCooldown        = errors.New("please wait before requesting another code")
	ErrNoActiveCode    = errors.New("no active code, request a new one")
	ErrCodeExpired     = errors.New("code expired, request a new one")
	ErrTooManyAttempts = errors.New("too many attempts, request a new code")
	ErrIncorrectCode   = errors.New("incorrect code")
)

const (
	codeLen = 6
	saltLen = 16
	idLen   = 32

	idChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

var reEmail = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Opt are runtime options for the Service.
type Opt struct {
	TTL            time.Duration
	MaxAttempts    int
	ResendCooldown time.Duration

	// Subject and Body are the e-mail templates executed with TplData.
	Subject *template.Template
	Body    *template.Template
}

// TplData is the context passed to the subject/body templates.
type TplData struct {
	Email string
	Code  string
	TTL   time.Duration
}

// Service implements the OTP issuer and verifier over a durable store, an
// identity provider, and an e-mail dispatch backend.
type Service struct {
	st  store.Store
	idp identity.Provider
	m   mailer.Mailer
	opt Opt
	lo  logf.Logger

	now func() time.Time
}

// New returns an OTP Service.
func New(st store.Store, idp identity.Provider, m mailer.Mailer, opt Opt, lo logf.Logger) *Service {
	if opt.TTL <= 0 {
		opt.TTL = 5 * time.Minute
	}
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = 5
	}
	if opt.ResendCooldown <= 0 {
		opt.ResendCooldown = time.Minute
	}

	return &Service{
		st:  st,
		idp: idp,
		m:   m,
		opt: opt,
		lo:  lo,
		now: time.Now,
	}
}

// Request validates the e-mail, enforces the per-email cooldown, persists a
// new code record, and dispatches the code by e-mail. The code itself never
// leaves the server except inside the e-mail body.
func (s *Service) Request(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		metrics.OTPRequestsTotal.WithLabelValues("invalid").Inc()
		return err
	}

	// Cooldown keys off the latest unused record regardless of expiry;
	// expiry is only evaluated at verification time.
	last, err := s.st.Latest(ctx, email)
	if err != nil && err != store.ErrNotExist {
		metrics.OTPRequestsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("error checking for active code: %w", err)
	}
	if err == nil && s.now().Sub(last.CreatedAt) < s.opt.ResendCooldown {
		metrics.OTPRequestsTotal.WithLabelValues("cooldown").Inc()
		return ErrCooldown
	}

	code, err := generateCode()
	if err != nil {
		metrics.OTPRequestsTotal.WithLabelValues("error").Inc()
		return err
	}
	salt, err := generateSalt()
	if err != nil {
		metrics.OTPRequestsTotal.WithLabelValues("error").Inc()
		return err
	}
	id, err := generateRandomString(idLen, idChars)
	if err != nil {
		metrics.OTPRequestsTotal.WithLabelValues("error").Inc()
		return err
	}

	now := s.now()
	req := models.OTPRequest{
		ID:        id,
		Email:     email,
		OTPHash:   hashCode(code, salt),
		Salt:      salt,
		Attempts:  0,
		CreatedAt: now,
		ExpiresAt: now.Add(s.opt.TTL),
	}
	if err := s.st.Create(ctx, req); err != nil {
		metrics.OTPRequestsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("error persisting code: %w", err)
	}

	if err := s.push(email, code); err != nil {
		metrics.EmailSendErrorsTotal.Inc()
		s.lo.Error("error sending code e-mail", "error", err, "mailer", s.m.ID())

		// An undeliverable code must not stay redeemable: terminate the
		// record so the user can retry immediately.
		if mErr := s.st.MarkUsed(ctx, id, time.Time{}); mErr != nil {
			s.lo.Error("error rolling back undelivered code", "error", mErr)
		}
		metrics.OTPRequestsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("error sending code: %w", err)
	}

	s.lo.Debug("code issued", "email", email)
	metrics.OTPRequestsTotal.WithLabelValues("issued").Inc()
	return nil
}

// Verify checks a submitted code against the latest active record for the
// e-mail. On success the record is terminated, an identity-provider account
// and profile are ensured, and a custom sign-in token is returned. Every
// failure path leaves the record either attempt-incremented or terminated;
// a verified code can never be replayed.
func (s *Service) Verify(ctx context.Context, email, code string) (string, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		metrics.OTPVerificationsTotal.WithLabelValues("invalid").Inc()
		return "", err
	}
	code = strings.TrimSpace(code)
	if err := validateCode(code); err != nil {
		metrics.OTPVerificationsTotal.WithLabelValues("invalid").Inc()
		return "", err
	}

	req, err := s.st.Latest(ctx, email)
	if err == store.ErrNotExist {
		metrics.OTPVerificationsTotal.WithLabelValues("not_found").Inc()
		return "", ErrNoActiveCode
	}
	if err != nil {
		metrics.OTPVerificationsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("error looking up code: %w", err)
	}

	if s.now().After(req.ExpiresAt) {
		if err := s.st.MarkUsed(ctx, req.ID, time.Time{}); err != nil {
			s.lo.Error("error terminating expired code", "error", err)
		}
		metrics.OTPVerificationsTotal.WithLabelValues("expired").Inc()
		return "", ErrCodeExpired
	}

	// The budget check runs before comparison, so MaxAttempts wrong
	// submissions are each answered with ErrIncorrectCode and the call
	// after that is rejected outright.
	if req.Attempts >= s.opt.MaxAttempts {
		if err := s.st.MarkUsed(ctx, req.ID, time.Time{}); err != nil {
			s.lo.Error("error terminating exhausted code", "error", err)
		}
		metrics.OTPVerificationsTotal.WithLabelValues("exhausted").Inc()
		return "", ErrTooManyAttempts
	}

	if !codeMatches(code, req.Salt, req.OTPHash) {
		// ErrConflict means a concurrent submission already bumped the
		// counter; the attempt is counted either way.
		if err := s.st.IncrementAttempts(ctx, req.ID, req.Attempts); err != nil && err != store.ErrConflict {
			s.lo.Error("error incrementing attempts", "error", err)
		}
		metrics.OTPVerificationsTotal.WithLabelValues("incorrect").Inc()
		return "", ErrIncorrectCode
	}

	if err := s.st.MarkUsed(ctx, req.ID, s.now()); err != nil {
		metrics.OTPVerificationsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("error consuming code: %w", err)
	}

	user, err := s.idp.EnsureUser(ctx, email)
	if err != nil {
		metrics.OTPVerificationsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("error provisioning account: %w", err)
	}
	if _, err := s.idp.EnsureProfile(ctx, user); err != nil {
		metrics.OTPVerificationsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("error provisioning profile: %w", err)
	}

	token, err := s.idp.CustomToken(user.UID)
	if err != nil {
		metrics.OTPVerificationsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("error minting token: %w", err)
	}

	s.lo.Debug("code verified", "email", email, "uid", user.UID)
	metrics.OTPVerificationsTotal.WithLabelValues("verified").Inc()
	return token, nil
}

// push renders the subject/body templates and dispatches the e-mail.
func (s *Service) push(email, code string) error {
	var (
		subj = &bytes.Buffer{}
		body = &bytes.Buffer{}

		data = TplData{
			Email: email,
			Code:  code,
			TTL:   s.opt.TTL,
		}
	)

	if s.opt.Subject != nil {
		if err := s.opt.Subject.Execute(subj, data); err != nil {
			return err
		}
	}
	if s.opt.Body != nil {
		if err := s.opt.Body.Execute(body, data); err != nil {
			return err
		}
	}

	return s.m.Push(email, subj.String(), body.Bytes())
}

// normalizeEmail trims, lower-cases, and shape-checks an e-mail address.
func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !reEmail.MatchString(email) {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// validateCode checks that a submitted code is exactly 6 ASCII digits.
func validateCode(code string) error {
	if len(code) != codeLen {
		return ErrInvalidCode
	}
	for _, ch := range code {
		if ch < '0' || ch > '9' {
			return ErrInvalidCode
		}
	}
	return nil
}

// hashCode computes the salted digest that is persisted in place of the code.
func hashCode(code, salt string) string {
	sum := sha256.Sum256([]byte(code + salt))
	return hex.EncodeToString(sum[:])
}

// codeMatches compares a submission against the stored digest in constant
// time to avoid a timing side channel.
func codeMatches(code, salt, storedHash string) bool {
	computed := hashCode(code, salt)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// generateCode returns a uniformly random 6-digit code (100000-999999).
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

// generateSalt returns a fresh random hex salt.
func generateSalt() (string, error) {
	b := make([]byte, saltLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// generateRandomString generates a cryptographically random string of
// length n from the given character set.
func generateRandomString(n int, chars string) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i, v := range b {
		b[i] = chars[v%byte(len(chars))]
	}
	return string(b), nil
}
