package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/zerodha/logf"
)

// ErrProfileNotFound is returned by a ProfileFetcher when no server
// record exists for the UID, meaning the account has been deleted.
var ErrProfileNotFound = errors.New("profile not found")

// User is an identity as observed by the application, whether restored
// from the local store or delivered by the live auth stream.
type User struct {
	UID            string
	Email          string
	DisplayName    string
	EmailVerified  bool
	AccessToken    string
	TokenExpiresAt time.Time
}

// State is the reconciler's view at a point in time. Effective is the
// identity the rest of the application observes. Restored is set while a
// locally restored identity has not yet been corroborated by the live
// stream. CheckComplete gates whether live events may be applied at all.
type State struct {
	Effective     *User
	Restored      bool
	CheckComplete bool
}

// Decision is the outcome of arbitrating one live auth event against the
// current state.
type Decision int

const (
	// DecisionDefer means the local-store check has not finished yet and
	// the event must not mutate the effective identity.
	DecisionDefer Decision = iota

	// DecisionIgnore drops the event. A transient logged-out view, or a
	// live identity that contradicts the restored one, must not clobber
	// the restored session.
	DecisionIgnore

	// DecisionCorroborate accepts the event as confirmation of the
	// restored identity. The restored flag clears and the live stream is
	// authoritative from then on.
	DecisionCorroborate

	// DecisionApply accepts the event as the new effective identity,
	// including a nil event, which means sign-out.
	DecisionApply
)

// Decide arbitrates a single live-stream event against the current state.
// Pure, so the whole precedence table is testable without a stream or a
// store behind it.
func Decide(st State, live *User) Decision {
	if !st.CheckComplete {
		return DecisionDefer
	}
	if st.Restored && st.Effective != nil {
		if live == nil {
			return DecisionIgnore
		}
		if live.UID != st.Effective.UID {
			return DecisionIgnore
		}
		return DecisionCorroborate
	}
	return DecisionApply
}

// AccountState is a terminal account condition discovered after a
// successful sign-in. These are not errors; banned and deactivated
// accounts stay signed in and the UI surfaces the reason. A deleted
// account forces a sign-out.
type AccountState int

const (
	AccountActive AccountState = iota
	AccountBanned
	AccountDeactivated
	AccountDeleted
)

func (a AccountState) String() string {
	switch a {
	case AccountBanned:
		return "banned"
	case AccountDeactivated:
		return "deactivated"
	case AccountDeleted:
		return "deleted"
	}
	return "active"
}

// ProfileFetcher reads the authoritative server profile for a UID.
// An ErrProfileNotFound return means the account has been deleted.
type ProfileFetcher interface {
	Profile(ctx context.Context, uid string) (Profile, error)
}

// AuthClient is the slice of the auth backend the reconciler needs to
// force a sign-out.
type AuthClient interface {
	SignOut(ctx context.Context) error
}

// Reconciler owns the effective identity. It restores the persisted
// session on startup and then arbitrates every live-stream event through
// Decide. All state mutation happens on the Run goroutine; reads take a
// snapshot under the lock.
type Reconciler struct {
	mgr  *Manager
	pf   ProfileFetcher
	auth AuthClient
	lo   logf.Logger

	// loadingTimeout bounds how long the loading flag may stay up while
	// waiting for the first live event.
	loadingTimeout time.Duration

	events chan *User

	mu       sync.RWMutex
	state    State
	account  AccountState
	loading  bool
	firstEvt bool
}

type ReconcilerOpt struct {
	// LoadingTimeout defaults to 15s.
	LoadingTimeout time.Duration
}

func NewReconciler(mgr *Manager, pf ProfileFetcher, auth AuthClient, opt ReconcilerOpt, lo logf.Logger) *Reconciler {
	if opt.LoadingTimeout <= 0 {
		opt.LoadingTimeout = 15 * time.Second
	}
	return &Reconciler{
		mgr:            mgr,
		pf:             pf,
		auth:           auth,
		lo:             lo,
		loadingTimeout: opt.LoadingTimeout,
		events:         make(chan *User, 8),
		loading:        true,
	}
}

// OnAuthState feeds one live-stream notification. A nil user means the
// stream currently sees no authenticated identity.
func (r *Reconciler) OnAuthState(u *User) {
	r.events <- u
}

// CurrentUser returns the effective identity, or nil when signed out.
func (r *Reconciler) CurrentUser() *User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state.Effective == nil {
		return nil
	}
	u := *r.state.Effective
	return &u
}

// Loading reports whether the initial resolution is still in flight.
func (r *Reconciler) Loading() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loading
}

// Account returns the terminal account condition, if any.
func (r *Reconciler) Account() AccountState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.account
}

// SignOut clears the effective identity and the persisted session, and
// signs out of the auth backend.
func (r *Reconciler) SignOut(ctx context.Context) error {
	r.mu.Lock()
	r.state.Effective = nil
	r.state.Restored = false
	r.account = AccountActive
	r.mu.Unlock()

	if err := r.mgr.Clear(); err != nil {
		r.lo.Error("error clearing stored session", "error", err)
	}
	if r.auth != nil {
		return r.auth.SignOut(ctx)
	}
	return nil
}

// Run restores the persisted session and then consumes live-stream events
// until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.restore()

	timeout := time.NewTimer(r.loadingTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-r.events:
			r.handle(ctx, u)
		case <-timeout.C:
			// Liveness backstop. The UI must not spin forever waiting
			// for a stream that never speaks.
			r.mu.Lock()
			if r.loading {
				r.lo.Warn("auth resolution timed out, clearing loading state")
				r.loading = false
			}
			r.mu.Unlock()
		}
	}
}

// restore attempts to synthesize an effective identity from the local
// store before any live event is applied.
func (r *Reconciler) restore() {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, _, err := r.mgr.Load()
	if err != nil {
		if !errors.Is(err, ErrNoSession) {
			r.lo.Info("no restorable session", "reason", err)
		}
		r.state.CheckComplete = true
		return
	}

	r.state.Effective = &User{
		UID:            sess.UID,
		Email:          sess.Email,
		DisplayName:    sess.DisplayName,
		EmailVerified:  sess.EmailVerified,
		AccessToken:    sess.AccessToken,
		TokenExpiresAt: sess.TokenExpiresAt,
	}
	r.state.Restored = true
	r.state.CheckComplete = true
	r.lo.Info("restored session", "uid", sess.UID)
}

func (r *Reconciler) handle(ctx context.Context, live *User) {
	r.mu.Lock()
	d := Decide(r.state, live)

	if !r.firstEvt {
		r.firstEvt = true
		if r.state.CheckComplete {
			r.loading = false
		}
	}

	switch d {
	case DecisionDefer, DecisionIgnore:
		r.mu.Unlock()
		r.lo.Debug("dropped auth event", "decision", int(d), "live", live != nil)
		return
	case DecisionCorroborate:
		r.state.Restored = false
		r.lo.Info("live stream corroborated restored session", "uid", live.UID)
	}

	if live == nil {
		r.state.Effective = nil
		r.state.Restored = false
		r.account = AccountActive
		r.mu.Unlock()

		if err := r.mgr.Clear(); err != nil {
			r.lo.Error("error clearing stored session", "error", err)
		}
		return
	}

	u := *live
	r.state.Effective = &u
	r.mu.Unlock()

	r.adopt(ctx, &u)
}

// adopt fetches the authoritative profile for a newly effective identity,
// evaluates the account condition, and persists the session snapshot.
func (r *Reconciler) adopt(ctx context.Context, u *User) {
	var (
		prof    Profile
		account = AccountActive
	)

	if r.pf != nil {
		p, err := r.pf.Profile(ctx, u.UID)
		switch {
		case err == nil:
			prof = p
			if u.DisplayName == "" {
				u.DisplayName = p.DisplayName
			}
			if p.IsBanned {
				account = AccountBanned
			} else if !p.IsActive {
				account = AccountDeactivated
			}
		case errors.Is(err, ErrProfileNotFound):
			account = AccountDeleted
		default:
			// Transient fetch failure. Keep the identity, go without a
			// profile snapshot.
			r.lo.Error("error fetching profile", "uid", u.UID, "error", err)
		}
	}

	if account == AccountDeleted {
		r.lo.Warn("account deleted upstream, signing out", "uid", u.UID)
		r.mu.Lock()
		r.state.Effective = nil
		r.state.Restored = false
		r.account = AccountDeleted
		r.mu.Unlock()

		if err := r.mgr.Clear(); err != nil {
			r.lo.Error("error clearing stored session", "error", err)
		}
		if r.auth != nil {
			if err := r.auth.SignOut(ctx); err != nil {
				r.lo.Error("error signing out", "error", err)
			}
		}
		return
	}

	r.mu.Lock()
	r.state.Effective = u
	r.account = account
	r.mu.Unlock()

	err := r.mgr.Save(Stored{
		UID:            u.UID,
		Email:          u.Email,
		DisplayName:    displayNameOr(u),
		EmailVerified:  u.EmailVerified,
		AccessToken:    u.AccessToken,
		TokenExpiresAt: u.TokenExpiresAt,
	}, prof)
	if err != nil {
		r.lo.Error("error persisting session", "uid", u.UID, "error", err)
	}
}

func displayNameOr(u *User) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	if at := strings.IndexByte(u.Email, '@'); at > 0 {
		return u.Email[:at]
	}
	return u.Email
}
