package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ledgerdesk/sessiond/internal/gateway"
	"github.com/ledgerdesk/sessiond/internal/infrastructure/logging"
)

// logoutTimeout bounds the best-effort backend logout call.
const logoutTimeout = 5 * time.Second

// Backend is the slice of the gateway the state machine drives. Narrowed to
// an interface so tests can authenticate against a scripted backend.
type Backend interface {
	Login(ctx context.Context, identity, secret string) (*gateway.LoginResult, error)
	Verify(ctx context.Context, code, verificationToken string) (*gateway.VerifyResult, error)
	Logout(ctx context.Context, token string) error
	Profile(ctx context.Context) (*gateway.UserRecord, error)
}

// Store is the slice of the state store the machine persists through.
type Store interface {
	SaveSession(ctx context.Context, blob []byte) error
	LoadSession(ctx context.Context) ([]byte, bool, error)
	ClearSession(ctx context.Context) error
}

// Manager owns the session state machine. It is the only component that
// mutates session state; every transition commits atomically and observers
// receive complete snapshots after the commit.
type Manager struct {
	mu      sync.RWMutex
	state   State
	gen     uint64 // bumped on logout; in-flight results from older generations are dropped
	backend Backend
	store   Store
	logger  *logging.Logger
	policy  SuccessPolicy

	listeners  map[int]func(Update)
	nextListen int
}

// NewManager creates the state machine in the logged-out initial state.
// Hydrate restores persisted state; it is a separate step so the composition
// root controls when the one-time restore runs.
func NewManager(backend Backend, store Store, policy SuccessPolicy, logger *logging.Logger) *Manager {
	if policy == nil {
		policy = FlagThenToken
	}
	return &Manager{
		state:     State{Step: StepCredentials},
		backend:   backend,
		store:     store,
		logger:    logger.With("component", "session"),
		policy:    policy,
		listeners: make(map[int]func(Update)),
	}
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe registers a listener invoked after every committed transition.
// The returned function unsubscribes.
func (m *Manager) Subscribe(fn func(Update)) func() {
	m.mu.Lock()
	id := m.nextListen
	m.nextListen++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// snapshotLocked builds the update and listener list for a commit.
// Callers must hold the write lock and dispatch after unlocking.
func (m *Manager) snapshotLocked(reason string) (Update, []func(Update)) {
	update := Update{State: m.state, Reason: reason}
	fns := make([]func(Update), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	return update, fns
}

// dispatch invokes listeners outside the lock.
func (m *Manager) dispatch(fns []func(Update), update Update) {
	for _, fn := range fns {
		fn(update)
	}
}

// persistedState is the durable session blob. Volatile fields (loading,
// last error, verification token) are never persisted.
type persistedState struct {
	Authenticated          bool                `json:"authenticated"`
	Step                   LoginStep           `json:"step"`
	AccessToken            string              `json:"access_token"`
	RefreshToken           string              `json:"refresh_token,omitempty"`
	User                   *gateway.UserRecord `json:"user,omitempty"`
	ChangePasswordRequired bool                `json:"change_password_required,omitempty"`
}

// persistLocked writes the durable blob. Callers must hold the write lock.
func (m *Manager) persistLocked(ctx context.Context) {
	blob, err := json.Marshal(persistedState{
		Authenticated:          m.state.Authenticated,
		Step:                   m.state.Step,
		AccessToken:            m.state.AccessToken,
		RefreshToken:           m.state.RefreshToken,
		User:                   m.state.User,
		ChangePasswordRequired: m.state.ChangePasswordRequired,
	})
	if err != nil {
		m.logger.Error("marshalling session blob", "error", err)
		return
	}
	if err := m.store.SaveSession(ctx, blob); err != nil {
		m.logger.Warn("persisting session blob", "error", err)
	}
}

// Hydrate restores the session from persisted storage. It runs once, before
// the first protected render; repeated calls are no-ops. Only a completed
// session with a usable token is restored; anything else hydrates to the
// logged-out state.
func (m *Manager) Hydrate(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Hydrated {
		m.mu.Unlock()
		return nil
	}

	blob, ok, err := m.store.LoadSession(ctx)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("loading persisted session: %w", err)
	}

	if ok {
		var p persistedState
		if jsonErr := json.Unmarshal(blob, &p); jsonErr != nil {
			m.logger.Warn("persisted session blob is corrupt, discarding", "error", jsonErr)
			ok = false
		} else if restorable(p) {
			m.state.Step = StepCompleted
			m.state.Authenticated = true
			m.state.AccessToken = p.AccessToken
			m.state.RefreshToken = p.RefreshToken
			m.state.User = p.User
			m.state.ChangePasswordRequired = p.ChangePasswordRequired
		} else {
			ok = false
		}
	}

	if !ok {
		// Stale or unusable blob: drop it so the next start is clean.
		if clearErr := m.store.ClearSession(ctx); clearErr != nil {
			m.logger.Warn("clearing stale session blob", "error", clearErr)
		}
	}

	m.state.Hydrated = true
	m.state.Loading = false
	update, fns := m.snapshotLocked("")
	m.mu.Unlock()

	m.dispatch(fns, update)
	m.logger.Info("session hydrated", "authenticated", update.State.Authenticated)
	return nil
}

// restorable decides whether a persisted blob represents a session worth
// resuming: completed, with an access token that is either unexpired or
// refreshable.
func restorable(p persistedState) bool {
	if !p.Authenticated || p.Step != StepCompleted || p.AccessToken == "" {
		return false
	}
	expiry, err := tokenExpiry(p.AccessToken)
	if err == nil && time.Now().After(expiry) && p.RefreshToken == "" {
		return false
	}
	return true
}

// SubmitCredentials runs the credentials step. On success the machine moves
// to the verification step holding the verification token; on failure it
// stays put with the classified error recorded.
func (m *Manager) SubmitCredentials(ctx context.Context, identity, secret string) error {
	m.mu.Lock()
	if m.state.Step != StepCredentials {
		m.mu.Unlock()
		return fmt.Errorf("%w: credentials submitted in step %q", ErrPrecondition, m.state.Step)
	}
	gen := m.gen
	m.state.Loading = true
	m.state.LastErr = nil
	update, fns := m.snapshotLocked("")
	m.mu.Unlock()
	m.dispatch(fns, update)

	result, err := m.backend.Login(ctx, identity, secret)

	m.mu.Lock()
	if gen != m.gen {
		// Logged out while the call was in flight; the result is void.
		m.mu.Unlock()
		return nil
	}

	if err == nil && result.VerificationToken == "" {
		err = &gateway.Error{
			Kind:    gateway.KindServer,
			Code:    "no_verification_token",
			Message: "login response carried no verification token",
		}
	}

	if err != nil {
		m.state.Loading = false
		m.state.LastErr = err
		update, fns = m.snapshotLocked("")
		m.mu.Unlock()
		m.dispatch(fns, update)
		return err
	}

	m.state.Step = StepVerification
	m.state.VerificationToken = result.VerificationToken
	if result.ChangePasswordRequired {
		m.state.ChangePasswordRequired = true
	}
	if result.User != nil {
		m.state.User = result.User
	}
	m.state.Loading = false
	m.state.LastErr = nil
	update, fns = m.snapshotLocked("")
	m.mu.Unlock()

	m.dispatch(fns, update)
	m.logger.Info("credentials accepted, awaiting verification")
	return nil
}

// SubmitVerification runs the verification step. It requires the machine to
// be in the verification step with a verification token; anywhere else it
// fails with ErrPrecondition and mutates nothing.
func (m *Manager) SubmitVerification(ctx context.Context, code string) error {
	m.mu.Lock()
	if m.state.Step != StepVerification || m.state.VerificationToken == "" {
		m.mu.Unlock()
		return fmt.Errorf("%w: verification submitted in step %q", ErrPrecondition, m.state.Step)
	}
	gen := m.gen
	verificationToken := m.state.VerificationToken
	m.state.Loading = true
	m.state.LastErr = nil
	update, fns := m.snapshotLocked("")
	m.mu.Unlock()
	m.dispatch(fns, update)

	result, err := m.backend.Verify(ctx, code, verificationToken)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return nil
	}

	// The policy judges the response; completion additionally requires a
	// token, since an authenticated session cannot exist without one.
	if err == nil && (!m.policy(result) || result.AccessToken == "") {
		err = &gateway.Error{
			Kind:    gateway.KindAuth,
			Code:    "verification_failed",
			Message: "verification was not accepted",
		}
	}

	if err != nil {
		// Stay in the verification step so the code can be retried.
		m.state.Loading = false
		m.state.LastErr = err
		update, fns = m.snapshotLocked("")
		m.mu.Unlock()
		m.dispatch(fns, update)
		return err
	}

	m.state.Step = StepCompleted
	m.state.Authenticated = true
	m.state.AccessToken = result.AccessToken
	m.state.RefreshToken = result.RefreshToken
	m.state.VerificationToken = ""
	if result.ChangePasswordRequired {
		m.state.ChangePasswordRequired = true
	}
	if result.User != nil {
		m.state.User = result.User
	}
	m.state.Loading = false
	m.state.LastErr = nil
	m.persistLocked(ctx)
	update, fns = m.snapshotLocked("")
	m.mu.Unlock()

	m.dispatch(fns, update)
	m.logger.Info("session established", "user", userID(update.State.User))
	return nil
}

// Logout ends the session: local state resets immediately and the backend is
// told best-effort in the background. Safe to call from any step; calling it
// on an already logged-out machine does nothing.
func (m *Manager) Logout(ctx context.Context, reason string) {
	m.logout(ctx, reason, true)
}

// ForceLogout implements gateway.TokenSource. It skips the backend call: it
// runs when the token is already known to be dead (refresh failure, failed
// re-validation).
func (m *Manager) ForceLogout(ctx context.Context, reason string) {
	m.logout(ctx, reason, false)
}

func (m *Manager) logout(ctx context.Context, reason string, notifyBackend bool) {
	m.mu.Lock()
	if m.loggedOutLocked() {
		m.mu.Unlock()
		return
	}

	oldToken := m.state.AccessToken
	m.gen++
	m.state = State{
		Step:                   StepCredentials,
		Hydrated:               m.state.Hydrated,
		ChangePasswordRequired: m.state.ChangePasswordRequired,
	}
	if err := m.store.ClearSession(ctx); err != nil {
		m.logger.Warn("clearing persisted session", "error", err)
	}
	update, fns := m.snapshotLocked(reason)
	m.mu.Unlock()

	m.dispatch(fns, update)
	m.logger.Info("logged out", "reason", reason)

	if notifyBackend && oldToken != "" {
		// Network failure here is swallowed; the local transition is
		// already committed and must never block on the backend.
		go func() {
			callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
			defer cancel()
			if err := m.backend.Logout(callCtx, oldToken); err != nil {
				m.logger.Debug("best-effort backend logout failed", "error", err)
			}
		}()
	}
}

// loggedOutLocked reports whether the machine is already in the empty
// logged-out state. Callers must hold a lock.
func (m *Manager) loggedOutLocked() bool {
	return m.state.Step == StepCredentials &&
		!m.state.Authenticated &&
		!m.state.Loading &&
		m.state.AccessToken == "" &&
		m.state.VerificationToken == "" &&
		m.state.User == nil
}

// ResetToCredentials is the "go back" action from the verification step. It
// clears the verification token and error without contacting the network.
// A completed session is not reset this way; that is what Logout is for.
func (m *Manager) ResetToCredentials() {
	m.mu.Lock()
	if m.state.Step == StepCompleted {
		m.mu.Unlock()
		m.logger.Debug("reset ignored for completed session")
		return
	}
	m.state.Step = StepCredentials
	m.state.VerificationToken = ""
	m.state.LastErr = nil
	m.state.Loading = false
	update, fns := m.snapshotLocked("")
	m.mu.Unlock()
	m.dispatch(fns, update)
}

// FetchProfile refreshes the user record from the backend. A logout while
// the fetch is in flight voids the response: it must not repopulate a
// session that no longer exists.
func (m *Manager) FetchProfile(ctx context.Context) error {
	m.mu.RLock()
	if !m.state.Authenticated {
		m.mu.RUnlock()
		return ErrNotAuthenticated
	}
	gen := m.gen
	m.mu.RUnlock()

	user, err := m.backend.Profile(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return nil
	}
	m.state.User = user
	m.persistLocked(ctx)
	update, fns := m.snapshotLocked("")
	m.mu.Unlock()

	m.dispatch(fns, update)
	return nil
}

// AccessToken implements gateway.TokenSource.
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.AccessToken
}

// RefreshToken implements gateway.TokenSource.
func (m *Manager) RefreshToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.RefreshToken
}

// ApplyRefresh implements gateway.TokenSource: it commits a rotated token
// pair atomically. Rejected when the session ended while the refresh was in
// flight; a refresh result must not resurrect a dead session.
func (m *Manager) ApplyRefresh(access, refresh string) error {
	m.mu.Lock()
	if !m.state.Authenticated || m.state.AccessToken == "" {
		m.mu.Unlock()
		return ErrNotAuthenticated
	}
	m.state.AccessToken = access
	if refresh != "" {
		m.state.RefreshToken = refresh
	}

	persistCtx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()
	m.persistLocked(persistCtx)

	update, fns := m.snapshotLocked("")
	m.mu.Unlock()

	m.dispatch(fns, update)
	return nil
}

// userID is a nil-safe accessor for logging.
func userID(u *gateway.UserRecord) string {
	if u == nil {
		return ""
	}
	return u.ID
}
