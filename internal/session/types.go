package session

import (
	"errors"

	"github.com/ledgerdesk/sessiond/internal/gateway"
)

// LoginStep identifies where the authentication lifecycle currently is.
// Exactly one step holds at any time.
type LoginStep string

const (
	// StepCredentials is the initial step: identity + secret not yet
	// accepted. Reachable from any step via logout or reset.
	StepCredentials LoginStep = "credentials"

	// StepVerification means credentials were accepted and the backend
	// awaits the verification code. A verification token is always held
	// in this step.
	StepVerification LoginStep = "verification"

	// StepCompleted means the session is fully authenticated and tokens
	// are held.
	StepCompleted LoginStep = "completed"
)

// State is the session snapshot observers receive. It is a value type:
// every observer gets its own copy, committed atomically. No observer ever
// sees the access token updated without the authenticated flag moving in
// the same commit.
type State struct {
	Step          LoginStep `json:"step"`
	Authenticated bool      `json:"authenticated"`
	Loading       bool      `json:"loading"`

	// Hydrated reports whether the one-time restore from persisted
	// storage has run. Carried in state (not a package global) so guards
	// can wait out the startup window and tests can reset it.
	Hydrated bool `json:"hydrated"`

	User              *gateway.UserRecord `json:"user,omitempty"`
	AccessToken       string              `json:"-"`
	RefreshToken      string              `json:"-"`
	VerificationToken string              `json:"-"`

	// ChangePasswordRequired survives logout deliberately: it forces the
	// password prompt on the next sign-in even after a reload.
	ChangePasswordRequired bool `json:"change_password_required,omitempty"`

	// LastErr is the classified failure of the most recent transition,
	// nil after a successful one.
	LastErr error `json:"-"`
}

// Update is delivered to subscribers after every committed transition.
type Update struct {
	State State

	// Reason is non-empty when the transition ended the session:
	// ReasonUser, ReasonInactivity or ReasonExpired.
	Reason string
}

// Session end reasons, surfaced to the UI shell for the post-redirect
// message.
const (
	ReasonUser       = "user"
	ReasonInactivity = "inactivity"
	ReasonExpired    = "session_expired"
)

// Sentinel errors for session transitions.
var (
	// ErrPrecondition means a transition was invoked in a step that does
	// not support it. The guarded UI should make this unreachable; it
	// fails loudly rather than silently.
	ErrPrecondition = errors.New("operation not valid in current login step")

	// ErrNotAuthenticated is returned by operations that require a
	// completed session.
	ErrNotAuthenticated = errors.New("not authenticated")
)
