package guard

import (
	"time"

	"github.com/ledgerdesk/sessiond/internal/authz"
	"github.com/ledgerdesk/sessiond/internal/session"
)

// Verdict is the outcome of evaluating one navigation target.
type Verdict string

const (
	// VerdictWait renders a neutral waiting state; no redirect yet.
	VerdictWait Verdict = "wait"
	// VerdictRedirectLogin sends the UI to the login entry point.
	VerdictRedirectLogin Verdict = "redirect_login"
	// VerdictDenied renders access denied in place; not a redirect.
	VerdictDenied Verdict = "denied"
	// VerdictAllow renders the protected content.
	VerdictAllow Verdict = "allow"
)

// Decision carries the verdict plus, for a login redirect, the originally
// requested path so login can return the user there afterwards.
type Decision struct {
	Verdict Verdict `json:"verdict"`
	From    string  `json:"from,omitempty"`
}

// Target is a navigation destination with an optional permission
// requirement; any one listed tag grants access.
type Target struct {
	Path    string             `json:"path"`
	Require []authz.Permission `json:"require,omitempty"`
}

// Guard decides per navigation whether to render, wait, deny or redirect.
// It holds no timers and no mutable state beyond its start instant, so
// Evaluate is idempotent: the same state and target always produce the
// same decision once the grace window has passed.
type Guard struct {
	grace   time.Duration
	started time.Time
	now     func() time.Time
}

// New creates a Guard. grace bounds how long an unhydrated session is given
// to settle before an unauthenticated verdict becomes a redirect; it covers
// the window between process start and the one-time hydration.
func New(grace time.Duration) *Guard {
	return &Guard{grace: grace, started: time.Now(), now: time.Now}
}

// Evaluate maps session state and a target to a decision.
//
// Ordering matters: loading and hydration are settled before authentication
// is judged, and the permission check runs only for an authenticated
// session, so a slow startup never flashes a denial or bounces through the
// login redirect.
func (g *Guard) Evaluate(state session.State, target Target) Decision {
	if !state.Hydrated {
		if g.now().Sub(g.started) < g.grace {
			return Decision{Verdict: VerdictWait}
		}
		// Hydration never arrived; treat as unauthenticated.
		return Decision{Verdict: VerdictRedirectLogin, From: target.Path}
	}

	if state.Loading {
		return Decision{Verdict: VerdictWait}
	}

	if !state.Authenticated {
		return Decision{Verdict: VerdictRedirectLogin, From: target.Path}
	}

	if len(target.Require) > 0 {
		perms := authz.Derive(state.Authenticated, state.User)
		if !perms.HasAny(target.Require...) {
			return Decision{Verdict: VerdictDenied}
		}
	}

	return Decision{Verdict: VerdictAllow}
}
