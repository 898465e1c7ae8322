package activity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ledgerdesk/sessiond/internal/gateway"
	"github.com/ledgerdesk/sessiond/internal/infrastructure/config"
	"github.com/ledgerdesk/sessiond/internal/infrastructure/logging"
	"github.com/ledgerdesk/sessiond/internal/session"
)

// SessionControl is the slice of the session manager the monitor drives.
type SessionControl interface {
	Logout(ctx context.Context, reason string)
	ForceLogout(ctx context.Context, reason string)
}

// Validator checks the current token against the backend.
type Validator interface {
	Validate(ctx context.Context) error
}

// ActivityStore persists the last-activity timestamp so the idle threshold
// survives an agent restart.
type ActivityStore interface {
	SaveLastActivity(ctx context.Context, at time.Time) error
	LoadLastActivity(ctx context.Context) (time.Time, bool, error)
}

// Warning is the "session expiring" notification delivered to subscribers.
// Countdown is how long remains before the forced logout.
type Warning struct {
	Countdown time.Duration `json:"countdown_seconds"`
	Deadline  time.Time     `json:"deadline"`
}

// Monitor tracks user activity and forces a logout after the idle timeout.
// A warning fires WarnBefore ahead of the deadline so the user can extend.
// Touch, Extend, Visible and Stop are safe for concurrent use.
type Monitor struct {
	idle       time.Duration
	warn       time.Duration
	revalidate time.Duration

	sessions  SessionControl
	validator Validator
	store     ActivityStore
	clock     Scheduler
	logger    *logging.Logger

	mu         sync.Mutex
	seq        uint64 // bumped on every re-arm; stale timer fires check it and bail
	warnTimer  Timer
	fireTimer  Timer
	running    bool
	warnFn     func(Warning)
	dismissFn  func()
	validating bool
}

// NewMonitor builds a Monitor from configuration. warnFn is invoked when the
// warning window opens and dismissFn when activity cancels it; either may be
// nil.
func NewMonitor(cfg config.ActivityConfig, sessions SessionControl, validator Validator, store ActivityStore, clock Scheduler, logger *logging.Logger, warnFn func(Warning), dismissFn func()) *Monitor {
	return &Monitor{
		idle:       cfg.IdleTimeoutDuration(),
		warn:       cfg.WarnBeforeDuration(),
		revalidate: cfg.RevalidateAfterDuration(),
		sessions:   sessions,
		validator:  validator,
		store:      store,
		clock:      clock,
		logger:     logger.With("component", "activity"),
		warnFn:     warnFn,
		dismissFn:  dismissFn,
	}
}

// Start arms the idle timer for a restored session. If a persisted
// last-activity timestamp exists the remaining idle budget is computed from
// it, so a restart does not reset the clock; a timestamp already past the
// deadline opens the warning countdown immediately.
func (m *Monitor) Start(ctx context.Context) {
	last, ok, err := m.store.LoadLastActivity(ctx)
	if err != nil {
		m.logger.Warn("loading last activity", "error", err)
		ok = false
	}

	m.mu.Lock()
	m.running = true
	now := m.clock.Now()
	if !ok || last.After(now) {
		last = now
	}
	m.armLocked(now.Sub(last))
	m.mu.Unlock()

	if err := m.store.SaveLastActivity(ctx, last); err != nil {
		m.logger.Warn("persisting last activity", "error", err)
	}
}

// StartFresh arms the idle timer with the full budget. A completed login is
// itself an activity event, so any last-activity timestamp left behind by a
// previous session is overwritten rather than resumed.
func (m *Monitor) StartFresh(ctx context.Context) {
	m.mu.Lock()
	m.running = true
	m.armLocked(0)
	m.mu.Unlock()

	if err := m.store.SaveLastActivity(ctx, m.clock.Now()); err != nil {
		m.logger.Warn("persisting last activity", "error", err)
	}
}

// Touch records a user-interaction event: the idle clock restarts and any
// open warning is dismissed.
func (m *Monitor) Touch(ctx context.Context) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	warningOpen := m.warnTimer == nil && m.fireTimer != nil
	m.armLocked(0)
	dismiss := m.dismissFn
	m.mu.Unlock()

	if warningOpen && dismiss != nil {
		dismiss()
	}
	if err := m.store.SaveLastActivity(ctx, m.clock.Now()); err != nil {
		m.logger.Warn("persisting last activity", "error", err)
	}
}

// Extend is the warning dialog's "stay signed in" action. It is a fresh
// activity event.
func (m *Monitor) Extend(ctx context.Context) {
	m.Touch(ctx)
}

// LogoutNow is the warning dialog's immediate-logout action.
func (m *Monitor) LogoutNow(ctx context.Context) {
	m.Stop()
	m.sessions.Logout(ctx, session.ReasonUser)
}

// Visible handles the UI window becoming visible after hiddenFor. Past the
// revalidate threshold the token is checked against the backend immediately
// instead of waiting for the idle timer. An authorization failure ends the
// session; a network failure does nothing.
func (m *Monitor) Visible(ctx context.Context, hiddenFor time.Duration) {
	m.Touch(ctx)

	if m.revalidate <= 0 || hiddenFor < m.revalidate {
		return
	}

	m.mu.Lock()
	if m.validating {
		m.mu.Unlock()
		return
	}
	m.validating = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.validating = false
		m.mu.Unlock()
	}()

	err := m.validator.Validate(ctx)
	if errors.Is(err, gateway.ErrTokenRotated) {
		// The 401 was healed by a token refresh, so the session is
		// alive. Retry once so the backend sees the rotated token.
		err = m.validator.Validate(ctx)
		if errors.Is(err, gateway.ErrTokenRotated) {
			err = nil
		}
	}
	if err == nil {
		m.logger.Debug("token re-validated after hidden window", "hidden_for", hiddenFor)
		return
	}

	var gwErr *gateway.Error
	if errors.As(err, &gwErr) && gwErr.Kind == gateway.KindNetwork {
		m.logger.Debug("re-validation skipped, backend unreachable", "error", err)
		return
	}
	if errors.Is(err, session.ErrNotAuthenticated) {
		return
	}

	m.logger.Info("token re-validation failed, ending session", "error", err)
	m.sessions.ForceLogout(ctx, session.ReasonExpired)
}

// Stop clears all timers. Called on logout and on teardown so nothing fires
// against a torn-down session.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.seq++
	m.running = false
	m.stopTimersLocked()
	m.mu.Unlock()
}

// armLocked resets the timer pair for a budget already spent of elapsed.
// Callers must hold the lock.
func (m *Monitor) armLocked(elapsed time.Duration) {
	m.seq++
	seq := m.seq
	m.stopTimersLocked()

	remaining := m.idle - elapsed
	warnAt := remaining - m.warn
	if warnAt < 0 {
		warnAt = 0
	}
	m.warnTimer = m.clock.AfterFunc(warnAt, func() { m.warningFired(seq) })
}

func (m *Monitor) stopTimersLocked() {
	if m.warnTimer != nil {
		m.warnTimer.Stop()
		m.warnTimer = nil
	}
	if m.fireTimer != nil {
		m.fireTimer.Stop()
		m.fireTimer = nil
	}
}

// warningFired opens the warning window and arms the final countdown.
func (m *Monitor) warningFired(seq uint64) {
	m.mu.Lock()
	if seq != m.seq || !m.running {
		m.mu.Unlock()
		return
	}
	m.warnTimer = nil
	deadline := m.clock.Now().Add(m.warn)
	m.fireTimer = m.clock.AfterFunc(m.warn, func() { m.deadlineFired(seq) })
	warnFn := m.warnFn
	m.mu.Unlock()

	m.logger.Info("session expiring soon", "countdown", m.warn)
	if warnFn != nil {
		warnFn(Warning{Countdown: m.warn, Deadline: deadline})
	}
}

// deadlineFired forces the logout. The sequence check makes the logout
// exactly-once even if a scheduling race delivers a stale fire.
func (m *Monitor) deadlineFired(seq uint64) {
	m.mu.Lock()
	if seq != m.seq || !m.running {
		m.mu.Unlock()
		return
	}
	m.seq++
	m.running = false
	m.stopTimersLocked()
	m.mu.Unlock()

	m.logger.Info("idle deadline reached, ending session")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.sessions.ForceLogout(ctx, session.ReasonInactivity)
}
