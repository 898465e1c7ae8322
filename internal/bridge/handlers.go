package bridge

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/ledgerdesk/sessiond/internal/authz"
	"github.com/ledgerdesk/sessiond/internal/gateway"
	"github.com/ledgerdesk/sessiond/internal/guard"
	"github.com/ledgerdesk/sessiond/internal/session"
)

// sessionView is the session snapshot as the UI shell sees it: full state
// plus the last transition failure in the bridge error shape. Tokens never
// cross the bridge.
type sessionView struct {
	session.State
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	LastError      *Error     `json:"last_error,omitempty"`
}

func viewOf(state session.State) sessionView {
	view := sessionView{State: state}
	if state.LastErr != nil {
		view.LastError = errorView(state.LastErr)
	}
	return view
}

// snapshotView renders the current session for the wire, annotated with the
// access token's expiry. The token itself stays on this side of the bridge;
// the shell only needs to know when it runs out.
func (s *Server) snapshotView() sessionView {
	view := viewOf(s.sessions.Snapshot())
	if exp, err := s.sessions.TokenExpiry(); err == nil {
		view.TokenExpiresAt = &exp
	}
	return view
}

// errorView renders a transition failure without writing it to the wire.
func errorView(err error) *Error {
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		return &Error{
			Status:      gwErr.Status,
			Code:        gwErr.Code,
			Kind:        gwErr.Kind.String(),
			Message:     gwErr.Message,
			FieldErrors: gwErr.FieldErrors,
		}
	}
	return &Error{Code: ErrCodeInternal, Message: err.Error()}
}

// handleHealth reports liveness plus state store health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.store != nil {
		if err := s.store.HealthCheck(r.Context()); err != nil {
			s.logger.Warn("state store health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "degraded",
				"version": s.version,
				"error":   err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": s.version,
	})
}

// handleGetSession returns the current session snapshot.
func (s *Server) handleGetSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshotView())
}

type credentialsRequest struct {
	Identity string `json:"identity"`
	Secret   string `json:"secret"`
}

// handleSubmitCredentials runs the credentials step of the login flow.
func (s *Server) handleSubmitCredentials(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.Identity == "" || req.Secret == "" {
		writeBadRequest(w, "identity and secret are required")
		return
	}

	if err := s.sessions.SubmitCredentials(r.Context(), req.Identity, req.Secret); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshotView())
}

type verificationRequest struct {
	Code string `json:"code"`
}

// handleSubmitVerification runs the verification step.
func (s *Server) handleSubmitVerification(w http.ResponseWriter, r *http.Request) {
	var req verificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.Code == "" {
		writeBadRequest(w, "code is required")
		return
	}

	if err := s.sessions.SubmitVerification(r.Context(), req.Code); err != nil {
		writeSessionError(w, err)
		return
	}

	// A fresh session gets the full idle budget; the login itself counts
	// as activity.
	if s.monitor != nil {
		s.monitor.StartFresh(r.Context())
	}
	writeJSON(w, http.StatusOK, s.snapshotView())
}

// handleLogout ends the session on the user's request.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s.monitor != nil {
		s.monitor.Stop()
	}
	s.sessions.Logout(r.Context(), session.ReasonUser)
	writeJSON(w, http.StatusOK, s.snapshotView())
}

// handleReset is the "go back" action from the verification step.
func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.sessions.ResetToCredentials()
	writeJSON(w, http.StatusOK, s.snapshotView())
}

// handleRefreshProfile re-fetches the user record from the backend.
func (s *Server) handleRefreshProfile(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.FetchProfile(r.Context()); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshotView())
}

// handleMenu returns the navigation tree filtered to the current session's
// permission set.
func (s *Server) handleMenu(w http.ResponseWriter, _ *http.Request) {
	state := s.sessions.Snapshot()
	perms := authz.Derive(state.Authenticated, state.User)
	filtered := authz.FilterTree(s.menu, perms)
	writeJSON(w, http.StatusOK, map[string]any{"menu": filtered})
}

// handlePermissions returns the derived permission set for the current
// session, sorted for stable output.
func (s *Server) handlePermissions(w http.ResponseWriter, _ *http.Request) {
	state := s.sessions.Snapshot()
	perms := authz.Derive(state.Authenticated, state.User)
	tags := make([]authz.Permission, 0, len(perms))
	for tag := range perms {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	role := authz.RoleGuest
	if state.Authenticated && state.User != nil {
		role = state.User.Role
	}

	// The role's static defaults ride along so the shell can show what a
	// backend-supplied permission list added or withheld.
	defaults := authz.RolePermissions(role)
	sort.Slice(defaults, func(i, j int) bool { return defaults[i] < defaults[j] })

	writeJSON(w, http.StatusOK, map[string]any{
		"role":          role,
		"permissions":   tags,
		"role_defaults": defaults,
	})
}

// handleGuard evaluates a navigation target against the current session.
func (s *Server) handleGuard(w http.ResponseWriter, r *http.Request) {
	var target guard.Target
	if err := json.NewDecoder(r.Body).Decode(&target); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if target.Path == "" {
		writeBadRequest(w, "path is required")
		return
	}
	writeJSON(w, http.StatusOK, s.guard.Evaluate(s.sessions.Snapshot(), target))
}

// handleActivity records a user-interaction event.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if s.monitor != nil {
		s.monitor.Touch(r.Context())
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExtend is the warning dialog's "stay signed in" action.
func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	if s.monitor != nil {
		s.monitor.Extend(r.Context())
	}
	w.WriteHeader(http.StatusNoContent)
}

type visibleRequest struct {
	HiddenForSeconds int `json:"hidden_for_seconds"`
}

// handleVisible reports the UI window becoming visible again after being
// hidden; past the revalidate threshold the token is checked immediately.
func (s *Server) handleVisible(w http.ResponseWriter, r *http.Request) {
	var req visibleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if s.monitor != nil {
		s.monitor.Visible(r.Context(), time.Duration(req.HiddenForSeconds)*time.Second)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleActivityLogout is the warning dialog's immediate-logout action.
func (s *Server) handleActivityLogout(w http.ResponseWriter, r *http.Request) {
	if s.monitor != nil {
		s.monitor.LogoutNow(r.Context())
	} else {
		s.sessions.Logout(r.Context(), session.ReasonUser)
	}
	writeJSON(w, http.StatusOK, s.snapshotView())
}

// handleEvents upgrades the connection to the event stream. The bridge
// listens on loopback only; transport-level trust is the OS user boundary.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}

	s.hub.Register(client)

	go client.writePump(s.cfg.WebSocket)
	go client.readPump(s.cfg.WebSocket)

	// Greet with the current snapshot so a reconnecting shell does not
	// have to poll before the first transition.
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: EventSessionChanged,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   s.snapshotView(),
	})
	if err == nil {
		client.trySend(data)
	}
}
