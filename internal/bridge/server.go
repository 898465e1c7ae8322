package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ledgerdesk/sessiond/internal/activity"
	"github.com/ledgerdesk/sessiond/internal/authz"
	"github.com/ledgerdesk/sessiond/internal/guard"
	"github.com/ledgerdesk/sessiond/internal/infrastructure/config"
	"github.com/ledgerdesk/sessiond/internal/infrastructure/logging"
	"github.com/ledgerdesk/sessiond/internal/session"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// HealthChecker reports whether the local state store is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the bridge server.
type Deps struct {
	Config      config.BridgeConfig
	Logger      *logging.Logger
	Sessions    *session.Manager
	Monitor     *activity.Monitor
	Guard       *guard.Guard
	Menu        []authz.MenuNode
	Store       HealthChecker
	ExternalHub *Hub // If set, the server uses this hub instead of creating its own
	Version     string
}

// Server is the loopback HTTP/WebSocket surface the UI shell talks to.
//
// It manages the HTTP listener, routes, middleware, and the event stream
// hub. The server is created with New() and started with Start().
type Server struct {
	cfg         config.BridgeConfig
	logger      *logging.Logger
	sessions    *session.Manager
	monitor     *activity.Monitor
	guard       *guard.Guard
	menu        []authz.MenuNode
	store       HealthChecker
	version     string
	server      *http.Server
	hub         *Hub
	cancel      context.CancelFunc // cancels background goroutines on Close()
	unsubscribe func()             // detaches the session listener
}

// New creates a bridge server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if deps.Guard == nil {
		return nil, fmt.Errorf("guard is required")
	}

	s := &Server{
		cfg:      deps.Config,
		logger:   deps.Logger.With("component", "bridge"),
		sessions: deps.Sessions,
		monitor:  deps.Monitor,
		guard:    deps.Guard,
		menu:     deps.Menu,
		store:    deps.Store,
		version:  deps.Version,
		hub:      deps.ExternalHub,
	}
	return s, nil
}

// upgrader configures the WebSocket upgrader. Origin checking is handled by
// the CORS middleware.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Start begins listening for HTTP connections.
//
// It subscribes to session state updates for event stream broadcast, starts
// the hub, and launches the HTTP listener in a background goroutine. The
// server is stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.hub == nil {
		s.hub = NewHub(s.cfg.WebSocket, s.logger)
	}
	go s.hub.Run(srvCtx)

	// Relay committed session transitions to the event stream.
	s.unsubscribe = s.sessions.Subscribe(func(u session.Update) {
		s.hub.Broadcast(EventSessionChanged, u.State)
		if u.Reason != "" {
			s.hub.Broadcast(EventSessionEnded, map[string]string{"reason": u.Reason})
		}
	})

	s.server = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.ReadTimeout(),
		WriteTimeout:      s.cfg.WriteTimeout(),
		IdleTimeout:       s.cfg.IdleTimeout(),
	}

	go func() {
		s.logger.Info("bridge listening", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("bridge server error", "error", err)
		}
	}()

	return nil
}

// Hub returns the event stream hub, creating it if Start has not run yet.
// The composition root uses it to wire the activity monitor's warning
// callbacks before Start.
func (s *Server) Hub() *Hub {
	if s.hub == nil {
		s.hub = NewHub(s.cfg.WebSocket, s.logger)
	}
	return s.hub
}

// Close gracefully shuts down the bridge.
//
// It detaches the session listener, stops the hub, and waits up to ten
// seconds for in-flight requests before forcefully closing connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("bridge shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down bridge server: %w", err)
	}
	return nil
}
