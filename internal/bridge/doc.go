// Package bridge provides the loopback HTTP REST API and WebSocket event
// stream the LedgerDesk UI shell connects to.
//
// It exposes the session state machine's actions, the filtered navigation
// menu, the guard's per-navigation decisions, and the activity monitor's
// touch/extend/logout controls. Session transitions are pushed to connected
// shells over the event stream, so the UI never polls for state.
//
// The server follows the same lifecycle pattern as other components:
//
//	server, err := bridge.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package bridge
