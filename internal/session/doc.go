// Package session owns the client-side authentication state machine.
//
// Login is a two-step flow: credentials first, then a verification code
// carried against the verification token the credentials step returned.
// Every transition commits atomically under a single lock and subscribers
// are notified with complete state snapshots, so observers never see a
// half-applied transition.
//
// The Manager also implements gateway.TokenSource, which is how the request
// gateway reads tokens, commits refreshed pairs and forces a logout when a
// session is unrecoverable. A generation counter voids in-flight backend
// responses that land after a logout.
package session
