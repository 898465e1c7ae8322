// Package gateway performs every outbound call to the LedgerDesk backend.
//
// It is the single choke point for network traffic:
//   - Attaches the bearer token on authenticated endpoints
//   - Serializes bodies as JSON or multipart form per endpoint quirk
//   - Unwraps the backend's "data" response envelope transparently
//   - Normalizes the tk/token/access_token field ambiguity at the boundary
//   - Classifies failures into typed errors (validation, auth, session
//     expired, network, server)
//   - Drives the single-flight token refresh protocol on 401s
//
// The refresh protocol guarantees that concurrent authorization failures
// share one in-flight refresh: the backend's refresh-token rotation is not
// idempotent, so duplicate refreshes with the same token must never be
// issued. After a successful refresh the original call fails with
// ErrTokenRotated and the caller retries explicitly; hidden automatic
// replays risk infinite retry loops.
package gateway
