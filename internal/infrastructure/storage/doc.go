// Package storage provides the local SQLite state store for the session agent.
//
// This package manages:
//   - The persisted session blob, read once at startup to hydrate the
//     session state machine before the UI shell renders anything protected
//   - The last-activity timestamp used by the inactivity monitor so idle
//     thresholds remain meaningful across agent restarts
//
// Security Considerations:
//   - The session blob contains bearer tokens and is sealed at rest with
//     ChaCha20-Poly1305; the key lives in a 0600 file beside the database
//   - Database file permissions are set to 0600 (owner read/write only)
//   - All queries use parameterised statements
//
// The schema is a single key/value table: new state kinds are new keys,
// which keeps the store free of migration machinery.
package storage
