// Package logging provides structured logging for the session agent.
//
// It wraps Go's standard log/slog package so every component logs the same
// way: JSON for production, text for development, level filtering, and
// service/version default fields on every entry.
//
// Never log secrets: credentials, verification codes, and tokens must not
// appear in log output. Log token prefixes at most.
package logging
