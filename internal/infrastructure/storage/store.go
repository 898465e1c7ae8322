package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/ledgerdesk/sessiond/internal/infrastructure/config"
)

// Storage constants.
const (
	// dirPermissions is the permission mode for the database directory.
	dirPermissions = 0750

	// filePermissions is the permission mode for the database file.
	filePermissions = 0600

	// msPerSecond converts seconds to milliseconds.
	msPerSecond = 1000

	// connectionTimeout is the timeout for verifying database connectivity.
	connectionTimeout = 5 * time.Second
)

// State store keys. The session blob and the activity timestamp are stored
// under separate keys so the activity monitor can read its timestamp without
// touching (or unsealing) the session blob.
const (
	keySession      = "session"
	keyLastActivity = "last_activity"
)

// Store persists the agent's durable state in a local SQLite database.
//
// Two rows exist: the serialized session blob (sealed at rest, see seal.go)
// and the last-activity timestamp (plaintext, it carries no secrets).
type Store struct {
	db   *sql.DB
	key  []byte
	path string
}

// Open creates the state store from the storage configuration.
//
// It creates the database directory if needed, opens the file with WAL and
// busy-timeout pragmas, bootstraps the schema, restricts file permissions,
// and loads (or generates) the sealing key.
func Open(ctx context.Context, cfg config.StorageConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on",
		cfg.Path,
		cfg.BusyTimeout*msPerSecond,
	)
	if cfg.WALMode {
		connStr += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	// One writer is all SQLite supports; one connection is all we need.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, fmt.Errorf("verifying state database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, fmt.Errorf("bootstrapping state schema: %w", err)
	}

	// Owner read/write only. Ignore error; on first run the file may not
	// exist yet and will inherit permissions after the first write.
	_ = os.Chmod(cfg.Path, filePermissions)

	keyPath := cfg.KeyPath
	if keyPath == "" {
		keyPath = cfg.Path + ".key"
	}
	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		db.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, fmt.Errorf("loading sealing key: %w", err)
	}

	return &Store{db: db, key: key, path: cfg.Path}, nil
}

// schema is the complete state store schema. A single key/value table keeps
// the store additive: new state kinds are new keys, not migrations.
const schema = `
CREATE TABLE IF NOT EXISTS agent_state (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at TEXT NOT NULL
);`

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing state database: %w", err)
	}
	return nil
}

// Path returns the filesystem path of the database file.
func (s *Store) Path() string {
	return s.path
}

// HealthCheck verifies the store is accessible.
func (s *Store) HealthCheck(ctx context.Context) error {
	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("state store health check failed: %w", err)
	}
	return nil
}

// SaveSession seals and stores the serialized session blob.
func (s *Store) SaveSession(ctx context.Context, blob []byte) error {
	sealed, err := seal(s.key, blob)
	if err != nil {
		return fmt.Errorf("sealing session blob: %w", err)
	}
	return s.put(ctx, keySession, sealed)
}

// LoadSession returns the unsealed session blob. The second return value is
// false when no session has been persisted.
//
// A blob that fails to unseal (key rotated, file tampered) is treated as
// absent rather than fatal: the agent falls back to a logged-out state.
func (s *Store) LoadSession(ctx context.Context) ([]byte, bool, error) {
	sealed, ok, err := s.get(ctx, keySession)
	if err != nil || !ok {
		return nil, false, err
	}
	blob, err := unseal(s.key, sealed)
	if err != nil {
		return nil, false, nil
	}
	return blob, true, nil
}

// ClearSession removes the persisted session blob.
func (s *Store) ClearSession(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agent_state WHERE key = ?`, keySession)
	if err != nil {
		return fmt.Errorf("clearing session blob: %w", err)
	}
	return nil
}

// SaveLastActivity records the most recent user interaction timestamp.
func (s *Store) SaveLastActivity(ctx context.Context, at time.Time) error {
	return s.put(ctx, keyLastActivity, []byte(at.UTC().Format(time.RFC3339)))
}

// LoadLastActivity returns the persisted interaction timestamp. The second
// return value is false when none has been recorded.
func (s *Store) LoadLastActivity(ctx context.Context) (time.Time, bool, error) {
	raw, ok, err := s.get(ctx, keyLastActivity)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	at, err := time.Parse(time.RFC3339, string(raw))
	if err != nil {
		return time.Time{}, false, nil
	}
	return at, true, nil
}

// put upserts a state row.
func (s *Store) put(ctx context.Context, key string, value []byte) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now,
	)
	if err != nil {
		return fmt.Errorf("writing state %q: %w", key, err)
	}
	return nil
}

// get reads a state row. Missing rows return ok=false, not an error.
func (s *Store) get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM agent_state WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading state %q: %w", key, err)
	}
	return value, true, nil
}
