// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides server config persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS server_configs (
			name TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL DEFAULT 1,
			timeout INTEGER NOT NULL DEFAULT 30,
			transport_config TEXT NOT NULL,
			auth_config TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS global_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			config TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateServerConfig stores a new server configuration.
func (s *SQLiteStore) CreateServerConfig(ctx context.Context, cfg *ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating server config: %w", err)
	}

	transportJSON, authJSON, err := marshalConfigs(cfg)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO server_configs (name, enabled, timeout, transport_config, auth_config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cfg.Name, cfg.Enabled, cfg.Timeout, transportJSON, authJSON, cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("%w: %s", ErrDuplicateServer, cfg.Name)
		}
		return fmt.Errorf("inserting server config: %w", err)
	}
	return nil
}

// GetServerConfig retrieves a server configuration by name.
func (s *SQLiteStore) GetServerConfig(ctx context.Context, name string) (*ServerConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, enabled, timeout, transport_config, auth_config, created_at, updated_at
		FROM server_configs WHERE name = ?`, name)

	cfg, err := scanServerConfig(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: server %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("querying server config: %w", err)
	}
	return cfg, nil
}

// ListServerConfigs returns all stored server configurations ordered by name.
func (s *SQLiteStore) ListServerConfigs(ctx context.Context) ([]*ServerConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, enabled, timeout, transport_config, auth_config, created_at, updated_at
		FROM server_configs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying server configs: %w", err)
	}
	defer rows.Close()

	var configs []*ServerConfig
	for rows.Next() {
		cfg, err := scanServerConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning server config: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating server configs: %w", err)
	}
	return configs, nil
}

// UpdateServerConfig replaces an existing server configuration.
func (s *SQLiteStore) UpdateServerConfig(ctx context.Context, cfg *ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating server config: %w", err)
	}

	transportJSON, authJSON, err := marshalConfigs(cfg)
	if err != nil {
		return err
	}

	cfg.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE server_configs
		SET enabled = ?, timeout = ?, transport_config = ?, auth_config = ?, updated_at = ?
		WHERE name = ?`,
		cfg.Enabled, cfg.Timeout, transportJSON, authJSON, cfg.UpdatedAt, cfg.Name)
	if err != nil {
		return fmt.Errorf("updating server config: %w", err)
	}
	return requireRowAffected(result, cfg.Name)
}

// DeleteServerConfig removes a server configuration.
func (s *SQLiteStore) DeleteServerConfig(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM server_configs WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting server config: %w", err)
	}
	return requireRowAffected(result, name)
}

// SetServerEnabled flips only the enabled flag, leaving the rest untouched.
func (s *SQLiteStore) SetServerEnabled(ctx context.Context, name string, enabled bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE server_configs SET enabled = ?, updated_at = ? WHERE name = ?`,
		enabled, time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("updating enabled flag: %w", err)
	}
	return requireRowAffected(result, name)
}

// GetGlobalConfig returns the gateway-wide settings, or defaults when none
// have been stored yet.
func (s *SQLiteStore) GetGlobalConfig(ctx context.Context) (*GlobalConfig, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT config FROM global_config WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return &GlobalConfig{LogLevel: "info"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying global config: %w", err)
	}

	var cfg GlobalConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling global config: %w", err)
	}
	return &cfg, nil
}

// SetGlobalConfig stores the gateway-wide settings as the single row.
func (s *SQLiteStore) SetGlobalConfig(ctx context.Context, cfg *GlobalConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling global config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO global_config (id, config, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at`,
		string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("storing global config: %w", err)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanServerConfig(row scanner) (*ServerConfig, error) {
	var cfg ServerConfig
	var transportJSON string
	var authJSON sql.NullString

	err := row.Scan(&cfg.Name, &cfg.Enabled, &cfg.Timeout, &transportJSON, &authJSON,
		&cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(transportJSON), &cfg.Transport); err != nil {
		return nil, fmt.Errorf("unmarshaling transport config: %w", err)
	}
	if authJSON.Valid && authJSON.String != "" {
		cfg.Auth = &AuthConfig{}
		if err := json.Unmarshal([]byte(authJSON.String), cfg.Auth); err != nil {
			return nil, fmt.Errorf("unmarshaling auth config: %w", err)
		}
	}
	return &cfg, nil
}

func marshalConfigs(cfg *ServerConfig) (transportJSON string, authJSON sql.NullString, err error) {
	transport, err := json.Marshal(cfg.Transport)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("marshaling transport config: %w", err)
	}
	if cfg.Auth != nil {
		auth, err := json.Marshal(cfg.Auth)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("marshaling auth config: %w", err)
		}
		authJSON = sql.NullString{String: string(auth), Valid: true}
	}
	return string(transport), authJSON, nil
}

func requireRowAffected(result sql.Result, name string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: server %s", ErrNotFound, name)
	}
	return nil
}
