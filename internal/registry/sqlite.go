// Copyright 2025 The Toolbridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	tberrors "github.com/toolbridge/toolbridge/pkg/errors"
)

// SQLiteStore implements Store using SQLite.
//
// Features:
//   - WAL mode for better concurrency
//   - Foreign key constraints enabled
//   - AES-256-GCM encryption for secret values
type SQLiteStore struct {
	db        *sql.DB
	encryptor Encryptor
}

// SQLiteConfig contains configuration for SQLite storage.
type SQLiteConfig struct {
	// Path is the filesystem path to the SQLite database file
	Path string

	// Encryptor handles encryption of secret values.
	// Required - secrets must always be encrypted at rest.
	Encryptor Encryptor
}

// NewSQLiteStore creates a new SQLite storage backend. The database is
// created if it doesn't exist and migrations run automatically.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.Encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}

	// WAL mode for better concurrency
	connStr := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite with WAL mode can handle multiple concurrent readers
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{db: db, encryptor: cfg.Encryptor}

	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tools (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			repo TEXT,
			bundle_key TEXT,
			command TEXT NOT NULL,
			args_json TEXT,
			config_json TEXT,
			shared INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			status_message TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now')),
			UNIQUE(owner_id, name)
		)`,

		`CREATE TABLE IF NOT EXISTS capabilities (
			tool_id TEXT NOT NULL REFERENCES tools(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			input_schema TEXT,
			PRIMARY KEY (tool_id, name)
		)`,

		`CREATE TABLE IF NOT EXISTS callers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			key_hash TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		`CREATE TABLE IF NOT EXISTS secrets (
			tool_id TEXT NOT NULL REFERENCES tools(id) ON DELETE CASCADE,
			key TEXT NOT NULL,
			value_encrypted TEXT NOT NULL,
			PRIMARY KEY (tool_id, key)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_tools_owner
			ON tools(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tools_shared
			ON tools(shared)`,
		`CREATE INDEX IF NOT EXISTS idx_capabilities_name
			ON capabilities(name)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// CreateTool inserts a new tool record.
func (s *SQLiteStore) CreateTool(ctx context.Context, tool *Tool) error {
	if tool == nil {
		return fmt.Errorf("tool cannot be nil")
	}
	if tool.ID == "" {
		return fmt.Errorf("tool id is required")
	}
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}

	now := time.Now()
	tool.CreatedAt = now
	tool.UpdatedAt = now

	argsJSON, configJSON, err := marshalToolBlobs(tool)
	if err != nil {
		return err
	}

	query := `INSERT INTO tools (id, name, owner_id, repo, bundle_key, command,
	              args_json, config_json, shared, status, status_message,
	              created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		tool.ID,
		tool.Name,
		tool.OwnerID,
		tool.Repo,
		tool.BundleKey,
		tool.Command,
		argsJSON,
		configJSON,
		boolToInt(tool.Shared),
		tool.Status,
		tool.StatusMessage,
		tool.CreatedAt.Format(time.RFC3339),
		tool.UpdatedAt.Format(time.RFC3339),
	)

	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrToolExists
		}
		return fmt.Errorf("failed to create tool: %w", err)
	}

	return nil
}

// GetTool retrieves a tool by id.
func (s *SQLiteStore) GetTool(ctx context.Context, id string) (*Tool, error) {
	query := `SELECT id, name, owner_id, repo, bundle_key, command, args_json,
	              config_json, shared, status, status_message, created_at, updated_at
	          FROM tools WHERE id = ?`

	tool, err := scanTool(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &tberrors.NotFoundError{Resource: "tool", ID: id}
		}
		return nil, fmt.Errorf("failed to get tool: %w", err)
	}
	return tool, nil
}

// GetToolByName retrieves a tool by owner and name.
func (s *SQLiteStore) GetToolByName(ctx context.Context, ownerID, name string) (*Tool, error) {
	query := `SELECT id, name, owner_id, repo, bundle_key, command, args_json,
	              config_json, shared, status, status_message, created_at, updated_at
	          FROM tools WHERE owner_id = ? AND name = ?`

	tool, err := scanTool(s.db.QueryRowContext(ctx, query, ownerID, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &tberrors.NotFoundError{Resource: "tool", ID: ownerID + "/" + name}
		}
		return nil, fmt.Errorf("failed to get tool: %w", err)
	}
	return tool, nil
}

// UpdateTool persists mutable tool fields.
func (s *SQLiteStore) UpdateTool(ctx context.Context, tool *Tool) error {
	if tool == nil {
		return fmt.Errorf("tool cannot be nil")
	}

	tool.UpdatedAt = time.Now()

	argsJSON, configJSON, err := marshalToolBlobs(tool)
	if err != nil {
		return err
	}

	query := `UPDATE tools
	          SET name = ?, repo = ?, bundle_key = ?, command = ?, args_json = ?,
	              config_json = ?, shared = ?, status = ?, status_message = ?,
	              updated_at = ?
	          WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query,
		tool.Name,
		tool.Repo,
		tool.BundleKey,
		tool.Command,
		argsJSON,
		configJSON,
		boolToInt(tool.Shared),
		tool.Status,
		tool.StatusMessage,
		tool.UpdatedAt.Format(time.RFC3339),
		tool.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update tool: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return &tberrors.NotFoundError{Resource: "tool", ID: tool.ID}
	}

	return nil
}

// DeleteTool removes a tool; capabilities and secrets cascade.
func (s *SQLiteStore) DeleteTool(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tools WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete tool: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return &tberrors.NotFoundError{Resource: "tool", ID: id}
	}

	return nil
}

// ListVisibleTools returns tools owned by the caller plus shared tools, in
// stable creation order.
func (s *SQLiteStore) ListVisibleTools(ctx context.Context, callerID string) ([]*Tool, error) {
	query := `SELECT id, name, owner_id, repo, bundle_key, command, args_json,
	              config_json, shared, status, status_message, created_at, updated_at
	          FROM tools
	          WHERE owner_id = ? OR shared = 1
	          ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, callerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	defer rows.Close()

	var tools []*Tool
	for rows.Next() {
		tool, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tool: %w", err)
		}
		tools = append(tools, tool)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tools: %w", err)
	}

	return tools, nil
}

// ReplaceCapabilities atomically swaps a tool's capability manifest.
func (s *SQLiteStore) ReplaceCapabilities(ctx context.Context, toolID string, caps []Capability) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM capabilities WHERE tool_id = ?`, toolID); err != nil {
		return fmt.Errorf("failed to clear capabilities: %w", err)
	}

	insert := `INSERT INTO capabilities (tool_id, position, name, description, input_schema)
	           VALUES (?, ?, ?, ?, ?)`
	for i, cap := range caps {
		var schema string
		if len(cap.InputSchema) > 0 {
			schema = string(cap.InputSchema)
		}
		if _, err := tx.ExecContext(ctx, insert, toolID, i, cap.Name, cap.Description, schema); err != nil {
			return fmt.Errorf("failed to insert capability %s: %w", cap.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit capabilities: %w", err)
	}

	return nil
}

// ListCapabilities returns a tool's manifest in advertised order.
func (s *SQLiteStore) ListCapabilities(ctx context.Context, toolID string) ([]Capability, error) {
	query := `SELECT name, description, input_schema
	          FROM capabilities WHERE tool_id = ? ORDER BY position`

	rows, err := s.db.QueryContext(ctx, query, toolID)
	if err != nil {
		return nil, fmt.Errorf("failed to list capabilities: %w", err)
	}
	defer rows.Close()

	var caps []Capability
	for rows.Next() {
		cap := Capability{ToolID: toolID}
		var schema string
		if err := rows.Scan(&cap.Name, &cap.Description, &schema); err != nil {
			return nil, fmt.Errorf("failed to scan capability: %w", err)
		}
		if schema != "" {
			cap.InputSchema = json.RawMessage(schema)
		}
		caps = append(caps, cap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate capabilities: %w", err)
	}

	return caps, nil
}

// CreateCaller inserts a new caller record.
func (s *SQLiteStore) CreateCaller(ctx context.Context, caller *Caller) error {
	if caller == nil {
		return fmt.Errorf("caller cannot be nil")
	}
	if caller.Name == "" {
		return fmt.Errorf("caller name is required")
	}

	caller.CreatedAt = time.Now()

	query := `INSERT INTO callers (id, name, key_hash, created_at) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		caller.ID,
		caller.Name,
		caller.KeyHash,
		caller.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrCallerExists
		}
		return fmt.Errorf("failed to create caller: %w", err)
	}

	return nil
}

// GetCaller retrieves a caller by id.
func (s *SQLiteStore) GetCaller(ctx context.Context, id string) (*Caller, error) {
	query := `SELECT id, name, key_hash, created_at FROM callers WHERE id = ?`

	var caller Caller
	var createdAt string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&caller.ID,
		&caller.Name,
		&caller.KeyHash,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &tberrors.NotFoundError{Resource: "caller", ID: id}
		}
		return nil, fmt.Errorf("failed to get caller: %w", err)
	}

	caller.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &caller, nil
}

// ListCallers returns all callers sorted by creation time.
func (s *SQLiteStore) ListCallers(ctx context.Context) ([]*Caller, error) {
	query := `SELECT id, name, key_hash, created_at FROM callers ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list callers: %w", err)
	}
	defer rows.Close()

	var callers []*Caller
	for rows.Next() {
		var caller Caller
		var createdAt string
		if err := rows.Scan(&caller.ID, &caller.Name, &caller.KeyHash, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan caller: %w", err)
		}
		caller.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		callers = append(callers, &caller)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate callers: %w", err)
	}

	return callers, nil
}

// DeleteCaller removes a caller.
func (s *SQLiteStore) DeleteCaller(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM callers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete caller: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return &tberrors.NotFoundError{Resource: "caller", ID: id}
	}

	return nil
}

// SetSecret encrypts and stores one secret for a tool.
func (s *SQLiteStore) SetSecret(ctx context.Context, toolID, key, value string) error {
	if key == "" {
		return fmt.Errorf("secret key is required")
	}

	encrypted, err := s.encryptor.EncryptString(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt secret: %w", err)
	}

	query := `INSERT INTO secrets (tool_id, key, value_encrypted) VALUES (?, ?, ?)
	          ON CONFLICT(tool_id, key) DO UPDATE SET value_encrypted = excluded.value_encrypted`
	if _, err := s.db.ExecContext(ctx, query, toolID, key, encrypted); err != nil {
		return fmt.Errorf("failed to store secret: %w", err)
	}

	return nil
}

// GetSecrets decrypts and returns all secrets for a tool.
func (s *SQLiteStore) GetSecrets(ctx context.Context, toolID string) (map[string]string, error) {
	query := `SELECT key, value_encrypted FROM secrets WHERE tool_id = ?`

	rows, err := s.db.QueryContext(ctx, query, toolID)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	defer rows.Close()

	secrets := make(map[string]string)
	for rows.Next() {
		var key, encrypted string
		if err := rows.Scan(&key, &encrypted); err != nil {
			return nil, fmt.Errorf("failed to scan secret: %w", err)
		}
		value, err := s.encryptor.DecryptString(encrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt secret %s: %w", key, err)
		}
		secrets[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate secrets: %w", err)
	}

	return secrets, nil
}

// ListSecretKeys returns the secret key names for a tool, never values.
func (s *SQLiteStore) ListSecretKeys(ctx context.Context, toolID string) ([]string, error) {
	query := `SELECT key FROM secrets WHERE tool_id = ? ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query, toolID)
	if err != nil {
		return nil, fmt.Errorf("failed to list secret keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan secret key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate secret keys: %w", err)
	}

	return keys, nil
}

// DeleteSecret removes one secret.
func (s *SQLiteStore) DeleteSecret(ctx context.Context, toolID, key string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE tool_id = ? AND key = ?`, toolID, key)
	if err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return &tberrors.NotFoundError{Resource: "secret", ID: key}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTool(row rowScanner) (*Tool, error) {
	var tool Tool
	var argsJSON, configJSON sql.NullString
	var shared int
	var createdAt, updatedAt string

	err := row.Scan(
		&tool.ID,
		&tool.Name,
		&tool.OwnerID,
		&tool.Repo,
		&tool.BundleKey,
		&tool.Command,
		&argsJSON,
		&configJSON,
		&shared,
		&tool.Status,
		&tool.StatusMessage,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if argsJSON.Valid && argsJSON.String != "" {
		if err := json.Unmarshal([]byte(argsJSON.String), &tool.Args); err != nil {
			return nil, fmt.Errorf("failed to unmarshal args: %w", err)
		}
	}
	if configJSON.Valid && configJSON.String != "" {
		if err := json.Unmarshal([]byte(configJSON.String), &tool.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}
	tool.Shared = shared != 0
	tool.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	tool.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &tool, nil
}

func marshalToolBlobs(tool *Tool) (argsJSON, configJSON string, err error) {
	if len(tool.Args) > 0 {
		data, err := json.Marshal(tool.Args)
		if err != nil {
			return "", "", fmt.Errorf("failed to marshal args: %w", err)
		}
		argsJSON = string(data)
	}

	data, err := json.Marshal(tool.Config)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal config: %w", err)
	}
	configJSON = string(data)

	return argsJSON, configJSON, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueConstraintError checks if error is a unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
