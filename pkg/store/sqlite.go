// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO required)
)

// SQLiteStore implements RecordStore and CredentialStore over a single
// SQLite database. Tenant documents live in one table as JSON; inbound
// messages are appended to a second table.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

var (
	_ RecordStore     = (*SQLiteStore)(nil)
	_ CredentialStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (creating if necessary) the database at dbPath.
// Pass ":memory:" for an ephemeral store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	connStr := dbPath
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
		connStr += "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would otherwise get its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenant_records (
		tenant_id  TEXT PRIMARY KEY,
		doc        TEXT NOT NULL DEFAULT '{}',
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS inbound_messages (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id   TEXT NOT NULL,
		message_id  TEXT NOT NULL,
		sender_id   TEXT NOT NULL,
		content     TEXT NOT NULL,
		received_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_inbound_tenant ON inbound_messages(tenant_id, received_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// MergeRecord implements RecordStore. The merge is a read-modify-write of
// the JSON document inside a transaction, so concurrent merges for the
// same tenant never lose each other's fields.
func (s *SQLiteStore) MergeRecord(ctx context.Context, tenant TenantID, fields map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin merge tx: %w", err)
	}
	defer tx.Rollback()

	doc := map[string]any{}
	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT doc FROM tenant_records WHERE tenant_id = ?`, string(tenant)).Scan(&raw)
	switch {
	case err == nil:
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return fmt.Errorf("corrupt record for tenant %s: %w", tenant, err)
		}
	case errors.Is(err, sql.ErrNoRows):
		// First write for this tenant, start from an empty document.
	default:
		return fmt.Errorf("failed to read record: %w", err)
	}

	for k, v := range fields {
		doc[k] = v
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tenant_records (tenant_id, doc, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		string(tenant), string(merged), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return tx.Commit()
}

// GetRecord implements RecordStore.
func (s *SQLiteStore) GetRecord(ctx context.Context, tenant TenantID) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM tenant_records WHERE tenant_id = ?`, string(tenant)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	doc := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("corrupt record for tenant %s: %w", tenant, err)
	}
	return doc, nil
}

// ListTenants implements RecordStore.
func (s *SQLiteStore) ListTenants(ctx context.Context) ([]TenantID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id FROM tenant_records ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []TenantID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant id: %w", err)
		}
		tenants = append(tenants, TenantID(id))
	}
	return tenants, rows.Err()
}

// LoadCredential implements CredentialStore.
func (s *SQLiteStore) LoadCredential(ctx context.Context, tenant TenantID) (*Credential, error) {
	doc, err := s.GetRecord(ctx, tenant)
	if err != nil {
		return nil, err
	}
	raw, ok := doc[FieldCredential]
	if !ok {
		return nil, ErrNotFound
	}
	return decodeCredential(raw)
}

// SaveCredential implements CredentialStore.
func (s *SQLiteStore) SaveCredential(ctx context.Context, tenant TenantID, cred *Credential) error {
	return s.MergeRecord(ctx, tenant, map[string]any{FieldCredential: cred})
}

// DeleteCredential implements CredentialStore.
func (s *SQLiteStore) DeleteCredential(ctx context.Context, tenant TenantID) error {
	return s.MergeRecord(ctx, tenant, map[string]any{FieldCredential: nil})
}

// SaveInboundMessage appends one received message for a tenant.
func (s *SQLiteStore) SaveInboundMessage(ctx context.Context, tenant TenantID, messageID, senderID, content string, receivedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inbound_messages (tenant_id, message_id, sender_id, content, received_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(tenant), messageID, senderID, content, receivedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save inbound message: %w", err)
	}
	return nil
}

// CountInboundMessages returns how many messages have been recorded for a
// tenant. Used by operational tooling and tests.
func (s *SQLiteStore) CountInboundMessages(ctx context.Context, tenant TenantID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM inbound_messages WHERE tenant_id = ?`, string(tenant)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count inbound messages: %w", err)
	}
	return n, nil
}
