// Copyright 2024-2026 Aiku AI

// Package store persists per-tenant session documents. Each tenant owns a
// single JSON document holding its connection status, the current pairing
// QR, the resolved phone number, the durable credential and any fields
// written by other subsystems. Writes are field-wise merges so unrelated
// fields always survive a status update.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/util/random"
)

// TenantID identifies one tenant. It is the sole key into all session,
// credential and record maps.
type TenantID string

// ErrNotFound is returned when a tenant record or credential does not exist.
var ErrNotFound = errors.New("store: not found")

// Record field names shared between the session core and external pollers.
const (
	FieldStatus     = "status"
	FieldQR         = "qr"
	FieldPhone      = "phone_number"
	FieldCredential = "creds"
)

// Credential is the durable authentication material needed to re-establish
// a protocol connection without re-pairing.
type Credential struct {
	DeviceID     string    `json:"device_id"`
	NoiseKey     []byte    `json:"noise_key"`
	Paired       bool      `json:"paired"`
	RegisteredAt time.Time `json:"registered_at"`
}

// NewCredential mints fresh, unpaired credential material for a tenant
// that has none.
func NewCredential() *Credential {
	return &Credential{
		DeviceID:     random.String(16),
		NoiseKey:     random.Bytes(32),
		RegisteredAt: time.Now().UTC(),
	}
}

// RecordStore merges partial updates into per-tenant documents and lists
// the tenants known to the system.
type RecordStore interface {
	// MergeRecord applies the given fields to the tenant's document,
	// creating it if missing. A nil value stores JSON null for that field;
	// fields not named are left untouched.
	MergeRecord(ctx context.Context, tenant TenantID, fields map[string]any) error
	// GetRecord returns the tenant's full document. ErrNotFound if the
	// tenant has never been written.
	GetRecord(ctx context.Context, tenant TenantID) (map[string]any, error)
	// ListTenants returns every tenant with a document, in stable order.
	ListTenants(ctx context.Context) ([]TenantID, error)
}

// CredentialStore loads and saves durable credentials keyed by tenant.
type CredentialStore interface {
	// LoadCredential returns the stored credential, or ErrNotFound if the
	// tenant has none (never paired, or revoked).
	LoadCredential(ctx context.Context, tenant TenantID) (*Credential, error)
	SaveCredential(ctx context.Context, tenant TenantID, cred *Credential) error
	// DeleteCredential clears the stored credential, writing JSON null so
	// pollers can distinguish "revoked" from "never written".
	DeleteCredential(ctx context.Context, tenant TenantID) error
}

// decodeCredential converts the raw document value under FieldCredential
// back into a Credential. Returns ErrNotFound for missing or null values.
func decodeCredential(raw any) (*Credential, error) {
	if raw == nil {
		return nil, ErrNotFound
	}
	// The value comes back from the JSON document as map[string]any;
	// round-trip it through encoding/json to get the typed struct.
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode credential: %w", err)
	}
	var cred Credential
	if err := json.Unmarshal(buf, &cred); err != nil {
		return nil, fmt.Errorf("failed to decode credential: %w", err)
	}
	return &cred, nil
}
