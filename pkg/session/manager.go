// Copyright 2024-2026 Aiku AI

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aiku/wagate/pkg/store"
)

var (
	// ErrTenantNotFound means the tenant has never been started. Distinct
	// from a started tenant whose status is disconnected.
	ErrTenantNotFound = errors.New("session: tenant not found")
	// ErrNotAvailable means the queried projection (pairing artifact or
	// recipient identity) has no current value.
	ErrNotAvailable = errors.New("session: not available")
	// ErrNoActiveSession means a send was attempted without a connected
	// session. Sends are never queued; the caller owns retry policy.
	ErrNoActiveSession = errors.New("session: no active session")
	// ErrDeliveryFailed wraps protocol-driver send errors.
	ErrDeliveryFailed = errors.New("session: message delivery failed")
	// ErrManagerClosed is returned by mutating calls after Close.
	ErrManagerClosed = errors.New("session: manager closed")
)

// Options configures a Manager. Driver, Records, Credentials and Recorder
// are required; zero values elsewhere pick sensible defaults.
type Options struct {
	Driver      Driver
	Records     store.RecordStore
	Credentials store.CredentialStore
	Recorder    MessageRecorder
	Policy      ReconnectPolicy
	Clock       Clock
	Log         zerolog.Logger
}

// Manager owns the tenant→session map: it creates, supervises and tears
// down one Session per tenant and exposes the query/command surface used
// by the HTTP layer. One tenant's failures never propagate to another.
type Manager struct {
	driver  Driver
	records store.RecordStore
	creds   store.CredentialStore
	router  *Router
	policy  ReconnectPolicy
	clock   Clock
	log     zerolog.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[store.TenantID]*Session
	closed   bool
}

// NewManager builds a Manager. Call Close to drain all sessions.
func NewManager(opts Options) *Manager {
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		driver:     opts.Driver,
		records:    opts.Records,
		creds:      opts.Credentials,
		router:     NewRouter(opts.Recorder, opts.Log),
		policy:     opts.Policy,
		clock:      clock,
		log:        opts.Log.With().Str("component", "session_manager").Logger(),
		rootCtx:    ctx,
		rootCancel: cancel,
		sessions:   make(map[store.TenantID]*Session),
	}
}

// StartAll idempotently ensures a session exists and is (re)connecting for
// every listed tenant. A failure for one tenant is logged and counted, not
// propagated to its siblings.
func (m *Manager) StartAll(ctx context.Context, tenants []store.TenantID) error {
	var failed int
	for _, tenant := range tenants {
		if err := m.Connect(ctx, tenant); err != nil {
			m.log.Error().Err(err).
				Str("tenant_id", string(tenant)).
				Msg("Failed to start tenant session")
			failed++
		}
	}
	m.log.Info().
		Int("total", len(tenants)).
		Int("failed", failed).
		Msg("Started tenant sessions")
	if failed > 0 {
		return fmt.Errorf("%d of %d tenant sessions failed to start", failed, len(tenants))
	}
	return nil
}

// Connect ensures a live session exists for the tenant. A live session is
// left alone; a dead one (terminal disconnect, or never started) is
// replaced after its goroutine has fully exited, so at most one live
// session per tenant exists at any instant.
func (m *Manager) Connect(_ context.Context, tenant store.TenantID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if existing, ok := m.sessions[tenant]; ok {
		if existing.Alive() {
			return nil
		}
		// The old goroutine already exited, but stop it anyway so the
		// replace path is identical for every dead session.
		existing.stop()
		existing.waitDone()
	}
	s := newSession(m, tenant)
	m.sessions[tenant] = s
	s.start(m.rootCtx)
	m.log.Info().Str("tenant_id", string(tenant)).Msg("Session started")
	return nil
}

// GetStatus returns the tenant's current status. ErrTenantNotFound if the
// tenant has never been started.
func (m *Manager) GetStatus(tenant store.TenantID) (Status, error) {
	s, err := m.lookup(tenant)
	if err != nil {
		return "", err
	}
	return s.Status(), nil
}

// GetPairingArtifact returns the tenant's current QR data URL.
// ErrNotAvailable if no pairing is in progress, ErrTenantNotFound if the
// tenant has never been started.
func (m *Manager) GetPairingArtifact(tenant store.TenantID) (string, error) {
	s, err := m.lookup(tenant)
	if err != nil {
		return "", err
	}
	artifact, ok := s.PairingArtifact()
	if !ok {
		return "", ErrNotAvailable
	}
	return artifact, nil
}

// GetRecipientIdentity returns the tenant's own resolved number.
func (m *Manager) GetRecipientIdentity(tenant store.TenantID) (string, error) {
	s, err := m.lookup(tenant)
	if err != nil {
		return "", err
	}
	phone, ok := s.RecipientIdentity()
	if !ok {
		return "", ErrNotAvailable
	}
	return phone, nil
}

// Send delivers content to a recipient through the tenant's live session.
// Fails fast with ErrNoActiveSession unless the session is connected.
func (m *Manager) Send(ctx context.Context, tenant store.TenantID, recipientID, content string) error {
	m.mu.Lock()
	s, ok := m.sessions[tenant]
	m.mu.Unlock()
	if !ok {
		return ErrNoActiveSession
	}
	return s.send(ctx, recipientID, content)
}

// Close drains every session: cancels each run goroutine, waits for it to
// exit, clears its in-memory pairing and phone data and persists a final
// disconnected status for external pollers.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	m.rootCancel()
	for _, s := range sessions {
		s.stop()
		s.waitDone()
		s.setSnapshot(func(sn *snapshot) {
			sn.status = StatusDisconnected
			sn.artifact = ""
			sn.phone = ""
		})
		if err := m.records.MergeRecord(ctx, s.tenant, map[string]any{
			store.FieldStatus: string(StatusDisconnected),
		}); err != nil {
			m.log.Error().Err(err).
				Str("tenant_id", string(s.tenant)).
				Msg("Failed to persist shutdown status")
		}
	}
	m.log.Info().Int("count", len(sessions)).Msg("All sessions drained")
	return nil
}

func (m *Manager) lookup(tenant store.TenantID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tenant]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return s, nil
}
