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

// Status is the externally observable projection of a session's state. It
// is derived from the state machine, never stored independently, so the
// polled view cannot diverge from the true connection state.
type Status string

const (
	StatusDisconnected    Status = "disconnected"
	StatusAwaitingPairing Status = "awaiting_pairing"
	StatusConnected       Status = "connected"
	StatusError           Status = "error"
)

// snapshot holds the externally visible projection of one session. It is
// guarded by the session's own lock only, so reads never contend with
// other tenants.
type snapshot struct {
	status   Status
	artifact string // QR data URL, empty when none
	phone    string // resolved own number, empty when unknown
	// stale marks that the last durable write failed; in-memory state is
	// authoritative until a later write succeeds.
	stale bool
}

// Session is one tenant's connection attempt or live connection. All state
// mutation happens on the session's own run goroutine; concurrent callers
// only read the snapshot or delegate sends to the current handle.
type Session struct {
	tenant  store.TenantID
	driver  Driver
	records store.RecordStore
	creds   store.CredentialStore
	router  *Router
	policy  ReconnectPolicy
	clock   Clock
	log     zerolog.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	mu     sync.RWMutex
	snap   snapshot
	handle Handle

	// Owned by the run goroutine, never read elsewhere.
	cred    *store.Credential
	pending map[string]any
}

func newSession(m *Manager, tenant store.TenantID) *Session {
	return &Session{
		tenant:  tenant,
		driver:  m.driver,
		records: m.records,
		creds:   m.creds,
		router:  m.router,
		policy:  m.policy,
		clock:   m.clock,
		log: m.log.With().
			Str("component", "session").
			Str("tenant_id", string(tenant)).
			Logger(),
		done: make(chan struct{}),
		snap: snapshot{status: StatusDisconnected},
	}
}

func (s *Session) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	go s.run(ctx)
}

// stop cancels the session's run goroutine, including any pending
// reconnect timer. Safe to call more than once.
func (s *Session) stop() {
	s.stopOnce.Do(s.cancel)
}

// waitDone blocks until the run goroutine has exited.
func (s *Session) waitDone() {
	<-s.done
}

// Alive reports whether the run goroutine is still driving this session.
// A terminal (auth-revoked) session is not alive even though it remains
// queryable.
func (s *Session) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// run is the session's single-writer loop: connect, consume the event
// stream until the connection closes, then either stop (terminal close or
// cancellation) or sleep the policy delay and reconnect. Leaving the
// consuming phase on the first close is what guarantees at most one
// reconnect per connection, no matter how many close-shaped events the
// driver produced.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	attempt := 0
	for {
		terminal, wasConnected := s.runOnce(ctx)
		if terminal || ctx.Err() != nil {
			return
		}
		if wasConnected {
			attempt = 0
		}
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.policy.NextDelay(attempt)):
		}
	}
}

func (s *Session) runOnce(ctx context.Context) (terminal, wasConnected bool) {
	// Entering Initializing: the retry gap is over, the error (if any) is
	// no longer current.
	if s.Status() != StatusDisconnected {
		s.setSnapshot(func(sn *snapshot) { sn.status = StatusDisconnected })
		s.persist(ctx, map[string]any{store.FieldStatus: string(StatusDisconnected)})
	}

	cred, err := s.ensureCredential(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load credential")
		s.transitionError(ctx)
		return false, false
	}

	handle, err := s.driver.Connect(ctx, s.tenant, cred)
	if err != nil {
		s.log.Error().Err(err).Msg("Protocol connect failed")
		s.transitionError(ctx)
		return false, false
	}
	s.setHandle(handle)
	defer func() {
		s.setHandle(nil)
		handle.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return false, wasConnected
		case evt, ok := <-handle.Events():
			if !ok {
				s.log.Warn().Msg("Event stream ended without close frame, reconnecting")
				s.transitionClosed(ctx)
				return false, wasConnected
			}
			switch evt.Kind {
			case EventPairing:
				s.handlePairing(ctx, evt.PairingToken)
			case EventConnected:
				wasConnected = true
				s.handleConnected(ctx, evt.SelfID)
			case EventClosed:
				return s.handleClosed(ctx, evt.CloseCode), wasConnected
			case EventMessage:
				s.router.Dispatch(ctx, s.tenant, evt.Message)
			case EventCredential:
				s.handleCredentialUpdate(ctx, evt.Credential)
			default:
				s.log.Warn().Int("kind", int(evt.Kind)).Msg("Unhandled driver event")
			}
		}
	}
}

// ensureCredential returns the session's credential, loading it from the
// store or minting fresh material for a tenant that has none.
func (s *Session) ensureCredential(ctx context.Context) (*store.Credential, error) {
	if s.cred != nil {
		return s.cred, nil
	}
	cred, err := s.creds.LoadCredential(ctx, s.tenant)
	switch {
	case err == nil:
		s.cred = cred
	case errors.Is(err, store.ErrNotFound):
		s.cred = store.NewCredential()
		if err := s.creds.SaveCredential(ctx, s.tenant, s.cred); err != nil {
			// The driver emits a credential update once pairing completes;
			// memory stays authoritative until then.
			s.log.Error().Err(err).Msg("Failed to save fresh credential")
		}
	default:
		return nil, err
	}
	return s.cred, nil
}

func (s *Session) handlePairing(ctx context.Context, token string) {
	artifact, err := renderPairingArtifact(token)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to render pairing artifact")
		return
	}
	// A new token replaces the previous artifact: tokens rotate and only
	// the latest is scannable.
	s.setSnapshot(func(sn *snapshot) {
		sn.status = StatusAwaitingPairing
		sn.artifact = artifact
	})
	s.log.Info().Msg("Pairing token issued")
	s.persist(ctx, map[string]any{
		store.FieldStatus: string(StatusAwaitingPairing),
		store.FieldQR:     artifact,
	})
}

func (s *Session) handleConnected(ctx context.Context, selfID string) {
	s.setSnapshot(func(sn *snapshot) {
		sn.status = StatusConnected
		sn.artifact = ""
		if selfID != "" {
			sn.phone = selfID
		}
	})
	s.log.Info().Str("phone_number", selfID).Msg("Connected")
	fields := map[string]any{
		store.FieldStatus: string(StatusConnected),
		store.FieldQR:     nil,
	}
	if selfID != "" {
		fields[store.FieldPhone] = selfID
	}
	s.persist(ctx, fields)
}

func (s *Session) handleClosed(ctx context.Context, code CloseCode) (terminal bool) {
	if code.Terminal() {
		s.log.Warn().Int("close_code", int(code)).Msg("Authentication revoked, session is terminal")
		s.cred = nil
		s.setSnapshot(func(sn *snapshot) {
			sn.status = StatusDisconnected
			sn.artifact = ""
			sn.phone = ""
		})
		if err := s.creds.DeleteCredential(ctx, s.tenant); err != nil {
			s.log.Error().Err(err).Msg("Failed to clear revoked credential")
			s.setSnapshot(func(sn *snapshot) { sn.stale = true })
		}
		s.persist(ctx, map[string]any{
			store.FieldStatus: string(StatusDisconnected),
			store.FieldQR:     nil,
			store.FieldPhone:  nil,
		})
		return true
	}
	s.log.Warn().Int("close_code", int(code)).Msg("Connection closed, scheduling reconnect")
	s.transitionClosed(ctx)
	return false
}

func (s *Session) handleCredentialUpdate(ctx context.Context, cred *store.Credential) {
	if cred == nil {
		return
	}
	s.cred = cred
	if err := s.creds.SaveCredential(ctx, s.tenant, cred); err != nil {
		s.log.Error().Err(err).Msg("Failed to save credential update")
		s.setSnapshot(func(sn *snapshot) { sn.stale = true })
	}
}

func (s *Session) transitionError(ctx context.Context) {
	s.setSnapshot(func(sn *snapshot) { sn.status = StatusError })
	s.persist(ctx, map[string]any{store.FieldStatus: string(StatusError)})
}

func (s *Session) transitionClosed(ctx context.Context) {
	s.setSnapshot(func(sn *snapshot) {
		sn.status = StatusDisconnected
		sn.artifact = ""
	})
	s.persist(ctx, map[string]any{
		store.FieldStatus: string(StatusDisconnected),
		store.FieldQR:     nil,
	})
}

// persist merges the given fields (plus any fields whose earlier write
// failed) into the tenant's durable record. On failure the fields are kept
// for retry on the next transition and the snapshot is flagged stale so
// operators can detect drift between memory and store.
func (s *Session) persist(ctx context.Context, fields map[string]any) {
	merged := fields
	if len(s.pending) > 0 {
		merged = make(map[string]any, len(s.pending)+len(fields))
		for k, v := range s.pending {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
	}
	if err := s.records.MergeRecord(ctx, s.tenant, merged); err != nil {
		s.log.Error().Err(err).Msg("Failed to persist session record, in-memory state stays authoritative")
		s.pending = merged
		s.setSnapshot(func(sn *snapshot) { sn.stale = true })
		return
	}
	s.pending = nil
	s.setSnapshot(func(sn *snapshot) { sn.stale = false })
}

func (s *Session) setSnapshot(fn func(*snapshot)) {
	s.mu.Lock()
	fn(&s.snap)
	s.mu.Unlock()
}

func (s *Session) setHandle(h Handle) {
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
}

// Status returns the session's current externally visible status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.status
}

// PairingArtifact returns the current QR data URL, if one is pending scan.
func (s *Session) PairingArtifact() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.artifact, s.snap.artifact != ""
}

// RecipientIdentity returns the tenant's own resolved number, if known.
func (s *Session) RecipientIdentity() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.phone, s.snap.phone != ""
}

// Stale reports whether the durable record is known to lag the in-memory
// state because a write failed.
func (s *Session) Stale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.stale
}

func (s *Session) send(ctx context.Context, recipientID, content string) error {
	s.mu.RLock()
	handle, status := s.handle, s.snap.status
	s.mu.RUnlock()
	if status != StatusConnected || handle == nil {
		return ErrNoActiveSession
	}
	if err := handle.Send(ctx, recipientID, content); err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return nil
}
