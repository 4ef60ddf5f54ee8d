// Copyright 2024-2026 Aiku AI

// Package loopback is a development protocol driver: it simulates the
// pairing and connection lifecycle of a real messaging network so the
// gateway can run end to end with no external dependencies. Fresh
// credentials go through a rotating pairing token before "scanning"
// completes; paired credentials connect immediately. Outbound sends are
// reflected back as self-sent echoes.
package loopback

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/random"

	"github.com/aiku/wagate/pkg/session"
	"github.com/aiku/wagate/pkg/store"
)

// Driver implements session.Driver. The zero value works; tune the delays
// for faster tests.
type Driver struct {
	// PairDelay is how long an unpaired connection waits before the
	// simulated scan completes. Defaults to 3s.
	PairDelay time.Duration
	// TokenInterval is how often a pending pairing rotates its token.
	// Defaults to 1s.
	TokenInterval time.Duration
	// DropAfter, when non-zero, closes every connection with a network
	// error after that duration. Useful for exercising reconnects.
	DropAfter time.Duration

	Log zerolog.Logger
}

var _ session.Driver = (*Driver)(nil)

// Connect implements session.Driver.
func (d *Driver) Connect(ctx context.Context, tenant store.TenantID, cred *store.Credential) (session.Handle, error) {
	if cred == nil {
		return nil, fmt.Errorf("loopback: nil credential for tenant %s", tenant)
	}
	h := &handle{
		events: make(chan session.Event, 16),
		stop:   make(chan struct{}),
		selfID: phoneFor(tenant),
		log: d.Log.With().
			Str("component", "loopback_driver").
			Str("tenant_id", string(tenant)).
			Logger(),
	}
	go h.lifecycle(d, cred)
	return h, nil
}

// phoneFor derives a stable fake phone number from the tenant id.
func phoneFor(tenant store.TenantID) string {
	sum := fnv.New32a()
	sum.Write([]byte(tenant))
	return fmt.Sprintf("555%07d", sum.Sum32()%10000000)
}

type handle struct {
	events chan session.Event
	stop   chan struct{}
	selfID string
	log    zerolog.Logger

	mu       sync.Mutex
	closed   bool
	stopOnce sync.Once
}

func (h *handle) Events() <-chan session.Event { return h.events }

// Send logs the outbound message and reflects it back as a self-sent echo,
// like a real network does on other linked devices.
func (h *handle) Send(_ context.Context, recipientID, content string) error {
	h.log.Info().
		Str("recipient_id", recipientID).
		Msg("Loopback send")
	h.emit(session.Event{
		Kind: session.EventMessage,
		Message: &session.InboundMessage{
			ID:        random.String(12),
			SenderID:  h.selfID,
			Content:   content,
			FromSelf:  true,
			Timestamp: time.Now().UTC(),
		},
	})
	return nil
}

func (h *handle) Close() {
	h.stopOnce.Do(func() {
		close(h.stop)
		h.mu.Lock()
		h.closed = true
		close(h.events)
		h.mu.Unlock()
	})
}

// emit delivers an event unless the handle is closed or its buffer is
// full. Loopback events are best-effort.
func (h *handle) emit(evt session.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.events <- evt:
	default:
		h.log.Warn().Int("kind", int(evt.Kind)).Msg("Dropping event, buffer full")
	}
}

// lifecycle drives the simulated connection: pairing (if needed), then
// connected, then an optional simulated drop.
func (h *handle) lifecycle(d *Driver, cred *store.Credential) {
	pairDelay := d.PairDelay
	if pairDelay <= 0 {
		pairDelay = 3 * time.Second
	}
	tokenInterval := d.TokenInterval
	if tokenInterval <= 0 {
		tokenInterval = time.Second
	}

	if !cred.Paired {
		paired := time.After(pairDelay)
		h.emit(session.Event{Kind: session.EventPairing, PairingToken: random.String(32)})
		rotate := time.NewTicker(tokenInterval)
		defer rotate.Stop()
	pairing:
		for {
			select {
			case <-h.stop:
				return
			case <-rotate.C:
				h.emit(session.Event{Kind: session.EventPairing, PairingToken: random.String(32)})
			case <-paired:
				break pairing
			}
		}
		updated := *cred
		updated.Paired = true
		h.emit(session.Event{Kind: session.EventCredential, Credential: &updated})
	}

	h.emit(session.Event{Kind: session.EventConnected, SelfID: h.selfID})

	if d.DropAfter > 0 {
		select {
		case <-h.stop:
		case <-time.After(d.DropAfter):
			h.emit(session.Event{Kind: session.EventClosed, CloseCode: 1006})
		}
		return
	}
	<-h.stop
}
