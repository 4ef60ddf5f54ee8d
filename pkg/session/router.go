// Copyright 2024-2026 Aiku AI

package session

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aiku/wagate/pkg/store"
)

// MessageRecorder persists inbound messages. The interface is satisfied at
// compile time by the storage layer, so a missing handler is impossible by
// construction.
type MessageRecorder interface {
	RecordInbound(ctx context.Context, tenant store.TenantID, senderID string, msg *InboundMessage) error
}

// Router dispatches inbound protocol events for a tenant to the message
// recorder. It filters echoes of the tenant's own sends and drops
// malformed events, so a bad message can never take down a session's
// event loop.
type Router struct {
	recorder MessageRecorder
	log      zerolog.Logger
}

// NewRouter builds a Router around the given recorder.
func NewRouter(recorder MessageRecorder, log zerolog.Logger) *Router {
	return &Router{
		recorder: recorder,
		log:      log.With().Str("component", "inbound_router").Logger(),
	}
}

// Dispatch forwards one inbound message to the recorder. Never panics and
// never returns an error: failures are logged and the event is dropped.
func (r *Router) Dispatch(ctx context.Context, tenant store.TenantID, msg *InboundMessage) {
	if msg == nil || msg.SenderID == "" {
		r.log.Warn().
			Str("tenant_id", string(tenant)).
			Msg("Dropping malformed inbound message")
		return
	}
	if msg.FromSelf {
		// Echo prevention: the protocol reflects our own outbound sends.
		r.log.Debug().
			Str("tenant_id", string(tenant)).
			Str("message_id", msg.ID).
			Msg("Skipping self-sent message")
		return
	}
	if err := r.recorder.RecordInbound(ctx, tenant, msg.SenderID, msg); err != nil {
		r.log.Error().Err(err).
			Str("tenant_id", string(tenant)).
			Str("message_id", msg.ID).
			Msg("Failed to record inbound message")
	}
}
