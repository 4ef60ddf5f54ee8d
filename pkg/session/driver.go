// Copyright 2024-2026 Aiku AI

// Package session is the multi-tenant session core: it owns one logical
// protocol connection per tenant, drives each connection's state machine,
// persists credentials and connection status, renders pairing artifacts
// and routes inbound messages. The wire protocol itself lives behind the
// Driver interface and is supplied by the caller.
package session

import (
	"context"
	"time"

	"github.com/aiku/wagate/pkg/store"
)

// EventKind discriminates the events a Handle emits.
type EventKind int

const (
	// EventPairing carries a fresh one-time pairing token. Tokens rotate;
	// only the latest is valid.
	EventPairing EventKind = iota + 1
	// EventConnected reports an open connection, optionally carrying the
	// tenant's own resolved number.
	EventConnected
	// EventClosed reports a closed connection with a reason code. It is
	// the last event a Handle emits.
	EventClosed
	// EventMessage carries one inbound message.
	EventMessage
	// EventCredential reports mutated credential material that must be
	// written back to durable storage.
	EventCredential
)

// CloseCode is the protocol driver's reason code for a closed connection.
type CloseCode int

// CloseAuthRevoked means the stored credential was invalidated remotely.
// It is the only terminal close code; every other code is retried.
const CloseAuthRevoked CloseCode = 401

// Terminal reports whether the close code ends the session for its
// current credential.
func (c CloseCode) Terminal() bool {
	return c == CloseAuthRevoked
}

// InboundMessage is one message received from the protocol network.
type InboundMessage struct {
	ID        string
	SenderID  string
	Content   string
	// FromSelf marks echoes of this tenant's own outbound sends reflected
	// back by the protocol.
	FromSelf  bool
	Timestamp time.Time
}

// Event is one item on a Handle's event stream. Exactly one payload field
// is set, selected by Kind.
type Event struct {
	Kind EventKind

	PairingToken string
	SelfID       string
	CloseCode    CloseCode
	Message      *InboundMessage
	Credential   *store.Credential
}

// Driver opens protocol connections. Implementations wrap the external
// messaging-protocol client; this package never speaks the wire protocol
// directly.
type Driver interface {
	Connect(ctx context.Context, tenant store.TenantID, cred *store.Credential) (Handle, error)
}

// Handle is one live (or pending) protocol connection. A Handle is owned
// exclusively by the Session that created it.
type Handle interface {
	// Events returns the handle's event stream. The stream is consumed by
	// exactly one goroutine; events are delivered in the order the
	// protocol produced them. The channel is closed after EventClosed or
	// when the connection dies without a close frame.
	Events() <-chan Event
	// Send delivers a message to a recipient on this connection.
	Send(ctx context.Context, recipientID, content string) error
	// Close tears the connection down. Safe to call more than once.
	Close()
}
