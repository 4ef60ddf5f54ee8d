// Copyright 2024-2026 Aiku AI

package loopback

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/wagate/pkg/session"
	"github.com/aiku/wagate/pkg/store"
)

// collect reads events until the predicate says stop or the timeout hits.
func collect(t *testing.T, h session.Handle, stop func([]session.Event) bool) []session.Event {
	t.Helper()
	var events []session.Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-h.Events():
			if !ok {
				return events
			}
			events = append(events, evt)
			if stop(events) {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out, events so far: %d", len(events))
		}
	}
}

// TestUnpairedLifecycle verifies a fresh credential goes pairing →
// credential update → connected.
func TestUnpairedLifecycle(t *testing.T) {
	t.Parallel()
	d := &Driver{PairDelay: 50 * time.Millisecond, TokenInterval: 10 * time.Millisecond, Log: zerolog.Nop()}

	cred := store.NewCredential()
	h, err := d.Connect(context.Background(), "acme", cred)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h.Close()

	events := collect(t, h, func(evts []session.Event) bool {
		return evts[len(evts)-1].Kind == session.EventConnected
	})

	if events[0].Kind != session.EventPairing || events[0].PairingToken == "" {
		t.Fatalf("expected a pairing token first, got %+v", events[0])
	}
	var sawCredential bool
	for _, evt := range events {
		if evt.Kind == session.EventCredential {
			sawCredential = true
			if !evt.Credential.Paired {
				t.Fatal("credential update must be paired")
			}
		}
	}
	if !sawCredential {
		t.Fatal("expected a credential update before connected")
	}
	last := events[len(events)-1]
	if last.SelfID == "" {
		t.Fatal("connected event must carry the resolved number")
	}
}

// TestPairedConnectsImmediately verifies a paired credential skips the
// pairing phase.
func TestPairedConnectsImmediately(t *testing.T) {
	t.Parallel()
	d := &Driver{PairDelay: time.Hour, Log: zerolog.Nop()}

	cred := store.NewCredential()
	cred.Paired = true
	h, err := d.Connect(context.Background(), "acme", cred)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h.Close()

	events := collect(t, h, func(evts []session.Event) bool { return true })
	if events[0].Kind != session.EventConnected {
		t.Fatalf("expected immediate connect, got %+v", events[0])
	}
}

// TestSendReflectsEcho verifies outbound sends come back as self-sent
// messages.
func TestSendReflectsEcho(t *testing.T) {
	t.Parallel()
	d := &Driver{Log: zerolog.Nop()}

	cred := store.NewCredential()
	cred.Paired = true
	h, err := d.Connect(context.Background(), "acme", cred)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h.Close()

	// Drain the connected event first.
	collect(t, h, func(evts []session.Event) bool { return true })

	if err := h.Send(context.Background(), "555777", "hola"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	events := collect(t, h, func(evts []session.Event) bool { return true })
	msg := events[0].Message
	if events[0].Kind != session.EventMessage || msg == nil {
		t.Fatalf("expected a message event, got %+v", events[0])
	}
	if !msg.FromSelf || msg.Content != "hola" {
		t.Fatalf("expected a self-sent echo of the send, got %+v", msg)
	}
}

// TestStablePhoneNumber verifies the derived number is stable per tenant
// and distinct across tenants.
func TestStablePhoneNumber(t *testing.T) {
	t.Parallel()
	if phoneFor("acme") != phoneFor("acme") {
		t.Fatal("phone must be stable for a tenant")
	}
	if phoneFor("acme") == phoneFor("globex") {
		t.Fatal("phones must differ across tenants")
	}
	if len(phoneFor("acme")) != 10 {
		t.Fatalf("expected a 10 digit number, got %s", phoneFor("acme"))
	}
}

// TestDropAfterEmitsRecoverableClose verifies the simulated drop produces
// a non-terminal close event.
func TestDropAfterEmitsRecoverableClose(t *testing.T) {
	t.Parallel()
	d := &Driver{DropAfter: 30 * time.Millisecond, Log: zerolog.Nop()}

	cred := store.NewCredential()
	cred.Paired = true
	h, err := d.Connect(context.Background(), "acme", cred)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h.Close()

	events := collect(t, h, func(evts []session.Event) bool {
		return evts[len(evts)-1].Kind == session.EventClosed
	})
	last := events[len(events)-1]
	if last.CloseCode.Terminal() {
		t.Fatal("simulated drop must be recoverable")
	}
}
