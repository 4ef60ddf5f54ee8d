// Copyright 2024-2026 Aiku AI

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/wagate/pkg/store"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// sentMessage records one Handle.Send call.
type sentMessage struct {
	RecipientID string
	Content     string
}

// fakeHandle is a scriptable protocol connection: tests emit events into
// it and inspect what was sent through it.
type fakeHandle struct {
	events chan Event

	mu      sync.Mutex
	sends   []sentMessage
	sendErr error
	closed  bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{events: make(chan Event, 32)}
}

func (h *fakeHandle) Events() <-chan Event { return h.events }

func (h *fakeHandle) Send(_ context.Context, recipientID, content string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.sends = append(h.sends, sentMessage{RecipientID: recipientID, Content: content})
	return nil
}

func (h *fakeHandle) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

func (h *fakeHandle) emit(evt Event) { h.events <- evt }

func (h *fakeHandle) sentMessages() []sentMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]sentMessage, len(h.sends))
	copy(cp, h.sends)
	return cp
}

// fakeDriver hands out fakeHandles and records connect attempts.
type fakeDriver struct {
	mu       sync.Mutex
	connects map[store.TenantID]int
	handles  map[store.TenantID][]*fakeHandle
	creds    map[store.TenantID][]*store.Credential
	errs     map[store.TenantID]error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		connects: make(map[store.TenantID]int),
		handles:  make(map[store.TenantID][]*fakeHandle),
		creds:    make(map[store.TenantID][]*store.Credential),
		errs:     make(map[store.TenantID]error),
	}
}

func (d *fakeDriver) Connect(_ context.Context, tenant store.TenantID, cred *store.Credential) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects[tenant]++
	d.creds[tenant] = append(d.creds[tenant], cred)
	if err := d.errs[tenant]; err != nil {
		return nil, err
	}
	h := newFakeHandle()
	d.handles[tenant] = append(d.handles[tenant], h)
	return h, nil
}

func (d *fakeDriver) failWith(tenant store.TenantID, err error) {
	d.mu.Lock()
	d.errs[tenant] = err
	d.mu.Unlock()
}

func (d *fakeDriver) connectCount(tenant store.TenantID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects[tenant]
}

func (d *fakeDriver) lastHandle(tenant store.TenantID) *fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	hs := d.handles[tenant]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

func (d *fakeDriver) lastCredential(tenant store.TenantID) *store.Credential {
	d.mu.Lock()
	defer d.mu.Unlock()
	cs := d.creds[tenant]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

// fakeStore is an in-memory RecordStore + CredentialStore with a
// switchable failure mode for exercising persistence faults.
type fakeStore struct {
	mu       sync.Mutex
	docs     map[store.TenantID]map[string]any
	mergeErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[store.TenantID]map[string]any)}
}

func (f *fakeStore) MergeRecord(_ context.Context, tenant store.TenantID, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mergeErr != nil {
		return f.mergeErr
	}
	doc := f.docs[tenant]
	if doc == nil {
		doc = make(map[string]any)
		f.docs[tenant] = doc
	}
	for k, v := range fields {
		doc[k] = v
	}
	return nil
}

func (f *fakeStore) GetRecord(_ context.Context, tenant store.TenantID) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[tenant]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := make(map[string]any, len(doc))
	for k, v := range doc {
		cp[k] = v
	}
	return cp, nil
}

func (f *fakeStore) ListTenants(_ context.Context) ([]store.TenantID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var tenants []store.TenantID
	for t := range f.docs {
		tenants = append(tenants, t)
	}
	return tenants, nil
}

func (f *fakeStore) LoadCredential(_ context.Context, tenant store.TenantID) (*store.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[tenant]
	if !ok {
		return nil, store.ErrNotFound
	}
	raw, ok := doc[store.FieldCredential]
	if !ok || raw == nil {
		return nil, store.ErrNotFound
	}
	cred, ok := raw.(*store.Credential)
	if !ok {
		return nil, errors.New("fakeStore: unexpected credential type")
	}
	return cred, nil
}

func (f *fakeStore) SaveCredential(ctx context.Context, tenant store.TenantID, cred *store.Credential) error {
	return f.MergeRecord(ctx, tenant, map[string]any{store.FieldCredential: cred})
}

func (f *fakeStore) DeleteCredential(ctx context.Context, tenant store.TenantID) error {
	return f.MergeRecord(ctx, tenant, map[string]any{store.FieldCredential: nil})
}

func (f *fakeStore) setMergeErr(err error) {
	f.mu.Lock()
	f.mergeErr = err
	f.mu.Unlock()
}

func (f *fakeStore) field(tenant store.TenantID, key string) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[tenant]
	if !ok {
		return nil
	}
	return doc[key]
}

// fakeClock hands out reconnect timers that only fire on demand.
type fakeClock struct {
	mu      sync.Mutex
	waiters []chan time.Time
	asked   int
}

func newFakeClock() *fakeClock { return &fakeClock{} }

func (c *fakeClock) Now() time.Time { return time.Unix(1700000000, 0) }

func (c *fakeClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	c.asked++
	c.mu.Unlock()
	return ch
}

// fire releases every pending timer.
func (c *fakeClock) fire() {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, ch := range waiters {
		ch <- time.Unix(1700000001, 0)
	}
}

func (c *fakeClock) timersAsked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.asked
}

// recordedMessage is one call into the fakeRecorder.
type recordedMessage struct {
	Tenant   store.TenantID
	SenderID string
	Msg      *InboundMessage
}

type fakeRecorder struct {
	mu   sync.Mutex
	recs []recordedMessage
	err  error
}

func (r *fakeRecorder) RecordInbound(_ context.Context, tenant store.TenantID, senderID string, msg *InboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.recs = append(r.recs, recordedMessage{Tenant: tenant, SenderID: senderID, Msg: msg})
	return nil
}

func (r *fakeRecorder) recorded() []recordedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]recordedMessage, len(r.recs))
	copy(cp, r.recs)
	return cp
}

// testEnv bundles a Manager with all its fakes.
type testEnv struct {
	mgr      *Manager
	driver   *fakeDriver
	st       *fakeStore
	clock    *fakeClock
	recorder *fakeRecorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		driver:   newFakeDriver(),
		st:       newFakeStore(),
		clock:    newFakeClock(),
		recorder: &fakeRecorder{},
	}
	env.mgr = NewManager(Options{
		Driver:      env.driver,
		Records:     env.st,
		Credentials: env.st,
		Recorder:    env.recorder,
		Clock:       env.clock,
		Log:         zerolog.Nop(),
	})
	t.Cleanup(func() {
		_ = env.mgr.Close(context.Background())
	})
	return env
}

// session returns the current session for a tenant, or nil.
func (e *testEnv) session(tenant store.TenantID) *Session {
	e.mgr.mu.Lock()
	defer e.mgr.mu.Unlock()
	return e.mgr.sessions[tenant]
}
