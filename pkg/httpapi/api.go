// Copyright 2024-2026 Aiku AI

// Package httpapi is the thin HTTP surface over the session core. It maps
// the manager's small closed set of errors onto HTTP status codes and
// never exposes internal retry state to callers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aiku/wagate/pkg/session"
	"github.com/aiku/wagate/pkg/store"
)

// maxBodySize is the maximum allowed request body (1 MB).
const maxBodySize = 1 << 20

// Manager is the query/command surface consumed by the API. Implemented by
// *session.Manager; a fake stands in for it in tests.
type Manager interface {
	Connect(ctx context.Context, tenant store.TenantID) error
	GetStatus(tenant store.TenantID) (session.Status, error)
	GetPairingArtifact(tenant store.TenantID) (string, error)
	GetRecipientIdentity(tenant store.TenantID) (string, error)
	Send(ctx context.Context, tenant store.TenantID, recipientID, content string) error
}

// API serves the gateway's HTTP endpoints.
type API struct {
	mgr     Manager
	records store.RecordStore
	log     zerolog.Logger
}

// New builds the API around a session manager and the tenant record store.
func New(mgr Manager, records store.RecordStore, log zerolog.Logger) *API {
	return &API{
		mgr:     mgr,
		records: records,
		log:     log.With().Str("component", "httpapi").Logger(),
	}
}

// Routes returns the API's request mux.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", a.handleRoot)
	mux.HandleFunc("GET /api/whatsapp/{companyId}/status", a.handleStatus)
	mux.HandleFunc("GET /api/whatsapp/{companyId}/qr", a.handleQR)
	mux.HandleFunc("GET /api/whatsapp/{companyId}/phone", a.handlePhone)
	mux.HandleFunc("POST /api/whatsapp/{companyId}/send", a.handleSend)
	mux.HandleFunc("POST /api/whatsapp/{companyId}/connect", a.handleConnect)
	mux.HandleFunc("POST /api/tenants", a.handleCreateTenant)
	return mux
}

// NewServer wraps the API in an http.Server with sane timeouts.
func NewServer(addr string, a *API) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      a.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func (a *API) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("wagate messaging gateway\n"))
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenant := store.TenantID(r.PathValue("companyId"))
	status, err := a.mgr.GetStatus(tenant)
	if err != nil {
		a.writeManagerError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (a *API) handleQR(w http.ResponseWriter, r *http.Request) {
	tenant := store.TenantID(r.PathValue("companyId"))
	artifact, err := a.mgr.GetPairingArtifact(tenant)
	if err != nil {
		a.writeManagerError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"qr": artifact})
}

func (a *API) handlePhone(w http.ResponseWriter, r *http.Request) {
	tenant := store.TenantID(r.PathValue("companyId"))
	phone, err := a.mgr.GetRecipientIdentity(tenant)
	if err != nil {
		a.writeManagerError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"phoneNumber": phone})
}

type sendRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	tenant := store.TenantID(r.PathValue("companyId"))

	var req sendRequest
	if err := decodeBody(w, r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.To == "" || req.Content == "" {
		a.writeError(w, http.StatusBadRequest, "to and content are required")
		return
	}

	if err := a.mgr.Send(r.Context(), tenant, req.To, req.Content); err != nil {
		a.writeManagerError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"result": "sent"})
}

func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	tenant := store.TenantID(r.PathValue("companyId"))
	if err := a.mgr.Connect(r.Context(), tenant); err != nil {
		a.writeManagerError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]string{"result": "connecting"})
}

type createTenantRequest struct {
	ID   string `json:"id"`
	Plan string `json:"plan"`
}

// handleCreateTenant registers a tenant record and starts its session.
// This is the gateway-side half of the legacy registration flow; account
// auth lives in a separate service.
func (a *API) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := decodeBody(w, r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Plan == "" {
		req.Plan = "freemium"
	}

	tenant := store.TenantID(req.ID)
	err := a.records.MergeRecord(r.Context(), tenant, map[string]any{
		"plan":            req.Plan,
		store.FieldStatus: string(session.StatusDisconnected),
	})
	if err != nil {
		a.log.Error().Err(err).Str("tenant_id", req.ID).Msg("Failed to create tenant record")
		a.writeError(w, http.StatusInternalServerError, "failed to create tenant")
		return
	}
	if err := a.mgr.Connect(r.Context(), tenant); err != nil {
		a.writeManagerError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, map[string]string{"companyId": req.ID})
}

// decodeBody reads a size-limited JSON body into dst. An empty body is an
// error for every endpoint that calls this.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeManagerError maps the session package's sentinel errors onto HTTP
// status codes.
func (a *API) writeManagerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrTenantNotFound):
		a.writeError(w, http.StatusNotFound, "unknown tenant")
	case errors.Is(err, session.ErrNotAvailable):
		a.writeError(w, http.StatusNotFound, "not available")
	case errors.Is(err, session.ErrNoActiveSession):
		a.writeError(w, http.StatusConflict, "no active session")
	case errors.Is(err, session.ErrDeliveryFailed):
		a.writeError(w, http.StatusBadGateway, "delivery failed")
	case errors.Is(err, session.ErrManagerClosed):
		a.writeError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		a.log.Error().Err(err).Str("path", r.URL.Path).Msg("Unhandled manager error")
		a.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.log.Warn().Err(err).Msg("Failed to write response")
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}
