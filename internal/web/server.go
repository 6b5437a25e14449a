// Package web serves the HTTP API: preview lifecycle endpoints, the event
// log (including the SSE stream), the source-hosting webhook receiver,
// health, and Prometheus metrics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Tom-Hartley/Preview-Warden/internal/auth"
	"github.com/Tom-Hartley/Preview-Warden/internal/clock"
	"github.com/Tom-Hartley/Preview-Warden/internal/eventlog"
	"github.com/Tom-Hartley/Preview-Warden/internal/events"
	"github.com/Tom-Hartley/Preview-Warden/internal/logging"
	"github.com/Tom-Hartley/Preview-Warden/internal/preview"
	"github.com/Tom-Hartley/Preview-Warden/internal/store"
)

// Orchestrator drives preview lifecycle transitions.
type Orchestrator interface {
	Create(ctx context.Context, ownerID string, cfg *preview.Config) (*preview.Preview, error)
	Destroy(ctx context.Context, identifier string) error
	Touch(ctx context.Context, previewID string)
}

// EventLog reads and streams the per-preview lifecycle log.
type EventLog interface {
	Append(ctx context.Context, previewRef string, eventType preview.EventType, message string, metadata map[string]string) error
	List(ctx context.Context, identifier string, f store.EventFilter) ([]preview.Event, error)
	Paginate(ctx context.Context, identifier string, page, pageSize int) (*eventlog.Page, error)
	Stats(ctx context.Context, identifier string) (map[string]int, error)
	Stream(ctx context.Context, identifier string, callback func(events.PreviewEvent) error) error
}

// PreviewReader reads preview records from the metadata store.
type PreviewReader interface {
	GetPreview(ctx context.Context, id string) (*preview.Preview, error)
	ListPreviews(ctx context.Context, f store.PreviewFilter) ([]*preview.Preview, error)
	Ping(ctx context.Context) error
}

// Runtime is the slice of the container runtime the API reads from.
type Runtime interface {
	ContainerLogs(ctx context.Context, id string, lines int) (string, error)
	Ping(ctx context.Context) error
}

// TokenVerifier checks bearer tokens and resolves them to an owner.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Dependencies holds everything the server needs to handle requests.
type Dependencies struct {
	Orchestrator  Orchestrator
	Events        EventLog
	Store         PreviewReader
	Runtime       Runtime
	Tokens        TokenVerifier
	WebhookSecret string
	Version       string
	Log           *logging.Logger
	Clock         clock.Clock
}

// Server is the HTTP API server.
type Server struct {
	deps      Dependencies
	mux       *http.ServeMux
	server    *http.Server
	startedAt time.Time
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps:      deps,
		mux:       http.NewServeMux(),
		startedAt: deps.Clock.Now(),
	}
	s.registerRoutes()
	return s
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.mux,
		ReadTimeout: 30 * time.Second,
		// SSE connections are long-lived; no global write timeout.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("api listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the route mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	authed := s.requireToken

	s.mux.Handle("POST /api/previews", authed(s.apiCreatePreview))
	s.mux.Handle("GET /api/previews", authed(s.apiListPreviews))
	s.mux.Handle("GET /api/previews/{id}", authed(s.apiGetPreview))
	s.mux.Handle("DELETE /api/previews/{id}", authed(s.apiDestroyPreview))

	s.mux.Handle("GET /api/previews/{id}/logs", authed(s.apiPreviewLogs))
	s.mux.Handle("GET /api/previews/{id}/logs/paginated", authed(s.apiPreviewLogsPaginated))
	s.mux.Handle("GET /api/previews/{id}/logs/stats", authed(s.apiPreviewLogStats))
	s.mux.Handle("GET /api/previews/{id}/logs/stream", authed(s.apiStreamLogs))
	s.mux.Handle("GET /api/previews/{id}/services/{service}/logs", authed(s.apiServiceLogs))

	// The webhook authenticates by body HMAC, health and metrics not at all.
	s.mux.HandleFunc("POST /api/webhooks/source", s.apiWebhook)
	s.mux.HandleFunc("GET /api/health", s.apiHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// ownerKey carries the verified owner id through the request context.
type ownerKey struct{}

// requireToken verifies the bearer token and stores the owner it resolves
// to in the request context. With auth disabled every request maps to the
// anonymous owner.
func (s *Server) requireToken(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.ExtractBearerToken(r.Header.Get("Authorization"))
		owner, err := s.deps.Tokens.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		h(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func requestOwner(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey{}).(string)
	return owner
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the API error envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   map[string]string{"message": msg},
	})
}

// writeDomainError maps a domain error to its HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	var vErr *preview.ValidationError
	var qErr *preview.QuotaError

	switch {
	case errors.As(err, &vErr):
		writeError(w, http.StatusBadRequest, vErr.Error())
	case errors.Is(err, preview.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.As(err, &qErr):
		writeError(w, http.StatusForbidden, qErr.Error())
	case errors.Is(err, preview.ErrNotFound):
		writeError(w, http.StatusNotFound, "preview not found")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
