// Package api is the HTTP surface: provider webhooks, the realtime stream
// and a small internal job API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"dispatch-core/internal/archive"
	"dispatch-core/internal/config"
	"dispatch-core/internal/ingest"
	"dispatch-core/internal/logger"
	"dispatch-core/internal/models"
	"dispatch-core/internal/queue"
	"dispatch-core/internal/ratelimit"
	"dispatch-core/internal/realtime"
	"dispatch-core/internal/store"
	"dispatch-core/internal/telemetry"
)

// OwnerResolver identifies the authenticated owner of a request. Returning
// "" rejects the request with 401.
type OwnerResolver func(r *http.Request) string

// HeaderOwner trusts the X-Owner-ID header set by the auth proxy in front of
// this service.
func HeaderOwner(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Owner-ID"))
}

// Deps are the collaborators the server routes to.
type Deps struct {
	Store     store.Store
	Producer  *queue.Producer
	Ingestor  *ingest.Ingestor
	Providers ingest.Providers
	Verifier  *ingest.Verifier
	Replay    ingest.ReplayGuard
	Limiter   ratelimit.Limiter
	Archiver  archive.Archiver
	Gateway   *realtime.Gateway
	Owners    OwnerResolver

	// WebhookMode is config.WebhookModeAsync or config.WebhookModeSync.
	WebhookMode string
	// JobTypes lists the job types POST /jobs may enqueue.
	JobTypes []string
	// StreamRetryMillis is the reconnect delay advertised to SSE clients.
	StreamRetryMillis int
	MaxBodyBytes      int64
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	deps     Deps
	jobTypes map[string]bool
	log      zerolog.Logger
}

// New constructs the API server.
func New(deps Deps, log zerolog.Logger) *Server {
	if deps.Owners == nil {
		deps.Owners = HeaderOwner
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.Unlimited{}
	}
	if deps.Replay == nil {
		deps.Replay = ingest.NewMemoryReplayGuard(10 * time.Minute)
	}
	if deps.Archiver == nil {
		deps.Archiver = archive.Nop{}
	}
	if deps.Providers == nil {
		deps.Providers = ingest.DefaultProviders()
	}
	if deps.WebhookMode == "" {
		deps.WebhookMode = config.WebhookModeAsync
	}
	if deps.StreamRetryMillis <= 0 {
		deps.StreamRetryMillis = 3000
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 1 << 20
	}
	allowed := make(map[string]bool, len(deps.JobTypes))
	for _, t := range deps.JobTypes {
		allowed[t] = true
	}
	return &Server{deps: deps, jobTypes: allowed, log: log.With().Str("component", "api").Logger()}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(s.log))
	r.Use(logger.AccessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhooks/{provider}/{ownerID}", s.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.requireOwner)
		r.Get("/realtime/stream", s.handleStream)
		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/meetings", s.handleListMeetings)
	})
	return r
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.deps.Store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ownerKey struct{}

func (s *Server) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := s.deps.Owners(r)
		if owner == "" {
			writeError(w, http.StatusUnauthorized, "owner required")
			return
		}
		ctx := context.WithValue(r.Context(), ownerKey{}, owner)
		hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("owner_id", owner)
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

func (s *Server) handleListMeetings(w http.ResponseWriter, r *http.Request) {
	meetings, err := s.deps.Store.ListMeetings(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("list meetings")
		writeError(w, http.StatusInternalServerError, "list meetings failed")
		return
	}
	if meetings == nil {
		meetings = []models.Meeting{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"meetings": meetings})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
