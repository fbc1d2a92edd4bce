package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"dispatch-core/internal/archive"
	"dispatch-core/internal/config"
	"dispatch-core/internal/ingest"
	"dispatch-core/internal/store"
	"dispatch-core/internal/telemetry"
)

const webhookWriteTimeout = 15 * time.Second

type syncResponse struct {
	MeetingID string `json:"meetingId"`
	Created   bool   `json:"created"`
}

type asyncResponse struct {
	JobID string `json:"jobId"`
}

// handleWebhook verifies, throttles, archives and then ingests a provider
// delivery, inline or through the job queue depending on WebhookMode.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := chi.URLParam(r, "ownerID")
	prov, err := s.deps.Providers.Get(chi.URLParam(r, "provider"))
	if err != nil {
		telemetry.WebhookRequests.WithLabelValues("unknown", "unknown_provider").Inc()
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}
	name := prov.Name()
	log := hlog.FromRequest(r).With().Str("provider", name).Str("owner_id", ownerID).Logger()
	reject := func(code int, result, msg string) {
		telemetry.WebhookRequests.WithLabelValues(name, result).Inc()
		writeError(w, code, msg)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.deps.MaxBodyBytes))
	if err != nil {
		reject(http.StatusBadRequest, "bad_body", "could not read body")
		return
	}

	webhookID, err := s.deps.Verifier.Verify(r.Header, body)
	if err != nil {
		log.Warn().Err(err).Msg("webhook rejected")
		reject(http.StatusUnauthorized, "unauthorized", "invalid signature")
		return
	}
	log = log.With().Str("webhook_id", webhookID).Logger()

	// the owner comes from the unsigned path, so a webhook id may only ever
	// be delivered to one owner
	if err := s.deps.Replay.Claim(ctx, name, webhookID, ownerID); errors.Is(err, ingest.ErrReplayed) {
		log.Warn().Err(err).Msg("webhook rejected")
		reject(http.StatusUnauthorized, "replayed", "webhook already delivered")
		return
	} else if err != nil {
		log.Warn().Err(err).Msg("replay guard unavailable, allowing request")
	}

	allowed, err := s.deps.Limiter.Allow(ctx, ownerID)
	if err != nil {
		log.Warn().Err(err).Msg("rate limiter unavailable, allowing request")
		allowed = true
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		reject(http.StatusTooManyRequests, "rate_limited", "rate limited")
		return
	}

	rec, err := prov.Parse(body)
	if err != nil {
		log.Warn().Err(err).Msg("webhook body rejected")
		reject(http.StatusBadRequest, "bad_body", err.Error())
		return
	}

	// a verified delivery is written even if the server starts draining
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), webhookWriteTimeout)
	defer cancel()

	s.archive(wctx, log, archive.Object{
		Provider:   name,
		OwnerID:    ownerID,
		WebhookID:  webhookID,
		ReceivedAt: time.Now(),
		Body:       body,
	})

	if s.deps.WebhookMode == config.WebhookModeSync {
		res, err := s.deps.Ingestor.Ingest(wctx, ingest.Request{
			OwnerID:       ownerID,
			Provider:      name,
			CorrelationID: webhookID,
			Recording:     rec,
		})
		if errors.Is(err, ingest.ErrInvalidRequest) {
			reject(http.StatusBadRequest, "bad_body", err.Error())
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("ingest failed")
			reject(http.StatusInternalServerError, "error", "ingest failed")
			return
		}
		telemetry.WebhookRequests.WithLabelValues(name, "ingested").Inc()
		writeJSON(w, http.StatusOK, syncResponse{MeetingID: res.Meeting.ID, Created: res.Created})
		return
	}

	payload, err := json.Marshal(ingest.JobPayload{Provider: name, WebhookID: webhookID, Body: body})
	if err != nil {
		reject(http.StatusInternalServerError, "error", "encode job")
		return
	}
	job, err := s.deps.Producer.Enqueue(wctx, store.EnqueueParams{
		Type:    ingest.JobType(name),
		OwnerID: ownerID,
		Payload: payload,
	})
	if err != nil {
		log.Error().Err(err).Msg("enqueue ingest job")
		reject(http.StatusInternalServerError, "error", "enqueue failed")
		return
	}
	telemetry.WebhookRequests.WithLabelValues(name, "queued").Inc()
	log.Info().Str("job_id", job.ID).Msg("webhook queued")
	writeJSON(w, http.StatusAccepted, asyncResponse{JobID: job.ID})
}

// archive never fails the request.
func (s *Server) archive(ctx context.Context, log zerolog.Logger, obj archive.Object) {
	key, err := s.deps.Archiver.Archive(ctx, obj)
	if err != nil {
		telemetry.ArchiveErrors.Inc()
		log.Warn().Err(err).Msg("archive raw webhook")
		return
	}
	if key != "" {
		log.Debug().Str("key", key).Msg("raw webhook archived")
	}
}
