package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"dispatch-core/internal/store"
)

type enqueueRequest struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"maxAttempts"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.deps.MaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if !s.jobTypes[req.Type] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("job type %q cannot be enqueued here", req.Type))
		return
	}
	if req.MaxAttempts < 0 {
		writeError(w, http.StatusBadRequest, "maxAttempts must not be negative")
		return
	}

	job, err := s.deps.Producer.Enqueue(r.Context(), store.EnqueueParams{
		Type:        req.Type,
		OwnerID:     ownerFrom(r.Context()),
		Payload:     req.Payload,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("job_type", req.Type).Msg("enqueue failed")
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleGetJob hides jobs of other owners behind 404.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrJobNotFound) || (err == nil && job.OwnerID != ownerFrom(r.Context())) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("get job")
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}
