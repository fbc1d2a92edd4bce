package api

import (
	"net/http"

	"github.com/rs/zerolog/hlog"

	"dispatch-core/internal/realtime"
)

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	topics, err := realtime.ParseTopics(r.URL.Query().Get("topics"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub, resumed := s.deps.Gateway.Subscribe(r.Context(), ownerFrom(r.Context()), topics, realtime.LastEventID(r))

	sink, err := realtime.NewSSEWriter(w, s.deps.StreamRetryMillis)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.deps.Gateway.Stream(r.Context(), sink, sub, resumed); err != nil {
		hlog.FromRequest(r).Debug().Err(err).Msg("stream ended")
	}
}
