package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"herald/internal/gateway"
	"herald/internal/services/campaign"
	"herald/internal/services/queue"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("response encode failed", logx.Err(err))
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, gateway.ErrUnknownCommunity):
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, campaign.ErrInvalidTransition),
		errors.Is(err, queue.ErrCampaignNotRunning):
		s.writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, queue.ErrQueueFull):
		s.writeJSON(w, http.StatusTooManyRequests, errorBody{Error: err.Error()})
	case errors.Is(err, queue.ErrNoRatePolicy):
		s.writeJSON(w, http.StatusPreconditionFailed, errorBody{Error: err.Error()})
	case errors.Is(err, gateway.ErrNotReady):
		s.writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	default:
		s.log.Warn("request failed", logx.Err(err))
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}
