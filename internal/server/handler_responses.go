package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/me/dispatch/pkg/model"
)

// maxResponseWait caps the long-poll duration of handleGetResponse.
const maxResponseWait = 60 * time.Second

// handleGetResponse returns the outcome delivered for a wait id. With
// ?wait=<duration> it blocks until the outcome arrives or the wait elapses,
// answering 204 No Content on timeout.
// GET /api/v1/responses/{waitID}
func (s *Server) handleGetResponse(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	waitID := chi.URLParam(r, "waitID")

	waitParam := r.URL.Query().Get("wait")
	if waitParam == "" {
		resp, err := s.responses.Get(r.Context(), waitID)
		if err != nil {
			respondServiceError(w, reqID, err)
			return
		}
		respondOK(w, reqID, resp)
		return
	}

	wait, err := time.ParseDuration(waitParam)
	if err != nil || wait <= 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid query parameter",
				model.FieldError{Field: "wait", Message: "must be a positive duration, e.g. 30s"}))
		return
	}
	wait = min(wait, maxResponseWait)

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	resp, err := s.responses.Wait(ctx, waitID)
	if errors.Is(err, context.DeadlineExceeded) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, resp)
}
