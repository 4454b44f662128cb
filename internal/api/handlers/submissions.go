package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/api/middleware"
	"github.com/drfirst/go-rxsafety/internal/domain/prescription"
	"github.com/drfirst/go-rxsafety/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxsafety/internal/observability/metrics"
)

// SubmissionResponse describes a submission after a transition
type SubmissionResponse struct {
	SubmissionID string              `json:"submission_id"`
	Status       prescription.Status `json:"status"`
	Version      int                 `json:"version"`
	Errors       any                 `json:"errors,omitempty"`
}

// Submit handles POST /submissions. The draft is validated again; a clean
// verdict certifies and submits it, anything else records a rejection and
// answers 422 with the messages.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req DraftRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, ok := h.openSubmission(w, r, req.SubmissionID)
	if !ok {
		return
	}

	draft := req.draft()
	result, err := h.validate(ctx, metrics.SourceAPI, draft)
	if err != nil {
		h.logger.Error("validation failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "medication catalog unavailable")
		return
	}

	if err := sub.Certify(draft, result); err != nil {
		h.transitionError(w, sub.ID(), err)
		return
	}
	if result.Valid() {
		if err := sub.Submit(middleware.GetClientID(ctx)); err != nil {
			h.transitionError(w, sub.ID(), err)
			return
		}
	}

	if err := h.deps.Submissions.Save(ctx, sub); err != nil {
		h.transitionError(w, sub.ID(), err)
		return
	}
	if h.deps.Metrics != nil {
		h.deps.Metrics.SubmissionsTotal.WithLabelValues(string(sub.Status())).Inc()
	}

	h.logger.Info("submission processed",
		zap.String("submission_id", sub.ID()),
		zap.String("status", string(sub.Status())),
		zap.Strings("keys", result.Keys()),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	resp := SubmissionResponse{SubmissionID: sub.ID(), Status: sub.Status(), Version: sub.Version()}
	if !result.Valid() {
		resp.Errors = result
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) openSubmission(w http.ResponseWriter, r *http.Request, id string) (*prescription.Submission, bool) {
	if id == "" {
		return prescription.NewSubmission(h.deps.NewID()), true
	}
	sub, err := h.deps.Submissions.Load(r.Context(), id)
	switch {
	case errors.Is(err, postgres.ErrSubmissionNotFound):
		writeError(w, http.StatusNotFound, "submission not found")
		return nil, false
	case err != nil:
		h.logger.Error("load submission failed", zap.String("submission_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load submission")
		return nil, false
	}
	return sub, true
}

// GetSubmission handles GET /submissions/{id}
func (h *Handler) GetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.openSubmission(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, SubmissionResponse{
		SubmissionID: sub.ID(),
		Status:       sub.Status(),
		Version:      sub.Version(),
	})
}

func (h *Handler) transitionError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, prescription.ErrAlreadySubmitted),
		errors.Is(err, postgres.ErrConcurrentModification):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, prescription.ErrNotCertified):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Error("submission failed", zap.String("submission_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save submission")
	}
}
