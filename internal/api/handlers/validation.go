// Package handlers provides HTTP handlers for the validation API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/api/middleware"
	"github.com/drfirst/go-rxsafety/internal/domain/prescription"
	"github.com/drfirst/go-rxsafety/internal/fhir/mapper"
	"github.com/drfirst/go-rxsafety/internal/fhir/r5"
	"github.com/drfirst/go-rxsafety/internal/observability/metrics"
	"github.com/drfirst/go-rxsafety/internal/validation"
)

const maxBodyBytes = 1 << 20

// SubmissionRepository persists submission aggregates
type SubmissionRepository interface {
	Save(ctx context.Context, s *prescription.Submission) error
	Load(ctx context.Context, id string) (*prescription.Submission, error)
}

// Deps are the collaborators of the handlers. Interactions, Submissions,
// Search and Metrics are optional.
type Deps struct {
	Engine       *validation.Engine
	Catalog      prescription.CatalogProvider
	Interactions validation.InteractionSource
	Submissions  SubmissionRepository
	Search       MedicationSearcher
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	// NewID generates submission IDs
	NewID func() string
}

// Handler serves the validation and submission endpoints
type Handler struct {
	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer
}

// New creates a handler
func New(deps Deps) (*Handler, error) {
	if deps.Engine == nil || deps.Catalog == nil {
		return nil, errors.New("engine and catalog are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.NewID == nil {
		return nil, errors.New("ID generator is required")
	}
	return &Handler{
		deps:   deps,
		logger: deps.Logger,
		tracer: otel.Tracer("rxsafety/handlers"),
	}, nil
}

// Routes returns the /api/v1 routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/validations", h.ValidateDraft)
	r.Post("/validations/field", h.ValidateField)
	r.Post("/validations/fhir", h.ValidateFHIR)
	r.Get("/defaults/{category}", h.Defaults)
	if h.deps.Submissions != nil {
		r.Post("/submissions", h.Submit)
		r.Get("/submissions/{id}", h.GetSubmission)
	}
	if h.deps.Search != nil {
		r.Get("/medications", h.SearchMedications)
	}
	return r
}

// DraftRequest is the body of draft validation and submission requests
type DraftRequest struct {
	SubmissionID string `json:"submission_id,omitempty"`
	prescription.Draft
}

func (d DraftRequest) draft() *prescription.Draft {
	draft := d.Draft
	return &draft
}

// VerdictResponse carries a verdict
type VerdictResponse struct {
	Valid  bool              `json:"valid"`
	Errors validation.Result `json:"errors"`
}

// ValidateDraft handles POST /validations
func (h *Handler) ValidateDraft(w http.ResponseWriter, r *http.Request) {
	var req DraftRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	draft := req.draft()
	result, err := h.validate(r.Context(), metrics.SourceAPI, draft)
	if err != nil {
		h.logger.Error("validation failed", zap.Error(err), zap.String("request_id", middleware.GetRequestID(r.Context())))
		writeError(w, http.StatusServiceUnavailable, "medication catalog unavailable")
		return
	}
	writeJSON(w, http.StatusOK, VerdictResponse{Valid: result.Valid(), Errors: result})
}

// FieldRequest asks for the message of a single field
type FieldRequest struct {
	Field        validation.Field `json:"field"`
	Value        string           `json:"value"`
	MedicationID string           `json:"medication_id,omitempty"`
}

// FieldResponse is the message for one field, empty when valid
type FieldResponse struct {
	Field   validation.Field `json:"field"`
	Message string           `json:"message"`
}

var knownFields = map[validation.Field]bool{
	validation.FieldDosage:       true,
	validation.FieldFrequency:    true,
	validation.FieldQuantity:     true,
	validation.FieldInstructions: true,
	validation.FieldExpiry:       true,
	validation.FieldMedication:   true,
}

// ValidateField handles POST /validations/field
func (h *Handler) ValidateField(w http.ResponseWriter, r *http.Request) {
	var req FieldRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !knownFields[req.Field] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown field %q", req.Field))
		return
	}

	var entry *prescription.CatalogEntry
	if req.MedicationID != "" {
		catalog, err := h.deps.Catalog.Load(r.Context(), []string{req.MedicationID})
		if err != nil {
			h.logger.Error("catalog lookup failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "medication catalog unavailable")
			return
		}
		entry = catalog.Lookup(req.MedicationID)
	}

	msg := h.deps.Engine.ValidateField(req.Field, req.Value, entry)
	writeJSON(w, http.StatusOK, FieldResponse{Field: req.Field, Message: msg})
}

// ValidateFHIR handles POST /validations/fhir and answers with an
// OperationOutcome
func (h *Handler) ValidateFHIR(w http.ResponseWriter, r *http.Request) {
	var in mapper.Intake
	if err := decode(w, r, &in); err != nil {
		writeFHIR(w, http.StatusBadRequest, r5.NewErrorOutcome(r5.IssueStructure, err.Error()))
		return
	}

	draft, err := mapper.ToDraft(in)
	if err != nil {
		writeFHIR(w, http.StatusBadRequest, r5.NewErrorOutcome(r5.IssueInvalid, err.Error()))
		return
	}

	result, err := h.validate(r.Context(), metrics.SourceFHIR, draft)
	if err != nil {
		h.logger.Error("validation failed", zap.Error(err))
		writeFHIR(w, http.StatusServiceUnavailable, r5.NewErrorOutcome("transient", "medication catalog unavailable"))
		return
	}
	writeFHIR(w, http.StatusOK, mapper.ToOperationOutcome(result, draft))
}

// Defaults handles GET /defaults/{category}
func (h *Handler) Defaults(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	writeJSON(w, http.StatusOK, h.deps.Engine.Defaults(category))
}

// validate resolves the catalog and interaction table, then runs the engine
func (h *Handler) validate(ctx context.Context, source string, draft *prescription.Draft) (validation.Result, error) {
	ctx, span := h.tracer.Start(ctx, "validate_draft",
		trace.WithAttributes(
			attribute.String("validation.source", source),
			attribute.Int("draft.lines", len(draft.Lines)),
		))
	defer span.End()
	start := time.Now()

	catalog, err := h.deps.Catalog.Load(ctx, draft.MedicationIDs())
	if err != nil {
		span.RecordError(err)
		return validation.Result{}, fmt.Errorf("load catalog: %w", err)
	}

	result := h.engine(ctx).ValidateForm(draft, catalog)
	span.SetAttributes(
		attribute.Bool("validation.valid", result.Valid()),
		attribute.StringSlice("validation.keys", result.Keys()),
	)
	if h.deps.Metrics != nil {
		h.deps.Metrics.ObserveValidation(source, result, time.Since(start))
	}
	return result, nil
}

func (h *Handler) engine(ctx context.Context) *validation.Engine {
	if h.deps.Interactions == nil {
		return h.deps.Engine
	}
	rules, err := h.deps.Interactions.InteractionRules(ctx)
	if err != nil {
		h.logger.Warn("interaction source failed, using configured table", zap.Error(err))
		return h.deps.Engine
	}
	return h.deps.Engine.WithInteractions(rules)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeFHIR(w http.ResponseWriter, status int, outcome *r5.OperationOutcome) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(outcome)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
