package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/domain/prescription"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

// MedicationSearcher finds prescribable catalog entries by name
type MedicationSearcher interface {
	Search(ctx context.Context, term string, limit int) ([]prescription.CatalogEntry, error)
}

// MedicationMatch is a catalog entry with the line it would add to a draft
type MedicationMatch struct {
	Entry prescription.CatalogEntry `json:"entry"`
	Line  prescription.Line         `json:"line"`
}

// SearchMedications handles GET /medications?q=term&limit=n
func (h *Handler) SearchMedications(w http.ResponseWriter, r *http.Request) {
	term := strings.TrimSpace(r.URL.Query().Get("q"))
	if len(term) < 2 {
		writeError(w, http.StatusBadRequest, "q must be at least 2 characters")
		return
	}

	limit := defaultSearchLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxSearchLimit)
	}

	entries, err := h.deps.Search.Search(r.Context(), term, limit)
	if err != nil {
		h.logger.Error("catalog search failed", zap.Error(err), zap.String("term", term))
		writeError(w, http.StatusServiceUnavailable, "medication catalog unavailable")
		return
	}

	matches := make([]MedicationMatch, 0, len(entries))
	for _, e := range entries {
		matches = append(matches, MedicationMatch{Entry: e, Line: h.deps.Engine.NewLine("", e)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"medications": matches})
}
