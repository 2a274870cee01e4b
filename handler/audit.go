package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sigortix/paycore/infra/audit"
	"github.com/sigortix/paycore/infra/response"
)

// AuditHandler serves the back-office reconciliation views
type AuditHandler struct {
	trail *audit.SQLiteTrail
}

// NewAuditHandler creates a new audit handler
func NewAuditHandler(trail *audit.SQLiteTrail) *AuditHandler {
	return &AuditHandler{trail: trail}
}

// History returns everything recorded for one merchant payment id
func (h *AuditHandler) History(w http.ResponseWriter, r *http.Request) {
	merchantPaymentID := chi.URLParam(r, "merchantPaymentID")
	if merchantPaymentID == "" {
		response.Error(w, http.StatusBadRequest, "Missing merchant payment ID", nil)
		return
	}

	callbacks, completions, err := h.trail.History(r.Context(), merchantPaymentID)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "Failed to load audit history", err)
		return
	}

	response.Success(w, http.StatusOK, "Audit history", map[string]any{
		"merchantPaymentId": merchantPaymentID,
		"callbacks":         callbacks,
		"completions":       completions,
	})
}

// PendingReview lists completions flagged for manual back-office review
func (h *AuditHandler) PendingReview(w http.ResponseWriter, r *http.Request) {
	entries, err := h.trail.PendingReview(r.Context())
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "Failed to load review queue", err)
		return
	}

	response.Success(w, http.StatusOK, "Pending manual review", entries)
}
