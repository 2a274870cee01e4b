package handler

import (
	"net/http"
	"time"

	"github.com/sigortix/paycore/infra/response"
	"github.com/sigortix/paycore/payment"
)

var startedAt = time.Now()

// HealthHandler reports process liveness and flow counters
type HealthHandler struct {
	store payment.Store
	vault *payment.Vault
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(store payment.Store, vault *payment.Vault) *HealthHandler {
	return &HealthHandler{store: store, vault: vault}
}

// Health handles liveness probes
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	pending := 0
	for _, tx := range h.store.List() {
		if !tx.State.Terminal() {
			pending++
		}
	}

	response.Success(w, http.StatusOK, "OK", map[string]any{
		"status":              "healthy",
		"uptime":              time.Since(startedAt).String(),
		"pendingTransactions": pending,
		"vaultEntries":        h.vault.Size(),
	})
}
