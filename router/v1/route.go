package v1

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/sigortix/paycore/gateway"
	"github.com/sigortix/paycore/handler"
	"github.com/sigortix/paycore/infra/audit"
	"github.com/sigortix/paycore/payment"
)

// Dependencies carries the wired flow components into the route tree
type Dependencies struct {
	Store           payment.Store
	Vault           *payment.Vault
	Box             *payment.ResultBox
	Notifier        *payment.Notifier
	Reconciler      *payment.Reconciler
	Gateway         gateway.Client
	Audit           *audit.SQLiteTrail
	TransactionTTL  time.Duration
	ConfirmationURL string
}

// Routes registers all API routes
func Routes(r chi.Router, deps Dependencies) {
	checkoutHandler := handler.NewCheckoutHandler(deps.Store, deps.Vault, deps.Gateway, deps.Reconciler, validator.New(), deps.TransactionTTL)
	callbackHandler := handler.NewCallbackHandler(deps.Store, deps.Box, deps.Notifier, deps.Reconciler, deps.ConfirmationURL)
	healthHandler := handler.NewHealthHandler(deps.Store, deps.Vault)

	r.Post("/checkout", checkoutHandler.Checkout)
	r.Get("/health", healthHandler.Health)

	// Client poll channel
	r.Route("/payments", func(r chi.Router) {
		r.Get("/{merchantPaymentID}", callbackHandler.Poll)
	})

	// Bank-facing verdict channels. The bank decides the method, so both
	// endpoints accept any verb.
	r.Route("/callbacks", func(r chi.Router) {
		r.HandleFunc("/gateway", callbackHandler.ServerCallback)
		r.HandleFunc("/redirect", callbackHandler.RedirectCallback)
	})

	if deps.Audit != nil {
		auditHandler := handler.NewAuditHandler(deps.Audit)
		r.Route("/audit", func(r chi.Router) {
			r.Get("/review", auditHandler.PendingReview)
			r.Get("/{merchantPaymentID}", auditHandler.History)
		})
	}
}
