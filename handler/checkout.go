package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/sigortix/paycore/gateway"
	"github.com/sigortix/paycore/infra/logger"
	"github.com/sigortix/paycore/infra/middle"
	"github.com/sigortix/paycore/infra/response"
	"github.com/sigortix/paycore/payment"
)

// CheckoutRequest is the storefront's payment initiation payload
type CheckoutRequest struct {
	MerchantPaymentID string              `json:"merchantPaymentId"`
	ProposalID        string              `json:"proposalId" validate:"required"`
	ProductID         string              `json:"productId" validate:"required"`
	InstallmentNumber int                 `json:"installmentNumber" validate:"min=0,max=12"`
	Amount            float64             `json:"amount" validate:"required,gt=0"`
	Currency          string              `json:"currency" validate:"required,len=3"`
	OriginURL         string              `json:"originUrl"`
	Customer          payment.Customer    `json:"customer" validate:"required"`
	Card              payment.CardInfo    `json:"card" validate:"required"`
	Items             []payment.OrderItem `json:"items"`
}

// CheckoutResponse carries the opaque 3D authentication artifact back to
// the browser. Nothing in it identifies the bank page's mechanics.
type CheckoutResponse struct {
	MerchantPaymentID string `json:"merchantPaymentId"`
	State             string `json:"state"`
	Artifact          string `json:"artifact"`
	IsRedirect        bool   `json:"isRedirect"`
}

// CheckoutHandler starts the authorization flow for a checkout
type CheckoutHandler struct {
	store      payment.Store
	vault      *payment.Vault
	gateway    gateway.Client
	reconciler *payment.Reconciler
	validate   *validator.Validate
	ttl        time.Duration
}

// NewCheckoutHandler creates a new checkout handler
func NewCheckoutHandler(store payment.Store, vault *payment.Vault, gw gateway.Client, reconciler *payment.Reconciler, validate *validator.Validate, ttl time.Duration) *CheckoutHandler {
	return &CheckoutHandler{
		store:      store,
		vault:      vault,
		gateway:    gw,
		reconciler: reconciler,
		validate:   validate,
		ttl:        ttl,
	}
}

// Checkout handles payment initiation requests
func (h *CheckoutHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	req.Customer.IPAddress = middle.GetClientIP(r)
	req.Customer.UserAgent = r.Header.Get("User-Agent")

	if err := h.validate.Struct(req); err != nil {
		response.Error(w, http.StatusBadRequest, "Validation error", err)
		return
	}
	if err := validateCard(req.Card); err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid card information", err)
		return
	}

	merchantPaymentID := req.MerchantPaymentID
	if merchantPaymentID == "" {
		merchantPaymentID = fmt.Sprintf("INS-%s", uuid.New().String())
	}
	log := logger.WithPayment(merchantPaymentID)

	session, err := h.gateway.CreateSession(ctx, gateway.SessionRequest{
		MerchantPaymentID: merchantPaymentID,
		Amount:            req.Amount,
		Currency:          req.Currency,
		Customer:          req.Customer,
		Items:             req.Items,
	})
	if err != nil {
		log.Error("Gateway session creation failed", err)
		response.Error(w, http.StatusBadGateway, "Payment session could not be created", err)
		return
	}

	vaultSessionID := h.vault.Store(merchantPaymentID, req.Card)

	if _, err := h.store.Create(merchantPaymentID, payment.TransactionMeta{
		SessionToken:      session.Token,
		ProposalID:        req.ProposalID,
		ProductID:         req.ProductID,
		InstallmentNumber: req.InstallmentNumber,
		Amount:            req.Amount,
		Currency:          req.Currency,
		OriginURL:         req.OriginURL,
		VaultSessionID:    vaultSessionID,
		TTL:               h.ttl,
	}); err != nil {
		h.vault.ClearByPayment(merchantPaymentID)
		log.Error("Failed to register pending transaction", err)
		response.Error(w, http.StatusConflict, "Payment already in progress", err)
		return
	}

	artifact, err := h.gateway.Initiate3DAuth(ctx, merchantPaymentID, session.Token, req.Card)
	if err != nil {
		h.abort(merchantPaymentID, err)
		response.Error(w, http.StatusBadGateway, "3D authentication could not be initiated", err)
		return
	}

	if _, err := h.store.Transition(merchantPaymentID, payment.StateAuthRedirected, nil); err != nil {
		h.abort(merchantPaymentID, err)
		response.Error(w, http.StatusInternalServerError, "Failed to track authentication", err)
		return
	}

	// The request context dies with this response; the status watcher
	// must outlive it.
	go h.reconciler.WatchStatus(context.WithoutCancel(r.Context()), merchantPaymentID)

	log.Info("Checkout initiated, 3D authentication pending")
	response.Success(w, http.StatusOK, "3D authentication required", CheckoutResponse{
		MerchantPaymentID: merchantPaymentID,
		State:             string(payment.StateAuthRedirected),
		Artifact:          artifact.Content,
		IsRedirect:        artifact.IsRedirect,
	})
}

func (h *CheckoutHandler) abort(merchantPaymentID string, cause error) {
	h.vault.ClearByPayment(merchantPaymentID)
	if _, err := h.store.Transition(merchantPaymentID, payment.StateFailed, nil); err != nil {
		logger.WithPayment(merchantPaymentID).Error("Failed to mark aborted checkout", err)
		return
	}
	h.store.Update(merchantPaymentID, func(tx *payment.PendingTransaction) {
		tx.FailureReason = cause.Error()
	})
}

func validateCard(card payment.CardInfo) error {
	if len(card.Number) < 12 || len(card.Number) > 19 {
		return fmt.Errorf("card number length is invalid")
	}
	if card.CVC == "" || card.ExpiryMonth == "" || card.ExpiryYear == "" {
		return fmt.Errorf("card expiry and CVC are required")
	}
	return nil
}
