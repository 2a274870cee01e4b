package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sigortix/paycore/infra/logger"
	"github.com/sigortix/paycore/infra/response"
	"github.com/sigortix/paycore/payment"
)

// CallbackHandler ingests bank verdicts from every channel: the bank's
// server-to-server callback, the browser redirect, and the client poll
type CallbackHandler struct {
	store      payment.Store
	box        *payment.ResultBox
	notifier   *payment.Notifier
	reconciler *payment.Reconciler

	// confirmationURL is where browsers landing on the server callback
	// endpoint get sent; some banks post the server callback through the
	// customer's browser instead of their backend.
	confirmationURL string
}

// NewCallbackHandler creates a new callback handler
func NewCallbackHandler(store payment.Store, box *payment.ResultBox, notifier *payment.Notifier, reconciler *payment.Reconciler, confirmationURL string) *CallbackHandler {
	return &CallbackHandler{
		store:           store,
		box:             box,
		notifier:        notifier,
		reconciler:      reconciler,
		confirmationURL: confirmationURL,
	}
}

// ServerCallback handles the bank's server-to-server verdict delivery
func (h *CallbackHandler) ServerCallback(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 90*time.Second)
	defer cancel()

	data := extractCallbackData(r)
	result := payment.Normalize(data, payment.ChannelServerCallback, r.URL.String())

	tx, err := h.reconciler.Process(ctx, result)

	if isBrowserRequest(r) {
		h.redirectBrowser(w, r, tx, result)
		return
	}

	if err != nil && !errors.Is(err, payment.ErrUnknownTransaction) {
		response.Error(w, http.StatusInternalServerError, "Callback processing failed", err)
		return
	}

	// The bank only needs an acknowledgement; the verdict outcome travels
	// through the notifier.
	response.Success(w, http.StatusOK, "Callback received", map[string]string{
		"merchantPaymentId": result.MerchantPaymentID,
	})
}

// RedirectCallback handles the browser returning from the bank's 3D page
func (h *CallbackHandler) RedirectCallback(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 90*time.Second)
	defer cancel()

	data := extractCallbackData(r)
	result := payment.Normalize(data, payment.ChannelRedirectCallback, r.URL.String())

	tx, _ := h.reconciler.Process(ctx, result)
	h.redirectBrowser(w, r, tx, result)
}

// Poll serves the client polling channel. Decided transactions answer
// from the store; verdicts whose transaction was lost answer from the
// parked-result box.
func (h *CallbackHandler) Poll(w http.ResponseWriter, r *http.Request) {
	merchantPaymentID := chi.URLParam(r, "merchantPaymentID")
	if merchantPaymentID == "" {
		response.Error(w, http.StatusBadRequest, "Missing merchant payment ID", nil)
		return
	}

	if tx, ok := h.store.Get(merchantPaymentID); ok {
		if !tx.State.Terminal() {
			if outcome, ok := h.waitForOutcome(r, merchantPaymentID); ok {
				response.Success(w, http.StatusOK, "Transaction decided", outcome)
				return
			}
			if refreshed, ok := h.store.Get(merchantPaymentID); ok {
				tx = refreshed
			}
		}
		response.Success(w, http.StatusOK, "Transaction state", tx)
		return
	}

	if parked, ok := h.box.Get(merchantPaymentID); ok {
		response.Success(w, http.StatusOK, "Parked result", parked)
		return
	}

	// A context that lost the id may still know the gateway session token
	if token := r.URL.Query().Get("sessionToken"); token != "" {
		if tx, ok := h.store.FindBySessionToken(token); ok {
			response.Success(w, http.StatusOK, "Transaction state", tx)
			return
		}
		if parked, ok := h.box.Get(token); ok {
			response.Success(w, http.StatusOK, "Parked result", parked)
			return
		}
	}

	known := h.box.Keys()
	logger.WithChannel(merchantPaymentID, string(payment.ChannelPoll)).
		AddField("parked_results", len(known)).
		Warn("Poll for unknown transaction")
	_ = response.WriteJSON(w, http.StatusNotFound, response.Response{
		Code:    http.StatusNotFound,
		Success: false,
		Message: "Unknown transaction",
		Error:   payment.ErrNotFound.Error(),
		Data:    map[string]any{"knownResults": known},
	})
}

// waitForOutcome holds an undecided poll open when the client asked for
// it with ?wait=<duration>, subscribing the request as the transaction's
// origin context
func (h *CallbackHandler) waitForOutcome(r *http.Request, merchantPaymentID string) (*payment.Outcome, bool) {
	wait, err := time.ParseDuration(r.URL.Query().Get("wait"))
	if err != nil || wait <= 0 {
		return nil, false
	}
	if wait > maxPollWait {
		wait = maxPollWait
	}

	ch := h.notifier.Register(merchantPaymentID)
	defer h.notifier.Unregister(merchantPaymentID)

	select {
	case outcome := <-ch:
		return &outcome, true
	case <-time.After(wait):
	case <-r.Context().Done():
	}
	return nil, false
}

const maxPollWait = 30 * time.Second

// redirectBrowser sends the customer's browser to the storefront
// confirmation page, or an allow-listed per-transaction destination when
// the transaction carries one
func (h *CallbackHandler) redirectBrowser(w http.ResponseWriter, r *http.Request, tx *payment.PendingTransaction, result payment.CallbackResult) {
	outcome := payment.Outcome{
		MerchantPaymentID: result.MerchantPaymentID,
		Success:           result.Success,
		ResponseCode:      result.ResponseCode,
	}
	if tx != nil {
		outcome.MerchantPaymentID = tx.MerchantPaymentID
		outcome.State = tx.State
		outcome.Success = tx.State == payment.StateCompleted
		outcome.PolicyNumber = tx.PolicyNumber
		outcome.RedirectURL = tx.OriginURL
	}

	if target, ok := h.notifier.RedirectFor(outcome); ok {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	if h.confirmationURL == "" {
		response.Success(w, http.StatusOK, "Callback received", outcome)
		return
	}

	target := h.confirmationURL
	if parsed, err := url.Parse(h.confirmationURL); err == nil {
		query := parsed.Query()
		query.Set("merchantPaymentId", outcome.MerchantPaymentID)
		parsed.RawQuery = query.Encode()
		target = parsed.String()
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// extractCallbackData flattens whatever the bank sent into a string map.
// Banks deliver verdicts as form posts, JSON bodies or bare query
// strings depending on the integration.
func extractCallbackData(r *http.Request) map[string]string {
	data := make(map[string]string)

	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			data[key] = values[0]
		}
	}

	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "application/json"):
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			for key, value := range body {
				if s, ok := value.(string); ok {
					data[key] = s
				}
			}
		}
	case strings.Contains(contentType, "application/x-www-form-urlencoded"), strings.Contains(contentType, "multipart/form-data"):
		if err := r.ParseForm(); err == nil {
			for key, values := range r.PostForm {
				if len(values) > 0 {
					data[key] = values[0]
				}
			}
		}
	default:
		// Some banks post a raw query string with no content type
		if body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024)); err == nil && len(body) > 0 {
			if values, err := url.ParseQuery(string(body)); err == nil {
				for key, vals := range values {
					if len(vals) > 0 {
						data[key] = vals[0]
					}
				}
			}
		}
	}

	return data
}

// isBrowserRequest guesses whether the server callback actually arrived
// through the customer's browser
func isBrowserRequest(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		return true
	}
	ua := r.Header.Get("User-Agent")
	return strings.Contains(ua, "Mozilla") || strings.Contains(ua, "Safari") || strings.Contains(ua, "Chrome")
}
