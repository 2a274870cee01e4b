package payment

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/sigortix/paycore/infra/logger"
)

// Outcome is the final, non-sensitive result delivered back to the
// browsing context that initiated checkout
type Outcome struct {
	MerchantPaymentID string `json:"merchantPaymentId"`
	Success           bool   `json:"success"`
	State             State  `json:"state"`
	ResponseCode      string `json:"responseCode,omitempty"`
	Message           string `json:"message,omitempty"`
	PolicyNumber      string `json:"policyNumber,omitempty"`
	Timeout           bool   `json:"timeout,omitempty"`
	RedirectURL       string `json:"-"`
}

// Notifier delivers terminal outcomes to the origin browsing context.
// Delivery is addressed per transaction, attempted in priority order:
// a registered origin channel, then parking for the poll endpoint, then
// a redirect to an allow-listed destination. Whatever channel succeeds,
// the credential vault entry for the transaction is cleared.
type Notifier struct {
	vault        *Vault
	box          *ResultBox
	allowedHosts map[string]bool

	mu      sync.Mutex
	origins map[string]chan Outcome
}

// NewNotifier creates a notifier bound to the vault it must clean up
// and the result box backing the poll channel
func NewNotifier(vault *Vault, box *ResultBox, allowedHosts []string) *Notifier {
	allowed := make(map[string]bool, len(allowedHosts))
	for _, host := range allowedHosts {
		allowed[host] = true
	}

	return &Notifier{
		vault:        vault,
		box:          box,
		allowedHosts: allowed,
		origins:      make(map[string]chan Outcome),
	}
}

// Register subscribes the origin context for a transaction. The returned
// channel receives at most one outcome. Callers must Unregister when
// they stop listening.
func (n *Notifier) Register(merchantPaymentID string) <-chan Outcome {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan Outcome, 1)
	n.origins[merchantPaymentID] = ch
	return ch
}

// Unregister removes the origin subscription for a transaction
func (n *Notifier) Unregister(merchantPaymentID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.origins, merchantPaymentID)
}

// Notify delivers a terminal outcome and clears the vault entry for the
// transaction. It never blocks on a slow origin.
func (n *Notifier) Notify(outcome Outcome, extraKeys ...string) {
	defer n.vault.ClearByPayment(outcome.MerchantPaymentID)

	if n.deliverToOrigin(outcome) {
		logger.Debug("Outcome delivered to origin context", logger.LogContext{
			PaymentID: outcome.MerchantPaymentID,
		})
		return
	}

	// Origin context unreachable; park the outcome so the poll channel
	// can pick it up.
	keys := append([]string{outcome.MerchantPaymentID}, extraKeys...)
	n.box.ParkOutcome(outcome, keys...)
	logger.Debug("Outcome parked for poll retrieval", logger.LogContext{
		PaymentID: outcome.MerchantPaymentID,
	})
}

func (n *Notifier) deliverToOrigin(outcome Outcome) bool {
	n.mu.Lock()
	ch, ok := n.origins[outcome.MerchantPaymentID]
	if ok {
		delete(n.origins, outcome.MerchantPaymentID)
	}
	n.mu.Unlock()

	if !ok {
		return false
	}

	select {
	case ch <- outcome:
		return true
	default:
		return false
	}
}

// RedirectFor builds the full-page redirect carrying minimal status for
// an outcome, the last-resort delivery channel. It refuses destinations
// outside the allow-list.
func (n *Notifier) RedirectFor(outcome Outcome) (string, bool) {
	if outcome.RedirectURL == "" {
		return "", false
	}

	parsed, err := url.Parse(outcome.RedirectURL)
	if err != nil || !n.allowedHosts[parsed.Hostname()] {
		logger.Warn("Refusing redirect to non-allow-listed destination", logger.LogContext{
			PaymentID: outcome.MerchantPaymentID,
			Fields:    map[string]any{"host": hostOrEmpty(parsed, err)},
		})
		return "", false
	}

	query := parsed.Query()
	query.Set("merchantPaymentId", outcome.MerchantPaymentID)
	query.Set("success", fmt.Sprintf("%t", outcome.Success))
	query.Set("state", string(outcome.State))
	if outcome.PolicyNumber != "" {
		query.Set("policyNumber", outcome.PolicyNumber)
	}
	parsed.RawQuery = query.Encode()

	return parsed.String(), true
}

func hostOrEmpty(parsed *url.URL, err error) string {
	if err != nil || parsed == nil {
		return ""
	}
	return parsed.Hostname()
}
