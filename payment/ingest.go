package payment

import (
	"strings"
	"sync"
	"time"
)

// Canonical field extraction. Banks and intermediate systems disagree on
// field naming, so every canonical field has an ordered fallback list.
var (
	responseCodeKeys = []string{"responseCode", "ResponseCode", "Response", "procReturnCode"}
	mdStatusKeys     = []string{"mdStatus", "MdStatus", "MDSTATUS"}
	altStatusKeys    = []string{"threeDStatus", "3DStatus", "authStatus", "txnStatus"}
	paymentIDKeys    = []string{"merchantPaymentId", "MERCHANTPAYMENTID", "merchantPaymentID", "oid", "orderId", "paymentId"}
	sessionTokenKeys = []string{"sessionToken", "SESSIONTOKEN", "token"}
	transactionKeys  = []string{"transactionId", "TransId", "pgTranId"}
	messageKeys      = []string{"responseMsg", "errorMsg", "ErrMsg", "message"}
	amountKeys       = []string{"amount", "AMOUNT"}
	currencyKeys     = []string{"currency", "CURRENCY"}
)

// Literal markers the bank's redirect chain emits directly in the URL
// when structured fields are absent. A success derived only from the
// marker is low-confidence and must be corroborated with a gateway
// status query before it authorizes completion.
const (
	redirectSuccessMarker = "3dsuccess"
	redirectFailureMarker = "3dfail"
)

func firstOf(data map[string]string, keys []string) string {
	for _, key := range keys {
		if value, ok := data[key]; ok && value != "" {
			return value
		}
	}
	return ""
}

// Normalize converts an inbound payload from any of the three channels
// into the canonical CallbackResult shape. rawURL is consulted for the
// redirect channel's literal path markers; pass "" for other channels.
func Normalize(data map[string]string, channel Channel, rawURL string) CallbackResult {
	result := CallbackResult{
		ResponseCode:      firstOf(data, responseCodeKeys),
		MDStatus:          firstOf(data, mdStatusKeys),
		ResponseMessage:   firstOf(data, messageKeys),
		MerchantPaymentID: firstOf(data, paymentIDKeys),
		SessionToken:      firstOf(data, sessionTokenKeys),
		TransactionID:     firstOf(data, transactionKeys),
		Amount:            firstOf(data, amountKeys),
		Currency:          firstOf(data, currencyKeys),
		OriginChannel:     channel,
		ReceivedAt:        time.Now(),
		Raw:               data,
	}

	altStatus := firstOf(data, altStatusKeys)
	result.Success = result.ResponseCode == "00" && (result.MDStatus == "1" || altStatus == "Y")

	// The redirect chain sometimes strips every structured field and
	// leaves only a literal marker in the URL.
	if channel == ChannelRedirectCallback && result.ResponseCode == "" && rawURL != "" {
		lowered := strings.ToLower(rawURL)
		switch {
		case strings.Contains(lowered, redirectSuccessMarker):
			result.Success = true
			result.LowConfidence = true
			result.ResponseMessage = "success marker in redirect URL"
		case strings.Contains(lowered, redirectFailureMarker):
			result.Success = false
			result.ResponseMessage = "failure marker in redirect URL"
		}
	}

	return result
}

// StatusResult builds a CallbackResult from a gateway status query so an
// approved status drives the same completion path a callback would
func StatusResult(merchantPaymentID string, status *TransactionStatus) CallbackResult {
	result := CallbackResult{
		MerchantPaymentID: merchantPaymentID,
		TransactionID:     status.TransactionID,
		OriginChannel:     ChannelStatusQuery,
		ReceivedAt:        time.Now(),
	}
	if status.Approved {
		result.Success = true
		result.ResponseCode = "00"
		result.MDStatus = "1"
		result.ResponseMessage = "approved by status query"
	} else {
		result.ResponseCode = status.Status
		result.ResponseMessage = "not approved by status query"
	}
	return result
}

// ParkedResult is a verdict held for later poll retrieval, either
// because its transaction was never found (restart, lost bookkeeping)
// or because the origin context could not be reached directly
type ParkedResult struct {
	Result   *CallbackResult `json:"result,omitempty"`
	Outcome  *Outcome        `json:"outcome,omitempty"`
	StoredAt time.Time       `json:"storedAt"`
}

// ResultBox stores parked results keyed by every identifier present so
// a later poll can retrieve them by whichever id it knows
type ResultBox struct {
	mu      sync.RWMutex
	results map[string]*ParkedResult
	ttl     time.Duration
}

// NewResultBox creates a result box whose entries expire after ttl
func NewResultBox(ttl time.Duration) *ResultBox {
	return &ResultBox{
		results: make(map[string]*ParkedResult),
		ttl:     ttl,
	}
}

// ParkResult stores an orphaned callback result under every given key
func (b *ResultBox) ParkResult(result CallbackResult, keys ...string) {
	parked := &ParkedResult{Result: &result, StoredAt: time.Now()}
	b.park(parked, keys)
}

// ParkOutcome stores a terminal outcome under every given key
func (b *ResultBox) ParkOutcome(outcome Outcome, keys ...string) {
	parked := &ParkedResult{Outcome: &outcome, StoredAt: time.Now()}
	b.park(parked, keys)
}

func (b *ResultBox) park(parked *ParkedResult, keys []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range keys {
		if key != "" {
			b.results[key] = parked
		}
	}
}

// Get returns the parked result for a key, if any
func (b *ResultBox) Get(key string) (*ParkedResult, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	parked, ok := b.results[key]
	if !ok || time.Since(parked.StoredAt) > b.ttl {
		return nil, false
	}
	return parked, true
}

// Keys returns the identifiers with a currently parked result, used by
// the poll endpoint's diagnostic listing
func (b *ResultBox) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.results))
	for key, parked := range b.results {
		if time.Since(parked.StoredAt) <= b.ttl {
			keys = append(keys, key)
		}
	}
	return keys
}

// Sweep removes entries past the TTL
func (b *ResultBox) Sweep(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, parked := range b.results {
		if now.Sub(parked.StoredAt) > b.ttl {
			delete(b.results, key)
		}
	}
}
