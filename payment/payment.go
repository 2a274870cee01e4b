package payment

import (
	"context"
	"time"
)

// State represents the lifecycle state of a pending transaction
type State string

const (
	StatePending          State = "PENDING"
	StateAuthRedirected   State = "AUTH_REDIRECTED"
	StateCallbackReceived State = "CALLBACK_RECEIVED"
	StateCompleting       State = "COMPLETING"
	StateCompleted        State = "COMPLETED"
	StateFailed           State = "FAILED"
	StateExpired          State = "EXPIRED"
)

// Terminal reports whether the state permits no further transitions
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateExpired
}

// Channel identifies the path a bank verdict arrived through
type Channel string

const (
	ChannelServerCallback   Channel = "server-callback"
	ChannelRedirectCallback Channel = "redirect-callback"
	ChannelPoll             Channel = "poll"
	ChannelStatusQuery      Channel = "status-query"
)

// Address represents a physical address
type Address struct {
	City    string `json:"city"`
	Country string `json:"country"`
	Address string `json:"address"`
	ZipCode string `json:"zipCode,omitempty"`
}

// Customer represents the buyer information
type Customer struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	IPAddress   string `json:"ipAddress,omitempty"`
	UserAgent   string `json:"userAgent,omitempty"`
}

// OrderItem represents a product line in the checkout
type OrderItem struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
}

// CardInfo represents credit card information. It lives only in the
// credential vault between authorization and purchase completion and is
// never persisted or logged.
type CardInfo struct {
	Number      string `json:"number"`
	HolderName  string `json:"holderName"`
	ExpiryMonth string `json:"expiryMonth"`
	ExpiryYear  string `json:"expiryYear"`
	CVC         string `json:"cvc"`
}

// TransactionMeta carries the order context recorded on a pending transaction
type TransactionMeta struct {
	SessionToken      string
	ProposalID        string
	ProductID         string
	InstallmentNumber int
	Amount            float64
	Currency          string
	OriginURL         string
	VaultSessionID    string
	TTL               time.Duration
}

// PendingTransaction tracks one checkout attempt from authorization
// request to final outcome
type PendingTransaction struct {
	MerchantPaymentID  string          `json:"merchantPaymentId"`
	SessionToken       string          `json:"sessionToken,omitempty"`
	ProposalID         string          `json:"proposalId"`
	ProductID          string          `json:"productId"`
	InstallmentNumber  int             `json:"installmentNumber"`
	Amount             float64         `json:"amount"`
	Currency           string          `json:"currency"`
	State              State           `json:"state"`
	CreatedAt          time.Time       `json:"createdAt"`
	ExpiresAt          time.Time       `json:"expiresAt"`
	Result             *CallbackResult `json:"result,omitempty"`
	CompletionAttempts int             `json:"completionAttempts"`
	FailureReason      string          `json:"failureReason,omitempty"`
	PolicyNumber       string          `json:"policyNumber,omitempty"`
	OriginURL          string          `json:"-"`
	VaultSessionID     string          `json:"-"`
}

// CallbackResult is the canonical shape every inbound verdict is
// normalized into, regardless of channel
type CallbackResult struct {
	Success           bool              `json:"success"`
	LowConfidence     bool              `json:"lowConfidence,omitempty"`
	ResponseCode      string            `json:"responseCode"`
	ResponseMessage   string            `json:"responseMessage,omitempty"`
	MDStatus          string            `json:"mdStatus,omitempty"`
	MerchantPaymentID string            `json:"merchantPaymentId"`
	SessionToken      string            `json:"sessionToken,omitempty"`
	TransactionID     string            `json:"transactionId,omitempty"`
	Amount            string            `json:"amount,omitempty"`
	Currency          string            `json:"currency,omitempty"`
	OriginChannel     Channel           `json:"originChannel"`
	ReceivedAt        time.Time         `json:"receivedAt"`
	Raw               map[string]string `json:"-"`
}

// TransactionStatus summarizes a gateway-side status query
type TransactionStatus struct {
	Approved      bool           `json:"approved"`
	Status        string         `json:"status"`
	Amount        float64        `json:"amount,omitempty"`
	TransactionID string         `json:"transactionId,omitempty"`
	Raw           map[string]any `json:"-"`
}

// PurchaseRequest is the downstream policy-issuance call payload
type PurchaseRequest struct {
	ProposalID        string
	ProposalProductID string
	InstallmentNumber int
	MerchantPaymentID string
	Card              CardInfo
	GatewayResult     map[string]string
}

// PurchaseResult is the downstream policy-issuance outcome
type PurchaseResult struct {
	Success      bool
	PolicyNumber string
	ErrorCode    string
	ErrorMessage string
}

// StatusQuerier asks the gateway for its latest known transaction status.
// Used as a fallback when no callback arrives.
type StatusQuerier interface {
	QueryTransactionStatus(ctx context.Context, merchantPaymentID string) (*TransactionStatus, error)
}

// Purchaser invokes the downstream policy-issuance API
type Purchaser interface {
	Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error)
}

// CompletionRecord is the audit entry written when a transaction reaches
// a terminal state
type CompletionRecord struct {
	MerchantPaymentID string
	State             State
	PolicyNumber      string
	ErrorCode         string
	ErrorMessage      string
	ManualReview      bool
	Attempts          int
	CompletedAt       time.Time
}

// AuditTrail records callback results and completion outcomes durably
// for back-office reconciliation. Implementations must never receive
// card data.
type AuditTrail interface {
	RecordCallback(ctx context.Context, result CallbackResult) error
	RecordCompletion(ctx context.Context, record CompletionRecord) error
}
