package gateway

import (
	"context"
	"fmt"

	"github.com/sigortix/paycore/payment"
)

// Config carries the credential and endpoint set for a gateway client
type Config struct {
	Merchant         string
	MerchantUser     string
	MerchantPassword string
	SecretKey        string
	BaseURL          string
	CallbackURL      string
	Production       bool
}

// SessionRequest describes the order context a payment session is opened for
type SessionRequest struct {
	MerchantPaymentID string
	Amount            float64
	Currency          string
	Customer          payment.Customer
	Items             []payment.OrderItem
	ReturnURL         string
}

// SessionResult is the gateway's answer to a session request
type SessionResult struct {
	Token string
	Raw   map[string]any
}

// AuthArtifact is the opaque content handed back to the browser to start
// bank-side 3D authentication. Callers must not interpret the content
// beyond choosing between rendering it and redirecting to it.
type AuthArtifact struct {
	Content    string
	IsRedirect bool
}

// Client is the payment gateway contract. Implementations also satisfy
// payment.StatusQuerier through QueryTransactionStatus.
type Client interface {
	CreateSession(ctx context.Context, req SessionRequest) (*SessionResult, error)
	Initiate3DAuth(ctx context.Context, merchantPaymentID, sessionToken string, card payment.CardInfo) (*AuthArtifact, error)
	QueryTransactionStatus(ctx context.Context, merchantPaymentID string) (*payment.TransactionStatus, error)
}

// Error reports a gateway-side failure. Transient errors may be retried,
// everything else must surface to the caller unchanged.
type Error struct {
	Action    string
	Code      string
	Message   string
	Transient bool
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %s failed: %s (%s)", e.Action, e.Message, e.Code)
	}
	return fmt.Sprintf("gateway %s failed: %s", e.Action, e.Message)
}
