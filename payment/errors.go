package payment

import (
	"errors"
	"fmt"
)

var (
	// ErrTerminalState is returned when a transition is attempted on a
	// transaction already in COMPLETED, FAILED or EXPIRED
	ErrTerminalState = errors.New("transaction is in a terminal state")

	// ErrUnknownTransaction is returned when no pending transaction matches
	// an inbound callback; the result is parked for later poll retrieval
	ErrUnknownTransaction = errors.New("no pending transaction for callback")

	// ErrAuthorizationDeclined marks a bank decline; no retry with the same card
	ErrAuthorizationDeclined = errors.New("authorization declined by issuer")

	// ErrMissingCredential marks a vault entry gone at completion time,
	// distinct from a decline
	ErrMissingCredential = errors.New("card credential no longer available")

	// ErrTimeout marks a transaction that received no verdict within its TTL
	ErrTimeout = errors.New("no authorization result within deadline")

	// ErrNotFound is returned for lookups of unknown transactions
	ErrNotFound = errors.New("transaction not found")
)

// InvalidTransitionError reports a state change the transition table forbids
type InvalidTransitionError struct {
	MerchantPaymentID string
	From              State
	To                State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for %s", e.From, e.To, e.MerchantPaymentID)
}

// PurchaseError reports a downstream policy-issuance failure after the bank
// already approved the card. Flagged for manual back-office reconciliation.
type PurchaseError struct {
	MerchantPaymentID string
	Code              string
	Message           string
}

func (e *PurchaseError) Error() string {
	return fmt.Sprintf("purchase failed for %s: %s (%s)", e.MerchantPaymentID, e.Message, e.Code)
}
