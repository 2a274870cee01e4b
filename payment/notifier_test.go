package payment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNotifier() (*Notifier, *Vault, *ResultBox) {
	vault := NewVault(time.Minute)
	box := NewResultBox(time.Minute)
	return NewNotifier(vault, box, []string{"shop.example.com", "localhost"}), vault, box
}

func TestNotifier_DeliversToRegisteredOrigin(t *testing.T) {
	notifier, _, box := newTestNotifier()

	ch := notifier.Register("INS-1")
	notifier.Notify(Outcome{MerchantPaymentID: "INS-1", Success: true, State: StateCompleted})

	select {
	case outcome := <-ch:
		assert.True(t, outcome.Success)
		assert.Equal(t, StateCompleted, outcome.State)
	default:
		t.Fatal("expected outcome on origin channel")
	}

	// Delivered outcomes are not parked
	_, ok := box.Get("INS-1")
	assert.False(t, ok)
}

func TestNotifier_ParksWhenNoOrigin(t *testing.T) {
	notifier, _, box := newTestNotifier()

	notifier.Notify(Outcome{MerchantPaymentID: "INS-2", State: StateFailed}, "tok-2")

	parked, ok := box.Get("INS-2")
	require.True(t, ok)
	require.NotNil(t, parked.Outcome)
	assert.Equal(t, StateFailed, parked.Outcome.State)

	// Also reachable by the extra session-token key
	_, ok = box.Get("tok-2")
	assert.True(t, ok)
}

func TestNotifier_ParksWhenOriginUnregistered(t *testing.T) {
	notifier, _, box := newTestNotifier()

	notifier.Register("INS-3")
	notifier.Unregister("INS-3")
	notifier.Notify(Outcome{MerchantPaymentID: "INS-3"})

	_, ok := box.Get("INS-3")
	assert.True(t, ok)
}

func TestNotifier_ClearsVaultOnEveryOutcome(t *testing.T) {
	notifier, vault, _ := newTestNotifier()
	vault.Store("INS-4", testCard)

	notifier.Notify(Outcome{MerchantPaymentID: "INS-4", Success: true})
	assert.Equal(t, 0, vault.Size())
}

func TestNotifier_RedirectFor(t *testing.T) {
	notifier, _, _ := newTestNotifier()

	outcome := Outcome{
		MerchantPaymentID: "INS-5",
		Success:           true,
		State:             StateCompleted,
		PolicyNumber:      "POL-1",
		RedirectURL:       "https://shop.example.com/checkout/done",
	}

	target, ok := notifier.RedirectFor(outcome)
	require.True(t, ok)
	assert.Contains(t, target, "merchantPaymentId=INS-5")
	assert.Contains(t, target, "success=true")
	assert.Contains(t, target, "policyNumber=POL-1")
}

func TestNotifier_RedirectForRejectsUnknownHost(t *testing.T) {
	notifier, _, _ := newTestNotifier()

	_, ok := notifier.RedirectFor(Outcome{
		MerchantPaymentID: "INS-6",
		RedirectURL:       "https://evil.example.net/phish",
	})
	assert.False(t, ok)

	_, ok = notifier.RedirectFor(Outcome{MerchantPaymentID: "INS-6"})
	assert.False(t, ok)

	_, ok = notifier.RedirectFor(Outcome{
		MerchantPaymentID: "INS-6",
		RedirectURL:       "://not a url",
	})
	assert.False(t, ok)
}
