package payment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// vaultEntry holds one card between authorization and completion
type vaultEntry struct {
	sessionID         string
	merchantPaymentID string
	card              CardInfo
	expiresAt         time.Time
}

// Vault is the ephemeral, in-memory credential holder. Entries live at
// most one TTL and are consumed by a single atomic Take; card data never
// leaves the process and is never written to any log or store.
type Vault struct {
	mu        sync.Mutex
	entries   map[string]*vaultEntry
	byPayment map[string]string
	ttl       time.Duration
}

// NewVault creates a credential vault with the given entry TTL
func NewVault(ttl time.Duration) *Vault {
	return &Vault{
		entries:   make(map[string]*vaultEntry),
		byPayment: make(map[string]string),
		ttl:       ttl,
	}
}

// Store saves a card for the given merchant payment id and returns the
// opaque vault session id. A second Store for the same payment replaces
// the previous entry so at most one live credential exists per
// in-flight transaction.
func (v *Vault) Store(merchantPaymentID string, card CardInfo) string {
	v.mu.Lock()
	defer v.mu.Unlock()

	if prev, ok := v.byPayment[merchantPaymentID]; ok {
		delete(v.entries, prev)
	}

	sessionID := uuid.New().String()
	v.entries[sessionID] = &vaultEntry{
		sessionID:         sessionID,
		merchantPaymentID: merchantPaymentID,
		card:              card,
		expiresAt:         time.Now().Add(v.ttl),
	}
	v.byPayment[merchantPaymentID] = sessionID
	return sessionID
}

// Get returns the card without consuming it
func (v *Vault) Get(sessionID string) (CardInfo, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, ok := v.entries[sessionID]
	if !ok || time.Now().After(entry.expiresAt) {
		return CardInfo{}, false
	}
	return entry.card, true
}

// Take atomically reads and deletes the entry so a card can be used for
// completion at most once even under concurrent callback delivery. A
// second Take returns absent.
func (v *Vault) Take(sessionID string) (CardInfo, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, ok := v.entries[sessionID]
	if !ok {
		return CardInfo{}, false
	}

	delete(v.entries, sessionID)
	delete(v.byPayment, entry.merchantPaymentID)

	if time.Now().After(entry.expiresAt) {
		return CardInfo{}, false
	}
	return entry.card, true
}

// Clear removes an entry without returning it
func (v *Vault) Clear(sessionID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if entry, ok := v.entries[sessionID]; ok {
		delete(v.entries, sessionID)
		delete(v.byPayment, entry.merchantPaymentID)
	}
}

// ClearByPayment removes the entry belonging to a merchant payment id
func (v *Vault) ClearByPayment(merchantPaymentID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if sessionID, ok := v.byPayment[merchantPaymentID]; ok {
		delete(v.entries, sessionID)
		delete(v.byPayment, merchantPaymentID)
	}
}

// Size returns the number of live entries
func (v *Vault) Size() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.entries)
}

// sweep removes entries past their TTL
func (v *Vault) sweep(now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for sessionID, entry := range v.entries {
		if now.After(entry.expiresAt) {
			delete(v.entries, sessionID)
			delete(v.byPayment, entry.merchantPaymentID)
		}
	}
}

// StartSweeper removes expired entries on the given interval until the
// context is cancelled
func (v *Vault) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				v.sweep(now)
			}
		}
	}()
}
