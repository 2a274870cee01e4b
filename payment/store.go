package payment

import (
	"strings"
	"sync"
	"time"
)

// Store tracks pending transactions across the authorization flow.
// Implementations must serialize mutation per merchant payment id; an
// in-memory implementation is provided, the interface allows a shared
// backing store when running more than one instance.
type Store interface {
	Create(merchantPaymentID string, meta TransactionMeta) (*PendingTransaction, error)
	Get(merchantPaymentID string) (*PendingTransaction, bool)
	Transition(merchantPaymentID string, to State, result *CallbackResult) (*PendingTransaction, error)
	Update(merchantPaymentID string, fn func(*PendingTransaction)) error
	FindBySessionToken(sessionToken string) (*PendingTransaction, bool)
	FindByFragment(fragment string) (*PendingTransaction, bool)
	List() []*PendingTransaction
	Sweep(now time.Time) []*PendingTransaction
	Remove(merchantPaymentID string)
}

// allowedTransitions is the monotonic state machine. PENDING -> FAILED
// covers authorization initiation failing before any redirect happens.
var allowedTransitions = map[State][]State{
	StatePending:          {StateAuthRedirected, StateFailed, StateExpired},
	StateAuthRedirected:   {StateCallbackReceived, StateExpired},
	StateCallbackReceived: {StateCompleting, StateExpired},
	StateCompleting:       {StateCompleted, StateFailed, StateExpired},
}

func transitionAllowed(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type storeEntry struct {
	mu sync.Mutex
	tx PendingTransaction
}

// InMemoryStore is the default single-process Store implementation
type InMemoryStore struct {
	mu         sync.RWMutex
	entries    map[string]*storeEntry
	defaultTTL time.Duration
}

// NewInMemoryStore creates a pending-transaction store with the given
// default TTL for new transactions
func NewInMemoryStore(defaultTTL time.Duration) *InMemoryStore {
	return &InMemoryStore{
		entries:    make(map[string]*storeEntry),
		defaultTTL: defaultTTL,
	}
}

// Create registers a new pending transaction in state PENDING
func (s *InMemoryStore) Create(merchantPaymentID string, meta TransactionMeta) (*PendingTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[merchantPaymentID]; exists {
		return nil, &InvalidTransitionError{MerchantPaymentID: merchantPaymentID, From: StatePending, To: StatePending}
	}

	ttl := meta.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	now := time.Now()
	entry := &storeEntry{
		tx: PendingTransaction{
			MerchantPaymentID: merchantPaymentID,
			SessionToken:      meta.SessionToken,
			ProposalID:        meta.ProposalID,
			ProductID:         meta.ProductID,
			InstallmentNumber: meta.InstallmentNumber,
			Amount:            meta.Amount,
			Currency:          meta.Currency,
			State:             StatePending,
			CreatedAt:         now,
			ExpiresAt:         now.Add(ttl),
			OriginURL:         meta.OriginURL,
			VaultSessionID:    meta.VaultSessionID,
		},
	}
	s.entries[merchantPaymentID] = entry

	tx := entry.tx
	return &tx, nil
}

func (s *InMemoryStore) entry(merchantPaymentID string) (*storeEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[merchantPaymentID]
	return entry, ok
}

// Get returns a copy of the transaction for the given id
func (s *InMemoryStore) Get(merchantPaymentID string) (*PendingTransaction, bool) {
	entry, ok := s.entry(merchantPaymentID)
	if !ok {
		return nil, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	tx := entry.tx
	return &tx, true
}

// Transition moves a transaction to a new state, enforcing the state
// machine. Transitions out of a terminal state return ErrTerminalState
// and leave the transaction untouched.
func (s *InMemoryStore) Transition(merchantPaymentID string, to State, result *CallbackResult) (*PendingTransaction, error) {
	entry, ok := s.entry(merchantPaymentID)
	if !ok {
		return nil, ErrNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.tx.State.Terminal() {
		tx := entry.tx
		return &tx, ErrTerminalState
	}

	if !transitionAllowed(entry.tx.State, to) {
		tx := entry.tx
		return &tx, &InvalidTransitionError{MerchantPaymentID: merchantPaymentID, From: entry.tx.State, To: to}
	}

	entry.tx.State = to
	if result != nil {
		entry.tx.Result = result
	}

	tx := entry.tx
	return &tx, nil
}

// Update applies fn to the transaction under its per-key lock. fn must
// not change State; state changes go through Transition.
func (s *InMemoryStore) Update(merchantPaymentID string, fn func(*PendingTransaction)) error {
	entry, ok := s.entry(merchantPaymentID)
	if !ok {
		return ErrNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	fn(&entry.tx)
	return nil
}

// FindBySessionToken scans for a transaction by its gateway session token
func (s *InMemoryStore) FindBySessionToken(sessionToken string) (*PendingTransaction, bool) {
	if sessionToken == "" {
		return nil, false
	}
	return s.scan(func(tx *PendingTransaction) bool {
		return tx.SessionToken == sessionToken
	})
}

// FindByFragment is the degraded-mode lookup: a bounded scan matching a
// transaction whose id contains, or is contained in, the fragment. It
// exists because upstream systems have been observed mangling the
// merchant payment id, not as a primary lookup path.
func (s *InMemoryStore) FindByFragment(fragment string) (*PendingTransaction, bool) {
	if len(fragment) < 6 {
		return nil, false
	}
	return s.scan(func(tx *PendingTransaction) bool {
		return strings.Contains(tx.MerchantPaymentID, fragment) ||
			strings.Contains(fragment, tx.MerchantPaymentID)
	})
}

const maxScanCandidates = 256

func (s *InMemoryStore) scan(match func(*PendingTransaction) bool) (*PendingTransaction, bool) {
	s.mu.RLock()
	candidates := make([]*storeEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		candidates = append(candidates, entry)
		if len(candidates) >= maxScanCandidates {
			break
		}
	}
	s.mu.RUnlock()

	for _, entry := range candidates {
		entry.mu.Lock()
		tx := entry.tx
		entry.mu.Unlock()
		if !tx.State.Terminal() && match(&tx) {
			return &tx, true
		}
	}
	return nil, false
}

// List returns copies of all tracked transactions
func (s *InMemoryStore) List() []*PendingTransaction {
	s.mu.RLock()
	entries := make([]*storeEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, entry)
	}
	s.mu.RUnlock()

	out := make([]*PendingTransaction, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		tx := entry.tx
		entry.mu.Unlock()
		out = append(out, &tx)
	}
	return out
}

// completionGrace keeps an in-flight completion alive past the
// transaction TTL. The purchase call carries its own timeout, so a
// COMPLETING transaction either reaches a terminal state on its own or
// expires once the grace runs out.
const completionGrace = 2 * time.Minute

// Sweep marks transactions past their deadline as EXPIRED and returns
// the newly expired ones so the caller can notify their origin contexts
func (s *InMemoryStore) Sweep(now time.Time) []*PendingTransaction {
	s.mu.RLock()
	entries := make([]*storeEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, entry)
	}
	s.mu.RUnlock()

	var expired []*PendingTransaction
	for _, entry := range entries {
		entry.mu.Lock()
		deadline := entry.tx.ExpiresAt
		if entry.tx.State == StateCompleting {
			deadline = deadline.Add(completionGrace)
		}
		if !entry.tx.State.Terminal() && now.After(deadline) {
			entry.tx.State = StateExpired
			entry.tx.FailureReason = ErrTimeout.Error()
			tx := entry.tx
			expired = append(expired, &tx)
		}
		entry.mu.Unlock()
	}
	return expired
}

// Remove drops a transaction from the store
func (s *InMemoryStore) Remove(merchantPaymentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, merchantPaymentID)
}
