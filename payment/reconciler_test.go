package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubQuerier struct {
	mu     sync.Mutex
	status *TransactionStatus
	err    error
	calls  int
}

func (s *stubQuerier) QueryTransactionStatus(ctx context.Context, merchantPaymentID string) (*TransactionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.status, nil
}

type stubPurchaser struct {
	mu     sync.Mutex
	result *PurchaseResult
	err    error
	calls  int
}

func (s *stubPurchaser) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *stubPurchaser) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type memoryAudit struct {
	mu          sync.Mutex
	callbacks   []CallbackResult
	completions []CompletionRecord
}

func (m *memoryAudit) RecordCallback(ctx context.Context, result CallbackResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, result)
	return nil
}

func (m *memoryAudit) RecordCompletion(ctx context.Context, record CompletionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completions = append(m.completions, record)
	return nil
}

func (m *memoryAudit) lastCompletion() (CompletionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.completions) == 0 {
		return CompletionRecord{}, false
	}
	return m.completions[len(m.completions)-1], true
}

type reconcilerFixture struct {
	store      *InMemoryStore
	vault      *Vault
	box        *ResultBox
	notifier   *Notifier
	querier    *stubQuerier
	purchaser  *stubPurchaser
	audit      *memoryAudit
	reconciler *Reconciler
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()

	f := &reconcilerFixture{
		store:     NewInMemoryStore(5 * time.Minute),
		vault:     NewVault(10 * time.Minute),
		box:       NewResultBox(5 * time.Minute),
		querier:   &stubQuerier{status: &TransactionStatus{Approved: true}},
		purchaser: &stubPurchaser{result: &PurchaseResult{Success: true, PolicyNumber: "POL-1"}},
		audit:     &memoryAudit{},
	}
	f.notifier = NewNotifier(f.vault, f.box, []string{"shop.example.com"})
	f.reconciler = NewReconciler(f.store, f.vault, f.box, f.notifier, f.querier, f.purchaser, f.audit, nil, ReconcilerConfig{
		StatusSoftDeadline: time.Millisecond,
		PollInterval:       time.Millisecond,
		PollDeadline:       time.Second,
	})
	return f
}

// authRedirected seeds a transaction awaiting its bank verdict
func (f *reconcilerFixture) authRedirected(t *testing.T, id string) {
	t.Helper()

	vaultSessionID := f.vault.Store(id, testCard)
	_, err := f.store.Create(id, TransactionMeta{
		SessionToken:   "tok-" + id,
		ProposalID:     "prop-" + id,
		VaultSessionID: vaultSessionID,
	})
	require.NoError(t, err)
	_, err = f.store.Transition(id, StateAuthRedirected, nil)
	require.NoError(t, err)
}

func approvedResult(id string) CallbackResult {
	return Normalize(map[string]string{
		"merchantPaymentId": id,
		"responseCode":      "00",
		"mdStatus":          "1",
	}, ChannelServerCallback, "")
}

func TestReconciler_SuccessfulCompletion(t *testing.T) {
	f := newReconcilerFixture(t)
	f.authRedirected(t, "INS-1")

	tx, err := f.reconciler.Process(context.Background(), approvedResult("INS-1"))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, tx.State)
	assert.Equal(t, "POL-1", tx.PolicyNumber)
	assert.Equal(t, 1, f.purchaser.callCount())

	// Card gone after completion
	assert.Equal(t, 0, f.vault.Size())

	record, ok := f.audit.lastCompletion()
	require.True(t, ok)
	assert.Equal(t, StateCompleted, record.State)
	assert.Equal(t, "POL-1", record.PolicyNumber)
	assert.False(t, record.ManualReview)

	// The audit row carries the same attempt counter the store tracks
	assert.Equal(t, 1, tx.CompletionAttempts)
	assert.Equal(t, 1, record.Attempts)
}

func TestReconciler_DuplicateVerdictsPurchaseOnce(t *testing.T) {
	f := newReconcilerFixture(t)
	f.authRedirected(t, "INS-2")

	result := approvedResult("INS-2")
	_, err := f.reconciler.Process(context.Background(), result)
	require.NoError(t, err)

	// Same verdict again through another channel
	result.OriginChannel = ChannelRedirectCallback
	tx, err := f.reconciler.Process(context.Background(), result)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, tx.State)

	assert.Equal(t, 1, f.purchaser.callCount())
}

func TestReconciler_ConcurrentVerdictsPurchaseOnce(t *testing.T) {
	f := newReconcilerFixture(t)
	f.authRedirected(t, "INS-3")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.reconciler.Process(context.Background(), approvedResult("INS-3"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.purchaser.callCount())
	tx, ok := f.store.Get("INS-3")
	require.True(t, ok)
	assert.Equal(t, StateCompleted, tx.State)
}

func TestReconciler_Decline(t *testing.T) {
	f := newReconcilerFixture(t)
	f.authRedirected(t, "INS-4")

	declined := Normalize(map[string]string{
		"merchantPaymentId": "INS-4",
		"responseCode":      "05",
		"mdStatus":          "0",
	}, ChannelServerCallback, "")

	tx, err := f.reconciler.Process(context.Background(), declined)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, tx.State)
	assert.Equal(t, ErrAuthorizationDeclined.Error(), tx.FailureReason)
	assert.Equal(t, 0, f.purchaser.callCount())
	assert.Equal(t, 0, f.vault.Size())
}

func TestReconciler_UnknownTransactionIsParked(t *testing.T) {
	f := newReconcilerFixture(t)

	result := approvedResult("INS-UNKNOWN-123")
	result.SessionToken = "tok-orphan"
	_, err := f.reconciler.Process(context.Background(), result)
	assert.ErrorIs(t, err, ErrUnknownTransaction)

	parked, ok := f.box.Get("INS-UNKNOWN-123")
	require.True(t, ok)
	assert.True(t, parked.Result.Success)
	_, ok = f.box.Get("tok-orphan")
	assert.True(t, ok)
}

func TestReconciler_SessionTokenLookup(t *testing.T) {
	f := newReconcilerFixture(t)
	f.authRedirected(t, "INS-5")

	// Verdict lost the merchant payment id but kept the session token
	result := Normalize(map[string]string{
		"responseCode": "00",
		"mdStatus":     "1",
		"sessionToken": "tok-INS-5",
	}, ChannelServerCallback, "")

	tx, err := f.reconciler.Process(context.Background(), result)
	require.NoError(t, err)
	assert.Equal(t, "INS-5", tx.MerchantPaymentID)
	assert.Equal(t, StateCompleted, tx.State)
}

func TestReconciler_FragmentLookup(t *testing.T) {
	f := newReconcilerFixture(t)
	f.authRedirected(t, "INS-2024-0007")

	result := approvedResult("XXINS-2024-0007")

	tx, err := f.reconciler.Process(context.Background(), result)
	require.NoError(t, err)
	assert.Equal(t, "INS-2024-0007", tx.MerchantPaymentID)
}

func TestReconciler_MissingCredential(t *testing.T) {
	f := newReconcilerFixture(t)
	f.authRedirected(t, "INS-6")
	f.vault.ClearByPayment("INS-6")

	tx, err := f.reconciler.Process(context.Background(), approvedResult("INS-6"))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, tx.State)
	assert.Equal(t, ErrMissingCredential.Error(), tx.FailureReason)
	assert.Equal(t, 0, f.purchaser.callCount())
}

func TestReconciler_PurchaseFailureFlagsManualReview(t *testing.T) {
	f := newReconcilerFixture(t)
	f.authRedirected(t, "INS-7")
	f.purchaser.result = &PurchaseResult{Success: false, ErrorCode: "POL-ERR", ErrorMessage: "issuance rejected"}

	tx, err := f.reconciler.Process(context.Background(), approvedResult("INS-7"))
	var perr *PurchaseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StateFailed, tx.State)
	assert.Equal(t, 1, tx.CompletionAttempts)

	record, ok := f.audit.lastCompletion()
	require.True(t, ok)
	assert.True(t, record.ManualReview, "bank approved but issuance failed, must be reviewed")
}

func TestReconciler_PurchaseTransportErrorFlagsManualReview(t *testing.T) {
	f := newReconcilerFixture(t)
	f.authRedirected(t, "INS-8")
	f.purchaser.err = errors.New("connection reset")

	tx, err := f.reconciler.Process(context.Background(), approvedResult("INS-8"))
	var perr *PurchaseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StateFailed, tx.State)

	record, ok := f.audit.lastCompletion()
	require.True(t, ok)
	assert.True(t, record.ManualReview)
}

func TestReconciler_LowConfidenceCorroborated(t *testing.T) {
	f := newReconcilerFixture(t)
	f.authRedirected(t, "INS-9")
	f.querier.status = &TransactionStatus{Approved: true}

	result := Normalize(map[string]string{"merchantPaymentId": "INS-9"},
		ChannelRedirectCallback, "https://host/v1/callbacks/redirect/3DSuccess")
	require.True(t, result.LowConfidence)

	tx, err := f.reconciler.Process(context.Background(), result)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, tx.State)
	assert.Equal(t, 1, f.querier.calls)
}

func TestReconciler_LowConfidenceNotCorroborated(t *testing.T) {
	f := newReconcilerFixture(t)
	f.authRedirected(t, "INS-10")
	f.querier.status = &TransactionStatus{Approved: false, Status: "WAITING"}

	result := Normalize(map[string]string{"merchantPaymentId": "INS-10"},
		ChannelRedirectCallback, "https://host/v1/callbacks/redirect/3DSuccess")

	tx, err := f.reconciler.Process(context.Background(), result)
	require.NoError(t, err)

	// Stays non-terminal for the status watcher instead of completing on
	// an unverified marker
	assert.Equal(t, StateCallbackReceived, tx.State)
	assert.Equal(t, 0, f.purchaser.callCount())
}

func TestReconciler_TerminalVerdictIsIgnored(t *testing.T) {
	f := newReconcilerFixture(t)
	f.authRedirected(t, "INS-11")

	_, err := f.reconciler.Process(context.Background(), approvedResult("INS-11"))
	require.NoError(t, err)

	declined := Normalize(map[string]string{
		"merchantPaymentId": "INS-11",
		"responseCode":      "05",
	}, ChannelPoll, "")
	tx, err := f.reconciler.Process(context.Background(), declined)
	require.NoError(t, err)

	// A late decline cannot overwrite the completed purchase
	assert.Equal(t, StateCompleted, tx.State)
}

func TestReconciler_WatchStatusCompletesViaQuery(t *testing.T) {
	f := newReconcilerFixture(t)
	f.authRedirected(t, "INS-12")
	f.querier.status = &TransactionStatus{Approved: true, TransactionID: "TR-12"}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f.reconciler.WatchStatus(ctx, "INS-12")

	tx, ok := f.store.Get("INS-12")
	require.True(t, ok)
	assert.Equal(t, StateCompleted, tx.State)
	assert.Equal(t, 1, f.purchaser.callCount())
}

func TestReconciler_WatchStatusStopsOnTerminal(t *testing.T) {
	f := newReconcilerFixture(t)
	f.authRedirected(t, "INS-13")

	_, err := f.reconciler.Process(context.Background(), approvedResult("INS-13"))
	require.NoError(t, err)

	before := f.querier.calls
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	f.reconciler.WatchStatus(ctx, "INS-13")

	assert.Equal(t, before, f.querier.calls, "decided transactions are not queried")
}

func TestReconciler_SweepExpiresAndNotifies(t *testing.T) {
	f := newReconcilerFixture(t)

	vaultSessionID := f.vault.Store("INS-14", testCard)
	_, err := f.store.Create("INS-14", TransactionMeta{
		TTL:            time.Millisecond,
		VaultSessionID: vaultSessionID,
	})
	require.NoError(t, err)

	ch := f.notifier.Register("INS-14")
	f.reconciler.sweep(context.Background(), time.Now().Add(time.Second))

	select {
	case outcome := <-ch:
		assert.True(t, outcome.Timeout)
		assert.Equal(t, StateExpired, outcome.State)
	default:
		t.Fatal("expected timeout outcome on origin channel")
	}

	assert.Equal(t, 0, f.vault.Size())
	record, ok := f.audit.lastCompletion()
	require.True(t, ok)
	assert.Equal(t, StateExpired, record.State)

	// A second sweep notifies nothing new
	ch2 := f.notifier.Register("INS-14")
	f.reconciler.sweep(context.Background(), time.Now().Add(time.Second))
	select {
	case <-ch2:
		t.Fatal("expired transaction must be notified exactly once")
	default:
	}
}

func TestReconciler_SweepEvictsDecidedTransactions(t *testing.T) {
	f := newReconcilerFixture(t)
	f.authRedirected(t, "INS-16")
	f.authRedirected(t, "INS-17")

	_, err := f.reconciler.Process(context.Background(), approvedResult("INS-16"))
	require.NoError(t, err)

	// Inside the retention window decided transactions stay readable:
	// INS-16 keeps its completion, INS-17 expires but is not evicted
	f.reconciler.sweep(context.Background(), time.Now().Add(6*time.Minute))
	tx, ok := f.store.Get("INS-16")
	require.True(t, ok)
	assert.Equal(t, StateCompleted, tx.State)
	tx, ok = f.store.Get("INS-17")
	require.True(t, ok)
	assert.Equal(t, StateExpired, tx.State)

	// Past TTL plus retention they leave the store
	f.reconciler.sweep(context.Background(), time.Now().Add(30*time.Minute))
	_, ok = f.store.Get("INS-16")
	assert.False(t, ok, "decided transactions must not accumulate")
	_, ok = f.store.Get("INS-17")
	assert.False(t, ok)
}

func TestReconciler_RecordsEveryVerdict(t *testing.T) {
	f := newReconcilerFixture(t)
	f.authRedirected(t, "INS-15")

	_, _ = f.reconciler.Process(context.Background(), approvedResult("INS-15"))
	_, _ = f.reconciler.Process(context.Background(), approvedResult("INS-15"))

	f.audit.mu.Lock()
	defer f.audit.mu.Unlock()
	assert.Len(t, f.audit.callbacks, 2, "duplicates are audited even when ignored")
}
