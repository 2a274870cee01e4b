package payment

import (
	"context"
	"errors"
	"time"

	"github.com/sigortix/paycore/infra/logger"
	"github.com/sigortix/paycore/infra/opensearch"
)

// ReconcilerConfig carries the timing knobs of the reconciliation flow
type ReconcilerConfig struct {
	StatusSoftDeadline time.Duration
	PollInterval       time.Duration
	PollDeadline       time.Duration
	PollMaxAttempts    int
	PurchaseTimeout    time.Duration
	StatusQueryTimeout time.Duration

	// TerminalRetention is how long a decided transaction stays readable
	// through the poll endpoint before the sweeper evicts it from the
	// store. Parked outcomes in the result box outlive the eviction.
	TerminalRetention time.Duration
}

// Reconciler drives a pending transaction from an inbound bank verdict
// to exactly one terminal state. Verdicts may arrive through any channel
// in any order and any multiplicity; the store's state machine and the
// vault's take-once semantics guarantee at most one downstream purchase
// per merchant payment id.
type Reconciler struct {
	store     Store
	vault     *Vault
	box       *ResultBox
	notifier  *Notifier
	querier   StatusQuerier
	purchaser Purchaser
	audit     AuditTrail
	events    *opensearch.Logger
	cfg       ReconcilerConfig
}

// NewReconciler wires the reconciliation flow together
func NewReconciler(store Store, vault *Vault, box *ResultBox, notifier *Notifier, querier StatusQuerier, purchaser Purchaser, audit AuditTrail, events *opensearch.Logger, cfg ReconcilerConfig) *Reconciler {
	if cfg.PurchaseTimeout <= 0 {
		cfg.PurchaseTimeout = 60 * time.Second
	}
	if cfg.StatusQueryTimeout <= 0 {
		cfg.StatusQueryTimeout = 10 * time.Second
	}
	if cfg.TerminalRetention <= 0 {
		cfg.TerminalRetention = 15 * time.Minute
	}

	return &Reconciler{
		store:     store,
		vault:     vault,
		box:       box,
		notifier:  notifier,
		querier:   querier,
		purchaser: purchaser,
		audit:     audit,
		events:    events,
		cfg:       cfg,
	}
}

// Process ingests a normalized verdict. Duplicates of an already decided
// transaction are acknowledged without effect; verdicts for unknown
// transactions are parked for poll retrieval and reported as
// ErrUnknownTransaction.
func (r *Reconciler) Process(ctx context.Context, result CallbackResult) (*PendingTransaction, error) {
	log := logger.WithChannel(result.MerchantPaymentID, string(result.OriginChannel))

	if r.audit != nil {
		if err := r.audit.RecordCallback(ctx, result); err != nil {
			log.Error("Failed to record callback in audit trail", err)
		}
	}
	r.logEvent(ctx, result.MerchantPaymentID, "callback_received", string(result.OriginChannel), result.ResponseCode, "")

	tx, ok := r.locate(result)
	if !ok {
		log.Warn("Verdict for unknown transaction, parking for poll")
		r.box.ParkResult(result, result.MerchantPaymentID, result.SessionToken, result.TransactionID)
		return nil, ErrUnknownTransaction
	}

	if tx.State.Terminal() {
		log.Debug("Duplicate verdict for decided transaction, ignoring")
		return tx, nil
	}

	if tx.State == StateAuthRedirected || tx.State == StatePending {
		moved, err := r.store.Transition(tx.MerchantPaymentID, StateCallbackReceived, &result)
		if err != nil {
			if errors.Is(err, ErrTerminalState) {
				return moved, nil
			}
			var invalid *InvalidTransitionError
			if !errors.As(err, &invalid) {
				return moved, err
			}
			// A concurrent verdict already moved it forward; continue with
			// the current snapshot, completion serializes on COMPLETING.
		}
		tx = moved
	}

	if !result.Success {
		if tx.State == StateCompleting {
			// A success verdict on another channel already won the
			// completion gate; the decline loses.
			return tx, nil
		}
		return r.fail(ctx, tx, result, ErrAuthorizationDeclined.Error(), false)
	}

	if result.LowConfidence {
		confirmed := r.corroborate(ctx, tx.MerchantPaymentID)
		if !confirmed {
			log.Warn("Low-confidence success not corroborated, leaving for status watcher")
			return tx, nil
		}
		result.LowConfidence = false
	}

	return r.complete(ctx, tx, result)
}

// locate resolves the verdict to a pending transaction: by merchant
// payment id first, then by session token, then by the bounded
// degraded-mode fragment scan.
func (r *Reconciler) locate(result CallbackResult) (*PendingTransaction, bool) {
	if tx, ok := r.store.Get(result.MerchantPaymentID); ok {
		return tx, true
	}
	if tx, ok := r.store.FindBySessionToken(result.SessionToken); ok {
		return tx, true
	}
	if tx, ok := r.store.FindByFragment(result.MerchantPaymentID); ok {
		return tx, true
	}
	return nil, false
}

// corroborate asks the gateway whether it really approved the
// transaction. Used only for verdicts derived from bare redirect markers.
func (r *Reconciler) corroborate(ctx context.Context, merchantPaymentID string) bool {
	if r.querier == nil {
		return false
	}

	queryCtx, cancel := context.WithTimeout(ctx, r.cfg.StatusQueryTimeout)
	defer cancel()

	status, err := r.querier.QueryTransactionStatus(queryCtx, merchantPaymentID)
	if err != nil {
		logger.WithPayment(merchantPaymentID).Error("Status query for corroboration failed", err)
		return false
	}
	return status.Approved
}

// complete performs the downstream purchase. The COMPLETING transition
// is the exactly-once gate: whichever channel wins it performs the
// purchase, every other channel sees ErrTerminalState or an invalid
// transition and backs off.
func (r *Reconciler) complete(ctx context.Context, tx *PendingTransaction, result CallbackResult) (*PendingTransaction, error) {
	log := logger.WithPayment(tx.MerchantPaymentID)

	moved, err := r.store.Transition(tx.MerchantPaymentID, StateCompleting, &result)
	if err != nil {
		if errors.Is(err, ErrTerminalState) {
			return moved, nil
		}
		var invalid *InvalidTransitionError
		if errors.As(err, &invalid) && invalid.From == StateCompleting {
			log.Debug("Completion already in flight on another channel")
			return moved, nil
		}
		return moved, err
	}
	tx = moved

	card, ok := r.vault.Take(tx.VaultSessionID)
	if !ok {
		log.Warn("Card credential gone at completion time")
		return r.fail(ctx, tx, result, ErrMissingCredential.Error(), false)
	}

	r.store.Update(tx.MerchantPaymentID, func(p *PendingTransaction) {
		p.CompletionAttempts++
	})

	purchaseCtx, cancel := context.WithTimeout(ctx, r.cfg.PurchaseTimeout)
	defer cancel()

	purchaseResult, err := r.purchaser.Purchase(purchaseCtx, PurchaseRequest{
		ProposalID:        tx.ProposalID,
		ProposalProductID: tx.ProductID,
		InstallmentNumber: tx.InstallmentNumber,
		MerchantPaymentID: tx.MerchantPaymentID,
		Card:              card,
		GatewayResult:     result.Raw,
	})
	if err != nil {
		log.Error("Downstream purchase call failed", err)
		return r.failPurchase(ctx, tx, result, "", err.Error())
	}
	if !purchaseResult.Success {
		log.Warn("Downstream purchase rejected")
		return r.failPurchase(ctx, tx, result, purchaseResult.ErrorCode, purchaseResult.ErrorMessage)
	}

	moved, err = r.store.Transition(tx.MerchantPaymentID, StateCompleted, &result)
	if err != nil {
		return moved, err
	}
	r.store.Update(tx.MerchantPaymentID, func(p *PendingTransaction) {
		p.PolicyNumber = purchaseResult.PolicyNumber
	})
	moved.PolicyNumber = purchaseResult.PolicyNumber

	r.recordCompletion(ctx, CompletionRecord{
		MerchantPaymentID: moved.MerchantPaymentID,
		State:             StateCompleted,
		PolicyNumber:      purchaseResult.PolicyNumber,
		Attempts:          moved.CompletionAttempts,
		CompletedAt:       time.Now(),
	})
	r.logEvent(ctx, moved.MerchantPaymentID, "purchase_completed", string(result.OriginChannel), result.ResponseCode, "")

	log.Info("Transaction completed, policy issued")
	r.notifier.Notify(Outcome{
		MerchantPaymentID: moved.MerchantPaymentID,
		Success:           true,
		State:             StateCompleted,
		ResponseCode:      result.ResponseCode,
		PolicyNumber:      purchaseResult.PolicyNumber,
		RedirectURL:       moved.OriginURL,
	}, moved.SessionToken)

	return moved, nil
}

// fail moves the transaction to FAILED through COMPLETING and notifies
// the origin context
func (r *Reconciler) fail(ctx context.Context, tx *PendingTransaction, result CallbackResult, reason string, manualReview bool) (*PendingTransaction, error) {
	if tx.State == StateCallbackReceived {
		moved, err := r.store.Transition(tx.MerchantPaymentID, StateCompleting, &result)
		if err != nil {
			return moved, err
		}
		tx = moved
	}

	moved, err := r.store.Transition(tx.MerchantPaymentID, StateFailed, &result)
	if err != nil {
		return moved, err
	}
	r.store.Update(moved.MerchantPaymentID, func(p *PendingTransaction) {
		p.FailureReason = reason
	})
	moved.FailureReason = reason

	r.recordCompletion(ctx, CompletionRecord{
		MerchantPaymentID: moved.MerchantPaymentID,
		State:             StateFailed,
		ErrorCode:         result.ResponseCode,
		ErrorMessage:      reason,
		ManualReview:      manualReview,
		Attempts:          moved.CompletionAttempts,
		CompletedAt:       time.Now(),
	})
	r.logEvent(ctx, moved.MerchantPaymentID, "transaction_failed", string(result.OriginChannel), result.ResponseCode, reason)

	r.notifier.Notify(Outcome{
		MerchantPaymentID: moved.MerchantPaymentID,
		Success:           false,
		State:             StateFailed,
		ResponseCode:      result.ResponseCode,
		Message:           reason,
		RedirectURL:       moved.OriginURL,
	}, moved.SessionToken)

	return moved, nil
}

// failPurchase handles a purchase failure after the bank already
// approved; these are always flagged for manual back-office review
func (r *Reconciler) failPurchase(ctx context.Context, tx *PendingTransaction, result CallbackResult, code, message string) (*PendingTransaction, error) {
	perr := &PurchaseError{MerchantPaymentID: tx.MerchantPaymentID, Code: code, Message: message}
	moved, err := r.fail(ctx, tx, result, perr.Error(), true)
	if err != nil {
		return moved, err
	}
	return moved, perr
}

// WatchStatus is the server-side safety net for a transaction whose
// callback may never arrive. After a soft deadline it polls the gateway
// for the transaction status until a verdict lands through any channel
// or the poll budget runs out.
func (r *Reconciler) WatchStatus(ctx context.Context, merchantPaymentID string) {
	log := logger.WithPayment(merchantPaymentID)

	select {
	case <-ctx.Done():
		return
	case <-time.After(r.cfg.StatusSoftDeadline):
	}

	if tx, ok := r.store.Get(merchantPaymentID); !ok || tx.State.Terminal() {
		return
	}

	poller := Poller{
		Interval:    r.cfg.PollInterval,
		Deadline:    r.cfg.PollDeadline,
		MaxAttempts: r.cfg.PollMaxAttempts,
	}

	err := poller.Run(ctx, func(ctx context.Context) (bool, error) {
		tx, ok := r.store.Get(merchantPaymentID)
		if !ok || tx.State.Terminal() {
			return true, nil
		}

		queryCtx, cancel := context.WithTimeout(ctx, r.cfg.StatusQueryTimeout)
		status, err := r.querier.QueryTransactionStatus(queryCtx, merchantPaymentID)
		cancel()
		if err != nil {
			return false, err
		}
		if !status.Approved {
			return false, nil
		}

		if _, err := r.Process(ctx, StatusResult(merchantPaymentID, status)); err != nil {
			return false, err
		}
		return true, nil
	})

	if errors.Is(err, ErrTimeout) {
		log.Warn("Status watcher exhausted poll budget without a verdict")
	}
}

// StartSweeper expires overdue transactions and result-box entries on
// the given interval until the context is cancelled. Each newly expired
// transaction is audited and its origin context notified exactly once.
func (r *Reconciler) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				r.sweep(ctx, now)
			}
		}
	}()
}

func (r *Reconciler) sweep(ctx context.Context, now time.Time) {
	for _, tx := range r.store.Sweep(now) {
		logger.WithPayment(tx.MerchantPaymentID).Warn("Transaction expired without a verdict")

		r.recordCompletion(ctx, CompletionRecord{
			MerchantPaymentID: tx.MerchantPaymentID,
			State:             StateExpired,
			ErrorMessage:      ErrTimeout.Error(),
			Attempts:          tx.CompletionAttempts,
			CompletedAt:       now,
		})
		r.logEvent(ctx, tx.MerchantPaymentID, "transaction_expired", "", "", ErrTimeout.Error())

		r.notifier.Notify(Outcome{
			MerchantPaymentID: tx.MerchantPaymentID,
			Success:           false,
			State:             StateExpired,
			Message:           ErrTimeout.Error(),
			Timeout:           true,
			RedirectURL:       tx.OriginURL,
		}, tx.SessionToken)
	}

	// Decided transactions stay readable for the retention window, then
	// leave the store so its scans stay bounded.
	for _, tx := range r.store.List() {
		if tx.State.Terminal() && now.After(tx.ExpiresAt.Add(r.cfg.TerminalRetention)) {
			r.store.Remove(tx.MerchantPaymentID)
		}
	}

	r.box.Sweep(now)
}

func (r *Reconciler) recordCompletion(ctx context.Context, record CompletionRecord) {
	if r.audit == nil {
		return
	}
	if err := r.audit.RecordCompletion(ctx, record); err != nil {
		logger.WithPayment(record.MerchantPaymentID).Error("Failed to record completion in audit trail", err)
	}
}

func (r *Reconciler) logEvent(ctx context.Context, merchantPaymentID, event, channel, responseCode, errMsg string) {
	if r.events == nil {
		return
	}
	go func() {
		evt := opensearch.PaymentEvent{
			MerchantPaymentID: merchantPaymentID,
			Channel:           channel,
			Event:             event,
			ResponseCode:      responseCode,
		}
		if errMsg != "" {
			evt.Error = opensearch.ErrorInfo{Message: errMsg}
		}
		if err := r.events.LogPaymentEvent(context.WithoutCancel(ctx), evt); err != nil {
			logger.Debug("Failed to index payment event", logger.LogContext{
				PaymentID: merchantPaymentID,
				Fields:    map[string]any{"error": err.Error()},
			})
		}
	}()
}
