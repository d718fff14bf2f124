package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Engine runs the settlement pipeline: verify the payment with the
// provider, check idempotency against the ledger, then credit the user and
// append an audit entry in a single document write.
//
// Attempts for the same payment id are serialized in-process by a keyed
// lock; across processes the store's settlement reservation is the
// uniqueness guard.
type Engine struct {
	verifier  PaymentVerifier
	store     LedgerStore
	publisher OutcomePublisher
	metrics   *Metrics

	mu    sync.Mutex
	locks map[string]*paymentLock

	now func() time.Time
}

// releaseTimeout bounds the reservation cleanup after a failed ledger
// write, independently of the settle context's remaining lifetime.
const releaseTimeout = 10 * time.Second

type paymentLock struct {
	mu   sync.Mutex
	refs int
}

// NewEngine builds an engine. publisher and metrics may be nil.
func NewEngine(verifier PaymentVerifier, store LedgerStore, publisher OutcomePublisher, metrics *Metrics) *Engine {
	return &Engine{
		verifier:  verifier,
		store:     store,
		publisher: publisher,
		metrics:   metrics,
		locks:     make(map[string]*paymentLock),
		now:       time.Now,
	}
}

// Settle processes one payment id to completion and reports the outcome.
// Credited means the ledger changed; duplicate and skipped mean it
// deliberately did not; failed means a dependency broke and the provider's
// redelivery should retry.
func (e *Engine) Settle(ctx context.Context, paymentID string) (Outcome, error) {
	unlock := e.lockPayment(paymentID)
	defer unlock()

	start := e.now()
	outcome, ev, err := e.settleLocked(ctx, paymentID)
	e.metrics.observeSettle(outcome, e.now().Sub(start))

	switch outcome {
	case OutcomeCredited:
		logger.Infof("payment %s settled: +%d credits for %s", paymentID, ev.Credits, ev.UserEmail)
	case OutcomeDuplicate:
		logger.Debugf("payment %s already settled, ignoring", paymentID)
	case OutcomeSkipped:
		logger.Debugf("payment %s skipped", paymentID)
	case OutcomeFailed:
		logger.Errorf("settling payment %s failed: %s", paymentID, err)
	}

	e.publish(ctx, outcome, paymentID, ev, err)
	return outcome, err
}

func (e *Engine) settleLocked(ctx context.Context, paymentID string) (Outcome, SettlementEvent, error) {
	var ev SettlementEvent

	rec, err := e.verifier.Verify(ctx, paymentID)
	if err != nil {
		e.metrics.observeProviderError()
		return OutcomeFailed, ev, err
	}

	if rec.Status != StatusApproved {
		logger.Debugf("payment %s has status %s, not settling", paymentID, rec.Status)
		return OutcomeSkipped, ev, nil
	}
	if rec.Metadata.UserEmail == "" || rec.Metadata.Credits <= 0 {
		logger.Warnf("payment %s approved but metadata incomplete (email=%q credits=%d)",
			paymentID, rec.Metadata.UserEmail, rec.Metadata.Credits)
		return OutcomeSkipped, ev, nil
	}
	ev.UserEmail = rec.Metadata.UserEmail
	ev.Credits = rec.Metadata.Credits

	doc, err := e.store.ReadLedger(ctx)
	if err != nil {
		return OutcomeFailed, ev, wrapErr("read ledger", paymentID, fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
	}

	if doc.HasSettled(paymentID) {
		return OutcomeDuplicate, ev, nil
	}

	idx := doc.FindUser(rec.Metadata.UserEmail)
	if idx < 0 {
		logger.Warnf("payment %s approved for unknown user %s", paymentID, rec.Metadata.UserEmail)
		return OutcomeSkipped, ev, nil
	}

	reserved, err := e.store.ReserveSettlement(ctx, paymentID)
	if err != nil {
		return OutcomeFailed, ev, wrapErr("reserve settlement", paymentID, fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
	}
	if !reserved {
		// Another process won the reservation.
		return OutcomeDuplicate, ev, nil
	}

	doc.Users[idx].Credits += rec.Metadata.Credits
	entry := LedgerEntry{
		Timestamp: e.now().UTC(),
		Action:    fmt.Sprintf("MP: payment confirmed (+%d)", rec.Metadata.Credits),
		Cost:      0,
		UserEmail: rec.Metadata.UserEmail,
		PaymentID: paymentID,
		IsPayment: true,
	}
	doc.Logs = append([]LedgerEntry{entry}, doc.Logs...)

	if err := e.store.WriteLedger(ctx, doc); err != nil {
		// The write may have failed because ctx was cancelled or timed
		// out; the release must still run, or the reservation blocks
		// every future redelivery of this payment.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if relErr := e.store.ReleaseSettlement(releaseCtx, paymentID); relErr != nil {
			logger.Errorf("releasing reservation for payment %s: %s", paymentID, relErr)
		}
		return OutcomeFailed, ev, wrapErr("write ledger", paymentID, fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
	}
	return OutcomeCredited, ev, nil
}

func (e *Engine) publish(ctx context.Context, outcome Outcome, paymentID string, ev SettlementEvent, settleErr error) {
	if e.publisher == nil {
		return
	}
	ev.PaymentID = paymentID
	ev.Outcome = outcome
	ev.Timestamp = e.now().UTC()
	if settleErr != nil {
		ev.Error = settleErr.Error()
	}
	if err := e.publisher.PublishOutcome(ctx, ev); err != nil {
		logger.Warnf("publishing outcome for payment %s: %s", paymentID, err)
	}
}

// lockPayment serializes settlement per payment id. Entries are refcounted
// so the map does not grow with every id ever seen.
func (e *Engine) lockPayment(paymentID string) func() {
	e.mu.Lock()
	l, ok := e.locks[paymentID]
	if !ok {
		l = &paymentLock{}
		e.locks[paymentID] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, paymentID)
		}
		e.mu.Unlock()
	}
}
