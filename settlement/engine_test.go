package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVerifier struct {
	records map[string]*PaymentRecord
	err     error
}

func (f *fakeVerifier) Verify(ctx context.Context, paymentID string) (*PaymentRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	if rec, ok := f.records[paymentID]; ok {
		return rec, nil
	}
	return nil, wrapErr("verify", paymentID, ErrPaymentNotFound)
}

func approvedRecord(id, email string, credits int64) *PaymentRecord {
	return &PaymentRecord{
		ID:     id,
		Status: StatusApproved,
		Metadata: PaymentMetadata{
			UserEmail: email,
			Credits:   credits,
		},
	}
}

func seededStore(t *testing.T) *MemoryLedgerStore {
	t.Helper()
	store := NewMemoryLedgerStore()
	store.SeedDocument(&LedgerDocument{
		Users: []User{
			{Email: "ana@example.com", Credits: 10},
			{Email: "bob@example.com", Credits: 0},
		},
		Logs: []LedgerEntry{
			{Action: "signup bonus", UserEmail: "ana@example.com"},
		},
	})
	return store
}

func TestEngine_SettleCredits(t *testing.T) {
	store := seededStore(t)
	verifier := &fakeVerifier{records: map[string]*PaymentRecord{
		"p1": approvedRecord("p1", "ana@example.com", 50),
	}}
	e := NewEngine(verifier, store, nil, nil)

	outcome, err := e.Settle(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, outcome)

	doc, err := store.ReadLedger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(60), doc.Users[0].Credits)

	require.Len(t, doc.Logs, 2)
	// Newest entry goes first.
	entry := doc.Logs[0]
	assert.Equal(t, "p1", entry.PaymentID)
	assert.Equal(t, "ana@example.com", entry.UserEmail)
	assert.Equal(t, "MP: payment confirmed (+50)", entry.Action)
	assert.True(t, entry.IsPayment)
	assert.Zero(t, entry.Cost)
	assert.False(t, entry.Timestamp.IsZero())
}

func TestEngine_SettleTwiceIsDuplicate(t *testing.T) {
	store := seededStore(t)
	verifier := &fakeVerifier{records: map[string]*PaymentRecord{
		"p1": approvedRecord("p1", "ana@example.com", 50),
	}}
	e := NewEngine(verifier, store, nil, nil)

	outcome, err := e.Settle(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, OutcomeCredited, outcome)

	outcome, err = e.Settle(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	doc, err := store.ReadLedger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(60), doc.Users[0].Credits, "credits must not be added twice")
	assert.Len(t, doc.Logs, 2)
}

func TestEngine_ExistingLogEntryIsDuplicate(t *testing.T) {
	store := NewMemoryLedgerStore()
	store.SeedDocument(&LedgerDocument{
		Users: []User{{Email: "ana@example.com", Credits: 60}},
		Logs: []LedgerEntry{
			{Action: "MP: payment confirmed (+50)", UserEmail: "ana@example.com", PaymentID: "p1", IsPayment: true},
		},
	})
	verifier := &fakeVerifier{records: map[string]*PaymentRecord{
		"p1": approvedRecord("p1", "ana@example.com", 50),
	}}
	e := NewEngine(verifier, store, nil, nil)

	outcome, err := e.Settle(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}

func TestEngine_LostReservationIsDuplicate(t *testing.T) {
	store := seededStore(t)
	// Simulate another process having reserved the id without a matching
	// log entry yet.
	reserved, err := store.ReserveSettlement(context.Background(), "p1")
	require.NoError(t, err)
	require.True(t, reserved)

	verifier := &fakeVerifier{records: map[string]*PaymentRecord{
		"p1": approvedRecord("p1", "ana@example.com", 50),
	}}
	e := NewEngine(verifier, store, nil, nil)

	outcome, err := e.Settle(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	doc, err := store.ReadLedger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), doc.Users[0].Credits)
}

func TestEngine_Skips(t *testing.T) {
	tests := []struct {
		name   string
		record *PaymentRecord
	}{
		{
			name: "payment not approved",
			record: &PaymentRecord{
				ID:       "p1",
				Status:   StatusPending,
				Metadata: PaymentMetadata{UserEmail: "ana@example.com", Credits: 50},
			},
		},
		{
			name: "rejected payment",
			record: &PaymentRecord{
				ID:       "p1",
				Status:   StatusRejected,
				Metadata: PaymentMetadata{UserEmail: "ana@example.com", Credits: 50},
			},
		},
		{
			name:   "missing email",
			record: approvedRecord("p1", "", 50),
		},
		{
			name:   "zero credits",
			record: approvedRecord("p1", "ana@example.com", 0),
		},
		{
			name:   "negative credits",
			record: approvedRecord("p1", "ana@example.com", -5),
		},
		{
			name:   "unknown user",
			record: approvedRecord("p1", "nobody@example.com", 50),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seededStore(t)
			verifier := &fakeVerifier{records: map[string]*PaymentRecord{"p1": tt.record}}
			e := NewEngine(verifier, store, nil, nil)

			outcome, err := e.Settle(context.Background(), "p1")
			require.NoError(t, err)
			assert.Equal(t, OutcomeSkipped, outcome)

			doc, err := store.ReadLedger(context.Background())
			require.NoError(t, err)
			assert.Equal(t, int64(10), doc.Users[0].Credits, "ledger must be untouched")
			assert.Len(t, doc.Logs, 1)
		})
	}
}

func TestEngine_VerifyFailure(t *testing.T) {
	store := seededStore(t)
	verifier := &fakeVerifier{err: wrapErr("verify", "p1", ErrProviderUnavailable)}
	e := NewEngine(verifier, store, nil, nil)

	outcome, err := e.Settle(context.Background(), "p1")
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

type brokenWriteStore struct {
	*MemoryLedgerStore
	writeErr error
	released []string
}

func (s *brokenWriteStore) WriteLedger(ctx context.Context, doc *LedgerDocument) error {
	return s.writeErr
}

func (s *brokenWriteStore) ReleaseSettlement(ctx context.Context, paymentID string) error {
	s.released = append(s.released, paymentID)
	return s.MemoryLedgerStore.ReleaseSettlement(ctx, paymentID)
}

func TestEngine_WriteFailureReleasesReservation(t *testing.T) {
	store := &brokenWriteStore{
		MemoryLedgerStore: seededStore(t),
		writeErr:          errors.New("disk full"),
	}
	verifier := &fakeVerifier{records: map[string]*PaymentRecord{
		"p1": approvedRecord("p1", "ana@example.com", 50),
	}}
	e := NewEngine(verifier, store, nil, nil)

	outcome, err := e.Settle(context.Background(), "p1")
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, []string{"p1"}, store.released)

	// After the release a redelivery can reserve the id again.
	reserved, err := store.ReserveSettlement(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, reserved)
}

// ctxAwareStore fails writes and releases once their context is done, the
// way a real store executing queries WithContext does.
type ctxAwareStore struct {
	*MemoryLedgerStore
}

func (s *ctxAwareStore) WriteLedger(ctx context.Context, doc *LedgerDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryLedgerStore.WriteLedger(ctx, doc)
}

func (s *ctxAwareStore) ReleaseSettlement(ctx context.Context, paymentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryLedgerStore.ReleaseSettlement(ctx, paymentID)
}

func TestEngine_RedeliverySettlesAfterCancelledWrite(t *testing.T) {
	store := &ctxAwareStore{MemoryLedgerStore: seededStore(t)}
	verifier := &fakeVerifier{records: map[string]*PaymentRecord{
		"p1": approvedRecord("p1", "ana@example.com", 50),
	}}
	e := NewEngine(verifier, store, nil, nil)

	// The first delivery's context dies before the ledger write, as when
	// a settle deadline expires mid-flight. The reservation cleanup must
	// outlive it or the payment can never settle.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	outcome, err := e.Settle(cancelled, "p1")
	assert.Equal(t, OutcomeFailed, outcome)
	require.Error(t, err)

	outcome, err = e.Settle(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, outcome, "redelivery must settle the payment")

	doc, err := store.ReadLedger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(60), doc.Users[0].Credits)
	require.Len(t, doc.Logs, 2)
	assert.Equal(t, "p1", doc.Logs[0].PaymentID)
}

func TestEngine_ConcurrentSameIDCreditsOnce(t *testing.T) {
	store := seededStore(t)
	verifier := &fakeVerifier{records: map[string]*PaymentRecord{
		"p1": approvedRecord("p1", "ana@example.com", 50),
	}}
	e := NewEngine(verifier, store, nil, nil)

	const attempts = 16
	outcomes := make([]Outcome, attempts)

	var wg sync.WaitGroup
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func(i int) {
			defer wg.Done()
			outcome, err := e.Settle(context.Background(), "p1")
			assert.NoError(t, err)
			outcomes[i] = outcome
		}(i)
	}
	wg.Wait()

	credited := 0
	for _, o := range outcomes {
		switch o {
		case OutcomeCredited:
			credited++
		case OutcomeDuplicate:
		default:
			t.Fatalf("unexpected outcome %s", o)
		}
	}
	assert.Equal(t, 1, credited)

	doc, err := store.ReadLedger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(60), doc.Users[0].Credits)
	assert.Len(t, doc.Logs, 2)
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []SettlementEvent
}

func (p *capturingPublisher) PublishOutcome(ctx context.Context, ev SettlementEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturingPublisher) Close() {}

func TestEngine_PublishesOutcome(t *testing.T) {
	store := seededStore(t)
	verifier := &fakeVerifier{records: map[string]*PaymentRecord{
		"p1": approvedRecord("p1", "ana@example.com", 50),
	}}
	pub := &capturingPublisher{}
	e := NewEngine(verifier, store, pub, nil)

	_, err := e.Settle(context.Background(), "p1")
	require.NoError(t, err)

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, "p1", ev.PaymentID)
	assert.Equal(t, OutcomeCredited, ev.Outcome)
	assert.Equal(t, "ana@example.com", ev.UserEmail)
	assert.Equal(t, int64(50), ev.Credits)
	assert.Empty(t, ev.Error)
}
