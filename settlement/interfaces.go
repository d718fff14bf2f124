package settlement

import (
	"context"
	"strings"
	"time"
)

// LedgerDocument is the single persisted record holding every user's credit
// balance and the settlement audit log. It is owned by the store; the
// settlement engine only ever performs read-modify-write cycles on it.
type LedgerDocument struct {
	Users      []User        `json:"users"`
	Logs       []LedgerEntry `json:"logs"`
	Credential string        `json:"mpAccessToken,omitempty"`
}

// User is a ledger account keyed by email.
type User struct {
	Email   string `json:"email"`
	Credits int64  `json:"credits"`
}

// LedgerEntry is one line of the audit log, most-recent-first. Settlement
// entries always carry IsPayment=true and a non-empty PaymentID.
type LedgerEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Cost      float64   `json:"cost"`
	UserEmail string    `json:"userEmail"`
	PaymentID string    `json:"paymentId,omitempty"`
	IsPayment bool      `json:"isPayment"`
}

// FindUser returns the index of the user with the given email, or -1.
func (d *LedgerDocument) FindUser(email string) int {
	for i := range d.Users {
		if d.Users[i].Email == email {
			return i
		}
	}
	return -1
}

// HasSettled reports whether the audit log already contains a settlement
// entry for the given payment id.
func (d *LedgerDocument) HasSettled(paymentID string) bool {
	for i := range d.Logs {
		if d.Logs[i].PaymentID == paymentID {
			return true
		}
	}
	return false
}

// EventKind classifies a normalized webhook callback.
type EventKind string

const (
	EventKindPayment EventKind = "payment"
	EventKindIgnored EventKind = "ignored"
)

// PaymentEvent is the canonical form of a provider callback. Callbacks that
// do not describe a payment, or that carry no resolvable id, normalize to
// EventKindIgnored.
type PaymentEvent struct {
	Kind      EventKind `json:"kind"`
	PaymentID string    `json:"payment_id,omitempty"`
}

// PaymentStatus is the verified status of a payment as reported by the
// provider. Only StatusApproved triggers a ledger mutation.
type PaymentStatus string

const (
	StatusApproved PaymentStatus = "approved"
	StatusPending  PaymentStatus = "pending"
	StatusRejected PaymentStatus = "rejected"
	StatusOther    PaymentStatus = "other"
)

// PaymentMetadata is the settlement-relevant metadata attached to a payment
// at checkout time. The provider may normalize metadata key casing, so the
// verifier extracts these fields case-insensitively.
type PaymentMetadata struct {
	UserEmail string `json:"user_email"`
	Credits   int64  `json:"credits"`
}

// PaymentRecord is the provider's authoritative view of a payment after
// verification.
type PaymentRecord struct {
	ID       string          `json:"id"`
	Status   PaymentStatus   `json:"status"`
	Metadata PaymentMetadata `json:"metadata"`
}

// Outcome is the result of a settlement attempt.
type Outcome string

const (
	// OutcomeCredited means the ledger was mutated: credits added and an
	// audit entry recorded.
	OutcomeCredited Outcome = "credited"
	// OutcomeDuplicate means the payment id was already settled; nothing
	// changed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeSkipped means the payment is not creditable (not approved,
	// missing metadata, or unknown user); nothing changed.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means verification or storage failed; the provider is
	// expected to redeliver the callback.
	OutcomeFailed Outcome = "failed"
)

// LedgerStore reads and writes the ledger document, addressed by a single
// well-known key. Writes are last-write-wins at document granularity.
//
// ReserveSettlement is the store-side uniqueness guard on settled payment
// ids: it returns true exactly once per payment id across all processes.
// ReleaseSettlement undoes a reservation after a failed write so the
// provider's redelivery can settle the payment later.
type LedgerStore interface {
	ReadLedger(ctx context.Context) (*LedgerDocument, error)
	WriteLedger(ctx context.Context, doc *LedgerDocument) error
	ReserveSettlement(ctx context.Context, paymentID string) (bool, error)
	ReleaseSettlement(ctx context.Context, paymentID string) error
}

// PaymentVerifier fetches and maps the provider's authoritative payment
// state.
type PaymentVerifier interface {
	Verify(ctx context.Context, paymentID string) (*PaymentRecord, error)
}

// Settler runs the settlement pipeline for one payment id.
type Settler interface {
	Settle(ctx context.Context, paymentID string) (Outcome, error)
}

// foldedLookup returns the value for key from m, matching the key
// case-insensitively. The provider lowercases metadata keys on some paths,
// so settlement never trusts exact casing.
func foldedLookup(m map[string]interface{}, key string) (interface{}, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}
