package settlement

import (
	"errors"
	"fmt"
)

var (
	// ErrCredentialMissing is returned when no provider credential could be
	// resolved from any source.
	ErrCredentialMissing = errors.New("no provider credential available")

	// ErrProviderUnavailable is returned when the payment provider could not
	// be reached or answered with a transport-level failure.
	ErrProviderUnavailable = errors.New("payment provider unavailable")

	// ErrPaymentNotFound is returned when the provider has no payment with
	// the requested id.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrStoreUnavailable is returned when the ledger store could not serve
	// a read or write.
	ErrStoreUnavailable = errors.New("ledger store unavailable")

	// ErrLedgerNotFound is returned when the ledger document does not exist
	// yet.
	ErrLedgerNotFound = errors.New("ledger document not found")
)

// Error wraps a settlement failure with the operation that produced it and,
// when known, the payment id being settled.
type Error struct {
	Op        string
	PaymentID string
	Err       error
}

func (e *Error) Error() string {
	if e.PaymentID != "" {
		return fmt.Sprintf("settlement: %s: payment %s: %v", e.Op, e.PaymentID, e.Err)
	}
	return fmt.Sprintf("settlement: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrapErr(op, paymentID string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, PaymentID: paymentID, Err: err}
}

// IsRetryable reports whether a settlement error is transient: the caller
// may rely on the provider's redelivery to retry it.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrCredentialMissing)
}

// IsNotFound reports whether an error means the requested entity does not
// exist, on either the provider or the store side.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPaymentNotFound) || errors.Is(err, ErrLedgerNotFound)
}
