package settlement

import (
	"context"
	"sync"
)

// MemoryLedgerStore is an in-memory LedgerStore for tests and single-node
// development runs. All reads and writes deep-copy the document so callers
// can never alias internal state.
type MemoryLedgerStore struct {
	mu       sync.RWMutex
	doc      *LedgerDocument
	reserved map[string]struct{}
}

// NewMemoryLedgerStore returns an empty store with no ledger document.
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		reserved: make(map[string]struct{}),
	}
}

// ReadLedger returns a deep copy of the current document, or
// ErrLedgerNotFound when none was ever written.
func (s *MemoryLedgerStore) ReadLedger(ctx context.Context) (*LedgerDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.doc == nil {
		return nil, ErrLedgerNotFound
	}
	return copyDocument(s.doc), nil
}

// WriteLedger replaces the stored document with a deep copy of doc.
func (s *MemoryLedgerStore) WriteLedger(ctx context.Context, doc *LedgerDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc = copyDocument(doc)
	return nil
}

// ReserveSettlement marks the payment id as settled, returning true only
// for the first caller.
func (s *MemoryLedgerStore) ReserveSettlement(ctx context.Context, paymentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reserved[paymentID]; ok {
		return false, nil
	}
	s.reserved[paymentID] = struct{}{}
	return true, nil
}

// ReleaseSettlement removes a reservation so a redelivered callback can
// settle the payment after a failed write.
func (s *MemoryLedgerStore) ReleaseSettlement(ctx context.Context, paymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.reserved, paymentID)
	return nil
}

// SeedDocument installs a starting document, replacing any existing one.
// Intended for tests and bootstrap.
func (s *MemoryLedgerStore) SeedDocument(doc *LedgerDocument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = copyDocument(doc)
}

func copyDocument(doc *LedgerDocument) *LedgerDocument {
	if doc == nil {
		return nil
	}
	out := &LedgerDocument{
		Credential: doc.Credential,
		Users:      make([]User, len(doc.Users)),
		Logs:       make([]LedgerEntry, len(doc.Logs)),
	}
	copy(out.Users, doc.Users)
	copy(out.Logs, doc.Logs)
	return out
}
