// Package receipts keeps records of verified payments, keyed by payment
// reference. Recording is idempotent: verifying the same payment twice
// yields the same receipt.
package receipts

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cloudsoft/glovendor/internal/idgen"
)

// Receipt is the durable record of one verified payment.
type Receipt struct {
	ID        string          `json:"id"`
	Reference string          `json:"reference"`
	Email     string          `json:"email"`
	Amount    decimal.Decimal `json:"amount"`
	Purpose   string          `json:"purpose"`
	PaidAt    time.Time       `json:"paidAt"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store holds receipts in memory.
type Store struct {
	mu    sync.RWMutex
	byRef map[string]*Receipt
}

// NewStore creates an empty receipt store.
func NewStore() *Store {
	return &Store{byRef: make(map[string]*Receipt)}
}

// Record stores a receipt for the reference. If one already exists it is
// returned unchanged; the payment reference is the idempotency key.
func (s *Store) Record(reference, email, purpose string, amount decimal.Decimal, paidAt time.Time) *Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byRef[reference]; ok {
		return existing
	}

	r := &Receipt{
		ID:        idgen.WithPrefix("rcpt_"),
		Reference: reference,
		Email:     email,
		Amount:    amount,
		Purpose:   purpose,
		PaidAt:    paidAt,
		CreatedAt: time.Now().UTC(),
	}
	s.byRef[reference] = r
	return r
}

// Get returns the receipt for a reference, or (nil, false).
func (s *Store) Get(reference string) (*Receipt, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byRef[reference]
	return r, ok
}

// List returns all receipts, newest first.
func (s *Store) List() []*Receipt {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Receipt, 0, len(s.byRef))
	for _, r := range s.byRef {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
