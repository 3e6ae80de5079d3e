// Package wallet aggregates wallet transactions per principal.
//
// Role scoping is a security boundary: admin roles read the global ledger
// endpoint, every other role reads only its own user-scoped endpoint. The
// scoping is enforced by endpoint choice, never by filtering a superset
// client-side, which would leak other users' financial data the moment the
// backend over-returns.
package wallet

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cloudsoft/glovendor/internal/gateway"
	"github.com/cloudsoft/glovendor/internal/logging"
	"github.com/cloudsoft/glovendor/internal/metrics"
	"github.com/cloudsoft/glovendor/internal/money"
	"github.com/cloudsoft/glovendor/internal/session"
)

// TxnType classifies a transaction's direction.
type TxnType string

const (
	TxnCredit TxnType = "CREDIT"
	TxnDebit  TxnType = "DEBIT"
)

// TxnStatus is a transaction's settlement state.
type TxnStatus string

const (
	TxnPending TxnStatus = "PENDING"
	TxnSuccess TxnStatus = "SUCCESS"
	TxnFailed  TxnStatus = "FAILED"
)

// Transaction is one wallet ledger row. Reference is globally unique and
// immutable once created; it is the idempotency key for payment
// reconciliation.
type Transaction struct {
	ID            string          `json:"id"`
	Reference     string          `json:"reference"`
	UserID        string          `json:"userId"`
	Role          session.Role    `json:"role"`
	Amount        decimal.Decimal `json:"amount"`
	TxnType       TxnType         `json:"txnType"`
	Status        TxnStatus       `json:"status"`
	BalanceBefore decimal.Decimal `json:"balanceBefore"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// IsCredit reports whether the transaction adds to the balance. The backend
// labels funding rows either CREDIT or FUNDING.
func (t *Transaction) IsCredit() bool {
	return t.TxnType == TxnCredit
}

// Consistent reports whether balanceAfter matches balanceBefore adjusted by
// amount for the transaction's direction.
func (t *Transaction) Consistent() bool {
	expected := t.BalanceBefore.Sub(t.Amount)
	if t.IsCredit() {
		expected = t.BalanceBefore.Add(t.Amount)
	}
	return money.WithinEpsilon(t.BalanceAfter, expected)
}

// Discrepancy is a warning that the computed balance disagrees with the
// backend-reported figure. It is advisory, not an error.
type Discrepancy struct {
	Computed decimal.Decimal `json:"computed"`
	Reported decimal.Decimal `json:"reported"`
	Diff     decimal.Decimal `json:"diff"`
}

// Service lists wallet transactions through the gateway.
type Service struct {
	client *gateway.Client
	logger *slog.Logger
}

// NewService creates a wallet ledger service.
func NewService(client *gateway.Client, logger *slog.Logger) *Service {
	return &Service{client: client, logger: logging.Component(logger, "wallet")}
}

// List returns the principal's transactions ordered by createdAt descending.
// Admin and superadmin read the global ledger; everyone else reads only
// their own rows.
func (s *Service) List(ctx context.Context, principal *session.Principal) ([]Transaction, error) {
	const op = "wallet.List"

	if !principal.Authenticated() {
		return nil, (&gateway.APIError{Kind: gateway.KindAuthRequired, Message: "login required"}).WithOp(op)
	}

	path := "/api/wallet_transactions/user/" + url.PathEscape(principal.Identifier)
	if principal.Role.Privileged() {
		path = "/api/wallet_transactions"
	}

	var raw []rawTransaction
	if err := s.client.Get(ctx, path, nil, &raw); err != nil {
		return nil, err.(*gateway.APIError).WithOp(op)
	}

	txs := make([]Transaction, 0, len(raw))
	for _, r := range raw {
		txs = append(txs, r.normalize())
	}

	// Most recent first; ID breaks ties for stable pagination.
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].CreatedAt.After(txs[j].CreatedAt)
		}
		return txs[i].ID < txs[j].ID
	})
	return txs, nil
}

// ComputeBalance replays a gap-free transaction sequence and returns the
// resulting balance. Transactions may be in any order; only rows with
// SUCCESS status move the balance.
func ComputeBalance(txs []Transaction) decimal.Decimal {
	ordered := make([]Transaction, len(txs))
	copy(ordered, txs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	balance := decimal.Zero
	if len(ordered) > 0 {
		balance = ordered[0].BalanceBefore
	}
	for _, t := range ordered {
		if t.Status != TxnSuccess {
			continue
		}
		if t.IsCredit() {
			balance = balance.Add(t.Amount)
		} else {
			balance = balance.Sub(t.Amount)
		}
	}
	return balance
}

// CheckAgainst compares a computed balance with the backend-reported one
// and returns a discrepancy warning when they differ by more than the
// rounding epsilon (0.01). Returns nil when they agree.
func (s *Service) CheckAgainst(computed, reported decimal.Decimal) *Discrepancy {
	if money.WithinEpsilon(computed, reported) {
		return nil
	}

	metrics.BalanceDiscrepanciesTotal.Inc()
	d := &Discrepancy{
		Computed: computed,
		Reported: reported,
		Diff:     computed.Sub(reported),
	}
	s.logger.Warn("wallet balance discrepancy",
		"computed", money.Format(computed),
		"reported", money.Format(reported),
		"diff", money.Format(d.Diff),
	)
	return d
}

// rawTransaction tolerates backend field aliases (type vs txnType,
// FUNDING vs CREDIT).
type rawTransaction struct {
	ID            json.Number     `json:"id"`
	Reference     string          `json:"reference"`
	UserID        json.Number     `json:"userId"`
	Role          string          `json:"role"`
	Amount        decimal.Decimal `json:"amount"`
	TxnType       string          `json:"txnType"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	BalanceBefore decimal.Decimal `json:"balanceBefore"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func (r rawTransaction) normalize() Transaction {
	t := Transaction{
		ID:            r.ID.String(),
		Reference:     r.Reference,
		UserID:        r.UserID.String(),
		Amount:        r.Amount,
		BalanceBefore: r.BalanceBefore,
		BalanceAfter:  r.BalanceAfter,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}

	if role, ok := session.ParseRole(r.Role); ok {
		t.Role = role
	}

	txnType := r.TxnType
	if txnType == "" {
		txnType = r.Type
	}
	switch strings.ToUpper(txnType) {
	case "CREDIT", "FUNDING":
		t.TxnType = TxnCredit
	default:
		t.TxnType = TxnDebit
	}

	// Status is matched case-insensitively; anything unrecognized stays
	// PENDING so it never moves the computed balance.
	switch TxnStatus(strings.ToUpper(r.Status)) {
	case TxnSuccess:
		t.Status = TxnSuccess
	case TxnFailed:
		t.Status = TxnFailed
	default:
		t.Status = TxnPending
	}
	return t
}
