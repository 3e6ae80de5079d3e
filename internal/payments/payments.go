// Package payments drives the wallet funding flow: initiate with the
// backend, redirect the user to the payment provider, then verify the
// payment by reference.
//
// The payment reference is persisted durably before the caller ever sees
// the redirect URL, so verification survives a crash or restart between
// redirect and return. Verification is idempotent: re-verifying a settled
// payment returns the same outcome and never duplicates a receipt.
package payments

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cloudsoft/glovendor/internal/gateway"
	"github.com/cloudsoft/glovendor/internal/logging"
	"github.com/cloudsoft/glovendor/internal/metrics"
	"github.com/cloudsoft/glovendor/internal/receipts"
	"github.com/cloudsoft/glovendor/internal/retry"
	"github.com/cloudsoft/glovendor/internal/security"
	"github.com/cloudsoft/glovendor/internal/validation"
)

// State is the funding flow's position in its lifecycle.
type State string

const (
	StateIdle       State = "IDLE"
	StateInitiating State = "INITIATING"
	StateRedirected State = "REDIRECTED"
	StateVerifying  State = "VERIFYING"
	StateVerified   State = "VERIFIED"
	StateFailed     State = "FAILED"
	StateError      State = "ERROR"
)

// Outcome is the settled result of one verification attempt.
type Outcome string

const (
	OutcomeVerified Outcome = "VERIFIED"
	OutcomeFailed   Outcome = "FAILED"
	OutcomePending  Outcome = "PENDING"
)

// Initiation is the backend's answer to a funding request.
type Initiation struct {
	Reference        string `json:"reference"`
	AuthorizationURL string `json:"authorizationUrl"`
}

// Verification is the canonical verify result.
type Verification struct {
	Outcome   Outcome         `json:"outcome"`
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	PaidAt    time.Time       `json:"paidAt"`
}

// ReferenceStore durably holds the in-flight payment reference; satisfied
// by *session.Context.
type ReferenceStore interface {
	SetPaymentReference(ctx context.Context, ref string) error
	PaymentReference(ctx context.Context) (string, error)
	ClearPaymentReference(ctx context.Context) error
}

// Notifier is told when a payment settles so listeners can refresh wallet
// views; satisfied by *realtime.Hub.
type Notifier interface {
	WalletRefresh()
	PaymentVerified(reference string, amount decimal.Decimal)
}

// Flow is the funding state machine. One Flow serves one portal session;
// its methods are safe for concurrent use.
type Flow struct {
	client   *gateway.Client
	refs     ReferenceStore
	receipts *receipts.Store
	notify   Notifier
	logger   *slog.Logger
	schedule []time.Duration

	mu        sync.Mutex
	state     State
	reference string
	email     string
	purpose   string
}

// Option configures a Flow.
type Option func(*Flow)

// WithNotifier sets the settlement notifier.
func WithNotifier(n Notifier) Option {
	return func(f *Flow) { f.notify = n }
}

// WithPollSchedule sets the verify polling delays (default 2s, 5s, 10s).
func WithPollSchedule(schedule []time.Duration) Option {
	return func(f *Flow) { f.schedule = schedule }
}

// NewFlow creates a funding flow.
func NewFlow(client *gateway.Client, refs ReferenceStore, store *receipts.Store, logger *slog.Logger, opts ...Option) *Flow {
	f := &Flow{
		client:   client,
		refs:     refs,
		receipts: store,
		logger:   logging.Component(logger, "payments"),
		schedule: []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second},
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// State returns the flow's current state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Reset returns a settled or errored flow to IDLE so a new funding attempt
// can start. No-op while a payment is in flight.
func (f *Flow) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case StateVerified, StateFailed, StateError, StateIdle:
		f.state = StateIdle
		f.reference = ""
		f.email = ""
		f.purpose = ""
	}
}

func (f *Flow) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Initiate starts a funding payment. The returned authorization URL is only
// handed out after the reference has been durably persisted, so an
// interrupted flow can always resume verification.
func (f *Flow) Initiate(ctx context.Context, email string, amount decimal.Decimal, purpose string) (*Initiation, error) {
	const op = "payments.Initiate"

	if !validation.IsValidEmail(email) {
		return nil, gateway.Validation(op, "invalid email address")
	}
	if amount.Sign() <= 0 {
		return nil, gateway.Validation(op, "amount must be positive")
	}
	if purpose == "" {
		purpose = "wallet_funding"
	}

	f.setState(StateInitiating)

	var raw rawInitiation
	body := map[string]any{"email": email, "amount": amount, "purpose": purpose}
	if err := f.client.Post(ctx, "/api/payments/initiate", body, &raw); err != nil {
		f.setState(StateError)
		return nil, err.(*gateway.APIError).WithOp(op)
	}

	init := raw.normalize()
	if init.Reference == "" || init.AuthorizationURL == "" {
		f.setState(StateError)
		return nil, &gateway.APIError{Kind: gateway.KindServer, Message: "backend returned no payment reference", Op: op}
	}
	if err := security.ValidateRedirectURL(init.AuthorizationURL); err != nil {
		f.setState(StateError)
		return nil, &gateway.APIError{Kind: gateway.KindServer, Message: "unsafe authorization URL from backend", Op: op}
	}

	// The redirect URL must not leave this function before the reference
	// is on disk.
	if err := f.refs.SetPaymentReference(ctx, init.Reference); err != nil {
		f.setState(StateError)
		return nil, &gateway.APIError{Kind: gateway.KindServer, Message: "persisting payment reference: " + err.Error(), Op: op}
	}

	f.mu.Lock()
	f.state = StateRedirected
	f.reference = init.Reference
	f.email = email
	f.purpose = purpose
	f.mu.Unlock()

	f.logger.Info("payment initiated", "reference", init.Reference, "amount", amount.String())
	return &init, nil
}

// Verify checks a payment's status with the backend. An empty reference is
// recovered from the durable store, covering the return leg of a redirect
// that outlived the process. A PENDING outcome leaves the flow verifying;
// network and server failures are reported as errors, never as FAILED.
func (f *Flow) Verify(ctx context.Context, reference string) (*Verification, error) {
	const op = "payments.Verify"

	if reference == "" {
		stored, err := f.refs.PaymentReference(ctx)
		if err != nil {
			return nil, &gateway.APIError{Kind: gateway.KindServer, Message: "reading payment reference: " + err.Error(), Op: op}
		}
		reference = stored
	}
	if reference == "" {
		return nil, gateway.Validation(op, "no payment reference to verify")
	}

	f.setState(StateVerifying)

	var raw rawVerification
	path := "/api/payments/verify/" + url.PathEscape(reference)
	if err := f.client.Get(ctx, path, nil, &raw); err != nil {
		f.setState(StateError)
		metrics.PaymentsVerifiedTotal.WithLabelValues("error").Inc()
		return nil, err.(*gateway.APIError).WithOp(op)
	}

	v := raw.normalize(reference)
	switch v.Outcome {
	case OutcomeVerified:
		f.settle(ctx, StateVerified, v)
		metrics.PaymentsVerifiedTotal.WithLabelValues("verified").Inc()
	case OutcomeFailed:
		f.settle(ctx, StateFailed, v)
		metrics.PaymentsVerifiedTotal.WithLabelValues("failed").Inc()
	default:
		metrics.PaymentsVerifiedTotal.WithLabelValues("pending").Inc()
	}
	return &v, nil
}

// VerifyWithPoll verifies the payment, re-polling on PENDING and transient
// backend failures per the flow's schedule. When the schedule is exhausted
// and the payment is still pending, the PENDING verification is returned
// for the caller to surface; it is not an error.
func (f *Flow) VerifyWithPoll(ctx context.Context, reference string) (*Verification, error) {
	var last *Verification

	err := retry.DoSchedule(ctx, f.schedule, func() error {
		v, err := f.Verify(ctx, reference)
		if err != nil {
			kind := gateway.KindOf(err)
			if kind == gateway.KindServer || kind == gateway.KindNetwork {
				return err // transient, keep polling
			}
			return retry.Permanent(err)
		}
		last = v
		if v.Outcome == OutcomePending {
			return errStillPending
		}
		return nil
	})

	if errors.Is(err, errStillPending) && last != nil {
		f.logger.Info("payment still pending after polling", "reference", last.Reference)
		return last, nil
	}
	if err != nil {
		return nil, err
	}
	return last, nil
}

// settle moves the flow to a terminal state and, for a verified payment,
// records the receipt and pings listeners.
func (f *Flow) settle(ctx context.Context, terminal State, v Verification) {
	f.mu.Lock()
	f.state = terminal
	email, purpose := f.email, f.purpose
	f.mu.Unlock()

	if err := f.refs.ClearPaymentReference(ctx); err != nil {
		f.logger.Warn("clearing payment reference", "reference", v.Reference, "error", err)
	}

	if terminal != StateVerified {
		f.logger.Info("payment failed", "reference", v.Reference)
		return
	}

	f.receipts.Record(v.Reference, email, purpose, v.Amount, v.PaidAt)
	if f.notify != nil {
		f.notify.PaymentVerified(v.Reference, v.Amount)
		f.notify.WalletRefresh()
	}
	f.logger.Info("payment verified", "reference", v.Reference, "amount", v.Amount.String())
}

var errStillPending = errors.New("payment still pending")

type rawInitiation struct {
	Reference         string `json:"reference"`
	AuthorizationURL  string `json:"authorizationUrl"`
	AuthorizationURL2 string `json:"authorization_url"`
}

func (r rawInitiation) normalize() Initiation {
	u := r.AuthorizationURL
	if u == "" {
		u = r.AuthorizationURL2
	}
	return Initiation{Reference: r.Reference, AuthorizationURL: u}
}

type rawVerification struct {
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
	PaidAt    time.Time       `json:"paidAt"`
}

func (r rawVerification) normalize(fallbackRef string) Verification {
	v := Verification{
		Reference: r.Reference,
		Amount:    r.Amount,
		PaidAt:    r.PaidAt,
	}
	if v.Reference == "" {
		v.Reference = fallbackRef
	}

	switch strings.ToUpper(strings.TrimSpace(r.Status)) {
	case "SUCCESS", "VERIFIED", "PAID":
		v.Outcome = OutcomeVerified
	case "FAILED", "ABANDONED", "CANCELLED":
		v.Outcome = OutcomeFailed
	default:
		v.Outcome = OutcomePending
	}
	return v
}
