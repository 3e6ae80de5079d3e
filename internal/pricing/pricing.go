// Package pricing computes subvendor sell prices for base data plans.
//
// Flow:
//  1. Subvendor picks a margin or an explicit custom price
//  2. Engine computes the new price set locally (preview only)
//  3. Backend persists the change
//  4. Only after backend acknowledgment does the preview become the
//     caller's view; on any error the previous view stands
//
// Profit is always priceWithMargin - basePrice, recomputed on read.
// Storing it alongside the price invites drift between the two.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/shopspring/decimal"

	"github.com/cloudsoft/glovendor/internal/catalog"
	"github.com/cloudsoft/glovendor/internal/gateway"
	"github.com/cloudsoft/glovendor/internal/logging"
	"github.com/cloudsoft/glovendor/internal/metrics"
	"github.com/cloudsoft/glovendor/internal/money"
	"github.com/cloudsoft/glovendor/internal/validation"
)

// DefaultWarnThreshold is the fraction above the co-vendor average that
// triggers an advisory warning.
const DefaultWarnThreshold = 0.15

// PricedPlan is a plan with its computed sell price. Profit is derived on
// construction and never persisted.
type PricedPlan struct {
	PlanID          string          `json:"planId"`
	Name            string          `json:"name"`
	BasePrice       decimal.Decimal `json:"basePrice"`
	PriceWithMargin decimal.Decimal `json:"priceWithMargin"`
	Profit          decimal.Decimal `json:"profit"`
	MarginPercent   decimal.Decimal `json:"marginPercent"`
}

// Warning is an advisory price signal. It never blocks submission.
type Warning struct {
	CandidatePrice decimal.Decimal `json:"candidatePrice"`
	AveragePrice   decimal.Decimal `json:"averagePrice"`
	ExcessPercent  decimal.Decimal `json:"excessPercent"`
	Message        string          `json:"message"`
}

// Engine computes and persists subvendor pricing.
type Engine struct {
	client        *gateway.Client
	logger        *slog.Logger
	warnThreshold decimal.Decimal
}

// Option configures the engine.
type Option func(*Engine)

// WithWarnThreshold overrides the advisory warning threshold (a fraction,
// e.g. 0.15 for 15%).
func WithWarnThreshold(frac float64) Option {
	return func(e *Engine) { e.warnThreshold = decimal.NewFromFloat(frac) }
}

// NewEngine creates a pricing engine.
func NewEngine(client *gateway.Client, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		client:        client,
		logger:        logging.Component(logger, "pricing"),
		warnThreshold: decimal.NewFromFloat(DefaultWarnThreshold),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ApplyMargin applies a percentage margin to every plan in the set. The
// batch is atomic from the caller's view: the updated set is returned only
// after the backend confirms, and on failure no plan is considered updated.
func (e *Engine) ApplyMargin(ctx context.Context, subvendorID string, plans []catalog.SubvendorPlan, marginPercent float64) ([]PricedPlan, error) {
	const op = "pricing.ApplyMargin"

	if !validation.IsValidMargin(marginPercent) {
		metrics.MarginAppliesTotal.WithLabelValues("rejected").Inc()
		return nil, gateway.Validation(op, "margin must be a finite percentage greater than -100")
	}

	margin := decimal.NewFromFloat(marginPercent)

	// Preview: computed locally, discarded unless the backend confirms.
	preview := make([]PricedPlan, len(plans))
	for i, p := range plans {
		priced := money.ApplyMargin(p.BasePrice, margin)
		preview[i] = PricedPlan{
			PlanID:          p.ID,
			Name:            p.Name,
			BasePrice:       p.BasePrice,
			PriceWithMargin: priced,
			Profit:          priced.Sub(p.BasePrice),
			MarginPercent:   margin,
		}
	}

	path := "/api/subvendors/" + url.PathEscape(subvendorID) + "/apply-margin"
	body := map[string]decimal.Decimal{"margin": margin}
	if err := e.client.Post(ctx, path, body, nil); err != nil {
		metrics.MarginAppliesTotal.WithLabelValues("failed").Inc()
		return nil, err.(*gateway.APIError).WithOp(op)
	}

	metrics.MarginAppliesTotal.WithLabelValues("applied").Inc()
	e.logger.Info("margin applied", "subvendor", subvendorID, "margin", margin, "plans", len(plans))
	return preview, nil
}

// SetCustomPrice sets an explicit sell price on one plan and returns the
// backend's updated row with profit recomputed.
func (e *Engine) SetCustomPrice(ctx context.Context, planID string, customPrice decimal.Decimal) (*PricedPlan, error) {
	const op = "pricing.SetCustomPrice"

	if customPrice.IsNegative() {
		return nil, gateway.Validation(op, "customPrice must not be negative")
	}

	var updated struct {
		ID          string          `json:"id"`
		Name        string          `json:"name"`
		BasePrice   decimal.Decimal `json:"basePrice"`
		CustomPrice decimal.Decimal `json:"customPrice"`
	}
	path := "/api/subvendor_plans/" + url.PathEscape(planID)
	body := map[string]decimal.Decimal{"customPrice": customPrice}
	if err := e.client.Patch(ctx, path, body, &updated); err != nil {
		return nil, err.(*gateway.APIError).WithOp(op)
	}

	return &PricedPlan{
		PlanID:          updated.ID,
		Name:            updated.Name,
		BasePrice:       updated.BasePrice,
		PriceWithMargin: updated.CustomPrice,
		Profit:          updated.CustomPrice.Sub(updated.BasePrice),
	}, nil
}

// CoVendorAverage returns the average effective price other subvendors
// charge for the plan. Purely advisory; never constrains an update.
func (e *Engine) CoVendorAverage(ctx context.Context, planID, excludingSubvendorID string) (decimal.Decimal, error) {
	const op = "pricing.CoVendorAverage"

	var stats struct {
		AvgPrice decimal.Decimal `json:"avgPrice"`
	}
	path := "/api/subvendor_plans/" + url.PathEscape(planID) + "/co-vendor-stats"
	query := url.Values{"currentSubvendorId": {excludingSubvendorID}}
	if err := e.client.Get(ctx, path, query, &stats); err != nil {
		return decimal.Zero, err.(*gateway.APIError).WithOp(op)
	}
	return stats.AvgPrice, nil
}

// PriceWarning returns an advisory warning when the candidate price exceeds
// the co-vendor average by more than the threshold, and nil otherwise.
// A zero or missing average suppresses the check entirely.
func (e *Engine) PriceWarning(candidate, average decimal.Decimal) *Warning {
	if average.Sign() <= 0 {
		return nil
	}

	excess := candidate.Sub(average).Div(average)
	if excess.LessThanOrEqual(e.warnThreshold) {
		return nil
	}

	metrics.PriceWarningsTotal.Inc()
	pct := excess.Mul(decimal.NewFromInt(100)).Round(1)
	return &Warning{
		CandidatePrice: candidate,
		AveragePrice:   average,
		ExcessPercent:  pct,
		Message:        fmt.Sprintf("price is %s%% above the co-vendor average; you may lose customers", pct),
	}
}
