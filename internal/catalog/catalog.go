// Package catalog reads the backend data-plan catalog.
//
// The catalog is owned by the backend; this package only normalizes its
// inconsistent field names (planName vs name, priceNaira vs price) into one
// Plan shape and forwards admin uploads.
package catalog

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cloudsoft/glovendor/internal/gateway"
	"github.com/cloudsoft/glovendor/internal/logging"
)

// PlanStatus is the catalog lifecycle state of a plan.
type PlanStatus string

const (
	StatusActive   PlanStatus = "ACTIVE"
	StatusInactive PlanStatus = "INACTIVE"
	StatusPending  PlanStatus = "PENDING"
)

// Plan is a base data plan from the backend catalog.
type Plan struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	DataServices string          `json:"dataServices,omitempty"`
	BasePrice    decimal.Decimal `json:"basePrice"`
	ValidityDays int             `json:"validityDays"`
	Status       PlanStatus      `json:"status"`
	ERSPlanID    string          `json:"ersPlanId,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// SubvendorPlan is a plan as priced for one subvendor. Profit is derived,
// never stored: keeping a second copy of priceWithMargin - basePrice in the
// payload invites drift.
type SubvendorPlan struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	DataServices string          `json:"dataServices,omitempty"`
	BasePrice    decimal.Decimal `json:"basePrice"`
	CustomPrice  decimal.Decimal `json:"customPrice"`
	ValidityDays int             `json:"validityDays"`
	Status       PlanStatus      `json:"status"`
	ERSPlanID    string          `json:"ersPlanId,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Profit returns customPrice - basePrice.
func (p *SubvendorPlan) Profit() decimal.Decimal {
	return p.CustomPrice.Sub(p.BasePrice)
}

// UploadResult is the backend's summary of an admin plan upload.
type UploadResult struct {
	Uploaded int      `json:"uploaded"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// Service reads the plan catalog through the gateway.
type Service struct {
	client *gateway.Client
	logger *slog.Logger
}

// NewService creates a catalog service.
func NewService(client *gateway.Client, logger *slog.Logger) *Service {
	return &Service{client: client, logger: logging.Component(logger, "catalog")}
}

// List fetches all base data plans.
func (s *Service) List(ctx context.Context) ([]Plan, error) {
	const op = "catalog.List"

	var raw []rawPlan
	if err := s.client.Get(ctx, "/api/data_plans", nil, &raw); err != nil {
		return nil, err.(*gateway.APIError).WithOp(op)
	}

	plans := make([]Plan, 0, len(raw))
	for _, r := range raw {
		plans = append(plans, r.normalize())
	}
	return plans, nil
}

// SubvendorPlans fetches the plan set priced for one subvendor.
func (s *Service) SubvendorPlans(ctx context.Context, subvendorID string) ([]SubvendorPlan, error) {
	const op = "catalog.SubvendorPlans"

	var raw []rawSubvendorPlan
	path := "/api/subvendor_plans/" + url.PathEscape(subvendorID)
	if err := s.client.Get(ctx, path, nil, &raw); err != nil {
		return nil, err.(*gateway.APIError).WithOp(op)
	}

	plans := make([]SubvendorPlan, 0, len(raw))
	for _, r := range raw {
		plans = append(plans, r.normalize())
	}
	return plans, nil
}

// Upload forwards a plan sheet to the backend (admin only).
func (s *Service) Upload(ctx context.Context, filename string, file io.Reader) (*UploadResult, error) {
	const op = "catalog.Upload"

	var result UploadResult
	if err := s.client.Upload(ctx, "/api/data_plans/upload", "file", filename, file, &result); err != nil {
		return nil, err.(*gateway.APIError).WithOp(op)
	}

	s.logger.Info("plan upload", "file", filename, "uploaded", result.Uploaded, "skipped", result.Skipped)
	return &result, nil
}

// rawPlan tolerates the backend's catalog field aliases.
type rawPlan struct {
	ID           json.Number     `json:"id"`
	PlanName     string          `json:"planName"`
	Name         string          `json:"name"`
	PriceNaira   decimal.Decimal `json:"priceNaira"`
	Price        decimal.Decimal `json:"price"`
	ValidityDays int             `json:"validityDays"`
	Validity     int             `json:"validity"`
	DataServices string          `json:"dataServices"`
	ERSPlanID    json.Number     `json:"ersPlanId"`
	Status       string          `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

func (r rawPlan) normalize() Plan {
	p := Plan{
		ID:           r.ID.String(),
		Name:         r.PlanName,
		DataServices: r.DataServices,
		BasePrice:    r.PriceNaira,
		ValidityDays: r.ValidityDays,
		ERSPlanID:    r.ERSPlanID.String(),
		Status:       PlanStatus(r.Status),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if p.Name == "" {
		p.Name = r.Name
	}
	if p.BasePrice.IsZero() {
		p.BasePrice = r.Price
	}
	if p.ValidityDays == 0 {
		p.ValidityDays = r.Validity
	}
	if p.Status == "" {
		p.Status = StatusInactive
	}
	return p
}

type rawSubvendorPlan struct {
	ID           json.Number     `json:"id"`
	Name         string          `json:"name"`
	DataServices string          `json:"dataServices"`
	BasePrice    decimal.Decimal `json:"basePrice"`
	CustomPrice  decimal.Decimal `json:"customPrice"`
	ValidityDays int             `json:"validityDays"`
	Status       string          `json:"status"`
	ERSPlanID    json.Number     `json:"ersPlanId"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

func (r rawSubvendorPlan) normalize() SubvendorPlan {
	p := SubvendorPlan{
		ID:           r.ID.String(),
		Name:         r.Name,
		DataServices: r.DataServices,
		BasePrice:    r.BasePrice,
		CustomPrice:  r.CustomPrice,
		ValidityDays: r.ValidityDays,
		Status:       PlanStatus(r.Status),
		ERSPlanID:    r.ERSPlanID.String(),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if p.Status == "" {
		p.Status = StatusInactive
	}
	// A subvendor with no override sells at base price.
	if p.CustomPrice.IsZero() {
		p.CustomPrice = p.BasePrice
	}
	return p
}
