package types

import (
	"errors"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

type CreatePlanRequest struct {
	OwnerID      string          `json:"ownerId"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	Currency     string          `json:"currency"`
	Duration     int32           `json:"duration"`
	DurationUnit string          `json:"durationUnit"`
	Features     []string        `json:"features"`
}

func (r *CreatePlanRequest) GetOwnerID() string      { return r.OwnerID }
func (r *CreatePlanRequest) GetName() string         { return r.Name }
func (r *CreatePlanRequest) GetPrice() int64         { return toMinorUnits(r.Price) }
func (r *CreatePlanRequest) GetCurrency() string     { return r.Currency }
func (r *CreatePlanRequest) GetDuration() int32      { return r.Duration }
func (r *CreatePlanRequest) GetDurationUnit() string { return r.DurationUnit }
func (r *CreatePlanRequest) GetFeatures() []string   { return r.Features }

func NewCreatePlanRequestFromContext(ctx echo.Context) (*CreatePlanRequest, error) {
	var body CreatePlanRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}
	body.OwnerID = strings.TrimSpace(body.OwnerID)
	body.Name = strings.TrimSpace(body.Name)
	body.Currency = strings.ToUpper(strings.TrimSpace(body.Currency))
	body.DurationUnit = strings.ToLower(strings.TrimSpace(body.DurationUnit))
	return &body, nil
}

func (r *CreatePlanRequest) Validate() error {
	if r.GetOwnerID() == "" {
		return errors.New("ownerId is required")
	}
	if r.GetName() == "" {
		return errors.New("name is required")
	}
	if r.GetPrice() <= 0 {
		return errors.New("price must be > 0")
	}
	if len(r.GetCurrency()) != 3 {
		return errors.New("currency must be 3 letters")
	}
	if r.GetDuration() < 0 {
		return errors.New("duration must be >= 0")
	}
	if !isValidDurationUnit(r.GetDurationUnit()) {
		return errors.New("durationUnit must be day, week, month, or year")
	}
	return nil
}

// UpdatePlanRequest leaves omitted fields unchanged.
type UpdatePlanRequest struct {
	PlanID       uint64              `json:"-"`
	OwnerID      string              `json:"ownerId"`
	Name         string              `json:"name"`
	Price        decimal.NullDecimal `json:"price"`
	Currency     string              `json:"currency"`
	Duration     int32               `json:"duration"`
	DurationUnit string              `json:"durationUnit"`
	Features     []string            `json:"features"`
}

func (r *UpdatePlanRequest) GetPlanID() uint64       { return r.PlanID }
func (r *UpdatePlanRequest) GetOwnerID() string      { return r.OwnerID }
func (r *UpdatePlanRequest) GetName() string         { return r.Name }
func (r *UpdatePlanRequest) GetCurrency() string     { return r.Currency }
func (r *UpdatePlanRequest) GetDuration() int32      { return r.Duration }
func (r *UpdatePlanRequest) GetDurationUnit() string { return r.DurationUnit }
func (r *UpdatePlanRequest) GetFeatures() []string   { return r.Features }

func (r *UpdatePlanRequest) GetPrice() int64 {
	if !r.Price.Valid {
		return 0
	}
	return toMinorUnits(r.Price.Decimal)
}

func NewUpdatePlanRequestFromContext(ctx echo.Context) (*UpdatePlanRequest, error) {
	planID, err := parseUintParam(ctx, "planId")
	if err != nil {
		return nil, err
	}

	var body UpdatePlanRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}
	body.PlanID = planID
	body.OwnerID = strings.TrimSpace(body.OwnerID)
	body.Name = strings.TrimSpace(body.Name)
	body.Currency = strings.ToUpper(strings.TrimSpace(body.Currency))
	body.DurationUnit = strings.ToLower(strings.TrimSpace(body.DurationUnit))
	return &body, nil
}

func (r *UpdatePlanRequest) Validate() error {
	if r.GetPlanID() == 0 {
		return errors.New("invalid plan id")
	}
	if r.GetOwnerID() == "" {
		return errors.New("ownerId is required")
	}
	if r.Price.Valid && r.GetPrice() <= 0 {
		return errors.New("price must be > 0")
	}
	if r.GetCurrency() != "" && len(r.GetCurrency()) != 3 {
		return errors.New("currency must be 3 letters")
	}
	if r.GetDuration() < 0 {
		return errors.New("duration must be >= 0")
	}
	if r.GetDurationUnit() != "" && !isValidDurationUnit(r.GetDurationUnit()) {
		return errors.New("durationUnit must be day, week, month, or year")
	}
	return nil
}

type ListPlansRequest struct {
	Limit  int32
	Offset int32
}

func (r *ListPlansRequest) GetLimit() int32  { return r.Limit }
func (r *ListPlansRequest) GetOffset() int32 { return r.Offset }

func NewListPlansRequestFromContext(ctx echo.Context) (*ListPlansRequest, error) {
	limit, offset, err := parsePaging(ctx)
	if err != nil {
		return nil, err
	}
	return &ListPlansRequest{Limit: limit, Offset: offset}, nil
}

func (r *ListPlansRequest) Validate() error {
	return validatePaging(&r.Limit, r.Offset)
}

func isValidDurationUnit(unit string) bool {
	switch unit {
	case "day", "week", "month", "year":
		return true
	default:
		return false
	}
}

type Plan struct {
	ID                uint64   `json:"id"`
	OwnerID           string   `json:"ownerId"`
	Name              string   `json:"name"`
	Price             string   `json:"price"`
	Currency          string   `json:"currency"`
	Duration          int32    `json:"duration"`
	DurationUnit      string   `json:"durationUnit"`
	Features          []string `json:"features"`
	ExternalProductID string   `json:"externalProductId"`
	ExternalPriceID   string   `json:"externalPriceId"`
	Active            bool     `json:"active"`
	CreatedAt         string   `json:"createdAt"`
	UpdatedAt         string   `json:"updatedAt"`
}

type PlanResponse struct {
	Plan *Plan `json:"plan"`
}

type ListPlansResponse struct {
	Plans []*Plan `json:"plans"`
}
