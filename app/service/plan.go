package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vibast-solutions/ms-go-wallets/app/entity"
	"github.com/vibast-solutions/ms-go-wallets/app/provider"
)

type createPlanRequest interface {
	GetOwnerID() string
	GetName() string
	GetPrice() int64
	GetCurrency() string
	GetDuration() int32
	GetDurationUnit() string
	GetFeatures() []string
}

// updatePlanRequest leaves zero-valued fields unchanged.
type updatePlanRequest interface {
	GetPlanID() uint64
	GetOwnerID() string
	GetName() string
	GetPrice() int64
	GetCurrency() string
	GetDuration() int32
	GetDurationUnit() string
	GetFeatures() []string
}

type listPlansRequest interface {
	GetLimit() int32
	GetOffset() int32
}

type planRepository interface {
	Create(ctx context.Context, plan *entity.Plan) error
	Update(ctx context.Context, plan *entity.Plan) error
	FindByID(ctx context.Context, id uint64) (*entity.Plan, error)
	ListActive(ctx context.Context, limit, offset int32) ([]*entity.Plan, error)
}

type planGateway interface {
	CreateProduct(ctx context.Context, name string, metadata map[string]string) (string, error)
	UpdateProduct(ctx context.Context, productID, name string) error
	CreatePrice(ctx context.Context, input provider.PriceInput) (string, error)
}

type PlanService struct {
	plans   planRepository
	gateway planGateway
}

func NewPlanService(plans planRepository, gateway planGateway) *PlanService {
	return &PlanService{plans: plans, gateway: gateway}
}

func (s *PlanService) Create(ctx context.Context, req createPlanRequest) (*entity.Plan, error) {
	ownerID := strings.TrimSpace(req.GetOwnerID())
	name := strings.TrimSpace(req.GetName())
	currency := strings.ToUpper(strings.TrimSpace(req.GetCurrency()))
	unit := strings.ToLower(strings.TrimSpace(req.GetDurationUnit()))

	if ownerID == "" || name == "" || currency == "" {
		return nil, fmt.Errorf("%w: ownerId, name and currency are required", ErrInvalidRequest)
	}
	if req.GetPrice() <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidRequest)
	}
	if !isDurationUnit(unit) {
		return nil, fmt.Errorf("%w: unsupported durationUnit %q", ErrInvalidRequest, unit)
	}
	duration := req.GetDuration()
	if duration < 1 {
		duration = 1
	}

	productID, err := s.gateway.CreateProduct(ctx, name, map[string]string{"ownerId": ownerID})
	if err != nil {
		return nil, gatewayFailure(err)
	}
	priceID, err := s.gateway.CreatePrice(ctx, provider.PriceInput{
		ProductID:     productID,
		Amount:        req.GetPrice(),
		Currency:      currency,
		Interval:      unit,
		IntervalCount: duration,
	})
	if err != nil {
		return nil, gatewayFailure(err)
	}

	now := time.Now().UTC()
	plan := &entity.Plan{
		OwnerID:           ownerID,
		Name:              name,
		Price:             req.GetPrice(),
		Currency:          currency,
		Duration:          duration,
		DurationUnit:      unit,
		Features:          normalizeFeatures(req.GetFeatures()),
		ExternalProductID: productID,
		ExternalPriceID:   priceID,
		Active:            true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.plans.Create(ctx, plan); err != nil {
		return nil, err
	}

	return plan, nil
}

// Update lets the plan owner rename it or change its billing. A billing change
// creates a new gateway price; existing subscribers keep the old one.
func (s *PlanService) Update(ctx context.Context, req updatePlanRequest) (*entity.Plan, error) {
	plan, err := s.plans.FindByID(ctx, req.GetPlanID())
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, ErrPlanNotFound
	}
	if plan.OwnerID != strings.TrimSpace(req.GetOwnerID()) {
		return nil, ErrForbidden
	}

	if name := strings.TrimSpace(req.GetName()); name != "" && name != plan.Name {
		if err := s.gateway.UpdateProduct(ctx, plan.ExternalProductID, name); err != nil {
			return nil, gatewayFailure(err)
		}
		plan.Name = name
	}
	if features := req.GetFeatures(); features != nil {
		plan.Features = normalizeFeatures(features)
	}

	billingChanged := false
	if price := req.GetPrice(); price != 0 {
		if price < 0 {
			return nil, fmt.Errorf("%w: price must be positive", ErrInvalidRequest)
		}
		billingChanged = billingChanged || price != plan.Price
		plan.Price = price
	}
	if currency := strings.ToUpper(strings.TrimSpace(req.GetCurrency())); currency != "" {
		billingChanged = billingChanged || currency != plan.Currency
		plan.Currency = currency
	}
	if duration := req.GetDuration(); duration > 0 {
		billingChanged = billingChanged || duration != plan.Duration
		plan.Duration = duration
	}
	if unit := strings.ToLower(strings.TrimSpace(req.GetDurationUnit())); unit != "" {
		if !isDurationUnit(unit) {
			return nil, fmt.Errorf("%w: unsupported durationUnit %q", ErrInvalidRequest, unit)
		}
		billingChanged = billingChanged || unit != plan.DurationUnit
		plan.DurationUnit = unit
	}

	if billingChanged {
		priceID, err := s.gateway.CreatePrice(ctx, provider.PriceInput{
			ProductID:     plan.ExternalProductID,
			Amount:        plan.Price,
			Currency:      plan.Currency,
			Interval:      plan.DurationUnit,
			IntervalCount: plan.Duration,
		})
		if err != nil {
			return nil, gatewayFailure(err)
		}
		plan.ExternalPriceID = priceID
	}

	plan.UpdatedAt = time.Now().UTC()
	if err := s.plans.Update(ctx, plan); err != nil {
		return nil, err
	}

	return plan, nil
}

func (s *PlanService) List(ctx context.Context, req listPlansRequest) ([]*entity.Plan, error) {
	limit := req.GetLimit()
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset := req.GetOffset()
	if offset < 0 {
		offset = 0
	}
	return s.plans.ListActive(ctx, limit, offset)
}

func isDurationUnit(unit string) bool {
	switch unit {
	case entity.DurationUnitDay, entity.DurationUnitWeek, entity.DurationUnitMonth, entity.DurationUnitYear:
		return true
	default:
		return false
	}
}

func normalizeFeatures(features []string) []string {
	out := make([]string, 0, len(features))
	for _, f := range features {
		if trimmed := strings.TrimSpace(f); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
