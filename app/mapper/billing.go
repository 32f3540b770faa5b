package mapper

import (
	"github.com/vibast-solutions/ms-go-wallets/app/entity"
	"github.com/vibast-solutions/ms-go-wallets/app/types"
)

func PlanToResponse(item *entity.Plan) *types.Plan {
	if item == nil {
		return nil
	}

	return &types.Plan{
		ID:                item.ID,
		OwnerID:           item.OwnerID,
		Name:              item.Name,
		Price:             Amount(item.Price),
		Currency:          item.Currency,
		Duration:          item.Duration,
		DurationUnit:      item.DurationUnit,
		Features:          append([]string{}, item.Features...),
		ExternalProductID: item.ExternalProductID,
		ExternalPriceID:   item.ExternalPriceID,
		Active:            item.Active,
		CreatedAt:         formatTime(item.CreatedAt),
		UpdatedAt:         formatTime(item.UpdatedAt),
	}
}

func PlansToResponse(items []*entity.Plan) []*types.Plan {
	result := make([]*types.Plan, 0, len(items))
	for _, item := range items {
		result = append(result, PlanToResponse(item))
	}
	return result
}

func SubscriptionToResponse(item *entity.Subscription) *types.Subscription {
	if item == nil {
		return nil
	}

	return &types.Subscription{
		ID:                     item.ID,
		UserID:                 item.UserID,
		PlanID:                 item.PlanID,
		ExternalSubscriptionID: derefString(item.ExternalSubscriptionID),
		Status:                 entity.SubscriptionStatusName(item.Status),
		FailedInvoiceCount:     item.FailedInvoiceCount,
		StartDate:              formatTimePtr(item.StartDate),
		EndDate:                formatTimePtr(item.EndDate),
		CurrentPeriodStart:     formatTimePtr(item.CurrentPeriodStart),
		CurrentPeriodEnd:       formatTimePtr(item.CurrentPeriodEnd),
		CanceledAt:             formatTimePtr(item.CanceledAt),
		CreatedAt:              formatTime(item.CreatedAt),
		UpdatedAt:              formatTime(item.UpdatedAt),
	}
}
