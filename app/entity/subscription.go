package entity

import "time"

const (
	SubscriptionStatusIncomplete             int32 = 1
	SubscriptionStatusActive                 int32 = 10
	SubscriptionStatusPastDue                int32 = 20
	SubscriptionStatusAwaitingAuthentication int32 = 21
	SubscriptionStatusCanceled               int32 = 30
)

type Subscription struct {
	ID uint64

	UserID string
	PlanID uint64

	ExternalSubscriptionID *string
	ExternalCustomerID     *string

	Status             int32
	FailedInvoiceCount int32

	StartDate          *time.Time
	EndDate            *time.Time
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CanceledAt         *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

var subscriptionTransitions = map[int32][]int32{
	SubscriptionStatusIncomplete: {
		SubscriptionStatusActive,
		SubscriptionStatusAwaitingAuthentication,
		SubscriptionStatusCanceled,
	},
	SubscriptionStatusActive: {
		SubscriptionStatusActive,
		SubscriptionStatusPastDue,
		SubscriptionStatusAwaitingAuthentication,
		SubscriptionStatusCanceled,
	},
	SubscriptionStatusPastDue: {
		SubscriptionStatusActive,
		SubscriptionStatusAwaitingAuthentication,
		SubscriptionStatusCanceled,
	},
	SubscriptionStatusAwaitingAuthentication: {
		SubscriptionStatusActive,
		SubscriptionStatusPastDue,
		SubscriptionStatusCanceled,
	},
}

func CanTransitionSubscription(from, to int32) bool {
	return allowed(subscriptionTransitions, from, to)
}

// IsLive reports whether the subscription still occupies the user's single slot.
func (s *Subscription) IsLive() bool {
	return s.Status != SubscriptionStatusCanceled
}

func SubscriptionStatusName(status int32) string {
	switch status {
	case SubscriptionStatusIncomplete:
		return "INCOMPLETE"
	case SubscriptionStatusActive:
		return "ACTIVE"
	case SubscriptionStatusPastDue:
		return "PAST_DUE"
	case SubscriptionStatusAwaitingAuthentication:
		return "AWAITING_AUTHENTICATION"
	case SubscriptionStatusCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}
