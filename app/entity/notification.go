package entity

import "time"

const (
	NotificationDeliveryPending int32 = 1
	NotificationDeliverySuccess int32 = 10
	NotificationDeliveryFailed  int32 = 20
)

const (
	NotificationKindTopUpSucceeded        = "wallet.top_up_succeeded"
	NotificationKindTopUpFailed           = "wallet.top_up_failed"
	NotificationKindRefundProcessed       = "wallet.refund_processed"
	NotificationKindContestEntry          = "wallet.contest_entry"
	NotificationKindSubscriptionActive    = "subscription.active"
	NotificationKindSubscriptionPastDue   = "subscription.past_due"
	NotificationKindSubscriptionCanceled  = "subscription.canceled"
	NotificationKindSubscriptionActionReq = "subscription.action_required"
	NotificationKindPayoutCompleted       = "payout.completed"
	NotificationKindPayoutFailed          = "payout.failed"
)

// Notification is an outbox row delivered by the dispatch job.
type Notification struct {
	ID uint64

	UserID      string
	Kind        string
	PayloadJSON string

	DeliveryStatus   int32
	DeliveryAttempts int32
	NextAttemptAt    *time.Time
	LastError        *string

	CreatedAt time.Time
	UpdatedAt time.Time
}
