package entity

import "time"

const (
	LedgerEntityTransaction  = "transaction"
	LedgerEntitySubscription = "subscription"
	LedgerEntityPayment      = "payment"
	LedgerEntityMandate      = "mandate"
	LedgerEntityWallet       = "wallet"
)

// LedgerEvent is an append-only audit row for every applied transition.
type LedgerEvent struct {
	ID uint64

	EntityType string
	EntityID   uint64
	EventType  string

	OldStatus *int32
	NewStatus int32

	ExternalEventID *string
	PayloadJSON     *string

	CreatedAt time.Time
}
