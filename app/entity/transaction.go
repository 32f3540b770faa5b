package entity

import "time"

const (
	TransactionStatusPending           int32 = 1
	TransactionStatusSuccess           int32 = 10
	TransactionStatusFailed            int32 = 20
	TransactionStatusRefunded          int32 = 30
	TransactionStatusPartiallyRefunded int32 = 31
)

const (
	TransactionMethodCard          = "card"
	TransactionMethodWallet        = "wallet"
	TransactionMethodUPI           = "upi"
	TransactionMethodDigitalWallet = "digital_wallet"
	TransactionMethodOther         = "other"
)

const (
	TransactionTypeTopUp               = "top_up"
	TransactionTypeContestEntry        = "contest_entry"
	TransactionTypeRefund              = "refund"
	TransactionTypeWithdrawal          = "withdrawal"
	TransactionTypeBonus               = "bonus"
	TransactionTypeOther               = "other"
	TransactionTypeSubscriptionCreate  = "subscription_create"
	TransactionTypeSubscriptionUpgrade = "subscription_upgrade"
	TransactionTypeSubscriptionRenewal = "subscription_renewal"
)

const (
	RefundStatusNone      = "none"
	RefundStatusPending   = "pending"
	RefundStatusProcessed = "processed"
	RefundStatusFailed    = "failed"
)

// Transaction is one monetary movement attempt. Amount is signed minor units:
// credits are positive, debits negative.
type Transaction struct {
	ID uint64

	UserID    string
	WalletID  *uint64
	ContestID *string

	Amount   int64
	Currency string
	Method   string
	Type     string
	Status   int32

	ExternalTransactionID *string
	ExternalSessionID     *string

	RefundAmount     int64
	RefundPercentage int32
	RefundStatus     string
	ExternalRefundID *string
	RefundReason     *string
	RefundedAt       *time.Time

	SubscriptionID         *uint64
	OldPlanID              *uint64
	NewPlanID              *uint64
	ExternalSubscriptionID *string

	FailureReason *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

var transactionTransitions = map[int32][]int32{
	TransactionStatusPending:           {TransactionStatusSuccess, TransactionStatusFailed},
	TransactionStatusSuccess:           {TransactionStatusRefunded, TransactionStatusPartiallyRefunded},
	TransactionStatusPartiallyRefunded: {TransactionStatusPartiallyRefunded, TransactionStatusRefunded},
}

func CanTransitionTransaction(from, to int32) bool {
	return allowed(transactionTransitions, from, to)
}

func TransactionStatusName(status int32) string {
	switch status {
	case TransactionStatusPending:
		return "PENDING"
	case TransactionStatusSuccess:
		return "SUCCESS"
	case TransactionStatusFailed:
		return "FAILED"
	case TransactionStatusRefunded:
		return "REFUNDED"
	case TransactionStatusPartiallyRefunded:
		return "PARTIALLY_REFUNDED"
	default:
		return "UNKNOWN"
	}
}

// AffectsWallet reports whether the transaction participates in the wallet balance.
func (t *Transaction) AffectsWallet() bool {
	return t.WalletID != nil
}

// RefundableAmount is what is still available for refunds on a credited transaction.
func (t *Transaction) RefundableAmount() int64 {
	if t.Amount <= 0 {
		return 0
	}
	return t.Amount - t.RefundAmount
}

func allowed(table map[int32][]int32, from, to int32) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}
