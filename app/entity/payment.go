package entity

import "time"

const (
	PaymentStatusInitiated  int32 = 1
	PaymentStatusPending    int32 = 2
	PaymentStatusProcessing int32 = 3
	PaymentStatusSuccess    int32 = 10
	PaymentStatusFailed     int32 = 20
)

const (
	PaymentKindPayIn      = "pay_in"
	PaymentKindPayoutUPI  = "payout_upi"
	PaymentKindPayoutBank = "payout_bank"
)

// Payment is a push-payment gateway request: a pay-in collected into the
// wallet or a payout sent to a driver.
type Payment struct {
	ID uint64

	UserID                string
	Kind                  string
	MerchantTransactionID string
	ExternalTransactionID *string

	Amount int64
	Status int32

	RecipientName          *string
	RecipientUPI           *string
	RecipientAccountNumber *string
	RecipientIFSC          *string
	Purpose                *string
	Notes                  *string

	// TransactionID links a pay-in to the wallet transaction it credits.
	TransactionID *uint64

	RedirectURL     *string
	GatewayResponse *string
	CallbackPayload *string
	ResponseCode    *string
	FailureReason   *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

var paymentTransitions = map[int32][]int32{
	PaymentStatusInitiated:  {PaymentStatusPending, PaymentStatusProcessing, PaymentStatusSuccess, PaymentStatusFailed},
	PaymentStatusPending:    {PaymentStatusProcessing, PaymentStatusSuccess, PaymentStatusFailed},
	PaymentStatusProcessing: {PaymentStatusPending, PaymentStatusSuccess, PaymentStatusFailed},
}

func CanTransitionPayment(from, to int32) bool {
	return allowed(paymentTransitions, from, to)
}

func IsTerminalPaymentStatus(status int32) bool {
	return status == PaymentStatusSuccess || status == PaymentStatusFailed
}

func PaymentStatusName(status int32) string {
	switch status {
	case PaymentStatusInitiated:
		return "INITIATED"
	case PaymentStatusPending:
		return "PENDING"
	case PaymentStatusProcessing:
		return "PROCESSING"
	case PaymentStatusSuccess:
		return "SUCCESS"
	case PaymentStatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}
