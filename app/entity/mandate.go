package entity

import "time"

const (
	MandateStatusPending    int32 = 1
	MandateStatusAuthorized int32 = 10
	MandateStatusExecuted   int32 = 11
	MandateStatusFailed     int32 = 20
	MandateStatusRevoked    int32 = 30
)

const (
	MandateFrequencyDaily     = "DAILY"
	MandateFrequencyWeekly    = "WEEKLY"
	MandateFrequencyMonthly   = "MONTHLY"
	MandateFrequencyQuarterly = "QUARTERLY"
	MandateFrequencyYearly    = "YEARLY"
)

type Mandate struct {
	ID uint64

	UserID                string
	MerchantTransactionID string
	MandateID             *string

	Amount    int64
	Frequency string
	StartDate time.Time
	EndDate   time.Time

	RecipientUPI  string
	RecipientName string
	Purpose       *string
	Notes         *string

	Status int32

	RedirectURL     *string
	GatewayResponse *string
	CallbackPayload *string
	FailureReason   *string
	RevokedAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

var mandateTransitions = map[int32][]int32{
	MandateStatusPending:    {MandateStatusAuthorized, MandateStatusFailed, MandateStatusRevoked},
	MandateStatusAuthorized: {MandateStatusExecuted, MandateStatusFailed, MandateStatusRevoked},
	MandateStatusExecuted:   {MandateStatusExecuted, MandateStatusRevoked},
}

func CanTransitionMandate(from, to int32) bool {
	return allowed(mandateTransitions, from, to)
}

func IsValidMandateFrequency(frequency string) bool {
	switch frequency {
	case MandateFrequencyDaily, MandateFrequencyWeekly, MandateFrequencyMonthly, MandateFrequencyQuarterly, MandateFrequencyYearly:
		return true
	default:
		return false
	}
}

func MandateStatusName(status int32) string {
	switch status {
	case MandateStatusPending:
		return "PENDING"
	case MandateStatusAuthorized:
		return "AUTHORIZED"
	case MandateStatusExecuted:
		return "EXECUTED"
	case MandateStatusFailed:
		return "FAILED"
	case MandateStatusRevoked:
		return "REVOKED"
	default:
		return "UNKNOWN"
	}
}
