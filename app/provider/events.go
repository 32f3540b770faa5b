package provider

import "time"

// Event is a verified gateway callback decoded into one of the concrete types below.
type Event interface {
	EventID() string
	EventType() string
	isEvent()
}

type EventHeader struct {
	ID   string
	Type string
}

func (h EventHeader) EventID() string   { return h.ID }
func (h EventHeader) EventType() string { return h.Type }
func (EventHeader) isEvent()            {}

type CheckoutOutcome int

const (
	CheckoutCompleted CheckoutOutcome = iota + 1
	CheckoutAsyncSucceeded
	CheckoutAsyncFailed
	CheckoutExpired
)

type CheckoutSessionEvent struct {
	EventHeader
	Outcome CheckoutOutcome
	Session CheckoutSession
}

type PaymentIntentEvent struct {
	EventHeader
	Succeeded      bool
	Intent         PaymentIntent
	FailureMessage string
}

type Invoice struct {
	ID              string
	SubscriptionID  string
	PaymentIntentID string
	BillingReason   string
	AmountPaid      int64
	AmountDue       int64
	Currency        string
	PeriodStart     time.Time
	PeriodEnd       time.Time
	Metadata        map[string]string
}

type InvoiceEvent struct {
	EventHeader
	Paid    bool
	Invoice Invoice
}

type InvoiceActionRequiredEvent struct {
	EventHeader
	Invoice Invoice
}

type SubscriptionDeletedEvent struct {
	EventHeader
	Subscription Subscription
}

// RefundEvent reports a refund status change settled after the create call returned.
type RefundEvent struct {
	EventHeader
	Refund Refund
}

// UnknownEvent is a verified event this service does not act on.
type UnknownEvent struct {
	EventHeader
}

// PhonePeStatus is the decoded data block of a PhonePe response or callback.
type PhonePeStatus struct {
	Success               bool
	Code                  string
	Message               string
	MerchantTransactionID string
	TransactionID         string
	MandateID             string
	Amount                int64
	State                 string
	ResponseCode          string
	RedirectURL           string
}

type PhonePePaymentEvent struct {
	EventHeader
	Status PhonePeStatus
	Raw    string
}

type PhonePeMandateEvent struct {
	EventHeader
	Status PhonePeStatus
	Raw    string
}
