package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

const mandateDateLayout = "2006-01-02"

const (
	PayeeTypeUPI  = "UPI"
	PayeeTypeBank = "BANK_ACCOUNT"
)

type InitiatePaymentRequest struct {
	UserID string          `json:"userId"`
	Amount decimal.Decimal `json:"amount"`
}

func (r *InitiatePaymentRequest) GetUserID() string { return r.UserID }
func (r *InitiatePaymentRequest) GetAmount() int64  { return toMinorUnits(r.Amount) }

func NewInitiatePaymentRequestFromContext(ctx echo.Context) (*InitiatePaymentRequest, error) {
	var body InitiatePaymentRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}
	body.UserID = strings.TrimSpace(body.UserID)
	return &body, nil
}

func (r *InitiatePaymentRequest) Validate() error {
	if r.GetUserID() == "" {
		return errors.New("userId is required")
	}
	if r.Amount.LessThan(decimal.NewFromInt(1)) {
		return errors.New("amount must be at least 1")
	}
	return nil
}

// MerchantTransactionRequest addresses a pay-in, payout or mandate by its
// merchant transaction id.
type MerchantTransactionRequest struct {
	TransactionID string
}

func (r *MerchantTransactionRequest) GetTransactionID() string { return r.TransactionID }

func NewMerchantTransactionRequestFromContext(ctx echo.Context) (*MerchantTransactionRequest, error) {
	return &MerchantTransactionRequest{TransactionID: strings.TrimSpace(ctx.Param("transactionId"))}, nil
}

func (r *MerchantTransactionRequest) Validate() error {
	if r.GetTransactionID() == "" {
		return errors.New("transactionId is required")
	}
	if len(r.GetTransactionID()) > 64 {
		return errors.New("transactionId is too long")
	}
	return nil
}

type PayoutRequest struct {
	UserID                 string          `json:"userId"`
	Amount                 decimal.Decimal `json:"amount"`
	RecipientUPIID         string          `json:"recipientUpiId"`
	RecipientAccountNumber string          `json:"recipientAccountNumber"`
	RecipientIFSCCode      string          `json:"recipientIfscCode"`
	RecipientName          string          `json:"recipientName"`
	Purpose                string          `json:"purpose"`
	Notes                  string          `json:"notes"`

	PayeeType string `json:"-"`
}

func (r *PayoutRequest) GetUserID() string        { return r.UserID }
func (r *PayoutRequest) GetAmount() int64         { return toMinorUnits(r.Amount) }
func (r *PayoutRequest) GetPayeeType() string     { return r.PayeeType }
func (r *PayoutRequest) GetVPA() string           { return r.RecipientUPIID }
func (r *PayoutRequest) GetAccountNumber() string { return r.RecipientAccountNumber }
func (r *PayoutRequest) GetIFSC() string          { return r.RecipientIFSCCode }
func (r *PayoutRequest) GetName() string          { return r.RecipientName }
func (r *PayoutRequest) GetPurpose() string       { return r.Purpose }
func (r *PayoutRequest) GetNotes() string         { return r.Notes }

func (r *PayoutRequest) normalize(payeeType string) {
	r.UserID = strings.TrimSpace(r.UserID)
	r.RecipientUPIID = strings.TrimSpace(r.RecipientUPIID)
	r.RecipientAccountNumber = strings.TrimSpace(r.RecipientAccountNumber)
	r.RecipientIFSCCode = strings.ToUpper(strings.TrimSpace(r.RecipientIFSCCode))
	r.RecipientName = strings.TrimSpace(r.RecipientName)
	r.Purpose = strings.TrimSpace(r.Purpose)
	r.Notes = strings.TrimSpace(r.Notes)

	if payeeType == "" {
		// Bulk items carry no route; a UPI id picks the UPI rail.
		payeeType = PayeeTypeBank
		if r.RecipientUPIID != "" {
			payeeType = PayeeTypeUPI
		}
	}
	r.PayeeType = payeeType
}

func NewUPIPayoutRequestFromContext(ctx echo.Context) (*PayoutRequest, error) {
	return newPayoutRequestFromContext(ctx, PayeeTypeUPI)
}

func NewBankPayoutRequestFromContext(ctx echo.Context) (*PayoutRequest, error) {
	return newPayoutRequestFromContext(ctx, PayeeTypeBank)
}

func newPayoutRequestFromContext(ctx echo.Context, payeeType string) (*PayoutRequest, error) {
	var body PayoutRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}
	body.normalize(payeeType)
	return &body, nil
}

func (r *PayoutRequest) Validate() error {
	if r.GetUserID() == "" {
		return errors.New("userId is required")
	}
	if r.Amount.LessThan(decimal.NewFromInt(1)) {
		return errors.New("amount must be at least 1")
	}
	if r.GetName() == "" {
		return errors.New("recipientName is required")
	}
	if r.GetPurpose() == "" {
		return errors.New("purpose is required")
	}
	switch r.GetPayeeType() {
	case PayeeTypeUPI:
		if r.GetVPA() == "" {
			return errors.New("recipientUpiId is required")
		}
	case PayeeTypeBank:
		if r.GetAccountNumber() == "" || r.GetIFSC() == "" {
			return errors.New("recipientAccountNumber and recipientIfscCode are required")
		}
	default:
		return errors.New("invalid payee type")
	}
	return nil
}

type BulkPayoutRequest struct {
	Payouts []*PayoutRequest `json:"payouts"`
}

func NewBulkPayoutRequestFromContext(ctx echo.Context) (*BulkPayoutRequest, error) {
	var body BulkPayoutRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}
	for _, item := range body.Payouts {
		if item != nil {
			item.normalize("")
		}
	}
	return &body, nil
}

// Validate only checks the envelope; items are validated one by one while the
// batch runs so a bad item does not sink the others.
func (r *BulkPayoutRequest) Validate() error {
	if len(r.Payouts) == 0 {
		return errors.New("payouts must not be empty")
	}
	for i, item := range r.Payouts {
		if item == nil {
			return fmt.Errorf("payouts[%d] is empty", i)
		}
	}
	return nil
}

type CreateMandateRequest struct {
	UserID         string          `json:"userId"`
	Amount         decimal.Decimal `json:"amount"`
	Frequency      string          `json:"frequency"`
	StartDate      string          `json:"startDate"`
	EndDate        string          `json:"endDate"`
	RecipientUPIID string          `json:"recipientUpiId"`
	RecipientName  string          `json:"recipientName"`
	Purpose        string          `json:"purpose"`
	Notes          string          `json:"notes"`

	startDate time.Time
	endDate   time.Time
}

func (r *CreateMandateRequest) GetUserID() string        { return r.UserID }
func (r *CreateMandateRequest) GetAmount() int64         { return toMinorUnits(r.Amount) }
func (r *CreateMandateRequest) GetFrequency() string     { return r.Frequency }
func (r *CreateMandateRequest) GetStartDate() time.Time  { return r.startDate }
func (r *CreateMandateRequest) GetEndDate() time.Time    { return r.endDate }
func (r *CreateMandateRequest) GetRecipientUPI() string  { return r.RecipientUPIID }
func (r *CreateMandateRequest) GetRecipientName() string { return r.RecipientName }
func (r *CreateMandateRequest) GetPurpose() string       { return r.Purpose }
func (r *CreateMandateRequest) GetNotes() string         { return r.Notes }

func NewCreateMandateRequestFromContext(ctx echo.Context) (*CreateMandateRequest, error) {
	var body CreateMandateRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}
	body.UserID = strings.TrimSpace(body.UserID)
	body.Frequency = strings.ToUpper(strings.TrimSpace(body.Frequency))
	body.StartDate = strings.TrimSpace(body.StartDate)
	body.EndDate = strings.TrimSpace(body.EndDate)
	body.RecipientUPIID = strings.TrimSpace(body.RecipientUPIID)
	body.RecipientName = strings.TrimSpace(body.RecipientName)
	body.Purpose = strings.TrimSpace(body.Purpose)
	body.Notes = strings.TrimSpace(body.Notes)

	var err error
	if body.StartDate != "" {
		if body.startDate, err = time.Parse(mandateDateLayout, body.StartDate); err != nil {
			return nil, err
		}
	}
	if body.EndDate != "" {
		if body.endDate, err = time.Parse(mandateDateLayout, body.EndDate); err != nil {
			return nil, err
		}
	}
	return &body, nil
}

func (r *CreateMandateRequest) Validate() error {
	if r.GetUserID() == "" {
		return errors.New("userId is required")
	}
	if r.Amount.LessThan(decimal.NewFromInt(1)) {
		return errors.New("amount must be at least 1")
	}
	switch r.GetFrequency() {
	case "DAILY", "WEEKLY", "MONTHLY", "QUARTERLY", "YEARLY":
	default:
		return errors.New("frequency must be DAILY, WEEKLY, MONTHLY, QUARTERLY or YEARLY")
	}
	if r.GetStartDate().IsZero() || r.GetEndDate().IsZero() {
		return errors.New("startDate and endDate are required (YYYY-MM-DD)")
	}
	if !r.GetEndDate().After(r.GetStartDate()) {
		return errors.New("endDate must be after startDate")
	}
	if r.GetRecipientUPI() == "" {
		return errors.New("recipientUpiId is required")
	}
	if r.GetRecipientName() == "" {
		return errors.New("recipientName is required")
	}
	return nil
}

type RevokeMandateRequest struct {
	MandateID string `json:"mandateId"`
}

func (r *RevokeMandateRequest) GetMandateID() string { return r.MandateID }

func NewRevokeMandateRequestFromContext(ctx echo.Context) (*RevokeMandateRequest, error) {
	var body RevokeMandateRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}
	body.MandateID = strings.TrimSpace(body.MandateID)
	return &body, nil
}

func (r *RevokeMandateRequest) Validate() error {
	if r.GetMandateID() == "" {
		return errors.New("mandateId is required")
	}
	return nil
}

type Payment struct {
	ID                    uint64 `json:"id"`
	UserID                string `json:"userId"`
	Kind                  string `json:"kind"`
	MerchantTransactionID string `json:"merchantTransactionId"`
	TransactionID         string `json:"transactionId,omitempty"`
	Amount                string `json:"amount"`
	Status                string `json:"status"`
	RecipientName         string `json:"recipientName,omitempty"`
	RecipientUPIID        string `json:"recipientUpiId,omitempty"`
	RecipientAccount      string `json:"recipientAccountNumber,omitempty"`
	RecipientIFSCCode     string `json:"recipientIfscCode,omitempty"`
	Purpose               string `json:"purpose,omitempty"`
	RedirectURL           string `json:"redirectUrl,omitempty"`
	ResponseCode          string `json:"responseCode,omitempty"`
	FailureReason         string `json:"failureReason,omitempty"`
	CreatedAt             string `json:"createdAt"`
	UpdatedAt             string `json:"updatedAt"`
}

type PaymentResponse struct {
	Payment *Payment `json:"payment"`
}

type BulkPayoutItem struct {
	Index                 int    `json:"index"`
	UserID                string `json:"userId"`
	MerchantTransactionID string `json:"merchantTransactionId,omitempty"`
	Status                string `json:"status"`
	Success               bool   `json:"success"`
	Error                 string `json:"error,omitempty"`
}

type BulkPayoutResponse struct {
	Total      int               `json:"total"`
	Successful int               `json:"successful"`
	Failed     int               `json:"failed"`
	Results    []*BulkPayoutItem `json:"results"`
}

type Mandate struct {
	ID                    uint64 `json:"id"`
	UserID                string `json:"userId"`
	MerchantTransactionID string `json:"merchantTransactionId"`
	MandateID             string `json:"mandateId,omitempty"`
	Amount                string `json:"amount"`
	Frequency             string `json:"frequency"`
	StartDate             string `json:"startDate"`
	EndDate               string `json:"endDate"`
	RecipientUPIID        string `json:"recipientUpiId"`
	RecipientName         string `json:"recipientName"`
	Status                string `json:"status"`
	RedirectURL           string `json:"redirectUrl,omitempty"`
	FailureReason         string `json:"failureReason,omitempty"`
	RevokedAt             string `json:"revokedAt,omitempty"`
	CreatedAt             string `json:"createdAt"`
	UpdatedAt             string `json:"updatedAt"`
}

type MandateResponse struct {
	Mandate *Mandate `json:"mandate"`
}
