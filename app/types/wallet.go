package types

import (
	"errors"
	"io"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

type CreateWalletRequest struct {
	UserID string `json:"userId"`
}

func (r *CreateWalletRequest) GetUserID() string { return r.UserID }

func NewCreateWalletRequestFromContext(ctx echo.Context) (*CreateWalletRequest, error) {
	var body CreateWalletRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}
	body.UserID = strings.TrimSpace(body.UserID)
	return &body, nil
}

func (r *CreateWalletRequest) Validate() error {
	if r.GetUserID() == "" {
		return errors.New("userId is required")
	}
	return nil
}

type GetWalletRequest struct {
	UserID string
}

func (r *GetWalletRequest) GetUserID() string { return r.UserID }

func NewGetWalletRequestFromContext(ctx echo.Context) (*GetWalletRequest, error) {
	return &GetWalletRequest{UserID: strings.TrimSpace(ctx.Param("userId"))}, nil
}

func (r *GetWalletRequest) Validate() error {
	if r.GetUserID() == "" {
		return errors.New("userId is required")
	}
	return nil
}

type ListTransactionsRequest struct {
	UserID string
	Limit  int32
	Offset int32
}

func (r *ListTransactionsRequest) GetUserID() string { return r.UserID }
func (r *ListTransactionsRequest) GetLimit() int32   { return r.Limit }
func (r *ListTransactionsRequest) GetOffset() int32  { return r.Offset }

func NewListTransactionsRequestFromContext(ctx echo.Context) (*ListTransactionsRequest, error) {
	limit, offset, err := parsePaging(ctx)
	if err != nil {
		return nil, err
	}
	return &ListTransactionsRequest{
		UserID: strings.TrimSpace(ctx.Param("userId")),
		Limit:  limit,
		Offset: offset,
	}, nil
}

func (r *ListTransactionsRequest) Validate() error {
	if r.GetUserID() == "" {
		return errors.New("userId is required")
	}
	return validatePaging(&r.Limit, r.Offset)
}

// CheckoutSessionRequest takes the amount in major units.
type CheckoutSessionRequest struct {
	UserID     string          `json:"userId"`
	Amount     decimal.Decimal `json:"amount"`
	SuccessURL string          `json:"successUrl"`
	CancelURL  string          `json:"cancelUrl"`
}

func (r *CheckoutSessionRequest) GetUserID() string     { return r.UserID }
func (r *CheckoutSessionRequest) GetAmount() int64      { return toMinorUnits(r.Amount) }
func (r *CheckoutSessionRequest) GetSuccessURL() string { return r.SuccessURL }
func (r *CheckoutSessionRequest) GetCancelURL() string  { return r.CancelURL }

func NewCheckoutSessionRequestFromContext(ctx echo.Context) (*CheckoutSessionRequest, error) {
	var body CheckoutSessionRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}
	body.UserID = strings.TrimSpace(body.UserID)
	body.SuccessURL = strings.TrimSpace(body.SuccessURL)
	body.CancelURL = strings.TrimSpace(body.CancelURL)
	return &body, nil
}

func (r *CheckoutSessionRequest) Validate() error {
	if r.GetUserID() == "" {
		return errors.New("userId is required")
	}
	if r.GetAmount() <= 0 {
		return errors.New("amount must be > 0")
	}
	if r.GetSuccessURL() == "" || r.GetCancelURL() == "" {
		return errors.New("successUrl and cancelUrl are required")
	}
	return nil
}

type PaymentIntentRequest struct {
	UserID string          `json:"userId"`
	Amount decimal.Decimal `json:"amount"`
}

func (r *PaymentIntentRequest) GetUserID() string { return r.UserID }
func (r *PaymentIntentRequest) GetAmount() int64  { return toMinorUnits(r.Amount) }

func NewPaymentIntentRequestFromContext(ctx echo.Context) (*PaymentIntentRequest, error) {
	var body PaymentIntentRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}
	body.UserID = strings.TrimSpace(body.UserID)
	return &body, nil
}

func (r *PaymentIntentRequest) Validate() error {
	if r.GetUserID() == "" {
		return errors.New("userId is required")
	}
	if r.GetAmount() <= 0 {
		return errors.New("amount must be > 0")
	}
	return nil
}

type ContestEntryRequest struct {
	UserID    string `json:"userId"`
	ContestID string `json:"contestId"`
}

func (r *ContestEntryRequest) GetUserID() string    { return r.UserID }
func (r *ContestEntryRequest) GetContestID() string { return r.ContestID }

func NewContestEntryRequestFromContext(ctx echo.Context) (*ContestEntryRequest, error) {
	var body ContestEntryRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}
	body.UserID = strings.TrimSpace(body.UserID)
	body.ContestID = strings.TrimSpace(body.ContestID)
	return &body, nil
}

func (r *ContestEntryRequest) Validate() error {
	if r.GetUserID() == "" || r.GetContestID() == "" {
		return errors.New("userId and contestId are required")
	}
	return nil
}

// RefundRequest refunds the remaining amount when Amount is omitted.
type RefundRequest struct {
	TransactionID uint64              `json:"-"`
	Amount        decimal.NullDecimal `json:"amount"`
	Reason        string              `json:"reason"`
}

func (r *RefundRequest) GetTransactionID() uint64 { return r.TransactionID }
func (r *RefundRequest) GetReason() string        { return r.Reason }

func (r *RefundRequest) GetAmount() int64 {
	if !r.Amount.Valid {
		return 0
	}
	return toMinorUnits(r.Amount.Decimal)
}

func NewRefundRequestFromContext(ctx echo.Context) (*RefundRequest, error) {
	id, err := parseUintParam(ctx, "id")
	if err != nil {
		return nil, err
	}

	var body RefundRequest
	if err = ctx.Bind(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	body.TransactionID = id
	body.Reason = strings.TrimSpace(body.Reason)
	return &body, nil
}

func (r *RefundRequest) Validate() error {
	if r.GetTransactionID() == 0 {
		return errors.New("invalid transaction id")
	}
	if r.Amount.Valid && r.GetAmount() <= 0 {
		return errors.New("amount must be > 0")
	}
	if len(r.GetReason()) > 255 {
		return errors.New("reason must be at most 255 characters")
	}
	return nil
}

type Wallet struct {
	UserID                string   `json:"userId"`
	Balance               string   `json:"balance"`
	Currency              string   `json:"currency"`
	LastTransactionID     uint64   `json:"lastTransactionId,omitempty"`
	LastTransactionAmount string   `json:"lastTransactionAmount,omitempty"`
	Transactions          []uint64 `json:"transactions"`
	CreatedAt             string   `json:"createdAt"`
	UpdatedAt             string   `json:"updatedAt"`
}

type WalletResponse struct {
	Wallet  *Wallet `json:"wallet"`
	Created bool    `json:"created,omitempty"`
}

type Transaction struct {
	ID                    uint64 `json:"id"`
	UserID                string `json:"userId"`
	ContestID             string `json:"contestId,omitempty"`
	Amount                string `json:"amount"`
	Currency              string `json:"currency"`
	Method                string `json:"method"`
	Type                  string `json:"type"`
	Status                string `json:"status"`
	ExternalTransactionID string `json:"externalTransactionId,omitempty"`
	ExternalSessionID     string `json:"externalSessionId,omitempty"`
	RefundAmount          string `json:"refundAmount,omitempty"`
	RefundPercentage      int32  `json:"refundPercentage,omitempty"`
	RefundStatus          string `json:"refundStatus,omitempty"`
	RefundReason          string `json:"refundReason,omitempty"`
	RefundedAt            string `json:"refundedAt,omitempty"`
	SubscriptionID        uint64 `json:"subscriptionId,omitempty"`
	FailureReason         string `json:"failureReason,omitempty"`
	CreatedAt             string `json:"createdAt"`
	UpdatedAt             string `json:"updatedAt"`
}

type TransactionResponse struct {
	Transaction *Transaction `json:"transaction"`
}

type ListTransactionsResponse struct {
	Transactions []*Transaction `json:"transactions"`
}

type CheckoutSessionResponse struct {
	TransactionID uint64 `json:"transactionId"`
	SessionID     string `json:"sessionId"`
	RedirectURL   string `json:"redirectUrl"`
}

type PaymentIntentResponse struct {
	TransactionID uint64 `json:"transactionId"`
	ClientSecret  string `json:"clientSecret"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
}
