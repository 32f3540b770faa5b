package types

import (
	"errors"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

type CreateSubscriptionRequest struct {
	PlanID uint64 `json:"-"`
	UserID string `json:"userId"`
}

func (r *CreateSubscriptionRequest) GetPlanID() uint64 { return r.PlanID }
func (r *CreateSubscriptionRequest) GetUserID() string { return r.UserID }

func NewCreateSubscriptionRequestFromContext(ctx echo.Context) (*CreateSubscriptionRequest, error) {
	planID, err := parseUintParam(ctx, "planId")
	if err != nil {
		return nil, err
	}

	var body CreateSubscriptionRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}
	body.PlanID = planID
	body.UserID = strings.TrimSpace(body.UserID)
	return &body, nil
}

func (r *CreateSubscriptionRequest) Validate() error {
	if r.GetPlanID() == 0 {
		return errors.New("invalid plan id")
	}
	if r.GetUserID() == "" {
		return errors.New("userId is required")
	}
	return nil
}

// ChangeSubscriptionRequest carries upgrade and downgrade targets from the
// query string.
type ChangeSubscriptionRequest struct {
	UserID    string
	NewPlanID uint64
}

func (r *ChangeSubscriptionRequest) GetUserID() string    { return r.UserID }
func (r *ChangeSubscriptionRequest) GetNewPlanID() uint64 { return r.NewPlanID }

func NewChangeSubscriptionRequestFromContext(ctx echo.Context) (*ChangeSubscriptionRequest, error) {
	req := &ChangeSubscriptionRequest{UserID: strings.TrimSpace(ctx.QueryParam("userId"))}
	if raw := strings.TrimSpace(ctx.QueryParam("newPlanId")); raw != "" {
		planID, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, err
		}
		req.NewPlanID = planID
	}
	return req, nil
}

func (r *ChangeSubscriptionRequest) Validate() error {
	if r.GetUserID() == "" {
		return errors.New("userId is required")
	}
	if r.GetNewPlanID() == 0 {
		return errors.New("newPlanId is required")
	}
	return nil
}

type GetSubscriptionRequest struct {
	UserID string
}

func (r *GetSubscriptionRequest) GetUserID() string { return r.UserID }

func NewGetSubscriptionRequestFromContext(ctx echo.Context) (*GetSubscriptionRequest, error) {
	return &GetSubscriptionRequest{UserID: strings.TrimSpace(ctx.Param("userId"))}, nil
}

func (r *GetSubscriptionRequest) Validate() error {
	if r.GetUserID() == "" {
		return errors.New("userId is required")
	}
	return nil
}

type Subscription struct {
	ID                     uint64 `json:"id"`
	UserID                 string `json:"userId"`
	PlanID                 uint64 `json:"planId"`
	ExternalSubscriptionID string `json:"externalSubscriptionId,omitempty"`
	Status                 string `json:"status"`
	FailedInvoiceCount     int32  `json:"failedInvoiceCount"`
	StartDate              string `json:"startDate,omitempty"`
	EndDate                string `json:"endDate,omitempty"`
	CurrentPeriodStart     string `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd       string `json:"currentPeriodEnd,omitempty"`
	CanceledAt             string `json:"canceledAt,omitempty"`
	CreatedAt              string `json:"createdAt"`
	UpdatedAt              string `json:"updatedAt"`
}

type SubscriptionResponse struct {
	Subscription  *Subscription `json:"subscription"`
	TransactionID uint64        `json:"transactionId,omitempty"`
	InvoiceID     string        `json:"invoiceId,omitempty"`
	ClientSecret  string        `json:"clientSecret,omitempty"`
}
