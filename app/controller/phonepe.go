package controller

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-wallets/app/factory"
	"github.com/vibast-solutions/ms-go-wallets/app/mapper"
	"github.com/vibast-solutions/ms-go-wallets/app/service"
	"github.com/vibast-solutions/ms-go-wallets/app/types"
)

type PhonePeController struct {
	phonePeService *service.PhonePeService
	logger         logrus.FieldLogger
}

func NewPhonePeController(phonePeService *service.PhonePeService) *PhonePeController {
	return &PhonePeController{
		phonePeService: phonePeService,
		logger:         factory.NewModuleLogger("phonepe-controller"),
	}
}

func (c *PhonePeController) InitiatePayment(ctx echo.Context) error {
	req, err := types.NewInitiatePaymentRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	payment, err := c.phonePeService.InitiatePayment(ctx.Request().Context(), req)
	if err != nil {
		return writeServiceError(ctx, c.logger, "Initiate payment", err)
	}

	return ctx.JSON(http.StatusCreated, &types.PaymentResponse{Payment: mapper.PaymentToResponse(payment)})
}

func (c *PhonePeController) PaymentStatus(ctx echo.Context) error {
	req, err := types.NewMerchantTransactionRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	payment, err := c.phonePeService.PaymentStatus(ctx.Request().Context(), req.GetTransactionID())
	if err != nil {
		return writeServiceError(ctx, c.logger, "Payment status", err)
	}

	return ctx.JSON(http.StatusOK, &types.PaymentResponse{Payment: mapper.PaymentToResponse(payment)})
}

func (c *PhonePeController) PayoutUPI(ctx echo.Context) error {
	req, err := types.NewUPIPayoutRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	return c.payout(ctx, req)
}

func (c *PhonePeController) PayoutBank(ctx echo.Context) error {
	req, err := types.NewBankPayoutRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	return c.payout(ctx, req)
}

func (c *PhonePeController) payout(ctx echo.Context, req *types.PayoutRequest) error {
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	payment, err := c.phonePeService.Payout(ctx.Request().Context(), payoutItem(req))
	if err != nil {
		return writeServiceError(ctx, c.logger, "Payout", err)
	}

	return ctx.JSON(http.StatusCreated, &types.PaymentResponse{Payment: mapper.PaymentToResponse(payment)})
}

func (c *PhonePeController) BulkPayout(ctx echo.Context) error {
	req, err := types.NewBulkPayoutRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	items := make([]service.PayoutItem, 0, len(req.Payouts))
	for _, item := range req.Payouts {
		items = append(items, payoutItem(item))
	}

	result, err := c.phonePeService.BulkPayout(ctx.Request().Context(), items)
	if err != nil {
		return writeServiceError(ctx, c.logger, "Bulk payout", err)
	}

	return ctx.JSON(http.StatusOK, mapper.BulkPayoutToResponse(result))
}

func (c *PhonePeController) PayoutStatus(ctx echo.Context) error {
	req, err := types.NewMerchantTransactionRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	payment, err := c.phonePeService.PayoutStatus(ctx.Request().Context(), req.GetTransactionID())
	if err != nil {
		return writeServiceError(ctx, c.logger, "Payout status", err)
	}

	return ctx.JSON(http.StatusOK, &types.PaymentResponse{Payment: mapper.PaymentToResponse(payment)})
}

func (c *PhonePeController) CreateMandate(ctx echo.Context) error {
	req, err := types.NewCreateMandateRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	mandate, err := c.phonePeService.CreateMandate(ctx.Request().Context(), req)
	if err != nil {
		return writeServiceError(ctx, c.logger, "Create mandate", err)
	}

	return ctx.JSON(http.StatusCreated, &types.MandateResponse{Mandate: mapper.MandateToResponse(mandate)})
}

func (c *PhonePeController) MandateStatus(ctx echo.Context) error {
	req, err := types.NewMerchantTransactionRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	mandate, err := c.phonePeService.MandateStatus(ctx.Request().Context(), req.GetTransactionID())
	if err != nil {
		return writeServiceError(ctx, c.logger, "Mandate status", err)
	}

	return ctx.JSON(http.StatusOK, &types.MandateResponse{Mandate: mapper.MandateToResponse(mandate)})
}

func (c *PhonePeController) RevokeMandate(ctx echo.Context) error {
	req, err := types.NewRevokeMandateRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	mandate, err := c.phonePeService.RevokeMandate(ctx.Request().Context(), req.GetMandateID())
	if err != nil {
		return writeServiceError(ctx, c.logger, "Revoke mandate", err)
	}

	return ctx.JSON(http.StatusOK, &types.MandateResponse{Mandate: mapper.MandateToResponse(mandate)})
}

func payoutItem(req *types.PayoutRequest) service.PayoutItem {
	return service.PayoutItem{
		UserID:        req.GetUserID(),
		Amount:        req.GetAmount(),
		PayeeType:     req.GetPayeeType(),
		VPA:           req.GetVPA(),
		AccountNumber: req.GetAccountNumber(),
		IFSC:          req.GetIFSC(),
		Name:          req.GetName(),
		Purpose:       req.GetPurpose(),
		Notes:         req.GetNotes(),
	}
}
