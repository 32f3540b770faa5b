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

type SubscriptionController struct {
	subscriptionService *service.SubscriptionService
	logger              logrus.FieldLogger
}

func NewSubscriptionController(subscriptionService *service.SubscriptionService) *SubscriptionController {
	return &SubscriptionController{
		subscriptionService: subscriptionService,
		logger:              factory.NewModuleLogger("subscription-controller"),
	}
}

func (c *SubscriptionController) Create(ctx echo.Context) error {
	req, err := types.NewCreateSubscriptionRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	result, err := c.subscriptionService.Create(ctx.Request().Context(), req)
	if err != nil {
		return writeServiceError(ctx, c.logger, "Create subscription", err)
	}

	return ctx.JSON(http.StatusCreated, subscriptionResponse(result))
}

func (c *SubscriptionController) Upgrade(ctx echo.Context) error {
	req, err := types.NewChangeSubscriptionRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	result, err := c.subscriptionService.Upgrade(ctx.Request().Context(), req)
	if err != nil {
		return writeServiceError(ctx, c.logger, "Upgrade subscription", err)
	}

	return ctx.JSON(http.StatusOK, subscriptionResponse(result))
}

func (c *SubscriptionController) Downgrade(ctx echo.Context) error {
	req, err := types.NewChangeSubscriptionRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	result, err := c.subscriptionService.Downgrade(ctx.Request().Context(), req)
	if err != nil {
		return writeServiceError(ctx, c.logger, "Downgrade subscription", err)
	}

	return ctx.JSON(http.StatusOK, subscriptionResponse(result))
}

func (c *SubscriptionController) Get(ctx echo.Context) error {
	req, err := types.NewGetSubscriptionRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	sub, err := c.subscriptionService.Get(ctx.Request().Context(), req.GetUserID())
	if err != nil {
		return writeServiceError(ctx, c.logger, "Get subscription", err)
	}

	return ctx.JSON(http.StatusOK, &types.SubscriptionResponse{Subscription: mapper.SubscriptionToResponse(sub)})
}

func subscriptionResponse(result *service.SubscriptionResult) *types.SubscriptionResponse {
	return &types.SubscriptionResponse{
		Subscription:  mapper.SubscriptionToResponse(result.Subscription),
		TransactionID: result.TransactionID,
		InvoiceID:     result.InvoiceID,
		ClientSecret:  result.ClientSecret,
	}
}
