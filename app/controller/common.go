package controller

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-wallets/app/factory"
	"github.com/vibast-solutions/ms-go-wallets/app/service"
	"github.com/vibast-solutions/ms-go-wallets/app/types"
)

func writeError(ctx echo.Context, statusCode int, message string) error {
	return ctx.JSON(statusCode, &types.ErrorResponse{Error: message})
}

// writeServiceError maps service sentinels to HTTP statuses. Anything it does
// not recognise is logged and answered with a generic 500.
func writeServiceError(ctx echo.Context, logger logrus.FieldLogger, op string, err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return writeError(ctx, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrWalletNotFound),
		errors.Is(err, service.ErrTransactionNotFound),
		errors.Is(err, service.ErrPlanNotFound),
		errors.Is(err, service.ErrSubscriptionNotFound),
		errors.Is(err, service.ErrPaymentNotFound),
		errors.Is(err, service.ErrMandateNotFound),
		errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrContestNotFound):
		return writeError(ctx, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidState), errors.Is(err, service.ErrSubscriptionExists):
		return writeError(ctx, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrInsufficientFunds):
		return writeError(ctx, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, service.ErrForbidden):
		return writeError(ctx, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrGatewayFailure):
		factory.LoggerWithContext(logger, ctx).WithError(err).Warn(op + " failed at the gateway")
		return writeError(ctx, http.StatusBadGateway, err.Error())
	default:
		factory.LoggerWithContext(logger, ctx).WithError(err).Error(op + " failed")
		return writeError(ctx, http.StatusInternalServerError, "internal server error")
	}
}
