package controller

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-wallets/app/factory"
	"github.com/vibast-solutions/ms-go-wallets/app/provider"
	"github.com/vibast-solutions/ms-go-wallets/app/service"
	"github.com/vibast-solutions/ms-go-wallets/app/types"
)

// WebhookController acknowledges gateway callbacks. Gateways redeliver on any
// non-2xx answer, so only authentication failures, a held event lock and
// apply errors are answered with one.
type WebhookController struct {
	webhookService *service.WebhookService
	logger         logrus.FieldLogger
}

func NewWebhookController(webhookService *service.WebhookService) *WebhookController {
	return &WebhookController{
		webhookService: webhookService,
		logger:         factory.NewModuleLogger("webhook-controller"),
	}
}

func (c *WebhookController) StripeWebhook(ctx echo.Context) error {
	return c.handle(ctx, provider.GatewayStripe)
}

// PhonePeCallback serves both the payment and the mandate callback routes;
// the decoded payload tells them apart.
func (c *WebhookController) PhonePeCallback(ctx echo.Context) error {
	return c.handle(ctx, provider.GatewayPhonePe)
}

func (c *WebhookController) GatewayWebhook(ctx echo.Context) error {
	return c.handle(ctx, ctx.Param("gateway"))
}

func (c *WebhookController) handle(ctx echo.Context, gateway string) error {
	req, err := types.NewWebhookRequestFromContext(ctx, gateway, c.webhookService.SignatureHeader(gateway))
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	result, err := c.webhookService.HandleCallback(ctx.Request().Context(), req.GetGateway(), req.GetPayload(), req.GetSignature())
	if err != nil {
		switch {
		case errors.Is(err, service.ErrCallbackRejected):
			return writeError(ctx, http.StatusBadRequest, "callback rejected")
		case errors.Is(err, service.ErrCallbackInProgress):
			return writeError(ctx, http.StatusConflict, err.Error())
		default:
			factory.LoggerWithContext(c.logger, ctx).WithError(err).WithField("gateway", req.GetGateway()).Error("Gateway callback failed")
			return writeError(ctx, http.StatusInternalServerError, "internal server error")
		}
	}

	return ctx.JSON(http.StatusOK, &types.WebhookAckResponse{Received: true, Outcome: string(result.Outcome)})
}
