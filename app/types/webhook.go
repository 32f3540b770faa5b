package types

import (
	"errors"
	"io"
	"strings"

	"github.com/labstack/echo/v4"
)

const maxWebhookBodyBytes = 1 << 20

// WebhookRequest keeps the body byte-exact; signatures are computed over it.
// A missing signature is left to the verifier so the attempt is audited.
type WebhookRequest struct {
	Gateway   string
	Signature string
	Payload   []byte
}

func (r *WebhookRequest) GetGateway() string   { return r.Gateway }
func (r *WebhookRequest) GetSignature() string { return r.Signature }
func (r *WebhookRequest) GetPayload() []byte   { return r.Payload }

func NewWebhookRequestFromContext(ctx echo.Context, gateway, signatureHeader string) (*WebhookRequest, error) {
	rawBody, err := io.ReadAll(io.LimitReader(ctx.Request().Body, maxWebhookBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(rawBody) > maxWebhookBodyBytes {
		return nil, errors.New("payload too large")
	}

	req := &WebhookRequest{
		Gateway: strings.ToLower(strings.TrimSpace(gateway)),
		Payload: rawBody,
	}
	if signatureHeader != "" {
		req.Signature = strings.TrimSpace(ctx.Request().Header.Get(signatureHeader))
	}
	return req, nil
}

func (r *WebhookRequest) Validate() error {
	if r.GetGateway() == "" {
		return errors.New("gateway is required")
	}
	if len(r.GetPayload()) == 0 {
		return errors.New("payload is required")
	}
	return nil
}
