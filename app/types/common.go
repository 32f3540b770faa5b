package types

import (
	"errors"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type WebhookAckResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome,omitempty"`
}

// toMinorUnits converts a major-unit amount to minor units, rounding half away
// from zero.
func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func parsePaging(ctx echo.Context) (int32, int32, error) {
	var limit, offset int32
	if limitRaw := strings.TrimSpace(ctx.QueryParam("limit")); limitRaw != "" {
		parsed, err := strconv.ParseInt(limitRaw, 10, 32)
		if err != nil {
			return 0, 0, err
		}
		limit = int32(parsed)
	}
	if offsetRaw := strings.TrimSpace(ctx.QueryParam("offset")); offsetRaw != "" {
		parsed, err := strconv.ParseInt(offsetRaw, 10, 32)
		if err != nil {
			return 0, 0, err
		}
		offset = int32(parsed)
	}
	return limit, offset, nil
}

func validatePaging(limit *int32, offset int32) error {
	if *limit == 0 {
		*limit = defaultListLimit
	}
	if *limit < 0 || *limit > maxListLimit {
		return errors.New("limit must be between 1 and 500")
	}
	if offset < 0 {
		return errors.New("offset must be >= 0")
	}
	return nil
}

func parseUintParam(ctx echo.Context, name string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(ctx.Param(name)), 10, 64)
}
