package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/vibast-solutions/ms-go-wallets/app/entity"
	"github.com/vibast-solutions/ms-go-wallets/app/provider"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultListLimit = int32(100)
	defaultBatchSize = int32(100)
)

var tracer = otel.Tracer("github.com/vibast-solutions/ms-go-wallets/app/service")

type ledgerEventRepository interface {
	Create(ctx context.Context, event *entity.LedgerEvent) error
}

type notificationEnqueuer interface {
	Enqueue(ctx context.Context, userID, kind string, payload map[string]interface{})
}

// gatewayFailure tags a gateway result error so controllers can answer 502.
func gatewayFailure(err error) error {
	if gwErr, ok := provider.AsGatewayError(err); ok {
		return fmt.Errorf("%w: %s", ErrGatewayFailure, gwErr.Error())
	}
	return err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func majorUnits(amount int64) string {
	return decimal.New(amount, -2).StringFixed(2)
}

func stringPtr(v string) *string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func uint64Ptr(v uint64) *uint64 {
	return &v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}

func keepFirstErr(current error, candidate error) error {
	if current != nil {
		return current
	}
	return candidate
}
