package middleware

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/vibast-solutions/ms-go-wallets/app/cache"
	"github.com/vibast-solutions/ms-go-wallets/app/factory"
)

const (
	IdempotencyKeyHeader     = "Idempotency-Key"
	IdempotentReplayedHeader = "X-Idempotent-Replayed"
)

type responseCapture struct {
	http.ResponseWriter
	body bytes.Buffer
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// Idempotency replays the stored response of a POST already answered with 2xx
// for the same Idempotency-Key and path. Requests without the header pass through.
func Idempotency(store cache.IdempotencyStore) echo.MiddlewareFunc {
	logger := factory.NewModuleLogger("idempotency-middleware")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			req := ctx.Request()
			if req.Method != http.MethodPost {
				return next(ctx)
			}
			key := strings.TrimSpace(req.Header.Get(IdempotencyKeyHeader))
			if key == "" {
				return next(ctx)
			}

			requestPath := strings.TrimSuffix(req.URL.Path, "/")
			l := factory.LoggerWithContext(logger, ctx).WithField("idempotency_key", key)

			cached, err := store.Get(req.Context(), key, requestPath)
			if err != nil {
				l.WithError(err).Error("Idempotency lookup failed")
				return next(ctx)
			}
			if cached != nil {
				contentType := cached.ContentType
				if contentType == "" {
					contentType = echo.MIMEApplicationJSON
				}
				ctx.Response().Header().Set(IdempotentReplayedHeader, "true")
				return ctx.Blob(cached.Status, contentType, []byte(cached.Body))
			}

			capture := &responseCapture{ResponseWriter: ctx.Response().Writer}
			ctx.Response().Writer = capture
			if err := next(ctx); err != nil {
				return err
			}

			status := ctx.Response().Status
			if status >= 200 && status < 300 {
				stored := &cache.StoredResponse{
					Status:      status,
					ContentType: ctx.Response().Header().Get(echo.HeaderContentType),
					Body:        capture.body.String(),
				}
				if err := store.Store(req.Context(), key, requestPath, stored); err != nil {
					l.WithError(err).Error("Idempotency store failed")
				}
			}
			return nil
		}
	}
}
