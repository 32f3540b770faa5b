package cmd

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	authclient "github.com/vibast-solutions/lib-go-auth/client"
	authmiddleware "github.com/vibast-solutions/lib-go-auth/middleware"
	authlibservice "github.com/vibast-solutions/lib-go-auth/service"
	"github.com/vibast-solutions/ms-go-wallets/app/cache"
	"github.com/vibast-solutions/ms-go-wallets/app/controller"
	"github.com/vibast-solutions/ms-go-wallets/app/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long:  "Start the HTTP (Echo) server for the wallets service, including gateway webhooks.",
	Run:   runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

type controllers struct {
	wallet       *controller.WalletController
	phonePe      *controller.PhonePeController
	subscription *controller.SubscriptionController
	plan         *controller.PlanController
	webhook      *controller.WebhookController
}

func runServe(_ *cobra.Command, _ []string) {
	app, cleanup := mustCreateApplication()
	defer cleanup()
	cfg := app.cfg

	handlers := &controllers{
		wallet:       controller.NewWalletController(app.walletService),
		phonePe:      controller.NewPhonePeController(app.phonePeService),
		subscription: controller.NewSubscriptionController(app.subscriptionService),
		plan:         controller.NewPlanController(app.planService),
		webhook:      controller.NewWebhookController(app.webhookService),
	}

	authGRPCClient, err := authclient.NewGRPCClientFromAddr(context.Background(), cfg.InternalEndpoints.AuthGRPCAddr)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize auth gRPC client")
	}
	defer authGRPCClient.Close()

	internalAuthService := authlibservice.NewInternalAuthService(authGRPCClient)
	echoInternalAuthMiddleware := authmiddleware.NewEchoInternalAuthMiddleware(internalAuthService)

	e := setupHTTPServer(handlers, echoInternalAuthMiddleware, app.idempotency, cfg.App.ServiceName)

	go func() {
		httpAddr := net.JoinHostPort(cfg.HTTP.Host, cfg.HTTP.Port)
		logrus.WithField("addr", httpAddr).Info("Starting HTTP server")
		if err := e.Start(httpAddr); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP shutdown error")
	}

	logrus.Info("Server stopped")
}

func setupHTTPServer(
	handlers *controllers,
	internalAuthMiddleware *authmiddleware.EchoInternalAuthMiddleware,
	idempotency cache.IdempotencyStore,
	appServiceName string,
) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogRemoteIP:  true,
		LogLatency:   true,
		LogUserAgent: true,
		LogError:     true,
		HandleError:  true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v echomiddleware.RequestLoggerValues) error {
			fields := logrus.Fields{
				"remote_ip":  v.RemoteIP,
				"host":       v.Host,
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency":    v.Latency.String(),
				"latency_ns": v.Latency.Nanoseconds(),
				"user_agent": v.UserAgent,
			}
			if v.RequestID != "" {
				fields["request_id"] = v.RequestID
			}
			entry := logrus.WithFields(fields)
			if v.Error != nil {
				entry = entry.WithError(v.Error)
			}
			entry.Info("http_request")
			return nil
		},
	}))
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())

	e.GET("/health", controller.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Gateways authenticate with their own signatures, so the webhook routes
	// carry neither internal auth nor the request id requirement.
	e.POST("/payment/webhook", handlers.webhook.StripeWebhook)
	e.POST("/payment/callback", handlers.webhook.PhonePeCallback)
	e.POST("/payment/mandate-callback", handlers.webhook.PhonePeCallback)
	e.POST("/webhooks/:gateway", handlers.webhook.GatewayWebhook)

	client := []echo.MiddlewareFunc{
		middleware.RequireRequestID(),
		internalAuthMiddleware.RequireInternalAccess(appServiceName),
		middleware.Idempotency(idempotency),
	}

	payment := e.Group("/payment")
	payment.POST("/checkout_session", handlers.wallet.CreateCheckoutSession, client...)
	payment.POST("/checkout_payment_intent", handlers.wallet.CreatePaymentIntent, client...)
	payment.POST("/initiate", handlers.phonePe.InitiatePayment, client...)
	payment.GET("/status/:transactionId", handlers.phonePe.PaymentStatus, client...)
	payment.POST("/payout/driver/upi", handlers.phonePe.PayoutUPI, client...)
	payment.POST("/payout/driver/bank", handlers.phonePe.PayoutBank, client...)
	payment.POST("/payout/driver/bulk", handlers.phonePe.BulkPayout, client...)
	payment.GET("/payout/status/:transactionId", handlers.phonePe.PayoutStatus, client...)
	payment.POST("/create-mandate", handlers.phonePe.CreateMandate, client...)
	payment.GET("/mandate/status/:transactionId", handlers.phonePe.MandateStatus, client...)
	payment.POST("/mandate/revoke", handlers.phonePe.RevokeMandate, client...)

	subscription := e.Group("/subscription")
	subscription.POST("/:planId/create", handlers.subscription.Create, client...)
	subscription.PATCH("/upgrade_subscription", handlers.subscription.Upgrade, client...)
	subscription.PATCH("/downgrade_subscription", handlers.subscription.Downgrade, client...)
	subscription.GET("/:userId", handlers.subscription.Get, client...)

	plans := e.Group("/plans")
	plans.POST("", handlers.plan.Create, client...)
	plans.PATCH("/:planId", handlers.plan.Update, client...)
	plans.GET("", handlers.plan.List, client...)

	wallets := e.Group("/wallets")
	wallets.POST("", handlers.wallet.CreateWallet, client...)
	wallets.POST("/contest-entry", handlers.wallet.JoinContest, client...)
	wallets.GET("/:userId", handlers.wallet.GetWallet, client...)
	wallets.GET("/:userId/transactions", handlers.wallet.ListTransactions, client...)

	e.POST("/transactions/:id/refund", handlers.wallet.RefundTransaction, client...)

	return e
}
