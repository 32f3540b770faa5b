package cmd

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-wallets/app/cache"
	"github.com/vibast-solutions/ms-go-wallets/app/metrics"
	"github.com/vibast-solutions/ms-go-wallets/app/provider"
	"github.com/vibast-solutions/ms-go-wallets/app/repository"
	"github.com/vibast-solutions/ms-go-wallets/app/service"
	"github.com/vibast-solutions/ms-go-wallets/app/telemetry"
	"github.com/vibast-solutions/ms-go-wallets/config"

	_ "github.com/go-sql-driver/mysql"
)

const redisKeyPrefix = "wallets:"

type application struct {
	cfg                 *config.Config
	walletService       *service.WalletService
	planService         *service.PlanService
	subscriptionService *service.SubscriptionService
	phonePeService      *service.PhonePeService
	webhookService      *service.WebhookService
	jobsService         *service.JobsService
	idempotency         cache.IdempotencyStore
}

func mustCreateApplication() (*application, func()) {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if err := configureLogging(cfg); err != nil {
		logrus.WithError(err).Fatal("Failed to configure logging")
	}

	metrics.MustRegister()

	shutdownTracing, err := telemetry.Init(context.Background(), cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize tracing")
	}

	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}

	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		logrus.WithError(err).Fatal("Failed to ping database")
	}

	redisClient, err := cache.NewRedisClient(context.Background(), cfg.Redis)
	if err != nil {
		logrus.WithError(err).Warn("Redis unavailable, webhook locks and idempotency replay are disabled")
	}

	var (
		locker      cache.Locker           = cache.NoopLocker{}
		idempotency cache.IdempotencyStore = cache.NoopIdempotencyStore{}
	)
	if redisClient != nil {
		locker = cache.NewRedisLocker(redisClient, redisKeyPrefix+"lock:")
		idempotency = cache.NewRedisIdempotencyStore(redisClient, redisKeyPrefix+"idempotency:", cfg.Redis.IdempotencyTTL)
	}

	walletRepo := repository.NewWalletRepository(db)
	transactionRepo := repository.NewTransactionRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	eventRepo := repository.NewLedgerEventRepository(db)
	planRepo := repository.NewPlanRepository(db)
	subscriptionRepo := repository.NewSubscriptionRepository(db)
	customerRepo := repository.NewCustomerRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	mandateRepo := repository.NewMandateRepository(db)
	callbackRepo := repository.NewGatewayCallbackRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	stripeGateway := provider.NewStripeGateway(provider.StripeConfig{
		SecretKey:                 cfg.Stripe.SecretKey,
		WebhookSecret:             cfg.Stripe.WebhookSecret,
		APIBaseURL:                cfg.Stripe.APIBaseURL,
		SignatureToleranceSeconds: cfg.Stripe.SignatureToleranceSeconds,
		HTTPTimeout:               cfg.Stripe.HTTPTimeout,
	})
	phonePeGateway := provider.NewPhonePeGateway(provider.PhonePeConfig{
		MerchantID:         cfg.PhonePe.MerchantID,
		SaltKey:            cfg.PhonePe.SaltKey,
		SaltIndex:          cfg.PhonePe.SaltIndex,
		BaseURL:            cfg.PhonePe.BaseURL,
		PayoutBaseURL:      cfg.PhonePe.PayoutBaseURL,
		CallbackURL:        cfg.PhonePe.CallbackURL,
		RedirectURL:        cfg.PhonePe.RedirectURL,
		MandateCallbackURL: cfg.PhonePe.MandateCallbackURL,
		PayTimeout:         cfg.PhonePe.PayTimeout,
		PayoutTimeout:      cfg.PhonePe.PayoutTimeout,
		BankPayoutTimeout:  cfg.PhonePe.BankPayoutTimeout,
		MandateTimeout:     cfg.PhonePe.MandateTimeout,
	})
	directoryTimeout := 5 * time.Second
	users := provider.NewUserDirectory(cfg.InternalEndpoints.ProfileServiceURL, cfg.App.APIKey, directoryTimeout)
	contests := provider.NewContestDirectory(cfg.InternalEndpoints.ContestServiceURL, cfg.App.APIKey, directoryTimeout)

	notificationService := service.NewNotificationService(notificationRepo, cfg.Notifications, cfg.App.APIKey, cfg.Payments.JobBatchSize)
	reconciler := service.NewReconciler(
		ledgerRepo,
		transactionRepo,
		subscriptionRepo,
		paymentRepo,
		mandateRepo,
		eventRepo,
		notificationService,
		stripeGateway,
		cfg.Subscriptions,
		cfg.Wallet.Currency,
	)
	phonePeService := service.NewPhonePeService(
		paymentRepo,
		mandateRepo,
		transactionRepo,
		walletRepo,
		ledgerRepo,
		phonePeGateway,
		reconciler,
		eventRepo,
		cfg.Payouts,
	)

	app := &application{
		cfg: cfg,
		walletService: service.NewWalletService(
			walletRepo,
			transactionRepo,
			ledgerRepo,
			stripeGateway,
			contests,
			eventRepo,
			notificationService,
			cfg.Wallet,
		),
		planService: service.NewPlanService(planRepo, stripeGateway),
		subscriptionService: service.NewSubscriptionService(
			subscriptionRepo,
			planRepo,
			customerRepo,
			transactionRepo,
			ledgerRepo,
			stripeGateway,
			users,
			eventRepo,
		),
		phonePeService: phonePeService,
		webhookService: service.NewWebhookService(
			provider.NewRegistry(stripeGateway, phonePeGateway),
			callbackRepo,
			reconciler,
			locker,
			cfg.Redis.WebhookLockTTL,
		),
		jobsService: service.NewJobsService(
			transactionRepo,
			subscriptionRepo,
			paymentRepo,
			stripeGateway,
			reconciler,
			phonePeService,
			notificationService,
			eventRepo,
			cfg.Payments,
		),
		idempotency: idempotency,
	}

	cleanup := func() {
		if redisClient != nil {
			closeRedis(redisClient)
		}
		if err := db.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close database")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logrus.WithError(err).Warn("Failed to flush traces")
		}
	}

	return app, cleanup
}

func closeRedis(client *redis.Client) {
	if err := client.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close redis client")
	}
}
