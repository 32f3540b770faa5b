package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App               AppConfig
	HTTP              ServerConfig
	MySQL             MySQLConfig
	Log               LogConfig
	InternalEndpoints InternalEndpointsConfig
	Redis             RedisConfig
	Stripe            StripeConfig
	PhonePe           PhonePeConfig
	Wallet            WalletConfig
	Subscriptions     SubscriptionsConfig
	Payouts           PayoutsConfig
	Payments          PaymentsConfig
	Notifications     NotificationsConfig
	Jobs              JobsConfig
	Telemetry         TelemetryConfig
}

type AppConfig struct {
	ServiceName string
	APIKey      string
}

type ServerConfig struct {
	Host string
	Port string
}

type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type InternalEndpointsConfig struct {
	AuthGRPCAddr      string
	ProfileServiceURL string
	ContestServiceURL string
}

type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	IdempotencyTTL time.Duration
	WebhookLockTTL time.Duration
}

type StripeConfig struct {
	SecretKey                 string
	WebhookSecret             string
	APIBaseURL                string
	SignatureToleranceSeconds int64
	HTTPTimeout               time.Duration
}

type PhonePeConfig struct {
	MerchantID         string
	SaltKey            string
	SaltIndex          string
	BaseURL            string
	PayoutBaseURL      string
	CallbackURL        string
	RedirectURL        string
	MandateCallbackURL string
	PayTimeout         time.Duration
	PayoutTimeout      time.Duration
	BankPayoutTimeout  time.Duration
	MandateTimeout     time.Duration
}

type WalletConfig struct {
	Currency         string
	TopUpProductName string
}

type SubscriptionsConfig struct {
	CancelAfterFailedInvoices int
	PastDueOnFailedInvoice    bool
}

type PayoutsConfig struct {
	BulkDelay    time.Duration
	BulkMaxItems int
}

type PaymentsConfig struct {
	PendingTimeout      time.Duration
	ReconcileStaleAfter time.Duration
	JobBatchSize        int32
}

type NotificationsConfig struct {
	URL           string
	MaxAttempts   int32
	RetryInterval time.Duration
	HTTPTimeout   time.Duration
}

type JobsConfig struct {
	ReconcileInterval             time.Duration
	ExpireStagingInterval         time.Duration
	NotificationsDispatchInterval time.Duration
}

type TelemetryConfig struct {
	OTLPEndpoint string
	ServiceName  string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		return nil, errors.New("MYSQL_DSN environment variable is required")
	}

	serviceName := getEnv("APP_SERVICE_NAME", "wallets-service")

	return &Config{
		App: AppConfig{
			ServiceName: serviceName,
			APIKey:      getEnv("APP_API_KEY", ""),
		},
		HTTP: ServerConfig{
			Host: getEnv("HTTP_HOST", "0.0.0.0"),
			Port: getEnv("HTTP_PORT", "8080"),
		},
		MySQL: MySQLConfig{
			DSN:             mysqlDSN,
			MaxOpenConns:    getIntEnv("MYSQL_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getIntEnv("MYSQL_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getMinutesEnv("MYSQL_CONN_MAX_LIFETIME_MINUTES", 30*time.Minute),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: strings.ToLower(getEnv("LOG_FORMAT", "text")),
		},
		InternalEndpoints: InternalEndpointsConfig{
			AuthGRPCAddr:      getEnv("AUTH_SERVICE_GRPC_ADDR", "localhost:9090"),
			ProfileServiceURL: getEnv("PROFILE_SERVICE_URL", ""),
			ContestServiceURL: getEnv("CONTEST_SERVICE_URL", ""),
		},
		Redis: RedisConfig{
			Addr:           getEnv("REDIS_ADDR", ""),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             getIntEnv("REDIS_DB", 0),
			IdempotencyTTL: getMinutesEnv("IDEMPOTENCY_TTL_MINUTES", 24*time.Hour),
			WebhookLockTTL: getSecondsEnv("WEBHOOK_LOCK_TTL_SECONDS", 30*time.Second),
		},
		Stripe: StripeConfig{
			SecretKey:                 getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret:             getEnv("STRIPE_WEBHOOK_SECRET", ""),
			APIBaseURL:                getEnv("STRIPE_API_BASE_URL", "https://api.stripe.com"),
			SignatureToleranceSeconds: int64(getIntEnv("STRIPE_SIGNATURE_TOLERANCE_SECONDS", 300)),
			HTTPTimeout:               getSecondsEnv("STRIPE_HTTP_TIMEOUT_SECONDS", 10*time.Second),
		},
		PhonePe: PhonePeConfig{
			MerchantID:         getEnv("PHONEPE_MERCHANT_ID", ""),
			SaltKey:            getEnv("PHONEPE_SALT_KEY", ""),
			SaltIndex:          getEnv("PHONEPE_SALT_INDEX", "1"),
			BaseURL:            getEnv("PHONEPE_BASE_URL", "https://api-preprod.phonepe.com/apis/pg-sandbox"),
			PayoutBaseURL:      getEnv("PHONEPE_PAYOUT_BASE_URL", "https://api-preprod.phonepe.com/apis/payouts"),
			CallbackURL:        getEnv("PHONEPE_CALLBACK_URL", ""),
			RedirectURL:        getEnv("PHONEPE_REDIRECT_URL", ""),
			MandateCallbackURL: getEnv("PHONEPE_MANDATE_CALLBACK_URL", ""),
			PayTimeout:         getSecondsEnv("PHONEPE_PAY_TIMEOUT_SECONDS", 10*time.Second),
			PayoutTimeout:      getSecondsEnv("PHONEPE_PAYOUT_TIMEOUT_SECONDS", 15*time.Second),
			BankPayoutTimeout:  getSecondsEnv("PHONEPE_BANK_PAYOUT_TIMEOUT_SECONDS", 30*time.Second),
			MandateTimeout:     getSecondsEnv("PHONEPE_MANDATE_TIMEOUT_SECONDS", 15*time.Second),
		},
		Wallet: WalletConfig{
			Currency:         strings.ToUpper(getEnv("WALLET_CURRENCY", "INR")),
			TopUpProductName: getEnv("WALLET_TOPUP_PRODUCT_NAME", "Wallet Top-up"),
		},
		Subscriptions: SubscriptionsConfig{
			CancelAfterFailedInvoices: getIntEnv("SUBSCRIPTIONS_CANCEL_AFTER_FAILED_INVOICES", 0),
			PastDueOnFailedInvoice:    getBoolEnv("SUBSCRIPTIONS_PAST_DUE_ON_FAILED_INVOICE", false),
		},
		Payouts: PayoutsConfig{
			BulkDelay:    getMillisEnv("PAYOUTS_BULK_DELAY_MILLISECONDS", 500*time.Millisecond),
			BulkMaxItems: getIntEnv("PAYOUTS_BULK_MAX_ITEMS", 100),
		},
		Payments: PaymentsConfig{
			PendingTimeout:      getMinutesEnv("PAYMENTS_PENDING_TIMEOUT_MINUTES", 60*time.Minute),
			ReconcileStaleAfter: getMinutesEnv("PAYMENTS_RECONCILE_STALE_AFTER_MINUTES", 15*time.Minute),
			JobBatchSize:        int32(getIntEnv("PAYMENTS_JOB_BATCH_SIZE", 100)),
		},
		Notifications: NotificationsConfig{
			URL:           getEnv("NOTIFICATIONS_URL", ""),
			MaxAttempts:   int32(getIntEnv("NOTIFICATIONS_MAX_ATTEMPTS", 10)),
			RetryInterval: getMinutesEnv("NOTIFICATIONS_RETRY_INTERVAL_MINUTES", 5*time.Minute),
			HTTPTimeout:   getSecondsEnv("NOTIFICATIONS_HTTP_TIMEOUT_SECONDS", 10*time.Second),
		},
		Jobs: JobsConfig{
			ReconcileInterval:             getMinutesEnv("JOBS_RECONCILE_INTERVAL_MINUTES", 2*time.Minute),
			ExpireStagingInterval:         getMinutesEnv("JOBS_EXPIRE_STAGING_INTERVAL_MINUTES", 5*time.Minute),
			NotificationsDispatchInterval: getMinutesEnv("JOBS_NOTIFICATIONS_DISPATCH_INTERVAL_MINUTES", time.Minute),
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", serviceName),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getMinutesEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getMillisEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if millis, err := strconv.Atoi(value); err == nil {
			return time.Duration(millis) * time.Millisecond
		}
	}
	return defaultValue
}
