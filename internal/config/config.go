// Package config defines the configuration structure for the resolver ledger
// service. Configuration is loaded once at process initialization and is
// immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> Secret Files (Lowest)
//
// Any missing required value or invalid format causes startup to fail.
package config

import (
	"time"

	"resolver/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the ledger service.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	// Domain Configurations
	Server        ServerConfig
	Database      DatabaseConfig
	Bot           BotConfig
	API           APIConfig
	Billing       BillingConfig
	AWS           AWSConfig
	Observability ObservabilityConfig
	Feature       FeatureConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10" validate:"gte=1"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2" validate:"gte=0,ltefield=MaxConns"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"` // Fail fast when pool exhausted

	// MigrateOnStart applies the embedded migrations before serving.
	MigrateOnStart bool `envconfig:"MIGRATE_ON_START" default:"false"`
}

// BotConfig holds the chat platform Bot API credentials.
type BotConfig struct {
	Token SecretString `envconfig:"BOT_TOKEN" validate:"required"`
	// APIURL is overridden in tests and when running against a local Bot API server.
	APIURL string `envconfig:"BOT_API_URL" default:"https://api.telegram.org" validate:"url"`
	// WebhookSecret is compared against X-Telegram-Bot-Api-Secret-Token on
	// every payment update.
	WebhookSecret SecretString `envconfig:"WEBHOOK_SECRET_TOKEN" validate:"required,min=16"`
}

// APIConfig holds credentials for the /v1 ledger API.
type APIConfig struct {
	LedgerAPIKey SecretString `envconfig:"LEDGER_API_KEY" validate:"required,min=16"`
}

// BillingConfig holds invoice issuance and payment window settings.
type BillingConfig struct {
	InvoiceCurrency       string        `envconfig:"INVOICE_CURRENCY" default:"XTR" validate:"len=3"`
	InvoiceTTL            time.Duration `envconfig:"INVOICE_TTL" default:"24h" validate:"gt=0"`
	CallbackTimeout       time.Duration `envconfig:"CALLBACK_TIMEOUT" default:"8s" validate:"gt=0"`
	MinPersonalPriceUnits int64         `envconfig:"MIN_PERSONAL_PRICE_UNITS" default:"50" validate:"gte=1"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// EntitlementQueueURL receives entitlement.granted events. Empty disables
	// publishing.
	EntitlementQueueURL string `envconfig:"ENTITLEMENT_QUEUE_URL" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ObservabilityConfig holds telemetry and monitoring settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Resolver"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"false"`
}

// FeatureConfig holds kill switches for the purchasable plan categories.
type FeatureConfig struct {
	V2Personal bool `envconfig:"FEATURE_V2_PERSONAL" default:"true"`
	V2Groups   bool `envconfig:"FEATURE_V2_GROUPS" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSecretResolution indicates a failure when reading a secret file.
	ErrSecretResolution ConfigErrorType = "SECRET_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
