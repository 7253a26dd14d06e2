// Package config defines the global configuration structure for the megaphone
// delivery platform. Configuration is loaded once at process initialization
// and is immutable thereafter, following 12-Factor principles: values come
// from the OS environment, optionally seeded by a dotenv file.
//
// Any missing required value or invalid format fails startup immediately.
package config

import (
	"time"
)

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// specific config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"megaphone"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Database DatabaseConfig
	AWS      AWSConfig
	Email    EmailConfig
	Engine   EngineConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL string `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// CampaignQueue is the SQS queue that carries CampaignMessage steps.
	CampaignQueue string `envconfig:"SQS_CAMPAIGN_QUEUE" validate:"required,url"`

	// MetricNamespace for CloudWatch delivery metrics.
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Megaphone"`

	// EndpointURL overrides the AWS endpoint for LocalStack. Empty in prod.
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// EmailConfig holds mail transport credentials and sender identity.
type EmailConfig struct {
	SendGridAPIKey string        `envconfig:"SENDGRID_API_KEY" validate:"required"`
	FromAddress    string        `envconfig:"EMAIL_FROM_ADDRESS" default:"hello@megaphone.app"`
	FromName       string        `envconfig:"EMAIL_FROM_NAME" default:"Megaphone"`
	SendTimeout    time.Duration `envconfig:"EMAIL_SEND_TIMEOUT" default:"10s"`
}

// EngineConfig holds delivery engine tunables.
type EngineConfig struct {
	// DeliveryTimeout bounds each individual adapter call. A hung call is
	// converted to a failed recipient outcome instead of stalling the batch.
	DeliveryTimeout time.Duration `envconfig:"DELIVERY_TIMEOUT" default:"15s"`

	// BatchConcurrency is the number of parallel delivery attempts within a
	// batch. 1 means strictly sequential processing.
	BatchConcurrency int `envconfig:"BATCH_CONCURRENCY" default:"4"`

	// StuckJobHorizon is how long a job may sit in processing without
	// progress before the watchdog re-triggers it.
	StuckJobHorizon time.Duration `envconfig:"STUCK_JOB_HORIZON" default:"10m"`

	// TerminalRetention is how long completed/failed jobs are kept for
	// reporting before cleanup removes them.
	TerminalRetention time.Duration `envconfig:"TERMINAL_RETENTION" default:"2160h"` // 90 days
}
