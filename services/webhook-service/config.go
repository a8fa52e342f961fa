package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	aws_pkg "github.com/yashrajoria/commerce-webhooks/pkg/aws"
	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/repository"
)

// Config holds all configuration for the webhook service.
type Config struct {
	Port       string
	AppEnv     string
	SkipVerify bool

	StripeWebhookSecrets  []string
	ShippingWebhookSecret string
	AdminJWTSecret        string
	AllowedOrigins        []string

	StoreDriver     string
	DDBTable        string
	MongoURL        string
	MongoDB         string
	MongoCollection string

	DedupDriver string
	RedisURL    string
	DedupTTL    time.Duration
	Postgres    repository.PostgresConfig

	AutomationTransport string
	SNSTopicARN         string
	QueueURL            string
	ArchiveBucket       string

	StoreOpTimeout time.Duration
	NotifyTimeout  time.Duration
	DeferWindow    time.Duration

	CloudWatchEnabled  bool
	CloudWatchLogGroup string
	MetricsEnabled     bool
}

// LoadConfig reads configuration from environment variables with optional
// Secrets Manager override.
func LoadConfig(ctx context.Context) (*Config, error) {
	var secrets aws_pkg.SecretGetter
	if os.Getenv("AWS_USE_SECRETS") == "true" {
		awsCfg, err := aws_pkg.LoadAWSConfig(ctx)
		if err != nil {
			return nil, err
		}
		secrets = aws_pkg.NewSecretsClient(awsCfg)
	}
	return loadConfig(ctx, secrets)
}

func loadConfig(ctx context.Context, secrets aws_pkg.SecretGetter) (*Config, error) {
	cfg := &Config{
		Port:                  getEnv("PORT", "8093"),
		AppEnv:                getEnv("APP_ENV", "development"),
		SkipVerify:            os.Getenv("WEBHOOK_SKIP_VERIFY") == "true",
		StripeWebhookSecrets:  splitList(os.Getenv("STRIPE_WEBHOOK_SECRETS")),
		ShippingWebhookSecret: os.Getenv("SHIPPING_WEBHOOK_SECRET"),
		AdminJWTSecret:        os.Getenv("ADMIN_JWT_SECRET"),
		AllowedOrigins:        splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
		StoreDriver:           getEnv("STORE_DRIVER", "dynamodb"),
		DDBTable:              getEnv("DDB_TABLE_DOCUMENTS", "WebhookDocuments"),
		MongoURL:              os.Getenv("MONGO_DB_URL"),
		MongoDB:               getEnv("MONGO_DB_NAME", "commerce"),
		MongoCollection:       getEnv("MONGO_COLLECTION", "documents"),
		DedupDriver:           getEnv("DEDUP_DRIVER", "store"),
		RedisURL:              getEnv("REDIS_URL", "redis://redis:6379"),
		Postgres: repository.PostgresConfig{
			Host:     os.Getenv("POSTGRES_HOST"),
			Port:     getEnv("POSTGRES_PORT", "5432"),
			User:     os.Getenv("POSTGRES_USER"),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			DBName:   os.Getenv("POSTGRES_DB"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
			TimeZone: getEnv("POSTGRES_TIMEZONE", "UTC"),
		},
		AutomationTransport: getEnv("AUTOMATION_TRANSPORT", "log"),
		SNSTopicARN:         os.Getenv("AUTOMATION_SNS_TOPIC_ARN"),
		QueueURL:            os.Getenv("AUTOMATION_QUEUE_URL"),
		ArchiveBucket:       os.Getenv("PAYLOAD_ARCHIVE_BUCKET"),
		CloudWatchEnabled:   os.Getenv("CLOUDWATCH_ENABLED") == "true",
		CloudWatchLogGroup:  getEnv("CLOUDWATCH_LOG_GROUP", "/commerce/webhook-service"),
		MetricsEnabled:      os.Getenv("METRICS_ENABLED") == "true",
	}

	var err error
	if cfg.DedupTTL, err = getDuration("DEDUP_TTL", 96*time.Hour); err != nil {
		return nil, err
	}
	if cfg.StoreOpTimeout, err = getDuration("STORE_OP_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.NotifyTimeout, err = getDuration("NOTIFY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.DeferWindow, err = getDuration("DEFER_UNMATCHED_WINDOW", 24*time.Hour); err != nil {
		return nil, err
	}

	if secrets != nil {
		if v, err := secrets.GetSecret(ctx, "webhooks/STRIPE_WEBHOOK_SECRETS"); err == nil && v != "" {
			cfg.StripeWebhookSecrets = splitList(v)
		}
		if v, err := secrets.GetSecret(ctx, "webhooks/SHIPPING_WEBHOOK_SECRET"); err == nil && v != "" {
			cfg.ShippingWebhookSecret = v
		}
		if v, err := secrets.GetSecret(ctx, "webhooks/ADMIN_JWT_SECRET"); err == nil && v != "" {
			cfg.AdminJWTSecret = v
		}
		if m, err := aws_pkg.GetSecretMap(ctx, secrets, "webhooks/DB_CREDENTIALS"); err == nil {
			if v := m["POSTGRES_USER"]; v != "" {
				cfg.Postgres.User = v
			}
			if v := m["POSTGRES_PASSWORD"]; v != "" {
				cfg.Postgres.Password = v
			}
			if v := m["POSTGRES_HOST"]; v != "" {
				cfg.Postgres.Host = v
			}
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.SkipVerify && c.AppEnv == "production" {
		return fmt.Errorf("WEBHOOK_SKIP_VERIFY is not allowed in production")
	}
	if !c.SkipVerify {
		if len(c.StripeWebhookSecrets) == 0 {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRETS is required")
		}
		if c.ShippingWebhookSecret == "" {
			return fmt.Errorf("SHIPPING_WEBHOOK_SECRET is required")
		}
	}
	if c.AdminJWTSecret == "" {
		return fmt.Errorf("ADMIN_JWT_SECRET is required")
	}

	switch c.StoreDriver {
	case "dynamodb", "memory":
	case "mongo":
		if c.MongoURL == "" {
			return fmt.Errorf("MONGO_DB_URL is required for the mongo store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.DedupDriver {
	case "store", "redis":
	case "postgres":
		if c.Postgres.User == "" || c.Postgres.Password == "" || c.Postgres.DBName == "" || c.Postgres.Host == "" {
			return fmt.Errorf("database config incomplete")
		}
	default:
		return fmt.Errorf("unknown DEDUP_DRIVER %q", c.DedupDriver)
	}

	switch c.AutomationTransport {
	case "log":
	case "sns":
		if c.SNSTopicARN == "" {
			return fmt.Errorf("AUTOMATION_SNS_TOPIC_ARN is required for the sns transport")
		}
	case "sqs":
		if c.QueueURL == "" {
			return fmt.Errorf("AUTOMATION_QUEUE_URL is required for the sqs transport")
		}
	default:
		return fmt.Errorf("unknown AUTOMATION_TRANSPORT %q", c.AutomationTransport)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d, nil
	}
	// bare numbers are seconds
	secs, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", key, val)
	}
	return time.Duration(secs) * time.Second, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
