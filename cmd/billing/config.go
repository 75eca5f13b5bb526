package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/sitekit/internal/billing/document"
	"github.com/dukerupert/sitekit/internal/billing/middleware"
	billingstripe "github.com/dukerupert/sitekit/internal/billing/stripe"
)

type config struct {
	Port            string
	DBPath          string
	LogLevel        string
	LogFormat       string
	Location        *time.Location
	CronToken       middleware.Token
	AdminToken      middleware.Token
	Schedule        string
	HolidaysFile    string
	TaxRatePercent  int64
	ContractTimeout time.Duration
	FeedOrigins     []string

	Stripe billingstripe.Config

	PostmarkToken string
	FromEmail     string
	BaseURL       string

	S3 document.S3Config
}

func loadConfig() (config, error) {
	cfg := config{
		Port:         envOr("BILLING_PORT", "8090"),
		DBPath:       envOr("BILLING_DB_PATH", "billing.db"),
		LogLevel:     os.Getenv("BILLING_LOG_LEVEL"),
		LogFormat:    os.Getenv("BILLING_LOG_FORMAT"),
		CronToken:    middleware.Token{Plain: os.Getenv("BILLING_CRON_SECRET"), Hash: os.Getenv("BILLING_CRON_SECRET_HASH")},
		AdminToken:   middleware.Token{Plain: os.Getenv("BILLING_ADMIN_TOKEN")},
		Schedule:     os.Getenv("BILLING_SCHEDULE"),
		HolidaysFile: os.Getenv("BILLING_HOLIDAYS_FILE"),
		Stripe: billingstripe.Config{
			SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
			Currency:      envOr("BILLING_CURRENCY", "jpy"),
		},
		PostmarkToken: os.Getenv("BILLING_POSTMARK_TOKEN"),
		FromEmail:     os.Getenv("BILLING_FROM_EMAIL"),
		S3: document.S3Config{
			Endpoint:  os.Getenv("BILLING_S3_ENDPOINT"),
			Bucket:    os.Getenv("BILLING_S3_BUCKET"),
			Region:    envOr("BILLING_S3_REGION", "auto"),
			AccessKey: os.Getenv("BILLING_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("BILLING_S3_SECRET_KEY"),
		},
	}
	cfg.BaseURL = envOr("BILLING_BASE_URL", "http://localhost:"+cfg.Port)
	if origins := os.Getenv("BILLING_FEED_ORIGINS"); origins != "" {
		cfg.FeedOrigins = strings.Split(origins, ",")
	}

	var err error
	cfg.Location, err = time.LoadLocation(envOr("BILLING_TIMEZONE", "Asia/Tokyo"))
	if err != nil {
		return cfg, fmt.Errorf("BILLING_TIMEZONE: %w", err)
	}
	if cfg.TaxRatePercent, err = envInt("BILLING_TAX_RATE_PERCENT", 10); err != nil {
		return cfg, err
	}
	if cfg.Stripe.DaysUntilDue, err = envInt("BILLING_DAYS_UNTIL_DUE", 30); err != nil {
		return cfg, err
	}
	if cfg.ContractTimeout, err = envDuration("BILLING_CONTRACT_TIMEOUT", 60*time.Second); err != nil {
		return cfg, err
	}

	if !cfg.CronToken.Configured() {
		return cfg, fmt.Errorf("BILLING_CRON_SECRET or BILLING_CRON_SECRET_HASH is required")
	}
	if cfg.Stripe.SecretKey == "" {
		return cfg, fmt.Errorf("STRIPE_SECRET_KEY is required")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: invalid value %q", key, v)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}
