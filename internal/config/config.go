package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/punchamoorthee/payoutops/internal/provider"
)

type Config struct {
	DBSource         string
	Port             string
	Env              string
	PolicyFile       string
	RecoveryInterval time.Duration
	// APIRateLimit caps inbound requests per second; zero disables it.
	APIRateLimit float64
	APIBurst     int
	Logging      LoggingConfig

	CinetPay    provider.CinetPayConfig
	FeexPay     provider.FeexPayConfig
	NOWPayments provider.NOWPaymentsConfig
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level         string
	Format        string // text|json
	IncludeCaller bool
	Env           string
}

// Load reads the environment. A .env file in the working directory is
// applied first when present; variables already set win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	interval, err := durationEnv("RECOVERY_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}
	rps, err := floatEnv("API_RATE_LIMIT", 0)
	if err != nil {
		return nil, err
	}
	burst, err := intEnv("API_RATE_BURST", 20)
	if err != nil {
		return nil, err
	}

	env := valueOrDefault("ENVIRONMENT", "development")
	return &Config{
		DBSource:         dbSource,
		Port:             valueOrDefault("SERVER_PORT", "8080"),
		Env:              env,
		PolicyFile:       valueOrDefault("POLICY_FILE", "policy.yaml"),
		RecoveryInterval: interval,
		APIRateLimit:     rps,
		APIBurst:         burst,
		Logging: LoggingConfig{
			Level:         valueOrDefault("LOG_LEVEL", "info"),
			Format:        valueOrDefault("LOG_FORMAT", "text"),
			IncludeCaller: boolEnv("LOG_INCLUDE_CALLER", false),
			Env:           env,
		},
		CinetPay: provider.CinetPayConfig{
			APIKey:      os.Getenv("CINETPAY_API_KEY"),
			Password:    os.Getenv("CINETPAY_PASSWORD"),
			SiteID:      os.Getenv("CINETPAY_SITE_ID"),
			NotifyURL:   os.Getenv("CINETPAY_NOTIFY_URL"),
			TransferURL: os.Getenv("CINETPAY_TRANSFER_URL"),
			CheckoutURL: os.Getenv("CINETPAY_CHECKOUT_URL"),
			Currency:    os.Getenv("CINETPAY_CURRENCY"),
		},
		FeexPay: provider.FeexPayConfig{
			Token:   os.Getenv("FEEXPAY_TOKEN"),
			ShopID:  os.Getenv("FEEXPAY_SHOP_ID"),
			BaseURL: os.Getenv("FEEXPAY_BASE_URL"),
		},
		NOWPayments: provider.NOWPaymentsConfig{
			APIKey:         os.Getenv("NOWPAYMENTS_API_KEY"),
			Email:          os.Getenv("NOWPAYMENTS_EMAIL"),
			Password:       os.Getenv("NOWPAYMENTS_PASSWORD"),
			IPNCallbackURL: os.Getenv("NOWPAYMENTS_IPN_URL"),
			BaseURL:        os.Getenv("NOWPAYMENTS_BASE_URL"),
		},
	}, nil
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func boolEnv(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	return n, nil
}

func floatEnv(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	return f, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}
