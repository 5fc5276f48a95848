package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL            string        `mapstructure:"REDIS_URL"`
	AppURL              string        `mapstructure:"APP_URL"`
	JWTSigningKey       string        `mapstructure:"JWT_SIGNING_KEY"`
	JWTIssuer           string        `mapstructure:"JWT_ISSUER"`
	TokenTTL            time.Duration `mapstructure:"TOKEN_TTL"`
	StripeSecretKey     string        `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string        `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	StripeDentalSecret  string        `mapstructure:"STRIPE_WEBHOOK_SECRET_DENTAL"`
	StripePriceIndiv    string        `mapstructure:"STRIPE_PRICE_INDIVIDUAL"`
	StripePriceClinic   string        `mapstructure:"STRIPE_PRICE_CLINIC"`
	TrialDays           int           `mapstructure:"TRIAL_DAYS"`
	InFlightTTL         time.Duration `mapstructure:"WEBHOOK_INFLIGHT_TTL"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS        float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst      int           `mapstructure:"RATE_LIMIT_BURST"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"APP_URL", "JWT_SIGNING_KEY", "JWT_ISSUER", "TOKEN_TTL",
	"STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET", "STRIPE_WEBHOOK_SECRET_DENTAL",
	"STRIPE_PRICE_INDIVIDUAL", "STRIPE_PRICE_CLINIC",
	"TRIAL_DAYS", "WEBHOOK_INFLIGHT_TTL", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("APP_URL", "http://localhost:3000")
	v.SetDefault("JWT_ISSUER", "regiflex")
	v.SetDefault("TOKEN_TTL", "12h")
	v.SetDefault("TRIAL_DAYS", 15)
	v.SetDefault("WEBHOOK_INFLIGHT_TTL", "2m")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Secrets are not validated and tokens may be signed with a dev key.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// WebhookSecrets returns the configured webhook signing secrets keyed by the
// module that owns the processor endpoint. Empty secrets are omitted.
func (c *Config) WebhookSecrets() map[string]string {
	secrets := make(map[string]string, 2)
	if c.StripeWebhookSecret != "" {
		secrets["default"] = c.StripeWebhookSecret
	}
	if c.StripeDentalSecret != "" {
		secrets["dental"] = c.StripeDentalSecret
	}
	return secrets
}

// PriceIDs maps plan identifiers to processor price IDs.
func (c *Config) PriceIDs() map[string]string {
	ids := make(map[string]string, 2)
	if c.StripePriceIndiv != "" {
		ids["individual"] = c.StripePriceIndiv
	}
	if c.StripePriceClinic != "" {
		ids["clinic"] = c.StripePriceClinic
	}
	return ids
}

// Validate checks that the configuration is safe to run. Outside development a
// webhook secret, a processor key and a signing key of at least 32 bytes are
// required, since without them inbound billing events cannot be trusted and
// issued tokens cannot be verified.
func (c *Config) Validate() error {
	if c.TrialDays <= 0 {
		return fmt.Errorf("TRIAL_DAYS must be positive, got %d", c.TrialDays)
	}
	if c.IsDev() {
		return nil
	}
	if len(c.WebhookSecrets()) == 0 {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when ENV=%q", c.Env)
	}
	if c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required when ENV=%q", c.Env)
	}
	if len(c.JWTSigningKey) < 32 {
		return fmt.Errorf("JWT_SIGNING_KEY must be at least 32 bytes, got %d", len(c.JWTSigningKey))
	}
	return nil
}
