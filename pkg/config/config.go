// Package config centralizes faucetd configuration.
//
// Precedence: built-in defaults, then an optional YAML file
// (FAUCET_CONFIG), then environment variables. All gating parameters
// (cooldown, amount, rate windows) are fixed configuration; nothing is
// derived from request data.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full faucetd configuration. Amounts are satoshis.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	// Ledger backend: "sqlite" (default) or "postgres".
	DBDriver    string `yaml:"db_driver"`
	DBPath      string `yaml:"db_path"`      // sqlite file
	DatabaseURL string `yaml:"database_url"` // postgres DSN

	CooldownPeriod time.Duration `yaml:"cooldown_period"`
	Amount         int64         `yaml:"amount"`
	RecentLimit    int           `yaml:"recent_limit"`

	RateWindow         time.Duration `yaml:"rate_window"`
	RateMaxPerOrigin   int           `yaml:"rate_max_per_origin"`
	RateMaxPerIdentity int           `yaml:"rate_max_per_identity"`

	// Outer per-IP HTTP limiter (transport protection, not the gating
	// contract).
	HTTPRateRPS   int `yaml:"http_rate_rps"`
	HTTPRateBurst int `yaml:"http_rate_burst"`

	CaptchaEndpoint string        `yaml:"captcha_endpoint"`
	CaptchaSecret   string        `yaml:"-"` // env only, never from file on disk shared with ops tooling
	CaptchaTimeout  time.Duration `yaml:"captcha_timeout"`

	WalletAgentURL     string        `yaml:"wallet_agent_url"`
	WalletAgentTimeout time.Duration `yaml:"wallet_agent_timeout"`

	CORSOrigins []string `yaml:"cors_origins"`

	AdminJWTSecret string `yaml:"-"` // env only

	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Port:               "8080",
		LogLevel:           "INFO",
		DBDriver:           "sqlite",
		DBPath:             "faucet.db",
		CooldownPeriod:     24 * time.Hour,
		Amount:             100_000,
		RecentLimit:        5,
		RateWindow:         time.Hour,
		RateMaxPerOrigin:   5,
		RateMaxPerIdentity: 1,
		HTTPRateRPS:        10,
		HTTPRateBurst:      20,
		CaptchaTimeout:     10 * time.Second,
		WalletAgentTimeout: 30 * time.Second,
	}
}

// Load builds the configuration from defaults, the optional YAML file
// named by FAUCET_CONFIG, and environment variables, in that order.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("FAUCET_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Port, "PORT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.DBDriver, "DB_DRIVER")
	setString(&c.DBPath, "DB_PATH")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.CaptchaEndpoint, "CAPTCHA_ENDPOINT")
	setString(&c.CaptchaSecret, "CAPTCHA_SECRET")
	setString(&c.WalletAgentURL, "WALLET_AGENT_URL")
	setString(&c.AdminJWTSecret, "ADMIN_JWT_SECRET")
	setString(&c.OTLPEndpoint, "OTLP_ENDPOINT")

	if v := getEnv("CORS_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		c.CORSOrigins = origins
	}
	if v := getEnv("OTLP_INSECURE"); v != "" {
		c.OTLPInsecure = v == "true" || v == "1"
	}

	if err := setDuration(&c.CooldownPeriod, "COOLDOWN_PERIOD"); err != nil {
		return err
	}
	if err := setDuration(&c.RateWindow, "RATE_LIMIT_WINDOW"); err != nil {
		return err
	}
	if err := setDuration(&c.CaptchaTimeout, "CAPTCHA_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&c.WalletAgentTimeout, "WALLET_AGENT_TIMEOUT"); err != nil {
		return err
	}

	if err := setInt64(&c.Amount, "FAUCET_AMOUNT"); err != nil {
		return err
	}
	if err := setInt(&c.RecentLimit, "RECENT_LIMIT"); err != nil {
		return err
	}
	if err := setInt(&c.RateMaxPerOrigin, "RATE_LIMIT_MAX_PER_ORIGIN"); err != nil {
		return err
	}
	if err := setInt(&c.RateMaxPerIdentity, "RATE_LIMIT_MAX_PER_ADDRESS"); err != nil {
		return err
	}
	if err := setInt(&c.HTTPRateRPS, "HTTP_RATE_RPS"); err != nil {
		return err
	}
	if err := setInt(&c.HTTPRateBurst, "HTTP_RATE_BURST"); err != nil {
		return err
	}
	return nil
}

// Validate rejects configurations that cannot gate safely.
func (c *Config) Validate() error {
	if c.CooldownPeriod <= 0 {
		return fmt.Errorf("cooldown_period must be positive")
	}
	if c.Amount <= 0 {
		return fmt.Errorf("amount must be a positive satoshi count")
	}
	if c.RateWindow <= 0 || c.RateMaxPerOrigin <= 0 || c.RateMaxPerIdentity <= 0 {
		return fmt.Errorf("rate limit window and maxima must be positive")
	}
	switch c.DBDriver {
	case "sqlite":
		if c.DBPath == "" {
			return fmt.Errorf("db_path is required for the sqlite ledger")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres ledger")
		}
	default:
		return fmt.Errorf("unsupported db_driver: %s", c.DBDriver)
	}
	if c.CaptchaSecret == "" {
		return fmt.Errorf("CAPTCHA_SECRET is required; the verifier fails closed without it")
	}
	if c.WalletAgentURL == "" {
		return fmt.Errorf("WALLET_AGENT_URL is required")
	}
	return nil
}

func getEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func setString(dst *string, key string) {
	if v := getEnv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := getEnv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, key string) error {
	v := getEnv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, key string) error {
	v := getEnv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}
