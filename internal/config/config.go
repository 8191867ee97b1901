// Package config loads service settings from defaults, an optional TOML
// file and PEOPLEDESK_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const envPrefix = "PEOPLEDESK_"

// MinBcryptCost is the lowest work factor accepted outside of tests.
const MinBcryptCost = 12

// Config holds every tunable of the API process.
type Config struct {
	HTTPAddr string `toml:"http_addr"`
	GRPCAddr string `toml:"grpc_addr"`
	PGDSN    string `toml:"pg_dsn"`
	BaseURL  string `toml:"base_url"`
	Issuer   string `toml:"issuer"`

	Auth AuthConfig `toml:"auth"`
	HTTP HTTPConfig `toml:"http"`
	Mail MailConfig `toml:"mail"`
}

// AuthConfig covers credential and session policy.
type AuthConfig struct {
	BcryptCost       int           `toml:"bcrypt_cost"`
	LockoutThreshold int           `toml:"lockout_threshold"`
	LockoutDuration  time.Duration `toml:"lockout_duration"`
	SessionTTL       time.Duration `toml:"session_ttl"`
	LinkTTL          time.Duration `toml:"link_ttl"`
	LinkSecret       string        `toml:"link_secret"`
	EmergencySecret  string        `toml:"emergency_secret"`
	StoreTimeout     time.Duration `toml:"store_timeout"`
}

// HTTPConfig covers the HTTP edge.
type HTTPConfig struct {
	SecureCookies bool  `toml:"secure_cookies"`
	RateBurst     int   `toml:"rate_burst"`
	RatePerSecond int   `toml:"rate_per_second"`
	MaxBodyBytes  int64 `toml:"max_body_bytes"`
}

// MailConfig selects outbound mail delivery. An empty SMTPAddr logs links instead.
type MailConfig struct {
	From     string `toml:"from"`
	SMTPAddr string `toml:"smtp_addr"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		BaseURL:  "http://localhost:8080",
		Issuer:   "peopledesk",
		Auth: AuthConfig{
			BcryptCost:       MinBcryptCost,
			LockoutThreshold: 5,
			LockoutDuration:  15 * time.Minute,
			SessionTTL:       8 * time.Hour,
			LinkTTL:          15 * time.Minute,
			StoreTimeout:     5 * time.Second,
		},
		HTTP: HTTPConfig{
			SecureCookies: true,
			RateBurst:     20,
			RatePerSecond: 5,
			MaxBodyBytes:  1 << 20,
		},
		Mail: MailConfig{
			From: "no-reply@peopledesk.local",
		},
	}
}

// Load builds the configuration. path may be empty, in which case
// PEOPLEDESK_CONFIG is consulted.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = strings.TrimSpace(os.Getenv(envPrefix + "CONFIG"))
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the service must not run with.
func (c Config) Validate() error {
	var errs []error
	if c.Auth.BcryptCost < MinBcryptCost {
		errs = append(errs, fmt.Errorf("auth.bcrypt_cost must be at least %d", MinBcryptCost))
	}
	if c.Auth.LockoutThreshold < 1 {
		errs = append(errs, errors.New("auth.lockout_threshold must be positive"))
	}
	if c.Auth.LockoutDuration <= 0 {
		errs = append(errs, errors.New("auth.lockout_duration must be positive"))
	}
	if c.Auth.SessionTTL <= 0 {
		errs = append(errs, errors.New("auth.session_ttl must be positive"))
	}
	if c.Auth.LinkTTL <= 0 {
		errs = append(errs, errors.New("auth.link_ttl must be positive"))
	}
	if len(c.Auth.LinkSecret) < 32 {
		errs = append(errs, errors.New("auth.link_secret must be at least 32 bytes"))
	}
	if c.HTTP.RateBurst < 1 || c.HTTP.RatePerSecond < 1 {
		errs = append(errs, errors.New("http rate limits must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func applyEnv(cfg *Config) error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("GRPC_ADDR", &cfg.GRPCAddr)
	str("PG_DSN", &cfg.PGDSN)
	str("BASE_URL", &cfg.BaseURL)
	str("ISSUER", &cfg.Issuer)
	str("LINK_SECRET", &cfg.Auth.LinkSecret)
	str("EMERGENCY_SECRET", &cfg.Auth.EmergencySecret)
	str("MAIL_FROM", &cfg.Mail.From)
	str("SMTP_ADDR", &cfg.Mail.SMTPAddr)
	str("SMTP_USERNAME", &cfg.Mail.Username)
	str("SMTP_PASSWORD", &cfg.Mail.Password)

	ints := map[string]*int{
		"BCRYPT_COST":       &cfg.Auth.BcryptCost,
		"LOCKOUT_THRESHOLD": &cfg.Auth.LockoutThreshold,
		"RATE_BURST":        &cfg.HTTP.RateBurst,
		"RATE_PER_SECOND":   &cfg.HTTP.RatePerSecond,
	}
	for name, dst := range ints {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("config: %s%s: %w", envPrefix, name, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"LOCKOUT_DURATION": &cfg.Auth.LockoutDuration,
		"SESSION_TTL":      &cfg.Auth.SessionTTL,
		"LINK_TTL":         &cfg.Auth.LinkTTL,
		"STORE_TIMEOUT":    &cfg.Auth.StoreTimeout,
	}
	for name, dst := range durations {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("config: %s%s: %w", envPrefix, name, err)
			}
			*dst = d
		}
	}

	if v, ok := os.LookupEnv(envPrefix + "SECURE_COOKIES"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %sSECURE_COOKIES: %w", envPrefix, err)
		}
		cfg.HTTP.SecureCookies = b
	}
	return nil
}
