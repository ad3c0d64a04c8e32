package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	BackendBaseURL  string        `mapstructure:"BACKEND_BASE_URL"`
	RemoteTimeout   time.Duration `mapstructure:"REMOTE_TIMEOUT"`
	UsersCollection string        `mapstructure:"USERS_COLLECTION"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL        string        `mapstructure:"REDIS_URL"`
	GuardTTL        time.Duration `mapstructure:"GUARD_TTL"`
	SessionTTL      time.Duration `mapstructure:"SESSION_TTL"`
	DefaultPageSize int           `mapstructure:"DEFAULT_PAGE_SIZE"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	SubmitRate      float64       `mapstructure:"SUBMIT_RATE_PER_SECOND"`
	SubmitBurst     int           `mapstructure:"SUBMIT_BURST"`
	BodyLimit       string        `mapstructure:"BODY_LIMIT"`
	UploadBodyLimit string        `mapstructure:"UPLOAD_BODY_LIMIT"`
	OTLPEndpoint    string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelSampleRatio float64       `mapstructure:"OTEL_SAMPLE_RATIO"`
	TLSEnabled      bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile     string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile      string        `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"BACKEND_BASE_URL", "REMOTE_TIMEOUT", "USERS_COLLECTION",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "GUARD_TTL",
	"SESSION_TTL", "DEFAULT_PAGE_SIZE",
	"CORS_ORIGINS", "REQUEST_TIMEOUT", "BODY_LIMIT", "UPLOAD_BODY_LIMIT",
	"SUBMIT_RATE_PER_SECOND", "SUBMIT_BURST",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_SAMPLE_RATIO",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

// Load reads the environment and an optional .env file. It does not
// validate; commands call Validate for what they need.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REMOTE_TIMEOUT", "30s")
	v.SetDefault("USERS_COLLECTION", "users")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("GUARD_TTL", "5m")
	v.SetDefault("SESSION_TTL", "30m")
	v.SetDefault("DEFAULT_PAGE_SIZE", 10)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "120s")
	v.SetDefault("SUBMIT_RATE_PER_SECOND", 0.1)
	v.SetDefault("SUBMIT_BURST", 5)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("UPLOAD_BODY_LIMIT", "6M")
	v.SetDefault("OTEL_SAMPLE_RATIO", 1.0)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}
	cfg.BackendBaseURL = strings.TrimRight(cfg.BackendBaseURL, "/")

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// JournalEnabled reports whether submissions are recorded in Postgres.
func (c *Config) JournalEnabled() bool {
	return c.DatabaseURL != ""
}

// Level returns the zerolog level for LOG_LEVEL, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks what every command talking to the backend needs.
func (c *Config) Validate() error {
	if c.BackendBaseURL == "" {
		return fmt.Errorf("BACKEND_BASE_URL is required")
	}
	u, err := url.Parse(c.BackendBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("BACKEND_BASE_URL must be an absolute http(s) URL, got %q", c.BackendBaseURL)
	}
	if c.IsProduction() && u.Scheme != "https" {
		return fmt.Errorf("BACKEND_BASE_URL must use https in production")
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("REMOTE_TIMEOUT must be positive, got %s", c.RemoteTimeout)
	}
	// A saga makes up to four sequential remote calls.
	if c.RequestTimeout > 0 && c.RequestTimeout < 4*c.RemoteTimeout {
		return fmt.Errorf("REQUEST_TIMEOUT (%s) must be at least 4 x REMOTE_TIMEOUT (%s), or 0 to disable",
			c.RequestTimeout, c.RemoteTimeout)
	}
	if strings.TrimSpace(c.UsersCollection) == "" {
		return fmt.Errorf("USERS_COLLECTION must not be empty")
	}
	if c.DefaultPageSize <= 0 {
		return fmt.Errorf("DEFAULT_PAGE_SIZE must be positive, got %d", c.DefaultPageSize)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %s", c.SessionTTL)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.SubmitRate < 0 || c.SubmitBurst < 0 {
		return fmt.Errorf("SUBMIT_RATE_PER_SECOND and SUBMIT_BURST must not be negative")
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATIO must be within [0, 1], got %v", c.OTelSampleRatio)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
