package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                        string  `mapstructure:"PORT"`
	Env                         string  `mapstructure:"ENV"`
	DatabaseURL                 string  `mapstructure:"DATABASE_URL"`
	DBMaxConns                  int32   `mapstructure:"DB_MAX_CONNS"`
	DBMinConns                  int32   `mapstructure:"DB_MIN_CONNS"`
	JWTSecret                   string  `mapstructure:"JWT_SECRET"`
	ClinicTimezone              string  `mapstructure:"CLINIC_TIMEZONE"`
	DefaultMaxTokensPerDay      int     `mapstructure:"DEFAULT_MAX_TOKENS_PER_DAY"`
	DefaultGeofenceRadiusMeters float64 `mapstructure:"DEFAULT_GEOFENCE_RADIUS_METERS"`
	TokenTTLHours               int     `mapstructure:"TOKEN_TTL_HOURS"`
	ExpirySweepSchedule         string  `mapstructure:"EXPIRY_SWEEP_SCHEDULE"`
	RateLimitPerMinute          int     `mapstructure:"RATE_LIMIT_PER_MIN"`
	RateLimitBurst              int     `mapstructure:"RATE_LIMIT_BURST"`
	TenantRateLimitPerMinute    int     `mapstructure:"TENANT_RATE_LIMIT_PER_MIN"`
	TenantRateLimitBurst        int     `mapstructure:"TENANT_RATE_LIMIT_BURST"`
	OTelEndpoint                string  `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelInsecure                bool    `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	location *time.Location
}

var keys = []string{
	"PORT",
	"ENV",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"JWT_SECRET",
	"CLINIC_TIMEZONE",
	"DEFAULT_MAX_TOKENS_PER_DAY",
	"DEFAULT_GEOFENCE_RADIUS_METERS",
	"TOKEN_TTL_HOURS",
	"EXPIRY_SWEEP_SCHEDULE",
	"RATE_LIMIT_PER_MIN",
	"RATE_LIMIT_BURST",
	"TENANT_RATE_LIMIT_PER_MIN",
	"TENANT_RATE_LIMIT_BURST",
	"OTEL_EXPORTER_OTLP_ENDPOINT",
	"OTEL_EXPORTER_OTLP_INSECURE",
}

// Load reads an optional .env file and the environment, environment winning.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CLINIC_TIMEZONE", "Asia/Kolkata")
	v.SetDefault("DEFAULT_MAX_TOKENS_PER_DAY", 50)
	v.SetDefault("DEFAULT_GEOFENCE_RADIUS_METERS", 100)
	v.SetDefault("TOKEN_TTL_HOURS", 24)
	v.SetDefault("RATE_LIMIT_PER_MIN", 120)
	v.SetDefault("RATE_LIMIT_BURST", 30)
	v.SetDefault("TENANT_RATE_LIMIT_PER_MIN", 600)
	v.SetDefault("TENANT_RATE_LIMIT_BURST", 120)
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ExpirySweepSchedule = strings.TrimSpace(cfg.ExpirySweepSchedule)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks values that would otherwise fail deep inside the engine.
// It also resolves the clinic timezone for Location.
func (c *Config) Validate() error {
	if c.DefaultMaxTokensPerDay <= 0 {
		return fmt.Errorf("DEFAULT_MAX_TOKENS_PER_DAY must be positive, got %d", c.DefaultMaxTokensPerDay)
	}
	if c.DefaultGeofenceRadiusMeters <= 0 {
		return fmt.Errorf("DEFAULT_GEOFENCE_RADIUS_METERS must be positive, got %g", c.DefaultGeofenceRadiusMeters)
	}
	if c.TokenTTLHours <= 0 {
		return fmt.Errorf("TOKEN_TTL_HOURS must be positive, got %d", c.TokenTTLHours)
	}
	if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) and DB_MAX_CONNS (%d) are inconsistent", c.DBMinConns, c.DBMaxConns)
	}
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	c.location = loc
	return nil
}

// RequireDatabase is checked by commands that talk to Postgres.
func (c *Config) RequireDatabase() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// Location is the timezone that defines the clinic's "today".
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLHours) * time.Hour
}
