// Package config loads the server configuration from the environment and
// an optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config stores all configuration for the application.
type Config struct {
	ServerPort             string        `mapstructure:"SERVER_PORT"`
	DatabaseDriver         string        `mapstructure:"DATABASE_DRIVER"`
	SQLitePath             string        `mapstructure:"SQLITE_PATH"`
	DatabaseURL            string        `mapstructure:"DATABASE_URL"`
	DBMaxConns             int32         `mapstructure:"DB_MAX_CONNS"`
	DBLockTimeout          time.Duration `mapstructure:"DB_LOCK_TIMEOUT"`
	RabbitMQURL            string        `mapstructure:"RABBITMQ_URL"`
	NotificationExchange   string        `mapstructure:"NOTIFICATION_EXCHANGE"`
	JWTSecret              string        `mapstructure:"JWT_SECRET"`
	AdminUserIDs           string        `mapstructure:"ADMIN_USER_IDS"`
	LogLevel               string        `mapstructure:"LOG_LEVEL"`
	SweepEnabled           bool          `mapstructure:"SWEEP_ENABLED"`
	SweepSchedule          string        `mapstructure:"SWEEP_SCHEDULE"`
	ScenariosEnabled       bool          `mapstructure:"SCENARIOS_ENABLED"`
	TxTimeout              time.Duration `mapstructure:"TX_TIMEOUT"`
	TiKaneProgressiveBelow string        `mapstructure:"TIKANE_PROGRESSIVE_BELOW"`
	CORSAllowedOrigins     string        `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var defaults = map[string]any{
	"SERVER_PORT":              "8080",
	"DATABASE_DRIVER":          DriverSQLite,
	"SQLITE_PATH":              "savings.db",
	"DATABASE_URL":             "",
	"DB_MAX_CONNS":             10,
	"DB_LOCK_TIMEOUT":          "5s",
	"RABBITMQ_URL":             "",
	"NOTIFICATION_EXCHANGE":    "savings.notifications",
	"JWT_SECRET":               "",
	"ADMIN_USER_IDS":           "",
	"LOG_LEVEL":                "info",
	"SWEEP_ENABLED":            true,
	"SWEEP_SCHEDULE":           "@hourly",
	"SCENARIOS_ENABLED":        false,
	"TX_TIMEOUT":               "10s",
	"TIKANE_PROGRESSIVE_BELOW": "",
	"CORS_ALLOWED_ORIGINS":     "*",
}

// LoadConfig reads dir/.env when present, then the environment. Environment
// variables win over the file.
func LoadConfig(dir string) (Config, error) {
	var cfg Config
	envFile := filepath.Join(dir, ".env")
	if err := godotenv.Load(envFile); err == nil {
		slog.Debug("loaded environment file", "path", envFile)
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, value := range defaults {
		viper.SetDefault(key, value)
		if err := viper.BindEnv(key); err != nil {
			return cfg, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decode: %w", err)
	}
	cfg.DatabaseDriver = strings.ToLower(strings.TrimSpace(cfg.DatabaseDriver))
	return cfg, cfg.Validate()
}

// Validate rejects values the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ServerPort) == "" {
		errs = append(errs, errors.New("SERVER_PORT is required"))
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required with the sqlite driver"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required with the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER %q is not sqlite or postgres", c.DatabaseDriver))
	}
	if c.TxTimeout <= 0 {
		errs = append(errs, errors.New("TX_TIMEOUT must be positive"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.SweepEnabled {
		if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
			errs = append(errs, fmt.Errorf("SWEEP_SCHEDULE %q: %w", c.SweepSchedule, err))
		}
	}
	if _, err := c.ProgressiveBelow(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel parses LOG_LEVEL.
func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// ProgressiveBelow parses TIKANE_PROGRESSIVE_BELOW; empty disables the rule.
func (c Config) ProgressiveBelow() (decimal.Decimal, error) {
	if strings.TrimSpace(c.TiKaneProgressiveBelow) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(c.TiKaneProgressiveBelow))
	if err != nil || d.IsNegative() {
		return decimal.Zero, fmt.Errorf("TIKANE_PROGRESSIVE_BELOW %q is not a non-negative amount", c.TiKaneProgressiveBelow)
	}
	return d, nil
}

// Admins returns the user IDs listed in ADMIN_USER_IDS.
func (c Config) Admins() []string {
	return splitList(c.AdminUserIDs)
}

// AllowedOrigins returns the CORS origins listed in CORS_ALLOWED_ORIGINS.
func (c Config) AllowedOrigins() []string {
	return splitList(c.CORSAllowedOrigins)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
