package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/warp/hospital-ledger/pricing"
	"github.com/warp/hospital-ledger/store/sqlstore"
)

type Config struct {
	Env                 string `mapstructure:"ENV"`
	LogLevel            string `mapstructure:"LOG_LEVEL"`
	DBDriver            string `mapstructure:"DB_DRIVER"`
	DatabaseURL         string `mapstructure:"DATABASE_URL"`
	PricingFile         string `mapstructure:"PRICING_FILE"`
	BedSpacePrice       string `mapstructure:"BED_SPACE_PRICE"`
	ConsultationFee     string `mapstructure:"CONSULTATION_FEE"`
	TreatmentSessionFee string `mapstructure:"TREATMENT_SESSION_FEE"`
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_DRIVER", sqlstore.DriverSQLite)
	v.SetDefault("DATABASE_URL", "hospital-ledger.db")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("DB_DRIVER")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("PRICING_FILE")
	v.BindEnv("BED_SPACE_PRICE")
	v.BindEnv("CONSULTATION_FEE")
	v.BindEnv("TREATMENT_SESSION_FEE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the driver, the log level and any price overrides.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case sqlstore.DriverSQLite, sqlstore.DriverPostgres:
	default:
		return fmt.Errorf("DB_DRIVER must be %q or %q, got %q", sqlstore.DriverSQLite, sqlstore.DriverPostgres, c.DBDriver)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	for name, raw := range map[string]string{
		"BED_SPACE_PRICE":       c.BedSpacePrice,
		"CONSULTATION_FEE":      c.ConsultationFee,
		"TREATMENT_SESSION_FEE": c.TreatmentSessionFee,
	} {
		if _, err := parsePrice(name, raw); err != nil {
			return err
		}
	}
	return nil
}

// parsePrice returns nil for an unset price.
func parsePrice(name, raw string) (*decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%s is not a decimal: %w", name, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%s must not be negative", name)
	}
	return &d, nil
}

// Catalogue builds the price catalogue: PRICING_FILE when set, defaults
// otherwise, with the env price overrides applied on top.
func (c *Config) Catalogue() (*pricing.Catalogue, error) {
	cat := pricing.NewCatalogue()
	if c.PricingFile != "" {
		var err error
		if cat, err = pricing.LoadFile(c.PricingFile); err != nil {
			return nil, err
		}
	}
	bed, err := parsePrice("BED_SPACE_PRICE", c.BedSpacePrice)
	if err != nil {
		return nil, err
	}
	consultation, err := parsePrice("CONSULTATION_FEE", c.ConsultationFee)
	if err != nil {
		return nil, err
	}
	session, err := parsePrice("TREATMENT_SESSION_FEE", c.TreatmentSessionFee)
	if err != nil {
		return nil, err
	}
	cat.Override(bed, consultation, session)
	return cat, nil
}

// NewLogger writes JSON to w, or a console format in development.
func (c *Config) NewLogger(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	if c.IsDev() {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "hospital-ledger").Logger()
}
