// Package config loads process configuration from a .env file, an optional
// config.yml and NODERENTAL_* environment variables, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const EnvPrefix = "NODERENTAL"

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Booking   BookingConfig   `mapstructure:"booking"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Access    AccessConfig    `mapstructure:"access"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

type DatabaseConfig struct {
	// Path is a SQLite file, or ":memory:".
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type BookingConfig struct {
	Timezone      string `mapstructure:"timezone"`
	LeadTimeDays  int    `mapstructure:"lead_time_days"`
	HorizonMonths int    `mapstructure:"horizon_months"`
}

type BillingConfig struct {
	ProrateMaintenance bool `mapstructure:"prorate_maintenance"`
	Workers            int  `mapstructure:"workers"`
}

type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type CatalogConfig struct {
	// Path to a JSON catalog applied at startup. Empty disables bootstrap.
	Path string `mapstructure:"path"`
}

// AccessConfig lists actors holding staff capabilities. Project roles come
// from memberships, not from here.
type AccessConfig struct {
	RentalManagers  []string `mapstructure:"rental_managers"`
	BillingManagers []string `mapstructure:"billing_managers"`
	RateManagers    []string `mapstructure:"rate_managers"`
}

func (a AccessConfig) IsRentalManager(actorID string) bool {
	return slices.Contains(a.RentalManagers, actorID)
}

func (a AccessConfig) IsBillingManager(actorID string) bool {
	return slices.Contains(a.BillingManagers, actorID)
}

func (a AccessConfig) IsRateManager(actorID string) bool {
	return slices.Contains(a.RateManagers, actorID)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "noderental")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_grace", 10*time.Second)

	v.SetDefault("database.path", "./data/noderental.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("booking.timezone", "UTC")
	v.SetDefault("booking.lead_time_days", 7)
	v.SetDefault("booking.horizon_months", 3)

	v.SetDefault("billing.prorate_maintenance", false)
	v.SetDefault("billing.workers", 4)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", time.Hour)

	v.SetDefault("catalog.path", "")

	v.SetDefault("access.rental_managers", []string{})
	v.SetDefault("access.billing_managers", []string{})
	v.SetDefault("access.rate_managers", []string{})
}

// Load reads configuration. configPaths override the default search path
// (/etc/noderental, then the working directory).
func Load(configPaths ...string) (*Config, *viper.Viper, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yml")
	if len(configPaths) == 0 {
		configPaths = []string{"/etc/noderental", "."}
	}
	for _, p := range configPaths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, v, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if _, err := time.LoadLocation(c.Booking.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("booking.timezone: %w", err))
	}
	if c.Booking.LeadTimeDays < 1 {
		errs = append(errs, errors.New("booking.lead_time_days must be at least 1"))
	}
	if c.Booking.HorizonMonths < 1 {
		errs = append(errs, errors.New("booking.horizon_months must be at least 1"))
	}
	if c.Billing.Workers < 1 {
		errs = append(errs, errors.New("billing.workers must be at least 1"))
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Location is the booking location. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Booking.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// =============================================================================
// ACCESS HOLDER - hot-reloaded staff lists
// =============================================================================

type AccessHolder struct {
	current atomic.Value // holds AccessConfig
}

func NewAccessHolder(initial AccessConfig) *AccessHolder {
	h := &AccessHolder{}
	h.current.Store(initial)
	return h
}

func (h *AccessHolder) Get() AccessConfig {
	return h.current.Load().(AccessConfig)
}

func (h *AccessHolder) Set(a AccessConfig) {
	h.current.Store(a)
}

// Watch reloads the access lists whenever the config file changes. Other
// keys need a restart.
func (h *AccessHolder) Watch(v *viper.Viper, log *zap.Logger) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated AccessConfig
		if err := v.UnmarshalKey("access", &updated); err != nil {
			log.Warn("access reload failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		h.Set(updated)
		log.Info("access lists reloaded",
			zap.String("file", e.Name),
			zap.Int("rental_managers", len(updated.RentalManagers)),
			zap.Int("billing_managers", len(updated.BillingManagers)),
			zap.Int("rate_managers", len(updated.RateManagers)))
	})
	v.WatchConfig()
}
