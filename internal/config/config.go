package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	expiryConfig "github.com/iurnickita/loyalty/internal/expiry/config"
	handlerConfig "github.com/iurnickita/loyalty/internal/handler/config"
	loggerConfig "github.com/iurnickita/loyalty/internal/logger/config"
	serviceConfig "github.com/iurnickita/loyalty/internal/service/config"
	storeConfig "github.com/iurnickita/loyalty/internal/store/config"
)

type Config struct {
	Handler handlerConfig.Config
	Service serviceConfig.Config
	Store   storeConfig.Config
	Logger  loggerConfig.Config
	Expiry  expiryConfig.Config
}

var (
	ErrAddressEmpty    = errors.New("run address is an empty string")
	ErrInvalidDuration = errors.New("duration must be positive")
	ErrInvalidRetries  = errors.New("max retries must not be negative")
)

// GetConfig reads .env when present, then flags, then the environment, which
// wins over both.
func GetConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return parse(os.Args[0], os.Args[1:], os.Getenv)
}

func parse(name string, args []string, getenv func(string) string) (Config, error) {
	var cfg Config

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&cfg.Handler.ServerAddr, "a", "localhost:8080", "Service address and port")
	fs.StringVar(&cfg.Store.DBDsn, "d", "", "The database connection, empty keeps the ledger in memory")
	fs.StringVar(&cfg.Service.AccrualAddr, "r", "", "Address of the accrual system")
	fs.StringVar(&cfg.Logger.LogLevel, "l", "info", "Log level")
	fs.StringVar(&cfg.Service.TiersFile, "t", "", "Tier table YAML file")
	fs.StringVar(&cfg.Service.RewardsFile, "c", "", "Reward catalog YAML file")
	fs.DurationVar(&cfg.Service.RedemptionValidity, "redemption-validity", 30*24*time.Hour, "How long an issued code stays usable")
	fs.DurationVar(&cfg.Service.PointsValidity, "points-validity", 365*24*time.Hour, "How long earned points stay on the balance")
	fs.DurationVar(&cfg.Expiry.Interval, "sweep-interval", time.Hour, "Expiry sweep interval")
	fs.IntVar(&cfg.Service.MaxRetries, "max-retries", 3, "Extra commit attempts after a concurrent update")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if v := getenv("RUN_ADDRESS"); v != "" {
		cfg.Handler.ServerAddr = v
	}
	if v := getenv("DATABASE_URI"); v != "" {
		cfg.Store.DBDsn = v
	}
	if v := getenv("ACCRUAL_SYSTEM_ADDRESS"); v != "" {
		cfg.Service.AccrualAddr = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Logger.LogLevel = v
	}
	if v := getenv("TIERS_FILE"); v != "" {
		cfg.Service.TiersFile = v
	}
	if v := getenv("REWARDS_FILE"); v != "" {
		cfg.Service.RewardsFile = v
	}

	var errs []error
	for env, dst := range map[string]*time.Duration{
		"REDEMPTION_VALIDITY": &cfg.Service.RedemptionValidity,
		"POINTS_VALIDITY":     &cfg.Service.PointsValidity,
		"SWEEP_INTERVAL":      &cfg.Expiry.Interval,
	} {
		v := getenv(env)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", env, err))
			continue
		}
		*dst = d
	}
	if v := getenv("MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("MAX_RETRIES: %w", err))
		} else {
			cfg.Service.MaxRetries = n
		}
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}

	return cfg, cfg.check()
}

func (cfg *Config) check() error {
	var errs []error

	if cfg.Handler.ServerAddr == "" {
		errs = append(errs, ErrAddressEmpty)
	}
	if cfg.Service.RedemptionValidity <= 0 || cfg.Service.PointsValidity <= 0 || cfg.Expiry.Interval <= 0 {
		errs = append(errs, ErrInvalidDuration)
	}
	if cfg.Service.MaxRetries < 0 {
		errs = append(errs, ErrInvalidRetries)
	}
	return errors.Join(errs...)
}
