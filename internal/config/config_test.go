package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func env(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestParseDefaults(t *testing.T) {
	cfg, err := parse("loyalty", nil, env(nil))
	require.NoError(t, err)

	require.Equal(t, "localhost:8080", cfg.Handler.ServerAddr)
	require.Empty(t, cfg.Store.DBDsn)
	require.Empty(t, cfg.Service.AccrualAddr)
	require.Equal(t, "info", cfg.Logger.LogLevel)
	require.Equal(t, 720*time.Hour, cfg.Service.RedemptionValidity)
	require.Equal(t, 8760*time.Hour, cfg.Service.PointsValidity)
	require.Equal(t, time.Hour, cfg.Expiry.Interval)
	require.Equal(t, 3, cfg.Service.MaxRetries)
}

func TestParseEnvOverridesFlags(t *testing.T) {
	args := []string{"-a", ":9000", "-d", "postgres://flag", "-l", "debug", "-sweep-interval", "10m", "-max-retries", "5"}
	cfg, err := parse("loyalty", args, env(map[string]string{
		"DATABASE_URI":        "postgres://env",
		"REDEMPTION_VALIDITY": "48h",
		"MAX_RETRIES":         "1",
		"REWARDS_FILE":        "configs/rewards.yaml",
	}))
	require.NoError(t, err)

	require.Equal(t, ":9000", cfg.Handler.ServerAddr)
	require.Equal(t, "postgres://env", cfg.Store.DBDsn)
	require.Equal(t, "debug", cfg.Logger.LogLevel)
	require.Equal(t, 10*time.Minute, cfg.Expiry.Interval)
	require.Equal(t, 48*time.Hour, cfg.Service.RedemptionValidity)
	require.Equal(t, 1, cfg.Service.MaxRetries)
	require.Equal(t, "configs/rewards.yaml", cfg.Service.RewardsFile)
}

func TestParseRejects(t *testing.T) {
	_, err := parse("loyalty", []string{"-a", ""}, env(nil))
	require.ErrorIs(t, err, ErrAddressEmpty)

	_, err = parse("loyalty", []string{"-points-validity", "0s"}, env(nil))
	require.ErrorIs(t, err, ErrInvalidDuration)

	_, err = parse("loyalty", []string{"-max-retries", "-1"}, env(nil))
	require.ErrorIs(t, err, ErrInvalidRetries)

	_, err = parse("loyalty", nil, env(map[string]string{"SWEEP_INTERVAL": "hourly"}))
	require.ErrorContains(t, err, "SWEEP_INTERVAL")

	_, err = parse("loyalty", []string{"-unknown"}, env(nil))
	require.Error(t, err)
}
