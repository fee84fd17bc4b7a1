package config

import "time"

type Config struct {
	AccrualAddr         string
	AccrualPollInterval time.Duration
	TiersFile           string
	RewardsFile         string
	RedemptionValidity  time.Duration
	PointsValidity      time.Duration
	MaxRetries          int
}
