package config

import "time"

type Config struct {
	Interval  time.Duration
	BatchSize int
}
