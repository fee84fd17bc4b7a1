// Package expiry lapses earned points and issued codes once they pass their
// expiry time.
package expiry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/loyalty/internal/balance"
	"github.com/iurnickita/loyalty/internal/expiry/config"
	"github.com/iurnickita/loyalty/internal/metrics"
	"github.com/iurnickita/loyalty/internal/store"
)

const (
	defaultInterval  = time.Hour
	defaultBatchSize = 100
)

// Result counts what one sweep did.
type Result struct {
	Lapsed             int
	Skipped            int
	Failed             int
	ExpiredRedemptions int64
}

type Sweeper struct {
	store     store.Store
	balance   balance.Balance
	interval  time.Duration
	batchSize int
	zaplog    *zap.Logger
	nowFn     func() time.Time
}

func NewSweeper(cfg config.Config, store store.Store, balance balance.Balance, zaplog *zap.Logger) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Sweeper{
		store:     store,
		balance:   balance,
		interval:  interval,
		batchSize: batchSize,
		zaplog:    zaplog,
		nowFn:     time.Now,
	}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx, s.nowFn()); err != nil && ctx.Err() == nil {
			s.zaplog.Error("expiry sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep lapses every earn entry due at now and then expires overdue
// redemptions. A failure on one entry is logged and the sweep moves on;
// running it again over the same entries changes nothing.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Result, error) {
	var res Result
	for {
		earns, err := s.store.ListExpiredEarns(ctx, now, s.batchSize)
		if err != nil {
			return res, err
		}

		progressed := false
		for _, earn := range earns {
			_, lapsed, err := s.balance.Expire(ctx, earn, now)
			switch {
			case err != nil:
				res.Failed++
				s.zaplog.Warn("earn entry not lapsed",
					zap.String("account", earn.AccountID),
					zap.String("earn", earn.ID),
					zap.Error(err))
			case lapsed:
				res.Lapsed++
				progressed = true
			default:
				res.Skipped++
				progressed = true
			}
		}
		// failed entries come back in the next batch; stop once a batch
		// holds nothing but them
		if len(earns) < s.batchSize || !progressed {
			break
		}
	}

	expired, err := s.store.ExpireRedemptions(ctx, now)
	if err != nil {
		return res, err
	}
	res.ExpiredRedemptions = expired

	metrics.RecordSweep(res.Lapsed, res.ExpiredRedemptions)
	if res.Lapsed > 0 || res.Failed > 0 || res.ExpiredRedemptions > 0 {
		s.zaplog.Info("expiry sweep done",
			zap.Int("lapsed", res.Lapsed),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed),
			zap.Int64("redemptions", res.ExpiredRedemptions))
	}
	return res, nil
}
