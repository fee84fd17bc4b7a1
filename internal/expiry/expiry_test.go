package expiry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/loyalty/internal/balance"
	"github.com/iurnickita/loyalty/internal/expiry/config"
	"github.com/iurnickita/loyalty/internal/model"
	"github.com/iurnickita/loyalty/internal/store"
	"github.com/iurnickita/loyalty/internal/tier"
)

var start = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

// stubbornBalance refuses to lapse one earn entry.
type stubbornBalance struct {
	balance.Balance
	refuse string
}

func (b stubbornBalance) Expire(ctx context.Context, earn model.Transaction, now time.Time) (balance.Posting, bool, error) {
	if earn.ID == b.refuse {
		return balance.Posting{}, false, errors.New("refused")
	}
	return b.Balance.Expire(ctx, earn, now)
}

func appendEarn(t *testing.T, b balance.Balance, account string, amount int64, order string, expiresAt time.Time) model.Transaction {
	t.Helper()
	posting, err := b.Append(context.Background(), balance.Entry{
		AccountID: account, Type: model.TransactionEarn, Amount: amount,
		Description: "Order " + order, OrderRef: order, ExpiresAt: &expiresAt,
	})
	require.NoError(t, err)
	return posting.Transaction
}

func TestSweepLapsesDueEarns(t *testing.T) {
	s := store.NewMemory()
	b := balance.NewBalance(s, tier.Default(), balance.DefaultMaxRetries, zap.NewNop())
	sweeper := NewSweeper(config.Config{}, s, b, zap.NewNop())
	ctx := context.Background()

	appendEarn(t, b, "100001", 1000, "1", start.AddDate(5, 0, 0))
	appendEarn(t, b, "100001", 200, "2", start.AddDate(1, 0, 0))

	// before the due date nothing happens
	res, err := sweeper.Sweep(ctx, start.AddDate(0, 11, 0))
	require.NoError(t, err)
	require.Equal(t, Result{}, res)

	account, err := s.GetAccount(ctx, "100001")
	require.NoError(t, err)
	require.Equal(t, int64(1200), account.Balance)

	res, err = sweeper.Sweep(ctx, start.AddDate(1, 0, 1))
	require.NoError(t, err)
	require.Equal(t, 1, res.Lapsed)

	account, err = s.GetAccount(ctx, "100001")
	require.NoError(t, err)
	require.Equal(t, int64(1000), account.Balance)
	require.Equal(t, int64(1200), account.LifetimePoints)
	require.Equal(t, model.TierSilver, account.Tier)

	// a second run over the same entry changes nothing
	res, err = sweeper.Sweep(ctx, start.AddDate(1, 0, 2))
	require.NoError(t, err)
	require.Equal(t, Result{}, res)

	transactions, err := s.ListTransactions(ctx, "100001", 0, 0)
	require.NoError(t, err)
	require.Len(t, transactions, 3)
	require.Equal(t, model.TransactionExpire, transactions[0].Type)
	require.Equal(t, int64(-200), transactions[0].Amount)
	require.NoError(t, b.Verify(ctx, "100001"))
}

func TestSweepBatches(t *testing.T) {
	s := store.NewMemory()
	b := balance.NewBalance(s, tier.Default(), balance.DefaultMaxRetries, zap.NewNop())
	sweeper := NewSweeper(config.Config{BatchSize: 2}, s, b, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		account := fmt.Sprintf("10000%d", i%2)
		appendEarn(t, b, account, 10, fmt.Sprint(i), start)
	}

	res, err := sweeper.Sweep(ctx, start.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 5, res.Lapsed)

	for _, account := range []string{"100000", "100001"} {
		got, err := s.GetAccount(ctx, account)
		require.NoError(t, err)
		require.Zero(t, got.Balance)
		require.NoError(t, b.Verify(ctx, account))
	}
}

func TestSweepSurvivesFailures(t *testing.T) {
	s := store.NewMemory()
	b := balance.NewBalance(s, tier.Default(), balance.DefaultMaxRetries, zap.NewNop())
	ctx := context.Background()

	stuck := appendEarn(t, b, "100001", 10, "1", start)
	appendEarn(t, b, "100001", 20, "2", start)
	appendEarn(t, b, "100001", 30, "3", start)

	sweeper := NewSweeper(config.Config{BatchSize: 1}, s, stubbornBalance{Balance: b, refuse: stuck.ID}, zap.NewNop())

	res, err := sweeper.Sweep(ctx, start.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Zero(t, res.Lapsed)

	// the stuck entry sorts first, so with one entry per batch the sweep stops there
	sweeper.batchSize = 10
	res, err = sweeper.Sweep(ctx, start.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 2, res.Lapsed)

	account, err := s.GetAccount(ctx, "100001")
	require.NoError(t, err)
	require.Equal(t, int64(10), account.Balance)
}

func TestSweepExpiresRedemptions(t *testing.T) {
	s := store.NewMemory()
	b := balance.NewBalance(s, tier.Default(), balance.DefaultMaxRetries, zap.NewNop())
	sweeper := NewSweeper(config.Config{}, s, b, zap.NewNop())
	ctx := context.Background()

	_, err := b.Append(ctx, balance.Entry{AccountID: "100001", Type: model.TransactionAdjust, Amount: 500})
	require.NoError(t, err)
	posting, err := b.Append(ctx, balance.Entry{
		AccountID: "100001", Type: model.TransactionRedeem, Amount: -300,
		Attach: func(account model.Account, tx model.Transaction) (*model.Redemption, error) {
			return &model.Redemption{
				ID: "r-1", AccountID: account.ID, RewardID: "free-shipping", PointsUsed: 300, Code: "CODE",
				Status: model.RedemptionActive, ExpiresAt: start.Add(24 * time.Hour), CreatedAt: start, TransactionID: tx.ID,
			}, nil
		},
	})
	require.NoError(t, err)

	res, err := sweeper.Sweep(ctx, start)
	require.NoError(t, err)
	require.Zero(t, res.ExpiredRedemptions)

	res, err = sweeper.Sweep(ctx, start.Add(25*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), res.ExpiredRedemptions)

	r, err := s.GetRedemption(ctx, posting.Redemption.ID)
	require.NoError(t, err)
	require.Equal(t, model.RedemptionExpired, r.Status)

	// points spent on an expired code stay spent
	account, err := s.GetAccount(ctx, "100001")
	require.NoError(t, err)
	require.Equal(t, int64(200), account.Balance)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := store.NewMemory()
	b := balance.NewBalance(s, tier.Default(), balance.DefaultMaxRetries, zap.NewNop())
	sweeper := NewSweeper(config.Config{Interval: time.Millisecond}, s, b, zap.NewNop())
	sweeper.nowFn = func() time.Time { return start.Add(time.Hour) }

	appendEarn(t, b, "100001", 50, "1", start)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		account, err := s.GetAccount(context.Background(), "100001")
		return err == nil && account.Balance == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
