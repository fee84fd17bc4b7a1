package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iurnickita/loyalty/internal/model"
	"github.com/iurnickita/loyalty/internal/store/config"
)

type Store interface {
	CreateAccount(ctx context.Context, account model.Account) error
	GetAccount(ctx context.Context, id string) (model.Account, error)
	Commit(ctx context.Context, c Commit) error

	ListTransactions(ctx context.Context, accountID string, limit int, offset int) ([]model.Transaction, error)
	SumTransactions(ctx context.Context, accountID string) (int64, error)
	FindEarnByOrder(ctx context.Context, accountID string, orderRef string) (model.Transaction, error)
	ListExpiredEarns(ctx context.Context, asOf time.Time, limit int) ([]model.Transaction, error)

	ListRewards(ctx context.Context) ([]model.Reward, error)
	GetReward(ctx context.Context, id string) (model.Reward, error)
	PutReward(ctx context.Context, reward model.Reward) error

	GetRedemption(ctx context.Context, id string) (model.Redemption, error)
	ListRedemptions(ctx context.Context, accountID string) ([]model.Redemption, error)
	RedemptionCodeExists(ctx context.Context, code string) (bool, error)
	ExpireRedemptions(ctx context.Context, asOf time.Time) (int64, error)

	CreatePurchaseOrder(ctx context.Context, order model.PurchaseOrder) error
	UpdatePurchaseOrder(ctx context.Context, order model.PurchaseOrder) error
	ListPendingPurchaseOrders(ctx context.Context) ([]model.PurchaseOrder, error)

	Ping(ctx context.Context) error
	Close() error
}

// Commit is one atomic ledger write. The account row is swapped only if its stored
// version still equals ExpectedVersion; the transaction, lapse marker and redemption
// are written together with it or not at all.
type Commit struct {
	Account         model.Account
	ExpectedVersion int64
	Transaction     *model.Transaction
	// LapseOf marks an earn entry as expired so it is never lapsed twice.
	LapseOf    string
	Redemption *model.Redemption
}

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConflict      = errors.New("version conflict")
	ErrDuplicate     = errors.New("duplicate entry")
	ErrCodeCollision = errors.New("redemption code collision")
	ErrUnavailable   = errors.New("storage unavailable")
)

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// NewStore opens PostgreSQL when a DSN is configured and falls back to memory otherwise.
func NewStore(cfg config.Config) (Store, error) {
	if cfg.DBDsn == "" {
		return NewMemory(), nil
	}
	return NewPostgres(context.Background(), cfg.DBDsn)
}
