// Package balance owns every account mutation. Each change is one ledger entry
// applied to the account aggregate and committed together with it.
package balance

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iurnickita/loyalty/internal/metrics"
	"github.com/iurnickita/loyalty/internal/model"
	"github.com/iurnickita/loyalty/internal/store"
	"github.com/iurnickita/loyalty/internal/tier"
)

const (
	DefaultMaxRetries = 3
	DefaultPageSize   = 50
)

var (
	ErrInvalidAmountSign   = errors.New("amount sign does not match entry type")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrConcurrencyConflict = errors.New("concurrent update, retries exhausted")
	ErrDuplicateRequest    = errors.New("order already credited")
	ErrBalanceMismatch     = errors.New("balance does not match ledger")
	ErrNotEarn             = errors.New("only earn entries lapse")
)

// AttachFunc builds a record committed atomically with the entry. It sees the
// account as it will be after the entry and the entry itself. Returning an
// error wrapping store.ErrCodeCollision retries the whole append.
type AttachFunc func(account model.Account, tx model.Transaction) (*model.Redemption, error)

// Entry is a request to append one ledger transaction.
type Entry struct {
	AccountID   string
	Type        model.TransactionType
	Amount      int64
	Description string
	OrderRef    string
	ExpiresAt   *time.Time
	RefID       string
	Attach      AttachFunc
}

// Posting is the result of a committed entry.
type Posting struct {
	Account     model.Account
	Transaction model.Transaction
	Redemption  *model.Redemption
}

type Balance interface {
	GetOrCreate(ctx context.Context, accountID string) (model.Account, error)
	Append(ctx context.Context, e Entry) (Posting, error)
	Expire(ctx context.Context, earn model.Transaction, now time.Time) (Posting, bool, error)
	History(ctx context.Context, accountID string, pageSize int) iter.Seq2[model.Transaction, error]
	Page(ctx context.Context, accountID string, limit int, offset int) ([]model.Transaction, error)
	Verify(ctx context.Context, accountID string) error
}

type balance struct {
	store      store.Store
	tiers      tier.Table
	locks      *keyedLocker
	maxRetries int
	log        *zap.Logger
	now        func() time.Time
}

func NewBalance(store store.Store, tiers tier.Table, maxRetries int, log *zap.Logger) Balance {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return &balance{
		store:      store,
		tiers:      tiers,
		locks:      newKeyedLocker(),
		maxRetries: maxRetries,
		log:        log,
		now:        time.Now,
	}
}

// CheckSign enforces the sign policy: earn is positive, redeem and expire are
// negative, adjust may go either way but never be zero.
func CheckSign(t model.TransactionType, amount int64) error {
	var ok bool
	switch t {
	case model.TransactionEarn:
		ok = amount > 0
	case model.TransactionRedeem, model.TransactionExpire:
		ok = amount < 0
	case model.TransactionAdjust:
		ok = amount != 0
	}
	if !ok {
		return fmt.Errorf("%w: %s %d", ErrInvalidAmountSign, t, amount)
	}
	return nil
}

// Apply returns the account after tx. It does not touch storage.
func Apply(account model.Account, tx model.Transaction, tiers tier.Table) (model.Account, error) {
	next := account.Balance + tx.Amount
	if next < 0 {
		return account, fmt.Errorf("%w: balance %d, amount %d", ErrInsufficientBalance, account.Balance, tx.Amount)
	}

	account.Balance = next
	if tx.Amount > 0 {
		account.LifetimePoints += tx.Amount
	}
	account.Tier = tiers.TierFor(account.LifetimePoints)
	account.Version++
	account.UpdatedAt = tx.CreatedAt
	return account, nil
}

func (b *balance) GetOrCreate(ctx context.Context, accountID string) (model.Account, error) {
	account, err := b.store.GetAccount(ctx, accountID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.Account{}, err
	}

	now := b.now().UTC()
	account = model.Account{
		ID:        accountID,
		Tier:      b.tiers.TierFor(0),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = b.store.CreateAccount(ctx, account)
	switch {
	case err == nil:
		b.log.Info("account created", zap.String("account", accountID))
		return account, nil
	case errors.Is(err, store.ErrAlreadyExists):
		return b.store.GetAccount(ctx, accountID)
	default:
		return model.Account{}, err
	}
}

func (b *balance) Append(ctx context.Context, e Entry) (Posting, error) {
	if err := CheckSign(e.Type, e.Amount); err != nil {
		b.log.Error("ledger entry rejected",
			zap.String("account", e.AccountID),
			zap.String("type", string(e.Type)),
			zap.Int64("amount", e.Amount),
			zap.Error(err))
		return Posting{}, err
	}

	unlock := b.locks.Lock(e.AccountID)
	defer unlock()

	if e.Type == model.TransactionEarn && e.OrderRef != "" {
		_, err := b.store.FindEarnByOrder(ctx, e.AccountID, e.OrderRef)
		if err == nil {
			return Posting{}, ErrDuplicateRequest
		}
		if !errors.Is(err, store.ErrNotFound) {
			return Posting{}, err
		}
	}

	posting, err := b.commit(ctx, e.AccountID, func(account model.Account) (store.Commit, Posting, error) {
		tx := model.Transaction{
			ID:          uuid.NewString(),
			AccountID:   e.AccountID,
			Type:        e.Type,
			Amount:      e.Amount,
			Description: e.Description,
			OrderRef:    e.OrderRef,
			ExpiresAt:   e.ExpiresAt,
			RefID:       e.RefID,
			CreatedAt:   b.now().UTC(),
		}
		next, err := Apply(account, tx, b.tiers)
		if err != nil {
			return store.Commit{}, Posting{}, err
		}

		var redemption *model.Redemption
		if e.Attach != nil {
			redemption, err = e.Attach(next, tx)
			if err != nil {
				return store.Commit{}, Posting{}, err
			}
			if redemption != nil && tx.RefID == "" {
				tx.RefID = redemption.ID
			}
		}

		c := store.Commit{
			Account:         next,
			ExpectedVersion: account.Version,
			Transaction:     &tx,
			Redemption:      redemption,
		}
		return c, Posting{Account: next, Transaction: tx, Redemption: redemption}, nil
	})
	if errors.Is(err, store.ErrDuplicate) {
		return Posting{}, ErrDuplicateRequest
	}
	if err != nil {
		return Posting{}, err
	}

	metrics.RecordEntry(string(e.Type), e.Amount)
	b.log.Debug("ledger entry appended",
		zap.String("account", e.AccountID),
		zap.String("transaction", posting.Transaction.ID),
		zap.String("type", string(e.Type)),
		zap.Int64("amount", e.Amount),
		zap.Int64("balance", posting.Account.Balance))
	return posting, nil
}

// Expire lapses one earn entry due at now. Only what is still on the balance
// is deducted, so an account that already spent the points loses nothing more.
// The lapse is recorded even when nothing is deducted; a repeated call, or a
// call before the entry is due, reports false.
func (b *balance) Expire(ctx context.Context, earn model.Transaction, now time.Time) (Posting, bool, error) {
	if earn.Type != model.TransactionEarn {
		return Posting{}, false, fmt.Errorf("%w: %s", ErrNotEarn, earn.Type)
	}
	if earn.ExpiresAt == nil || earn.ExpiresAt.After(now) {
		return Posting{}, false, nil
	}

	unlock := b.locks.Lock(earn.AccountID)
	defer unlock()

	posting, err := b.commit(ctx, earn.AccountID, func(account model.Account) (store.Commit, Posting, error) {
		createdAt := b.now().UTC()
		deduct := min(earn.Amount, account.Balance)
		if deduct <= 0 {
			next := account
			next.Version++
			next.UpdatedAt = createdAt
			c := store.Commit{Account: next, ExpectedVersion: account.Version, LapseOf: earn.ID}
			return c, Posting{Account: next}, nil
		}

		tx := model.Transaction{
			ID:          uuid.NewString(),
			AccountID:   earn.AccountID,
			Type:        model.TransactionExpire,
			Amount:      -deduct,
			Description: fmt.Sprintf("Expired: %d points", deduct),
			RefID:       earn.ID,
			CreatedAt:   createdAt,
		}
		next, err := Apply(account, tx, b.tiers)
		if err != nil {
			return store.Commit{}, Posting{}, err
		}
		c := store.Commit{Account: next, ExpectedVersion: account.Version, Transaction: &tx, LapseOf: earn.ID}
		return c, Posting{Account: next, Transaction: tx}, nil
	})
	if errors.Is(err, store.ErrDuplicate) {
		return Posting{}, false, nil
	}
	if err != nil {
		return Posting{}, false, err
	}

	if posting.Transaction.ID != "" {
		metrics.RecordEntry(string(model.TransactionExpire), posting.Transaction.Amount)
	}
	b.log.Info("earn entry lapsed",
		zap.String("account", earn.AccountID),
		zap.String("earn", earn.ID),
		zap.Int64("deducted", -posting.Transaction.Amount))
	return posting, true, nil
}

// commit runs read-build-commit under the caller's account lock and repeats it
// while the store reports a lost version race or a taken redemption code. A
// build that finds only taken codes reports ErrCodeCollision the same way.
func (b *balance) commit(ctx context.Context, accountID string,
	build func(account model.Account) (store.Commit, Posting, error)) (Posting, error) {
	for attempt := 0; ; attempt++ {
		// every attempt starts from a fresh read of the account
		account, err := b.GetOrCreate(ctx, accountID)
		if err != nil {
			return Posting{}, err
		}
		c, posting, err := build(account)
		if err == nil {
			err = b.store.Commit(ctx, c)
			if err == nil {
				return posting, nil
			}
		} else if !errors.Is(err, store.ErrCodeCollision) {
			return Posting{}, err
		}

		var reason string
		switch {
		case errors.Is(err, store.ErrConflict):
			reason = "version"
		case errors.Is(err, store.ErrCodeCollision):
			reason = "code"
		default:
			return Posting{}, err
		}
		if attempt >= b.maxRetries {
			b.log.Warn("ledger commit retries exhausted",
				zap.String("account", accountID),
				zap.String("reason", reason),
				zap.Int("attempts", attempt+1))
			return Posting{}, ErrConcurrencyConflict
		}
		metrics.RecordRetry(reason)
		b.log.Debug("retrying ledger commit",
			zap.String("account", accountID),
			zap.String("reason", reason),
			zap.Int("attempt", attempt+1))
	}
}

// History yields the account's entries newest first, fetching pageSize at a
// time. Ranging over the result again starts from the newest entry.
func (b *balance) History(ctx context.Context, accountID string, pageSize int) iter.Seq2[model.Transaction, error] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return func(yield func(model.Transaction, error) bool) {
		for offset := 0; ; offset += pageSize {
			page, err := b.store.ListTransactions(ctx, accountID, pageSize, offset)
			if err != nil {
				yield(model.Transaction{}, err)
				return
			}
			for _, tx := range page {
				if !yield(tx, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

func (b *balance) Page(ctx context.Context, accountID string, limit int, offset int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return b.store.ListTransactions(ctx, accountID, limit, offset)
}

func (b *balance) Verify(ctx context.Context, accountID string) error {
	account, err := b.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	sum, err := b.store.SumTransactions(ctx, accountID)
	if err != nil {
		return err
	}
	if sum != account.Balance {
		b.log.Error("ledger out of balance",
			zap.String("account", accountID),
			zap.Int64("balance", account.Balance),
			zap.Int64("ledger", sum))
		return fmt.Errorf("%w: balance %d, ledger %d", ErrBalanceMismatch, account.Balance, sum)
	}
	return nil
}
