package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iurnickita/loyalty/internal/model"
)

type memoryEntry struct {
	seq int64
	tx  model.Transaction
}

type memory struct {
	mu           sync.RWMutex
	seq          int64
	accounts     map[string]model.Account
	transactions map[string][]memoryEntry
	lapses       map[string]time.Time
	rewards      map[string]model.Reward
	redemptions  map[string]model.Redemption
	codes        map[string]string
	orders       map[string]model.PurchaseOrder
}

// NewMemory keeps the whole ledger in process memory.
func NewMemory() Store {
	return &memory{
		accounts:     make(map[string]model.Account),
		transactions: make(map[string][]memoryEntry),
		lapses:       make(map[string]time.Time),
		rewards:      make(map[string]model.Reward),
		redemptions:  make(map[string]model.Redemption),
		codes:        make(map[string]string),
		orders:       make(map[string]model.PurchaseOrder),
	}
}

func (m *memory) CreateAccount(_ context.Context, account model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[account.ID]; ok {
		return ErrAlreadyExists
	}
	m.accounts[account.ID] = account
	return nil
}

func (m *memory) GetAccount(_ context.Context, id string) (model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, ok := m.accounts[id]
	if !ok {
		return model.Account{}, ErrNotFound
	}
	return account, nil
}

func (m *memory) Commit(_ context.Context, c Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// every check runs before the first write
	current, ok := m.accounts[c.Account.ID]
	if !ok || current.Version != c.ExpectedVersion {
		return ErrConflict
	}
	if t := c.Transaction; t != nil && t.Type == model.TransactionEarn && t.OrderRef != "" {
		if _, found := m.findEarn(t.AccountID, t.OrderRef); found {
			return ErrDuplicate
		}
	}
	if c.LapseOf != "" {
		if _, lapsed := m.lapses[c.LapseOf]; lapsed {
			return ErrDuplicate
		}
	}
	if r := c.Redemption; r != nil {
		if _, taken := m.codes[r.Code]; taken {
			return ErrCodeCollision
		}
	}

	m.accounts[c.Account.ID] = c.Account
	if t := c.Transaction; t != nil {
		m.seq++
		m.transactions[t.AccountID] = append(m.transactions[t.AccountID], memoryEntry{seq: m.seq, tx: *t})
	}
	if c.LapseOf != "" {
		m.lapses[c.LapseOf] = c.Account.UpdatedAt
	}
	if r := c.Redemption; r != nil {
		m.redemptions[r.ID] = *r
		m.codes[r.Code] = r.ID
	}
	return nil
}

func (m *memory) findEarn(accountID string, orderRef string) (model.Transaction, bool) {
	for _, e := range m.transactions[accountID] {
		if e.tx.Type == model.TransactionEarn && e.tx.OrderRef == orderRef {
			return e.tx, true
		}
	}
	return model.Transaction{}, false
}

func (m *memory) ListTransactions(_ context.Context, accountID string, limit int, offset int) ([]model.Transaction, error) {
	m.mu.RLock()
	entries := append([]memoryEntry(nil), m.transactions[accountID]...)
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.tx.CreatedAt.Equal(b.tx.CreatedAt) {
			return a.tx.CreatedAt.After(b.tx.CreatedAt)
		}
		return a.seq > b.seq
	})

	transactions := []model.Transaction{}
	if offset >= len(entries) {
		return transactions, nil
	}
	end := len(entries)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	for _, e := range entries[offset:end] {
		transactions = append(transactions, e.tx)
	}
	return transactions, nil
}

func (m *memory) SumTransactions(_ context.Context, accountID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, e := range m.transactions[accountID] {
		sum += e.tx.Amount
	}
	return sum, nil
}

func (m *memory) FindEarnByOrder(_ context.Context, accountID string, orderRef string) (model.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.findEarn(accountID, orderRef)
	if !ok {
		return model.Transaction{}, ErrNotFound
	}
	return t, nil
}

func (m *memory) ListExpiredEarns(_ context.Context, asOf time.Time, limit int) ([]model.Transaction, error) {
	m.mu.RLock()
	var expired []memoryEntry
	for _, entries := range m.transactions {
		for _, e := range entries {
			if e.tx.Type != model.TransactionEarn || e.tx.ExpiresAt == nil || e.tx.ExpiresAt.After(asOf) {
				continue
			}
			if _, lapsed := m.lapses[e.tx.ID]; lapsed {
				continue
			}
			expired = append(expired, e)
		}
	}
	m.mu.RUnlock()

	sort.Slice(expired, func(i, j int) bool {
		a, b := expired[i], expired[j]
		if !a.tx.ExpiresAt.Equal(*b.tx.ExpiresAt) {
			return a.tx.ExpiresAt.Before(*b.tx.ExpiresAt)
		}
		return a.seq < b.seq
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	transactions := make([]model.Transaction, 0, len(expired))
	for _, e := range expired {
		transactions = append(transactions, e.tx)
	}
	return transactions, nil
}

func (m *memory) ListRewards(_ context.Context) ([]model.Reward, error) {
	m.mu.RLock()
	rewards := make([]model.Reward, 0, len(m.rewards))
	for _, r := range m.rewards {
		rewards = append(rewards, r)
	}
	m.mu.RUnlock()

	sort.Slice(rewards, func(i, j int) bool {
		if rewards[i].PointsCost != rewards[j].PointsCost {
			return rewards[i].PointsCost < rewards[j].PointsCost
		}
		return rewards[i].ID < rewards[j].ID
	})
	return rewards, nil
}

func (m *memory) GetReward(_ context.Context, id string) (model.Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rewards[id]
	if !ok {
		return model.Reward{}, ErrNotFound
	}
	return r, nil
}

func (m *memory) PutReward(_ context.Context, reward model.Reward) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rewards[reward.ID] = reward
	return nil
}

func (m *memory) GetRedemption(_ context.Context, id string) (model.Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.redemptions[id]
	if !ok {
		return model.Redemption{}, ErrNotFound
	}
	return r, nil
}

func (m *memory) ListRedemptions(_ context.Context, accountID string) ([]model.Redemption, error) {
	m.mu.RLock()
	redemptions := []model.Redemption{}
	for _, r := range m.redemptions {
		if r.AccountID == accountID {
			redemptions = append(redemptions, r)
		}
	}
	m.mu.RUnlock()

	sort.Slice(redemptions, func(i, j int) bool {
		return redemptions[i].CreatedAt.After(redemptions[j].CreatedAt)
	})
	return redemptions, nil
}

func (m *memory) RedemptionCodeExists(_ context.Context, code string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.codes[code]
	return ok, nil
}

func (m *memory) ExpireRedemptions(_ context.Context, asOf time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, r := range m.redemptions {
		if r.Status == model.RedemptionActive && !r.ExpiresAt.After(asOf) {
			r.Status = model.RedemptionExpired
			m.redemptions[id] = r
			n++
		}
	}
	return n, nil
}

func (m *memory) CreatePurchaseOrder(_ context.Context, order model.PurchaseOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.orders[order.Number]; ok {
		if existing.AccountID != order.AccountID {
			return ErrAlreadyExists
		}
		return ErrDuplicate
	}
	m.orders[order.Number] = order
	return nil
}

func (m *memory) UpdatePurchaseOrder(_ context.Context, order model.PurchaseOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.orders[order.Number]
	if !ok || existing.AccountID != order.AccountID {
		return ErrNotFound
	}
	existing.Status = order.Status
	existing.Accrual = order.Accrual
	existing.UpdatedAt = order.UpdatedAt
	m.orders[order.Number] = existing
	return nil
}

func (m *memory) ListPendingPurchaseOrders(_ context.Context) ([]model.PurchaseOrder, error) {
	m.mu.RLock()
	orders := []model.PurchaseOrder{}
	for _, o := range m.orders {
		if o.Status.Pending() {
			orders = append(orders, o)
		}
	}
	m.mu.RUnlock()

	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].UploadedAt.Equal(orders[j].UploadedAt) {
			return orders[i].UploadedAt.Before(orders[j].UploadedAt)
		}
		return orders[i].Number < orders[j].Number
	})
	return orders, nil
}

func (m *memory) Ping(context.Context) error { return nil }

func (m *memory) Close() error { return nil }
