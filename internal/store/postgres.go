package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/iurnickita/loyalty/internal/model"
)

const pgUniqueViolation = "23505"

var schema = []string{
	// Account aggregate. balance is a materialized sum of the journal below.
	`CREATE TABLE IF NOT EXISTS loyalty_account (
		id              VARCHAR(64) PRIMARY KEY,
		balance         BIGINT NOT NULL CHECK (balance >= 0),
		lifetime_points BIGINT NOT NULL CHECK (lifetime_points >= 0),
		tier            VARCHAR(16) NOT NULL,
		version         BIGINT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL
	);`,

	// Points journal. Rows are only ever inserted.
	`CREATE TABLE IF NOT EXISTS loyalty_transaction (
		seq         BIGSERIAL UNIQUE, -- tie-break for entries in the same instant
		id          VARCHAR(36) PRIMARY KEY,
		account_id  VARCHAR(64) NOT NULL REFERENCES loyalty_account (id),
		type        VARCHAR(16) NOT NULL,
		amount      BIGINT NOT NULL,
		description TEXT NOT NULL,
		order_ref   VARCHAR(64) NOT NULL DEFAULT '',
		expires_at  TIMESTAMPTZ,
		ref_id      VARCHAR(36) NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS loyalty_transaction_account_idx
		ON loyalty_transaction (account_id, created_at DESC, seq DESC);`,
	// an order is credited to an account at most once
	`CREATE UNIQUE INDEX IF NOT EXISTS loyalty_transaction_earn_order_idx
		ON loyalty_transaction (account_id, order_ref) WHERE type = 'earn' AND order_ref <> '';`,

	// One row per earn entry that has already lapsed.
	`CREATE TABLE IF NOT EXISTS point_lapse (
		earn_id   VARCHAR(36) PRIMARY KEY REFERENCES loyalty_transaction (id),
		lapsed_at TIMESTAMPTZ NOT NULL
	);`,

	// Catalog, seeded from YAML at start-up.
	`CREATE TABLE IF NOT EXISTS reward (
		id                  VARCHAR(64) PRIMARY KEY,
		name_en             TEXT NOT NULL,
		name_ar             TEXT NOT NULL DEFAULT '',
		description_en      TEXT NOT NULL DEFAULT '',
		description_ar      TEXT NOT NULL DEFAULT '',
		points_cost         BIGINT NOT NULL CHECK (points_cost > 0),
		type                VARCHAR(16) NOT NULL,
		discount_type       VARCHAR(16) NOT NULL DEFAULT '',
		discount_value      NUMERIC(12, 2) NOT NULL DEFAULT 0,
		product_id          VARCHAR(64) NOT NULL DEFAULT '',
		minimum_order_value NUMERIC(12, 2),
		active              BOOLEAN NOT NULL
	);`,

	// Issued codes. Each row is written in the same transaction as its redeem entry.
	`CREATE TABLE IF NOT EXISTS redemption (
		id             VARCHAR(36) PRIMARY KEY,
		account_id     VARCHAR(64) NOT NULL REFERENCES loyalty_account (id),
		reward_id      VARCHAR(64) NOT NULL,
		points_used    BIGINT NOT NULL,
		code           VARCHAR(64) NOT NULL UNIQUE,
		status         VARCHAR(16) NOT NULL,
		used_at        TIMESTAMPTZ,
		expires_at     TIMESTAMPTZ NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL,
		transaction_id VARCHAR(36) NOT NULL REFERENCES loyalty_transaction (id)
	);`,

	// Orders handed to the accrual system. A row outlives the poller, so
	// NEW and PROCESSING orders are picked up again after a restart.
	`CREATE TABLE IF NOT EXISTS purchase_order (
		number      VARCHAR(64) PRIMARY KEY,
		account_id  VARCHAR(64) NOT NULL,
		status      VARCHAR(16) NOT NULL,
		accrual     BIGINT NOT NULL DEFAULT 0,
		uploaded_at TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS purchase_order_pending_idx
		ON purchase_order (uploaded_at) WHERE status IN ('NEW', 'PROCESSING');`,
}

const (
	accountColumns     = "id, balance, lifetime_points, tier, version, created_at, updated_at"
	transactionColumns = "id, account_id, type, amount, description, order_ref, expires_at, ref_id, created_at"
	rewardColumns      = "id, name_en, name_ar, description_en, description_ar, points_cost, type," +
		" discount_type, discount_value, product_id, minimum_order_value, active"
	redemptionColumns = "id, account_id, reward_id, points_used, code, status, used_at, expires_at, created_at, transaction_id"
	orderColumns      = "number, account_id, status, accrual, uploaded_at, updated_at"
)

type postgres struct {
	db *sqlx.DB
}

// NewPostgres connects through the pgx driver and creates missing tables.
func NewPostgres(ctx context.Context, dsn string) (Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, unavailable(err)
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, err
		}
	}

	return newPostgres(db), nil
}

func newPostgres(db *sqlx.DB) *postgres {
	return &postgres{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (s *postgres) CreateAccount(ctx context.Context, account model.Account) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO loyalty_account ("+accountColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7)",
		account.ID,
		account.Balance,
		account.LifetimePoints,
		account.Tier,
		account.Version,
		account.CreatedAt,
		account.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return unavailable(err)
	}
	return nil
}

func (s *postgres) GetAccount(ctx context.Context, id string) (model.Account, error) {
	var account model.Account
	err := s.db.GetContext(ctx, &account,
		"SELECT "+accountColumns+" FROM loyalty_account WHERE id = $1", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Account{}, ErrNotFound
		}
		return model.Account{}, unavailable(err)
	}
	return account, nil
}

func (s *postgres) Commit(ctx context.Context, c Commit) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	// Compare-and-swap on the version column
	res, err := tx.ExecContext(ctx,
		"UPDATE loyalty_account"+
			" SET balance = $1, lifetime_points = $2, tier = $3, version = $4, updated_at = $5"+
			" WHERE id = $6 AND version = $7",
		c.Account.Balance,
		c.Account.LifetimePoints,
		c.Account.Tier,
		c.Account.Version,
		c.Account.UpdatedAt,
		c.Account.ID,
		c.ExpectedVersion)
	if err != nil {
		return unavailable(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if affected == 0 {
		return ErrConflict
	}

	// Journal entry; a unique violation is an order credited twice
	if t := c.Transaction; t != nil {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO loyalty_transaction ("+transactionColumns+")"+
				" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
			t.ID, t.AccountID, t.Type, t.Amount, t.Description, t.OrderRef, t.ExpiresAt, t.RefID, t.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return unavailable(err)
		}
	}

	// The lapse marker makes expiry idempotent: a second sweep of the same earn fails here
	if c.LapseOf != "" {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO point_lapse (earn_id, lapsed_at) VALUES ($1, $2)",
			c.LapseOf, c.Account.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return unavailable(err)
		}
	}

	if r := c.Redemption; r != nil {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO redemption ("+redemptionColumns+")"+
				" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
			r.ID, r.AccountID, r.RewardID, r.PointsUsed, r.Code, r.Status, r.UsedAt, r.ExpiresAt, r.CreatedAt, r.TransactionID)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrCodeCollision
			}
			return unavailable(err)
		}
	}

	if err = tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *postgres) ListTransactions(ctx context.Context, accountID string, limit int, offset int) ([]model.Transaction, error) {
	transactions := []model.Transaction{}
	err := s.db.SelectContext(ctx, &transactions,
		"SELECT "+transactionColumns+" FROM loyalty_transaction"+
			" WHERE account_id = $1"+
			" ORDER BY created_at DESC, seq DESC"+
			" LIMIT $2 OFFSET $3",
		accountID, limit, offset)
	if err != nil {
		return nil, unavailable(err)
	}
	return transactions, nil
}

func (s *postgres) SumTransactions(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := s.db.GetContext(ctx, &sum,
		"SELECT COALESCE(SUM(amount), 0) FROM loyalty_transaction WHERE account_id = $1", accountID)
	if err != nil {
		return 0, unavailable(err)
	}
	return sum, nil
}

func (s *postgres) FindEarnByOrder(ctx context.Context, accountID string, orderRef string) (model.Transaction, error) {
	var t model.Transaction
	err := s.db.GetContext(ctx, &t,
		"SELECT "+transactionColumns+" FROM loyalty_transaction"+
			" WHERE account_id = $1 AND order_ref = $2 AND type = $3",
		accountID, orderRef, model.TransactionEarn)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Transaction{}, ErrNotFound
		}
		return model.Transaction{}, unavailable(err)
	}
	return t, nil
}

func (s *postgres) ListExpiredEarns(ctx context.Context, asOf time.Time, limit int) ([]model.Transaction, error) {
	transactions := []model.Transaction{}
	err := s.db.SelectContext(ctx, &transactions,
		"SELECT t.id, t.account_id, t.type, t.amount, t.description, t.order_ref, t.expires_at, t.ref_id, t.created_at"+
			" FROM loyalty_transaction t"+
			" LEFT JOIN point_lapse l ON l.earn_id = t.id"+
			" WHERE t.type = $1 AND t.expires_at <= $2 AND l.earn_id IS NULL"+
			" ORDER BY t.expires_at, t.seq"+
			" LIMIT $3",
		model.TransactionEarn, asOf, limit)
	if err != nil {
		return nil, unavailable(err)
	}
	return transactions, nil
}

type rewardRow struct {
	ID                string              `db:"id"`
	NameEn            string              `db:"name_en"`
	NameAr            string              `db:"name_ar"`
	DescriptionEn     string              `db:"description_en"`
	DescriptionAr     string              `db:"description_ar"`
	PointsCost        int64               `db:"points_cost"`
	Type              string              `db:"type"`
	DiscountType      string              `db:"discount_type"`
	DiscountValue     decimal.Decimal     `db:"discount_value"`
	ProductID         string              `db:"product_id"`
	MinimumOrderValue decimal.NullDecimal `db:"minimum_order_value"`
	Active            bool                `db:"active"`
}

func (r rewardRow) reward() model.Reward {
	reward := model.Reward{
		ID:            r.ID,
		Name:          model.Localized{En: r.NameEn, Ar: r.NameAr},
		Description:   model.Localized{En: r.DescriptionEn, Ar: r.DescriptionAr},
		PointsCost:    r.PointsCost,
		Type:          model.RewardType(r.Type),
		DiscountType:  model.DiscountType(r.DiscountType),
		DiscountValue: r.DiscountValue,
		ProductID:     r.ProductID,
		Active:        r.Active,
	}
	if r.MinimumOrderValue.Valid {
		v := r.MinimumOrderValue.Decimal
		reward.MinimumOrderValue = &v
	}
	return reward
}

func (s *postgres) ListRewards(ctx context.Context) ([]model.Reward, error) {
	var rows []rewardRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+rewardColumns+" FROM reward ORDER BY points_cost, id")
	if err != nil {
		return nil, unavailable(err)
	}
	rewards := make([]model.Reward, 0, len(rows))
	for _, row := range rows {
		rewards = append(rewards, row.reward())
	}
	return rewards, nil
}

func (s *postgres) GetReward(ctx context.Context, id string) (model.Reward, error) {
	var row rewardRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+rewardColumns+" FROM reward WHERE id = $1", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Reward{}, ErrNotFound
		}
		return model.Reward{}, unavailable(err)
	}
	return row.reward(), nil
}

func (s *postgres) PutReward(ctx context.Context, reward model.Reward) error {
	var minimum decimal.NullDecimal
	if reward.MinimumOrderValue != nil {
		minimum = decimal.NewNullDecimal(*reward.MinimumOrderValue)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO reward ("+rewardColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)"+
			" ON CONFLICT (id) DO UPDATE SET"+
			" name_en = EXCLUDED.name_en, name_ar = EXCLUDED.name_ar,"+
			" description_en = EXCLUDED.description_en, description_ar = EXCLUDED.description_ar,"+
			" points_cost = EXCLUDED.points_cost, type = EXCLUDED.type,"+
			" discount_type = EXCLUDED.discount_type, discount_value = EXCLUDED.discount_value,"+
			" product_id = EXCLUDED.product_id, minimum_order_value = EXCLUDED.minimum_order_value,"+
			" active = EXCLUDED.active",
		reward.ID,
		reward.Name.En,
		reward.Name.Ar,
		reward.Description.En,
		reward.Description.Ar,
		reward.PointsCost,
		reward.Type,
		reward.DiscountType,
		reward.DiscountValue,
		reward.ProductID,
		minimum,
		reward.Active)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *postgres) GetRedemption(ctx context.Context, id string) (model.Redemption, error) {
	var r model.Redemption
	err := s.db.GetContext(ctx, &r,
		"SELECT "+redemptionColumns+" FROM redemption WHERE id = $1", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Redemption{}, ErrNotFound
		}
		return model.Redemption{}, unavailable(err)
	}
	return r, nil
}

func (s *postgres) ListRedemptions(ctx context.Context, accountID string) ([]model.Redemption, error) {
	redemptions := []model.Redemption{}
	err := s.db.SelectContext(ctx, &redemptions,
		"SELECT "+redemptionColumns+" FROM redemption"+
			" WHERE account_id = $1"+
			" ORDER BY created_at DESC",
		accountID)
	if err != nil {
		return nil, unavailable(err)
	}
	return redemptions, nil
}

func (s *postgres) RedemptionCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS (SELECT 1 FROM redemption WHERE code = $1)", code)
	if err != nil {
		return false, unavailable(err)
	}
	return exists, nil
}

func (s *postgres) ExpireRedemptions(ctx context.Context, asOf time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE redemption SET status = $1"+
			" WHERE status = $2 AND expires_at <= $3",
		model.RedemptionExpired, model.RedemptionActive, asOf)
	if err != nil {
		return 0, unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

// CreatePurchaseOrder registers an order for accrual tracking. The same order
// from the same account is ErrDuplicate; from another account ErrAlreadyExists.
func (s *postgres) CreatePurchaseOrder(ctx context.Context, order model.PurchaseOrder) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO purchase_order ("+orderColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6)",
		order.Number,
		order.AccountID,
		order.Status,
		order.Accrual,
		order.UploadedAt,
		order.UpdatedAt)
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return unavailable(err)
	}

	// who owns it
	var owner string
	err = s.db.GetContext(ctx, &owner,
		"SELECT account_id FROM purchase_order WHERE number = $1", order.Number)
	if err != nil {
		return unavailable(err)
	}
	if owner != order.AccountID {
		return ErrAlreadyExists
	}
	return ErrDuplicate
}

func (s *postgres) UpdatePurchaseOrder(ctx context.Context, order model.PurchaseOrder) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE purchase_order"+
			" SET status = $1, accrual = $2, updated_at = $3"+
			" WHERE number = $4 AND account_id = $5",
		order.Status,
		order.Accrual,
		order.UpdatedAt,
		order.Number,
		order.AccountID)
	if err != nil {
		return unavailable(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgres) ListPendingPurchaseOrders(ctx context.Context) ([]model.PurchaseOrder, error) {
	orders := []model.PurchaseOrder{}
	err := s.db.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM purchase_order"+
			" WHERE status IN ($1, $2)"+
			" ORDER BY uploaded_at",
		model.PurchaseOrderNew, model.PurchaseOrderProcessing)
	if err != nil {
		return nil, unavailable(err)
	}
	return orders, nil
}

func (s *postgres) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *postgres) Close() error {
	return s.db.Close()
}
