package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tiers

type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// Tiers lists every tier in ascending order.
var Tiers = []Tier{TierBronze, TierSilver, TierGold, TierPlatinum}

func (t Tier) Valid() bool {
	for _, known := range Tiers {
		if t == known {
			return true
		}
	}
	return false
}

// Account and ledger

type Account struct {
	ID             string    `json:"id" db:"id"`
	Balance        int64     `json:"balance" db:"balance"`
	LifetimePoints int64     `json:"lifetime_points" db:"lifetime_points"`
	Tier           Tier      `json:"tier" db:"tier"`
	Version        int64     `json:"-" db:"version"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

type TransactionType string

const (
	TransactionEarn   TransactionType = "earn"
	TransactionRedeem TransactionType = "redeem"
	TransactionExpire TransactionType = "expire"
	TransactionAdjust TransactionType = "adjust"
)

type Transaction struct {
	ID          string          `json:"id" db:"id"`
	AccountID   string          `json:"account_id" db:"account_id"`
	Type        TransactionType `json:"type" db:"type"`
	Amount      int64           `json:"amount" db:"amount"`
	Description string          `json:"description" db:"description"`
	OrderRef    string          `json:"order_ref,omitempty" db:"order_ref"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	// RefID points an expire entry at the lapsed earn entry and a redeem entry at its redemption.
	RefID     string    `json:"ref_id,omitempty" db:"ref_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Progress describes where lifetime points sit inside the tier table.
type Progress struct {
	Tier           Tier  `json:"tier"`
	PointsIntoTier int64 `json:"points_into_tier"`
	PointsToNext   int64 `json:"points_to_next"`
	NextTier       Tier  `json:"next_tier,omitempty"`
}

// Rewards

type RewardType string

const (
	RewardDiscount     RewardType = "discount"
	RewardFreeProduct  RewardType = "free_product"
	RewardFreeShipping RewardType = "free_shipping"
)

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// Localized holds the storefront's two languages.
type Localized struct {
	En string `json:"en" yaml:"en"`
	Ar string `json:"ar" yaml:"ar"`
}

// In returns the text for lang, falling back to English.
func (l Localized) In(lang string) string {
	if lang == "ar" && l.Ar != "" {
		return l.Ar
	}
	return l.En
}

type Reward struct {
	ID                string           `json:"id" yaml:"id"`
	Name              Localized        `json:"name" yaml:"name"`
	Description       Localized        `json:"description" yaml:"description"`
	PointsCost        int64            `json:"points_cost" yaml:"points_cost"`
	Type              RewardType       `json:"type" yaml:"type"`
	DiscountType      DiscountType     `json:"discount_type,omitempty" yaml:"discount_type"`
	DiscountValue     decimal.Decimal  `json:"discount_value" yaml:"discount_value"`
	ProductID         string           `json:"product_id,omitempty" yaml:"product_id"`
	MinimumOrderValue *decimal.Decimal `json:"minimum_order_value,omitempty" yaml:"minimum_order_value"`
	Active            bool             `json:"active" yaml:"active"`
}

// Redemptions

type RedemptionStatus string

const (
	RedemptionActive  RedemptionStatus = "active"
	RedemptionUsed    RedemptionStatus = "used"
	RedemptionExpired RedemptionStatus = "expired"
)

type Redemption struct {
	ID            string           `json:"id" db:"id"`
	AccountID     string           `json:"account_id" db:"account_id"`
	RewardID      string           `json:"reward_id" db:"reward_id"`
	PointsUsed    int64            `json:"points_used" db:"points_used"`
	Code          string           `json:"code" db:"code"`
	Status        RedemptionStatus `json:"status" db:"status"`
	UsedAt        *time.Time       `json:"used_at,omitempty" db:"used_at"`
	ExpiresAt     time.Time        `json:"expires_at" db:"expires_at"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
	TransactionID string           `json:"transaction_id" db:"transaction_id"`
}

// Purchase orders waiting on the accrual system

type PurchaseOrderStatus string

const (
	PurchaseOrderNew        PurchaseOrderStatus = "NEW"
	PurchaseOrderProcessing PurchaseOrderStatus = "PROCESSING"
	PurchaseOrderInvalid    PurchaseOrderStatus = "INVALID"
	PurchaseOrderProcessed  PurchaseOrderStatus = "PROCESSED"
)

// Pending reports whether the accrual system still has to settle the order.
func (s PurchaseOrderStatus) Pending() bool {
	return s == PurchaseOrderNew || s == PurchaseOrderProcessing
}

type PurchaseOrder struct {
	Number     string              `json:"number" db:"number"`
	AccountID  string              `json:"account_id" db:"account_id"`
	Status     PurchaseOrderStatus `json:"status" db:"status"`
	Accrual    int64               `json:"accrual" db:"accrual"`
	UploadedAt time.Time           `json:"uploaded_at" db:"uploaded_at"`
	UpdatedAt  time.Time           `json:"updated_at" db:"updated_at"`
}
