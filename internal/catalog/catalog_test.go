package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/loyalty/internal/model"
	"github.com/iurnickita/loyalty/internal/store"
)

const testCatalog = `
rewards:
  - id: free-shipping
    name: {en: Free shipping, ar: شحن مجاني}
    points_cost: 300
    type: free_shipping
    active: true
  - id: ten-off
    name: {en: "10% off", ar: "خصم 10٪"}
    description: {en: Ten percent off your order}
    points_cost: 500
    type: discount
    discount_type: percentage
    discount_value: 10
    minimum_order_value: "50.00"
    active: true
  - id: retired
    name: {en: Old mug}
    points_cost: 1500
    type: free_product
    product_id: mug-01
    active: false
`

func writeCatalog(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rewards.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestSeedAndRead(t *testing.T) {
	s := store.NewMemory()
	c := NewCatalog(s, zap.NewNop())
	ctx := context.Background()

	n, err := c.Seed(ctx, writeCatalog(t, testCatalog))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	active, err := c.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, "free-shipping", active[0].ID)
	require.Equal(t, "شحن مجاني", active[0].Name.In("ar"))

	r, err := c.Get(ctx, "ten-off")
	require.NoError(t, err)
	require.True(t, r.DiscountValue.Equal(decimal.NewFromInt(10)))
	require.NotNil(t, r.MinimumOrderValue)
	require.Equal(t, "50", r.MinimumOrderValue.String())
	// missing arabic text falls back to english
	require.Equal(t, "Ten percent off your order", r.Description.In("ar"))

	_, err = c.Get(ctx, "retired")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = c.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSeedRejectsInvalidFile(t *testing.T) {
	s := store.NewMemory()
	c := NewCatalog(s, zap.NewNop())
	ctx := context.Background()

	_, err := c.Seed(ctx, writeCatalog(t, `
rewards:
  - id: ok
    name: {en: Free shipping}
    points_cost: 300
    type: free_shipping
    active: true
  - id: ok
    name: {en: Free shipping again}
    points_cost: 300
    type: free_shipping
    active: true
`))
	require.ErrorIs(t, err, ErrInvalidReward)

	// nothing from a rejected file is written
	rewards, err := s.ListRewards(ctx)
	require.NoError(t, err)
	require.Empty(t, rewards)

	_, err = c.Seed(ctx, filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := model.Reward{ID: "r", Name: model.Localized{En: "Reward"}, PointsCost: 100, Type: model.RewardFreeShipping}
	negative := decimal.NewFromInt(-1)

	tests := []struct {
		name   string
		modify func(r *model.Reward)
		ok     bool
	}{
		{"free shipping", func(*model.Reward) {}, true},
		{"missing id", func(r *model.Reward) { r.ID = "" }, false},
		{"missing name", func(r *model.Reward) { r.Name.En = "" }, false},
		{"zero cost", func(r *model.Reward) { r.PointsCost = 0 }, false},
		{"unknown type", func(r *model.Reward) { r.Type = "voucher" }, false},
		{"negative minimum", func(r *model.Reward) { r.MinimumOrderValue = &negative }, false},
		{"percentage", func(r *model.Reward) {
			r.Type, r.DiscountType, r.DiscountValue = model.RewardDiscount, model.DiscountPercentage, decimal.NewFromInt(15)
		}, true},
		{"percentage over 100", func(r *model.Reward) {
			r.Type, r.DiscountType, r.DiscountValue = model.RewardDiscount, model.DiscountPercentage, decimal.NewFromInt(150)
		}, false},
		{"fixed", func(r *model.Reward) {
			r.Type, r.DiscountType, r.DiscountValue = model.RewardDiscount, model.DiscountFixed, decimal.RequireFromString("7.50")
		}, true},
		{"discount without type", func(r *model.Reward) {
			r.Type, r.DiscountValue = model.RewardDiscount, decimal.NewFromInt(5)
		}, false},
		{"free product without product", func(r *model.Reward) { r.Type = model.RewardFreeProduct }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base
			tt.modify(&r)
			err := Validate(r)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidReward)
			}
		})
	}
}
