// Package catalog is the read side of the reward catalog.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/iurnickita/loyalty/internal/model"
	"github.com/iurnickita/loyalty/internal/store"
)

var (
	ErrNotFound      = errors.New("reward not found")
	ErrInvalidReward = errors.New("invalid reward")
)

type Catalog interface {
	ListActive(ctx context.Context) ([]model.Reward, error)
	Get(ctx context.Context, rewardID string) (model.Reward, error)
	Seed(ctx context.Context, path string) (int, error)
}

type catalog struct {
	store store.Store
	log   *zap.Logger
}

func NewCatalog(store store.Store, log *zap.Logger) Catalog {
	return &catalog{store: store, log: log}
}

func (c *catalog) ListActive(ctx context.Context) ([]model.Reward, error) {
	rewards, err := c.store.ListRewards(ctx)
	if err != nil {
		return nil, err
	}

	active := make([]model.Reward, 0, len(rewards))
	for _, r := range rewards {
		if r.Active {
			active = append(active, r)
		}
	}
	return active, nil
}

// Get returns an active reward. Inactive rewards are reported as missing.
func (c *catalog) Get(ctx context.Context, rewardID string) (model.Reward, error) {
	r, err := c.store.GetReward(ctx, rewardID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Reward{}, fmt.Errorf("%w: %s", ErrNotFound, rewardID)
		}
		return model.Reward{}, err
	}
	if !r.Active {
		return model.Reward{}, fmt.Errorf("%w: %s is inactive", ErrNotFound, rewardID)
	}
	return r, nil
}

type catalogFile struct {
	Rewards []model.Reward `yaml:"rewards"`
}

// Seed loads rewards from a YAML file and upserts them. The whole file is
// validated before anything is written.
func (c *catalog) Seed(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read reward catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("parse reward catalog: %w", err)
	}

	seen := make(map[string]bool, len(file.Rewards))
	for _, r := range file.Rewards {
		if err := Validate(r); err != nil {
			return 0, err
		}
		if seen[r.ID] {
			return 0, fmt.Errorf("%w: duplicate id %q", ErrInvalidReward, r.ID)
		}
		seen[r.ID] = true
	}

	for _, r := range file.Rewards {
		if err := c.store.PutReward(ctx, r); err != nil {
			return 0, err
		}
	}
	c.log.Info("reward catalog seeded", zap.String("path", path), zap.Int("rewards", len(file.Rewards)))
	return len(file.Rewards), nil
}

var hundred = decimal.NewFromInt(100)

func Validate(r model.Reward) error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidReward)
	}
	if r.Name.En == "" {
		return fmt.Errorf("%w: %s has no english name", ErrInvalidReward, r.ID)
	}
	if r.PointsCost <= 0 {
		return fmt.Errorf("%w: %s costs %d points", ErrInvalidReward, r.ID, r.PointsCost)
	}
	if r.MinimumOrderValue != nil && r.MinimumOrderValue.IsNegative() {
		return fmt.Errorf("%w: %s has a negative minimum order value", ErrInvalidReward, r.ID)
	}

	switch r.Type {
	case model.RewardDiscount:
		switch r.DiscountType {
		case model.DiscountPercentage:
			if !r.DiscountValue.IsPositive() || r.DiscountValue.GreaterThan(hundred) {
				return fmt.Errorf("%w: %s percentage %s out of range", ErrInvalidReward, r.ID, r.DiscountValue)
			}
		case model.DiscountFixed:
			if !r.DiscountValue.IsPositive() {
				return fmt.Errorf("%w: %s fixed discount %s", ErrInvalidReward, r.ID, r.DiscountValue)
			}
		default:
			return fmt.Errorf("%w: %s discount type %q", ErrInvalidReward, r.ID, r.DiscountType)
		}
	case model.RewardFreeProduct:
		if r.ProductID == "" {
			return fmt.Errorf("%w: %s has no product", ErrInvalidReward, r.ID)
		}
	case model.RewardFreeShipping:
	default:
		return fmt.Errorf("%w: %s type %q", ErrInvalidReward, r.ID, r.Type)
	}
	return nil
}
