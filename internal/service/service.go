package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/EClaesson/go-luhn"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/loyalty/internal/balance"
	"github.com/iurnickita/loyalty/internal/catalog"
	"github.com/iurnickita/loyalty/internal/metrics"
	"github.com/iurnickita/loyalty/internal/model"
	"github.com/iurnickita/loyalty/internal/service/accrualclient"
	"github.com/iurnickita/loyalty/internal/service/config"
	"github.com/iurnickita/loyalty/internal/store"
	"github.com/iurnickita/loyalty/internal/tier"
)

const (
	defaultRedemptionValidity  = 30 * 24 * time.Hour
	defaultPointsValidity      = 365 * 24 * time.Hour
	defaultAccrualPollInterval = 5 * time.Second
	accrualFailureAlert        = 10
	maxOrderReference          = 64 // order_ref column width
)

type Service interface {
	GetAccount(ctx context.Context, userID string) (AccountView, error)
	GetTransactions(ctx context.Context, userID string, limit int, offset int) ([]model.Transaction, error)
	ListRewards(ctx context.Context) ([]model.Reward, error)
	ListRedemptions(ctx context.Context, userID string) ([]model.Redemption, error)
	Redeem(ctx context.Context, req RedeemRequest) (model.Redemption, error)
	RecordPurchase(ctx context.Context, event PurchaseEvent) (*model.Transaction, error)
	Adjust(ctx context.Context, userID string, amount int64, description string) (model.Transaction, error)
	Close()
}

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientPoints  = errors.New("insufficient points")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmountSign   = errors.New("invalid amount sign")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrInsufficientData    = errors.New("insufficient data")
	ErrInvalidOrder        = errors.New("invalid order number")
	ErrDuplicateRequest    = errors.New("duplicate request")
	ErrMinimumOrderValue   = errors.New("order value below reward minimum")
	ErrOrderClaimed        = errors.New("order registered by another account")
)

// AccountView is an account with its position in the tier table.
type AccountView struct {
	Account  model.Account  `json:"account"`
	Progress model.Progress `json:"progress"`
}

type RedeemRequest struct {
	UserID     string
	RewardID   string
	OrderValue *decimal.Decimal
}

// PurchaseEvent is an earn event, usually a paid order. A zero PointsEarned
// asks the accrual system for the amount. Description names the source when
// there is no order, such as a review bonus.
type PurchaseEvent struct {
	AccountHolderID string
	PointsEarned    int64
	OrderReference  string
	Description     string
}

type service struct {
	cfg     config.Config
	store   store.Store
	balance balance.Balance
	catalog catalog.Catalog
	tiers   tier.Table
	accrual accrualclient.AccrualClient
	zaplog  *zap.Logger

	now      func() time.Time
	generate func() (string, error)

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	tracking map[string]bool
}

func NewService(cfg config.Config, store store.Store, balance balance.Balance, catalog catalog.Catalog,
	tiers tier.Table, zaplog *zap.Logger) (Service, error) {
	if cfg.RedemptionValidity <= 0 {
		cfg.RedemptionValidity = defaultRedemptionValidity
	}
	if cfg.PointsValidity <= 0 {
		cfg.PointsValidity = defaultPointsValidity
	}
	if cfg.AccrualPollInterval <= 0 {
		cfg.AccrualPollInterval = defaultAccrualPollInterval
	}

	var accrual accrualclient.AccrualClient
	if cfg.AccrualAddr != "" {
		accrual = accrualclient.NewAccrualClient(cfg.AccrualAddr)
	}

	service := newService(cfg, store, balance, catalog, tiers, accrual, zaplog)
	if accrual != nil {
		n, err := service.resume(context.Background())
		if err != nil {
			return nil, err
		}
		if n > 0 {
			zaplog.Info("accrual tracking resumed", zap.Int("orders", n))
		}
	}
	return service, nil
}

func newService(cfg config.Config, store store.Store, balance balance.Balance, catalog catalog.Catalog,
	tiers tier.Table, accrual accrualclient.AccrualClient, zaplog *zap.Logger) *service {
	ctx, cancel := context.WithCancel(context.Background())
	return &service{
		cfg:      cfg,
		store:    store,
		balance:  balance,
		catalog:  catalog,
		tiers:    tiers,
		accrual:  accrual,
		zaplog:   zaplog,
		now:      time.Now,
		generate: generateCode,
		ctx:      ctx,
		cancel:   cancel,
		tracking: make(map[string]bool),
	}
}

// Close stops accrual tracking and waits for the pollers to return.
func (service *service) Close() {
	service.cancel()
	service.wg.Wait()
}

func (service *service) GetAccount(ctx context.Context, userID string) (AccountView, error) {
	if userID == "" {
		return AccountView{}, ErrInsufficientData
	}

	account, err := service.balance.GetOrCreate(ctx, userID)
	if err != nil {
		return AccountView{}, translate(err)
	}
	return AccountView{Account: account, Progress: service.tiers.Progress(account.LifetimePoints)}, nil
}

func (service *service) GetTransactions(ctx context.Context, userID string, limit int, offset int) ([]model.Transaction, error) {
	if userID == "" {
		return nil, ErrInsufficientData
	}

	transactions, err := service.balance.Page(ctx, userID, limit, offset)
	if err != nil {
		return nil, translate(err)
	}
	return transactions, nil
}

func (service *service) ListRewards(ctx context.Context) ([]model.Reward, error) {
	rewards, err := service.catalog.ListActive(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return rewards, nil
}

func (service *service) ListRedemptions(ctx context.Context, userID string) ([]model.Redemption, error) {
	if userID == "" {
		return nil, ErrInsufficientData
	}

	redemptions, err := service.store.ListRedemptions(ctx, userID)
	if err != nil {
		return nil, translate(err)
	}
	return redemptions, nil
}

// Redeem exchanges points for a reward. The redeem entry and the redemption
// record are committed together or not at all.
func (service *service) Redeem(ctx context.Context, req RedeemRequest) (model.Redemption, error) {
	if req.UserID == "" || req.RewardID == "" {
		return model.Redemption{}, ErrInsufficientData
	}

	reward, err := service.catalog.Get(ctx, req.RewardID)
	if err != nil {
		return model.Redemption{}, translate(err)
	}
	if req.OrderValue != nil && reward.MinimumOrderValue != nil &&
		req.OrderValue.LessThan(*reward.MinimumOrderValue) {
		return model.Redemption{}, fmt.Errorf("%w: %s < %s",
			ErrMinimumOrderValue, req.OrderValue, reward.MinimumOrderValue)
	}

	account, err := service.balance.GetOrCreate(ctx, req.UserID)
	if err != nil {
		return model.Redemption{}, translate(err)
	}
	if account.Balance < reward.PointsCost {
		return model.Redemption{}, ErrInsufficientPoints
	}

	posting, err := service.balance.Append(ctx, balance.Entry{
		AccountID:   req.UserID,
		Type:        model.TransactionRedeem,
		Amount:      -reward.PointsCost,
		Description: "Redeemed: " + reward.Name.En,
		Attach: func(account model.Account, tx model.Transaction) (*model.Redemption, error) {
			code, err := service.newCode(ctx)
			if err != nil {
				return nil, err
			}
			return &model.Redemption{
				ID:            uuid.NewString(),
				AccountID:     account.ID,
				RewardID:      reward.ID,
				PointsUsed:    reward.PointsCost,
				Code:          code,
				Status:        model.RedemptionActive,
				ExpiresAt:     tx.CreatedAt.Add(service.cfg.RedemptionValidity),
				CreatedAt:     tx.CreatedAt,
				TransactionID: tx.ID,
			}, nil
		},
	})
	if err != nil {
		// the balance moved between the check above and the locked append
		if errors.Is(err, balance.ErrInsufficientBalance) {
			return model.Redemption{}, ErrInsufficientPoints
		}
		return model.Redemption{}, translate(err)
	}

	metrics.RecordRedemption(string(reward.Type))
	service.zaplog.Info("reward redeemed",
		zap.String("account", req.UserID),
		zap.String("reward", reward.ID),
		zap.Int64("points", reward.PointsCost),
		zap.String("redemption", posting.Redemption.ID))
	return *posting.Redemption, nil
}

// RecordPurchase credits points for an earn event. The order reference is
// opaque and optional when the event carries the points. With no points and
// an accrual system configured, the order is registered and tracked there
// instead, and the returned transaction is nil.
func (service *service) RecordPurchase(ctx context.Context, event PurchaseEvent) (*model.Transaction, error) {
	if event.AccountHolderID == "" {
		return nil, ErrInsufficientData
	}
	if len(event.OrderReference) > maxOrderReference {
		return nil, fmt.Errorf("%w: reference longer than %d bytes", ErrInvalidOrder, maxOrderReference)
	}

	switch {
	case event.PointsEarned < 0:
		return nil, fmt.Errorf("%w: negative points", ErrInsufficientData)
	case event.PointsEarned > 0:
		tx, err := service.earn(ctx, event.AccountHolderID, event.OrderReference, event.Description, event.PointsEarned)
		if err != nil {
			return nil, err
		}
		return &tx, nil
	case service.accrual == nil:
		return nil, ErrInsufficientData
	}

	// the accrual system only knows Luhn-valid order numbers
	if err := checkOrder(event.OrderReference); err != nil {
		return nil, err
	}

	_, err := service.store.FindEarnByOrder(ctx, event.AccountHolderID, event.OrderReference)
	if err == nil {
		return nil, ErrDuplicateRequest
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, translate(err)
	}

	now := service.now().UTC()
	order := model.PurchaseOrder{
		Number:     event.OrderReference,
		AccountID:  event.AccountHolderID,
		Status:     model.PurchaseOrderNew,
		UploadedAt: now,
		UpdatedAt:  now,
	}
	switch err := service.store.CreatePurchaseOrder(ctx, order); {
	case errors.Is(err, store.ErrDuplicate):
		return nil, ErrDuplicateRequest
	case errors.Is(err, store.ErrAlreadyExists):
		return nil, ErrOrderClaimed
	case err != nil:
		return nil, translate(err)
	}

	service.track(order)
	return nil, nil
}

func (service *service) Adjust(ctx context.Context, userID string, amount int64, description string) (model.Transaction, error) {
	if userID == "" {
		return model.Transaction{}, ErrInsufficientData
	}

	posting, err := service.balance.Append(ctx, balance.Entry{
		AccountID:   userID,
		Type:        model.TransactionAdjust,
		Amount:      amount,
		Description: description,
	})
	if err != nil {
		return model.Transaction{}, translate(err)
	}
	return posting.Transaction, nil
}

func (service *service) earn(ctx context.Context, userID string, order string, description string, points int64) (model.Transaction, error) {
	if description == "" {
		description = "Points earned"
		if order != "" {
			description = "Order " + order
		}
	}
	expiresAt := service.now().UTC().Add(service.cfg.PointsValidity)
	posting, err := service.balance.Append(ctx, balance.Entry{
		AccountID:   userID,
		Type:        model.TransactionEarn,
		Amount:      points,
		Description: description,
		OrderRef:    order,
		ExpiresAt:   &expiresAt,
	})
	if err != nil {
		return model.Transaction{}, translate(err)
	}
	return posting.Transaction, nil
}

// resume picks up every order still pending from a previous run.
func (service *service) resume(ctx context.Context) (int, error) {
	orders, err := service.store.ListPendingPurchaseOrders(ctx)
	if err != nil {
		return 0, translate(err)
	}
	for _, order := range orders {
		service.track(order)
	}
	return len(orders), nil
}

// track starts a poller for the order unless one is already running.
func (service *service) track(order model.PurchaseOrder) {
	service.mu.Lock()
	defer service.mu.Unlock()
	if service.tracking[order.Number] {
		return
	}
	service.tracking[order.Number] = true
	service.wg.Add(1)
	go service.accrualProcessing(order)
}

// accrualProcessing polls the accrual system until the order is settled. The
// stored order keeps its pending status until then, so a stopped poller is
// restarted by resume.
func (service *service) accrualProcessing(order model.PurchaseOrder) {
	defer service.wg.Done()
	defer func() {
		service.mu.Lock()
		delete(service.tracking, order.Number)
		service.mu.Unlock()
	}()

	log := service.zaplog.With(zap.String("account", order.AccountID), zap.String("order", order.Number))
	failures := 0

	ticker := time.NewTicker(service.cfg.AccrualPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-service.ctx.Done():
			return
		case <-ticker.C:
		}

		accrualAnswer, err := service.accrual.GetAccrual(service.ctx, order.Number)
		if err != nil {
			if errors.Is(err, accrualclient.ErrNotRegistered) || errors.Is(err, accrualclient.ErrTooManyRequests) {
				continue
			}
			failures++
			if failures%accrualFailureAlert == 0 {
				log.Error("accrual system keeps failing", zap.Int("failures", failures), zap.Error(err))
			} else {
				log.Warn("accrual request failed", zap.Error(err))
			}
			continue
		}
		failures = 0

		switch accrualAnswer.Status {
		case accrualclient.AccrualStatusProcessing:
			if order.Status == model.PurchaseOrderNew {
				order.Status = model.PurchaseOrderProcessing
				service.saveOrder(log, order)
			}
		case accrualclient.AccrualStatusInvalid:
			order.Status = model.PurchaseOrderInvalid
			if service.saveOrder(log, order) {
				log.Info("order rejected by accrual system")
				return
			}
		case accrualclient.AccrualStatusProcessed:
			// fractions of a point are not credited
			points := accrualAnswer.Accrual.IntPart()
			if points > 0 {
				_, err := service.earn(service.ctx, order.AccountID, order.Number, "", points)
				if err != nil && !errors.Is(err, ErrDuplicateRequest) {
					log.Error("accrual credit failed", zap.Int64("points", points), zap.Error(err))
					continue
				}
			}
			order.Status = model.PurchaseOrderProcessed
			order.Accrual = points
			if service.saveOrder(log, order) {
				log.Info("accrual credited", zap.Int64("points", points))
				return
			}
		}
	}
}

// saveOrder stores the order's new status and reports whether it stuck.
// A failed write leaves the poller running so the status is written again.
func (service *service) saveOrder(log *zap.Logger, order model.PurchaseOrder) bool {
	order.UpdatedAt = service.now().UTC()
	if err := service.store.UpdatePurchaseOrder(service.ctx, order); err != nil {
		log.Warn("order status not saved", zap.String("status", string(order.Status)), zap.Error(err))
		return false
	}
	return true
}

func checkOrder(order string) error {
	if order == "" {
		return ErrInsufficientData
	}
	if strings.Trim(order, "0123456789") != "" {
		return fmt.Errorf("%w: %q is not numeric", ErrInvalidOrder, order)
	}
	valid, err := luhn.IsValid(order)
	if err != nil || !valid {
		return fmt.Errorf("%w: %q fails the checksum", ErrInvalidOrder, order)
	}
	return nil
}

// translate maps lower-layer errors onto the service error set.
func translate(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, catalog.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, balance.ErrInsufficientBalance):
		return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
	case errors.Is(err, balance.ErrInvalidAmountSign):
		return fmt.Errorf("%w: %v", ErrInvalidAmountSign, err)
	case errors.Is(err, balance.ErrConcurrencyConflict):
		return ErrConcurrencyConflict
	case errors.Is(err, balance.ErrDuplicateRequest):
		return ErrDuplicateRequest
	case errors.Is(err, store.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	default:
		return err
	}
}
