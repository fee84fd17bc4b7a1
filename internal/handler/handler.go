package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/loyalty/internal/handler/config"
	"github.com/iurnickita/loyalty/internal/logger"
	"github.com/iurnickita/loyalty/internal/model"
	"github.com/iurnickita/loyalty/internal/service"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	maxBodyBytes           = 64 << 10
)

// Pinger reports whether the ledger storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Serve runs the HTTP API until ctx is cancelled, then drains open requests.
func Serve(ctx context.Context, cfg config.Config, service service.Service, pinger Pinger, zaplog *zap.Logger) error {
	h := newHandler(service, pinger, zaplog)

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           h.newRouter(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zaplog.Info("http server started", zap.String("addr", cfg.ServerAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	zaplog.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type handler struct {
	service service.Service
	pinger  Pinger
	zaplog  *zap.Logger
}

func newHandler(service service.Service, pinger Pinger, zaplog *zap.Logger) *handler {
	return &handler{
		service: service,
		pinger:  pinger,
		zaplog:  zaplog,
	}
}

func (h *handler) newRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(maxBodyBytes))
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(logger.RequestLogMdlw(h.zaplog))
	r.Use(MetricsMdlw)

	r.Get("/health", h.GetHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/accounts/{userID}", func(r chi.Router) {
			r.Get("/", h.GetAccount)
			r.Get("/transactions", h.GetTransactions)
			r.Get("/redemptions", h.GetRedemptions)
			r.Post("/adjustments", h.PostAdjustment)
		})
		r.Get("/rewards", h.GetRewards)
		r.Post("/redeem", h.PostRedeem)
		r.Post("/events/purchase", h.PostPurchase)
	})

	return r
}

func (h *handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.pinger.Ping(r.Context()); err != nil {
		h.zaplog.Warn("health check failed", zap.Error(err))
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetAccount(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	transactions, err := h.service.GetTransactions(r.Context(), chi.URLParam(r, "userID"), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, transactions)
}

func (h *handler) GetRedemptions(w http.ResponseWriter, r *http.Request) {
	redemptions, err := h.service.ListRedemptions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, redemptions)
}

type GetRewardsJSONResponse struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Description       string           `json:"description"`
	PointsCost        int64            `json:"pointsCost"`
	Type              model.RewardType `json:"type"`
	DiscountType      string           `json:"discountType,omitempty"`
	DiscountValue     *decimal.Decimal `json:"discountValue,omitempty"`
	ProductID         string           `json:"productId,omitempty"`
	MinimumOrderValue *decimal.Decimal `json:"minimumOrderValue,omitempty"`
}

func (h *handler) GetRewards(w http.ResponseWriter, r *http.Request) {
	lang := r.URL.Query().Get("lang")

	rewards, err := h.service.ListRewards(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	rewardsJSON := make([]GetRewardsJSONResponse, 0, len(rewards))
	for _, reward := range rewards {
		item := GetRewardsJSONResponse{
			ID:                reward.ID,
			Name:              reward.Name.In(lang),
			Description:       reward.Description.In(lang),
			PointsCost:        reward.PointsCost,
			Type:              reward.Type,
			ProductID:         reward.ProductID,
			MinimumOrderValue: reward.MinimumOrderValue,
		}
		if reward.Type == model.RewardDiscount {
			value := reward.DiscountValue
			item.DiscountType = string(reward.DiscountType)
			item.DiscountValue = &value
		}
		rewardsJSON = append(rewardsJSON, item)
	}
	h.writeJSON(w, http.StatusOK, rewardsJSON)
}

type PostRedeemJSONRequest struct {
	UserID     string           `json:"userId"`
	RewardID   string           `json:"rewardId"`
	OrderValue *decimal.Decimal `json:"orderValue"`
}

func (h *handler) PostRedeem(w http.ResponseWriter, r *http.Request) {
	var req PostRedeemJSONRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	redemption, err := h.service.Redeem(r.Context(), service.RedeemRequest{
		UserID:     req.UserID,
		RewardID:   req.RewardID,
		OrderValue: req.OrderValue,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, redemption)
}

type PostPurchaseJSONRequest struct {
	AccountHolderID string `json:"accountHolderId"`
	PointsEarned    int64  `json:"pointsEarned"`
	OrderReference  string `json:"orderReference"`
	Description     string `json:"description"`
}

// PostPurchase is the hook the order subsystem calls for a paid order or any
// other earn event. A credited event answers 201 with the entry; an order
// handed to the accrual system answers 202.
func (h *handler) PostPurchase(w http.ResponseWriter, r *http.Request) {
	var req PostPurchaseJSONRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	tx, err := h.service.RecordPurchase(r.Context(), service.PurchaseEvent{
		AccountHolderID: req.AccountHolderID,
		PointsEarned:    req.PointsEarned,
		OrderReference:  req.OrderReference,
		Description:     req.Description,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	if tx == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	h.writeJSON(w, http.StatusCreated, tx)
}

type PostAdjustmentJSONRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

func (h *handler) PostAdjustment(w http.ResponseWriter, r *http.Request) {
	var req PostAdjustmentJSONRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	tx, err := h.service.Adjust(r.Context(), chi.URLParam(r, "userID"), req.Amount, req.Description)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, tx)
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v any) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(responseJSON)
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrInsufficientPoints),
		errors.Is(err, service.ErrInsufficientBalance),
		errors.Is(err, service.ErrMinimumOrderValue),
		errors.Is(err, service.ErrInsufficientData):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrInvalidOrder):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, service.ErrDuplicateRequest):
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, service.ErrConcurrencyConflict),
		errors.Is(err, service.ErrOrderClaimed):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrStorageUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.zaplog.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// decodeJSON reads the request body into v and answers the error itself when
// it cannot.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return false
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
	return false
}

// queryInt reads an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name)
	}
	return n, nil
}
