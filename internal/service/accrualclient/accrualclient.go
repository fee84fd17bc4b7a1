package accrualclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// AccrualAnswer is the accrual system's view of one order.
type AccrualAnswer struct {
	Order   string          `json:"order"`
	Status  string          `json:"status"`
	Accrual decimal.Decimal `json:"accrual"`
}

const (
	AccrualStatusRegistered = "REGISTERED"
	AccrualStatusInvalid    = "INVALID"
	AccrualStatusProcessing = "PROCESSING"
	AccrualStatusProcessed  = "PROCESSED"
)

const (
	defaultRetryWait     = 500 * time.Millisecond
	defaultRetryMaxWait  = 60 * time.Second
	defaultRetryAttempts = 3
)

var (
	ErrNotRegistered    = errors.New("order is not registered in the accrual system")
	ErrTooManyRequests  = errors.New("accrual system rate limit")
	ErrUnexpectedStatus = errors.New("unexpected accrual response")
)

type AccrualClient interface {
	GetAccrual(ctx context.Context, order string) (AccrualAnswer, error)
}

type accrualClient struct {
	client *resty.Client
}

func NewAccrualClient(serviceAddr string) AccrualClient {
	return newAccrualClient(serviceAddr, defaultRetryWait, defaultRetryMaxWait)
}

func newAccrualClient(serviceAddr string, wait time.Duration, maxWait time.Duration) accrualClient {
	client := resty.New().
		SetBaseURL(serviceAddr).
		SetRetryCount(defaultRetryAttempts).
		SetRetryWaitTime(wait).
		SetRetryMaxWaitTime(maxWait).
		SetRetryAfter(retryAfter).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil || resp == nil {
				return true
			}
			return resp.StatusCode() == http.StatusTooManyRequests ||
				resp.StatusCode() >= http.StatusInternalServerError
		})
	return accrualClient{client: client}
}

// retryAfter honours the Retry-After seconds of a 429. Zero falls back to
// resty's exponential backoff.
func retryAfter(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
	if resp == nil || resp.StatusCode() != http.StatusTooManyRequests {
		return 0, nil
	}
	seconds, err := strconv.Atoi(resp.Header().Get("Retry-After"))
	if err != nil || seconds <= 0 {
		return 0, nil
	}
	return time.Duration(seconds) * time.Second, nil
}

func (client accrualClient) GetAccrual(ctx context.Context, order string) (AccrualAnswer, error) {
	resp, err := client.client.R().
		SetContext(ctx).
		SetPathParam("number", order).
		Get("/api/orders/{number}")
	if err != nil {
		return AccrualAnswer{}, fmt.Errorf("accrual request: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		var accrualAnswer AccrualAnswer
		if err := json.Unmarshal(resp.Body(), &accrualAnswer); err != nil {
			return AccrualAnswer{}, fmt.Errorf("decode accrual answer: %w", err)
		}
		return accrualAnswer, nil
	case http.StatusNoContent:
		return AccrualAnswer{}, ErrNotRegistered
	case http.StatusTooManyRequests:
		return AccrualAnswer{}, ErrTooManyRequests
	default:
		return AccrualAnswer{}, fmt.Errorf("%w: status %d", ErrUnexpectedStatus, resp.StatusCode())
	}
}
