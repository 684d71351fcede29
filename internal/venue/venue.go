// Package venue implements the two trading-venue clients behind one
// interface: Kalshi (regulated exchange, prices in integer cents, RSA-PSS
// request signing) and Polymarket (blockchain CLOB, decimal prices, EIP-712
// order signing with L2 HMAC headers).
//
// Venue-specific URL shapes, payload dialects, and signing are hidden here;
// the rest of the bot sees normalized Listings, decimal prices in (0,1), and
// the canonical order statuses from pkg/types.
//
// Every request is rate-limited through a per-venue rate.Limiter and retried
// on 429/5xx/network errors with exponential backoff. Other 4xx responses
// fail immediately.
package venue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"crossarb/pkg/types"
)

// Classification sentinels for order placement. Callers dispatch with
// errors.Is.
var (
	// ErrInvalidOrder means boundary validation failed; nothing left the
	// process.
	ErrInvalidOrder = errors.New("invalid order")
	// ErrRejected means the venue refused the request. Not retryable.
	ErrRejected = errors.New("rejected by venue")
	// ErrTransient means I/O or venue overload after retries were exhausted.
	ErrTransient = errors.New("transient venue error")
)

// Client is the uniform capability set both venues expose to the engine.
// Implementations are safe for concurrent use.
type Client interface {
	// ListMarkets fetches the open catalogue. Transient failures degrade to
	// an empty slice after retries; only context cancellation is returned.
	ListMarkets(ctx context.Context, limit int, status string) ([]types.Listing, error)
	// FetchQuote returns the best ask for one side as a decimal in (0,1),
	// or 0 when the market is unknown, closed, or that side of the book is
	// empty.
	FetchQuote(ctx context.Context, nativeID string, side types.MarketSide) (float64, error)
	// PlaceOrder submits a limit order. Errors wrap ErrInvalidOrder,
	// ErrRejected, or ErrTransient.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	// OrderStatus returns the normalized state of an order, or (nil, nil)
	// when the venue does not know the id.
	OrderStatus(ctx context.Context, orderID string) (*OrderState, error)
	// CancelOrder returns false (without error) when the order is already
	// terminal.
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	// Balance returns free quote units available for trading.
	Balance(ctx context.Context) (float64, error)
	Name() string
}

// OrderRequest is a venue-neutral limit order. Qty is integer contracts on
// Kalshi and a decimal token amount on Polymarket; LimitPrice is a decimal in
// (0,1) that each client converts to its native representation.
type OrderRequest struct {
	Market     string
	Side       types.MarketSide
	Action     types.Action
	Qty        float64
	LimitPrice float64
	TIF        types.TimeInForce
}

// OrderResult is the venue's answer to a placement.
type OrderResult struct {
	OrderID   string
	Status    types.OrderStatus
	FilledQty float64
	AvgPrice  float64
}

// OrderState is a point-in-time view of a working or terminal order.
type OrderState struct {
	Status    types.OrderStatus
	FilledQty float64
}

// Retry policy shared by both clients: 5 attempts total, exponential backoff
// from 0.5s capped at 8s, only for 429/5xx/network. 10s hard deadline per
// request.
const (
	requestTimeout = 10 * time.Second
	retryCount     = 4
	retryBase      = 500 * time.Millisecond
	retryCap       = 8 * time.Second
)

// maxQuestionLen caps venue-supplied free text before it reaches logs, the
// journal, and alert payloads.
const maxQuestionLen = 500

// newHTTP builds a resty client with the shared timeout and retry policy.
func newHTTP(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		SetRetryCount(retryCount).
		SetRetryWaitTime(retryBase).
		SetRetryMaxWaitTime(retryCap).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
}

// newLimiter builds the per-venue request limiter. ratePerSec comes from
// config and reflects the venue's documented budget.
func newLimiter(ratePerSec float64) *rate.Limiter {
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	burst := int(ratePerSec)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(ratePerSec), burst)
}

// statusErr classifies a non-2xx response under the venue error contract:
// 429 and 5xx are transient, everything else is a venue rejection.
func statusErr(op string, resp *resty.Response) error {
	code := resp.StatusCode()
	base := ErrRejected
	if code == http.StatusTooManyRequests || code >= 500 {
		base = ErrTransient
	}
	return fmt.Errorf("%w: %s: status %d: %s", base, op, code, resp.String())
}

// roundPrice normalizes an outbound price to four decimals.
func roundPrice(p float64) float64 {
	return math.Round(p*10000) / 10000
}
