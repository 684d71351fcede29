package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"crossarb/internal/config"
	"crossarb/internal/match"
	"crossarb/internal/validate"
	"crossarb/pkg/types"
)

// KalshiClient talks to the cents-quoted venue:
//   - GET  /markets                    — open catalogue
//   - GET  /markets/{ticker}/orderbook — top-of-book asks per side
//   - POST /portfolio/orders           — place a limit order
//   - GET  /portfolio/orders/{id}      — order status
//   - DELETE /portfolio/orders/{id}    — cancel
//   - GET  /portfolio/balance          — free balance in cents
//
// Market-data endpoints are public; portfolio endpoints carry the RSA-PSS
// signature headers.
type KalshiClient struct {
	http     *resty.Client
	auth     *KalshiAuth // nil when no credentials are configured
	limiter  *rate.Limiter
	basePath string // API prefix included in the signed path
	dryRun   bool
	logger   *slog.Logger
}

// NewKalshi builds the client. Credentials are optional: without them the
// public catalogue and order books still work, which is all paper mode needs.
func NewKalshi(cfg config.KalshiConfig, dryRun bool, logger *slog.Logger) (*KalshiClient, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse kalshi base url: %w", err)
	}

	var auth *KalshiAuth
	if cfg.APIKey != "" && cfg.PrivateKey != "" {
		auth, err = NewKalshiAuth(cfg.APIKey, cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
	}

	return &KalshiClient{
		http:     newHTTP(cfg.BaseURL),
		auth:     auth,
		limiter:  newLimiter(cfg.RateLimit),
		basePath: strings.TrimRight(u.Path, "/"),
		dryRun:   dryRun,
		logger:   logger.With("component", "venue", "venue", "kalshi"),
	}, nil
}

// Name implements Client.
func (k *KalshiClient) Name() string { return string(types.VenueKalshi) }

type kalshiMarketsResponse struct {
	Markets []json.RawMessage `json:"markets"`
	Cursor  string            `json:"cursor"`
}

type kalshiMarket struct {
	Ticker       string  `json:"ticker"`
	Title        string  `json:"title"`
	Subtitle     string  `json:"subtitle"`
	RulesPrimary string  `json:"rules_primary"`
	CloseTime    string  `json:"close_time"`
	Status       string  `json:"status"`
	Volume       float64 `json:"volume"`
	OpenInterest float64 `json:"open_interest"`
}

// ListMarkets fetches one catalogue page. Transient failures degrade to an
// empty slice after retries; the engine treats an empty catalogue as a
// skipped tick.
func (k *KalshiClient) ListMarkets(ctx context.Context, limit int, status string) ([]types.Listing, error) {
	if err := k.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var result kalshiMarketsResponse
	resp, err := k.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"limit":  fmt.Sprintf("%d", limit),
			"status": status,
		}).
		SetResult(&result).
		Get("/markets")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		k.logger.Warn("catalogue fetch failed", "error", err)
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK {
		k.logger.Warn("catalogue fetch failed", "status", resp.StatusCode())
		return nil, nil
	}

	listings := make([]types.Listing, 0, len(result.Markets))
	for _, raw := range result.Markets {
		var m kalshiMarket
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		description := m.Subtitle
		if description == "" {
			description = m.RulesPrimary
		}
		listings = append(listings, types.Listing{
			Venue:          types.VenueKalshi,
			NativeID:       m.Ticker,
			Question:       validate.Sanitize(m.Title, maxQuestionLen),
			Description:    validate.Sanitize(description, maxQuestionLen),
			ResolutionTime: match.ParseDate(m.CloseTime),
			Status:         normalizeKalshiListing(m.Status),
			Volume:         m.Volume,
			// Open interest is the closest thing the catalogue reports
			// to resting liquidity.
			Liquidity: m.OpenInterest,
			Raw:       raw,
		})
	}
	k.logger.Debug("catalogue fetched", "markets", len(listings))
	return listings, nil
}

// kalshiBook follows the venue's per-side ask arrays: each level is
// [price_cents, quantity].
type kalshiBook struct {
	Yes kalshiBookSide `json:"yes"`
	No  kalshiBookSide `json:"no"`
}

type kalshiBookSide struct {
	Asks [][]float64 `json:"asks"`
}

// FetchQuote returns the best ask for one side as a decimal, or 0 when the
// market is unknown or the side is empty.
func (k *KalshiClient) FetchQuote(ctx context.Context, nativeID string, side types.MarketSide) (float64, error) {
	ticker, err := validate.Ticker(nativeID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	if err := k.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	var book kalshiBook
	resp, err := k.http.R().
		SetContext(ctx).
		SetResult(&book).
		Get("/markets/" + ticker + "/orderbook")
	if err != nil {
		return 0, fmt.Errorf("%w: fetch quote %s: %v", ErrTransient, ticker, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return 0, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, statusErr("fetch quote "+ticker, resp)
	}

	asks := book.Yes.Asks
	if side == types.SideNo {
		asks = book.No.Asks
	}
	if len(asks) == 0 || len(asks[0]) == 0 {
		return 0, nil
	}
	return roundPrice(asks[0][0] / 100), nil
}

type kalshiOrderRequest struct {
	Ticker        string `json:"ticker"`
	ClientOrderID string `json:"client_order_id"`
	Side          string `json:"side"`
	Action        string `json:"action"`
	Count         int    `json:"count"`
	Type          string `json:"type"`
	YesPrice      int    `json:"yes_price,omitempty"`
	NoPrice       int    `json:"no_price,omitempty"`
	TimeInForce   string `json:"time_in_force,omitempty"`
}

type kalshiOrderEnvelope struct {
	Order kalshiOrder `json:"order"`
}

type kalshiOrder struct {
	OrderID        string `json:"order_id"`
	Status         string `json:"status"`
	InitialCount   int    `json:"initial_count"`
	RemainingCount int    `json:"remaining_count"`
}

// PlaceOrder submits a limit order. The decimal limit is converted with
// limit_cents = min(99, floor(p*100)).
func (k *KalshiClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	ticker, err := validate.Ticker(req.Market)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	if req.Qty != math.Trunc(req.Qty) {
		return nil, fmt.Errorf("%w: quantity %v is not a whole contract count", ErrInvalidOrder, req.Qty)
	}
	qty := int(req.Qty)
	if err := validate.Quantity(qty); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	if err := validate.Price(req.LimitPrice); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	cents := int(math.Floor(req.LimitPrice * 100))
	if cents > 99 {
		cents = 99
	}
	if err := validate.PriceCents(cents); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}

	if k.dryRun {
		k.logger.Info("DRY-RUN: would place order",
			"ticker", ticker, "side", req.Side, "action", req.Action,
			"count", qty, "price_cents", cents)
		return &OrderResult{
			OrderID:   "dry-run-" + uuid.NewString(),
			Status:    types.OrderFilled,
			FilledQty: float64(qty),
			AvgPrice:  float64(cents) / 100,
		}, nil
	}

	payload := kalshiOrderRequest{
		Ticker:        ticker,
		ClientOrderID: uuid.NewString(),
		Side:          string(req.Side),
		Action:        string(req.Action),
		Count:         qty,
		Type:          "limit",
	}
	switch req.Side {
	case types.SideYes:
		payload.YesPrice = cents
	case types.SideNo:
		payload.NoPrice = cents
	}
	if req.TIF == types.TifIOC {
		payload.TimeInForce = "immediate_or_cancel"
	}

	var result kalshiOrderEnvelope
	resp, err := k.signed(ctx, http.MethodPost, "/portfolio/orders", payload, &result)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return nil, statusErr("place order", resp)
	}

	k.logger.Info("order placed",
		"order_id", result.Order.OrderID, "ticker", ticker,
		"side", req.Side, "count", qty, "price_cents", cents)
	return &OrderResult{
		OrderID:   result.Order.OrderID,
		Status:    normalizeKalshiOrder(result.Order),
		FilledQty: float64(result.Order.InitialCount - result.Order.RemainingCount),
		AvgPrice:  float64(cents) / 100,
	}, nil
}

// OrderStatus returns (nil, nil) when the venue does not know the id.
func (k *KalshiClient) OrderStatus(ctx context.Context, orderID string) (*OrderState, error) {
	id, err := validate.MarketID(orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}

	var result kalshiOrderEnvelope
	resp, err := k.signed(ctx, http.MethodGet, "/portfolio/orders/"+id, nil, &result)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, statusErr("order status", resp)
	}

	return &OrderState{
		Status:    normalizeKalshiOrder(result.Order),
		FilledQty: float64(result.Order.InitialCount - result.Order.RemainingCount),
	}, nil
}

// CancelOrder returns false without error when the order is already terminal
// or unknown.
func (k *KalshiClient) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	id, err := validate.MarketID(orderID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	if k.dryRun {
		k.logger.Info("DRY-RUN: would cancel order", "order_id", id)
		return true, nil
	}

	resp, err := k.signed(ctx, http.MethodDelete, "/portfolio/orders/"+id, nil, nil)
	if err != nil {
		return false, err
	}
	switch {
	case resp.StatusCode() == http.StatusOK:
		k.logger.Info("order cancelled", "order_id", id)
		return true, nil
	case resp.StatusCode() >= 400 && resp.StatusCode() < 500:
		// Already filled, already cancelled, or never existed.
		return false, nil
	default:
		return false, statusErr("cancel order", resp)
	}
}

type kalshiBalance struct {
	Balance float64 `json:"balance"` // cents
}

// Balance returns the free balance in quote units.
func (k *KalshiClient) Balance(ctx context.Context) (float64, error) {
	var result kalshiBalance
	resp, err := k.signed(ctx, http.MethodGet, "/portfolio/balance", nil, &result)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, statusErr("balance", resp)
	}
	return result.Balance / 100, nil
}

// signed performs an authenticated request. On a 401 it re-signs once with a
// fresh timestamp before failing, which also covers clock-skew rejections.
func (k *KalshiClient) signed(ctx context.Context, method, path string, body, out any) (*resty.Response, error) {
	if err := k.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		req := k.http.R().SetContext(ctx)
		if k.auth != nil {
			// The signature covers the full path including the API prefix.
			headers, err := k.auth.Headers(method, k.basePath+path)
			if err != nil {
				return nil, err
			}
			req.SetHeaders(headers)
		}
		if body != nil {
			req.SetBody(body)
		}
		if out != nil {
			req.SetResult(out)
		}

		resp, err := req.Execute(method, path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %s: %v", ErrTransient, method, path, err)
		}
		if resp.StatusCode() == http.StatusUnauthorized && attempt == 0 && k.auth != nil {
			k.logger.Warn("unauthorized response, re-signing with fresh timestamp", "path", path)
			continue
		}
		return resp, nil
	}
}

func normalizeKalshiListing(status string) types.ListingStatus {
	switch status {
	case "open", "active":
		return types.ListingOpen
	case "settled", "finalized":
		return types.ListingSettled
	default:
		return types.ListingClosed
	}
}

// normalizeKalshiOrder maps raw venue order statuses onto the canonical set,
// deriving partial from the fill counters since the venue reports a resting
// order the same way whether or not it has partial fills.
func normalizeKalshiOrder(o kalshiOrder) types.OrderStatus {
	if types.IsFilledStatus(o.Status) {
		return types.OrderFilled
	}
	switch o.Status {
	case "canceled", "cancelled":
		return types.OrderCancelled
	case "rejected":
		return types.OrderRejected
	default:
		if filled := o.InitialCount - o.RemainingCount; filled > 0 && o.RemainingCount > 0 {
			return types.OrderPartial
		}
		return types.OrderOpen
	}
}
