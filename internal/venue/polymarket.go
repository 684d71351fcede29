package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"crossarb/internal/config"
	"crossarb/internal/match"
	"crossarb/internal/validate"
	"crossarb/pkg/types"
)

// PolymarketClient talks to the blockchain CLOB venue. The catalogue comes
// from the Gamma API (question text, liquidity, resolution dates); order
// books, orders, and balances come from the CLOB API:
//   - GET  gamma /markets        — open catalogue
//   - GET  clob  /book           — L2 book for one token
//   - POST clob  /order          — place a signed order
//   - GET  clob  /data/order/{id}
//   - DELETE clob /order         — cancel by id
//   - GET  clob  /balance-allowance
//   - GET  clob  /auth/derive-api-key
//
// A market's NativeID is the token pair "yesTokenID:noTokenID" so quote and
// order calls can resolve the side locally without extra lookups.
type PolymarketClient struct {
	clob    *resty.Client
	gamma   *resty.Client
	auth    *PolyAuth // nil when no signing key is configured
	limiter *rate.Limiter
	dryRun  bool
	logger  *slog.Logger
}

// NewPolymarket builds the client. A signing key is optional: catalogue and
// book reads are unauthenticated, which is all paper mode needs.
func NewPolymarket(cfg config.PolymarketConfig, dryRun bool, logger *slog.Logger) (*PolymarketClient, error) {
	var auth *PolyAuth
	if cfg.PrivateKey != "" {
		var err error
		auth, err = NewPolyAuth(cfg)
		if err != nil {
			return nil, err
		}
	}

	return &PolymarketClient{
		clob:    newHTTP(cfg.CLOBBaseURL),
		gamma:   newHTTP(cfg.GammaBaseURL),
		auth:    auth,
		limiter: newLimiter(cfg.RateLimit),
		dryRun:  dryRun,
		logger:  logger.With("component", "venue", "venue", "polymarket"),
	}, nil
}

// Name implements Client.
func (p *PolymarketClient) Name() string { return string(types.VenuePolymarket) }

// EnsureCredentials derives L2 API credentials via L1 authentication when
// none are configured. Live mode calls this once at startup.
func (p *PolymarketClient) EnsureCredentials(ctx context.Context) error {
	if p.auth == nil {
		return fmt.Errorf("no signing key configured")
	}
	if p.auth.HasL2Credentials() {
		return nil
	}

	headers, err := p.auth.L1Headers(0)
	if err != nil {
		return fmt.Errorf("l1 headers: %w", err)
	}

	var creds Credentials
	resp, err := p.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&creds).
		Get("/auth/derive-api-key")
	if err != nil {
		return fmt.Errorf("%w: derive api key: %v", ErrTransient, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return statusErr("derive api key", resp)
	}

	p.auth.SetCredentials(creds)
	p.logger.Info("API key derived", "api_key", creds.ApiKey)
	return nil
}

// gammaMarket is the catalogue metadata Gamma reports. Numeric fields arrive
// as JSON strings; clobTokenIds is a JSON array encoded inside a string.
type gammaMarket struct {
	ConditionID  string      `json:"conditionId"`
	Question     string      `json:"question"`
	Description  string      `json:"description"`
	EndDateISO   string      `json:"endDateIso"`
	ClobTokenIDs string      `json:"clobTokenIds"`
	Volume       json.Number `json:"volume"`
	Liquidity    json.Number `json:"liquidity"`
	Active       bool        `json:"active"`
	Closed       bool        `json:"closed"`
}

// ListMarkets fetches the open catalogue from Gamma. Transient failures
// degrade to an empty slice after retries.
func (p *PolymarketClient) ListMarkets(ctx context.Context, limit int, status string) ([]types.Listing, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := map[string]string{"limit": strconv.Itoa(limit)}
	if status == "open" {
		params["active"] = "true"
		params["closed"] = "false"
	}

	var items []json.RawMessage
	resp, err := p.gamma.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&items).
		Get("/markets")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn("catalogue fetch failed", "error", err)
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK {
		p.logger.Warn("catalogue fetch failed", "status", resp.StatusCode())
		return nil, nil
	}

	listings := make([]types.Listing, 0, len(items))
	for _, raw := range items {
		var m gammaMarket
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		if m.Closed {
			continue
		}

		var tokenIDs []string
		if err := json.Unmarshal([]byte(m.ClobTokenIDs), &tokenIDs); err != nil || len(tokenIDs) < 2 {
			continue
		}

		volume, _ := m.Volume.Float64()
		liquidity, _ := m.Liquidity.Float64()

		listingStatus := types.ListingOpen
		if !m.Active {
			listingStatus = types.ListingClosed
		}

		listings = append(listings, types.Listing{
			Venue:          types.VenuePolymarket,
			NativeID:       tokenIDs[0] + ":" + tokenIDs[1],
			Question:       validate.Sanitize(m.Question, maxQuestionLen),
			Description:    validate.Sanitize(m.Description, maxQuestionLen),
			ResolutionTime: match.ParseDate(m.EndDateISO),
			Status:         listingStatus,
			Volume:         volume,
			Liquidity:      liquidity,
			Raw:            raw,
		})
	}
	p.logger.Debug("catalogue fetched", "markets", len(listings))
	return listings, nil
}

type polyBook struct {
	Bids []polyBookLevel `json:"bids"`
	Asks []polyBookLevel `json:"asks"`
}

// polyBookLevel carries prices as strings for precision, matching the wire.
type polyBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// FetchQuote returns the lowest ask for the side's token, or 0 when the
// market is unknown or the book is empty.
func (p *PolymarketClient) FetchQuote(ctx context.Context, nativeID string, side types.MarketSide) (float64, error) {
	tokenID, err := p.tokenFor(nativeID, side)
	if err != nil {
		return 0, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	var book polyBook
	resp, err := p.clob.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&book).
		Get("/book")
	if err != nil {
		return 0, fmt.Errorf("%w: fetch quote: %v", ErrTransient, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return 0, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, statusErr("fetch quote", resp)
	}

	// The book is not guaranteed sorted; scan for the lowest ask.
	best := 0.0
	for _, level := range book.Asks {
		price, err := strconv.ParseFloat(level.Price, 64)
		if err != nil || price <= 0 {
			continue
		}
		if best == 0 || price < best {
			best = price
		}
	}
	return roundPrice(best), nil
}

type polySignedOrder struct {
	Salt          string   `json:"salt"`
	Maker         string   `json:"maker"`       // funder/proxy wallet address
	Signer        string   `json:"signer"`      // EOA that signs the order
	Taker         string   `json:"taker"`       // zero address = open order
	TokenID       string   `json:"tokenId"`     // CTF token ID
	MakerAmount   *big.Int `json:"makerAmount"` // what maker gives (scaled to 1e6)
	TakerAmount   *big.Int `json:"takerAmount"` // what maker receives (scaled to 1e6)
	Side          string   `json:"side"`
	Expiration    string   `json:"expiration"`
	Nonce         string   `json:"nonce"`
	FeeRateBps    string   `json:"feeRateBps"`
	SignatureType int      `json:"signatureType"`
	Signature     string   `json:"signature"`
}

type polyOrderPayload struct {
	Order     polySignedOrder `json:"order"`
	Owner     string          `json:"owner"`     // API key of the order owner
	OrderType string          `json:"orderType"` // FAK (ioc) or GTC
}

type polyOrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"` // e.g. "live", "matched"
}

// PlaceOrder signs and submits a limit order. Limits are clamped to
// [0.01, 0.99] after four-decimal rounding.
func (p *PolymarketClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	tokenID, err := p.tokenFor(req.Market, req.Side)
	if err != nil {
		return nil, err
	}
	if req.Qty <= 0 || req.Qty > 1e6 {
		return nil, fmt.Errorf("%w: token amount %v outside (0, 1e6]", ErrInvalidOrder, req.Qty)
	}
	if err := validate.Price(req.LimitPrice); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	price := roundPrice(req.LimitPrice)
	if price < 0.01 {
		price = 0.01
	}
	if price > 0.99 {
		price = 0.99
	}

	if p.dryRun {
		p.logger.Info("DRY-RUN: would place order",
			"token", tokenID, "side", req.Side, "action", req.Action,
			"qty", req.Qty, "price", price)
		return &OrderResult{
			OrderID:   "dry-run-" + uuid.NewString(),
			Status:    types.OrderFilled,
			FilledQty: req.Qty,
			AvgPrice:  price,
		}, nil
	}
	if p.auth == nil {
		return nil, fmt.Errorf("%w: no signing key configured", ErrInvalidOrder)
	}

	buy := req.Action == types.ActionBuy
	makerAmt, takerAmt := priceToAmounts(price, req.Qty, buy)
	side := "BUY"
	if !buy {
		side = "SELL"
	}

	order := polySignedOrder{
		Salt:          strconv.FormatInt(time.Now().UnixNano(), 10),
		Maker:         p.auth.FunderAddress().Hex(),
		Signer:        p.auth.Address().Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       tokenID,
		MakerAmount:   makerAmt,
		TakerAmount:   takerAmt,
		Side:          side,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		SignatureType: p.auth.sigType,
	}
	if err := p.auth.SignOrder(&order); err != nil {
		return nil, err
	}

	payload := polyOrderPayload{
		Order:     order,
		Owner:     p.auth.creds.ApiKey,
		OrderType: orderTypeFor(req.TIF),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := p.auth.L2Headers(http.MethodPost, "/order", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var result polyOrderResponse
	resp, err := p.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return nil, fmt.Errorf("%w: place order: %v", ErrTransient, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, statusErr("place order", resp)
	}
	if !result.Success {
		return nil, fmt.Errorf("%w: %s", ErrRejected, result.ErrorMsg)
	}

	p.logger.Info("order placed",
		"order_id", result.OrderID, "token", tokenID,
		"side", side, "qty", req.Qty, "price", price)

	status := types.OrderOpen
	filled := 0.0
	if types.IsFilledStatus(result.Status) {
		status = types.OrderFilled
		filled = req.Qty
	}
	return &OrderResult{
		OrderID:   result.OrderID,
		Status:    status,
		FilledQty: filled,
		AvgPrice:  price,
	}, nil
}

type polyOpenOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
}

// OrderStatus returns (nil, nil) when the venue does not know the id.
func (p *PolymarketClient) OrderStatus(ctx context.Context, orderID string) (*OrderState, error) {
	if p.auth == nil {
		return nil, fmt.Errorf("%w: no signing key configured", ErrInvalidOrder)
	}
	path := "/data/order/" + orderID
	headers, err := p.auth.L2Headers(http.MethodGet, path, "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var order polyOpenOrder
	resp, err := p.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&order).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("%w: order status: %v", ErrTransient, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, statusErr("order status", resp)
	}

	matched, _ := strconv.ParseFloat(order.SizeMatched, 64)
	original, _ := strconv.ParseFloat(order.OriginalSize, 64)
	return &OrderState{
		Status:    normalizePolyOrder(order.Status, matched, original),
		FilledQty: matched,
	}, nil
}

type polyCancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

// CancelOrder returns false without error when the order is already terminal
// or unknown.
func (p *PolymarketClient) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if p.dryRun {
		p.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return true, nil
	}
	if p.auth == nil {
		return false, fmt.Errorf("%w: no signing key configured", ErrInvalidOrder)
	}

	body := fmt.Sprintf(`{"orderID":%q}`, orderID)
	headers, err := p.auth.L2Headers(http.MethodDelete, "/order", body)
	if err != nil {
		return false, fmt.Errorf("l2 headers: %w", err)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return false, err
	}

	var result polyCancelResponse
	resp, err := p.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/order")
	if err != nil {
		return false, fmt.Errorf("%w: cancel order: %v", ErrTransient, err)
	}
	switch {
	case resp.StatusCode() >= 400 && resp.StatusCode() < 500:
		return false, nil
	case resp.StatusCode() != http.StatusOK:
		return false, statusErr("cancel order", resp)
	}

	for _, id := range result.Canceled {
		if id == orderID {
			p.logger.Info("order cancelled", "order_id", orderID)
			return true, nil
		}
	}
	return false, nil
}

type polyBalance struct {
	Balance string `json:"balance"` // USDC scaled to 1e6
}

// Balance returns the free collateral in quote units.
func (p *PolymarketClient) Balance(ctx context.Context) (float64, error) {
	if p.auth == nil {
		return 0, fmt.Errorf("%w: no signing key configured", ErrInvalidOrder)
	}
	headers, err := p.auth.L2Headers(http.MethodGet, "/balance-allowance", "")
	if err != nil {
		return 0, fmt.Errorf("l2 headers: %w", err)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	var result polyBalance
	resp, err := p.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("asset_type", "COLLATERAL").
		SetResult(&result).
		Get("/balance-allowance")
	if err != nil {
		return 0, fmt.Errorf("%w: balance: %v", ErrTransient, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, statusErr("balance", resp)
	}

	raw, err := strconv.ParseFloat(result.Balance, 64)
	if err != nil {
		return 0, fmt.Errorf("parse balance %q: %w", result.Balance, err)
	}
	return raw / 1e6, nil
}

// tokenFor resolves the CTF token id for one side of a token-pair NativeID.
func (p *PolymarketClient) tokenFor(nativeID string, side types.MarketSide) (string, error) {
	parts := strings.Split(nativeID, ":")
	if len(parts) != 2 {
		return "", fmt.Errorf("%w: market id %q is not a token pair", ErrInvalidOrder, nativeID)
	}
	for _, part := range parts {
		if _, err := validate.MarketID(part); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidOrder, err)
		}
	}
	if side == types.SideNo {
		return parts[1], nil
	}
	return parts[0], nil
}

func orderTypeFor(tif types.TimeInForce) string {
	if tif == types.TifIOC {
		// Fill-and-kill: take what is there, cancel the rest.
		return "FAK"
	}
	return "GTC"
}

func normalizePolyOrder(raw string, matched, original float64) types.OrderStatus {
	if types.IsFilledStatus(raw) {
		return types.OrderFilled
	}
	switch raw {
	case "canceled", "cancelled":
		return types.OrderCancelled
	case "rejected":
		return types.OrderRejected
	default:
		if matched > 0 && matched < original {
			return types.OrderPartial
		}
		return types.OrderOpen
	}
}
