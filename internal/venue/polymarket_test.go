package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"crossarb/internal/config"
	"crossarb/pkg/types"
)

// Hardhat's first well-known development key. Address is the checksummed EOA
// it derives to.
const (
	testPolyKey     = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testPolyAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	testPolySecret  = "dGVzdC1zZWNyZXQ=" // base64 of "test-secret"
)

func unexpectedCall(t *testing.T, name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected %s call: %s %s", name, r.Method, r.URL.Path)
	}
}

func newTestPolymarket(t *testing.T, dryRun bool, withCreds bool, clob, gamma http.HandlerFunc) *PolymarketClient {
	t.Helper()

	if clob == nil {
		clob = unexpectedCall(t, "clob")
	}
	if gamma == nil {
		gamma = unexpectedCall(t, "gamma")
	}
	clobSrv := httptest.NewServer(jsonHandler(clob))
	t.Cleanup(clobSrv.Close)
	gammaSrv := httptest.NewServer(jsonHandler(gamma))
	t.Cleanup(gammaSrv.Close)

	cfg := config.PolymarketConfig{
		CLOBBaseURL:   clobSrv.URL,
		GammaBaseURL:  gammaSrv.URL,
		PrivateKey:    testPolyKey,
		SignatureType: 0,
		ChainID:       137,
		RateLimit:     1000,
	}
	if withCreds {
		cfg.ApiKey = "test-api-key"
		cfg.Secret = testPolySecret
		cfg.Passphrase = "test-pass"
	}

	p, err := NewPolymarket(cfg, dryRun, testLogger())
	if err != nil {
		t.Fatalf("NewPolymarket: %v", err)
	}
	p.clob.SetRetryCount(0)
	p.gamma.SetRetryCount(0)
	return p
}

// verifyPolyL2 recomputes the HMAC the client should have attached.
func verifyPolyL2(t *testing.T, r *http.Request, body []byte) {
	t.Helper()

	if got := r.Header.Get("POLY_ADDRESS"); got != testPolyAddress {
		t.Errorf("POLY_ADDRESS = %q, want %q", got, testPolyAddress)
	}
	if got := r.Header.Get("POLY_API_KEY"); got != "test-api-key" {
		t.Errorf("POLY_API_KEY = %q", got)
	}
	if got := r.Header.Get("POLY_PASSPHRASE"); got != "test-pass" {
		t.Errorf("POLY_PASSPHRASE = %q", got)
	}

	secret, err := base64.URLEncoding.DecodeString(testPolySecret)
	if err != nil {
		t.Fatalf("decode secret: %v", err)
	}
	message := r.Header.Get("POLY_TIMESTAMP") + r.Method + r.URL.Path + string(body)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	want := base64.URLEncoding.EncodeToString(mac.Sum(nil))
	if got := r.Header.Get("POLY_SIGNATURE"); got != want {
		t.Errorf("POLY_SIGNATURE = %q, want %q", got, want)
	}
}

func TestPolymarketListMarkets(t *testing.T) {
	t.Parallel()

	gamma := func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("active") != "true" || q.Get("closed") != "false" {
			t.Errorf("query = %v", q)
		}
		w.Write([]byte(`[
			{"conditionId": "0xc0ffee", "question": "Will the Fed cut rates in December?",
			 "description": "Resolves per the FOMC statement",
			 "endDateIso": "2026-12-15", "clobTokenIds": "[\"111\", \"222\"]",
			 "volume": "150000.5", "liquidity": "30000.25", "active": true, "closed": false},
			{"question": "already resolved", "clobTokenIds": "[\"333\", \"444\"]",
			 "active": false, "closed": true},
			{"question": "no token ids yet", "active": true, "closed": false}
		]`))
	}
	p := newTestPolymarket(t, false, true, nil, gamma)

	listings, err := p.ListMarkets(context.Background(), 100, "open")
	if err != nil {
		t.Fatalf("ListMarkets: %v", err)
	}
	if len(listings) != 1 {
		t.Fatalf("got %d listings, want 1", len(listings))
	}

	l := listings[0]
	if l.Venue != types.VenuePolymarket || l.NativeID != "111:222" {
		t.Errorf("identity = %s/%s, want polymarket/111:222", l.Venue, l.NativeID)
	}
	if l.Question != "Will the Fed cut rates in December?" {
		t.Errorf("question = %q", l.Question)
	}
	if l.Volume != 150000.5 || l.Liquidity != 30000.25 {
		t.Errorf("volume/liquidity = %v/%v", l.Volume, l.Liquidity)
	}
	if want := time.Date(2026, 12, 15, 0, 0, 0, 0, time.UTC); !l.ResolutionTime.Equal(want) {
		t.Errorf("resolution = %v, want %v", l.ResolutionTime, want)
	}
	if l.Status != types.ListingOpen {
		t.Errorf("status = %s, want open", l.Status)
	}
}

func TestPolymarketListMarketsDegradesToEmpty(t *testing.T) {
	t.Parallel()

	gamma := func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway timeout", http.StatusBadGateway)
	}
	p := newTestPolymarket(t, false, true, nil, gamma)

	listings, err := p.ListMarkets(context.Background(), 100, "open")
	if err != nil {
		t.Fatalf("ListMarkets: %v", err)
	}
	if len(listings) != 0 {
		t.Errorf("got %d listings, want 0", len(listings))
	}
}

func TestPolymarketFetchQuoteScansForLowestAsk(t *testing.T) {
	t.Parallel()

	clob := func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/book" {
			t.Errorf("path = %s", r.URL.Path)
		}
		switch r.URL.Query().Get("token_id") {
		case "111":
			// Deliberately unsorted.
			w.Write([]byte(`{"bids": [], "asks": [
				{"price": "0.47", "size": "100"},
				{"price": "0.45", "size": "50"},
				{"price": "0.46", "size": "10"}
			]}`))
		case "222":
			w.Write([]byte(`{"bids": [], "asks": [{"price": "0.56", "size": "5"}]}`))
		case "333":
			w.Write([]byte(`{"bids": [], "asks": []}`))
		default:
			http.NotFound(w, r)
		}
	}
	p := newTestPolymarket(t, false, true, clob, nil)
	ctx := context.Background()

	if got, err := p.FetchQuote(ctx, "111:222", types.SideYes); err != nil || got != 0.45 {
		t.Errorf("yes quote = %v, %v; want 0.45, nil", got, err)
	}
	if got, err := p.FetchQuote(ctx, "111:222", types.SideNo); err != nil || got != 0.56 {
		t.Errorf("no quote = %v, %v; want 0.56, nil", got, err)
	}
	if got, err := p.FetchQuote(ctx, "333:444", types.SideYes); err != nil || got != 0 {
		t.Errorf("empty book quote = %v, %v; want 0, nil", got, err)
	}
	if got, err := p.FetchQuote(ctx, "999:888", types.SideYes); err != nil || got != 0 {
		t.Errorf("unknown token quote = %v, %v; want 0, nil", got, err)
	}
}

func TestPolymarketTokenPairValidation(t *testing.T) {
	t.Parallel()

	p := newTestPolymarket(t, false, true, nil, nil)
	ctx := context.Background()

	for _, id := range []string{"no-pair", "a:b:c", "ok:bad token!", ""} {
		if _, err := p.FetchQuote(ctx, id, types.SideYes); !errors.Is(err, ErrInvalidOrder) {
			t.Errorf("FetchQuote(%q) err = %v, want ErrInvalidOrder", id, err)
		}
	}
}

func TestPolymarketPlaceOrder(t *testing.T) {
	t.Parallel()

	clob := func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/order" || r.Method != http.MethodPost {
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
			return
		}
		verifyPolyL2(t, r, body)

		var payload polyOrderPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("decode payload: %v", err)
			return
		}
		if payload.Owner != "test-api-key" || payload.OrderType != "FAK" {
			t.Errorf("owner/orderType = %q/%q", payload.Owner, payload.OrderType)
		}

		o := payload.Order
		if o.TokenID != "111" || o.Side != "BUY" {
			t.Errorf("token/side = %q/%q, want 111/BUY", o.TokenID, o.Side)
		}
		if o.Maker != testPolyAddress || o.Signer != testPolyAddress {
			t.Errorf("maker/signer = %q/%q", o.Maker, o.Signer)
		}
		if o.Taker != "0x0000000000000000000000000000000000000000" {
			t.Errorf("taker = %q", o.Taker)
		}
		// 10 tokens at 0.45 scaled to 1e6 units.
		if o.MakerAmount.Cmp(big.NewInt(4500000)) != 0 {
			t.Errorf("makerAmount = %s, want 4500000", o.MakerAmount)
		}
		if o.TakerAmount.Cmp(big.NewInt(10000000)) != 0 {
			t.Errorf("takerAmount = %s, want 10000000", o.TakerAmount)
		}
		if o.Expiration != "0" || o.Nonce != "0" || o.FeeRateBps != "0" || o.SignatureType != 0 {
			t.Errorf("order flags = %+v", o)
		}
		if o.Salt == "" {
			t.Error("salt is empty")
		}
		if !strings.HasPrefix(o.Signature, "0x") || len(o.Signature) != 132 {
			t.Errorf("signature = %q, want 0x-prefixed 65 bytes", o.Signature)
		}
		w.Write([]byte(`{"success": true, "orderID": "0xorder1", "status": "matched"}`))
	}
	p := newTestPolymarket(t, false, true, clob, nil)

	res, err := p.PlaceOrder(context.Background(), OrderRequest{
		Market:     "111:222",
		Side:       types.SideYes,
		Action:     types.ActionBuy,
		Qty:        10,
		LimitPrice: 0.45,
		TIF:        types.TifIOC,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.OrderID != "0xorder1" || res.Status != types.OrderFilled {
		t.Errorf("result = %+v", res)
	}
	if res.FilledQty != 10 || res.AvgPrice != 0.45 {
		t.Errorf("fill = %v @ %v, want 10 @ 0.45", res.FilledQty, res.AvgPrice)
	}
}

func TestPolymarketPlaceOrderRejected(t *testing.T) {
	t.Parallel()

	clob := func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false, "errorMsg": "not enough balance / allowance"}`))
	}
	p := newTestPolymarket(t, false, true, clob, nil)

	_, err := p.PlaceOrder(context.Background(), OrderRequest{
		Market: "111:222", Side: types.SideYes, Action: types.ActionBuy,
		Qty: 10, LimitPrice: 0.45, TIF: types.TifIOC,
	})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if !strings.Contains(err.Error(), "not enough balance") {
		t.Errorf("err %q does not carry the venue message", err)
	}
}

func TestPolymarketPlaceOrderValidation(t *testing.T) {
	t.Parallel()

	p := newTestPolymarket(t, false, true, nil, nil)

	tests := []struct {
		name string
		req  OrderRequest
	}{
		{"bad pair", OrderRequest{Market: "solo", Side: types.SideYes, Action: types.ActionBuy, Qty: 10, LimitPrice: 0.5}},
		{"zero quantity", OrderRequest{Market: "111:222", Side: types.SideYes, Action: types.ActionBuy, Qty: 0, LimitPrice: 0.5}},
		{"price out of band", OrderRequest{Market: "111:222", Side: types.SideYes, Action: types.ActionBuy, Qty: 10, LimitPrice: 0.995}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.PlaceOrder(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidOrder) {
				t.Errorf("err = %v, want ErrInvalidOrder", err)
			}
		})
	}
}

func TestPolymarketOrderStatus(t *testing.T) {
	t.Parallel()

	clob := func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/data/order/ord-live":
			w.Write([]byte(`{"id": "ord-live", "status": "live", "original_size": "10", "size_matched": "4"}`))
		case "/data/order/ord-matched":
			w.Write([]byte(`{"id": "ord-matched", "status": "matched", "original_size": "10", "size_matched": "10"}`))
		default:
			http.NotFound(w, r)
		}
	}
	p := newTestPolymarket(t, false, true, clob, nil)
	ctx := context.Background()

	st, err := p.OrderStatus(ctx, "ord-live")
	if err != nil {
		t.Fatalf("OrderStatus: %v", err)
	}
	if st.Status != types.OrderPartial || st.FilledQty != 4 {
		t.Errorf("state = %+v, want partial/4", st)
	}

	st, err = p.OrderStatus(ctx, "ord-matched")
	if err != nil {
		t.Fatalf("OrderStatus: %v", err)
	}
	if st.Status != types.OrderFilled || st.FilledQty != 10 {
		t.Errorf("state = %+v, want filled/10", st)
	}

	st, err = p.OrderStatus(ctx, "ord-unknown")
	if err != nil || st != nil {
		t.Errorf("unknown order = %+v, %v; want nil, nil", st, err)
	}
}

func TestPolymarketCancelOrder(t *testing.T) {
	t.Parallel()

	clob := func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/order" || r.Method != http.MethodDelete {
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		var req struct {
			OrderID string `json:"orderID"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decode cancel body: %v", err)
			return
		}
		switch req.OrderID {
		case "ord-open":
			w.Write([]byte(`{"canceled": ["ord-open"], "not_canceled": {}}`))
		default:
			w.Write([]byte(`{"canceled": [], "not_canceled": {"` + req.OrderID + `": "order already filled"}}`))
		}
	}
	p := newTestPolymarket(t, false, true, clob, nil)
	ctx := context.Background()

	ok, err := p.CancelOrder(ctx, "ord-open")
	if err != nil || !ok {
		t.Errorf("cancel open = %v, %v; want true, nil", ok, err)
	}

	ok, err = p.CancelOrder(ctx, "ord-filled")
	if err != nil || ok {
		t.Errorf("cancel terminal = %v, %v; want false, nil", ok, err)
	}
}

func TestPolymarketBalance(t *testing.T) {
	t.Parallel()

	clob := func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/balance-allowance" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("asset_type"); got != "COLLATERAL" {
			t.Errorf("asset_type = %q", got)
		}
		w.Write([]byte(`{"balance": "123450000"}`))
	}
	p := newTestPolymarket(t, false, true, clob, nil)

	got, err := p.Balance(context.Background())
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if want := 123.45; got != want {
		t.Errorf("balance = %v, want %v", got, want)
	}
}

func TestPolymarketEnsureCredentials(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	clob := func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		if r.URL.Path != "/auth/derive-api-key" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("POLY_ADDRESS"); got != testPolyAddress {
			t.Errorf("POLY_ADDRESS = %q", got)
		}
		if got := r.Header.Get("POLY_NONCE"); got != "0" {
			t.Errorf("POLY_NONCE = %q", got)
		}
		sig := r.Header.Get("POLY_SIGNATURE")
		if !strings.HasPrefix(sig, "0x") || len(sig) != 132 {
			t.Errorf("POLY_SIGNATURE = %q, want 0x-prefixed 65 bytes", sig)
		}
		w.Write([]byte(`{"apiKey": "derived-key", "secret": "` + testPolySecret + `", "passphrase": "pp"}`))
	}
	p := newTestPolymarket(t, false, false, clob, nil)

	if p.auth.HasL2Credentials() {
		t.Fatal("credentials should start empty")
	}
	if err := p.EnsureCredentials(context.Background()); err != nil {
		t.Fatalf("EnsureCredentials: %v", err)
	}
	if !p.auth.HasL2Credentials() || p.auth.creds.ApiKey != "derived-key" {
		t.Errorf("credentials not installed: %+v", p.auth.creds)
	}

	// Second call is a no-op once credentials exist.
	if err := p.EnsureCredentials(context.Background()); err != nil {
		t.Fatalf("EnsureCredentials again: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("derive endpoint saw %d calls, want 1", calls)
	}
}

func TestPolymarketDryRunShortCircuits(t *testing.T) {
	t.Parallel()

	p := newTestPolymarket(t, true, true, nil, nil)

	res, err := p.PlaceOrder(context.Background(), OrderRequest{
		Market: "111:222", Side: types.SideNo, Action: types.ActionBuy,
		Qty: 25, LimitPrice: 0.46, TIF: types.TifIOC,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.Status != types.OrderFilled || res.FilledQty != 25 || res.AvgPrice != 0.46 {
		t.Errorf("synthetic result = %+v", res)
	}

	ok, err := p.CancelOrder(context.Background(), res.OrderID)
	if err != nil || !ok {
		t.Errorf("dry-run cancel = %v, %v", ok, err)
	}
}

func TestPriceToAmounts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		price, size float64
		buy         bool
		maker       int64
		taker       int64
	}{
		{"buy", 0.45, 10, true, 4500000, 10000000},
		{"sell", 0.45, 10, false, 10000000, 4500000},
		{"buy rounds size down to cents", 0.5, 10.567, true, 5280000, 10560000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			maker, taker := priceToAmounts(tt.price, tt.size, tt.buy)
			if maker.Cmp(big.NewInt(tt.maker)) != 0 {
				t.Errorf("maker = %s, want %d", maker, tt.maker)
			}
			if taker.Cmp(big.NewInt(tt.taker)) != 0 {
				t.Errorf("taker = %s, want %d", taker, tt.taker)
			}
		})
	}
}

func TestRoundDown(t *testing.T) {
	t.Parallel()

	if got := roundDown(1.23456789, 4); got != 1.2345 {
		t.Errorf("roundDown(1.23456789, 4) = %v, want 1.2345", got)
	}
	if got := roundDown(5.0, 2); got != 5.0 {
		t.Errorf("roundDown(5.0, 2) = %v, want 5.0", got)
	}
}
