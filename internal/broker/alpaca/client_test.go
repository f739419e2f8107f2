package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	tradeapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/rebalance-bot/internal/broker"
	"github.com/tathienbao/rebalance-bot/internal/types"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testConfig(f *fakeAlpaca) Config {
	cfg := DefaultConfig()
	cfg.KeyID = testKey
	cfg.SecretKey = testSecret
	cfg.BaseURL = f.srv.URL
	cfg.DataURL = f.srv.URL
	cfg.Timeout = 2 * time.Second
	cfg.MaxRequestsPerSecond = 1000
	cfg.RetryWait = time.Millisecond
	cfg.Stream = false
	cfg.StreamReconnectWait = time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, f *fakeAlpaca, configure func(*Config)) *Client {
	t.Helper()
	cfg := testConfig(f)
	if configure != nil {
		configure(&cfg)
	}
	c := NewClient(cfg, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func limitOrder(symbol string, side types.Side, qty, price string) broker.OrderRequest {
	return broker.OrderRequest{
		ClientOrderID: "run-1-" + symbol,
		Instrument:    broker.Stock(symbol),
		Side:          side,
		Quantity:      d(qty),
		Type:          broker.OrderTypeLimit,
		LimitPrice:    d(price),
		Adaptive:      true,
		Priority:      broker.PriorityPatient,
	}
}

// TestNewClient tests client constructor defaults.
func TestNewClient(t *testing.T) {
	c := NewClient(Config{}, nil)

	if c.Name() != "alpaca" {
		t.Errorf("Name() = %s", c.Name())
	}
	if c.State() != broker.StateDisconnected {
		t.Errorf("State() = %v, want Disconnected", c.State())
	}
	if c.cfg.BaseURL != PaperURL || c.cfg.DataURL != DataURL {
		t.Errorf("urls = %s %s", c.cfg.BaseURL, c.cfg.DataURL)
	}
	if c.cfg.Timeout != 15*time.Second {
		t.Errorf("Timeout = %v", c.cfg.Timeout)
	}
	if c.cfg.Feed != DefaultFeed {
		t.Errorf("Feed = %s, want %s", c.cfg.Feed, DefaultFeed)
	}
}

func TestLiveConfig(t *testing.T) {
	cfg := LiveConfig()
	if cfg.BaseURL != LiveURL || cfg.DataURL != DataURL {
		t.Errorf("LiveConfig() = %+v", cfg)
	}
}

// TestClient_Connect tests account verification and credentials.
func TestClient_Connect(t *testing.T) {
	f := newFakeAlpaca(t)
	c := newTestClient(t, f, nil)

	if !c.IsConnected() {
		t.Fatal("expected connected")
	}
	if n := f.count("GET /v2/account"); n != 1 {
		t.Errorf("account requests = %d, want 1", n)
	}
	// Idempotent.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := f.count("GET /v2/account"); n != 1 {
		t.Errorf("account requests after reconnect = %d, want 1", n)
	}

	if err := c.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if c.State() != broker.StateDisconnected {
		t.Errorf("State() = %v", c.State())
	}
}

func TestClient_ConnectBadCredentials(t *testing.T) {
	f := newFakeAlpaca(t)
	cfg := testConfig(f)
	cfg.SecretKey = "wrong"
	c := NewClient(cfg, nil)

	err := c.Connect(context.Background())
	var apiErr *tradeapi.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Connect() error = %v, want 401", err)
	}
	if apiErr.Message != "unauthorized." {
		t.Errorf("Message = %q", apiErr.Message)
	}
	if c.State() != broker.StateError {
		t.Errorf("State() = %v, want Error", c.State())
	}
}

// TestClient_NotConnected tests that trading calls require a connection.
func TestClient_NotConnected(t *testing.T) {
	f := newFakeAlpaca(t)
	c := NewClient(testConfig(f), nil)
	ctx := context.Background()

	calls := map[string]func() error{
		"GetPositions": func() error { _, err := c.GetPositions(ctx, "STK", "USD"); return err },
		"Qualify":      func() error { _, err := c.Qualify(ctx, []broker.Instrument{broker.Stock("AAPL")}); return err },
		"SubmitOrder":  func() error { _, err := c.SubmitOrder(ctx, limitOrder("AAPL", types.SideBuy, "1", "1")); return err },
		"ModifyOrder": func() error {
			_, err := c.ModifyOrder(ctx, &broker.Order{OrderID: "x"}, d("1"), broker.PriorityNormal)
			return err
		},
		"CancelOrder": func() error { return c.CancelOrder(ctx, &broker.Order{OrderID: "x"}) },
		"Orders":      func() error { _, err := c.Orders(ctx); return err },
		"OpenOrders":  func() error { _, err := c.OpenOrders(ctx); return err },
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			if err := call(); !errors.Is(err, broker.ErrNotConnected) {
				t.Errorf("error = %v, want ErrNotConnected", err)
			}
		})
	}
	if n := f.total(); n != 0 {
		t.Errorf("requests sent = %d, want 0", n)
	}
}

// TestClient_GetPositions tests position mapping and filtering.
func TestClient_GetPositions(t *testing.T) {
	f := newFakeAlpaca(t)
	f.positions = []tradeapi.Position{
		{Symbol: "AAPL", Qty: d("10"), Side: "long", AssetClass: tradeapi.USEquity},
		{Symbol: "MSFT", Qty: d("-5"), Side: "short", AssetClass: tradeapi.USEquity},
		{Symbol: "BTCUSD", Qty: d("1"), Side: "long", AssetClass: tradeapi.Crypto},
		{Symbol: "GME", Qty: d("0"), Side: "long", AssetClass: tradeapi.USEquity},
	}
	c := newTestClient(t, f, nil)

	pos, err := c.GetPositions(context.Background(), "STK", "USD")
	if err != nil {
		t.Fatal(err)
	}
	if len(pos) != 2 {
		t.Fatalf("positions = %v, want 2 entries", pos)
	}
	if !pos.Get("AAPL").Equal(d("10")) {
		t.Errorf("AAPL = %s", pos.Get("AAPL"))
	}
	if !pos.Get("MSFT").Equal(d("-5")) {
		t.Errorf("MSFT = %s, want -5", pos.Get("MSFT"))
	}

	pos, err = c.GetPositions(context.Background(), "STK", "EUR")
	if err != nil {
		t.Fatal(err)
	}
	if len(pos) != 0 {
		t.Errorf("EUR positions = %v, want none", pos)
	}
}

// TestClient_Qualify tests asset lookup and shortability.
func TestClient_Qualify(t *testing.T) {
	f := newFakeAlpaca(t)
	f.assets["AAPL"] = tradeapi.Asset{Symbol: "AAPL", Exchange: "NASDAQ", Status: tradeapi.AssetActive, Tradable: true, Shortable: true, EasyToBorrow: true}
	f.assets["GME"] = tradeapi.Asset{Symbol: "GME", Exchange: "NYSE", Status: tradeapi.AssetActive, Tradable: true, Shortable: true}
	f.assets["OLD"] = tradeapi.Asset{Symbol: "OLD", Exchange: "NYSE", Status: tradeapi.AssetInactive, Tradable: false}
	c := newTestClient(t, f, nil)

	in := []broker.Instrument{broker.Stock("AAPL"), broker.Stock("GME"), broker.Stock("OLD"), broker.Stock("BADX")}
	got, err := c.Qualify(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("qualified = %+v, want AAPL and GME", got)
	}
	if got[0].Symbol != "AAPL" || !got[0].Shortable || got[0].Exchange != "NASDAQ" {
		t.Errorf("AAPL = %+v", got[0])
	}
	if got[1].Symbol != "GME" || got[1].Shortable {
		t.Errorf("GME = %+v, want not shortable (hard to borrow)", got[1])
	}
}

// TestClient_GetQuote tests latest quote retrieval.
func TestClient_GetQuote(t *testing.T) {
	f := newFakeAlpaca(t)
	f.quotes["AAPL"] = [2]float64{99.5, 100.5}
	f.quotes["THIN"] = [2]float64{10, 0}
	c := newTestClient(t, f, nil)

	q, err := c.GetQuote(context.Background(), broker.Stock("AAPL"))
	if err != nil {
		t.Fatal(err)
	}
	mid, err := q.Mid()
	if err != nil {
		t.Fatal(err)
	}
	if !mid.Equal(d("100")) {
		t.Errorf("mid = %s, want 100", mid)
	}
	ts, err := q.Timestamp()
	if err != nil || !ts.Equal(time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp = %v, %v", ts, err)
	}

	if _, err := c.GetQuote(context.Background(), broker.Stock("THIN")); !errors.Is(err, types.ErrInvalidQuote) {
		t.Errorf("one-sided quote error = %v, want ErrInvalidQuote", err)
	}
	if _, err := c.GetQuote(context.Background(), broker.Stock("NONE")); !errors.Is(err, types.ErrInvalidQuote) {
		t.Errorf("missing quote error = %v, want ErrInvalidQuote", err)
	}
	_, query := f.last("GET /v2/stocks/quotes/latest")
	if q, _ := url.ParseQuery(query); q.Get("feed") != DefaultFeed {
		t.Errorf("quote query = %s, want feed=%s", query, DefaultFeed)
	}
}

// TestClient_SubmitOrder tests the order request body and returned order.
func TestClient_SubmitOrder(t *testing.T) {
	f := newFakeAlpaca(t)
	c := newTestClient(t, f, nil)
	ctx := context.Background()

	o, err := c.SubmitOrder(ctx, limitOrder("AAPL", types.SideSell, "10", "100.50"))
	if err != nil {
		t.Fatal(err)
	}
	if o.OrderID != "ord-1" || o.Status != broker.StatusSubmitted {
		t.Errorf("order = %+v", o)
	}
	if o.Side != types.SideSell || !o.Quantity.Equal(d("10")) || !o.LimitPrice.Equal(d("100.5")) {
		t.Errorf("order fields = %+v", o)
	}
	if o.Priority != broker.PriorityPatient {
		t.Errorf("Priority = %s", o.Priority)
	}

	body, _ := f.last("POST /v2/orders")
	var sent tradeapi.PlaceOrderRequest
	if err := json.Unmarshal([]byte(body), &sent); err != nil {
		t.Fatal(err)
	}
	if sent.Symbol != "AAPL" || sent.Side != tradeapi.Sell || sent.Type != tradeapi.Limit || sent.TimeInForce != tradeapi.Day {
		t.Errorf("body = %s", body)
	}
	if sent.Qty == nil || !sent.Qty.Equal(d("10")) || sent.LimitPrice == nil || !sent.LimitPrice.Equal(d("100.5")) {
		t.Errorf("qty/limit = %s", body)
	}
	if sent.ClientOrderID != "run-1-AAPL" {
		t.Errorf("client_order_id = %s", sent.ClientOrderID)
	}

	if _, err := c.SubmitOrder(ctx, limitOrder("AAPL", types.SideSell, "10", "100.50")); err == nil {
		t.Error("expected duplicate client order id to fail")
	}
	if _, err := c.SubmitOrder(ctx, limitOrder("MSFT", types.SideBuy, "0", "1")); !errors.Is(err, types.ErrInvalidOrderSize) {
		t.Errorf("zero quantity error = %v", err)
	}
}

// TestClient_ModifyOrder tests replace semantics.
func TestClient_ModifyOrder(t *testing.T) {
	f := newFakeAlpaca(t)
	c := newTestClient(t, f, nil)
	ctx := context.Background()

	o, err := c.SubmitOrder(ctx, limitOrder("AAPL", types.SideBuy, "10", "100"))
	if err != nil {
		t.Fatal(err)
	}

	next, err := c.ModifyOrder(ctx, o, d("100.25"), broker.PriorityUrgent)
	if err != nil {
		t.Fatal(err)
	}
	if next.OrderID == o.OrderID {
		t.Error("expected replacement to carry a new order id")
	}
	if !next.LimitPrice.Equal(d("100.25")) || next.Priority != broker.PriorityUrgent {
		t.Errorf("replacement = %+v", next)
	}
	body, _ := f.last("PATCH /v2/orders/" + o.OrderID)
	var sent tradeapi.ReplaceOrderRequest
	if err := json.Unmarshal([]byte(body), &sent); err != nil {
		t.Fatal(err)
	}
	if sent.LimitPrice == nil || !sent.LimitPrice.Equal(d("100.25")) || sent.Qty != nil {
		t.Errorf("replace body = %s", body)
	}

	old, err := c.Order(ctx, o.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != broker.StatusCancelled {
		t.Errorf("old status = %s, want Cancelled", old.Status)
	}

	got, err := c.Order(ctx, next.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Priority != broker.PriorityUrgent {
		t.Errorf("fetched priority = %s, want Urgent", got.Priority)
	}

	if _, err := c.ModifyOrder(ctx, o, d("101"), broker.PriorityUrgent); !errors.Is(err, broker.ErrOrderRejected) {
		t.Errorf("modify replaced order error = %v, want ErrOrderRejected", err)
	}
}

// TestClient_CancelOrder tests cancellation outcomes.
func TestClient_CancelOrder(t *testing.T) {
	f := newFakeAlpaca(t)
	c := newTestClient(t, f, nil)
	ctx := context.Background()

	o, err := c.SubmitOrder(ctx, limitOrder("AAPL", types.SideBuy, "10", "100"))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.CancelOrder(ctx, o); err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}
	got, err := c.Order(ctx, o.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != broker.StatusCancelled {
		t.Errorf("status = %s, want Cancelled", got.Status)
	}

	if err := c.CancelOrder(ctx, o); !errors.Is(err, broker.ErrOrderRejected) {
		t.Errorf("second cancel error = %v, want ErrOrderRejected", err)
	}
	if err := c.CancelOrder(ctx, &broker.Order{OrderID: "missing"}); !errors.Is(err, broker.ErrOrderNotFound) {
		t.Errorf("unknown cancel error = %v, want ErrOrderNotFound", err)
	}
	if _, err := c.Order(ctx, "missing"); !errors.Is(err, broker.ErrOrderNotFound) {
		t.Errorf("unknown order error = %v, want ErrOrderNotFound", err)
	}
}

// TestClient_FilledOrder tests the aggregate fill built from REST state.
func TestClient_FilledOrder(t *testing.T) {
	f := newFakeAlpaca(t)
	c := newTestClient(t, f, nil)
	ctx := context.Background()

	o, err := c.SubmitOrder(ctx, limitOrder("AAPL", types.SideBuy, "10", "100"))
	if err != nil {
		t.Fatal(err)
	}
	f.fill(o.OrderID, "99.95")

	got, err := c.Order(ctx, o.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != broker.StatusFilled || !got.FilledQty.Equal(d("10")) {
		t.Fatalf("order = %+v", got)
	}
	if len(got.Fills) != 1 || !got.Fills[0].Price.Equal(d("99.95")) {
		t.Errorf("fills = %+v", got.Fills)
	}
	if got.Priority != broker.PriorityPatient {
		t.Errorf("priority lost on refresh: %s", got.Priority)
	}
}

// TestClient_Orders tests listing queries and ordering.
func TestClient_Orders(t *testing.T) {
	f := newFakeAlpaca(t)
	c := newTestClient(t, f, nil)
	ctx := context.Background()

	for _, sym := range []string{"AAPL", "MSFT", "GME"} {
		if _, err := c.SubmitOrder(ctx, limitOrder(sym, types.SideBuy, "1", "10")); err != nil {
			t.Fatal(err)
		}
	}
	f.fill("ord-2", "10")

	all, err := c.Orders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Symbol != "AAPL" || all[2].Symbol != "GME" {
		t.Errorf("Orders() = %+v", all)
	}
	_, query := f.last("GET /v2/orders")
	q, _ := url.ParseQuery(query)
	if q.Get("status") != "all" || q.Get("direction") != "asc" || q.Get("limit") != "500" {
		t.Errorf("query = %s", query)
	}

	open, err := c.OpenOrders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 2 {
		t.Errorf("OpenOrders() = %d orders, want 2", len(open))
	}
	_, query = f.last("GET /v2/orders")
	if q, _ := url.ParseQuery(query); q.Get("status") != "open" {
		t.Errorf("open query = %s", query)
	}
}

// TestClient_IsMarketOpen tests the clock endpoint.
func TestClient_IsMarketOpen(t *testing.T) {
	f := newFakeAlpaca(t)
	c := newTestClient(t, f, nil)

	open, err := c.IsMarketOpen(context.Background())
	if err != nil || open {
		t.Errorf("IsMarketOpen() = %v, %v; want closed", open, err)
	}
	f.mu.Lock()
	f.clockOpen = true
	f.mu.Unlock()
	if open, _ := c.IsMarketOpen(context.Background()); !open {
		t.Error("expected market open")
	}
}

// TestClient_Retry tests bounded retries of throttled requests.
func TestClient_Retry(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		f := newFakeAlpaca(t)
		c := newTestClient(t, f, nil)
		f.mu.Lock()
		f.failures = []int{http.StatusTooManyRequests, http.StatusGatewayTimeout}
		f.mu.Unlock()

		if _, err := c.GetPositions(context.Background(), "STK", "USD"); err != nil {
			t.Fatalf("GetPositions() error = %v", err)
		}
		if n := f.count("GET /v2/positions"); n != 3 {
			t.Errorf("attempts = %d, want 3", n)
		}
	})

	t.Run("gives up", func(t *testing.T) {
		f := newFakeAlpaca(t)
		c := newTestClient(t, f, func(cfg *Config) { cfg.MaxRetries = 2 })
		f.mu.Lock()
		f.failures = []int{429, 429, 429, 429, 429}
		f.mu.Unlock()

		_, err := c.GetPositions(context.Background(), "STK", "USD")
		if !errors.Is(err, broker.ErrRateLimited) {
			t.Fatalf("error = %v, want ErrRateLimited", err)
		}
		if n := f.count("GET /v2/positions"); n != 3 {
			t.Errorf("attempts = %d, want 3", n)
		}
	})

	t.Run("no retry on client error", func(t *testing.T) {
		f := newFakeAlpaca(t)
		c := newTestClient(t, f, nil)
		f.mu.Lock()
		f.failures = []int{http.StatusForbidden}
		f.mu.Unlock()

		_, err := c.GetPositions(context.Background(), "STK", "USD")
		var apiErr *tradeapi.APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
			t.Fatalf("error = %v, want 403", err)
		}
		if n := f.count("GET /v2/positions"); n != 1 {
			t.Errorf("attempts = %d, want 1", n)
		}
	})
}

// TestMapStatus tests order status normalization.
func TestMapStatus(t *testing.T) {
	tests := []struct {
		in   string
		want broker.OrderStatus
	}{
		{"new", broker.StatusSubmitted},
		{"accepted", broker.StatusSubmitted},
		{"partially_filled", broker.StatusSubmitted},
		{"filled", broker.StatusFilled},
		{"canceled", broker.StatusCancelled},
		{"expired", broker.StatusCancelled},
		{"replaced", broker.StatusCancelled},
		{"done_for_day", broker.StatusCancelled},
		{"rejected", broker.StatusInactive},
		{"suspended", broker.StatusInactive},
		{"pending_cancel", broker.StatusPendingCancel},
		{"pending_replace", broker.StatusPendingCancel},
		{"pending_new", broker.StatusSubmitted},
		{"held", broker.StatusPendingSubmit},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := mapStatus(tt.in); got != tt.want {
				t.Errorf("mapStatus(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestToOrder(t *testing.T) {
	at := time.Date(2024, 6, 3, 15, 0, 0, 0, time.UTC)
	qty, limit, avg := d("10"), d("100"), d("99.9")
	o := tradeapi.Order{
		ID:             "ord-9",
		Symbol:         "AAPL",
		Side:           tradeapi.Buy,
		Type:           tradeapi.Limit,
		Qty:            &qty,
		LimitPrice:     &limit,
		Status:         "rejected",
		FilledQty:      d("4"),
		FilledAvgPrice: &avg,
		FilledAt:       &at,
	}
	got := toOrder(&o)
	if got.Side != types.SideBuy || got.Type != broker.OrderTypeLimit {
		t.Errorf("side/type = %s %s", got.Side, got.Type)
	}
	if got.Status != broker.StatusInactive || got.Reason != "rejected" {
		t.Errorf("status = %s reason = %q", got.Status, got.Reason)
	}
	if len(got.Fills) != 1 || !got.Fills[0].Time.Equal(at) || !got.Fills[0].Quantity.Equal(d("4")) {
		t.Errorf("fills = %+v", got.Fills)
	}

	market := toOrder(&tradeapi.Order{ID: "ord-10", Side: tradeapi.Sell, Type: tradeapi.Market, Status: "new"})
	if market.Type != broker.OrderTypeMarket || !market.Quantity.IsZero() || !market.LimitPrice.IsZero() {
		t.Errorf("market order = %+v", market)
	}
}

// TestClient_WhatIfUnsupported tests that preview requests never reach the API.
func TestClient_WhatIfUnsupported(t *testing.T) {
	f := newFakeAlpaca(t)
	c := newTestClient(t, f, nil)

	req := limitOrder("AAPL", types.SideBuy, "10", "100")
	req.WhatIf = true
	if _, err := c.SubmitOrder(context.Background(), req); !errors.Is(err, broker.ErrWhatIfUnsupported) {
		t.Fatalf("error = %v, want ErrWhatIfUnsupported", err)
	}
	if n := f.count("POST /v2/orders"); n != 0 {
		t.Errorf("orders posted = %d, want 0", n)
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"api error", &tradeapi.APIError{StatusCode: 422, Message: "bad"}, 422},
		{"wrapped", fmt.Errorf("submit: %w", &tradeapi.APIError{StatusCode: 429}), 429},
		{"plain body", errors.New("<html>gateway</html> (HTTP 504)"), 504},
		{"no status", errors.New("connection refused"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusCode(tt.err); got != tt.want {
				t.Errorf("statusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
