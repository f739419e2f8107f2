package alpaca

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tradeapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/rebalance-bot/internal/broker"
	"github.com/tathienbao/rebalance-bot/internal/metrics"
	"github.com/tathienbao/rebalance-bot/internal/types"
	"golang.org/x/time/rate"
)

// noSDKRetry disables the SDK's fixed-delay retry; call retries instead.
const noSDKRetry = -1

// Client implements the broker.Broker interface for Alpaca.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Recorder
	trading *tradeapi.Client
	data    *marketdata.Client
	limiter *rate.Limiter
	now     func() time.Time

	state atomic.Int32

	ordersMu sync.RWMutex
	orders   map[string]*broker.Order

	rejections chan broker.Rejection
	stream     *stream
}

// NewClient creates a new Alpaca client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.DataURL == "" {
		cfg.DataURL = def.DataURL
	}
	if cfg.Feed == "" {
		cfg.Feed = def.Feed
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRequestsPerSecond <= 0 {
		cfg.MaxRequestsPerSecond = def.MaxRequestsPerSecond
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.DataURL = strings.TrimRight(cfg.DataURL, "/")

	hc := &http.Client{
		Timeout: cfg.Timeout,
		// Fail on redirects rather than replaying requests against another host.
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}

	c := &Client{
		cfg:    cfg,
		logger: logger.With("broker", "alpaca"),
		trading: tradeapi.NewClient(tradeapi.ClientOpts{
			APIKey:     cfg.KeyID,
			APISecret:  cfg.SecretKey,
			BaseURL:    cfg.BaseURL,
			RetryLimit: noSDKRetry,
			HTTPClient: hc,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:     cfg.KeyID,
			APISecret:  cfg.SecretKey,
			BaseURL:    cfg.DataURL,
			RetryLimit: noSDKRetry,
			Feed:       cfg.Feed,
			HTTPClient: hc,
		}),
		metrics:    metrics.NewRecorder(),
		limiter:    rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), cfg.MaxRequestsPerSecond),
		now:        time.Now,
		orders:     make(map[string]*broker.Order),
		rejections: make(chan broker.Rejection, 256),
	}
	c.state.Store(int32(broker.StateDisconnected))
	c.stream = newStream(c.trading, cfg, c.logger, c.applyUpdate)
	return c
}

// Name returns the broker name.
func (c *Client) Name() string {
	return "alpaca"
}

// Connect verifies the credentials and starts the trade stream. Without the
// stream, order state is still polled over REST.
func (c *Client) Connect(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}
	c.state.Store(int32(broker.StateConnecting))

	var acct *tradeapi.Account
	err := c.call(ctx, "account", func() (err error) {
		acct, err = c.trading.GetAccount()
		return err
	})
	if err != nil {
		c.state.Store(int32(broker.StateError))
		return fmt.Errorf("get account: %w", err)
	}
	c.logger.Info("connected to Alpaca",
		"account", acct.AccountNumber,
		"status", acct.Status,
		"shorting_enabled", acct.ShortingEnabled,
	)

	if c.cfg.Stream {
		c.stream.start()
	}

	c.state.Store(int32(broker.StateConnected))
	c.metrics.RecordBrokerStatus(c.Name(), true)
	return nil
}

// Disconnect stops the trade stream.
func (c *Client) Disconnect() error {
	c.stream.stop()
	if c.State() == broker.StateConnected {
		c.metrics.RecordBrokerStatus(c.Name(), false)
		c.logger.Info("disconnected from Alpaca")
	}
	c.state.Store(int32(broker.StateDisconnected))
	return nil
}

// State returns the current connection state.
func (c *Client) State() broker.ConnectionState {
	return broker.ConnectionState(c.state.Load())
}

// IsConnected returns true if connected.
func (c *Client) IsConnected() bool {
	return c.State() == broker.StateConnected
}

// IsMarketOpen asks the broker clock whether the market is open.
func (c *Client) IsMarketOpen(ctx context.Context) (bool, error) {
	var clock *tradeapi.Clock
	err := c.call(ctx, "clock", func() (err error) {
		clock, err = c.trading.GetClock()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("get clock: %w", err)
	}
	return clock.IsOpen, nil
}

// GetPositions returns US equity positions; shorts are negative.
func (c *Client) GetPositions(ctx context.Context, secType, currency string) (types.Positions, error) {
	if !c.IsConnected() {
		return nil, broker.ErrNotConnected
	}

	var rows []tradeapi.Position
	err := c.call(ctx, "positions", func() (err error) {
		rows, err = c.trading.GetPositions()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}

	out := make(types.Positions)
	if secType != "STK" || currency != "USD" {
		return out, nil
	}
	for _, p := range rows {
		if p.AssetClass != "" && p.AssetClass != tradeapi.USEquity {
			continue
		}
		if qty := signedQty(p); !qty.IsZero() {
			out[p.Symbol] = qty
		}
	}
	return out, nil
}

// Qualify keeps tradable, active assets. Shortable requires easy to borrow.
func (c *Client) Qualify(ctx context.Context, instruments []broker.Instrument) ([]broker.Instrument, error) {
	if !c.IsConnected() {
		return nil, broker.ErrNotConnected
	}

	var out []broker.Instrument
	for _, inst := range instruments {
		var asset *tradeapi.Asset
		err := c.call(ctx, "qualify", func() (err error) {
			asset, err = c.trading.GetAsset(inst.Symbol)
			return err
		})
		switch {
		case statusCode(err) == http.StatusNotFound:
			c.logger.Warn("asset not found", "symbol", inst.Symbol)
			continue
		case err != nil:
			return nil, fmt.Errorf("qualify %s: %w", inst.Symbol, err)
		}

		if !asset.Tradable || asset.Status != tradeapi.AssetActive {
			c.logger.Warn("asset not tradable", "symbol", inst.Symbol, "status", asset.Status)
			continue
		}
		inst.Exchange = asset.Exchange
		inst.Shortable = asset.Shortable && asset.EasyToBorrow
		out = append(out, inst)
	}
	return out, nil
}

// GetQuote returns the latest quote from the configured feed.
func (c *Client) GetQuote(ctx context.Context, inst broker.Instrument) (types.Quote, error) {
	var q *marketdata.Quote
	err := c.call(ctx, "quote", func() (err error) {
		q, err = c.data.GetLatestQuote(inst.Symbol, marketdata.GetLatestQuoteRequest{Feed: c.cfg.Feed})
		return err
	})
	if err != nil {
		return types.Quote{}, fmt.Errorf("quote %s: %w", inst.Symbol, err)
	}
	if q == nil {
		return types.Quote{}, &types.QuoteError{Symbol: inst.Symbol, Reason: "no latest quote"}
	}
	bid := decimal.NewFromFloat(q.BidPrice)
	ask := decimal.NewFromFloat(q.AskPrice)
	if !bid.IsPositive() || !ask.IsPositive() {
		return types.Quote{}, &types.QuoteError{Symbol: inst.Symbol, Reason: "no bid/ask in latest quote"}
	}
	ts := q.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}
	return types.NewQuote(inst.Symbol, bid, ask, ts), nil
}

// SubmitOrder places a day order. Alpaca has no what-if endpoint.
func (c *Client) SubmitOrder(ctx context.Context, req broker.OrderRequest) (*broker.Order, error) {
	if !c.IsConnected() {
		return nil, broker.ErrNotConnected
	}
	if req.WhatIf {
		return nil, broker.ErrWhatIfUnsupported
	}
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidOrderSize, req.Quantity)
	}

	qty := req.Quantity
	place := tradeapi.PlaceOrderRequest{
		Symbol:        req.Instrument.Symbol,
		Qty:           &qty,
		Side:          wireSide(req.Side),
		Type:          wireType(req.Type),
		TimeInForce:   tradeapi.Day,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Type == broker.OrderTypeLimit {
		limit := req.LimitPrice
		place.LimitPrice = &limit
	}

	var placed *tradeapi.Order
	err := c.call(ctx, "submit", func() (err error) {
		placed, err = c.trading.PlaceOrder(place)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("submit order: %w", err)
	}

	order := toOrder(placed)
	order.Priority = req.Priority
	c.store(order)

	c.logger.Info("order placed",
		"order_id", order.OrderID,
		"client_order_id", order.ClientOrderID,
		"symbol", order.Symbol,
		"side", order.Side,
		"qty", order.Quantity,
		"limit", order.LimitPrice,
	)
	return order.Clone(), nil
}

// ModifyOrder replaces the limit price. Alpaca assigns the replacement a new ID.
func (c *Client) ModifyOrder(ctx context.Context, order *broker.Order, price decimal.Decimal, priority broker.Priority) (*broker.Order, error) {
	if !c.IsConnected() {
		return nil, broker.ErrNotConnected
	}

	var replaced *tradeapi.Order
	err := c.call(ctx, "modify", func() (err error) {
		replaced, err = c.trading.ReplaceOrder(order.OrderID, tradeapi.ReplaceOrderRequest{LimitPrice: &price})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("replace order: %w", c.orderError(err, order.OrderID))
	}

	c.ordersMu.Lock()
	if old, ok := c.orders[order.OrderID]; ok && old.IsActive() {
		old.Status = broker.StatusCancelled
		old.UpdatedAt = c.now()
	}
	c.ordersMu.Unlock()

	next := toOrder(replaced)
	next.Priority = priority
	c.store(next)

	c.logger.Info("order replaced", "order_id", order.OrderID, "new_order_id", next.OrderID, "limit", price)
	return next.Clone(), nil
}

// CancelOrder cancels an order.
func (c *Client) CancelOrder(ctx context.Context, order *broker.Order) error {
	if !c.IsConnected() {
		return broker.ErrNotConnected
	}

	err := c.call(ctx, "cancel", func() error {
		return c.trading.CancelOrder(order.OrderID)
	})
	if err != nil {
		return fmt.Errorf("cancel order: %w", c.orderError(err, order.OrderID))
	}

	c.ordersMu.Lock()
	if o, ok := c.orders[order.OrderID]; ok && o.IsActive() {
		o.Status = broker.StatusPendingCancel
		o.UpdatedAt = c.now()
	}
	c.ordersMu.Unlock()

	c.logger.Info("order cancel requested", "order_id", order.OrderID)
	return nil
}

// Order returns the order state. Terminal states pushed by the stream are
// served from cache; everything else is fetched.
func (c *Client) Order(ctx context.Context, orderID string) (*broker.Order, error) {
	if c.stream.isConnected() {
		c.ordersMu.RLock()
		o, ok := c.orders[orderID]
		var cached *broker.Order
		if ok && o.Status.IsTerminal() {
			cached = o.Clone()
		}
		c.ordersMu.RUnlock()
		if cached != nil {
			return cached, nil
		}
	}

	var fetched *tradeapi.Order
	err := c.call(ctx, "order", func() (err error) {
		fetched, err = c.trading.GetOrder(orderID)
		return err
	})
	if err != nil {
		return nil, c.orderError(err, orderID)
	}
	return c.merge(toOrder(fetched)).Clone(), nil
}

// Orders returns today's orders, oldest first.
func (c *Client) Orders(ctx context.Context) ([]broker.Order, error) {
	return c.listOrders(ctx, "all")
}

// OpenOrders returns working orders.
func (c *Client) OpenOrders(ctx context.Context) ([]broker.Order, error) {
	return c.listOrders(ctx, "open")
}

func (c *Client) listOrders(ctx context.Context, status string) ([]broker.Order, error) {
	if !c.IsConnected() {
		return nil, broker.ErrNotConnected
	}

	var rows []tradeapi.Order
	err := c.call(ctx, "orders", func() (err error) {
		rows, err = c.trading.GetOrders(tradeapi.GetOrdersRequest{
			Status:    status,
			Limit:     500,
			Direction: "asc",
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	out := make([]broker.Order, 0, len(rows))
	for i := range rows {
		out = append(out, *c.merge(toOrder(&rows[i])).Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Rejections delivers orders rejected after acceptance.
func (c *Client) Rejections() <-chan broker.Rejection {
	return c.rejections
}

func (c *Client) store(o *broker.Order) {
	c.ordersMu.Lock()
	defer c.ordersMu.Unlock()
	c.orders[o.OrderID] = o
}

// merge folds a fetched order into the cache, keeping local priority and
// stream-reported fills.
func (c *Client) merge(o *broker.Order) *broker.Order {
	c.ordersMu.Lock()
	defer c.ordersMu.Unlock()

	if prev, ok := c.orders[o.OrderID]; ok {
		o.Priority = prev.Priority
		if len(prev.Fills) > 0 && (len(prev.Fills) > 1 || prev.Fills[0].ExecID != o.OrderID) {
			o.Fills = prev.Fills
		}
		if prev.Status.IsTerminal() && !o.Status.IsTerminal() {
			o.Status = prev.Status
		}
	}
	c.orders[o.OrderID] = o
	return o
}

// applyUpdate handles one trade event.
func (c *Client) applyUpdate(u tradeapi.TradeUpdate) {
	if u.Order.ID == "" {
		return
	}
	o := toOrder(&u.Order)

	c.ordersMu.Lock()
	if prev, ok := c.orders[o.OrderID]; ok {
		o.Priority = prev.Priority
		o.Fills = prev.Fills
		if len(o.Fills) == 1 && o.Fills[0].ExecID == o.OrderID {
			o.Fills = nil
		}
		if prev.Status.IsTerminal() && !o.Status.IsTerminal() {
			o.Status = prev.Status
		}
	} else {
		o.Fills = nil
	}
	if (u.Event == "fill" || u.Event == "partial_fill") && u.ExecutionID != "" {
		dup := false
		for _, f := range o.Fills {
			if f.ExecID == u.ExecutionID {
				dup = true
			}
		}
		if !dup {
			f := broker.Fill{
				ExecID:   u.ExecutionID,
				Quantity: deref(u.Qty),
				Price:    deref(u.Price),
				Time:     u.At,
			}
			if u.Timestamp != nil {
				f.Time = *u.Timestamp
			}
			o.Fills = append(o.Fills, f)
		}
	}
	c.orders[o.OrderID] = o
	c.ordersMu.Unlock()

	c.logger.Debug("trade update", "event", u.Event, "order_id", o.OrderID, "symbol", o.Symbol, "status", o.Status)

	if u.Event == "rejected" {
		r := broker.Rejection{OrderID: o.OrderID, Symbol: o.Symbol, Message: "order rejected by alpaca"}
		select {
		case c.rejections <- r:
		default:
			c.logger.Warn("rejection channel full", "order_id", o.OrderID)
		}
	}
}

// orderError maps REST failures on a single order to broker errors.
func (c *Client) orderError(err error, orderID string) error {
	switch statusCode(err) {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", broker.ErrOrderNotFound, orderID)
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %w", broker.ErrOrderRejected, err)
	}
	return err
}

// call runs one SDK request under the rate limiter, retrying 429 and 504
// responses with exponential backoff up to MaxRetries times. The SDK is not
// context aware, so ctx bounds only the waits between attempts.
func (c *Client) call(ctx context.Context, op string, fn func() error) error {
	timer := metrics.NewTimer()
	wait := c.cfg.RetryWait
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}

		err := fn()
		status := statusCode(err)
		if retryable(status) && attempt < c.cfg.MaxRetries {
			c.metrics.RecordBrokerRetry(c.Name())
			c.logger.Warn("request throttled, retrying",
				"op", op,
				"status", status,
				"wait", wait,
				"remaining", c.cfg.MaxRetries-attempt,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
			continue
		}

		timer.ObserveBroker(c.Name(), op, err)
		if status == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %w", broker.ErrRateLimited, err)
		}
		return err
	}
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusGatewayTimeout
}

// Ensure Client implements broker.Broker
var _ broker.Broker = (*Client)(nil)
