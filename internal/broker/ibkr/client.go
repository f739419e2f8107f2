package ibkr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scmhub/ibapi"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/rebalance-bot/internal/broker"
	"github.com/tathienbao/rebalance-bot/internal/metrics"
	"github.com/tathienbao/rebalance-bot/internal/types"
	"golang.org/x/time/rate"
)

// Request IDs start well above order IDs so error messages route unambiguously.
const firstRequestID = 90_000_000

// api is the part of the TWS client this package drives.
type api interface {
	Connect(host string, port int, clientID int64) error
	Disconnect() error
	IsConnected() bool
	ServerVersion() ibapi.Version
	ReqPositions()
	CancelPositions()
	ReqContractDetails(reqID int64, contract *ibapi.Contract)
	ReqMktData(reqID ibapi.TickerID, contract *ibapi.Contract, genericTickList string, snapshot, regulatorySnapshot bool, options []ibapi.TagValue)
	PlaceOrder(orderID ibapi.OrderID, contract *ibapi.Contract, order *ibapi.Order)
	CancelOrder(orderID ibapi.OrderID, cancel ibapi.OrderCancel)
	ReqAllOpenOrders()
}

func newEClient(w ibapi.EWrapper) api {
	return ibapi.NewEClient(w)
}

// APIError is an error message reported by TWS.
type APIError struct {
	ID      int64
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ibkr error %d: %s", e.Code, e.Message)
}

// request tracks one in-flight request/response exchange.
type request struct {
	done     chan struct{}
	finished bool
	err      error

	contracts []broker.Instrument
	positions []positionRow
	bid, ask  decimal.Decimal
	hasBid    bool
	hasAsk    bool
	preview   *broker.Preview
}

func newRequest() *request {
	return &request{done: make(chan struct{})}
}

type positionRow struct {
	account     string
	symbol      string
	localSymbol string
	secType     string
	currency    string
	qty         decimal.Decimal
}

// Client implements the broker.Broker interface for IBKR.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Recorder
	newAPI  func(ibapi.EWrapper) api
	now     func() time.Time

	// Connection
	apiMu       sync.RWMutex
	api         api
	state       atomic.Int32
	stateMu     sync.Mutex
	closed      atomic.Bool
	connectedAt time.Time
	readyMu     sync.Mutex
	ready       chan struct{}
	readyOnce   *sync.Once

	// Rate limiting
	limiter *rate.Limiter

	// Request tracking
	nextReqID   atomic.Int64
	nextOrderID atomic.Int64
	reqMu       sync.Mutex
	requests    map[int64]*request
	posReq      *request
	openReq     *request
	posMu       sync.Mutex
	openMu      sync.Mutex

	// Orders
	ordersMu   sync.RWMutex
	orders     map[int64]*broker.Order
	contracts  map[int64]broker.Instrument
	execs      map[string]int64
	byClientID map[string]int64

	rejections chan broker.Rejection

	// marketData serves quotes when a separate session is configured.
	marketData *Client
}

// NewClient creates a new IBKR client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRequestsPerSecond <= 0 {
		cfg.MaxRequestsPerSecond = DefaultConfig().MaxRequestsPerSecond
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	routeLibraryLogs(logger)

	c := &Client{
		cfg:        cfg,
		logger:     logger.With("broker", "ibkr"),
		metrics:    metrics.NewRecorder(),
		newAPI:     newEClient,
		now:        time.Now,
		limiter:    rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), cfg.MaxRequestsPerSecond),
		requests:   make(map[int64]*request),
		orders:     make(map[int64]*broker.Order),
		contracts:  make(map[int64]broker.Instrument),
		execs:      make(map[string]int64),
		byClientID: make(map[string]int64),
		rejections: make(chan broker.Rejection, 256),
	}

	c.state.Store(int32(broker.StateDisconnected))
	c.nextReqID.Store(firstRequestID)

	if cfg.MarketDataPort > 0 {
		mdCfg := cfg
		mdCfg.Port = cfg.MarketDataPort
		mdCfg.MarketDataPort = 0
		mdCfg.AutoReconnect = false
		c.marketData = NewClient(mdCfg, logger.With("session", "market_data"))
	}

	return c
}

// Name returns the broker name.
func (c *Client) Name() string {
	return "ibkr"
}

// Connect establishes connection to TWS/Gateway, retrying up to
// ConnectRetries attempts in total.
func (c *Client) Connect(ctx context.Context) error {
	attempts := c.cfg.ConnectRetries
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = c.connect(ctx); err == nil {
			break
		}
		if attempt == attempts {
			return err
		}
		c.logger.Warn("connect failed, retrying", "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.RetryWait):
		}
	}

	if c.marketData != nil {
		if err := c.marketData.Connect(ctx); err != nil {
			return fmt.Errorf("market data session: %w", err)
		}
	}
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.State() == broker.StateConnected {
		return nil
	}

	c.state.Store(int32(broker.StateConnecting))
	c.closed.Store(false)

	c.logger.Info("connecting to IBKR",
		"host", c.cfg.Host,
		"port", c.cfg.Port,
		"client_id", c.cfg.ClientID,
		"paper", c.cfg.PaperTrading,
	)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	ready := make(chan struct{})
	c.readyMu.Lock()
	c.ready = ready
	c.readyOnce = &sync.Once{}
	c.readyMu.Unlock()

	session := c.newAPI(&wrapper{c: c})

	// The library dials without a deadline.
	connected := make(chan error, 1)
	go func() { connected <- session.Connect(c.cfg.Host, c.cfg.Port, int64(c.cfg.ClientID)) }()

	select {
	case err := <-connected:
		if err != nil {
			c.state.Store(int32(broker.StateError))
			return fmt.Errorf("%w: %v", broker.ErrConnectionTimeout, err)
		}
	case <-dialCtx.Done():
		go func() {
			if err := <-connected; err == nil {
				_ = session.Disconnect()
			}
		}()
		c.state.Store(int32(broker.StateError))
		return fmt.Errorf("%w: %v", broker.ErrConnectionTimeout, dialCtx.Err())
	}

	c.apiMu.Lock()
	c.api = session
	c.apiMu.Unlock()

	select {
	case <-ready:
	case <-dialCtx.Done():
		c.state.Store(int32(broker.StateError))
		_ = session.Disconnect()
		return fmt.Errorf("%w: no next valid order id", broker.ErrConnectionTimeout)
	}

	c.connectedAt = c.now()
	c.state.Store(int32(broker.StateConnected))
	c.metrics.RecordBrokerStatus(c.Name(), true)

	c.logger.Info("connected to IBKR",
		"server_version", session.ServerVersion(),
		"next_order_id", c.nextOrderID.Load(),
	)
	return nil
}

func (c *Client) session() api {
	c.apiMu.RLock()
	defer c.apiMu.RUnlock()
	return c.api
}

// register tracks a request under a fresh ID.
func (c *Client) register() (int64, *request) {
	id := c.nextReqID.Add(1)
	return id, c.registerID(id)
}

// registerID tracks a request under an ID chosen by the caller.
func (c *Client) registerID(id int64) *request {
	req := newRequest()
	c.reqMu.Lock()
	c.requests[id] = req
	c.reqMu.Unlock()
	return req
}

func (c *Client) unregister(id int64) {
	c.reqMu.Lock()
	delete(c.requests, id)
	c.reqMu.Unlock()
}

// finishID completes the request with the given ID, reporting whether one existed.
func (c *Client) finishID(id int64, err error) bool {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	req, ok := c.requests[id]
	if !ok {
		return false
	}
	finishLocked(req, err)
	return true
}

func (c *Client) finishSlot(slot **request) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if *slot != nil {
		finishLocked(*slot, nil)
	}
}

func finishLocked(req *request, err error) {
	if req.finished {
		return
	}
	req.finished = true
	req.err = err
	close(req.done)
}

// failPending fails every in-flight request.
func (c *Client) failPending(err error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	for _, req := range c.requests {
		finishLocked(req, err)
	}
	for _, req := range []*request{c.posReq, c.openReq} {
		if req != nil {
			finishLocked(req, err)
		}
	}
}

// await waits for a request to complete.
func (c *Client) await(ctx context.Context, req *request) error {
	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case <-req.done:
		return req.err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return broker.ErrRequestTimeout
	}
}

// handleDisconnect handles connection loss.
func (c *Client) handleDisconnect() {
	if !c.state.CompareAndSwap(int32(broker.StateConnected), int32(broker.StateDisconnected)) {
		return
	}
	c.metrics.RecordBrokerStatus(c.Name(), false)
	c.logger.Warn("disconnected from IBKR")
	c.failPending(broker.ErrNotConnected)

	if c.cfg.AutoReconnect && !c.closed.Load() {
		go c.reconnectLoop()
	}
}

// reconnectLoop attempts to reconnect.
func (c *Client) reconnectLoop() {
	for i := 0; i < c.cfg.MaxReconnectTries; i++ {
		time.Sleep(c.cfg.ReconnectInterval)
		if c.closed.Load() {
			return
		}

		c.logger.Info("attempting reconnect", "attempt", i+1)

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		err := c.connect(ctx)
		cancel()

		if err == nil {
			c.logger.Info("reconnected successfully")
			return
		}

		c.logger.Warn("reconnect failed", "err", err)
	}

	c.logger.Error("max reconnect attempts reached")
}

// send paces one outbound request through the limiter.
func (c *Client) send(ctx context.Context, call func(api)) error {
	if !c.IsConnected() {
		return broker.ErrNotConnected
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	session := c.session()
	if session == nil || !session.IsConnected() {
		return broker.ErrNotConnected
	}
	call(session)
	return nil
}

// Disconnect closes the connection.
func (c *Client) Disconnect() error {
	c.closed.Store(true)

	if c.marketData != nil {
		_ = c.marketData.Disconnect()
	}

	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.State() != broker.StateConnected {
		c.state.Store(int32(broker.StateDisconnected))
		return nil
	}

	// Mark first so the closing callback is not taken for a lost connection.
	c.state.Store(int32(broker.StateDisconnected))
	if session := c.session(); session != nil {
		if err := session.Disconnect(); err != nil {
			c.logger.Warn("disconnect", "err", err)
		}
	}

	c.metrics.RecordBrokerStatus(c.Name(), false)
	c.failPending(broker.ErrNotConnected)

	c.logger.Info("disconnected from IBKR")
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

// GetPositions returns positions of the given security type and currency,
// keyed by local symbol.
func (c *Client) GetPositions(ctx context.Context, secType, currency string) (types.Positions, error) {
	if !c.IsConnected() {
		return nil, broker.ErrNotConnected
	}

	c.posMu.Lock()
	defer c.posMu.Unlock()

	req := newRequest()
	c.reqMu.Lock()
	c.posReq = req
	c.reqMu.Unlock()
	defer func() {
		c.reqMu.Lock()
		c.posReq = nil
		c.reqMu.Unlock()
	}()

	timer := metrics.NewTimer()
	err := c.send(ctx, func(a api) { a.ReqPositions() })
	if err == nil {
		err = c.await(ctx, req)
		// Positions keep streaming until cancelled.
		_ = c.send(context.Background(), func(a api) { a.CancelPositions() })
	}
	timer.ObserveBroker(c.Name(), "positions", err)
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}

	out := make(types.Positions)
	for _, row := range req.positions {
		if row.secType != secType || row.currency != currency {
			continue
		}
		if c.cfg.Account != "" && row.account != c.cfg.Account {
			continue
		}
		if row.qty.IsZero() {
			continue
		}
		key := row.localSymbol
		if key == "" {
			key = row.symbol
		}
		out[key] = out.Get(key).Add(row.qty)
	}
	return out, nil
}

// Qualify resolves instruments in batches. Symbols TWS cannot resolve
// uniquely are left out of the result.
func (c *Client) Qualify(ctx context.Context, instruments []broker.Instrument) ([]broker.Instrument, error) {
	if !c.IsConnected() {
		return nil, broker.ErrNotConnected
	}

	var out []broker.Instrument
	for _, batch := range broker.Chunk(instruments, c.cfg.QualifyBatchSize) {
		qualified, err := c.qualifyBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		out = append(out, qualified...)
	}
	return out, nil
}

func (c *Client) qualifyBatch(ctx context.Context, batch []broker.Instrument) ([]broker.Instrument, error) {
	timer := metrics.NewTimer()

	ids := make([]int64, 0, len(batch))
	reqs := make([]*request, len(batch))
	defer func() {
		for _, id := range ids {
			c.unregister(id)
		}
	}()

	for i, inst := range batch {
		id, req := c.register()
		ids, reqs[i] = append(ids, id), req
		if err := c.send(ctx, func(a api) { a.ReqContractDetails(id, contract(inst)) }); err != nil {
			timer.ObserveBroker(c.Name(), "qualify", err)
			return nil, fmt.Errorf("qualify %s: %w", inst.Symbol, err)
		}
	}

	var out []broker.Instrument
	for i, inst := range batch {
		err := c.await(ctx, reqs[i])
		var apiErr *APIError
		switch {
		case errors.As(err, &apiErr) && apiErr.Code == codeNoSecurityDefinition:
			c.logger.Warn("contract not qualified", "symbol", inst.Symbol, "msg", apiErr.Message)
			continue
		case err != nil:
			timer.ObserveBroker(c.Name(), "qualify", err)
			return nil, fmt.Errorf("qualify %s: %w", inst.Symbol, err)
		}

		c.reqMu.Lock()
		contracts := reqs[i].contracts
		c.reqMu.Unlock()
		switch n := len(contracts); {
		case n == 0:
			c.logger.Warn("contract not qualified", "symbol", inst.Symbol)
		case n > 1:
			c.logger.Warn("ambiguous contract", "symbol", inst.Symbol, "matches", n)
		default:
			out = append(out, contracts[0])
		}
	}
	timer.ObserveBroker(c.Name(), "qualify", nil)
	return out, nil
}

// GetQuote requests a bid/ask snapshot.
func (c *Client) GetQuote(ctx context.Context, inst broker.Instrument) (types.Quote, error) {
	if c.marketData != nil {
		return c.marketData.GetQuote(ctx, inst)
	}
	if !c.IsConnected() {
		return types.Quote{}, broker.ErrNotConnected
	}

	id, req := c.register()
	defer c.unregister(id)

	timer := metrics.NewTimer()
	err := c.send(ctx, func(a api) { a.ReqMktData(id, contract(inst), "", true, false, nil) })
	if err == nil {
		err = c.await(ctx, req)
	}
	timer.ObserveBroker(c.Name(), "quote", err)
	if err != nil {
		return types.Quote{}, fmt.Errorf("quote %s: %w", inst.Symbol, err)
	}

	c.reqMu.Lock()
	bid, ask, ok := req.bid, req.ask, req.hasBid && req.hasAsk
	c.reqMu.Unlock()
	if !ok {
		return types.Quote{}, &types.QuoteError{Symbol: inst.Symbol, Reason: "no bid/ask in snapshot"}
	}
	return types.NewQuote(inst.Symbol, bid, ask, c.now()), nil
}

// SubmitOrder places an order. Limit orders carry the Adaptive algo when
// requested. What-if requests return the margin and commission preview
// without placing anything.
func (c *Client) SubmitOrder(ctx context.Context, req broker.OrderRequest) (*broker.Order, error) {
	if !c.IsConnected() {
		return nil, broker.ErrNotConnected
	}
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidOrderSize, req.Quantity)
	}

	id := c.nextOrderID.Add(1) - 1
	now := c.now()
	order := &broker.Order{
		OrderID:       strconv.FormatInt(id, 10),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Instrument.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Type:          req.Type,
		LimitPrice:    req.LimitPrice,
		Adaptive:      req.Adaptive,
		Priority:      req.Priority,
		Status:        broker.StatusPendingSubmit,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.WhatIf {
		return c.whatIf(ctx, id, req.Instrument, order)
	}

	// Track before sending so early status messages are not lost.
	c.ordersMu.Lock()
	if req.ClientOrderID != "" {
		if _, dup := c.byClientID[req.ClientOrderID]; dup {
			c.ordersMu.Unlock()
			return nil, fmt.Errorf("%w: %s", types.ErrDuplicateOrder, req.ClientOrderID)
		}
		c.byClientID[req.ClientOrderID] = id
	}
	c.orders[id] = order
	c.contracts[id] = req.Instrument
	snapshot := order.Clone()
	c.ordersMu.Unlock()

	timer := metrics.NewTimer()
	err := c.send(ctx, func(a api) { a.PlaceOrder(id, contract(req.Instrument), apiOrder(snapshot, c.cfg.Account, false)) })
	timer.ObserveBroker(c.Name(), "submit", err)
	if err != nil {
		c.ordersMu.Lock()
		delete(c.orders, id)
		delete(c.contracts, id)
		delete(c.byClientID, req.ClientOrderID)
		c.ordersMu.Unlock()
		return nil, fmt.Errorf("place order: %w", err)
	}

	c.logger.Info("order placed",
		"order_id", id,
		"client_order_id", req.ClientOrderID,
		"symbol", req.Instrument.Symbol,
		"side", req.Side,
		"qty", req.Quantity,
		"type", req.Type,
		"limit", req.LimitPrice,
	)

	return snapshot, nil
}

// whatIf sends a preview order and waits for TWS to answer with its
// margin and commission impact. Previews are not tracked as orders.
func (c *Client) whatIf(ctx context.Context, id int64, inst broker.Instrument, order *broker.Order) (*broker.Order, error) {
	req := c.registerID(id)
	defer c.unregister(id)

	timer := metrics.NewTimer()
	err := c.send(ctx, func(a api) { a.PlaceOrder(id, contract(inst), apiOrder(order, c.cfg.Account, true)) })
	if err == nil {
		err = c.await(ctx, req)
	}
	timer.ObserveBroker(c.Name(), "what_if", err)
	if err != nil {
		return nil, fmt.Errorf("what-if %s: %w", inst.Symbol, err)
	}

	c.reqMu.Lock()
	order.Preview = req.preview
	c.reqMu.Unlock()
	if order.Preview == nil {
		order.Preview = &broker.Preview{}
	}

	c.logger.Debug("what-if answered",
		"symbol", inst.Symbol,
		"side", order.Side,
		"qty", order.Quantity,
		"commission", order.Preview.Commission,
		"init_margin_change", order.Preview.InitMarginChange,
	)
	return order, nil
}

// ModifyOrder re-sends the order under the same ID with a new limit price.
// The cached order changes only once the modification has been sent.
func (c *Client) ModifyOrder(ctx context.Context, order *broker.Order, price decimal.Decimal, priority broker.Priority) (*broker.Order, error) {
	if !c.IsConnected() {
		return nil, broker.ErrNotConnected
	}
	id, err := strconv.ParseInt(order.OrderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", broker.ErrOrderNotFound, order.OrderID)
	}

	c.ordersMu.RLock()
	o, ok := c.orders[id]
	if !ok {
		c.ordersMu.RUnlock()
		return nil, fmt.Errorf("%w: %s", broker.ErrOrderNotFound, order.OrderID)
	}
	if !o.IsActive() {
		c.ordersMu.RUnlock()
		return nil, fmt.Errorf("%w: order %s is %s", broker.ErrOrderRejected, order.OrderID, o.Status)
	}
	inst := c.contracts[id]
	modified := o.Clone()
	c.ordersMu.RUnlock()

	modified.LimitPrice = price
	modified.Priority = priority

	timer := metrics.NewTimer()
	err = c.send(ctx, func(a api) { a.PlaceOrder(id, contract(inst), apiOrder(modified, c.cfg.Account, false)) })
	timer.ObserveBroker(c.Name(), "modify", err)
	if err != nil {
		return nil, fmt.Errorf("modify order: %w", err)
	}

	c.ordersMu.Lock()
	o.LimitPrice = price
	o.Priority = priority
	o.UpdatedAt = c.now()
	snapshot := o.Clone()
	c.ordersMu.Unlock()

	c.logger.Info("order modified", "order_id", id, "symbol", snapshot.Symbol, "limit", price, "priority", priority)
	return snapshot, nil
}

// CancelOrder cancels an order.
func (c *Client) CancelOrder(ctx context.Context, order *broker.Order) error {
	if !c.IsConnected() {
		return broker.ErrNotConnected
	}
	id, err := strconv.ParseInt(order.OrderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s", broker.ErrOrderNotFound, order.OrderID)
	}

	c.ordersMu.RLock()
	_, ok := c.orders[id]
	c.ordersMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", broker.ErrOrderNotFound, order.OrderID)
	}

	timer := metrics.NewTimer()
	err = c.send(ctx, func(a api) { a.CancelOrder(id, ibapi.NewOrderCancel()) })
	timer.ObserveBroker(c.Name(), "cancel", err)
	if err != nil {
		return fmt.Errorf("send cancel: %w", err)
	}

	c.ordersMu.Lock()
	if o := c.orders[id]; o.IsActive() {
		o.Status = broker.StatusPendingCancel
		o.UpdatedAt = c.now()
	}
	c.ordersMu.Unlock()

	c.logger.Info("order cancel requested", "order_id", id)
	return nil
}

// Order returns the latest known state of an order.
func (c *Client) Order(_ context.Context, orderID string) (*broker.Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", broker.ErrOrderNotFound, orderID)
	}

	c.ordersMu.RLock()
	defer c.ordersMu.RUnlock()
	o, ok := c.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", broker.ErrOrderNotFound, orderID)
	}
	return o.Clone(), nil
}

// Orders returns every order known to this session, oldest first.
func (c *Client) Orders(_ context.Context) ([]broker.Order, error) {
	if !c.IsConnected() {
		return nil, broker.ErrNotConnected
	}

	c.ordersMu.RLock()
	defer c.ordersMu.RUnlock()

	ids := make([]int64, 0, len(c.orders))
	for id := range c.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]broker.Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, *c.orders[id].Clone())
	}
	return out, nil
}

// OpenOrders refreshes open orders from TWS and returns the active ones.
func (c *Client) OpenOrders(ctx context.Context) ([]broker.Order, error) {
	if !c.IsConnected() {
		return nil, broker.ErrNotConnected
	}

	c.openMu.Lock()
	req := newRequest()
	c.reqMu.Lock()
	c.openReq = req
	c.reqMu.Unlock()

	err := c.send(ctx, func(a api) { a.ReqAllOpenOrders() })
	if err == nil {
		err = c.await(ctx, req)
	}

	c.reqMu.Lock()
	c.openReq = nil
	c.reqMu.Unlock()
	c.openMu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}

	all, err := c.Orders(ctx)
	if err != nil {
		return nil, err
	}
	var open []broker.Order
	for _, o := range all {
		if o.IsActive() {
			open = append(open, o)
		}
	}
	return open, nil
}

// Rejections delivers asynchronous order rejections (error 201).
func (c *Client) Rejections() <-chan broker.Rejection {
	return c.rejections
}

// Ensure Client implements broker.Broker
var _ broker.Broker = (*Client)(nil)
