// Package broker provides broker connectivity for rebalance execution.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/rebalance-bot/internal/types"
)

// Common broker errors.
var (
	ErrNotConnected      = errors.New("broker not connected")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrOrderRejected     = errors.New("order rejected by broker")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidContract   = errors.New("invalid contract")
	ErrNotTradable       = errors.New("instrument not tradable")
	ErrNotShortable      = errors.New("instrument not shortable")
	ErrRateLimited       = errors.New("rate limited by broker")
	ErrRequestTimeout    = errors.New("broker request timeout")
	ErrWhatIfUnsupported = errors.New("what-if orders not supported")
)

// MaxQualifyBatch is the largest number of instruments qualified per request.
const MaxQualifyBatch = 30

// ConnectionState represents the broker connection state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Broker is the capability set the executor needs from a venue.
type Broker interface {
	Name() string

	// Connection management
	Connect(ctx context.Context) error
	Disconnect() error
	State() ConnectionState
	IsConnected() bool

	// Positions and instruments
	GetPositions(ctx context.Context, secType, currency string) (types.Positions, error)
	Qualify(ctx context.Context, instruments []Instrument) ([]Instrument, error)
	GetQuote(ctx context.Context, inst Instrument) (types.Quote, error)

	// Order execution
	SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error)
	ModifyOrder(ctx context.Context, order *Order, price decimal.Decimal, priority Priority) (*Order, error)
	CancelOrder(ctx context.Context, order *Order) error

	// Order state
	Order(ctx context.Context, orderID string) (*Order, error)
	Orders(ctx context.Context) ([]Order, error)
	OpenOrders(ctx context.Context) ([]Order, error)

	// Rejections delivers asynchronous order rejections.
	Rejections() <-chan Rejection
}

// Instrument identifies a tradable contract.
type Instrument struct {
	Symbol      string
	SecType     string
	Exchange    string
	Currency    string
	LocalSymbol string
	ConID       int64
	Shortable   bool
}

// Stock returns a SMART-routed USD equity instrument.
func Stock(symbol string) Instrument {
	return Instrument{
		Symbol:      symbol,
		SecType:     "STK",
		Exchange:    "SMART",
		Currency:    "USD",
		LocalSymbol: symbol,
	}
}

// OrderType is the broker order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "MKT"
	OrderTypeLimit  OrderType = "LMT"
)

// Priority is the urgency tag of an adaptive order.
type Priority string

const (
	PriorityPatient Priority = "Patient"
	PriorityNormal  Priority = "Normal"
	PriorityUrgent  Priority = "Urgent"
)

// OrderStatus is the broker-reported order status, normalized to the TWS vocabulary.
type OrderStatus string

const (
	StatusPendingSubmit OrderStatus = "PendingSubmit"
	StatusApiPending    OrderStatus = "ApiPending"
	StatusPreSubmitted  OrderStatus = "PreSubmitted"
	StatusSubmitted     OrderStatus = "Submitted"
	StatusPendingCancel OrderStatus = "PendingCancel"
	StatusFilled        OrderStatus = "Filled"
	StatusCancelled     OrderStatus = "Cancelled"
	StatusApiCancelled  OrderStatus = "ApiCancelled"
	StatusInactive      OrderStatus = "Inactive"
)

// IsActive returns true while the order can still execute.
func (s OrderStatus) IsActive() bool {
	switch s {
	case StatusPendingSubmit, StatusApiPending, StatusPreSubmitted, StatusSubmitted:
		return true
	default:
		return false
	}
}

// IsTerminal returns true once no further transition can happen.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusApiCancelled, StatusInactive:
		return true
	default:
		return false
	}
}

// Local maps a broker status onto the local outcome bucket.
func (s OrderStatus) Local() types.OrderStatus {
	switch s {
	case StatusFilled:
		return types.OrderStatusFilled
	case StatusCancelled, StatusApiCancelled:
		return types.OrderStatusCancelled
	case StatusInactive:
		return types.OrderStatusRejected
	default:
		return types.OrderStatusActive
	}
}

// OrderRequest describes a new order.
type OrderRequest struct {
	ClientOrderID string
	Instrument    Instrument
	Side          types.Side
	Quantity      decimal.Decimal // unsigned
	Type          OrderType
	LimitPrice    decimal.Decimal
	Adaptive      bool
	Priority      Priority
	WhatIf        bool // ask for margin and commission impact without placing
}

// Preview is the broker's assessment of a what-if order.
type Preview struct {
	Commission        decimal.Decimal
	InitMarginChange  decimal.Decimal
	MaintMarginChange decimal.Decimal
	Warning           string
}

// Fill is one execution against an order.
type Fill struct {
	ExecID      string
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	Commission  decimal.Decimal
	RealizedPnL decimal.Decimal
	Time        time.Time
}

// Order represents a broker order.
type Order struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          types.Side
	Quantity      decimal.Decimal
	Type          OrderType
	LimitPrice    decimal.Decimal
	Adaptive      bool
	Priority      Priority
	Status        OrderStatus
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Fills         []Fill
	Reason        string
	Preview       *Preview // set only on what-if results
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsActive returns true while the order is working.
func (o *Order) IsActive() bool {
	return o.Status.IsActive()
}

// Commission returns the sum of fill commissions.
func (o *Order) Commission() decimal.Decimal {
	total := decimal.Zero
	for _, f := range o.Fills {
		total = total.Add(f.Commission)
	}
	return total
}

// RealizedPnL returns the sum of realized P&L reported on fills.
func (o *Order) RealizedPnL() decimal.Decimal {
	total := decimal.Zero
	for _, f := range o.Fills {
		total = total.Add(f.RealizedPnL)
	}
	return total
}

// LastFillTime returns the time of the latest fill, zero without fills.
func (o *Order) LastFillTime() time.Time {
	var last time.Time
	for _, f := range o.Fills {
		if f.Time.After(last) {
			last = f.Time
		}
	}
	return last
}

// ReferencePrice is the limit for limit orders and the average fill otherwise.
func (o *Order) ReferencePrice() decimal.Decimal {
	if o.Type == OrderTypeLimit {
		return o.LimitPrice
	}
	return o.AvgFillPrice
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	c := *o
	c.Fills = append([]Fill(nil), o.Fills...)
	if o.Preview != nil {
		p := *o.Preview
		c.Preview = &p
	}
	return &c
}

// Rejection is an asynchronous broker-side refusal of an accepted order.
type Rejection struct {
	OrderID string
	Symbol  string
	Code    int
	Message string
}

// Chunk splits instruments into batches of at most size.
func Chunk(instruments []Instrument, size int) [][]Instrument {
	if size <= 0 {
		size = MaxQualifyBatch
	}
	var out [][]Instrument
	for start := 0; start < len(instruments); start += size {
		end := start + size
		if end > len(instruments) {
			end = len(instruments)
		}
		out = append(out, instruments[start:end])
	}
	return out
}
