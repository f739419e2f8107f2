package alpaca

import (
	"errors"
	"fmt"
	"strings"

	tradeapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/rebalance-bot/internal/broker"
	"github.com/tathienbao/rebalance-bot/internal/types"
)

// signedQty returns the position size, negative for shorts.
func signedQty(p tradeapi.Position) decimal.Decimal {
	q := p.Qty.Abs()
	if p.Side == "short" {
		return q.Neg()
	}
	return q
}

func deref(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

// toOrder converts an SDK order. Alpaca reports no per-execution
// breakdown on REST, so a filled quantity becomes one aggregate fill.
func toOrder(o *tradeapi.Order) *broker.Order {
	order := &broker.Order{
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          types.ParseSide(strings.ToUpper(string(o.Side))),
		Quantity:      deref(o.Qty),
		Type:          orderType(o.Type),
		LimitPrice:    deref(o.LimitPrice),
		Status:        mapStatus(o.Status),
		FilledQty:     o.FilledQty,
		AvgFillPrice:  deref(o.FilledAvgPrice),
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
	if o.FilledQty.IsPositive() {
		at := o.UpdatedAt
		if o.FilledAt != nil {
			at = *o.FilledAt
		}
		order.Fills = []broker.Fill{{
			ExecID:   o.ID,
			Quantity: o.FilledQty,
			Price:    order.AvgFillPrice,
			Time:     at,
		}}
	}
	if order.Status == broker.StatusInactive {
		order.Reason = o.Status
	}
	return order
}

func orderType(t tradeapi.OrderType) broker.OrderType {
	if t == tradeapi.Market {
		return broker.OrderTypeMarket
	}
	return broker.OrderTypeLimit
}

func wireType(t broker.OrderType) tradeapi.OrderType {
	if t == broker.OrderTypeMarket {
		return tradeapi.Market
	}
	return tradeapi.Limit
}

func wireSide(s types.Side) tradeapi.Side {
	if s == types.SideSell {
		return tradeapi.Sell
	}
	return tradeapi.Buy
}

// mapStatus normalizes an Alpaca order status to the TWS vocabulary.
func mapStatus(s string) broker.OrderStatus {
	switch s {
	case "new", "partially_filled", "accepted", "pending_new", "accepted_for_bidding", "calculated":
		return broker.StatusSubmitted
	case "filled":
		return broker.StatusFilled
	case "canceled", "expired", "done_for_day", "replaced":
		return broker.StatusCancelled
	case "rejected", "suspended", "stopped":
		return broker.StatusInactive
	case "pending_cancel", "pending_replace":
		return broker.StatusPendingCancel
	default:
		return broker.StatusPendingSubmit
	}
}

// statusCode extracts the HTTP status from an SDK error. Bodies that are
// not Alpaca JSON come back as plain errors ending in "(HTTP nnn)".
func statusCode(err error) int {
	if err == nil {
		return 0
	}
	var apiErr *tradeapi.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	msg := err.Error()
	i := strings.LastIndex(msg, "(HTTP ")
	if i < 0 {
		return 0
	}
	var code int
	if _, err := fmt.Sscanf(msg[i:], "(HTTP %d)", &code); err != nil {
		return 0
	}
	return code
}
