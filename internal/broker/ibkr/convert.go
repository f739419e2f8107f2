package ibkr

import (
	"math"
	"strings"
	"time"

	"github.com/scmhub/ibapi"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/rebalance-bot/internal/broker"
)

const adaptiveAlgo = "Adaptive"

// Values above this are the TWS encoding of "unset".
var unsetValue = decimal.New(1, 300)

func contract(inst broker.Instrument) *ibapi.Contract {
	c := ibapi.NewContract()
	c.ConID = inst.ConID
	c.Symbol = inst.Symbol
	c.SecType = inst.SecType
	c.Exchange = inst.Exchange
	c.Currency = inst.Currency
	c.LocalSymbol = inst.LocalSymbol
	return c
}

func instrument(c *ibapi.Contract) broker.Instrument {
	return broker.Instrument{
		Symbol:      c.Symbol,
		SecType:     c.SecType,
		Exchange:    c.Exchange,
		Currency:    c.Currency,
		LocalSymbol: c.LocalSymbol,
		ConID:       c.ConID,
		// TWS reports short availability when the order is placed.
		Shortable: true,
	}
}

// apiOrder builds the TWS order for o. Limit orders carry the Adaptive algo
// when requested.
func apiOrder(o *broker.Order, account string, whatIf bool) *ibapi.Order {
	qty := ibapi.StringToDecimal(o.Quantity.String())

	var out *ibapi.Order
	if o.Type == broker.OrderTypeLimit {
		out = ibapi.LimitOrder(o.Side.String(), qty, o.LimitPrice.InexactFloat64())
	} else {
		out = ibapi.MarketOrder(o.Side.String(), qty)
	}
	out.TIF = "DAY"
	out.Account = account
	out.OrderRef = o.ClientOrderID
	out.WhatIf = whatIf

	if o.Adaptive && o.Type == broker.OrderTypeLimit {
		priority := o.Priority
		if priority == "" {
			priority = broker.PriorityNormal
		}
		out.AlgoStrategy = adaptiveAlgo
		out.AlgoParams = []ibapi.TagValue{{Tag: "adaptivePriority", Value: string(priority)}}
	}
	return out
}

func preview(state *ibapi.OrderState) *broker.Preview {
	return &broker.Preview{
		Commission:        fromFloat(state.CommissionAndFees),
		InitMarginChange:  fromString(state.InitMarginChange),
		MaintMarginChange: fromString(state.MaintMarginChange),
		Warning:           state.WarningText,
	}
}

// toDecimal converts a TWS decimal; unset values read as zero.
func toDecimal(d ibapi.Decimal) decimal.Decimal {
	return fromString(d.String())
}

func fromFloat(f float64) decimal.Decimal {
	if math.IsNaN(f) || math.IsInf(f, 0) || f == ibapi.UNSET_FLOAT {
		return decimal.Zero
	}
	v := decimal.NewFromFloat(f)
	if v.Abs().GreaterThan(unsetValue) {
		return decimal.Zero
	}
	return v
}

func fromString(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil || v.Abs().GreaterThan(unsetValue) {
		return decimal.Zero
	}
	return v
}

// parseExecTime reads "20240603  14:01:00" with an optional zone suffix.
func parseExecTime(s string) (time.Time, bool) {
	parts := strings.Fields(s)
	if len(parts) < 2 {
		return time.Time{}, false
	}
	loc := time.UTC
	if len(parts) > 2 {
		if l, err := time.LoadLocation(parts[2]); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation("20060102 15:04:05", parts[0]+" "+parts[1], loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
