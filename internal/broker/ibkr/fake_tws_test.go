package ibkr

import (
	"errors"
	"sync"

	"github.com/scmhub/ibapi"
)

type fakePosition struct {
	account, symbol, secType, currency, qty string
}

type fakeOpenOrder struct {
	id       int64
	contract *ibapi.Contract
	order    *ibapi.Order
}

type placed struct {
	id       int64
	contract *ibapi.Contract
	order    *ibapi.Order
}

// fakeTWS stands in for the TWS client, answering each request through
// the wrapper the way TWS would.
type fakeTWS struct {
	mu sync.Mutex

	conIDs      map[string]int64
	ambiguous   map[string]bool
	quotes      map[string][2]float64
	positions   []fakePosition
	openOrders  []fakeOpenOrder
	reject      map[string]bool
	fill        bool
	preview     *ibapi.OrderState
	connectErrs int

	w           ibapi.EWrapper
	connects    int
	connected   bool
	placed      []placed
	cancels     []int64
	mktData     []string
	contractReq int
	posCancels  int
}

func newFakeTWS() *fakeTWS {
	return &fakeTWS{
		conIDs:    map[string]int64{"AAPL": 265598, "MSFT": 272093, "GME": 36285627},
		ambiguous: make(map[string]bool),
		quotes:    make(map[string][2]float64),
		reject:    make(map[string]bool),
	}
}

func (s *fakeTWS) factory(w ibapi.EWrapper) api {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w = w
	return s
}

// reply runs callbacks outside the lock, as the reader goroutine would.
func (s *fakeTWS) reply(calls ...func(ibapi.EWrapper)) {
	s.mu.Lock()
	w := s.w
	s.mu.Unlock()
	for _, call := range calls {
		call(w)
	}
}

func (s *fakeTWS) Connect(string, int, int64) error {
	s.mu.Lock()
	s.connects++
	if s.connects <= s.connectErrs {
		s.mu.Unlock()
		return errors.New("dial tcp 127.0.0.1:7497: connect: connection refused")
	}
	s.connected = true
	s.mu.Unlock()

	s.reply(func(w ibapi.EWrapper) { w.NextValidID(1) })
	return nil
}

func (s *fakeTWS) Disconnect() error {
	s.mu.Lock()
	was := s.connected
	s.connected = false
	s.mu.Unlock()
	if was {
		s.reply(func(w ibapi.EWrapper) { w.ConnectionClosed() })
	}
	return nil
}

// drop simulates TWS going away.
func (s *fakeTWS) drop() {
	_ = s.Disconnect()
}

func (s *fakeTWS) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeTWS) ServerVersion() ibapi.Version { return 187 }

func (s *fakeTWS) ReqPositions() {
	s.mu.Lock()
	rows := append([]fakePosition(nil), s.positions...)
	s.mu.Unlock()

	var calls []func(ibapi.EWrapper)
	for _, row := range rows {
		row := row
		calls = append(calls, func(w ibapi.EWrapper) {
			c := ibapi.NewContract()
			c.Symbol, c.SecType, c.Currency, c.LocalSymbol, c.Exchange = row.symbol, row.secType, row.currency, row.symbol, "SMART"
			w.Position(row.account, c, ibapi.StringToDecimal(row.qty), 100.5)
		})
	}
	calls = append(calls, func(w ibapi.EWrapper) { w.PositionEnd() })
	s.reply(calls...)
}

func (s *fakeTWS) CancelPositions() {
	s.mu.Lock()
	s.posCancels++
	s.mu.Unlock()
}

func (s *fakeTWS) ReqContractDetails(reqID int64, contract *ibapi.Contract) {
	s.mu.Lock()
	s.contractReq++
	conID, ok := s.conIDs[contract.Symbol]
	n := 1
	if s.ambiguous[contract.Symbol] {
		n = 2
	}
	s.mu.Unlock()

	if !ok {
		s.reply(func(w ibapi.EWrapper) {
			w.Error(reqID, 0, codeNoSecurityDefinition, "No security definition has been found for the request", "")
		})
		return
	}
	var calls []func(ibapi.EWrapper)
	for i := 0; i < n; i++ {
		calls = append(calls, func(w ibapi.EWrapper) {
			details := &ibapi.ContractDetails{MarketName: "NMS"}
			details.Contract = *ibapi.NewContract()
			details.Contract.ConID = conID
			details.Contract.Symbol = contract.Symbol
			details.Contract.SecType = "STK"
			details.Contract.Exchange = "SMART"
			details.Contract.Currency = "USD"
			details.Contract.LocalSymbol = contract.Symbol
			w.ContractDetails(reqID, details)
		})
	}
	calls = append(calls, func(w ibapi.EWrapper) { w.ContractDetailsEnd(reqID) })
	s.reply(calls...)
}

func (s *fakeTWS) ReqMktData(reqID ibapi.TickerID, contract *ibapi.Contract, _ string, _, _ bool, _ []ibapi.TagValue) {
	s.mu.Lock()
	s.mktData = append(s.mktData, contract.Symbol)
	q, ok := s.quotes[contract.Symbol]
	s.mu.Unlock()

	var calls []func(ibapi.EWrapper)
	if ok {
		calls = append(calls,
			func(w ibapi.EWrapper) { w.TickPrice(reqID, tickBid, q[0], ibapi.TickAttrib{}) },
			func(w ibapi.EWrapper) { w.TickPrice(reqID, tickAsk, q[1], ibapi.TickAttrib{}) },
		)
	}
	calls = append(calls, func(w ibapi.EWrapper) { w.TickSnapshotEnd(reqID) })
	s.reply(calls...)
}

func (s *fakeTWS) PlaceOrder(id ibapi.OrderID, contract *ibapi.Contract, order *ibapi.Order) {
	s.mu.Lock()
	s.placed = append(s.placed, placed{id: id, contract: contract, order: order})
	reject, fill, preview := s.reject[contract.Symbol], s.fill, s.preview
	conID := s.conIDs[contract.Symbol]
	s.mu.Unlock()

	if order.WhatIf {
		state := preview
		if state == nil {
			state = &ibapi.OrderState{Status: "PreSubmitted", CommissionAndFees: ibapi.UNSET_FLOAT}
		}
		s.reply(func(w ibapi.EWrapper) { w.OpenOrder(id, contract, order, state) })
		return
	}
	if reject {
		s.reply(func(w ibapi.EWrapper) {
			w.Error(id, 0, codeOrderRejected, "Order rejected - reason:The contract is not available for short sale", "")
		})
		return
	}

	qty := order.TotalQuantity
	calls := []func(ibapi.EWrapper){
		func(w ibapi.EWrapper) {
			w.OrderStatus(id, "Submitted", ibapi.ZERO, qty, 0, 0, 0, 0, 1, "", 0)
		},
	}
	if fill {
		execID := "0000e0d5.0001.01"
		calls = append(calls,
			func(w ibapi.EWrapper) {
				c := *contract
				c.ConID = conID
				w.ExecDetails(-1, &c, &ibapi.Execution{
					ExecID:  execID,
					Time:    "20240603  14:01:00",
					Side:    "BOT",
					Shares:  qty,
					Price:   order.LmtPrice,
					OrderID: id,
				})
			},
			func(w ibapi.EWrapper) {
				w.CommissionAndFeesReport(ibapi.CommissionAndFeesReport{
					ExecID:            execID,
					CommissionAndFees: 1.25,
					Currency:          "USD",
					RealizedPNL:       ibapi.UNSET_FLOAT,
				})
			},
			func(w ibapi.EWrapper) {
				w.OrderStatus(id, "Filled", qty, ibapi.ZERO, order.LmtPrice, 0, 0, order.LmtPrice, 1, "", 0)
			},
		)
	}
	s.reply(calls...)
}

func (s *fakeTWS) CancelOrder(id ibapi.OrderID, _ ibapi.OrderCancel) {
	s.mu.Lock()
	s.cancels = append(s.cancels, id)
	s.mu.Unlock()

	s.reply(
		func(w ibapi.EWrapper) { w.OrderStatus(id, "Cancelled", ibapi.ZERO, ibapi.ZERO, 0, 0, 0, 0, 1, "", 0) },
		func(w ibapi.EWrapper) { w.Error(id, 0, codeOrderCancelled, "Order Canceled - reason:", "") },
	)
}

func (s *fakeTWS) ReqAllOpenOrders() {
	s.mu.Lock()
	rows := append([]fakeOpenOrder(nil), s.openOrders...)
	s.mu.Unlock()

	var calls []func(ibapi.EWrapper)
	for _, row := range rows {
		row := row
		calls = append(calls, func(w ibapi.EWrapper) {
			w.OpenOrder(row.id, row.contract, row.order, &ibapi.OrderState{Status: "Submitted"})
		})
	}
	calls = append(calls, func(w ibapi.EWrapper) { w.OpenOrderEnd() })
	s.reply(calls...)
}

func (s *fakeTWS) sentOrders() []placed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]placed(nil), s.placed...)
}
