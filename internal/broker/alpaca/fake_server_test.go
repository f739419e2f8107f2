package alpaca

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tradeapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
)

const (
	testKey    = "PKTEST"
	testSecret = "secret"

	tradeEventsPath = "/v2/events/trades"
)

// fakeAlpaca serves the subset of the trading, data and trade events APIs
// the client uses.
type fakeAlpaca struct {
	srv  *httptest.Server
	quit chan struct{}

	mu        sync.Mutex
	positions []tradeapi.Position
	assets    map[string]tradeapi.Asset
	quotes    map[string][2]float64
	orders    map[string]*tradeapi.Order
	nextID    int
	failures  []int // statuses returned, in order, before normal handling
	requests  []string
	bodies    []string
	queries   []string
	clockOpen bool

	streamAuth    bool
	streamQueries []string
	streams       chan *eventStream
}

// eventStream is one open trade events response.
type eventStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  chan struct{}
	once    sync.Once
}

func newFakeAlpaca(t *testing.T) *fakeAlpaca {
	t.Helper()
	f := &fakeAlpaca{
		quit:       make(chan struct{}),
		assets:     make(map[string]tradeapi.Asset),
		quotes:     make(map[string][2]float64),
		orders:     make(map[string]*tradeapi.Order),
		streamAuth: true,
		streams:    make(chan *eventStream, 8),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/account", f.account)
	mux.HandleFunc("GET /v2/clock", f.clock)
	mux.HandleFunc("GET /v2/positions", f.listPositions)
	mux.HandleFunc("GET /v2/assets/{symbol}", f.asset)
	mux.HandleFunc("GET /v2/stocks/quotes/latest", f.latestQuotes)
	mux.HandleFunc("POST /v2/orders", f.placeOrder)
	mux.HandleFunc("GET /v2/orders", f.listOrders)
	mux.HandleFunc("GET /v2/orders/{id}", f.getOrder)
	mux.HandleFunc("PATCH /v2/orders/{id}", f.replaceOrder)
	mux.HandleFunc("DELETE /v2/orders/{id}", f.cancelOrder)
	mux.HandleFunc("GET "+tradeEventsPath, f.tradeEvents)

	f.srv = httptest.NewServer(f.middleware(mux))
	t.Cleanup(func() {
		close(f.quit)
		f.srv.Close()
	})
	return f
}

func (f *fakeAlpaca) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == tradeEventsPath {
			next.ServeHTTP(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)

		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		f.bodies = append(f.bodies, string(body))
		f.queries = append(f.queries, r.URL.RawQuery)
		var status int
		if len(f.failures) > 0 {
			status, f.failures = f.failures[0], f.failures[1:]
		}
		f.mu.Unlock()

		if !authorized(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized.")
			return
		}
		if status != 0 {
			writeError(w, status, http.StatusText(status))
			return
		}
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		next.ServeHTTP(w, r)
	})
}

func authorized(r *http.Request) bool {
	return r.Header.Get("APCA-API-KEY-ID") == testKey && r.Header.Get("APCA-API-SECRET-KEY") == testSecret
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"code": 40000000 + status, "message": msg})
}

func (f *fakeAlpaca) account(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, tradeapi.Account{ID: "acct-1", AccountNumber: "PA123", Status: "ACTIVE", Currency: "USD"})
}

func (f *fakeAlpaca) clock(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, http.StatusOK, tradeapi.Clock{IsOpen: f.clockOpen})
}

func (f *fakeAlpaca) listPositions(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, http.StatusOK, f.positions)
}

func (f *fakeAlpaca) asset(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	a, ok := f.assets[r.PathValue("symbol")]
	f.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "asset not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (f *fakeAlpaca) latestQuotes(w http.ResponseWriter, r *http.Request) {
	quotes := make(map[string]any)
	f.mu.Lock()
	for _, sym := range strings.Split(r.URL.Query().Get("symbols"), ",") {
		if q, ok := f.quotes[sym]; ok {
			quotes[sym] = map[string]any{"bp": q[0], "ap": q[1], "t": "2024-06-03T14:00:00Z"}
		}
	}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"quotes": quotes})
}

func (f *fakeAlpaca) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req tradeapi.PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if req.ClientOrderID != "" && o.ClientOrderID == req.ClientOrderID {
			writeError(w, http.StatusUnprocessableEntity, "client_order_id must be unique")
			return
		}
	}
	f.nextID++
	now := time.Date(2024, 6, 3, 14, 0, f.nextID, 0, time.UTC)
	o := &tradeapi.Order{
		ID:            fmt.Sprintf("ord-%d", f.nextID),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		Qty:           req.Qty,
		LimitPrice:    req.LimitPrice,
		Status:        "new",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	f.orders[o.ID] = o
	writeJSON(w, http.StatusOK, o)
}

func (f *fakeAlpaca) listOrders(w http.ResponseWriter, r *http.Request) {
	open := r.URL.Query().Get("status") == "open"
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tradeapi.Order, 0, len(f.orders))
	for _, o := range f.orders {
		if open && mapStatus(o.Status).IsTerminal() {
			continue
		}
		out = append(out, *o)
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *fakeAlpaca) getOrder(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (f *fakeAlpaca) replaceOrder(w http.ResponseWriter, r *http.Request) {
	var req tradeapi.ReplaceOrderRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	defer f.mu.Unlock()
	old, ok := f.orders[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if mapStatus(old.Status).IsTerminal() {
		writeError(w, http.StatusUnprocessableEntity, "order is not open")
		return
	}
	f.nextID++
	next := *old
	next.ID = fmt.Sprintf("ord-%d", f.nextID)
	next.LimitPrice = req.LimitPrice
	next.Status = "new"
	f.orders[next.ID] = &next
	old.Status = "replaced"
	old.ReplacedBy = &next.ID
	writeJSON(w, http.StatusOK, next)
}

func (f *fakeAlpaca) cancelOrder(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if mapStatus(o.Status).IsTerminal() {
		writeError(w, http.StatusUnprocessableEntity, "order is not cancelable")
		return
	}
	o.Status = "canceled"
	w.WriteHeader(http.StatusNoContent)
}

// fill marks an order filled at price.
func (f *fakeAlpaca) fill(id, price string) *tradeapi.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[id]
	o.Status = "filled"
	o.FilledQty = *o.Qty
	avg := decimal.RequireFromString(price)
	o.FilledAvgPrice = &avg
	cp := *o
	return &cp
}

// order returns a copy of the stored order.
func (f *fakeAlpaca) order(id string) tradeapi.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.orders[id]
}

// tradeEvents holds a server-sent events response open until the client
// leaves, the test ends or the stream is dropped.
func (f *fakeAlpaca) tradeEvents(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	allowed := f.streamAuth && authorized(r)
	f.streamQueries = append(f.streamQueries, r.URL.RawQuery)
	f.mu.Unlock()
	if !allowed {
		http.Error(w, `{"message":"access key verification failed"}`, http.StatusUnauthorized)
		return
	}

	flusher := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	es := &eventStream{w: w, flusher: flusher, closed: make(chan struct{})}
	f.streams <- es

	select {
	case <-es.closed:
	case <-r.Context().Done():
	case <-f.quit:
	}
	es.drop()
}

// drop ends the response.
func (es *eventStream) drop() {
	es.once.Do(func() {
		es.mu.Lock()
		close(es.closed)
		es.mu.Unlock()
	})
}

// nextStream waits for the client to open the trade events feed.
func (f *fakeAlpaca) nextStream(t *testing.T) *eventStream {
	t.Helper()
	select {
	case es := <-f.streams:
		return es
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for trade events request")
		return nil
	}
}

// push sends a trade update as one event.
func push(t *testing.T, es *eventStream, event, execID, qty, price string, o *tradeapi.Order) {
	t.Helper()
	msg := map[string]any{
		"at":           "2024-06-03T14:05:00Z",
		"event":        event,
		"execution_id": execID,
		"qty":          qty,
		"price":        price,
		"timestamp":    "2024-06-03T14:05:00Z",
		"order":        o,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}

	es.mu.Lock()
	defer es.mu.Unlock()
	select {
	case <-es.closed:
		t.Fatalf("push %s: stream closed", event)
	default:
	}
	if _, err := fmt.Fprintf(es.w, "data: %s\n\n", data); err != nil {
		t.Fatalf("push %s: %v", event, err)
	}
	es.flusher.Flush()
}

func (f *fakeAlpaca) count(req string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r == req {
			n++
		}
	}
	return n
}

func (f *fakeAlpaca) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// last returns the body and query of the most recent request matching req.
func (f *fakeAlpaca) last(req string) (body, query string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.requests) - 1; i >= 0; i-- {
		if f.requests[i] == req {
			return f.bodies[i], f.queries[i]
		}
	}
	return "", ""
}
