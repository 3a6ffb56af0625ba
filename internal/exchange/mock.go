package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockClient is an in-memory exchange used by tests and dry-run mode. Orders
// rest until the test (or simulated price movement) fills them; failures can
// be injected per operation to exercise retry paths.
type MockClient struct {
	mu sync.Mutex

	tickers     map[string]Ticker
	instruments map[string]Instrument

	orders   map[string]*Order // keyed by exchange order id
	byClient map[string]string // client id -> exchange order id
	nextID   int

	// Stops and TP ladders recorded for assertions.
	Stops     []MockStop
	TPLadders []MockTPLadder
	Closes    []MockClose

	// Failure injection: operation name -> remaining failures.
	failures map[string]int

	// Counters for idempotence assertions.
	PlaceOrderCalls int
}

// MockStop records one SetProtectiveStop call.
type MockStop struct {
	Symbol        string
	Side          Side
	StopPrice     float64
	Qty           float64
	ClientOrderID string
}

// MockTPLadder records one PlaceTakeProfitLadder call.
type MockTPLadder struct {
	Symbol  string
	Side    Side
	Targets []TPTarget
	Prefix  string
}

// MockClose records one ClosePositionMarket call.
type MockClose struct {
	Symbol string
	Side   Side
	Qty    float64
}

// NewMockClient creates an empty mock exchange.
func NewMockClient() *MockClient {
	return &MockClient{
		tickers:     make(map[string]Ticker),
		instruments: make(map[string]Instrument),
		orders:      make(map[string]*Order),
		byClient:    make(map[string]string),
		failures:    make(map[string]int),
	}
}

// SetTicker sets the price snapshot returned for a symbol.
func (m *MockClient) SetTicker(t Ticker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.UpdatedAt = time.Now()
	m.tickers[t.Symbol] = t
}

// SetInstrument sets the trading filters returned for a symbol.
func (m *MockClient) SetInstrument(i Instrument) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instruments[i.Symbol] = i
}

// FailNext makes the next n calls to the named operation fail.
// Operations: place_order, get_order, set_stop, place_tp, cancel_prefix, close_market.
func (m *MockClient) FailNext(op string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = n
}

func (m *MockClient) shouldFail(op string) bool {
	if m.failures[op] > 0 {
		m.failures[op]--
		return true
	}
	return false
}

// FillOrder marks a resting order as fully filled at the given price.
func (m *MockClient) FillOrder(clientOrderID string, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byClient[clientOrderID]
	if !ok {
		return fmt.Errorf("no order with client id %s", clientOrderID)
	}
	o := m.orders[id]
	o.Status = OrderStatusFilled
	o.AvgFillPrice = price
	o.UpdatedAt = time.Now()
	return nil
}

// RejectOrder marks a resting order as cancelled by the exchange.
func (m *MockClient) RejectOrder(clientOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byClient[clientOrderID]
	if !ok {
		return fmt.Errorf("no order with client id %s", clientOrderID)
	}
	m.orders[id].Status = OrderStatusCanceled
	return nil
}

// OpenOrderCount returns the number of resting (NEW) orders.
func (m *MockClient) OpenOrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.orders {
		if !o.Status.Terminal() {
			n++
		}
	}
	return n
}

// OrderByClientID returns a copy of the order with the given client id.
func (m *MockClient) OrderByClientID(clientOrderID string) *Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byClient[clientOrderID]
	if !ok {
		return nil
	}
	cp := *m.orders[id]
	return &cp
}

func (m *MockClient) GetTicker(_ context.Context, symbol string) (*Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickers[symbol]
	if !ok {
		return nil, fmt.Errorf("mock: no ticker for %s", symbol)
	}
	return &t, nil
}

func (m *MockClient) GetInstrument(_ context.Context, symbol string) (*Instrument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.instruments[symbol]
	if !ok {
		return nil, fmt.Errorf("mock: no instrument for %s", symbol)
	}
	return &i, nil
}

func (m *MockClient) PlaceOrder(_ context.Context, req OrderRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PlaceOrderCalls++
	if m.shouldFail("place_order") {
		return "", fmt.Errorf("mock: place_order failure injected")
	}
	// Idempotent on client id: resubmission returns the existing order.
	if id, ok := m.byClient[req.ClientOrderID]; ok {
		return id, nil
	}
	m.nextID++
	id := fmt.Sprintf("EX-%06d", m.nextID)
	m.orders[id] = &Order{
		ExchangeOrderID: id,
		ClientOrderID:   req.ClientOrderID,
		Symbol:          req.Symbol,
		Status:          OrderStatusNew,
		UpdatedAt:       time.Now(),
	}
	m.byClient[req.ClientOrderID] = id
	return id, nil
}

func (m *MockClient) GetOrder(_ context.Context, symbol, exchangeOrderID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shouldFail("get_order") {
		return nil, fmt.Errorf("mock: get_order failure injected")
	}
	o, ok := m.orders[exchangeOrderID]
	if !ok || o.Symbol != symbol {
		return nil, fmt.Errorf("mock: order %s not found for %s", exchangeOrderID, symbol)
	}
	cp := *o
	return &cp, nil
}

func (m *MockClient) CancelOrdersByClientIDPrefix(_ context.Context, symbol, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shouldFail("cancel_prefix") {
		return nil, fmt.Errorf("mock: cancel_prefix failure injected")
	}
	var cancelled []string
	for id, o := range m.orders {
		if o.Symbol == symbol && !o.Status.Terminal() && strings.HasPrefix(o.ClientOrderID, prefix) {
			o.Status = OrderStatusCanceled
			cancelled = append(cancelled, id)
		}
	}
	return cancelled, nil
}

func (m *MockClient) SetProtectiveStop(_ context.Context, symbol string, side Side, stopPrice, qty float64, clientOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shouldFail("set_stop") {
		return fmt.Errorf("mock: set_stop failure injected")
	}
	m.Stops = append(m.Stops, MockStop{Symbol: symbol, Side: side, StopPrice: stopPrice, Qty: qty, ClientOrderID: clientOrderID})
	return nil
}

func (m *MockClient) PlaceTakeProfitLadder(_ context.Context, symbol string, side Side, targets []TPTarget, clientIDPrefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shouldFail("place_tp") {
		return fmt.Errorf("mock: place_tp failure injected")
	}
	cp := make([]TPTarget, len(targets))
	copy(cp, targets)
	m.TPLadders = append(m.TPLadders, MockTPLadder{Symbol: symbol, Side: side, Targets: cp, Prefix: clientIDPrefix})
	// Record the ladder legs as resting orders so prefix-cancel sees them.
	for i := range targets {
		m.nextID++
		id := fmt.Sprintf("EX-%06d", m.nextID)
		clientID := fmt.Sprintf("%sTP%d", clientIDPrefix, i+1)
		m.orders[id] = &Order{
			ExchangeOrderID: id,
			ClientOrderID:   clientID,
			Symbol:          symbol,
			Status:          OrderStatusNew,
			UpdatedAt:       time.Now(),
		}
		m.byClient[clientID] = id
	}
	return nil
}

func (m *MockClient) ClosePositionMarket(_ context.Context, symbol string, side Side, qty float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shouldFail("close_market") {
		return fmt.Errorf("mock: close_market failure injected")
	}
	m.Closes = append(m.Closes, MockClose{Symbol: symbol, Side: side, Qty: qty})
	return nil
}

// compile-time interface check
var _ Client = (*MockClient)(nil)
