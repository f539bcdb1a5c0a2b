package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// MockClient is an in-memory venue used by tests and simulation mode.
// Market orders fill immediately at the scripted price; conditional orders
// rest as open until a test fills or cancels them.
type MockClient struct {
	mu sync.Mutex

	symbols    map[string]SymbolInfo
	prices     map[string]float64
	orders     map[string]*Order // keyed by order id, open and terminal
	nextID     int64
	hedgeMode  bool
	commission float64 // taker fee rate applied to fills

	// FailNextPlace, when set, makes the next PlaceOrder return the error
	// and clears itself. Used to script partial OCO placement failures.
	FailNextPlace error
	// FailPlaceOfType makes PlaceOrder fail for one order type while set,
	// leaving the other leg of a pair unaffected.
	FailPlaceOfType OrderType
	FailPlaceErr    error
	// FailQueries makes QueryOrder and ListOpenOrders fail while set.
	FailQueries error

	placed []OrderParams
}

// NewMockClient builds a mock venue with a default symbol universe.
func NewMockClient() *MockClient {
	return &MockClient{
		symbols: map[string]SymbolInfo{
			"BTCUSDT": {Symbol: "BTCUSDT", Status: "TRADING", PriceTick: 0.1, QtyStep: 0.001, MinQty: 0.001, MinNotional: 5},
			"ETHUSDT": {Symbol: "ETHUSDT", Status: "TRADING", PriceTick: 0.01, QtyStep: 0.001, MinQty: 0.001, MinNotional: 5},
		},
		prices:    map[string]float64{"BTCUSDT": 45000, "ETHUSDT": 3000},
		orders:    make(map[string]*Order),
		nextID:    1000,
		hedgeMode: true,
	}
}

// SetPrice scripts the current price for a symbol.
func (m *MockClient) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

// SetHedgeMode scripts the venue position mode.
func (m *MockClient) SetHedgeMode(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hedgeMode = enabled
}

// SetCommission scripts the fee rate applied to market fills.
func (m *MockClient) SetCommission(rate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commission = rate
}

// AddSymbol registers an extra tradable symbol.
func (m *MockClient) AddSymbol(info SymbolInfo, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbols[info.Symbol] = info
	m.prices[info.Symbol] = price
}

// PlacedOrders returns every order request seen, in placement order.
func (m *MockClient) PlacedOrders() []OrderParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OrderParams, len(m.placed))
	copy(out, m.placed)
	return out
}

// FillOrder marks an open order FILLED at the given price, simulating a
// protection trigger between monitor polls.
func (m *MockClient) FillOrder(orderID string, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("mock: no order %s", orderID)
	}
	o.Status = OrderStatusFilled
	o.FilledQty = o.OrigQty
	o.AvgFillPrice = price
	return nil
}

// ExpireOrder marks an open order CANCELED, simulating a user cancel.
func (m *MockClient) ExpireOrder(orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("mock: no order %s", orderID)
	}
	o.Status = OrderStatusCanceled
	return nil
}

// LoadSymbolInfo returns the scripted symbol universe.
func (m *MockClient) LoadSymbolInfo(ctx context.Context) (map[string]SymbolInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]SymbolInfo, len(m.symbols))
	for k, v := range m.symbols {
		out[k] = v
	}
	return out, nil
}

// PlaceOrder records the order; market orders fill at the scripted price.
func (m *MockClient) PlaceOrder(ctx context.Context, params OrderParams) (*OrderAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailNextPlace != nil {
		err := m.FailNextPlace
		m.FailNextPlace = nil
		return nil, err
	}
	if m.FailPlaceOfType != "" && params.Type == m.FailPlaceOfType {
		if m.FailPlaceErr != nil {
			return nil, m.FailPlaceErr
		}
		return nil, fmt.Errorf("mock: scripted %s placement failure", params.Type)
	}
	if _, ok := m.symbols[params.Symbol]; !ok {
		return nil, &APIError{Code: codeInvalidSymbol, Message: "Invalid symbol.", HTTPStatus: 400}
	}
	if params.Quantity <= 0 {
		return nil, &APIError{Code: codeInvalidQuantity, Message: "Invalid quantity.", HTTPStatus: 400}
	}

	m.nextID++
	id := strconv.FormatInt(m.nextID, 10)
	order := &Order{
		OrderID:      id,
		Symbol:       params.Symbol,
		Side:         params.Side,
		PositionSide: params.PositionSide,
		Type:         params.Type,
		Status:       OrderStatusNew,
		Price:        params.Price,
		StopPrice:    params.StopPrice,
		OrigQty:      params.Quantity,
	}

	ack := &OrderAck{OrderID: id, Status: OrderStatusNew}
	if params.Type == OrderTypeMarket {
		price := m.prices[params.Symbol]
		order.Status = OrderStatusFilled
		order.FilledQty = params.Quantity
		order.AvgFillPrice = price
		ack.Status = OrderStatusFilled
		ack.FilledQty = params.Quantity
		ack.AvgFillPrice = price
		ack.Commission = price * params.Quantity * m.commission
	}

	m.orders[id] = order
	m.placed = append(m.placed, params)
	return ack, nil
}

// CancelOrder cancels an open order; an absent order is success.
func (m *MockClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil
	}
	if o.Status == OrderStatusNew || o.Status == OrderStatusPartiallyFilled {
		o.Status = OrderStatusCanceled
	}
	return nil
}

// QueryOrder returns the order state, terminal orders included.
func (m *MockClient) QueryOrder(ctx context.Context, symbol, orderID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailQueries != nil {
		return nil, m.FailQueries
	}
	o, ok := m.orders[orderID]
	if !ok {
		return nil, &APIError{Code: codeOrderNotFound, Message: "Order does not exist.", HTTPStatus: 400}
	}
	cp := *o
	return &cp, nil
}

// ListOpenOrders returns orders still resting on the book.
func (m *MockClient) ListOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailQueries != nil {
		return nil, m.FailQueries
	}
	var open []Order
	for _, o := range m.orders {
		if o.Symbol != symbol {
			continue
		}
		if o.Status == OrderStatusNew || o.Status == OrderStatusPartiallyFilled {
			open = append(open, *o)
		}
	}
	return open, nil
}

// VerifyHedgeMode returns the scripted position mode.
func (m *MockClient) VerifyHedgeMode(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hedgeMode, nil
}

// AccountInfo returns a static funded account.
func (m *MockClient) AccountInfo(ctx context.Context) (*AccountInfo, error) {
	return &AccountInfo{
		TotalWalletBalance: 10000,
		AvailableBalance:   10000,
		Assets: []AssetBalance{
			{Asset: "USDT", WalletBalance: 10000, AvailableBalance: 10000},
		},
	}, nil
}

// CurrentPrice returns the scripted price.
func (m *MockClient) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[symbol]
	if !ok {
		return 0, ErrSymbolUnknown
	}
	return p, nil
}

var _ Client = (*MockClient)(nil)
var _ Client = (*BinanceClient)(nil)
