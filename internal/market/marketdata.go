package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	bookTable        = "orderBookL2_25"
	orderTable       = "order"
	maxTrackedOrders = 4096
)

// Stream is the realtime feed MarketData consumes.
type Stream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, sub interface{}) error
	Run(ctx context.Context, handler func(json.RawMessage)) error
}

// Lookup is the request/response fallback used when the stream has no
// answer yet. Order returns ok=false when the exchange does not know the id.
type Lookup interface {
	OrderBookL2(ctx context.Context, symbol string, depth int) (BookSnapshot, error)
	Order(ctx context.Context, symbol, orderID string) (Order, bool, error)
}

type MarketData struct {
	rest  Lookup
	ws    Stream
	log   *zap.Logger
	depth int

	mu     sync.RWMutex
	books  map[string]*l2Book
	orders map[string]Order
}

func New(rest Lookup, ws Stream, depth int, log *zap.Logger) *MarketData {
	if log == nil {
		log = zap.NewNop()
	}
	if depth <= 0 {
		depth = 10
	}
	return &MarketData{
		rest:   rest,
		ws:     ws,
		log:    log,
		depth:  depth,
		books:  make(map[string]*l2Book),
		orders: make(map[string]Order),
	}
}

// Start subscribes to the book of every symbol plus the private order table
// and consumes the stream in the background.
func (m *MarketData) Start(ctx context.Context, symbols []string) error {
	if m.ws == nil {
		return nil
	}
	args := make([]string, 0, len(symbols)+1)
	m.mu.Lock()
	for _, symbol := range symbols {
		symbol = strings.TrimSpace(symbol)
		if symbol == "" {
			continue
		}
		if _, ok := m.books[symbol]; !ok {
			m.books[symbol] = newL2Book(symbol)
		}
		args = append(args, bookTable+":"+symbol)
	}
	m.mu.Unlock()
	args = append(args, orderTable)
	if err := m.ws.Connect(ctx); err != nil {
		return err
	}
	if err := m.ws.Subscribe(ctx, map[string]any{"op": "subscribe", "args": args}); err != nil {
		return err
	}
	go func() {
		if err := m.ws.Run(ctx, m.handleMessage); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warn("market stream stopped", zap.Error(err))
		}
	}()
	return nil
}

// OrderBookL2 serves the streamed book when it is deep enough and falls back
// to a REST snapshot otherwise.
func (m *MarketData) OrderBookL2(ctx context.Context, symbol string) (BookSnapshot, error) {
	m.mu.RLock()
	book, ok := m.books[symbol]
	var snap BookSnapshot
	if ok && book.ready {
		snap = book.snapshot(m.depth)
	}
	m.mu.RUnlock()
	if ok && book.ready && snap.Depth() >= m.depth {
		return snap, nil
	}
	if m.rest == nil {
		return BookSnapshot{}, fmt.Errorf("%w: no book for %s", ErrQueryTransient, symbol)
	}
	snap, err := m.rest.OrderBookL2(ctx, symbol, m.depth)
	if err != nil {
		return BookSnapshot{}, err
	}
	if snap.Depth() < m.depth {
		return BookSnapshot{}, fmt.Errorf("%w: %s book depth %d below %d", ErrQueryTransient, symbol, snap.Depth(), m.depth)
	}
	return snap, nil
}

// OrderByID reports the latest known state of an order. An id the exchange
// does not report yet yields ErrQueryTransient.
func (m *MarketData) OrderByID(ctx context.Context, symbol, orderID string) (Order, error) {
	if orderID == "" {
		return Order{}, errors.New("order id is required")
	}
	m.mu.RLock()
	order, ok := m.orders[orderID]
	m.mu.RUnlock()
	// Without a stream an open order can only be refreshed over REST.
	if ok && order.Status != StatusUnknown && (m.ws != nil || !order.IsOpen()) {
		return order, nil
	}
	if m.rest == nil {
		return Order{}, fmt.Errorf("%w: order %s not seen", ErrQueryTransient, orderID)
	}
	fetched, found, err := m.rest.Order(ctx, symbol, orderID)
	if err != nil {
		return Order{}, err
	}
	if !found {
		return Order{}, fmt.Errorf("%w: order %s not found", ErrQueryTransient, orderID)
	}
	m.storeOrder(fetched)
	return fetched, nil
}

// Track seeds the order table with an acknowledgement so a lookup racing the
// stream still sees the order.
func (m *MarketData) Track(order Order) {
	if order.ID == "" {
		return
	}
	m.storeOrder(order)
}

func (m *MarketData) storeOrder(order Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.orders[order.ID]; ok {
		order = MergeOrder(prev, order)
	}
	m.orders[order.ID] = order
	if len(m.orders) > maxTrackedOrders {
		m.pruneLocked()
	}
}

func (m *MarketData) pruneLocked() {
	for id, order := range m.orders {
		if !order.IsOpen() {
			delete(m.orders, id)
		}
	}
}

type tableMessage struct {
	Table  string           `json:"table"`
	Action string           `json:"action"`
	Data   []map[string]any `json:"data"`
}

func (m *MarketData) handleMessage(msg json.RawMessage) {
	var payload tableMessage
	if err := json.Unmarshal(msg, &payload); err != nil {
		m.log.Debug("ws decode error", zap.Error(err))
		return
	}
	switch payload.Table {
	case bookTable:
		m.applyBook(payload.Action, payload.Data)
	case orderTable:
		m.applyOrders(payload.Data)
	}
}

func (m *MarketData) applyBook(action string, data []map[string]any) {
	bySymbol := make(map[string][]l2Row)
	for _, raw := range data {
		row, ok := parseL2Row(raw)
		if !ok {
			continue
		}
		bySymbol[row.Symbol] = append(bySymbol[row.Symbol], row)
	}
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for symbol, rows := range bySymbol {
		book, ok := m.books[symbol]
		if !ok {
			book = newL2Book(symbol)
			m.books[symbol] = book
		}
		book.apply(action, rows, now)
	}
}

func (m *MarketData) applyOrders(data []map[string]any) {
	for _, raw := range data {
		order, ok := ParseOrder(raw)
		if !ok {
			continue
		}
		m.storeOrder(order)
	}
}
