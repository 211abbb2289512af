package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"mm-hedge-bot/internal/alerts"
	"mm-hedge-bot/internal/market"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
	sets int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.sets++
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

func (m *memoryStore) keysWithPrefix(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

// fakeExchange serves both ports. Orders rest as New until the test marks
// them filled; market orders fill immediately at marketPrice.
type fakeExchange struct {
	mu          sync.Mutex
	books       map[string]market.BookSnapshot
	orders      map[string]market.Order
	seq         int
	marketPrice float64
	leverage    map[string]float64
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		books:    map[string]market.BookSnapshot{},
		orders:   map[string]market.Order{},
		leverage: map[string]float64{},
	}
}

func (f *fakeExchange) setBook(symbol string, bid, ask, bidSize, askSize float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.books[symbol] = market.NewBookSnapshot(symbol, time.Now(),
		[]market.PriceLevel{{Price: bid, Size: bidSize}},
		[]market.PriceLevel{{Price: ask, Size: askSize}})
}

func (f *fakeExchange) setDeepBook(symbol string, mid float64, levels int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bids := make([]market.PriceLevel, levels)
	asks := make([]market.PriceLevel, levels)
	for i := 0; i < levels; i++ {
		bids[i] = market.PriceLevel{Price: mid - 0.5*float64(i+1), Size: float64(10 + i)}
		asks[i] = market.PriceLevel{Price: mid + 0.5*float64(i+1), Size: float64(20 - i)}
	}
	f.books[symbol] = market.NewBookSnapshot(symbol, time.Now(), bids, asks)
}

func (f *fakeExchange) fill(id string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[id]
	o.Status = market.StatusFilled
	o.Filled = o.Quantity
	if price > 0 {
		o.AvgPrice = price
	}
	f.orders[id] = o
}

func (f *fakeExchange) order(id string) market.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[id]
}

func (f *fakeExchange) place(symbol string, side market.Side, typ market.OrderType, price, qty float64) market.Order {
	f.seq++
	o := market.Order{
		ID:       fmt.Sprintf("o%d", f.seq),
		Symbol:   symbol,
		Side:     side,
		Type:     typ,
		Price:    price,
		Quantity: qty,
		Status:   market.StatusNew,
	}
	if typ == market.OrderTypeMarket {
		o.Status = market.StatusFilled
		o.Filled = qty
		o.AvgPrice = f.marketPrice
	}
	f.orders[o.ID] = o
	return o
}

func (f *fakeExchange) PlaceLimitOrder(ctx context.Context, symbol string, price, qty float64, side market.Side) (market.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.place(symbol, side, market.OrderTypeLimit, price, qty), nil
}

func (f *fakeExchange) PlaceMarketOrder(ctx context.Context, symbol string, qty float64, side market.Side) (market.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.place(symbol, side, market.OrderTypeMarket, 0, qty), nil
}

func (f *fakeExchange) Cancel(ctx context.Context, orderID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok || o.Status != market.StatusNew {
		return false, nil
	}
	o.Status = market.StatusCanceled
	f.orders[orderID] = o
	return true, nil
}

func (f *fakeExchange) AmendOrderPrice(ctx context.Context, orderID string, qty, price float64) (market.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[orderID]
	o.Quantity = qty
	o.Price = price
	f.orders[orderID] = o
	return o, nil
}

func (f *fakeExchange) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverage[symbol] = leverage
	return nil
}

func (f *fakeExchange) PlaceOrdersBulk(ctx context.Context, reqs []market.OrderRequest) ([]market.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]market.Order, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, f.place(req.Symbol, req.Side, req.Type, req.Price, req.Quantity))
	}
	return out, nil
}

func (f *fakeExchange) OrderBookL2(ctx context.Context, symbol string) (market.BookSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	book, ok := f.books[symbol]
	if !ok {
		return market.BookSnapshot{}, fmt.Errorf("%w: no book for %s", market.ErrQueryTransient, symbol)
	}
	return book, nil
}

func (f *fakeExchange) OrderByID(ctx context.Context, symbol, orderID string) (market.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return market.Order{}, fmt.Errorf("%w: order %s", market.ErrQueryTransient, orderID)
	}
	return o, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	enabled bool
	sent    []string
	updates []alerts.Update
}

func (f *fakeNotifier) Enabled() bool { return f.enabled }

func (f *fakeNotifier) Send(ctx context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message)
	return nil
}

func (f *fakeNotifier) GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]alerts.Update, error) {
	f.mu.Lock()
	var out []alerts.Update
	for _, u := range f.updates {
		if u.UpdateID >= offset {
			out = append(out, u)
		}
	}
	f.mu.Unlock()
	if len(out) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return out, nil
}

func (f *fakeNotifier) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (m *memoryStore) get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok
}

func (m *memoryStore) setCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets
}
