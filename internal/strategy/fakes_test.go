package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mm-hedge-bot/internal/market"
)

type fakeMarket struct {
	mu         sync.Mutex
	books      map[string]market.BookSnapshot
	orders     map[string]market.Order
	orderErr   map[string]error
	bookErr    error
	orderCalls int
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		books:    map[string]market.BookSnapshot{},
		orders:   map[string]market.Order{},
		orderErr: map[string]error{},
	}
}

func (f *fakeMarket) setBook(symbol string, bid, ask, bidSize, askSize float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.books[symbol] = market.NewBookSnapshot(symbol, time.Now(),
		[]market.PriceLevel{{Price: bid, Size: bidSize}},
		[]market.PriceLevel{{Price: ask, Size: askSize}})
}

func (f *fakeMarket) setStatus(id string, status market.OrderStatus, avg float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[id]
	o.Status = status
	if avg > 0 {
		o.AvgPrice = avg
	}
	if status == market.StatusFilled {
		o.Filled = o.Quantity
	}
	f.orders[id] = o
}

func (f *fakeMarket) OrderBookL2(ctx context.Context, symbol string) (market.BookSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bookErr != nil {
		return market.BookSnapshot{}, f.bookErr
	}
	book, ok := f.books[symbol]
	if !ok {
		return market.BookSnapshot{}, fmt.Errorf("no book for %s", symbol)
	}
	return book, nil
}

func (f *fakeMarket) OrderByID(ctx context.Context, symbol, orderID string) (market.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderCalls++
	if err := f.orderErr[orderID]; err != nil {
		return market.Order{}, err
	}
	o, ok := f.orders[orderID]
	if !ok {
		return market.Order{}, fmt.Errorf("order %s: %w", orderID, market.ErrQueryTransient)
	}
	return o, nil
}

func (f *fakeMarket) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orderCalls
}

type placed struct {
	symbol string
	side   market.Side
	typ    market.OrderType
	price  float64
	qty    float64
}

type fakeCommand struct {
	mu           sync.Mutex
	md           *fakeMarket
	seq          int
	placed       []placed
	canceled     []string
	leverage     map[string]float64
	marketPrice  map[string]float64
	limitErr     error
	marketErr    error
	cancelErr    error
	cancelResult bool
}

func newFakeCommand(md *fakeMarket) *fakeCommand {
	return &fakeCommand{
		md:           md,
		leverage:     map[string]float64{},
		marketPrice:  map[string]float64{},
		cancelResult: true,
	}
}

func (f *fakeCommand) nextID() string {
	f.seq++
	return fmt.Sprintf("ord-%d", f.seq)
}

func (f *fakeCommand) PlaceLimitOrder(ctx context.Context, symbol string, price, qty float64, side market.Side) (market.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limitErr != nil {
		return market.Order{}, f.limitErr
	}
	o := market.Order{ID: f.nextID(), Symbol: symbol, Side: side, Type: market.OrderTypeLimit, Price: price, Quantity: qty, Status: market.StatusNew}
	f.placed = append(f.placed, placed{symbol: symbol, side: side, typ: market.OrderTypeLimit, price: price, qty: qty})
	f.md.mu.Lock()
	f.md.orders[o.ID] = o
	f.md.mu.Unlock()
	return o, nil
}

func (f *fakeCommand) PlaceMarketOrder(ctx context.Context, symbol string, qty float64, side market.Side) (market.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.marketErr != nil {
		return market.Order{}, f.marketErr
	}
	price := f.marketPrice[symbol]
	o := market.Order{ID: f.nextID(), Symbol: symbol, Side: side, Type: market.OrderTypeMarket, AvgPrice: price, Quantity: qty, Filled: qty, Status: market.StatusFilled}
	f.placed = append(f.placed, placed{symbol: symbol, side: side, typ: market.OrderTypeMarket, price: price, qty: qty})
	f.md.mu.Lock()
	f.md.orders[o.ID] = o
	f.md.mu.Unlock()
	return o, nil
}

func (f *fakeCommand) Cancel(ctx context.Context, orderID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return false, f.cancelErr
	}
	f.canceled = append(f.canceled, orderID)
	if f.cancelResult {
		f.md.mu.Lock()
		o := f.md.orders[orderID]
		o.Status = market.StatusCanceled
		f.md.orders[orderID] = o
		f.md.mu.Unlock()
	}
	return f.cancelResult, nil
}

func (f *fakeCommand) AmendOrderPrice(ctx context.Context, orderID string, qty, price float64) (market.Order, error) {
	return market.Order{ID: orderID, Price: price, Quantity: qty, Status: market.StatusNew}, nil
}

func (f *fakeCommand) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverage[symbol] = leverage
	return nil
}

func (f *fakeCommand) PlaceOrdersBulk(ctx context.Context, reqs []market.OrderRequest) ([]market.Order, error) {
	return nil, fmt.Errorf("bulk not supported in fake")
}

func (f *fakeCommand) placements() []placed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]placed(nil), f.placed...)
}

func (f *fakeCommand) lastID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("ord-%d", f.seq)
}
