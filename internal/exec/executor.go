package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mm-hedge-bot/internal/market"
	"mm-hedge-bot/internal/metrics"
	"mm-hedge-bot/internal/state"
)

const (
	maxAttempts    = 5
	initialBackoff = 200 * time.Millisecond
	clientIDPrefix = "mmh-"
)

type RestClient interface {
	PlaceOrder(ctx context.Context, req market.OrderRequest) (market.Order, error)
	PlaceOrdersBulk(ctx context.Context, reqs []market.OrderRequest) ([]market.Order, error)
	CancelOrder(ctx context.Context, orderID string) (market.Order, error)
	AmendOrder(ctx context.Context, orderID string, qty, price float64) (market.Order, error)
	SetLeverage(ctx context.Context, symbol string, leverage float64) error
}

// OrderTracker is told about every order the executor creates so order
// lookups can be answered before the stream reports it.
type OrderTracker interface {
	Track(order market.Order)
}

type Options struct {
	Store   state.Store
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Tracker OrderTracker
	// RatePerSecond <= 0 disables the client-side limiter.
	RatePerSecond float64
	Burst         int
}

// Executor sends orders with retries, a client-side rate limit and
// idempotent client order ids.
type Executor struct {
	rest    RestClient
	store   state.Store
	log     *zap.Logger
	metrics *metrics.Metrics
	tracker OrderTracker
	limiter *rate.Limiter
	backoff time.Duration
	newID   func() string

	mu    sync.Mutex
	cache map[string]market.Order
}

func New(rest RestClient, opts Options) *Executor {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	mt := opts.Metrics
	if mt == nil {
		mt = metrics.NewNoop()
	}
	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return &Executor{
		rest:    rest,
		store:   opts.Store,
		log:     log,
		metrics: mt,
		tracker: opts.Tracker,
		limiter: limiter,
		backoff: initialBackoff,
		newID:   func() string { return clientIDPrefix + uuid.NewString() },
		cache:   make(map[string]market.Order),
	}
}

func (e *Executor) PlaceLimitOrder(ctx context.Context, symbol string, price, qty float64, side market.Side) (market.Order, error) {
	return e.PlaceOrder(ctx, market.OrderRequest{Symbol: symbol, Side: side, Type: market.OrderTypeLimit, Price: price, Quantity: qty})
}

func (e *Executor) PlaceMarketOrder(ctx context.Context, symbol string, qty float64, side market.Side) (market.Order, error) {
	return e.PlaceOrder(ctx, market.OrderRequest{Symbol: symbol, Side: side, Type: market.OrderTypeMarket, Quantity: qty})
}

// PlaceOrder assigns a client id when missing. A request carrying a caller
// supplied client id that was already placed returns the recorded order
// without another exchange call.
func (e *Executor) PlaceOrder(ctx context.Context, req market.OrderRequest) (market.Order, error) {
	supplied := req.ClientID != ""
	if !supplied {
		req.ClientID = e.newID()
	} else if order, ok, err := e.cached(ctx, req.ClientID); err != nil {
		return market.Order{}, err
	} else if ok {
		return order, nil
	}
	var order market.Order
	err := e.retry(ctx, "place order", func() error {
		var err error
		order, err = e.rest.PlaceOrder(ctx, req)
		return err
	})
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		return market.Order{}, err
	}
	if order.ID == "" {
		e.metrics.OrdersFailed.Inc()
		return market.Order{}, errors.New("empty order id")
	}
	e.metrics.OrdersPlaced.Inc()
	if supplied {
		e.remember(ctx, req.ClientID, order)
	} else {
		e.track(order)
	}
	return order, nil
}

func (e *Executor) PlaceOrdersBulk(ctx context.Context, reqs []market.OrderRequest) ([]market.Order, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	prepared := make([]market.OrderRequest, len(reqs))
	supplied := make([]bool, len(reqs))
	for i, req := range reqs {
		supplied[i] = req.ClientID != ""
		if !supplied[i] {
			req.ClientID = e.newID()
		}
		prepared[i] = req
	}
	var orders []market.Order
	err := e.retry(ctx, "place bulk", func() error {
		var err error
		orders, err = e.rest.PlaceOrdersBulk(ctx, prepared)
		return err
	})
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		return nil, err
	}
	for i, order := range orders {
		e.metrics.OrdersPlaced.Inc()
		if i < len(prepared) && supplied[i] {
			e.remember(ctx, prepared[i].ClientID, order)
		} else {
			e.track(order)
		}
	}
	return orders, nil
}

// MarketAndLimit sends a market order together with an opposite post-only
// limit order in one bulk request.
func (e *Executor) MarketAndLimit(ctx context.Context, symbol string, qty float64, marketSide market.Side, limitPrice float64) ([]market.Order, error) {
	return e.PlaceOrdersBulk(ctx, []market.OrderRequest{
		{Symbol: symbol, Side: marketSide, Type: market.OrderTypeMarket, Quantity: qty},
		{Symbol: symbol, Side: marketSide.Opposite(), Type: market.OrderTypeLimit, Quantity: qty, Price: limitPrice, PostOnly: true},
	})
}

// Cancel reports true only if the order ended canceled with nothing filled.
func (e *Executor) Cancel(ctx context.Context, orderID string) (bool, error) {
	var order market.Order
	err := e.retry(ctx, "cancel order", func() error {
		var err error
		order, err = e.rest.CancelOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return false, err
	}
	e.track(order)
	if order.ClientID != "" && !order.IsOpen() {
		e.forget(ctx, order.ClientID)
	}
	ok := order.Status == market.StatusCanceled && order.Filled == 0
	if ok {
		e.metrics.OrdersCanceled.Inc()
	}
	return ok, nil
}

func (e *Executor) AmendOrderPrice(ctx context.Context, orderID string, qty, price float64) (market.Order, error) {
	var order market.Order
	err := e.retry(ctx, "amend order", func() error {
		var err error
		order, err = e.rest.AmendOrder(ctx, orderID, qty, price)
		return err
	})
	if err != nil {
		return market.Order{}, err
	}
	e.track(order)
	return order, nil
}

func (e *Executor) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	return e.retry(ctx, "set leverage", func() error {
		return e.rest.SetLeverage(ctx, symbol, leverage)
	})
}

func cacheKey(clientID string) string {
	return "clordid:" + clientID
}

func (e *Executor) cached(ctx context.Context, clientID string) (market.Order, bool, error) {
	key := cacheKey(clientID)
	e.mu.Lock()
	if order, ok := e.cache[key]; ok {
		e.mu.Unlock()
		return order, true, nil
	}
	e.mu.Unlock()
	if e.store == nil {
		return market.Order{}, false, nil
	}
	raw, ok, err := e.store.Get(ctx, key)
	if err != nil || !ok {
		return market.Order{}, false, err
	}
	var order market.Order
	if err := json.Unmarshal([]byte(raw), &order); err != nil {
		return market.Order{}, false, fmt.Errorf("decode cached order %s: %w", clientID, err)
	}
	e.mu.Lock()
	e.cache[key] = order
	e.mu.Unlock()
	return order, true, nil
}

func (e *Executor) track(order market.Order) {
	if e.tracker != nil {
		e.tracker.Track(order)
	}
}

func (e *Executor) remember(ctx context.Context, clientID string, order market.Order) {
	e.track(order)
	key := cacheKey(clientID)
	e.mu.Lock()
	e.cache[key] = order
	e.mu.Unlock()
	if e.store == nil {
		return
	}
	payload, err := json.Marshal(order)
	if err != nil {
		return
	}
	if err := e.store.Set(ctx, key, string(payload)); err != nil {
		e.log.Warn("failed to persist order", zap.String("client_id", clientID), zap.Error(err))
	}
}

// forget drops a client id once its order can no longer change.
func (e *Executor) forget(ctx context.Context, clientID string) {
	if _, ok, err := e.cached(ctx, clientID); err != nil || !ok {
		return
	}
	key := cacheKey(clientID)
	e.mu.Lock()
	delete(e.cache, key)
	e.mu.Unlock()
	if e.store == nil {
		return
	}
	if err := e.store.Delete(ctx, key); err != nil {
		e.log.Warn("failed to drop cached order", zap.String("client_id", clientID), zap.Error(err))
	}
}

// retryable errors expose Retryable(); anything else that is not a context
// error is treated as a transport failure and retried.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

func (e *Executor) retry(ctx context.Context, op string, fn func() error) error {
	backoff := e.backoff
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			return fmt.Errorf("%s: retry failed: %w", op, err)
		}
		e.metrics.OrderRetries.Inc()
		e.log.Debug("retrying exchange request", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}
