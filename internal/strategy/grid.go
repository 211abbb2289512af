package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"mm-hedge-bot/internal/market"
	"mm-hedge-bot/internal/metrics"
)

var gridCommission = decimal.RequireFromString("0.999")

type GridConfig struct {
	Name           string
	Symbol         string
	Quantity       float64
	GridRate       float64
	GridSize       int
	StopLoss       float64
	PricePrecision int32
}

func (c GridConfig) Validate() error {
	if c.Name == "" || c.Symbol == "" {
		return errors.New("grid name and symbol are required")
	}
	if c.Quantity <= 0 {
		return fmt.Errorf("grid %s: quantity must be > 0", c.Name)
	}
	if c.GridRate <= 1 {
		return fmt.Errorf("grid %s: grid_rate must be > 1", c.Name)
	}
	if c.GridSize <= 0 {
		return fmt.Errorf("grid %s: grid_size must be > 0", c.Name)
	}
	if c.PricePrecision < 0 {
		return fmt.Errorf("grid %s: price_precision must be >= 0", c.Name)
	}
	return nil
}

// Grid keeps a ladder of buys below and sells above the mid, nearest rung
// first. A fill on one side moves the farthest rung of the other side in.
type Grid struct {
	cfg     GridConfig
	rate    decimal.Decimal
	qty     decimal.Decimal
	cmd     CommandPort
	md      MarketDataPort
	log     *zap.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	bids      []market.Order
	asks      []market.Order
	inventory int
	profit    decimal.Decimal
	stopped   bool
}

type GridState struct {
	Bids      []market.Order
	Asks      []market.Order
	Inventory int
	Profit    float64
	Stopped   bool
}

func NewGrid(cfg GridConfig, cmd CommandPort, md MarketDataPort, log *zap.Logger, mt *metrics.Metrics) (*Grid, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cmd == nil || md == nil {
		return nil, errors.New("command and market data ports are required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if mt == nil {
		mt = metrics.NewNoop()
	}
	return &Grid{
		cfg:     cfg,
		rate:    decimal.NewFromFloat(cfg.GridRate),
		qty:     decimal.NewFromFloat(cfg.Quantity),
		cmd:     cmd,
		md:      md,
		log:     log.With(zap.String("instance", cfg.Name), zap.String("symbol", cfg.Symbol)),
		metrics: mt,
	}, nil
}

func (g *Grid) Name() string {
	return g.cfg.Name
}

// Reset forgets the ladders and inventory and re-enables trading. Resting
// exchange orders are not touched.
func (g *Grid) Reset() {
	g.mu.Lock()
	g.bids = nil
	g.asks = nil
	g.inventory = 0
	g.stopped = false
	g.mu.Unlock()
}

func (g *Grid) Snapshot() GridState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GridState{
		Bids:      append([]market.Order(nil), g.bids...),
		Asks:      append([]market.Order(nil), g.asks...),
		Inventory: g.inventory,
		Profit:    g.profit.InexactFloat64(),
		Stopped:   g.stopped,
	}
}

func (g *Grid) PollOnce(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	defer func() { g.metrics.Profit.With(g.cfg.Name).Set(g.profit.InexactFloat64()) }()

	if g.stopped {
		return g.unwind(ctx)
	}
	if len(g.bids) == 0 && len(g.asks) == 0 {
		return g.placeLadder(ctx)
	}
	if len(g.bids) > 0 {
		if err := g.checkBid(ctx); err != nil {
			return err
		}
	}
	if len(g.asks) > 0 {
		if err := g.checkAsk(ctx); err != nil {
			return err
		}
	}
	return g.stopLoss(ctx)
}

func (g *Grid) round(p decimal.Decimal) decimal.Decimal {
	return p.RoundBank(g.cfg.PricePrecision)
}

func (g *Grid) placeLadder(ctx context.Context) error {
	book, err := g.md.OrderBookL2(ctx, g.cfg.Symbol)
	if err != nil {
		return g.classify("order book", err)
	}
	mid := book.Mid()
	if mid <= 0 {
		return fmt.Errorf("%s: %w", g.cfg.Symbol, ErrEmptyBook)
	}
	base := g.round(decimal.NewFromFloat(mid))

	p := base
	for i := 0; i < g.cfg.GridSize; i++ {
		p = g.round(p.Div(g.rate))
		order, err := g.place(ctx, p, market.SideBuy)
		if err != nil {
			return err
		}
		g.bids = append(g.bids, order)
	}
	p = base
	for i := 0; i < g.cfg.GridSize; i++ {
		p = g.round(p.Mul(g.rate))
		order, err := g.place(ctx, p, market.SideSell)
		if err != nil {
			return err
		}
		g.asks = append(g.asks, order)
	}
	g.log.Info("grid placed", zap.Float64("mid", mid), zap.Int("bids", len(g.bids)), zap.Int("asks", len(g.asks)))
	return nil
}

func (g *Grid) place(ctx context.Context, price decimal.Decimal, side market.Side) (market.Order, error) {
	order, err := g.cmd.PlaceLimitOrder(ctx, g.cfg.Symbol, price.InexactFloat64(), g.cfg.Quantity, side)
	if err != nil {
		return market.Order{}, g.classify("place "+string(side), err)
	}
	return order, nil
}

func (g *Grid) checkBid(ctx context.Context) error {
	nearest := g.bids[0]
	current, err := g.md.OrderByID(ctx, g.cfg.Symbol, nearest.ID)
	if err != nil {
		return g.classify("query bid", err)
	}
	current = market.MergeOrder(nearest, current)
	if current.Status != market.StatusFilled {
		return nil
	}
	g.bids = g.bids[1:]
	g.inventory++
	g.profit = g.profit.Sub(g.notional(current).Mul(gridCommission))
	g.log.Info("grid buy filled", zap.String("order_id", current.ID), zap.Float64("price", current.FillPrice()), zap.Float64("profit", g.profit.InexactFloat64()))

	if len(g.asks) == 0 {
		return nil
	}
	farthest := g.asks[len(g.asks)-1]
	ok, err := g.cmd.Cancel(ctx, farthest.ID)
	if err != nil {
		return g.classify("cancel farthest ask", err)
	}
	if !ok {
		return nil
	}
	g.asks = g.asks[:len(g.asks)-1]
	anchor := farthest
	if len(g.asks) > 0 {
		anchor = g.asks[0]
	}
	price := g.round(decimal.NewFromFloat(anchor.Price).Div(g.rate))
	order, err := g.place(ctx, price, market.SideSell)
	if err != nil {
		g.log.Warn("cannot move ask in", zap.Error(err))
		return nil
	}
	g.asks = append([]market.Order{order}, g.asks...)
	return nil
}

func (g *Grid) checkAsk(ctx context.Context) error {
	nearest := g.asks[0]
	current, err := g.md.OrderByID(ctx, g.cfg.Symbol, nearest.ID)
	if err != nil {
		return g.classify("query ask", err)
	}
	current = market.MergeOrder(nearest, current)
	if current.Status != market.StatusFilled {
		return nil
	}
	g.asks = g.asks[1:]
	g.inventory--
	g.profit = g.profit.Add(g.notional(current).Mul(gridCommission))
	g.log.Info("grid sell filled", zap.String("order_id", current.ID), zap.Float64("price", current.FillPrice()), zap.Float64("profit", g.profit.InexactFloat64()))

	if len(g.bids) == 0 {
		return nil
	}
	farthest := g.bids[len(g.bids)-1]
	ok, err := g.cmd.Cancel(ctx, farthest.ID)
	if err != nil {
		return g.classify("cancel farthest bid", err)
	}
	if !ok {
		return nil
	}
	g.bids = g.bids[:len(g.bids)-1]
	anchor := farthest
	if len(g.bids) > 0 {
		anchor = g.bids[0]
	}
	price := g.round(decimal.NewFromFloat(anchor.Price).Mul(g.rate))
	order, err := g.place(ctx, price, market.SideBuy)
	if err != nil {
		g.log.Warn("cannot move bid in", zap.Error(err))
		return nil
	}
	g.bids = append([]market.Order{order}, g.bids...)
	return nil
}

// stopLoss liquidates once every bid has filled and the market has fallen
// far enough below the nearest ask.
func (g *Grid) stopLoss(ctx context.Context) error {
	if len(g.bids) != 0 || len(g.asks) == 0 {
		return nil
	}
	book, err := g.md.OrderBookL2(ctx, g.cfg.Symbol)
	if err != nil {
		return g.classify("order book", err)
	}
	bestAsk, ok := book.BestAsk()
	if !ok {
		return nil
	}
	lossErr := CheckStopLoss(g.asks[0].Price, bestAsk.Price, g.cfg.StopLoss)
	if lossErr == nil {
		return nil
	}
	g.log.Warn("stop loss", zap.Error(lossErr))
	g.stopped = true
	return g.unwind(ctx)
}

// unwind cancels the resting asks and market-sells the inventory. Each step
// only commits once the exchange accepts it, so a faulted cycle resumes here.
func (g *Grid) unwind(ctx context.Context) error {
	for len(g.asks) > 0 {
		ask := g.asks[0]
		if _, err := g.cmd.Cancel(ctx, ask.ID); err != nil {
			return g.classify("cancel ask on stop loss", err)
		}
		g.asks = g.asks[1:]
	}
	if g.inventory <= 0 {
		return nil
	}
	qty := g.qty.Mul(decimal.NewFromInt(int64(g.inventory)))
	order, err := g.cmd.PlaceMarketOrder(ctx, g.cfg.Symbol, qty.InexactFloat64(), market.SideSell)
	if err != nil {
		return g.classify("market sell on stop loss", err)
	}
	g.inventory = 0
	if order.Quantity == 0 {
		order.Quantity = qty.InexactFloat64()
	}
	g.profit = g.profit.Add(g.notional(order).Mul(gridCommission))
	g.log.Info("inventory liquidated", zap.String("order_id", order.ID), zap.Float64("qty", qty.InexactFloat64()), zap.Float64("profit", g.profit.InexactFloat64()))
	return nil
}

func (g *Grid) notional(o market.Order) decimal.Decimal {
	qty := o.Filled
	if qty == 0 {
		qty = o.Quantity
	}
	return decimal.NewFromFloat(o.FillPrice()).Mul(decimal.NewFromFloat(qty))
}

func (g *Grid) classify(action string, err error) error {
	switch {
	case errors.Is(err, market.ErrQueryTransient):
		g.metrics.TransientQueries.Inc()
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		g.metrics.TradingFaults.Inc()
		g.log.Warn("exchange request failed", zap.String("action", action), zap.Error(err))
		return fmt.Errorf("%s: %w: %w", action, ErrTradingFault, err)
	}
}
