package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"mm-hedge-bot/internal/market"
	"mm-hedge-bot/internal/metrics"
	"mm-hedge-bot/internal/pricing"
)

type MakerHedgeConfig struct {
	Name      string
	Make      string
	Hedge     string
	Contracts int
	Leverage  float64
	Imbalance float64
}

func (c MakerHedgeConfig) Validate() error {
	if c.Name == "" {
		return errors.New("instance name is required")
	}
	if c.Make == "" || c.Hedge == "" {
		return fmt.Errorf("instance %s: make and hedge symbols are required", c.Name)
	}
	if c.Contracts <= 0 {
		return fmt.Errorf("instance %s: contracts must be > 0", c.Name)
	}
	if c.Imbalance < 0 || c.Imbalance > 1 {
		return fmt.Errorf("instance %s: imbalance must be within [0,1]", c.Name)
	}
	return nil
}

// MakerHedge quotes both sides of the make instrument and neutralizes each
// captured leg on the hedge instrument. One PollOnce call is one cycle.
type MakerHedge struct {
	cfg     MakerHedgeConfig
	pricing pricing.Params
	cmd     CommandPort
	md      MarketDataPort
	log     *zap.Logger
	metrics *metrics.Metrics
	onRound func(RoundResult)

	mu     sync.Mutex
	st     round
	profit float64
	rounds int
}

type MakerHedgeOption func(*MakerHedge)

func WithLogger(log *zap.Logger) MakerHedgeOption {
	return func(m *MakerHedge) {
		if log != nil {
			m.log = log
		}
	}
}

func WithMetrics(mt *metrics.Metrics) MakerHedgeOption {
	return func(m *MakerHedge) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// WithRoundHandler is invoked after a round completes, outside the cycle lock.
func WithRoundHandler(fn func(RoundResult)) MakerHedgeOption {
	return func(m *MakerHedge) {
		m.onRound = fn
	}
}

func NewMakerHedge(cfg MakerHedgeConfig, params pricing.Params, cmd CommandPort, md MarketDataPort, opts ...MakerHedgeOption) (*MakerHedge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if cmd == nil || md == nil {
		return nil, errors.New("command and market data ports are required")
	}
	m := &MakerHedge{
		cfg:     cfg,
		pricing: params,
		cmd:     cmd,
		md:      md,
		log:     zap.NewNop(),
		metrics: metrics.NewNoop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(zap.String("instance", cfg.Name), zap.String("make", cfg.Make), zap.String("hedge", cfg.Hedge))
	return m, nil
}

func (m *MakerHedge) Name() string {
	return m.cfg.Name
}

func (m *MakerHedge) Config() MakerHedgeConfig {
	return m.cfg
}

// Setup applies the configured leverage to both instruments.
func (m *MakerHedge) Setup(ctx context.Context) error {
	if m.cfg.Leverage <= 0 {
		return nil
	}
	for _, symbol := range []string{m.cfg.Make, m.cfg.Hedge} {
		if err := m.cmd.SetLeverage(ctx, symbol, m.cfg.Leverage); err != nil {
			return fmt.Errorf("set leverage %s: %w", symbol, err)
		}
	}
	return nil
}

// Reset clears slots, flags and position. Accumulated profit is kept.
func (m *MakerHedge) Reset() {
	m.mu.Lock()
	m.st = round{}
	m.mu.Unlock()
}

func (m *MakerHedge) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.st.view()
	s.Profit = m.profit
	s.Rounds = m.rounds
	return s
}

func (m *MakerHedge) PollOnce(ctx context.Context) error {
	m.mu.Lock()
	result, err := m.cycle(ctx)
	m.mu.Unlock()
	if result != nil {
		m.metrics.RoundsCompleted.Inc()
		m.metrics.Profit.With(m.cfg.Name).Set(result.TotalProfit)
		if m.onRound != nil {
			m.onRound(*result)
		}
	}
	return err
}

func (m *MakerHedge) cycle(ctx context.Context) (*RoundResult, error) {
	book, err := m.md.OrderBookL2(ctx, m.cfg.Make)
	if err != nil {
		return nil, m.classify("order book", err)
	}
	bestBid, okBid := book.BestBid()
	bestAsk, okAsk := book.BestAsk()
	if !okBid || !okAsk {
		return nil, fmt.Errorf("%s: %w", m.cfg.Make, ErrEmptyBook)
	}
	imbalance := book.Imbalance()
	qty := float64(m.cfg.Contracts)

	switch {
	case m.st.bid.order == nil && imbalance < -m.cfg.Imbalance:
		order, err := m.cmd.PlaceLimitOrder(ctx, m.cfg.Make, bestBid.Price, qty, market.SideBuy)
		if err != nil {
			return nil, m.classify("place bid", err)
		}
		m.st.bid = makerLeg{order: &order}
		m.log.Info("bid placed", zap.String("order_id", order.ID), zap.Float64("price", bestBid.Price), zap.Float64("imbalance", imbalance))
	case m.st.ask.order == nil && imbalance > m.cfg.Imbalance:
		order, err := m.cmd.PlaceLimitOrder(ctx, m.cfg.Make, bestAsk.Price, qty, market.SideSell)
		if err != nil {
			return nil, m.classify("place ask", err)
		}
		m.st.ask = makerLeg{order: &order}
		m.log.Info("ask placed", zap.String("order_id", order.ID), zap.Float64("price", bestAsk.Price), zap.Float64("imbalance", imbalance))
	case m.st.bid.order != nil && !m.st.bid.filled:
		if err := m.checkBid(ctx, bestBid.Price); err != nil {
			return nil, err
		}
	case m.st.ask.order != nil && !m.st.ask.filled:
		if err := m.checkAsk(ctx, bestAsk.Price); err != nil {
			return nil, err
		}
	}

	if !m.st.bothFilled() {
		return nil, nil
	}
	return m.hedgePhase(ctx)
}

func (m *MakerHedge) checkBid(ctx context.Context, bestBid float64) error {
	resting := *m.st.bid.order
	current, err := m.md.OrderByID(ctx, m.cfg.Make, resting.ID)
	if err != nil {
		return m.classify("query bid", err)
	}
	current = market.MergeOrder(resting, current)
	switch current.Status {
	case market.StatusFilled:
		if m.st.position != 0 {
			// Ask side already hedged at market; this fill flattens it.
			m.st.fillBid(current, m.cfg.Contracts)
			m.log.Info("bid filled, position flat", zap.String("order_id", current.ID))
			return nil
		}
		hedge, err := m.cmd.PlaceMarketOrder(ctx, m.cfg.Hedge, float64(m.cfg.Contracts), market.SideSell)
		if err != nil {
			return m.classify("market hedge sell", err)
		}
		m.st.hedgeWithMarket(hedgeMarketSell, hedge)
		m.st.fillBid(current, m.cfg.Contracts)
		m.log.Info("bid filled, hedged at market", zap.String("order_id", current.ID), zap.String("hedge_id", hedge.ID), zap.Float64("hedge_price", hedge.FillPrice()))
	case market.StatusNew:
		if bestBid > current.Price {
			return m.cancelLeg(ctx, &m.st.bid, "bid")
		}
	case market.StatusCanceled, market.StatusRejected:
		m.st.bid = makerLeg{}
		m.log.Warn("bid closed without fill", zap.String("order_id", current.ID), zap.String("status", string(current.Status)))
	}
	return nil
}

func (m *MakerHedge) checkAsk(ctx context.Context, bestAsk float64) error {
	resting := *m.st.ask.order
	current, err := m.md.OrderByID(ctx, m.cfg.Make, resting.ID)
	if err != nil {
		return m.classify("query ask", err)
	}
	current = market.MergeOrder(resting, current)
	switch current.Status {
	case market.StatusFilled:
		if m.st.position != 0 {
			m.st.fillAsk(current, m.cfg.Contracts)
			m.log.Info("ask filled, position flat", zap.String("order_id", current.ID))
			return nil
		}
		hedge, err := m.cmd.PlaceMarketOrder(ctx, m.cfg.Hedge, float64(m.cfg.Contracts), market.SideBuy)
		if err != nil {
			return m.classify("market hedge buy", err)
		}
		m.st.hedgeWithMarket(hedgeMarketBuy, hedge)
		m.st.fillAsk(current, m.cfg.Contracts)
		m.log.Info("ask filled, hedged at market", zap.String("order_id", current.ID), zap.String("hedge_id", hedge.ID), zap.Float64("hedge_price", hedge.FillPrice()))
	case market.StatusNew:
		if bestAsk < current.Price {
			return m.cancelLeg(ctx, &m.st.ask, "ask")
		}
	case market.StatusCanceled, market.StatusRejected:
		m.st.ask = makerLeg{}
		m.log.Warn("ask closed without fill", zap.String("order_id", current.ID), zap.String("status", string(current.Status)))
	}
	return nil
}

func (m *MakerHedge) cancelLeg(ctx context.Context, leg *makerLeg, name string) error {
	id := leg.order.ID
	ok, err := m.cmd.Cancel(ctx, id)
	if err != nil {
		return m.classify("cancel "+name, err)
	}
	if ok {
		*leg = makerLeg{}
		m.log.Info(name+" canceled after adverse move", zap.String("order_id", id))
	}
	return nil
}

func (m *MakerHedge) hedgePhase(ctx context.Context) (*RoundResult, error) {
	bidPrice := m.st.bid.order.Price
	askPrice := m.st.ask.order.Price
	c := float64(m.cfg.Contracts)

	if m.st.hedge.limit == nil {
		marketPrice, ok, err := m.marketFillPrice(ctx)
		if err != nil || !ok {
			return nil, err
		}
		var (
			price float64
			side  market.Side
		)
		switch m.st.hedge.kind {
		case hedgeMarketSell:
			price = m.pricing.LimitHedgeBuyPrice(c, bidPrice, askPrice, marketPrice)
			side = market.SideBuy
		case hedgeMarketBuy:
			price = m.pricing.LimitHedgeSellPrice(c, bidPrice, askPrice, marketPrice)
			side = market.SideSell
		default:
			return nil, errors.New("both maker legs filled without a market hedge")
		}
		order, err := m.cmd.PlaceLimitOrder(ctx, m.cfg.Hedge, price, c, side)
		if err != nil {
			return nil, m.classify("place limit hedge", err)
		}
		m.st.hedge.limit = &order
		m.log.Info("limit hedge placed", zap.String("side", string(side)), zap.Float64("price", price), zap.String("order_id", order.ID))
		return nil, nil
	}

	limit, err := m.md.OrderByID(ctx, m.cfg.Hedge, m.st.hedge.limit.ID)
	if err != nil {
		return nil, m.classify("query limit hedge", err)
	}
	limit = market.MergeOrder(*m.st.hedge.limit, limit)
	if limit.Status != market.StatusFilled {
		if !limit.IsOpen() && !m.st.hedge.stalled {
			m.st.hedge.stalled = true
			m.log.Warn("limit hedge closed unfilled, round is waiting for a manual reset",
				zap.String("order_id", limit.ID), zap.String("status", string(limit.Status)), zap.Float64("filled", limit.Filled))
		}
		return nil, nil
	}

	marketPrice := m.st.hedge.market.FillPrice()
	result := RoundResult{
		Instance: m.cfg.Name,
		BidPrice: bidPrice,
		AskPrice: askPrice,
	}
	if m.st.hedge.kind == hedgeMarketBuy {
		result.MarketSide = market.SideBuy
		result.HedgeBuy = marketPrice
		result.HedgeSell = limit.FillPrice()
		result.Profit = m.pricing.ProfitWithMarketBuy(c, bidPrice, askPrice, result.HedgeBuy, result.HedgeSell)
	} else {
		result.MarketSide = market.SideSell
		result.HedgeBuy = limit.FillPrice()
		result.HedgeSell = marketPrice
		result.Profit = m.pricing.ProfitWithMarketSell(c, bidPrice, askPrice, result.HedgeBuy, result.HedgeSell)
	}
	m.profit += result.Profit
	m.rounds++
	result.TotalProfit = m.profit
	result.Round = m.rounds
	m.st = round{}
	m.log.Info("round complete", zap.Float64("profit", result.Profit), zap.Float64("total_profit", m.profit), zap.Int("round", m.rounds))
	return &result, nil
}

// marketFillPrice returns the executed price of the market hedge, refreshing
// it from the exchange when the placement response carried no fill price.
func (m *MakerHedge) marketFillPrice(ctx context.Context) (float64, bool, error) {
	if price := m.st.hedge.market.FillPrice(); price > 0 {
		return price, true, nil
	}
	current, err := m.md.OrderByID(ctx, m.cfg.Hedge, m.st.hedge.market.ID)
	if err != nil {
		return 0, false, m.classify("query market hedge", err)
	}
	current = market.MergeOrder(m.st.hedge.market, current)
	if current.FillPrice() <= 0 {
		m.metrics.TransientQueries.Inc()
		return 0, false, nil
	}
	m.st.hedge.market = current
	return current.FillPrice(), true, nil
}

// classify maps port errors onto the cycle outcome. Transient lookups abort
// quietly, exchange errors become trading faults, context errors propagate.
func (m *MakerHedge) classify(action string, err error) error {
	switch {
	case errors.Is(err, market.ErrQueryTransient):
		m.metrics.TransientQueries.Inc()
		m.log.Debug("transient query failure", zap.String("action", action), zap.Error(err))
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		m.metrics.TradingFaults.Inc()
		m.log.Warn("exchange request failed", zap.String("action", action), zap.Error(err))
		return fmt.Errorf("%s: %w: %w", action, ErrTradingFault, err)
	}
}
