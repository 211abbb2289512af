package strategy

import (
	"context"
	"errors"

	"mm-hedge-bot/internal/market"
)

// ErrTradingFault marks a cycle abandoned because the exchange rejected or
// failed a request. Slot state is unchanged when it is returned.
var ErrTradingFault = errors.New("trading fault")

var ErrEmptyBook = errors.New("order book has no best bid or ask")

type Phase string

const (
	PhaseIdle          Phase = "IDLE"
	PhaseMakerResting  Phase = "MAKER_RESTING"
	PhaseMakerFilled   Phase = "MAKER_FILLED"
	PhaseHedging       Phase = "HEDGING"
	PhaseRoundComplete Phase = "ROUND_COMPLETE"
)

// CommandPort issues orders on the exchange.
type CommandPort interface {
	PlaceLimitOrder(ctx context.Context, symbol string, price, qty float64, side market.Side) (market.Order, error)
	PlaceMarketOrder(ctx context.Context, symbol string, qty float64, side market.Side) (market.Order, error)
	// Cancel reports true only when the order was canceled before any fill.
	Cancel(ctx context.Context, orderID string) (bool, error)
	AmendOrderPrice(ctx context.Context, orderID string, qty, price float64) (market.Order, error)
	SetLeverage(ctx context.Context, symbol string, leverage float64) error
	PlaceOrdersBulk(ctx context.Context, reqs []market.OrderRequest) ([]market.Order, error)
}

// MarketDataPort reads books and order state. OrderByID wraps
// market.ErrQueryTransient when a lookup should simply be retried.
type MarketDataPort interface {
	OrderBookL2(ctx context.Context, symbol string) (market.BookSnapshot, error)
	OrderByID(ctx context.Context, symbol, orderID string) (market.Order, error)
}

// Strategy is one independently polled trading instance.
type Strategy interface {
	Name() string
	PollOnce(ctx context.Context) error
	Reset()
}

// RoundResult describes a completed maker/hedge round.
type RoundResult struct {
	Instance    string
	Round       int
	Profit      float64
	TotalProfit float64
	MarketSide  market.Side
	BidPrice    float64
	AskPrice    float64
	HedgeBuy    float64
	HedgeSell   float64
}
