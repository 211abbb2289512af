package strategy

import "mm-hedge-bot/internal/market"

type makerLeg struct {
	order  *market.Order
	filled bool
}

// hedgeKind records which hedge leg went to market. The other leg can only
// ever rest as a limit order, so both hedge legs can never be marked filled.
type hedgeKind int

const (
	hedgeNone hedgeKind = iota
	hedgeMarketBuy
	hedgeMarketSell
)

type hedgePair struct {
	kind   hedgeKind
	market market.Order
	limit  *market.Order
	// stalled is set once the limit leg closed without filling.
	stalled bool
}

// round is the per-instance tagged state: two maker legs, a hedge pair and the
// signed contract position left open by market hedges.
type round struct {
	bid      makerLeg
	ask      makerLeg
	hedge    hedgePair
	position int
}

func (r *round) fillBid(order market.Order, contracts int) {
	r.bid = makerLeg{order: &order, filled: true}
	r.position += contracts
}

func (r *round) fillAsk(order market.Order, contracts int) {
	r.ask = makerLeg{order: &order, filled: true}
	r.position -= contracts
}

func (r *round) hedgeWithMarket(kind hedgeKind, order market.Order) {
	r.hedge = hedgePair{kind: kind, market: order}
}

func (r *round) bothFilled() bool {
	return r.bid.filled && r.ask.filled
}

func (r *round) hedgeBuyOrder() *market.Order {
	switch r.hedge.kind {
	case hedgeMarketBuy:
		o := r.hedge.market
		return &o
	case hedgeMarketSell:
		return r.hedge.limit
	}
	return nil
}

func (r *round) hedgeSellOrder() *market.Order {
	switch r.hedge.kind {
	case hedgeMarketSell:
		o := r.hedge.market
		return &o
	case hedgeMarketBuy:
		return r.hedge.limit
	}
	return nil
}

func (r *round) phase() Phase {
	switch {
	case r.bid.order == nil && r.ask.order == nil && r.hedge.kind == hedgeNone:
		return PhaseIdle
	case r.bothFilled() && r.hedge.limit != nil:
		return PhaseHedging
	case r.bothFilled():
		return PhaseMakerFilled
	default:
		return PhaseMakerResting
	}
}

// State is a read-only view of an instance.
type State struct {
	Phase          Phase
	BidOrder       *market.Order
	AskOrder       *market.Order
	HedgeBuyOrder  *market.Order
	HedgeSellOrder *market.Order
	BidFilled      bool
	AskFilled      bool
	// HedgeBuyFilled and HedgeSellFilled are set for the leg hedged at market.
	HedgeBuyFilled  bool
	HedgeSellFilled bool
	HedgeStalled    bool
	Position        int
	Profit          float64
	Rounds          int
}

func (r *round) view() State {
	return State{
		Phase:           r.phase(),
		BidOrder:        copyOrder(r.bid.order),
		AskOrder:        copyOrder(r.ask.order),
		HedgeBuyOrder:   copyOrder(r.hedgeBuyOrder()),
		HedgeSellOrder:  copyOrder(r.hedgeSellOrder()),
		BidFilled:       r.bid.filled,
		AskFilled:       r.ask.filled,
		HedgeBuyFilled:  r.hedge.kind == hedgeMarketBuy,
		HedgeSellFilled: r.hedge.kind == hedgeMarketSell,
		HedgeStalled:    r.hedge.stalled,
		Position:        r.position,
	}
}

func copyOrder(o *market.Order) *market.Order {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}
