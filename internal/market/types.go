package market

import (
	"errors"
	"time"
)

type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderType string

const (
	OrderTypeLimit  OrderType = "Limit"
	OrderTypeMarket OrderType = "Market"
)

type OrderStatus string

const (
	StatusNew             OrderStatus = "New"
	StatusPartiallyFilled OrderStatus = "PartiallyFilled"
	StatusFilled          OrderStatus = "Filled"
	StatusCanceled        OrderStatus = "Canceled"
	StatusRejected        OrderStatus = "Rejected"
	StatusUnknown         OrderStatus = "Unknown"
)

// ErrQueryTransient marks an order or book lookup that failed for a reason
// expected to clear by the next poll (order not yet visible, stream gap).
var ErrQueryTransient = errors.New("transient market data query failure")

type PriceLevel struct {
	Price float64
	Size  float64
}

// BookSnapshot is a point-in-time L2 view. Bids are sorted by descending
// price, asks by ascending price.
type BookSnapshot struct {
	Symbol    string
	Time      time.Time
	Bids      []PriceLevel
	Asks      []PriceLevel
	imbalance float64
}

func NewBookSnapshot(symbol string, ts time.Time, bids, asks []PriceLevel) BookSnapshot {
	return BookSnapshot{
		Symbol:    symbol,
		Time:      ts,
		Bids:      bids,
		Asks:      asks,
		imbalance: computeImbalance(bids, asks),
	}
}

// Imbalance returns (bidSize-askSize)/(bidSize+askSize) over the snapshot depth.
func (b BookSnapshot) Imbalance() float64 {
	return b.imbalance
}

func (b BookSnapshot) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

func (b BookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// Depth returns the number of levels available on the thinner side.
func (b BookSnapshot) Depth() int {
	if len(b.Bids) < len(b.Asks) {
		return len(b.Bids)
	}
	return len(b.Asks)
}

func (b BookSnapshot) Mid() float64 {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return 0
	}
	return (bid.Price + ask.Price) / 2
}

func computeImbalance(bids, asks []PriceLevel) float64 {
	var bidSize, askSize float64
	for _, lvl := range bids {
		bidSize += lvl.Size
	}
	for _, lvl := range asks {
		askSize += lvl.Size
	}
	total := bidSize + askSize
	if total == 0 {
		return 0
	}
	return (bidSize - askSize) / total
}

type Order struct {
	ID       string
	ClientID string
	Symbol   string
	Side     Side
	Type     OrderType
	Price    float64
	AvgPrice float64
	Quantity float64
	Filled   float64
	Status   OrderStatus
	Updated  time.Time
}

// FillPrice prefers the average execution price, which is the only price a
// market order carries.
func (o Order) FillPrice() float64 {
	if o.AvgPrice > 0 {
		return o.AvgPrice
	}
	return o.Price
}

func (o Order) IsFilled() bool {
	return o.Status == StatusFilled
}

func (o Order) IsOpen() bool {
	return o.Status == StatusNew || o.Status == StatusPartiallyFilled
}

type OrderRequest struct {
	Symbol   string
	Side     Side
	Type     OrderType
	Price    float64
	Quantity float64
	PostOnly bool
	ClientID string
}

func ParseSide(raw string) Side {
	switch raw {
	case "Buy", "buy", "BUY", "B":
		return SideBuy
	case "Sell", "sell", "SELL", "S":
		return SideSell
	}
	return ""
}

func ParseOrderStatus(raw string) OrderStatus {
	switch OrderStatus(raw) {
	case StatusNew, StatusPartiallyFilled, StatusFilled, StatusCanceled, StatusRejected:
		return OrderStatus(raw)
	}
	return StatusUnknown
}
