// Package pricing holds the inverse-contract hedge pricing and profit
// arithmetic. All math is float64; the reciprocal terms nearly cancel, so
// callers must not reorder or substitute decimal types.
package pricing

import (
	"errors"
	"math"
)

const (
	DefaultFee    = 0.00075
	DefaultRebate = 0.00025
	DefaultTick   = 0.5
)

type Params struct {
	Fee    float64
	Rebate float64
	Tick   float64
}

func Defaults() Params {
	return Params{Fee: DefaultFee, Rebate: DefaultRebate, Tick: DefaultTick}
}

func (p Params) Validate() error {
	if p.Fee < 0 || p.Rebate < 0 {
		return errors.New("fee and rebate must be >= 0")
	}
	if p.Tick <= 0 {
		return errors.New("tick must be > 0")
	}
	return nil
}

// LimitHedgeBuyPrice is the limit price for the buy hedge once the sell
// hedge went to market at sell.
func (p Params) LimitHedgeBuyPrice(contracts, bid, ask, sell float64) float64 {
	return -roundHalfUp(limitHedgeBuyRaw(p, contracts, bid, ask, sell))
}

// LimitHedgeSellPrice is the limit price for the sell hedge once the buy
// hedge went to market at buy.
func (p Params) LimitHedgeSellPrice(contracts, bid, ask, buy float64) float64 {
	return roundHalfUp(limitHedgeSellRaw(p, contracts, bid, ask, buy))
}

func limitHedgeBuyRaw(p Params, contracts, bid, ask, sell float64) float64 {
	return contracts / (contracts*(1/bid-1/ask) - contracts/sell*(1+p.Fee))
}

func limitHedgeSellRaw(p Params, contracts, bid, ask, buy float64) float64 {
	return contracts / (contracts*(1/bid-1/ask) + contracts/buy*(1-p.Fee))
}

// ProfitWithMarketBuy is the realized profit of a round whose buy hedge was
// the taker leg and whose sell hedge rested as a limit.
func (p Params) ProfitWithMarketBuy(contracts, bid, ask, buy, sell float64) float64 {
	return contracts*(1/bid-1-ask+1/buy-1/sell) - contracts/buy*p.Fee + contracts*p.Rebate*(1/bid+1/ask+1/sell)
}

// ProfitWithMarketSell mirrors ProfitWithMarketBuy for a taker sell hedge.
func (p Params) ProfitWithMarketSell(contracts, bid, ask, buy, sell float64) float64 {
	return contracts*(1/bid-1-ask+1/buy-1/sell) - contracts/sell*p.Fee + contracts*p.Rebate*(1/bid+1/ask+1/buy)
}

// RoundPrice scales price by spread and snaps it to the tick grid. A value
// below its nearest integer becomes that integer; anything else, including
// an exact integer, moves up one tick.
func (p Params) RoundPrice(price, spread float64) float64 {
	v := price * spread
	r := roundHalfUp(v)
	if v < r {
		return r
	}
	return r + p.Tick
}

// roundHalfUp rounds ties toward positive infinity.
func roundHalfUp(x float64) float64 {
	return math.Floor(x + 0.5)
}
