// Package features turns a rolling window of order book snapshots into the
// flat named vector consumed by the scoring model.
package features

import (
	"errors"
	"fmt"
	"strconv"

	"mm-hedge-bot/internal/market"
)

const (
	// Levels is the book depth read from every snapshot.
	Levels         = 10
	DefaultHistory = 10
)

var (
	ErrHistoryLength     = errors.New("features: history length mismatch")
	ErrInsufficientDepth = errors.New("features: insufficient book depth")
)

type Vector map[string]float64

// Extractor builds vectors from exactly History snapshots, oldest first.
type Extractor struct {
	History int
}

// Extract uses the default history length.
func Extract(history []market.BookSnapshot) (Vector, error) {
	return Extractor{History: DefaultHistory}.Extract(history)
}

func (e Extractor) Extract(history []market.BookSnapshot) (Vector, error) {
	h := e.History
	if h <= 0 {
		h = DefaultHistory
	}
	if len(history) != h {
		return nil, fmt.Errorf("%w: got %d want %d", ErrHistoryLength, len(history), h)
	}
	for idx, snap := range history {
		if len(snap.Bids) < Levels || len(snap.Asks) < Levels {
			return nil, fmt.Errorf("%w: snapshot %d has %d bids %d asks", ErrInsufficientDepth, idx, len(snap.Bids), len(snap.Asks))
		}
	}

	out := make(Vector, KeyCount(h))
	levelFeatures(out, history[h-1])

	askP := make([]float64, h)
	bidP := make([]float64, h)
	askV := make([]float64, h)
	bidV := make([]float64, h)
	for idx, snap := range history {
		askP[idx] = snap.Asks[0].Price
		bidP[idx] = snap.Bids[0].Price
		askV[idx] = snap.Asks[0].Size
		bidV[idx] = snap.Bids[0].Size
	}
	for w := h - 1; w >= 2; w-- {
		from := h - w
		suffix := strconv.Itoa(w)
		putStats(out, "ask_p_roll_"+suffix, askP[from:])
		putStats(out, "bid_p_roll_"+suffix, bidP[from:])
		putStats(out, "ask_v_roll_"+suffix, askV[from:])
		putStats(out, "bid_v_roll_"+suffix, bidV[from:])
	}
	return out, nil
}

// KeyCount is the number of distinct keys produced for a history of h.
func KeyCount(h int) int {
	perLevel := 12 * Levels
	diffs := 4*(Levels-1) - 2
	rolling := 0
	if h > 2 {
		rolling = 4 * (h - 2) * 5
	}
	return perLevel + diffs + 6 + rolling
}

func levelFeatures(out Vector, snap market.BookSnapshot) {
	var askPriceSum, bidPriceSum, askVolSum, bidVolSum, spreadVolSum, spreadSum float64
	for i := 0; i < Levels; i++ {
		ask := snap.Asks[i]
		bid := snap.Bids[i]
		n := strconv.Itoa(i)
		out["ask_p_"+n] = ask.Price
		out["ask_vol_"+n] = ask.Size
		out["bid_p_"+n] = bid.Price
		out["bid_vol_"+n] = bid.Size

		spread := ask.Price - bid.Price
		spreadSum += spread
		out["spreed_"+n] = spread
		out["mid_p_"+n] = (ask.Price + bid.Price) / 2

		spreadVol := ask.Size - bid.Size
		spreadVolSum += spreadVol
		out["spreed_vol_"+n] = spreadVol
		out["vol_rate_"+n] = ask.Size / bid.Size
		out["sask_vol_rate_"+n] = spreadVol / ask.Size
		out["sbid_vol_rate_"+n] = spreadVol / bid.Size
		volSum := ask.Size + bid.Size
		out["ask_vol_rate_"+n] = ask.Size / volSum
		out["bid_vol_rate_"+n] = bid.Size / volSum

		askPriceSum += ask.Price
		bidPriceSum += bid.Price
		askVolSum += ask.Size
		bidVolSum += bid.Size
	}
	for k := 1; k < Levels; k++ {
		ks := strconv.Itoa(k)
		prev := strconv.Itoa(k - 1)
		out["ask_p_diff_"+ks+"_0"] = snap.Asks[k].Price - snap.Asks[0].Price
		out["bid_p_diff_"+ks+"_0"] = snap.Bids[k].Price - snap.Bids[0].Price
		out["ask_p_diff_"+ks+"_"+prev] = snap.Asks[k].Price - snap.Asks[k-1].Price
		out["bid_p_diff_"+ks+"_"+prev] = snap.Bids[k].Price - snap.Bids[k-1].Price
	}
	out["ask_p_mean"] = askPriceSum / Levels
	out["bid_p_mean"] = bidPriceSum / Levels
	out["ask_vol_mean"] = askVolSum / Levels
	out["bid_vol_mean"] = bidVolSum / Levels
	out["accum_spreed_vol"] = spreadVolSum
	out["accum_spreed"] = spreadSum
}

func putStats(out Vector, prefix string, series []float64) {
	s := Describe(series)
	out[prefix+"_mean"] = s.Mean
	out[prefix+"_std"] = s.Std
	out[prefix+"_var"] = s.Var
	out[prefix+"_skew"] = s.Skew
	out[prefix+"_kurt"] = s.Kurt
}
