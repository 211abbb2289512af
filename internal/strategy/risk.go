package strategy

import (
	"errors"
	"fmt"
)

var ErrStopLoss = errors.New("stop loss triggered")

// CheckStopLoss fails once the nearest resting ask sits at least threshold
// (as a fraction of the best ask) above the market.
func CheckStopLoss(nearestAsk, bestAsk, threshold float64) error {
	if threshold <= 0 || bestAsk <= 0 || nearestAsk <= 0 {
		return nil
	}
	drift := (nearestAsk - bestAsk) / bestAsk
	if drift >= threshold {
		return fmt.Errorf("nearest ask %.8f drifted %.4f above best ask %.8f: %w", nearestAsk, drift, bestAsk, ErrStopLoss)
	}
	return nil
}
