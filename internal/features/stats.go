package features

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// varianceFloor matches the cutoff below which higher moments are reported
// as zero instead of dividing by a vanishing deviation.
const varianceFloor = 1e-19

type Stats struct {
	Mean float64
	Std  float64
	Var  float64
	Skew float64
	Kurt float64
}

// Describe summarizes a series. Std is the sample standard deviation, Var the
// population variance; Skew and Kurt are bias corrected (Kurt is excess
// kurtosis) and are NaN when the series is too short to define them.
func Describe(x []float64) Stats {
	n := len(x)
	if n == 0 {
		nan := math.NaN()
		return Stats{Mean: nan, Std: nan, Var: nan, Skew: nan, Kurt: nan}
	}
	s := Stats{
		Mean: stat.Mean(x, nil),
		Var:  stat.PopVariance(x, nil),
	}
	if n == 1 {
		s.Std = 0
	} else {
		s.Std = stat.StdDev(x, nil)
	}
	sampleVar := s.Std * s.Std

	switch {
	case n < 3:
		s.Skew = math.NaN()
	case sampleVar < varianceFloor:
		s.Skew = 0
	default:
		s.Skew = stat.Skew(x, nil)
	}
	switch {
	case n < 4:
		s.Kurt = math.NaN()
	case sampleVar < varianceFloor:
		s.Kurt = 0
	default:
		s.Kurt = stat.ExKurtosis(x, nil)
	}
	return s
}
