package features

import (
	"encoding/json"
	"math"
)

// MarshalJSON writes non-finite values as null; short rolling windows leave
// NaN skew and kurtosis.
func (v Vector) MarshalJSON() ([]byte, error) {
	out := make(map[string]*float64, len(v))
	for k, val := range v {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			out[k] = nil
			continue
		}
		x := val
		out[k] = &x
	}
	return json.Marshal(out)
}
