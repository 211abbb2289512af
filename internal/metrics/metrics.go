package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

// GaugeVec hands out one gauge per strategy instance.
type GaugeVec interface {
	With(instance string) Gauge
}

type Metrics struct {
	OrdersPlaced     Counter
	OrdersFailed     Counter
	OrdersCanceled   Counter
	OrderRetries     Counter
	TransientQueries Counter
	TradingFaults    Counter
	CycleFailures    Counter
	RoundsCompleted  Counter
	FeatureVectors   Counter
	FeatureFaults    Counter
	Profit           GaugeVec
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func (noopGauge) With(string) Gauge { return noopGauge{} }

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersPlaced:     n,
		OrdersFailed:     n,
		OrdersCanceled:   n,
		OrderRetries:     n,
		TransientQueries: n,
		TradingFaults:    n,
		CycleFailures:    n,
		RoundsCompleted:  n,
		FeatureVectors:   n,
		FeatureFaults:    n,
		Profit:           noopGauge{},
	}
}
