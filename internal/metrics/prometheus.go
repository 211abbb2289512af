package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "mm_hedge_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGaugeVec struct {
	vec *prometheus.GaugeVec
}

func (p promGaugeVec) With(instance string) Gauge {
	return p.vec.WithLabelValues(instance)
}

type Prometheus struct {
	Metrics *Metrics

	registry         *prometheus.Registry
	ordersPlaced     prometheus.Counter
	ordersFailed     prometheus.Counter
	ordersCanceled   prometheus.Counter
	orderRetries     prometheus.Counter
	transientQueries prometheus.Counter
	tradingFaults    prometheus.Counter
	cycleFailures    prometheus.Counter
	roundsCompleted  prometheus.Counter
	featureVectors   prometheus.Counter
	featureFaults    prometheus.Counter
	profit           *prometheus.GaugeVec
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	p := &Prometheus{
		registry:         registry,
		ordersPlaced:     newCounter("orders_placed_total", "Total number of orders placed."),
		ordersFailed:     newCounter("orders_failed_total", "Total number of order placement failures."),
		ordersCanceled:   newCounter("orders_canceled_total", "Total number of successful cancels."),
		orderRetries:     newCounter("order_retries_total", "Total number of retried exchange requests."),
		transientQueries: newCounter("transient_queries_total", "Total number of cycles aborted by transient order lookups."),
		tradingFaults:    newCounter("trading_faults_total", "Total number of cycles abandoned on exchange faults."),
		cycleFailures:    newCounter("cycle_failures_total", "Total number of strategy cycles failing with unexpected errors or panics."),
		roundsCompleted:  newCounter("rounds_completed_total", "Total number of completed maker/hedge rounds."),
		featureVectors:   newCounter("feature_vectors_total", "Total number of extracted feature vectors."),
		featureFaults:    newCounter("feature_faults_total", "Total number of rejected feature extraction inputs."),
		profit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "realized_profit",
			Help:      "Accumulated realized profit per strategy instance.",
		}, []string{"instance"}),
	}

	registry.MustRegister(
		p.ordersPlaced,
		p.ordersFailed,
		p.ordersCanceled,
		p.orderRetries,
		p.transientQueries,
		p.tradingFaults,
		p.cycleFailures,
		p.roundsCompleted,
		p.featureVectors,
		p.featureFaults,
		p.profit,
	)

	p.Metrics = &Metrics{
		OrdersPlaced:     promCounter{p.ordersPlaced},
		OrdersFailed:     promCounter{p.ordersFailed},
		OrdersCanceled:   promCounter{p.ordersCanceled},
		OrderRetries:     promCounter{p.orderRetries},
		TransientQueries: promCounter{p.transientQueries},
		TradingFaults:    promCounter{p.tradingFaults},
		CycleFailures:    promCounter{p.cycleFailures},
		RoundsCompleted:  promCounter{p.roundsCompleted},
		FeatureVectors:   promCounter{p.featureVectors},
		FeatureFaults:    promCounter{p.featureFaults},
		Profit:           promGaugeVec{p.profit},
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
