package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "grid_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	fillsProcessed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "fills_processed_total",
		Help:      "Total number of fill events reconciled.",
	})
	fillsDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "fills_dropped_total",
		Help:      "Total number of fill events dropped because the queue was full.",
	})
	ordersPlaced := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_placed_total",
		Help:      "Total number of grid orders placed.",
	})
	ordersCancelled := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_cancelled_total",
		Help:      "Total number of grid orders cancelled.",
	})
	orderFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "order_failures_total",
		Help:      "Total number of venue place/cancel rejections.",
	})
	imbalances := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "imbalances_total",
		Help:      "Total number of post-reconciliation window imbalances.",
	})
	reconnects := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "reconnects_total",
		Help:      "Total number of streaming session reconnects.",
	})
	passesAborted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "passes_aborted_total",
		Help:      "Total number of reconciliation passes aborted before the diff.",
	})

	registry.MustRegister(fillsProcessed, fillsDropped, ordersPlaced, ordersCancelled, orderFailures, imbalances, reconnects, passesAborted)

	return &Prometheus{
		Metrics: &Metrics{
			FillsProcessed:  promCounter{fillsProcessed},
			FillsDropped:    promCounter{fillsDropped},
			OrdersPlaced:    promCounter{ordersPlaced},
			OrdersCancelled: promCounter{ordersCancelled},
			OrderFailures:   promCounter{orderFailures},
			Imbalances:      promCounter{imbalances},
			Reconnects:      promCounter{reconnects},
			PassesAborted:   promCounter{passesAborted},
		},
		registry: registry,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
