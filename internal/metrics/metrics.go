// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dhikr"

var (
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "push",
		Name:      "deliveries_total",
		Help:      "Push deliveries by outcome.",
	}, []string{"outcome"})

	Ticks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reminder",
		Name:      "ticks_total",
		Help:      "Scheduler ticks run.",
	})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "reminder",
		Name:      "tick_duration_seconds",
		Help:      "Wall time of one scheduler tick.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	Eligible = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "reminder",
		Name:      "eligible",
		Help:      "Subscribers found eligible in the last tick.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
