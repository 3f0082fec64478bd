// Package metrics provides a Prometheus implementation of
// ftpfs.MetricsCollector.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gonzalop/ftpfs"
)

// Collector records engine metrics into a Prometheus registry.
type Collector struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	transferBytes    *prometheus.CounterVec
	transferDuration *prometheus.HistogramVec

	connectionEvents *prometheus.CounterVec
	lookupsTotal     *prometheus.CounterVec
}

var _ ftpfs.MetricsCollector = (*Collector)(nil)

// New registers the collector's metrics with reg under namespace. Use
// prometheus.DefaultRegisterer for the global registry.
func New(reg prometheus.Registerer, namespace string) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		operationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of filesystem operations",
			},
			[]string{"op", "success"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Filesystem operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		transferBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_bytes_total",
				Help:      "Total bytes moved over data connections",
			},
			[]string{"direction"},
		),
		transferDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transfer_duration_seconds",
				Help:      "Data transfer duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"direction"},
		),
		connectionEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_events_total",
				Help:      "Connection pool events",
			},
			[]string{"event"},
		),
		lookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lookups_total",
				Help:      "Attribute lookup decisions by tier",
			},
			[]string{"tier", "outcome"},
		),
	}
}

func (c *Collector) RecordOperation(op string, success bool, duration time.Duration) {
	c.operationsTotal.WithLabelValues(op, strconv.FormatBool(success)).Inc()
	c.operationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (c *Collector) RecordTransfer(direction string, bytes int64, duration time.Duration) {
	c.transferBytes.WithLabelValues(direction).Add(float64(bytes))
	c.transferDuration.WithLabelValues(direction).Observe(duration.Seconds())
}

func (c *Collector) RecordConnection(event string) {
	c.connectionEvents.WithLabelValues(event).Inc()
}

func (c *Collector) RecordLookup(tier, outcome string) {
	c.lookupsTotal.WithLabelValues(tier, outcome).Inc()
}

// Handler returns the HTTP handler for the metrics in g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
