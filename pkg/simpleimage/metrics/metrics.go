// Package metrics records pipeline and HTTP metrics with Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tendant/simple-image/pkg/simpleimage/batch"
)

const namespace = "simpleimage"

// Metrics holds the collectors. It satisfies publisher.Observer and batch.Observer.
type Metrics struct {
	PublishTotal        *prometheus.CounterVec
	PublishDuration     *prometheus.HistogramVec
	ItemsTotal          *prometheus.CounterVec
	ItemDuration        *prometheus.HistogramVec
	BatchSize           prometheus.Histogram
	BatchDuration       prometheus.Histogram
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers the collectors with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		PublishTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_total",
				Help:      "Total number of object uploads.",
			},
			[]string{"outcome"},
		),
		PublishDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "publish_duration_seconds",
				Help:      "Duration of object uploads.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		ItemsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_items_total",
				Help:      "Total number of processed uploads by final state.",
			},
			[]string{"state", "failed_at"},
		),
		ItemDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_item_duration_seconds",
				Help:      "Duration of processing one upload.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"state"},
		),
		BatchSize: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_size",
				Help:      "Number of uploads per batch.",
				Buckets:   []float64{1, 2, 5, 10, 20, 50},
			},
		),
		BatchDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Duration of whole batches.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
		),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}
}

// ObservePublish records one upload.
func (m *Metrics) ObservePublish(outcome string, d time.Duration) {
	m.PublishTotal.WithLabelValues(outcome).Inc()
	m.PublishDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveItem records one finished batch item.
func (m *Metrics) ObserveItem(item batch.ItemResult, d time.Duration) {
	m.ItemsTotal.WithLabelValues(string(item.State), string(item.FailedAt)).Inc()
	m.ItemDuration.WithLabelValues(string(item.State)).Observe(d.Seconds())
}

// ObserveBatch records one finished batch.
func (m *Metrics) ObserveBatch(size int, d time.Duration) {
	m.BatchSize.Observe(float64(size))
	m.BatchDuration.Observe(d.Seconds())
}

// Middleware records request counts and latencies labelled by route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		labels := []string{r.Method, route, strconv.Itoa(status)}
		m.HTTPRequestsTotal.WithLabelValues(labels...).Inc()
		m.HTTPRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
	})
}
