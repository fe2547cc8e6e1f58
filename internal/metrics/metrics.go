// Package metrics holds the Prometheus collectors for dispatch, the ledger and
// reconciliation. Collectors live on their own registry so tests can build
// fresh instances.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "batchgen"

// Collector groups every metric the service exports. A nil *Collector is valid
// and records nothing.
type Collector struct {
	registry *prometheus.Registry

	rowsDispatched      prometheus.Counter
	rowsSettled         *prometheus.CounterVec
	creditsCharged      prometheus.Counter
	creditsRefunded     prometheus.Counter
	ledgerReplays       *prometheus.CounterVec
	providerStartErrors prometheus.Counter
	providerInFlight    prometheus.Gauge
	providerStartTime   prometheus.Histogram
	jobsClaimed         prometheus.Counter
	sweepRows           prometheus.Histogram
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
}

func New() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.rowsDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "rows_dispatched_total",
		Help: "Rows handed to the generation provider.",
	})
	c.rowsSettled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "rows_settled_total",
		Help: "Rows that reached a terminal state, by outcome and error code.",
	}, []string{"outcome", "code"})
	c.creditsCharged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "credits_charged_total",
		Help: "Credits debited for row generations.",
	})
	c.creditsRefunded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "credits_refunded_total",
		Help: "Credits returned for failed generations.",
	})
	c.ledgerReplays = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "ledger_replays_total",
		Help: "Ledger calls answered from an existing reference.",
	}, []string{"type"})
	c.providerStartErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "provider_start_failures_total",
		Help: "Provider task submissions that failed.",
	})
	c.providerInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "provider_start_in_flight",
		Help: "Provider task submissions currently awaiting a response.",
	})
	c.providerStartTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "provider_start_seconds",
		Help:    "Latency of provider task submission.",
		Buckets: prometheus.DefBuckets,
	})
	c.jobsClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "jobs_claimed_total",
		Help: "Batch jobs claimed by a worker.",
	})
	c.sweepRows = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "reconcile_sweep_rows",
		Help:    "Generating rows examined per reconciliation sweep.",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
	})
	c.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"method", "route", "status"})
	c.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	c.registry.MustRegister(
		c.rowsDispatched, c.rowsSettled, c.creditsCharged, c.creditsRefunded,
		c.ledgerReplays, c.providerStartErrors, c.providerInFlight, c.providerStartTime,
		c.jobsClaimed, c.sweepRows, c.httpRequests, c.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) RowDispatched() {
	if c == nil {
		return
	}
	c.rowsDispatched.Inc()
}

func (c *Collector) RowSettled(outcome, code string) {
	if c == nil {
		return
	}
	if code == "" {
		code = "none"
	}
	c.rowsSettled.WithLabelValues(outcome, code).Inc()
}

func (c *Collector) CreditsCharged(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.creditsCharged.Add(float64(n))
}

func (c *Collector) CreditsRefunded(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.creditsRefunded.Add(float64(n))
}

func (c *Collector) LedgerReplay(typ string) {
	if c == nil {
		return
	}
	c.ledgerReplays.WithLabelValues(typ).Inc()
}

func (c *Collector) JobClaimed() {
	if c == nil {
		return
	}
	c.jobsClaimed.Inc()
}

func (c *Collector) SweepExamined(n int) {
	if c == nil {
		return
	}
	c.sweepRows.Observe(float64(n))
}

// ProviderStart tracks one provider submission. Call the returned func with the
// submission error once it returns.
func (c *Collector) ProviderStart() func(err error) {
	if c == nil {
		return func(error) {}
	}
	start := time.Now()
	c.providerInFlight.Inc()
	return func(err error) {
		c.providerInFlight.Dec()
		c.providerStartTime.Observe(time.Since(start).Seconds())
		if err != nil {
			c.providerStartErrors.Inc()
		}
	}
}

// ObserveHTTP records one served request.
func (c *Collector) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
