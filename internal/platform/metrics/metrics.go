// Package metrics exposes the orchestrator's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/applaude-labs/applaude-go/internal/domain"
)

// Recorder owns a private registry so tests and multiple servers do not collide.
type Recorder struct {
	registry *prometheus.Registry

	runsCreated         *prometheus.CounterVec
	runTransitions      *prometheus.CounterVec
	transitionsRejected *prometheus.CounterVec
	billingEvents       *prometheus.CounterVec
	reaperFailed        prometheus.Counter
	subscriptions       prometheus.Gauge
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		runsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "applaude_runs_created_total",
			Help: "Runs created, by run type",
		}, []string{"run_type"}),
		runTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "applaude_run_transitions_total",
			Help: "Applied run status transitions",
		}, []string{"from", "to"}),
		transitionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "applaude_run_transitions_rejected_total",
			Help: "Rejected run status changes, by reason",
		}, []string{"reason"}),
		billingEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "applaude_billing_events_total",
			Help: "Billing webhook events, by type and outcome",
		}, []string{"event", "outcome"}),
		reaperFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "applaude_reaper_runs_failed_total",
			Help: "Stale runs moved to FAILED by the reaper",
		}),
		subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Name: "applaude_run_subscriptions",
			Help: "Open run status subscriptions",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "applaude_http_requests_total",
			Help: "HTTP requests, by route and status code",
		}, []string{"method", "route", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "applaude_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (r *Recorder) RunCreated(runType domain.RunType) {
	r.runsCreated.WithLabelValues(string(runType)).Inc()
}

func (r *Recorder) RunTransitioned(from, to domain.RunStatus) {
	r.runTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (r *Recorder) TransitionRejected(reason string) {
	r.transitionsRejected.WithLabelValues(reason).Inc()
}

func (r *Recorder) BillingEvent(event, outcome string) {
	r.billingEvents.WithLabelValues(event, outcome).Inc()
}

func (r *Recorder) ReaperFailed(n int) {
	if n > 0 {
		r.reaperFailed.Add(float64(n))
	}
}

// SubscriptionOpened returns the matching close func.
func (r *Recorder) SubscriptionOpened() func() {
	r.subscriptions.Inc()
	return r.subscriptions.Dec
}

// ObserveHTTP matches httpserver.Observer.
func (r *Recorder) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
