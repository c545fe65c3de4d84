// v1
// internal/metrics/metrics.go
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nrgchamp/growcontrol/internal/circuitbreaker"
	"nrgchamp/growcontrol/internal/models"
)

// Metrics is the Prometheus sink of the service. A nil *Metrics is a no-op.
type Metrics struct {
	reg *prometheus.Registry

	corrections   *prometheus.CounterVec
	errors        *prometheus.CounterVec
	pidOutput     *prometheus.GaugeVec
	zoneDuration  prometheus.Histogram
	cycleDuration prometheus.Histogram
	concurrency   prometheus.Gauge
	cycleZones    *prometheus.GaugeVec
	cbState       *prometheus.GaugeVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		corrections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "growcontrol_corrections_total",
			Help: "Correction cycle outcomes by type.",
		}, []string{"type", "outcome"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "growcontrol_errors_total",
			Help: "Errors by kind and zone.",
		}, []string{"kind", "zone"}),
		pidOutput: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "growcontrol_pid_output",
			Help: "Last PID output per zone and type.",
		}, []string{"zone", "type"}),
		zoneDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "growcontrol_zone_processing_seconds",
			Help:    "Per-zone processing time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 30, 60, 120},
		}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "growcontrol_cycle_seconds",
			Help:    "Full correction cycle time.",
			Buckets: prometheus.DefBuckets,
		}),
		concurrency: f.NewGauge(prometheus.GaugeOpts{
			Name: "growcontrol_concurrency",
			Help: "Current zone concurrency limit.",
		}),
		cycleZones: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "growcontrol_cycle_zones",
			Help: "Zones in the last cycle by result.",
		}, []string{"result"}),
		cbState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "growcontrol_cb_state",
			Help: "Circuit breaker state gauge (0 closed, 1 half, 2 open).",
		}, []string{"target"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveOutcome counts one correction decision.
func (m *Metrics) ObserveOutcome(ct models.CorrectionType, outcome string) {
	if m == nil {
		return
	}
	m.corrections.WithLabelValues(string(ct), outcome).Inc()
}

// ObservePIDOutput records the last output of a controller.
func (m *Metrics) ObservePIDOutput(zoneID int64, ct models.CorrectionType, output float64) {
	if m == nil {
		return
	}
	m.pidOutput.WithLabelValues(zoneLabel(zoneID), string(ct)).Set(output)
}

// ForgetZone drops per-zone series of an evicted zone.
func (m *Metrics) ForgetZone(zoneID int64, ct models.CorrectionType) {
	if m == nil {
		return
	}
	m.pidOutput.DeleteLabelValues(zoneLabel(zoneID), string(ct))
}

// ZoneError counts a failed zone task.
func (m *Metrics) ZoneError(kind string, zoneID int64) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind, zoneLabel(zoneID)).Inc()
}

// ObserveZoneDuration records one zone's processing time.
func (m *Metrics) ObserveZoneDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.zoneDuration.Observe(d.Seconds())
}

// SetConcurrency publishes the concurrency limit.
func (m *Metrics) SetConcurrency(n int) {
	if m == nil {
		return
	}
	m.concurrency.Set(float64(n))
}

// ObserveCycle records a completed cycle.
func (m *Metrics) ObserveCycle(d time.Duration, success, failed int) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
	m.cycleZones.WithLabelValues("success").Set(float64(success))
	m.cycleZones.WithLabelValues("failed").Set(float64(failed))
}

// BreakerListener returns a state listener that mirrors transitions into the
// cb_state gauge.
func (m *Metrics) BreakerListener() func(name string, from, to circuitbreaker.State) {
	return func(name string, _, to circuitbreaker.State) {
		m.SetCircuitBreakerState(name, to)
	}
}

// SetCircuitBreakerState sets the gauge for one breaker.
func (m *Metrics) SetCircuitBreakerState(target string, st circuitbreaker.State) {
	if m == nil {
		return
	}
	var v float64
	switch st {
	case circuitbreaker.HalfOpen:
		v = 1
	case circuitbreaker.Open:
		v = 2
	}
	m.cbState.WithLabelValues(target).Set(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts requests and latency for a route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

func zoneLabel(zoneID int64) string { return strconv.FormatInt(zoneID, 10) }
