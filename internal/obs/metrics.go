package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AlexKimmel/quotagate/internal/gateway"
)

type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RateLimited      prometheus.Counter
	LimiterErrors    prometheus.Counter
	Reservations     *prometheus.CounterVec
	Rollbacks        *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers all collectors on reg. When reg is also a Gatherer
// (a *prometheus.Registry) Handler serves it, otherwise the default gatherer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_requests_total",
				Help: "Total HTTP requests processed by the gateway",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotagate_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		RateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quotagate_rate_limited_total",
				Help: "Total requests rejected by the per-user request rate guard",
			},
		),
		LimiterErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quotagate_limiter_errors_total",
				Help: "Total request rate limiter errors",
			},
		),
		Reservations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_reservations_total",
				Help: "Quota slot reservation attempts by tier and outcome (reserved, limit_reached, error)",
			},
			[]string{"tier", "outcome"},
		),
		Rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_rollbacks_total",
				Help: "Quota slot rollbacks by result (applied, noop, failed)",
			},
			[]string{"result"},
		),
		UpstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotagate_upstream_duration_seconds",
				Help:    "Upstream LLM call duration in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 40, 60},
			},
			[]string{"result"},
		),
		gatherer: prometheus.DefaultGatherer,
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.RateLimited, m.LimiterErrors,
		m.Reservations, m.Rollbacks, m.UpstreamDuration,
	)
	return m
}

// Handler exposes the registered metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// The observe helpers are safe on a nil *Metrics.

func (m *Metrics) ObserveReservation(tier, outcome string) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(tier, outcome).Inc()
}

func (m *Metrics) ObserveRollback(result string) {
	if m == nil {
		return
	}
	m.Rollbacks.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveUpstream(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) OnRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

func (m *Metrics) OnLimiterError() {
	if m == nil {
		return
	}
	m.LimiterErrors.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Middleware records per-request metrics. Paths outside routes are
// labelled "other" to keep the label set bounded.
func (m *Metrics) Middleware(routes map[string]struct{}, skip map[string]struct{}) gateway.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			route := "other"
			if _, ok := routes[r.URL.Path]; ok {
				route = r.URL.Path
			}

			method := r.Method
			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
		})
	}
}
