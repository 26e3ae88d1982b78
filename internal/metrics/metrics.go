package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric collectors for enrolgate.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Membership metrics.
	InvitesCreatedTotal   prometheus.Counter
	InviteRedeemedTotal   *prometheus.CounterVec
	TransitionsTotal      *prometheus.CounterVec
	EnrollmentErrorsTotal *prometheus.CounterVec
	NotificationsTotal    *prometheus.CounterVec

	// Sweep metrics.
	SweepRunsTotal    prometheus.Counter
	SweepDuration     prometheus.Histogram
	SweepLastRun      prometheus.Gauge
	SweepOutcomeTotal *prometheus.CounterVec

	RateLimitRejectionsTotal *prometheus.CounterVec

	// Auth metrics.
	AuthFailuresTotal  *prometheus.CounterVec
	AuthSuccessesTotal *prometheus.CounterVec

	ServerStartTime prometheus.Gauge

	now func() time.Time
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		now:      time.Now,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enrolgate_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "enrolgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		InvitesCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enrolgate_invites_created_total",
			Help: "Total number of invite codes created.",
		}),

		InviteRedeemedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enrolgate_invite_redemptions_total",
			Help: "Total number of invite codes redeemed, by flow.",
		}, []string{"kind"}),

		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enrolgate_membership_transitions_total",
			Help: "Total number of membership state changes, by kind.",
		}, []string{"kind"}),

		EnrollmentErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enrolgate_enrollment_errors_total",
			Help: "Total number of failed course enrollment calls.",
		}, []string{"op"}),

		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enrolgate_notifications_total",
			Help: "Total number of notifications, by kind and delivery status.",
		}, []string{"kind", "status"}),

		SweepRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enrolgate_sweep_runs_total",
			Help: "Total number of expiry sweeps.",
		}),

		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "enrolgate_sweep_duration_seconds",
			Help:    "Duration of expiry sweeps in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		SweepLastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "enrolgate_sweep_last_run_seconds",
			Help: "Unix timestamp of the last completed expiry sweep.",
		}),

		SweepOutcomeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enrolgate_sweep_users_total",
			Help: "Users handled by expiry sweeps, by outcome.",
		}, []string{"outcome"}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enrolgate_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}, []string{"scope"}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enrolgate_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		AuthSuccessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enrolgate_auth_successes_total",
			Help: "Total number of successful authentications.",
		}, []string{"auth_type"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "enrolgate_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.InvitesCreatedTotal,
		m.InviteRedeemedTotal,
		m.TransitionsTotal,
		m.EnrollmentErrorsTotal,
		m.NotificationsTotal,
		m.SweepRunsTotal,
		m.SweepDuration,
		m.SweepLastRun,
		m.SweepOutcomeTotal,
		m.RateLimitRejectionsTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Exposition serves the registry in the Prometheus text format.
func (m *Metrics) Exposition() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// RegisterSeatCollector registers the seat pool gauges.
func (m *Metrics) RegisterSeatCollector(statFunc SeatStatFunc) {
	m.registry.MustRegister(NewSeatCollector(statFunc))
}

// Middleware records request counts and latency labelled with the matched
// chi route pattern, so path parameters do not explode label cardinality.
func (m *Metrics) Middleware(kind string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			pattern := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					pattern = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.HTTPRequestsTotal.WithLabelValues(kind, r.Method, pattern, fmt.Sprintf("%d", status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(kind, r.Method, pattern).Observe(time.Since(start).Seconds())
		})
	}
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}

// IncAuthSuccess increments the auth success counter for the given auth type.
func (m *Metrics) IncAuthSuccess(authType string) {
	m.AuthSuccessesTotal.WithLabelValues(authType).Inc()
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection(scope string) {
	m.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
}

func (m *Metrics) IncInvitesCreated(n int) {
	m.InvitesCreatedTotal.Add(float64(n))
}

func (m *Metrics) IncInviteRedeemed(kind string) {
	m.InviteRedeemedTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncTransition(kind string) {
	m.TransitionsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncEnrollmentError(op string) {
	m.EnrollmentErrorsTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) IncNotification(kind, status string) {
	m.NotificationsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveSweep records one completed expiry sweep.
func (m *Metrics) ObserveSweep(seconds float64, notices, expired, failed int) {
	m.SweepRunsTotal.Inc()
	m.SweepDuration.Observe(seconds)
	m.SweepLastRun.Set(float64(m.now().Unix()))
	m.SweepOutcomeTotal.WithLabelValues("notice").Add(float64(notices))
	m.SweepOutcomeTotal.WithLabelValues("expired").Add(float64(expired))
	m.SweepOutcomeTotal.WithLabelValues("failed").Add(float64(failed))
}
