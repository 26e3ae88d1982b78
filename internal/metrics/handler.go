package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the admin metrics endpoint.
type Summary struct {
	HTTP          httpSummary      `json:"http"`
	Account       httpSummary      `json:"account"`
	Admin         httpSummary      `json:"admin"`
	Seats         seatInfo         `json:"seats"`
	Membership    membershipInfo   `json:"membership"`
	Notifications notificationInfo `json:"notifications"`
	Sweep         sweepInfo        `json:"sweep"`
	RateLimit     rateLimitInfo    `json:"rateLimit"`
	Auth          authInfo         `json:"auth"`
	DB            dbInfo           `json:"db"`
	Server        serverInfo       `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type seatInfo struct {
	Active float64 `json:"active"`
	Cap    float64 `json:"cap"`
}

type membershipInfo struct {
	InvitesCreated   float64 `json:"invitesCreated"`
	Registrations    float64 `json:"registrations"`
	Reactivations    float64 `json:"reactivations"`
	Extensions       float64 `json:"extensions"`
	Revocations      float64 `json:"revocations"`
	Reenrolments     float64 `json:"reenrolments"`
	Expirations      float64 `json:"expirations"`
	EnrollmentErrors float64 `json:"enrollmentErrors"`
}

type notificationInfo struct {
	Sent    float64 `json:"sent"`
	Failed  float64 `json:"failed"`
	Skipped float64 `json:"skipped"`
}

type sweepInfo struct {
	Runs        float64 `json:"runs"`
	LastRun     float64 `json:"lastRun"`
	P95Duration float64 `json:"p95Duration"`
	Notices     float64 `json:"notices"`
	Expired     float64 `json:"expired"`
	Failed      float64 `json:"failed"`
}

type rateLimitInfo struct {
	Rejections float64 `json:"rejections"`
}

type authInfo struct {
	Failures  float64 `json:"failures"`
	Successes float64 `json:"successes"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := m.Summarize()
		if err != nil {
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		_ = json.NewEncoder(w).Encode(summary)
	}
}

// Summarize gathers the registry into a Summary.
func (m *Metrics) Summarize() (*Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	requests := fam["enrolgate_http_requests_total"]
	durations := fam["enrolgate_http_request_duration_seconds"]
	transitions := fam["enrolgate_membership_transitions_total"]
	redemptions := fam["enrolgate_invite_redemptions_total"]
	notifications := fam["enrolgate_notifications_total"]
	sweepUsers := fam["enrolgate_sweep_users_total"]
	startTime := gaugeValue(fam["enrolgate_server_start_time_seconds"])

	return &Summary{
		HTTP:    kindSummary(requests, durations, "public"),
		Account: kindSummary(requests, durations, "account"),
		Admin:   kindSummary(requests, durations, "admin"),
		Seats:   seatInfo{
			Active: gaugeValue(fam["enrolgate_seats_active"]),
			Cap:    gaugeValue(fam["enrolgate_seats_cap"]),
		},
		Membership: membershipInfo{
			InvitesCreated:   sumCounters(fam["enrolgate_invites_created_total"], all),
			Registrations:    sumCounters(redemptions, withLabel("kind", "register")),
			Reactivations:    sumCounters(redemptions, withLabel("kind", "reactivate")),
			Extensions:       sumCounters(redemptions, withLabel("kind", "extend")),
			Revocations:      sumCounters(transitions, withLabel("kind", "revoked")),
			Reenrolments:     sumCounters(transitions, withLabel("kind", "reenrolled")),
			Expirations:      sumCounters(transitions, withLabel("kind", "expired")),
			EnrollmentErrors: sumCounters(fam["enrolgate_enrollment_errors_total"], all),
		},
		Notifications: notificationInfo{
			Sent:    sumCounters(notifications, withLabel("status", "sent")),
			Failed:  sumCounters(notifications, withLabel("status", "failed")),
			Skipped: sumCounters(notifications, withLabel("status", "skipped")),
		},
		Sweep: sweepInfo{
			Runs:        sumCounters(fam["enrolgate_sweep_runs_total"], all),
			LastRun:     gaugeValue(fam["enrolgate_sweep_last_run_seconds"]),
			P95Duration: percentile(fam["enrolgate_sweep_duration_seconds"], 0.95, all),
			Notices:     sumCounters(sweepUsers, withLabel("outcome", "notice")),
			Expired:     sumCounters(sweepUsers, withLabel("outcome", "expired")),
			Failed:      sumCounters(sweepUsers, withLabel("outcome", "failed")),
		},
		RateLimit: rateLimitInfo{
			Rejections: sumCounters(fam["enrolgate_ratelimit_rejections_total"], all),
		},
		Auth: authInfo{
			Failures:  sumCounters(fam["enrolgate_auth_failures_total"], all),
			Successes: sumCounters(fam["enrolgate_auth_successes_total"], all),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["enrolgate_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["enrolgate_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["enrolgate_db_pool_acquired_conns"]),
		},
		Server: serverInfo{
			StartTime:     startTime,
			UptimeSeconds: float64(m.now().Unix()) - startTime,
		},
	}, nil
}

func kindSummary(requests, durations *dto.MetricFamily, kind string) httpSummary {
	match := withLabel("kind", kind)
	return httpSummary{
		TotalRequests: sumCounters(requests, match),
		ErrorRate:     serverErrorRate(requests, match),
		P50Latency:    percentile(durations, 0.50, match),
		P95Latency:    percentile(durations, 0.95, match),
		P99Latency:    percentile(durations, 0.99, match),
	}
}

// filter selects the series of a family that a summary value covers.
type filter func(*dto.Metric) bool

func all(*dto.Metric) bool { return true }

func withLabel(name, value string) filter {
	return func(m *dto.Metric) bool { return labelValue(m, name) == value }
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func sumCounters(f *dto.MetricFamily, match filter) float64 {
	var total float64
	for _, m := range f.GetMetric() {
		if match(m) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

// gaugeValue reads an unlabelled gauge.
func gaugeValue(f *dto.MetricFamily) float64 {
	for _, m := range f.GetMetric() {
		if m.GetGauge() != nil {
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

// serverErrorRate is the share of matching requests answered with a 5xx.
// Client errors such as a used code or a full pool are expected outcomes.
func serverErrorRate(f *dto.MetricFamily, match filter) float64 {
	var total, failed float64
	for _, m := range f.GetMetric() {
		if !match(m) || m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		if strings.HasPrefix(labelValue(m, "status_code"), "5") {
			failed += v
		}
	}
	if total == 0 {
		return 0
	}
	return failed / total
}

// percentile estimates quantile q from the merged buckets of the matching
// histograms, interpolating linearly inside the bucket holding the rank.
func percentile(f *dto.MetricFamily, q float64, match filter) float64 {
	var samples uint64
	cumulative := make(map[float64]uint64)
	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if !match(m) || h == nil {
			continue
		}
		samples += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			cumulative[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}
	if samples == 0 {
		return 0
	}

	bounds := make([]float64, 0, len(cumulative))
	for ub := range cumulative {
		if !math.IsInf(ub, 1) {
			bounds = append(bounds, ub)
		}
	}
	if len(bounds) == 0 {
		return 0
	}
	sort.Float64s(bounds)

	rank := q * float64(samples)
	var prevBound float64
	var prevCount uint64
	for _, ub := range bounds {
		count := cumulative[ub]
		if float64(count) >= rank {
			in := count - prevCount
			if in == 0 {
				return ub
			}
			return prevBound + (rank-float64(prevCount))/float64(in)*(ub-prevBound)
		}
		prevBound, prevCount = ub, count
	}
	// Rank falls in the +Inf bucket.
	return bounds[len(bounds)-1]
}
