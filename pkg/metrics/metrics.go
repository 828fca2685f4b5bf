package metrics

import (
	"github.com/obot-platform/authz-server/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "authz"

// Metrics holds the server's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	reaperRuns      *prometheus.CounterVec
	reaperDeleted   *prometheus.CounterVec
	keyNegotiations *prometheus.CounterVec
	codesIssued     *prometheus.CounterVec
	tokensIssued    *prometheus.CounterVec
	jobsSkipped     *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reaperRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_runs_total",
			Help:      "Reaper passes by result (ok, error).",
		}, []string{"result"}),
		reaperDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_deleted_total",
			Help:      "Rows deleted by the reaper by kind.",
		}, []string{"kind"}),
		keyNegotiations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_negotiations_total",
			Help:      "Key negotiations by key name and outcome (existing, won, adopted, generated).",
		}, []string{"name", "outcome"}),
		codesIssued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "codes_issued_total",
			Help:      "Authorization and validation codes issued.",
		}, []string{"kind"}),
		tokensIssued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Tokens issued by type.",
		}, []string{"type"}),
		jobsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_jobs_skipped_total",
			Help:      "Scheduler ticks skipped because another instance held the lock.",
		}, []string{"job"}),
	}
}

func (m *Metrics) ReaperRun(result string) {
	if m == nil {
		return
	}
	m.reaperRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveCleanup(result *types.CleanupResult) {
	if m == nil || result == nil {
		return
	}
	m.reaperDeleted.WithLabelValues("attempts").Add(float64(result.Attempts))
	m.reaperDeleted.WithLabelValues("authorization_codes").Add(float64(result.AuthorizationCodes))
	m.reaperDeleted.WithLabelValues("validation_codes").Add(float64(result.ValidationCodes))
	m.reaperDeleted.WithLabelValues("authentication_tokens").Add(float64(result.AuthenticationTokens))
}

func (m *Metrics) KeyNegotiated(name, outcome string) {
	if m == nil {
		return
	}
	m.keyNegotiations.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) CodeIssued(kind string) {
	if m == nil {
		return
	}
	m.codesIssued.WithLabelValues(kind).Inc()
}

func (m *Metrics) TokenIssued(tokenType string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(tokenType).Inc()
}

func (m *Metrics) JobSkipped(job string) {
	if m == nil {
		return
	}
	m.jobsSkipped.WithLabelValues(job).Inc()
}
