// Package metrics defines the Prometheus instruments for the bot backend.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Reconciler
	Transitions          *prometheus.CounterVec
	Refunds              prometheus.Counter
	RefundedTokens       prometheus.Counter
	Recharges            *prometheus.CounterVec
	AccountingExceptions prometheus.Counter

	// Poller
	PollAttempts   *prometheus.CounterVec
	PollDuration   prometheus.Histogram
	ActiveTrackers prometheus.Gauge

	// Gateway
	Submissions   *prometheus.CounterVec
	GatewayErrors *prometheus.CounterVec

	// Wizard
	Confirmations *prometheus.CounterVec

	// Webhook
	Callbacks *prometheus.CounterVec

	// Delivery
	Deliveries *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on reg. Pass a fresh
// prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klingbot_transitions_total",
				Help: "Generation status transitions by effect",
			},
			[]string{"source", "effect"}, // source: poller, webhook, submit, admin
		),
		Refunds: f.NewCounter(prometheus.CounterOpts{
			Name: "klingbot_refunds_total",
			Help: "Refunds credited for failed generations",
		}),
		RefundedTokens: f.NewCounter(prometheus.CounterOpts{
			Name: "klingbot_refunded_tokens_total",
			Help: "Tokens returned to users by refunds",
		}),
		Recharges: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klingbot_late_recovery_recharges_total",
				Help: "Re-debit attempts after late recovery",
			},
			[]string{"result"}, // charged, unpaid, refund_unsettled
		),
		AccountingExceptions: f.NewCounter(prometheus.CounterOpts{
			Name: "klingbot_accounting_exceptions_total",
			Help: "Late recoveries delivered without payment",
		}),

		PollAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klingbot_poll_attempts_total",
				Help: "Status poll attempts by outcome",
			},
			[]string{"outcome"}, // waiting, success, fail, error
		),
		PollDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "klingbot_poll_lifetime_seconds",
			Help:    "Time from tracker start to its terminal transition",
			Buckets: []float64{5, 15, 30, 60, 120, 180, 240, 300, 600},
		}),
		ActiveTrackers: f.NewGauge(prometheus.GaugeOpts{
			Name: "klingbot_active_trackers",
			Help: "Generations currently being polled",
		}),

		Submissions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klingbot_submissions_total",
				Help: "Provider submissions by mode and result",
			},
			[]string{"mode", "result"},
		),
		GatewayErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klingbot_gateway_errors_total",
				Help: "Provider errors by code",
			},
			[]string{"code"},
		),

		Confirmations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klingbot_wizard_confirmations_total",
				Help: "Wizard confirmations by result",
			},
			[]string{"mode", "result"}, // ready, insufficient_balance
		),

		Callbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klingbot_callbacks_total",
				Help: "Provider callbacks by result",
			},
			[]string{"result"}, // accepted, rejected
		),

		Deliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klingbot_deliveries_total",
				Help: "Result deliveries by strategy",
			},
			[]string{"strategy"},
		),
	}
}
