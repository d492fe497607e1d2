package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_session_fallback_total",
		Help: "Session store operations served by the in-process fallback.",
	}, []string{"op"})

	LedgerOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_ledger_ops_total",
		Help: "Entitlement ledger operations by outcome.",
	}, []string{"op", "result"})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_webhook_events_total",
		Help: "Payment webhook events by type and outcome.",
	}, []string{"type", "result"})

	SubscriptionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_subscriptions_expired_total",
		Help: "Subscriptions flipped to expired by the sweep.",
	})

	BotUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_bot_updates_total",
		Help: "Telegram updates received by kind.",
	}, []string{"kind"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_rate_limited_total",
		Help: "Actions rejected by the rate limiter.",
	}, []string{"action"})
)

// Outcome turns a (bool, error) ledger result into a label value.
func Outcome(ok bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case ok:
		return "ok"
	default:
		return "rejected"
	}
}
