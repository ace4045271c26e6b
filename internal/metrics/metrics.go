// Package metrics exposes the daemon's operational counters in Prometheus
// format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	SyncRuns     prometheus.Counter
	SyncFailures prometheus.Counter
	SyncSkipped  prometheus.Counter

	RemindersArmed prometheus.Counter
	ArmFailures    prometheus.Counter
	ArmedAlerts    prometheus.Gauge

	AlarmsFired  prometheus.Counter
	AlarmsQueued prometheus.Counter
	ActiveAlarm  prometheus.Gauge

	DosesConfirmed  prometheus.Counter
	DosesMissed     prometheus.Counter
	DosesDismissed  prometheus.Counter
	PointsAwarded   prometheus.Counter
	ConfirmFailures *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		SyncRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "dosewatch_sync_runs_total",
			Help: "Completed background schedule sync runs.",
		}),
		SyncFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "dosewatch_sync_failures_total",
			Help: "Sync runs that failed to fetch schedules.",
		}),
		SyncSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "dosewatch_sync_skipped_total",
			Help: "Sync triggers skipped because a run was in flight.",
		}),

		RemindersArmed: factory.NewCounter(prometheus.CounterOpts{
			Name: "dosewatch_reminders_armed_total",
			Help: "Alerts newly registered with the delivery channel.",
		}),
		ArmFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "dosewatch_arm_failures_total",
			Help: "Alerts the delivery channel rejected.",
		}),
		ArmedAlerts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dosewatch_armed_alerts",
			Help: "Alerts currently armed.",
		}),

		AlarmsFired: factory.NewCounter(prometheus.CounterOpts{
			Name: "dosewatch_alarms_fired_total",
			Help: "Alerts that fired and produced an alarm session.",
		}),
		AlarmsQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "dosewatch_alarms_queued_total",
			Help: "Fires queued behind an already active alarm session.",
		}),
		ActiveAlarm: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dosewatch_active_alarm",
			Help: "1 while an alarm session is active.",
		}),

		DosesConfirmed: factory.NewCounter(prometheus.CounterOpts{
			Name: "dosewatch_doses_confirmed_total",
			Help: "Doses confirmed within the grace period.",
		}),
		DosesMissed: factory.NewCounter(prometheus.CounterOpts{
			Name: "dosewatch_doses_missed_total",
			Help: "Doses whose grace period elapsed unconfirmed.",
		}),
		DosesDismissed: factory.NewCounter(prometheus.CounterOpts{
			Name: "dosewatch_doses_dismissed_total",
			Help: "Alarms the user dismissed.",
		}),
		PointsAwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "dosewatch_points_awarded_total",
			Help: "Reward points awarded by the confirmation ledger.",
		}),
		ConfirmFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dosewatch_confirm_failures_total",
			Help: "Confirmation attempts rejected by the ledger.",
		}, []string{"reason"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
