package automation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the control loop's Prometheus instrumentation.
type Metrics struct {
	Cycles        prometheus.Counter
	SkippedCycles prometheus.Counter
	Executions    *prometheus.CounterVec
	Rejections    *prometheus.CounterVec
	StrategyErrs  *prometheus.CounterVec
	ClosedHedges  prometheus.Counter
	KillSwitch    prometheus.Gauge
	TrackedHedges prometheus.Gauge
}

// NewMetrics registers the automation metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Cycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "hedgebot_automation_cycles_total",
			Help: "Control loop cycles run.",
		}),
		SkippedCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "hedgebot_automation_cycles_skipped_total",
			Help: "Timer ticks discarded because the previous cycle was still in progress.",
		}),
		Executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hedgebot_automation_executions_total",
			Help: "Strategy executions, including dry-run counts.",
		}, []string{"strategy", "dry_run"}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hedgebot_automation_rejections_total",
			Help: "Strategy executions rejected by a safety gate.",
		}, []string{"strategy", "reason"}),
		StrategyErrs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hedgebot_automation_strategy_errors_total",
			Help: "Errors isolated per strategy without aborting the cycle.",
		}, []string{"strategy"}),
		ClosedHedges: factory.NewCounter(prometheus.CounterOpts{
			Name: "hedgebot_automation_closed_hedges_total",
			Help: "Hedge positions closed by the control loop.",
		}),
		KillSwitch: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hedgebot_automation_kill_switch_active",
			Help: "1 when the kill switch is active.",
		}),
		TrackedHedges: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hedgebot_automation_tracked_hedges",
			Help: "Hedge groups currently tracked by the control loop.",
		}),
	}
}
