// Package metrics exposes the controller's Prometheus metrics. Every helper
// is a no-op until Init has been called.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "helios_"

	ResultSuccess = "success"
	ResultError   = "error"
	ResultDryRun  = "dry_run"
)

var (
	registerOnce sync.Once

	plannerRuns  *prometheus.CounterVec
	planDegraded prometheus.Gauge
	planAge      prometheus.Gauge

	controlTicks     prometheus.Counter
	applyLatency     prometheus.Histogram
	applyTotal       *prometheus.CounterVec
	watchdogMisfires prometheus.Counter
	failsafeActive   prometheus.Gauge
	currentSetpoint  prometheus.Gauge
	automationPaused prometheus.Gauge
	reasserts        prometheus.Counter
	misapplies       prometheus.Counter

	actionTransitions *prometheus.CounterVec

	providerFailures    *prometheus.CounterVec
	invariantViolations *prometheus.CounterVec
	schedulerMisfires   *prometheus.CounterVec
)

// Init registers the metrics with the default registry.
func Init() {
	registerOnce.Do(func() {
		plannerRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "planner_runs_total",
				Help: "Total plan computations by result",
			},
			[]string{"result"},
		)
		planDegraded = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "plan_degraded",
				Help: "1 if the published plan has degraded slots",
			},
		)
		planAge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "plan_age_seconds",
				Help: "Seconds since the published plan was generated",
			},
		)

		controlTicks = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "control_ticks_total",
				Help: "Total control loop ticks",
			},
		)
		applyLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "apply_latency_seconds",
				Help:    "Setpoint write latency in seconds including retries",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
		)
		applyTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "apply_total",
				Help: "Total setpoint applications by result",
			},
			[]string{"result"},
		)
		watchdogMisfires = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "watchdog_misfires_total",
				Help: "Total watchdog deadline expirations",
			},
		)
		failsafeActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "failsafe_active",
				Help: "1 while the executor is in failsafe",
			},
		)
		currentSetpoint = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "current_setpoint_watts",
				Help: "Effective grid setpoint in watts",
			},
		)
		automationPaused = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "automation_paused",
				Help: "1 while automation is paused",
			},
		)
		reasserts = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "executor_reasserts_total",
				Help: "Total setpoint rewrites after a read-back mismatch",
			},
		)
		misapplies = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "executor_misapplies_total",
				Help: "Total writes whose read-back still mismatched after reasserting",
			},
		)

		actionTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "action_transitions_total",
				Help: "Total state machine transitions",
			},
			[]string{"from", "to", "override"},
		)

		providerFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "provider_failures_total",
				Help: "Total price or forecast fetch failures by provider",
			},
			[]string{"provider"},
		)
		invariantViolations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "invariant_violations_total",
				Help: "Total computed values that had to be clamped, by where they were caught",
			},
			[]string{"component"},
		)
		schedulerMisfires = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "scheduler_misfires_total",
				Help: "Total cycles that overran their interval",
			},
			[]string{"task"},
		)

		prometheus.MustRegister(
			plannerRuns,
			planDegraded,
			planAge,
			controlTicks,
			applyLatency,
			applyTotal,
			watchdogMisfires,
			failsafeActive,
			currentSetpoint,
			automationPaused,
			reasserts,
			misapplies,
			actionTransitions,
			providerFailures,
			invariantViolations,
			schedulerMisfires,
		)
	})
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ObservePlan records a planner run.
func ObservePlan(result string, degraded bool) {
	if result == "" {
		result = ResultSuccess
	}
	if plannerRuns != nil {
		plannerRuns.WithLabelValues(result).Inc()
	}
	if planDegraded != nil && result == ResultSuccess {
		planDegraded.Set(boolGauge(degraded))
	}
}

// SetPlanAge sets the age of the published plan.
func SetPlanAge(age time.Duration) {
	if age < 0 {
		age = 0
	}
	if planAge != nil {
		planAge.Set(age.Seconds())
	}
}

// IncControlTick counts a control loop tick.
func IncControlTick() {
	if controlTicks != nil {
		controlTicks.Inc()
	}
}

// ObserveApply records the outcome and latency of one setpoint application.
func ObserveApply(result string, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if applyTotal != nil {
		applyTotal.WithLabelValues(result).Inc()
	}
	if applyLatency != nil {
		applyLatency.Observe(duration.Seconds())
	}
}

// IncWatchdogMisfire counts an expired watchdog deadline.
func IncWatchdogMisfire() {
	if watchdogMisfires != nil {
		watchdogMisfires.Inc()
	}
}

// SetExecutorState updates the executor gauges.
func SetExecutorState(setpointW int, failsafe, paused bool) {
	if currentSetpoint != nil {
		currentSetpoint.Set(float64(setpointW))
	}
	if failsafeActive != nil {
		failsafeActive.Set(boolGauge(failsafe))
	}
	if automationPaused != nil {
		automationPaused.Set(boolGauge(paused))
	}
}

// IncReassert counts a rewrite after a read-back mismatch.
func IncReassert() {
	if reasserts != nil {
		reasserts.Inc()
	}
}

// IncMisapply counts a write that never read back correctly.
func IncMisapply() {
	if misapplies != nil {
		misapplies.Inc()
	}
}

// IncTransition counts a state machine transition.
func IncTransition(from, to string, override bool) {
	if actionTransitions != nil {
		actionTransitions.WithLabelValues(from, to, strconv.FormatBool(override)).Inc()
	}
}

// IncProviderFailure counts a failed fetch from provider.
func IncProviderFailure(provider string) {
	if provider == "" {
		provider = "unknown"
	}
	if providerFailures != nil {
		providerFailures.WithLabelValues(provider).Inc()
	}
}

// IncInvariantViolation counts a value that was clamped by component.
func IncInvariantViolation(component string) {
	if component == "" {
		component = "unknown"
	}
	if invariantViolations != nil {
		invariantViolations.WithLabelValues(component).Inc()
	}
}

// IncSchedulerMisfire counts an overrun of task.
func IncSchedulerMisfire(task string) {
	if schedulerMisfires != nil {
		schedulerMisfires.WithLabelValues(task).Inc()
	}
}
