package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	// helpers must not panic before Init
	assert.NotPanics(t, func() {
		ObservePlan("", true)
		IncControlTick()
	})

	Init()
	// a second call is a no-op
	assert.NotPanics(t, Init)

	ObservePlan(ResultSuccess, true)
	SetPlanAge(-time.Second)
	IncControlTick()
	ObserveApply(ResultError, 10*time.Millisecond)
	IncWatchdogMisfire()
	SetExecutorState(-1500, true, false)
	IncReassert()
	IncMisapply()
	IncTransition("idle", "chargeFromGrid", false)
	IncProviderFailure("")
	IncInvariantViolation("executor")
	IncSchedulerMisfire("control")

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		m := mf.GetMetric()
		if len(m) == 0 {
			continue
		}
		switch {
		case m[0].GetGauge() != nil:
			values[mf.GetName()] = m[0].GetGauge().GetValue()
		case m[0].GetCounter() != nil:
			values[mf.GetName()] = m[0].GetCounter().GetValue()
		case m[0].GetHistogram() != nil:
			values[mf.GetName()] = float64(m[0].GetHistogram().GetSampleCount())
		}
	}

	assert.Equal(t, 1.0, values["helios_plan_degraded"])
	assert.Equal(t, 0.0, values["helios_plan_age_seconds"])
	assert.Equal(t, 1.0, values["helios_control_ticks_total"])
	assert.Equal(t, 1.0, values["helios_apply_total"])
	assert.Equal(t, 1.0, values["helios_apply_latency_seconds"])
	assert.Equal(t, -1500.0, values["helios_current_setpoint_watts"])
	assert.Equal(t, 1.0, values["helios_failsafe_active"])
	assert.Equal(t, 0.0, values["helios_automation_paused"])
	assert.Equal(t, 1.0, values["helios_action_transitions_total"])
	assert.Equal(t, 1.0, values["helios_provider_failures_total"])
	assert.Equal(t, 1.0, values["helios_invariant_violations_total"])
	assert.Equal(t, 1.0, values["helios_scheduler_misfires_total"])
}
