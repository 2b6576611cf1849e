package planner

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helios-ems/helios/pkg/types"
)

var testStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func newTestPlanner() *Planner {
	return &Planner{newID: func() string { return "plan-1" }}
}

// flatInput builds 96 quarter-hour slots priced at mid with a constant load.
func flatInput(s types.Settings, mid, loadW, solarW float64) Input {
	in := Input{
		Now:      testStart.Add(7 * time.Minute),
		Settings: s,
		StartSOC: 50,
	}
	for i := 0; i < 96; i++ {
		ts := testStart.Add(time.Duration(i) * 15 * time.Minute)
		in.Prices = append(in.Prices, types.PriceQuote{
			TSStart:       ts,
			TSEnd:         ts.Add(15 * time.Minute),
			BuyEURPerKWH:  mid,
			SellEURPerKWH: mid,
		})
		in.Forecast = append(in.Forecast, types.ForecastSample{
			TSStart: ts,
			TSEnd:   ts.Add(15 * time.Minute),
			SolarW:  solarW,
			LoadW:   loadW,
		})
	}
	return in
}

func setPrice(in *Input, slot int, price float64) {
	in.Prices[slot].BuyEURPerKWH = price
	in.Prices[slot].SellEURPerKWH = price
}

func TestSlotStart(t *testing.T) {
	assert.Equal(t, testStart, SlotStart(testStart.Add(14*time.Minute+59*time.Second), 15*time.Minute))
	assert.Equal(t, testStart.Add(15*time.Minute), SlotStart(testStart.Add(15*time.Minute), 15*time.Minute))
	// 7 minute windows align to the epoch, not the hour
	got := SlotStart(testStart, 7*time.Minute)
	assert.Zero(t, got.Unix()%420)
	assert.False(t, got.After(testStart))
}

func TestSlotCount(t *testing.T) {
	s := types.DefaultSettings()
	assert.Equal(t, 96, SlotCount(s))
	s.PlanningWindowSeconds = 7 * 60
	s.PlanningHorizonHours = 1
	// ceil(3600 / 420)
	assert.Equal(t, 9, SlotCount(s))
}

func TestPlanArbitrage(t *testing.T) {
	ctx := context.Background()
	s := types.DefaultSettings()

	in := flatInput(s, 0.20, 1000, 0)
	setPrice(&in, 4, 0.05)
	setPrice(&in, 80, 0.40)

	plan := newTestPlanner().Plan(ctx, in)
	require.Len(t, plan.Slots, 96)
	assert.Equal(t, "plan-1", plan.ID)
	assert.Equal(t, testStart, plan.HorizonStart)
	assert.Equal(t, testStart.Add(24*time.Hour), plan.HorizonEnd)
	assert.Equal(t, 0.20, plan.PivotEURPerKWH)
	assert.False(t, plan.Degraded)

	for i, ps := range plan.Slots {
		switch i {
		case 4:
			assert.Equal(t, types.ActionChargeFromGrid, ps.Action, "slot %d", i)
			_, hi := types.SetpointBounds(s.Battery(), s.Grid())
			assert.Equal(t, hi, ps.TargetSetpointW)
		case 80:
			assert.Contains(t, []types.Action{types.ActionDischargeToHome, types.ActionExportToGrid}, ps.Action, "slot %d", i)
			assert.Equal(t, 0, ps.TargetSetpointW)
		default:
			assert.Equal(t, types.ActionIdle, ps.Action, "slot %d", i)
			assert.Equal(t, 1000, ps.TargetSetpointW, "slot %d", i)
		}
	}

	// SoC rises after the cheap slot and falls after the expensive one
	assert.Greater(t, plan.Slots[4].ProjectedSOCAfter, plan.Slots[3].ProjectedSOCAfter)
	assert.Less(t, plan.Slots[80].ProjectedSOCAfter, plan.Slots[79].ProjectedSOCAfter)

	// the charge slot keeps setpoints for the other feasible actions
	assert.Contains(t, plan.Slots[4].Setpoints, types.ActionIdle)
	assert.Contains(t, plan.Slots[4].Setpoints, types.ActionDischargeToHome)
	assert.NotContains(t, plan.Slots[4].Setpoints, types.ActionExportToGrid)
}

func TestPlanArbitrageExport(t *testing.T) {
	ctx := context.Background()
	s := types.DefaultSettings()
	s.GridSellEnabled = true

	in := flatInput(s, 0.20, 1000, 0)
	setPrice(&in, 4, 0.05)
	setPrice(&in, 80, 0.40)

	plan := newTestPlanner().Plan(ctx, in)
	assert.Equal(t, types.ActionChargeFromGrid, plan.Slots[4].Action)
	assert.Equal(t, types.ActionExportToGrid, plan.Slots[80].Action)
	assert.Less(t, plan.Slots[80].TargetSetpointW, 0)
	assert.GreaterOrEqual(t, plan.Slots[80].TargetSetpointW, -s.GridExportLimitW)
}

func TestPlanExportKeepsReserve(t *testing.T) {
	ctx := context.Background()
	s := types.DefaultSettings()
	s.GridSellEnabled = true

	in := flatInput(s, 0.20, 0, 0)
	in.StartSOC = s.ReserveSOCPercent + 2
	for i := 0; i < 8; i++ {
		setPrice(&in, i, 0.60)
	}

	plan := newTestPlanner().Plan(ctx, in)
	assert.Equal(t, types.ActionExportToGrid, plan.Slots[0].Action)
	for _, ps := range plan.Slots {
		assert.GreaterOrEqual(t, ps.ProjectedSOCAfter, s.ReserveSOCPercent-1e-9)
	}
	// once the reserve is reached export is no longer feasible
	assert.NotEqual(t, types.ActionExportToGrid, plan.Slots[7].Action)
}

func TestPlanHysteresisGate(t *testing.T) {
	ctx := context.Background()
	s := types.DefaultSettings()
	s.PriceHysteresisEURPerKWH = 0.05

	in := flatInput(s, 0.20, 1000, 0)
	// inside the band despite being cheaper than the pivot
	setPrice(&in, 10, 0.16)
	// outside the band
	setPrice(&in, 20, 0.10)

	plan := newTestPlanner().Plan(ctx, in)
	assert.Equal(t, types.ActionIdle, plan.Slots[10].Action)
	assert.Equal(t, types.ActionChargeFromGrid, plan.Slots[20].Action)
}

func TestPlanSolarSurplus(t *testing.T) {
	ctx := context.Background()
	s := types.DefaultSettings()

	t.Run("charges battery and curtails without sell", func(t *testing.T) {
		in := flatInput(s, 0.20, 500, 2500)
		plan := newTestPlanner().Plan(ctx, in)
		ps := plan.Slots[0]
		assert.Equal(t, types.ActionIdle, ps.Action)
		assert.Equal(t, 0, ps.TargetSetpointW)
		assert.Greater(t, ps.ProjectedSOCAfter, 50.0)
	})

	t.Run("exports leftover with sell", func(t *testing.T) {
		s := s
		s.GridSellEnabled = true
		in := flatInput(s, 0.20, 500, 2500)
		in.StartSOC = s.MaxSOCPercent
		plan := newTestPlanner().Plan(ctx, in)
		ps := plan.Slots[0]
		assert.Equal(t, types.ActionIdle, ps.Action)
		assert.Equal(t, -2000, ps.TargetSetpointW)
		assert.Equal(t, s.MaxSOCPercent, ps.ProjectedSOCAfter)
	})
}

func TestPlanDegraded(t *testing.T) {
	ctx := context.Background()
	s := types.DefaultSettings()

	t.Run("missing forecast", func(t *testing.T) {
		in := flatInput(s, 0.20, 1000, 0)
		// drop 3 consecutive forecast samples mid horizon
		in.Forecast = append(append([]types.ForecastSample{}, in.Forecast[:40]...), in.Forecast[43:]...)

		var plan *types.Plan
		require.NotPanics(t, func() {
			plan = newTestPlanner().Plan(ctx, in)
		})
		assert.True(t, plan.Degraded)
		assert.Equal(t, 3, plan.DegradedSlots)
		for i := 40; i < 43; i++ {
			ps := plan.Slots[i]
			assert.True(t, ps.Degraded)
			assert.Equal(t, types.ActionIdle, ps.Action)
			assert.Equal(t, 0, ps.TargetSetpointW)
			assert.Contains(t, ps.Reason, "missing forecast")
			assert.Equal(t, plan.Slots[39].ProjectedSOCAfter, ps.ProjectedSOCAfter)
		}
		assert.False(t, plan.Slots[43].Degraded)
	})

	t.Run("missing price self consumes", func(t *testing.T) {
		in := flatInput(s, 0.20, 1000, 0)
		in.Prices = in.Prices[:10]

		plan := newTestPlanner().Plan(ctx, in)
		assert.True(t, plan.Degraded)
		assert.Equal(t, 86, plan.DegradedSlots)
		ps := plan.Slots[10]
		assert.Equal(t, types.ActionDischargeToHome, ps.Action)
		assert.Equal(t, 0, ps.TargetSetpointW)
		assert.Less(t, ps.ProjectedSOCAfter, plan.Slots[9].ProjectedSOCAfter)
		assert.Equal(t, map[types.Action]int{types.ActionDischargeToHome: 0}, ps.Setpoints)
	})

	t.Run("negative forecast", func(t *testing.T) {
		in := flatInput(s, 0.20, 1000, 0)
		in.Forecast[5].SolarW = -300

		plan := newTestPlanner().Plan(ctx, in)
		assert.True(t, plan.Slots[5].Degraded)
		assert.Equal(t, 0.0, plan.Slots[5].SolarW)
		assert.Contains(t, plan.Slots[5].Reason, "negative forecast")
	})

	t.Run("no inputs at all", func(t *testing.T) {
		plan := newTestPlanner().Plan(ctx, Input{Now: testStart, Settings: s, StartSOC: 50})
		require.Len(t, plan.Slots, 96)
		assert.Equal(t, 96, plan.DegradedSlots)
		for _, ps := range plan.Slots {
			assert.Equal(t, types.ActionIdle, ps.Action)
			assert.Equal(t, 0, ps.TargetSetpointW)
		}
	})
}

func TestPlanStartSOCClamped(t *testing.T) {
	ctx := context.Background()
	s := types.DefaultSettings()
	in := flatInput(s, 0.20, 1000, 0)
	in.StartSOC = 3

	plan := newTestPlanner().Plan(ctx, in)
	assert.Equal(t, s.MinSOCPercent, plan.StartSOC)
}

// TestPlanBounds checks the SoC and setpoint limits hold for random inputs.
func TestPlanBounds(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(42))

	for iter := 0; iter < 200; iter++ {
		s := types.DefaultSettings()
		s.PlanningWindowSeconds = []int{300, 900, 1800, 3600}[r.Intn(4)]
		s.RecalculationIntervalSeconds = 60
		s.PlanningHorizonHours = 1 + r.Intn(48)
		s.GridSellEnabled = r.Intn(2) == 0
		s.GridImportLimitW = r.Intn(8000)
		s.GridExportLimitW = r.Intn(5000)
		s.BatteryCapacityKWH = 1 + r.Float64()*20
		s.BatteryMaxChargeW = r.Intn(6000)
		s.BatteryMaxDischargeW = r.Intn(6000)
		s.MinSOCPercent = r.Float64() * 30
		s.ReserveSOCPercent = s.MinSOCPercent + r.Float64()*30
		s.MaxSOCPercent = s.ReserveSOCPercent + r.Float64()*(100-s.ReserveSOCPercent)
		s.RoundTripEfficiencyPercent = 50 + r.Float64()*50
		s.PriceHysteresisEURPerKWH = r.Float64() * 0.05
		require.NoError(t, s.Validate())

		in := Input{
			Now:      testStart.Add(time.Duration(r.Intn(3600)) * time.Second),
			Settings: s,
			StartSOC: r.Float64()*120 - 10,
		}
		for i := -1; i < 50; i++ {
			ts := testStart.Add(time.Duration(i) * time.Hour)
			if r.Intn(10) == 0 {
				continue
			}
			p := r.Float64()*0.6 - 0.1
			if r.Intn(50) == 0 {
				p = math.NaN()
			}
			in.Prices = append(in.Prices, types.PriceQuote{
				TSStart: ts, TSEnd: ts.Add(time.Hour),
				BuyEURPerKWH: p, SellEURPerKWH: p * r.Float64() * 1.5,
			})
			in.Forecast = append(in.Forecast, types.ForecastSample{
				TSStart: ts, TSEnd: ts.Add(time.Hour),
				SolarW: r.Float64()*6000 - 500,
				LoadW:  r.Float64()*5000 - 200,
			})
		}

		plan := newTestPlanner().Plan(ctx, in)
		require.Len(t, plan.Slots, SlotCount(s))
		lo, hi := types.SetpointBounds(s.Battery(), s.Grid())
		for i, ps := range plan.Slots {
			assert.GreaterOrEqual(t, ps.ProjectedSOCAfter, s.MinSOCPercent, "iter %d slot %d", iter, i)
			assert.LessOrEqual(t, ps.ProjectedSOCAfter, s.MaxSOCPercent, "iter %d slot %d", iter, i)
			assert.GreaterOrEqual(t, ps.TargetSetpointW, lo, "iter %d slot %d", iter, i)
			assert.LessOrEqual(t, ps.TargetSetpointW, hi, "iter %d slot %d", iter, i)
			for a, sp := range ps.Setpoints {
				assert.GreaterOrEqual(t, sp, lo, "iter %d slot %d %s", iter, i, a)
				assert.LessOrEqual(t, sp, hi, "iter %d slot %d %s", iter, i, a)
			}
			if i > 0 {
				assert.Equal(t, plan.Slots[i-1].Slot.End, ps.Slot.Start)
			}
			assert.Contains(t, ps.Setpoints, ps.Action)
		}
	}
}
