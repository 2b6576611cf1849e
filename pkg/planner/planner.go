// Package planner turns prices, forecasts and the battery state into a plan
// of per-slot actions.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/helios-ems/helios/pkg/log"
	"github.com/helios-ems/helios/pkg/metrics"
	"github.com/helios-ems/helios/pkg/types"
)

// Input is everything a plan is computed from.
type Input struct {
	Now      time.Time
	Settings types.Settings
	// StartSOC is the battery SoC in percent at Now.
	StartSOC float64
	Prices   []types.PriceQuote
	Forecast []types.ForecastSample
}

// Planner builds plans. It holds no state between runs.
type Planner struct {
	newID func() string
}

// New returns a Planner.
func New() *Planner {
	return &Planner{newID: uuid.NewString}
}

// SlotStart returns the start of the slot containing now. Slots are aligned
// to the Unix epoch.
func SlotStart(now time.Time, window time.Duration) time.Time {
	w := int64(window / time.Second)
	if w <= 0 {
		return now
	}
	sec := now.Unix()
	aligned := sec - sec%w
	if sec < 0 && sec%w != 0 {
		aligned -= w
	}
	return time.Unix(aligned, 0).In(now.Location())
}

// SlotCount returns how many slots cover the horizon.
func SlotCount(s types.Settings) int {
	if s.PlanningWindowSeconds <= 0 {
		return 0
	}
	horizon := s.PlanningHorizonHours * 3600
	return (horizon + s.PlanningWindowSeconds - 1) / s.PlanningWindowSeconds
}

// Plan computes a plan for in. It never fails: slots lacking usable inputs
// fall back to self-consumption and mark the plan degraded.
func (p *Planner) Plan(ctx context.Context, in Input) *types.Plan {
	s := in.Settings
	window := s.Window()
	n := SlotCount(s)
	start := SlotStart(in.Now, window)

	bat := s.Battery()
	grid := s.Grid()
	lo, hi := types.SetpointBounds(bat, grid)

	startSOC := in.StartSOC
	if math.IsNaN(startSOC) {
		startSOC = bat.ReserveSOC
	}
	startSOC = clamp(startSOC, bat.MinSOC, bat.MaxSOC)

	plan := &types.Plan{
		ID:            p.newID(),
		GeneratedAt:   in.Now,
		HorizonStart:  start,
		HorizonEnd:    start.Add(time.Duration(n) * window),
		WindowSeconds: s.PlanningWindowSeconds,
		StartSOC:      startSOC,
		Slots:         make([]types.PlanSlot, 0, n),
	}

	slots := make([]types.TimeSlot, n)
	quotes := make([]*types.PriceQuote, n)
	samples := make([]*types.ForecastSample, n)
	var buys []float64
	for i := range slots {
		ss := start.Add(time.Duration(i) * window)
		slots[i] = types.TimeSlot{Start: ss, End: ss.Add(window)}
		quotes[i] = quoteAt(in.Prices, ss)
		samples[i] = sampleAt(in.Forecast, ss)
		if quotes[i] != nil {
			buys = append(buys, quotes[i].BuyEURPerKWH)
		}
	}
	pivot := median(buys)
	plan.PivotEURPerKWH = pivot

	sim := &battery{
		params: bat,
		hours:  window.Hours(),
		soc:    startSOC,
	}
	gate := s.PriceHysteresisEURPerKWH

	for i, slot := range slots {
		ps := types.PlanSlot{Slot: slot}
		q := quotes[i]
		f := samples[i]

		var reasons []string
		if q == nil {
			reasons = append(reasons, "missing price")
		} else {
			ps.Priced = true
			ps.BuyEURPerKWH = q.BuyEURPerKWH
			ps.SellEURPerKWH = q.SellEURPerKWH
		}
		if f == nil {
			reasons = append(reasons, "missing forecast")
		} else {
			ps.SolarW, ps.LoadW = f.SolarW, f.LoadW
			if ps.SolarW < 0 || ps.LoadW < 0 || math.IsNaN(ps.SolarW) || math.IsNaN(ps.LoadW) {
				reasons = append(reasons, "negative forecast clamped")
				ps.SolarW = clampNonNegative(ps.SolarW)
				ps.LoadW = clampNonNegative(ps.LoadW)
			}
		}

		if len(reasons) > 0 {
			p.planDegraded(ctx, &ps, sim, f != nil, grid, lo, reasons)
			plan.Degraded = true
			plan.DegradedSlots++
		} else {
			p.planSlot(ctx, &ps, sim, grid, lo, hi, pivot, gate, s.CycleCostEURPerKWH)
		}
		plan.EstimatedCostEUR += ps.EstimatedCostEUR
		plan.Slots = append(plan.Slots, ps)

		log.Ctx(ctx).DebugContext(
			ctx,
			"planned slot",
			slog.Time("start", slot.Start),
			slog.String("action", ps.Action.String()),
			slog.Int("setpointW", ps.TargetSetpointW),
			slog.Float64("socAfter", ps.ProjectedSOCAfter),
			slog.String("reason", ps.Reason),
		)
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"plan computed",
		slog.String("planID", plan.ID),
		slog.Int("slots", len(plan.Slots)),
		slog.Float64("pivot", pivot),
		slog.Float64("startSOC", startSOC),
		slog.Bool("degraded", plan.Degraded),
		slog.Int("degradedSlots", plan.DegradedSlots),
		slog.Float64("estimatedCostEUR", plan.EstimatedCostEUR),
	)
	return plan
}

// planSlot scores every feasible action and applies the best one.
func (p *Planner) planSlot(
	ctx context.Context,
	ps *types.PlanSlot,
	sim *battery,
	grid types.GridLimits,
	lo, hi int,
	pivot, gate, cycleCost float64,
) {
	netLoad := ps.LoadW - ps.SolarW
	econ := economics{
		hours:     sim.hours,
		buy:       ps.BuyEURPerKWH,
		sell:      ps.SellEURPerKWH,
		pivot:     pivot,
		cycleCost: cycleCost,
		eff:       sim.efficiency(),
	}

	flows := map[types.Action]flow{}
	for _, a := range types.PlannedActions {
		f, ok := sim.flowFor(a, netLoad, grid, lo, hi)
		if !ok {
			continue
		}
		flows[a] = p.enforceBounds(ctx, f, sim, a, netLoad, lo, hi, grid)
	}

	idle := flows[types.ActionIdle]
	best := types.ActionIdle
	bestValue := 0.0
	reason := "idle"
	for _, a := range types.PlannedActions {
		f, ok := flows[a]
		if !ok || a == types.ActionIdle {
			continue
		}
		price := ps.DecidingPrice(a)
		allowed := false
		switch a.Side() {
		case types.PriceSideLow:
			allowed = price < pivot-gate
		case types.PriceSideHigh:
			allowed = price > pivot+gate
		}
		if !allowed {
			continue
		}
		v := econ.value(f, idle)
		if v > bestValue {
			best = a
			bestValue = v
			reason = fmt.Sprintf("%s: price %.4f vs pivot %.4f, value %.4f EUR", a, price, pivot, v)
		}
	}

	ps.Setpoints = make(map[types.Action]int, len(flows))
	for a, f := range flows {
		ps.Setpoints[a] = f.setpointW
	}
	chosen := flows[best]
	ps.Action = best
	ps.TargetSetpointW = chosen.setpointW
	ps.EstimatedCostEUR = econ.cost(chosen)
	ps.Reason = reason
	sim.apply(chosen)
	ps.ProjectedSOCAfter = sim.soc
}

// planDegraded applies a self-consumption action with setpoint 0.
func (p *Planner) planDegraded(
	ctx context.Context,
	ps *types.PlanSlot,
	sim *battery,
	haveForecast bool,
	grid types.GridLimits,
	lo int,
	reasons []string,
) {
	ps.Degraded = true
	ps.Action = types.ActionIdle
	ps.TargetSetpointW = 0
	reason := "degraded: " + reasons[0]
	for _, r := range reasons[1:] {
		reason += ", " + r
	}
	ps.Reason = reason

	if haveForecast {
		netLoad := ps.LoadW - ps.SolarW
		if netLoad > 0 && sim.soc > sim.params.MinSOC {
			ps.Action = types.ActionDischargeToHome
		}
		f := sim.selfConsume(netLoad, grid, lo)
		if ps.Priced {
			ps.EstimatedCostEUR = economics{
				hours: sim.hours,
				buy:   ps.BuyEURPerKWH,
				sell:  ps.SellEURPerKWH,
			}.cost(f)
		}
		sim.apply(f)
	}
	ps.Setpoints = map[types.Action]int{ps.Action: 0}
	ps.ProjectedSOCAfter = sim.soc
}

// enforceBounds clamps the flow's setpoint into [lo, hi] and re-derives the
// battery power from the clamped value.
func (p *Planner) enforceBounds(
	ctx context.Context,
	f flow,
	sim *battery,
	a types.Action,
	netLoad float64,
	lo, hi int,
	grid types.GridLimits,
) flow {
	sp, clamped := types.ClampSetpoint(f.setpointW, lo, hi)
	if !clamped {
		return f
	}
	log.Ctx(ctx).WarnContext(
		ctx,
		"planned setpoint outside limits, clamping",
		slog.String("action", a.String()),
		slog.Int("setpointW", f.setpointW),
		slog.Int("clampedW", sp),
		slog.Int("lo", lo),
		slog.Int("hi", hi),
	)
	metrics.IncInvariantViolation("planner")

	floorSOC := sim.params.MinSOC
	if a == types.ActionExportToGrid {
		floorSOC = sim.params.ReserveSOC
	}
	b := clamp(float64(sp)-netLoad, -sim.maxDischargeW(floorSOC), sim.maxChargeW())
	g := netLoad + b
	if g < float64(lo) {
		// surplus beyond what may be exported is curtailed
		g = float64(lo)
	}
	if g < 0 && !grid.SellEnabled {
		g = 0
	}
	return flow{batteryW: b, gridW: g, setpointW: sp}
}

func quoteAt(quotes []types.PriceQuote, t time.Time) *types.PriceQuote {
	for i := range quotes {
		q := &quotes[i]
		if !t.Before(q.TSStart) && t.Before(q.TSEnd) {
			if math.IsNaN(q.BuyEURPerKWH) || math.IsNaN(q.SellEURPerKWH) ||
				math.IsInf(q.BuyEURPerKWH, 0) || math.IsInf(q.SellEURPerKWH, 0) {
				return nil
			}
			return q
		}
	}
	return nil
}

func sampleAt(samples []types.ForecastSample, t time.Time) *types.ForecastSample {
	for i := range samples {
		f := &samples[i]
		if !t.Before(f.TSStart) && t.Before(f.TSEnd) {
			return f
		}
	}
	return nil
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func clampNonNegative(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return v
}
