package planner

import (
	"math"

	"github.com/helios-ems/helios/pkg/types"
)

// flow is the power balance of one action in one slot.
type flow struct {
	// batteryW is positive while charging.
	batteryW float64
	// gridW is positive while importing.
	gridW     float64
	setpointW int
}

// battery tracks the simulated SoC across slots.
type battery struct {
	params types.BatteryParams
	hours  float64
	soc    float64
}

func (b *battery) capacityWH() float64 {
	return b.params.CapacityKWH * 1000
}

func (b *battery) efficiency() float64 {
	e := b.params.EfficiencyPercent / 100
	if e <= 0 || e > 1 {
		return 1
	}
	return e
}

// maxChargeW is the charge power that fits in the slot without passing
// max_soc.
func (b *battery) maxChargeW() float64 {
	if b.hours <= 0 {
		return 0
	}
	headroom := (b.params.MaxSOC - b.soc) / 100 * b.capacityWH() / (b.hours * b.efficiency())
	return math.Max(0, math.Min(float64(b.params.MaxChargeW), headroom))
}

// maxDischargeW is the discharge power that fits in the slot without going
// below floorSOC.
func (b *battery) maxDischargeW(floorSOC float64) float64 {
	if b.hours <= 0 {
		return 0
	}
	avail := (b.soc - floorSOC) / 100 * b.capacityWH() / b.hours
	return math.Max(0, math.Min(float64(b.params.MaxDischargeW), avail))
}

// flowFor returns the flow of action a given the net load (load minus
// solar) and whether a is physically possible.
func (b *battery) flowFor(a types.Action, netLoad float64, grid types.GridLimits, lo, hi int) (flow, bool) {
	switch a {
	case types.ActionIdle:
		// solar surplus still charges the battery
		var bw float64
		if netLoad < 0 {
			bw = math.Min(-netLoad, b.maxChargeW())
		}
		g := exportable(netLoad+bw, grid, lo)
		return flow{batteryW: bw, gridW: g, setpointW: roundW(g)}, true

	case types.ActionChargeFromGrid:
		bw := math.Min(b.maxChargeW(), float64(hi)-netLoad)
		if bw <= 0 {
			return flow{}, false
		}
		g := netLoad + bw
		return flow{batteryW: bw, gridW: g, setpointW: roundW(g)}, true

	case types.ActionDischargeToHome:
		if netLoad <= 0 {
			return flow{}, false
		}
		d := math.Min(b.maxDischargeW(b.params.MinSOC), netLoad)
		if d <= 0 {
			return flow{}, false
		}
		g := netLoad - d
		return flow{batteryW: -d, gridW: g, setpointW: roundW(g)}, true

	case types.ActionExportToGrid:
		if !grid.SellEnabled || grid.ExportLimitW <= 0 {
			return flow{}, false
		}
		// arbitrage never draws below the reserve
		d := math.Min(b.maxDischargeW(b.params.ReserveSOC), netLoad-float64(lo))
		if d <= 0 {
			return flow{}, false
		}
		g := netLoad - d
		if g >= 0 {
			return flow{}, false
		}
		return flow{batteryW: -d, gridW: g, setpointW: roundW(g)}, true
	}
	return flow{}, false
}

// selfConsume is what the device does on its own with a zero setpoint: the
// battery covers the net load down to min_soc and absorbs surplus up to
// max_soc.
func (b *battery) selfConsume(netLoad float64, grid types.GridLimits, lo int) flow {
	bw := clamp(-netLoad, -b.maxDischargeW(b.params.MinSOC), b.maxChargeW())
	return flow{batteryW: bw, gridW: exportable(netLoad+bw, grid, lo)}
}

// apply advances the SoC by one slot of f.
func (b *battery) apply(f flow) {
	capWH := b.capacityWH()
	if capWH <= 0 {
		return
	}
	wh := f.batteryW * b.hours
	if wh > 0 {
		wh *= b.efficiency()
	}
	b.soc = clamp(b.soc+wh/capWH*100, b.params.MinSOC, b.params.MaxSOC)
}

// exportable curtails a negative grid flow to what may be exported.
func exportable(g float64, grid types.GridLimits, lo int) float64 {
	if g >= 0 {
		return g
	}
	if !grid.SellEnabled {
		return 0
	}
	return math.Max(g, float64(lo))
}

func roundW(w float64) int {
	return int(math.Round(w))
}

// economics values flows in one slot.
type economics struct {
	hours     float64
	buy       float64
	sell      float64
	pivot     float64
	cycleCost float64
	eff       float64
}

// cost is the grid cash flow plus battery wear in EUR.
func (e economics) cost(f flow) float64 {
	importKWH := math.Max(f.gridW, 0) * e.hours / 1000
	exportKWH := math.Max(-f.gridW, 0) * e.hours / 1000
	throughputKWH := math.Abs(f.batteryW) * e.hours / 1000
	return importKWH*e.buy - exportKWH*e.sell + throughputKWH*e.cycleCost
}

// storedKWH is the change in stored energy.
func (e economics) storedKWH(f flow) float64 {
	kwh := f.batteryW * e.hours / 1000
	if kwh > 0 {
		kwh *= e.eff
	}
	return kwh
}

// value is the benefit of f over idle: saved cost plus the change in stored
// energy valued at the pivot price.
func (e economics) value(f, idle flow) float64 {
	return -(e.cost(f) - e.cost(idle)) + e.pivot*(e.storedKWH(f)-e.storedKWH(idle))
}
