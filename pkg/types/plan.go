package types

import (
	"time"
)

// TimeSlot is a half-open interval [Start, End).
type TimeSlot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the slot.
func (s TimeSlot) Contains(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.End)
}

// RawPrice is a provider price point before tariff conversion.
type RawPrice struct {
	Provider string    `json:"provider"`
	TSStart  time.Time `json:"tsStart"`
	// EURPerKWH is the raw spot/energy price.
	EURPerKWH float64 `json:"eurPerKWH"`
}

// PriceQuote is the buy and sell price valid during [TSStart, TSEnd).
type PriceQuote struct {
	TSStart      time.Time `json:"tsStart"`
	TSEnd        time.Time `json:"tsEnd"`
	RawEURPerKWH float64   `json:"rawEURPerKWH"`
	BuyEURPerKWH float64   `json:"buyEURPerKWH"`
	// SellEURPerKWH may exceed BuyEURPerKWH.
	SellEURPerKWH float64 `json:"sellEURPerKWH"`
}

// ForecastSample is the expected average solar production and home load
// during [TSStart, TSEnd).
type ForecastSample struct {
	TSStart time.Time `json:"tsStart"`
	TSEnd   time.Time `json:"tsEnd"`
	SolarW  float64   `json:"solarW"`
	LoadW   float64   `json:"loadW"`
}

// BatteryParams describes the physical battery.
type BatteryParams struct {
	CapacityKWH   float64 `json:"capacityKWH"`
	MaxChargeW    int     `json:"maxChargeW"`
	MaxDischargeW int     `json:"maxDischargeW"`
	MinSOC        float64 `json:"minSOC"`
	MaxSOC        float64 `json:"maxSOC"`
	ReserveSOC    float64 `json:"reserveSOC"`
	// EfficiencyPercent is the round trip efficiency, applied on charge.
	EfficiencyPercent float64 `json:"efficiencyPercent"`
}

// GridLimits describes what the grid connection allows.
type GridLimits struct {
	ImportLimitW int  `json:"importLimitW"`
	ExportLimitW int  `json:"exportLimitW"`
	SellEnabled  bool `json:"sellEnabled"`
}

// PlanSlot is the planned action for one slot.
type PlanSlot struct {
	Slot   TimeSlot `json:"slot"`
	Action Action   `json:"action"`
	// TargetSetpointW is the grid setpoint, positive imports from the grid.
	TargetSetpointW   int     `json:"targetSetpointW"`
	ProjectedSOCAfter float64 `json:"projectedSOCAfter"`
	EstimatedCostEUR  float64 `json:"estimatedCostEUR"`

	Priced        bool    `json:"priced"`
	BuyEURPerKWH  float64 `json:"buyEURPerKWH"`
	SellEURPerKWH float64 `json:"sellEURPerKWH"`
	SolarW        float64 `json:"solarW"`
	LoadW         float64 `json:"loadW"`

	Degraded bool   `json:"degraded,omitempty"`
	Reason   string `json:"reason"`

	// Setpoints holds the setpoint for every action that is physically
	// feasible in this slot, including ones price gating rejected.
	Setpoints map[Action]int `json:"setpoints"`
}

// DecidingPrice returns the price that governs entering or leaving a.
func (s PlanSlot) DecidingPrice(a Action) float64 {
	if a == ActionExportToGrid {
		return s.SellEURPerKWH
	}
	return s.BuyEURPerKWH
}

// Plan is an immutable schedule of slot actions. A new plan fully replaces
// the previous one.
type Plan struct {
	ID               string     `json:"id"`
	GeneratedAt      time.Time  `json:"generatedAt"`
	HorizonStart     time.Time  `json:"horizonStart"`
	HorizonEnd       time.Time  `json:"horizonEnd"`
	WindowSeconds    int        `json:"windowSeconds"`
	PivotEURPerKWH   float64    `json:"pivotEURPerKWH"`
	StartSOC         float64    `json:"startSOC"`
	EstimatedCostEUR float64    `json:"estimatedCostEUR"`
	Degraded         bool       `json:"degraded"`
	DegradedSlots    int        `json:"degradedSlots"`
	Slots            []PlanSlot `json:"slots"`
}

// SlotAt returns the slot covering t.
func (p *Plan) SlotAt(t time.Time) (PlanSlot, bool) {
	if p == nil || len(p.Slots) == 0 || t.Before(p.HorizonStart) || !t.Before(p.HorizonEnd) {
		return PlanSlot{}, false
	}
	if p.WindowSeconds > 0 {
		i := int(t.Sub(p.HorizonStart) / (time.Duration(p.WindowSeconds) * time.Second))
		if i >= 0 && i < len(p.Slots) && p.Slots[i].Slot.Contains(t) {
			return p.Slots[i], true
		}
	}
	for _, s := range p.Slots {
		if s.Slot.Contains(t) {
			return s, true
		}
	}
	return PlanSlot{}, false
}
