package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPlanSlotAt(t *testing.T) {
	start := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	p := &Plan{
		HorizonStart:  start,
		HorizonEnd:    start.Add(time.Hour),
		WindowSeconds: 900,
	}
	for i := 0; i < 4; i++ {
		s := start.Add(time.Duration(i) * 15 * time.Minute)
		p.Slots = append(p.Slots, PlanSlot{Slot: TimeSlot{Start: s, End: s.Add(15 * time.Minute)}, TargetSetpointW: i})
	}

	slot, ok := p.SlotAt(start.Add(20 * time.Minute))
	assert.True(t, ok)
	assert.Equal(t, 1, slot.TargetSetpointW)

	slot, ok = p.SlotAt(start.Add(45 * time.Minute))
	assert.True(t, ok)
	assert.Equal(t, 3, slot.TargetSetpointW)

	_, ok = p.SlotAt(start.Add(time.Hour))
	assert.False(t, ok, "horizon end is exclusive")
	_, ok = p.SlotAt(start.Add(-time.Second))
	assert.False(t, ok)

	var nilPlan *Plan
	_, ok = nilPlan.SlotAt(start)
	assert.False(t, ok)
}

func TestActionSide(t *testing.T) {
	assert.Equal(t, PriceSideLow, ActionChargeFromGrid.Side())
	assert.Equal(t, PriceSideHigh, ActionDischargeToHome.Side())
	assert.Equal(t, PriceSideHigh, ActionExportToGrid.Side())
	assert.Equal(t, PriceSideNeutral, ActionIdle.Side())
	assert.False(t, Action("nope").Valid())
}
