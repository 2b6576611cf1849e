// Package statemachine turns per-slot planned actions into a stable current
// action using dwell times and a price hysteresis band.
package statemachine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/helios-ems/helios/pkg/log"
	"github.com/helios-ems/helios/pkg/metrics"
	"github.com/helios-ems/helios/pkg/types"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	Action    types.Action
	SetpointW int
	// Slot is the plan slot covering the evaluation time, if HasSlot.
	Slot    types.PlanSlot
	HasSlot bool
	// Transition is set when the evaluation changed the action.
	Transition *types.Transition
}

// Machine holds the stable action. It is owned by the control loop; the mutex
// only guards Snapshot readers.
type Machine struct {
	mu      sync.Mutex
	state   types.ActionState
	paused  bool
	faulted bool
	// force makes the next evaluation take the desired action immediately
	force string
}

// New returns a machine in Idle. The zero Since lets the first planned
// action apply without waiting out a dwell.
func New() *Machine {
	return &Machine{
		state: types.ActionState{
			Action:               types.ActionIdle,
			LastTransitionReason: "startup",
		},
	}
}

// Snapshot returns the current action state.
func (m *Machine) Snapshot() types.ActionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Paused reports whether the machine is paused.
func (m *Machine) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// transition moves to "to" and returns the record. The caller must hold mu.
func (m *Machine) transition(ctx context.Context, now time.Time, to types.Action, reason string, override bool, planID string) *types.Transition {
	from := m.state.Action
	m.state = types.ActionState{
		Action:               to,
		Since:                now,
		LastTransitionReason: reason,
	}
	t := &types.Transition{
		Timestamp: now,
		From:      from,
		To:        to,
		Reason:    reason,
		Override:  override,
		PlanID:    planID,
	}
	metrics.IncTransition(from.String(), to.String(), override)
	log.Ctx(ctx).InfoContext(
		ctx,
		"action transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason),
		slog.Bool("override", override),
	)
	return t
}

// Pause moves to Paused immediately, bypassing dwell and hysteresis.
func (m *Machine) Pause(ctx context.Context, now time.Time) *types.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return nil
	}
	m.paused = true
	m.force = ""
	return m.transition(ctx, now, types.ActionPaused, "pause requested", true, "")
}

// Resume leaves Paused. The next evaluation applies the desired action
// immediately.
func (m *Machine) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.paused {
		return
	}
	m.paused = false
	m.force = "resumed"
}

// Fault reports a persistent device error and moves to Idle immediately.
func (m *Machine) Fault(ctx context.Context, now time.Time, reason string) *types.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.faulted {
		return nil
	}
	m.faulted = true
	if m.paused || m.state.Action == types.ActionIdle {
		return nil
	}
	return m.transition(ctx, now, types.ActionIdle, "device fault: "+reason, true, "")
}

// ClearFault ends a device fault. The next evaluation applies the desired
// action immediately.
func (m *Machine) ClearFault() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.faulted {
		return
	}
	m.faulted = false
	if !m.paused {
		m.force = "device fault cleared"
	}
}

// Evaluate returns the stable action for now given the plan.
func (m *Machine) Evaluate(ctx context.Context, now time.Time, plan *types.Plan, s types.Settings) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused {
		return Decision{Action: types.ActionPaused}
	}

	slot, ok := plan.SlotAt(now)
	d := Decision{Slot: slot, HasSlot: ok}
	desired := types.ActionIdle
	planID := ""
	if ok {
		desired = slot.Action
		planID = plan.ID
	}
	if m.faulted {
		// resumed during a fault: leave Paused for the fault's Idle
		if m.state.Action != types.ActionIdle {
			reason := m.force
			if reason == "" {
				reason = "device fault"
			}
			m.force = ""
			d.Transition = m.transition(ctx, now, types.ActionIdle, reason, true, planID)
		}
		d.Action = types.ActionIdle
		return d
	}

	cur := m.state.Action
	switch {
	case m.force != "":
		reason := m.force
		m.force = ""
		if desired != cur {
			d.Transition = m.transition(ctx, now, desired, reason, true, planID)
		}
	case desired == cur:
	case !ok:
		d.Transition = m.transition(ctx, now, desired, "no plan for current slot", true, planID)
	case !feasible(slot, cur):
		d.Transition = m.transition(ctx, now, desired, fmt.Sprintf("%s no longer feasible", cur), true, planID)
	default:
		dwell := s.DwellFor(cur)
		if now.Sub(m.state.Since) < dwell {
			log.Ctx(ctx).DebugContext(
				ctx,
				"holding action for dwell",
				slog.String("action", cur.String()),
				slog.String("desired", desired.String()),
				slog.Duration("remaining", dwell-now.Sub(m.state.Since)),
			)
			break
		}
		if !bandAllows(cur, desired, slot, plan.PivotEURPerKWH, s.PriceHysteresisEURPerKWH) {
			log.Ctx(ctx).DebugContext(
				ctx,
				"holding action inside hysteresis band",
				slog.String("action", cur.String()),
				slog.String("desired", desired.String()),
			)
			break
		}
		reason := slot.Reason
		if reason == "" {
			reason = "planned"
		}
		d.Transition = m.transition(ctx, now, desired, reason, false, planID)
	}

	d.Action = m.state.Action
	if ok {
		d.SetpointW = setpointFor(slot, d.Action)
	}
	return d
}

func feasible(slot types.PlanSlot, a types.Action) bool {
	if a == slot.Action {
		return true
	}
	_, ok := slot.Setpoints[a]
	return ok
}

func setpointFor(slot types.PlanSlot, a types.Action) int {
	if a == slot.Action {
		return slot.TargetSetpointW
	}
	return slot.Setpoints[a]
}

// bandAllows reports whether the slot's prices are far enough from the pivot
// to leave from and enter to. Moves between two high side actions and slots
// without prices are not held back.
func bandAllows(from, to types.Action, slot types.PlanSlot, pivot, h float64) bool {
	if !slot.Priced {
		return true
	}
	if from.Side() == types.PriceSideHigh && to.Side() == types.PriceSideHigh {
		return true
	}
	switch from.Side() {
	case types.PriceSideLow:
		if !(slot.DecidingPrice(from) > pivot+h) {
			return false
		}
	case types.PriceSideHigh:
		if !(slot.DecidingPrice(from) < pivot-h) {
			return false
		}
	}
	switch to.Side() {
	case types.PriceSideLow:
		return slot.DecidingPrice(to) < pivot-h
	case types.PriceSideHigh:
		return slot.DecidingPrice(to) > pivot+h
	}
	return true
}
