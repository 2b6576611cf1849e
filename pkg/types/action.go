package types

// Action is a battery/grid decision for a time slot or the current stable
// action of the state machine.
type Action string

const (
	ActionIdle            Action = "idle"
	ActionChargeFromGrid  Action = "chargeFromGrid"
	ActionDischargeToHome Action = "dischargeToHome"
	ActionExportToGrid    Action = "exportToGrid"
	// ActionPaused is only ever a state machine state, never a planned action.
	ActionPaused Action = "paused"
)

// PlannedActions lists the actions a planner may choose in tie-break order:
// earlier entries win when values are equal.
var PlannedActions = []Action{
	ActionIdle,
	ActionDischargeToHome,
	ActionExportToGrid,
	ActionChargeFromGrid,
}

// PriceSide tells which side of the pivot price an action belongs to.
type PriceSide int

const (
	PriceSideNeutral PriceSide = 0
	// PriceSideLow actions consume grid energy and are entered on cheap prices.
	PriceSideLow PriceSide = -1
	// PriceSideHigh actions relieve the grid and are entered on expensive prices.
	PriceSideHigh PriceSide = 1
)

// Side returns the price side of the action.
func (a Action) Side() PriceSide {
	switch a {
	case ActionChargeFromGrid:
		return PriceSideLow
	case ActionDischargeToHome, ActionExportToGrid:
		return PriceSideHigh
	default:
		return PriceSideNeutral
	}
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionIdle, ActionChargeFromGrid, ActionDischargeToHome, ActionExportToGrid, ActionPaused:
		return true
	}
	return false
}

func (a Action) String() string {
	return string(a)
}
