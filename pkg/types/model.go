package types

import "time"

// Telemetry is a point-in-time reading from the energy system.
type Telemetry struct {
	Timestamp  time.Time `json:"timestamp"`
	PVW        float64   `json:"pvW"`        // Solar generation (W)
	GridW      float64   `json:"gridW"`      // Grid import/export (W, + import, - export)
	BatteryW   float64   `json:"batteryW"`   // Positive for charge, negative for discharge
	BatterySOC float64   `json:"batterySOC"` // 0-100
	LoadW      float64   `json:"loadW"`      // Home consumption (W)
}

// EnergyStats represents aggregated energy statistics for an hourly period.
type EnergyStats struct {
	TSHourStart time.Time `json:"tsHourStart"`

	// Battery Stats
	MinBatterySOC float64 `json:"minBatterySOC"`
	MaxBatterySOC float64 `json:"maxBatterySOC"`

	// Totals
	SolarKWH      float64 `json:"solarKWH"`
	HomeKWH       float64 `json:"homeKWH"`
	GridImportKWH float64 `json:"gridImportKWH"`
	GridExportKWH float64 `json:"gridExportKWH"`

	// Samples is the number of telemetry readings folded into the totals.
	Samples int `json:"samples"`
}

// ActionState is the stable action held by the state machine.
type ActionState struct {
	Action               Action    `json:"action"`
	Since                time.Time `json:"since"`
	LastTransitionReason string    `json:"lastTransitionReason"`
}

// Transition records one accepted state machine transition.
type Transition struct {
	Timestamp time.Time `json:"timestamp"`
	From      Action    `json:"from"`
	To        Action    `json:"to"`
	Reason    string    `json:"reason"`
	Override  bool      `json:"override,omitempty"`
	PlanID    string    `json:"planID,omitempty"`
}

// ExecutorState is the control loop's view of the device.
type ExecutorState struct {
	LastAppliedSetpointW int       `json:"lastAppliedSetpointW"`
	LastApplyTime        time.Time `json:"lastApplyTime"`
	EffectiveSetpointW   int       `json:"effectiveSetpointW"`
	ConsecutiveFailures  int       `json:"consecutiveFailures"`
	WatchdogDeadline     time.Time `json:"watchdogDeadline"`
	Paused               bool      `json:"paused"`
	Failsafe             bool      `json:"failsafe"`
	DryRun               bool      `json:"dryRun,omitempty"`
	LastError            string    `json:"lastError,omitempty"`
}

// Alerts are persistent failure conditions surfaced to operators.
type Alerts struct {
	ProviderOutage       bool   `json:"providerOutage"`
	ProviderOutageCycles int    `json:"providerOutageCycles"`
	ProviderError        string `json:"providerError,omitempty"`
	DeviceFailsafe       bool   `json:"deviceFailsafe"`
	PlanDegraded         bool   `json:"planDegraded"`
}

// Status is the read-only snapshot exposed to status consumers.
type Status struct {
	Timestamp       time.Time     `json:"timestamp"`
	AutomationPause bool          `json:"automationPaused"`
	LastRecalcAt    time.Time     `json:"lastRecalcAt"`
	LastControlAt   time.Time     `json:"lastControlAt"`
	PlanID          string        `json:"planID,omitempty"`
	PlanGeneratedAt time.Time     `json:"planGeneratedAt"`
	PlanAgeSeconds  float64       `json:"planAgeSeconds"`
	PlanDegraded    bool          `json:"planDegraded"`
	Action          ActionState   `json:"action"`
	Executor        ExecutorState `json:"executor"`
	Alerts          Alerts        `json:"alerts"`
}
