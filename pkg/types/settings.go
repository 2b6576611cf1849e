package types

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when a stored field changes meaning.
const CurrentSettingsVersion = 1

// ErrConfigInvalid is returned when a settings snapshot fails validation.
var ErrConfigInvalid = errors.New("config invalid")

// Settings is the runtime configuration. A Settings value is treated as an
// immutable snapshot once it has been validated and published.
type Settings struct {
	// Cadence
	PlanningWindowSeconds        int `json:"planningWindowSeconds" yaml:"planning_window_seconds"`
	PlanningHorizonHours         int `json:"planningHorizonHours" yaml:"planning_horizon_hours"`
	RecalculationIntervalSeconds int `json:"recalculationIntervalSeconds" yaml:"recalculation_interval_seconds"`
	DBusUpdateIntervalSeconds    int `json:"dbusUpdateIntervalSeconds" yaml:"dbus_update_interval_seconds"`
	// Random delay added to each replan so several controllers don't hit
	// the price API in lockstep.
	SchedulerJitterSeconds int `json:"schedulerJitterSeconds" yaml:"scheduler_jitter_seconds"`

	// Stability
	MinActionDwellSeconds int `json:"minActionDwellSeconds" yaml:"min_action_dwell_seconds"`
	// Per-action dwell, keyed by the action being left. Overrides the minimum.
	ActionDwellSeconds       map[Action]int `json:"actionDwellSeconds,omitempty" yaml:"action_dwell_seconds,omitempty"`
	PriceHysteresisEURPerKWH float64        `json:"priceHysteresisEURPerKWH" yaml:"price_hysteresis_eur_per_kwh"`

	// Tariff
	BuyPriceMultiplier    float64 `json:"buyPriceMultiplier" yaml:"buy_price_multiplier"`
	BuyPriceFeeEURPerKWH  float64 `json:"buyPriceFeeEURPerKWH" yaml:"buy_price_fee_eur_per_kwh"`
	SellPriceMultiplier   float64 `json:"sellPriceMultiplier" yaml:"sell_price_multiplier"`
	SellPriceFeeEURPerKWH float64 `json:"sellPriceFeeEURPerKWH" yaml:"sell_price_fee_eur_per_kwh"`

	// Grid
	GridSellEnabled    bool `json:"gridSellEnabled" yaml:"grid_sell_enabled"`
	GridImportLimitW   int  `json:"gridImportLimitW" yaml:"grid_import_limit_w"`
	GridExportLimitW   int  `json:"gridExportLimitW" yaml:"grid_export_limit_w"`
	GridRampWPerSecond int  `json:"gridRampWPerSecond" yaml:"grid_ramp_w_per_second"`

	// Battery
	BatteryCapacityKWH   float64 `json:"batteryCapacityKWH" yaml:"battery_capacity_kwh"`
	BatteryMaxChargeW    int     `json:"batteryMaxChargeW" yaml:"battery_max_charge_w"`
	BatteryMaxDischargeW int     `json:"batteryMaxDischargeW" yaml:"battery_max_discharge_w"`
	MinSOCPercent        float64 `json:"minSOCPercent" yaml:"min_soc_percent"`
	ReserveSOCPercent    float64 `json:"reserveSOCPercent" yaml:"reserve_soc_percent"`
	MaxSOCPercent        float64 `json:"maxSOCPercent" yaml:"max_soc_percent"`
	// Round trip efficiency, charged energy is multiplied by this when stored.
	RoundTripEfficiencyPercent float64 `json:"roundTripEfficiencyPercent" yaml:"battery_round_trip_efficiency_percent"`
	// Wear cost per kWh moved through the battery in either direction.
	CycleCostEURPerKWH float64 `json:"cycleCostEURPerKWH" yaml:"battery_cycle_cost_eur_per_kwh"`
	// Used for planning when telemetry has never produced a SoC reading.
	AssumedCurrentSOCPercent *float64 `json:"assumedCurrentSOCPercent,omitempty" yaml:"assumed_current_soc_percent,omitempty"`

	// Synthetic forecast profile
	PVPeakW   float64 `json:"pvPeakW" yaml:"pv_peak_w"`
	BaseLoadW float64 `json:"baseLoadW" yaml:"base_load_w"`

	// Device writes
	DBusWriteRetries           int     `json:"dbusWriteRetries" yaml:"dbus_write_retries"`
	DBusWriteRetryDelaySeconds float64 `json:"dbusWriteRetryDelaySeconds" yaml:"dbus_write_retry_delay_seconds"`
	DBusReassertAttempts       int     `json:"dbusReassertAttempts" yaml:"dbus_reassert_attempts"`
	WriteFailureCap            int     `json:"writeFailureCap" yaml:"write_failure_cap"`
	WatchdogTimeoutSeconds     int     `json:"watchdogTimeoutSeconds" yaml:"watchdog_timeout_seconds"`
	ShutdownTimeoutSeconds     int     `json:"shutdownTimeoutSeconds" yaml:"shutdown_timeout_seconds"`

	// Number of consecutive replans with a provider failure before alerting.
	ProviderOutageAlertCycles int `json:"providerOutageAlertCycles" yaml:"provider_outage_alert_cycles"`

	// Compute and log setpoints without writing them.
	DryRun bool `json:"dryRun" yaml:"dry_run"`
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		PlanningWindowSeconds:        900,
		PlanningHorizonHours:         24,
		RecalculationIntervalSeconds: 300,
		DBusUpdateIntervalSeconds:    10,

		MinActionDwellSeconds:    0,
		PriceHysteresisEURPerKWH: 0.02,

		BuyPriceMultiplier:  1,
		SellPriceMultiplier: 1,

		GridImportLimitW: 6000,
		GridExportLimitW: 3000,

		BatteryCapacityKWH:         10,
		BatteryMaxChargeW:          3000,
		BatteryMaxDischargeW:       3000,
		MinSOCPercent:              10,
		ReserveSOCPercent:          40,
		MaxSOCPercent:              95,
		RoundTripEfficiencyPercent: 90,
		CycleCostEURPerKWH:         0.02,

		PVPeakW:   4000,
		BaseLoadW: 500,

		DBusWriteRetries:           2,
		DBusWriteRetryDelaySeconds: 0.2,
		DBusReassertAttempts:       2,
		WriteFailureCap:            4,
		WatchdogTimeoutSeconds:     60,
		ShutdownTimeoutSeconds:     5,

		ProviderOutageAlertCycles: 3,
	}
}

// Clone returns a deep copy so the receiver can stay immutable.
func (s Settings) Clone() Settings {
	if s.ActionDwellSeconds != nil {
		m := make(map[Action]int, len(s.ActionDwellSeconds))
		for k, v := range s.ActionDwellSeconds {
			m[k] = v
		}
		s.ActionDwellSeconds = m
	}
	if s.AssumedCurrentSOCPercent != nil {
		v := *s.AssumedCurrentSOCPercent
		s.AssumedCurrentSOCPercent = &v
	}
	return s
}

// Validate checks every constraint and returns all problems at once, wrapped
// in ErrConfigInvalid.
func (s Settings) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(s.PlanningWindowSeconds >= 60, "planning_window_seconds must be >= 60, got %d", s.PlanningWindowSeconds)
	check(s.PlanningHorizonHours >= 1 && s.PlanningHorizonHours <= 48, "planning_horizon_hours must be between 1 and 48, got %d", s.PlanningHorizonHours)
	check(s.RecalculationIntervalSeconds >= 30, "recalculation_interval_seconds must be >= 30, got %d", s.RecalculationIntervalSeconds)
	check(
		s.RecalculationIntervalSeconds <= s.PlanningWindowSeconds,
		"recalculation_interval_seconds (%d) must be <= planning_window_seconds (%d)",
		s.RecalculationIntervalSeconds, s.PlanningWindowSeconds,
	)
	check(s.DBusUpdateIntervalSeconds >= 1, "dbus_update_interval_seconds must be >= 1, got %d", s.DBusUpdateIntervalSeconds)
	check(
		s.DBusUpdateIntervalSeconds <= s.RecalculationIntervalSeconds,
		"dbus_update_interval_seconds (%d) must be <= recalculation_interval_seconds (%d)",
		s.DBusUpdateIntervalSeconds, s.RecalculationIntervalSeconds,
	)
	check(s.SchedulerJitterSeconds >= 0, "scheduler_jitter_seconds must be >= 0")

	check(s.MinActionDwellSeconds >= 0, "min_action_dwell_seconds must be >= 0")
	for a, v := range s.ActionDwellSeconds {
		check(a.Valid(), "action_dwell_seconds has unknown action %q", a)
		check(v >= 0, "action_dwell_seconds[%s] must be >= 0", a)
	}
	check(s.PriceHysteresisEURPerKWH >= 0, "price_hysteresis_eur_per_kwh must be >= 0")

	check(finite(s.BuyPriceMultiplier) && s.BuyPriceMultiplier >= 0, "buy_price_multiplier must be >= 0")
	check(finite(s.SellPriceMultiplier) && s.SellPriceMultiplier >= 0, "sell_price_multiplier must be >= 0")
	check(finite(s.BuyPriceFeeEURPerKWH), "buy_price_fee_eur_per_kwh must be finite")
	check(finite(s.SellPriceFeeEURPerKWH), "sell_price_fee_eur_per_kwh must be finite")

	check(s.GridImportLimitW >= 0, "grid_import_limit_w must be >= 0")
	check(s.GridExportLimitW >= 0, "grid_export_limit_w must be >= 0")
	check(s.GridRampWPerSecond >= 0, "grid_ramp_w_per_second must be >= 0")

	check(s.BatteryCapacityKWH > 0, "battery_capacity_kwh must be > 0")
	check(s.BatteryMaxChargeW >= 0, "battery_max_charge_w must be >= 0")
	check(s.BatteryMaxDischargeW >= 0, "battery_max_discharge_w must be >= 0")
	check(
		0 <= s.MinSOCPercent && s.MinSOCPercent <= s.ReserveSOCPercent &&
			s.ReserveSOCPercent <= s.MaxSOCPercent && s.MaxSOCPercent <= 100,
		"soc bounds must satisfy 0 <= min (%v) <= reserve (%v) <= max (%v) <= 100",
		s.MinSOCPercent, s.ReserveSOCPercent, s.MaxSOCPercent,
	)
	check(s.RoundTripEfficiencyPercent > 0 && s.RoundTripEfficiencyPercent <= 100, "battery_round_trip_efficiency_percent must be in (0, 100]")
	check(s.CycleCostEURPerKWH >= 0, "battery_cycle_cost_eur_per_kwh must be >= 0")
	if s.AssumedCurrentSOCPercent != nil {
		v := *s.AssumedCurrentSOCPercent
		check(v >= 0 && v <= 100, "assumed_current_soc_percent must be between 0 and 100")
	}

	check(s.PVPeakW >= 0, "pv_peak_w must be >= 0")
	check(s.BaseLoadW >= 0, "base_load_w must be >= 0")

	check(s.DBusWriteRetries >= 0, "dbus_write_retries must be >= 0")
	check(s.DBusWriteRetryDelaySeconds >= 0, "dbus_write_retry_delay_seconds must be >= 0")
	check(s.DBusReassertAttempts >= 0, "dbus_reassert_attempts must be >= 0")
	check(s.WriteFailureCap >= 1, "write_failure_cap must be >= 1")
	check(
		s.WatchdogTimeoutSeconds >= s.DBusUpdateIntervalSeconds,
		"watchdog_timeout_seconds (%d) must be >= dbus_update_interval_seconds (%d)",
		s.WatchdogTimeoutSeconds, s.DBusUpdateIntervalSeconds,
	)
	check(s.ShutdownTimeoutSeconds >= 1, "shutdown_timeout_seconds must be >= 1")
	check(s.ProviderOutageAlertCycles >= 1, "provider_outage_alert_cycles must be >= 1")

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(errs...))
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Battery returns the battery parameters of the snapshot.
func (s Settings) Battery() BatteryParams {
	return BatteryParams{
		CapacityKWH:       s.BatteryCapacityKWH,
		MaxChargeW:        s.BatteryMaxChargeW,
		MaxDischargeW:     s.BatteryMaxDischargeW,
		MinSOC:            s.MinSOCPercent,
		MaxSOC:            s.MaxSOCPercent,
		ReserveSOC:        s.ReserveSOCPercent,
		EfficiencyPercent: s.RoundTripEfficiencyPercent,
	}
}

// Grid returns the grid limits of the snapshot.
func (s Settings) Grid() GridLimits {
	return GridLimits{
		ImportLimitW: s.GridImportLimitW,
		ExportLimitW: s.GridExportLimitW,
		SellEnabled:  s.GridSellEnabled,
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (s Settings) Window() time.Duration                { return seconds(s.PlanningWindowSeconds) }
func (s Settings) Horizon() time.Duration               { return time.Duration(s.PlanningHorizonHours) * time.Hour }
func (s Settings) RecalculationInterval() time.Duration { return seconds(s.RecalculationIntervalSeconds) }
func (s Settings) ControlInterval() time.Duration       { return seconds(s.DBusUpdateIntervalSeconds) }
func (s Settings) Jitter() time.Duration                { return seconds(s.SchedulerJitterSeconds) }
func (s Settings) WatchdogTimeout() time.Duration       { return seconds(s.WatchdogTimeoutSeconds) }
func (s Settings) ShutdownTimeout() time.Duration       { return seconds(s.ShutdownTimeoutSeconds) }

// WriteRetryDelay is the initial backoff between device write attempts.
func (s Settings) WriteRetryDelay() time.Duration {
	return time.Duration(s.DBusWriteRetryDelaySeconds * float64(time.Second))
}

// DwellFor returns how long from must be held before a normal transition.
func (s Settings) DwellFor(from Action) time.Duration {
	if v, ok := s.ActionDwellSeconds[from]; ok {
		return seconds(v)
	}
	return seconds(s.MinActionDwellSeconds)
}

// SetpointBounds returns the inclusive range a grid setpoint must stay in:
// the grid import/export limits intersected with the battery's power
// capability. Export is limited to 0 when selling is disabled.
func SetpointBounds(b BatteryParams, g GridLimits) (lo, hi int) {
	exportLimit := g.ExportLimitW
	if !g.SellEnabled {
		exportLimit = 0
	}
	lo = -min(exportLimit, b.MaxDischargeW)
	hi = min(g.ImportLimitW, b.MaxChargeW)
	return lo, hi
}

// ClampSetpoint clamps w into [lo, hi] and reports whether it had to.
func ClampSetpoint(w, lo, hi int) (int, bool) {
	switch {
	case w < lo:
		return lo, true
	case w > hi:
		return hi, true
	}
	return w, false
}
