package ess

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/helios-ems/helios/pkg/types"
)

// Sim is an in-memory battery, solar and home load simulation that honours
// the grid setpoint the same way a Victron ESS does: the battery absorbs
// whatever keeps the grid at the setpoint, within its power and SoC limits.
type Sim struct {
	settings SettingsFunc
	now      func() time.Time

	failWrites atomic.Bool

	mu        sync.Mutex
	ts        time.Time
	soc       float64
	setpointW int
	last      types.Telemetry
}

// NewSim returns a simulation starting at 50% SoC.
func NewSim(settings SettingsFunc, now func() time.Time) *Sim {
	return &Sim{
		settings: settings,
		now:      now,
		soc:      50,
	}
}

// SetFailWrites makes every subsequent write fail.
func (s *Sim) SetFailWrites(fail bool) {
	s.failWrites.Store(fail)
}

// SetSOC overrides the simulated state of charge.
func (s *Sim) SetSOC(soc float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.soc = soc
}

func (s *Sim) ReadTelemetry(ctx context.Context) (types.Telemetry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance(s.now())
	return s.last, nil
}

func (s *Sim) WriteSetpoint(ctx context.Context, watts int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceWrite, err)
	}
	if s.failWrites.Load() {
		return fmt.Errorf("%w: simulated failure", ErrDeviceWrite)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// the old setpoint applies until now
	s.advance(s.now())
	s.setpointW = watts
	return nil
}

func (s *Sim) ReadSetpoint(ctx context.Context) (int, error) {
	return readBack(ctx, func() int {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.setpointW
	})
}

func (s *Sim) Close() error {
	return nil
}

// simLoadW follows a sine wave between 1.0 and 2.0 kW that peaks every two
// hours.
func simLoadW(hour float64) float64 {
	kw := 1.5 + 0.5*math.Sin(hour*math.Pi)
	if kw < 1.0 {
		kw = 1.0
	}
	return kw * 1000
}

// simSolarW peaks at 12:30 between 06:00 and 19:00.
func simSolarW(hour float64) float64 {
	if hour < 6 || hour > 19 {
		return 0
	}
	return 3000 * math.Sin((hour-6)/13*math.Pi)
}

// advance steps the simulation to now in steps of at most 5 minutes. The
// caller must hold mu.
func (s *Sim) advance(now time.Time) {
	if s.ts.IsZero() {
		s.ts = now
		s.last = s.step(now, 0)
		return
	}
	for s.ts.Before(now) {
		end := s.ts.Add(5 * time.Minute)
		if end.After(now) {
			end = now
		}
		d := end.Sub(s.ts)
		s.last = s.step(s.ts.Add(d/2), d.Hours())
		s.ts = end
	}
	s.last.Timestamp = now
}

// step computes the flows at mid and applies them for hours.
func (s *Sim) step(mid time.Time, hours float64) types.Telemetry {
	cfg := s.settings()
	hour := float64(mid.Hour()) + float64(mid.Minute())/60.0
	loadW := simLoadW(hour)
	solarW := simSolarW(hour)
	netLoadW := loadW - solarW

	capWH := cfg.BatteryCapacityKWH * 1000
	// positive charges
	batteryW := float64(s.setpointW) - netLoadW
	batteryW = math.Max(-float64(cfg.BatteryMaxDischargeW), math.Min(float64(cfg.BatteryMaxChargeW), batteryW))
	if hours > 0 && capWH > 0 {
		spaceW := (100 - s.soc) / 100 * capWH / hours
		usableW := math.Max(0, s.soc-cfg.MinSOCPercent) / 100 * capWH / hours
		batteryW = math.Max(-usableW, math.Min(spaceW, batteryW))
	}
	gridW := netLoadW + batteryW

	// the inverter can't push solar anywhere if export is disallowed
	if gridW < 0 && !cfg.GridSellEnabled {
		solarW += gridW
		gridW = 0
	}

	if hours > 0 && capWH > 0 {
		s.soc += batteryW * hours / capWH * 100
		s.soc = math.Max(0, math.Min(100, s.soc))
	}
	return types.Telemetry{
		Timestamp:  mid,
		PVW:        solarW,
		GridW:      gridW,
		BatteryW:   batteryW,
		BatterySOC: s.soc,
		LoadW:      loadW,
	}
}
