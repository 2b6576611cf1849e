// Package scheduler runs the replanning and control tasks.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/helios-ems/helios/pkg/ess"
	"github.com/helios-ems/helios/pkg/executor"
	"github.com/helios-ems/helios/pkg/forecast"
	"github.com/helios-ems/helios/pkg/log"
	"github.com/helios-ems/helios/pkg/metrics"
	"github.com/helios-ems/helios/pkg/planner"
	"github.com/helios-ems/helios/pkg/price"
	"github.com/helios-ems/helios/pkg/state"
	"github.com/helios-ems/helios/pkg/statemachine"
	"github.com/helios-ems/helios/pkg/storage"
	"github.com/helios-ems/helios/pkg/types"
)

// transitionBuffer is how many transitions may wait for persistence before
// new ones are dropped.
const transitionBuffer = 64

// Publisher receives a status snapshot after every control tick. It must not
// block.
type Publisher interface {
	PublishStatus(ctx context.Context, st types.Status)
}

// Deps are the collaborators of a Scheduler. Publisher and Now are optional.
type Deps struct {
	Settings  func() types.Settings
	Prices    price.Source
	Forecast  forecast.Source
	Device    ess.System
	Storage   storage.Database
	Shared    *state.Shared
	Publisher Publisher
	Now       func() time.Time
}

// Scheduler owns the plan and executor state. The replanning fields below are
// only touched by the replanning task.
type Scheduler struct {
	settings  func() types.Settings
	prices    price.Source
	forecast  forecast.Source
	device    ess.System
	storage   storage.Database
	shared    *state.Shared
	publisher Publisher
	now       func() time.Time

	planner     *planner.Planner
	executor    *executor.Executor
	transitions chan types.Transition

	lastSOC      *float64
	outageStreak int
	energy       energyRecorder
}

// New returns a Scheduler.
func New(d Deps) *Scheduler {
	s := &Scheduler{
		settings:    d.Settings,
		prices:      d.Prices,
		forecast:    d.Forecast,
		device:      d.Device,
		storage:     d.Storage,
		shared:      d.Shared,
		publisher:   d.Publisher,
		now:         d.Now,
		planner:     planner.New(),
		transitions: make(chan types.Transition, transitionBuffer),
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.executor = executor.New(d.Device, statemachine.New(), s.recordTransition)
	return s
}

// recordTransition hands t to the transition writer without blocking the
// control task.
func (s *Scheduler) recordTransition(t types.Transition) {
	select {
	case s.transitions <- t:
	default:
		log.Ctx(context.Background()).Warn(
			"dropping transition, writer is behind",
			slog.String("from", t.From.String()),
			slog.String("to", t.To.String()),
		)
	}
}

// Run starts the tasks and blocks until ctx is cancelled. The control task
// zeroes the setpoint before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.warmStart(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.replanLoop(ctx)
	})
	g.Go(func() error {
		return s.controlLoop(ctx)
	})
	g.Go(func() error {
		return s.writeTransitions(ctx)
	})
	return g.Wait()
}

func (s *Scheduler) warmStart(ctx context.Context) {
	p, err := s.storage.GetLatestPlan(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Ctx(ctx).WarnContext(ctx, "failed to load latest plan", slog.Any("error", err))
		}
		return
	}
	if !p.HorizonEnd.After(s.now()) {
		log.Ctx(ctx).DebugContext(ctx, "stored plan already expired", slog.String("planID", p.ID))
		return
	}
	if s.shared.PublishPlan(p) {
		log.Ctx(ctx).InfoContext(
			ctx,
			"restored stored plan",
			slog.String("planID", p.ID),
			slog.Time("generatedAt", p.GeneratedAt),
		)
	}
}

// sleep waits for d or until ctx is done and reports whether ctx is still
// live.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(max(d, 0))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Scheduler) replanLoop(ctx context.Context) error {
	for {
		start := time.Now()
		s.Replan(ctx)

		settings := s.settings()
		interval := settings.RecalculationInterval()
		elapsed := time.Since(start)
		if elapsed > interval {
			metrics.IncSchedulerMisfire("replan")
			log.Ctx(ctx).WarnContext(ctx, "replan overran its interval", slog.Duration("elapsed", elapsed))
		}
		wait := interval - elapsed
		if j := settings.Jitter(); j > 0 {
			wait += rand.N(j)
		}
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

func (s *Scheduler) controlLoop(ctx context.Context) error {
	for {
		start := time.Now()
		s.ControlTick(ctx)

		interval := s.settings().ControlInterval()
		elapsed := time.Since(start)
		if elapsed > interval {
			metrics.IncSchedulerMisfire("control")
			log.Ctx(ctx).WarnContext(ctx, "control tick overran its interval", slog.Duration("elapsed", elapsed))
		}
		if !sleep(ctx, interval-elapsed) {
			// best effort, the device falls back to its own behavior otherwise
			_ = s.executor.Shutdown(ctx, s.settings())
			return nil
		}
	}
}

func (s *Scheduler) writeTransitions(ctx context.Context) error {
	for {
		select {
		case t := <-s.transitions:
			s.persistTransition(ctx, t)
		case <-ctx.Done():
			// drain what the control task produced before stopping
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			for {
				select {
				case t := <-s.transitions:
					s.persistTransition(flushCtx, t)
				default:
					return nil
				}
			}
		}
	}
}

func (s *Scheduler) persistTransition(ctx context.Context, t types.Transition) {
	if err := s.storage.InsertTransition(ctx, t); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist transition", slog.Any("error", err))
	}
}

// Replan builds and publishes a new plan. Provider failures degrade the plan
// but never fail it.
func (s *Scheduler) Replan(ctx context.Context) *types.Plan {
	settings := s.settings()
	now := s.now()

	soc := s.startSOC(ctx, settings)

	start := planner.SlotStart(now, settings.Window())
	end := start.Add(time.Duration(planner.SlotCount(settings)) * settings.Window())

	var providerErrs []error
	raw, err := s.prices.Prices(ctx, start, end)
	if err != nil {
		metrics.IncProviderFailure(s.prices.Name())
		log.Ctx(ctx).WarnContext(ctx, "failed to fetch prices", slog.String("provider", s.prices.Name()), slog.Any("error", err))
		providerErrs = append(providerErrs, err)
	}
	samples, err := s.forecast.Forecast(ctx, start, end, settings.Window())
	if err != nil {
		metrics.IncProviderFailure(s.forecast.Name())
		log.Ctx(ctx).WarnContext(ctx, "failed to fetch forecast", slog.String("provider", s.forecast.Name()), slog.Any("error", err))
		providerErrs = append(providerErrs, err)
	}

	plan := s.planner.Plan(ctx, planner.Input{
		Now:      now,
		Settings: settings,
		StartSOC: soc,
		Prices:   price.Quotes(raw, settings),
		Forecast: samples,
	})
	result := metrics.ResultSuccess
	if len(providerErrs) > 0 {
		result = metrics.ResultError
	}
	metrics.ObservePlan(result, plan.Degraded)

	if !s.shared.PublishPlan(plan) {
		log.Ctx(ctx).WarnContext(ctx, "discarding plan older than the published one", slog.String("planID", plan.ID))
	}
	s.shared.MarkRecalc(now)
	s.updateOutage(ctx, settings, providerErrs)

	if err := s.storage.InsertPlan(ctx, plan); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist plan", slog.Any("error", err))
	}
	return plan
}

// startSOC reads telemetry, records it, and falls back to the last known,
// then the assumed, then the reserve SoC.
func (s *Scheduler) startSOC(ctx context.Context, settings types.Settings) float64 {
	tel, err := s.device.ReadTelemetry(ctx)
	if err == nil && !math.IsNaN(tel.BatterySOC) && !math.IsInf(tel.BatterySOC, 0) {
		if tel.Timestamp.IsZero() {
			tel.Timestamp = s.now()
		}
		s.recordEnergy(ctx, tel)
		soc := tel.BatterySOC
		s.lastSOC = &soc
		return soc
	}
	log.Ctx(ctx).WarnContext(ctx, "no usable telemetry for planning", slog.Any("error", err))
	switch {
	case s.lastSOC != nil:
		return *s.lastSOC
	case settings.AssumedCurrentSOCPercent != nil:
		return *settings.AssumedCurrentSOCPercent
	default:
		return settings.ReserveSOCPercent
	}
}

func (s *Scheduler) recordEnergy(ctx context.Context, tel types.Telemetry) {
	stats := s.energy.add(tel)
	if err := s.storage.UpsertEnergyHistory(ctx, stats); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to record energy history", slog.Any("error", err))
	}
}

func (s *Scheduler) updateOutage(ctx context.Context, settings types.Settings, errs []error) {
	if len(errs) == 0 {
		s.outageStreak = 0
	} else {
		s.outageStreak++
	}
	outage := s.outageStreak > 0 && s.outageStreak >= settings.ProviderOutageAlertCycles
	var was bool
	s.shared.UpdateAlerts(func(a *types.Alerts) {
		was = a.ProviderOutage
		a.ProviderOutage = outage
		a.ProviderOutageCycles = s.outageStreak
		a.ProviderError = ""
		if len(errs) > 0 {
			a.ProviderError = errors.Join(errs...).Error()
		}
	})
	switch {
	case outage && !was:
		log.Ctx(ctx).ErrorContext(ctx, "provider outage", slog.Int("cycles", s.outageStreak), slog.Any("error", errors.Join(errs...)))
	case !outage && was:
		log.Ctx(ctx).InfoContext(ctx, "providers recovered")
	}
}

// ControlTick runs one executor tick against the published plan.
func (s *Scheduler) ControlTick(ctx context.Context) types.ExecutorState {
	settings := s.settings()
	now := s.now()
	plan := s.shared.Plan()
	if plan != nil {
		metrics.SetPlanAge(now.Sub(plan.GeneratedAt))
	}

	st := s.executor.Tick(ctx, executor.TickInput{
		Now:      now,
		Plan:     plan,
		Settings: settings,
		Paused:   s.shared.Paused(),
	})
	s.shared.MarkControl(now, s.executor.Action(), st)

	if s.publisher != nil {
		s.publisher.PublishStatus(ctx, s.shared.Status(now))
	}
	return st
}
