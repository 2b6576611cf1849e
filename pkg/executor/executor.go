// Package executor applies the state machine's setpoint to the device once
// per control tick, with retries, a watchdog and a failsafe.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/helios-ems/helios/pkg/log"
	"github.com/helios-ems/helios/pkg/metrics"
	"github.com/helios-ems/helios/pkg/statemachine"
	"github.com/helios-ems/helios/pkg/types"
)

// Sink accepts grid setpoints. ess.System satisfies it.
type Sink interface {
	WriteSetpoint(ctx context.Context, watts int) error
	ReadSetpoint(ctx context.Context) (int, error)
}

// TickInput is everything one tick reads.
type TickInput struct {
	Now      time.Time
	Plan     *types.Plan
	Settings types.Settings
	Paused   bool
}

// Executor owns the ExecutorState. Tick and Shutdown must not be called
// concurrently.
type Executor struct {
	sink         Sink
	machine      *statemachine.Machine
	onTransition func(types.Transition)

	state types.ExecutorState
	// zeroed is set once the pause zero write succeeded
	zeroed bool
}

// New returns an Executor. onTransition may be nil and must not block.
func New(sink Sink, machine *statemachine.Machine, onTransition func(types.Transition)) *Executor {
	return &Executor{
		sink:         sink,
		machine:      machine,
		onTransition: onTransition,
	}
}

// State returns the executor state after the last tick.
func (e *Executor) State() types.ExecutorState {
	return e.state
}

// Action returns the state machine's current action.
func (e *Executor) Action() types.ActionState {
	return e.machine.Snapshot()
}

func (e *Executor) emit(t *types.Transition) {
	if t != nil && e.onTransition != nil {
		e.onTransition(*t)
	}
}

// Tick runs one control cycle and returns the resulting state.
func (e *Executor) Tick(ctx context.Context, in TickInput) types.ExecutorState {
	metrics.IncControlTick()
	s := in.Settings
	now := in.Now
	e.state.DryRun = s.DryRun

	if in.Paused {
		e.pause(ctx, now, s)
		return e.finish()
	}
	if e.state.Paused {
		e.state.Paused = false
		e.zeroed = false
		e.machine.Resume()
		log.Ctx(ctx).InfoContext(ctx, "automation resumed")
	}

	d := e.machine.Evaluate(ctx, now, in.Plan, s)
	e.emit(d.Transition)

	lo, hi := types.SetpointBounds(s.Battery(), s.Grid())
	target, clamped := types.ClampSetpoint(d.SetpointW, lo, hi)
	if clamped {
		metrics.IncInvariantViolation("executor")
		log.Ctx(ctx).WarnContext(
			ctx,
			"setpoint outside limits, clamping",
			slog.Int("setpointW", d.SetpointW),
			slog.Int("clampedW", target),
			slog.Int("lo", lo),
			slog.Int("hi", hi),
		)
	}
	if e.state.Failsafe {
		target = 0
	} else if !e.state.LastApplyTime.IsZero() && s.GridRampWPerSecond > 0 {
		step := int(float64(s.GridRampWPerSecond) * s.ControlInterval().Seconds())
		target, _ = types.ClampSetpoint(ramp(e.state.LastAppliedSetpointW, target, step), lo, hi)
	}

	err := e.write(ctx, target, s)
	if err == nil {
		e.applied(ctx, now, target, s)
		return e.finish()
	}

	e.state.ConsecutiveFailures++
	e.state.LastError = err.Error()
	log.Ctx(ctx).WarnContext(
		ctx,
		"failed to write setpoint",
		slog.Int("setpointW", target),
		slog.Int("consecutiveFailures", e.state.ConsecutiveFailures),
		slog.Any("error", err),
	)

	var reason string
	switch {
	case e.state.ConsecutiveFailures > s.WriteFailureCap:
		reason = fmt.Sprintf("%d consecutive write failures", e.state.ConsecutiveFailures)
	case !e.state.WatchdogDeadline.IsZero() && !now.Before(e.state.WatchdogDeadline):
		metrics.IncWatchdogMisfire()
		reason = "watchdog deadline passed"
	}
	if reason != "" && !e.state.Failsafe {
		e.enterFailsafe(ctx, now, target, reason, s)
	}
	if e.state.Failsafe {
		e.state.EffectiveSetpointW = 0
	}
	return e.finish()
}

func (e *Executor) pause(ctx context.Context, now time.Time, s types.Settings) {
	if !e.state.Paused {
		e.state.Paused = true
		e.state.WatchdogDeadline = time.Time{}
		e.emit(e.machine.Pause(ctx, now))
		log.Ctx(ctx).InfoContext(ctx, "automation paused")
	}
	if e.zeroed {
		return
	}
	if err := e.write(ctx, 0, s); err != nil {
		e.state.LastError = err.Error()
		log.Ctx(ctx).WarnContext(ctx, "failed to zero setpoint for pause", slog.Any("error", err))
		return
	}
	e.zeroed = true
	e.state.LastAppliedSetpointW = 0
	e.state.LastApplyTime = now
	e.state.EffectiveSetpointW = 0
	e.state.ConsecutiveFailures = 0
	e.state.LastError = ""
}

func (e *Executor) applied(ctx context.Context, now time.Time, w int, s types.Settings) {
	e.state.ConsecutiveFailures = 0
	e.state.LastAppliedSetpointW = w
	e.state.LastApplyTime = now
	e.state.EffectiveSetpointW = w
	e.state.WatchdogDeadline = now.Add(s.WatchdogTimeout())
	e.state.LastError = ""
	if e.state.Failsafe {
		e.state.Failsafe = false
		e.machine.ClearFault()
		log.Ctx(ctx).InfoContext(ctx, "setpoint write succeeded, leaving failsafe")
	}
	if !s.DryRun {
		e.verify(ctx, w, s)
	}
}

func (e *Executor) enterFailsafe(ctx context.Context, now time.Time, target int, reason string, s types.Settings) {
	e.state.Failsafe = true
	log.Ctx(ctx).ErrorContext(
		ctx,
		"entering failsafe",
		slog.String("reason", reason),
		slog.Int("consecutiveFailures", e.state.ConsecutiveFailures),
	)
	e.emit(e.machine.Fault(ctx, now, reason))
	if target == 0 || s.DryRun {
		return
	}
	// single best effort attempt, the device default takes over otherwise
	if err := e.writeOnce(ctx, 0, s); err != nil {
		log.Ctx(ctx).DebugContext(ctx, "failsafe zero write failed", slog.Any("error", err))
		return
	}
	e.state.LastAppliedSetpointW = 0
	e.state.LastApplyTime = now
}

// write sends w with bounded exponential backoff. Dry runs succeed without
// touching the device.
func (e *Executor) write(ctx context.Context, w int, s types.Settings) error {
	if s.DryRun {
		log.Ctx(ctx).InfoContext(ctx, "dry run: would write setpoint", slog.Int("setpointW", w))
		metrics.ObserveApply(metrics.ResultDryRun, 0)
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.WriteRetryDelay()
	bo.MaxElapsedTime = s.ControlInterval() / 2
	b := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(max(s.DBusWriteRetries, 0))), ctx)

	start := time.Now()
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return e.writeOnce(ctx, w, s)
	}, b)
	if err != nil {
		metrics.ObserveApply(metrics.ResultError, time.Since(start))
		return fmt.Errorf("writing %dW after %d attempts: %w", w, attempts, err)
	}
	metrics.ObserveApply(metrics.ResultSuccess, time.Since(start))
	log.Ctx(ctx).DebugContext(ctx, "wrote setpoint", slog.Int("setpointW", w), slog.Int("attempts", attempts))
	return nil
}

// callTimeout bounds a single device call so that a hung write or read
// counts as a failed attempt and the tick still completes.
func callTimeout(s types.Settings) time.Duration {
	return s.ControlInterval() / time.Duration(2*(max(s.DBusWriteRetries, 0)+1))
}

func (e *Executor) writeOnce(ctx context.Context, w int, s types.Settings) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout(s))
	defer cancel()
	return e.sink.WriteSetpoint(ctx, w)
}

func (e *Executor) readOnce(ctx context.Context, s types.Settings) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout(s))
	defer cancel()
	return e.sink.ReadSetpoint(ctx)
}

// verify reads the setpoint back and rewrites it when the device holds
// something else.
func (e *Executor) verify(ctx context.Context, w int, s types.Settings) {
	for i := 0; i < s.DBusReassertAttempts; i++ {
		got, err := e.readOnce(ctx, s)
		if err != nil {
			log.Ctx(ctx).DebugContext(ctx, "failed to read back setpoint", slog.Any("error", err))
			return
		}
		if got == w {
			return
		}
		metrics.IncMisapply()
		log.Ctx(ctx).WarnContext(
			ctx,
			"device setpoint differs from applied, reasserting",
			slog.Int("expectedW", w),
			slog.Int("actualW", got),
		)
		metrics.IncReassert()
		if err := e.writeOnce(ctx, w, s); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to reassert setpoint", slog.Any("error", err))
			return
		}
	}
}

func (e *Executor) finish() types.ExecutorState {
	metrics.SetExecutorState(e.state.EffectiveSetpointW, e.state.Failsafe, e.state.Paused)
	return e.state
}

// Shutdown makes one bounded attempt to write a zero setpoint. It runs even
// when ctx is already cancelled.
func (e *Executor) Shutdown(ctx context.Context, s types.Settings) error {
	if s.DryRun {
		log.Ctx(ctx).InfoContext(ctx, "dry run: would zero setpoint on shutdown")
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.ShutdownTimeout())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- e.sink.WriteSetpoint(ctx, 0)
	}()
	select {
	case err := <-done:
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to zero setpoint on shutdown", slog.Any("error", err))
			return err
		}
		e.state.LastAppliedSetpointW = 0
		e.state.EffectiveSetpointW = 0
		log.Ctx(ctx).InfoContext(ctx, "zeroed setpoint on shutdown")
		return nil
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			log.Ctx(ctx).WarnContext(ctx, "timed out zeroing setpoint on shutdown")
		}
		return err
	}
}

func ramp(from, to, step int) int {
	if step <= 0 {
		return to
	}
	if to > from+step {
		return from + step
	}
	if to < from-step {
		return from - step
	}
	return to
}
