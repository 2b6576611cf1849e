// Package state holds the snapshots shared between the scheduler loops and
// the status readers.
package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/helios-ems/helios/pkg/types"
)

// Shared is safe for concurrent use. Readers always observe whole snapshots.
type Shared struct {
	plan   atomic.Pointer[types.Plan]
	paused atomic.Bool

	mu          sync.RWMutex
	lastRecalc  time.Time
	lastControl time.Time
	action      types.ActionState
	executor    types.ExecutorState
	alerts      types.Alerts
}

// New returns an empty Shared.
func New() *Shared {
	return &Shared{
		action: types.ActionState{Action: types.ActionIdle},
	}
}

// Plan returns the published plan or nil.
func (s *Shared) Plan() *types.Plan {
	return s.plan.Load()
}

// PublishPlan replaces the plan unless p is older than the published one.
// It reports whether p was published.
func (s *Shared) PublishPlan(p *types.Plan) bool {
	if p == nil {
		return false
	}
	for {
		old := s.plan.Load()
		if old != nil && p.GeneratedAt.Before(old.GeneratedAt) {
			return false
		}
		if s.plan.CompareAndSwap(old, p) {
			return true
		}
	}
}

// Paused reports whether automation is paused.
func (s *Shared) Paused() bool {
	return s.paused.Load()
}

// SetPaused sets the pause flag and reports whether it changed.
func (s *Shared) SetPaused(paused bool) bool {
	return s.paused.Swap(paused) != paused
}

// MarkRecalc records a finished replan.
func (s *Shared) MarkRecalc(t time.Time) {
	s.mu.Lock()
	s.lastRecalc = t
	s.mu.Unlock()
}

// MarkControl records a finished control tick along with its outcome.
func (s *Shared) MarkControl(t time.Time, action types.ActionState, exec types.ExecutorState) {
	s.mu.Lock()
	s.lastControl = t
	s.action = action
	s.executor = exec
	s.alerts.DeviceFailsafe = exec.Failsafe
	s.mu.Unlock()
}

// UpdateAlerts applies fn to the alerts under the lock.
func (s *Shared) UpdateAlerts(fn func(*types.Alerts)) {
	s.mu.Lock()
	fn(&s.alerts)
	s.mu.Unlock()
}

// Alerts returns the current alerts.
func (s *Shared) Alerts() types.Alerts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alerts
}

// Status returns a consistent snapshot for status consumers.
func (s *Shared) Status(now time.Time) types.Status {
	s.mu.RLock()
	st := types.Status{
		Timestamp:       now,
		AutomationPause: s.paused.Load(),
		LastRecalcAt:    s.lastRecalc,
		LastControlAt:   s.lastControl,
		Action:          s.action,
		Executor:        s.executor,
		Alerts:          s.alerts,
	}
	s.mu.RUnlock()

	if p := s.plan.Load(); p != nil {
		st.PlanID = p.ID
		st.PlanGeneratedAt = p.GeneratedAt
		st.PlanAgeSeconds = now.Sub(p.GeneratedAt).Seconds()
		st.PlanDegraded = p.Degraded
		st.Alerts.PlanDegraded = p.Degraded
	}
	return st
}
