package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/helios-ems/helios/pkg/types"
)

// Memory keeps everything in process. It is the default when no database is
// configured and loses all history on restart.
type Memory struct {
	mu              sync.RWMutex
	settings        *types.Settings
	settingsVersion int
	plans           []*types.Plan
	transitions     []types.Transition
	energy          map[time.Time]types.EnergyStats
}

// NewMemory returns an empty Memory.
func NewMemory() *Memory {
	return &Memory{
		energy: make(map[time.Time]types.EnergyStats),
	}
}

func (m *Memory) GetSettings(ctx context.Context) (types.Settings, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.settings == nil {
		return types.Settings{}, 0, ErrNotFound
	}
	return m.settings.Clone(), m.settingsVersion, nil
}

func (m *Memory) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := settings.Clone()
	m.settings = &s
	m.settingsVersion = version
	return nil
}

// InsertPlan keeps only the most recent plans.
func (m *Memory) InsertPlan(ctx context.Context, plan *types.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans = append(m.plans, plan)
	if len(m.plans) > memoryPlanLimit {
		m.plans = m.plans[len(m.plans)-memoryPlanLimit:]
	}
	return nil
}

const memoryPlanLimit = 16

func (m *Memory) GetLatestPlan(ctx context.Context) (*types.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *types.Plan
	for _, p := range m.plans {
		if latest == nil || !p.GeneratedAt.Before(latest.GeneratedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (m *Memory) InsertTransition(ctx context.Context, t types.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, t)
	return nil
}

func (m *Memory) GetTransitions(ctx context.Context, start, end time.Time) ([]types.Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Transition
	for _, t := range m.transitions {
		if !t.Timestamp.Before(start) && t.Timestamp.Before(end) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (m *Memory) UpsertEnergyHistory(ctx context.Context, stats types.EnergyStats) error {
	if stats.TSHourStart.IsZero() {
		return errMissingHourStart
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.energy[stats.TSHourStart.UTC()] = stats
	return nil
}

func (m *Memory) GetEnergyHistory(ctx context.Context, start, end time.Time) ([]types.EnergyStats, error) {
	start = start.Truncate(time.Hour)
	end = end.Truncate(time.Hour)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.EnergyStats
	for ts, s := range m.energy {
		if !ts.Before(start) && ts.Before(end) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TSHourStart.Before(out[j].TSHourStart)
	})
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}
