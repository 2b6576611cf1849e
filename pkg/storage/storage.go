package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/helios-ems/helios/pkg/types"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	errMissingHourStart = errors.New("energy stats missing tsHourStart")
)

// Database defines the interface for persisting settings, plans, transitions
// and energy history for one installation.
type Database interface {
	// Settings
	GetSettings(ctx context.Context) (types.Settings, int, error)
	SetSettings(ctx context.Context, settings types.Settings, version int) error

	// Plans
	InsertPlan(ctx context.Context, plan *types.Plan) error
	GetLatestPlan(ctx context.Context) (*types.Plan, error)

	// Transitions
	InsertTransition(ctx context.Context, t types.Transition) error
	GetTransitions(ctx context.Context, start, end time.Time) ([]types.Transition, error)

	// Energy history, one record per hour
	UpsertEnergyHistory(ctx context.Context, stats types.EnergyStats) error
	GetEnergyHistory(ctx context.Context, start, end time.Time) ([]types.EnergyStats, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "memory", "Storage provider to use (available: memory, firestore)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "memory":
			p.Database = NewMemory()
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
