// Package forecast predicts solar production and home load per planning
// slot.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/helios-ems/helios/pkg/types"
)

// ErrProviderUnavailable is returned when a forecast cannot be produced.
var ErrProviderUnavailable = errors.New("forecast provider unavailable")

// Source produces one sample per window between start and end.
type Source interface {
	Name() string
	Forecast(ctx context.Context, start, end time.Time, window time.Duration) ([]types.ForecastSample, error)
}

// HistoryReader reads recorded hourly energy totals.
type HistoryReader interface {
	GetEnergyHistory(ctx context.Context, start, end time.Time) ([]types.EnergyStats, error)
}

// SettingsFunc returns the active settings snapshot.
type SettingsFunc func() types.Settings

// Configured registers the forecast flags and returns the selected source.
func Configured(settings SettingsFunc, history HistoryReader) Source {
	provider := lflag.String("forecast-provider", "synthetic", "Forecast provider to use (synthetic, solcast, history)")
	tz := lflag.String("forecast-timezone", "Local", "IANA timezone the daily solar and load profile follows")
	solcast := configuredSolcast()

	sel := &selected{}
	lflag.Do(func() {
		loc, err := time.LoadLocation(*tz)
		if err != nil {
			panic(fmt.Sprintf("invalid forecast-timezone: %v", err))
		}
		synth := NewSynthetic(settings, loc)
		switch *provider {
		case "synthetic":
			sel.Source = synth
		case "solcast":
			if err := solcast.Validate(); err != nil {
				panic(fmt.Sprintf("invalid solcast config: %v", err))
			}
			solcast.load = synth
			sel.Source = solcast
		case "history":
			sel.Source = NewHistory(history, synth)
		default:
			panic(fmt.Sprintf("unknown forecast provider: %s", *provider))
		}
	})
	return sel
}

type selected struct {
	Source
}

// windows calls fn for every window-sized interval in [start, end).
func windows(start, end time.Time, window time.Duration, fn func(s, e time.Time)) {
	if window <= 0 {
		return
	}
	for s := start; s.Before(end); s = s.Add(window) {
		fn(s, s.Add(window))
	}
}
