package forecast

import (
	"context"
	"math"
	"time"

	"github.com/helios-ems/helios/pkg/types"
)

// Synthetic is a fixed daily profile: a solar bell curve peaking at 13:00 and
// a base load with morning and evening peaks.
type Synthetic struct {
	settings SettingsFunc
	loc      *time.Location
}

// NewSynthetic returns a profile scaled by the pv_peak_w and base_load_w
// settings, following the clock in loc.
func NewSynthetic(settings SettingsFunc, loc *time.Location) *Synthetic {
	if loc == nil {
		loc = time.Local
	}
	return &Synthetic{settings: settings, loc: loc}
}

func (s *Synthetic) Name() string {
	return "synthetic"
}

func (s *Synthetic) Forecast(ctx context.Context, start, end time.Time, window time.Duration) ([]types.ForecastSample, error) {
	cfg := s.settings()
	var samples []types.ForecastSample
	windows(start, end, window, func(ws, we time.Time) {
		h := s.hourOf(ws.Add(window / 2))
		samples = append(samples, types.ForecastSample{
			TSStart: ws,
			TSEnd:   we,
			SolarW:  solarAt(h, cfg.PVPeakW),
			LoadW:   loadAt(h, cfg.BaseLoadW),
		})
	})
	return samples, nil
}

// hourOf returns the fractional local hour of t.
func (s *Synthetic) hourOf(t time.Time) float64 {
	t = t.In(s.loc)
	return float64(t.Hour()) + float64(t.Minute())/60 + float64(t.Second())/3600
}

func solarAt(h, peakW float64) float64 {
	if h < 5 || h >= 21 {
		return 0
	}
	return peakW * math.Exp(-0.5*math.Pow((h-13)/2.5, 2))
}

func loadAt(h, baseW float64) float64 {
	w := baseW
	if h >= 6 && h < 9 {
		w += 1000
	}
	if h >= 17 && h < 22 {
		w += 1200
	}
	return w
}
