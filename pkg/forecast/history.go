package forecast

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/helios-ems/helios/pkg/log"
	"github.com/helios-ems/helios/pkg/types"
)

const (
	historyLookback = 7 * 24 * time.Hour
	// a single hour reading above this multiple of every other reading for
	// the same hour of day is ignored
	outlierMultiple = 3.0
)

// History predicts load from the hour-of-day average of recorded energy
// history and takes solar from fallback. Hours without history use the
// fallback load as well.
type History struct {
	history  HistoryReader
	fallback *Synthetic
}

// NewHistory returns a history-based source.
func NewHistory(history HistoryReader, fallback *Synthetic) *History {
	return &History{history: history, fallback: fallback}
}

func (h *History) Name() string {
	return "history"
}

func (h *History) Forecast(ctx context.Context, start, end time.Time, window time.Duration) ([]types.ForecastSample, error) {
	// the hour containing start is still being recorded
	openHour := start.Truncate(time.Hour)
	stats, err := h.history.GetEnergyHistory(ctx, start.Add(-historyLookback), openHour)
	if err != nil {
		return nil, fmt.Errorf("%w: energy history: %w", ErrProviderUnavailable, err)
	}
	closed := make([]types.EnergyStats, 0, len(stats))
	for _, st := range stats {
		if st.TSHourStart.Before(openHour) {
			closed = append(closed, st)
		}
	}
	stats = closed
	model := buildHourlyLoadModel(ctx, stats, h.fallback.loc)

	samples, err := h.fallback.Forecast(ctx, start, end, window)
	if err != nil {
		return nil, err
	}
	for i := range samples {
		hour := samples[i].TSStart.Add(window / 2).In(h.fallback.loc).Hour()
		if kwh, ok := model[hour]; ok {
			samples[i].LoadW = kwh * 1000
		}
	}
	return samples, nil
}

// buildHourlyLoadModel averages home load per hour of day in kWh. Readings
// at or below 0.1 kWh are treated as noise.
func buildHourlyLoadModel(ctx context.Context, history []types.EnergyStats, loc *time.Location) map[int]float64 {
	hourly := make(map[int][]float64)
	for _, s := range history {
		if s.TSHourStart.IsZero() {
			continue
		}
		hour := s.TSHourStart.In(loc).Hour()
		hourly[hour] = append(hourly[hour], s.HomeKWH)
	}

	model := make(map[int]float64)
	for hour, points := range hourly {
		valid := points
		if len(points) >= 3 {
			var outliers []int
			for i, p := range points {
				isOutlier := true
				for j, other := range points {
					if i == j {
						continue
					}
					if p <= other*outlierMultiple {
						isOutlier = false
						break
					}
				}
				if isOutlier {
					outliers = append(outliers, i)
				}
			}
			if len(outliers) == 1 {
				log.Ctx(ctx).DebugContext(
					ctx,
					"ignoring outlier load reading",
					slog.Int("hour", hour),
					slog.Float64("homeKWH", points[outliers[0]]),
				)
				valid = make([]float64, 0, len(points)-1)
				for i, p := range points {
					if i != outliers[0] {
						valid = append(valid, p)
					}
				}
			}
		}

		var total, count float64
		for _, p := range valid {
			if p > 0.1 {
				total += p
				count++
			}
		}
		if count > 0 {
			model[hour] = total / count
		}
	}
	return model
}
