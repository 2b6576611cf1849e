package price

import (
	"context"
	"math"
	"time"

	"github.com/helios-ems/helios/pkg/types"
)

const (
	stubLowEURPerKWH  = 0.15
	stubHighEURPerKWH = 0.35
)

// Stub produces an hourly sawtooth between 0.15 and 0.35 EUR/kWh, cheapest at
// midnight UTC and most expensive just before the next midnight.
type Stub struct{}

func (Stub) Name() string {
	return "stub"
}

func (Stub) Prices(ctx context.Context, start, end time.Time) ([]types.RawPrice, error) {
	var prices []types.RawPrice
	for ts := start.UTC().Truncate(time.Hour); ts.Before(end); ts = ts.Add(time.Hour) {
		prices = append(prices, types.RawPrice{
			Provider:  "stub",
			TSStart:   ts,
			EURPerKWH: stubPrice(ts),
		})
	}
	return prices, nil
}

func stubPrice(ts time.Time) float64 {
	mid := (stubLowEURPerKWH + stubHighEURPerKWH) / 2
	amp := (stubHighEURPerKWH - stubLowEURPerKWH) / 2
	phase := float64(ts.UTC().Hour()%24) / 24
	return math.Round((mid+amp*(2*phase-1))*1e4) / 1e4
}
