// Package price fetches raw electricity prices and converts them into buy
// and sell quotes.
package price

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/helios-ems/helios/pkg/types"
)

// ErrProviderUnavailable is returned when prices cannot be fetched or the
// provider returned nothing usable.
var ErrProviderUnavailable = errors.New("price provider unavailable")

// Source fetches raw prices.
type Source interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Prices returns raw price points whose intervals overlap [start, end),
	// ordered by start time.
	Prices(ctx context.Context, start, end time.Time) ([]types.RawPrice, error)
}

// Configured registers the price flags and returns the selected source.
func Configured() Source {
	provider := lflag.String("price-provider", "stub", "Price provider to use (stub, tibber)")
	tibber := configuredTibber()

	sel := &selected{}
	lflag.Do(func() {
		switch *provider {
		case "stub":
			sel.Source = Stub{}
		case "tibber":
			if err := tibber.Validate(); err != nil {
				panic(fmt.Sprintf("invalid tibber config: %v", err))
			}
			sel.Source = tibber
		default:
			panic(fmt.Sprintf("unknown price provider: %s", *provider))
		}
	})
	return sel
}

// selected defers to the source chosen once flags are parsed.
type selected struct {
	Source
}

// Quotes converts raw prices into per-interval buy and sell quotes using the
// tariff of s. Each raw point covers the time until the next point, capped at
// the feed's resolution. Points with non-finite prices are dropped.
func Quotes(raw []types.RawPrice, s types.Settings) []types.PriceQuote {
	points := make([]types.RawPrice, 0, len(raw))
	for _, p := range raw {
		if !finite(p.EURPerKWH) {
			continue
		}
		points = append(points, p)
	}
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].TSStart.Before(points[j].TSStart)
	})

	resolution := time.Duration(0)
	for i := 1; i < len(points); i++ {
		gap := points[i].TSStart.Sub(points[i-1].TSStart)
		if gap > 0 && (resolution == 0 || gap < resolution) {
			resolution = gap
		}
	}
	if resolution == 0 {
		resolution = time.Hour
	}

	quotes := make([]types.PriceQuote, 0, len(points))
	for i, p := range points {
		// duplicate timestamps keep the last value
		if i+1 < len(points) && points[i+1].TSStart.Equal(p.TSStart) {
			continue
		}
		end := p.TSStart.Add(resolution)
		if i+1 < len(points) && points[i+1].TSStart.Before(end) {
			end = points[i+1].TSStart
		}
		buy := p.EURPerKWH*s.BuyPriceMultiplier + s.BuyPriceFeeEURPerKWH
		sell := p.EURPerKWH*s.SellPriceMultiplier - s.SellPriceFeeEURPerKWH
		if !finite(buy) || !finite(sell) {
			continue
		}
		quotes = append(quotes, types.PriceQuote{
			TSStart:       p.TSStart,
			TSEnd:         end,
			RawEURPerKWH:  p.EURPerKWH,
			BuyEURPerKWH:  buy,
			SellEURPerKWH: sell,
		})
	}
	return quotes
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
