package price

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helios-ems/helios/pkg/types"
)

func TestQuotes(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("tariff", func(t *testing.T) {
		s := types.DefaultSettings()
		s.BuyPriceMultiplier = 1.2
		s.BuyPriceFeeEURPerKWH = 0.1
		s.SellPriceMultiplier = 0.9
		s.SellPriceFeeEURPerKWH = 0.01

		q := Quotes([]types.RawPrice{{TSStart: base, EURPerKWH: 0.2}}, s)
		require.Len(t, q, 1)
		assert.InDelta(t, 0.34, q[0].BuyEURPerKWH, 1e-9)
		assert.InDelta(t, 0.17, q[0].SellEURPerKWH, 1e-9)
		assert.Equal(t, base, q[0].TSStart)
		assert.Equal(t, base.Add(time.Hour), q[0].TSEnd)
	})

	t.Run("sell may exceed buy", func(t *testing.T) {
		s := types.DefaultSettings()
		s.BuyPriceMultiplier = 0.5
		s.SellPriceMultiplier = 1

		q := Quotes([]types.RawPrice{{TSStart: base, EURPerKWH: 0.2}}, s)
		require.Len(t, q, 1)
		assert.Greater(t, q[0].SellEURPerKWH, q[0].BuyEURPerKWH)
	})

	t.Run("resolution from smallest gap", func(t *testing.T) {
		raw := []types.RawPrice{
			{TSStart: base.Add(30 * time.Minute), EURPerKWH: 0.3},
			{TSStart: base, EURPerKWH: 0.1},
			{TSStart: base.Add(15 * time.Minute), EURPerKWH: 0.2},
		}
		q := Quotes(raw, types.DefaultSettings())
		require.Len(t, q, 3)
		assert.Equal(t, base, q[0].TSStart)
		assert.Equal(t, base.Add(15*time.Minute), q[0].TSEnd)
		assert.Equal(t, base.Add(30*time.Minute), q[1].TSEnd)
		assert.Equal(t, base.Add(45*time.Minute), q[2].TSEnd)
	})

	t.Run("gaps are not bridged", func(t *testing.T) {
		raw := []types.RawPrice{
			{TSStart: base, EURPerKWH: 0.1},
			{TSStart: base.Add(time.Hour), EURPerKWH: 0.2},
			{TSStart: base.Add(5 * time.Hour), EURPerKWH: 0.3},
		}
		q := Quotes(raw, types.DefaultSettings())
		require.Len(t, q, 3)
		assert.Equal(t, base.Add(2*time.Hour), q[1].TSEnd)
	})

	t.Run("drops non-finite", func(t *testing.T) {
		raw := []types.RawPrice{
			{TSStart: base, EURPerKWH: math.NaN()},
			{TSStart: base.Add(time.Hour), EURPerKWH: math.Inf(1)},
			{TSStart: base.Add(2 * time.Hour), EURPerKWH: 0.2},
		}
		q := Quotes(raw, types.DefaultSettings())
		require.Len(t, q, 1)
		assert.Equal(t, base.Add(2*time.Hour), q[0].TSStart)
	})

	t.Run("empty", func(t *testing.T) {
		assert.Empty(t, Quotes(nil, types.DefaultSettings()))
	})
}

func TestStub(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 20, 0, 0, time.UTC)

	prices, err := Stub{}.Prices(ctx, start, start.Add(24*time.Hour))
	require.NoError(t, err)
	// the first point is truncated to the hour so it covers start
	require.Len(t, prices, 25)
	assert.Equal(t, start.Truncate(time.Hour), prices[0].TSStart)

	assert.Equal(t, 0.15, prices[0].EURPerKWH)
	assert.Equal(t, 0.25, prices[12].EURPerKWH)
	assert.InDelta(t, 0.3417, prices[23].EURPerKWH, 1e-9)
	for i := 1; i < 24; i++ {
		assert.Greater(t, prices[i].EURPerKWH, prices[i-1].EURPerKWH)
	}
	for _, p := range prices {
		assert.Equal(t, "stub", p.Provider)
		assert.GreaterOrEqual(t, p.EURPerKWH, stubLowEURPerKWH)
		assert.Less(t, p.EURPerKWH, stubHighEURPerKWH)
	}
}
