package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helios-ems/helios/pkg/types"
)

func TestStore(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects invalid initial", func(t *testing.T) {
		s := types.DefaultSettings()
		s.MinSOCPercent = 50
		s.MaxSOCPercent = 40
		_, err := NewStore(s)
		assert.ErrorIs(t, err, types.ErrConfigInvalid)
	})

	t.Run("replace keeps previous on error", func(t *testing.T) {
		st, err := NewStore(types.DefaultSettings())
		require.NoError(t, err)

		bad := types.DefaultSettings()
		bad.RecalculationIntervalSeconds = bad.PlanningWindowSeconds + 1
		err = st.Replace(ctx, bad)
		assert.ErrorIs(t, err, types.ErrConfigInvalid)
		assert.Equal(t, types.DefaultSettings().RecalculationIntervalSeconds, st.Load().RecalculationIntervalSeconds)
	})

	t.Run("replace notifies listeners", func(t *testing.T) {
		st, err := NewStore(types.DefaultSettings())
		require.NoError(t, err)

		var got []bool
		st.OnChange(func(s types.Settings) {
			got = append(got, s.DryRun)
		})
		next := types.DefaultSettings()
		next.DryRun = true
		require.NoError(t, st.Replace(ctx, next))
		assert.Equal(t, []bool{true}, got)
		assert.True(t, st.Load().DryRun)
	})

	t.Run("snapshot is isolated from caller", func(t *testing.T) {
		initial := types.DefaultSettings()
		initial.ActionDwellSeconds = map[types.Action]int{types.ActionIdle: 30}
		st, err := NewStore(initial)
		require.NoError(t, err)

		initial.ActionDwellSeconds[types.ActionIdle] = 999
		assert.Equal(t, 30, st.Load().ActionDwellSeconds[types.ActionIdle])
	})

	t.Run("apply partial", func(t *testing.T) {
		st, err := NewStore(types.DefaultSettings())
		require.NoError(t, err)

		next, err := st.Apply(ctx, []byte(`{"gridSellEnabled":true,"minActionDwellSeconds":120}`))
		require.NoError(t, err)
		assert.True(t, next.GridSellEnabled)
		assert.Equal(t, 120, next.MinActionDwellSeconds)
		// untouched fields survive
		assert.Equal(t, types.DefaultSettings().BatteryCapacityKWH, next.BatteryCapacityKWH)
		assert.Equal(t, next, st.Load())
	})

	t.Run("apply unknown field", func(t *testing.T) {
		st, err := NewStore(types.DefaultSettings())
		require.NoError(t, err)

		_, err = st.Apply(ctx, []byte(`{"bogus":1}`))
		assert.ErrorIs(t, err, types.ErrConfigInvalid)
		assert.Equal(t, types.DefaultSettings(), st.Load())
	})

	t.Run("apply invalid", func(t *testing.T) {
		st, err := NewStore(types.DefaultSettings())
		require.NoError(t, err)

		_, err = st.Apply(ctx, []byte(`{"minSOCPercent":99}`))
		assert.ErrorIs(t, err, types.ErrConfigInvalid)
		assert.Equal(t, types.DefaultSettings().MinSOCPercent, st.Load().MinSOCPercent)
	})
}

func TestParse(t *testing.T) {
	t.Run("empty uses defaults", func(t *testing.T) {
		s, err := Parse(nil)
		require.NoError(t, err)
		assert.Equal(t, types.DefaultSettings(), s)
	})

	t.Run("overlay", func(t *testing.T) {
		s, err := Parse([]byte(`
planning_window_seconds: 3600
recalculation_interval_seconds: 600
grid_sell_enabled: true
action_dwell_seconds:
  chargeFromGrid: 1800
assumed_current_soc_percent: 55
`))
		require.NoError(t, err)
		assert.Equal(t, 3600, s.PlanningWindowSeconds)
		assert.Equal(t, 600, s.RecalculationIntervalSeconds)
		assert.True(t, s.GridSellEnabled)
		assert.Equal(t, 1800, s.ActionDwellSeconds[types.ActionChargeFromGrid])
		require.NotNil(t, s.AssumedCurrentSOCPercent)
		assert.Equal(t, 55.0, *s.AssumedCurrentSOCPercent)
		assert.NoError(t, s.Validate())
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := Parse([]byte("planning_windw_seconds: 60\n"))
		assert.ErrorIs(t, err, types.ErrConfigInvalid)
	})
}

func TestReloadFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "helios.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dry_run: true\n"), 0o600))

	st, err := NewStore(types.DefaultSettings())
	require.NoError(t, err)
	st.path = path

	require.NoError(t, st.ReloadFile(ctx))
	assert.True(t, st.Load().DryRun)

	// an invalid file leaves the active snapshot alone
	require.NoError(t, os.WriteFile(path, []byte("min_soc_percent: 99\n"), 0o600))
	assert.ErrorIs(t, st.ReloadFile(ctx), types.ErrConfigInvalid)
	assert.True(t, st.Load().DryRun)
	assert.Equal(t, types.DefaultSettings().MinSOCPercent, st.Load().MinSOCPercent)
}

func TestWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helios.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dry_run: false\n"), 0o600))

	st, err := NewStore(types.DefaultSettings())
	require.NoError(t, err)
	st.path = path
	require.NoError(t, st.ReloadFile(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		st.Watch(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.NoError(t, os.WriteFile(path, []byte("dry_run: true\n"), 0o600))
	// make sure the mtime moves even on coarse filesystems
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	assert.Eventually(t, func() bool {
		return st.Load().DryRun
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
