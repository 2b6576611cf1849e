package scheduler

import (
	"time"

	"github.com/helios-ems/helios/pkg/types"
)

// maxSampleGap bounds how long one telemetry sample is assumed to hold.
const maxSampleGap = 15 * time.Minute

// energyRecorder folds telemetry samples into hourly EnergyStats.
type energyRecorder struct {
	cur  types.EnergyStats
	last time.Time
}

// add folds in one sample and returns the stats of the sample's hour. Power
// is held from the previous sample up to maxSampleGap.
func (r *energyRecorder) add(t types.Telemetry) types.EnergyStats {
	hour := t.Timestamp.Truncate(time.Hour)
	if !r.cur.TSHourStart.Equal(hour) {
		r.cur = types.EnergyStats{
			TSHourStart:   hour,
			MinBatterySOC: t.BatterySOC,
			MaxBatterySOC: t.BatterySOC,
		}
	}

	var hours float64
	if !r.last.IsZero() && t.Timestamp.After(r.last) {
		hours = min(t.Timestamp.Sub(r.last), maxSampleGap).Hours()
	}
	r.last = t.Timestamp

	r.cur.Samples++
	r.cur.MinBatterySOC = min(r.cur.MinBatterySOC, t.BatterySOC)
	r.cur.MaxBatterySOC = max(r.cur.MaxBatterySOC, t.BatterySOC)
	r.cur.SolarKWH += max(t.PVW, 0) * hours / 1000
	r.cur.HomeKWH += max(t.LoadW, 0) * hours / 1000
	if t.GridW > 0 {
		r.cur.GridImportKWH += t.GridW * hours / 1000
	} else {
		r.cur.GridExportKWH += -t.GridW * hours / 1000
	}
	return r.cur
}
