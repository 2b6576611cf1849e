package ess

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/godbus/dbus/v5"

	"github.com/helios-ems/helios/pkg/log"
	"github.com/helios-ems/helios/pkg/types"
)

const (
	victronSettingsService = "com.victronenergy.settings"
	victronSystemService   = "com.victronenergy.system"
	victronSetpointPath    = "/Settings/CGwacs/AcPowerSetPoint"

	busItemGetValue = "com.victronenergy.BusItem.GetValue"
	busItemSetValue = "com.victronenergy.BusItem.SetValue"
)

// busObject is the part of dbus.BusObject we use.
type busObject interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// DBus talks to Venus OS over D-Bus.
type DBus struct {
	conn   *dbus.Conn
	object func(dest string, path dbus.ObjectPath) busObject
}

// DialDBus connects to address, or the system bus if address is empty.
func DialDBus(address string) (*DBus, error) {
	var conn *dbus.Conn
	var err error
	if address == "" {
		conn, err = dbus.ConnectSystemBus()
	} else {
		conn, err = dbus.Connect(address)
	}
	if err != nil {
		return nil, err
	}
	return &DBus{
		conn: conn,
		object: func(dest string, path dbus.ObjectPath) busObject {
			return conn.Object(dest, path)
		},
	}, nil
}

func (d *DBus) getValue(ctx context.Context, dest, path string) (float64, bool, error) {
	call := d.object(dest, dbus.ObjectPath(path)).CallWithContext(ctx, busItemGetValue, 0)
	if call.Err != nil {
		return 0, false, call.Err
	}
	var v dbus.Variant
	if err := call.Store(&v); err != nil {
		return 0, false, err
	}
	f, ok := variantFloat(v.Value())
	return f, ok, nil
}

// variantFloat converts a BusItem value. Venus reports an empty array for
// invalid values.
func variantFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint16:
		return float64(n), true
	case byte:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// ReadTelemetry reads the system service. A missing or invalid path reads as
// 0 but a failed SoC read fails the whole reading.
func (d *DBus) ReadTelemetry(ctx context.Context) (types.Telemetry, error) {
	soc, ok, err := d.getValue(ctx, victronSystemService, "/Dc/Battery/Soc")
	if err != nil {
		return types.Telemetry{}, fmt.Errorf("failed to read battery soc: %w", err)
	}
	if !ok {
		return types.Telemetry{}, fmt.Errorf("battery soc is not available")
	}

	sum := func(paths ...string) float64 {
		var total float64
		for _, p := range paths {
			v, _, err := d.getValue(ctx, victronSystemService, p)
			if err != nil {
				log.Ctx(ctx).DebugContext(ctx, "dbus path unavailable", slog.String("path", p), slog.Any("error", err))
				continue
			}
			total += v
		}
		return total
	}
	phases := func(prefix string) []string {
		return []string{prefix + "/L1/Power", prefix + "/L2/Power", prefix + "/L3/Power"}
	}

	return types.Telemetry{
		Timestamp:  timeNow(),
		PVW:        sum(append(append(phases("/Ac/PvOnOutput"), phases("/Ac/PvOnGrid")...), "/Dc/Pv/Power")...),
		GridW:      sum(phases("/Ac/Grid")...),
		BatteryW:   sum("/Dc/Battery/Power"),
		BatterySOC: soc,
		LoadW:      sum(phases("/Ac/Consumption")...),
	}, nil
}

func (d *DBus) WriteSetpoint(ctx context.Context, watts int) error {
	if watts > math.MaxInt32 || watts < math.MinInt32 {
		return fmt.Errorf("%w: setpoint %d out of range", ErrDeviceWrite, watts)
	}
	call := d.object(victronSettingsService, victronSetpointPath).
		CallWithContext(ctx, busItemSetValue, 0, dbus.MakeVariant(int32(watts)))
	if call.Err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceWrite, call.Err)
	}
	return nil
}

func (d *DBus) ReadSetpoint(ctx context.Context) (int, error) {
	v, ok, err := d.getValue(ctx, victronSettingsService, victronSetpointPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read setpoint: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("setpoint is not available")
	}
	return int(math.Round(v)), nil
}

func (d *DBus) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}
