package ess

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/helios-ems/helios/pkg/types"
)

// SettingsFunc returns the active settings snapshot.
type SettingsFunc func() types.Settings

// Configured registers the device flags and returns the selected backend.
// The connection is opened once flags are parsed.
func Configured(settings SettingsFunc) System {
	backend := lflag.String("ess-backend", "noop", "Device backend to use (noop, sim, dbus, modbus)")
	dbusAddress := lflag.String("dbus-address", "", "D-Bus address to connect to (defaults to the system bus)")
	modbusAddress := lflag.String("modbus-address", "", "host:port of the GX device Modbus TCP server")
	modbusUnitID := lflag.String("modbus-unit-id", "100", "Modbus unit id of com.victronenergy.system")
	modbusTimeout := lflag.Duration("modbus-timeout", 5*time.Second, "Timeout for one Modbus request")
	simFailWrites := lflag.Bool("sim-fail-writes", false, "Make every simulated setpoint write fail")

	sel := &selected{}
	lflag.Do(func() {
		switch *backend {
		case "noop":
			sel.System = NewNoop()
		case "sim":
			sim := NewSim(settings, time.Now)
			sim.SetFailWrites(*simFailWrites)
			sel.System = sim
		case "dbus":
			d, err := DialDBus(*dbusAddress)
			if err != nil {
				panic(fmt.Sprintf("failed to connect to dbus: %v", err))
			}
			sel.System = d
		case "modbus":
			if *modbusAddress == "" {
				panic("modbus-address is required for the modbus backend")
			}
			unit, err := strconv.ParseUint(*modbusUnitID, 10, 8)
			if err != nil {
				panic(fmt.Sprintf("invalid modbus-unit-id: %v", err))
			}
			m, err := DialModbus(*modbusAddress, byte(unit), *modbusTimeout)
			if err != nil {
				panic(fmt.Sprintf("failed to connect to modbus: %v", err))
			}
			sel.System = m
		default:
			panic(fmt.Sprintf("unknown ess backend: %s", *backend))
		}
	})
	return sel
}

type selected struct {
	System
}

// Close is safe to call even if flags were never parsed.
func (s *selected) Close() error {
	if s.System == nil {
		return nil
	}
	return s.System.Close()
}

// readBack is shared by backends that can't report the setpoint any other
// way than remembering the last write.
func readBack(ctx context.Context, fn func() int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return fn(), nil
}
