package ess

import (
	"context"
	"errors"
	"time"

	"github.com/helios-ems/helios/pkg/types"
)

// ErrDeviceWrite wraps every failed setpoint write.
var ErrDeviceWrite = errors.New("device write failed")

var timeNow = time.Now

// System is an energy storage system that reports telemetry and accepts a
// grid power setpoint in watts (positive imports from the grid).
type System interface {
	// ReadTelemetry returns a point-in-time reading.
	ReadTelemetry(ctx context.Context) (types.Telemetry, error)

	// WriteSetpoint applies the grid setpoint. Errors wrap ErrDeviceWrite.
	WriteSetpoint(ctx context.Context, watts int) error

	// ReadSetpoint returns the setpoint the device currently holds.
	ReadSetpoint(ctx context.Context) (int, error)

	// Close releases the device connection.
	Close() error
}
