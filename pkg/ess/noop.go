package ess

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/helios-ems/helios/pkg/log"
	"github.com/helios-ems/helios/pkg/types"
)

// Noop logs setpoint writes without touching hardware.
type Noop struct {
	mu   sync.Mutex
	last int
}

func NewNoop() *Noop {
	return &Noop{}
}

func (n *Noop) ReadTelemetry(ctx context.Context) (types.Telemetry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return types.Telemetry{
		Timestamp:  time.Now(),
		GridW:      float64(n.last),
		BatterySOC: 50,
	}, nil
}

func (n *Noop) WriteSetpoint(ctx context.Context, watts int) error {
	n.mu.Lock()
	n.last = watts
	n.mu.Unlock()
	log.Ctx(ctx).InfoContext(ctx, "noop setpoint write", slog.Int("watts", watts))
	return nil
}

func (n *Noop) ReadSetpoint(ctx context.Context) (int, error) {
	return readBack(ctx, func() int {
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.last
	})
}

func (n *Noop) Close() error {
	return nil
}
