package ess

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/helios-ems/helios/pkg/types"
)

// Victron GX Modbus TCP registers on unit 100 (com.victronenergy.system).
const (
	regPVOnOutputL1    = 808 // 808-810, W
	regPVOnGridL1      = 811 // 811-813, W
	regConsumptionL1   = 817 // 817-819, W
	regGridL1          = 820 // 820-822, int16 W
	regBatteryPower    = 842 // int16 W
	regBatterySOC      = 843 // %
	regDCPVPower       = 850 // W
	regAcPowerSetpoint = 2700
)

// modbusClient is the part of modbus.Client we use.
type modbusClient interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
}

// Modbus talks to a Victron GX device over Modbus TCP.
type Modbus struct {
	// the TCP handler isn't safe for concurrent transactions
	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  modbusClient
}

// DialModbus connects to address (host:port).
func DialModbus(address string, unitID byte, timeout time.Duration) (*Modbus, error) {
	handler := modbus.NewTCPClientHandler(address)
	handler.SlaveId = unitID
	handler.Timeout = timeout
	if err := handler.Connect(); err != nil {
		return nil, err
	}
	return &Modbus{
		handler: handler,
		client:  modbus.NewClient(handler),
	}, nil
}

// read returns count registers starting at address.
func (m *Modbus) read(ctx context.Context, address, count uint16) ([]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := m.client.ReadHoldingRegisters(address, count)
	if err != nil {
		return nil, fmt.Errorf("failed to read register %d: %w", address, err)
	}
	if len(b) != int(count)*2 {
		return nil, fmt.Errorf("short read of register %d: %d bytes", address, len(b))
	}
	regs := make([]uint16, count)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(b[i*2:])
	}
	return regs, nil
}

func (m *Modbus) ReadTelemetry(ctx context.Context) (types.Telemetry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 808-822 in one request
	ac, err := m.read(ctx, regPVOnOutputL1, regGridL1+3-regPVOnOutputL1)
	if err != nil {
		return types.Telemetry{}, err
	}
	bat, err := m.read(ctx, regBatteryPower, 2)
	if err != nil {
		return types.Telemetry{}, err
	}
	dcpv, err := m.read(ctx, regDCPVPower, 1)
	if err != nil {
		return types.Telemetry{}, err
	}

	at := func(reg uint16) uint16 { return ac[reg-regPVOnOutputL1] }
	sumU := func(first uint16) float64 {
		return float64(at(first)) + float64(at(first+1)) + float64(at(first+2))
	}
	sumS := func(first uint16) float64 {
		return float64(int16(at(first))) + float64(int16(at(first+1))) + float64(int16(at(first+2)))
	}

	return types.Telemetry{
		Timestamp:  timeNow(),
		PVW:        sumU(regPVOnOutputL1) + sumU(regPVOnGridL1) + float64(dcpv[0]),
		GridW:      sumS(regGridL1),
		BatteryW:   float64(int16(bat[0])),
		BatterySOC: float64(bat[1]),
		LoadW:      sumU(regConsumptionL1),
	}, nil
}

func (m *Modbus) WriteSetpoint(ctx context.Context, watts int) error {
	if watts > 32767 || watts < -32768 {
		return fmt.Errorf("%w: setpoint %d does not fit the register", ErrDeviceWrite, watts)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceWrite, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.client.WriteSingleRegister(regAcPowerSetpoint, uint16(int16(watts))); err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceWrite, err)
	}
	return nil
}

func (m *Modbus) ReadSetpoint(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	regs, err := m.read(ctx, regAcPowerSetpoint, 1)
	if err != nil {
		return 0, err
	}
	return int(int16(regs[0])), nil
}

func (m *Modbus) Close() error {
	if m.handler == nil {
		return nil
	}
	return m.handler.Close()
}
