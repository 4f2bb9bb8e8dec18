package ccu

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ccu-hap-bridge/internal/events"
)

// Dispatch records one value written to the simulated controller.
type Dispatch struct {
	Address Address
	Value   any
	Time    time.Time
}

// Simulator is an in-memory controller. It answers reads from seeded or
// written values, fires events on demand and records every write. Like the
// real controller it echoes a written value back as a change event.
type Simulator struct {
	bus     *events.Bus
	devices *DeviceDB
	logger  *slog.Logger

	mu         sync.Mutex
	values     map[string]any // datapoint key -> value
	dispatches []Dispatch
	echo       bool
}

// NewSimulator creates a simulated controller publishing on bus.
func NewSimulator(bus *events.Bus, devices *DeviceDB, logger *slog.Logger) *Simulator {
	if devices == nil {
		devices = NewDeviceDB()
	}
	return &Simulator{
		bus:     bus,
		devices: devices,
		logger:  logger.With("component", "ccu-sim"),
		values:  make(map[string]any),
		echo:    true,
	}
}

// SetEcho controls whether writes are echoed back as change events.
func (s *Simulator) SetEcho(echo bool) {
	s.mu.Lock()
	s.echo = echo
	s.mu.Unlock()
}

// Seed stores a value without emitting an event.
func (s *Simulator) Seed(address string, value any) error {
	addr, err := ParseAddress(address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.values[addr.Key()] = value
	s.mu.Unlock()
	return nil
}

// FireEvent stores a value and emits a change event for it, as if the
// controller had reported it.
func (s *Simulator) FireEvent(address string, value any) error {
	addr, err := ParseAddress(address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.values[addr.Key()] = value
	s.mu.Unlock()
	s.logger.Debug("fire event", "address", address, "value", value)
	emitValue(s.bus, addr, value)
	return nil
}

// Value returns the stored value of a datapoint.
func (s *Simulator) Value(address string) (any, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[addr.Key()]
	if !ok {
		return nil, fmt.Errorf("%s: %w", address, ErrNoValue)
	}
	return v, nil
}

// Dispatches returns a copy of all recorded writes, oldest first.
func (s *Simulator) Dispatches() []Dispatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Dispatch(nil), s.dispatches...)
}

// ResetDispatches clears the write history.
func (s *Simulator) ResetDispatches() {
	s.mu.Lock()
	s.dispatches = nil
	s.mu.Unlock()
}

func (s *Simulator) GetValue(_ context.Context, addr Address, refresh bool) (any, error) {
	s.mu.Lock()
	v, ok := s.values[addr.Key()]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", addr, ErrNoValue)
	}
	if refresh {
		emitValue(s.bus, addr, v)
	}
	return v, nil
}

func (s *Simulator) SetValue(_ context.Context, addr Address, value any) error {
	s.mu.Lock()
	s.values[addr.Key()] = value
	s.dispatches = append(s.dispatches, Dispatch{Address: addr, Value: value, Time: time.Now()})
	echo := s.echo
	s.mu.Unlock()

	s.logger.Debug("set value", "address", addr.String(), "value", value)
	if echo {
		emitValue(s.bus, addr, value)
	}
	return nil
}

func (s *Simulator) Subscribe(addr Address, fn func(any)) func() {
	return subscribe(s.bus, addr, fn)
}

func (s *Simulator) Devices() *DeviceDB { return s.devices }

func (s *Simulator) Close() error { return nil }
