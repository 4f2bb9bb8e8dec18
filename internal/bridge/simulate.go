package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"ccu-hap-bridge/internal/accessory"
	"ccu-hap-bridge/internal/ccu"
	"ccu-hap-bridge/internal/events"
)

// Fixture describes a simulated controller: the channels to publish with
// their service class, the controller devices, optional per-channel
// mappings and seed values.
type Fixture struct {
	CCU      map[string]string  `json:"ccu"` // channel address -> service class
	Devices  []ccu.Device       `json:"devices"`
	Mappings map[string]Mapping `json:"mappings,omitempty"`
	Values   map[string]any     `json:"values,omitempty"` // datapoint address -> value
}

// Mapping carries the per-channel name and settings of a fixture.
type Mapping struct {
	Name     string             `json:"name,omitempty"`
	Settings accessory.Settings `json:"settings,omitempty"`
}

// LoadFixture reads a fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if len(f.CCU) == 0 {
		return nil, fmt.Errorf("fixture %s: no channels in \"ccu\"", path)
	}
	return &f, nil
}

// Channels returns the channels to publish ordered by address.
func (f *Fixture) Channels() []accessory.Config {
	out := make([]accessory.Config, 0, len(f.CCU))
	for addr, service := range f.CCU {
		cfg := accessory.Config{Address: addr, Service: service}
		if m, ok := f.Mappings[addr]; ok {
			cfg.Name = m.Name
			cfg.Settings = m.Settings
		}
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// DeviceDB returns the fixture devices.
func (f *Fixture) DeviceDB() *ccu.DeviceDB {
	db := ccu.NewDeviceDB()
	for _, d := range f.Devices {
		db.Add(d)
	}
	return db
}

// Simulation is a Server running against a simulated controller.
type Simulation struct {
	*Server
	CCU *ccu.Simulator
}

// Simulate builds a simulated controller from the fixture, seeds its values
// and publishes every fixture channel.
func Simulate(ctx context.Context, f *Fixture, logger *slog.Logger, opts ...Option) (*Simulation, error) {
	bus := events.NewBus(logger)
	sim := ccu.NewSimulator(bus, f.DeviceDB(), logger)
	for addr, v := range f.Values {
		if err := sim.Seed(addr, v); err != nil {
			return nil, fmt.Errorf("seed %s: %w", addr, err)
		}
	}

	registry := accessory.NewRegistry(logger)
	accessory.RegisterStandard(registry)

	srv := New(sim, registry, bus, logger, opts...)
	if err := srv.Publish(ctx, f.Channels()); err != nil {
		srv.Shutdown()
		return nil, err
	}
	return &Simulation{Server: srv, CCU: sim}, nil
}
