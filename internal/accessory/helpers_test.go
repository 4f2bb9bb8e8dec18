package accessory

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"ccu-hap-bridge/internal/ccu"
	"ccu-hap-bridge/internal/events"
	"ccu-hap-bridge/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDevices() *ccu.DeviceDB {
	db := ccu.NewDeviceDB()
	db.Add(ccu.Device{
		Interface: "BidCos-RF",
		Address:   "KEQ0123456",
		Type:      "HM-Sec-Key",
		Name:      "Front door",
		Channels: []ccu.Channel{
			{Address: "KEQ0123456:0", Type: "MAINTENANCE"},
			{Address: "KEQ0123456:1", Type: "KEYMATIC"},
		},
	})
	db.Add(ccu.Device{
		Interface: "BidCos-RF",
		Address:   "5120978032ABCD",
		Type:      "HM-CC-TC",
		Channels: []ccu.Channel{
			{Address: "5120978032ABCD:0", Type: "MAINTENANCE"},
			{Address: "5120978032ABCD:1", Type: "WEATHER"},
			{Address: "5120978032ABCD:2", Type: "CLIMATECONTROL_REGULATOR"},
		},
	})
	db.Add(ccu.Device{
		Interface: "HmIP",
		Address:   "2123456789ABCD",
		Type:      "HmIP-eTRV-2",
		Channels: []ccu.Channel{
			{Address: "2123456789ABCD:0", Type: "MAINTENANCE"},
			{Address: "2123456789ABCD:1", Type: "HEATING_CLIMATECONTROL_TRANSCEIVER", Name: "Bathroom"},
		},
	})
	db.Add(ccu.Device{
		Interface: "HmIP",
		Address:   "000A18A9A64DAC",
		Type:      "HmIP-WTH-2",
		Channels: []ccu.Channel{
			{Address: "000A18A9A64DAC:1", Type: "HEATING_CLIMATECONTROL_TRANSCEIVER"},
		},
	})
	return db
}

// memState is an in-memory StateStore.
type memState struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemState() *memState {
	return &memState{data: make(map[string][]byte)}
}

func (m *memState) SaveState(address, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[address+"/"+key] = b
	m.mu.Unlock()
	return nil
}

func (m *memState) GetState(address, key string, dst any) error {
	m.mu.Lock()
	b, ok := m.data[address+"/"+key]
	m.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}
	return json.Unmarshal(b, dst)
}

type testEnv struct {
	sim      *ccu.Simulator
	env      Env
	registry *Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := newTestLogger()
	bus := events.NewBus(logger)
	sim := ccu.NewSimulator(bus, testDevices(), logger)
	reg := NewRegistry(logger)
	RegisterStandard(reg)
	return &testEnv{
		sim:      sim,
		registry: reg,
		env: Env{
			Controller: sim,
			Bus:        bus,
			State:      newMemState(),
			Logger:     logger,
			Debug:      true,
		},
	}
}

// publish creates and publishes the accessory for cfg.
func (e *testEnv) publish(t *testing.T, cfg Config) Accessory {
	t.Helper()
	acc, err := e.registry.Create(cfg, e.env)
	if err != nil {
		t.Fatal(err)
	}
	if err := acc.PublishServices(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(acc.Shutdown)
	return acc
}

func (e *testEnv) mustSeed(t *testing.T, address string, v any) {
	t.Helper()
	if err := e.sim.Seed(address, v); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) mustFire(t *testing.T, address string, v any) {
	t.Helper()
	if err := e.sim.FireEvent(address, v); err != nil {
		t.Fatal(err)
	}
}
