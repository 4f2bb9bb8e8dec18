package accessory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"ccu-hap-bridge/internal/ccu"
	"ccu-hap-bridge/internal/events"
	"ccu-hap-bridge/internal/homekit"
)

// ErrUnknownService is returned when no accessory class matches a channel.
var ErrUnknownService = errors.New("unknown service class")

// Settings holds the per-accessory configuration values.
type Settings map[string]any

// Config describes one channel to publish.
type Config struct {
	Address  string   `json:"address" yaml:"address"` // channel address "<interface>.<serial>:<channel>"
	Service  string   `json:"service,omitempty" yaml:"service"`
	Name     string   `json:"name,omitempty" yaml:"name"`
	Settings Settings `json:"settings,omitempty" yaml:"settings"`
}

// StateStore persists small per-accessory values across restarts.
type StateStore interface {
	SaveState(address, key string, value any) error
	GetState(address, key string, dst any) error
}

// Env carries the collaborators shared by all accessories.
type Env struct {
	Controller ccu.Controller
	Bus        *events.Bus
	State      StateStore // optional
	Logger     *slog.Logger
	Debug      bool
}

// CharacteristicUpdate is the payload of events.TypeCharacteristic events.
type CharacteristicUpdate struct {
	Address        string `json:"address"`
	Characteristic string `json:"characteristic"`
	Value          any    `json:"value"`
}

// Base implements the plumbing every accessory class builds on: controller
// reads and writes relative to the accessory channel, event registration,
// characteristic updates and persisted state.
type Base struct {
	address      ccu.Address
	name         string
	serviceClass string
	settings     Settings
	items        map[string]ConfigItem
	device       *ccu.Device
	channel      *ccu.Channel

	ctrl   ccu.Controller
	bus    *events.Bus
	state  StateStore
	logger *slog.Logger
	debug  bool

	ctx    context.Context
	cancel context.CancelFunc
	hk     *homekit.Accessory

	mu     sync.Mutex
	unsubs []func()
}

// NewBase creates the base of an accessory bound to cfg.Address.
func NewBase(cfg Config, d Descriptor, env Env) (*Base, error) {
	addr, err := ccu.ParseChannelAddress(cfg.Address)
	if err != nil {
		return nil, err
	}
	if env.Controller == nil {
		return nil, fmt.Errorf("accessory %s: no controller", cfg.Address)
	}

	b := &Base{
		address:      addr,
		name:         cfg.Name,
		serviceClass: d.Name,
		settings:     cfg.Settings,
		items:        d.ConfigurationItems,
		ctrl:         env.Controller,
		bus:          env.Bus,
		state:        env.State,
		debug:        env.Debug,
	}
	if b.settings == nil {
		b.settings = Settings{}
	}
	if ccu.IsTrue(b.settings["debug"]) {
		b.debug = true
	}
	b.channel, b.device = env.Controller.Devices().Channel(addr)
	if b.name == "" {
		b.name = b.defaultName()
	}
	b.logger = env.Logger.With("address", addr.String(), "service", d.Name)
	b.ctx, b.cancel = context.WithCancel(context.Background())

	info := homekit.Info{
		Name:         b.name,
		SerialNumber: addr.Serial,
		Manufacturer: "eQ-3",
		Model:        "HomeMatic",
	}
	if b.device != nil {
		info.Model = b.device.Type
		info.Firmware = b.device.Firmware
	}
	b.hk = homekit.NewAccessory(addr.String(), info, d.Category)
	return b, nil
}

func (b *Base) defaultName() string {
	if b.channel != nil && b.channel.Name != "" {
		return b.channel.Name
	}
	if b.device != nil && b.device.Name != "" {
		return b.device.Name
	}
	return b.address.String()
}

// Address returns the channel address.
func (b *Base) Address() string { return b.address.String() }

// Name returns the accessory name.
func (b *Base) Name() string { return b.name }

// ServiceClass returns the name of the accessory class.
func (b *Base) ServiceClass() string { return b.serviceClass }

// HomeKit returns the ecosystem accessory.
func (b *Base) HomeKit() *homekit.Accessory { return b.hk }

// Device returns the controller device, nil if unknown.
func (b *Base) Device() *ccu.Device { return b.device }

// Context is cancelled on Shutdown. Timer callbacks use it for controller calls.
func (b *Base) Context() context.Context { return b.ctx }

// AddService adds a service named after the accessory.
func (b *Base) AddService(typ string) *homekit.Service {
	return b.hk.AddService(homekit.NewService(typ, b.name))
}

// BuildAddress returns the datapoint address of param on the accessory channel.
func (b *Base) BuildAddress(param string) ccu.Address {
	return b.address.WithParameter(param)
}

// BuildChannelAddress returns the datapoint address of param on another
// channel of the same device.
func (b *Base) BuildChannelAddress(ch int, param string) ccu.Address {
	return b.address.WithChannel(ch).WithParameter(param)
}

// GetValue reads param of the accessory channel.
func (b *Base) GetValue(ctx context.Context, param string, refresh bool) (any, error) {
	return b.GetAddressValue(ctx, b.BuildAddress(param), refresh)
}

// GetAddressValue reads a datapoint.
func (b *Base) GetAddressValue(ctx context.Context, addr ccu.Address, refresh bool) (any, error) {
	v, err := b.ctrl.GetValue(ctx, addr, refresh)
	if err != nil {
		return nil, err
	}
	b.debugLog("get value", "datapoint", addr.String(), "value", v)
	return v, nil
}

// SetValue writes param of the accessory channel.
func (b *Base) SetValue(ctx context.Context, param string, value any) error {
	return b.SetAddressValue(ctx, b.BuildAddress(param), value)
}

// SetAddressValue writes a datapoint.
func (b *Base) SetAddressValue(ctx context.Context, addr ccu.Address, value any) error {
	b.debugLog("set value", "datapoint", addr.String(), "value", value)
	return b.ctrl.SetValue(ctx, addr, value)
}

// setValueLogged writes param and logs a failure instead of returning it.
// The caller goes on with its optimistic update either way.
func (b *Base) setValueLogged(ctx context.Context, addr ccu.Address, value any) {
	if err := b.SetAddressValue(ctx, addr, value); err != nil {
		b.logger.Warn("controller write failed", "datapoint", addr.String(), "value", value, "err", err)
	}
}

// UpdateCharacteristic pushes a value to a characteristic and announces it
// on the bus.
func (b *Base) UpdateCharacteristic(c *homekit.Characteristic, value any) {
	c.Update(value)
	if b.bus == nil {
		return
	}
	b.bus.Emit(events.Event{
		Type:   events.TypeCharacteristic,
		Source: b.address.String(),
		Data: CharacteristicUpdate{
			Address:        b.address.String(),
			Characteristic: c.Type,
			Value:          c.Value(),
		},
	})
}

// RegisterAddressForEventProcessing calls fn for every controller change of
// addr until Shutdown.
func (b *Base) RegisterAddressForEventProcessing(addr ccu.Address, fn func(value any)) {
	unsub := b.ctrl.Subscribe(addr, fn)
	b.mu.Lock()
	b.unsubs = append(b.unsubs, unsub)
	b.mu.Unlock()
}

// DeviceSettings returns the configured settings.
func (b *Base) DeviceSettings() Settings { return b.settings }

// Setting returns a string setting. Option values outside the allowed set
// fall back to the item default.
func (b *Base) Setting(name string) string {
	item, known := b.items[name]
	v, ok := b.settings[name]
	if s, isString := v.(string); ok && isString && s != "" {
		if !known || item.Type != "option" || item.allows(s) {
			return s
		}
		b.logger.Warn("invalid setting, using default", "setting", name, "value", s, "default", item.Default)
	}
	if known {
		if s, ok := item.Default.(string); ok {
			return s
		}
	}
	return ""
}

// LoadState reads a persisted value into dst. Returns false when nothing
// was stored.
func (b *Base) LoadState(key string, dst any) bool {
	if b.state == nil {
		return false
	}
	if err := b.state.GetState(b.address.String(), key, dst); err != nil {
		b.debugLog("no persisted state", "key", key, "err", err)
		return false
	}
	return true
}

// SaveState persists a value.
func (b *Base) SaveState(key string, value any) {
	if b.state == nil {
		return
	}
	if err := b.state.SaveState(b.address.String(), key, value); err != nil {
		b.logger.Warn("failed to persist state", "key", key, "err", err)
	}
}

func (b *Base) debugLog(msg string, args ...any) {
	if b.debug {
		b.logger.Debug(msg, args...)
	}
}

// Shutdown releases event registrations and cancels pending controller calls.
func (b *Base) Shutdown() {
	b.mu.Lock()
	unsubs := b.unsubs
	b.unsubs = nil
	b.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	b.cancel()
}
