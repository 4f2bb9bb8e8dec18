package accessory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"ccu-hap-bridge/internal/ccu"
	"ccu-hap-bridge/internal/homekit"
)

// Accessory is one published accessory class instance.
type Accessory interface {
	// PublishServices creates the ecosystem services and registers the
	// characteristic handlers and controller events.
	PublishServices() error
	// QueryState asks the controller for the current values; the answers
	// arrive through the registered events.
	QueryState(ctx context.Context)
	// Shutdown cancels timers and releases event registrations.
	Shutdown()
	Address() string
	ServiceClass() string
	HomeKit() *homekit.Accessory
}

// ConfigItem is a user-facing configuration option of an accessory class.
type ConfigItem struct {
	Type    string   `json:"type"` // "option", "text", "checkbox", "number"
	Array   []string `json:"array,omitempty"`
	Default any      `json:"default"`
	Label   string   `json:"label"`
	Hint    string   `json:"hint,omitempty"`
}

func (c ConfigItem) allows(v string) bool {
	return len(c.Array) == 0 || slices.Contains(c.Array, v)
}

// Descriptor is the static metadata and factory of an accessory class.
type Descriptor struct {
	Name               string                `json:"name"`
	ChannelTypes       []string              `json:"channelTypes"`
	Description        string                `json:"serviceDescription"`
	ConfigurationItems map[string]ConfigItem `json:"configurationItems,omitempty"`
	Category           homekit.Category      `json:"-"`
	New                func(*Base) Accessory `json:"-"`
}

// Registry maps service class names and controller channel types to
// accessory classes.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Descriptor
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		byName: make(map[string]Descriptor),
		logger: logger,
	}
}

// Register adds an accessory class. A class registered again under the same
// name replaces the previous one.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[d.Name]; ok {
		r.logger.Debug("service class replaced", "name", d.Name)
	} else {
		r.logger.Debug("service class registered", "name", d.Name, "channel_types", d.ChannelTypes)
	}
	r.byName[d.Name] = d
}

// Lookup returns the class registered under name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// ForChannelType returns the first class (by name) handling a channel type.
func (r *Registry) ForChannelType(channelType string) (Descriptor, bool) {
	for _, d := range r.All() {
		if slices.Contains(d.ChannelTypes, channelType) {
			return d, true
		}
	}
	return Descriptor{}, false
}

// All returns all classes sorted by name.
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Descriptor, 0, len(r.byName))
	for _, d := range r.byName {
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Resolve picks the class for cfg: the configured service when set,
// otherwise the class handling the channel type known to the controller.
func (r *Registry) Resolve(cfg Config, env Env) (Descriptor, error) {
	if cfg.Service != "" {
		d, ok := r.Lookup(cfg.Service)
		if !ok {
			return Descriptor{}, fmt.Errorf("%s: %w %q", cfg.Address, ErrUnknownService, cfg.Service)
		}
		return d, nil
	}
	addr, err := ccu.ParseChannelAddress(cfg.Address)
	if err != nil {
		return Descriptor{}, err
	}
	if env.Controller == nil {
		return Descriptor{}, fmt.Errorf("accessory %s: no controller", cfg.Address)
	}
	ch, _ := env.Controller.Devices().Channel(addr)
	if ch == nil {
		return Descriptor{}, fmt.Errorf("%s: %w: channel not known to the controller", cfg.Address, ErrUnknownService)
	}
	d, ok := r.ForChannelType(ch.Type)
	if !ok {
		return Descriptor{}, fmt.Errorf("%s: %w for channel type %q", cfg.Address, ErrUnknownService, ch.Type)
	}
	return d, nil
}

// Create instantiates the accessory class for cfg. The returned accessory
// has not published its services yet.
func (r *Registry) Create(cfg Config, env Env) (Accessory, error) {
	d, err := r.Resolve(cfg, env)
	if err != nil {
		return nil, err
	}
	base, err := NewBase(cfg, d, env)
	if err != nil {
		return nil, err
	}
	return d.New(base), nil
}

// RegisterStandard registers the built-in accessory classes.
func RegisterStandard(r *Registry) {
	r.Register(KeyMaticDescriptor)
	r.Register(ThermostatDescriptor)
	r.Register(IPThermostatDescriptor)
}
