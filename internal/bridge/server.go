package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"ccu-hap-bridge/internal/accessory"
	"ccu-hap-bridge/internal/ccu"
	"ccu-hap-bridge/internal/events"
	"ccu-hap-bridge/internal/homekit"
	"ccu-hap-bridge/internal/store"
)

// ErrNotPublished is returned for addresses without a published accessory.
var ErrNotPublished = errors.New("accessory not published")

// AccessoryEvent is the payload of events.TypeAccessory events.
type AccessoryEvent struct {
	Action  string `json:"action"` // "published" or "removed"
	Address string `json:"address"`
	Service string `json:"service,omitempty"`
}

// Server owns the published accessories: it instantiates them through the
// registry, keeps them bound to the controller and tears them down.
type Server struct {
	ctrl     ccu.Controller
	store    store.Store
	registry *accessory.Registry
	events   *events.Bus
	logger   *slog.Logger
	debug    bool

	mu        sync.RWMutex
	published map[string]accessory.Accessory
}

// Option configures a Server.
type Option func(*Server)

// WithStore persists accessory records and accessory state.
func WithStore(st store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithDebug enables debug logging in all accessories.
func WithDebug(debug bool) Option {
	return func(s *Server) { s.debug = debug }
}

// New creates a Server.
func New(ctrl ccu.Controller, registry *accessory.Registry, bus *events.Bus, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		ctrl:      ctrl,
		registry:  registry,
		events:    bus,
		logger:    logger.With("component", "bridge"),
		published: make(map[string]accessory.Accessory),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Controller returns the controller facade.
func (s *Server) Controller() ccu.Controller { return s.ctrl }

// Registry returns the accessory class registry.
func (s *Server) Registry() *accessory.Registry { return s.registry }

// Events returns the event bus.
func (s *Server) Events() *events.Bus { return s.events }

// Store returns the store, nil when running without persistence.
func (s *Server) Store() store.Store { return s.store }

func (s *Server) env() accessory.Env {
	env := accessory.Env{
		Controller: s.ctrl,
		Bus:        s.events,
		Logger:     s.logger,
		Debug:      s.debug,
	}
	if s.store != nil {
		env.State = s.store
	}
	return env
}

// Publish instantiates an accessory for every channel. Persisted records
// override channels with the same address and add channels of their own.
// Channels that fail are logged and skipped; their errors are returned
// joined.
func (s *Server) Publish(ctx context.Context, channels []accessory.Config) error {
	channels, err := s.mergeRecords(channels)
	if err != nil {
		s.logger.Warn("failed to load accessory records", "err", err)
	}

	var errs []error
	for _, cfg := range channels {
		if _, err := s.publish(ctx, cfg); err != nil {
			s.logger.Warn("failed to publish accessory", "address", cfg.Address, "err", err)
			errs = append(errs, err)
		}
	}
	s.logger.Info("accessories published", "count", len(s.Accessories()), "failed", len(errs))
	return errors.Join(errs...)
}

func (s *Server) mergeRecords(channels []accessory.Config) ([]accessory.Config, error) {
	if s.store == nil {
		return channels, nil
	}
	recs, err := s.store.ListAccessories()
	if err != nil {
		return channels, err
	}
	byAddr := make(map[string]*store.AccessoryRecord, len(recs))
	for _, r := range recs {
		byAddr[r.Address] = r
	}

	merged := make([]accessory.Config, 0, len(channels)+len(recs))
	for _, c := range channels {
		if r, ok := byAddr[c.Address]; ok {
			c = recordConfig(r)
			delete(byAddr, c.Address)
		}
		merged = append(merged, c)
	}
	extra := make([]string, 0, len(byAddr))
	for addr := range byAddr {
		extra = append(extra, addr)
	}
	sort.Strings(extra)
	for _, addr := range extra {
		merged = append(merged, recordConfig(byAddr[addr]))
	}
	return merged, nil
}

func recordConfig(r *store.AccessoryRecord) accessory.Config {
	return accessory.Config{
		Address:  r.Address,
		Service:  r.Service,
		Name:     r.Name,
		Settings: accessory.Settings(r.Settings),
	}
}

// publish creates, publishes and queries one accessory, replacing an
// accessory already published at the same address.
func (s *Server) publish(ctx context.Context, cfg accessory.Config) (accessory.Accessory, error) {
	acc, err := s.registry.Create(cfg, s.env())
	if err != nil {
		return nil, err
	}
	if err := acc.PublishServices(); err != nil {
		acc.Shutdown()
		return nil, fmt.Errorf("publish %s: %w", cfg.Address, err)
	}

	s.mu.Lock()
	old := s.published[acc.Address()]
	s.published[acc.Address()] = acc
	s.mu.Unlock()
	if old != nil {
		old.Shutdown()
	}

	s.logger.Info("accessory published", "address", acc.Address(), "service", acc.ServiceClass(), "name", acc.HomeKit().Info.Name)
	s.events.Emit(events.Event{
		Type:   events.TypeAccessory,
		Source: acc.Address(),
		Data:   AccessoryEvent{Action: "published", Address: acc.Address(), Service: acc.ServiceClass()},
	})

	acc.QueryState(ctx)
	return acc, nil
}

// Configure persists a record and republishes its accessory.
func (s *Server) Configure(ctx context.Context, rec store.AccessoryRecord) (accessory.Accessory, error) {
	addr, err := ccu.ParseChannelAddress(rec.Address)
	if err != nil {
		return nil, err
	}
	rec.Address = addr.String()

	// Validate before persisting so a bad record never survives a restart.
	if _, err := s.registry.Resolve(recordConfig(&rec), s.env()); err != nil {
		return nil, err
	}
	if s.store != nil {
		if existing, err := s.store.GetAccessory(rec.Address); err == nil {
			rec.CreatedAt = existing.CreatedAt
		}
		if err := s.store.SaveAccessory(&rec); err != nil {
			return nil, fmt.Errorf("save accessory %s: %w", rec.Address, err)
		}
	}
	return s.publish(ctx, recordConfig(&rec))
}

// Accessories returns the published accessories ordered by address.
func (s *Server) Accessories() []accessory.Accessory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]accessory.Accessory, 0, len(s.published))
	for _, a := range s.published {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address() < out[j].Address() })
	return out
}

// HomeKitAccessories returns the ecosystem side of all published accessories.
func (s *Server) HomeKitAccessories() []*homekit.Accessory {
	accs := s.Accessories()
	out := make([]*homekit.Accessory, 0, len(accs))
	for _, a := range accs {
		out = append(out, a.HomeKit())
	}
	return out
}

// Accessory returns the accessory published at a channel address.
func (s *Server) Accessory(address string) (accessory.Accessory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.published[address]
	return a, ok
}

// Query asks an accessory to refresh its state from the controller.
func (s *Server) Query(ctx context.Context, address string) error {
	a, ok := s.Accessory(address)
	if !ok {
		return fmt.Errorf("%s: %w", address, ErrNotPublished)
	}
	a.QueryState(ctx)
	return nil
}

// Remove shuts an accessory down and deletes its record and state.
func (s *Server) Remove(address string) error {
	s.mu.Lock()
	a, ok := s.published[address]
	delete(s.published, address)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", address, ErrNotPublished)
	}
	a.Shutdown()

	if s.store != nil {
		if err := s.store.DeleteAccessory(address); err != nil {
			return fmt.Errorf("delete accessory %s: %w", address, err)
		}
	}

	s.logger.Info("accessory removed", "address", address)
	s.events.Emit(events.Event{
		Type:   events.TypeAccessory,
		Source: address,
		Data:   AccessoryEvent{Action: "removed", Address: address, Service: a.ServiceClass()},
	})
	return nil
}

// Shutdown shuts all accessories down.
func (s *Server) Shutdown() {
	s.mu.Lock()
	accs := s.published
	s.published = make(map[string]accessory.Accessory)
	s.mu.Unlock()
	for _, a := range accs {
		a.Shutdown()
	}
	s.logger.Info("bridge stopped", "accessories", len(accs))
}
