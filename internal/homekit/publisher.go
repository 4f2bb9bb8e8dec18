package homekit

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"
	"github.com/google/uuid"
)

// PublisherConfig holds the HomeKit bridge settings.
type PublisherConfig struct {
	Name     string
	Pin      string
	Addr     string // listen address, empty picks a random port
	StoreDir string // pairing data
	Firmware string
}

// Publisher exposes accessories through a HomeKit (HAP) bridge. Values are
// mirrored both ways: local updates are copied into the HAP characteristics
// and writes from paired controllers are handed to Characteristic.Set.
type Publisher struct {
	server *hap.Server
	logger *slog.Logger

	unsubs []func()
	writes chan func()
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// idNamespace scopes the name-based accessory ids.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("ccu-hap-bridge"))

// AccessoryID derives a stable HAP accessory id from a channel address, so
// pairings survive reordering of the accessory list. Id 1 is the bridge.
func AccessoryID(address string) uint64 {
	u := uuid.NewSHA1(idNamespace, []byte(address))
	id := binary.BigEndian.Uint64(u[:8]) >> 1
	if id <= 1 {
		id += 2
	}
	return id
}

// NewPublisher builds the HAP bridge for the given accessories.
func NewPublisher(cfg PublisherConfig, accs []*Accessory, logger *slog.Logger) (*Publisher, error) {
	p := &Publisher{
		logger: logger.With("component", "homekit"),
		writes: make(chan func(), 64),
		done:   make(chan struct{}),
	}

	bridge := accessory.NewBridge(accessory.Info{
		Name:         cfg.Name,
		SerialNumber: fmt.Sprintf("%016X", AccessoryID(cfg.Name)),
		Manufacturer: "ccu-hap-bridge",
		Model:        "CCU Bridge",
		Firmware:     cfg.Firmware,
	})
	bridge.A.Id = 1

	has := make([]*accessory.A, 0, len(accs))
	for _, a := range accs {
		has = append(has, p.buildAccessory(a))
	}

	server, err := hap.NewServer(hap.NewFsStore(cfg.StoreDir), bridge.A, has...)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("create hap server: %w", err)
	}
	server.Pin = cfg.Pin
	server.Addr = cfg.Addr
	p.server = server

	p.wg.Add(1)
	go p.runWrites()

	p.logger.Info("HomeKit bridge prepared", "name", cfg.Name, "accessories", len(has))
	return p, nil
}

// ListenAndServe runs the HAP server until ctx is cancelled.
func (p *Publisher) ListenAndServe(ctx context.Context) error {
	return p.server.ListenAndServe(ctx)
}

// Close detaches from the accessories and stops the write worker.
func (p *Publisher) Close() {
	p.once.Do(func() {
		for _, u := range p.unsubs {
			u()
		}
		close(p.done)
	})
	p.wg.Wait()
}

// runWrites applies remote writes one at a time and outside of the HAP
// callbacks, keeping their order.
func (p *Publisher) runWrites() {
	defer p.wg.Done()
	for {
		select {
		case fn := <-p.writes:
			fn()
		case <-p.done:
			return
		}
	}
}

func (p *Publisher) remoteSet(c *Characteristic, v any) {
	select {
	case p.writes <- func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Set(ctx, v); err != nil {
			p.logger.Warn("remote write failed", "characteristic", c.Type, "value", v, "err", err)
		}
	}:
	case <-p.done:
	}
}

func (p *Publisher) buildAccessory(a *Accessory) *accessory.A {
	ha := accessory.New(accessory.Info{
		Name:         a.Info.Name,
		SerialNumber: a.Info.SerialNumber,
		Manufacturer: a.Info.Manufacturer,
		Model:        a.Info.Model,
		Firmware:     a.Info.Firmware,
	}, hapCategory(a.Category))
	ha.Id = AccessoryID(a.ID)

	for _, s := range a.Services() {
		hs := service.New(hapServiceType(s.Type))
		for _, c := range s.Characteristics() {
			hc := p.bind(c)
			if hc == nil {
				p.logger.Warn("characteristic not supported by HAP publisher", "type", c.Type)
				continue
			}
			hs.AddC(hc)
		}
		ha.AddS(hs)
	}
	return ha
}

func (p *Publisher) bind(c *Characteristic) *characteristic.C {
	switch c.Type {
	case TypeLockCurrentState:
		return p.bindInt(c, characteristic.NewLockCurrentState().Int)
	case TypeLockTargetState:
		return p.bindInt(c, characteristic.NewLockTargetState().Int)
	case TypeTargetDoorState:
		return p.bindInt(c, characteristic.NewTargetDoorState().Int)
	case TypeCurrentHeatingCoolingState:
		return p.bindInt(c, characteristic.NewCurrentHeatingCoolingState().Int)
	case TypeTargetHeatingCoolingState:
		return p.bindInt(c, characteristic.NewTargetHeatingCoolingState().Int)
	case TypeTemperatureDisplayUnits:
		return p.bindInt(c, characteristic.NewTemperatureDisplayUnits().Int)
	case TypeStatusLowBattery:
		return p.bindInt(c, characteristic.NewStatusLowBattery().Int)
	case TypeCurrentTemperature:
		return p.bindFloat(c, characteristic.NewCurrentTemperature().Float)
	case TypeTargetTemperature:
		return p.bindFloat(c, characteristic.NewTargetTemperature().Float)
	case TypeCurrentRelativeHumidity:
		return p.bindFloat(c, characteristic.NewCurrentRelativeHumidity().Float)
	}
	return nil
}

// statusCommunicationFailure is the HAP status for a failed controller read.
const statusCommunicationFailure = -70402

// bindRead answers reads of paired controllers through the get handler, so
// they see the controller value instead of the last mirrored one.
func (p *Publisher) bindRead(c *Characteristic, hc *characteristic.C) {
	hc.ValueRequestFunc = func(r *http.Request) (interface{}, int) {
		ctx := context.Background()
		if r != nil {
			ctx = r.Context()
		}
		v, err := c.Get(ctx)
		if err != nil {
			p.logger.Debug("remote read failed", "characteristic", c.Type, "err", err)
			return c.Value(), statusCommunicationFailure
		}
		return v, 0
	}
}

func (p *Publisher) bindInt(c *Characteristic, hc *characteristic.Int) *characteristic.C {
	hc.SetValue(c.IntValue())
	p.bindRead(c, hc.C)
	p.unsubs = append(p.unsubs, c.Subscribe(func(v any) {
		if n, ok := v.(int); ok {
			hc.SetValue(n)
		}
	}))
	if c.Writable() {
		hc.OnValueRemoteUpdate(func(v int) {
			p.remoteSet(c, v)
		})
	}
	return hc.C
}

func (p *Publisher) bindFloat(c *Characteristic, hc *characteristic.Float) *characteristic.C {
	if c.Writable() {
		// Accessories may widen the range, e.g. a thermostat accepting its
		// off setpoint.
		min, max, step := c.Range()
		hc.SetMinValue(min)
		hc.SetMaxValue(max)
		hc.SetStepValue(step)
	}
	hc.SetValue(c.FloatValue())
	p.bindRead(c, hc.C)
	p.unsubs = append(p.unsubs, c.Subscribe(func(v any) {
		if f, ok := v.(float64); ok {
			hc.SetValue(f)
		}
	}))
	if c.Writable() {
		hc.OnValueRemoteUpdate(func(v float64) {
			p.remoteSet(c, v)
		})
	}
	return hc.C
}

func hapCategory(c Category) byte {
	switch c {
	case CategoryDoorLock:
		return accessory.TypeDoorLock
	case CategoryThermostat:
		return accessory.TypeThermostat
	default:
		return accessory.TypeOther
	}
}

func hapServiceType(typ string) string {
	switch typ {
	case ServiceLockMechanism:
		return service.TypeLockMechanism
	case ServiceThermostat:
		return service.TypeThermostat
	}
	return typ
}
