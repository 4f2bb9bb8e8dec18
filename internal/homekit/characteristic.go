package homekit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"ccu-hap-bridge/internal/ccu"
)

// Characteristic types.
const (
	TypeLockCurrentState           = "LockCurrentState"
	TypeLockTargetState            = "LockTargetState"
	TypeTargetDoorState            = "TargetDoorState"
	TypeCurrentTemperature         = "CurrentTemperature"
	TypeTargetTemperature          = "TargetTemperature"
	TypeCurrentRelativeHumidity    = "CurrentRelativeHumidity"
	TypeCurrentHeatingCoolingState = "CurrentHeatingCoolingState"
	TypeTargetHeatingCoolingState  = "TargetHeatingCoolingState"
	TypeTemperatureDisplayUnits    = "TemperatureDisplayUnits"
	TypeStatusLowBattery           = "StatusLowBattery"
)

// Characteristic values.
const (
	LockCurrentStateUnsecured = 0
	LockCurrentStateSecured   = 1
	LockCurrentStateJammed    = 2
	LockCurrentStateUnknown   = 3

	LockTargetStateUnsecured = 0
	LockTargetStateSecured   = 1

	TargetDoorStateOpen   = 0
	TargetDoorStateClosed = 1

	HeatingCoolingStateOff  = 0
	HeatingCoolingStateHeat = 1
	HeatingCoolingStateCool = 2
	HeatingCoolingStateAuto = 3

	TemperatureDisplayUnitsCelsius = 0

	StatusLowBatteryNormal = 0
	StatusLowBatteryLow    = 1
)

// Format is the value format of a characteristic.
type Format string

const (
	FormatUInt8 Format = "uint8"
	FormatFloat Format = "float"
)

// ErrInvalidValue is returned when a written value does not fit the
// characteristic.
var ErrInvalidValue = errors.New("homekit: invalid value")

type metadata struct {
	format   Format
	min, max float64
	step     float64
	valid    []int
	writable bool
	initial  any
}

var characteristics = map[string]metadata{
	TypeLockCurrentState:           {format: FormatUInt8, min: 0, max: 3, step: 1, initial: LockCurrentStateUnknown},
	TypeLockTargetState:            {format: FormatUInt8, min: 0, max: 1, step: 1, writable: true, initial: LockTargetStateSecured},
	TypeTargetDoorState:            {format: FormatUInt8, min: 0, max: 1, step: 1, writable: true, initial: TargetDoorStateClosed},
	TypeCurrentTemperature:         {format: FormatFloat, min: -270, max: 100, step: 0.1, initial: 0.0},
	TypeTargetTemperature:          {format: FormatFloat, min: 10, max: 38, step: 0.1, writable: true, initial: 10.0},
	TypeCurrentRelativeHumidity:    {format: FormatFloat, min: 0, max: 100, step: 1, initial: 0.0},
	TypeCurrentHeatingCoolingState: {format: FormatUInt8, min: 0, max: 2, step: 1, initial: HeatingCoolingStateOff},
	TypeTargetHeatingCoolingState:  {format: FormatUInt8, min: 0, max: 3, step: 1, valid: []int{HeatingCoolingStateOff, HeatingCoolingStateHeat}, writable: true, initial: HeatingCoolingStateOff},
	TypeTemperatureDisplayUnits:    {format: FormatUInt8, min: 0, max: 1, step: 1, writable: true, initial: TemperatureDisplayUnitsCelsius},
	TypeStatusLowBattery:           {format: FormatUInt8, min: 0, max: 1, step: 1, initial: StatusLowBatteryNormal},
}

// GetFunc answers a read of a characteristic.
type GetFunc func(ctx context.Context) (any, error)

// SetFunc handles a write to a characteristic. The value is already
// normalized to the characteristic format.
type SetFunc func(ctx context.Context, value any) error

// Characteristic is one value of a service. Reads and writes coming from the
// ecosystem go through Get and Set and reach the registered handlers;
// Update pushes a value from the accessory side to all subscribers.
//
// A Characteristic is safe for concurrent use. Handlers and subscribers are
// called without internal locks held.
type Characteristic struct {
	Type string
	meta metadata

	mu     sync.Mutex
	value  any
	getFn  GetFunc
	setFn  SetFunc
	subs   map[uint64]func(any)
	nextID uint64
}

// NewCharacteristic creates a characteristic of a known type.
func NewCharacteristic(typ string) *Characteristic {
	m, ok := characteristics[typ]
	if !ok {
		panic(fmt.Sprintf("homekit: unknown characteristic type %q", typ))
	}
	return &Characteristic{
		Type:  typ,
		meta:  m,
		value: m.initial,
		subs:  make(map[uint64]func(any)),
	}
}

// Format returns the value format.
func (c *Characteristic) Format() Format { return c.meta.format }

// Writable reports whether the ecosystem may write the characteristic.
func (c *Characteristic) Writable() bool { return c.meta.writable }

// Range returns the minimum, maximum and step values.
func (c *Characteristic) Range() (min, max, step float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta.min, c.meta.max, c.meta.step
}

// SetMinValue lowers or raises the minimum accepted by writes, for
// accessories whose controller uses a sentinel below the default range.
func (c *Characteristic) SetMinValue(min float64) *Characteristic {
	c.mu.Lock()
	c.meta.min = min
	c.mu.Unlock()
	return c
}

// OnGet registers the read handler.
func (c *Characteristic) OnGet(fn GetFunc) *Characteristic {
	c.mu.Lock()
	c.getFn = fn
	c.mu.Unlock()
	return c
}

// OnSet registers the write handler.
func (c *Characteristic) OnSet(fn SetFunc) *Characteristic {
	c.mu.Lock()
	c.setFn = fn
	c.mu.Unlock()
	return c
}

// Value returns the cached value.
func (c *Characteristic) Value() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// IntValue returns the cached value as int.
func (c *Characteristic) IntValue() int {
	n, _ := ccu.Int(c.Value())
	return n
}

// FloatValue returns the cached value as float64.
func (c *Characteristic) FloatValue() float64 {
	f, _ := ccu.Float(c.Value())
	return f
}

// Get serves a read: the read handler is asked for the value, which is then
// cached. Without a handler the cached value is returned.
func (c *Characteristic) Get(ctx context.Context) (any, error) {
	c.mu.Lock()
	fn := c.getFn
	c.mu.Unlock()
	if fn == nil {
		return c.Value(), nil
	}

	v, err := fn(ctx)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", c.Type, err)
	}
	nv, err := c.normalize(v, false)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", c.Type, err)
	}
	c.mu.Lock()
	c.value = nv
	c.mu.Unlock()
	return nv, nil
}

// Set serves a write: the value is validated, cached and handed to the write
// handler; subscribers are notified of the resulting value once the
// handler returned.
func (c *Characteristic) Set(ctx context.Context, v any) error {
	if !c.meta.writable {
		return fmt.Errorf("set %s: %w: read only", c.Type, ErrInvalidValue)
	}
	nv, err := c.normalize(v, true)
	if err != nil {
		return fmt.Errorf("set %s: %w", c.Type, err)
	}

	c.mu.Lock()
	c.value = nv
	fn := c.setFn
	c.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, nv); err != nil {
			return fmt.Errorf("set %s: %w", c.Type, err)
		}
	}
	// The handler may have replaced the value through Update.
	c.notify(c.Value())
	return nil
}

// Update pushes a value from the accessory side and notifies subscribers.
func (c *Characteristic) Update(v any) {
	nv, err := c.normalize(v, false)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.value = nv
	c.mu.Unlock()
	c.notify(nv)
}

// Subscribe registers fn for every value change. Returns an unsubscribe function.
func (c *Characteristic) Subscribe(fn func(any)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Characteristic) notify(v any) {
	c.mu.Lock()
	subs := make([]func(any), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(v)
	}
}

// normalize converts v to the characteristic format. Writes are additionally
// checked against valid values and clamped into range.
func (c *Characteristic) normalize(v any, write bool) (any, error) {
	f, ok := ccu.Float(v)
	if !ok {
		return nil, fmt.Errorf("%w: %v (%T)", ErrInvalidValue, v, v)
	}
	if write {
		c.mu.Lock()
		lo, hi := c.meta.min, c.meta.max
		c.mu.Unlock()
		if len(c.meta.valid) > 0 && !containsInt(c.meta.valid, int(f)) {
			return nil, fmt.Errorf("%w: %v not in %v", ErrInvalidValue, v, c.meta.valid)
		}
		f = math.Max(lo, math.Min(hi, f))
	}
	switch c.meta.format {
	case FormatUInt8:
		return int(f), nil
	default:
		return f, nil
	}
}

func containsInt(list []int, n int) bool {
	for _, x := range list {
		if x == n {
			return true
		}
	}
	return false
}
