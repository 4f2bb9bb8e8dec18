package homekit

import "sync"

// Service types.
const (
	ServiceLockMechanism = "LockMechanism"
	ServiceThermostat    = "Thermostat"
)

// required lists the characteristics a service is created with.
var required = map[string][]string{
	ServiceLockMechanism: {TypeLockCurrentState, TypeLockTargetState},
	ServiceThermostat: {
		TypeCurrentHeatingCoolingState,
		TypeTargetHeatingCoolingState,
		TypeCurrentTemperature,
		TypeTargetTemperature,
		TypeTemperatureDisplayUnits,
	},
}

// Service groups the characteristics of one accessory function.
type Service struct {
	Type string
	Name string

	mu    sync.Mutex
	chars []*Characteristic
}

// NewService creates a service with its required characteristics.
func NewService(typ, name string) *Service {
	s := &Service{Type: typ, Name: name}
	for _, ct := range required[typ] {
		s.chars = append(s.chars, NewCharacteristic(ct))
	}
	return s
}

// Characteristic returns the characteristic of the given type, adding it
// when the service does not have it yet.
func (s *Service) Characteristic(typ string) *Characteristic {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chars {
		if c.Type == typ {
			return c
		}
	}
	c := NewCharacteristic(typ)
	s.chars = append(s.chars, c)
	return c
}

// AddCharacteristic adds an optional characteristic.
func (s *Service) AddCharacteristic(typ string) *Characteristic {
	return s.Characteristic(typ)
}

// Lookup returns the characteristic of the given type or nil.
func (s *Service) Lookup(typ string) *Characteristic {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chars {
		if c.Type == typ {
			return c
		}
	}
	return nil
}

// Characteristics returns the characteristics in creation order.
func (s *Service) Characteristics() []*Characteristic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Characteristic(nil), s.chars...)
}

// Category is the accessory category shown by the ecosystem.
type Category string

const (
	CategoryDoorLock   Category = "door-lock"
	CategoryThermostat Category = "thermostat"
	CategoryOther      Category = "other"
)

// Info describes an accessory.
type Info struct {
	Name         string `json:"name"`
	SerialNumber string `json:"serial_number"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Firmware     string `json:"firmware,omitempty"`
}

// Accessory is one published ecosystem accessory. ID is the controller
// channel address the accessory is bound to.
type Accessory struct {
	ID       string
	Info     Info
	Category Category

	mu       sync.Mutex
	services []*Service
}

// NewAccessory creates an accessory without services.
func NewAccessory(id string, info Info, cat Category) *Accessory {
	return &Accessory{ID: id, Info: info, Category: cat}
}

// AddService adds a service and returns it.
func (a *Accessory) AddService(s *Service) *Service {
	a.mu.Lock()
	a.services = append(a.services, s)
	a.mu.Unlock()
	return s
}

// Service returns the first service of the given type or nil.
func (a *Accessory) Service(typ string) *Service {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.services {
		if s.Type == typ {
			return s
		}
	}
	return nil
}

// Services returns all services in creation order.
func (a *Accessory) Services() []*Service {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Service(nil), a.services...)
}
