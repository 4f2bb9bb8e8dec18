package ccu

import (
	"context"

	"ccu-hap-bridge/internal/events"
)

// Controller is the controller facade accessories talk to. Implementations
// deliver datapoint changes as events.TypeValue events whose Source is the
// datapoint Key and whose Data is the new value.
type Controller interface {
	// GetValue returns the value of a datapoint. With refresh set the
	// controller is asked for a fresh value, which is also re-emitted as a
	// change event so registered accessories reconcile.
	GetValue(ctx context.Context, addr Address, refresh bool) (any, error)

	// SetValue writes a datapoint.
	SetValue(ctx context.Context, addr Address, value any) error

	// Subscribe registers fn for changes of one datapoint.
	// Returns an unsubscribe function.
	Subscribe(addr Address, fn func(value any)) func()

	// Devices returns the known controller devices.
	Devices() *DeviceDB

	// Close releases the transport.
	Close() error
}

// subscribe adapts a bus source subscription to a value callback.
func subscribe(bus *events.Bus, addr Address, fn func(any)) func() {
	return bus.OnSource(addr.Key(), func(e events.Event) {
		if e.Type == events.TypeValue {
			fn(e.Data)
		}
	})
}

func emitValue(bus *events.Bus, addr Address, value any) {
	bus.Emit(events.Event{
		Type:   events.TypeValue,
		Source: addr.Key(),
		Data:   value,
	})
}
