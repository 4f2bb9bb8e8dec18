package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event types
const (
	TypeValue          = "value"
	TypeCharacteristic = "characteristic"
	TypeAccessory      = "accessory"
)

// Event represents a bridge event.
type Event struct {
	Type   string    `json:"type"`
	Source string    `json:"source"`
	Data   any       `json:"data"`
	Time   time.Time `json:"time"`
}

// Handler is a callback for events.
type Handler func(Event)

// Bus provides pub/sub for controller and accessory events.
type Bus struct {
	mu          sync.RWMutex
	byType      map[string]map[uint64]Handler
	bySource    map[string]map[uint64]Handler
	allHandlers map[uint64]Handler
	nextID      uint64
	logger      *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		byType:      make(map[string]map[uint64]Handler),
		bySource:    make(map[string]map[uint64]Handler),
		allHandlers: make(map[uint64]Handler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) On(eventType string, handler Handler) func() {
	return b.add(b.byType, eventType, handler)
}

// OnSource registers a handler for every event emitted by one source
// (a datapoint key or a channel address). Returns an unsubscribe function.
func (b *Bus) OnSource(source string, handler Handler) func() {
	return b.add(b.bySource, source, handler)
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (b *Bus) OnAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allHandlers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allHandlers, id)
	}
}

func (b *Bus) add(index map[string]map[uint64]Handler, key string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if index[key] == nil {
		index[key] = make(map[uint64]Handler)
	}
	index[key][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(index[key], id)
		if len(index[key]) == 0 {
			delete(index, key)
		}
	}
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (b *Bus) Emit(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.byType[event.Type])+len(b.bySource[event.Source])+len(b.allHandlers))
	for _, h := range b.byType[event.Type] {
		handlers = append(handlers, h)
	}
	if event.Source != "" {
		for _, h := range b.bySource[event.Source] {
			handlers = append(handlers, h)
		}
	}
	for _, h := range b.allHandlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "type", event.Type, "source", event.Source, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
