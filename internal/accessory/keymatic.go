package accessory

import (
	"context"
	"sync"
	"time"

	"ccu-hap-bridge/internal/ccu"
	"ccu-hap-bridge/internal/homekit"
)

// Unlock modes of the KeyMatic.
const (
	UnlockModeUnlock = "unlock"
	UnlockModeOpen   = "open"
)

// KeyMaticDescriptor publishes KEYMATIC channels as a lock mechanism.
var KeyMaticDescriptor = Descriptor{
	Name:         "KeyMatic",
	ChannelTypes: []string{"KEYMATIC"},
	Description:  "This service provides a locking system in HomeKit connected to your Keymatic",
	ConfigurationItems: map[string]ConfigItem{
		"unlockMode": {
			Type:    "option",
			Array:   []string{UnlockModeUnlock, UnlockModeOpen},
			Default: UnlockModeUnlock,
			Label:   "Unlock mode",
			Hint:    "What to do when HomeKit will unlock the door",
		},
	},
	Category: homekit.CategoryDoorLock,
	New:      func(b *Base) Accessory { return NewKeyMatic(b) },
}

// KeyMatic is a motor lock. STATE true means unlocked, OPEN pulls the latch.
//
// A write from the ecosystem suppresses STATE events until the requery
// timer fires, so the controller echo of the command (and the intermediate
// motor states) do not flip the characteristics back. The requery then reads
// STATE to pick up the real lock position.
type KeyMatic struct {
	*Base

	RequeryDelay   time.Duration
	DoorResetDelay time.Duration

	mu           sync.Mutex
	eventsLocked bool

	requery   Timer
	doorReset Timer

	currentState *homekit.Characteristic
	targetState  *homekit.Characteristic
	doorTrigger  *homekit.Characteristic
}

// NewKeyMatic creates a KeyMatic accessory.
func NewKeyMatic(b *Base) *KeyMatic {
	return &KeyMatic{
		Base:           b,
		RequeryDelay:   15 * time.Second,
		DoorResetDelay: 2 * time.Second,
	}
}

func lockCurrentState(v any) int {
	if ccu.IsTrue(v) {
		return homekit.LockCurrentStateUnsecured
	}
	return homekit.LockCurrentStateSecured
}

func lockTargetState(v any) int {
	if ccu.IsTrue(v) {
		return homekit.LockTargetStateUnsecured
	}
	return homekit.LockTargetStateSecured
}

// PublishServices adds the lock mechanism service with the door trigger.
func (k *KeyMatic) PublishServices() error {
	service := k.AddService(homekit.ServiceLockMechanism)
	unlockMode := k.Setting("unlockMode")

	k.currentState = service.Characteristic(homekit.TypeLockCurrentState).
		OnGet(func(ctx context.Context) (any, error) {
			v, err := k.GetValue(ctx, "STATE", true)
			if err != nil {
				return nil, err
			}
			k.debugLog("get lock current state", "value", v)
			return lockCurrentState(v), nil
		})

	k.targetState = service.Characteristic(homekit.TypeLockTargetState).
		OnGet(func(ctx context.Context) (any, error) {
			v, err := k.GetValue(ctx, "STATE", true)
			if err != nil {
				return nil, err
			}
			k.debugLog("get lock target state", "value", v)
			return lockTargetState(v), nil
		}).
		OnSet(func(ctx context.Context, v any) error {
			k.setTargetState(ctx, v.(int), unlockMode)
			return nil
		})

	k.doorTrigger = service.AddCharacteristic(homekit.TypeTargetDoorState).
		OnGet(func(context.Context) (any, error) {
			return homekit.TargetDoorStateClosed, nil
		}).
		OnSet(func(ctx context.Context, v any) error {
			if v.(int) == homekit.TargetDoorStateOpen {
				k.openDoor(ctx)
			}
			return nil
		})

	k.RegisterAddressForEventProcessing(k.BuildAddress("STATE"), k.handleState)
	return nil
}

func (k *KeyMatic) setTargetState(ctx context.Context, target int, unlockMode string) {
	k.setEventsLocked(true)
	k.debugLog("set lock target state", "value", target, "unlock_mode", unlockMode)

	switch target {
	case homekit.LockTargetStateUnsecured:
		if unlockMode == UnlockModeOpen {
			k.setValueLogged(ctx, k.BuildAddress("OPEN"), true)
		} else {
			k.setValueLogged(ctx, k.BuildAddress("STATE"), 1)
		}
		k.UpdateCharacteristic(k.currentState, homekit.LockCurrentStateUnsecured)
	case homekit.LockTargetStateSecured:
		k.setValueLogged(ctx, k.BuildAddress("STATE"), 0)
		k.UpdateCharacteristic(k.currentState, homekit.LockCurrentStateSecured)
	}

	k.requery.Schedule(k.RequeryDelay, func() {
		k.setEventsLocked(false)
		if _, err := k.GetValue(k.Context(), "STATE", true); err != nil {
			k.logger.Warn("requery of lock state failed", "err", err)
		}
	})
}

func (k *KeyMatic) openDoor(ctx context.Context) {
	k.debugLog("door trigger open, sending OPEN")
	k.setValueLogged(ctx, k.BuildAddress("OPEN"), true)
	k.doorReset.Schedule(k.DoorResetDelay, func() {
		k.debugLog("reset door trigger")
		k.UpdateCharacteristic(k.doorTrigger, homekit.TargetDoorStateClosed)
	})
}

func (k *KeyMatic) handleState(v any) {
	if k.isEventsLocked() {
		k.debugLog("STATE event ignored, recent HomeKit command", "value", v)
		return
	}
	k.debugLog("STATE event", "value", v)
	k.UpdateCharacteristic(k.currentState, lockCurrentState(v))
	k.UpdateCharacteristic(k.targetState, lockTargetState(v))
}

func (k *KeyMatic) setEventsLocked(locked bool) {
	k.mu.Lock()
	k.eventsLocked = locked
	k.mu.Unlock()
}

func (k *KeyMatic) isEventsLocked() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.eventsLocked
}

// QueryState requests STATE; the answer arrives as an event.
func (k *KeyMatic) QueryState(ctx context.Context) {
	if _, err := k.GetValue(ctx, "STATE", true); err != nil {
		k.logger.Warn("query of lock state failed", "err", err)
	}
}

// Shutdown cancels the requery and door reset timers.
func (k *KeyMatic) Shutdown() {
	k.doorReset.Stop()
	k.requery.Stop()
	k.Base.Shutdown()
}
