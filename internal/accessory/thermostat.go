package accessory

import (
	"context"
	"strings"
	"sync"

	"ccu-hap-bridge/internal/ccu"
	"ccu-hap-bridge/internal/homekit"
)

const (
	// OffTemperature is the setpoint the controller uses for "heating off".
	OffTemperature = 4.5
	// DefaultSetpoint is restored by HEAT when no setpoint was seen yet.
	DefaultSetpoint = 20.0
	// MinSetpoint is the lowest heating setpoint; writes between
	// OffTemperature and MinSetpoint are raised to it.
	MinSetpoint = 10.0

	stateLastSetpoint = "lastSetpoint"
)

// thermostatProfile binds the thermostat characteristics to datapoints.
// Channel -1 means the accessory channel.
type thermostatProfile struct {
	temperature datapointRef
	humidity    datapointRef // optional, empty parameter when absent
	setpoint    datapointRef
	valve       datapointRef // optional LEVEL driving CurrentHeatingCoolingState
	lowBattery  datapointRef
}

type datapointRef struct {
	channel   int
	parameter string
}

// ThermostatDescriptor publishes classic BidCos climate controllers
// (HM-CC-TC): measured values on channel 1, setpoint on channel 2.
var ThermostatDescriptor = Descriptor{
	Name:         "Thermostat",
	ChannelTypes: []string{"CLIMATECONTROL_REGULATOR", "THERMALCONTROL_TRANSMIT"},
	Description:  "This service provides a thermostat for HomeMatic radiator and wall thermostats",
	Category:     homekit.CategoryThermostat,
	New: func(b *Base) Accessory {
		return NewThermostat(b, thermostatProfile{
			temperature: datapointRef{1, "TEMPERATURE"},
			humidity:    datapointRef{1, "HUMIDITY"},
			setpoint:    datapointRef{2, "SETPOINT"},
			lowBattery:  datapointRef{0, "LOWBAT"},
		})
	},
}

// IPThermostatDescriptor publishes HmIP heating channels.
var IPThermostatDescriptor = Descriptor{
	Name:         "IPThermostat",
	ChannelTypes: []string{"HEATING_CLIMATECONTROL_TRANSCEIVER"},
	Description:  "This service provides a thermostat for HomeMatic IP radiator and wall thermostats",
	ConfigurationItems: map[string]ConfigItem{
		"showHumidity": {
			Type:    "checkbox",
			Default: false,
			Label:   "Show humidity",
			Hint:    "Publish the humidity of wall thermostats",
		},
	},
	Category: homekit.CategoryThermostat,
	New: func(b *Base) Accessory {
		p := thermostatProfile{
			temperature: datapointRef{-1, "ACTUAL_TEMPERATURE"},
			setpoint:    datapointRef{-1, "SET_POINT_TEMPERATURE"},
			valve:       datapointRef{-1, "LEVEL"},
			lowBattery:  datapointRef{0, "LOW_BAT"},
		}
		if ccu.IsTrue(b.DeviceSettings()["showHumidity"]) || hasHumiditySensor(b.Device()) {
			p.humidity = datapointRef{-1, "HUMIDITY"}
		}
		return NewThermostat(b, p)
	},
}

// hasHumiditySensor reports wall thermostats, which measure humidity.
func hasHumiditySensor(dev *ccu.Device) bool {
	return dev != nil && strings.Contains(dev.Type, "WTH")
}

// Thermostat maps a heating controller onto the thermostat service.
//
// A setpoint at or below OffTemperature is reported as mode OFF. Writing OFF
// sets the setpoint to OffTemperature, writing HEAT restores the last
// setpoint above it, which is persisted across restarts.
type Thermostat struct {
	*Base
	profile thermostatProfile

	mu           sync.Mutex
	lastSetpoint float64

	currentTemp  *homekit.Characteristic
	targetTemp   *homekit.Characteristic
	humidity     *homekit.Characteristic
	currentMode  *homekit.Characteristic
	targetMode   *homekit.Characteristic
	displayUnits *homekit.Characteristic
	lowBattery   *homekit.Characteristic
}

// NewThermostat creates a thermostat accessory.
func NewThermostat(b *Base, p thermostatProfile) *Thermostat {
	return &Thermostat{Base: b, profile: p, lastSetpoint: DefaultSetpoint}
}

func (t *Thermostat) addr(ref datapointRef) ccu.Address {
	if ref.channel < 0 {
		return t.BuildAddress(ref.parameter)
	}
	return t.BuildChannelAddress(ref.channel, ref.parameter)
}

// PublishServices adds the thermostat service and binds it to the
// controller datapoints of the profile.
func (t *Thermostat) PublishServices() error {
	var last float64
	if t.LoadState(stateLastSetpoint, &last) && last > OffTemperature {
		t.setLastSetpoint(last)
	}

	service := t.AddService(homekit.ServiceThermostat)

	t.currentTemp = service.Characteristic(homekit.TypeCurrentTemperature).
		OnGet(t.floatGetter(t.profile.temperature))

	if t.profile.humidity.parameter != "" {
		t.humidity = service.AddCharacteristic(homekit.TypeCurrentRelativeHumidity).
			OnGet(t.floatGetter(t.profile.humidity))
		t.RegisterAddressForEventProcessing(t.addr(t.profile.humidity), func(v any) {
			t.UpdateCharacteristic(t.humidity, v)
		})
	}

	// The range starts at OffTemperature so a write of the off value
	// reaches the set handler unclamped.
	t.targetTemp = service.Characteristic(homekit.TypeTargetTemperature).
		SetMinValue(OffTemperature).
		OnGet(func(ctx context.Context) (any, error) {
			v, err := t.GetAddressValue(ctx, t.addr(t.profile.setpoint), true)
			if err != nil {
				return nil, err
			}
			f, _ := ccu.Float(v)
			if f <= OffTemperature {
				return t.LastSetpoint(), nil
			}
			return f, nil
		}).
		OnSet(func(ctx context.Context, v any) error {
			t.setTargetTemperature(ctx, v.(float64))
			return nil
		})

	t.currentMode = service.Characteristic(homekit.TypeCurrentHeatingCoolingState).
		OnGet(func(ctx context.Context) (any, error) {
			return t.currentHeatingState(ctx)
		})

	t.targetMode = service.Characteristic(homekit.TypeTargetHeatingCoolingState).
		OnGet(func(ctx context.Context) (any, error) {
			v, err := t.GetAddressValue(ctx, t.addr(t.profile.setpoint), true)
			if err != nil {
				return nil, err
			}
			return heatingMode(v), nil
		}).
		OnSet(func(ctx context.Context, v any) error {
			t.setTargetMode(ctx, v.(int))
			return nil
		})

	t.displayUnits = service.Characteristic(homekit.TypeTemperatureDisplayUnits).
		OnGet(func(context.Context) (any, error) {
			return homekit.TemperatureDisplayUnitsCelsius, nil
		}).
		OnSet(func(_ context.Context, v any) error {
			t.debugLog("display units are fixed to celsius", "requested", v)
			return nil
		})

	t.lowBattery = service.AddCharacteristic(homekit.TypeStatusLowBattery)

	t.RegisterAddressForEventProcessing(t.addr(t.profile.temperature), func(v any) {
		t.UpdateCharacteristic(t.currentTemp, v)
	})
	t.RegisterAddressForEventProcessing(t.addr(t.profile.setpoint), t.handleSetpoint)
	if t.profile.valve.parameter != "" {
		t.RegisterAddressForEventProcessing(t.addr(t.profile.valve), func(v any) {
			t.UpdateCharacteristic(t.currentMode, valveHeatingState(v))
		})
	}
	t.RegisterAddressForEventProcessing(t.addr(t.profile.lowBattery), func(v any) {
		state := homekit.StatusLowBatteryNormal
		if ccu.IsTrue(v) {
			state = homekit.StatusLowBatteryLow
		}
		t.UpdateCharacteristic(t.lowBattery, state)
	})
	return nil
}

func (t *Thermostat) floatGetter(ref datapointRef) homekit.GetFunc {
	return func(ctx context.Context) (any, error) {
		return t.GetAddressValue(ctx, t.addr(ref), true)
	}
}

func heatingMode(setpoint any) int {
	if f, ok := ccu.Float(setpoint); ok && f > OffTemperature {
		return homekit.HeatingCoolingStateHeat
	}
	return homekit.HeatingCoolingStateOff
}

func valveHeatingState(level any) int {
	if f, ok := ccu.Float(level); ok && f > 0 {
		return homekit.HeatingCoolingStateHeat
	}
	return homekit.HeatingCoolingStateOff
}

func (t *Thermostat) currentHeatingState(ctx context.Context) (int, error) {
	if t.profile.valve.parameter != "" {
		v, err := t.GetAddressValue(ctx, t.addr(t.profile.valve), true)
		if err == nil {
			return valveHeatingState(v), nil
		}
		t.debugLog("valve level unavailable, using setpoint", "err", err)
	}
	v, err := t.GetAddressValue(ctx, t.addr(t.profile.setpoint), true)
	if err != nil {
		return 0, err
	}
	return heatingMode(v), nil
}

// LastSetpoint returns the setpoint HEAT restores.
func (t *Thermostat) LastSetpoint() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSetpoint
}

// setLastSetpoint remembers a setpoint above the off threshold. Reports
// whether it changed.
func (t *Thermostat) setLastSetpoint(f float64) bool {
	if f <= OffTemperature {
		return false
	}
	t.mu.Lock()
	changed := t.lastSetpoint != f
	t.lastSetpoint = f
	t.mu.Unlock()
	return changed
}

func (t *Thermostat) rememberSetpoint(f float64) {
	if t.setLastSetpoint(f) {
		t.SaveState(stateLastSetpoint, f)
	}
}

// setTargetTemperature writes a setpoint. A value at or below
// OffTemperature switches heating off and leaves the last setpoint alone.
func (t *Thermostat) setTargetTemperature(ctx context.Context, f float64) {
	t.debugLog("set target temperature", "value", f)
	if f <= OffTemperature {
		f = OffTemperature
	} else if f < MinSetpoint {
		f = MinSetpoint
		t.UpdateCharacteristic(t.targetTemp, f)
	}
	t.rememberSetpoint(f)
	t.setValueLogged(ctx, t.addr(t.profile.setpoint), f)
	mode := heatingMode(f)
	t.UpdateCharacteristic(t.targetMode, mode)
	if t.profile.valve.parameter == "" {
		t.UpdateCharacteristic(t.currentMode, mode)
	}
}

func (t *Thermostat) setTargetMode(ctx context.Context, mode int) {
	t.debugLog("set target heating mode", "value", mode)
	switch mode {
	case homekit.HeatingCoolingStateOff:
		t.setValueLogged(ctx, t.addr(t.profile.setpoint), OffTemperature)
		if t.profile.valve.parameter == "" {
			t.UpdateCharacteristic(t.currentMode, homekit.HeatingCoolingStateOff)
		}
	case homekit.HeatingCoolingStateHeat:
		last := t.LastSetpoint()
		t.setValueLogged(ctx, t.addr(t.profile.setpoint), last)
		t.UpdateCharacteristic(t.targetTemp, last)
		if t.profile.valve.parameter == "" {
			t.UpdateCharacteristic(t.currentMode, homekit.HeatingCoolingStateHeat)
		}
	}
}

func (t *Thermostat) handleSetpoint(v any) {
	f, ok := ccu.Float(v)
	if !ok {
		t.logger.Warn("invalid setpoint value", "value", v)
		return
	}
	mode := heatingMode(f)
	t.debugLog("setpoint event", "value", f, "mode", mode)
	if mode == homekit.HeatingCoolingStateHeat {
		t.rememberSetpoint(f)
		t.UpdateCharacteristic(t.targetTemp, f)
	}
	t.UpdateCharacteristic(t.targetMode, mode)
	if t.profile.valve.parameter == "" {
		t.UpdateCharacteristic(t.currentMode, mode)
	}
}

// QueryState requests all bound datapoints; the answers arrive as events.
func (t *Thermostat) QueryState(ctx context.Context) {
	refs := []datapointRef{t.profile.temperature, t.profile.setpoint, t.profile.humidity, t.profile.valve, t.profile.lowBattery}
	for _, ref := range refs {
		if ref.parameter == "" {
			continue
		}
		if _, err := t.GetAddressValue(ctx, t.addr(ref), true); err != nil {
			t.debugLog("query failed", "datapoint", t.addr(ref).String(), "err", err)
		}
	}
}
