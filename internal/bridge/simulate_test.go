package bridge

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ccu-hap-bridge/internal/accessory"
	"ccu-hap-bridge/internal/homekit"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func simulateFixture(t *testing.T, name string) (*Simulation, *Fixture) {
	t.Helper()
	f, err := LoadFixture(filepath.Join("testdata", name))
	require.NoError(t, err)
	sim, err := Simulate(context.Background(), f, newTestLogger())
	require.NoError(t, err)
	t.Cleanup(sim.Shutdown)
	return sim, f
}

func onlyAccessory(t *testing.T, sim *Simulation) accessory.Accessory {
	t.Helper()
	accs := sim.Accessories()
	require.Len(t, accs, 1)
	return accs[0]
}

func TestSimulateAssignsServiceClasses(t *testing.T) {
	for _, name := range []string{"HM-Sec-Key.json", "HmIP-eTRV-2.json", "HM-CC-TC.json"} {
		t.Run(name, func(t *testing.T) {
			sim, f := simulateFixture(t, name)
			require.Equal(t, 1, sim.CCU.Devices().Len())
			for _, acc := range sim.Accessories() {
				require.Equal(t, f.CCU[acc.Address()], acc.ServiceClass())
			}
			require.Len(t, sim.Accessories(), len(f.CCU))
		})
	}
}

func TestLoadFixtureErrors(t *testing.T) {
	_, err := LoadFixture(filepath.Join("testdata", "missing.json"))
	require.Error(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "empty.json")
	require.NoError(t, writeFile(path, `{"devices": []}`))
	_, err = LoadFixture(path)
	require.Error(t, err)
}

func TestFixtureChannelsApplyMappings(t *testing.T) {
	f, err := LoadFixture(filepath.Join("testdata", "HM-CC-TC.json"))
	require.NoError(t, err)
	ch := f.Channels()
	require.Len(t, ch, 1)
	require.Equal(t, "Living room", ch[0].Name)
	require.Equal(t, "Thermostat", ch[0].Service)
}

// Writing UNSECURED with unlockMode=unlock dispatches STATE=1 and the
// current state reads UNSECURED right after the call.
func TestKeyMaticUnlockScenario(t *testing.T) {
	sim, _ := simulateFixture(t, "HM-Sec-Key.json")
	acc := onlyAccessory(t, sim)
	require.Equal(t, "Front door lock", acc.HomeKit().Info.Name)
	require.Equal(t, "HM-Sec-Key", acc.HomeKit().Info.Model)

	s := acc.HomeKit().Service(homekit.ServiceLockMechanism)
	require.NotNil(t, s)

	require.NoError(t, s.Lookup(homekit.TypeLockTargetState).Set(context.Background(), homekit.LockTargetStateUnsecured))
	require.Equal(t, homekit.LockCurrentStateUnsecured, s.Lookup(homekit.TypeLockCurrentState).Value())

	d := sim.CCU.Dispatches()
	require.Len(t, d, 1)
	require.Equal(t, "BidCos-RF.KEQ0123456:1.STATE", d[0].Address.String())
	require.Equal(t, 1, d[0].Value)
}

func TestKeyMaticEventsWithoutCommand(t *testing.T) {
	sim, _ := simulateFixture(t, "HM-Sec-Key.json")
	s := onlyAccessory(t, sim).HomeKit().Service(homekit.ServiceLockMechanism)

	for _, v := range []bool{true, false, true} {
		require.NoError(t, sim.CCU.FireEvent("BidCos-RF.KEQ0123456:1.STATE", v))
		want := homekit.LockCurrentStateSecured
		if v {
			want = homekit.LockCurrentStateUnsecured
		}
		require.Equal(t, want, s.Lookup(homekit.TypeLockCurrentState).Value())
		require.Equal(t, want, s.Lookup(homekit.TypeLockTargetState).Value())
	}
}

func TestKeyMaticDoorTriggerScenario(t *testing.T) {
	sim, _ := simulateFixture(t, "HM-Sec-Key.json")
	s := onlyAccessory(t, sim).HomeKit().Service(homekit.ServiceLockMechanism)
	door := s.Lookup(homekit.TypeTargetDoorState)

	require.NoError(t, door.Set(context.Background(), homekit.TargetDoorStateOpen))
	require.Eventually(t, func() bool {
		return door.Value() == homekit.TargetDoorStateClosed
	}, 3*time.Second, 50*time.Millisecond)
}

func TestIPThermostatScenario(t *testing.T) {
	sim, _ := simulateFixture(t, "HmIP-eTRV-2.json")
	s := onlyAccessory(t, sim).HomeKit().Service(homekit.ServiceThermostat)
	require.NotNil(t, s)
	ctx := context.Background()

	// Seeded values were picked up by the initial query.
	require.Equal(t, 19.5, s.Lookup(homekit.TypeCurrentTemperature).Value())
	require.Equal(t, 21.0, s.Lookup(homekit.TypeTargetTemperature).Value())
	require.Equal(t, homekit.HeatingCoolingStateHeat, s.Lookup(homekit.TypeCurrentHeatingCoolingState).Value())

	temp := float64(rand.Intn(30))
	require.NoError(t, sim.CCU.FireEvent("HmIP.2123456789ABCD:1.ACTUAL_TEMPERATURE", temp))
	v, err := s.Lookup(homekit.TypeCurrentTemperature).Get(ctx)
	require.NoError(t, err)
	require.Equal(t, temp, v)

	setpoint := float64(rand.Intn(24) + 10)
	require.NoError(t, s.Lookup(homekit.TypeTargetTemperature).Set(ctx, setpoint))
	mode, err := s.Lookup(homekit.TypeTargetHeatingCoolingState).Get(ctx)
	require.NoError(t, err)
	require.Equal(t, homekit.HeatingCoolingStateHeat, mode)

	require.NoError(t, sim.CCU.FireEvent("HmIP.2123456789ABCD:1.SET_POINT_TEMPERATURE", 4.5))
	mode, err = s.Lookup(homekit.TypeTargetHeatingCoolingState).Get(ctx)
	require.NoError(t, err)
	require.Equal(t, homekit.HeatingCoolingStateOff, mode)

	require.NoError(t, s.Lookup(homekit.TypeTargetHeatingCoolingState).Set(ctx, homekit.HeatingCoolingStateOff))
	got, err := sim.CCU.Value("HmIP.2123456789ABCD:1.SET_POINT_TEMPERATURE")
	require.NoError(t, err)
	require.Equal(t, 4.5, got)

	require.NoError(t, s.Lookup(homekit.TypeTargetHeatingCoolingState).Set(ctx, homekit.HeatingCoolingStateHeat))
	got, err = sim.CCU.Value("HmIP.2123456789ABCD:1.SET_POINT_TEMPERATURE")
	require.NoError(t, err)
	require.Equal(t, setpoint, got)
}

func TestClimateControlScenario(t *testing.T) {
	sim, _ := simulateFixture(t, "HM-CC-TC.json")
	acc := onlyAccessory(t, sim)
	require.Equal(t, "Living room", acc.HomeKit().Info.Name)
	s := acc.HomeKit().Service(homekit.ServiceThermostat)
	ctx := context.Background()

	temp := float64(rand.Intn(30))
	require.NoError(t, sim.CCU.FireEvent("BidCos-RF.5120978032ABCD:1.TEMPERATURE", temp))
	v, err := s.Lookup(homekit.TypeCurrentTemperature).Get(ctx)
	require.NoError(t, err)
	require.Equal(t, temp, v)

	humidity := float64(rand.Intn(100))
	require.NoError(t, sim.CCU.FireEvent("BidCos-RF.5120978032ABCD:1.HUMIDITY", humidity))
	v, err = s.Lookup(homekit.TypeCurrentRelativeHumidity).Get(ctx)
	require.NoError(t, err)
	require.Equal(t, humidity, v)

	require.NoError(t, sim.CCU.FireEvent("BidCos-RF.5120978032ABCD:2.SETPOINT", 24))
	v, err = s.Lookup(homekit.TypeTargetTemperature).Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 24.0, v)
}
