package web

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ccu-hap-bridge/internal/bridge"
	"ccu-hap-bridge/internal/ccu"
	"ccu-hap-bridge/internal/store"
)

const (
	lockAddr       = "BidCos-RF.KEQ0123456:1"
	thermostatAddr = "HmIP.2123456789ABCD:1"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// setupTestServer simulates a KeyMatic and an HmIP radiator thermostat
// behind a web server backed by a temporary store.
func setupTestServer(t *testing.T, apiKey string, opts ...ServerOption) (*Server, *ccu.Simulator) {
	t.Helper()
	fixture := loadFixtures(t, "HM-Sec-Key.json", "HmIP-eTRV-2.json")

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := newTestLogger()
	sim, err := bridge.Simulate(context.Background(), fixture, logger, bridge.WithStore(db))
	require.NoError(t, err)
	t.Cleanup(sim.Shutdown)

	if apiKey != "" {
		opts = append(opts, WithAPIKey(apiKey))
	}
	srv := NewServer(sim.Server, logger, opts...)
	t.Cleanup(srv.Stop)
	return srv, sim.CCU
}

func loadFixtures(t *testing.T, names ...string) *bridge.Fixture {
	t.Helper()
	var merged *bridge.Fixture
	for _, name := range names {
		f, err := bridge.LoadFixture(filepath.Join("..", "bridge", "testdata", name))
		require.NoError(t, err)
		if merged == nil {
			merged = f
			continue
		}
		for k, v := range f.CCU {
			merged.CCU[k] = v
		}
		for k, v := range f.Mappings {
			if merged.Mappings == nil {
				merged.Mappings = map[string]bridge.Mapping{}
			}
			merged.Mappings[k] = v
		}
		for k, v := range f.Values {
			if merged.Values == nil {
				merged.Values = map[string]any{}
			}
			merged.Values[k] = v
		}
		merged.Devices = append(merged.Devices, f.Devices...)
	}
	return merged
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func characteristicValue(t *testing.T, v accessoryView, typ string) any {
	t.Helper()
	for _, svc := range v.Services {
		for _, c := range svc.Characteristics {
			if c.Type == typ {
				return c.Value
			}
		}
	}
	t.Fatalf("characteristic %s not in %s", typ, v.Address)
	return nil
}

func TestAPIListServices(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	w := do(srv, "GET", "/api/services", "")
	require.Equal(t, http.StatusOK, w.Code)

	var services []map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&services))
	require.Len(t, services, 3)

	byName := map[string]map[string]any{}
	for _, s := range services {
		byName[s["name"].(string)] = s
	}
	keymatic := byName["KeyMatic"]
	require.NotNil(t, keymatic)
	require.Equal(t, []any{"KEYMATIC"}, keymatic["channelTypes"])
	require.NotEmpty(t, keymatic["serviceDescription"])
	items := keymatic["configurationItems"].(map[string]any)
	require.Contains(t, items, "unlockMode")
}

func TestAPIListAccessories(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	w := do(srv, "GET", "/api/accessories", "")
	require.Equal(t, http.StatusOK, w.Code)

	var views []accessoryView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&views))
	require.Len(t, views, 2)
	require.Equal(t, lockAddr, views[0].Address)
	require.Equal(t, "KeyMatic", views[0].Service)
	require.Equal(t, thermostatAddr, views[1].Address)
	require.Equal(t, "Bathroom", views[1].Info.Name)
	require.Equal(t, "HmIP-eTRV-2", views[1].Info.Model)
}

func TestAPIGetAccessoryReadsController(t *testing.T) {
	srv, sim := setupTestServer(t, "")
	require.NoError(t, sim.Seed(thermostatAddr+".ACTUAL_TEMPERATURE", 18.0))

	w := do(srv, "GET", "/api/accessories/"+thermostatAddr, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var v accessoryView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	require.Equal(t, 18.0, characteristicValue(t, v, "CurrentTemperature"))
	require.Equal(t, 21.0, characteristicValue(t, v, "TargetTemperature"))
	// LEVEL 0.2 means the valve is open.
	require.Equal(t, 1.0, characteristicValue(t, v, "CurrentHeatingCoolingState"))
}

func TestAPIGetAccessoryErrors(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	tests := []struct {
		name string
		path string
		want int
	}{
		{"unknown", "/api/accessories/BidCos-RF.NEQ0000000:1", http.StatusNotFound},
		{"no channel", "/api/accessories/BidCos-RF.KEQ0123456", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(srv, "GET", tt.path, "")
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAPIConfigureAccessory(t *testing.T) {
	srv, sim := setupTestServer(t, "")

	body := `{"name": "Back door", "settings": {"unlockMode": "open"}}`
	w := do(srv, "PUT", "/api/accessories/"+lockAddr, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var v accessoryView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	require.Equal(t, "Back door", v.Info.Name)

	rec, err := srv.bridge.Store().GetAccessory(lockAddr)
	require.NoError(t, err)
	require.Equal(t, "Back door", rec.Name)
	require.Equal(t, "open", rec.Settings["unlockMode"])

	// The republished accessory uses the new unlock mode.
	sim.ResetDispatches()
	w = do(srv, "PUT", "/api/accessories/"+lockAddr+"/characteristics/LockTargetState", `{"value": 0}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	d := sim.Dispatches()
	require.Len(t, d, 1)
	require.Equal(t, "OPEN", d[0].Address.Parameter)
}

func TestAPIConfigureAccessoryValidation(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"bad json", "/api/accessories/" + lockAddr, `{`, http.StatusBadRequest},
		{"unknown service", "/api/accessories/" + lockAddr, `{"service": "Blinds"}`, http.StatusBadRequest},
		{"bad address", "/api/accessories/not-an-address", `{}`, http.StatusBadRequest},
		{"long name", "/api/accessories/" + lockAddr, `{"name": "` + string(bytes.Repeat([]byte("x"), 65)) + `"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(srv, "PUT", tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAPIRemoveAccessory(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	w := do(srv, "DELETE", "/api/accessories/"+lockAddr, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	_, ok := srv.bridge.Accessory(lockAddr)
	require.False(t, ok)

	w = do(srv, "DELETE", "/api/accessories/"+lockAddr, "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIQueryAccessory(t *testing.T) {
	srv, sim := setupTestServer(t, "")
	require.NoError(t, sim.Seed(thermostatAddr+".ACTUAL_TEMPERATURE", 23.5))

	w := do(srv, "POST", "/api/accessories/"+thermostatAddr+"/query", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The query answer arrives as an event and updates the cached value.
	w = do(srv, "GET", "/api/accessories", "")
	var views []accessoryView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&views))
	require.Equal(t, 23.5, characteristicValue(t, views[1], "CurrentTemperature"))
}

func TestAPISetCharacteristic(t *testing.T) {
	srv, sim := setupTestServer(t, "")

	w := do(srv, "PUT", "/api/accessories/"+thermostatAddr+"/characteristics/TargetTemperature", `{"value": 22.5}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	v, err := sim.Value(thermostatAddr + ".SET_POINT_TEMPERATURE")
	require.NoError(t, err)
	require.Equal(t, 22.5, v)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"read only", "/api/accessories/" + thermostatAddr + "/characteristics/CurrentTemperature", `{"value": 1}`, http.StatusBadRequest},
		{"invalid mode", "/api/accessories/" + thermostatAddr + "/characteristics/TargetHeatingCoolingState", `{"value": 3}`, http.StatusBadRequest},
		{"unknown characteristic", "/api/accessories/" + thermostatAddr + "/characteristics/Brightness", `{"value": 1}`, http.StatusNotFound},
		{"not a number", "/api/accessories/" + thermostatAddr + "/characteristics/TargetTemperature", `{"value": "warm"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(srv, "PUT", tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAPIVersion(t *testing.T) {
	srv, _ := setupTestServer(t, "", WithVersion("1.2.3"))

	w := do(srv, "GET", "/api/version", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, "1.2.3", resp["version"])
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := setupTestServer(t, "secret-key")

	tests := []struct {
		name string
		key  string
		want int
	}{
		{"correct key", "secret-key", http.StatusOK},
		{"missing key", "", http.StatusUnauthorized},
		{"wrong key", "wrong-key", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/accessories", nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestOriginCheck(t *testing.T) {
	srv, _ := setupTestServer(t, "", WithAllowedOrigins([]string{"http://bridge.local"}))

	tests := []struct {
		name   string
		method string
		origin string
		want   int
	}{
		{"get from anywhere", "GET", "http://evil.example", http.StatusOK},
		{"post from allowed", "POST", "http://bridge.local", http.StatusOK},
		{"post from other", "POST", "http://evil.example", http.StatusForbidden},
		{"preflight allowed", "OPTIONS", "http://bridge.local", http.StatusNoContent},
		{"preflight other", "OPTIONS", "http://evil.example", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := "/api/accessories"
			if tt.method == "POST" {
				path = "/api/accessories/" + lockAddr + "/query"
			}
			req := httptest.NewRequest(tt.method, path, nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}
