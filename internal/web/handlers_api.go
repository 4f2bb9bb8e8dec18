package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"ccu-hap-bridge/internal/accessory"
	"ccu-hap-bridge/internal/bridge"
	"ccu-hap-bridge/internal/ccu"
	"ccu-hap-bridge/internal/homekit"
	"ccu-hap-bridge/internal/store"
)

type accessoryView struct {
	Address  string           `json:"address"`
	Service  string           `json:"service"`
	Category homekit.Category `json:"category"`
	Info     homekit.Info     `json:"info"`
	Services []serviceView    `json:"services"`
}

type serviceView struct {
	Type            string               `json:"type"`
	Name            string               `json:"name,omitempty"`
	Characteristics []characteristicView `json:"characteristics"`
}

type characteristicView struct {
	Type     string         `json:"type"`
	Format   homekit.Format `json:"format"`
	Writable bool           `json:"writable"`
	Value    any            `json:"value"`
	Error    string         `json:"error,omitempty"`
}

// viewAccessory renders an accessory. With read set every characteristic is
// read through its get handler, otherwise the cached values are shown.
func viewAccessory(ctx context.Context, a accessory.Accessory, read bool) accessoryView {
	hk := a.HomeKit()
	v := accessoryView{
		Address:  a.Address(),
		Service:  a.ServiceClass(),
		Category: hk.Category,
		Info:     hk.Info,
	}
	for _, svc := range hk.Services() {
		sv := serviceView{Type: svc.Type, Name: svc.Name}
		for _, c := range svc.Characteristics() {
			cv := characteristicView{Type: c.Type, Format: c.Format(), Writable: c.Writable()}
			if read {
				val, err := c.Get(ctx)
				if err != nil {
					cv.Value = c.Value()
					cv.Error = err.Error()
				} else {
					cv.Value = val
				}
			} else {
				cv.Value = c.Value()
			}
			sv.Characteristics = append(sv.Characteristics, cv)
		}
		v.Services = append(v.Services, sv)
	}
	return v
}

func (s *Server) handleAPIListServices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.bridge.Registry().All())
}

func (s *Server) handleAPIListAccessories(w http.ResponseWriter, r *http.Request) {
	accs := s.bridge.Accessories()
	views := make([]accessoryView, 0, len(accs))
	for _, a := range accs {
		views = append(views, viewAccessory(r.Context(), a, false))
	}
	s.writeJSON(w, http.StatusOK, views)
}

// pathAddress parses the {address} path value into its canonical form.
func (s *Server) pathAddress(w http.ResponseWriter, r *http.Request) (string, bool) {
	addr, err := ccu.ParseChannelAddress(r.PathValue("address"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid channel address")
		return "", false
	}
	return addr.String(), true
}

func (s *Server) lookupAccessory(w http.ResponseWriter, r *http.Request) (accessory.Accessory, bool) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return nil, false
	}
	a, ok := s.bridge.Accessory(addr)
	if !ok {
		s.writeError(w, http.StatusNotFound, "accessory not found")
		return nil, false
	}
	return a, true
}

func (s *Server) handleAPIGetAccessory(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookupAccessory(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, viewAccessory(r.Context(), a, true))
}

type configureAccessoryRequest struct {
	Service  string         `json:"service"`
	Name     string         `json:"name"`
	Settings map[string]any `json:"settings"`
}

func (s *Server) handleAPIConfigureAccessory(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}

	var req configureAccessoryRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Name) > 64 {
		s.writeError(w, http.StatusBadRequest, "name too long (max 64)")
		return
	}

	a, err := s.bridge.Configure(r.Context(), store.AccessoryRecord{
		Address:  addr,
		Service:  req.Service,
		Name:     req.Name,
		Settings: req.Settings,
	})
	switch {
	case errors.Is(err, accessory.ErrUnknownService), errors.Is(err, ccu.ErrInvalidAddress):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("configure accessory", "address", addr, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, viewAccessory(r.Context(), a, false))
}

func (s *Server) handleAPIRemoveAccessory(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	err := s.bridge.Remove(addr)
	switch {
	case errors.Is(err, bridge.ErrNotPublished):
		s.writeError(w, http.StatusNotFound, "accessory not found")
		return
	case err != nil:
		s.logger.Error("remove accessory", "address", addr, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleAPIQueryAccessory(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	if err := s.bridge.Query(r.Context(), addr); err != nil {
		s.writeError(w, http.StatusNotFound, "accessory not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "queried"})
}

type setCharacteristicRequest struct {
	Value any `json:"value"`
}

// handleAPISetCharacteristic performs an ecosystem-style write, running the
// same validation and set handler a paired controller would.
func (s *Server) handleAPISetCharacteristic(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookupAccessory(w, r)
	if !ok {
		return
	}

	typ := r.PathValue("type")
	var c *homekit.Characteristic
	for _, svc := range a.HomeKit().Services() {
		if c = svc.Lookup(typ); c != nil {
			break
		}
	}
	if c == nil {
		s.writeError(w, http.StatusNotFound, "characteristic not found")
		return
	}

	var req setCharacteristicRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := c.Set(r.Context(), req.Value); err != nil {
		if errors.Is(err, homekit.ErrInvalidValue) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("set characteristic", "address", a.Address(), "type", typ, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"type": typ, "value": c.Value()})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
