package ccu

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Channel describes one channel of a controller device.
type Channel struct {
	Address string `json:"address"` // "<serial>:<channel>"
	Type    string `json:"type"`    // e.g. "KEYMATIC", "HEATING_CLIMATECONTROL_TRANSCEIVER"
	Name    string `json:"name,omitempty"`
}

// Number returns the channel number encoded in the channel address.
func (c Channel) Number() int {
	_, n, ok := strings.Cut(c.Address, ":")
	if !ok {
		return -1
	}
	ch, err := strconv.Atoi(n)
	if err != nil {
		return -1
	}
	return ch
}

// Device describes a controller device and its channels.
type Device struct {
	Interface string    `json:"interface"` // "BidCos-RF", "HmIP-RF", ...
	Address   string    `json:"address"`   // device serial
	Type      string    `json:"type"`      // model, e.g. "HM-Sec-Key"
	Name      string    `json:"name,omitempty"`
	Firmware  string    `json:"firmware,omitempty"`
	Channels  []Channel `json:"channels,omitempty"`
}

// DeviceDB holds controller devices keyed by serial.
type DeviceDB struct {
	mu   sync.RWMutex
	devs map[string]*Device
}

// NewDeviceDB creates an empty device database.
func NewDeviceDB() *DeviceDB {
	return &DeviceDB{devs: make(map[string]*Device)}
}

// Add inserts or replaces a device.
func (db *DeviceDB) Add(dev Device) {
	cp := dev
	cp.Channels = append([]Channel(nil), dev.Channels...)
	db.mu.Lock()
	db.devs[dev.Address] = &cp
	db.mu.Unlock()
}

// Device finds a device by serial.
func (db *DeviceDB) Device(serial string) *Device {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.devs[serial]
}

// Channel finds the channel (and its device) for a channel address.
// The interface part of addr is ignored.
func (db *DeviceDB) Channel(addr Address) (*Channel, *Device) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	dev := db.devs[addr.Serial]
	if dev == nil {
		return nil, nil
	}
	for i := range dev.Channels {
		if dev.Channels[i].Number() == addr.Channel {
			return &dev.Channels[i], dev
		}
	}
	return nil, dev
}

// Devices returns all devices ordered by serial.
func (db *DeviceDB) Devices() []*Device {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]*Device, 0, len(db.devs))
	for _, d := range db.devs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Len returns the number of devices.
func (db *DeviceDB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.devs)
}

// deviceFile is the JSON structure for files in the devices directory.
type deviceFile struct {
	Devices []Device `json:"devices"`
}

// LoadDeviceDir reads all *.json files from a directory into a DeviceDB.
// Returns an empty DeviceDB (not an error) if the directory doesn't exist or is empty.
func LoadDeviceDir(dir string, logger *slog.Logger) (*DeviceDB, error) {
	db := NewDeviceDB()
	if dir == "" {
		return db, nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return db, fmt.Errorf("glob devices dir: %w", err)
	}
	if len(matches) == 0 {
		logger.Info("no device files found", "dir", dir)
		return db, nil
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return db, fmt.Errorf("read %s: %w", path, err)
		}
		var df deviceFile
		if err := json.Unmarshal(data, &df); err != nil {
			return db, fmt.Errorf("parse %s: %w", path, err)
		}
		for _, d := range df.Devices {
			db.Add(d)
		}
		logger.Info("loaded device file", "path", filepath.Base(path), "devices", len(df.Devices))
	}

	logger.Info("device database loaded", "files", len(matches), "devices", db.Len())
	return db, nil
}
