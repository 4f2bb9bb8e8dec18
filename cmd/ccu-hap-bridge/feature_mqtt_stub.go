//go:build no_mqtt

package main

import (
	"errors"
	"log/slog"

	"ccu-hap-bridge/internal/ccu"
	"ccu-hap-bridge/internal/events"
)

func newMQTTController(_ *Config, _ *events.Bus, _ *ccu.DeviceDB, _ *slog.Logger) (ccu.Controller, error) {
	return nil, errors.New("mqtt transport not available (built with no_mqtt)")
}
