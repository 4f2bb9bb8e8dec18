//go:build !no_mqtt

package main

import (
	"log/slog"

	"ccu-hap-bridge/internal/ccu"
	"ccu-hap-bridge/internal/events"
)

func newMQTTController(cfg *Config, bus *events.Bus, devices *ccu.DeviceDB, logger *slog.Logger) (ccu.Controller, error) {
	return ccu.NewMQTTController(ccu.MQTTConfig{
		Broker:      cfg.CCU.MQTT.Broker,
		Username:    cfg.CCU.MQTT.Username,
		Password:    cfg.CCU.MQTT.Password,
		ClientID:    cfg.CCU.MQTT.ClientID,
		TopicPrefix: cfg.CCU.MQTT.TopicPrefix,
	}, bus, devices, logger)
}
