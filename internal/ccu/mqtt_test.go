//go:build !no_mqtt

package ccu

import (
	"testing"

	"ccu-hap-bridge/internal/events"
)

func newUnconnectedController(prefix string) *MQTTController {
	logger := newTestLogger()
	db := NewDeviceDB()
	db.Add(Device{Interface: "BidCos-RF", Address: "KEQ0123456"})
	return &MQTTController{
		cfg:     MQTTConfig{TopicPrefix: prefix},
		bus:     events.NewBus(logger),
		devices: db,
		logger:  logger,
		values:  make(map[string]any),
		waiters: make(map[string][]chan any),
	}
}

func TestMQTTParseTopic(t *testing.T) {
	c := newUnconnectedController("")

	addr, err := c.parseTopic("device/status/KEQ0123456/1/STATE", "device/status/")
	if err != nil {
		t.Fatal(err)
	}
	if addr.String() != "BidCos-RF.KEQ0123456:1.STATE" {
		t.Errorf("addr = %q", addr.String())
	}

	// Unknown devices keep an empty interface but the key still matches.
	addr, err = c.parseTopic("device/status/0001D3C99C1234/1/ACTUAL_TEMPERATURE", "device/status/")
	if err != nil {
		t.Fatal(err)
	}
	if addr.Key() != "0001D3C99C1234:1.ACTUAL_TEMPERATURE" {
		t.Errorf("key = %q", addr.Key())
	}

	for _, bad := range []string{
		"device/status/KEQ0123456/1",
		"device/status/KEQ0123456/x/STATE",
		"other/status/KEQ0123456/1/STATE",
	} {
		if _, err := c.parseTopic(bad, "device/status/"); err == nil {
			t.Errorf("parseTopic(%q) succeeded", bad)
		}
	}
}

func TestMQTTTopicWithPrefix(t *testing.T) {
	c := newUnconnectedController("ccu/")
	addr, _ := ParseAddress("BidCos-RF.KEQ0123456:1.OPEN")
	if got := c.topic("device/set/", addr); got != "ccu/device/set/KEQ0123456/1/OPEN" {
		t.Errorf("topic = %q", got)
	}
	if _, err := c.parseTopic("ccu/device/status/KEQ0123456/1/STATE", "device/status/"); err != nil {
		t.Errorf("prefixed topic: %v", err)
	}
}

func TestMQTTHandleStatus(t *testing.T) {
	c := newUnconnectedController("")
	addr, _ := ParseAddress("BidCos-RF.KEQ0123456:1.STATE")

	var got any
	c.Subscribe(addr, func(v any) { got = v })

	waiter := make(chan any, 1)
	c.waiters[addr.Key()] = []chan any{waiter}

	c.handleStatus("device/status/KEQ0123456/1/STATE", []byte(`{"v":true,"ts":1588000000000,"s":0}`))

	if got != true {
		t.Errorf("event value = %v, want true", got)
	}
	select {
	case v := <-waiter:
		if v != true {
			t.Errorf("waiter value = %v", v)
		}
	default:
		t.Error("waiter not released")
	}
	if c.values[addr.Key()] != true {
		t.Errorf("cache = %v", c.values[addr.Key()])
	}

	// Malformed payloads are dropped.
	got = nil
	c.handleStatus("device/status/KEQ0123456/1/STATE", []byte(`not json`))
	if got != nil {
		t.Errorf("malformed payload emitted %v", got)
	}
}

func TestDecodeStatusNumber(t *testing.T) {
	v, err := decodeStatus([]byte(`{"v":21.5}`))
	if err != nil {
		t.Fatal(err)
	}
	if f, ok := Float(v); !ok || f != 21.5 {
		t.Errorf("value = %v", v)
	}
}
