//go:build !no_mqtt

package ccu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"ccu-hap-bridge/internal/events"
)

// MQTTConfig holds the settings of the MQTT controller transport.
type MQTTConfig struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string        // prepended to "device/...", usually empty
	GetTimeout  time.Duration // how long a refresh waits for a fresh status
}

// MQTTController talks to the controller through the CCU-Jack MQTT topic
// scheme:
//
//	device/status/<serial>/<channel>/<parameter>  {"v":<value>,"ts":<ms>,"s":<state>}
//	device/set/<serial>/<channel>/<parameter>     {"v":<value>}
//	device/get/<serial>/<channel>/<parameter>     (requests a status publish)
type MQTTController struct {
	client  pahomqtt.Client
	cfg     MQTTConfig
	bus     *events.Bus
	devices *DeviceDB
	logger  *slog.Logger

	mu      sync.Mutex
	values  map[string]any // datapoint key -> last reported value
	waiters map[string][]chan any
}

type statusPayload struct {
	V  any   `json:"v"`
	TS int64 `json:"ts,omitempty"`
	S  int   `json:"s,omitempty"`
}

// NewMQTTController creates and connects an MQTT controller.
func NewMQTTController(cfg MQTTConfig, bus *events.Bus, devices *DeviceDB, logger *slog.Logger) (*MQTTController, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "ccu-hap-bridge"
	}
	if cfg.GetTimeout == 0 {
		cfg.GetTimeout = 3 * time.Second
	}
	if devices == nil {
		devices = NewDeviceDB()
	}
	c := &MQTTController{
		cfg:     cfg,
		bus:     bus,
		devices: devices,
		logger:  logger.With("component", "ccu-mqtt"),
		values:  make(map[string]any),
		waiters: make(map[string][]chan any),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(client pahomqtt.Client) {
			c.logger.Info("MQTT connected", "broker", cfg.Broker)
			c.subscribeStatus(client)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			c.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect: %w", ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	c.client = client
	return c, nil
}

func (c *MQTTController) subscribeStatus(client pahomqtt.Client) {
	topic := c.cfg.TopicPrefix + "device/status/#"
	token := client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.handleStatus(msg.Topic(), msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			c.logger.Warn("MQTT subscribe timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			c.logger.Warn("MQTT subscribe error", "topic", topic, "err", err)
		}
	}()
}

func (c *MQTTController) handleStatus(topic string, payload []byte) {
	addr, err := c.parseTopic(topic, "device/status/")
	if err != nil {
		c.logger.Debug("ignoring status topic", "topic", topic, "err", err)
		return
	}
	value, err := decodeStatus(payload)
	if err != nil {
		c.logger.Warn("invalid status payload", "topic", topic, "err", err)
		return
	}

	key := addr.Key()
	c.mu.Lock()
	c.values[key] = value
	waiters := c.waiters[key]
	delete(c.waiters, key)
	c.mu.Unlock()

	for _, w := range waiters {
		select {
		case w <- value:
		default:
		}
	}
	emitValue(c.bus, addr, value)
}

// parseTopic converts "<prefix><kind><serial>/<channel>/<parameter>" into an
// address. The interface is filled in from the device database when known.
func (c *MQTTController) parseTopic(topic, kind string) (Address, error) {
	rest, ok := strings.CutPrefix(topic, c.cfg.TopicPrefix+kind)
	if !ok {
		return Address{}, fmt.Errorf("%w: topic %q", ErrInvalidAddress, topic)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return Address{}, fmt.Errorf("%w: topic %q", ErrInvalidAddress, topic)
	}
	ch, err := strconv.Atoi(parts[1])
	if err != nil {
		return Address{}, fmt.Errorf("%w: topic %q channel: %v", ErrInvalidAddress, topic, err)
	}
	addr := Address{Serial: parts[0], Channel: ch, Parameter: parts[2]}
	if dev := c.devices.Device(addr.Serial); dev != nil {
		addr.Interface = dev.Interface
	}
	return addr, nil
}

func (c *MQTTController) topic(kind string, addr Address) string {
	return fmt.Sprintf("%s%s%s/%d/%s", c.cfg.TopicPrefix, kind, addr.Serial, addr.Channel, addr.Parameter)
}

func decodeStatus(payload []byte) (any, error) {
	var st statusPayload
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, err
	}
	return st.V, nil
}

func (c *MQTTController) GetValue(ctx context.Context, addr Address, refresh bool) (any, error) {
	key := addr.Key()
	if !refresh {
		c.mu.Lock()
		v, ok := c.values[key]
		c.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("%s: %w", addr, ErrNoValue)
		}
		return v, nil
	}

	if !c.client.IsConnected() {
		return c.cached(addr, ErrNotConnected)
	}

	w := make(chan any, 1)
	c.mu.Lock()
	c.waiters[key] = append(c.waiters[key], w)
	c.mu.Unlock()
	defer c.dropWaiter(key, w)

	c.client.Publish(c.topic("device/get/", addr), 1, false, []byte{})

	timer := time.NewTimer(c.cfg.GetTimeout)
	defer timer.Stop()
	select {
	case v := <-w:
		return v, nil
	case <-timer.C:
		return c.cached(addr, ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// cached answers a refresh that could not be served from the controller.
// The cached value is re-emitted so subscribers still reconcile.
func (c *MQTTController) cached(addr Address, cause error) (any, error) {
	c.mu.Lock()
	v, ok := c.values[addr.Key()]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", addr, cause)
	}
	c.logger.Debug("serving cached value", "address", addr.String(), "cause", cause)
	emitValue(c.bus, addr, v)
	return v, nil
}

func (c *MQTTController) dropWaiter(key string, w chan any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.waiters[key]
	for i, x := range ws {
		if x == w {
			c.waiters[key] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(c.waiters[key]) == 0 {
		delete(c.waiters, key)
	}
}

func (c *MQTTController) SetValue(ctx context.Context, addr Address, value any) error {
	if !c.client.IsConnected() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(statusPayload{V: value})
	if err != nil {
		return fmt.Errorf("encode %s: %w", addr, err)
	}
	token := c.client.Publish(c.topic("device/set/", addr), 1, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("set %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("set %s: %w", addr, ctx.Err())
	}
}

func (c *MQTTController) Subscribe(addr Address, fn func(any)) func() {
	return subscribe(c.bus, addr, fn)
}

func (c *MQTTController) Devices() *DeviceDB { return c.devices }

// Close disconnects from the broker.
func (c *MQTTController) Close() error {
	c.client.Disconnect(250)
	c.logger.Info("MQTT controller stopped")
	return nil
}
