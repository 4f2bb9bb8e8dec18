package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"ccu-hap-bridge/internal/accessory"
	"ccu-hap-bridge/internal/bridge"
	"ccu-hap-bridge/internal/ccu"
	"ccu-hap-bridge/internal/events"
	"ccu-hap-bridge/internal/homekit"
	"ccu-hap-bridge/internal/store"
	"ccu-hap-bridge/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	CCU struct {
		Transport string `yaml:"transport"` // "mqtt" or "simulate"
		MQTT      struct {
			Broker      string `yaml:"broker"`
			Username    string `yaml:"username"`
			Password    string `yaml:"password"`
			ClientID    string `yaml:"client_id"`
			TopicPrefix string `yaml:"topic_prefix"`
		} `yaml:"mqtt"`
		Fixture string `yaml:"fixture"` // fixture file for the simulate transport
	} `yaml:"ccu"`
	HomeKit struct {
		Name       string `yaml:"name"`
		Pin        string `yaml:"pin"`
		Listen     string `yaml:"listen"`
		StorageDir string `yaml:"storage_dir"`
	} `yaml:"homekit"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	DevicesDir string             `yaml:"devices_dir"`
	Channels   []accessory.Config `yaml:"channels"`
}

func (c *Config) validate() error {
	switch c.CCU.Transport {
	case "mqtt":
		if c.CCU.MQTT.Broker == "" {
			return fmt.Errorf("ccu.mqtt.broker is required")
		}
	case "simulate":
		if c.CCU.Fixture == "" {
			return fmt.Errorf("ccu.fixture is required for the simulate transport")
		}
	default:
		return fmt.Errorf("ccu.transport must be mqtt or simulate, got %q", c.CCU.Transport)
	}
	if len(c.HomeKit.Pin) != 8 || strings.Trim(c.HomeKit.Pin, "0123456789") != "" {
		return fmt.Errorf("homekit.pin must be 8 digits")
	}
	seen := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		addr, err := ccu.ParseChannelAddress(ch.Address)
		if err != nil {
			return fmt.Errorf("channels[%d]: %w", i, err)
		}
		if seen[addr.String()] {
			return fmt.Errorf("channels[%d]: duplicate address %s", i, addr)
		}
		seen[addr.String()] = true
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("ccu-hap-bridge starting", "version", version, "transport", cfg.CCU.Transport)

	deviceDB, err := ccu.LoadDeviceDir(cfg.DevicesDir, logger)
	if err != nil {
		logger.Error("load device definitions", "err", err)
		os.Exit(1)
	}

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	bus := events.NewBus(logger)
	ctrl, channels, err := createController(cfg, bus, deviceDB, logger)
	if err != nil {
		logger.Error("create controller", "err", err)
		os.Exit(1)
	}
	defer ctrl.Close()
	channels = append(channels, cfg.Channels...)

	registry := accessory.NewRegistry(logger)
	accessory.RegisterStandard(registry)

	srv := bridge.New(ctrl, registry, bus, logger,
		bridge.WithStore(db),
		bridge.WithDebug(strings.EqualFold(cfg.Log.Level, "debug")),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := srv.Publish(ctx, channels); err != nil {
		// Failed channels are skipped; the others are served.
		logger.Warn("some accessories were not published", "err", err)
	}
	cancel()

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	homekitDone := make(chan struct{})
	go func() {
		defer close(homekitDone)
		err := runHomeKit(runCtx, srv, homekit.PublisherConfig{
			Name:     cfg.HomeKit.Name,
			Pin:      cfg.HomeKit.Pin,
			Addr:     cfg.HomeKit.Listen,
			StoreDir: cfg.HomeKit.StorageDir,
			Firmware: version,
		}, logger)
		if err != nil {
			logger.Error("homekit bridge", "err", err)
		}
	}()

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webServer := web.NewServer(srv, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	stop()
	<-homekitDone
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	srv.Shutdown()

	logger.Info("goodbye")
}

// createController connects the configured controller transport. The
// simulate transport also returns the channels of its fixture.
func createController(cfg *Config, bus *events.Bus, devices *ccu.DeviceDB, logger *slog.Logger) (ccu.Controller, []accessory.Config, error) {
	switch cfg.CCU.Transport {
	case "simulate":
		f, err := bridge.LoadFixture(cfg.CCU.Fixture)
		if err != nil {
			return nil, nil, err
		}
		for _, d := range f.Devices {
			devices.Add(d)
		}
		sim := ccu.NewSimulator(bus, devices, logger)
		for addr, v := range f.Values {
			if err := sim.Seed(addr, v); err != nil {
				return nil, nil, fmt.Errorf("seed %s: %w", addr, err)
			}
		}
		logger.Info("using simulated controller", "fixture", cfg.CCU.Fixture, "devices", devices.Len())
		return sim, f.Channels(), nil
	case "mqtt":
		logger.Info("using MQTT controller", "broker", cfg.CCU.MQTT.Broker)
		ctrl, err := newMQTTController(cfg, bus, devices, logger)
		return ctrl, nil, err
	default:
		return nil, nil, fmt.Errorf("unknown controller transport: %q (supported: mqtt, simulate)", cfg.CCU.Transport)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.CCU.Transport == "" {
		cfg.CCU.Transport = "mqtt"
	}
	if cfg.CCU.MQTT.ClientID == "" {
		cfg.CCU.MQTT.ClientID = "ccu-hap-bridge"
	}
	if cfg.HomeKit.Name == "" {
		cfg.HomeKit.Name = "CCU Bridge"
	}
	if cfg.HomeKit.Pin == "" {
		cfg.HomeKit.Pin = "00102003"
	}
	if cfg.HomeKit.StorageDir == "" {
		cfg.HomeKit.StorageDir = "homekit"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "ccu-hap-bridge.db"
	}
	if cfg.DevicesDir == "" {
		cfg.DevicesDir = "devices"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
