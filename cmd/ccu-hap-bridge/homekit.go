package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ccu-hap-bridge/internal/bridge"
	"ccu-hap-bridge/internal/events"
	"ccu-hap-bridge/internal/homekit"
)

// republishDelay collects bursts of accessory changes into one restart.
const republishDelay = 2 * time.Second

// runHomeKit serves the published accessories over HAP until ctx is done.
// The HAP accessory list is fixed per server, so a published or removed
// accessory restarts the server with the new list.
func runHomeKit(ctx context.Context, srv *bridge.Server, cfg homekit.PublisherConfig, logger *slog.Logger) error {
	changed := make(chan struct{}, 1)
	unsub := srv.Events().On(events.TypeAccessory, func(events.Event) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsub()

	for {
		pub, err := homekit.NewPublisher(cfg, srv.HomeKitAccessories(), logger)
		if err != nil {
			return err
		}

		serveCtx, cancel := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() { errCh <- pub.ListenAndServe(serveCtx) }()

		select {
		case <-ctx.Done():
			cancel()
			<-errCh
			pub.Close()
			return nil
		case err := <-errCh:
			cancel()
			pub.Close()
			return fmt.Errorf("serve: %w", err)
		case <-changed:
			if !settle(ctx, changed) {
				cancel()
				<-errCh
				pub.Close()
				return nil
			}
			logger.Info("accessory list changed, restarting homekit bridge")
			cancel()
			<-errCh
			pub.Close()
		}
	}
}

// settle waits until no change arrived for republishDelay. Reports false
// when ctx ended first.
func settle(ctx context.Context, changed <-chan struct{}) bool {
	t := time.NewTimer(republishDelay)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-changed:
			if !t.Stop() {
				<-t.C
			}
			t.Reset(republishDelay)
		case <-t.C:
			return true
		}
	}
}
