// canvassync-agent is a headless client: it joins a project, keeps the
// local replica converged and prints engine events. It exists for soak
// testing and for driving canvases from scripts.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mediacanvas/canvassync/internal/engine"
)

func main() {
	cfg := engine.Config{
		ServerURL:   os.Getenv("CANVASSYNC_SERVER_URL"),
		ProjectID:   os.Getenv("CANVASSYNC_PROJECT_ID"),
		Username:    os.Getenv("CANVASSYNC_USERNAME"),
		DisplayName: os.Getenv("CANVASSYNC_DISPLAY_NAME"),
		DataDir:     os.Getenv("CANVASSYNC_DATA_DIR"),
		Logger:      log.Default(),
	}
	if d := durationEnv("CANVASSYNC_SYNC_INTERVAL", 0); d > 0 {
		cfg.SyncInterval = d
	}
	if d := durationEnv("CANVASSYNC_HEARTBEAT_INTERVAL", 0); d > 0 {
		cfg.HeartbeatInterval = d
	}

	eng, err := engine.New(cfg, nil)
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}

	notifications, cancelNotifications := eng.Subscribe(engine.TopicNotification, 16)
	defer cancelNotifications()
	states, cancelStates := eng.Subscribe(engine.TopicConnState, 16)
	defer cancelStates()
	quality, cancelQuality := eng.Subscribe(engine.TopicQuality, 16)
	defer cancelQuality()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}
	log.Printf("agent tab %s joining project %s on %s", eng.TabID(), cfg.ProjectID, cfg.ServerURL)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigs:
			log.Printf("received %s, shutting down", sig)
			eng.Stop()
			return
		case ev := <-notifications:
			if n, ok := ev.Payload.(engine.Notification); ok {
				log.Printf("[%s] %s", n.Level, n.Message)
			}
		case ev := <-states:
			log.Printf("connection state: %v", ev.Payload)
		case ev := <-quality:
			log.Printf("connection quality: %v", ev.Payload)
		}
	}
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
