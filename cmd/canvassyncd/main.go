package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/mediacanvas/canvassync/internal/server"
)

func main() {
	configPath := strings.TrimSpace(os.Getenv("CANVASSYNC_CONFIG"))

	var cfg server.Config
	var watcher *server.ConfigWatcher
	if configPath != "" {
		var err error
		watcher, err = server.WatchConfig(configPath, log.Default(), func(next server.Config) {
			log.Printf("config changed; restart to apply addr/backend changes: %+v", next)
		})
		if err != nil {
			log.Fatalf("failed to load config %s: %v", configPath, err)
		}
		defer watcher.Close()
		cfg = watcher.Current()
	} else {
		var err error
		cfg, err = server.LoadConfig("")
		if err != nil {
			log.Fatalf("failed to build config: %v", err)
		}
	}

	if addr := os.Getenv("CANVASSYNC_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if dsn := os.Getenv("CANVASSYNC_OPLOG_DSN"); dsn != "" {
		cfg.OpLogDSN = dsn
	}
	if window := intEnv("CANVASSYNC_REPLAY_WINDOW", 0); window > 0 {
		cfg.ReplayWindow = window
	}

	oplog, err := server.BuildOpLogFromDSN(cfg.OpLogDSN, cfg.ReplayWindow)
	if err != nil {
		log.Fatalf("failed to initialize oplog backend: %v", err)
	}

	hub, err := server.NewHub(server.HubOptions{
		Logger: log.Default(),
		OpLog:  oplog,
	})
	if err != nil {
		log.Fatalf("failed to build hub: %v", err)
	}
	defer hub.Close()

	mux := http.NewServeMux()
	mux.Handle("/sync", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	log.Printf("canvassyncd listening on %s", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, mux); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}
