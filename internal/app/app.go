// Package app wires the broker process: logger, room log store, hub,
// websocket endpoint, and the HTTP surface around them.
package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"tickwire/internal/broker"
	"tickwire/internal/roomlog"
	"tickwire/logging"
)

// Config is the broker process configuration.
type Config struct {
	// Addr is the listen address.
	Addr string

	// DataDir holds the per-room .dat/.idx files.
	DataDir string

	// StaticDir, when set, is served at the root path for the game
	// client's assets.
	StaticDir string

	Logging logging.Config
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		Addr:    "0.0.0.0:8080",
		DataDir: "db",
		Logging: logging.DefaultConfig(),
	}
}

// Run serves the broker until the context is cancelled.
func Run(ctx context.Context, cfg Config) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := roomlog.Open(cfg.DataDir, logger)
	if err != nil {
		return errors.Wrap(err, "open room log")
	}
	defer store.Close()

	hub := broker.NewHub(store, logger)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: NewRouter(hub, cfg.StaticDir, logger),
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	logger.Info("broker listening",
		zap.String("addr", cfg.Addr),
		zap.String("dataDir", cfg.DataDir))

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "broker server")
	}
	<-shutdownDone
	return nil
}

// NewRouter builds the broker's HTTP surface.
func NewRouter(hub *broker.Hub, staticDir string, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	r.Get("/diagnostics", func(w http.ResponseWriter, _ *http.Request) {
		data, err := json.Marshal(hub.Diagnostics())
		if err != nil {
			http.Error(w, "failed to encode", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	r.Get("/ws", broker.NewHandler(hub, logger).ServeHTTP)

	if staticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(staticDir)))
	}
	return r
}
