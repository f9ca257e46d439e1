// sfmsessiond is the interactive structure-from-motion session server:
// one scene, one live reconstruction, one client at a time.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sfmsession/sessiond/pkg/api"
	"github.com/sfmsession/sessiond/pkg/config"
	"github.com/sfmsession/sessiond/pkg/controller"
	"github.com/sfmsession/sessiond/pkg/engine"
	"github.com/sfmsession/sessiond/pkg/progress"
	"github.com/sfmsession/sessiond/pkg/reconstruction"
	"github.com/sfmsession/sessiond/pkg/rendezvous"

	"github.com/sfmsession/sessiond/pkg/cleanup"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	} else {
		slog.Info("loaded environment file", "path", envPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configDir); err != nil {
		slog.Error("sfmsessiond exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configDir string) error {
	cfg, err := config.Initialize(ctx, configDir)
	if err != nil {
		return err
	}
	slog.Info("starting sfmsessiond", "scene", cfg.Scene.Name, "config_dir", configDir)

	db, err := reconstruction.NewClient(cfg.Database.Path, cfg.Database.BusyTimeout)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("error closing reconstruction database", "error", err)
		}
	}()

	images := controller.DirLister{Dir: cfg.Scene.ImagesDir}
	eng := engine.NewSimulated()
	rdv := rendezvous.New()

	ctrl := controller.New(rdv, cfg.Scene, cfg.Mapper, eng, db, images)

	cleanupSvc := cleanup.NewService(cfg.Scene, cfg.Cleanup)
	cleanupSvc.Start(ctx)
	defer cleanupSvc.Stop()

	server := api.NewServer(rdv, cfg.Scene, cfg.Mapper, images, ctrl)
	if cfg.Server.EnableProgressStream {
		hub := progress.NewHub()
		server.SetProgressBroadcaster(hub)
		go pollProgress(ctx, rdv, hub)
	}

	controllerErr := make(chan error, 1)
	go func() {
		controllerErr <- ctrl.Run(ctx)
	}()

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.ListenAddr)
		serverErr <- server.StartWithListener(ln)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-controllerErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("controller exited unexpectedly", "error", err)
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server exited unexpectedly", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("error during HTTP server shutdown", "error", err)
	}

	return nil
}

// pollProgress bridges rendezvous.State's cond-based notifications to the
// progress stream: there is no subscribe hook on State itself (spec.md keeps
// its synchronization surface to one mutex and one condition variable), so
// this watches Snapshot() for changes on a short interval instead of wiring
// a second notification path into State.
func pollProgress(ctx context.Context, rdv *rendezvous.State, hub *progress.Hub) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	last := rdv.Snapshot()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := rdv.Snapshot()
			if !reflect.DeepEqual(current, last) {
				hub.Broadcast(current)
				last = current
			}
		}
	}
}
