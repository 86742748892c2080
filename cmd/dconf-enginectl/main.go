// Command dconf-enginectl is the engine's operational entrypoint: it loads
// ambient configuration, resolves a profile, opens an engine over the
// session/system bus, and serves a Prometheus metrics endpoint until asked
// to shut down. It takes no subcommands — it is a process harness, not a
// get/set command-line tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dconfengine/dconfengine/internal/config"
	"github.com/dconfengine/dconfengine/internal/logging"
	"github.com/dconfengine/dconfengine/internal/wire"
	"github.com/dconfengine/dconfengine/pkg/dconf"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name to resolve (empty: standard resolution chain)")
	configFlag := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dconf-enginectl: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log)
	slog.SetDefault(logger)

	profileName := *profileFlag
	if profileName == "" {
		profileName = cfg.Profile.Name
	}

	transport := wire.NewDBusTransport(
		wire.WithRateLimit(cfg.Engine.DBusRateLimit, cfg.Engine.DBusRateBurst),
		wire.WithLogger(logger),
	)

	client, err := dconf.Open(profileName, transport, func(n dconf.ChangeNotification) {
		logger.Info("change notification",
			"prefix", n.Prefix,
			"changes", n.Changes,
			"is_writability", n.IsWritability,
		)
	})
	if err != nil {
		logger.Error("failed to open engine", "err", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Engine.SyncCallTimeout)
	if children, err := client.List(ctx, "/"); err != nil {
		logger.Warn("startup smoke-test list failed", "err", err)
	} else {
		logger.Info("startup smoke-test list completed", "top_level_children", len(children))
	}
	cancel()

	var server *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		server = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics server starting", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "err", err)
				os.Exit(1)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server forced to shutdown", "err", err)
		}
	}

	client.Sync()
	logger.Info("dconf-enginectl exited")
}
