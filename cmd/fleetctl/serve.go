package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/clusterforge/pkg/log"
	"github.com/cuemby/clusterforge/pkg/metrics"
	"github.com/spf13/cobra"
)

// serveCmd runs the engine as a long-lived daemon: the dispatcher worker
// pool and registry heartbeat keep draining READY actions against
// --data-dir until SIGINT/SIGTERM, while an HTTP server exposes Prometheus
// metrics and the liveness/readiness probes fleetctl's one-shot
// subcommands have no use for.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the action engine as a long-lived daemon with a metrics/health HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		e, closeFn, err := bootEngine(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		metrics.SetVersion(Version)
		metrics.RegisterComponent("store", true, "open")
		metrics.RegisterComponent("dispatcher", true, "running")
		metrics.RegisterComponent("registry", true, "running")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		server := &http.Server{
			Addr:         metricsAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		serveLogger := log.WithEngineID(e.EngineID())
		serveLogger.Info().Str("metrics_addr", metricsAddr).Msg("fleetctl serve listening")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			serveLogger.Info().Str("signal", sig.String()).Msg("fleetctl serve shutting down")
		case err := <-errCh:
			metrics.RegisterComponent("store", false, err.Error())
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = server.Shutdown(ctx)
			cancel()
			return fmt.Errorf("metrics server: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	},
}

func init() {
	serveCmd.Flags().String("metrics-addr", ":9090", "address the /metrics, /health, /ready and /live HTTP endpoints listen on")
	rootCmd.AddCommand(serveCmd)
}
