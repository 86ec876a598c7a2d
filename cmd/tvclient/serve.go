package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var listenFlag string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session behind a local HTTP control surface",
	Long: `Serve keeps one session connected to the analysis service and exposes it over
HTTP: the current snapshot, a server-sent event stream of changes, endpoints to
submit a video or start and stop the camera, and prometheus metrics.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenFlag, "listen", "", "listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("listen") {
		cfg.Listen = listenFlag
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	hub := newSessionHub()
	hub.publish(c.machine.Snapshot())
	c.machine.OnChange(hub.publish)

	mux := http.NewServeMux()
	registerRoutes(mux, deps{machine: c.machine, hub: hub})
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// ends open event streams on shutdown
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	if err := c.uploads.Health(ctx); err != nil {
		slog.Warn("analysis service health check failed", "error", err)
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		c.machine.StopCamera()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("control surface starting", "addr", cfg.Listen, "client_id", c.id)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("control surface stopped")
	return nil
}
