package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hubenschmidt/traffic-vision/client/internal/session"
)

var cameraCmd = &cobra.Command{
	Use:   "camera",
	Short: "Stream the local camera until interrupted",
	Long: `Camera opens the local camera, streams frames to the analysis service and shows
live vehicle counts until interrupted or the service reports an error.`,
	Args: cobra.NoArgs,
	RunE: runCamera,
}

func init() {
	rootCmd.AddCommand(cameraCmd)
}

func runCamera(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.waitConnected(ctx, cfg); err != nil {
		return err
	}

	ended := make(chan *session.ErrorInfo, 1)
	progress := cmd.ErrOrStderr()
	c.machine.OnChange(func(s session.Session) {
		if s.Mode == session.ModeCameraActive && s.LiveStats != nil {
			printProgress(progress, s.LiveStats)
		}
		if s.Mode == session.ModeIdle && s.Error != nil {
			select {
			case ended <- s.Error:
			default:
			}
		}
	})

	if err := c.machine.StartCamera(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		c.machine.StopCamera()
	case info := <-ended:
		return info
	}

	_, camera := c.machine.ThrottleStats()
	slog.Info("camera session ended", "applied", camera.Applied, "dropped", camera.Dropped)
	return nil
}
