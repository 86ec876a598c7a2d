package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hubenschmidt/traffic-vision/client/internal/session"
	"github.com/hubenschmidt/traffic-vision/client/internal/upload"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <video>",
	Short: "Analyse a video file and print the vehicle counts",
	Long: `Upload sends a video (mp4, avi, mov or mkv) to the analysis service, follows the
annotated frames as they stream back and prints the final result as JSON.`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
}

func runUpload(cmd *cobra.Command, args []string) error {
	path := args[0]
	if err := upload.CheckFile(path); err != nil {
		return err
	}

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

	done := make(chan session.Session, 1)
	progress := cmd.ErrOrStderr()
	c.machine.OnChange(func(s session.Session) {
		if s.Mode == session.ModeProcessing && s.LiveStats != nil {
			printProgress(progress, s.LiveStats)
		}
		if s.Mode == session.ModeIdle && (s.FinalResult != nil || s.Error != nil) {
			select {
			case done <- s:
			default:
			}
		}
	})

	if err := c.machine.SubmitVideo(ctx, path); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case s := <-done:
		if s.Error != nil {
			return s.Error
		}
		return writeJSON(cmd.OutOrStdout(), s.FinalResult)
	}
}

func printProgress(w io.Writer, st *session.Stats) {
	fmt.Fprintf(w, "\rframe %d/%s  vehicles %d", st.FrameNumber, st.TotalFrames, st.TotalVehicles)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
