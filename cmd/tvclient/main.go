package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/google/uuid"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	"github.com/spf13/cobra"

	"github.com/hubenschmidt/traffic-vision/client/internal/capture"
	"github.com/hubenschmidt/traffic-vision/client/internal/channel"
	"github.com/hubenschmidt/traffic-vision/client/internal/endpoint"
	"github.com/hubenschmidt/traffic-vision/client/internal/media"
	"github.com/hubenschmidt/traffic-vision/client/internal/session"
	"github.com/hubenschmidt/traffic-vision/client/internal/upload"
)

var (
	cfg        config
	configPath string
	hostFlag   string
	schemeFlag string
	levelFlag  string
)

var rootCmd = &cobra.Command{
	Use:           "tvclient",
	Short:         "Traffic vision client",
	Long:          "tvclient streams videos and live camera frames to the traffic analysis service and follows the annotated results.",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("host") {
			loaded.Host = hostFlag
		}
		if flags.Changed("scheme") {
			loaded.PageScheme = schemeFlag
		}
		if flags.Changed("log-level") {
			loaded.LogLevel = levelFlag
		}
		if err := loaded.validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		cfg = loaded

		slog.SetDefault(slog.New(cfg.logHandler(os.Stderr)))
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "YAML config file")
	pf.StringVar(&hostFlag, "host", "", "analysis service host[:port]")
	pf.StringVar(&schemeFlag, "scheme", "", "page scheme; https selects https/wss endpoints")
	pf.StringVar(&levelFlag, "log-level", "", "debug, info, warn or error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// client is one wired session: channel, upload client, camera and state machine.
type client struct {
	id      string
	ch      *channel.Channel
	machine *session.Machine
	uploads *upload.Client
}

func newClient(ctx context.Context, cfg config) (*client, error) {
	eps, err := endpoint.Resolve(cfg.PageScheme, cfg.Host, cfg.APIPath, cfg.ChannelPath)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()

	ch := channel.New(ctx, channel.Config{
		URL:           eps.Channel,
		Header:        http.Header{"X-Client-Id": []string{id}},
		ReconnectBase: cfg.ReconnectBase,
		ReconnectMax:  cfg.ReconnectMax,
	})
	uploads := upload.NewClient(eps.API, upload.NewPooledHTTPClient(cfg.UploadPoolSize, cfg.UploadTimeout))

	machine := session.New(session.Config{
		Sender:         ch,
		Uploader:       uploads,
		Camera:         media.NewManager(media.PionPlatform{}, cfg.constraints()),
		VideoInterval:  cfg.VideoInterval,
		CameraInterval: cfg.CameraInterval,
		Capture: capture.Config{
			Interval:  cfg.CaptureInterval,
			Quality:   cfg.JPEGQuality,
			MaxWidth:  cfg.CameraWidth,
			MaxHeight: cfg.CameraHeight,
		},
	})
	machine.Bind(ch)

	slog.Info("client starting", "client_id", id, "api", eps.API, "channel", eps.Channel, "secure", eps.Secure)
	return &client{id: id, ch: ch, machine: machine, uploads: uploads}, nil
}

func (c *client) waitConnected(ctx context.Context, cfg config) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := c.ch.WaitConnected(ctx); err != nil {
		return fmt.Errorf("connect to analysis service: %w", err)
	}
	return nil
}

func (c *client) Close() {
	c.machine.Close()
	if err := c.ch.Close(); err != nil {
		slog.Warn("close channel", "error", err)
	}
}
