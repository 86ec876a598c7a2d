package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hubenschmidt/traffic-vision/client/internal/capture"
	"github.com/hubenschmidt/traffic-vision/client/internal/channel"
	"github.com/hubenschmidt/traffic-vision/client/internal/env"
	"github.com/hubenschmidt/traffic-vision/client/internal/media"
	"github.com/hubenschmidt/traffic-vision/client/internal/throttle"
)

// config is assembled from defaults, an optional YAML file, TV_* environment
// variables and finally command-line flags, each overriding the previous.
type config struct {
	Host        string `yaml:"host"`
	PageScheme  string `yaml:"page_scheme"`
	APIPath     string `yaml:"api_path"`
	ChannelPath string `yaml:"channel_path"`
	Listen      string `yaml:"listen"`
	LogLevel    string `yaml:"log_level"`
	LogSource   bool   `yaml:"log_source"`

	VideoInterval   time.Duration `yaml:"video_interval"`
	CameraInterval  time.Duration `yaml:"camera_interval"`
	CaptureInterval time.Duration `yaml:"capture_interval"`
	JPEGQuality     int           `yaml:"jpeg_quality"`

	CameraFacing string `yaml:"camera_facing"`
	CameraWidth  int    `yaml:"camera_width"`
	CameraHeight int    `yaml:"camera_height"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReconnectBase  time.Duration `yaml:"reconnect_base"`
	ReconnectMax   time.Duration `yaml:"reconnect_max"`
	UploadTimeout  time.Duration `yaml:"upload_timeout"`
	UploadPoolSize int           `yaml:"upload_pool_size"`
}

func defaultConfig() config {
	preferred := media.PreferredConstraints()
	return config{
		Host:            "localhost:5000",
		PageScheme:      "http",
		APIPath:         "/api",
		ChannelPath:     "/ws",
		Listen:          ":8090",
		LogLevel:        "info",
		VideoInterval:   throttle.DefaultVideoInterval,
		CameraInterval:  throttle.DefaultCameraInterval,
		CaptureInterval: capture.DefaultInterval,
		JPEGQuality:     capture.DefaultQuality,
		CameraFacing:    preferred.FacingMode,
		CameraWidth:     preferred.Width,
		CameraHeight:    preferred.Height,
		ConnectTimeout:  15 * time.Second,
		ReconnectBase:   channel.DefaultReconnectBase,
		ReconnectMax:    channel.DefaultReconnectMax,
		UploadTimeout:   10 * time.Minute,
		UploadPoolSize:  4,
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *config) applyEnv() {
	c.Host = env.Str("TV_HOST", c.Host)
	c.PageScheme = env.Str("TV_PAGE_SCHEME", c.PageScheme)
	c.APIPath = env.Str("TV_API_PATH", c.APIPath)
	c.ChannelPath = env.Str("TV_CHANNEL_PATH", c.ChannelPath)
	c.Listen = env.Str("TV_LISTEN", c.Listen)
	c.LogLevel = env.Str("TV_LOG_LEVEL", c.LogLevel)
	c.LogSource = env.Bool("TV_LOG_SOURCE", c.LogSource)
	c.VideoInterval = env.Duration("TV_VIDEO_INTERVAL", c.VideoInterval)
	c.CameraInterval = env.Duration("TV_CAMERA_INTERVAL", c.CameraInterval)
	c.CaptureInterval = env.Duration("TV_CAPTURE_INTERVAL", c.CaptureInterval)
	c.JPEGQuality = env.Int("TV_JPEG_QUALITY", c.JPEGQuality)
	c.CameraFacing = env.Str("TV_CAMERA_FACING", c.CameraFacing)
	c.CameraWidth = env.Int("TV_CAMERA_WIDTH", c.CameraWidth)
	c.CameraHeight = env.Int("TV_CAMERA_HEIGHT", c.CameraHeight)
	c.ConnectTimeout = env.Duration("TV_CONNECT_TIMEOUT", c.ConnectTimeout)
	c.ReconnectBase = env.Duration("TV_RECONNECT_BASE", c.ReconnectBase)
	c.ReconnectMax = env.Duration("TV_RECONNECT_MAX", c.ReconnectMax)
	c.UploadTimeout = env.Duration("TV_UPLOAD_TIMEOUT", c.UploadTimeout)
	c.UploadPoolSize = env.Int("TV_UPLOAD_POOL_SIZE", c.UploadPoolSize)
}

func (c config) validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg_quality %d out of range 1-100", c.JPEGQuality))
	}
	if c.VideoInterval < 0 || c.CameraInterval < 0 || c.CaptureInterval <= 0 {
		errs = append(errs, errors.New("intervals must not be negative and capture_interval must be positive"))
	}
	if c.CameraWidth < 0 || c.CameraHeight < 0 {
		errs = append(errs, errors.New("camera dimensions must not be negative"))
	}
	switch c.CameraFacing {
	case "", media.FacingEnvironment, media.FacingUser:
	default:
		errs = append(errs, fmt.Errorf("camera_facing %q must be %q or %q", c.CameraFacing, media.FacingEnvironment, media.FacingUser))
	}
	if _, err := c.level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c config) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

func (c config) logHandler(w io.Writer) slog.Handler {
	lvl, _ := c.level()
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl, AddSource: c.LogSource})
}

func (c config) constraints() media.Constraints {
	return media.Constraints{FacingMode: c.CameraFacing, Width: c.CameraWidth, Height: c.CameraHeight}
}
