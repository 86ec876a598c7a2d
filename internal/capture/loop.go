// Package capture turns a live camera into an outbound frame stream.
//
// A Loop samples its Source on a fixed ticker, encodes each frame as JPEG and
// publishes it as a camera_frame command. The loop is a lifetime-bound task:
// Stop cancels it and returns only after the goroutine has exited, so nothing
// is published once Stop returns.
package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/hubenschmidt/traffic-vision/client/internal/metrics"
	"github.com/hubenschmidt/traffic-vision/client/internal/protocol"
)

// DefaultInterval is the capture period (10 frames/sec).
const DefaultInterval = 100 * time.Millisecond

// ErrRunning is returned by Start when the loop is already active.
var ErrRunning = errors.New("capture loop already running")

// Source yields the current camera frame. release is called after encoding.
type Source interface {
	Frame() (img image.Image, release func(), err error)
}

// Sender publishes commands to the analysis service.
type Sender interface {
	Send(eventType string, payload any) error
}

// Config tunes the loop. Zero values take defaults.
type Config struct {
	Interval  time.Duration
	Quality   int
	MaxWidth  int
	MaxHeight int
}

// Loop is a cancellable periodic capture task.
type Loop struct {
	cfg Config
	src Source
	out Sender

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	sent   atomic.Uint64
	failed atomic.Uint64

	// a dropped channel fails every tick
	failLog rate.Sometimes
}

// NewLoop creates a stopped loop.
func NewLoop(src Source, out Sender, cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = DefaultQuality
	}
	return &Loop{cfg: cfg, src: src, out: out, failLog: rate.Sometimes{First: 1, Every: 50}}
}

// Start launches the capture goroutine. The first capture happens one
// interval after Start.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return ErrRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done

	go l.run(runCtx, done)
	slog.Info("capture loop started", "interval", l.cfg.Interval)
	return nil
}

// Stop cancels the loop and waits for it to exit. Safe to call when stopped.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if done == nil {
		return
	}
	cancel()
	<-done
	slog.Info("capture loop stopped", "sent", l.sent.Load(), "failed", l.failed.Load())
}

// Running reports whether a capture goroutine is active.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done != nil
}

// Sent returns how many frames were published since construction.
func (l *Loop) Sent() uint64 { return l.sent.Load() }

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// ticker and cancel can be ready together; cancel wins
			if ctx.Err() != nil {
				return
			}
			l.captureOnce(ctx)
		}
	}
}

func (l *Loop) captureOnce(ctx context.Context) {
	img, release, err := l.src.Frame()
	if err != nil {
		l.fail("grab", err)
		return
	}

	start := time.Now()
	data, err := EncodeJPEG(img, l.cfg.MaxWidth, l.cfg.MaxHeight, l.cfg.Quality)
	if release != nil {
		release()
	}
	if err != nil {
		l.fail("encode", err)
		return
	}
	metrics.CaptureEncodeDuration.Observe(time.Since(start).Seconds())

	if ctx.Err() != nil {
		return
	}

	frame := protocol.CameraFrame{Frame: base64.StdEncoding.EncodeToString(data)}
	if err = l.out.Send(protocol.CommandCameraFrame, frame); err != nil {
		l.fail("send", err)
		return
	}
	l.sent.Add(1)
	metrics.CaptureFrames.Inc()
}

func (l *Loop) fail(stage string, err error) {
	n := l.failed.Add(1)
	metrics.CaptureErrors.WithLabelValues(stage).Inc()
	l.failLog.Do(func() {
		slog.Warn("capture failed", "stage", stage, "error", err, "failures", n)
	})
}
