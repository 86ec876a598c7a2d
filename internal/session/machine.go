package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/traffic-vision/client/internal/capture"
	"github.com/hubenschmidt/traffic-vision/client/internal/media"
	"github.com/hubenschmidt/traffic-vision/client/internal/metrics"
	"github.com/hubenschmidt/traffic-vision/client/internal/protocol"
	"github.com/hubenschmidt/traffic-vision/client/internal/throttle"
	"github.com/hubenschmidt/traffic-vision/client/internal/upload"
)

// ErrStopped is returned by StartCamera when StopCamera ran while access was
// still being requested. The camera is released and the session stays idle.
var ErrStopped = errors.New("camera stopped before streaming began")

// Sender publishes commands on the channel.
type Sender interface {
	Send(eventType string, payload any) error
}

// Uploader hands a local video file to the analysis service.
type Uploader interface {
	UploadFile(ctx context.Context, path string, progress upload.ProgressFunc) (*upload.Result, error)
}

// Camera acquires and releases the local camera.
type Camera interface {
	Acquire(ctx context.Context) (*media.Handle, error)
	Release(h *media.Handle) error
}

// Capturer is a running capture task.
type Capturer interface {
	Start(ctx context.Context) error
	Stop()
}

// CaptureFactory builds the capture task for a freshly acquired camera.
type CaptureFactory func(src capture.Source, out capture.Sender) Capturer

// Config wires a Machine to its collaborators.
type Config struct {
	Sender   Sender
	Uploader Uploader
	Camera   Camera

	// VideoInterval and CameraInterval are the minimum spacing between live
	// view updates for each stream.
	VideoInterval  time.Duration
	CameraInterval time.Duration

	// Capture tunes the default capture loop. Ignored when NewCapture is set.
	Capture    capture.Config
	NewCapture CaptureFactory

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Machine owns the Session and applies every mutation to it.
type Machine struct {
	cfg    Config
	video  *throttle.Throttle
	camera *throttle.Throttle

	// capture loops outlive the request that started them
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	s             Session
	handle        *media.Handle
	loop          Capturer
	cameraFrames  int
	stopRequested bool
	listeners     []func(Session)
}

// New creates an idle Machine.
func New(cfg Config) *Machine {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.VideoInterval == 0 {
		cfg.VideoInterval = throttle.DefaultVideoInterval
	}
	if cfg.CameraInterval == 0 {
		cfg.CameraInterval = throttle.DefaultCameraInterval
	}
	if cfg.NewCapture == nil {
		cc := cfg.Capture
		cfg.NewCapture = func(src capture.Source, out capture.Sender) Capturer {
			return capture.NewLoop(src, out, cc)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		cfg:    cfg,
		video:  throttle.New(throttle.SourceVideo, cfg.VideoInterval, throttle.WithClock(cfg.Clock)),
		camera: throttle.New(throttle.SourceCamera, cfg.CameraInterval, throttle.WithClock(cfg.Clock)),
		ctx:    ctx,
		cancel: cancel,
		s:      Session{Mode: ModeIdle, UpdatedAt: cfg.Clock()},
	}
	m.recordMode()
	slog.Info("live view throttles",
		m.video.Source(), m.video.Interval(),
		m.camera.Source(), m.camera.Interval())
	return m
}

// Snapshot returns the current session.
func (m *Machine) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s
}

// OnChange registers fn to receive the session after every committed change.
// fn runs under the machine lock: it must not block or call back into m.
func (m *Machine) OnChange(fn func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// ThrottleStats reports applied and dropped live view updates per stream.
func (m *Machine) ThrottleStats() (video, camera throttle.Stats) {
	return m.video.Stats(), m.camera.Stats()
}

// SubmitVideo uploads the file at path and asks the service to analyse it.
// It returns once processing has been requested; results arrive as events.
func (m *Machine) SubmitVideo(ctx context.Context, path string) error {
	m.mu.Lock()
	if m.s.Busy() {
		m.mu.Unlock()
		return ErrBusy
	}
	if strings.TrimSpace(path) == "" {
		err := m.fail(&ErrorInfo{Kind: KindUploadFailed, Message: msgNoFile, cause: upload.ErrNoFile})
		m.mu.Unlock()
		return err
	}

	m.s.ID = uuid.NewString()
	m.s.Mode = ModeUploading
	m.s.Error = nil
	m.s.ActiveFilename = ""
	m.s.LiveFrame = nil
	m.s.LiveStats = nil
	m.s.FinalResult = nil
	m.commit()
	log := slog.With("session_id", m.s.ID)
	m.mu.Unlock()

	log.Info("uploading video", "path", path)
	res, err := m.cfg.Uploader.UploadFile(ctx, path, progressLogger(log))

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		log.Error("video upload failed", "error", err)
		m.s.Mode = ModeIdle
		return m.fail(uploadError(err))
	}

	m.s.Mode = ModeProcessing
	m.s.ActiveFilename = res.Filename
	m.video.Reset()

	if err := m.cfg.Sender.Send(protocol.CommandProcessVideo, protocol.ProcessVideo{Filename: res.Filename}); err != nil {
		log.Error("request processing", "filename", res.Filename, "error", err)
		m.s.Mode = ModeIdle
		return m.fail(&ErrorInfo{Kind: KindStreamError, Message: msgChannelUnavailable, cause: err})
	}

	log.Info("processing requested", "filename", res.Filename, "file_exists", res.FileExists)
	m.commit()
	return nil
}

// StartCamera acquires the camera, announces the stream and starts capturing.
// The mode only changes once access is granted.
func (m *Machine) StartCamera(ctx context.Context) error {
	m.mu.Lock()
	if m.s.Busy() {
		m.mu.Unlock()
		return ErrBusy
	}
	m.s.ID = uuid.NewString()
	m.s.Error = nil
	m.s.CameraPending = true
	m.stopRequested = false
	m.commit()
	log := slog.With("session_id", m.s.ID)
	m.mu.Unlock()

	h, err := m.cfg.Camera.Acquire(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.CameraPending = false

	if err != nil {
		log.Error("camera acquisition failed", "error", err)
		return m.fail(cameraError(err))
	}
	if m.stopRequested {
		m.stopRequested = false
		m.release(h)
		log.Info("camera stopped during acquisition")
		m.commit()
		return ErrStopped
	}

	m.handle = h
	m.s.Mode = ModeCameraActive
	m.s.ActiveFilename = ""
	m.s.LiveFrame = nil
	m.s.LiveStats = nil
	m.cameraFrames = 0
	m.camera.Reset()

	if err := m.cfg.Sender.Send(protocol.CommandStartCameraStream, protocol.StartCameraStream{}); err != nil {
		log.Error("announce camera stream", "error", err)
		m.teardownCamera()
		return m.fail(&ErrorInfo{Kind: KindStreamError, Message: msgChannelUnavailable, cause: err})
	}

	loop := m.cfg.NewCapture(h, m.cfg.Sender)
	if err := loop.Start(m.ctx); err != nil {
		log.Error("start capture", "error", err)
		m.teardownCamera()
		return m.fail(&ErrorInfo{Kind: KindStreamError, Message: "Failed to start camera capture", cause: err})
	}
	m.loop = loop

	log.Info("camera streaming", "constraints", h.Constraints())
	m.commit()
	return nil
}

// StopCamera ends the camera stream. It is safe to call at any time and any
// number of times; after it returns no further captures are published.
func (m *Machine) StopCamera() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.s.CameraPending {
		m.stopRequested = true
		return
	}
	if m.teardownCamera() {
		slog.Info("camera stopped", "session_id", m.s.ID, "frames", m.cameraFrames)
		m.commit()
	}
}

// ClearError dismisses the current error.
func (m *Machine) ClearError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s.Error == nil {
		return
	}
	m.s.Error = nil
	m.commit()
}

// Close stops any camera stream. The machine must not be used afterwards.
func (m *Machine) Close() {
	m.StopCamera()
	m.cancel()
}

// teardownCamera stops the loop, releases the camera and returns to idle.
// It reports whether anything changed.
func (m *Machine) teardownCamera() bool {
	changed := false
	if m.loop != nil {
		// blocks until the capture goroutine has exited
		m.loop.Stop()
		m.loop = nil
		changed = true
	}
	if m.handle != nil {
		m.release(m.handle)
		m.handle = nil
		changed = true
	}
	if m.s.Mode == ModeCameraActive {
		m.s.Mode = ModeIdle
		m.s.LiveFrame = nil
		m.s.LiveStats = nil
		changed = true
	}
	return changed
}

func (m *Machine) release(h *media.Handle) {
	if err := m.cfg.Camera.Release(h); err != nil {
		slog.Warn("camera release failed", "error", err)
	}
}

// fail records info as the current error, commits and returns a copy for the caller.
func (m *Machine) fail(info *ErrorInfo) error {
	m.s.Error = info
	metrics.SessionErrors.WithLabelValues(string(info.Kind)).Inc()
	m.commit()
	out := *info
	return &out
}

func (m *Machine) commit() {
	m.s.UpdatedAt = m.cfg.Clock()
	m.recordMode()
	for _, fn := range m.listeners {
		fn(m.s)
	}
}

func (m *Machine) recordMode() {
	for _, mode := range Modes {
		v := 0.0
		if mode == m.s.Mode {
			v = 1
		}
		metrics.SessionMode.WithLabelValues(string(mode)).Set(v)
	}
}

// progressLogger logs upload progress in 10% steps.
func progressLogger(log *slog.Logger) upload.ProgressFunc {
	next := int64(10)
	return func(sent, total int64) {
		if total <= 0 {
			return
		}
		pct := sent * 100 / total
		if pct < next {
			return
		}
		log.Debug("upload progress", "percent", pct, "bytes", sent, "total", total)
		next = (pct/10 + 1) * 10
	}
}
