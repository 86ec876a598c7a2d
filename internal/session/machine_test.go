package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/traffic-vision/client/internal/capture"
	"github.com/hubenschmidt/traffic-vision/client/internal/media"
	"github.com/hubenschmidt/traffic-vision/client/internal/protocol"
	"github.com/hubenschmidt/traffic-vision/client/internal/upload"
)

type sent struct {
	eventType string
	payload   any
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (f *fakeSender) Send(eventType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, sent{eventType, payload})
	return nil
}

func (f *fakeSender) count(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.msgs {
		if m.eventType == eventType {
			n++
		}
	}
	return n
}

type fakeUploader struct {
	result *upload.Result
	err    error
	calls  atomic.Int32
}

func (f *fakeUploader) UploadFile(_ context.Context, path string, progress upload.ProgressFunc) (*upload.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if progress != nil {
		progress(50, 100)
		progress(100, 100)
	}
	return f.result, nil
}

type fakeStream struct {
	closed atomic.Int32
}

func (s *fakeStream) Read() (image.Image, func(), error) {
	return image.NewRGBA(image.Rect(0, 0, 4, 4)), func() {}, nil
}

func (s *fakeStream) Close() error {
	s.closed.Add(1)
	return nil
}

type fakePlatform struct {
	stream *fakeStream
	errs   []error
	gate   chan struct{}
	calls  atomic.Int32
}

func (p *fakePlatform) Open(ctx context.Context, _ media.Constraints) (media.Stream, error) {
	n := int(p.calls.Add(1)) - 1
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n < len(p.errs) && p.errs[n] != nil {
		return nil, p.errs[n]
	}
	return p.stream, nil
}

type fakeCapture struct {
	started atomic.Int32
	stopped atomic.Int32
}

func (c *fakeCapture) Start(context.Context) error {
	c.started.Add(1)
	return nil
}

func (c *fakeCapture) Stop() { c.stopped.Add(1) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	m        *Machine
	sender   *fakeSender
	uploader *fakeUploader
	platform *fakePlatform
	capture  *fakeCapture
	clock    *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sender:   &fakeSender{},
		uploader: &fakeUploader{result: &upload.Result{Filename: "20240101_traffic.mp4", FileExists: true}},
		platform: &fakePlatform{stream: &fakeStream{}},
		capture:  &fakeCapture{},
		clock:    newFakeClock(),
	}
	h.m = New(Config{
		Sender:   h.sender,
		Uploader: h.uploader,
		Camera:   media.NewManager(h.platform, media.Constraints{}),
		Clock:    h.clock.Now,
		NewCapture: func(capture.Source, capture.Sender) Capturer {
			return h.capture
		},
	})
	t.Cleanup(h.m.Close)
	return h
}

func jpegB64(payload string) string {
	return base64.StdEncoding.EncodeToString([]byte(payload))
}

func videoFrame(n int) protocol.Frame {
	return protocol.Frame{
		Frame:         jpegB64("frame"),
		FrameNumber:   n,
		TotalFrames:   300,
		TotalVehicles: n,
		VehicleTypes:  map[protocol.VehicleKind]int{protocol.VehicleCar: n},
	}
}

func TestSubmitVideo_NoFile(t *testing.T) {
	h := newHarness(t)

	err := h.m.SubmitVideo(context.Background(), "")

	var info *ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, KindUploadFailed, info.Kind)
	assert.Equal(t, "Please select a video file first", info.Message)

	s := h.m.Snapshot()
	assert.Equal(t, ModeIdle, s.Mode)
	require.NotNil(t, s.Error)
	assert.Equal(t, KindUploadFailed, s.Error.Kind)
	assert.Zero(t, h.uploader.calls.Load())
	assert.Empty(t, h.sender.msgs)
}

func TestSubmitVideo_ProcessesUntilComplete(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.m.SubmitVideo(context.Background(), "/videos/traffic.mp4"))

	s := h.m.Snapshot()
	assert.Equal(t, ModeProcessing, s.Mode)
	assert.Equal(t, "20240101_traffic.mp4", s.ActiveFilename)
	assert.NotEmpty(t, s.ID)
	require.Len(t, h.sender.msgs, 1)
	assert.Equal(t, protocol.CommandProcessVideo, h.sender.msgs[0].eventType)
	assert.Equal(t, protocol.ProcessVideo{Filename: "20240101_traffic.mp4"}, h.sender.msgs[0].payload)

	// frames at 0, 10, 20 and 60ms: only the first and last reach the view
	for i, at := range []time.Duration{0, 10 * time.Millisecond, 10 * time.Millisecond, 40 * time.Millisecond} {
		h.clock.Advance(at)
		h.m.HandleFrame(videoFrame(i + 1))
	}

	s = h.m.Snapshot()
	require.NotNil(t, s.LiveStats)
	assert.Equal(t, 4, s.LiveStats.FrameNumber)
	assert.Equal(t, FrameTotal(300), s.LiveStats.TotalFrames)
	require.NotNil(t, s.LiveFrame)
	assert.Equal(t, []byte("frame"), s.LiveFrame.Data)
	assert.Equal(t, EncodingJPEG, s.LiveFrame.Encoding)

	video, _ := h.m.ThrottleStats()
	assert.Equal(t, uint64(2), video.Applied)
	assert.Equal(t, uint64(2), video.Dropped)

	h.m.HandleComplete(protocol.Complete{
		TotalVehicles:  12,
		VehicleTypes:   map[protocol.VehicleKind]int{protocol.VehicleCar: 10, protocol.VehicleTruck: 2},
		VideoInfo:      protocol.VideoInfo{Width: 1280, Height: 720, FPS: 30, DurationSeconds: 10, TotalFrames: 300},
		ProcessedVideo: "processed_20240101_traffic.mp4",
	})

	s = h.m.Snapshot()
	assert.Equal(t, ModeIdle, s.Mode)
	assert.Nil(t, s.Error)
	require.NotNil(t, s.FinalResult)
	assert.Equal(t, 12, s.FinalResult.TotalVehicles)
	assert.Equal(t, 2, s.FinalResult.VehicleTypeCounts[protocol.VehicleTruck])
	assert.Equal(t, "processed_20240101_traffic.mp4", s.FinalResult.ProcessedVideoLocation)
	assert.Equal(t, 1, h.sender.count(protocol.CommandProcessVideo))
}

func TestSubmitVideo_ServerRejection(t *testing.T) {
	h := newHarness(t)
	h.uploader.err = &upload.ServerError{Status: 400, Message: "Invalid file type. Allowed: mp4, avi, mov, mkv"}

	err := h.m.SubmitVideo(context.Background(), "/videos/notes.txt")
	require.Error(t, err)

	s := h.m.Snapshot()
	assert.Equal(t, ModeIdle, s.Mode)
	require.NotNil(t, s.Error)
	assert.Equal(t, KindUploadFailed, s.Error.Kind)
	assert.Equal(t, "Invalid file type. Allowed: mp4, avi, mov, mkv", s.Error.Message)
	assert.Zero(t, h.sender.count(protocol.CommandProcessVideo))
}

func TestSubmitVideo_TransportFailureUsesGenericMessage(t *testing.T) {
	h := newHarness(t)
	h.uploader.err = errors.New("connection refused")

	err := h.m.SubmitVideo(context.Background(), "/videos/traffic.mp4")
	require.Error(t, err)
	assert.Equal(t, "Failed to process video", err.Error())
	assert.ErrorContains(t, errors.Unwrap(err), "connection refused")
}

func TestSubmitVideo_ChannelDownEndsProcessing(t *testing.T) {
	h := newHarness(t)
	h.sender.err = errors.New("channel: not connected")

	err := h.m.SubmitVideo(context.Background(), "/videos/traffic.mp4")
	require.Error(t, err)

	s := h.m.Snapshot()
	assert.Equal(t, ModeIdle, s.Mode)
	require.NotNil(t, s.Error)
	assert.Equal(t, KindStreamError, s.Error.Kind)
}

func TestSubmitVideo_NotifiesEachTransition(t *testing.T) {
	h := newHarness(t)
	var modes []Mode
	h.m.OnChange(func(s Session) { modes = append(modes, s.Mode) })

	require.NoError(t, h.m.SubmitVideo(context.Background(), "/videos/traffic.mp4"))
	h.m.HandleComplete(protocol.Complete{TotalVehicles: 1})

	assert.Equal(t, []Mode{ModeUploading, ModeProcessing, ModeIdle}, modes)
}

func TestStartCamera_PermissionDenied(t *testing.T) {
	h := newHarness(t)
	h.platform.errs = []error{media.ErrPermissionDenied}

	err := h.m.StartCamera(context.Background())
	require.Error(t, err)

	s := h.m.Snapshot()
	assert.Equal(t, ModeIdle, s.Mode)
	assert.False(t, s.CameraPending)
	require.NotNil(t, s.Error)
	assert.Equal(t, KindCameraPermissionDenied, s.Error.Kind)
	assert.Zero(t, h.sender.count(protocol.CommandStartCameraStream))
	assert.Zero(t, h.capture.started.Load())
}

func TestStartCamera_ErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		errs []error
		want ErrorKind
	}{
		{"not found", []error{media.ErrNotFound}, KindCameraNotFound},
		{"in use", []error{media.ErrInUse}, KindCameraInUse},
		{"constraints retry fails", []error{media.ErrOverconstrained, errors.New("driver exploded")}, KindCameraConstraintsUnsupported},
		{"constraints retry in use", []error{media.ErrOverconstrained, media.ErrInUse}, KindCameraInUse},
		{"unknown", []error{errors.New("ioctl failed")}, KindCameraUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.platform.errs = tt.errs

			require.Error(t, h.m.StartCamera(context.Background()))

			s := h.m.Snapshot()
			require.NotNil(t, s.Error)
			assert.Equal(t, tt.want, s.Error.Kind)
			assert.Equal(t, ModeIdle, s.Mode)
		})
	}
}

func TestStartCamera_ConstraintsRetrySucceeds(t *testing.T) {
	h := newHarness(t)
	h.platform.errs = []error{media.ErrOverconstrained}

	require.NoError(t, h.m.StartCamera(context.Background()))

	assert.Equal(t, ModeCameraActive, h.m.Snapshot().Mode)
	assert.Equal(t, int32(2), h.platform.calls.Load())
}

func TestCamera_StreamAndStop(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.m.StartCamera(context.Background()))

	s := h.m.Snapshot()
	assert.Equal(t, ModeCameraActive, s.Mode)
	assert.Equal(t, 1, h.sender.count(protocol.CommandStartCameraStream))
	assert.Equal(t, int32(1), h.capture.started.Load())

	h.m.HandleCameraFrameResult(protocol.CameraFrameResult{Frame: jpegB64("a"), TotalVehicles: 2, Timestamp: 1.5})
	h.clock.Advance(101 * time.Millisecond)
	h.m.HandleCameraFrameResult(protocol.CameraFrameResult{Frame: jpegB64("b"), TotalVehicles: 3, Timestamp: 1.6})

	s = h.m.Snapshot()
	require.NotNil(t, s.LiveStats)
	assert.Equal(t, 1, s.LiveStats.FrameNumber)
	assert.True(t, s.LiveStats.TotalFrames.Live())
	assert.Equal(t, 3, s.LiveStats.TotalVehicles)
	assert.Empty(t, s.LiveStats.VehicleTypeCounts)

	h.m.StopCamera()

	s = h.m.Snapshot()
	assert.Equal(t, ModeIdle, s.Mode)
	assert.Nil(t, s.LiveFrame)
	assert.Nil(t, s.LiveStats)
	assert.Equal(t, int32(1), h.capture.stopped.Load())
	assert.Equal(t, int32(1), h.platform.stream.closed.Load())

	// a result still in flight when the stream stopped
	h.clock.Advance(time.Second)
	h.m.HandleCameraFrameResult(protocol.CameraFrameResult{Frame: jpegB64("late")})
	assert.Nil(t, h.m.Snapshot().LiveFrame)
}

func TestStopCamera_Idempotent(t *testing.T) {
	h := newHarness(t)
	var changes int
	h.m.OnChange(func(Session) { changes++ })

	h.m.StopCamera()
	assert.Zero(t, changes)

	require.NoError(t, h.m.StartCamera(context.Background()))
	h.m.StopCamera()
	h.m.StopCamera()

	assert.Equal(t, ModeIdle, h.m.Snapshot().Mode)
	assert.Equal(t, int32(1), h.capture.stopped.Load())
	assert.Equal(t, int32(1), h.platform.stream.closed.Load())
}

func TestStopCamera_DuringAcquisition(t *testing.T) {
	h := newHarness(t)
	h.platform.gate = make(chan struct{})

	errc := make(chan error, 1)
	go func() { errc <- h.m.StartCamera(context.Background()) }()

	require.Eventually(t, func() bool { return h.m.Snapshot().CameraPending }, time.Second, time.Millisecond)
	h.m.StopCamera()
	close(h.platform.gate)

	require.ErrorIs(t, <-errc, ErrStopped)
	s := h.m.Snapshot()
	assert.Equal(t, ModeIdle, s.Mode)
	assert.False(t, s.CameraPending)
	assert.Equal(t, int32(1), h.platform.stream.closed.Load())
	assert.Zero(t, h.capture.started.Load())
}

func TestModeExclusivity(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.m.SubmitVideo(context.Background(), "/videos/traffic.mp4"))
	before := h.m.Snapshot()

	assert.ErrorIs(t, h.m.StartCamera(context.Background()), ErrBusy)
	assert.ErrorIs(t, h.m.SubmitVideo(context.Background(), "/videos/other.mp4"), ErrBusy)
	assert.Equal(t, before, h.m.Snapshot())
	assert.Zero(t, h.platform.calls.Load())

	h.m.HandleComplete(protocol.Complete{})
	require.NoError(t, h.m.StartCamera(context.Background()))

	assert.ErrorIs(t, h.m.SubmitVideo(context.Background(), "/videos/traffic.mp4"), ErrBusy)
	assert.ErrorIs(t, h.m.StartCamera(context.Background()), ErrBusy)
	assert.Equal(t, int32(1), h.uploader.calls.Load())
	assert.Equal(t, ModeCameraActive, h.m.Snapshot().Mode)
}

func TestHandleError_DuringProcessing(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.SubmitVideo(context.Background(), "/videos/traffic.mp4"))

	h.m.HandleError(protocol.Error{Message: "Video file not found"})

	s := h.m.Snapshot()
	assert.Equal(t, ModeIdle, s.Mode)
	require.NotNil(t, s.Error)
	assert.Equal(t, KindStreamError, s.Error.Kind)
	assert.Equal(t, "Video file not found", s.Error.Message)

	// the stream is over, so further frames are stale
	h.m.HandleFrame(videoFrame(9))
	assert.Nil(t, h.m.Snapshot().LiveStats)
}

func TestHandleError_DuringCameraStopsCapture(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.StartCamera(context.Background()))

	h.m.HandleError(protocol.Error{Message: "model crashed"})

	s := h.m.Snapshot()
	assert.Equal(t, ModeIdle, s.Mode)
	require.NotNil(t, s.Error)
	assert.Equal(t, KindStreamError, s.Error.Kind)
	assert.Equal(t, int32(1), h.capture.stopped.Load())
	assert.Equal(t, int32(1), h.platform.stream.closed.Load())
}

func TestHandleError_WhenIdleIsIgnored(t *testing.T) {
	h := newHarness(t)

	h.m.HandleError(protocol.Error{Message: "stray"})

	s := h.m.Snapshot()
	assert.Equal(t, ModeIdle, s.Mode)
	assert.Nil(t, s.Error)
}

func TestLateCompleteIsIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.SubmitVideo(context.Background(), "/videos/traffic.mp4"))
	h.m.HandleComplete(protocol.Complete{TotalVehicles: 5})
	first := h.m.Snapshot()

	h.m.HandleComplete(protocol.Complete{TotalVehicles: 99})

	assert.Equal(t, first, h.m.Snapshot())
}

func TestHandleFrame_BadImageIsSkipped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.SubmitVideo(context.Background(), "/videos/traffic.mp4"))

	h.m.HandleFrame(protocol.Frame{Frame: "%%%not-base64", FrameNumber: 1})

	assert.Nil(t, h.m.Snapshot().LiveFrame)
}

func TestHandleFrame_BadImageKeepsThrottleOpen(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.SubmitVideo(context.Background(), "/videos/traffic.mp4"))

	h.m.HandleFrame(protocol.Frame{Frame: "%%%not-base64", FrameNumber: 1})
	h.clock.Advance(10 * time.Millisecond)
	h.m.HandleFrame(videoFrame(2))

	s := h.m.Snapshot()
	require.NotNil(t, s.LiveFrame)
	require.NotNil(t, s.LiveStats)
	assert.Equal(t, 2, s.LiveStats.FrameNumber)

	video, _ := h.m.ThrottleStats()
	assert.Equal(t, uint64(1), video.Applied)
	assert.Zero(t, video.Dropped)
}

func TestHandleCameraFrameResult_BadImageKeepsThrottleOpen(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.StartCamera(context.Background()))

	h.m.HandleCameraFrameResult(protocol.CameraFrameResult{Frame: "%%%not-base64"})
	h.clock.Advance(10 * time.Millisecond)
	h.m.HandleCameraFrameResult(protocol.CameraFrameResult{Frame: jpegB64("ok"), TotalVehicles: 1})

	s := h.m.Snapshot()
	require.NotNil(t, s.LiveFrame)
	assert.Equal(t, []byte("ok"), s.LiveFrame.Data)

	_, camera := h.m.ThrottleStats()
	assert.Equal(t, uint64(1), camera.Applied)
	assert.Zero(t, camera.Dropped)
}

func TestClearError(t *testing.T) {
	h := newHarness(t)
	_ = h.m.SubmitVideo(context.Background(), "")
	require.NotNil(t, h.m.Snapshot().Error)

	h.m.ClearError()

	assert.Nil(t, h.m.Snapshot().Error)
}

func TestFrameTotalJSON(t *testing.T) {
	b, err := json.Marshal(Stats{TotalFrames: LiveFrames})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"total_frames":"live"`)

	var s Stats
	require.NoError(t, json.Unmarshal([]byte(`{"total_frames":"live"}`), &s))
	assert.True(t, s.TotalFrames.Live())
	require.NoError(t, json.Unmarshal([]byte(`{"total_frames":120}`), &s))
	assert.Equal(t, FrameTotal(120), s.TotalFrames)
	assert.Equal(t, "120", s.TotalFrames.String())
}
