package session

import (
	"encoding/base64"
	"log/slog"

	"github.com/hubenschmidt/traffic-vision/client/internal/channel"
	"github.com/hubenschmidt/traffic-vision/client/internal/protocol"
)

// Bind subscribes the machine to every inbound event on ch.
func (m *Machine) Bind(ch *channel.Channel) {
	channel.On(ch, protocol.EventConnected, m.HandleConnected)
	channel.On(ch, protocol.EventStart, m.HandleStart)
	channel.On(ch, protocol.EventFrame, m.HandleFrame)
	channel.On(ch, protocol.EventComplete, m.HandleComplete)
	channel.On(ch, protocol.EventError, m.HandleError)
	channel.On(ch, protocol.EventCameraFrameResult, m.HandleCameraFrameResult)
	channel.On(ch, protocol.EventCameraStreamStarted, m.HandleCameraStreamStarted)
}

// HandleConnected logs the service greeting.
func (m *Machine) HandleConnected(ev protocol.Connected) {
	slog.Info("analysis service connected", "message", ev.Data)
}

// HandleStart logs the metadata of a video about to be streamed.
func (m *Machine) HandleStart(ev protocol.Start) {
	slog.Info("video processing started", "total_frames", ev.TotalFrames, "fps", ev.FPS, "width", ev.Width, "height", ev.Height)
}

// HandleFrame applies an annotated video frame to the live view, subject to the
// video throttle. Frames arriving outside Processing are stale and ignored.
func (m *Machine) HandleFrame(ev protocol.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.s.Mode != ModeProcessing {
		slog.Debug("ignoring stale frame", "mode", m.s.Mode, "frame_number", ev.FrameNumber)
		return
	}
	img, ok := decodeFrame(ev.Frame)
	if !ok {
		return
	}
	if !m.video.Allow() {
		return
	}
	m.s.LiveFrame = img
	m.s.LiveStats = &Stats{
		FrameNumber:       ev.FrameNumber,
		TotalFrames:       FrameTotal(ev.TotalFrames),
		TotalVehicles:     ev.TotalVehicles,
		Vehicles:          ev.Vehicles,
		VehicleTypeCounts: ev.VehicleTypes,
	}
	m.commit()
}

// HandleCameraFrameResult applies an annotated camera frame, subject to the
// camera throttle. Frame numbers count applied results since the stream began.
func (m *Machine) HandleCameraFrameResult(ev protocol.CameraFrameResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.s.Mode != ModeCameraActive {
		slog.Debug("ignoring stale camera result", "mode", m.s.Mode)
		return
	}
	img, ok := decodeFrame(ev.Frame)
	if !ok {
		return
	}
	if !m.camera.Allow() {
		return
	}
	m.s.LiveFrame = img
	m.s.LiveStats = &Stats{
		FrameNumber:       m.cameraFrames,
		TotalFrames:       LiveFrames,
		TotalVehicles:     ev.TotalVehicles,
		Vehicles:          ev.Vehicles,
		VehicleTypeCounts: map[protocol.VehicleKind]int{},
		Timestamp:         ev.Timestamp,
	}
	m.cameraFrames++
	m.commit()
}

// HandleComplete records the final result and ends processing. A complete
// that arrives when nothing is processing is ignored.
func (m *Machine) HandleComplete(ev protocol.Complete) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.s.Mode != ModeProcessing {
		slog.Info("ignoring complete outside processing", "mode", m.s.Mode)
		return
	}
	m.s.FinalResult = &AnalysisResult{
		TotalVehicles:          ev.TotalVehicles,
		VehicleTypeCounts:      ev.VehicleTypes,
		VideoInfo:              ev.VideoInfo,
		ProcessedVideoLocation: ev.ProcessedVideo,
	}
	m.s.Mode = ModeIdle
	slog.Info("video processing complete", "session_id", m.s.ID, "filename", m.s.ActiveFilename, "total_vehicles", ev.TotalVehicles)
	m.commit()
}

// HandleError surfaces a service error and terminates whichever stream is
// active. With no active stream it is only logged.
func (m *Machine) HandleError(ev protocol.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.s.Mode {
	case ModeProcessing:
		m.s.Mode = ModeIdle
	case ModeCameraActive:
		m.teardownCamera()
	default:
		slog.Warn("service error with no active stream", "mode", m.s.Mode, "message", ev.Message)
		return
	}
	slog.Error("analysis stream failed", "session_id", m.s.ID, "message", ev.Message)
	_ = m.fail(&ErrorInfo{Kind: KindStreamError, Message: ev.Message})
}

// HandleCameraStreamStarted logs the service's acknowledgement.
func (m *Machine) HandleCameraStreamStarted(ev protocol.CameraStreamStarted) {
	slog.Info("camera stream acknowledged", "message", ev.Message)
}

func decodeFrame(s string) (*EncodedImage, bool) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		slog.Warn("undecodable frame", "error", err, "bytes", len(s))
		return nil, false
	}
	return &EncodedImage{Data: data, Encoding: EncodingJPEG}, true
}
