// Package session holds the client's single source of truth: which stream is
// active, what the live view shows and which error, if any, is on screen.
//
// A Machine is the only mutator. Operator commands and inbound channel events
// are applied one at a time under its lock, in arrival order.
package session

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/hubenschmidt/traffic-vision/client/internal/protocol"
)

// Mode is the session's activity state. Exactly one is current.
type Mode string

const (
	ModeIdle         Mode = "idle"
	ModeUploading    Mode = "uploading"
	ModeProcessing   Mode = "processing"
	ModeCameraActive Mode = "camera_active"
)

// Modes lists every mode, in display order.
var Modes = []Mode{ModeIdle, ModeUploading, ModeProcessing, ModeCameraActive}

// EncodingJPEG is the only live frame encoding the service produces.
const EncodingJPEG = "image/jpeg"

// EncodedImage is an opaque image blob ready for display.
type EncodedImage struct {
	Data     []byte `json:"data"`
	Encoding string `json:"encoding"`
}

// LiveFrames marks a camera stream, which has no frame total.
const LiveFrames FrameTotal = -1

// FrameTotal is a frame count that may be the "live" sentinel.
type FrameTotal int

// Live reports whether t is the live sentinel.
func (t FrameTotal) Live() bool { return t == LiveFrames }

func (t FrameTotal) String() string {
	if t.Live() {
		return "live"
	}
	return strconv.Itoa(int(t))
}

func (t FrameTotal) MarshalJSON() ([]byte, error) {
	if t.Live() {
		return []byte(`"live"`), nil
	}
	return []byte(strconv.Itoa(int(t))), nil
}

func (t *FrameTotal) UnmarshalJSON(b []byte) error {
	if string(b) == `"live"` {
		*t = LiveFrames
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*t = FrameTotal(n)
	return nil
}

// Stats describes the frame currently in the live view.
type Stats struct {
	FrameNumber       int                          `json:"frame_number"`
	TotalFrames       FrameTotal                   `json:"total_frames"`
	TotalVehicles     int                          `json:"total_vehicles"`
	Vehicles          []protocol.Vehicle           `json:"vehicles"`
	VehicleTypeCounts map[protocol.VehicleKind]int `json:"vehicle_types"`
	Timestamp         float64                      `json:"timestamp,omitempty"`
}

// AnalysisResult is the summary of a completed video.
type AnalysisResult struct {
	TotalVehicles          int                          `json:"total_vehicles"`
	VehicleTypeCounts      map[protocol.VehicleKind]int `json:"vehicle_types"`
	VideoInfo              protocol.VideoInfo           `json:"video_info"`
	ProcessedVideoLocation string                       `json:"processed_video,omitempty"`
}

// Session is a point-in-time view of the client state. The pointer fields are
// never mutated after they are published, so snapshots may share them.
type Session struct {
	ID             string          `json:"id"`
	Mode           Mode            `json:"mode"`
	Error          *ErrorInfo      `json:"error,omitempty"`
	ActiveFilename string          `json:"active_filename,omitempty"`
	LiveFrame      *EncodedImage   `json:"live_frame,omitempty"`
	LiveStats      *Stats          `json:"live_stats,omitempty"`
	FinalResult    *AnalysisResult `json:"final_result,omitempty"`
	CameraPending  bool            `json:"camera_pending,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Busy reports whether a stream is active or being set up.
func (s Session) Busy() bool {
	return s.Mode != ModeIdle || s.CameraPending
}
