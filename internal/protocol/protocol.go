// Package protocol defines the messages exchanged with the analysis service
// over the channel. Every message is a JSON text frame of the form
//
//	{"type": "frame", "data": {...}}
//
// Images travel as base64-encoded JPEG.
package protocol

import "encoding/json"

// Server → client event types.
const (
	EventConnected           = "connected"
	EventStart               = "start"
	EventFrame               = "frame"
	EventComplete            = "complete"
	EventError               = "error"
	EventCameraFrameResult   = "camera_frame_result"
	EventCameraStreamStarted = "camera_stream_started"
)

// Client → server command types.
const (
	CommandProcessVideo      = "process_video"
	CommandStartCameraStream = "start_camera_stream"
	CommandCameraFrame       = "camera_frame"
)

// Envelope is the framing shared by events and commands.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// VehicleKind names a detected vehicle class. Unknown kinds are kept verbatim.
type VehicleKind string

const (
	VehicleCar        VehicleKind = "car"
	VehicleMotorcycle VehicleKind = "motorcycle"
	VehicleBus        VehicleKind = "bus"
	VehicleTruck      VehicleKind = "truck"
	VehicleBicycle    VehicleKind = "bicycle"
)

// Vehicle is one detection in the current frame.
type Vehicle struct {
	Type       VehicleKind `json:"type"`
	BBox       []int       `json:"bbox,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
}

// Connected is sent once per websocket connection.
type Connected struct {
	Data string `json:"data,omitempty"`
}

// Start announces the properties of a video about to be streamed.
type Start struct {
	TotalFrames int `json:"total_frames"`
	FPS         int `json:"fps"`
	Width       int `json:"width"`
	Height      int `json:"height"`
}

// Frame is one annotated frame of an uploaded video.
type Frame struct {
	Frame         string              `json:"frame"`
	FrameNumber   int                 `json:"frame_number"`
	TotalFrames   int                 `json:"total_frames"`
	TotalVehicles int                 `json:"total_vehicles"`
	Vehicles      []Vehicle           `json:"vehicles"`
	VehicleTypes  map[VehicleKind]int `json:"vehicle_types"`
}

// VideoInfo describes the processed video.
type VideoInfo struct {
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	FPS             float64 `json:"fps"`
	DurationSeconds float64 `json:"duration_seconds"`
	TotalFrames     int     `json:"total_frames"`
}

// Complete terminates video processing.
type Complete struct {
	TotalVehicles  int                 `json:"total_vehicles"`
	VehicleTypes   map[VehicleKind]int `json:"vehicle_types"`
	VideoInfo      VideoInfo           `json:"video_info"`
	ProcessedVideo string              `json:"processed_video,omitempty"`
}

// Error reports a server-side failure for the active stream.
type Error struct {
	Message string `json:"message"`
}

// CameraFrameResult is the analysis of one captured camera frame.
type CameraFrameResult struct {
	Frame         string    `json:"frame"`
	TotalVehicles int       `json:"total_vehicles"`
	Vehicles      []Vehicle `json:"vehicles"`
	Timestamp     float64   `json:"timestamp"`
}

// CameraStreamStarted acknowledges start_camera_stream.
type CameraStreamStarted struct {
	Message string `json:"message,omitempty"`
}

// ProcessVideo asks the service to analyse an uploaded file.
type ProcessVideo struct {
	Filename string `json:"filename"`
}

// StartCameraStream opens a camera stream on the service.
type StartCameraStream struct{}

// CameraFrame carries one captured camera frame.
type CameraFrame struct {
	Frame string `json:"frame"`
}
