package session

import (
	"errors"

	"github.com/hubenschmidt/traffic-vision/client/internal/media"
	"github.com/hubenschmidt/traffic-vision/client/internal/upload"
)

// ErrBusy is returned when a command would start a second concurrent stream.
// The session is left untouched.
var ErrBusy = errors.New("session busy")

// ErrorKind classifies what went wrong for the operator.
type ErrorKind string

const (
	KindUploadFailed                 ErrorKind = "upload_failed"
	KindStreamError                  ErrorKind = "stream_error"
	KindCameraPermissionDenied       ErrorKind = "camera_permission_denied"
	KindCameraNotFound               ErrorKind = "camera_not_found"
	KindCameraInUse                  ErrorKind = "camera_in_use"
	KindCameraConstraintsUnsupported ErrorKind = "camera_constraints_unsupported"
	KindCameraUnknown                ErrorKind = "camera_unknown"
)

// Operator-facing messages.
const (
	msgNoFile              = "Please select a video file first"
	msgUploadFailed        = "Failed to process video"
	msgPermissionDenied    = "Camera permission denied. Please allow camera access and try again."
	msgCameraNotFound      = "No camera found. Please ensure your device has a camera."
	msgCameraInUse         = "Camera is already in use by another application."
	msgCameraConstraints   = "Camera access failed. Please check your camera settings."
	msgCameraUnsupported   = "Camera API not supported on this device."
	msgCameraUnknownPrefix = "Camera access failed: "
	msgChannelUnavailable  = "Lost connection to the analysis service"
)

// ErrorInfo is the error currently shown to the operator.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`

	cause error
}

func (e *ErrorInfo) Error() string { return e.Message }

func (e *ErrorInfo) Unwrap() error { return e.cause }

// uploadError maps an upload failure to the message shown to the operator.
// Service rejections carry their own text; transport failures do not.
func uploadError(err error) *ErrorInfo {
	info := &ErrorInfo{Kind: KindUploadFailed, Message: msgUploadFailed, cause: err}

	var se *upload.ServerError
	switch {
	case errors.As(err, &se) && se.Message != "":
		info.Message = se.Message
	case errors.Is(err, upload.ErrNoFile):
		info.Message = msgNoFile
	case errors.Is(err, upload.ErrUnsupportedType):
		info.Message = upload.ErrUnsupportedType.Error()
	}
	return info
}

// cameraError classifies an acquisition failure. A failed relaxed retry wraps
// both the constraint rejection and the retry's cause, so the specific causes
// are checked first.
func cameraError(err error) *ErrorInfo {
	info := &ErrorInfo{cause: err}
	switch {
	case errors.Is(err, media.ErrPermissionDenied):
		info.Kind, info.Message = KindCameraPermissionDenied, msgPermissionDenied
	case errors.Is(err, media.ErrNotFound):
		info.Kind, info.Message = KindCameraNotFound, msgCameraNotFound
	case errors.Is(err, media.ErrInUse):
		info.Kind, info.Message = KindCameraInUse, msgCameraInUse
	case errors.Is(err, media.ErrOverconstrained):
		info.Kind, info.Message = KindCameraConstraintsUnsupported, msgCameraConstraints
	case errors.Is(err, media.ErrUnsupported):
		info.Kind, info.Message = KindCameraUnknown, msgCameraUnsupported
	default:
		info.Kind, info.Message = KindCameraUnknown, msgCameraUnknownPrefix+err.Error()
	}
	return info
}
