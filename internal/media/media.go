// Package media acquires the local camera and owns the live handle's lifetime.
package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
)

// Acquisition failures. Platform implementations wrap one of these so callers
// can classify with errors.Is.
var (
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrNotFound         = errors.New("no camera found")
	ErrInUse            = errors.New("camera already in use")
	ErrOverconstrained  = errors.New("camera constraints not supported")
	ErrUnsupported      = errors.New("camera access not supported on this platform")
	ErrReleased         = errors.New("camera handle released")
)

// Facing modes understood by Constraints.
const (
	FacingEnvironment = "environment" // rear camera
	FacingUser        = "user"
)

// Constraints describes the capture preference. Zero fields mean "platform default".
type Constraints struct {
	FacingMode string
	Width      int
	Height     int
}

// IsDefault reports whether c carries no preference at all.
func (c Constraints) IsDefault() bool {
	return c == Constraints{}
}

// PreferredConstraints is the rear-facing 640x480 request made on every acquire.
func PreferredConstraints() Constraints {
	return Constraints{FacingMode: FacingEnvironment, Width: 640, Height: 480}
}

// Stream is an open camera on some platform.
type Stream interface {
	// Read returns the next frame. release must be called once the image is no
	// longer referenced.
	Read() (img image.Image, release func(), err error)
	// Close stops every underlying track.
	Close() error
}

// Platform opens camera streams.
type Platform interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Handle is a live camera acquired by a Manager.
type Handle struct {
	stream      Stream
	constraints Constraints

	mu       sync.Mutex
	released bool
}

// Constraints returns the constraints the handle was actually opened with.
func (h *Handle) Constraints() Constraints {
	return h.constraints
}

// Frame reads the current frame from the live camera.
func (h *Handle) Frame() (image.Image, func(), error) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil, nil, ErrReleased
	}
	s := h.stream
	h.mu.Unlock()
	return s.Read()
}

// Released reports whether Release already ran.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// release stops the stream once; later calls are no-ops.
func (h *Handle) release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	return h.stream.Close()
}

// Manager requests camera access with a preferred set of constraints and
// falls back once to platform defaults when the preference is rejected.
type Manager struct {
	platform  Platform
	preferred Constraints
}

// NewManager creates a Manager. A zero preferred value means PreferredConstraints().
func NewManager(platform Platform, preferred Constraints) *Manager {
	if preferred.IsDefault() {
		preferred = PreferredConstraints()
	}
	return &Manager{platform: platform, preferred: preferred}
}

// Acquire opens the camera. The returned error wraps one of the package sentinels
// when the failure could be classified.
func (m *Manager) Acquire(ctx context.Context) (*Handle, error) {
	if m.platform == nil {
		return nil, ErrUnsupported
	}

	slog.Info("requesting camera access", "facing", m.preferred.FacingMode, "width", m.preferred.Width, "height", m.preferred.Height)
	stream, err := m.platform.Open(ctx, m.preferred)
	if err == nil {
		slog.Info("camera access granted")
		return &Handle{stream: stream, constraints: m.preferred}, nil
	}

	if !errors.Is(err, ErrOverconstrained) || m.preferred.IsDefault() {
		return nil, fmt.Errorf("acquire camera: %w", err)
	}

	slog.Warn("camera constraints rejected, retrying with defaults", "error", err)
	stream, retryErr := m.platform.Open(ctx, Constraints{})
	if retryErr != nil {
		return nil, fmt.Errorf("%w, retry with default constraints failed: %w", ErrOverconstrained, retryErr)
	}
	slog.Info("camera access granted with default constraints")
	return &Handle{stream: stream}, nil
}

// Release stops every track of h. A nil or already released handle is a no-op.
func (m *Manager) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	if err := h.release(); err != nil {
		return fmt.Errorf("release camera: %w", err)
	}
	slog.Info("camera released")
	return nil
}
