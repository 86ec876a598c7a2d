package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"syscall"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
)

// PionPlatform opens cameras through pion/mediadevices. A camera driver must be
// registered by the binary, e.g.
//
//	import _ "github.com/pion/mediadevices/pkg/driver/camera"
//
// mediadevices has no facing-mode constraint, so FacingMode is ignored; the
// resolution fields are passed as ideal values.
type PionPlatform struct{}

// Open implements Platform.
func (PionPlatform) Open(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !hasVideoInput() {
		return nil, ErrNotFound
	}

	if c.FacingMode != "" {
		slog.Debug("facing mode not supported by driver, ignoring", "facing", c.FacingMode)
	}

	ms, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			if c.Width > 0 {
				mc.Width = prop.Int(c.Width)
			}
			if c.Height > 0 {
				mc.Height = prop.Int(c.Height)
			}
		},
	})
	if err != nil {
		return nil, classifyPionError(err, c)
	}

	tracks := ms.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, ErrNotFound
	}
	vt, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		closeTracks(ms.GetTracks())
		return nil, fmt.Errorf("%w: unexpected track type %T", ErrUnsupported, tracks[0])
	}

	return &pionStream{
		tracks: ms.GetTracks(),
		reader: vt.NewReader(false),
	}, nil
}

type frameReader interface {
	Read() (image.Image, func(), error)
}

type pionStream struct {
	tracks []mediadevices.Track
	reader frameReader
}

func (s *pionStream) Read() (image.Image, func(), error) {
	return s.reader.Read()
}

func (s *pionStream) Close() error {
	return closeTracks(s.tracks)
}

func closeTracks(tracks []mediadevices.Track) error {
	var errs []error
	for _, t := range tracks {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func hasVideoInput() bool {
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			return true
		}
	}
	return false
}

// classifyPionError maps driver failures onto the package sentinels.
// mediadevices reports "no driver fits" as a plain error, so constraint
// rejection is inferred when a non-default request failed that way.
func classifyPionError(err error, c Constraints) error {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM), strings.Contains(msg, "permission denied"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errors.Is(err, syscall.EBUSY), strings.Contains(msg, "busy"):
		return fmt.Errorf("%w: %v", ErrInUse, err)
	case strings.Contains(msg, "failed to find") && !c.IsDefault():
		return fmt.Errorf("%w: %v", ErrOverconstrained, err)
	case strings.Contains(msg, "failed to find"), strings.Contains(msg, "no such"):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
