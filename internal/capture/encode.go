package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// DefaultQuality is the JPEG quality of captured frames.
const DefaultQuality = 80

// fitWithin returns the largest size no bigger than maxW x maxH that keeps the
// aspect ratio of w x h. Zero limits are ignored.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	if maxW > 0 && w > maxW {
		h = h * maxW / w
		w = maxW
	}
	if maxH > 0 && h > maxH {
		w = w * maxH / h
		h = maxH
	}
	return max(w, 1), max(h, 1)
}

// EncodeJPEG downsizes img to fit maxW x maxH (when larger) and encodes it.
func EncodeJPEG(img image.Image, maxW, maxH, quality int) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("encode: nil image")
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("encode: empty image")
	}
	w, h := fitWithin(b.Dx(), b.Dy(), maxW, maxH)
	if w != b.Dx() || h != b.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
