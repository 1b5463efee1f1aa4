package video

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"golang.org/x/image/draw"
)

// Encoder scales and compresses raw frames.
type Encoder struct {
	// MaxWidth bounds the output width; taller-than-wide frames keep their
	// aspect ratio. Zero or less disables scaling.
	MaxWidth int

	// Quality is the JPEG quality (1-100).
	Quality int
}

// Encode downscales img to at most MaxWidth pixels wide and encodes it as
// JPEG.
func (e Encoder) Encode(img image.Image) (Frame, error) {
	captured := time.Now()
	b := img.Bounds()
	if b.Empty() {
		return Frame{}, fmt.Errorf("video: empty frame")
	}

	if e.MaxWidth > 0 && b.Dx() > e.MaxWidth {
		h := max(b.Dy()*e.MaxWidth/b.Dx(), 1)
		dst := image.NewRGBA(image.Rect(0, 0, e.MaxWidth, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		img = dst
		b = dst.Bounds()
	}

	q := e.Quality
	if q <= 0 || q > 100 {
		q = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
		return Frame{}, fmt.Errorf("video: encode jpeg: %w", err)
	}
	return Frame{Data: buf.Bytes(), Width: b.Dx(), Height: b.Dy(), Captured: captured}, nil
}
