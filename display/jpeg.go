package display

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"strings"
	"time"

	"pi-frame-capture/pixel"
)

// Encoder turns display frames into JPEG images.
type Encoder struct {
	Quality int
}

// NewEncoder clamps quality into the range image/jpeg accepts.
func NewEncoder(quality int) *Encoder {
	if quality < 1 {
		quality = jpeg.DefaultQuality
	} else if quality > 100 {
		quality = 100
	}
	return &Encoder{Quality: quality}
}

// Encode renders the frame with the given orientation and returns the JPEG bytes.
func (e *Encoder) Encode(pix []byte, format pixel.Format, width, height, orientation int) ([]byte, error) {
	img, err := ToRGBA(pix, format, width, height)
	if err != nil {
		return nil, err
	}
	return e.EncodeImage(img, orientation)
}

// EncodeImage rotates img and encodes it. Callers that must not hold on to
// frame memory copy it out with ToRGBA first and encode afterwards.
func (e *Encoder) EncodeImage(img *image.RGBA, orientation int) ([]byte, error) {
	rotated, err := Rotate(img, orientation)
	if err != nil {
		return nil, err
	}

	b := rotated.Bounds()
	var buf bytes.Buffer
	buf.Grow(b.Dx() * b.Dy() / 4)
	if err := jpeg.Encode(&buf, rotated, &jpeg.Options{Quality: e.Quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// SnapshotName builds the file name for a still taken at t: the ISO 8601
// timestamp with ':' replaced so the name is valid on every filesystem.
func SnapshotName(t time.Time) string {
	return strings.ReplaceAll(t.Format("2006-01-02T15:04:05"), ":", "_") + ".jpg"
}
