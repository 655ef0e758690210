// Package display renders the frames the capture engine exposes into images
// suitable for viewers: orientation handling and JPEG encoding.
package display

import (
	"fmt"
	"image"

	"pi-frame-capture/pixel"
)

// Orientations accepted by Rotate, in clockwise degrees.
var Orientations = []int{0, 90, 180, 270}

// ValidOrientation reports whether degrees is one of Orientations.
func ValidOrientation(degrees int) bool {
	for _, o := range Orientations {
		if o == degrees {
			return true
		}
	}
	return false
}

// ToRGBA copies a display-layout frame into a new RGBA image.
func ToRGBA(pix []byte, format pixel.Format, width, height int) (*image.RGBA, error) {
	if !format.Displayable() {
		return nil, fmt.Errorf("%w: %s is not a display layout", pixel.ErrConfigurationUnsupported, format)
	}
	if want := format.FrameSize(width, height); len(pix) < want {
		return nil, fmt.Errorf("%w: frame has %d bytes, want %d", pixel.ErrConversionSizeMismatch, len(pix), want)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, o := 0, 0; i < width*height; i, o = i+1, o+4 {
		r, g, b := format.RGBAt(pix, i)
		img.Pix[o] = r
		img.Pix[o+1] = g
		img.Pix[o+2] = b
		img.Pix[o+3] = 0xff
	}
	return img, nil
}

// Rotate returns src turned clockwise by degrees. A zero rotation returns src itself.
func Rotate(src *image.RGBA, degrees int) (*image.RGBA, error) {
	if !ValidOrientation(degrees) {
		return nil, fmt.Errorf("unsupported orientation %d", degrees)
	}
	if degrees == 0 {
		return src, nil
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	outW, outH := w, h
	if degrees != 180 {
		outW, outH = h, w
	}
	dst := image.NewRGBA(image.Rect(0, 0, outW, outH))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var dx, dy int
			switch degrees {
			case 90:
				dx, dy = h-1-y, x
			case 180:
				dx, dy = w-1-x, h-1-y
			case 270:
				dx, dy = y, w-1-x
			}
			so := src.PixOffset(b.Min.X+x, b.Min.Y+y)
			do := dst.PixOffset(dx, dy)
			copy(dst.Pix[do:do+4], src.Pix[so:so+4])
		}
	}
	return dst, nil
}
