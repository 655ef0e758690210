package pixel

import (
	"fmt"
	"strings"
)

// Format names a packed pixel layout as negotiated with a capture device.
type Format string

const (
	FormatRGB888   Format = "RGB888"   // R, G, B
	FormatBGR888   Format = "BGR888"   // B, G, R
	FormatXRGB8888 Format = "XRGB8888" // B, G, R, X in memory
	FormatXBGR8888 Format = "XBGR8888" // R, G, B, X in memory
	FormatYUYV     Format = "YUYV"     // Y0, U, Y1, V per pixel pair
)

var bytesPerPixel = map[Format]int{
	FormatRGB888:   3,
	FormatBGR888:   3,
	FormatXRGB8888: 4,
	FormatXBGR8888: 4,
	FormatYUYV:     2,
}

// ParseFormat maps a configuration string to a Format. Matching is case-insensitive.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := bytesPerPixel[f]; !ok {
		return "", fmt.Errorf("unknown pixel format %q", s)
	}
	return f, nil
}

// BytesPerPixel returns the packed size of one pixel, or 0 for unknown formats.
func (f Format) BytesPerPixel() int {
	return bytesPerPixel[f]
}

// FrameSize returns the number of bytes a tightly packed width x height frame occupies.
func (f Format) FrameSize(width, height int) int {
	return width * height * f.BytesPerPixel()
}

// Displayable reports whether the layout can be handed to the display without conversion.
func (f Format) Displayable() bool {
	switch f {
	case FormatRGB888, FormatBGR888, FormatXRGB8888, FormatXBGR8888:
		return true
	}
	return false
}

func (f Format) String() string {
	return string(f)
}

// RGBAt returns the colour of pixel i in a displayable frame.
func (f Format) RGBAt(pix []byte, i int) (r, g, b uint8) {
	switch f {
	case FormatRGB888:
		o := i * 3
		return pix[o], pix[o+1], pix[o+2]
	case FormatBGR888:
		o := i * 3
		return pix[o+2], pix[o+1], pix[o]
	case FormatXRGB8888:
		o := i * 4
		return pix[o+2], pix[o+1], pix[o]
	case FormatXBGR8888:
		o := i * 4
		return pix[o], pix[o+1], pix[o+2]
	}
	return 0, 0, 0
}
