package pixel

import "fmt"

// YUYVToRGB expands packed 4:2:2 YUYV into interleaved RGB888.
type YUYVToRGB struct{}

func (YUYVToRGB) Kind() Kind     { return KindYUYVToRGB }
func (YUYVToRGB) Source() Format { return FormatYUYV }
func (YUYVToRGB) Target() Format { return FormatRGB888 }

func (YUYVToRGB) OutputSize(width, height int) int {
	return FormatRGB888.FrameSize(width, height)
}

func (c YUYVToRGB) Convert(dst, src []byte, width, height int) error {
	return ConvertYUYV(dst, src, width, height)
}

// ConvertYUYV converts a YUYV frame into dst, which must be sized to
// width*height*3 bytes by the caller. Each Y0 U Y1 V group yields two pixels
// that share chroma.
func ConvertYUYV(dst, src []byte, width, height int) error {
	if dst == nil || src == nil {
		return ErrNilBuffer
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: invalid geometry %dx%d", ErrConversionSizeMismatch, width, height)
	}
	pixels := width * height
	if len(dst) != pixels*3 {
		return fmt.Errorf("%w: output has %d bytes, want %d", ErrConversionSizeMismatch, len(dst), pixels*3)
	}
	if len(src) < pixels*2 {
		return fmt.Errorf("%w: input has %d bytes, want %d", ErrConversionSizeMismatch, len(src), pixels*2)
	}

	i, j := 0, 0
	for p := 0; p+1 < pixels; p += 2 {
		y0, u, y1, v := src[j], src[j+1], src[j+2], src[j+3]
		yuvToRGB(dst[i:i+3], y0, u, v)
		yuvToRGB(dst[i+3:i+6], y1, u, v)
		i += 6
		j += 4
	}
	// An odd pixel count leaves a trailing half group.
	if pixels%2 == 1 {
		yuvToRGB(dst[i:i+3], src[j], src[j+1], src[j+3])
	}
	return nil
}

// yuvToRGB applies the BT.601 coefficients, saturates each channel to
// [0,255] and truncates.
func yuvToRGB(rgb []byte, y, u, v uint8) {
	fy := float64(y)
	fu := float64(u) - 128
	fv := float64(v) - 128

	r := fy + 1.4065*fv
	g := fy - 0.3455*fu - 0.7169*fv
	b := fy + 1.1790*fu

	rgb[0] = saturate(r)
	rgb[1] = saturate(g)
	rgb[2] = saturate(b)
}

func saturate(c float64) uint8 {
	if c < 0 {
		return 0
	} else if c > 255 {
		return 255
	}
	return uint8(c)
}
