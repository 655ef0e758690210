// Package pixel turns raw device planes into display-ready pixel buffers.
//
// A conversion strategy is picked once per stream, when the stream is
// configured, from the format the device settled on. Formats that are already
// in display layout use the passthrough strategy and are read straight out of
// the mapped device memory. YUYV is the one family that needs real work and is
// expanded to interleaved RGB888.
package pixel

import (
	"errors"
	"fmt"
)

var (
	// ErrNilBuffer is returned when either side of a conversion is missing.
	ErrNilBuffer = errors.New("nil pixel buffer")
	// ErrConversionSizeMismatch is returned when a buffer does not have the size
	// the frame geometry requires. It always indicates a caller bug.
	ErrConversionSizeMismatch = errors.New("conversion size mismatch")
	// ErrConfigurationUnsupported is returned when no strategy maps the device
	// format onto the display format.
	ErrConfigurationUnsupported = errors.New("no conversion between device and display format")
)

// Kind identifies a conversion strategy.
type Kind int

const (
	KindPassthrough Kind = iota
	KindYUYVToRGB
)

func (k Kind) String() string {
	switch k {
	case KindPassthrough:
		return "passthrough"
	case KindYUYVToRGB:
		return "yuyv-to-rgb"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Converter maps one raw plane onto a display pixel buffer.
type Converter interface {
	Kind() Kind
	Source() Format
	Target() Format
	// OutputSize is width*height*Target().BytesPerPixel().
	OutputSize(width, height int) int
	// Convert writes the display frame for src into dst. dst must already be
	// exactly OutputSize bytes long.
	Convert(dst, src []byte, width, height int) error
}

// Select returns the strategy converting device frames into target frames.
func Select(device, target Format) (Converter, error) {
	if device.BytesPerPixel() == 0 || target.BytesPerPixel() == 0 {
		return nil, fmt.Errorf("%w: %s -> %s", ErrConfigurationUnsupported, device, target)
	}
	if device == target && target.Displayable() {
		return Passthrough{format: target}, nil
	}
	if device == FormatYUYV && target == FormatRGB888 {
		return YUYVToRGB{}, nil
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrConfigurationUnsupported, device, target)
}

// Negotiate picks the device format to request, given everything the device
// offers, preferring a passthrough match over a converted one.
func Negotiate(offered []Format, target Format) (Format, Converter, error) {
	for _, f := range offered {
		if f == target {
			if conv, err := Select(f, target); err == nil {
				return f, conv, nil
			}
		}
	}
	for _, f := range offered {
		if conv, err := Select(f, target); err == nil {
			return f, conv, nil
		}
	}
	return "", nil, fmt.Errorf("%w: device offers %v, display wants %s", ErrConfigurationUnsupported, offered, target)
}

// Passthrough hands device memory to the display untouched.
type Passthrough struct {
	format Format
}

// NewPassthrough returns the zero-copy strategy for a displayable format.
func NewPassthrough(f Format) (Passthrough, error) {
	if !f.Displayable() {
		return Passthrough{}, fmt.Errorf("%w: %s is not a display layout", ErrConfigurationUnsupported, f)
	}
	return Passthrough{format: f}, nil
}

func (p Passthrough) Kind() Kind     { return KindPassthrough }
func (p Passthrough) Source() Format { return p.format }
func (p Passthrough) Target() Format { return p.format }

func (p Passthrough) OutputSize(width, height int) int {
	return p.format.FrameSize(width, height)
}

// View returns the display frame inside src without copying.
func (p Passthrough) View(src []byte, width, height int) ([]byte, error) {
	if src == nil {
		return nil, ErrNilBuffer
	}
	size := p.OutputSize(width, height)
	if len(src) < size {
		return nil, fmt.Errorf("%w: plane has %d bytes, frame needs %d", ErrConversionSizeMismatch, len(src), size)
	}
	return src[:size], nil
}

// Convert copies src into dst verbatim. Display paths use View instead; this
// exists for callers that must detach a frame from device memory.
func (p Passthrough) Convert(dst, src []byte, width, height int) error {
	if dst == nil {
		return ErrNilBuffer
	}
	view, err := p.View(src, width, height)
	if err != nil {
		return err
	}
	if len(dst) != len(view) {
		return fmt.Errorf("%w: output has %d bytes, want %d", ErrConversionSizeMismatch, len(dst), len(view))
	}
	copy(dst, view)
	return nil
}
