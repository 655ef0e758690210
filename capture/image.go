package capture

import "fmt"

// MappedImage gives byte access to every plane of a mapped FrameBuffer. It is
// built once when the buffer is allocated and lives until the stream is
// released.
type MappedImage struct {
	buffer FrameBuffer
	maps   [][]byte
	planes [][]byte
}

func newMappedImage(buf FrameBuffer, maps [][]byte) (*MappedImage, error) {
	if len(maps) != len(buf.Planes) {
		return nil, fmt.Errorf("device mapped %d planes, buffer has %d", len(maps), len(buf.Planes))
	}
	img := &MappedImage{
		buffer: buf,
		maps:   maps,
		planes: make([][]byte, len(maps)),
	}
	for i, p := range buf.Planes {
		if int(p.Length) > len(maps[i]) {
			return nil, fmt.Errorf("plane %d: mapping has %d bytes, plane needs %d", i, len(maps[i]), p.Length)
		}
		img.planes[i] = maps[i][:p.Length:p.Length]
	}
	return img, nil
}

// NumPlanes returns the number of planes.
func (m *MappedImage) NumPlanes() int {
	return len(m.planes)
}

// Plane returns plane i, or nil when out of range.
func (m *MappedImage) Plane(i int) []byte {
	if i < 0 || i >= len(m.planes) {
		return nil
	}
	return m.planes[i]
}

// Buffer returns the device handle the image was mapped from.
func (m *MappedImage) Buffer() FrameBuffer {
	return m.buffer
}
