package display

import (
	"bytes"
	"image/jpeg"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pi-frame-capture/pixel"
)

// 2x1 frame: red then blue.
func redBlue(format pixel.Format) []byte {
	switch format {
	case pixel.FormatRGB888:
		return []byte{255, 0, 0, 0, 0, 255}
	case pixel.FormatBGR888:
		return []byte{0, 0, 255, 255, 0, 0}
	case pixel.FormatXRGB8888:
		return []byte{0, 0, 255, 0, 255, 0, 0, 0}
	case pixel.FormatXBGR8888:
		return []byte{255, 0, 0, 0, 0, 0, 255, 0}
	}
	return nil
}

func TestToRGBAFormats(t *testing.T) {
	for _, format := range []pixel.Format{pixel.FormatRGB888, pixel.FormatBGR888, pixel.FormatXRGB8888, pixel.FormatXBGR8888} {
		t.Run(string(format), func(t *testing.T) {
			img, err := ToRGBA(redBlue(format), format, 2, 1)
			require.NoError(t, err)
			assert.Equal(t, []byte{255, 0, 0, 255, 0, 0, 255, 255}, img.Pix)
		})
	}
}

func TestToRGBARejectsYUYVAndShortFrames(t *testing.T) {
	_, err := ToRGBA(make([]byte, 4), pixel.FormatYUYV, 2, 1)
	assert.ErrorIs(t, err, pixel.ErrConfigurationUnsupported)

	_, err = ToRGBA(make([]byte, 5), pixel.FormatRGB888, 2, 1)
	assert.ErrorIs(t, err, pixel.ErrConversionSizeMismatch)
}

func TestRotate(t *testing.T) {
	img, err := ToRGBA(redBlue(pixel.FormatRGB888), pixel.FormatRGB888, 2, 1)
	require.NoError(t, err)

	red := []byte{255, 0, 0, 255}
	blue := []byte{0, 0, 255, 255}

	tests := []struct {
		degrees       int
		width, height int
		first, second []byte
	}{
		{0, 2, 1, red, blue},
		{90, 1, 2, red, blue},
		{180, 2, 1, blue, red},
		{270, 1, 2, blue, red},
	}
	for _, tt := range tests {
		out, err := Rotate(img, tt.degrees)
		require.NoError(t, err)
		assert.Equal(t, tt.width, out.Bounds().Dx(), "degrees %d", tt.degrees)
		assert.Equal(t, tt.height, out.Bounds().Dy(), "degrees %d", tt.degrees)
		assert.Equal(t, tt.first, out.Pix[0:4], "degrees %d", tt.degrees)
		assert.Equal(t, tt.second, out.Pix[4:8], "degrees %d", tt.degrees)
	}

	_, err = Rotate(img, 45)
	assert.Error(t, err)
}

func TestEncoderProducesDecodableJPEG(t *testing.T) {
	pix := make([]byte, pixel.FormatRGB888.FrameSize(16, 8))
	for i := range pix {
		pix[i] = byte(i)
	}

	data, err := NewEncoder(80).Encode(pix, pixel.FormatRGB888, 16, 8, 90)
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
	assert.Equal(t, 16, img.Bounds().Dy())
}

func TestNewEncoderClampsQuality(t *testing.T) {
	assert.Equal(t, jpeg.DefaultQuality, NewEncoder(0).Quality)
	assert.Equal(t, 100, NewEncoder(500).Quality)
	assert.Equal(t, 42, NewEncoder(42).Quality)
}

func TestSnapshotName(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	assert.Equal(t, "2024-03-09T14_05_07.jpg", SnapshotName(ts))
}
