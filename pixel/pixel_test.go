package pixel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" yuyv ")
	require.NoError(t, err)
	assert.Equal(t, FormatYUYV, f)

	_, err = ParseFormat("NV12")
	assert.Error(t, err)
}

func TestSelect(t *testing.T) {
	tests := []struct {
		device, target Format
		kind           Kind
		wantErr        bool
	}{
		{FormatRGB888, FormatRGB888, KindPassthrough, false},
		{FormatBGR888, FormatBGR888, KindPassthrough, false},
		{FormatXRGB8888, FormatXRGB8888, KindPassthrough, false},
		{FormatXBGR8888, FormatXBGR8888, KindPassthrough, false},
		{FormatYUYV, FormatRGB888, KindYUYVToRGB, false},
		{FormatYUYV, FormatYUYV, 0, true},
		{FormatYUYV, FormatBGR888, 0, true},
		{FormatRGB888, FormatBGR888, 0, true},
		{Format("NV12"), FormatRGB888, 0, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.device)+"->"+string(tt.target), func(t *testing.T) {
			conv, err := Select(tt.device, tt.target)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrConfigurationUnsupported)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, conv.Kind())
			assert.Equal(t, tt.target, conv.Target())
		})
	}
}

func TestNegotiatePrefersPassthrough(t *testing.T) {
	f, conv, err := Negotiate([]Format{FormatYUYV, FormatRGB888}, FormatRGB888)
	require.NoError(t, err)
	assert.Equal(t, FormatRGB888, f)
	assert.Equal(t, KindPassthrough, conv.Kind())

	f, conv, err = Negotiate([]Format{FormatYUYV}, FormatRGB888)
	require.NoError(t, err)
	assert.Equal(t, FormatYUYV, f)
	assert.Equal(t, KindYUYVToRGB, conv.Kind())

	_, _, err = Negotiate([]Format{Format("MJPG")}, FormatRGB888)
	assert.ErrorIs(t, err, ErrConfigurationUnsupported)
}

func TestPassthroughIsVerbatim(t *testing.T) {
	conv, err := NewPassthrough(FormatXRGB8888)
	require.NoError(t, err)

	src := make([]byte, FormatXRGB8888.FrameSize(3, 2))
	for i := range src {
		src[i] = byte(i * 7)
	}

	view, err := conv.View(src, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, src, view)
	assert.Same(t, &src[0], &view[0], "view must alias device memory")

	dst := make([]byte, conv.OutputSize(3, 2))
	require.NoError(t, conv.Convert(dst, src, 3, 2))
	assert.Equal(t, src, dst)

	_, err = NewPassthrough(FormatYUYV)
	assert.ErrorIs(t, err, ErrConfigurationUnsupported)
}

func TestPassthroughErrors(t *testing.T) {
	conv, err := NewPassthrough(FormatRGB888)
	require.NoError(t, err)

	_, err = conv.View(nil, 2, 2)
	assert.ErrorIs(t, err, ErrNilBuffer)

	_, err = conv.View(make([]byte, 11), 2, 2)
	assert.ErrorIs(t, err, ErrConversionSizeMismatch)

	assert.ErrorIs(t, conv.Convert(nil, make([]byte, 12), 2, 2), ErrNilBuffer)
	assert.ErrorIs(t, conv.Convert(make([]byte, 10), make([]byte, 12), 2, 2), ErrConversionSizeMismatch)
}

func yuyvFrame(width, height int, y, u, v byte) []byte {
	src := make([]byte, width*height*2)
	for i := 0; i < len(src); i += 4 {
		src[i], src[i+1], src[i+2], src[i+3] = y, u, y, v
	}
	return src
}

func TestConvertYUYVOutputSize(t *testing.T) {
	conv := YUYVToRGB{}
	src := yuyvFrame(4, 2, 128, 128, 128)
	assert.Len(t, src, 16)

	dst := make([]byte, conv.OutputSize(4, 2))
	assert.Len(t, dst, 24)
	require.NoError(t, conv.Convert(dst, src, 4, 2))
}

func TestConvertYUYVVectors(t *testing.T) {
	tests := []struct {
		name    string
		y, u, v byte
		want    [3]byte
	}{
		{"mid gray", 128, 128, 128, [3]byte{128, 128, 128}},
		{"white", 255, 128, 128, [3]byte{255, 255, 255}},
		{"black", 0, 128, 128, [3]byte{0, 0, 0}},
		// R and B saturate low; G = 0.3455*128 + 0.7169*128 = 135.98.
		{"zero chroma", 0, 0, 0, [3]byte{0, 135, 0}},
		// R = 255 + 1.4065*127 saturates; G = 255 - 0.7169*127 = 163.95.
		{"red clamp", 255, 128, 255, [3]byte{255, 163, 255}},
		// B = 255 + 1.1790*127 saturates; G = 255 - 0.3455*127 = 211.12.
		{"blue clamp", 255, 255, 128, [3]byte{255, 211, 255}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := make([]byte, 4*2*3)
			require.NoError(t, ConvertYUYV(dst, yuyvFrame(4, 2, tt.y, tt.u, tt.v), 4, 2))
			for p := 0; p < 8; p++ {
				assert.Equal(t, tt.want[:], dst[p*3:p*3+3], "pixel %d", p)
			}
		})
	}
}

func TestConvertYUYVSharesChromaPerPair(t *testing.T) {
	// Y0=16, Y1=235 with neutral chroma.
	src := []byte{16, 128, 235, 128}
	dst := make([]byte, 6)
	require.NoError(t, ConvertYUYV(dst, src, 2, 1))
	assert.Equal(t, []byte{16, 16, 16, 235, 235, 235}, dst)
}

func TestConvertYUYVOddPixelCount(t *testing.T) {
	src := []byte{50, 128, 60, 128, 70, 128, 0, 128}
	dst := make([]byte, 9)
	require.NoError(t, ConvertYUYV(dst, src, 3, 1))
	assert.Equal(t, []byte{50, 50, 50, 60, 60, 60, 70, 70, 70}, dst)
}

func TestConvertYUYVErrors(t *testing.T) {
	src := yuyvFrame(4, 2, 128, 128, 128)

	assert.ErrorIs(t, ConvertYUYV(nil, src, 4, 2), ErrNilBuffer)
	assert.ErrorIs(t, ConvertYUYV(make([]byte, 24), nil, 4, 2), ErrNilBuffer)
	assert.ErrorIs(t, ConvertYUYV(make([]byte, 23), src, 4, 2), ErrConversionSizeMismatch)
	assert.ErrorIs(t, ConvertYUYV(make([]byte, 25), src, 4, 2), ErrConversionSizeMismatch)
	assert.ErrorIs(t, ConvertYUYV(make([]byte, 24), src[:15], 4, 2), ErrConversionSizeMismatch)
	assert.ErrorIs(t, ConvertYUYV(make([]byte, 24), src, 0, 2), ErrConversionSizeMismatch)
}

func TestScratchDoubleBuffers(t *testing.T) {
	var s Scratch
	assert.Nil(t, s.Front())

	back := s.Back(6)
	copy(back, []byte{1, 2, 3, 4, 5, 6})
	s.Swap()
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, s.Front())

	next := s.Back(6)
	copy(next, []byte{9, 9, 9, 9, 9, 9})
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, s.Front(), "writing the back buffer must not touch the front")
	s.Swap()
	assert.Equal(t, []byte{9, 9, 9, 9, 9, 9}, s.Front())

	// After two swaps the first allocation is reused.
	again := s.Back(6)
	assert.Same(t, &back[0], &again[0])

	s.Reset()
	assert.Nil(t, s.Front())
}
