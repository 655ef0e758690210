package sim

import "pi-frame-capture/pixel"

// SMPTE-style bar colours, left to right.
var bars = [][3]uint8{
	{235, 235, 235},
	{235, 235, 16},
	{16, 235, 235},
	{16, 235, 16},
	{235, 16, 235},
	{235, 16, 16},
	{16, 16, 235},
	{16, 16, 16},
}

// barAt returns the bar colour at column x of a frame width pixels wide,
// scrolled left by shift columns.
func barAt(x, width, shift int) [3]uint8 {
	col := (x + shift) % width
	return bars[col*len(bars)/width]
}

func rgbToYUV(c [3]uint8) (y, u, v uint8) {
	r, g, b := float64(c[0]), float64(c[1]), float64(c[2])
	return clamp(0.299*r + 0.587*g + 0.114*b),
		clamp(-0.169*r - 0.331*g + 0.5*b + 128),
		clamp(0.5*r - 0.419*g - 0.081*b + 128)
}

func clamp(f float64) uint8 {
	if f < 0 {
		return 0
	} else if f > 255 {
		return 255
	}
	return uint8(f)
}

// renderBars draws frame number seq into buf.
func renderBars(buf []byte, format pixel.Format, width, height, seq int) {
	if width <= 0 || height <= 0 || len(buf) < format.FrameSize(width, height) {
		return
	}
	shift := seq % width

	if format == pixel.FormatYUYV {
		stride := width * 2
		for row := 0; row < height; row++ {
			line := buf[row*stride : (row+1)*stride]
			for x := 0; x+1 < width; x += 2 {
				y0, u, v := rgbToYUV(barAt(x, width, shift))
				y1, _, _ := rgbToYUV(barAt(x+1, width, shift))
				o := x * 2
				line[o], line[o+1], line[o+2], line[o+3] = y0, u, y1, v
			}
		}
		return
	}

	bpp := format.BytesPerPixel()
	stride := width * bpp
	// Render the first line, then copy it down the frame.
	line := buf[:stride]
	for x := 0; x < width; x++ {
		c := barAt(x, width, shift)
		o := x * bpp
		switch format {
		case pixel.FormatRGB888:
			line[o], line[o+1], line[o+2] = c[0], c[1], c[2]
		case pixel.FormatBGR888:
			line[o], line[o+1], line[o+2] = c[2], c[1], c[0]
		case pixel.FormatXRGB8888:
			line[o], line[o+1], line[o+2], line[o+3] = c[2], c[1], c[0], 0xff
		case pixel.FormatXBGR8888:
			line[o], line[o+1], line[o+2], line[o+3] = c[0], c[1], c[2], 0xff
		}
	}
	for row := 1; row < height; row++ {
		copy(buf[row*stride:(row+1)*stride], line)
	}
}
