package mjpeg

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// JPEG markers used when splitting a baseline JPEG for RTP.
const (
	markerSOI  = 0xD8
	markerEOI  = 0xD9
	markerSOF0 = 0xC0
	markerDHT  = 0xC4
	markerDQT  = 0xDB
	markerDRI  = 0xDD
	markerSOS  = 0xDA
)

var errNotJPEG = errors.New("invalid JPEG: missing SOI marker")

// jpegFrame is a baseline JPEG broken into the pieces RFC 2435 carries:
// geometry, the RTP/JPEG type, the quantization tables and the entropy
// coded scan.
type jpegFrame struct {
	Width   int
	Height  int
	Type    uint8
	QTables []byte
	Scan    []byte
}

// parseJPEG splits a baseline JFIF image. Only 8-bit tables, three component
// YCbCr with 4:2:2 or 4:2:0 sampling and no restart markers are accepted,
// which covers what image/jpeg writes.
func parseJPEG(data []byte) (jpegFrame, error) {
	var f jpegFrame
	if len(data) < 4 || data[0] != 0xFF || data[1] != markerSOI {
		return f, errNotJPEG
	}

	var tables [4][]byte
	pos := 2
	for pos+4 <= len(data) {
		if data[pos] != 0xFF {
			return f, fmt.Errorf("invalid JPEG: expected marker at %d", pos)
		}
		marker := data[pos+1]
		if marker == 0xFF {
			pos++ // fill byte
			continue
		}
		length := int(binary.BigEndian.Uint16(data[pos+2:]))
		if length < 2 || pos+2+length > len(data) {
			return f, fmt.Errorf("invalid JPEG: segment 0x%02X overruns data", marker)
		}
		seg := data[pos+4 : pos+2+length]

		switch marker {
		case markerDQT:
			for len(seg) > 0 {
				pq, tq := seg[0]>>4, seg[0]&0x0F
				if pq != 0 {
					return f, errors.New("unsupported JPEG: 16-bit quantization table")
				}
				if len(seg) < 65 || tq > 3 {
					return f, errors.New("invalid JPEG: short quantization table")
				}
				tables[tq] = seg[1:65]
				seg = seg[65:]
			}

		case markerSOF0:
			if len(seg) < 6+3*3 || seg[5] != 3 {
				return f, errors.New("unsupported JPEG: expected three components")
			}
			f.Height = int(binary.BigEndian.Uint16(seg[1:]))
			f.Width = int(binary.BigEndian.Uint16(seg[3:]))
			switch seg[7] {
			case 0x21:
				f.Type = 0
			case 0x22:
				f.Type = 1
			default:
				return f, fmt.Errorf("unsupported JPEG: luma sampling 0x%02X", seg[7])
			}
			if seg[8] != 0 || seg[11] != 1 || seg[14] != 1 {
				return f, errors.New("unsupported JPEG: quantization table assignment")
			}

		case markerDRI:
			return f, errors.New("unsupported JPEG: restart markers")

		case markerSOS:
			scan := data[pos+2+length:]
			if n := len(scan); n >= 2 && scan[n-2] == 0xFF && scan[n-1] == markerEOI {
				scan = scan[:n-2]
			}
			if f.Width == 0 {
				return f, errors.New("invalid JPEG: scan before frame header")
			}
			if tables[0] == nil || tables[1] == nil {
				return f, errors.New("invalid JPEG: missing quantization tables")
			}
			f.QTables = make([]byte, 0, 128)
			f.QTables = append(f.QTables, tables[0]...)
			f.QTables = append(f.QTables, tables[1]...)
			f.Scan = scan
			return f, nil

		case 0xC1, 0xC2, 0xC3, 0xC5, 0xC6, 0xC7, 0xC9, 0xCA, 0xCB, 0xCD, 0xCE, 0xCF:
			return f, fmt.Errorf("unsupported JPEG: frame type 0x%02X", marker)
		}
		pos += 2 + length
	}
	return f, errors.New("invalid JPEG: no scan data")
}
