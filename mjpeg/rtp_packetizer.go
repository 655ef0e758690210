package mjpeg

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

const (
	// RTP constants
	RTPVersion         = 2
	RTPPayloadTypeJPEG = 26
	RTPHeaderSize      = 12
	JPEGHeaderSize     = 8
	// QTableHeaderSize precedes the tables in the first packet of a frame.
	QTableHeaderSize = 4

	// RFC 2435 JPEG/RTP specific
	DefaultMTU     = 1400
	MaxPayloadSize = DefaultMTU - RTPHeaderSize - JPEGHeaderSize
	RTPClockRate   = 90000 // Standard clock rate for video

	// MinMTU leaves room for the tables plus some scan data in the first packet.
	MinMTU = 256

	// dynamicQ tells the receiver the tables travel in-band.
	dynamicQ = 255
	// maxDimension is the largest frame side the 8-bit block fields express.
	maxDimension = 2040
)

// RTPPacketizer handles RTP/JPEG packetization according to RFC 2435. Frames
// are sent as entropy coded scan data; quantization tables ride along in the
// first packet of every frame so receivers need no out-of-band setup.
type RTPPacketizer struct {
	// Configuration
	payloadType    uint8
	ssrc           uint32
	mtu            int
	maxPayloadSize int

	// mu serializes packetization so sequence numbers stay contiguous per frame.
	mu             sync.Mutex
	sequenceNumber uint32
	timestamp      uint32
	clockRate      uint32

	// Statistics
	packetsSent uint64
	bytesSent   uint64
	framesSent  uint64
}

// JPEGHeader represents the JPEG-specific RTP header (RFC 2435 Section 3.1)
type JPEGHeader struct {
	TypeSpecific   uint8  // Type-specific field
	FragmentOffset uint32 // Fragment offset (24 bits)
	Type           uint8  // JPEG Type field
	Q              uint8  // Quantization table ID
	Width          uint8  // Frame width / 8
	Height         uint8  // Frame height / 8
}

// Marshal writes the 8 byte header into b.
func (h JPEGHeader) Marshal(b []byte) {
	b[0] = h.TypeSpecific
	b[1] = uint8(h.FragmentOffset >> 16)
	b[2] = uint8(h.FragmentOffset >> 8)
	b[3] = uint8(h.FragmentOffset)
	b[4] = h.Type
	b[5] = h.Q
	b[6] = h.Width
	b[7] = h.Height
}

// ParseJPEGHeader reads the header at the start of an RTP/JPEG payload.
func ParseJPEGHeader(b []byte) (JPEGHeader, error) {
	if len(b) < JPEGHeaderSize {
		return JPEGHeader{}, fmt.Errorf("payload too short for JPEG header: %d bytes", len(b))
	}
	return JPEGHeader{
		TypeSpecific:   b[0],
		FragmentOffset: uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]),
		Type:           b[4],
		Q:              b[5],
		Width:          b[6],
		Height:         b[7],
	}, nil
}

// NewRTPPacketizer creates a new RTP packetizer
func NewRTPPacketizer(ssrc uint32, mtu int) *RTPPacketizer {
	if mtu <= 0 {
		mtu = DefaultMTU
	} else if mtu < MinMTU {
		mtu = MinMTU
	}
	maxPayload := mtu - RTPHeaderSize - JPEGHeaderSize

	return &RTPPacketizer{
		payloadType:    RTPPayloadTypeJPEG,
		ssrc:           ssrc,
		mtu:            mtu,
		maxPayloadSize: maxPayload,
		clockRate:      RTPClockRate,
	}
}

// PacketizeJPEG splits a JPEG frame into RTP packets according to RFC 2435.
// The frame geometry comes from the JPEG itself. Returns marshalled packets
// ready to send via UDP.
func (p *RTPPacketizer) PacketizeJPEG(jpegData []byte, timestamp uint32) ([][]byte, error) {
	if len(jpegData) == 0 {
		return nil, fmt.Errorf("empty JPEG data")
	}

	frame, err := parseJPEG(jpegData)
	if err != nil {
		return nil, fmt.Errorf("failed to extract JPEG payload: %w", err)
	}
	if frame.Width > maxDimension || frame.Height > maxDimension {
		return nil, fmt.Errorf("frame %dx%d exceeds RTP/JPEG limit of %d", frame.Width, frame.Height, maxDimension)
	}
	if len(frame.Scan) == 0 {
		return nil, fmt.Errorf("JPEG has no scan data")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	jh := JPEGHeader{
		Type:   frame.Type,
		Q:      dynamicQ,
		Width:  uint8((frame.Width + 7) / 8),
		Height: uint8((frame.Height + 7) / 8),
	}

	packets := make([][]byte, 0, len(frame.Scan)/p.maxPayloadSize+1)
	seqNum := p.sequenceNumber

	for offset := 0; offset < len(frame.Scan); {
		room := p.maxPayloadSize
		first := offset == 0
		if first {
			room -= QTableHeaderSize + len(frame.QTables)
		}
		n := len(frame.Scan) - offset
		if n > room {
			n = room
		}
		last := offset+n == len(frame.Scan)

		payload := make([]byte, 0, JPEGHeaderSize+QTableHeaderSize+len(frame.QTables)+n)
		jh.FragmentOffset = uint32(offset)
		var hdr [JPEGHeaderSize]byte
		jh.Marshal(hdr[:])
		payload = append(payload, hdr[:]...)
		if first {
			var qh [QTableHeaderSize]byte
			binary.BigEndian.PutUint16(qh[2:], uint16(len(frame.QTables)))
			payload = append(payload, qh[:]...)
			payload = append(payload, frame.QTables...)
		}
		payload = append(payload, frame.Scan[offset:offset+n]...)

		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        RTPVersion,
				Marker:         last,
				PayloadType:    p.payloadType,
				SequenceNumber: uint16(seqNum),
				Timestamp:      timestamp,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
		raw, err := pkt.Marshal()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal RTP packet: %w", err)
		}
		packets = append(packets, raw)

		seqNum = (seqNum + 1) & 0xFFFF
		offset += n
	}

	p.sequenceNumber = seqNum

	// Update statistics
	atomic.AddUint64(&p.packetsSent, uint64(len(packets)))
	atomic.AddUint64(&p.bytesSent, uint64(len(jpegData)))
	atomic.AddUint64(&p.framesSent, 1)

	return packets, nil
}

// CalculateTimestamp calculates RTP timestamp based on FPS
func (p *RTPPacketizer) CalculateTimestamp(fps int) uint32 {
	increment := p.clockRate / uint32(fps)
	newTimestamp := atomic.AddUint32(&p.timestamp, increment)
	return newTimestamp - increment
}

// GetSequenceNumber returns current sequence number
func (p *RTPPacketizer) GetSequenceNumber() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sequenceNumber
}

// SetSequenceNumber sets the next sequence number
func (p *RTPPacketizer) SetSequenceNumber(seq uint16) {
	p.mu.Lock()
	p.sequenceNumber = uint32(seq)
	p.mu.Unlock()
}

// GetStats returns packetizer statistics
func (p *RTPPacketizer) GetStats() PacketizerStats {
	return PacketizerStats{
		PacketsSent: atomic.LoadUint64(&p.packetsSent),
		BytesSent:   atomic.LoadUint64(&p.bytesSent),
		FramesSent:  atomic.LoadUint64(&p.framesSent),
		CurrentSeq:  p.GetSequenceNumber(),
		CurrentTS:   atomic.LoadUint32(&p.timestamp),
	}
}

// PacketizerStats holds statistics about RTP packetization
type PacketizerStats struct {
	PacketsSent uint64
	BytesSent   uint64
	FramesSent  uint64
	CurrentSeq  uint32
	CurrentTS   uint32
}

// Reset resets the packetizer state
func (p *RTPPacketizer) Reset() {
	p.mu.Lock()
	p.sequenceNumber = 0
	p.mu.Unlock()
	atomic.StoreUint32(&p.timestamp, 0)
	atomic.StoreUint64(&p.packetsSent, 0)
	atomic.StoreUint64(&p.bytesSent, 0)
	atomic.StoreUint64(&p.framesSent, 0)
}

// TimestampGenerator maps capture times onto the 90kHz RTP clock
type TimestampGenerator struct {
	startTime time.Time
	clockRate uint32
}

// NewTimestampGenerator creates a generator whose clock starts at start
func NewTimestampGenerator(start time.Time) *TimestampGenerator {
	return &TimestampGenerator{
		startTime: start,
		clockRate: RTPClockRate,
	}
}

// At returns the RTP timestamp of a frame captured at t
func (tg *TimestampGenerator) At(t time.Time) uint32 {
	elapsed := t.Sub(tg.startTime)
	if elapsed < 0 {
		elapsed = 0
	}
	// Wraps modulo 2^32 like any RTP clock.
	return uint32(uint64(elapsed/time.Microsecond) * uint64(tg.clockRate) / 1e6)
}

// Next returns the timestamp for the current time
func (tg *TimestampGenerator) Next() uint32 {
	return tg.At(time.Now())
}
