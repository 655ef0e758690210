package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// FramesLabel names the DataChannel that carries JPEG frames.
const FramesLabel = "frames"

var (
	errPeerNotOpen = errors.New("frames channel not open")
	// ErrPeerBusy is returned when the peer has not drained earlier frames.
	ErrPeerBusy = errors.New("peer send buffer full, dropping frame")
)

// FrameHeader is sent as a text message before the binary chunks of a frame.
type FrameHeader struct {
	Type     string `json:"type"`
	Sequence uint32 `json:"seq"`
	Size     int    `json:"size"`
	Chunks   int    `json:"chunks"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// PeerConnection manages a single WebRTC viewer
type PeerConnection struct {
	id     string
	pc     *webrtc.PeerConnection
	frames *webrtc.DataChannel
	logger *zap.Logger

	chunkSize   int
	maxBuffered uint64

	mu     sync.RWMutex
	open   bool
	closed bool

	framesSent    uint64
	framesDropped uint64
	bytesSent     uint64

	onClosed func()
}

// NewPeerConnection creates a peer connection with an ordered frames channel.
// onClosed runs once the connection fails or closes.
func NewPeerConnection(id string, config webrtc.Configuration, chunkSize int, onClosed func(), logger *zap.Logger) (*PeerConnection, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d", chunkSize)
	}

	peer := &PeerConnection{
		id:          id,
		logger:      logger.With(zap.String("peer_id", id)),
		chunkSize:   chunkSize,
		maxBuffered: uint64(chunkSize) * 64,
		onClosed:    onClosed,
	}

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	peer.pc = pc

	ordered := true
	dc, err := pc.CreateDataChannel(FramesLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create frames channel: %w", err)
	}
	peer.frames = dc

	peer.setupEventHandlers()

	peer.logger.Debug("Peer connection created", zap.Int("chunk_size", chunkSize))
	return peer, nil
}

// setupEventHandlers configures WebRTC event handlers
func (p *PeerConnection) setupEventHandlers() {
	p.frames.OnOpen(func() {
		p.mu.Lock()
		p.open = true
		p.mu.Unlock()
		p.logger.Info("Frames channel open")
	})
	p.frames.OnClose(func() {
		p.mu.Lock()
		p.open = false
		p.mu.Unlock()
		p.logger.Info("Frames channel closed")
	})

	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Info("Peer connection state changed", zap.String("state", state.String()))

		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.mu.Lock()
			p.open = false
			p.mu.Unlock()
			if p.onClosed != nil {
				go p.onClosed()
			}
		case webrtc.PeerConnectionStateDisconnected:
			// ICE may still recover
			p.logger.Warn("Peer connection disconnected, waiting for reconnection")
		}
	})
}

// CreateOffer creates the offer and sets it as local description
func (p *PeerConnection) CreateOffer() (*webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	return &offer, nil
}

// SetRemoteDescription sets the remote description from the client
func (p *PeerConnection) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// CreateAnswer creates an answer and sets it as local description
func (p *PeerConnection) CreateAnswer() (*webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	return &answer, nil
}

// AddICECandidate adds an ICE candidate
func (p *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := p.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

// OnICECandidate sets the ICE candidate handler
func (p *PeerConnection) OnICECandidate(handler func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(handler)
}

// chunkFrame splits data into pieces of at most size bytes.
func chunkFrame(data []byte, size int) [][]byte {
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > size {
		chunks = append(chunks, data[:size])
		data = data[size:]
	}
	if len(data) > 0 {
		chunks = append(chunks, data)
	}
	return chunks
}

// SendFrame sends one JPEG as a header followed by its chunks. Frames are
// dropped while the channel is closed or the peer lags behind.
func (p *PeerConnection) SendFrame(jpeg []byte, seq uint32, width, height int) error {
	if !p.IsOpen() {
		return errPeerNotOpen
	}
	if p.frames.BufferedAmount() > p.maxBuffered {
		atomic.AddUint64(&p.framesDropped, 1)
		return ErrPeerBusy
	}

	chunks := chunkFrame(jpeg, p.chunkSize)
	header, err := json.Marshal(FrameHeader{
		Type:     "frame",
		Sequence: seq,
		Size:     len(jpeg),
		Chunks:   len(chunks),
		Width:    width,
		Height:   height,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal frame header: %w", err)
	}

	if err := p.frames.SendText(string(header)); err != nil {
		return fmt.Errorf("failed to send frame header: %w", err)
	}
	for _, chunk := range chunks {
		if err := p.frames.Send(chunk); err != nil {
			return fmt.Errorf("failed to send frame chunk: %w", err)
		}
	}

	atomic.AddUint64(&p.framesSent, 1)
	atomic.AddUint64(&p.bytesSent, uint64(len(jpeg)))
	return nil
}

// IsOpen returns whether frames can be sent
func (p *PeerConnection) IsOpen() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.open && !p.closed
}

// GetConnectionState returns the current connection state
func (p *PeerConnection) GetConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

// GetStats returns connection statistics
func (p *PeerConnection) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"id":                   p.id,
		"connection_state":     p.pc.ConnectionState().String(),
		"ice_connection_state": p.pc.ICEConnectionState().String(),
		"signaling_state":      p.pc.SignalingState().String(),
		"channel_open":         p.IsOpen(),
		"frames_sent":          atomic.LoadUint64(&p.framesSent),
		"frames_dropped":       atomic.LoadUint64(&p.framesDropped),
		"bytes_sent":           atomic.LoadUint64(&p.bytesSent),
	}
}

// Close closes the peer connection
func (p *PeerConnection) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.open = false
	p.mu.Unlock()

	if err := p.pc.Close(); err != nil {
		p.logger.Warn("Error closing peer connection", zap.Error(err))
		return err
	}
	p.logger.Info("Peer connection closed")
	return nil
}

// GetID returns the peer connection ID
func (p *PeerConnection) GetID() string {
	return p.id
}

// WaitForOpen waits until the frames channel opens
func (p *PeerConnection) WaitForOpen(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for !p.IsOpen() {
		if time.Now().After(deadline) {
			return fmt.Errorf("frames channel not open after %v", timeout)
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil
}
