package mjpeg

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrFrameDropped is returned by SendFrame when the sender is still busy
// with earlier frames.
var ErrFrameDropped = errors.New("frame channel full, dropping frame")

// StreamerConfig holds configuration for the RTP/JPEG streamer
type StreamerConfig struct {
	// Network
	DestHost  string
	DestPort  int
	LocalPort int // Optional local port binding
	MTU       int
	DSCP      int // Optional DSCP marking for QoS

	// RTP
	SSRC uint32
}

// Frame is one encoded image queued for sending.
type Frame struct {
	JPEG      []byte
	Timestamp time.Time
}

// Streamer manages RTP/JPEG streaming over UDP
type Streamer struct {
	config *StreamerConfig
	logger *zap.Logger

	// Network
	conn     *net.UDPConn
	addrMu   sync.RWMutex
	destAddr *net.UDPAddr

	// RTP
	packetizer *RTPPacketizer
	tsGen      *TimestampGenerator

	// Frame processing
	frameChan chan Frame
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// State
	isRunning  atomic.Bool
	frameCount uint64
	dropCount  uint64
	sendErrors uint64
}

// NewStreamer creates a new RTP/JPEG streamer
func NewStreamer(config *StreamerConfig, logger *zap.Logger) (*Streamer, error) {
	if config.DestPort <= 0 || config.DestPort > 65535 {
		return nil, fmt.Errorf("invalid destination port %d", config.DestPort)
	}
	if config.MTU <= 0 {
		config.MTU = DefaultMTU
	}

	return &Streamer{
		config:     config,
		logger:     logger,
		packetizer: NewRTPPacketizer(config.SSRC, config.MTU),
		frameChan:  make(chan Frame, 4), // Small buffer to prevent blocking
	}, nil
}

// Start begins streaming
func (s *Streamer) Start(ctx context.Context) error {
	if s.isRunning.Load() {
		return fmt.Errorf("streamer already running")
	}

	dest := net.JoinHostPort(s.config.DestHost, fmt.Sprint(s.config.DestPort))
	s.logger.Info("Starting RTP/JPEG streamer",
		zap.String("dest", dest),
		zap.Int("mtu", s.config.MTU),
		zap.Uint32("ssrc", s.config.SSRC))

	destAddr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		return fmt.Errorf("failed to resolve destination address: %w", err)
	}
	s.setDestination(destAddr)

	var localAddr *net.UDPAddr
	if s.config.LocalPort > 0 {
		localAddr = &net.UDPAddr{Port: s.config.LocalPort}
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return fmt.Errorf("failed to create UDP socket: %w", err)
	}
	s.conn = conn

	if err := conn.SetWriteBuffer(1024 * 1024); err != nil {
		s.logger.Warn("Failed to set UDP write buffer size", zap.Error(err))
	}

	if s.config.DSCP > 0 {
		if err := setDSCP(conn, s.config.DSCP); err != nil {
			s.logger.Warn("Failed to set DSCP marking", zap.Int("dscp", s.config.DSCP), zap.Error(err))
		} else {
			s.logger.Info("DSCP QoS marking enabled", zap.Int("dscp", s.config.DSCP))
		}
	}

	s.tsGen = NewTimestampGenerator(time.Now())
	s.frameChan = make(chan Frame, cap(s.frameChan))
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.isRunning.Store(true)

	s.wg.Add(1)
	go s.frameSenderLoop()

	s.logger.Info("RTP/JPEG streamer started",
		zap.String("local_addr", conn.LocalAddr().String()),
		zap.String("dest_addr", destAddr.String()))

	return nil
}

// Stop stops the streamer
func (s *Streamer) Stop() error {
	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}

	s.logger.Info("Stopping RTP/JPEG streamer")
	s.cancel()
	s.wg.Wait()

	if s.conn != nil {
		s.conn.Close()
	}

	stats := s.GetStats()
	s.logger.Info("RTP/JPEG streamer stopped",
		zap.Uint64("frames_sent", stats.FramesSent),
		zap.Uint64("frames_dropped", stats.FramesDropped),
		zap.Uint64("send_errors", stats.SendErrors))

	return nil
}

// SendFrame queues a JPEG frame. Frames are dropped, and counted, rather
// than blocking the caller.
func (s *Streamer) SendFrame(frame Frame) error {
	if !s.isRunning.Load() {
		return fmt.Errorf("streamer not running")
	}

	select {
	case s.frameChan <- frame:
		return nil
	default:
		atomic.AddUint64(&s.dropCount, 1)
		return ErrFrameDropped
	}
}

// frameSenderLoop processes frames and sends them via RTP
func (s *Streamer) frameSenderLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case frame := <-s.frameChan:
			if err := s.sendFrameRTP(frame); err != nil {
				atomic.AddUint64(&s.sendErrors, 1)
				s.logger.Error("Failed to send RTP frame", zap.Error(err))
				continue
			}

			n := atomic.AddUint64(&s.frameCount, 1)
			if n%100 == 0 {
				stats := s.GetStats()
				s.logger.Debug("Streaming progress",
					zap.Uint64("frames", stats.FramesSent),
					zap.Uint64("dropped", stats.FramesDropped),
					zap.Uint64("errors", stats.SendErrors),
					zap.Uint64("rtp_packets", stats.RTPPacketsSent))
			}
		}
	}
}

// sendFrameRTP packetizes and sends a JPEG frame via RTP
func (s *Streamer) sendFrameRTP(frame Frame) error {
	ts := frame.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	packets, err := s.packetizer.PacketizeJPEG(frame.JPEG, s.tsGen.At(ts))
	if err != nil {
		return fmt.Errorf("failed to packetize JPEG: %w", err)
	}

	dest := s.destination()
	for i, packet := range packets {
		if _, err := s.conn.WriteToUDP(packet, dest); err != nil {
			return fmt.Errorf("failed to send RTP packet %d/%d: %w", i+1, len(packets), err)
		}
	}
	return nil
}

// StreamerStats holds streamer statistics
type StreamerStats struct {
	FramesSent       uint64 `json:"frames_sent"`
	FramesDropped    uint64 `json:"frames_dropped"`
	SendErrors       uint64 `json:"send_errors"`
	RTPPacketsSent   uint64 `json:"rtp_packets_sent"`
	BytesSent        uint64 `json:"bytes_sent"`
	CurrentSeqNum    uint32 `json:"current_seq"`
	CurrentTimestamp uint32 `json:"current_timestamp"`
}

// GetStats returns streaming statistics
func (s *Streamer) GetStats() StreamerStats {
	rtpStats := s.packetizer.GetStats()

	return StreamerStats{
		FramesSent:       atomic.LoadUint64(&s.frameCount),
		FramesDropped:    atomic.LoadUint64(&s.dropCount),
		SendErrors:       atomic.LoadUint64(&s.sendErrors),
		RTPPacketsSent:   rtpStats.PacketsSent,
		BytesSent:        rtpStats.BytesSent,
		CurrentSeqNum:    rtpStats.CurrentSeq,
		CurrentTimestamp: rtpStats.CurrentTS,
	}
}

// IsRunning returns whether the streamer is running
func (s *Streamer) IsRunning() bool {
	return s.isRunning.Load()
}

func (s *Streamer) setDestination(addr *net.UDPAddr) {
	s.addrMu.Lock()
	s.destAddr = addr
	s.addrMu.Unlock()
}

func (s *Streamer) destination() *net.UDPAddr {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return s.destAddr
}

// UpdateDestination updates the destination address dynamically
func (s *Streamer) UpdateDestination(host string, port int) error {
	destAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return fmt.Errorf("failed to resolve new destination: %w", err)
	}

	s.setDestination(destAddr)
	s.logger.Info("Updated destination address", zap.String("new_dest", destAddr.String()))
	return nil
}

// GetDestination returns current destination address
func (s *Streamer) GetDestination() string {
	if addr := s.destination(); addr != nil {
		return addr.String()
	}
	return ""
}

// MonitorStats starts a goroutine to log statistics periodically
func (s *Streamer) MonitorStats(interval time.Duration) {
	if !s.isRunning.Load() || interval <= 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		lastStats := s.GetStats()
		lastTime := time.Now()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				currentStats := s.GetStats()
				now := time.Now()
				elapsed := now.Sub(lastTime).Seconds()

				frameRate := float64(currentStats.FramesSent-lastStats.FramesSent) / elapsed
				bitrate := float64(currentStats.BytesSent-lastStats.BytesSent) * 8 / elapsed / 1000 // kbps

				s.logger.Info("RTP/JPEG streaming stats",
					zap.Float64("fps", frameRate),
					zap.Float64("bitrate_kbps", bitrate),
					zap.Uint64("total_frames", currentStats.FramesSent),
					zap.Uint64("dropped_frames", currentStats.FramesDropped),
					zap.Uint64("errors", currentStats.SendErrors),
					zap.Uint64("rtp_packets", currentStats.RTPPacketsSent))

				lastStats = currentStats
				lastTime = now
			}
		}
	}()
}
