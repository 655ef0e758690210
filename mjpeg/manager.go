package mjpeg

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"pi-frame-capture/config"
)

// CameraInstance is the RTP/JPEG output of one camera
type CameraInstance struct {
	ID       string
	Capture  *Capture
	Streamer *Streamer
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// Manager sends every configured camera's display frames as RTP/JPEG
type Manager struct {
	config  *config.Config
	source  FrameSource
	logger  *zap.Logger
	cameras map[string]*CameraInstance
	order   []string
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewManager creates a new RTP/JPEG manager pulling frames from source
func NewManager(cfg *config.Config, source FrameSource, logger *zap.Logger) *Manager {
	return &Manager{
		config:  cfg,
		source:  source,
		logger:  logger,
		cameras: make(map[string]*CameraInstance),
	}
}

// Start starts one RTP output per configured camera. Camera N sends to
// base_port + 2N with SSRC ssrc_base + N.
func (m *Manager) Start(ctx context.Context) error {
	if !m.config.RTP.Enabled {
		m.logger.Info("RTP/JPEG output disabled in config")
		return nil
	}

	m.logger.Info("Starting RTP/JPEG manager")
	m.ctx, m.cancel = context.WithCancel(ctx)

	for i, cam := range m.config.Cameras {
		port := m.config.RTP.BasePort + 2*i
		ssrc := m.config.RTP.SSRCBase + uint32(i)
		if err := m.startCamera(cam.ID, port, ssrc); err != nil {
			m.logger.Error("Failed to start RTP/JPEG output", zap.String("camera", cam.ID), zap.Error(err))
			continue
		}
	}

	m.logger.Info("RTP/JPEG manager started",
		zap.Int("active_cameras", len(m.GetCameraList())))

	return nil
}

// startCamera wires a frame puller to a streamer for one camera
func (m *Manager) startCamera(cameraID string, port int, ssrc uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.cameras[cameraID]; exists {
		return fmt.Errorf("camera %s already started", cameraID)
	}

	logger := m.logger.With(zap.String("camera", cameraID))
	logger.Info("Initializing RTP/JPEG output",
		zap.String("dest", fmt.Sprintf("%s:%d", m.config.RTP.DestHost, port)),
		zap.Uint32("ssrc", ssrc))

	capture, err := NewCapture(&CaptureConfig{
		CameraID:   cameraID,
		RepaintFPS: m.config.Display.RepaintFPS,
	}, m.source, logger)
	if err != nil {
		return fmt.Errorf("failed to create frame puller: %w", err)
	}

	streamer, err := NewStreamer(&StreamerConfig{
		DestHost: m.config.RTP.DestHost,
		DestPort: port,
		MTU:      m.config.RTP.MTU,
		DSCP:     m.config.RTP.DSCP,
		SSRC:     ssrc,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create streamer: %w", err)
	}

	camCtx, camCancel := context.WithCancel(m.ctx)
	instance := &CameraInstance{
		ID:       cameraID,
		Capture:  capture,
		Streamer: streamer,
		ctx:      camCtx,
		cancel:   camCancel,
		logger:   logger,
	}

	// Streamer first so no pulled frame finds it stopped
	if err := streamer.Start(camCtx); err != nil {
		camCancel()
		return fmt.Errorf("failed to start streamer: %w", err)
	}

	if err := capture.Start(camCtx); err != nil {
		streamer.Stop()
		camCancel()
		return fmt.Errorf("failed to start frame puller: %w", err)
	}

	instance.wg.Add(1)
	go m.frameForwardLoop(instance)

	if m.config.RTP.StatsInterval > 0 {
		streamer.MonitorStats(time.Duration(m.config.RTP.StatsInterval) * time.Second)
	}

	m.cameras[cameraID] = instance
	m.order = append(m.order, cameraID)
	logger.Info("RTP/JPEG output started")

	return nil
}

// frameForwardLoop forwards pulled frames to the streamer
func (m *Manager) frameForwardLoop(instance *CameraInstance) {
	defer instance.wg.Done()

	frameChan := instance.Capture.GetFrameChannel()
	frameCount := uint64(0)

	for {
		select {
		case <-instance.ctx.Done():
			return

		case frame := <-frameChan:
			if err := instance.Streamer.SendFrame(frame); err != nil {
				// Don't log every dropped frame to avoid spam
				if frameCount%30 == 0 {
					instance.logger.Debug("Frame send error", zap.Error(err))
				}
			}
			frameCount++
		}
	}
}

// Stop stops all RTP/JPEG outputs
func (m *Manager) Stop() error {
	m.logger.Info("Stopping RTP/JPEG manager")

	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	cameras := make([]*CameraInstance, 0, len(m.cameras))
	for _, cam := range m.cameras {
		cameras = append(cameras, cam)
	}
	m.cameras = make(map[string]*CameraInstance)
	m.order = nil
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, cam := range cameras {
		wg.Add(1)
		go func(c *CameraInstance) {
			defer wg.Done()
			m.stopCamera(c)
		}(cam)
	}
	wg.Wait()

	m.logger.Info("RTP/JPEG manager stopped")
	return nil
}

// stopCamera stops a single output
func (m *Manager) stopCamera(instance *CameraInstance) {
	if instance.cancel != nil {
		instance.cancel()
	}

	if err := instance.Capture.Stop(); err != nil {
		instance.logger.Error("Error stopping frame puller", zap.Error(err))
	}
	if err := instance.Streamer.Stop(); err != nil {
		instance.logger.Error("Error stopping streamer", zap.Error(err))
	}

	instance.wg.Wait()
}

// GetCamera returns a camera output by ID
func (m *Manager) GetCamera(cameraID string) (*CameraInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cam, exists := m.cameras[cameraID]
	if !exists {
		return nil, fmt.Errorf("camera %s not found", cameraID)
	}

	return cam, nil
}

// GetStats returns statistics for all outputs
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]interface{})
	stats["enabled"] = m.config.RTP.Enabled
	stats["active_cameras"] = len(m.cameras)

	cameras := make(map[string]interface{})
	for id, cam := range m.cameras {
		cameras[id] = map[string]interface{}{
			"capture":     cam.Capture.GetStats(),
			"streamer":    cam.Streamer.GetStats(),
			"destination": cam.Streamer.GetDestination(),
		}
	}
	stats["cameras"] = cameras

	return stats
}

// IsRunning returns whether any output is running
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cameras) > 0
}

// GetCameraList returns the active camera IDs in start order
func (m *Manager) GetCameraList() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}
