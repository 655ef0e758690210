package camera

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"pi-frame-capture/capture"
	"pi-frame-capture/config"
)

var (
	// ErrNotRunning is returned when frames are requested from a stopped camera.
	ErrNotRunning = errors.New("camera not running")
	// ErrNotFound is returned for camera ids missing from the configuration.
	ErrNotFound = errors.New("camera not found")
)

// Manager handles camera lifecycle management
type Manager struct {
	config  *config.Config
	logger  *zap.Logger
	metrics *capture.Metrics

	mu      sync.RWMutex
	cameras map[string]*Camera
	order   []string

	// initMutex keeps device opens sequential
	initMutex    sync.Mutex
	lastInitTime time.Time

	now func() time.Time
}

// Camera represents a single camera instance
type Camera struct {
	ID      string
	Config  config.CameraConfig
	Encoder *Encoder
	logger  *zap.Logger

	// mu guards Capture, which is replaced on every start.
	mu      sync.RWMutex
	Capture *Capture
}

// NewManager creates a camera manager for every configured camera. Metrics
// are registered on reg; a nil reg keeps them unregistered.
func NewManager(cfg *config.Config, reg prometheus.Registerer, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		config:  cfg,
		logger:  logger,
		metrics: capture.NewMetrics(reg),
		cameras: make(map[string]*Camera),
		now:     time.Now,
	}

	for _, cc := range cfg.Cameras {
		camLogger := logger.With(zap.String("camera", cc.ID))
		enc, err := NewEncoder(cfg.Display.JPEGQuality, cc.Orientation, camLogger)
		if err != nil {
			return nil, fmt.Errorf("camera %s: %w", cc.ID, err)
		}
		m.cameras[cc.ID] = &Camera{
			ID:      cc.ID,
			Config:  cc,
			Encoder: enc,
			logger:  camLogger,
		}
		m.order = append(m.order, cc.ID)
	}
	return m, nil
}

// StartCamera opens the camera's device, configures its streams and starts
// capturing.
func (m *Manager) StartCamera(cameraID string) error {
	camera, err := m.GetCamera(cameraID)
	if err != nil {
		return err
	}

	m.initMutex.Lock()
	defer m.initMutex.Unlock()

	camera.mu.Lock()
	defer camera.mu.Unlock()

	if camera.Capture != nil && camera.Capture.IsRunning() {
		return fmt.Errorf("camera %s is already running", cameraID)
	}

	// Space out device opens so drivers sharing a bus settle.
	if !m.lastInitTime.IsZero() {
		minDelay := time.Duration(m.config.Timeouts.CameraStartupDelay) * time.Millisecond
		if wait := minDelay - time.Since(m.lastInitTime); wait > 0 {
			camera.logger.Info("Waiting for camera startup delay", zap.Duration("wait_time", wait))
			time.Sleep(wait)
		}
	}
	m.lastInitTime = time.Now()

	camera.logger.Info("Starting camera",
		zap.String("backend", camera.Config.Backend),
		zap.String("device_path", camera.Config.Device),
		zap.Int("streams", len(camera.Config.Streams)))

	c, err := NewCapture(camera.Config, m.config.Capture, m.metrics, camera.logger)
	if err != nil {
		return fmt.Errorf("failed to create capture for camera %s: %w", cameraID, err)
	}
	if err := c.Start(); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c.Stop(stopCtx)
		return fmt.Errorf("failed to start capture for camera %s: %w", cameraID, err)
	}
	camera.Capture = c

	for _, s := range c.Streams() {
		camera.logger.Info("Stream ready",
			zap.String("stream", s.Name),
			zap.String("role", string(s.Role)),
			zap.Int("width", s.Width),
			zap.Int("height", s.Height),
			zap.String("format", s.Format.String()),
			zap.String("display_format", s.DisplayFormat.String()))
	}
	return nil
}

// StopCamera stops a camera and releases its buffers
func (m *Manager) StopCamera(ctx context.Context, cameraID string) error {
	camera, err := m.GetCamera(cameraID)
	if err != nil {
		return err
	}

	camera.mu.Lock()
	defer camera.mu.Unlock()

	if camera.Capture == nil {
		return nil // Already stopped
	}

	camera.logger.Info("Stopping camera")
	if err := camera.Capture.Stop(ctx); err != nil {
		if errors.Is(err, capture.ErrReleaseTimeout) {
			return fmt.Errorf("failed to stop camera %s: %w", cameraID, err)
		}
		camera.logger.Warn("Camera stopped with errors", zap.Error(err))
	}
	camera.Capture = nil
	camera.logger.Info("Camera stopped")
	return nil
}

// GetCamera returns a camera instance
func (m *Manager) GetCamera(cameraID string) (*Camera, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	camera, exists := m.cameras[cameraID]
	if !exists {
		return nil, fmt.Errorf("camera %s: %w", cameraID, ErrNotFound)
	}
	return camera, nil
}

// running returns the running capture of a camera.
func (c *Camera) running() (*Capture, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Capture == nil || !c.Capture.IsRunning() {
		return nil, fmt.Errorf("camera %s: %w", c.ID, ErrNotRunning)
	}
	return c.Capture, nil
}

// IsRunning reports whether the camera is capturing.
func (c *Camera) IsRunning() bool {
	_, err := c.running()
	return err == nil
}

// Snapshot encodes the camera's latest viewfinder frame.
func (c *Camera) Snapshot() (Snapshot, error) {
	capt, err := c.running()
	if err != nil {
		return Snapshot{}, err
	}
	return c.Encoder.Snapshot(capt, capt.Primary())
}

// Stats returns the scheduler counters of a running camera.
func (c *Camera) Stats() (capture.Stats, error) {
	capt, err := c.running()
	if err != nil {
		return capture.Stats{}, err
	}
	return capt.Stats(), nil
}

// Snapshot encodes the latest viewfinder frame of a camera.
func (m *Manager) Snapshot(cameraID string) (Snapshot, error) {
	camera, err := m.GetCamera(cameraID)
	if err != nil {
		return Snapshot{}, err
	}
	return camera.Snapshot()
}

// CaptureStill saves the latest frame of the camera's still stream, or its
// viewfinder when no still stream is configured, into the snapshot
// directory and returns the file path.
func (m *Manager) CaptureStill(cameraID string) (string, Snapshot, error) {
	camera, err := m.GetCamera(cameraID)
	if err != nil {
		return "", Snapshot{}, err
	}
	capt, err := camera.running()
	if err != nil {
		return "", Snapshot{}, err
	}

	id := capt.Primary()
	for _, s := range capt.Streams() {
		if s.Role == capture.RoleStill {
			id = s.ID
			break
		}
	}
	return camera.Encoder.SaveStill(capt, id, m.config.Display.SnapshotDir, m.now())
}

// SetOrientation changes the rotation applied to a camera's images.
func (m *Manager) SetOrientation(cameraID string, degrees int) error {
	camera, err := m.GetCamera(cameraID)
	if err != nil {
		return err
	}
	if err := camera.Encoder.SetOrientation(degrees); err != nil {
		return err
	}

	m.mu.Lock()
	for i := range m.config.Cameras {
		if m.config.Cameras[i].ID == cameraID {
			m.config.Cameras[i].Orientation = degrees
		}
	}
	m.mu.Unlock()
	return nil
}

// Close cleanly shuts down all cameras
func (m *Manager) Close(ctx context.Context) error {
	m.logger.Info("Shutting down camera manager")

	var errs []error
	for _, cameraID := range m.GetCameraList() {
		if err := m.StopCamera(ctx, cameraID); err != nil {
			m.logger.Error("Error stopping camera", zap.String("camera", cameraID), zap.Error(err))
			errs = append(errs, err)
		}
	}

	m.logger.Info("Camera manager shutdown complete")
	return errors.Join(errs...)
}

// GetCameraList returns the configured camera IDs in configuration order
func (m *Manager) GetCameraList() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// IsRunning checks if a camera is currently running
func (m *Manager) IsRunning(cameraID string) bool {
	camera, err := m.GetCamera(cameraID)
	if err != nil {
		return false
	}
	return camera.IsRunning()
}

// GetStatus returns status information for all cameras
func (m *Manager) GetStatus() map[string]interface{} {
	status := make(map[string]interface{})

	for _, id := range m.GetCameraList() {
		camera, err := m.GetCamera(id)
		if err != nil {
			continue
		}
		cameraStatus := map[string]interface{}{
			"id":          camera.ID,
			"backend":     camera.Config.Backend,
			"device_path": camera.Config.Device,
			"orientation": camera.Encoder.Orientation(),
			"running":     false,
		}

		if capt, err := camera.running(); err == nil {
			cameraStatus["running"] = true
			cameraStatus["uptime_seconds"] = int(capt.Uptime().Seconds())
			streams := make([]map[string]interface{}, 0)
			for _, s := range capt.Streams() {
				streams = append(streams, map[string]interface{}{
					"name":           s.Name,
					"role":           s.Role,
					"width":          s.Width,
					"height":         s.Height,
					"fps":            s.FPS,
					"format":         s.Format,
					"display_format": s.DisplayFormat,
				})
			}
			cameraStatus["streams"] = streams
		}

		status[id] = cameraStatus
	}

	return status
}

// GetStats returns scheduler and encoder statistics of every running camera.
func (m *Manager) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})
	for _, id := range m.GetCameraList() {
		camera, err := m.GetCamera(id)
		if err != nil {
			continue
		}
		s, err := camera.Stats()
		if err != nil {
			continue
		}
		stats[id] = map[string]interface{}{
			"capture": s,
			"encoder": camera.Encoder.GetStats(),
		}
	}
	return stats
}

// LogStats logs a stats line per running camera every interval until ctx ends.
func (m *Manager) LogStats(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ids := m.GetCameraList()
		sort.Strings(ids)
		for _, id := range ids {
			camera, err := m.GetCamera(id)
			if err != nil {
				continue
			}
			s, err := camera.Stats()
			if err != nil {
				continue
			}
			for _, st := range s.Streams {
				camera.logger.Info("Stream stats",
					zap.String("stream", st.Name),
					zap.Uint64("frames_completed", st.FramesCompleted),
					zap.Uint64("frames_converted", st.FramesConverted),
					zap.Uint64("frames_cancelled", st.FramesCancelled),
					zap.Uint64("submit_failures", st.SubmitFailures),
					zap.Uint64("request_starvation", st.Starvation),
					zap.Int("buffers_free", st.Buffers.Free),
					zap.Int("buffers_in_flight", st.Buffers.InFlight),
					zap.Int("buffers_done", st.Buffers.Done))
			}
		}
	}
}
