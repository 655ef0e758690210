package mjpeg

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pi-frame-capture/camera"
)

// FrameSource yields the latest encoded frame of a camera.
type FrameSource interface {
	Snapshot(cameraID string) (camera.Snapshot, error)
}

// CaptureConfig holds configuration for pulling frames from a camera
type CaptureConfig struct {
	CameraID   string
	RepaintFPS int
}

// Capture pulls a camera's display frame at the repaint rate and emits each
// new frame once. It never blocks the capture engine: the engine keeps only
// the latest frame, and frames the streamer cannot take are dropped here.
type Capture struct {
	config *CaptureConfig
	source FrameSource
	logger *zap.Logger

	frameChan chan Frame
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex

	isRunning      atomic.Bool
	framesCaptured uint64
	framesDropped  uint64
	framesRepeated uint64
	pullErrors     uint64
}

// CaptureStats holds frame puller statistics
type CaptureStats struct {
	FramesCaptured uint64 `json:"frames_captured"`
	FramesDropped  uint64 `json:"frames_dropped"`
	FramesRepeated uint64 `json:"frames_repeated"`
	PullErrors     uint64 `json:"pull_errors"`
	IsRunning      bool   `json:"running"`
}

// NewCapture creates a frame puller
func NewCapture(config *CaptureConfig, source FrameSource, logger *zap.Logger) (*Capture, error) {
	if config.RepaintFPS <= 0 {
		return nil, fmt.Errorf("invalid repaint rate %d", config.RepaintFPS)
	}
	if source == nil {
		return nil, fmt.Errorf("no frame source")
	}
	return &Capture{
		config:    config,
		source:    source,
		logger:    logger,
		frameChan: make(chan Frame, 2),
	}, nil
}

// Start begins pulling frames
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isRunning.Load() {
		return fmt.Errorf("capture already running")
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.isRunning.Store(true)

	c.wg.Add(1)
	go c.pullLoop(ctx)

	c.logger.Info("Frame puller started", zap.Int("repaint_fps", c.config.RepaintFPS))
	return nil
}

func (c *Capture) pullLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(c.config.RepaintFPS))
	defer ticker.Stop()

	var (
		last    uint32
		lastAt  time.Time
		pulled  bool
		errLogs uint64
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap, err := c.source.Snapshot(c.config.CameraID)
		if err != nil {
			n := atomic.AddUint64(&c.pullErrors, 1)
			if n-errLogs >= uint64(c.config.RepaintFPS)*10 || errLogs == 0 {
				c.logger.Debug("No frame available", zap.Error(err))
				errLogs = n
			}
			continue
		}
		if pulled && snap.Sequence == last && snap.Timestamp.Equal(lastAt) {
			atomic.AddUint64(&c.framesRepeated, 1)
			continue
		}
		pulled, last, lastAt = true, snap.Sequence, snap.Timestamp

		select {
		case c.frameChan <- Frame{JPEG: snap.JPEG, Timestamp: snap.Timestamp}:
			atomic.AddUint64(&c.framesCaptured, 1)
		default:
			atomic.AddUint64(&c.framesDropped, 1)
		}
	}
}

// Stop stops pulling frames
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isRunning.Load() {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	c.isRunning.Store(false)

	c.logger.Info("Frame puller stopped",
		zap.Uint64("frames_captured", atomic.LoadUint64(&c.framesCaptured)),
		zap.Uint64("frames_dropped", atomic.LoadUint64(&c.framesDropped)))
	return nil
}

// GetFrameChannel returns the channel of pulled frames
func (c *Capture) GetFrameChannel() <-chan Frame {
	return c.frameChan
}

// IsRunning returns whether the puller is running
func (c *Capture) IsRunning() bool {
	return c.isRunning.Load()
}

// GetStats returns puller statistics
func (c *Capture) GetStats() CaptureStats {
	return CaptureStats{
		FramesCaptured: atomic.LoadUint64(&c.framesCaptured),
		FramesDropped:  atomic.LoadUint64(&c.framesDropped),
		FramesRepeated: atomic.LoadUint64(&c.framesRepeated),
		PullErrors:     atomic.LoadUint64(&c.pullErrors),
		IsRunning:      c.isRunning.Load(),
	}
}
