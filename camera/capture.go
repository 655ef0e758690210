package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"pi-frame-capture/capture"
	"pi-frame-capture/config"
	"pi-frame-capture/pixel"
)

// Capture runs one device: its scheduler, the consumer goroutine that drains
// completions and the streams configured on it. A stopped Capture cannot be
// restarted; the manager builds a new one.
type Capture struct {
	id             string
	logger         *zap.Logger
	device         capture.Device
	closer         io.Closer
	scheduler      *capture.Scheduler
	streams        []capture.StreamSpec
	primary        capture.StreamID
	releaseTimeout time.Duration

	mu        sync.Mutex
	isRunning bool
	stopped   bool
	cancel    context.CancelFunc
	done      chan error
	startTime time.Time
}

// NewCapture opens the camera's device and configures every stream on it.
// Nothing is submitted until Start.
func NewCapture(cfg config.CameraConfig, captureCfg config.CaptureConfig, metrics *capture.Metrics, logger *zap.Logger) (*Capture, error) {
	device, closer, err := openDevice(cfg, captureCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open device: %w", err)
	}

	c := &Capture{
		id:             cfg.ID,
		logger:         logger,
		device:         device,
		closer:         closer,
		releaseTimeout: time.Duration(captureCfg.ReleaseTimeoutMS) * time.Millisecond,
		scheduler: capture.NewScheduler(device, capture.SchedulerConfig{
			Camera:  cfg.ID,
			Metrics: metrics,
		}, logger),
	}

	primary := -1
	for i, sc := range cfg.Streams {
		spec, err := streamSpec(capture.StreamID(i+1), sc)
		if err == nil {
			spec, err = c.scheduler.AddStream(spec)
		}
		if err != nil {
			c.teardown()
			return nil, fmt.Errorf("failed to configure stream %s: %w", sc.Name, err)
		}
		c.streams = append(c.streams, spec)
		if primary < 0 && spec.Role == capture.RoleViewfinder {
			primary = len(c.streams) - 1
		}
	}
	if len(c.streams) == 0 {
		c.teardown()
		return nil, errors.New("no streams configured")
	}
	if primary < 0 {
		primary = 0
	}
	c.primary = c.streams[primary].ID

	return c, nil
}

func streamSpec(id capture.StreamID, sc config.StreamConfig) (capture.StreamSpec, error) {
	format, err := pixel.ParseFormat(sc.Format)
	if err != nil {
		return capture.StreamSpec{}, err
	}
	target, err := pixel.ParseFormat(sc.DisplayFormat)
	if err != nil {
		return capture.StreamSpec{}, err
	}
	return capture.StreamSpec{
		ID:            id,
		Name:          sc.Name,
		Role:          capture.Role(sc.Role),
		Width:         sc.Width,
		Height:        sc.Height,
		FPS:           sc.FPS,
		Format:        format,
		DisplayFormat: target,
		BufferCount:   sc.BufferCount,
		RequestCount:  sc.RequestCount,
	}, nil
}

// teardown releases whatever NewCapture managed to set up. Nothing has been
// submitted yet, so releasing needs no consumer.
func (c *Capture) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.scheduler.Close(ctx); err != nil {
		c.logger.Warn("Failed to release streams", zap.Error(err))
	}
	if c.closer != nil {
		c.closer.Close()
	}
}

// Start begins streaming
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return errors.New("capture already stopped")
	}
	if c.isRunning {
		return errors.New("capture already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan error, 1)
	go func() {
		c.done <- c.scheduler.Run(ctx)
	}()

	if err := c.scheduler.Start(); err != nil {
		cancel()
		<-c.done
		return fmt.Errorf("failed to start device: %w", err)
	}

	c.isRunning = true
	c.startTime = time.Now()
	c.logger.Info("Capture started", zap.Int("streams", len(c.streams)))
	return nil
}

// Stop releases every stream, stops the device and ends the consumer. The
// consumer keeps running until the streams are released so that cancelled
// requests are drained.
func (c *Capture) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return nil
	}

	if c.releaseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.releaseTimeout)
		defer cancel()
	}

	err := c.scheduler.Close(ctx)
	if err != nil && errors.Is(err, capture.ErrReleaseTimeout) {
		// Buffers are still mapped; keep the consumer and device alive so a
		// later Stop can finish the release.
		return fmt.Errorf("failed to release streams: %w", err)
	}

	if c.isRunning {
		c.cancel()
		<-c.done
		c.isRunning = false
	}
	if c.closer != nil {
		if cerr := c.closer.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	c.stopped = true
	c.logger.Info("Capture stopped")
	return err
}

// IsRunning reports whether frames are flowing
func (c *Capture) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRunning
}

// Streams returns the negotiated stream specs.
func (c *Capture) Streams() []capture.StreamSpec {
	return append([]capture.StreamSpec(nil), c.streams...)
}

// Primary returns the stream shown to viewers.
func (c *Capture) Primary() capture.StreamID {
	return c.primary
}

// StreamByName resolves a configured stream name.
func (c *Capture) StreamByName(name string) (capture.StreamID, bool) {
	for _, s := range c.streams {
		if s.Name == name {
			return s.ID, true
		}
	}
	return 0, false
}

// View pulls the latest display frame of a stream.
func (c *Capture) View(id capture.StreamID, fn func(capture.Frame) error) error {
	return c.scheduler.View(id, fn)
}

// Stats returns the scheduler counters.
func (c *Capture) Stats() capture.Stats {
	return c.scheduler.Stats()
}

// Uptime returns how long the capture has been running.
func (c *Capture) Uptime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isRunning {
		return 0
	}
	return time.Since(c.startTime)
}
