// Package sim is a capture device that renders moving colour bars. It runs a
// frame clock on its own goroutine and completes queued requests the way a
// camera driver would, which makes it usable both as a stand-in camera and as
// a test double with failure injection.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"pi-frame-capture/capture"
	"pi-frame-capture/pixel"
)

// Config configures a simulated device.
type Config struct {
	FPS int
	// Formats lists what the device offers, in preference order.
	Formats []pixel.Format
	// Manual disables the frame clock; frames are produced by Step.
	Manual bool
}

// DefaultFormats is offered when Config.Formats is empty.
var DefaultFormats = []pixel.Format{pixel.FormatYUYV, pixel.FormatRGB888, pixel.FormatXRGB8888}

var (
	ErrNotRunning      = errors.New("device not running")
	ErrAlreadyRunning  = errors.New("device already running")
	ErrInjectedFailure = errors.New("injected failure")
)

type simStream struct {
	spec   capture.StreamSpec
	memory [][]byte
}

// Device is a simulated camera.
type Device struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	handler  capture.CompletionHandler
	streams  map[capture.StreamID]*simStream
	queue    []capture.Submission
	running  bool
	sequence uint32

	stalled      bool
	failAllocate bool
	failSubmits  int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a simulated device.
func New(cfg Config, logger *zap.Logger) *Device {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if len(cfg.Formats) == 0 {
		cfg.Formats = DefaultFormats
	}
	return &Device{
		cfg:     cfg,
		logger:  logger,
		streams: make(map[capture.StreamID]*simStream),
	}
}

// Formats implements capture.Configurer.
func (d *Device) Formats(capture.StreamSpec) []pixel.Format {
	return append([]pixel.Format(nil), d.cfg.Formats...)
}

// Configure implements capture.Configurer. YUYV frames are rounded down to an
// even width so every line holds whole pixel pairs.
func (d *Device) Configure(spec capture.StreamSpec) (capture.StreamSpec, error) {
	if spec.Width <= 0 || spec.Height <= 0 {
		return spec, fmt.Errorf("invalid geometry %dx%d", spec.Width, spec.Height)
	}
	supported := false
	for _, f := range d.cfg.Formats {
		if f == spec.Format {
			supported = true
			break
		}
	}
	if !supported {
		return spec, fmt.Errorf("format %s not offered", spec.Format)
	}
	if spec.Format == pixel.FormatYUYV && spec.Width%2 == 1 {
		spec.Width--
		if spec.Width == 0 {
			return spec, fmt.Errorf("width too small for %s", spec.Format)
		}
	}
	if spec.FPS <= 0 {
		spec.FPS = d.cfg.FPS
	}

	d.mu.Lock()
	d.streams[spec.ID] = &simStream{spec: spec}
	d.mu.Unlock()
	return spec, nil
}

// AllocateBuffers implements capture.Device.
func (d *Device) AllocateBuffers(spec capture.StreamSpec, count int) ([]capture.FrameBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failAllocate {
		return nil, fmt.Errorf("allocate %d buffers: %w", count, ErrInjectedFailure)
	}
	st, ok := d.streams[spec.ID]
	if !ok {
		st = &simStream{spec: spec}
		d.streams[spec.ID] = st
	}
	if len(st.memory) > 0 {
		return nil, fmt.Errorf("stream %d already has buffers", spec.ID)
	}

	size := spec.Format.FrameSize(spec.Width, spec.Height)
	if size <= 0 {
		return nil, fmt.Errorf("cannot size %s frames", spec.Format)
	}
	st.spec = spec
	st.memory = make([][]byte, count)
	bufs := make([]capture.FrameBuffer, count)
	for i := range bufs {
		st.memory[i] = make([]byte, size)
		bufs[i] = capture.FrameBuffer{
			Stream: spec.ID,
			Index:  i,
			Planes: []capture.Plane{{Offset: uint32(i * size), Length: uint32(size)}},
		}
	}
	return bufs, nil
}

// MapBuffer implements capture.Device.
func (d *Device) MapBuffer(buf capture.FrameBuffer) ([][]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.streams[buf.Stream]
	if !ok || buf.Index < 0 || buf.Index >= len(st.memory) {
		return nil, fmt.Errorf("no buffer %d on stream %d", buf.Index, buf.Stream)
	}
	return [][]byte{st.memory[buf.Index]}, nil
}

// UnmapBuffer implements capture.Device. Simulated memory is reclaimed by FreeBuffers.
func (d *Device) UnmapBuffer(capture.FrameBuffer, [][]byte) error {
	return nil
}

// FreeBuffers implements capture.Device.
func (d *Device) FreeBuffers(stream capture.StreamID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, sub := range d.queue {
		if sub.Stream == stream {
			return fmt.Errorf("stream %d has queued buffers", stream)
		}
	}
	delete(d.streams, stream)
	return nil
}

// Submit implements capture.Device.
func (d *Device) Submit(sub capture.Submission) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return ErrNotRunning
	}
	if d.failSubmits > 0 {
		d.failSubmits--
		return fmt.Errorf("queue buffer %d: %w", sub.FrameBuffer.Index, ErrInjectedFailure)
	}
	if _, ok := d.streams[sub.Stream]; !ok {
		return fmt.Errorf("unknown stream %d", sub.Stream)
	}
	d.queue = append(d.queue, sub)
	return nil
}

// Start implements capture.Device.
func (d *Device) Start(handler capture.CompletionHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return ErrAlreadyRunning
	}
	d.handler = handler
	d.running = true

	if !d.cfg.Manual {
		ctx, cancel := context.WithCancel(context.Background())
		d.cancel = cancel
		d.wg.Add(1)
		go d.clock(ctx)
	}
	d.logger.Info("Simulated device started", zap.Int("fps", d.cfg.FPS), zap.Bool("manual", d.cfg.Manual))
	return nil
}

// Stop halts the frame clock and completes whatever is still queued as cancelled.
func (d *Device) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()

	d.cancelWhere(func(capture.Submission) bool { return true })
	d.logger.Info("Simulated device stopped")
	return nil
}

// Cancel implements capture.Canceller.
func (d *Device) Cancel(stream capture.StreamID) error {
	d.cancelWhere(func(sub capture.Submission) bool { return sub.Stream == stream })
	return nil
}

func (d *Device) cancelWhere(match func(capture.Submission) bool) {
	d.mu.Lock()
	var cancelled []capture.Submission
	kept := d.queue[:0]
	for _, sub := range d.queue {
		if match(sub) {
			cancelled = append(cancelled, sub)
		} else {
			kept = append(kept, sub)
		}
	}
	d.queue = kept
	handler := d.handler
	d.mu.Unlock()

	if handler == nil {
		return
	}
	for _, sub := range cancelled {
		handler(capture.Completion{
			Request:   sub.Request,
			Status:    capture.StatusCancelled,
			Timestamp: time.Now(),
		})
	}
}

func (d *Device) clock(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(d.cfg.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Step()
		}
	}
}

// Step completes the oldest queued request of every stream with a fresh
// frame. It returns the number of frames produced.
func (d *Device) Step() int {
	d.mu.Lock()
	if !d.running || d.stalled {
		d.mu.Unlock()
		return 0
	}

	var ready []capture.Submission
	seen := make(map[capture.StreamID]bool)
	kept := d.queue[:0]
	for _, sub := range d.queue {
		if !seen[sub.Stream] {
			seen[sub.Stream] = true
			ready = append(ready, sub)
			continue
		}
		kept = append(kept, sub)
	}
	d.queue = kept

	completions := make([]capture.Completion, 0, len(ready))
	for _, sub := range ready {
		d.sequence++
		st := d.streams[sub.Stream]
		mem := st.memory[sub.FrameBuffer.Index]
		renderBars(mem, st.spec.Format, st.spec.Width, st.spec.Height, int(d.sequence))
		completions = append(completions, capture.Completion{
			Request:   sub.Request,
			Status:    capture.StatusComplete,
			Sequence:  d.sequence,
			Timestamp: time.Now(),
			BytesUsed: len(mem),
		})
	}
	handler := d.handler
	d.mu.Unlock()

	for _, c := range completions {
		handler(c)
	}
	return len(completions)
}

// SetStalled stops or resumes frame production without touching the queue.
func (d *Device) SetStalled(stalled bool) {
	d.mu.Lock()
	d.stalled = stalled
	d.mu.Unlock()
}

// FailAllocation makes AllocateBuffers fail until cleared.
func (d *Device) FailAllocation(fail bool) {
	d.mu.Lock()
	d.failAllocate = fail
	d.mu.Unlock()
}

// FailSubmits makes the next n calls to Submit fail.
func (d *Device) FailSubmits(n int) {
	d.mu.Lock()
	d.failSubmits = n
	d.mu.Unlock()
}

// Queued returns the number of submissions waiting for a frame.
func (d *Device) Queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}
