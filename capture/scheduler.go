// Package capture cycles device buffers through capture requests and turns
// completed frames into display frames.
//
// The device completes requests on its own goroutine and calls OnCompletion,
// which only records the completion and wakes the consumer. Everything else,
// conversion and resubmission included, runs on the single consumer goroutine
// started with Run. Viewers pull the latest frame with View.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pi-frame-capture/pixel"
)

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// Camera labels logs and metrics.
	Camera  string
	Metrics *Metrics
}

type stream struct {
	spec      StreamSpec
	conv      pixel.Converter
	releasing atomic.Bool

	// mu guards the display state below. The consumer holds it for writing
	// only while publishing a frame; View holds it for reading.
	mu        sync.RWMutex
	scratch   pixel.Scratch
	held      BufferID
	hasHeld   bool
	hasFrame  bool
	sequence  uint32
	timestamp time.Time

	completed        atomic.Uint64
	converted        atomic.Uint64
	cancelled        atomic.Uint64
	submitFailures   atomic.Uint64
	starvation       atomic.Uint64
	conversionErrors atomic.Uint64
}

// Scheduler arms requests, collects completions and publishes frames for one
// device.
type Scheduler struct {
	camera  string
	device  Device
	pool    *BufferPool
	queue   *RequestQueue
	logger  *zap.Logger
	metrics *Metrics

	mu      sync.RWMutex
	streams map[StreamID]*stream
	started bool

	wake    chan struct{}
	drainMu sync.Mutex

	drainedMu sync.Mutex
	drained   chan struct{}

	unknownCompletions atomic.Uint64
}

// NewScheduler creates a scheduler for device. Streams are added with AddStream.
func NewScheduler(device Device, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Scheduler{
		camera:  cfg.Camera,
		device:  device,
		pool:    NewBufferPool(device, logger),
		queue:   NewRequestQueue(),
		logger:  logger,
		metrics: metrics,
		streams: make(map[StreamID]*stream),
		wake:    make(chan struct{}, 1),
		drained: make(chan struct{}),
	}
}

// Pool exposes the scheduler's buffer pool.
func (s *Scheduler) Pool() *BufferPool {
	return s.pool
}

// AddStream negotiates the stream's format, picks its conversion strategy,
// allocates its buffers and adds its requests. Configuration errors are
// returned before any buffer is allocated.
func (s *Scheduler) AddStream(spec StreamSpec) (StreamSpec, error) {
	if spec.RequestCount <= 0 {
		spec.RequestCount = spec.BufferCount
	}

	s.mu.RLock()
	_, exists := s.streams[spec.ID]
	s.mu.RUnlock()
	if exists {
		return spec, streamErr(spec.ID, "add", ErrAlreadyAllocated)
	}

	spec, conv, err := s.negotiate(spec)
	if err != nil {
		return spec, streamErr(spec.ID, "configure", err)
	}
	// A passthrough stream holds one buffer for display and needs another
	// to keep capturing.
	if conv.Kind() == pixel.KindPassthrough && spec.BufferCount < 2 {
		return spec, streamErr(spec.ID, "configure",
			fmt.Errorf("%w: passthrough needs at least 2 buffers, got %d", ErrConfigurationUnsupported, spec.BufferCount))
	}

	if err := s.pool.Allocate(spec, spec.BufferCount); err != nil {
		return spec, err
	}
	s.queue.Grow(spec.RequestCount)

	st := &stream{spec: spec, conv: conv}
	s.mu.Lock()
	s.streams[spec.ID] = st
	started := s.started
	s.mu.Unlock()

	s.logger.Info("Stream configured",
		zap.String("camera", s.camera),
		zap.String("stream", spec.Name),
		zap.Int("width", spec.Width),
		zap.Int("height", spec.Height),
		zap.Stringer("device_format", spec.Format),
		zap.Stringer("display_format", spec.DisplayFormat),
		zap.Stringer("strategy", conv.Kind()),
		zap.Int("buffers", len(s.pool.Buffers(spec.ID))),
		zap.Int("requests", spec.RequestCount))

	if started {
		s.replenish(st)
	}
	s.updateGauges(st)
	return spec, nil
}

func (s *Scheduler) negotiate(spec StreamSpec) (StreamSpec, pixel.Converter, error) {
	cfg, ok := s.device.(Configurer)
	if !ok {
		conv, err := pixel.Select(spec.Format, spec.DisplayFormat)
		return spec, conv, err
	}

	format, _, err := pixel.Negotiate(cfg.Formats(spec), spec.DisplayFormat)
	if err != nil {
		return spec, nil, err
	}
	spec.Format = format

	applied, err := cfg.Configure(spec)
	if err != nil {
		return spec, nil, fmt.Errorf("device rejected %s: %w", spec, err)
	}
	// The device may move the geometry or the format; the strategy follows
	// whatever it settled on.
	conv, err := pixel.Select(applied.Format, applied.DisplayFormat)
	return applied, conv, err
}

// Start starts the device and arms every free buffer.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	if err := s.device.Start(s.OnCompletion); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to start device: %w", err)
	}
	s.started = true
	streams := s.snapshot()
	s.mu.Unlock()

	for _, st := range streams {
		s.replenish(st)
	}
	return nil
}

// snapshot copies the stream table. Callers hold s.mu.
func (s *Scheduler) snapshot() []*stream {
	out := make([]*stream, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, st)
	}
	return out
}

func (s *Scheduler) lookup(id StreamID) (*stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[id]
	if !ok {
		return nil, streamErr(id, "lookup", ErrUnknownStream)
	}
	return st, nil
}

// Arm binds the stream's oldest free buffer to a spare request and submits it.
func (s *Scheduler) Arm(id StreamID) error {
	st, err := s.lookup(id)
	if err != nil {
		return err
	}
	if st.releasing.Load() {
		return streamErr(id, "arm", ErrStreamBusy)
	}
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		return streamErr(id, "arm", ErrNotStarted)
	}

	buf, err := s.pool.takeFree(id)
	if err != nil {
		return streamErr(id, "arm", err)
	}
	req, err := s.queue.Acquire(id, buf)
	if err != nil {
		s.pool.putFree(buf)
		return streamErr(id, "arm", err)
	}
	return s.submit(st, req, buf)
}

func (s *Scheduler) submit(st *stream, req RequestID, buf BufferID) error {
	id := st.spec.ID
	fb, err := s.pool.FrameBuffer(buf)
	if err == nil {
		err = s.device.Submit(Submission{Request: req, Stream: id, Buffer: buf, FrameBuffer: fb})
	}
	if err == nil {
		return nil
	}

	s.queue.Abort(req)
	s.pool.putFree(buf)
	st.submitFailures.Add(1)
	s.metrics.submitFailures.WithLabelValues(s.camera, st.spec.Name).Inc()
	s.logger.Warn("Request submission failed",
		zap.String("camera", s.camera),
		zap.String("stream", st.spec.Name),
		zap.Int("buffer", int(buf)),
		zap.Error(err))
	return streamErr(id, "submit", fmt.Errorf("%w: %w", ErrSubmitFailed, err))
}

// Rearm resubmits a drained buffer. With no spare request the buffer is parked
// on the free list and the starvation counter goes up; the replenish pass at
// the end of the next drain picks it up again.
func (s *Scheduler) Rearm(buf BufferID, id StreamID) error {
	st, err := s.lookup(id)
	if err != nil {
		return err
	}
	if st.releasing.Load() {
		return s.park(buf)
	}

	if err := s.pool.transition(buf, BufferDone, BufferQueued); err != nil {
		return streamErr(id, "rearm", err)
	}
	req, err := s.queue.Acquire(id, buf)
	if err != nil {
		s.pool.putFree(buf)
		st.starvation.Add(1)
		s.metrics.starvation.WithLabelValues(s.camera, st.spec.Name).Inc()
		s.logger.Warn("No spare request, buffer parked",
			zap.String("camera", s.camera),
			zap.String("stream", st.spec.Name),
			zap.Int("buffer", int(buf)))
		return streamErr(id, "rearm", err)
	}
	return s.submit(st, req, buf)
}

func (s *Scheduler) park(buf BufferID) error {
	if err := s.pool.putFree(buf); err != nil {
		return fmt.Errorf("failed to park buffer %d: %w", buf, err)
	}
	return nil
}

// OnCompletion is the device's completion handler. It records the result,
// queues the request for the consumer and returns without blocking.
func (s *Scheduler) OnCompletion(c Completion) {
	req, err := s.queue.Complete(c)
	if err != nil {
		s.unknownCompletions.Add(1)
		s.logger.Warn("Ignoring completion", zap.String("camera", s.camera), zap.Error(err))
		return
	}
	// The buffer is marked done before the request becomes visible, so the
	// consumer never sees a done request whose buffer is still in flight.
	if err := s.pool.transition(req.Buffer, BufferQueued, BufferDone); err != nil {
		s.logger.Warn("Completed buffer was not in flight", zap.String("camera", s.camera), zap.Error(err))
	}
	s.queue.PushDone(req.ID)

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drains completions until ctx is done. Only one Run may be active.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
			s.Drain()
		}
	}
}

// Drain dispatches every completed request in arrival order, then re-arms any
// buffers left on the free lists. It returns the number of requests handled.
func (s *Scheduler) Drain() int {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	n := 0
	for {
		req, ok := s.queue.PopDone()
		if !ok {
			break
		}
		s.dispatch(req)
		n++
	}

	s.mu.RLock()
	streams := s.snapshot()
	s.mu.RUnlock()
	for _, st := range streams {
		s.replenish(st)
		s.updateGauges(st)
	}

	s.broadcastDrained()
	return n
}

// disposition says what happens to a buffer once its frame is dispatched.
type disposition int

const (
	rearmBuffer disposition = iota
	parkBuffer
	holdBuffer
)

func (s *Scheduler) dispatch(req Request) {
	st, err := s.lookup(req.Stream)
	if err != nil {
		s.logger.Error("Completed request for unknown stream", zap.Int("stream", int(req.Stream)))
		s.queue.Recycle(req.ID)
		return
	}

	var next disposition
	switch {
	case req.Status == StatusCancelled:
		st.cancelled.Add(1)
		s.metrics.framesCancelled.WithLabelValues(s.camera, st.spec.Name).Inc()
		next = parkBuffer
	case st.releasing.Load():
		st.completed.Add(1)
		next = parkBuffer
	default:
		st.completed.Add(1)
		s.metrics.framesCompleted.WithLabelValues(s.camera, st.spec.Name).Inc()
		next = s.publish(st, req)
	}

	if err := s.queue.Recycle(req.ID); err != nil {
		s.logger.Error("Failed to recycle request", zap.Int("request", int(req.ID)), zap.Error(err))
	}

	switch next {
	case parkBuffer:
		if err := s.park(req.Buffer); err != nil {
			s.logger.Error("Failed to return buffer", zap.Error(err))
		}
	case rearmBuffer:
		s.rearmQuietly(st, req.Buffer)
	}
}

// rearmQuietly re-arms after dispatch. Starvation and submit failures are
// already logged and counted by Rearm.
func (s *Scheduler) rearmQuietly(st *stream, buf BufferID) {
	err := s.Rearm(buf, st.spec.ID)
	if err != nil && !errors.Is(err, ErrNoSpareRequest) && !errors.Is(err, ErrSubmitFailed) {
		s.logger.Error("Rearm failed", zap.String("stream", st.spec.Name), zap.Int("buffer", int(buf)), zap.Error(err))
	}
}

// publish makes req's frame the stream's display frame. A converting stream
// hands its buffer straight back; a passthrough stream keeps it for display
// and gives back the one it held before.
func (s *Scheduler) publish(st *stream, req Request) disposition {
	img, err := s.pool.Image(req.Buffer)
	if err != nil {
		s.conversionFailed(st, req, err)
		return rearmBuffer
	}
	src := img.Plane(0)
	if req.BytesUsed > 0 && req.BytesUsed < len(src) {
		src = src[:req.BytesUsed]
	}
	w, h := st.spec.Width, st.spec.Height

	if pt, ok := st.conv.(pixel.Passthrough); ok {
		if _, err := pt.View(src, w, h); err != nil {
			s.conversionFailed(st, req, err)
			return rearmBuffer
		}

		st.mu.Lock()
		if st.releasing.Load() {
			st.mu.Unlock()
			return parkBuffer
		}
		prev, hadPrev := st.held, st.hasHeld
		st.held, st.hasHeld = req.Buffer, true
		st.setFrame(req)
		st.mu.Unlock()

		s.frameConverted(st)
		if hadPrev {
			s.rearmQuietly(st, prev)
		}
		return holdBuffer
	}

	// Only the consumer touches the back buffer, so the conversion runs
	// without the display lock.
	dst := st.scratch.Back(st.conv.OutputSize(w, h))
	if err := st.conv.Convert(dst, src, w, h); err != nil {
		s.conversionFailed(st, req, err)
		return rearmBuffer
	}

	st.mu.Lock()
	st.scratch.Swap()
	st.setFrame(req)
	st.mu.Unlock()

	s.frameConverted(st)
	return rearmBuffer
}

func (st *stream) setFrame(req Request) {
	st.hasFrame = true
	st.sequence = req.Sequence
	st.timestamp = req.Timestamp
}

func (s *Scheduler) frameConverted(st *stream) {
	st.converted.Add(1)
	s.metrics.framesConverted.WithLabelValues(s.camera, st.spec.Name).Inc()
}

func (s *Scheduler) conversionFailed(st *stream, req Request, err error) {
	st.conversionErrors.Add(1)
	s.metrics.conversionErrors.WithLabelValues(s.camera, st.spec.Name).Inc()
	s.logger.Error("Frame conversion failed",
		zap.String("camera", s.camera),
		zap.String("stream", st.spec.Name),
		zap.Uint32("sequence", req.Sequence),
		zap.Int("bytes_used", req.BytesUsed),
		zap.Error(err))
}

// replenish tries once to arm every buffer on the stream's free list. It
// stops early when requests or buffers run out; a buffer the device refused
// goes back on the list for the next pass.
func (s *Scheduler) replenish(st *stream) {
	if st.releasing.Load() {
		return
	}
	a, err := s.pool.Accounting(st.spec.ID)
	if err != nil {
		return
	}
	for i := 0; i < a.Free; i++ {
		if s.queue.Spare() == 0 {
			return
		}
		err := s.Arm(st.spec.ID)
		if errors.Is(err, ErrNoSpareRequest) || errors.Is(err, ErrNoFreeBuffer) || errors.Is(err, ErrStreamBusy) || errors.Is(err, ErrUnknownStream) {
			return
		}
	}
}

func (s *Scheduler) updateGauges(st *stream) {
	a, err := s.pool.Accounting(st.spec.ID)
	if err != nil {
		return
	}
	s.metrics.setBuffers(s.camera, st.spec.Name, a)
}

func (s *Scheduler) drainedSignal() <-chan struct{} {
	s.drainedMu.Lock()
	defer s.drainedMu.Unlock()
	return s.drained
}

func (s *Scheduler) broadcastDrained() {
	s.drainedMu.Lock()
	close(s.drained)
	s.drained = make(chan struct{})
	s.drainedMu.Unlock()
}

// View calls fn with the stream's latest display frame. The frame's pixels
// stay valid, and unchanged, until fn returns.
func (s *Scheduler) View(id StreamID, fn func(Frame) error) error {
	st, err := s.lookup(id)
	if err != nil {
		return err
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	if !st.hasFrame {
		return streamErr(id, "view", ErrNoFrame)
	}

	var pix []byte
	if pt, ok := st.conv.(pixel.Passthrough); ok {
		if !st.hasHeld {
			return streamErr(id, "view", ErrNoFrame)
		}
		img, err := s.pool.Image(st.held)
		if err != nil {
			return streamErr(id, "view", err)
		}
		if pix, err = pt.View(img.Plane(0), st.spec.Width, st.spec.Height); err != nil {
			return streamErr(id, "view", err)
		}
	} else {
		pix = st.scratch.Front()
	}

	return fn(Frame{
		Stream:    id,
		Width:     st.spec.Width,
		Height:    st.spec.Height,
		Format:    st.conv.Target(),
		Pixels:    pix,
		Sequence:  st.sequence,
		Timestamp: st.timestamp,
	})
}

// Release stops arming the stream, cancels its queued requests where the
// device allows it and waits for every buffer to come back before unmapping.
// The consumer must be running. If ctx ends first ErrReleaseTimeout is
// returned, nothing is unmapped and Release may be called again.
func (s *Scheduler) Release(ctx context.Context, id StreamID) error {
	st, err := s.lookup(id)
	if err != nil {
		return err
	}
	st.releasing.Store(true)

	st.mu.Lock()
	held, hasHeld := st.held, st.hasHeld
	st.hasHeld, st.hasFrame = false, false
	st.scratch.Reset()
	st.mu.Unlock()
	if hasHeld {
		if err := s.park(held); err != nil {
			return streamErr(id, "release", err)
		}
	}

	if c, ok := s.device.(Canceller); ok {
		if err := c.Cancel(id); err != nil {
			s.logger.Warn("Device could not cancel requests",
				zap.String("camera", s.camera),
				zap.String("stream", st.spec.Name),
				zap.Error(err))
		}
	}

	for {
		drained := s.drainedSignal()
		a, err := s.pool.Accounting(id)
		if err != nil {
			return err
		}
		if a.InFlight == 0 && a.Done == 0 {
			break
		}
		select {
		case <-drained:
		case <-ctx.Done():
			return streamErr(id, "release", fmt.Errorf("%w: %d in flight, %d done", ErrReleaseTimeout, a.InFlight, a.Done))
		}
	}

	if err := s.pool.Release(id); err != nil {
		return err
	}
	s.queue.Shrink(st.spec.RequestCount)

	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
	s.metrics.forget(s.camera, st.spec.Name)

	s.logger.Info("Stream released", zap.String("camera", s.camera), zap.String("stream", st.spec.Name))
	return nil
}

// Close releases every stream and stops the device.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.RLock()
	ids := make([]StreamID, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := s.Release(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if started {
		if err := s.device.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop device: %w", err))
		}
	}
	return errors.Join(errs...)
}
