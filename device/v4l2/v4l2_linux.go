//go:build linux

// Package v4l2 drives a Video4Linux2 capture node with memory-mapped
// streaming I/O. A node carries exactly one stream.
package v4l2

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"pi-frame-capture/capture"
	"pi-frame-capture/pixel"
)

const pollInterval = 100 // ms

// ErrClosed is returned after Close.
var ErrClosed = errors.New("v4l2 device closed")

// Device is an opened V4L2 capture node.
type Device struct {
	path   string
	logger *zap.Logger

	mu        sync.Mutex
	fd        int
	stream    capture.StreamID
	hasStream bool
	spec      capture.StreamSpec
	nbuffers  int
	inflight  map[uint32]capture.Submission
	streaming bool
	handler   capture.CompletionHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open opens the node at path and checks that it supports streaming capture.
func Open(path string, logger *zap.Logger) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	var caps capability
	if err := ioctl(fd, vidiocQueryCap, unsafe.Pointer(&caps)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("VIDIOC_QUERYCAP on %s: %w", path, err)
	}
	c := caps.Capabilities
	if c&capDeviceCaps != 0 {
		c = caps.DeviceCaps
	}
	if c&capVideoCapture == 0 || c&capStreaming == 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("%s does not support streaming capture", path)
	}

	logger.Info("Opened V4L2 device",
		zap.String("path", path),
		zap.String("card", cString(caps.Card[:])),
		zap.String("driver", cString(caps.Driver[:])),
		zap.String("bus", cString(caps.BusInfo[:])))

	return &Device{
		path:     path,
		logger:   logger,
		fd:       fd,
		inflight: make(map[uint32]capture.Submission),
	}, nil
}

// Formats implements capture.Configurer by enumerating the node's formats.
func (d *Device) Formats(capture.StreamSpec) []pixel.Format {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []pixel.Format
	for i := uint32(0); ; i++ {
		desc := fmtDesc{Index: i, Type: bufTypeVideoCapture}
		if err := ioctl(d.fd, vidiocEnumFmt, unsafe.Pointer(&desc)); err != nil {
			break
		}
		if f, ok := fourccFormats[desc.PixelFormat]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Configure implements capture.Configurer. The driver may shrink or grow the
// frame; the returned spec carries what it picked.
func (d *Device) Configure(spec capture.StreamSpec) (capture.StreamSpec, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.hasStream && d.stream != spec.ID {
		return spec, fmt.Errorf("%s already carries stream %d", d.path, d.stream)
	}
	code, ok := formatFourCC(spec.Format)
	if !ok {
		return spec, fmt.Errorf("no V4L2 fourcc for %s", spec.Format)
	}

	f := format{Type: bufTypeVideoCapture}
	pix := f.pix()
	pix.Width = uint32(spec.Width)
	pix.Height = uint32(spec.Height)
	pix.PixelFormat = code
	pix.Field = fieldNone
	if err := ioctl(d.fd, vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return spec, fmt.Errorf("VIDIOC_S_FMT: %w", err)
	}
	if pix.PixelFormat != code {
		return spec, fmt.Errorf("driver switched format to 0x%08x", pix.PixelFormat)
	}

	spec.Width = int(pix.Width)
	spec.Height = int(pix.Height)
	if packed := spec.Format.FrameSize(spec.Width, 1); pix.BytesPerLine != 0 && int(pix.BytesPerLine) != packed {
		return spec, fmt.Errorf("driver pads lines to %d bytes, %d expected", pix.BytesPerLine, packed)
	}

	d.stream, d.hasStream, d.spec = spec.ID, true, spec
	return spec, nil
}

// AllocateBuffers implements capture.Device.
func (d *Device) AllocateBuffers(spec capture.StreamSpec, count int) ([]capture.FrameBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fd < 0 {
		return nil, ErrClosed
	}
	req := requestBuffers{Count: uint32(count), Type: bufTypeVideoCapture, Memory: memoryMMap}
	if err := ioctl(d.fd, vidiocReqBufs, unsafe.Pointer(&req)); err != nil {
		return nil, fmt.Errorf("VIDIOC_REQBUFS: %w", err)
	}
	d.nbuffers = int(req.Count)

	bufs := make([]capture.FrameBuffer, 0, req.Count)
	for i := uint32(0); i < req.Count; i++ {
		b := buffer{Index: i, Type: bufTypeVideoCapture, Memory: memoryMMap}
		if err := ioctl(d.fd, vidiocQueryBuf, unsafe.Pointer(&b)); err != nil {
			return nil, fmt.Errorf("VIDIOC_QUERYBUF %d: %w", i, err)
		}
		bufs = append(bufs, capture.FrameBuffer{
			Stream: spec.ID,
			Index:  int(i),
			Planes: []capture.Plane{{Offset: b.offset(), Length: b.Length}},
		})
	}
	return bufs, nil
}

// MapBuffer implements capture.Device.
func (d *Device) MapBuffer(buf capture.FrameBuffer) ([][]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	maps := make([][]byte, 0, len(buf.Planes))
	for _, p := range buf.Planes {
		data, err := unix.Mmap(d.fd, int64(p.Offset), int(p.Length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			for _, m := range maps {
				unix.Munmap(m)
			}
			return nil, fmt.Errorf("mmap buffer %d: %w", buf.Index, err)
		}
		maps = append(maps, data)
	}
	return maps, nil
}

// UnmapBuffer implements capture.Device.
func (d *Device) UnmapBuffer(_ capture.FrameBuffer, planes [][]byte) error {
	var errs []error
	for _, p := range planes {
		if err := unix.Munmap(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FreeBuffers implements capture.Device.
func (d *Device) FreeBuffers(capture.StreamID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fd < 0 {
		return nil
	}
	if len(d.inflight) > 0 {
		return fmt.Errorf("%d buffers still queued", len(d.inflight))
	}
	d.streamOff()
	req := requestBuffers{Count: 0, Type: bufTypeVideoCapture, Memory: memoryMMap}
	if err := ioctl(d.fd, vidiocReqBufs, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("VIDIOC_REQBUFS 0: %w", err)
	}
	d.nbuffers = 0
	d.hasStream = false
	return nil
}

// Submit implements capture.Device by queueing the buffer with the driver.
func (d *Device) Submit(sub capture.Submission) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fd < 0 {
		return ErrClosed
	}
	if d.handler == nil {
		return errors.New("device not started")
	}
	idx := uint32(sub.FrameBuffer.Index)
	if _, busy := d.inflight[idx]; busy {
		return fmt.Errorf("buffer %d already queued", idx)
	}

	b := buffer{Index: idx, Type: bufTypeVideoCapture, Memory: memoryMMap}
	if err := ioctl(d.fd, vidiocQBuf, unsafe.Pointer(&b)); err != nil {
		return fmt.Errorf("VIDIOC_QBUF %d: %w", idx, err)
	}
	d.inflight[idx] = sub

	if !d.streaming {
		typ := uint32(bufTypeVideoCapture)
		if err := ioctl(d.fd, vidiocStreamOn, unsafe.Pointer(&typ)); err != nil {
			// STREAMOFF hands the queued buffer back to the caller.
			delete(d.inflight, idx)
			if offErr := ioctl(d.fd, vidiocStreamOff, unsafe.Pointer(&typ)); offErr != nil {
				d.logger.Warn("VIDIOC_STREAMOFF failed", zap.String("path", d.path), zap.Error(offErr))
			}
			return fmt.Errorf("VIDIOC_STREAMON: %w", err)
		}
		d.streaming = true
	}
	return nil
}

// Start implements capture.Device. Completions are delivered from a
// goroutine that polls the node.
func (d *Device) Start(handler capture.CompletionHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fd < 0 {
		return ErrClosed
	}
	if d.handler != nil {
		return errors.New("device already started")
	}
	d.handler = handler

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go d.pollLoop(ctx)
	return nil
}

func (d *Device) pollLoop(ctx context.Context) {
	defer d.wg.Done()

	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := unix.Poll(fds, pollInterval)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			d.logger.Error("Poll failed", zap.String("path", d.path), zap.Error(err))
			return
		}
		if n == 0 {
			continue
		}

		c, ok := d.dequeue()
		if ok {
			d.handler(c)
		}
	}
}

// dequeue takes one filled buffer from the driver.
func (d *Device) dequeue() (capture.Completion, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.streaming {
		return capture.Completion{}, false
	}
	b := buffer{Type: bufTypeVideoCapture, Memory: memoryMMap}
	if err := ioctl(d.fd, vidiocDQBuf, unsafe.Pointer(&b)); err != nil {
		if !errors.Is(err, unix.EAGAIN) {
			d.logger.Warn("VIDIOC_DQBUF failed", zap.String("path", d.path), zap.Error(err))
		}
		return capture.Completion{}, false
	}

	sub, ok := d.inflight[b.Index]
	if !ok {
		d.logger.Warn("Driver returned a buffer that was not queued", zap.Uint32("index", b.Index))
		return capture.Completion{}, false
	}
	delete(d.inflight, b.Index)

	status := capture.StatusComplete
	if b.Flags&bufFlagError != 0 {
		status = capture.StatusCancelled
	}
	return capture.Completion{
		Request:   sub.Request,
		Status:    status,
		Sequence:  b.Sequence,
		Timestamp: time.Unix(int64(b.Timestamp.Sec), int64(b.Timestamp.Usec)*1000),
		BytesUsed: int(b.BytesUsed),
	}, true
}

// streamOff stops streaming; the driver drops every queued buffer. Callers
// hold d.mu.
func (d *Device) streamOff() []capture.Submission {
	if !d.streaming {
		return nil
	}
	typ := uint32(bufTypeVideoCapture)
	if err := ioctl(d.fd, vidiocStreamOff, unsafe.Pointer(&typ)); err != nil {
		d.logger.Warn("VIDIOC_STREAMOFF failed", zap.String("path", d.path), zap.Error(err))
	}
	d.streaming = false

	dropped := make([]capture.Submission, 0, len(d.inflight))
	for idx, sub := range d.inflight {
		dropped = append(dropped, sub)
		delete(d.inflight, idx)
	}
	return dropped
}

// Cancel implements capture.Canceller. Streaming restarts on the next Submit.
func (d *Device) Cancel(capture.StreamID) error {
	d.mu.Lock()
	dropped := d.streamOff()
	handler := d.handler
	d.mu.Unlock()

	if handler == nil {
		return nil
	}
	for _, sub := range dropped {
		handler(capture.Completion{Request: sub.Request, Status: capture.StatusCancelled, Timestamp: time.Now()})
	}
	return nil
}

// Stop implements capture.Device.
func (d *Device) Stop() error {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		d.wg.Wait()
	}
	if err := d.Cancel(d.stream); err != nil {
		return err
	}

	d.mu.Lock()
	d.handler = nil
	d.mu.Unlock()
	return nil
}

// Close releases the file descriptor. Buffers must have been freed.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}
