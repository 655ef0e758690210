package capture

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pi-frame-capture/pixel"
)

// fakeDevice keeps submissions pending until the test completes them, in any
// order, from the test goroutine.
type fakeDevice struct {
	mu       sync.Mutex
	handler  CompletionHandler
	started  bool
	memory   map[StreamID][][]byte
	pending  []Submission
	sequence uint32

	failSubmits  int
	failAllocate bool
	failMapAt    int

	allocated int
	mapped    int
	unmapped  int
	freed     map[StreamID]int
	submitted int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		memory:    make(map[StreamID][][]byte),
		freed:     make(map[StreamID]int),
		failMapAt: -1,
	}
}

func (d *fakeDevice) Start(handler CompletionHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handler
	d.started = true
	return nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	return nil
}

func (d *fakeDevice) AllocateBuffers(spec StreamSpec, count int) ([]FrameBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failAllocate {
		return nil, errors.New("out of device memory")
	}
	size := spec.Format.FrameSize(spec.Width, spec.Height)
	bufs := make([]FrameBuffer, count)
	mem := make([][]byte, count)
	for i := range bufs {
		bufs[i] = FrameBuffer{Stream: spec.ID, Index: i, Planes: []Plane{{Offset: uint32(i * size), Length: uint32(size)}}}
		mem[i] = make([]byte, size)
	}
	d.memory[spec.ID] = mem
	d.allocated += count
	return bufs, nil
}

func (d *fakeDevice) MapBuffer(buf FrameBuffer) ([][]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if buf.Index == d.failMapAt {
		return nil, errors.New("mmap failed")
	}
	d.mapped++
	return [][]byte{d.memory[buf.Stream][buf.Index]}, nil
}

func (d *fakeDevice) UnmapBuffer(FrameBuffer, [][]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unmapped++
	return nil
}

func (d *fakeDevice) FreeBuffers(stream StreamID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.freed[stream]++
	delete(d.memory, stream)
	return nil
}

func (d *fakeDevice) Submit(sub Submission) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return errors.New("device not started")
	}
	if d.failSubmits > 0 {
		d.failSubmits--
		return errors.New("queue full")
	}
	d.submitted++
	d.pending = append(d.pending, sub)
	return nil
}

func (d *fakeDevice) pendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *fakeDevice) pendingBuffers() []BufferID {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]BufferID, len(d.pending))
	for i, p := range d.pending {
		ids[i] = p.Buffer
	}
	return ids
}

// complete finishes the pending submission for buf after filling its memory.
func (d *fakeDevice) complete(t testing.TB, buf BufferID, status CompletionStatus, bytesUsed int, fill func([]byte)) {
	t.Helper()

	d.mu.Lock()
	idx := -1
	for i, p := range d.pending {
		if p.Buffer == buf {
			idx = i
			break
		}
	}
	if idx < 0 {
		d.mu.Unlock()
		t.Fatalf("buffer %d is not pending", buf)
		return
	}
	sub := d.pending[idx]
	d.pending = append(d.pending[:idx], d.pending[idx+1:]...)
	if fill != nil {
		fill(d.memory[sub.Stream][sub.FrameBuffer.Index])
	}
	d.sequence++
	seq := d.sequence
	handler := d.handler
	d.mu.Unlock()

	handler(Completion{
		Request:   sub.Request,
		Status:    status,
		Sequence:  seq,
		Timestamp: time.Now(),
		BytesUsed: bytesUsed,
	})
}

// cancelStream completes every pending submission of a stream as cancelled.
func (d *fakeDevice) cancelStream(stream StreamID) {
	d.mu.Lock()
	var cancelled, kept []Submission
	for _, p := range d.pending {
		if p.Stream == stream {
			cancelled = append(cancelled, p)
		} else {
			kept = append(kept, p)
		}
	}
	d.pending = kept
	handler := d.handler
	d.mu.Unlock()

	for _, p := range cancelled {
		handler(Completion{Request: p.Request, Status: StatusCancelled})
	}
}

// cancellingDevice adds request cancellation to fakeDevice.
type cancellingDevice struct {
	*fakeDevice
}

func (d cancellingDevice) Cancel(stream StreamID) error {
	d.cancelStream(stream)
	return nil
}

// configuringDevice offers a fixed format list and may adjust geometry.
type configuringDevice struct {
	*fakeDevice
	offered []pixel.Format
	width   int
}

func (d configuringDevice) Formats(StreamSpec) []pixel.Format {
	return d.offered
}

func (d configuringDevice) Configure(spec StreamSpec) (StreamSpec, error) {
	if d.width > 0 {
		spec.Width = d.width
	}
	return spec, nil
}

func fillYUYV(y, u, v byte) func([]byte) {
	return func(b []byte) {
		for i := 0; i+3 < len(b); i += 4 {
			b[i], b[i+1], b[i+2], b[i+3] = y, u, y, v
		}
	}
}

func fillBytes(val byte) func([]byte) {
	return func(b []byte) {
		for i := range b {
			b[i] = val
		}
	}
}

func yuyvSpec(id StreamID, buffers int) StreamSpec {
	return StreamSpec{
		ID:            id,
		Name:          fmt.Sprintf("stream%d", id),
		Role:          RoleViewfinder,
		Width:         4,
		Height:        2,
		Format:        pixel.FormatYUYV,
		DisplayFormat: pixel.FormatRGB888,
		BufferCount:   buffers,
	}
}

func rgbSpec(id StreamID, buffers int) StreamSpec {
	return StreamSpec{
		ID:            id,
		Name:          fmt.Sprintf("stream%d", id),
		Role:          RoleViewfinder,
		Width:         2,
		Height:        2,
		Format:        pixel.FormatRGB888,
		DisplayFormat: pixel.FormatRGB888,
		BufferCount:   buffers,
	}
}
