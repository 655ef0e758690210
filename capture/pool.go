package capture

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// BufferState is where a buffer currently sits in the capture cycle.
type BufferState int

const (
	BufferFree BufferState = iota
	BufferQueued
	BufferDone
)

func (s BufferState) String() string {
	switch s {
	case BufferFree:
		return "free"
	case BufferQueued:
		return "in_flight"
	case BufferDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type bufferSlot struct {
	stream StreamID
	buffer FrameBuffer
	image  *MappedImage
	state  BufferState
}

type streamBuffers struct {
	ids  []BufferID
	free []BufferID
}

// BufferPool owns the mapped buffers of every stream and their free lists.
// Buffer IDs are never reused; a released buffer's slot stays empty so stale
// IDs fail with ErrUnknownBuffer.
type BufferPool struct {
	device Device
	logger *zap.Logger

	mu      sync.Mutex
	slots   []*bufferSlot
	streams map[StreamID]*streamBuffers
}

// NewBufferPool creates an empty pool backed by device.
func NewBufferPool(device Device, logger *zap.Logger) *BufferPool {
	return &BufferPool{
		device:  device,
		logger:  logger,
		streams: make(map[StreamID]*streamBuffers),
	}
}

// Allocate reserves count buffers for the stream, maps each of them and puts
// them on the stream's free list. The device may hand back fewer buffers than
// asked for; it must hand back at least one.
func (p *BufferPool) Allocate(spec StreamSpec, count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.streams[spec.ID]; ok {
		return streamErr(spec.ID, "allocate", ErrAlreadyAllocated)
	}
	if count <= 0 {
		return streamErr(spec.ID, "allocate", fmt.Errorf("%w: buffer count %d", ErrAllocationFailure, count))
	}

	buffers, err := p.device.AllocateBuffers(spec, count)
	if err != nil {
		// A driver can fail after reserving part of the set.
		p.freeAtDevice(spec.ID)
		return streamErr(spec.ID, "allocate", fmt.Errorf("%w: %w", ErrAllocationFailure, err))
	}
	if len(buffers) == 0 {
		p.freeAtDevice(spec.ID)
		return streamErr(spec.ID, "allocate", fmt.Errorf("%w: device returned no buffers", ErrAllocationFailure))
	}

	images := make([]*MappedImage, 0, len(buffers))
	for _, buf := range buffers {
		maps, err := p.device.MapBuffer(buf)
		if err == nil {
			var img *MappedImage
			img, err = newMappedImage(buf, maps)
			if err == nil {
				images = append(images, img)
				continue
			}
			p.unmap(buf, maps)
		}
		for _, img := range images {
			p.unmap(img.buffer, img.maps)
		}
		p.freeAtDevice(spec.ID)
		return streamErr(spec.ID, "allocate", fmt.Errorf("%w: map buffer %d: %w", ErrAllocationFailure, buf.Index, err))
	}

	sb := &streamBuffers{
		ids:  make([]BufferID, 0, len(images)),
		free: make([]BufferID, 0, len(images)),
	}
	for _, img := range images {
		id := BufferID(len(p.slots))
		p.slots = append(p.slots, &bufferSlot{
			stream: spec.ID,
			buffer: img.buffer,
			image:  img,
			state:  BufferFree,
		})
		sb.ids = append(sb.ids, id)
		sb.free = append(sb.free, id)
	}
	p.streams[spec.ID] = sb

	if len(images) != count {
		p.logger.Info("Device adjusted buffer count",
			zap.Int("stream", int(spec.ID)),
			zap.Int("requested", count),
			zap.Int("allocated", len(images)))
	}
	return nil
}

func (p *BufferPool) unmap(buf FrameBuffer, maps [][]byte) {
	if err := p.device.UnmapBuffer(buf, maps); err != nil {
		p.logger.Warn("Failed to unmap buffer", zap.Int("index", buf.Index), zap.Error(err))
	}
}

func (p *BufferPool) freeAtDevice(stream StreamID) {
	if err := p.device.FreeBuffers(stream); err != nil {
		p.logger.Warn("Failed to free device buffers", zap.Int("stream", int(stream)), zap.Error(err))
	}
}

func (p *BufferPool) slot(id BufferID) (*bufferSlot, error) {
	if id < 0 || int(id) >= len(p.slots) || p.slots[id] == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBuffer, id)
	}
	return p.slots[id], nil
}

// Image returns the cached mapping of a buffer.
func (p *BufferPool) Image(id BufferID) (*MappedImage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.slot(id)
	if err != nil {
		return nil, err
	}
	return s.image, nil
}

// FrameBuffer returns the device handle of a buffer.
func (p *BufferPool) FrameBuffer(id BufferID) (FrameBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.slot(id)
	if err != nil {
		return FrameBuffer{}, err
	}
	return s.buffer, nil
}

// Buffers lists the IDs allocated to a stream.
func (p *BufferPool) Buffers(stream StreamID) []BufferID {
	p.mu.Lock()
	defer p.mu.Unlock()

	sb, ok := p.streams[stream]
	if !ok {
		return nil
	}
	return append([]BufferID(nil), sb.ids...)
}

// takeFree pops the oldest free buffer of a stream and marks it in flight.
func (p *BufferPool) takeFree(stream StreamID) (BufferID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sb, ok := p.streams[stream]
	if !ok {
		return 0, ErrUnknownStream
	}
	if len(sb.free) == 0 {
		return 0, ErrNoFreeBuffer
	}
	id := sb.free[0]
	sb.free = sb.free[1:]
	p.slots[id].state = BufferQueued
	return id, nil
}

// transition moves a buffer from one state to another, failing if it is not
// in the expected state.
func (p *BufferPool) transition(id BufferID, from, to BufferState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.slot(id)
	if err != nil {
		return err
	}
	if s.state != from {
		return fmt.Errorf("buffer %d is %s, expected %s", id, s.state, from)
	}
	s.state = to
	return nil
}

// putFree returns a buffer to the tail of its stream's free list.
func (p *BufferPool) putFree(id BufferID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.slot(id)
	if err != nil {
		return err
	}
	if s.state == BufferFree {
		return nil
	}
	sb, ok := p.streams[s.stream]
	if !ok {
		return ErrUnknownStream
	}
	s.state = BufferFree
	sb.free = append(sb.free, id)
	return nil
}

// Accounting counts a stream's buffers per state.
func (p *BufferPool) Accounting(stream StreamID) (Accounting, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sb, ok := p.streams[stream]
	if !ok {
		return Accounting{}, streamErr(stream, "accounting", ErrUnknownStream)
	}
	var a Accounting
	for _, id := range sb.ids {
		switch p.slots[id].state {
		case BufferFree:
			a.Free++
		case BufferQueued:
			a.InFlight++
		case BufferDone:
			a.Done++
		}
	}
	return a, nil
}

// Release unmaps every buffer of the stream and frees them at the device. All
// of the stream's buffers must be on its free list.
func (p *BufferPool) Release(stream StreamID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sb, ok := p.streams[stream]
	if !ok {
		return streamErr(stream, "release", ErrUnknownStream)
	}
	if len(sb.free) != len(sb.ids) {
		return streamErr(stream, "release", fmt.Errorf("%w: %d of %d buffers free", ErrStreamBusy, len(sb.free), len(sb.ids)))
	}

	for _, id := range sb.ids {
		s := p.slots[id]
		p.unmap(s.buffer, s.image.maps)
		p.slots[id] = nil
	}
	delete(p.streams, stream)

	if err := p.device.FreeBuffers(stream); err != nil {
		return streamErr(stream, "release", fmt.Errorf("failed to free device buffers: %w", err))
	}
	return nil
}

// Streams lists the streams that currently own buffers.
func (p *BufferPool) Streams() []StreamID {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]StreamID, 0, len(p.streams))
	for id := range p.streams {
		ids = append(ids, id)
	}
	return ids
}
