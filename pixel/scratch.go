package pixel

// Scratch is the per-stream conversion target. The consumer converts into the
// back buffer and swaps once the frame is complete, so readers of the front
// buffer never observe a half-written frame. Scratch does no locking; the
// owner serializes Swap against readers.
type Scratch struct {
	front []byte
	back  []byte
}

// Back returns the back buffer sized to exactly size bytes, reusing the
// existing allocation when it is large enough.
func (s *Scratch) Back(size int) []byte {
	if cap(s.back) < size {
		s.back = make([]byte, size)
	}
	s.back = s.back[:size]
	return s.back
}

// Swap publishes the back buffer as the new front buffer.
func (s *Scratch) Swap() {
	s.front, s.back = s.back, s.front
}

// Front returns the last published frame, or nil before the first Swap.
func (s *Scratch) Front() []byte {
	return s.front
}

// Reset drops both buffers.
func (s *Scratch) Reset() {
	s.front, s.back = nil, nil
}
