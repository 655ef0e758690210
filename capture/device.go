package capture

import "pi-frame-capture/pixel"

// CompletionHandler receives finished requests. Devices call it from their own
// goroutine; it must not block.
type CompletionHandler func(Completion)

// Device is the hardware side of the engine.
type Device interface {
	// Start begins delivering completions to handler. No request is submitted
	// before Start returns.
	Start(handler CompletionHandler) error
	Stop() error

	AllocateBuffers(spec StreamSpec, count int) ([]FrameBuffer, error)
	// MapBuffer returns one byte slice per plane, each starting at the plane.
	MapBuffer(buf FrameBuffer) ([][]byte, error)
	UnmapBuffer(buf FrameBuffer, planes [][]byte) error
	FreeBuffers(stream StreamID) error

	Submit(sub Submission) error
}

// Canceller is implemented by devices that can abort queued requests. Aborted
// requests still complete, with StatusCancelled.
type Canceller interface {
	Cancel(stream StreamID) error
}

// Configurer is implemented by devices that negotiate stream formats.
type Configurer interface {
	// Formats lists the layouts the device can produce for spec.
	Formats(spec StreamSpec) []pixel.Format
	// Configure applies spec and returns it as the device adjusted it.
	Configure(spec StreamSpec) (StreamSpec, error)
}
