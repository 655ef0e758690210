package capture

import (
	"fmt"
	"time"

	"pi-frame-capture/pixel"
)

// StreamID identifies one pipeline out of a camera. The caller picks it; the
// engine only uses it as a key.
type StreamID int

// BufferID indexes the BufferPool's buffer table.
type BufferID int

// RequestID indexes the RequestQueue's request table.
type RequestID int

// Role hints what a stream is used for.
type Role string

const (
	RoleViewfinder Role = "viewfinder"
	RoleStill      Role = "still"
	RoleRaw        Role = "raw"
)

// StreamSpec describes one stream as configured by the caller and adjusted by
// the device during negotiation.
type StreamSpec struct {
	ID     StreamID
	Name   string
	Role   Role
	Width  int
	Height int
	FPS    int

	// Format is the device-side layout. With a Configurer device it is
	// overwritten by negotiation.
	Format pixel.Format
	// DisplayFormat is the layout handed to viewers.
	DisplayFormat pixel.Format

	BufferCount  int
	RequestCount int
}

func (s StreamSpec) String() string {
	return fmt.Sprintf("%s(%d) %dx%d %s->%s", s.Name, s.ID, s.Width, s.Height, s.Format, s.DisplayFormat)
}

// Plane locates one plane of a device buffer.
type Plane struct {
	Offset uint32
	Length uint32
}

// FrameBuffer is the device's handle for one capture buffer. Index and Cookie
// are opaque to the engine.
type FrameBuffer struct {
	Stream StreamID
	Index  int
	Cookie uintptr
	Planes []Plane
}

// CompletionStatus tells whether a request produced a frame.
type CompletionStatus int

const (
	StatusComplete CompletionStatus = iota
	StatusCancelled
)

func (s CompletionStatus) String() string {
	if s == StatusCancelled {
		return "cancelled"
	}
	return "complete"
}

// Completion is what a device reports when it finishes a request.
type Completion struct {
	Request   RequestID
	Status    CompletionStatus
	Sequence  uint32
	Timestamp time.Time
	// BytesUsed is the payload size in plane 0, or 0 for the whole plane.
	BytesUsed int
}

// Submission is handed to Device.Submit to queue one buffer for capture.
type Submission struct {
	Request     RequestID
	Stream      StreamID
	Buffer      BufferID
	FrameBuffer FrameBuffer
}

// Frame is the most recent display frame of a stream. Pixels is only valid
// for the duration of the View callback that received it.
type Frame struct {
	Stream    StreamID
	Width     int
	Height    int
	Format    pixel.Format
	Pixels    []byte
	Sequence  uint32
	Timestamp time.Time
}

// Accounting is a snapshot of where a stream's buffers are.
type Accounting struct {
	Free     int `json:"free"`
	InFlight int `json:"in_flight"`
	Done     int `json:"done"`
}

// Total is the number of buffers the stream owns.
func (a Accounting) Total() int {
	return a.Free + a.InFlight + a.Done
}
