package capture

import (
	"fmt"
	"sync"
	"time"
)

// RequestState tracks a request through one capture round trip.
type RequestState int

const (
	RequestFree RequestState = iota
	RequestQueued
	RequestCompleted
	RequestRetired
)

func (s RequestState) String() string {
	switch s {
	case RequestFree:
		return "free"
	case RequestQueued:
		return "queued"
	case RequestCompleted:
		return "completed"
	case RequestRetired:
		return "retired"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Request binds one buffer of one stream for a single capture.
type Request struct {
	ID     RequestID
	State  RequestState
	Stream StreamID
	Buffer BufferID

	Status    CompletionStatus
	Sequence  uint32
	Timestamp time.Time
	BytesUsed int
}

// RequestQueue holds the request table, the spare list of unbound requests and
// the done list of completed ones. It is shared between the device's completion
// goroutine and the consumer; every method takes the queue lock for as long as
// it touches the lists and no longer.
type RequestQueue struct {
	mu       sync.Mutex
	requests []Request
	spare    []RequestID
	done     []RequestID
	retire   int
}

// NewRequestQueue creates an empty queue.
func NewRequestQueue() *RequestQueue {
	return &RequestQueue{}
}

// Grow adds n unbound requests to the spare list.
func (q *RequestQueue) Grow(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := 0; i < n; i++ {
		if q.retire > 0 {
			q.retire--
			continue
		}
		id := RequestID(len(q.requests))
		q.requests = append(q.requests, Request{ID: id, State: RequestFree})
		q.spare = append(q.spare, id)
	}
}

// Shrink retires n requests. Spare ones go immediately, the rest as soon as
// they are recycled.
func (q *RequestQueue) Shrink(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for ; n > 0 && len(q.spare) > 0; n-- {
		last := len(q.spare) - 1
		q.requests[q.spare[last]].State = RequestRetired
		q.spare = q.spare[:last]
	}
	q.retire += n
}

// Acquire pops a spare request and binds it to buf.
func (q *RequestQueue) Acquire(stream StreamID, buf BufferID) (RequestID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.spare) == 0 {
		return 0, ErrNoSpareRequest
	}
	id := q.spare[0]
	q.spare = q.spare[1:]
	q.requests[id] = Request{ID: id, State: RequestQueued, Stream: stream, Buffer: buf}
	return id, nil
}

// Abort unbinds a queued request that never reached the device.
func (q *RequestQueue) Abort(id RequestID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.check(id, RequestQueued); err != nil {
		return err
	}
	q.recycle(id)
	return nil
}

// Complete records the device's result on a queued request and returns a copy
// of it. The request is not visible to PopDone until PushDone.
func (q *RequestQueue) Complete(c Completion) (Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.check(c.Request, RequestQueued); err != nil {
		return Request{}, err
	}
	r := &q.requests[c.Request]
	r.State = RequestCompleted
	r.Status = c.Status
	r.Sequence = c.Sequence
	r.Timestamp = c.Timestamp
	r.BytesUsed = c.BytesUsed
	return *r, nil
}

// PushDone appends a completed request to the done list.
func (q *RequestQueue) PushDone(id RequestID) {
	q.mu.Lock()
	q.done = append(q.done, id)
	q.mu.Unlock()
}

// PopDone removes the oldest completed request.
func (q *RequestQueue) PopDone() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.done) == 0 {
		return Request{}, false
	}
	id := q.done[0]
	q.done[0] = 0
	q.done = q.done[1:]
	return q.requests[id], true
}

// Recycle makes a completed request available for rebinding.
func (q *RequestQueue) Recycle(id RequestID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.check(id, RequestCompleted); err != nil {
		return err
	}
	q.recycle(id)
	return nil
}

func (q *RequestQueue) recycle(id RequestID) {
	if q.retire > 0 {
		q.retire--
		q.requests[id] = Request{ID: id, State: RequestRetired}
		return
	}
	q.requests[id] = Request{ID: id, State: RequestFree}
	q.spare = append(q.spare, id)
}

func (q *RequestQueue) check(id RequestID, want RequestState) error {
	if id < 0 || int(id) >= len(q.requests) {
		return fmt.Errorf("%w: %d", ErrUnknownRequest, id)
	}
	if got := q.requests[id].State; got != want {
		return fmt.Errorf("%w: request %d is %s, expected %s", ErrUnknownRequest, id, got, want)
	}
	return nil
}

// Spare returns the number of unbound requests.
func (q *RequestQueue) Spare() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.spare)
}

// Pending returns the number of completed requests waiting to be drained.
func (q *RequestQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.done)
}
