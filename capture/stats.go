package capture

import "sort"

// StreamStats is a point-in-time view of one stream.
type StreamStats struct {
	ID            StreamID `json:"id"`
	Name          string   `json:"name"`
	Role          Role     `json:"role"`
	Width         int      `json:"width"`
	Height        int      `json:"height"`
	DeviceFormat  string   `json:"device_format"`
	DisplayFormat string   `json:"display_format"`
	Strategy      string   `json:"strategy"`
	Releasing     bool     `json:"releasing"`

	Buffers Accounting `json:"buffers"`

	FramesCompleted  uint64 `json:"frames_completed"`
	FramesConverted  uint64 `json:"frames_converted"`
	FramesCancelled  uint64 `json:"frames_cancelled"`
	SubmitFailures   uint64 `json:"submit_failures"`
	Starvation       uint64 `json:"request_starvation"`
	ConversionErrors uint64 `json:"conversion_errors"`
	LastSequence     uint32 `json:"last_sequence"`
}

// Stats is a point-in-time view of a scheduler.
type Stats struct {
	Camera             string        `json:"camera"`
	Started            bool          `json:"started"`
	SpareRequests      int           `json:"spare_requests"`
	PendingCompletions int           `json:"pending_completions"`
	UnknownCompletions uint64        `json:"unknown_completions"`
	Streams            []StreamStats `json:"streams"`
}

// Stats collects the scheduler's counters. Values are read without stopping
// the pipeline, so they may be mutually off by a frame.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	streams := s.snapshot()
	started := s.started
	s.mu.RUnlock()

	out := Stats{
		Camera:             s.camera,
		Started:            started,
		SpareRequests:      s.queue.Spare(),
		PendingCompletions: s.queue.Pending(),
		UnknownCompletions: s.unknownCompletions.Load(),
		Streams:            make([]StreamStats, 0, len(streams)),
	}

	for _, st := range streams {
		a, _ := s.pool.Accounting(st.spec.ID)

		st.mu.RLock()
		seq := st.sequence
		st.mu.RUnlock()

		out.Streams = append(out.Streams, StreamStats{
			ID:               st.spec.ID,
			Name:             st.spec.Name,
			Role:             st.spec.Role,
			Width:            st.spec.Width,
			Height:           st.spec.Height,
			DeviceFormat:     st.spec.Format.String(),
			DisplayFormat:    st.conv.Target().String(),
			Strategy:         st.conv.Kind().String(),
			Releasing:        st.releasing.Load(),
			Buffers:          a,
			FramesCompleted:  st.completed.Load(),
			FramesConverted:  st.converted.Load(),
			FramesCancelled:  st.cancelled.Load(),
			SubmitFailures:   st.submitFailures.Load(),
			Starvation:       st.starvation.Load(),
			ConversionErrors: st.conversionErrors.Load(),
			LastSequence:     seq,
		})
	}
	sort.Slice(out.Streams, func(i, j int) bool { return out.Streams[i].ID < out.Streams[j].ID })
	return out
}

// Accounting returns where a stream's buffers currently are.
func (s *Scheduler) Accounting(id StreamID) (Accounting, error) {
	return s.pool.Accounting(id)
}
