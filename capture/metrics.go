package capture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports the engine's counters. One instance is shared by every
// scheduler of a process; series are labelled by camera and stream.
type Metrics struct {
	framesCompleted  *prometheus.CounterVec
	framesConverted  *prometheus.CounterVec
	framesCancelled  *prometheus.CounterVec
	submitFailures   *prometheus.CounterVec
	starvation       *prometheus.CounterVec
	conversionErrors *prometheus.CounterVec
	buffers          *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	labels := []string{"camera", "stream"}

	return &Metrics{
		framesCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_frames_completed_total",
			Help: "Requests completed by the device with a frame",
		}, labels),
		framesConverted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_frames_converted_total",
			Help: "Frames published to the display, converted or passed through",
		}, labels),
		framesCancelled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_frames_cancelled_total",
			Help: "Requests the device completed without a frame",
		}, labels),
		submitFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_submit_failures_total",
			Help: "Requests the device refused to queue",
		}, labels),
		starvation: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_request_starvation_total",
			Help: "Buffers parked because no spare request was available",
		}, labels),
		conversionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_conversion_errors_total",
			Help: "Frames dropped because conversion failed",
		}, labels),
		buffers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "capture_buffers",
			Help: "Buffers per lifecycle state",
		}, []string{"camera", "stream", "state"}),
	}
}

func (m *Metrics) setBuffers(camera, stream string, a Accounting) {
	m.buffers.WithLabelValues(camera, stream, BufferFree.String()).Set(float64(a.Free))
	m.buffers.WithLabelValues(camera, stream, BufferQueued.String()).Set(float64(a.InFlight))
	m.buffers.WithLabelValues(camera, stream, BufferDone.String()).Set(float64(a.Done))
}

func (m *Metrics) forget(camera, stream string) {
	labels := prometheus.Labels{"camera": camera, "stream": stream}
	m.framesCompleted.Delete(labels)
	m.framesConverted.Delete(labels)
	m.framesCancelled.Delete(labels)
	m.submitFailures.Delete(labels)
	m.starvation.Delete(labels)
	m.conversionErrors.Delete(labels)
	for _, s := range []BufferState{BufferFree, BufferQueued, BufferDone} {
		m.buffers.DeleteLabelValues(camera, stream, s.String())
	}
}

// FramesCompleted returns the completed-frame counter of one stream.
func (m *Metrics) FramesCompleted(camera, stream string) prometheus.Counter {
	return m.framesCompleted.WithLabelValues(camera, stream)
}
