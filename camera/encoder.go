package camera

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"pi-frame-capture/capture"
	"pi-frame-capture/display"
)

// Snapshot is an encoded display frame.
type Snapshot struct {
	JPEG        []byte
	Sequence    uint32
	Timestamp   time.Time
	Width       int
	Height      int
	Orientation int
}

// Encoder turns a camera's latest display frame into JPEG, applying the
// camera orientation. Viewers polling at the repaint rate share one encode
// per captured frame.
type Encoder struct {
	jpeg   *display.Encoder
	logger *zap.Logger

	mu          sync.Mutex
	orientation int
	cached      map[capture.StreamID]Snapshot

	encoded uint64
	reused  uint64
}

// NewEncoder creates an encoder with the given JPEG quality and orientation.
func NewEncoder(quality, orientation int, logger *zap.Logger) (*Encoder, error) {
	if !display.ValidOrientation(orientation) {
		return nil, fmt.Errorf("invalid orientation %d", orientation)
	}
	return &Encoder{
		jpeg:        display.NewEncoder(quality),
		logger:      logger,
		orientation: orientation,
		cached:      make(map[capture.StreamID]Snapshot),
	}, nil
}

// SetOrientation changes the rotation applied to subsequent snapshots.
func (e *Encoder) SetOrientation(degrees int) error {
	if !display.ValidOrientation(degrees) {
		return fmt.Errorf("invalid orientation %d", degrees)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.orientation != degrees {
		e.orientation = degrees
		e.cached = make(map[capture.StreamID]Snapshot)
		e.logger.Info("Orientation changed", zap.Int("orientation", degrees))
	}
	return nil
}

// Orientation returns the current rotation in clockwise degrees.
func (e *Encoder) Orientation() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orientation
}

// Snapshot encodes the latest frame of stream id pulled from c.
func (e *Encoder) Snapshot(c *Capture, id capture.StreamID) (Snapshot, error) {
	e.mu.Lock()
	orientation := e.orientation
	cached, hasCached := e.cached[id]
	e.mu.Unlock()

	var (
		img   *image.RGBA
		frame capture.Frame
		fresh bool
	)
	err := c.View(id, func(f capture.Frame) error {
		frame = f
		if hasCached && cached.Sequence == f.Sequence && cached.Timestamp.Equal(f.Timestamp) {
			return nil
		}
		// Frame pixels are only valid inside the callback.
		var err error
		img, err = display.ToRGBA(f.Pixels, f.Format, f.Width, f.Height)
		fresh = err == nil
		return err
	})
	if err != nil {
		return Snapshot{}, err
	}
	if !fresh {
		e.mu.Lock()
		e.reused++
		e.mu.Unlock()
		return cached, nil
	}

	data, err := e.jpeg.EncodeImage(img, orientation)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		JPEG:        data,
		Sequence:    frame.Sequence,
		Timestamp:   frame.Timestamp,
		Width:       frame.Width,
		Height:      frame.Height,
		Orientation: orientation,
	}
	if orientation == 90 || orientation == 270 {
		snap.Width, snap.Height = snap.Height, snap.Width
	}

	e.mu.Lock()
	if e.orientation == orientation {
		e.cached[id] = snap
	}
	e.encoded++
	e.mu.Unlock()
	return snap, nil
}

// SaveStill encodes the latest frame and writes it into dir, named after the
// capture time. It returns the file path.
func (e *Encoder) SaveStill(c *Capture, id capture.StreamID, dir string, now time.Time) (string, Snapshot, error) {
	if dir == "" {
		return "", Snapshot{}, errors.New("no snapshot directory configured")
	}
	snap, err := e.Snapshot(c, id)
	if err != nil {
		return "", Snapshot{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", Snapshot{}, fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	path := filepath.Join(dir, display.SnapshotName(now))
	if err := os.WriteFile(path, snap.JPEG, 0o644); err != nil {
		return "", Snapshot{}, fmt.Errorf("failed to write snapshot: %w", err)
	}
	e.logger.Info("Still saved", zap.String("path", path), zap.Int("size", len(snap.JPEG)))
	return path, snap, nil
}

// GetStats returns encoder statistics
func (e *Encoder) GetStats() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]interface{}{
		"orientation": e.orientation,
		"encoded":     e.encoded,
		"reused":      e.reused,
	}
}
