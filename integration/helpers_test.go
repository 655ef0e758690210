package integration

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"go.uber.org/zap/zaptest"

	"pi-frame-capture/camera"
	"pi-frame-capture/config"
)

// rtpReceiver counts RTP/JPEG packets and completed frames arriving on a
// loopback UDP port.
type rtpReceiver struct {
	conn *net.UDPConn

	mu      sync.Mutex
	packets int
	frames  int
	ssrcs   map[uint32]bool
}

func newRTPReceiver(t *testing.T) *rtpReceiver {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	r := &rtpReceiver{conn: conn, ssrcs: make(map[uint32]bool)}
	go r.run()
	t.Cleanup(func() { conn.Close() })
	return r
}

func (r *rtpReceiver) port() int {
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

func (r *rtpReceiver) run() {
	buf := make([]byte, 65536)
	for {
		n, err := r.conn.Read(buf)
		if err != nil {
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		r.mu.Lock()
		r.packets++
		r.ssrcs[pkt.SSRC] = true
		if pkt.Marker {
			r.frames++
		}
		r.mu.Unlock()
	}
}

func (r *rtpReceiver) counts() (packets, frames int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.packets, r.frames
}

// startCamera starts a single-camera manager and waits for its first frame.
func startCamera(t *testing.T, cc config.CameraConfig) *camera.Manager {
	t.Helper()
	cfg := config.Default()
	cfg.Timeouts.CameraStartupDelay = 0
	cfg.Capture.SimFPS = 30
	cfg.Cameras = []config.CameraConfig{cc}

	manager, err := camera.NewManager(cfg, nil, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Close(ctx)
	})

	if err := manager.StartCamera(cc.ID); err != nil {
		t.Fatalf("StartCamera failed: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, err := manager.Snapshot(cc.ID); err == nil {
			return manager
		}
		if time.Now().After(deadline) {
			t.Fatal("No frame before deadline")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
