package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap/zaptest"

	"pi-frame-capture/camera"
	"pi-frame-capture/config"
)

type fakeSource struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSource) Snapshot(cameraID string) (camera.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if cameraID != "camera1" {
		return camera.Snapshot{}, fmt.Errorf("camera %s: %w", cameraID, camera.ErrNotRunning)
	}
	return camera.Snapshot{JPEG: []byte{0xFF, 0xD8, 0xFF, 0xD9}, Sequence: 1, Width: 8, Height: 8}, nil
}

func (f *fakeSource) pulls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.WebRTC.STUNServer = ""
	cfg.WebRTC.MaxClients = 2
	cfg.Display.RepaintFPS = 50
	return cfg
}

func TestNewServer(t *testing.T) {
	logger := zaptest.NewLogger(t)

	cfg := testConfig()
	cfg.WebRTC.STUNServer = "stun:stun.example.com:3478"
	server, err := NewServer("camera1", cfg, &fakeSource{}, logger)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if len(server.webrtcConfig.ICEServers) != 1 {
		t.Errorf("Expected 1 ICE server, got %d", len(server.webrtcConfig.ICEServers))
	}
	if server.signaling.maxClients != 2 {
		t.Errorf("Expected max clients 2, got %d", server.signaling.maxClients)
	}

	server, err = NewServer("camera1", testConfig(), &fakeSource{}, logger)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if len(server.webrtcConfig.ICEServers) != 0 {
		t.Errorf("Expected no ICE servers, got %d", len(server.webrtcConfig.ICEServers))
	}

	cfg = testConfig()
	cfg.Display.RepaintFPS = 0
	if _, err := NewServer("camera1", cfg, &fakeSource{}, logger); err == nil {
		t.Error("Expected error for zero repaint rate")
	}
}

func TestServerOffersFramesChannel(t *testing.T) {
	server, err := NewServer("camera1", testConfig(), &fakeSource{}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	testServer := httptest.NewServer(server)
	defer testServer.Close()
	defer server.Stop()

	conn := dialWS(t, testServer.URL)
	msg := readMessage(t, conn, "offer")

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(msg.Data, &offer); err != nil {
		t.Fatalf("Offer does not parse: %v", err)
	}
	if offer.Type != webrtc.SDPTypeOffer {
		t.Errorf("Expected offer, got %s", offer.Type)
	}
	if !strings.Contains(offer.SDP, "webrtc-datachannel") {
		t.Error("Offer does not negotiate a data channel")
	}

	if server.GetPeerCount() != 1 {
		t.Errorf("Expected 1 peer, got %d", server.GetPeerCount())
	}

	stats := server.GetStats()
	if stats["camera_id"] != "camera1" {
		t.Errorf("Expected camera_id camera1, got %v", stats["camera_id"])
	}
	if stats["peer_count"] != 1 {
		t.Errorf("Expected peer_count 1, got %v", stats["peer_count"])
	}
}

func TestServerRemovesPeerOnDisconnect(t *testing.T) {
	server, err := NewServer("camera1", testConfig(), &fakeSource{}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	testServer := httptest.NewServer(server)
	defer testServer.Close()
	defer server.Stop()

	conn := dialWS(t, testServer.URL)
	readMessage(t, conn, "offer")
	conn.Close()

	waitUntil(t, func() bool { return server.GetPeerCount() == 0 })
}

func TestServerAnswerWithoutPeer(t *testing.T) {
	server, err := NewServer("camera1", testConfig(), &fakeSource{}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	client := &SignalingClient{id: "ghost"}
	if err := server.handleAnswer(client, webrtc.SessionDescription{}); err == nil {
		t.Error("Expected error for answer from unknown client")
	}
	if err := server.handleICECandidate(client, webrtc.ICECandidateInit{}); err == nil {
		t.Error("Expected error for candidate from unknown client")
	}
}

func TestServerStartStop(t *testing.T) {
	src := &fakeSource{}
	server, err := NewServer("camera1", testConfig(), src, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !server.IsStreaming() {
		t.Error("Server should be streaming after Start")
	}
	if err := server.Start(context.Background()); err == nil {
		t.Error("Second Start should fail")
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if server.IsStreaming() {
		t.Error("Server should not be streaming after Stop")
	}

	// Without viewers the camera is never pulled
	if n := src.pulls(); n != 0 {
		t.Errorf("Source pulled %d times with no peers", n)
	}
}
