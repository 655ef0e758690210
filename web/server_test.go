package web

import (
	"bytes"
	"context"
	"encoding/json"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"pi-frame-capture/camera"
	"pi-frame-capture/config"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Capture.SimFPS = 200
	cfg.Timeouts.CameraStartupDelay = 0
	cfg.Display.RepaintFPS = 50
	cfg.Display.SnapshotDir = t.TempDir()
	cfg.Cameras = []config.CameraConfig{{
		ID:      "camera1",
		Backend: "sim",
		Streams: []config.StreamConfig{
			{Name: "viewfinder", Role: "viewfinder", Width: 32, Height: 16, Format: "YUYV", DisplayFormat: "RGB888", BufferCount: 4},
		},
	}}
	return cfg
}

// newTestServer starts a web server over one simulated camera.
func newTestServer(t *testing.T, start bool) (*httptest.Server, *camera.Manager, *prometheus.Registry) {
	t.Helper()
	cfg := testConfig(t)
	logger := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()

	manager, err := camera.NewManager(cfg, reg, logger)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Close(ctx)
	})
	if start {
		if err := manager.StartCamera("camera1"); err != nil {
			t.Fatalf("StartCamera failed: %v", err)
		}
	}

	server := NewServer(cfg, logger)
	server.SetCameraManager(manager)
	server.SetGatherer(reg)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, manager, reg
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("GET %s: body does not parse: %v", url, err)
		}
	}
	return resp.StatusCode
}

// waitForFrame polls the frame endpoint until the camera has produced a frame.
func waitForFrame(t *testing.T, url string) *http.Response {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err != nil {
			t.Fatalf("GET %s failed: %v", url, err)
		}
		if resp.StatusCode == http.StatusOK {
			return resp
		}
		resp.Body.Close()
		if time.Now().After(deadline) {
			t.Fatalf("No frame before deadline, last status %d", resp.StatusCode)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t, false)

	var body map[string]interface{}
	if code := getJSON(t, ts.URL+"/health", &body); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body["status"])
	}
	services, ok := body["services"].(map[string]interface{})
	if !ok {
		t.Fatalf("Missing services: %v", body)
	}
	if _, ok := services["camera_manager"]; !ok {
		t.Error("Expected camera_manager in services")
	}
}

func TestHomeRedirectsToViewer(t *testing.T) {
	ts, _, _ := newTestServer(t, false)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "<html") {
		t.Errorf("Expected viewer page, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("GET /nope failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown path, got %d", resp.StatusCode)
	}
}

func TestAPICameras(t *testing.T) {
	ts, _, _ := newTestServer(t, true)

	var cams map[string]map[string]interface{}
	if code := getJSON(t, ts.URL+"/api/cameras", &cams); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	cam, ok := cams["camera1"]
	if !ok {
		t.Fatalf("camera1 missing from %v", cams)
	}
	if cam["running"] != true {
		t.Errorf("Expected camera1 running, got %v", cam["running"])
	}
}

func TestFrameEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t, false)

	var errBody map[string]interface{}
	if code := getJSON(t, ts.URL+"/api/cameras/ghost/frame.jpg", &errBody); code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown camera, got %d", code)
	}
	if code := getJSON(t, ts.URL+"/api/cameras/camera1/frame.jpg", &errBody); code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 for stopped camera, got %d", code)
	}

	resp, err := http.Post(ts.URL+"/api/cameras/start?id=camera1", "application/json", nil)
	if err != nil {
		t.Fatalf("Start request failed: %v", err)
	}
	resp.Body.Close()

	resp = waitForFrame(t, ts.URL+"/api/cameras/camera1/frame.jpg")
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Expected image/jpeg, got %s", ct)
	}
	if resp.Header.Get("X-Frame-Sequence") == "" {
		t.Error("Missing X-Frame-Sequence header")
	}
	img, err := jpeg.Decode(resp.Body)
	if err != nil {
		t.Fatalf("Frame does not decode: %v", err)
	}
	if img.Bounds().Dx() != 32 || img.Bounds().Dy() != 16 {
		t.Errorf("Expected 32x16 frame, got %v", img.Bounds())
	}
}

func TestStopCameras(t *testing.T) {
	ts, manager, _ := newTestServer(t, true)

	var body struct {
		Action  string                            `json:"action"`
		Results map[string]map[string]interface{} `json:"results"`
	}
	resp, err := http.Post(ts.URL+"/api/cameras/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("Stop request failed: %v", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Body does not parse: %v", err)
	}
	if body.Results["camera1"]["success"] != true {
		t.Errorf("Expected camera1 stop success, got %v", body.Results["camera1"])
	}
	if manager.IsRunning("camera1") {
		t.Error("camera1 still running after stop")
	}
}

func TestOrientation(t *testing.T) {
	ts, manager, _ := newTestServer(t, true)

	post := func(path, body string) int {
		resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST %s failed: %v", path, err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := post("/api/cameras/camera1/orientation", `{"degrees":90}`); code != http.StatusOK {
		t.Errorf("Expected 200, got %d", code)
	}
	cam, err := manager.GetCamera("camera1")
	if err != nil {
		t.Fatalf("GetCamera failed: %v", err)
	}
	if got := cam.Encoder.Orientation(); got != 90 {
		t.Errorf("Expected orientation 90, got %d", got)
	}

	if code := post("/api/cameras/camera1/orientation", `{"degrees":45}`); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for 45 degrees, got %d", code)
	}
	if code := post("/api/cameras/camera1/orientation", `not json`); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad body, got %d", code)
	}
	if code := post("/api/cameras/ghost/orientation", `{"degrees":180}`); code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown camera, got %d", code)
	}

	// Rotated frames swap their dimensions.
	resp := waitForFrame(t, ts.URL+"/api/cameras/camera1/frame.jpg")
	defer resp.Body.Close()
	img, err := jpeg.Decode(resp.Body)
	if err != nil {
		t.Fatalf("Frame does not decode: %v", err)
	}
	if img.Bounds().Dx() != 16 || img.Bounds().Dy() != 32 {
		t.Errorf("Expected 16x32 rotated frame, got %v", img.Bounds())
	}
}

func TestCapture(t *testing.T) {
	ts, _, _ := newTestServer(t, true)
	waitForFrame(t, ts.URL+"/api/cameras/camera1/frame.jpg").Body.Close()

	resp, err := http.Post(ts.URL+"/api/cameras/camera1/capture", "application/json", nil)
	if err != nil {
		t.Fatalf("Capture request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Body does not parse: %v", err)
	}
	path, _ := body["file"].(string)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Captured file %q not readable: %v", path, err)
	}
	if _, err := jpeg.Decode(bytes.NewReader(data)); err != nil {
		t.Errorf("Captured file is not a JPEG: %v", err)
	}
	if id, _ := body["capture_id"].(string); len(id) != 36 {
		t.Errorf("Expected a UUID capture_id, got %q", id)
	}
}

func TestLiveFrames(t *testing.T) {
	ts, _, _ := newTestServer(t, true)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/camera1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 3; i++ {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Read frame %d failed: %v", i, err)
		}
		if msgType != websocket.BinaryMessage {
			t.Errorf("Expected binary message, got %d", msgType)
		}
		if _, err := jpeg.Decode(bytes.NewReader(data)); err != nil {
			t.Errorf("Frame %d is not a JPEG: %v", i, err)
		}
	}

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/ghost", nil)
	if err == nil {
		t.Fatal("Expected dial to unknown camera to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown camera, got %v", resp)
	}
}

func TestWebRTCUnknownCamera(t *testing.T) {
	ts, _, _ := newTestServer(t, false)

	var body map[string]interface{}
	if code := getJSON(t, ts.URL+"/webrtc/camera1", &body); code != http.StatusNotFound {
		t.Errorf("Expected 404 without WebRTC servers, got %d", code)
	}
}

func TestMetrics(t *testing.T) {
	ts, _, _ := newTestServer(t, true)
	waitForFrame(t, ts.URL+"/api/cameras/camera1/frame.jpg").Body.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "capture_frames_completed_total") {
		t.Errorf("Expected capture metrics in output:\n%s", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts, _, _ := newTestServer(t, false)

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/status", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Missing CORS header")
	}
}
