package web

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pi-frame-capture/camera"
	"pi-frame-capture/capture"
	"pi-frame-capture/config"
	"pi-frame-capture/mjpeg"
	"pi-frame-capture/webrtc"
)

//go:embed static/viewer.html
var viewerHTML []byte

// Handlers manages HTTP request handlers
type Handlers struct {
	config        *config.Config
	logger        *zap.Logger
	cameraManager *camera.Manager
	webrtcServers map[string]*webrtc.Server
	rtpManager    *mjpeg.Manager
	upgrader      websocket.Upgrader
	startTime     time.Time
}

// NewHandlers creates a new handlers instance
func NewHandlers(cfg *config.Config, logger *zap.Logger) *Handlers {
	h := &Handlers{
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 64 * 1024,
	}
	return h
}

// SetCameraManager sets the camera manager
func (h *Handlers) SetCameraManager(manager *camera.Manager) {
	h.cameraManager = manager
}

// SetWebRTCServers sets the WebRTC servers
func (h *Handlers) SetWebRTCServers(servers map[string]*webrtc.Server) {
	h.webrtcServers = servers
}

// SetRTPManager sets the RTP/JPEG output manager
func (h *Handlers) SetRTPManager(manager *mjpeg.Manager) {
	h.rtpManager = manager
}

func (h *Handlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.config.Server.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.config.Server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleHome redirects to the viewer
func (h *Handlers) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, "/viewer", http.StatusFound)
}

// HandleViewer serves the camera viewer page
func (h *Handlers) HandleViewer(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(viewerHTML)
}

// HandleAPIStatus returns the status of all components
func (h *Handlers) HandleAPIStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"server": map[string]interface{}{
			"public_ip":      h.config.Server.PublicIP,
			"web_port":       h.config.Server.WebPort,
			"uptime_seconds": int(time.Since(h.startTime).Seconds()),
			"running":        true,
		},
	}

	if h.cameraManager != nil {
		status["cameras"] = h.cameraManager.GetStatus()
	}
	if h.rtpManager != nil {
		status["rtp"] = map[string]interface{}{
			"enabled": h.config.RTP.Enabled,
			"cameras": h.rtpManager.GetCameraList(),
		}
	}
	if h.webrtcServers != nil {
		webrtcStatus := make(map[string]interface{})
		for id, server := range h.webrtcServers {
			webrtcStatus[id] = map[string]interface{}{
				"peer_count":   server.GetPeerCount(),
				"is_streaming": server.IsStreaming(),
			}
		}
		status["webrtc"] = webrtcStatus
	}

	h.writeJSONResponse(w, status)
}

// HandleAPIConfig returns the current configuration
func (h *Handlers) HandleAPIConfig(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, h.config)
}

// HandleAPICameras returns camera information
func (h *Handlers) HandleAPICameras(w http.ResponseWriter, r *http.Request) {
	if !h.requireCameras(w) {
		return
	}
	h.writeJSONResponse(w, h.cameraManager.GetStatus())
}

// targetCameras returns the camera named by ?id=, or every camera
func (h *Handlers) targetCameras(r *http.Request) []string {
	if id := r.URL.Query().Get("id"); id != "" {
		return []string{id}
	}
	return h.cameraManager.GetCameraList()
}

// HandleAPIStartCameras starts all cameras, or the one named by ?id=
func (h *Handlers) HandleAPIStartCameras(w http.ResponseWriter, r *http.Request) {
	if !h.requireCameras(w) {
		return
	}

	results := make(map[string]interface{})
	for _, cameraID := range h.targetCameras(r) {
		if err := h.cameraManager.StartCamera(cameraID); err != nil {
			results[cameraID] = map[string]interface{}{"success": false, "error": err.Error()}
			h.logger.Error("Failed to start camera", zap.String("camera", cameraID), zap.Error(err))
			continue
		}
		results[cameraID] = map[string]interface{}{"success": true}
		h.logger.Info("Camera started", zap.String("camera", cameraID))
	}

	h.writeJSONResponse(w, map[string]interface{}{
		"action":  "start_cameras",
		"results": results,
	})
}

// HandleAPIStopCameras stops all cameras, or the one named by ?id=
func (h *Handlers) HandleAPIStopCameras(w http.ResponseWriter, r *http.Request) {
	if !h.requireCameras(w) {
		return
	}

	timeout := time.Duration(h.config.Capture.ReleaseTimeoutMS)*time.Millisecond + time.Second
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	results := make(map[string]interface{})
	for _, cameraID := range h.targetCameras(r) {
		if err := h.cameraManager.StopCamera(ctx, cameraID); err != nil {
			results[cameraID] = map[string]interface{}{"success": false, "error": err.Error()}
			h.logger.Error("Failed to stop camera", zap.String("camera", cameraID), zap.Error(err))
			continue
		}
		results[cameraID] = map[string]interface{}{"success": true}
		h.logger.Info("Camera stopped", zap.String("camera", cameraID))
	}

	h.writeJSONResponse(w, map[string]interface{}{
		"action":  "stop_cameras",
		"results": results,
	})
}

// HandleAPIStats returns capture, RTP and WebRTC statistics
func (h *Handlers) HandleAPIStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"timestamp": time.Now().Unix(),
	}

	if h.cameraManager != nil {
		stats["cameras"] = h.cameraManager.GetStats()
	}
	if h.rtpManager != nil {
		stats["rtp"] = h.rtpManager.GetStats()
	}
	if h.webrtcServers != nil {
		webrtcStats := make(map[string]interface{})
		for id, server := range h.webrtcServers {
			webrtcStats[id] = server.GetStats()
		}
		stats["webrtc"] = webrtcStats
	}

	h.writeJSONResponse(w, stats)
}

// HandleFrame serves the latest display frame of a camera as JPEG
func (h *Handlers) HandleFrame(w http.ResponseWriter, r *http.Request) {
	if !h.requireCameras(w) {
		return
	}

	snap, err := h.cameraManager.Snapshot(r.PathValue("id"))
	if err != nil {
		h.writeCameraError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Sequence", strconv.FormatUint(uint64(snap.Sequence), 10))
	w.Header().Set("X-Frame-Timestamp", snap.Timestamp.UTC().Format(time.RFC3339Nano))
	w.Write(snap.JPEG)
}

// orientationRequest is the body of an orientation change
type orientationRequest struct {
	Degrees int `json:"degrees"`
}

// HandleOrientation sets a camera's display rotation
func (h *Handlers) HandleOrientation(w http.ResponseWriter, r *http.Request) {
	if !h.requireCameras(w) {
		return
	}

	var req orientationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	if err := h.cameraManager.SetOrientation(id, req.Degrees); err != nil {
		if errors.Is(err, camera.ErrNotFound) {
			h.writeErrorResponse(w, err.Error(), http.StatusNotFound)
			return
		}
		h.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.logger.Info("Orientation changed", zap.String("camera", id), zap.Int("degrees", req.Degrees))
	h.writeJSONResponse(w, map[string]interface{}{
		"camera":      id,
		"orientation": req.Degrees,
	})
}

// HandleCapture saves a still image of a camera
func (h *Handlers) HandleCapture(w http.ResponseWriter, r *http.Request) {
	if !h.requireCameras(w) {
		return
	}

	id := r.PathValue("id")
	captureID := uuid.New().String()
	path, snap, err := h.cameraManager.CaptureStill(id)
	if err != nil {
		h.logger.Warn("Still capture failed",
			zap.String("camera", id),
			zap.String("capture_id", captureID),
			zap.Error(err))
		h.writeCameraError(w, err)
		return
	}

	h.logger.Info("Still captured",
		zap.String("camera", id),
		zap.String("capture_id", captureID),
		zap.String("file", path))
	h.writeJSONResponse(w, map[string]interface{}{
		"capture_id":  captureID,
		"camera":      id,
		"file":        path,
		"width":       snap.Width,
		"height":      snap.Height,
		"sequence":    snap.Sequence,
		"orientation": snap.Orientation,
	})
}

// HandleLiveFrames pushes a camera's display frame over a WebSocket once per
// repaint tick, skipping ticks without a new frame
func (h *Handlers) HandleLiveFrames(w http.ResponseWriter, r *http.Request) {
	if !h.requireCameras(w) {
		return
	}

	id := r.PathValue("id")
	if _, err := h.cameraManager.GetCamera(id); err != nil {
		h.writeCameraError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade live frame socket", zap.Error(err))
		return
	}
	defer conn.Close()

	logger := h.logger.With(zap.String("camera", id), zap.String("remote_addr", r.RemoteAddr))
	logger.Info("Live viewer connected")

	// Reading detects the client going away
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second / time.Duration(h.config.Display.RepaintFPS))
	defer ticker.Stop()

	var (
		last uint32
		sent bool
		n    uint64
	)
	for {
		select {
		case <-done:
			logger.Info("Live viewer disconnected", zap.Uint64("frames_sent", n))
			return
		case <-ticker.C:
		}

		snap, err := h.cameraManager.Snapshot(id)
		if err != nil {
			continue
		}
		if sent && snap.Sequence == last {
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.BinaryMessage, snap.JPEG); err != nil {
			logger.Info("Live viewer write failed", zap.Error(err))
			return
		}
		sent, last = true, snap.Sequence
		n++
	}
}

// HandleWebRTC hands a viewer's signaling socket to the camera's WebRTC server
func (h *Handlers) HandleWebRTC(w http.ResponseWriter, r *http.Request) {
	server, ok := h.webrtcServers[r.PathValue("id")]
	if !ok {
		h.writeErrorResponse(w, "No WebRTC server for camera", http.StatusNotFound)
		return
	}
	server.ServeHTTP(w, r)
}

// HandleHealth returns health check information
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	services := map[string]interface{}{
		"web_server": "running",
	}

	if h.cameraManager != nil {
		running := 0
		cameras := h.cameraManager.GetCameraList()
		for _, id := range cameras {
			if h.cameraManager.IsRunning(id) {
				running++
			}
		}
		services["camera_manager"] = map[string]int{"cameras": len(cameras), "running": running}
	}
	if h.webrtcServers != nil {
		services["webrtc_servers"] = len(h.webrtcServers)
	}

	h.writeJSONResponse(w, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  services,
	})
}

func (h *Handlers) requireCameras(w http.ResponseWriter) bool {
	if h.cameraManager == nil {
		h.writeErrorResponse(w, "Camera manager not available", http.StatusServiceUnavailable)
		return false
	}
	return true
}

// writeCameraError maps camera errors onto HTTP status codes
func (h *Handlers) writeCameraError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, camera.ErrNotFound):
		h.writeErrorResponse(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, camera.ErrNotRunning), errors.Is(err, capture.ErrNoFrame):
		h.writeErrorResponse(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.writeErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":  message,
		"status": statusCode,
	})
}
