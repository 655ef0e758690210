package web

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"pi-frame-capture/camera"
	"pi-frame-capture/config"
	"pi-frame-capture/mjpeg"
	"pi-frame-capture/webrtc"
)

// Server represents the main web server
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server

	handlers *Handlers
	gatherer prometheus.Gatherer
}

// NewServer creates a new web server
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		config:   cfg,
		logger:   logger,
		handlers: NewHandlers(cfg, logger),
	}
}

// SetCameraManager sets the camera manager
func (s *Server) SetCameraManager(manager *camera.Manager) {
	s.handlers.SetCameraManager(manager)
}

// SetWebRTCServers sets the per-camera WebRTC servers
func (s *Server) SetWebRTCServers(servers map[string]*webrtc.Server) {
	s.handlers.SetWebRTCServers(servers)
}

// SetRTPManager sets the RTP/JPEG output manager
func (s *Server) SetRTPManager(manager *mjpeg.Manager) {
	s.handlers.SetRTPManager(manager)
}

// SetGatherer sets the registry served at /metrics
func (s *Server) SetGatherer(g prometheus.Gatherer) {
	s.gatherer = g
}

// Handler builds the routed handler with middleware
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handlers.HandleHome)
	mux.HandleFunc("GET /viewer", s.handlers.HandleViewer)

	// API endpoints
	mux.HandleFunc("GET /api/status", s.handlers.HandleAPIStatus)
	mux.HandleFunc("GET /api/config", s.handlers.HandleAPIConfig)
	mux.HandleFunc("GET /api/cameras", s.handlers.HandleAPICameras)
	mux.HandleFunc("POST /api/cameras/start", s.handlers.HandleAPIStartCameras)
	mux.HandleFunc("POST /api/cameras/stop", s.handlers.HandleAPIStopCameras)
	mux.HandleFunc("GET /api/stats", s.handlers.HandleAPIStats)
	mux.HandleFunc("GET /api/cameras/{id}/frame.jpg", s.handlers.HandleFrame)
	mux.HandleFunc("POST /api/cameras/{id}/orientation", s.handlers.HandleOrientation)
	mux.HandleFunc("POST /api/cameras/{id}/capture", s.handlers.HandleCapture)

	// Live views
	mux.HandleFunc("GET /ws/{id}", s.handlers.HandleLiveFrames)
	mux.HandleFunc("GET /webrtc/{id}", s.handlers.HandleWebRTC)

	mux.HandleFunc("GET /health", s.handlers.HandleHealth)

	gatherer := s.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return s.addMiddleware(mux)
}

// Start starts the web server
func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.Int("port", s.config.Server.WebPort))

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.config.Server.BindIP, s.config.Server.WebPort),
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		// No write timeout: live frame sockets are long lived
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Web server error", zap.Error(err))
		}
	}()

	s.logger.Info("Web server started",
		zap.String("address", s.httpServer.Addr),
		zap.String("url", fmt.Sprintf("http://%s:%d", s.config.Server.PublicIP, s.config.Server.WebPort)))

	return nil
}

// addMiddleware adds CORS and request logging
func (s *Server) addMiddleware(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler.ServeHTTP(lw, r)

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", lw.statusCode),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// loggingResponseWriter wraps http.ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// Hijack hands the connection to the WebSocket upgrader
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Flush passes flushes through to the underlying writer
func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Stop gracefully shuts down the web server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping web server")

	if s.httpServer == nil {
		return nil
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Error during server shutdown", zap.Error(err))
		return err
	}

	s.logger.Info("Web server stopped")
	return nil
}
