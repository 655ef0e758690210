package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pi-frame-capture/camera"
	"pi-frame-capture/config"
	"pi-frame-capture/mjpeg"
	"pi-frame-capture/web"
	"pi-frame-capture/webrtc"
)

const (
	DefaultConfigPath = "config.toml"
	AppName           = "Pi Frame Capture"
	AppVersion        = "1.0.0"

	logFilePrefix = "pi-frame-capture-"
)

// Application represents the main application
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry

	// Components
	cameraManager *camera.Manager
	rtpManager    *mjpeg.Manager
	webrtcServers map[string]*webrtc.Server
	webServer     *web.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func main() {
	// Parse command line flags
	var (
		configPath = flag.String("config", DefaultConfigPath, "Path to configuration file")
		logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
		version    = flag.Bool("version", false, "Show version information")
		help       = flag.Bool("help", false, "Show help information")
		writeCfg   = flag.String("write-config", "", "Write the effective configuration to this path and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", AppName, AppVersion)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	if *help {
		fmt.Printf("%s v%s\n\n", AppName, AppVersion)
		fmt.Println("Captures camera frames through a recycled buffer pool and serves them over HTTP, WebSocket, WebRTC and RTP/JPEG")
		fmt.Println("\nUsage:")
		flag.PrintDefaults()
		fmt.Println("\nEnvironment Variables:")
		fmt.Printf("  %s_PUBLIC_IP    - Override auto-detected public IP address\n", config.EnvPrefix)
		fmt.Printf("  %s_BIND_IP      - Override the listen address\n", config.EnvPrefix)
		fmt.Printf("  %s_WEB_PORT     - Override the web port\n", config.EnvPrefix)
		fmt.Printf("  %s_BACKEND      - Force every camera onto the sim or v4l2 backend\n", config.EnvPrefix)
		fmt.Printf("  %s_SNAPSHOT_DIR - Directory for still captures\n", config.EnvPrefix)
		fmt.Printf("  %s_LOG_LEVEL    - Log level\n", config.EnvPrefix)
		fmt.Printf("  %s_RTP_ENABLED  - Enable RTP/JPEG output\n", config.EnvPrefix)
		fmt.Printf("  %s_RTP_HOST     - RTP/JPEG destination host\n", config.EnvPrefix)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if *writeCfg != "" {
		if err := config.SaveConfig(cfg, *writeCfg); err != nil {
			fmt.Printf("Failed to write configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration written to %s\n", *writeCfg)
		os.Exit(0)
	}

	// Create logger
	logger, err := createLogger(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting "+AppName,
		zap.String("version", AppVersion),
		zap.String("go_version", runtime.Version()),
		zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH))

	logger.Info("Configuration loaded",
		zap.String("public_ip", cfg.Server.PublicIP),
		zap.Int("web_port", cfg.Server.WebPort),
		zap.Int("cameras", len(cfg.Cameras)),
		zap.Bool("rtp_enabled", cfg.RTP.Enabled),
		zap.Bool("webrtc_enabled", cfg.WebRTC.Enabled))

	// Create application
	app := NewApplication(cfg, logger)

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	// Start application
	if err := app.Start(ctx); err != nil {
		logger.Fatal("Failed to start application", zap.Error(err))
	}

	// Wait for shutdown signal
	select {
	case sig := <-signalCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	// Graceful shutdown
	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(app.config.Timeouts.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Shutdown complete")
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config, logger *zap.Logger) *Application {
	ctx, cancel := context.WithCancel(context.Background())

	return &Application{
		config:        cfg,
		logger:        logger,
		registry:      prometheus.NewRegistry(),
		webrtcServers: make(map[string]*webrtc.Server),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start starts all application components
func (a *Application) Start(ctx context.Context) error {
	a.logger.Info("Starting application components")

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := a.initializeCameraManager(); err != nil {
		return fmt.Errorf("failed to initialize camera manager: %w", err)
	}

	if err := a.initializeWebRTCServers(); err != nil {
		return fmt.Errorf("failed to initialize WebRTC servers: %w", err)
	}

	a.rtpManager = mjpeg.NewManager(a.config, a.cameraManager, a.logger)

	a.initializeWebServer()

	if err := a.startComponents(); err != nil {
		return fmt.Errorf("failed to start components: %w", err)
	}

	a.logger.Info("Application started successfully",
		zap.String("web_url", fmt.Sprintf("http://%s:%d", a.config.Server.PublicIP, a.config.Server.WebPort)),
		zap.Strings("cameras", a.cameraManager.GetCameraList()))

	return nil
}

// initializeCameraManager sets up the camera management system
func (a *Application) initializeCameraManager() error {
	a.logger.Info("Initializing camera manager")

	manager, err := camera.NewManager(a.config, a.registry, a.logger)
	if err != nil {
		return err
	}
	a.cameraManager = manager

	a.logger.Info("Camera manager initialized", zap.Int("cameras", len(manager.GetCameraList())))
	return nil
}

// initializeWebRTCServers creates a WebRTC server for each camera
func (a *Application) initializeWebRTCServers() error {
	if !a.config.WebRTC.Enabled {
		a.logger.Info("WebRTC disabled")
		return nil
	}
	a.logger.Info("Initializing WebRTC servers")

	for _, cameraID := range a.cameraManager.GetCameraList() {
		server, err := webrtc.NewServer(cameraID, a.config, a.cameraManager, a.logger)
		if err != nil {
			return fmt.Errorf("failed to create WebRTC server for %s: %w", cameraID, err)
		}
		a.webrtcServers[cameraID] = server
	}

	a.logger.Info("WebRTC servers initialized", zap.Int("servers", len(a.webrtcServers)))
	return nil
}

// initializeWebServer creates the main web server
func (a *Application) initializeWebServer() {
	a.webServer = web.NewServer(a.config, a.logger)
	a.webServer.SetCameraManager(a.cameraManager)
	a.webServer.SetWebRTCServers(a.webrtcServers)
	a.webServer.SetRTPManager(a.rtpManager)
	a.webServer.SetGatherer(a.registry)
}

// startComponents starts all application components
func (a *Application) startComponents() error {
	for id, server := range a.webrtcServers {
		if err := server.Start(a.ctx); err != nil {
			return fmt.Errorf("failed to start WebRTC server %s: %w", id, err)
		}
	}

	if err := a.rtpManager.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start RTP output: %w", err)
	}

	if err := a.webServer.Start(); err != nil {
		return fmt.Errorf("failed to start web server: %w", err)
	}

	// Start cameras
	a.wg.Add(1)
	go a.startCamerasAsync()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.cameraManager.LogStats(a.ctx, time.Duration(a.config.Logging.StatsLogInterval)*time.Second)
	}()

	return nil
}

// startCamerasAsync starts cameras in configuration order. The manager
// spaces out device opens itself.
func (a *Application) startCamerasAsync() {
	defer a.wg.Done()

	a.logger.Info("Starting cameras")

	for _, cameraID := range a.cameraManager.GetCameraList() {
		if a.ctx.Err() != nil {
			return
		}
		if err := a.cameraManager.StartCamera(cameraID); err != nil {
			a.logger.Error("Failed to start camera", zap.String("camera", cameraID), zap.Error(err))
		} else {
			a.logger.Info("Camera started", zap.String("camera", cameraID))
		}
	}
}

// Stop gracefully stops all application components
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info("Stopping application")

	a.cancel()

	if a.webServer != nil {
		httpCtx, cancel := context.WithTimeout(ctx, time.Duration(a.config.Timeouts.HTTPShutdownTimeout)*time.Second)
		if err := a.webServer.Stop(httpCtx); err != nil {
			a.logger.Error("Error stopping web server", zap.Error(err))
		}
		cancel()
	}

	for id, server := range a.webrtcServers {
		if err := server.Stop(); err != nil {
			a.logger.Error("Error stopping WebRTC server", zap.String("camera", id), zap.Error(err))
		}
	}

	if a.rtpManager != nil {
		if err := a.rtpManager.Stop(); err != nil {
			a.logger.Error("Error stopping RTP output", zap.Error(err))
		}
	}

	// Wait for goroutines before releasing buffers under them
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("Shutdown timeout reached, forcing exit")
		return ctx.Err()
	}

	var err error
	if a.cameraManager != nil {
		if err = a.cameraManager.Close(ctx); err != nil {
			a.logger.Error("Error stopping camera manager", zap.Error(err))
		}
	}

	a.logger.Info("All components stopped")
	return err
}

// createLogger creates a structured logger writing to stdout and a
// timestamped file, keeping the newest MaxLogFiles files.
func createLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	outputs := []string{"stdout"}
	errorOutputs := []string{"stderr"}

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log dir: %w", err)
		}
		ts := time.Now().Format("20060102-150405")
		logFile := filepath.Join(cfg.Dir, fmt.Sprintf("%s%s.log", logFilePrefix, ts))

		if cfg.MaxLogFiles > 0 {
			files, _ := filepath.Glob(filepath.Join(cfg.Dir, logFilePrefix+"*.log"))
			// Leave room for the file about to be created
			if keep := cfg.MaxLogFiles - 1; len(files) > keep {
				sort.Strings(files) // lexicographic order matches timestamp
				for _, f := range files[:len(files)-keep] {
					_ = os.Remove(f)
				}
			}
		}

		outputs = append(outputs, logFile)
		errorOutputs = append(errorOutputs, logFile)
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      outputs,
		ErrorOutputPaths: errorOutputs,
	}

	return config.Build()
}
