package config

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"pi-frame-capture/display"
	"pi-frame-capture/pixel"
)

// EnvPrefix prefixes every environment override, e.g. CAPTURE_WEB_PORT.
const EnvPrefix = "CAPTURE"

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `toml:"server" json:"server"`
	Cameras  []CameraConfig `toml:"cameras" json:"cameras"`
	Capture  CaptureConfig  `toml:"capture" json:"capture"`
	Display  DisplayConfig  `toml:"display" json:"display"`
	RTP      RTPConfig      `toml:"rtp" json:"rtp"`
	WebRTC   WebRTCConfig   `toml:"webrtc" json:"webrtc"`
	Timeouts TimeoutConfig  `toml:"timeouts" json:"timeouts"`
	Logging  LoggingConfig  `toml:"logging" json:"logging"`
}

// CameraConfig describes one capture device and the streams configured on it
type CameraConfig struct {
	ID      string `toml:"id" json:"id"`
	Backend string `toml:"backend" json:"backend"` // sim or v4l2
	Device  string `toml:"device" json:"device"`
	// Orientation is applied by the display side, in clockwise degrees.
	Orientation int            `toml:"orientation" json:"orientation"`
	Streams     []StreamConfig `toml:"streams" json:"streams"`
}

// StreamConfig holds the per-stream capture settings
type StreamConfig struct {
	Name          string `toml:"name" json:"name"`
	Role          string `toml:"role" json:"role"`
	Width         int    `toml:"width" json:"width"`
	Height        int    `toml:"height" json:"height"`
	FPS           int    `toml:"fps" json:"fps"`
	Format        string `toml:"format" json:"format"`
	DisplayFormat string `toml:"display_format" json:"display_format"`
	BufferCount   int    `toml:"buffer_count" json:"buffer_count"`
	RequestCount  int    `toml:"request_count" json:"request_count"`
}

// ServerConfig holds web server settings
type ServerConfig struct {
	WebPort  int    `toml:"web_port" json:"web_port"`
	BindIP   string `toml:"bind_ip" json:"bind_ip"`
	PublicIP string `toml:"public_ip" json:"public_ip"` // Auto-detected if empty
	// AllowedOrigins restricts WebSocket upgrades; empty or "*" allows all.
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins"`
}

// CaptureConfig holds engine settings shared by all cameras
type CaptureConfig struct {
	ReleaseTimeoutMS int `toml:"release_timeout_ms" json:"release_timeout_ms"`
	SimFPS           int `toml:"sim_fps" json:"sim_fps"`
	// SimFormats lists what the simulated device offers; empty offers all.
	SimFormats []string `toml:"sim_formats" json:"sim_formats"`
}

// DisplayConfig controls how frames are pulled and rendered for viewers
type DisplayConfig struct {
	RepaintFPS  int    `toml:"repaint_fps" json:"repaint_fps"`
	JPEGQuality int    `toml:"jpeg_quality" json:"jpeg_quality"`
	SnapshotDir string `toml:"snapshot_dir" json:"snapshot_dir"`
}

// RTPConfig holds RTP/JPEG output settings
type RTPConfig struct {
	Enabled       bool   `toml:"enabled" json:"enabled"`
	DestHost      string `toml:"dest_host" json:"dest_host"`
	BasePort      int    `toml:"base_port" json:"base_port"` // camera N sends to base_port + 2N
	MTU           int    `toml:"mtu" json:"mtu"`
	DSCP          int    `toml:"dscp" json:"dscp"`
	SSRCBase      uint32 `toml:"ssrc_base" json:"ssrc_base"`
	StatsInterval int    `toml:"stats_interval_seconds" json:"stats_interval_seconds"`
}

// WebRTCConfig holds WebRTC-specific settings
type WebRTCConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled"`
	STUNServer string `toml:"stun_server" json:"stun_server"`
	MaxClients int    `toml:"max_clients" json:"max_clients"`
	ChunkSize  int    `toml:"chunk_size" json:"chunk_size"`
}

// TimeoutConfig holds timeout and delay settings
type TimeoutConfig struct {
	CameraStartupDelay  int `toml:"camera_startup_delay_ms" json:"camera_startup_delay_ms"`
	ShutdownTimeout     int `toml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
	HTTPShutdownTimeout int `toml:"http_shutdown_timeout_seconds" json:"http_shutdown_timeout_seconds"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level            string `toml:"level" json:"level"`
	Dir              string `toml:"dir" json:"dir"`
	MaxLogFiles      int    `toml:"max_log_files" json:"max_log_files"`
	StatsLogInterval int    `toml:"stats_log_interval_seconds" json:"stats_log_interval_seconds"`
}

// envOverrides are the settings that may be replaced from the environment.
// Unset variables leave the file value alone.
type envOverrides struct {
	BindIP      string `envconfig:"BIND_IP"`
	PublicIP    string `envconfig:"PUBLIC_IP"`
	WebPort     int    `envconfig:"WEB_PORT"`
	Backend     string `envconfig:"BACKEND"`
	SnapshotDir string `envconfig:"SNAPSHOT_DIR"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
	RTPEnabled  *bool  `envconfig:"RTP_ENABLED"`
	RTPHost     string `envconfig:"RTP_HOST"`
}

// Default returns the built-in configuration: one simulated camera with a
// YUYV viewfinder converted to RGB888 for display.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			WebPort: 8080,
			BindIP:  "0.0.0.0",
		},
		Cameras: []CameraConfig{
			{
				ID:      "camera1",
				Backend: "sim",
				Device:  "/dev/video0",
				Streams: []StreamConfig{DefaultStream()},
			},
		},
		Capture: CaptureConfig{
			ReleaseTimeoutMS: 2000,
			SimFPS:           30,
		},
		Display: DisplayConfig{
			RepaintFPS:  15,
			JPEGQuality: 85,
		},
		RTP: RTPConfig{
			Enabled:       false,
			DestHost:      "127.0.0.1",
			BasePort:      5000,
			MTU:           1400,
			DSCP:          0,
			SSRCBase:      0x12345678,
			StatsInterval: 10,
		},
		WebRTC: WebRTCConfig{
			Enabled:    true,
			STUNServer: "stun:stun.l.google.com:19302",
			MaxClients: 4,
			ChunkSize:  16384,
		},
		Timeouts: TimeoutConfig{
			CameraStartupDelay:  200,
			ShutdownTimeout:     30,
			HTTPShutdownTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:            "info",
			Dir:              "logs",
			MaxLogFiles:      20,
			StatsLogInterval: 60,
		},
	}
}

// DefaultStream is the stream used when a camera lists none.
func DefaultStream() StreamConfig {
	return StreamConfig{
		Name:          "viewfinder",
		Role:          "viewfinder",
		Width:         640,
		Height:        480,
		FPS:           30,
		Format:        string(pixel.FormatYUYV),
		DisplayFormat: string(pixel.FormatRGB888),
		BufferCount:   4,
	}
}

// LoadConfig loads configuration from a TOML file and applies environment
// overrides. A missing file yields the defaults.
func LoadConfig(configPath string) (*Config, error) {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	config := Default()

	if _, err := os.Stat(configPath); err == nil {
		// Cameras listed in the file replace the default camera.
		config.Cameras = nil
		if _, err := toml.DecodeFile(configPath, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		logger.Info("Config loaded from file", zap.String("path", configPath))
	} else {
		logger.Info("Config file not found, using defaults", zap.String("path", configPath))
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	config.fillStreamDefaults()

	if config.Server.PublicIP == "" {
		if ip := getLocalIP(); ip != "" {
			config.Server.PublicIP = ip
			logger.Info("Auto-detected public IP", zap.String("ip", ip))
		} else {
			config.Server.PublicIP = "localhost"
			logger.Warn("Could not detect public IP, using localhost")
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("failed to read environment overrides: %w", err)
	}

	if env.BindIP != "" {
		c.Server.BindIP = env.BindIP
	}
	if env.PublicIP != "" {
		c.Server.PublicIP = env.PublicIP
	}
	if env.WebPort != 0 {
		c.Server.WebPort = env.WebPort
	}
	if env.Backend != "" {
		for i := range c.Cameras {
			c.Cameras[i].Backend = env.Backend
		}
	}
	if env.SnapshotDir != "" {
		c.Display.SnapshotDir = env.SnapshotDir
	}
	if env.LogLevel != "" {
		c.Logging.Level = env.LogLevel
	}
	if env.RTPEnabled != nil {
		c.RTP.Enabled = *env.RTPEnabled
	}
	if env.RTPHost != "" {
		c.RTP.DestHost = env.RTPHost
	}
	return nil
}

func (c *Config) fillStreamDefaults() {
	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if cam.Backend == "" {
			cam.Backend = "sim"
		}
		if len(cam.Streams) == 0 {
			cam.Streams = []StreamConfig{DefaultStream()}
		}
		for j := range cam.Streams {
			s := &cam.Streams[j]
			if s.Role == "" {
				s.Role = "viewfinder"
			}
			if s.Name == "" {
				s.Name = s.Role
			}
			if s.DisplayFormat == "" {
				s.DisplayFormat = string(pixel.FormatRGB888)
			}
			if s.Format == "" {
				s.Format = s.DisplayFormat
			}
			if s.BufferCount == 0 {
				s.BufferCount = 4
			}
		}
	}
}

// Validate rejects configurations no device could satisfy.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.WebPort <= 0 || c.Server.WebPort > 65535 {
		errs = append(errs, fmt.Errorf("server.web_port %d out of range", c.Server.WebPort))
	}
	if len(c.Cameras) == 0 {
		errs = append(errs, errors.New("no cameras configured"))
	}

	seen := make(map[string]bool)
	for _, cam := range c.Cameras {
		if cam.ID == "" {
			errs = append(errs, errors.New("camera without id"))
			continue
		}
		if seen[cam.ID] {
			errs = append(errs, fmt.Errorf("duplicate camera id %q", cam.ID))
		}
		seen[cam.ID] = true

		switch cam.Backend {
		case "sim", "v4l2":
		default:
			errs = append(errs, fmt.Errorf("camera %s: unknown backend %q", cam.ID, cam.Backend))
		}
		if !display.ValidOrientation(cam.Orientation) {
			errs = append(errs, fmt.Errorf("camera %s: orientation %d is not a multiple of 90", cam.ID, cam.Orientation))
		}
		if cam.Backend == "v4l2" && len(cam.Streams) > 1 {
			errs = append(errs, fmt.Errorf("camera %s: a v4l2 node carries one stream", cam.ID))
		}
		for _, s := range cam.Streams {
			if err := s.validate(); err != nil {
				errs = append(errs, fmt.Errorf("camera %s stream %s: %w", cam.ID, s.Name, err))
			}
		}
	}

	for _, f := range c.Capture.SimFormats {
		if _, err := pixel.ParseFormat(f); err != nil {
			errs = append(errs, fmt.Errorf("capture.sim_formats: %w", err))
		}
	}
	if c.Display.RepaintFPS <= 0 {
		errs = append(errs, fmt.Errorf("display.repaint_fps must be positive"))
	}
	if c.RTP.Enabled && (c.RTP.MTU < 256 || c.RTP.DSCP < 0 || c.RTP.DSCP > 63) {
		errs = append(errs, fmt.Errorf("rtp: mtu %d or dscp %d out of range", c.RTP.MTU, c.RTP.DSCP))
	}
	if c.WebRTC.Enabled && (c.WebRTC.ChunkSize <= 0 || c.WebRTC.ChunkSize > 65535 || c.WebRTC.MaxClients <= 0) {
		errs = append(errs, fmt.Errorf("webrtc: chunk_size %d or max_clients %d out of range", c.WebRTC.ChunkSize, c.WebRTC.MaxClients))
	}
	return errors.Join(errs...)
}

func (s StreamConfig) validate() error {
	switch s.Role {
	case "viewfinder", "still", "raw":
	default:
		return fmt.Errorf("unknown role %q", s.Role)
	}
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("invalid geometry %dx%d", s.Width, s.Height)
	}
	source, err := pixel.ParseFormat(s.Format)
	if err != nil {
		return err
	}
	target, err := pixel.ParseFormat(s.DisplayFormat)
	if err != nil {
		return err
	}
	if !target.Displayable() {
		return fmt.Errorf("display format %s is not displayable", target)
	}
	if s.BufferCount <= 0 || s.RequestCount < 0 {
		return fmt.Errorf("buffer_count %d and request_count %d must be positive", s.BufferCount, s.RequestCount)
	}
	if conv, err := pixel.Select(source, target); err == nil && conv.Kind() == pixel.KindPassthrough && s.BufferCount < 2 {
		return fmt.Errorf("buffer_count %d: passthrough %s needs at least 2 buffers", s.BufferCount, target)
	}
	return nil
}

// Camera returns the configuration of the camera with the given id.
func (c *Config) Camera(id string) (CameraConfig, bool) {
	for _, cam := range c.Cameras {
		if cam.ID == id {
			return cam, true
		}
	}
	return CameraConfig{}, false
}

// getLocalIP attempts to determine the local IP address
func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}

// SaveConfig saves the current configuration to a file
func SaveConfig(config *Config, configPath string) error {
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}
