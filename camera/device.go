package camera

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"pi-frame-capture/capture"
	"pi-frame-capture/config"
	"pi-frame-capture/device/sim"
	"pi-frame-capture/pixel"
)

// openDevice opens the backend named in cfg. The returned closer, if any,
// must be called after the scheduler has released every stream.
func openDevice(cfg config.CameraConfig, captureCfg config.CaptureConfig, logger *zap.Logger) (capture.Device, io.Closer, error) {
	switch cfg.Backend {
	case "sim":
		formats := make([]pixel.Format, 0, len(captureCfg.SimFormats))
		for _, name := range captureCfg.SimFormats {
			f, err := pixel.ParseFormat(name)
			if err != nil {
				return nil, nil, err
			}
			formats = append(formats, f)
		}
		return sim.New(sim.Config{FPS: captureCfg.SimFPS, Formats: formats}, logger), nil, nil
	case "v4l2":
		return openV4L2(cfg.Device, logger)
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
