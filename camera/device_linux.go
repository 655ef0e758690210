//go:build linux

package camera

import (
	"io"

	"go.uber.org/zap"

	"pi-frame-capture/capture"
	"pi-frame-capture/device/v4l2"
)

func openV4L2(path string, logger *zap.Logger) (capture.Device, io.Closer, error) {
	dev, err := v4l2.Open(path, logger)
	if err != nil {
		return nil, nil, err
	}
	return dev, dev, nil
}
