//go:build !linux

package camera

import (
	"errors"
	"io"

	"go.uber.org/zap"

	"pi-frame-capture/capture"
)

func openV4L2(string, *zap.Logger) (capture.Device, io.Closer, error) {
	return nil, nil, errors.New("v4l2 backend is only available on linux")
}
