//go:build !linux && !darwin && !freebsd

package mjpeg

import (
	"errors"
	"net"
)

func setDSCP(*net.UDPConn, int) error {
	return errors.New("DSCP marking not supported on this platform")
}
