//go:build linux || darwin || freebsd

package mjpeg

import (
	"net"

	"golang.org/x/sys/unix"
)

// setDSCP marks outgoing packets with the given DSCP code point.
func setDSCP(conn *net.UDPConn, dscp int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, dscp<<2)
	})
	if err != nil {
		return err
	}
	return serr
}
