//go:build linux

package v4l2

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"pi-frame-capture/pixel"
)

const (
	bufTypeVideoCapture = 1
	memoryMMap          = 1
	fieldNone           = 1

	capVideoCapture = 0x00000001
	capStreaming    = 0x04000000
	capDeviceCaps   = 0x80000000

	bufFlagError = 0x00000040
)

func fourcc(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// Driver formats the engine understands, by memory byte order.
var fourccFormats = map[uint32]pixel.Format{
	fourcc('Y', 'U', 'Y', 'V'): pixel.FormatYUYV,
	fourcc('R', 'G', 'B', '3'): pixel.FormatRGB888,
	fourcc('B', 'G', 'R', '3'): pixel.FormatBGR888,
	fourcc('X', 'R', '2', '4'): pixel.FormatXRGB8888,
	fourcc('X', 'B', '2', '4'): pixel.FormatXBGR8888,
}

func formatFourCC(f pixel.Format) (uint32, bool) {
	for code, pf := range fourccFormats {
		if pf == f {
			return code, true
		}
	}
	return 0, false
}

type capability struct {
	Driver       [16]byte
	Card         [32]byte
	BusInfo      [32]byte
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
	Reserved     [3]uint32
}

type fmtDesc struct {
	Index       uint32
	Type        uint32
	Flags       uint32
	Description [32]byte
	PixelFormat uint32
	MbusCode    uint32
	Reserved    [3]uint32
}

type pixFormat struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	BytesPerLine uint32
	SizeImage    uint32
	Colorspace   uint32
	Priv         uint32
	Flags        uint32
	YcbcrEnc     uint32
	Quantization uint32
	XferFunc     uint32
}

// format mirrors struct v4l2_format. The union holds pointers on some
// members, so it is pointer aligned.
type format struct {
	Type uint32
	_    [unsafe.Sizeof(uintptr(0)) - 4]byte
	Fmt  [200]byte
}

func (f *format) pix() *pixFormat {
	return (*pixFormat)(unsafe.Pointer(&f.Fmt[0]))
}

type requestBuffers struct {
	Count        uint32
	Type         uint32
	Memory       uint32
	Capabilities uint32
	Flags        uint8
	Reserved     [3]uint8
}

type timecode struct {
	Type     uint32
	Flags    uint32
	Frames   uint8
	Seconds  uint8
	Minutes  uint8
	Hours    uint8
	Userbits [4]uint8
}

type buffer struct {
	Index     uint32
	Type      uint32
	BytesUsed uint32
	Flags     uint32
	Field     uint32
	Timestamp unix.Timeval
	Timecode  timecode
	Sequence  uint32
	Memory    uint32
	// M is the union of offset, userptr, planes and fd. For MMAP buffers the
	// low 32 bits are the mmap offset.
	M         uintptr
	Length    uint32
	Reserved2 uint32
	Reserved  uint32
}

func (b *buffer) offset() uint32 {
	return uint32(b.M)
}

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | typ<<8 | nr
}

func ior(nr, size uintptr) uintptr  { return ioc(iocRead, 'V', nr, size) }
func iow(nr, size uintptr) uintptr  { return ioc(iocWrite, 'V', nr, size) }
func iowr(nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, 'V', nr, size) }

var (
	vidiocQueryCap  = ior(0, unsafe.Sizeof(capability{}))
	vidiocEnumFmt   = iowr(2, unsafe.Sizeof(fmtDesc{}))
	vidiocSFmt      = iowr(5, unsafe.Sizeof(format{}))
	vidiocReqBufs   = iowr(8, unsafe.Sizeof(requestBuffers{}))
	vidiocQueryBuf  = iowr(9, unsafe.Sizeof(buffer{}))
	vidiocQBuf      = iowr(15, unsafe.Sizeof(buffer{}))
	vidiocDQBuf     = iowr(17, unsafe.Sizeof(buffer{}))
	vidiocStreamOn  = iow(18, unsafe.Sizeof(uint32(0)))
	vidiocStreamOff = iow(19, unsafe.Sizeof(uint32(0)))
)

// ioctl is a variable so tests can stand in for the driver.
var ioctl = sysIoctl

func sysIoctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return errno
		}
		return nil
	}
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
