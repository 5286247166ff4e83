//go:build linux && (amd64 || arm64 || riscv64 || ppc64le)

// Package v4l2 implements capture.Device over Video4Linux2 memory-mapped
// streaming I/O using raw ioctls.
package v4l2

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/e7canasta/streamer/capture"
)

var _ capture.Device = (*Device)(nil)

// Device is an open V4L2 capture node.
type Device struct {
	path string
	fd   int
}

// Open opens path non-blocking and checks that it is a streaming capture
// device.
func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("v4l2: open %s: %w", path, err)
	}
	d := &Device{path: path, fd: fd}

	var caps capability
	if err := ioctl(fd, vidiocQueryCap, unsafe.Pointer(&caps)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("v4l2: %s: VIDIOC_QUERYCAP: %w", path, err)
	}

	c := caps.Capabilities
	if c&capDeviceCaps != 0 {
		c = caps.DeviceCaps
	}
	if c&capVideoCapture == 0 || c&capStreaming == 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("v4l2: %s is not a streaming capture device (caps %#x)", path, c)
	}

	slog.Info("v4l2: device opened",
		"path", path,
		"driver", cstring(caps.Driver[:]),
		"card", cstring(caps.Card[:]),
		"bus_info", cstring(caps.BusInfo[:]),
	)

	return d, nil
}

func (d *Device) NegotiateFormat(want capture.Format) (capture.Format, error) {
	f := format{Type: bufTypeVideoCapture}
	if err := ioctl(d.fd, vidiocGetFmt, unsafe.Pointer(&f)); err != nil {
		return capture.Format{}, fmt.Errorf("v4l2: VIDIOC_G_FMT: %w", err)
	}

	f.Pix.Width = uint32(want.Width)
	f.Pix.Height = uint32(want.Height)
	f.Pix.PixelFormat = uint32(want.PixelFormat)
	f.Pix.Field = fieldAny
	f.Pix.BytesPerLine = 0

	if err := ioctl(d.fd, vidiocSetFmt, unsafe.Pointer(&f)); err != nil {
		return capture.Format{}, fmt.Errorf("v4l2: VIDIOC_S_FMT: %w", err)
	}

	got := capture.Format{
		Width:       int(f.Pix.Width),
		Height:      int(f.Pix.Height),
		PixelFormat: capture.PixelFormat(f.Pix.PixelFormat),
	}
	if stride := got.Width * got.PixelFormat.BytesPerPixel(); stride > 0 && int(f.Pix.BytesPerLine) != stride {
		slog.Warn("v4l2: padded rows, frames will be sheared",
			"bytes_per_line", f.Pix.BytesPerLine,
			"expected", stride,
		)
	}
	return got, nil
}

func (d *Device) RequestBuffers(n int) ([]capture.Region, error) {
	req := requestBuffers{Count: uint32(n), Type: bufTypeVideoCapture, Memory: memoryMMAP}
	if err := ioctl(d.fd, vidiocReqBufs, unsafe.Pointer(&req)); err != nil {
		return nil, fmt.Errorf("v4l2: VIDIOC_REQBUFS: %w", err)
	}

	regions := make([]capture.Region, 0, req.Count)
	for i := uint32(0); i < req.Count; i++ {
		b := buffer{Index: i, Type: bufTypeVideoCapture, Memory: memoryMMAP}
		if err := ioctl(d.fd, vidiocQueryBuf, unsafe.Pointer(&b)); err != nil {
			return nil, fmt.Errorf("v4l2: VIDIOC_QUERYBUF %d: %w", i, err)
		}
		regions = append(regions, capture.Region{
			Index:  int(b.Index),
			Offset: int64(b.Offset),
			Length: int(b.Length),
		})
	}
	return regions, nil
}

func (d *Device) Map(r capture.Region) ([]byte, error) {
	mem, err := unix.Mmap(d.fd, r.Offset, r.Length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("v4l2: mmap buffer %d: %w", r.Index, err)
	}
	return mem, nil
}

func (d *Device) Unmap(r capture.Region, mem []byte) error {
	if mem == nil {
		return nil
	}
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("v4l2: munmap buffer %d: %w", r.Index, err)
	}
	return nil
}

func (d *Device) Enqueue(index int) error {
	b := buffer{Index: uint32(index), Type: bufTypeVideoCapture, Memory: memoryMMAP}
	if err := ioctl(d.fd, vidiocQBuf, unsafe.Pointer(&b)); err != nil {
		return classify("VIDIOC_QBUF", err)
	}
	return nil
}

// Dequeue polls for readability up to timeout, then dequeues one buffer.
func (d *Device) Dequeue(timeout time.Duration) (int, error) {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN | unix.POLLPRI}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		return -1, classify("poll", err)
	}
	if n == 0 {
		return -1, fmt.Errorf("v4l2: %s: %w", d.path, capture.ErrTimeout)
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 && fds[0].Revents&unix.POLLIN == 0 {
		return -1, fmt.Errorf("v4l2: %s: poll revents %#x", d.path, fds[0].Revents)
	}

	b := buffer{Type: bufTypeVideoCapture, Memory: memoryMMAP}
	if err := ioctl(d.fd, vidiocDQBuf, unsafe.Pointer(&b)); err != nil {
		return -1, classify("VIDIOC_DQBUF", err)
	}
	return int(b.Index), nil
}

func (d *Device) StartStream() error {
	t := int32(bufTypeVideoCapture)
	if err := ioctl(d.fd, vidiocStreamOn, unsafe.Pointer(&t)); err != nil {
		return fmt.Errorf("v4l2: VIDIOC_STREAMON: %w", err)
	}
	return nil
}

func (d *Device) StopStream() error {
	t := int32(bufTypeVideoCapture)
	if err := ioctl(d.fd, vidiocStreamOff, unsafe.Pointer(&t)); err != nil {
		return fmt.Errorf("v4l2: VIDIOC_STREAMOFF: %w", err)
	}
	return nil
}

func (d *Device) ReleaseBuffers() error {
	req := requestBuffers{Count: 0, Type: bufTypeVideoCapture, Memory: memoryMMAP}
	if err := ioctl(d.fd, vidiocReqBufs, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("v4l2: VIDIOC_REQBUFS 0: %w", err)
	}
	return nil
}

func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	if err != nil {
		return fmt.Errorf("v4l2: close %s: %w", d.path, err)
	}
	slog.Debug("v4l2: device closed", "path", d.path)
	return nil
}

// classify marks EINTR and EAGAIN as transient.
func classify(op string, err error) error {
	if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("v4l2: %s: %w: %w", op, capture.ErrTransient, err)
	}
	return fmt.Errorf("v4l2: %s: %w", op, err)
}
