//go:build linux && (amd64 || arm64 || riscv64 || ppc64le)

package v4l2

import (
	"errors"
	"fmt"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/e7canasta/streamer/capture"
)

func TestStructSizes(t *testing.T) {
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"v4l2_capability", unsafe.Sizeof(capability{}), 104},
		{"v4l2_pix_format", unsafe.Sizeof(pixFormat{}), 48},
		{"v4l2_format", unsafe.Sizeof(format{}), 208},
		{"v4l2_requestbuffers", unsafe.Sizeof(requestBuffers{}), 20},
		{"v4l2_buffer", unsafe.Sizeof(buffer{}), 88},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("sizeof(%s) = %d, want %d", tt.name, tt.got, tt.want)
		}
	}
}

func TestBufferOffsetField(t *testing.T) {
	if off := unsafe.Offsetof(buffer{}.Offset); off != 64 {
		t.Errorf("offsetof(m.offset) = %d, want 64", off)
	}
	if off := unsafe.Offsetof(buffer{}.Length); off != 72 {
		t.Errorf("offsetof(length) = %d, want 72", off)
	}
}

func TestIoctlNumbers(t *testing.T) {
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"VIDIOC_QUERYCAP", vidiocQueryCap, 0x80685600},
		{"VIDIOC_G_FMT", vidiocGetFmt, 0xc0d05604},
		{"VIDIOC_S_FMT", vidiocSetFmt, 0xc0d05605},
		{"VIDIOC_REQBUFS", vidiocReqBufs, 0xc0145608},
		{"VIDIOC_QUERYBUF", vidiocQueryBuf, 0xc0585609},
		{"VIDIOC_QBUF", vidiocQBuf, 0xc058560f},
		{"VIDIOC_DQBUF", vidiocDQBuf, 0xc0585611},
		{"VIDIOC_STREAMON", vidiocStreamOn, 0x40045612},
		{"VIDIOC_STREAMOFF", vidiocStreamOff, 0x40045613},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %#x, want %#x", tt.name, tt.got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err       error
		transient bool
	}{
		{unix.EINTR, true},
		{unix.EAGAIN, true},
		{unix.EIO, false},
		{unix.ENODEV, false},
	}
	for _, tt := range tests {
		err := classify("VIDIOC_DQBUF", tt.err)
		if got := errors.Is(err, capture.ErrTransient); got != tt.transient {
			t.Errorf("classify(%v) transient = %v, want %v", tt.err, got, tt.transient)
		}
		if !errors.Is(err, tt.err) {
			t.Errorf("classify(%v) lost the errno: %v", tt.err, err)
		}
	}
}

func TestCString(t *testing.T) {
	b := [16]byte{}
	copy(b[:], "uvcvideo")
	if got := cstring(b[:]); got != "uvcvideo" {
		t.Errorf("cstring() = %q", got)
	}
	if got := cstring([]byte("full")); got != "full" {
		t.Errorf("cstring() = %q", got)
	}
}

func TestOpenMissingDevice(t *testing.T) {
	_, err := Open("/dev/does-not-exist-video")
	if err == nil {
		t.Fatal("expected error")
	}
	t.Logf("✅ %v", fmt.Sprint(err))
}
