//go:build !(linux && (amd64 || arm64 || riscv64 || ppc64le))

// Package v4l2 implements capture.Device over Video4Linux2. It is only
// available on 64-bit Linux.
package v4l2

import (
	"errors"

	"github.com/e7canasta/streamer/capture"
)

// Device is unavailable on this platform.
type Device struct {
	capture.Device
}

// Open always fails on this platform.
func Open(path string) (*Device, error) {
	return nil, errors.New("v4l2: not supported on this platform")
}
