package gstsrc

import (
	"bytes"
	"testing"
)

func TestRGBStride(t *testing.T) {
	tests := []struct {
		width, want int
	}{
		{800, 2400},
		{4, 12},
		{1, 4},
		{5, 16},
		{637, 1912},
	}
	for _, tt := range tests {
		if got := rgbStride(tt.width); got != tt.want {
			t.Errorf("rgbStride(%d) = %d, want %d", tt.width, got, tt.want)
		}
	}
}

func TestCopyFrameRemovesRowPadding(t *testing.T) {
	const w, h = 5, 3 // 15 bytes per row, 16 byte stride
	stride := rgbStride(w)

	src := make([]byte, stride*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w*3; x++ {
			src[y*stride+x] = byte(y + 1)
		}
		src[y*stride+w*3] = 0xEE // padding
	}

	dst := make([]byte, w*3*h)
	if n := copyFrame(dst, src, w, h); n != len(dst) {
		t.Fatalf("copyFrame() = %d, want %d", n, len(dst))
	}
	for y := 0; y < h; y++ {
		row := dst[y*w*3 : (y+1)*w*3]
		if !bytes.Equal(row, bytes.Repeat([]byte{byte(y + 1)}, w*3)) {
			t.Fatalf("row %d = %v", y, row)
		}
	}
	t.Logf("✅ padded rows copied without shear")
}

func TestCopyFrameTightAndShort(t *testing.T) {
	const w, h = 4, 2 // 12 bytes per row, no padding
	src := bytes.Repeat([]byte{7}, w*3*h)
	dst := make([]byte, w*3*h)
	if n := copyFrame(dst, src, w, h); n != len(dst) || !bytes.Equal(dst, src) {
		t.Errorf("tight copy = %d bytes, %v", n, dst)
	}

	// Tightly packed odd width is copied as is.
	src = bytes.Repeat([]byte{9}, 5*3*2)
	dst = make([]byte, 5*3*2)
	if n := copyFrame(dst, src, 5, 2); n != len(dst) {
		t.Errorf("tight odd-width copy = %d, want %d", n, len(dst))
	}

	// Short padded sample stops at the end of the data.
	src = make([]byte, rgbStride(5)+4)
	dst = make([]byte, 5*3*2)
	if n := copyFrame(dst, src, 5, 2); n != 15+4 {
		t.Errorf("short copy = %d, want %d", n, 19)
	}
}
