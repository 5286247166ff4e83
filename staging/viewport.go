package staging

// Viewport is a destination rectangle in framebuffer pixels.
type Viewport struct {
	X, Y, W, H int
}

// FitAspect returns the largest viewport centred in a fbW x fbH framebuffer
// that keeps the streamW:streamH aspect ratio (letterbox or pillarbox).
func FitAspect(fbW, fbH, streamW, streamH int) Viewport {
	if fbW <= 0 || fbH <= 0 || streamW <= 0 || streamH <= 0 {
		return Viewport{W: max(fbW, 0), H: max(fbH, 0)}
	}

	windowAspect := float64(fbW) / float64(fbH)
	wantAspect := float64(streamW) / float64(streamH)

	var w, h int
	if wantAspect < windowAspect {
		h = fbH
		w = int(float64(h) * wantAspect)
	} else {
		w = fbW
		h = int(float64(w) / wantAspect)
	}

	return Viewport{X: (fbW - w) / 2, Y: (fbH - h) / 2, W: w, H: h}
}
