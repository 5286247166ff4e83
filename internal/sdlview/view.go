// Package sdlview is the SDL2 window the streamer renders into.
//
// Two streaming RGB24 textures act as the staging regions of a
// staging.Pair: Lock and Unlock map and commit a region, and the region
// last uploaded is the one drawn.
package sdlview

import (
	"fmt"
	"log/slog"

	"github.com/veandco/go-sdl2/sdl"

	"github.com/e7canasta/streamer/pipeline"
	"github.com/e7canasta/streamer/staging"
)

var _ pipeline.Display = (*View)(nil)

// Config configures the window.
type Config struct {
	Title           string
	Width           int // stream geometry
	Height          int
	LinearFiltering bool
	Fullscreen      bool
}

// View owns the SDL window, renderer and the two staging textures.
// All methods must be called from the goroutine that called New, which
// must be locked to the main OS thread.
type View struct {
	window   *sdl.Window
	renderer *sdl.Renderer
	textures [2]*sdl.Texture

	width, height int
	shown         int
	dst           sdl.Rect
	dirty         bool
}

// New initializes SDL video and opens a resizable window.
func New(cfg Config) (*View, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("sdlview: invalid geometry %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Title == "" {
		cfg.Title = "streamer"
	}

	if err := sdl.Init(sdl.INIT_VIDEO); err != nil {
		return nil, fmt.Errorf("sdlview: init video: %w", err)
	}

	sdl.SetHint(sdl.HINT_RENDER_VSYNC, "1")

	flags := uint32(sdl.WINDOW_SHOWN | sdl.WINDOW_RESIZABLE | sdl.WINDOW_ALLOW_HIGHDPI)
	if cfg.Fullscreen {
		flags |= sdl.WINDOW_FULLSCREEN_DESKTOP
	}

	v := &View{width: cfg.Width, height: cfg.Height, dirty: true}

	var err error
	v.window, err = sdl.CreateWindow(cfg.Title, sdl.WINDOWPOS_UNDEFINED, sdl.WINDOWPOS_UNDEFINED,
		int32(cfg.Width), int32(cfg.Height), flags)
	if err != nil {
		sdl.Quit()
		return nil, fmt.Errorf("sdlview: create window: %w", err)
	}

	v.renderer, err = sdl.CreateRenderer(v.window, -1, sdl.RENDERER_ACCELERATED|sdl.RENDERER_PRESENTVSYNC)
	if err != nil {
		v.Close()
		return nil, fmt.Errorf("sdlview: create renderer: %w", err)
	}

	for i := range v.textures {
		v.textures[i], err = v.renderer.CreateTexture(sdl.PIXELFORMAT_RGB24, sdl.TEXTUREACCESS_STREAMING,
			int32(cfg.Width), int32(cfg.Height))
		if err != nil {
			v.Close()
			return nil, fmt.Errorf("sdlview: create texture %d: %w", i, err)
		}
	}

	filter := staging.FilterNearest
	if cfg.LinearFiltering {
		filter = staging.FilterLinear
	}
	if err := v.SetFilter(filter); err != nil {
		slog.Warn("sdlview: texture filtering unavailable", "error", err)
	}

	slog.Info("sdlview: window created",
		"title", cfg.Title,
		"geometry", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"filter", filter.String(),
		"fullscreen", cfg.Fullscreen,
	)

	return v, nil
}

func (v *View) UploadTexture(region int) error {
	if region < 0 || region > 1 {
		return fmt.Errorf("sdlview: invalid region %d", region)
	}
	v.shown = region
	return nil
}

func (v *View) MapRegion(region int) ([]byte, int, error) {
	if region < 0 || region > 1 {
		return nil, 0, fmt.Errorf("sdlview: invalid region %d", region)
	}
	return v.textures[region].Lock(nil)
}

func (v *View) UnmapRegion(region int) error {
	if region < 0 || region > 1 {
		return fmt.Errorf("sdlview: invalid region %d", region)
	}
	v.textures[region].Unlock()
	return nil
}

// DrawQuad clears the frame and copies the shown texture into the
// aspect-preserving viewport.
func (v *View) DrawQuad() error {
	if v.dirty {
		if err := v.updateViewport(); err != nil {
			return err
		}
	}
	if err := v.renderer.SetDrawColor(0, 0, 0, 255); err != nil {
		return err
	}
	if err := v.renderer.Clear(); err != nil {
		return err
	}
	return v.renderer.Copy(v.textures[v.shown], nil, &v.dst)
}

func (v *View) Filter() (staging.Filter, error) {
	mode, err := v.textures[0].GetScaleMode()
	if err != nil {
		return staging.FilterNearest, err
	}
	if mode == sdl.ScaleModeNearest {
		return staging.FilterNearest, nil
	}
	return staging.FilterLinear, nil
}

func (v *View) SetFilter(f staging.Filter) error {
	mode := sdl.ScaleModeNearest
	if f == staging.FilterLinear {
		mode = sdl.ScaleModeLinear
	}
	for _, t := range v.textures {
		if err := t.SetScaleMode(mode); err != nil {
			return err
		}
	}
	return nil
}

// Present shows the rendered frame.
func (v *View) Present() error {
	v.renderer.Present()
	return nil
}

// PollEvents drains the SDL event queue. 'f' toggles fullscreen, 't' calls
// onToggleFilter. It returns false once the window was closed.
func (v *View) PollEvents(onToggleFilter func()) bool {
	for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
		switch e := event.(type) {
		case *sdl.QuitEvent:
			return false
		case *sdl.WindowEvent:
			if e.Event == sdl.WINDOWEVENT_RESIZED || e.Event == sdl.WINDOWEVENT_SIZE_CHANGED {
				v.dirty = true
			}
		case *sdl.KeyboardEvent:
			if e.Type != sdl.KEYDOWN || e.Repeat != 0 {
				continue
			}
			switch e.Keysym.Sym {
			case sdl.K_f:
				v.toggleFullscreen()
			case sdl.K_t:
				if onToggleFilter != nil {
					onToggleFilter()
				}
			case sdl.K_ESCAPE, sdl.K_q:
				return false
			}
		}
	}
	return true
}

func (v *View) toggleFullscreen() {
	var flags uint32
	if v.window.GetFlags()&sdl.WINDOW_FULLSCREEN == 0 {
		flags = sdl.WINDOW_FULLSCREEN_DESKTOP
	}
	if err := v.window.SetFullscreen(flags); err != nil {
		slog.Warn("sdlview: toggle fullscreen failed", "error", err)
		return
	}
	if flags == 0 {
		v.window.SetPosition(sdl.WINDOWPOS_CENTERED, sdl.WINDOWPOS_CENTERED)
	}
	v.dirty = true
	slog.Debug("sdlview: fullscreen toggled", "fullscreen", flags != 0)
}

func (v *View) updateViewport() error {
	w, h, err := v.renderer.GetOutputSize()
	if err != nil {
		return fmt.Errorf("sdlview: output size: %w", err)
	}
	vp := staging.FitAspect(int(w), int(h), v.width, v.height)
	v.dst = sdl.Rect{X: int32(vp.X), Y: int32(vp.Y), W: int32(vp.W), H: int32(vp.H)}
	v.dirty = false
	slog.Debug("sdlview: viewport updated",
		"output", fmt.Sprintf("%dx%d", w, h),
		"viewport", fmt.Sprintf("%dx%d+%d+%d", vp.W, vp.H, vp.X, vp.Y),
	)
	return nil
}

// Close destroys textures, renderer and window and quits SDL.
func (v *View) Close() {
	for i, t := range v.textures {
		if t != nil {
			t.Destroy()
			v.textures[i] = nil
		}
	}
	if v.renderer != nil {
		v.renderer.Destroy()
		v.renderer = nil
	}
	if v.window != nil {
		v.window.Destroy()
		v.window = nil
	}
	sdl.Quit()
}
