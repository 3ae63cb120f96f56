package gpures

import (
	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures/driver"
	"github.com/gogpu/gpures/internal/cycle"
)

// PresentMode selects how a claimed window paces presentation.
type PresentMode = driver.PresentMode

const (
	PresentModeVSync     = driver.PresentVSync
	PresentModeImmediate = driver.PresentImmediate
	PresentModeMailbox   = driver.PresentMailbox
)

// SwapchainComposition selects the color space of a claimed window.
type SwapchainComposition = driver.Composition

const (
	SwapchainCompositionSDR               = driver.CompositionSDR
	SwapchainCompositionSDRLinear         = driver.CompositionSDRLinear
	SwapchainCompositionHDRExtendedLinear = driver.CompositionHDRExtendedLinear
	SwapchainCompositionHDR10             = driver.CompositionHDR10
)

// swapchainBufferCount is the number of presentable buffers per window.
const swapchainBufferCount = 3

// compositionFormats maps each composition to its swapchain texture format.
var compositionFormats = [...]gputypes.TextureFormat{
	driver.CompositionSDR:               gputypes.TextureFormatBGRA8Unorm,
	driver.CompositionSDRLinear:         gputypes.TextureFormatBGRA8UnormSrgb,
	driver.CompositionHDRExtendedLinear: gputypes.TextureFormatRGBA16Float,
	driver.CompositionHDR10:             gputypes.TextureFormatRGB10A2Unorm,
}

// windowData is the swapchain state of one claimed window.
//
// A window is driven by one goroutine at a time: acquiring its texture and
// submitting the command buffer that presents it do not race with each
// other. inFlight and frameCounter are guarded by Renderer.submitMu.
type windowData struct {
	win         driver.Window
	surface     driver.Surface
	composition SwapchainComposition
	presentMode PresentMode
	format      gputypes.TextureFormat

	width, height uint32
	textures      []*Texture

	// inFlight holds the fence of the last submission presenting into each
	// frame slot.
	inFlight     []*Fence
	frameCounter uint64
}

// SupportsSwapchainComposition reports whether the device can present with
// composition.
func (r *Renderer) SupportsSwapchainComposition(composition SwapchainComposition) bool {
	switch composition {
	case SwapchainCompositionSDR, SwapchainCompositionSDRLinear:
		return true
	case SwapchainCompositionHDRExtendedLinear, SwapchainCompositionHDR10:
		return r.caps.SupportsHDR
	}
	return false
}

// SupportsPresentMode reports whether the device can present with mode.
func (r *Renderer) SupportsPresentMode(mode PresentMode) bool {
	switch mode {
	case PresentModeVSync, PresentModeMailbox:
		return true
	case PresentModeImmediate:
		return r.caps.SupportsTearing
	}
	return false
}

func (r *Renderer) checkPresentation(composition SwapchainComposition, mode PresentMode) error {
	if !r.SupportsSwapchainComposition(composition) {
		return errors.Wrapf(ErrUnsupported, "swapchain composition %v", composition)
	}
	if !r.SupportsPresentMode(mode) {
		return errors.Wrapf(ErrUnsupported, "present mode %v", mode)
	}
	return nil
}

// ClaimWindow creates a swapchain for win. Its textures are obtained with
// AcquireSwapchainTexture.
func (r *Renderer) ClaimWindow(win driver.Window, composition SwapchainComposition, mode PresentMode) error {
	if err := r.alive(); err != nil {
		return err
	}
	if win == nil {
		return r.invalidf("ClaimWindow: nil window")
	}
	if err := r.checkPresentation(composition, mode); err != nil {
		return err
	}

	r.windowMu.Lock()
	defer r.windowMu.Unlock()
	if _, ok := r.windows[win]; ok {
		return ErrWindowClaimed
	}
	wd := &windowData{
		win:         win,
		composition: composition,
		presentMode: mode,
		format:      compositionFormats[composition],
		inFlight:    make([]*Fence, r.opts.framesInFlight),
	}
	if err := r.createSwapchain(wd); err != nil {
		return err
	}
	r.windows[win] = wd
	r.log.Info("gpures: window claimed",
		"width", wd.width, "height", wd.height,
		"composition", composition.String(), "presentMode", mode.String())
	return nil
}

// createSwapchain creates the surface of wd at the window's current size.
func (r *Renderer) createSwapchain(wd *windowData) error {
	w, h := wd.win.Size()
	if w == 0 || h == 0 {
		return r.invalidf("ClaimWindow: window has no drawable area")
	}
	s, err := r.dev.CreateSurface(wd.win, &driver.SurfaceDescriptor{
		Width:        w,
		Height:       h,
		BufferCount:  swapchainBufferCount,
		Format:       wd.format,
		Composition:  wd.composition,
		AllowTearing: r.caps.SupportsTearing,
	})
	if err != nil {
		return r.deviceError(err, "create surface")
	}
	wd.surface = s
	if err := r.createSwapchainTextures(wd, w, h); err != nil {
		s.Destroy()
		wd.surface = nil
		return err
	}
	return nil
}

// createSwapchainTextures wraps every surface buffer in a non-cycling
// texture with one render-target view.
func (r *Renderer) createSwapchainTextures(wd *windowData, w, h uint32) error {
	format, ok := r.dev.FormatInfo(wd.format)
	if !ok {
		return errors.Wrapf(ErrUnsupported, "swapchain format %v", wd.format)
	}
	wd.width, wd.height = w, h
	wd.textures = wd.textures[:0]
	for i := range wd.surface.BufferCount() {
		mem, err := wd.surface.Buffer(i)
		if err != nil {
			r.releaseSwapchainTextures(wd)
			return r.deviceError(err, "get surface buffer")
		}
		t := &Texture{
			r: r,
			info: TextureCreateInfo{
				Label:             "swapchain",
				Type:              Texture2D,
				Format:            wd.format,
				Usage:             gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst,
				Width:             w,
				Height:            h,
				LayerCountOrDepth: 1,
				MipLevelCount:     1,
				SampleCount:       1,
			},
			format:      format,
			state:       driver.StateRenderTarget,
			presentable: true,
			name:        "swapchain",
		}
		p := &physicalTexture{tex: t, mem: mem, external: true}
		if err := r.createTextureViews(p); err != nil {
			p.dispose()
			r.releaseSwapchainTextures(wd)
			return err
		}
		t.c = cycle.New(p, false, nil)
		wd.textures = append(wd.textures, t)
	}
	return nil
}

func (r *Renderer) releaseSwapchainTextures(wd *windowData) {
	for _, t := range wd.textures {
		instances := t.c.Release()
		items := make([]disposable, len(instances))
		for i, p := range instances {
			items[i] = p
		}
		r.release(items...)
	}
	clear(wd.textures)
	wd.textures = wd.textures[:0]
}

// releaseFrameFences drops the frame-slot fences of wd. r.submitMu must be
// held.
func (r *Renderer) releaseFrameFences(wd *windowData) {
	for i, f := range wd.inFlight {
		if f != nil {
			r.releaseFence(f)
			wd.inFlight[i] = nil
		}
	}
}

// destroySwapchain frees everything wd owns. The GPU must be idle.
func (r *Renderer) destroySwapchain(wd *windowData) {
	r.submitMu.Lock()
	r.releaseFrameFences(wd)
	r.submitMu.Unlock()
	r.releaseSwapchainTextures(wd)
	if wd.surface != nil {
		wd.surface.Destroy()
		wd.surface = nil
	}
}

func (r *Renderer) window(op string, win driver.Window) (*windowData, error) {
	r.windowMu.Lock()
	wd, ok := r.windows[win]
	r.windowMu.Unlock()
	if !ok {
		return nil, r.invalidf("%s: window was not claimed", op)
	}
	return wd, nil
}

// UnclaimWindow waits for the GPU to go idle and destroys the swapchain of
// win.
func (r *Renderer) UnclaimWindow(win driver.Window) error {
	r.windowMu.Lock()
	wd, ok := r.windows[win]
	delete(r.windows, win)
	r.windowMu.Unlock()
	if !ok {
		return r.invalidf("UnclaimWindow: window was not claimed")
	}
	err := r.waitIdle()
	r.destroySwapchain(wd)
	r.log.Info("gpures: window unclaimed")
	return err
}

// SetSwapchainParameters changes the composition and present mode of a
// claimed window. A composition change recreates the swapchain after an
// idle wait.
func (r *Renderer) SetSwapchainParameters(win driver.Window, composition SwapchainComposition, mode PresentMode) error {
	if err := r.alive(); err != nil {
		return err
	}
	wd, err := r.window("SetSwapchainParameters", win)
	if err != nil {
		return err
	}
	if err := r.checkPresentation(composition, mode); err != nil {
		return err
	}

	r.submitMu.Lock()
	wd.presentMode = mode
	if composition == wd.composition {
		r.submitMu.Unlock()
		return nil
	}
	if err := r.waitIdleLocked(); err != nil {
		r.submitMu.Unlock()
		return err
	}
	r.releaseFrameFences(wd)
	r.submitMu.Unlock()
	r.disposePending()

	r.releaseSwapchainTextures(wd)
	if wd.surface != nil {
		wd.surface.Destroy()
		wd.surface = nil
	}
	wd.composition = composition
	wd.format = compositionFormats[composition]
	if w, h := win.Size(); w == 0 || h == 0 {
		r.log.Debug("gpures: swapchain recreation deferred until the window has a drawable area")
		return nil
	}
	if err := r.createSwapchain(wd); err != nil {
		return errors.Wrap(err, "gpures: recreate swapchain")
	}
	r.log.Info("gpures: swapchain recreated", "composition", composition.String(), "presentMode", mode.String())
	return nil
}

// SwapchainTextureFormat returns the format of win's swapchain textures.
func (r *Renderer) SwapchainTextureFormat(win driver.Window) (gputypes.TextureFormat, error) {
	wd, err := r.window("SwapchainTextureFormat", win)
	if err != nil {
		return gputypes.TextureFormatUndefined, err
	}
	return wd.format, nil
}

// rebuild recreates whatever part of the swapchain of wd is missing or out
// of date for a w x h window. A surface that could not be created, or
// textures lost to a failed resize, are retried on every acquire. Without
// a surface no frame of wd is in flight.
func (r *Renderer) rebuild(wd *windowData, w, h uint32) error {
	if wd.surface == nil {
		if err := r.createSwapchain(wd); err != nil {
			return errors.Wrap(err, "gpures: recreate swapchain")
		}
		r.log.Info("gpures: swapchain recreated", "width", w, "height", h)
		return nil
	}
	if len(wd.textures) == 0 || w != wd.width || h != wd.height {
		return r.resize(wd, w, h)
	}
	return nil
}

// resize recreates the surface buffers of wd at w x h.
func (r *Renderer) resize(wd *windowData, w, h uint32) error {
	r.submitMu.Lock()
	if err := r.waitIdleLocked(); err != nil {
		r.submitMu.Unlock()
		return err
	}
	r.releaseFrameFences(wd)
	r.submitMu.Unlock()
	r.disposePending()

	r.releaseSwapchainTextures(wd)
	if err := wd.surface.Resize(w, h); err != nil {
		return r.deviceError(err, "resize surface")
	}
	if err := r.createSwapchainTextures(wd, w, h); err != nil {
		return err
	}
	r.log.Debug("gpures: swapchain resized", "width", w, "height", h)
	return nil
}

// AcquireSwapchainTexture returns the texture cb should render into to
// present to win, and its size. The texture is presented when cb is
// submitted.
//
// With PresentModeVSync the call blocks until a frame slot is free. Other
// modes never block: while every slot is busy, and while the window has no
// drawable area, the returned texture is nil and the frame should be
// skipped.
func (r *Renderer) AcquireSwapchainTexture(cb *CommandBuffer, win driver.Window) (*Texture, uint32, uint32, error) {
	const op = "AcquireSwapchainTexture"
	if err := cb.checkRecording(op); err != nil {
		return nil, 0, 0, err
	}
	wd, err := r.window(op, win)
	if err != nil {
		return nil, 0, 0, err
	}
	for _, pr := range cb.presents {
		if pr.wd == wd {
			return nil, 0, 0, r.invalidf("%s: window already acquired by this command buffer", op)
		}
	}

	r.submitMu.Lock()
	f := wd.inFlight[wd.frameCounter%uint64(len(wd.inFlight))]
	if f != nil {
		f.Retain()
	}
	mode := wd.presentMode
	r.submitMu.Unlock()

	if f != nil {
		var ok bool
		if mode == PresentModeVSync {
			ok, err = r.dev.WaitFences([]driver.Fence{f.handle}, 1, true, WaitForever)
		} else {
			ok = r.dev.FenceReached(f.handle, 1)
		}
		r.releaseFence(f)
		if err != nil {
			return nil, 0, 0, r.deviceError(err, "wait for frame slot")
		}
		if !ok {
			r.log.Debug("gpures: every frame slot busy, skipping frame", "presentMode", mode.String())
			return nil, 0, 0, nil
		}
		r.submitMu.Lock()
		r.reclaimLocked()
		r.submitMu.Unlock()
		r.disposePending()
	}

	w, h := win.Size()
	if w == 0 || h == 0 {
		return nil, 0, 0, nil
	}
	if err := r.rebuild(wd, w, h); err != nil {
		return nil, 0, 0, err
	}

	t := wd.textures[wd.surface.CurrentBufferIndex()]
	p := t.c.Active()
	cb.track(p)
	cb.barrier(p.mem, p.subresource(0, 0).index, driver.StatePresent, t.state)
	cb.presents = append(cb.presents, presentRequest{wd: wd, texture: t})
	return t, w, h, nil
}

// present stores fence in the current frame slot of wd and queues the
// current surface buffer. r.submitMu must be held.
func (r *Renderer) present(wd *windowData, fence *Fence) error {
	slot := wd.frameCounter % uint64(len(wd.inFlight))
	if old := wd.inFlight[slot]; old != nil {
		r.releaseFence(old)
	}
	fence.Retain()
	wd.inFlight[slot] = fence
	wd.frameCounter++

	interval, tearing := uint32(1), false
	if wd.presentMode != PresentModeVSync {
		interval = 0
		tearing = wd.presentMode == PresentModeImmediate && r.caps.SupportsTearing
	}
	if err := wd.surface.Present(interval, tearing); err != nil {
		return r.deviceError(err, "present")
	}
	return nil
}
