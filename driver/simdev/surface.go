package simdev

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures/driver"
)

// Window is a resizable stand-in for a host window.
type Window struct {
	mu            sync.Mutex
	width, height uint32
}

// NewWindow returns a window with the given drawable size.
func NewWindow(width, height uint32) *Window {
	return &Window{width: width, height: height}
}

// Size implements driver.Window.
func (w *Window) Size() (width, height uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.width, w.height
}

// SetSize changes the drawable size, as a user resizing the window would.
func (w *Window) SetSize(width, height uint32) {
	w.mu.Lock()
	w.width, w.height = width, height
	w.mu.Unlock()
}

type surface struct {
	dev       *Device
	win       driver.Window
	desc      driver.SurfaceDescriptor
	buffers   []*memory
	current   uint32
	presents  int
	destroyed bool
}

// CreateSurface implements driver.Device.
func (d *Device) CreateSurface(win driver.Window, desc *driver.SurfaceDescriptor) (driver.Surface, error) {
	if desc.BufferCount < 2 {
		return nil, errors.Newf("simdev: surface needs at least 2 buffers, got %d", desc.BufferCount)
	}
	if desc.AllowTearing && !d.opts.SupportsTearing {
		return nil, errors.Wrap(driver.ErrUnsupported, "simdev: tearing")
	}
	if (desc.Composition == driver.CompositionHDR10 || desc.Composition == driver.CompositionHDRExtendedLinear) &&
		!d.opts.SupportsHDR {
		return nil, errors.Wrapf(driver.ErrUnsupported, "simdev: %s composition", desc.Composition)
	}
	s := &surface{dev: d, win: win, desc: *desc}
	if err := s.createBuffers(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.surfaces[s] = struct{}{}
	d.mu.Unlock()
	return s, nil
}

func (s *surface) createBuffers() error {
	s.buffers = s.buffers[:0]
	for range s.desc.BufferCount {
		m, err := s.dev.CreateTexture(&driver.TextureDescriptor{
			Label:         "swapchain",
			Dimension:     gputypes.TextureDimension2D,
			Size:          gputypes.Extent3D{Width: s.desc.Width, Height: s.desc.Height, DepthOrArrayLayers: 1},
			MipLevelCount: 1,
			SampleCount:   1,
			Format:        s.desc.Format,
			Usage:         gputypes.TextureUsageRenderAttachment,
			InitialState:  driver.StatePresent,
		})
		if err != nil {
			return errors.Wrap(err, "simdev: create surface buffer")
		}
		s.buffers = append(s.buffers, m.(*memory))
	}
	s.current = 0
	return nil
}

func (s *surface) destroyBuffers() {
	for _, m := range s.buffers {
		s.dev.DestroyMemory(m)
	}
	s.buffers = s.buffers[:0]
}

func (s *surface) BufferCount() uint32 { return s.desc.BufferCount }

func (s *surface) Buffer(i uint32) (driver.Memory, error) {
	if int(i) >= len(s.buffers) {
		return nil, errors.Newf("simdev: surface buffer %d out of range", i)
	}
	return s.buffers[i], nil
}

func (s *surface) CurrentBufferIndex() uint32 { return s.current }

func (s *surface) Resize(width, height uint32) error {
	s.dev.mu.Lock()
	for _, m := range s.buffers {
		if m.uses > 0 {
			s.dev.mu.Unlock()
			return driver.ErrSurfaceBusy
		}
	}
	s.dev.mu.Unlock()

	s.destroyBuffers()
	s.desc.Width, s.desc.Height = width, height
	return s.createBuffers()
}

func (s *surface) Present(syncInterval uint32, allowTearing bool) error {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed != nil {
		return d.removed
	}
	if allowTearing && (!s.desc.AllowTearing || syncInterval != 0) {
		d.violationf("surface: tearing requested with sync interval %d on a surface created without it", syncInterval)
	}
	if st := s.buffers[s.current].states[0]; st != driver.StatePresent {
		d.violationf("surface: buffer %d presented in state %s", s.current, st)
	}
	s.presents++
	d.stats.Presents++
	s.current = (s.current + 1) % uint32(len(s.buffers))
	return nil
}

func (s *surface) Destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.destroyBuffers()
	s.dev.mu.Lock()
	delete(s.dev.surfaces, s)
	s.dev.mu.Unlock()
}
