// Package haldev implements driver.Device over github.com/gogpu/wgpu/hal.
//
// The bridge covers memory, views and samplers, copies, texture state
// transitions, render-target clears and fence-ordered queue submission.
// Executed command lists are submitted together with the next fence signal,
// which is how the gpures core always drives the queue. Pipelines, draws and
// dispatches need shader translation the bridge does not do; they report
// driver.ErrUnsupported. Presentation stays with the host application that
// owns the hal device, so CreateSurface is unsupported as well.
package haldev

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpures/driver"
)

// ErrNoHAL is returned by FromProvider when the provider does not expose
// hal objects.
var ErrNoHAL = errors.New("haldev: provider does not expose HAL types")

// pollInterval paces fence waits.
const pollInterval = time.Millisecond

// Device is a driver.Device backed by a hal device and queue it does not
// own.
type Device struct {
	dev    hal.Device
	queue  hal.Queue
	format gputypes.TextureFormat
	log    *slog.Logger

	mu        sync.Mutex
	batch     []hal.CommandBuffer
	inflight  []submission
	submitted uint64
	nextAddr  uint64
	buffers  map[*memory]struct{}
	removed  error
}

// submission is a batch of command buffers and the hal index it was
// submitted under.
type submission struct {
	index uint64
	bufs  []hal.CommandBuffer
}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger used for submission and device-loss events.
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

// Open wraps a hal device and its queue.
func Open(dev hal.Device, queue hal.Queue, opts ...Option) *Device {
	d := &Device{
		dev:      dev,
		queue:    queue,
		format:   gputypes.TextureFormatBGRA8Unorm,
		log:      slog.New(slog.DiscardHandler),
		nextAddr: 1 << 16,
		buffers:  make(map[*memory]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// FromProvider opens the hal device shared by a host application. The
// provider must also implement HalDevice() any and HalQueue() any returning
// hal.Device and hal.Queue.
func FromProvider(p gpucontext.DeviceProvider, opts ...Option) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	if p == nil {
		return nil, errors.Wrap(ErrNoHAL, "nil provider")
	}
	hp, ok := p.(halProvider)
	if !ok {
		return nil, ErrNoHAL
	}
	dev, ok := hp.HalDevice().(hal.Device)
	if !ok || dev == nil {
		return nil, errors.Wrap(ErrNoHAL, "HalDevice is not a hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, errors.Wrap(ErrNoHAL, "HalQueue is not a hal.Queue")
	}
	d := Open(dev, queue, opts...)
	if f := p.SurfaceFormat(); f != gputypes.TextureFormatUndefined {
		d.format = f
	}
	return d, nil
}

var _ driver.Device = (*Device)(nil)

// SurfaceFormat returns the presentation format reported by the provider.
func (d *Device) SurfaceFormat() gputypes.TextureFormat { return d.format }

// lose records device loss caused by err and returns the error to report.
func (d *Device) lose(err error, op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed == nil {
		d.removed = errors.Mark(errors.Wrapf(err, "haldev: %s", op), driver.ErrDeviceRemoved)
		d.log.Error("haldev: device lost", "op", op, "err", err)
	}
	return d.removed
}

// RemovedReason implements driver.Device.
func (d *Device) RemovedReason() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removed
}

// Capabilities implements driver.Device.
func (d *Device) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		ConstantBufferAlignment:   256,
		TexturePitchAlignment:     256,
		TexturePlacementAlignment: 512,
	}
}

var formats = map[gputypes.TextureFormat]driver.FormatInfo{
	gputypes.TextureFormatR8Unorm:             {BlockSize: 1},
	gputypes.TextureFormatR32Float:            {BlockSize: 4},
	gputypes.TextureFormatRGBA8Unorm:          {BlockSize: 4},
	gputypes.TextureFormatRGBA8UnormSrgb:      {BlockSize: 4},
	gputypes.TextureFormatBGRA8Unorm:          {BlockSize: 4},
	gputypes.TextureFormatBGRA8UnormSrgb:      {BlockSize: 4},
	gputypes.TextureFormatRGB10A2Unorm:        {BlockSize: 4},
	gputypes.TextureFormatRGBA16Float:         {BlockSize: 8},
	gputypes.TextureFormatRGBA32Float:         {BlockSize: 16},
	gputypes.TextureFormatDepth16Unorm:        {BlockSize: 2, Depth: true},
	gputypes.TextureFormatDepth24Plus:         {BlockSize: 4, Depth: true},
	gputypes.TextureFormatDepth24PlusStencil8: {BlockSize: 4, Depth: true, Stencil: true},
	gputypes.TextureFormatDepth32Float:        {BlockSize: 4, Depth: true},
}

// FormatInfo implements driver.Device.
func (d *Device) FormatInfo(format gputypes.TextureFormat) (driver.FormatInfo, bool) {
	info, ok := formats[format]
	if !ok {
		return driver.FormatInfo{}, false
	}
	info.BlockWidth, info.BlockHeight = 1, 1
	return info, true
}

// FormatSupported implements driver.Device. WebGPU allows storage binding
// only for a small set of non-sRGB color formats.
func (d *Device) FormatSupported(format gputypes.TextureFormat, usage gputypes.TextureUsage) bool {
	if _, ok := formats[format]; !ok {
		return false
	}
	if usage&gputypes.TextureUsageStorageBinding != 0 {
		switch format {
		case gputypes.TextureFormatR32Float,
			gputypes.TextureFormatRGBA8Unorm,
			gputypes.TextureFormatRGBA16Float,
			gputypes.TextureFormatRGBA32Float:
		default:
			return false
		}
	}
	return true
}

// SampleCountSupported implements driver.Device. WebGPU guarantees 1 and 4.
func (d *Device) SampleCountSupported(format gputypes.TextureFormat, count uint32) bool {
	if _, ok := formats[format]; !ok {
		return false
	}
	return count == 1 || count == 4
}

// CreatePipeline implements driver.Device.
func (d *Device) CreatePipeline(desc *driver.PipelineDescriptor) (driver.Pipeline, error) {
	return nil, errors.Wrapf(driver.ErrUnsupported, "haldev: pipeline %q", desc.Label)
}

// DestroyPipeline implements driver.Device.
func (d *Device) DestroyPipeline(driver.Pipeline) {}

// CreateSurface implements driver.Device.
func (d *Device) CreateSurface(driver.Window, *driver.SurfaceDescriptor) (driver.Surface, error) {
	return nil, errors.Wrap(driver.ErrUnsupported, "haldev: surfaces belong to the host application")
}

// Destroy waits for the queue to drain and releases the command buffers
// still held for submissions. The hal device itself belongs to the caller.
func (d *Device) Destroy() {
	if err := d.dev.WaitIdle(); err != nil {
		d.log.Warn("haldev: wait idle on destroy", "err", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.inflight {
		d.free(s.bufs)
	}
	d.inflight = nil
	d.free(d.batch)
	d.batch = nil
	if n := len(d.buffers); n > 0 {
		d.log.Warn("haldev: destroyed with live buffers", "count", n)
	}
}
