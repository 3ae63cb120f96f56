package haldev

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpures/driver"
)

type memory struct {
	label string
	heap  driver.MemoryHeap
	size  uint64
	addr  uint64

	buf hal.Buffer
	// shadow holds the CPU copy of upload and readback buffers.
	shadow []byte

	tex    hal.Texture
	desc   driver.TextureDescriptor
	states []driver.ResourceState
}

func (m *memory) Size() uint64       { return m.size }
func (m *memory) GPUAddress() uint64 { return m.addr }

// bufferUsage maps a buffer allocation onto WebGPU usage flags. Every
// buffer can take part in copies.
func bufferUsage(desc *driver.BufferDescriptor) gputypes.BufferUsage {
	switch desc.Heap {
	case driver.MemoryUpload:
		return gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	case driver.MemoryReadback:
		return gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst
	}
	return desc.Usage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
}

// CreateBuffer implements driver.Device.
func (d *Device) CreateBuffer(desc *driver.BufferDescriptor) (driver.Memory, error) {
	if desc.Size == 0 {
		return nil, errors.New("haldev: buffer size must be positive")
	}
	buf, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: bufferUsage(desc),
	})
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "haldev: create buffer %q", desc.Label), driver.ErrOutOfMemory)
	}
	m := &memory{label: desc.Label, heap: desc.Heap, size: desc.Size, buf: buf}
	if desc.Heap != driver.MemoryDefault {
		m.shadow = make([]byte, desc.Size)
	}
	d.mu.Lock()
	m.addr = d.nextAddr
	d.nextAddr += (desc.Size + 0xffff) &^ 0xffff
	d.buffers[m] = struct{}{}
	d.mu.Unlock()
	return m, nil
}

// CreateTexture implements driver.Device.
func (d *Device) CreateTexture(desc *driver.TextureDescriptor) (driver.Memory, error) {
	if _, ok := formats[desc.Format]; !ok {
		return nil, errors.Wrapf(driver.ErrUnsupported, "haldev: texture format %v", desc.Format)
	}
	tex, err := d.dev.CreateTexture(&hal.TextureDescriptor{
		Label: desc.Label,
		Size: hal.Extent3D{
			Width:              desc.Size.Width,
			Height:             desc.Size.Height,
			DepthOrArrayLayers: max(desc.Size.DepthOrArrayLayers, 1),
		},
		MipLevelCount: max(desc.MipLevelCount, 1),
		SampleCount:   max(desc.SampleCount, 1),
		Dimension:     desc.Dimension,
		Format:        desc.Format,
		Usage:         desc.Usage | gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "haldev: create texture %q", desc.Label), driver.ErrOutOfMemory)
	}
	m := &memory{label: desc.Label, tex: tex, desc: *desc}
	m.states = make([]driver.ResourceState, desc.Subresources())
	for i := range m.states {
		m.states[i] = desc.InitialState
	}
	return m, nil
}

// DestroyMemory implements driver.Device.
func (d *Device) DestroyMemory(mem driver.Memory) {
	m := mem.(*memory)
	if m.buf != nil {
		d.mu.Lock()
		delete(d.buffers, m)
		d.mu.Unlock()
		d.dev.DestroyBuffer(m.buf)
		m.buf = nil
		return
	}
	if m.tex != nil {
		d.dev.DestroyTexture(m.tex)
		m.tex = nil
	}
}

// Map implements driver.Device. Readback buffers are copied out of a hal
// mapping; upload buffers are written back on Unmap.
func (d *Device) Map(mem driver.Memory) ([]byte, error) {
	m := mem.(*memory)
	if m.shadow == nil {
		return nil, errors.Newf("haldev: %q is not mappable", m.label)
	}
	if m.heap == driver.MemoryReadback {
		mp, err := d.dev.MapBuffer(m.buf, 0, m.size)
		if err != nil {
			return nil, errors.Wrapf(err, "haldev: map %q", m.label)
		}
		copy(m.shadow, unsafe.Slice((*byte)(mp.Ptr), m.size))
		if err := d.dev.UnmapBuffer(m.buf); err != nil {
			return nil, errors.Wrapf(err, "haldev: unmap %q", m.label)
		}
	}
	return m.shadow, nil
}

// Unmap implements driver.Device.
func (d *Device) Unmap(mem driver.Memory) {
	m := mem.(*memory)
	if m.heap != driver.MemoryUpload {
		return
	}
	if err := d.queue.WriteBuffer(m.buf, 0, m.shadow); err != nil {
		d.log.Error("haldev: upload write failed", "buffer", m.label, "err", err)
	}
}

// SetName implements driver.Device. hal objects are labelled only at
// creation, so the name is kept for error messages.
func (d *Device) SetName(mem driver.Memory, name string) {
	mem.(*memory).label = name
}

// stateUsage maps a resource state onto the texture usage hal transitions
// between.
func stateUsage(s driver.ResourceState) gputypes.TextureUsage {
	switch {
	case s&driver.StateCopySource != 0:
		return gputypes.TextureUsageCopySrc
	case s&driver.StateCopyDest != 0:
		return gputypes.TextureUsageCopyDst
	case s&(driver.StateRenderTarget|driver.StateDepthWrite|driver.StateDepthRead) != 0:
		return gputypes.TextureUsageRenderAttachment
	case s&driver.StateUnorderedAccess != 0:
		return gputypes.TextureUsageStorageBinding
	case s&driver.StateShaderResource != 0:
		return gputypes.TextureUsageTextureBinding
	}
	return 0
}
