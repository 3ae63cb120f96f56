package haldev

import (
	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpures/driver"
)

// slot is one descriptor. Views and samplers are owned by the slot they
// were created in; CopyDescriptors shares them without ownership.
type slot struct {
	mem     *memory
	desc    driver.ViewDescriptor
	view    hal.TextureView
	sampler hal.Sampler
	owned   bool
}

type heap struct {
	kind    driver.HeapKind
	visible bool
	slots   []slot
}

func (h *heap) Kind() driver.HeapKind { return h.kind }
func (h *heap) Capacity() uint32      { return uint32(len(h.slots)) }
func (h *heap) ShaderVisible() bool   { return h.visible }

// CreateDescriptorHeap implements driver.Device. hal has no descriptor
// heaps; the table lives on the CPU and is resolved while recording.
func (d *Device) CreateDescriptorHeap(kind driver.HeapKind, capacity uint32, shaderVisible bool) (driver.DescriptorHeap, error) {
	if shaderVisible && !kind.CanBeShaderVisible() {
		return nil, errors.Wrapf(driver.ErrUnsupported, "haldev: shader-visible %s heap", kind)
	}
	return &heap{kind: kind, visible: shaderVisible, slots: make([]slot, capacity)}, nil
}

// DestroyDescriptorHeap implements driver.Device.
func (d *Device) DestroyDescriptorHeap(dh driver.DescriptorHeap) {
	h := dh.(*heap)
	for i := range h.slots {
		d.clear(&h.slots[i])
	}
}

func (d *Device) clear(s *slot) {
	if s.owned {
		if s.view != nil {
			d.dev.DestroyTextureView(s.view)
		}
		if s.sampler != nil {
			d.dev.DestroySampler(s.sampler)
		}
	}
	*s = slot{}
}

func lookup(desc driver.Descriptor, op string) (*slot, error) {
	h, ok := desc.Heap.(*heap)
	if !ok || h == nil {
		return nil, errors.Newf("haldev: %s: descriptor has no heap", op)
	}
	if int(desc.Index) >= len(h.slots) {
		return nil, errors.Newf("haldev: %s: slot %d out of range (capacity %d)", op, desc.Index, len(h.slots))
	}
	return &h.slots[desc.Index], nil
}

// CreateView implements driver.Device.
func (d *Device) CreateView(mem driver.Memory, desc *driver.ViewDescriptor, dst driver.Descriptor) error {
	s, err := lookup(dst, "CreateView")
	if err != nil {
		return err
	}
	m := mem.(*memory)
	d.clear(s)
	s.mem, s.desc = m, *desc
	if m.tex == nil {
		return nil
	}
	view, err := d.dev.CreateTextureView(m.tex, &hal.TextureViewDescriptor{
		Label:           m.label,
		Format:          desc.Format,
		Dimension:       desc.Dimension,
		Aspect:          gputypes.TextureAspectAll,
		BaseMipLevel:    desc.BaseMipLevel,
		MipLevelCount:   desc.MipLevelCount,
		BaseArrayLayer:  desc.BaseArrayLayer,
		ArrayLayerCount: desc.ArrayLayerCount,
	})
	if err != nil {
		*s = slot{}
		return errors.Wrapf(err, "haldev: view of %q", m.label)
	}
	s.view, s.owned = view, true
	return nil
}

// CreateSampler implements driver.Device.
func (d *Device) CreateSampler(desc *driver.SamplerDescriptor, dst driver.Descriptor) error {
	s, err := lookup(dst, "CreateSampler")
	if err != nil {
		return err
	}
	if k := dst.Heap.Kind(); k != driver.HeapSampler {
		return errors.Newf("haldev: sampler written into %s heap", k)
	}
	d.clear(s)
	sampler, err := d.dev.CreateSampler(&hal.SamplerDescriptor{
		Label:        "gpures sampler",
		AddressModeU: desc.AddressModeU,
		AddressModeV: desc.AddressModeV,
		AddressModeW: desc.AddressModeW,
		MagFilter:    desc.MagFilter,
		MinFilter:    desc.MinFilter,
		MipmapFilter: desc.MipmapFilter,
	})
	if err != nil {
		return errors.Wrap(err, "haldev: create sampler")
	}
	s.sampler, s.owned = sampler, true
	return nil
}

// CopyDescriptors implements driver.Device.
func (d *Device) CopyDescriptors(dst driver.Descriptor, src []driver.Descriptor) {
	for i, sd := range src {
		from, err := lookup(sd, "CopyDescriptors")
		if err != nil {
			d.log.Error("haldev: copy descriptors", "err", err)
			continue
		}
		to, err := lookup(dst.Offset(uint32(i)), "CopyDescriptors")
		if err != nil {
			d.log.Error("haldev: copy descriptors", "err", err)
			continue
		}
		d.clear(to)
		*to = *from
		to.owned = false
	}
}
