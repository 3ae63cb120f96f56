package simdev

import (
	"github.com/cockroachdb/errors"

	"github.com/gogpu/gpures/driver"
)

// Entry is the content of one descriptor slot.
type Entry struct {
	Valid   bool
	Memory  driver.Memory
	View    driver.ViewDescriptor
	Sampler *driver.SamplerDescriptor
}

type heap struct {
	id        uint64
	kind      driver.HeapKind
	capacity  uint32
	visible   bool
	entries   []Entry
	destroyed bool
}

func (h *heap) Kind() driver.HeapKind { return h.kind }
func (h *heap) Capacity() uint32      { return h.capacity }
func (h *heap) ShaderVisible() bool   { return h.visible }

// CreateDescriptorHeap implements driver.Device.
func (d *Device) CreateDescriptorHeap(kind driver.HeapKind, capacity uint32, shaderVisible bool) (driver.DescriptorHeap, error) {
	if shaderVisible && !kind.CanBeShaderVisible() {
		return nil, errors.Wrapf(driver.ErrUnsupported, "simdev: shader-visible %s heap", kind)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h := &heap{
		id:       d.newID(),
		kind:     kind,
		capacity: capacity,
		visible:  shaderVisible,
		entries:  make([]Entry, capacity),
	}
	d.heaps[h] = struct{}{}
	return h, nil
}

// DestroyDescriptorHeap implements driver.Device.
func (d *Device) DestroyDescriptorHeap(dh driver.DescriptorHeap) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := dh.(*heap)
	if h.destroyed {
		d.violationf("descriptor heap %d destroyed twice", h.id)
		return
	}
	h.destroyed = true
	delete(d.heaps, h)
}

// Entry returns the content of the slot desc addresses.
func (d *Device) Entry(desc driver.Descriptor) Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return desc.Heap.(*heap).entries[desc.Index]
}

// slot validates desc and returns its entry. d.mu must be held.
func (d *Device) slot(desc driver.Descriptor, op string) (*Entry, error) {
	h, ok := desc.Heap.(*heap)
	if !ok || h == nil {
		return nil, errors.Newf("simdev: %s: descriptor has no heap", op)
	}
	if h.destroyed {
		return nil, errors.Newf("simdev: %s: heap %d destroyed", op, h.id)
	}
	if desc.Index >= h.capacity {
		return nil, errors.Newf("simdev: %s: slot %d out of range (capacity %d)", op, desc.Index, h.capacity)
	}
	return &h.entries[desc.Index], nil
}

// CreateView implements driver.Device.
func (d *Device) CreateView(mem driver.Memory, desc *driver.ViewDescriptor, dst driver.Descriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, err := d.slot(dst, "CreateView")
	if err != nil {
		return err
	}
	want := driver.HeapShaderResource
	switch desc.Kind {
	case driver.ViewRenderTarget:
		want = driver.HeapRenderTarget
	case driver.ViewDepthStencil:
		want = driver.HeapDepthStencil
	}
	if k := dst.Heap.Kind(); k != want {
		return errors.Newf("simdev: view kind %d written into %s heap", desc.Kind, k)
	}
	*e = Entry{Valid: true, Memory: mem, View: *desc}
	return nil
}

// CreateSampler implements driver.Device.
func (d *Device) CreateSampler(desc *driver.SamplerDescriptor, dst driver.Descriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, err := d.slot(dst, "CreateSampler")
	if err != nil {
		return err
	}
	if k := dst.Heap.Kind(); k != driver.HeapSampler {
		return errors.Newf("simdev: sampler written into %s heap", k)
	}
	s := *desc
	*e = Entry{Valid: true, Sampler: &s}
	return nil
}

// CopyDescriptors implements driver.Device.
func (d *Device) CopyDescriptors(dst driver.Descriptor, src []driver.Descriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range src {
		from, err := d.slot(s, "CopyDescriptors")
		if err != nil {
			d.violationf("%v", err)
			continue
		}
		to, err := d.slot(dst.Offset(uint32(i)), "CopyDescriptors")
		if err != nil {
			d.violationf("%v", err)
			continue
		}
		if s.Heap.Kind() != dst.Heap.Kind() {
			d.violationf("CopyDescriptors: %s slot copied into %s heap", s.Heap.Kind(), dst.Heap.Kind())
		}
		*to = *from
	}
}

type pipeline struct {
	id        uint64
	desc      driver.PipelineDescriptor
	destroyed bool
}

// CreatePipeline implements driver.Device.
func (d *Device) CreatePipeline(desc *driver.PipelineDescriptor) (driver.Pipeline, error) {
	if len(desc.Stages) == 0 {
		return nil, errors.New("simdev: pipeline has no shader stages")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	p := &pipeline{id: d.newID(), desc: *desc}
	p.desc.Root = append([]driver.RootParameter(nil), desc.Root...)
	d.pipelines[p] = struct{}{}
	return p, nil
}

// DestroyPipeline implements driver.Device.
func (d *Device) DestroyPipeline(dp driver.Pipeline) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := dp.(*pipeline)
	if p.destroyed {
		d.violationf("pipeline %d destroyed twice", p.id)
		return
	}
	p.destroyed = true
	delete(d.pipelines, p)
}

// PipelineDescriptor returns the descriptor p was created with.
func PipelineDescriptor(p driver.Pipeline) *driver.PipelineDescriptor {
	return &p.(*pipeline).desc
}
