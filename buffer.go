package gpures

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures/driver"
	"github.com/gogpu/gpures/internal/cycle"
)

// BufferCreateInfo describes a GPU buffer.
type BufferCreateInfo struct {
	Label string
	// Usage selects the buffer's resting state and, with
	// BufferUsageStorage, its read-only and read-write views.
	Usage gputypes.BufferUsage
	Size  uint64
}

// Buffer is a logical device-local buffer.
type Buffer struct {
	r     *Renderer
	info  BufferCreateInfo
	state driver.ResourceState
	c     *cycle.Container[*physicalBuffer]

	nameMu sync.Mutex
	name   string
}

// Info returns the creation parameters.
func (b *Buffer) Info() BufferCreateInfo { return b.info }

// Instances returns the number of physical instances backing b.
func (b *Buffer) Instances() int { return b.c.Len() }

func (b *Buffer) label() string {
	b.nameMu.Lock()
	defer b.nameMu.Unlock()
	return b.name
}

// physicalBuffer is one native buffer backing a Buffer or TransferBuffer.
type physicalBuffer struct {
	cycle.RefCount
	r   *Renderer
	mem driver.Memory
	srv driver.Descriptor
	uav driver.Descriptor
}

func (p *physicalBuffer) dispose() {
	p.r.releaseSlot(p.srv)
	p.r.releaseSlot(p.uav)
	p.r.dev.DestroyMemory(p.mem)
}

// defaultBufferState is the union of the read states the usage flags ask
// for.
func defaultBufferState(usage gputypes.BufferUsage) driver.ResourceState {
	var s driver.ResourceState
	if usage&(gputypes.BufferUsageVertex|gputypes.BufferUsageUniform) != 0 {
		s |= driver.StateVertexAndConstantBuffer
	}
	if usage&gputypes.BufferUsageIndex != 0 {
		s |= driver.StateIndexBuffer
	}
	if usage&gputypes.BufferUsageIndirect != 0 {
		s |= driver.StateIndirectArgument
	}
	if usage&gputypes.BufferUsageStorage != 0 {
		s |= driver.StateShaderResource
	}
	return s
}

// CreateBuffer creates a device-local buffer with one physical instance.
func (r *Renderer) CreateBuffer(info BufferCreateInfo) (*Buffer, error) {
	if err := r.alive(); err != nil {
		return nil, err
	}
	if info.Size == 0 {
		return nil, r.invalidf("CreateBuffer %q: size must be positive", info.Label)
	}
	b := &Buffer{r: r, info: info, state: defaultBufferState(info.Usage), name: info.Label}
	first, err := r.newPhysicalBuffer(b)
	if err != nil {
		return nil, err
	}
	b.c = cycle.New(first, true, func() (*physicalBuffer, error) {
		p, err := r.newPhysicalBuffer(b)
		if err == nil {
			r.log.Debug("gpures: buffer cycled to a new instance", "buffer", b.label())
		}
		return p, err
	})
	return b, nil
}

func (r *Renderer) newPhysicalBuffer(b *Buffer) (*physicalBuffer, error) {
	mem, err := r.dev.CreateBuffer(&driver.BufferDescriptor{
		Label:        b.label(),
		Size:         b.info.Size,
		Usage:        b.info.Usage,
		Heap:         driver.MemoryDefault,
		InitialState: b.state,
	})
	if err != nil {
		return nil, r.deviceError(err, "create buffer")
	}
	p := &physicalBuffer{r: r, mem: mem}
	if b.info.Usage&gputypes.BufferUsageStorage != 0 {
		p.srv, err = r.allocateView(driver.HeapShaderResource, mem, &driver.ViewDescriptor{
			Kind: driver.ViewSampled, Size: b.info.Size,
		})
		if err == nil {
			p.uav, err = r.allocateView(driver.HeapShaderResource, mem, &driver.ViewDescriptor{
				Kind: driver.ViewStorage, Size: b.info.Size,
			})
		}
		if err != nil {
			p.dispose()
			return nil, err
		}
	}
	return p, nil
}

// ReleaseBuffer releases b. Instances still referenced by unfinished
// command buffers are destroyed once the GPU is done with them.
func (r *Renderer) ReleaseBuffer(b *Buffer) error {
	if b == nil {
		return r.invalidf("ReleaseBuffer: nil buffer")
	}
	r.releaseInstances(b.c.Release())
	return nil
}

func (r *Renderer) releaseInstances(instances []*physicalBuffer) {
	items := make([]disposable, len(instances))
	for i, p := range instances {
		items[i] = p
	}
	r.release(items...)
}

// SetBufferName sets the debug name of every instance of b, current and
// future.
func (r *Renderer) SetBufferName(b *Buffer, name string) {
	b.nameMu.Lock()
	b.name = name
	b.nameMu.Unlock()
	for _, p := range b.c.Instances() {
		r.dev.SetName(p.mem, name)
	}
}

// TransferBufferUsage is the direction of a transfer buffer.
type TransferBufferUsage uint8

const (
	// TransferBufferUpload buffers are written by the CPU and read by copies.
	TransferBufferUpload TransferBufferUsage = iota
	// TransferBufferDownload buffers are written by copies and read by the CPU.
	TransferBufferDownload
)

// String returns the usage name.
func (u TransferBufferUsage) String() string {
	switch u {
	case TransferBufferUpload:
		return "Upload"
	case TransferBufferDownload:
		return "Download"
	default:
		return fmt.Sprintf("TransferBufferUsage(%d)", u)
	}
}

// TransferBufferCreateInfo describes a CPU-visible staging buffer.
type TransferBufferCreateInfo struct {
	Label string
	Usage TransferBufferUsage
	Size  uint64
}

// TransferBuffer is CPU-visible memory for uploads and downloads. Its state
// never changes, so copies record no barriers for it.
type TransferBuffer struct {
	r    *Renderer
	info TransferBufferCreateInfo
	c    *cycle.Container[*physicalBuffer]

	mu     sync.Mutex
	mapped *physicalBuffer
}

// Info returns the creation parameters.
func (tb *TransferBuffer) Info() TransferBufferCreateInfo { return tb.info }

// Instances returns the number of physical instances backing tb.
func (tb *TransferBuffer) Instances() int { return tb.c.Len() }

// CreateTransferBuffer creates an upload or download buffer.
func (r *Renderer) CreateTransferBuffer(info TransferBufferCreateInfo) (*TransferBuffer, error) {
	if err := r.alive(); err != nil {
		return nil, err
	}
	if info.Size == 0 {
		return nil, r.invalidf("CreateTransferBuffer %q: size must be positive", info.Label)
	}
	tb := &TransferBuffer{r: r, info: info}
	first, err := r.newTransferInstance(tb)
	if err != nil {
		return nil, err
	}
	tb.c = cycle.New(first, true, func() (*physicalBuffer, error) {
		p, err := r.newTransferInstance(tb)
		if err == nil {
			r.log.Debug("gpures: transfer buffer cycled to a new instance", "buffer", info.Label)
		}
		return p, err
	})
	return tb, nil
}

func (r *Renderer) newTransferInstance(tb *TransferBuffer) (*physicalBuffer, error) {
	desc := &driver.BufferDescriptor{
		Label:        tb.info.Label,
		Size:         tb.info.Size,
		Usage:        gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc,
		Heap:         driver.MemoryUpload,
		InitialState: driver.StateGenericRead,
	}
	if tb.info.Usage == TransferBufferDownload {
		desc.Usage = gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst
		desc.Heap = driver.MemoryReadback
		desc.InitialState = driver.StateCopyDest
	}
	mem, err := r.dev.CreateBuffer(desc)
	if err != nil {
		return nil, r.deviceError(err, "create transfer buffer")
	}
	return &physicalBuffer{r: r, mem: mem}, nil
}

// MapTransferBuffer maps the active instance of tb for CPU access. With
// cycle, an instance still read by in-flight copies is swapped for an idle
// one first, so the returned bytes can be overwritten freely. The mapping
// lasts until UnmapTransferBuffer.
func (r *Renderer) MapTransferBuffer(tb *TransferBuffer, cycle bool) ([]byte, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.mapped != nil {
		return nil, r.invalidf("MapTransferBuffer %q: already mapped", tb.info.Label)
	}
	p, _, err := tb.c.PrepareForWrite(cycle, nil)
	if err != nil {
		return nil, r.invalidf("MapTransferBuffer %q: %v", tb.info.Label, err)
	}
	data, err := r.dev.Map(p.mem)
	if err != nil {
		return nil, r.deviceError(err, "map transfer buffer")
	}
	tb.mapped = p
	return data, nil
}

// UnmapTransferBuffer ends the mapping started by MapTransferBuffer.
func (r *Renderer) UnmapTransferBuffer(tb *TransferBuffer) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.mapped == nil {
		return r.invalidf("UnmapTransferBuffer %q: not mapped", tb.info.Label)
	}
	r.dev.Unmap(tb.mapped.mem)
	tb.mapped = nil
	return nil
}

// TransferBufferLocation is a byte offset in a transfer buffer.
type TransferBufferLocation struct {
	TransferBuffer *TransferBuffer
	Offset         uint64
}

// TransferBufferRegion is a byte range in a transfer buffer.
type TransferBufferRegion struct {
	TransferBuffer *TransferBuffer
	Offset         uint64
	Size           uint64
}

// SetTransferData copies src into the transfer buffer at dst.
func (r *Renderer) SetTransferData(src []byte, dst TransferBufferLocation, cycle bool) error {
	tb := dst.TransferBuffer
	if tb == nil {
		return r.invalidf("SetTransferData: nil transfer buffer")
	}
	if dst.Offset+uint64(len(src)) > tb.info.Size {
		return r.invalidf("SetTransferData %q: %d bytes at offset %d overflow size %d",
			tb.info.Label, len(src), dst.Offset, tb.info.Size)
	}
	data, err := r.MapTransferBuffer(tb, cycle)
	if err != nil {
		return err
	}
	copy(data[dst.Offset:], src)
	return r.UnmapTransferBuffer(tb)
}

// GetTransferData copies src out of the transfer buffer into dst. The
// copies that filled it must have completed.
func (r *Renderer) GetTransferData(src TransferBufferRegion, dst []byte) error {
	tb := src.TransferBuffer
	if tb == nil {
		return r.invalidf("GetTransferData: nil transfer buffer")
	}
	if src.Offset+src.Size > tb.info.Size || uint64(len(dst)) < src.Size {
		return r.invalidf("GetTransferData %q: region %d+%d does not fit", tb.info.Label, src.Offset, src.Size)
	}
	data, err := r.MapTransferBuffer(tb, false)
	if err != nil {
		return err
	}
	copy(dst, data[src.Offset:src.Offset+src.Size])
	return r.UnmapTransferBuffer(tb)
}

// ReleaseTransferBuffer releases tb. A mapping still open is ended.
func (r *Renderer) ReleaseTransferBuffer(tb *TransferBuffer) error {
	if tb == nil {
		return r.invalidf("ReleaseTransferBuffer: nil transfer buffer")
	}
	tb.mu.Lock()
	if tb.mapped != nil {
		r.dev.Unmap(tb.mapped.mem)
		tb.mapped = nil
	}
	tb.mu.Unlock()
	r.releaseInstances(tb.c.Release())
	return nil
}
