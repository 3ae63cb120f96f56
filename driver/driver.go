// Package driver defines the capability objects the gpures core consumes
// from a native graphics API.
//
// The core never talks to a vendor API directly. Everything it needs, from
// memory allocation and descriptor writes to command recording, queue
// submission, fences and presentation surfaces, is reached through the
// interfaces in this package. Two implementations ship with the module:
// driver/simdev, a deterministic in-process simulation used by tests and the
// demo, and driver/haldev, a bridge onto github.com/gogpu/wgpu/hal.
//
// Implementations translate the portable enums (github.com/gogpu/gputypes
// formats and usage flags, ResourceState) into their native equivalents.
package driver

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
)

// Errors reported by drivers.
var (
	// ErrDeviceRemoved reports that the native device was lost. Drivers wrap
	// it with the native reason code.
	ErrDeviceRemoved = errors.New("driver: device removed")

	// ErrOutOfMemory reports that a native allocation failed.
	ErrOutOfMemory = errors.New("driver: out of device memory")

	// ErrUnsupported reports an operation the driver cannot perform.
	ErrUnsupported = errors.New("driver: operation not supported")

	// ErrSurfaceBusy reports a surface resize attempted while its buffers
	// are still referenced by unfinished work.
	ErrSurfaceBusy = errors.New("driver: surface buffers still in use")
)

// WaitForever makes WaitFences block until the condition holds.
const WaitForever time.Duration = -1

// Device is a native graphics device.
//
// Methods may be called from several goroutines at once except where noted.
// A CommandList is used by one goroutine at a time.
type Device interface {
	// CreateBuffer allocates linear memory.
	CreateBuffer(desc *BufferDescriptor) (Memory, error)
	// CreateTexture allocates image memory in desc.InitialState.
	CreateTexture(desc *TextureDescriptor) (Memory, error)
	// DestroyMemory frees m. The caller guarantees no pending GPU work
	// references it.
	DestroyMemory(m Memory)
	// Map returns a CPU view of upload or readback memory. Mapping an
	// upload buffer is persistent; the slice stays valid until Unmap.
	Map(m Memory) ([]byte, error)
	// Unmap ends a Map.
	Unmap(m Memory)
	// SetName attaches a debug name to m.
	SetName(m Memory, name string)

	// CreateDescriptorHeap allocates a table of capacity descriptors.
	CreateDescriptorHeap(kind HeapKind, capacity uint32, shaderVisible bool) (DescriptorHeap, error)
	DestroyDescriptorHeap(h DescriptorHeap)
	// CreateView writes a view of m into dst.
	CreateView(m Memory, desc *ViewDescriptor, dst Descriptor) error
	// CreateSampler writes a sampler into dst, which must live in a
	// sampler heap.
	CreateSampler(desc *SamplerDescriptor, dst Descriptor) error
	// CopyDescriptors copies len(src) descriptors into consecutive slots
	// starting at dst.
	CopyDescriptors(dst Descriptor, src []Descriptor)

	CreatePipeline(desc *PipelineDescriptor) (Pipeline, error)
	DestroyPipeline(p Pipeline)

	CreateCommandList() (CommandList, error)
	DestroyCommandList(l CommandList)

	CreateFence() (Fence, error)
	DestroyFence(f Fence)
	// ResetFence puts f back to value 0 from the CPU.
	ResetFence(f Fence) error
	// FenceReached reports whether f has been signaled with at least value.
	// It never blocks.
	FenceReached(f Fence, value uint64) bool
	// WaitFences blocks until all (waitAll) or any of fences reach value,
	// or until timeout elapses. A zero timeout polls. It reports whether
	// the condition was met.
	WaitFences(fences []Fence, value uint64, waitAll bool, timeout time.Duration) (bool, error)

	// Queue returns the device's single graphics queue.
	Queue() Queue

	// CreateSurface creates a presentation surface for win.
	CreateSurface(win Window, desc *SurfaceDescriptor) (Surface, error)

	Capabilities() Capabilities
	// FormatInfo describes a texture format, reporting false for formats the
	// device does not know.
	FormatInfo(format gputypes.TextureFormat) (FormatInfo, bool)
	// FormatSupported reports whether format can be created with usage.
	FormatSupported(format gputypes.TextureFormat, usage gputypes.TextureUsage) bool
	// SampleCountSupported reports whether format supports count samples.
	SampleCountSupported(format gputypes.TextureFormat, count uint32) bool

	// RemovedReason returns nil while the device is healthy and an error
	// wrapping ErrDeviceRemoved after it was lost.
	RemovedReason() error

	// Destroy releases the device. Objects created from it must have been
	// destroyed first.
	Destroy()
}

// Queue executes command lists in submission order.
type Queue interface {
	// Execute enqueues closed command lists.
	Execute(lists []CommandList) error
	// Signal enqueues a write of value into f after all work executed
	// before it.
	Signal(f Fence, value uint64) error
}

// Fence is an opaque GPU timeline object.
type Fence interface{}

// Pipeline is an opaque compiled pipeline state object.
type Pipeline interface{}

// Memory is a native allocation backing one buffer or texture.
type Memory interface {
	// Size is the allocation size in bytes.
	Size() uint64
	// GPUAddress is the virtual address shaders and fixed-function units
	// use to reach the first byte of a buffer. Zero for textures.
	GPUAddress() uint64
}

// DescriptorHeap is a table of view descriptors.
type DescriptorHeap interface {
	Kind() HeapKind
	Capacity() uint32
	ShaderVisible() bool
}

// Descriptor addresses one slot of a descriptor heap.
type Descriptor struct {
	Heap  DescriptorHeap
	Index uint32
}

// Valid reports whether d refers to a heap.
func (d Descriptor) Valid() bool { return d.Heap != nil }

// Offset returns the descriptor n slots after d.
func (d Descriptor) Offset(n uint32) Descriptor {
	return Descriptor{Heap: d.Heap, Index: d.Index + n}
}

// Window is a host window a surface can present to.
type Window interface {
	// Size returns the drawable size in pixels.
	Size() (width, height uint32)
}

// Surface is a swapchain of presentable buffers bound to a window.
type Surface interface {
	// BufferCount is the number of presentable buffers.
	BufferCount() uint32
	// Buffer returns presentable buffer i.
	Buffer(i uint32) (Memory, error)
	// CurrentBufferIndex returns the buffer the next frame renders into.
	CurrentBufferIndex() uint32
	// Resize recreates the buffers at the new size. All Memory previously
	// returned by Buffer becomes invalid.
	Resize(width, height uint32) error
	// Present queues the current buffer for display.
	Present(syncInterval uint32, allowTearing bool) error
	Destroy()
}

// Capabilities lists device-wide properties the core relies on.
type Capabilities struct {
	// SupportsTearing reports whether a surface may present without
	// waiting for vertical blank.
	SupportsTearing bool
	// SupportsHDR reports whether HDR10 and extended-linear surfaces exist.
	SupportsHDR bool
	// ConstantBufferAlignment is the required alignment of constant buffer
	// addresses.
	ConstantBufferAlignment uint32
	// TexturePitchAlignment is the required alignment of BytesPerRow in
	// buffer/texture copies.
	TexturePitchAlignment uint32
	// TexturePlacementAlignment is the required alignment of buffer
	// offsets in buffer/texture copies.
	TexturePlacementAlignment uint32
}

// FormatInfo describes the layout of a texture format.
type FormatInfo struct {
	// BlockSize is the size in bytes of one texel (or one compressed block).
	BlockSize uint32
	// BlockWidth and BlockHeight are 1 for uncompressed formats.
	BlockWidth, BlockHeight uint32
	Depth                   bool
	Stencil                 bool
}
