package driver

import (
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
)

// HeapKind selects which kind of view a descriptor heap holds.
type HeapKind uint8

const (
	// HeapShaderResource holds sampled, storage and constant-buffer views.
	HeapShaderResource HeapKind = iota
	// HeapSampler holds samplers.
	HeapSampler
	// HeapRenderTarget holds color attachment views. Never shader visible.
	HeapRenderTarget
	// HeapDepthStencil holds depth attachment views. Never shader visible.
	HeapDepthStencil

	// HeapKindCount is the number of heap kinds.
	HeapKindCount
)

// String returns the heap kind name.
func (k HeapKind) String() string {
	switch k {
	case HeapShaderResource:
		return "ShaderResource"
	case HeapSampler:
		return "Sampler"
	case HeapRenderTarget:
		return "RenderTarget"
	case HeapDepthStencil:
		return "DepthStencil"
	default:
		return fmt.Sprintf("HeapKind(%d)", k)
	}
}

// CanBeShaderVisible reports whether heaps of this kind may be bound to
// shaders.
func (k HeapKind) CanBeShaderVisible() bool {
	return k == HeapShaderResource || k == HeapSampler
}

// MemoryHeap selects where an allocation lives.
type MemoryHeap uint8

const (
	// MemoryDefault is device-local memory.
	MemoryDefault MemoryHeap = iota
	// MemoryUpload is CPU-writable memory the GPU reads.
	MemoryUpload
	// MemoryReadback is memory the GPU writes and the CPU reads.
	MemoryReadback
)

// ResourceState is the usage state a resource is in for the GPU. Read-only
// states may be combined; write states stand alone.
type ResourceState uint32

const (
	StateCommon                  ResourceState = 0
	StateVertexAndConstantBuffer ResourceState = 1 << iota
	StateIndexBuffer
	StateRenderTarget
	StateUnorderedAccess
	StateDepthWrite
	StateDepthRead
	StateNonPixelShaderResource
	StatePixelShaderResource
	StateIndirectArgument
	StateCopyDest
	StateCopySource
	StatePresent

	// StateShaderResource is readable from every shader stage.
	StateShaderResource = StateNonPixelShaderResource | StatePixelShaderResource

	// StateGenericRead is the fixed state of upload memory.
	StateGenericRead = StateVertexAndConstantBuffer | StateIndexBuffer |
		StateShaderResource | StateIndirectArgument | StateCopySource
)

var stateNames = []struct {
	s    ResourceState
	name string
}{
	{StateVertexAndConstantBuffer, "VertexAndConstantBuffer"},
	{StateIndexBuffer, "IndexBuffer"},
	{StateRenderTarget, "RenderTarget"},
	{StateUnorderedAccess, "UnorderedAccess"},
	{StateDepthWrite, "DepthWrite"},
	{StateDepthRead, "DepthRead"},
	{StateNonPixelShaderResource, "NonPixelShaderResource"},
	{StatePixelShaderResource, "PixelShaderResource"},
	{StateIndirectArgument, "IndirectArgument"},
	{StateCopyDest, "CopyDest"},
	{StateCopySource, "CopySource"},
	{StatePresent, "Present"},
}

// String returns the state flags joined by "|".
func (s ResourceState) String() string {
	if s == StateCommon {
		return "Common"
	}
	var parts []string
	for _, n := range stateNames {
		if s&n.s != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// AllSubresources addresses every subresource of a resource in a Barrier.
const AllSubresources = ^uint32(0)

// Barrier transitions a resource between usage states.
type Barrier struct {
	Memory      Memory
	Subresource uint32
	Before      ResourceState
	After       ResourceState
}

// BufferDescriptor describes a buffer allocation.
type BufferDescriptor struct {
	Label        string
	Size         uint64
	Usage        gputypes.BufferUsage
	Heap         MemoryHeap
	InitialState ResourceState
}

// TextureDescriptor describes a texture allocation.
type TextureDescriptor struct {
	Label     string
	Dimension gputypes.TextureDimension
	// Size.DepthOrArrayLayers is the depth of a 3D texture or the layer
	// count otherwise.
	Size          gputypes.Extent3D
	MipLevelCount uint32
	SampleCount   uint32
	Format        gputypes.TextureFormat
	Usage         gputypes.TextureUsage
	InitialState  ResourceState
}

// Subresources returns the number of subresources a texture with this
// descriptor has.
func (d *TextureDescriptor) Subresources() uint32 {
	layers := d.Size.DepthOrArrayLayers
	if d.Dimension == gputypes.TextureDimension3D {
		layers = 1
	}
	return max(d.MipLevelCount, 1) * max(layers, 1)
}

// ViewKind selects the view type CreateView writes.
type ViewKind uint8

const (
	ViewSampled ViewKind = iota
	ViewStorage
	ViewRenderTarget
	ViewDepthStencil
	ViewConstantBuffer
)

// ViewDescriptor describes a view. Texture views use the mip and layer
// ranges; buffer views use Offset and Size.
type ViewDescriptor struct {
	Kind            ViewKind
	Format          gputypes.TextureFormat
	Dimension       gputypes.TextureViewDimension
	BaseMipLevel    uint32
	MipLevelCount   uint32
	BaseArrayLayer  uint32
	ArrayLayerCount uint32
	Offset          uint64
	Size            uint64
}

// SamplerDescriptor describes a sampler.
type SamplerDescriptor struct {
	MinFilter     gputypes.FilterMode
	MagFilter     gputypes.FilterMode
	MipmapFilter  gputypes.FilterMode
	AddressModeU  gputypes.AddressMode
	AddressModeV  gputypes.AddressMode
	AddressModeW  gputypes.AddressMode
	LodMinClamp   float32
	LodMaxClamp   float32
	Compare       gputypes.CompareFunction
	MaxAnisotropy uint16
}

// PipelineKind selects graphics or compute.
type PipelineKind uint8

const (
	PipelineGraphics PipelineKind = iota
	PipelineCompute
)

// ShaderStage is a programmable pipeline stage.
type ShaderStage uint8

const (
	StageVertex ShaderStage = iota
	StageFragment
	StageCompute
)

// String returns the stage name.
func (s ShaderStage) String() string {
	switch s {
	case StageVertex:
		return "vertex"
	case StageFragment:
		return "fragment"
	case StageCompute:
		return "compute"
	default:
		return fmt.Sprintf("ShaderStage(%d)", s)
	}
}

// RootParameterKind is the kind of a root parameter.
type RootParameterKind uint8

const (
	// RootTable binds Count consecutive descriptors of a shader-visible heap.
	RootTable RootParameterKind = iota
	// RootConstantBuffer binds a constant buffer by GPU address.
	RootConstantBuffer
)

// RootParameter is one entry of a pipeline's root layout.
type RootParameter struct {
	Kind  RootParameterKind
	Stage ShaderStage
	// Heap and View describe a table's contents.
	Heap HeapKind
	View ViewKind
	// Count is the number of descriptors in a table.
	Count uint32
	// Space and Register locate the binding in the shader.
	Space    uint32
	Register uint32
}

// ShaderCode is the bytecode of one stage.
type ShaderCode struct {
	Stage      ShaderStage
	Code       []byte
	EntryPoint string
}

// PipelineDescriptor describes a pipeline. Bytecode is opaque to the core.
type PipelineDescriptor struct {
	Label  string
	Kind   PipelineKind
	Stages []ShaderCode
	Root   []RootParameter

	ColorFormats  []gputypes.TextureFormat
	DepthFormat   gputypes.TextureFormat
	SampleCount   uint32
	Topology      gputypes.PrimitiveTopology
	VertexBuffers []gputypes.VertexBufferLayout
	// FixedFunction carries rasterizer, blend and depth state in whatever
	// form the driver accepts.
	FixedFunction any
	ThreadCount   [3]uint32
}

// TextureLocation addresses one subresource region of a texture in a copy.
type TextureLocation struct {
	Memory   Memory
	MipLevel uint32
	Layer    uint32
	Origin   gputypes.Origin3D
}

// BufferLayout addresses texel data in a buffer.
type BufferLayout struct {
	Memory       Memory
	Offset       uint64
	BytesPerRow  uint32
	RowsPerImage uint32
}

// Viewport is a rasterization viewport.
type Viewport struct {
	X, Y, Width, Height float32
	MinDepth, MaxDepth  float32
}

// Rect is a scissor rectangle.
type Rect struct {
	X, Y          int32
	Width, Height uint32
}

// VertexBufferView binds vertex data.
type VertexBufferView struct {
	Address uint64
	Size    uint32
	Stride  uint32
}

// IndexBufferView binds index data.
type IndexBufferView struct {
	Address uint64
	Size    uint32
	Format  gputypes.IndexFormat
}

// ClearFlags select depth and stencil in ClearDepthStencil.
type ClearFlags uint8

const (
	ClearDepth ClearFlags = 1 << iota
	ClearStencil
)

// CommandList records GPU commands. After Close the list can only be
// executed or Reset.
type CommandList interface {
	// Reset reopens the list for recording. The list must not be pending
	// on the GPU.
	Reset() error
	Close() error

	BeginEvent(name string)
	EndEvent()
	SetMarker(name string)

	ResourceBarrier(barriers []Barrier)

	SetDescriptorHeaps(heaps []DescriptorHeap)
	SetPipeline(p Pipeline)
	SetGraphicsRootTable(index uint32, base Descriptor)
	SetComputeRootTable(index uint32, base Descriptor)
	SetGraphicsRootConstantBuffer(index uint32, address uint64)
	SetComputeRootConstantBuffer(index uint32, address uint64)

	SetRenderTargets(colors []Descriptor, depth *Descriptor)
	ClearRenderTarget(rtv Descriptor, color gputypes.Color)
	ClearDepthStencil(dsv Descriptor, flags ClearFlags, depth float32, stencil uint8)
	SetViewport(vp Viewport)
	SetScissor(r Rect)
	SetBlendConstant(c gputypes.Color)
	SetStencilReference(ref uint32)
	SetVertexBuffers(first uint32, views []VertexBufferView)
	SetIndexBuffer(view IndexBufferView)

	Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32)
	DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32)
	// DrawIndirect reads drawCount argument records of stride bytes from
	// args at offset.
	DrawIndirect(args Memory, offset uint64, drawCount, stride uint32, indexed bool)
	Dispatch(x, y, z uint32)
	DispatchIndirect(args Memory, offset uint64)

	CopyBuffer(dst Memory, dstOffset uint64, src Memory, srcOffset uint64, size uint64)
	CopyBufferToTexture(dst TextureLocation, src BufferLayout, size gputypes.Extent3D)
	CopyTextureToBuffer(dst BufferLayout, src TextureLocation, size gputypes.Extent3D)
	CopyTexture(dst, src TextureLocation, size gputypes.Extent3D)
}

// PresentMode selects how a surface paces presentation.
type PresentMode uint8

const (
	// PresentVSync waits for vertical blank and never drops frames.
	PresentVSync PresentMode = iota
	// PresentImmediate presents at once and may tear.
	PresentImmediate
	// PresentMailbox replaces the queued frame without tearing.
	PresentMailbox
)

// String returns the mode name.
func (m PresentMode) String() string {
	switch m {
	case PresentVSync:
		return "VSync"
	case PresentImmediate:
		return "Immediate"
	case PresentMailbox:
		return "Mailbox"
	default:
		return fmt.Sprintf("PresentMode(%d)", m)
	}
}

// Composition selects the color space of a surface.
type Composition uint8

const (
	CompositionSDR Composition = iota
	CompositionSDRLinear
	CompositionHDRExtendedLinear
	CompositionHDR10
)

// String returns the composition name.
func (c Composition) String() string {
	switch c {
	case CompositionSDR:
		return "SDR"
	case CompositionSDRLinear:
		return "SDRLinear"
	case CompositionHDRExtendedLinear:
		return "HDRExtendedLinear"
	case CompositionHDR10:
		return "HDR10"
	default:
		return fmt.Sprintf("Composition(%d)", c)
	}
}

// SurfaceDescriptor describes a presentation surface.
type SurfaceDescriptor struct {
	Width, Height uint32
	BufferCount   uint32
	Format        gputypes.TextureFormat
	Composition   Composition
	AllowTearing  bool
}
