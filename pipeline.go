package gpures

import (
	"sync/atomic"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures/driver"
	"github.com/gogpu/gpures/internal/cycle"
)

// Binding limits per shader stage.
const (
	maxColorTargets    = 8
	maxSamplers        = 16
	maxStorageTextures = 8
	maxStorageBuffers  = 8
	maxUniformBuffers  = 4
	maxVertexBuffers   = 16
)

// ShaderStage is a programmable pipeline stage.
type ShaderStage = driver.ShaderStage

const (
	ShaderStageVertex   = driver.StageVertex
	ShaderStageFragment = driver.StageFragment
)

// ShaderCreateInfo describes one graphics shader. Code is handed to the
// device untouched.
type ShaderCreateInfo struct {
	Code       []byte
	EntryPoint string
	Stage      ShaderStage

	NumSamplers        uint32
	NumStorageTextures uint32
	NumStorageBuffers  uint32
	NumUniformBuffers  uint32
}

// Shader holds bytecode and resource counts until a pipeline is built from
// it. It owns no device object.
type Shader struct {
	info     ShaderCreateInfo
	released atomic.Bool
}

// CreateShader copies the bytecode of one graphics stage.
func (r *Renderer) CreateShader(info ShaderCreateInfo) (*Shader, error) {
	if err := r.alive(); err != nil {
		return nil, err
	}
	if info.Stage != ShaderStageVertex && info.Stage != ShaderStageFragment {
		return nil, r.invalidf("CreateShader: stage %v is not a graphics stage", info.Stage)
	}
	if len(info.Code) == 0 {
		return nil, r.invalidf("CreateShader: empty bytecode")
	}
	if err := r.checkStageCounts("CreateShader", info.NumSamplers, info.NumStorageTextures,
		info.NumStorageBuffers, info.NumUniformBuffers); err != nil {
		return nil, err
	}
	info.Code = append([]byte(nil), info.Code...)
	return &Shader{info: info}, nil
}

// ReleaseShader releases s. Pipelines already built from it are unaffected.
func (r *Renderer) ReleaseShader(s *Shader) error {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return r.invalidf("ReleaseShader: shader released twice")
	}
	s.info.Code = nil
	return nil
}

func (r *Renderer) checkStageCounts(op string, samplers, storageTextures, storageBuffers, uniforms uint32) error {
	switch {
	case samplers > maxSamplers:
		return r.invalidf("%s: %d samplers exceeds %d", op, samplers, maxSamplers)
	case storageTextures > maxStorageTextures:
		return r.invalidf("%s: %d storage textures exceeds %d", op, storageTextures, maxStorageTextures)
	case storageBuffers > maxStorageBuffers:
		return r.invalidf("%s: %d storage buffers exceeds %d", op, storageBuffers, maxStorageBuffers)
	case uniforms > maxUniformBuffers:
		return r.invalidf("%s: %d uniform buffers exceeds %d", op, uniforms, maxUniformBuffers)
	}
	return nil
}

// stageLayout locates one stage's bindings in the root layout. Table
// indices are -1 when the stage declares no bindings of that category.
type stageLayout struct {
	samplers        uint32
	storageTextures uint32
	storageBuffers  uint32
	uniforms        uint32

	resourceTable int32
	samplerTable  int32
	uniformParams [maxUniformBuffers]uint32
}

func (s *stageLayout) resources() uint32 {
	return s.samplers + s.storageTextures + s.storageBuffers
}

// rootLayout is the root signature a pipeline was built with.
//
// Graphics: vertex resources live in space 0 and vertex uniforms in space 1,
// fragment resources in space 2 and fragment uniforms in space 3. Compute:
// read-only resources in space 0, read-write resources in space 1, uniforms
// in space 2. Within a resource table, t registers run sampled textures,
// then storage textures, then storage buffers.
type rootLayout struct {
	params []driver.RootParameter
	stages [3]stageLayout

	rwTextures uint32
	rwBuffers  uint32
	rwTable    int32
}

func (l *rootLayout) addStage(stage ShaderStage, samplers, storageTextures, storageBuffers, uniforms, resourceSpace, uniformSpace uint32) {
	s := stageLayout{
		samplers:        samplers,
		storageTextures: storageTextures,
		storageBuffers:  storageBuffers,
		uniforms:        uniforms,
		resourceTable:   -1,
		samplerTable:    -1,
	}
	if n := s.resources(); n > 0 {
		s.resourceTable = int32(len(l.params))
		l.params = append(l.params, driver.RootParameter{
			Kind: driver.RootTable, Stage: stage,
			Heap: driver.HeapShaderResource, View: driver.ViewSampled,
			Count: n, Space: resourceSpace,
		})
	}
	if samplers > 0 {
		s.samplerTable = int32(len(l.params))
		l.params = append(l.params, driver.RootParameter{
			Kind: driver.RootTable, Stage: stage,
			Heap: driver.HeapSampler, Count: samplers, Space: resourceSpace,
		})
	}
	for i := range uniforms {
		s.uniformParams[i] = uint32(len(l.params))
		l.params = append(l.params, driver.RootParameter{
			Kind: driver.RootConstantBuffer, Stage: stage,
			View: driver.ViewConstantBuffer, Space: uniformSpace, Register: i,
		})
	}
	l.stages[stage] = s
}

// GraphicsPipelineCreateInfo describes a graphics pipeline.
type GraphicsPipelineCreateInfo struct {
	Label          string
	VertexShader   *Shader
	FragmentShader *Shader

	VertexBuffers      []gputypes.VertexBufferLayout
	Topology           gputypes.PrimitiveTopology
	ColorFormats       []gputypes.TextureFormat
	DepthStencilFormat gputypes.TextureFormat
	SampleCount        uint32
	// FixedFunction is passed through to the device.
	FixedFunction any
}

// GraphicsPipeline is a compiled graphics pipeline with its root layout.
type GraphicsPipeline struct {
	cycle.RefCount
	r        *Renderer
	handle   driver.Pipeline
	layout   rootLayout
	strides  []uint32
	label    string
	released atomic.Bool
}

func (p *GraphicsPipeline) dispose() { p.r.dev.DestroyPipeline(p.handle) }

// CreateGraphicsPipeline builds a pipeline from a vertex and a fragment
// shader.
func (r *Renderer) CreateGraphicsPipeline(info GraphicsPipelineCreateInfo) (*GraphicsPipeline, error) {
	if err := r.alive(); err != nil {
		return nil, err
	}
	vs, fs := info.VertexShader, info.FragmentShader
	switch {
	case vs == nil || fs == nil:
		return nil, r.invalidf("CreateGraphicsPipeline %q: vertex and fragment shaders are required", info.Label)
	case vs.released.Load() || fs.released.Load():
		return nil, r.invalidf("CreateGraphicsPipeline %q: shader was released", info.Label)
	case vs.info.Stage != ShaderStageVertex || fs.info.Stage != ShaderStageFragment:
		return nil, r.invalidf("CreateGraphicsPipeline %q: shader stages do not match their slots", info.Label)
	case len(info.ColorFormats) > maxColorTargets:
		return nil, r.invalidf("CreateGraphicsPipeline %q: %d color targets exceeds %d", info.Label, len(info.ColorFormats), maxColorTargets)
	case len(info.VertexBuffers) > maxVertexBuffers:
		return nil, r.invalidf("CreateGraphicsPipeline %q: %d vertex buffers exceeds %d", info.Label, len(info.VertexBuffers), maxVertexBuffers)
	}

	var l rootLayout
	l.addStage(ShaderStageVertex, vs.info.NumSamplers, vs.info.NumStorageTextures,
		vs.info.NumStorageBuffers, vs.info.NumUniformBuffers, 0, 1)
	l.addStage(ShaderStageFragment, fs.info.NumSamplers, fs.info.NumStorageTextures,
		fs.info.NumStorageBuffers, fs.info.NumUniformBuffers, 2, 3)
	l.rwTable = -1

	handle, err := r.dev.CreatePipeline(&driver.PipelineDescriptor{
		Label: info.Label,
		Kind:  driver.PipelineGraphics,
		Stages: []driver.ShaderCode{
			{Stage: driver.StageVertex, Code: vs.info.Code, EntryPoint: vs.info.EntryPoint},
			{Stage: driver.StageFragment, Code: fs.info.Code, EntryPoint: fs.info.EntryPoint},
		},
		Root:          l.params,
		ColorFormats:  info.ColorFormats,
		DepthFormat:   info.DepthStencilFormat,
		SampleCount:   max(info.SampleCount, 1),
		Topology:      info.Topology,
		VertexBuffers: info.VertexBuffers,
		FixedFunction: info.FixedFunction,
	})
	if err != nil {
		return nil, r.deviceError(err, "create graphics pipeline")
	}

	strides := make([]uint32, len(info.VertexBuffers))
	for i, vb := range info.VertexBuffers {
		strides[i] = uint32(vb.ArrayStride)
	}
	return &GraphicsPipeline{r: r, handle: handle, layout: l, strides: strides, label: info.Label}, nil
}

// ReleaseGraphicsPipeline releases p once no command buffer uses it.
func (r *Renderer) ReleaseGraphicsPipeline(p *GraphicsPipeline) error {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return r.invalidf("ReleaseGraphicsPipeline: pipeline released twice")
	}
	r.release(p)
	return nil
}

// ComputePipelineCreateInfo describes a compute pipeline.
type ComputePipelineCreateInfo struct {
	Label      string
	Code       []byte
	EntryPoint string

	NumSamplers                 uint32
	NumReadOnlyStorageTextures  uint32
	NumReadOnlyStorageBuffers   uint32
	NumReadWriteStorageTextures uint32
	NumReadWriteStorageBuffers  uint32
	NumUniformBuffers           uint32

	ThreadCountX, ThreadCountY, ThreadCountZ uint32
}

// ComputePipeline is a compiled compute pipeline with its root layout.
type ComputePipeline struct {
	cycle.RefCount
	r        *Renderer
	handle   driver.Pipeline
	layout   rootLayout
	label    string
	released atomic.Bool
}

func (p *ComputePipeline) dispose() { p.r.dev.DestroyPipeline(p.handle) }

// CreateComputePipeline builds a compute pipeline.
func (r *Renderer) CreateComputePipeline(info ComputePipelineCreateInfo) (*ComputePipeline, error) {
	if err := r.alive(); err != nil {
		return nil, err
	}
	if len(info.Code) == 0 {
		return nil, r.invalidf("CreateComputePipeline %q: empty bytecode", info.Label)
	}
	if err := r.checkStageCounts("CreateComputePipeline", info.NumSamplers, info.NumReadOnlyStorageTextures,
		info.NumReadOnlyStorageBuffers, info.NumUniformBuffers); err != nil {
		return nil, err
	}
	if info.NumReadWriteStorageTextures > maxStorageTextures || info.NumReadWriteStorageBuffers > maxStorageBuffers {
		return nil, r.invalidf("CreateComputePipeline %q: too many read-write bindings", info.Label)
	}

	l := rootLayout{rwTable: -1}
	// Uniforms go in space 2; read-write resources take space 1.
	l.addStage(driver.StageCompute, info.NumSamplers, info.NumReadOnlyStorageTextures,
		info.NumReadOnlyStorageBuffers, info.NumUniformBuffers, 0, 2)
	l.rwTextures = info.NumReadWriteStorageTextures
	l.rwBuffers = info.NumReadWriteStorageBuffers
	if n := l.rwTextures + l.rwBuffers; n > 0 {
		l.rwTable = int32(len(l.params))
		l.params = append(l.params, driver.RootParameter{
			Kind: driver.RootTable, Stage: driver.StageCompute,
			Heap: driver.HeapShaderResource, View: driver.ViewStorage,
			Count: n, Space: 1,
		})
	}

	handle, err := r.dev.CreatePipeline(&driver.PipelineDescriptor{
		Label:       info.Label,
		Kind:        driver.PipelineCompute,
		Stages:      []driver.ShaderCode{{Stage: driver.StageCompute, Code: info.Code, EntryPoint: info.EntryPoint}},
		Root:        l.params,
		ThreadCount: [3]uint32{max(info.ThreadCountX, 1), max(info.ThreadCountY, 1), max(info.ThreadCountZ, 1)},
	})
	if err != nil {
		return nil, r.deviceError(err, "create compute pipeline")
	}
	return &ComputePipeline{r: r, handle: handle, layout: l, label: info.Label}, nil
}

// ReleaseComputePipeline releases p once no command buffer uses it.
func (r *Renderer) ReleaseComputePipeline(p *ComputePipeline) error {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return r.invalidf("ReleaseComputePipeline: pipeline released twice")
	}
	r.release(p)
	return nil
}
