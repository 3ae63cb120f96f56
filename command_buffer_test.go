package gpures

import (
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures/driver"
	"github.com/gogpu/gpures/driver/simdev"
)

var testCode = []byte{0x44, 0x58, 0x42, 0x43}

func countOps(dev *simdev.Device, op simdev.Op) int {
	n := 0
	for _, c := range dev.History() {
		if c.Op == op {
			n++
		}
	}
	return n
}

func mustComputePipeline(t *testing.T, r *Renderer, info ComputePipelineCreateInfo) *ComputePipeline {
	t.Helper()
	if info.Code == nil {
		info.Code = testCode
	}
	p, err := r.CreateComputePipeline(info)
	if err != nil {
		t.Fatalf("CreateComputePipeline() error = %v", err)
	}
	return p
}

func TestCommandBufferInvalidUsage(t *testing.T) {
	r, dev := newTestRenderer(t, simdev.Options{})
	target := mustTexture(t, r, TextureCreateInfo{
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageRenderAttachment,
		Width:  16,
		Height: 16,
	})
	colors := []ColorTargetInfo{{Texture: target, LoadOp: gputypes.LoadOpClear}}

	tests := []struct {
		name string
		fn   func(t *testing.T) error
	}{
		{"double submit", func(t *testing.T) error {
			cb := mustAcquire(t, r)
			mustSubmit(t, r, cb)
			return r.Submit(cb)
		}},
		{"submit with open pass", func(t *testing.T) error {
			cb := mustAcquire(t, r)
			rp, err := cb.BeginRenderPass(colors, nil)
			if err != nil {
				t.Fatalf("BeginRenderPass() error = %v", err)
			}
			err = r.Submit(cb)
			_ = rp.End()
			mustSubmit(t, r, cb)
			return err
		}},
		{"submit with open debug group", func(t *testing.T) error {
			cb := mustAcquire(t, r)
			_ = cb.PushDebugGroup("frame")
			err := r.Submit(cb)
			_ = cb.PopDebugGroup()
			mustSubmit(t, r, cb)
			return err
		}},
		{"pop without push", func(t *testing.T) error {
			cb := mustAcquire(t, r)
			defer mustSubmit(t, r, cb)
			return cb.PopDebugGroup()
		}},
		{"draw without pipeline", func(t *testing.T) error {
			cb := mustAcquire(t, r)
			rp, _ := cb.BeginRenderPass(colors, nil)
			err := rp.DrawPrimitives(3, 1, 0, 0)
			_ = rp.End()
			mustSubmit(t, r, cb)
			return err
		}},
		{"dispatch without pipeline", func(t *testing.T) error {
			cb := mustAcquire(t, r)
			cp, _ := cb.BeginComputePass(nil, nil)
			err := cp.DispatchCompute(1, 1, 1)
			_ = cp.End()
			mustSubmit(t, r, cb)
			return err
		}},
		{"render command outside pass", func(t *testing.T) error {
			cb := mustAcquire(t, r)
			rp, _ := cb.BeginRenderPass(colors, nil)
			_ = rp.End()
			defer mustSubmit(t, r, cb)
			return rp.SetViewport(Viewport{Width: 1, Height: 1})
		}},
		{"render pass without targets", func(t *testing.T) error {
			cb := mustAcquire(t, r)
			defer mustSubmit(t, r, cb)
			_, err := cb.BeginRenderPass(nil, nil)
			return err
		}},
		{"oversized uniform push", func(t *testing.T) error {
			cb := mustAcquire(t, r)
			defer mustSubmit(t, r, cb)
			return cb.PushVertexUniformData(0, make([]byte, r.uniforms.BlockSize()+1))
		}},
		{"uniform slot out of range", func(t *testing.T) error {
			cb := mustAcquire(t, r)
			defer mustSubmit(t, r, cb)
			return cb.PushFragmentUniformData(maxUniformBuffers, make([]byte, 16))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(t); !IsInvalidUsage(err) {
				t.Errorf("error = %v, want invalid usage", err)
			}
		})
	}
	if err := r.WaitForIdle(); err != nil {
		t.Fatalf("WaitForIdle() error = %v", err)
	}
	if s := r.Stats(); s.CommandBuffersRecording != 0 {
		t.Errorf("CommandBuffersRecording = %d, want 0", s.CommandBuffersRecording)
	}
	checkViolations(t, dev)
}

func TestDebugModePanics(t *testing.T) {
	r, _ := newTestRenderer(t, simdev.Options{}, WithDebugMode(true))
	cb := mustAcquire(t, r)
	mustSubmit(t, r, cb)

	defer func() {
		v := recover()
		if v == nil {
			t.Fatal("Submit() twice in debug mode did not panic")
		}
		err, ok := v.(error)
		if !ok || !IsInvalidUsage(err) {
			t.Errorf("panic value = %v, want invalid usage error", v)
		}
	}()
	_ = r.Submit(cb)
}

func TestDebugGroups(t *testing.T) {
	r, dev := newTestRenderer(t, simdev.Options{RecordCommands: true})
	cb := mustAcquire(t, r)
	steps := []func() error{
		func() error { return cb.PushDebugGroup("frame") },
		func() error { return cb.PushDebugGroup("shadows") },
		func() error { return cb.InsertDebugLabel("cascade 0") },
		cb.PopDebugGroup,
		cb.PopDebugGroup,
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d error = %v", i, err)
		}
	}
	mustSubmit(t, r, cb)
	if err := r.WaitForIdle(); err != nil {
		t.Fatalf("WaitForIdle() error = %v", err)
	}

	if got := countOps(dev, simdev.OpBeginEvent); got != 2 {
		t.Errorf("BeginEvent count = %d, want 2", got)
	}
	if got := countOps(dev, simdev.OpEndEvent); got != 2 {
		t.Errorf("EndEvent count = %d, want 2", got)
	}
	if got := countOps(dev, simdev.OpMarker); got != 1 {
		t.Errorf("Marker count = %d, want 1", got)
	}
	checkViolations(t, dev)
}

// Pushes larger than what is left in a ring move the slot to a fresh ring;
// every ring goes back to the pool when the command buffer retires.
func TestUniformRingOverflow(t *testing.T) {
	r, dev := newTestRenderer(t, simdev.Options{}, WithUniformBlockSize(uniformTestBlock))
	p := mustComputePipeline(t, r, ComputePipelineCreateInfo{Label: "uniforms", NumUniformBuffers: 1})

	cb := mustAcquire(t, r)
	cp, err := cb.BeginComputePass(nil, nil)
	if err != nil {
		t.Fatalf("BeginComputePass() error = %v", err)
	}
	if err := cp.BindComputePipeline(p); err != nil {
		t.Fatalf("BindComputePipeline() error = %v", err)
	}
	const pushes = 3
	for i := range pushes {
		if err := cb.PushComputeUniformData(0, make([]byte, uniformTestBlock)); err != nil {
			t.Fatalf("PushComputeUniformData() #%d error = %v", i, err)
		}
		if err := cp.DispatchCompute(1, 1, 1); err != nil {
			t.Fatalf("DispatchCompute() #%d error = %v", i, err)
		}
	}
	_ = cp.End()
	mustSubmit(t, r, cb)

	if got := r.Stats().UniformRings.Created; got != pushes {
		t.Errorf("UniformRings.Created = %d, want %d", got, pushes)
	}
	if err := r.WaitForIdle(); err != nil {
		t.Fatalf("WaitForIdle() error = %v", err)
	}
	if s := r.Stats().UniformRings; s.Available != s.Created {
		t.Errorf("after idle: %v", s)
	}
	checkViolations(t, dev)
}

const uniformTestBlock = 256

// A shader-visible heap too small for the whole command buffer is swapped
// for a fresh one mid-recording; every table still lands in a bound heap.
func TestShaderVisibleHeapSwitch(t *testing.T) {
	r, dev := newTestRenderer(t, simdev.Options{},
		WithGPUHeapCapacity(driver.HeapShaderResource, 4))
	p := mustComputePipeline(t, r, ComputePipelineCreateInfo{Label: "sum", NumReadOnlyStorageBuffers: 2})
	a := mustBuffer(t, r, gputypes.BufferUsageStorage, 64)
	b := mustBuffer(t, r, gputypes.BufferUsageStorage, 64)

	cb := mustAcquire(t, r)
	cp, err := cb.BeginComputePass(nil, nil)
	if err != nil {
		t.Fatalf("BeginComputePass() error = %v", err)
	}
	if err := cp.BindComputePipeline(p); err != nil {
		t.Fatalf("BindComputePipeline() error = %v", err)
	}
	for i := range 6 {
		if err := cp.BindComputeStorageBuffers(0, []*Buffer{a, b}); err != nil {
			t.Fatalf("BindComputeStorageBuffers() #%d error = %v", i, err)
		}
		if err := cp.DispatchCompute(4, 1, 1); err != nil {
			t.Fatalf("DispatchCompute() #%d error = %v", i, err)
		}
	}
	_ = cp.End()
	mustSubmit(t, r, cb)

	if got := r.Stats().ShaderResourceHeaps.Created; got < 2 {
		t.Errorf("ShaderResourceHeaps.Created = %d, want at least 2", got)
	}
	if err := r.WaitForIdle(); err != nil {
		t.Fatalf("WaitForIdle() error = %v", err)
	}
	if s := r.Stats().ShaderResourceHeaps; s.Available != s.Created {
		t.Errorf("after idle: %v", s)
	}
	checkViolations(t, dev)
}

func TestComputeReadWriteBindings(t *testing.T) {
	r, dev := newTestRenderer(t, simdev.Options{})
	p := mustComputePipeline(t, r, ComputePipelineCreateInfo{
		Label:                       "blur",
		NumReadOnlyStorageTextures:  1,
		NumReadWriteStorageTextures: 1,
		NumReadWriteStorageBuffers:  1,
	})
	info := TextureCreateInfo{
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageStorageBinding,
		Width:  32,
		Height: 32,
	}
	in := mustTexture(t, r, info)
	out := mustTexture(t, r, info)
	counters := mustBuffer(t, r, gputypes.BufferUsageStorage, 16)
	args := mustBuffer(t, r, gputypes.BufferUsageIndirect, 12)

	cb := mustAcquire(t, r)
	cp, err := cb.BeginComputePass(
		[]StorageTextureReadWriteBinding{{Texture: out, Cycle: true}},
		[]StorageBufferReadWriteBinding{{Buffer: counters}},
	)
	if err != nil {
		t.Fatalf("BeginComputePass() error = %v", err)
	}
	if err := cp.BindComputePipeline(p); err != nil {
		t.Fatalf("BindComputePipeline() error = %v", err)
	}
	if err := cp.BindComputeStorageTextures(0, []*Texture{in}); err != nil {
		t.Fatalf("BindComputeStorageTextures() error = %v", err)
	}
	if err := cp.DispatchCompute(4, 4, 1); err != nil {
		t.Fatalf("DispatchCompute() error = %v", err)
	}
	if err := cp.DispatchComputeIndirect(args, 0); err != nil {
		t.Fatalf("DispatchComputeIndirect() error = %v", err)
	}
	if err := cp.End(); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	mustSubmit(t, r, cb)
	if err := r.WaitForIdle(); err != nil {
		t.Fatalf("WaitForIdle() error = %v", err)
	}
	checkViolations(t, dev)
}

func TestRenderPassDraw(t *testing.T) {
	r, dev := newTestRenderer(t, simdev.Options{RecordCommands: true})

	vs, err := r.CreateShader(ShaderCreateInfo{Code: testCode, Stage: ShaderStageVertex, NumUniformBuffers: 1})
	if err != nil {
		t.Fatalf("CreateShader(vertex) error = %v", err)
	}
	fs, err := r.CreateShader(ShaderCreateInfo{Code: testCode, Stage: ShaderStageFragment, NumSamplers: 1})
	if err != nil {
		t.Fatalf("CreateShader(fragment) error = %v", err)
	}
	p, err := r.CreateGraphicsPipeline(GraphicsPipelineCreateInfo{
		Label:          "textured",
		VertexShader:   vs,
		FragmentShader: fs,
		VertexBuffers:  []gputypes.VertexBufferLayout{{ArrayStride: 16}},
		Topology:       gputypes.PrimitiveTopologyTriangleList,
		ColorFormats:   []gputypes.TextureFormat{gputypes.TextureFormatRGBA8Unorm},
	})
	if err != nil {
		t.Fatalf("CreateGraphicsPipeline() error = %v", err)
	}
	// Pipelines keep what they need from their shaders.
	if err := r.ReleaseShader(vs); err != nil {
		t.Errorf("ReleaseShader() error = %v", err)
	}
	if err := r.ReleaseShader(fs); err != nil {
		t.Errorf("ReleaseShader() error = %v", err)
	}

	target := mustTexture(t, r, TextureCreateInfo{
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding,
		Width:  64,
		Height: 64,
	})
	depth := mustTexture(t, r, TextureCreateInfo{
		Format: gputypes.TextureFormatDepth24PlusStencil8,
		Usage:  gputypes.TextureUsageRenderAttachment,
		Width:  64,
		Height: 64,
	})
	image := mustTexture(t, r, TextureCreateInfo{
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageTextureBinding,
		Width:  8,
		Height: 8,
	})
	sampler, err := r.CreateSampler(SamplerCreateInfo{MaxAnisotropy: 1})
	if err != nil {
		t.Fatalf("CreateSampler() error = %v", err)
	}
	vertices := mustBuffer(t, r, gputypes.BufferUsageVertex, 64)
	indices := mustBuffer(t, r, gputypes.BufferUsageIndex, 12)

	cb := mustAcquire(t, r)
	rp, err := cb.BeginRenderPass(
		[]ColorTargetInfo{{Texture: target, LoadOp: gputypes.LoadOpClear, Cycle: true}},
		&DepthStencilTargetInfo{Texture: depth, LoadOp: gputypes.LoadOpClear, StencilLoadOp: gputypes.LoadOpClear, ClearDepth: 1},
	)
	if err != nil {
		t.Fatalf("BeginRenderPass() error = %v", err)
	}
	steps := []struct {
		name string
		fn   func() error
	}{
		{"BindGraphicsPipeline", func() error { return rp.BindGraphicsPipeline(p) }},
		{"BindVertexBuffers", func() error { return rp.BindVertexBuffers(0, []BufferBinding{{Buffer: vertices}}) }},
		{"BindIndexBuffer", func() error {
			return rp.BindIndexBuffer(BufferBinding{Buffer: indices}, gputypes.IndexFormatUint16)
		}},
		{"BindFragmentSamplers", func() error {
			return rp.BindFragmentSamplers(0, []TextureSamplerBinding{{Texture: image, Sampler: sampler}})
		}},
		{"PushVertexUniformData", func() error { return cb.PushVertexUniformData(0, make([]byte, 64)) }},
		{"DrawPrimitives", func() error { return rp.DrawPrimitives(3, 1, 0, 0) }},
		{"PushVertexUniformData", func() error { return cb.PushVertexUniformData(0, make([]byte, 64)) }},
		{"SetStencilReference", func() error { return rp.SetStencilReference(1) }},
		{"DrawIndexedPrimitives", func() error { return rp.DrawIndexedPrimitives(6, 1, 0, 0, 0) }},
		{"End", rp.End},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			t.Fatalf("%s() error = %v", s.name, err)
		}
	}
	mustSubmit(t, r, cb)

	// Releasing while in flight defers until the GPU is done.
	if err := r.ReleaseSampler(sampler); err != nil {
		t.Errorf("ReleaseSampler() error = %v", err)
	}
	if err := r.ReleaseGraphicsPipeline(p); err != nil {
		t.Errorf("ReleaseGraphicsPipeline() error = %v", err)
	}
	if got := r.Stats().PendingDisposals; got != 2 {
		t.Errorf("PendingDisposals = %d, want 2", got)
	}
	if err := r.WaitForIdle(); err != nil {
		t.Fatalf("WaitForIdle() error = %v", err)
	}
	if got := r.Stats().PendingDisposals; got != 0 {
		t.Errorf("PendingDisposals after idle = %d, want 0", got)
	}

	if got := countOps(dev, simdev.OpDraw); got != 1 {
		t.Errorf("Draw count = %d, want 1", got)
	}
	if got := countOps(dev, simdev.OpDrawIndexed); got != 1 {
		t.Errorf("DrawIndexed count = %d, want 1", got)
	}
	// Each push moves the vertex constant buffer to a new offset.
	if got := countOps(dev, simdev.OpSetGraphicsConstantBuffer); got != 2 {
		t.Errorf("SetGraphicsConstantBuffer count = %d, want 2", got)
	}
	if err := r.ReleaseSampler(sampler); !IsInvalidUsage(err) {
		t.Errorf("second ReleaseSampler() error = %v, want invalid usage", err)
	}
	checkViolations(t, dev)
}
