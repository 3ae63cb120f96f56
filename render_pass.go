package gpures

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures/driver"
)

// Viewport is a rasterization viewport.
type Viewport = driver.Viewport

// Rect is a scissor rectangle.
type Rect = driver.Rect

// ColorTargetInfo describes one color attachment of a render pass.
type ColorTargetInfo struct {
	Texture  *Texture
	MipLevel uint32
	// LayerOrDepthPlane selects an array layer, or a depth slice of a 3D
	// texture.
	LayerOrDepthPlane uint32
	ClearColor        gputypes.Color
	LoadOp            gputypes.LoadOp
	// Cycle asks for an idle instance when the texture is still in use.
	// It is ignored with LoadOpLoad, which must see the current contents.
	Cycle bool
}

// DepthStencilTargetInfo describes the depth attachment of a render pass.
type DepthStencilTargetInfo struct {
	Texture       *Texture
	ClearDepth    float32
	ClearStencil  uint8
	LoadOp        gputypes.LoadOp
	StencilLoadOp gputypes.LoadOp
	Cycle         bool
}

// BufferBinding is a buffer and a byte offset into it.
type BufferBinding struct {
	Buffer *Buffer
	Offset uint64
}

// TextureSamplerBinding pairs a sampled texture with a sampler.
type TextureSamplerBinding struct {
	Texture *Texture
	Sampler *Sampler
}

// RenderPass records draws into the targets it was begun with.
type RenderPass struct {
	cb *CommandBuffer
}

func mipExtent(size, level uint32) uint32 { return max(size>>level, 1) }

// BeginRenderPass transitions the targets to their attachment states,
// clears those that ask for it and binds them.
func (cb *CommandBuffer) BeginRenderPass(colors []ColorTargetInfo, depth *DepthStencilTargetInfo) (*RenderPass, error) {
	const op = "BeginRenderPass"
	r := cb.r
	if err := cb.checkPass(op, passNone); err != nil {
		return nil, err
	}
	if len(colors) == 0 && depth == nil {
		return nil, r.invalidf("%s: no targets", op)
	}
	if len(colors) > maxColorTargets {
		return nil, r.invalidf("%s: %d color targets exceeds %d", op, len(colors), maxColorTargets)
	}

	var width, height uint32
	rtvs := make([]driver.Descriptor, 0, len(colors))
	for i, ct := range colors {
		t := ct.Texture
		if err := r.checkTextureLocation(op, t, ct.MipLevel, ct.LayerOrDepthPlane); err != nil {
			cb.restoreTargets()
			return nil, err
		}
		if t.info.Usage&gputypes.TextureUsageRenderAttachment == 0 || t.format.Depth {
			cb.restoreTargets()
			return nil, r.invalidf("%s: color target %d has no render-target view", op, i)
		}
		p, sub, err := cb.prepareTextureWrite(op, t, ct.LayerOrDepthPlane, ct.MipLevel,
			ct.Cycle && ct.LoadOp != gputypes.LoadOpLoad, driver.StateRenderTarget)
		if err != nil {
			cb.restoreTargets()
			return nil, err
		}
		cb.targets = append(cb.targets, passTarget{
			mem: p.mem, sub: sub.index, rest: t.state, during: driver.StateRenderTarget,
		})
		rtv := sub.rtv[0]
		if t.info.Type == Texture3D {
			rtv = sub.rtv[ct.LayerOrDepthPlane]
		}
		if ct.LoadOp == gputypes.LoadOpClear {
			cb.list.ClearRenderTarget(rtv, ct.ClearColor)
		}
		rtvs = append(rtvs, rtv)
		if i == 0 {
			width, height = mipExtent(t.info.Width, ct.MipLevel), mipExtent(t.info.Height, ct.MipLevel)
		}
	}

	var dsv *driver.Descriptor
	if depth != nil {
		t := depth.Texture
		if err := r.checkTextureLocation(op, t, 0, 0); err != nil {
			cb.restoreTargets()
			return nil, err
		}
		if t.info.Usage&gputypes.TextureUsageRenderAttachment == 0 || !t.format.Depth {
			cb.restoreTargets()
			return nil, r.invalidf("%s: depth target has no depth-stencil view", op)
		}
		keep := depth.LoadOp == gputypes.LoadOpLoad ||
			(t.format.Stencil && depth.StencilLoadOp == gputypes.LoadOpLoad)
		p, sub, err := cb.prepareTextureWrite(op, t, 0, 0, depth.Cycle && !keep, driver.StateDepthWrite)
		if err != nil {
			cb.restoreTargets()
			return nil, err
		}
		cb.targets = append(cb.targets, passTarget{
			mem: p.mem, sub: sub.index, rest: t.state, during: driver.StateDepthWrite,
		})
		var flags driver.ClearFlags
		if depth.LoadOp == gputypes.LoadOpClear {
			flags |= driver.ClearDepth
		}
		if t.format.Stencil && depth.StencilLoadOp == gputypes.LoadOpClear {
			flags |= driver.ClearStencil
		}
		if flags != 0 {
			cb.list.ClearDepthStencil(sub.dsv, flags, depth.ClearDepth, depth.ClearStencil)
		}
		d := sub.dsv
		dsv = &d
		if len(colors) == 0 {
			width, height = t.info.Width, t.info.Height
		}
	}

	cb.list.SetRenderTargets(rtvs, dsv)
	cb.list.SetViewport(Viewport{Width: float32(width), Height: float32(height), MaxDepth: 1})
	cb.list.SetScissor(Rect{Width: width, Height: height})
	cb.pass = passRender
	return &RenderPass{cb: cb}, nil
}

// BindGraphicsPipeline makes p the pipeline of following draws. Every
// binding must be written again for the new root layout.
func (rp *RenderPass) BindGraphicsPipeline(p *GraphicsPipeline) error {
	cb := rp.cb
	if err := cb.checkPass("BindGraphicsPipeline", passRender); err != nil {
		return err
	}
	if p == nil || p.released.Load() {
		return cb.r.invalidf("BindGraphicsPipeline: pipeline is nil or released")
	}
	cb.track(p)
	cb.list.SetPipeline(p.handle)
	cb.graphics = p
	for _, stage := range [...]ShaderStage{ShaderStageVertex, ShaderStageFragment} {
		if err := cb.ensureUniforms(stage, p.layout.stages[stage].uniforms); err != nil {
			return err
		}
	}
	cb.markAllDirty()
	cb.vertexDirty = true
	return nil
}

// SetViewport sets the viewport of following draws.
func (rp *RenderPass) SetViewport(vp Viewport) error {
	if err := rp.cb.checkPass("SetViewport", passRender); err != nil {
		return err
	}
	rp.cb.list.SetViewport(vp)
	return nil
}

// SetScissor sets the scissor rectangle of following draws.
func (rp *RenderPass) SetScissor(rect Rect) error {
	if err := rp.cb.checkPass("SetScissor", passRender); err != nil {
		return err
	}
	rp.cb.list.SetScissor(rect)
	return nil
}

// SetBlendConstants sets the constant blend color.
func (rp *RenderPass) SetBlendConstants(c gputypes.Color) error {
	if err := rp.cb.checkPass("SetBlendConstants", passRender); err != nil {
		return err
	}
	rp.cb.list.SetBlendConstant(c)
	return nil
}

// SetStencilReference sets the stencil reference value.
func (rp *RenderPass) SetStencilReference(ref uint8) error {
	if err := rp.cb.checkPass("SetStencilReference", passRender); err != nil {
		return err
	}
	rp.cb.list.SetStencilReference(uint32(ref))
	return nil
}

// BindVertexBuffers binds vertex buffers to slots first onwards. Strides
// come from the pipeline bound at draw time.
func (rp *RenderPass) BindVertexBuffers(first uint32, bindings []BufferBinding) error {
	const op = "BindVertexBuffers"
	cb := rp.cb
	if err := cb.checkPass(op, passRender); err != nil {
		return err
	}
	if int(first)+len(bindings) > maxVertexBuffers {
		return cb.r.invalidf("%s: slots %d+%d exceed %d", op, first, len(bindings), maxVertexBuffers)
	}
	for i, bb := range bindings {
		b := bb.Buffer
		if err := cb.r.checkBuffer(op, b, gputypes.BufferUsageVertex); err != nil {
			return err
		}
		if bb.Offset >= b.info.Size {
			return cb.r.invalidf("%s: offset %d outside buffer %q", op, bb.Offset, b.label())
		}
		p := b.c.Active()
		cb.track(p)
		cb.vertexBuffers[int(first)+i] = vertexBinding{
			address: p.mem.GPUAddress() + bb.Offset,
			size:    uint32(b.info.Size - bb.Offset),
		}
	}
	cb.vertexDirty = true
	return nil
}

// BindIndexBuffer binds the index buffer of indexed draws.
func (rp *RenderPass) BindIndexBuffer(binding BufferBinding, format gputypes.IndexFormat) error {
	const op = "BindIndexBuffer"
	cb := rp.cb
	if err := cb.checkPass(op, passRender); err != nil {
		return err
	}
	b := binding.Buffer
	if err := cb.r.checkBuffer(op, b, gputypes.BufferUsageIndex); err != nil {
		return err
	}
	if binding.Offset >= b.info.Size {
		return cb.r.invalidf("%s: offset %d outside buffer %q", op, binding.Offset, b.label())
	}
	p := b.c.Active()
	cb.track(p)
	cb.list.SetIndexBuffer(driver.IndexBufferView{
		Address: p.mem.GPUAddress() + binding.Offset,
		Size:    uint32(b.info.Size - binding.Offset),
		Format:  format,
	})
	cb.indexBound = true
	return nil
}

// checkBuffer validates a buffer binding.
func (r *Renderer) checkBuffer(op string, b *Buffer, usage gputypes.BufferUsage) error {
	switch {
	case b == nil:
		return r.invalidf("%s: nil buffer", op)
	case b.c.Released():
		return r.invalidf("%s: buffer %q was released", op, b.label())
	case b.info.Usage&usage == 0:
		return r.invalidf("%s: buffer %q lacks usage %v", op, b.label(), usage)
	}
	return nil
}

// bindSamplers binds texture-sampler pairs to a stage.
func (cb *CommandBuffer) bindSamplers(op string, stage ShaderStage, first uint32, bindings []TextureSamplerBinding) error {
	if int(first)+len(bindings) > maxSamplers {
		return cb.r.invalidf("%s: slots %d+%d exceed %d", op, first, len(bindings), maxSamplers)
	}
	s := &cb.stages[stage]
	for i, b := range bindings {
		if err := cb.r.checkTextureLocation(op, b.Texture, 0, 0); err != nil {
			return err
		}
		if b.Sampler == nil || b.Sampler.released.Load() {
			return cb.r.invalidf("%s: sampler %d is nil or released", op, i)
		}
		p := b.Texture.c.Active()
		if !p.srv.Valid() {
			return cb.r.invalidf("%s: texture %q has no sampled view", op, b.Texture.label())
		}
		cb.track(p)
		cb.track(b.Sampler)
		s.samplerTextures[int(first)+i] = p.srv
		s.samplers[int(first)+i] = b.Sampler.slot
	}
	s.resourcesDirty = true
	s.samplersDirty = true
	return nil
}

// bindStorageTextures binds read-only storage textures to a stage.
func (cb *CommandBuffer) bindStorageTextures(op string, stage ShaderStage, first uint32, textures []*Texture) error {
	if int(first)+len(textures) > maxStorageTextures {
		return cb.r.invalidf("%s: slots %d+%d exceed %d", op, first, len(textures), maxStorageTextures)
	}
	s := &cb.stages[stage]
	for _, t := range textures {
		if err := cb.r.checkTextureLocation(op, t, 0, 0); err != nil {
			return err
		}
		if t.info.Usage&gputypes.TextureUsageStorageBinding == 0 {
			return cb.r.invalidf("%s: texture %q lacks storage usage", op, t.label())
		}
	}
	for i, t := range textures {
		p := t.c.Active()
		cb.track(p)
		s.storageTextures[int(first)+i] = p.srv
	}
	s.resourcesDirty = true
	return nil
}

// bindStorageBuffers binds read-only storage buffers to a stage.
func (cb *CommandBuffer) bindStorageBuffers(op string, stage ShaderStage, first uint32, buffers []*Buffer) error {
	if int(first)+len(buffers) > maxStorageBuffers {
		return cb.r.invalidf("%s: slots %d+%d exceed %d", op, first, len(buffers), maxStorageBuffers)
	}
	s := &cb.stages[stage]
	for _, b := range buffers {
		if err := cb.r.checkBuffer(op, b, gputypes.BufferUsageStorage); err != nil {
			return err
		}
	}
	for i, b := range buffers {
		p := b.c.Active()
		cb.track(p)
		s.storageBuffers[int(first)+i] = p.srv
	}
	s.resourcesDirty = true
	return nil
}

// BindVertexSamplers binds sampled textures to the vertex stage.
func (rp *RenderPass) BindVertexSamplers(first uint32, bindings []TextureSamplerBinding) error {
	if err := rp.cb.checkPass("BindVertexSamplers", passRender); err != nil {
		return err
	}
	return rp.cb.bindSamplers("BindVertexSamplers", ShaderStageVertex, first, bindings)
}

// BindVertexStorageTextures binds read-only storage textures to the vertex
// stage.
func (rp *RenderPass) BindVertexStorageTextures(first uint32, textures []*Texture) error {
	if err := rp.cb.checkPass("BindVertexStorageTextures", passRender); err != nil {
		return err
	}
	return rp.cb.bindStorageTextures("BindVertexStorageTextures", ShaderStageVertex, first, textures)
}

// BindVertexStorageBuffers binds read-only storage buffers to the vertex
// stage.
func (rp *RenderPass) BindVertexStorageBuffers(first uint32, buffers []*Buffer) error {
	if err := rp.cb.checkPass("BindVertexStorageBuffers", passRender); err != nil {
		return err
	}
	return rp.cb.bindStorageBuffers("BindVertexStorageBuffers", ShaderStageVertex, first, buffers)
}

// BindFragmentSamplers binds sampled textures to the fragment stage.
func (rp *RenderPass) BindFragmentSamplers(first uint32, bindings []TextureSamplerBinding) error {
	if err := rp.cb.checkPass("BindFragmentSamplers", passRender); err != nil {
		return err
	}
	return rp.cb.bindSamplers("BindFragmentSamplers", ShaderStageFragment, first, bindings)
}

// BindFragmentStorageTextures binds read-only storage textures to the
// fragment stage.
func (rp *RenderPass) BindFragmentStorageTextures(first uint32, textures []*Texture) error {
	if err := rp.cb.checkPass("BindFragmentStorageTextures", passRender); err != nil {
		return err
	}
	return rp.cb.bindStorageTextures("BindFragmentStorageTextures", ShaderStageFragment, first, textures)
}

// BindFragmentStorageBuffers binds read-only storage buffers to the
// fragment stage.
func (rp *RenderPass) BindFragmentStorageBuffers(first uint32, buffers []*Buffer) error {
	if err := rp.cb.checkPass("BindFragmentStorageBuffers", passRender); err != nil {
		return err
	}
	return rp.cb.bindStorageBuffers("BindFragmentStorageBuffers", ShaderStageFragment, first, buffers)
}

// prepareDraw checks the draw can run and writes dirty state.
func (rp *RenderPass) prepareDraw(op string) error {
	cb := rp.cb
	if err := cb.checkPass(op, passRender); err != nil {
		return err
	}
	p := cb.graphics
	if p == nil {
		return cb.r.invalidf("%s: no graphics pipeline bound", op)
	}
	for _, stage := range [...]ShaderStage{ShaderStageVertex, ShaderStageFragment} {
		if err := cb.checkBound(op, stage, &p.layout.stages[stage]); err != nil {
			return err
		}
	}
	if cb.vertexDirty && len(p.strides) > 0 {
		views := make([]driver.VertexBufferView, len(p.strides))
		for i, stride := range p.strides {
			vb := cb.vertexBuffers[i]
			if vb.address == 0 {
				return cb.r.invalidf("%s: vertex buffer slot %d is not bound", op, i)
			}
			views[i] = driver.VertexBufferView{Address: vb.address, Size: vb.size, Stride: stride}
		}
		cb.list.SetVertexBuffers(0, views)
	}
	cb.vertexDirty = false
	return cb.flushGraphics()
}

// DrawPrimitives draws non-indexed primitives.
func (rp *RenderPass) DrawPrimitives(vertexCount, instanceCount, firstVertex, firstInstance uint32) error {
	if err := rp.prepareDraw("DrawPrimitives"); err != nil {
		return err
	}
	rp.cb.list.Draw(vertexCount, instanceCount, firstVertex, firstInstance)
	return nil
}

// DrawIndexedPrimitives draws indexed primitives from the bound index
// buffer.
func (rp *RenderPass) DrawIndexedPrimitives(indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32) error {
	if err := rp.prepareDraw("DrawIndexedPrimitives"); err != nil {
		return err
	}
	if !rp.cb.indexBound {
		return rp.cb.r.invalidf("DrawIndexedPrimitives: no index buffer bound")
	}
	rp.cb.list.DrawIndexed(indexCount, instanceCount, firstIndex, vertexOffset, firstInstance)
	return nil
}

// Indirect argument record sizes.
const (
	drawIndirectStride        = 16
	drawIndexedIndirectStride = 20
)

func (rp *RenderPass) drawIndirect(op string, b *Buffer, offset uint64, drawCount uint32, indexed bool) error {
	if err := rp.prepareDraw(op); err != nil {
		return err
	}
	cb := rp.cb
	if err := cb.r.checkBuffer(op, b, gputypes.BufferUsageIndirect); err != nil {
		return err
	}
	stride := uint32(drawIndirectStride)
	if indexed {
		stride = drawIndexedIndirectStride
		if !cb.indexBound {
			return cb.r.invalidf("%s: no index buffer bound", op)
		}
	}
	if offset+uint64(stride)*uint64(drawCount) > b.info.Size {
		return cb.r.invalidf("%s: %d records at offset %d overrun buffer %q", op, drawCount, offset, b.label())
	}
	p := b.c.Active()
	cb.track(p)
	cb.list.DrawIndirect(p.mem, offset, drawCount, stride, indexed)
	return nil
}

// DrawPrimitivesIndirect draws with drawCount argument records read from b.
func (rp *RenderPass) DrawPrimitivesIndirect(b *Buffer, offset uint64, drawCount uint32) error {
	return rp.drawIndirect("DrawPrimitivesIndirect", b, offset, drawCount, false)
}

// DrawIndexedPrimitivesIndirect is DrawPrimitivesIndirect for indexed
// draws.
func (rp *RenderPass) DrawIndexedPrimitivesIndirect(b *Buffer, offset uint64, drawCount uint32) error {
	return rp.drawIndirect("DrawIndexedPrimitivesIndirect", b, offset, drawCount, true)
}

// End closes the render pass and returns its targets to their resting
// states.
func (rp *RenderPass) End() error {
	if err := rp.cb.checkPass("EndRenderPass", passRender); err != nil {
		return err
	}
	rp.cb.endPass()
	return nil
}
