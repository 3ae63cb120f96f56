package gpures

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/gpures/driver"
	"github.com/gogpu/gpures/internal/cycle"
	"github.com/gogpu/gpures/internal/descheap"
	"github.com/gogpu/gpures/internal/uniform"
)

// ErrPoolExhausted marks a failure to grow one of the renderer's pools
// (command lists, shader-visible heaps, uniform rings).
var ErrPoolExhausted = errors.New("gpures: pool exhausted")

type cbState uint8

const (
	cbAvailable cbState = iota
	cbRecording
	cbSubmitted
)

func (s cbState) String() string {
	switch s {
	case cbAvailable:
		return "available"
	case cbRecording:
		return "recording"
	case cbSubmitted:
		return "submitted"
	default:
		return fmt.Sprintf("cbState(%d)", s)
	}
}

type passKind uint8

const (
	passNone passKind = iota
	passRender
	passCompute
	passCopy
)

func (p passKind) String() string {
	switch p {
	case passNone:
		return "no"
	case passRender:
		return "render"
	case passCompute:
		return "compute"
	case passCopy:
		return "copy"
	default:
		return fmt.Sprintf("passKind(%d)", p)
	}
}

// stageBindings is what one shader stage has bound, as staging
// descriptors, plus the rings its uniform slots push into.
type stageBindings struct {
	samplerTextures [maxSamplers]driver.Descriptor
	samplers        [maxSamplers]driver.Descriptor
	storageTextures [maxStorageTextures]driver.Descriptor
	storageBuffers  [maxStorageBuffers]driver.Descriptor
	uniforms        [maxUniformBuffers]*uniform.Ring

	resourcesDirty bool
	samplersDirty  bool
	uniformsDirty  [maxUniformBuffers]bool
}

func (s *stageBindings) markDirty() {
	s.resourcesDirty = true
	s.samplersDirty = true
	for i := range s.uniformsDirty {
		s.uniformsDirty[i] = true
	}
}

// passTarget is a subresource a pass writes. It goes back to its resting
// state when the pass ends.
type passTarget struct {
	mem    driver.Memory
	sub    uint32
	rest   driver.ResourceState
	during driver.ResourceState
}

type vertexBinding struct {
	address uint64
	size    uint32
}

type presentRequest struct {
	wd      *windowData
	texture *Texture
}

// CommandBuffer records work for one submission. It is used by one
// goroutine at a time.
type CommandBuffer struct {
	r     *Renderer
	list  driver.CommandList
	state cbState
	pass  passKind

	// heaps are the shader-visible heaps currently bound; usedHeaps holds
	// every heap checked out since acquire.
	heaps     [driver.HeapKindCount]*descheap.GPUHeap
	usedHeaps []*descheap.GPUHeap
	rings     []*uniform.Ring

	stages       [3]stageBindings
	rwTextures   [maxStorageTextures]driver.Descriptor
	rwBuffers    [maxStorageBuffers]driver.Descriptor
	rwDirty      bool
	heapSwitched bool

	graphics      *GraphicsPipeline
	compute       *ComputePipeline
	vertexBuffers [maxVertexBuffers]vertexBinding
	vertexDirty   bool
	indexBound    bool

	tracked     map[cycle.Tracked]struct{}
	temporaries []driver.Memory
	targets     []passTarget
	presents    []presentRequest
	fence       *Fence
	debugDepth  int
}

// AcquireCommandBuffer returns a command buffer ready for recording.
func (r *Renderer) AcquireCommandBuffer() (*CommandBuffer, error) {
	if err := r.alive(); err != nil {
		return nil, err
	}

	r.cbMu.Lock()
	var cb *CommandBuffer
	if n := len(r.available); n > 0 {
		cb = r.available[n-1]
		r.available = r.available[:n-1]
		r.recording++
	}
	r.cbMu.Unlock()

	if cb == nil {
		list, err := r.dev.CreateCommandList()
		if err != nil {
			return nil, errors.Mark(r.deviceError(err, "create command list"), ErrPoolExhausted)
		}
		cb = &CommandBuffer{r: r, list: list, tracked: make(map[cycle.Tracked]struct{})}
		r.cbMu.Lock()
		r.cbCreated++
		r.recording++
		total := r.cbCreated
		r.cbMu.Unlock()
		r.log.Debug("gpures: command buffer created", "total", total)
	}
	cb.state = cbRecording

	if err := cb.list.Reset(); err != nil {
		r.clean(cb)
		return nil, r.deviceError(err, "reset command list")
	}
	for _, kind := range shaderVisibleKinds {
		h, err := r.gpuHeaps[kind].Acquire()
		if err != nil {
			r.clean(cb)
			return nil, errors.Mark(errors.Wrapf(err, "gpures: check out %s heap", kind), ErrPoolExhausted)
		}
		cb.heaps[kind] = h
		cb.usedHeaps = append(cb.usedHeaps, h)
	}
	cb.bindHeaps()
	cb.markAllDirty()
	return cb, nil
}

func (cb *CommandBuffer) bindHeaps() {
	cb.list.SetDescriptorHeaps([]driver.DescriptorHeap{
		cb.heaps[driver.HeapShaderResource].Heap(),
		cb.heaps[driver.HeapSampler].Heap(),
	})
}

func (cb *CommandBuffer) markAllDirty() {
	for i := range cb.stages {
		cb.stages[i].markDirty()
	}
	cb.rwDirty = true
}

// checkRecording reports invalid usage unless cb is recording.
func (cb *CommandBuffer) checkRecording(op string) error {
	if cb.state != cbRecording {
		return cb.r.invalidf("%s: command buffer is %s, not recording", op, cb.state)
	}
	return cb.r.alive()
}

// checkPass is checkRecording plus a check that pass is the open pass.
func (cb *CommandBuffer) checkPass(op string, pass passKind) error {
	if err := cb.checkRecording(op); err != nil {
		return err
	}
	if cb.pass != pass {
		return cb.r.invalidf("%s: needs an open %s pass, command buffer has %s pass open", op, pass, cb.pass)
	}
	return nil
}

// track makes cb hold one reference to t until reclaim.
func (cb *CommandBuffer) track(t cycle.Tracked) {
	if _, ok := cb.tracked[t]; ok {
		return
	}
	t.Retain()
	cb.tracked[t] = struct{}{}
}

func (cb *CommandBuffer) barrier(mem driver.Memory, sub uint32, before, after driver.ResourceState) {
	if before == after {
		return
	}
	cb.list.ResourceBarrier([]driver.Barrier{{Memory: mem, Subresource: sub, Before: before, After: after}})
}

// containerError turns a PrepareForWrite failure into the right class.
func (r *Renderer) containerError(op string, err error) error {
	if errors.Is(err, cycle.ErrReleased) {
		return r.invalidf("%s: resource was released", op)
	}
	return err
}

// prepareTextureWrite picks the instance a write to (layer, level) of t
// targets, tracks it and moves the subresource from its resting state to
// state.
func (cb *CommandBuffer) prepareTextureWrite(op string, t *Texture, layer, level uint32, cycleWrite bool, state driver.ResourceState) (*physicalTexture, *textureSubresource, error) {
	p, _, err := t.c.PrepareForWrite(cycleWrite, func(inst *physicalTexture) { cb.track(inst) })
	if err != nil {
		return nil, nil, cb.r.containerError(op, err)
	}
	sub := p.subresource(layer, level)
	cb.barrier(p.mem, sub.index, t.state, state)
	return p, sub, nil
}

// textureRead tracks the active instance of t and moves (layer, level) to
// state.
func (cb *CommandBuffer) textureRead(t *Texture, layer, level uint32, state driver.ResourceState) (*physicalTexture, *textureSubresource) {
	p := t.c.Active()
	cb.track(p)
	sub := p.subresource(layer, level)
	cb.barrier(p.mem, sub.index, t.state, state)
	return p, sub
}

// restoreTexture moves a subresource from state back to its resting state.
func (cb *CommandBuffer) restoreTexture(t *Texture, p *physicalTexture, sub *textureSubresource, state driver.ResourceState) {
	cb.barrier(p.mem, sub.index, state, t.state)
}

func (cb *CommandBuffer) prepareBufferWrite(op string, b *Buffer, cycleWrite bool, state driver.ResourceState) (*physicalBuffer, error) {
	p, _, err := b.c.PrepareForWrite(cycleWrite, func(inst *physicalBuffer) { cb.track(inst) })
	if err != nil {
		return nil, cb.r.containerError(op, err)
	}
	cb.barrier(p.mem, 0, b.state, state)
	return p, nil
}

func (cb *CommandBuffer) bufferRead(b *Buffer, state driver.ResourceState) *physicalBuffer {
	p := b.c.Active()
	cb.track(p)
	cb.barrier(p.mem, 0, b.state, state)
	return p
}

func (cb *CommandBuffer) restoreBuffer(b *Buffer, p *physicalBuffer, state driver.ResourceState) {
	cb.barrier(p.mem, 0, state, b.state)
}

// restoreTargets returns every pass target to its resting state.
func (cb *CommandBuffer) restoreTargets() {
	for _, t := range cb.targets {
		cb.barrier(t.mem, t.sub, t.during, t.rest)
	}
	cb.targets = cb.targets[:0]
}

// endPass closes the open pass and forgets its bindings. Uniform rings
// survive across passes.
func (cb *CommandBuffer) endPass() {
	cb.restoreTargets()
	for i := range cb.stages {
		s := &cb.stages[i]
		clear(s.samplerTextures[:])
		clear(s.samplers[:])
		clear(s.storageTextures[:])
		clear(s.storageBuffers[:])
	}
	clear(cb.rwTextures[:])
	clear(cb.rwBuffers[:])
	clear(cb.vertexBuffers[:])
	cb.graphics = nil
	cb.compute = nil
	cb.indexBound = false
	cb.markAllDirty()
	cb.pass = passNone
}

// switchHeap checks out a fresh shader-visible heap of kind and binds it.
// Every table written so far lives in the old heap, so all bindings become
// dirty.
func (cb *CommandBuffer) switchHeap(kind driver.HeapKind) error {
	h, err := cb.r.gpuHeaps[kind].Acquire()
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "gpures: check out %s heap", kind), ErrPoolExhausted)
	}
	cb.heaps[kind] = h
	cb.usedHeaps = append(cb.usedHeaps, h)
	cb.bindHeaps()
	cb.markAllDirty()
	cb.heapSwitched = true
	cb.r.log.Debug("gpures: shader-visible heap full, switched heaps", "kind", kind.String())
	return nil
}

// writeTable copies src into consecutive slots of the bound heap of kind.
func (cb *CommandBuffer) writeTable(kind driver.HeapKind, src []driver.Descriptor) (driver.Descriptor, error) {
	n := uint32(len(src))
	base, ok := cb.heaps[kind].Allocate(n)
	if !ok {
		if err := cb.switchHeap(kind); err != nil {
			return driver.Descriptor{}, err
		}
		if base, ok = cb.heaps[kind].Allocate(n); !ok {
			return driver.Descriptor{}, errors.Wrapf(ErrHeapFull, "%d descriptors do not fit an empty %s heap", n, kind)
		}
	}
	cb.r.dev.CopyDescriptors(base, src)
	return base, nil
}

type rootSetter struct {
	table func(index uint32, base driver.Descriptor)
	cbv   func(index uint32, address uint64)
}

// flushStage writes the dirty binding categories of one stage.
func (cb *CommandBuffer) flushStage(stage ShaderStage, l *stageLayout, set rootSetter) error {
	s := &cb.stages[stage]
	if l.resourceTable >= 0 && s.resourcesDirty {
		src := make([]driver.Descriptor, 0, l.resources())
		src = append(src, s.samplerTextures[:l.samplers]...)
		src = append(src, s.storageTextures[:l.storageTextures]...)
		src = append(src, s.storageBuffers[:l.storageBuffers]...)
		base, err := cb.writeTable(driver.HeapShaderResource, src)
		if err != nil {
			return err
		}
		set.table(uint32(l.resourceTable), base)
		s.resourcesDirty = false
	}
	if l.samplerTable >= 0 && s.samplersDirty {
		base, err := cb.writeTable(driver.HeapSampler, s.samplers[:l.samplers])
		if err != nil {
			return err
		}
		set.table(uint32(l.samplerTable), base)
		s.samplersDirty = false
	}
	for i := range l.uniforms {
		if s.uniformsDirty[i] {
			set.cbv(l.uniformParams[i], s.uniforms[i].Address())
			s.uniformsDirty[i] = false
		}
	}
	return nil
}

// flush writes dirty bindings with fn. A heap switch midway leaves the
// tables written before it pointing into an unbound heap, so the pass is
// repeated once against the fresh heap.
func (cb *CommandBuffer) flush(fn func() error) error {
	for attempt := 0; ; attempt++ {
		cb.heapSwitched = false
		if err := fn(); err != nil {
			return err
		}
		if !cb.heapSwitched {
			return nil
		}
		if attempt > 0 {
			return errors.Wrap(ErrHeapFull, "bindings do not fit an empty shader-visible heap")
		}
	}
}

func (cb *CommandBuffer) flushGraphics() error {
	set := rootSetter{table: cb.list.SetGraphicsRootTable, cbv: cb.list.SetGraphicsRootConstantBuffer}
	l := &cb.graphics.layout
	return cb.flush(func() error {
		if err := cb.flushStage(ShaderStageVertex, &l.stages[ShaderStageVertex], set); err != nil {
			return err
		}
		return cb.flushStage(ShaderStageFragment, &l.stages[ShaderStageFragment], set)
	})
}

func (cb *CommandBuffer) flushCompute() error {
	set := rootSetter{table: cb.list.SetComputeRootTable, cbv: cb.list.SetComputeRootConstantBuffer}
	l := &cb.compute.layout
	return cb.flush(func() error {
		if err := cb.flushStage(driver.StageCompute, &l.stages[driver.StageCompute], set); err != nil {
			return err
		}
		if l.rwTable >= 0 && cb.rwDirty {
			src := make([]driver.Descriptor, 0, l.rwTextures+l.rwBuffers)
			src = append(src, cb.rwTextures[:l.rwTextures]...)
			src = append(src, cb.rwBuffers[:l.rwBuffers]...)
			base, err := cb.writeTable(driver.HeapShaderResource, src)
			if err != nil {
				return err
			}
			set.table(uint32(l.rwTable), base)
			cb.rwDirty = false
		}
		return nil
	})
}

// checkBound reports the first declared slot of stage left unbound.
func (cb *CommandBuffer) checkBound(op string, stage ShaderStage, l *stageLayout) error {
	s := &cb.stages[stage]
	for i := range l.samplers {
		if !s.samplerTextures[i].Valid() || !s.samplers[i].Valid() {
			return cb.r.invalidf("%s: %s sampler slot %d is not bound", op, stage, i)
		}
	}
	for i := range l.storageTextures {
		if !s.storageTextures[i].Valid() {
			return cb.r.invalidf("%s: %s storage texture slot %d is not bound", op, stage, i)
		}
	}
	for i := range l.storageBuffers {
		if !s.storageBuffers[i].Valid() {
			return cb.r.invalidf("%s: %s storage buffer slot %d is not bound", op, stage, i)
		}
	}
	return nil
}

func (cb *CommandBuffer) acquireRing() (*uniform.Ring, error) {
	ring, err := cb.r.uniforms.Acquire()
	if err != nil {
		return nil, errors.Mark(cb.r.deviceError(err, "acquire uniform ring"), ErrPoolExhausted)
	}
	cb.rings = append(cb.rings, ring)
	return ring, nil
}

// ensureUniforms gives every declared uniform slot of stage a ring, so a
// draw never binds a missing constant buffer.
func (cb *CommandBuffer) ensureUniforms(stage ShaderStage, count uint32) error {
	s := &cb.stages[stage]
	for i := range count {
		if s.uniforms[i] != nil {
			continue
		}
		ring, err := cb.acquireRing()
		if err != nil {
			return err
		}
		s.uniforms[i] = ring
		s.uniformsDirty[i] = true
	}
	return nil
}

func (cb *CommandBuffer) pushUniform(op string, stage ShaderStage, slot uint32, data []byte) error {
	if err := cb.checkRecording(op); err != nil {
		return err
	}
	if slot >= maxUniformBuffers {
		return cb.r.invalidf("%s: uniform slot %d out of range", op, slot)
	}
	if len(data) > int(cb.r.uniforms.BlockSize()) {
		return cb.r.invalidf("%s: %d bytes: %v", op, len(data), uniform.ErrTooLarge)
	}
	s := &cb.stages[stage]
	ring := s.uniforms[slot]
	if ring == nil || !ring.Push(data) {
		var err error
		if ring, err = cb.acquireRing(); err != nil {
			return err
		}
		ring.Push(data)
		s.uniforms[slot] = ring
	}
	s.uniformsDirty[slot] = true
	return nil
}

// PushVertexUniformData copies data into vertex uniform slot for the
// following draws.
func (cb *CommandBuffer) PushVertexUniformData(slot uint32, data []byte) error {
	return cb.pushUniform("PushVertexUniformData", ShaderStageVertex, slot, data)
}

// PushFragmentUniformData copies data into fragment uniform slot for the
// following draws.
func (cb *CommandBuffer) PushFragmentUniformData(slot uint32, data []byte) error {
	return cb.pushUniform("PushFragmentUniformData", ShaderStageFragment, slot, data)
}

// PushComputeUniformData copies data into compute uniform slot for the
// following dispatches.
func (cb *CommandBuffer) PushComputeUniformData(slot uint32, data []byte) error {
	return cb.pushUniform("PushComputeUniformData", driver.StageCompute, slot, data)
}

// InsertDebugLabel records a marker visible in GPU captures.
func (cb *CommandBuffer) InsertDebugLabel(name string) error {
	if err := cb.checkRecording("InsertDebugLabel"); err != nil {
		return err
	}
	cb.list.SetMarker(name)
	return nil
}

// PushDebugGroup opens a named group of commands.
func (cb *CommandBuffer) PushDebugGroup(name string) error {
	if err := cb.checkRecording("PushDebugGroup"); err != nil {
		return err
	}
	cb.list.BeginEvent(name)
	cb.debugDepth++
	return nil
}

// PopDebugGroup closes the innermost group.
func (cb *CommandBuffer) PopDebugGroup() error {
	if err := cb.checkRecording("PopDebugGroup"); err != nil {
		return err
	}
	if cb.debugDepth == 0 {
		return cb.r.invalidf("PopDebugGroup: no debug group open")
	}
	cb.list.EndEvent()
	cb.debugDepth--
	return nil
}

// clean returns everything cb checked out, drops its references and puts it
// back in the available pool.
func (r *Renderer) clean(cb *CommandBuffer) {
	for _, h := range cb.usedHeaps {
		r.gpuHeaps[h.Heap().Kind()].Return(h)
	}
	cb.usedHeaps = cb.usedHeaps[:0]
	cb.heaps = [driver.HeapKindCount]*descheap.GPUHeap{}
	for _, ring := range cb.rings {
		r.uniforms.Return(ring)
	}
	cb.rings = cb.rings[:0]

	for t := range cb.tracked {
		t.Release()
	}
	clear(cb.tracked)
	for _, m := range cb.temporaries {
		r.dev.DestroyMemory(m)
	}
	cb.temporaries = cb.temporaries[:0]
	if cb.fence != nil {
		r.releaseFence(cb.fence)
		cb.fence = nil
	}

	cb.stages = [3]stageBindings{}
	clear(cb.rwTextures[:])
	clear(cb.rwBuffers[:])
	clear(cb.vertexBuffers[:])
	cb.graphics, cb.compute = nil, nil
	cb.indexBound, cb.vertexDirty = false, false
	cb.targets = cb.targets[:0]
	clear(cb.presents)
	cb.presents = cb.presents[:0]
	cb.pass = passNone
	cb.debugDepth = 0

	r.cbMu.Lock()
	if cb.state == cbRecording {
		r.recording--
	}
	cb.state = cbAvailable
	r.available = append(r.available, cb)
	r.cbMu.Unlock()
}
