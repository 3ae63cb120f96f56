package gpures

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures/driver"
)

// StorageTextureReadWriteBinding is a texture subresource a compute pass
// writes.
type StorageTextureReadWriteBinding struct {
	Texture  *Texture
	MipLevel uint32
	Layer    uint32
	Cycle    bool
}

// StorageBufferReadWriteBinding is a buffer a compute pass writes.
type StorageBufferReadWriteBinding struct {
	Buffer *Buffer
	Cycle  bool
}

// ComputePass records dispatches.
type ComputePass struct {
	cb *CommandBuffer
}

// BeginComputePass opens a compute pass writing the given textures and
// buffers. They stay in unordered-access state until End.
func (cb *CommandBuffer) BeginComputePass(textures []StorageTextureReadWriteBinding, buffers []StorageBufferReadWriteBinding) (*ComputePass, error) {
	const op = "BeginComputePass"
	r := cb.r
	if err := cb.checkPass(op, passNone); err != nil {
		return nil, err
	}
	if len(textures) > maxStorageTextures || len(buffers) > maxStorageBuffers {
		return nil, r.invalidf("%s: too many read-write bindings", op)
	}
	fail := func(err error) (*ComputePass, error) {
		cb.restoreTargets()
		clear(cb.rwTextures[:])
		clear(cb.rwBuffers[:])
		return nil, err
	}
	for i, bt := range textures {
		t := bt.Texture
		if err := r.checkTextureLocation(op, t, bt.MipLevel, bt.Layer); err != nil {
			return fail(err)
		}
		if t.info.Usage&gputypes.TextureUsageStorageBinding == 0 {
			return fail(r.invalidf("%s: texture %q has no read-write view", op, t.label()))
		}
		p, sub, err := cb.prepareTextureWrite(op, t, bt.Layer, bt.MipLevel, bt.Cycle, driver.StateUnorderedAccess)
		if err != nil {
			return fail(err)
		}
		cb.targets = append(cb.targets, passTarget{
			mem: p.mem, sub: sub.index, rest: t.state, during: driver.StateUnorderedAccess,
		})
		cb.rwTextures[i] = sub.uav
	}
	for i, bb := range buffers {
		b := bb.Buffer
		if err := r.checkBuffer(op, b, gputypes.BufferUsageStorage); err != nil {
			return fail(err)
		}
		p, err := cb.prepareBufferWrite(op, b, bb.Cycle, driver.StateUnorderedAccess)
		if err != nil {
			return fail(err)
		}
		cb.targets = append(cb.targets, passTarget{
			mem: p.mem, rest: b.state, during: driver.StateUnorderedAccess,
		})
		cb.rwBuffers[i] = p.uav
	}
	cb.rwDirty = true
	cb.pass = passCompute
	return &ComputePass{cb: cb}, nil
}

// BindComputePipeline makes p the pipeline of following dispatches.
func (cp *ComputePass) BindComputePipeline(p *ComputePipeline) error {
	cb := cp.cb
	if err := cb.checkPass("BindComputePipeline", passCompute); err != nil {
		return err
	}
	if p == nil || p.released.Load() {
		return cb.r.invalidf("BindComputePipeline: pipeline is nil or released")
	}
	cb.track(p)
	cb.list.SetPipeline(p.handle)
	cb.compute = p
	if err := cb.ensureUniforms(driver.StageCompute, p.layout.stages[driver.StageCompute].uniforms); err != nil {
		return err
	}
	cb.markAllDirty()
	return nil
}

// BindComputeSamplers binds sampled textures for following dispatches.
func (cp *ComputePass) BindComputeSamplers(first uint32, bindings []TextureSamplerBinding) error {
	if err := cp.cb.checkPass("BindComputeSamplers", passCompute); err != nil {
		return err
	}
	return cp.cb.bindSamplers("BindComputeSamplers", driver.StageCompute, first, bindings)
}

// BindComputeStorageTextures binds read-only storage textures.
func (cp *ComputePass) BindComputeStorageTextures(first uint32, textures []*Texture) error {
	if err := cp.cb.checkPass("BindComputeStorageTextures", passCompute); err != nil {
		return err
	}
	return cp.cb.bindStorageTextures("BindComputeStorageTextures", driver.StageCompute, first, textures)
}

// BindComputeStorageBuffers binds read-only storage buffers.
func (cp *ComputePass) BindComputeStorageBuffers(first uint32, buffers []*Buffer) error {
	if err := cp.cb.checkPass("BindComputeStorageBuffers", passCompute); err != nil {
		return err
	}
	return cp.cb.bindStorageBuffers("BindComputeStorageBuffers", driver.StageCompute, first, buffers)
}

func (cp *ComputePass) prepareDispatch(op string) error {
	cb := cp.cb
	if err := cb.checkPass(op, passCompute); err != nil {
		return err
	}
	p := cb.compute
	if p == nil {
		return cb.r.invalidf("%s: no compute pipeline bound", op)
	}
	if err := cb.checkBound(op, driver.StageCompute, &p.layout.stages[driver.StageCompute]); err != nil {
		return err
	}
	for i := range p.layout.rwTextures {
		if !cb.rwTextures[i].Valid() {
			return cb.r.invalidf("%s: read-write texture slot %d was not given to BeginComputePass", op, i)
		}
	}
	for i := range p.layout.rwBuffers {
		if !cb.rwBuffers[i].Valid() {
			return cb.r.invalidf("%s: read-write buffer slot %d was not given to BeginComputePass", op, i)
		}
	}
	return cb.flushCompute()
}

// DispatchCompute dispatches x*y*z workgroups.
func (cp *ComputePass) DispatchCompute(x, y, z uint32) error {
	if err := cp.prepareDispatch("DispatchCompute"); err != nil {
		return err
	}
	cp.cb.list.Dispatch(x, y, z)
	return nil
}

// DispatchComputeIndirect dispatches with a 12-byte argument record read
// from b at offset.
func (cp *ComputePass) DispatchComputeIndirect(b *Buffer, offset uint64) error {
	const op = "DispatchComputeIndirect"
	if err := cp.prepareDispatch(op); err != nil {
		return err
	}
	cb := cp.cb
	if err := cb.r.checkBuffer(op, b, gputypes.BufferUsageIndirect); err != nil {
		return err
	}
	if offset+12 > b.info.Size {
		return cb.r.invalidf("%s: record at offset %d overruns buffer %q", op, offset, b.label())
	}
	p := b.c.Active()
	cb.track(p)
	cb.list.DispatchIndirect(p.mem, offset)
	return nil
}

// End closes the compute pass and returns written resources to their
// resting states.
func (cp *ComputePass) End() error {
	if err := cp.cb.checkPass("EndComputePass", passCompute); err != nil {
		return err
	}
	cp.cb.endPass()
	return nil
}
