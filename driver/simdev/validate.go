package simdev

import (
	"slices"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures/driver"
)

// validator walks one command list at execution time. States are tracked
// across lists, so each list sees the states the previous ones left behind.
type validator struct {
	d     *Device
	l     *CommandList
	refs  map[*memory]struct{}
	pipe  *pipeline
	heaps []driver.DescriptorHeap
}

// validate checks l and returns the memory it references. d.mu must be
// held.
func (d *Device) validate(l *CommandList) []*memory {
	v := &validator{d: d, l: l, refs: make(map[*memory]struct{})}
	for _, c := range l.cmds {
		v.command(c)
	}
	out := make([]*memory, 0, len(v.refs))
	for m := range v.refs {
		out = append(out, m)
	}
	return out
}

func (v *validator) fail(format string, args ...any) {
	v.d.violationf("list %d: "+format, append([]any{v.l.id}, args...)...)
}

func (v *validator) ref(mem driver.Memory, what string) *memory {
	m, ok := mem.(*memory)
	if !ok || m == nil {
		v.fail("%s has no memory", what)
		return nil
	}
	if m.destroyed {
		v.fail("%s references destroyed %s", what, m)
	}
	v.refs[m] = struct{}{}
	return m
}

func (v *validator) refAddress(addr uint64, what string) {
	m := v.d.findBuffer(addr)
	if m == nil {
		v.fail("%s address %#x is not inside a live buffer", what, addr)
		return
	}
	v.refs[m] = struct{}{}
}

func (v *validator) command(c Command) {
	switch c.Op {
	case OpBarrier:
		for _, b := range c.Barriers {
			if m := v.ref(b.Memory, "barrier"); m != nil {
				v.transition(m, b)
			}
		}
	case OpSetHeaps:
		v.heaps = c.Heaps
		for _, h := range c.Heaps {
			if !h.ShaderVisible() {
				v.fail("bound %s heap is not shader visible", h.Kind())
			}
		}
	case OpSetPipeline:
		p, _ := c.Pipeline.(*pipeline)
		if p == nil || p.destroyed {
			v.fail("pipeline is destroyed")
		}
		v.pipe = p
	case OpSetGraphicsTable, OpSetComputeTable:
		v.table(c)
	case OpSetGraphicsConstantBuffer, OpSetComputeConstantBuffer:
		v.refAddress(c.Address, "constant buffer")
	case OpSetRenderTargets:
		for _, t := range c.Targets {
			v.attachment(t, driver.StateRenderTarget, "render target")
		}
		if c.Depth != nil {
			v.attachment(*c.Depth, driver.StateDepthWrite, "depth target")
		}
	case OpClearRenderTarget:
		v.attachment(c.Base, driver.StateRenderTarget, "clear")
	case OpClearDepthStencil:
		v.attachment(c.Base, driver.StateDepthWrite, "depth clear")
	case OpSetVertexBuffers:
		for _, vb := range c.Vertex {
			v.refAddress(vb.Address, "vertex buffer")
		}
	case OpSetIndexBuffer:
		v.refAddress(c.IndexBuf.Address, "index buffer")
	case OpDraw, OpDrawIndexed, OpDispatch:
		if v.pipe == nil {
			v.fail("%s without a pipeline", c.Op)
		}
	case OpDrawIndirect, OpDispatchIndirect:
		if v.pipe == nil {
			v.fail("%s without a pipeline", c.Op)
		}
		if m := v.ref(c.Src, "indirect arguments"); m != nil {
			v.expect(m, 0, driver.StateIndirectArgument, "indirect arguments")
		}
	case OpCopyBuffer:
		v.copySource(v.ref(c.Src, "copy source"), 0)
		v.copyDest(v.ref(c.Dst, "copy destination"), 0)
	case OpCopyBufferToTexture:
		v.copySource(v.ref(c.Src, "copy source"), 0)
		if m := v.ref(c.Dst, "copy destination"); m != nil {
			v.copyDest(m, m.subresourceIndex(c.DstLoc.MipLevel, c.DstLoc.Layer))
		}
	case OpCopyTextureToBuffer:
		if m := v.ref(c.Src, "copy source"); m != nil {
			v.copySource(m, m.subresourceIndex(c.SrcLoc.MipLevel, c.SrcLoc.Layer))
		}
		v.copyDest(v.ref(c.Dst, "copy destination"), 0)
	case OpCopyTexture:
		if m := v.ref(c.Src, "copy source"); m != nil {
			v.copySource(m, m.subresourceIndex(c.SrcLoc.MipLevel, c.SrcLoc.Layer))
		}
		if m := v.ref(c.Dst, "copy destination"); m != nil {
			v.copyDest(m, m.subresourceIndex(c.DstLoc.MipLevel, c.DstLoc.Layer))
		}
	}
}

func (v *validator) transition(m *memory, b driver.Barrier) {
	if b.Before == b.After {
		v.fail("%s: barrier with identical states %s", m, b.Before)
		return
	}
	apply := func(i int) {
		if m.states[i] != b.Before {
			v.fail("%s subresource %d: barrier expects %s, resource is in %s", m, i, b.Before, m.states[i])
		}
		m.states[i] = b.After
	}
	if b.Subresource == driver.AllSubresources {
		for i := range m.states {
			apply(i)
		}
		return
	}
	if int(b.Subresource) >= len(m.states) {
		v.fail("%s: barrier subresource %d out of range", m, b.Subresource)
		return
	}
	apply(int(b.Subresource))
}

func (v *validator) expect(m *memory, sub uint32, want driver.ResourceState, what string) {
	if int(sub) >= len(m.states) {
		v.fail("%s: %s subresource %d out of range", what, m, sub)
		return
	}
	if m.states[sub]&want != want {
		v.fail("%s: %s subresource %d is in %s, want %s", what, m, sub, m.states[sub], want)
	}
}

func (v *validator) copySource(m *memory, sub uint32) {
	if m == nil || m.heap == driver.MemoryUpload {
		return
	}
	v.expect(m, sub, driver.StateCopySource, "copy source")
}

func (v *validator) copyDest(m *memory, sub uint32) {
	if m == nil || m.heap == driver.MemoryReadback {
		return
	}
	v.expect(m, sub, driver.StateCopyDest, "copy destination")
}

func (v *validator) attachment(desc driver.Descriptor, want driver.ResourceState, what string) {
	e, err := v.d.slot(desc, what)
	if err != nil {
		v.fail("%v", err)
		return
	}
	if !e.Valid || e.Memory == nil {
		v.fail("%s slot %d is empty", what, desc.Index)
		return
	}
	m := v.ref(e.Memory, what)
	if m == nil {
		return
	}
	v.expect(m, m.subresourceIndex(e.View.BaseMipLevel, e.View.BaseArrayLayer), want, what)
}

func (v *validator) table(c Command) {
	if v.pipe == nil {
		v.fail("root table %d set without a pipeline", c.Index)
		return
	}
	if int(c.Index) >= len(v.pipe.desc.Root) || v.pipe.desc.Root[c.Index].Kind != driver.RootTable {
		v.fail("root parameter %d is not a table", c.Index)
		return
	}
	param := v.pipe.desc.Root[c.Index]
	h, _ := c.Base.Heap.(*heap)
	if h == nil || !h.visible {
		v.fail("root table %d is not in a shader-visible heap", c.Index)
		return
	}
	if h.kind != param.Heap {
		v.fail("root table %d expects a %s heap, got %s", c.Index, param.Heap, h.kind)
	}
	if !slices.Contains(v.heaps, c.Base.Heap) {
		v.fail("root table %d uses a heap that is not bound", c.Index)
	}
	if c.Base.Index+param.Count > h.capacity {
		v.fail("root table %d overruns its heap", c.Index)
		return
	}
	for i := range param.Count {
		e := h.entries[c.Base.Index+i]
		if !e.Valid {
			v.fail("root table %d slot %d is empty", c.Index, i)
			continue
		}
		if e.Memory == nil {
			continue
		}
		m := v.ref(e.Memory, "table view")
		if m == nil {
			continue
		}
		var sub uint32
		if !m.isBuffer {
			sub = m.subresourceIndex(e.View.BaseMipLevel, e.View.BaseArrayLayer)
		}
		switch {
		case param.View == driver.ViewStorage && e.View.Kind == driver.ViewStorage:
			v.expect(m, sub, driver.StateUnorderedAccess, "read-write view")
		case e.View.Kind == driver.ViewSampled:
			if int(sub) < len(m.states) && m.states[sub]&driver.StateShaderResource == 0 &&
				m.states[sub] != driver.StateGenericRead {
				v.fail("table view: %s subresource %d is in %s, not shader readable", m, sub, m.states[sub])
			}
		}
	}
}

// perform applies the data effects of a retired command. d.mu must be held.
func (d *Device) perform(c Command) {
	switch c.Op {
	case OpCopyBuffer:
		dst, src := c.Dst.(*memory), c.Src.(*memory)
		if c.SrcOffset+c.Size > uint64(len(src.data)) || c.DstOffset+c.Size > uint64(len(dst.data)) {
			d.violationf("CopyBuffer out of bounds: %d bytes from %s+%d to %s+%d",
				c.Size, src, c.SrcOffset, dst, c.DstOffset)
			return
		}
		copy(dst.data[c.DstOffset:c.DstOffset+c.Size], src.data[c.SrcOffset:c.SrcOffset+c.Size])
	case OpCopyBufferToTexture:
		d.copyBufferTexture(true, c.Src.(*memory), c.Layout, c.Dst.(*memory), c.DstLoc, c.Extent)
	case OpCopyTextureToBuffer:
		d.copyBufferTexture(false, c.Dst.(*memory), c.Layout, c.Src.(*memory), c.SrcLoc, c.Extent)
	case OpCopyTexture:
		d.copyTexture(c.Dst.(*memory), c.DstLoc, c.Src.(*memory), c.SrcLoc, c.Extent)
	}
}

// region resolves a copy region inside one texture subresource.
func (d *Device) region(tex *memory, loc driver.TextureLocation, size gputypes.Extent3D) (subresource, bool) {
	idx := tex.subresourceIndex(loc.MipLevel, loc.Layer)
	if int(idx) >= len(tex.subs) {
		d.violationf("%s: mip %d layer %d out of range", tex, loc.MipLevel, loc.Layer)
		return subresource{}, false
	}
	s := tex.subs[idx]
	depth := max(size.DepthOrArrayLayers, 1)
	if loc.Origin.X+size.Width > s.width || loc.Origin.Y+size.Height > s.height || loc.Origin.Z+depth > s.depth {
		d.violationf("%s: copy region exceeds mip %d (%dx%dx%d)", tex, loc.MipLevel, s.width, s.height, s.depth)
		return subresource{}, false
	}
	return s, true
}

func (m *memory) texelOffset(s subresource, x, y, z uint32) uint64 {
	return s.offset + uint64(z)*s.slicePitch + uint64(y)*s.rowPitch + uint64(x)*uint64(m.block)
}

func (d *Device) copyBufferTexture(toTexture bool, buf *memory, layout driver.BufferLayout,
	tex *memory, loc driver.TextureLocation, size gputypes.Extent3D) {
	s, ok := d.region(tex, loc, size)
	if !ok {
		return
	}
	rowBytes := uint64(size.Width) * uint64(tex.block)
	bytesPerRow := uint64(layout.BytesPerRow)
	if bytesPerRow == 0 {
		bytesPerRow = rowBytes
	}
	rowsPerImage := uint64(layout.RowsPerImage)
	if rowsPerImage == 0 {
		rowsPerImage = uint64(size.Height)
	}
	for z := range max(size.DepthOrArrayLayers, 1) {
		for y := range size.Height {
			b := layout.Offset + uint64(z)*rowsPerImage*bytesPerRow + uint64(y)*bytesPerRow
			t := tex.texelOffset(s, loc.Origin.X, loc.Origin.Y+y, loc.Origin.Z+z)
			if b+rowBytes > uint64(len(buf.data)) {
				d.violationf("%s: buffer copy row %d out of bounds", buf, y)
				return
			}
			if toTexture {
				copy(tex.data[t:t+rowBytes], buf.data[b:b+rowBytes])
			} else {
				copy(buf.data[b:b+rowBytes], tex.data[t:t+rowBytes])
			}
		}
	}
}

func (d *Device) copyTexture(dst *memory, dstLoc driver.TextureLocation, src *memory, srcLoc driver.TextureLocation, size gputypes.Extent3D) {
	if dst.block != src.block {
		d.violationf("CopyTexture between formats of different texel size (%s, %s)", src, dst)
		return
	}
	ds, ok := d.region(dst, dstLoc, size)
	if !ok {
		return
	}
	ss, ok := d.region(src, srcLoc, size)
	if !ok {
		return
	}
	rowBytes := uint64(size.Width) * uint64(dst.block)
	for z := range max(size.DepthOrArrayLayers, 1) {
		for y := range size.Height {
			t := dst.texelOffset(ds, dstLoc.Origin.X, dstLoc.Origin.Y+y, dstLoc.Origin.Z+z)
			f := src.texelOffset(ss, srcLoc.Origin.X, srcLoc.Origin.Y+y, srcLoc.Origin.Z+z)
			copy(dst.data[t:t+rowBytes], src.data[f:f+rowBytes])
		}
	}
}
