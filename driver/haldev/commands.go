package haldev

import (
	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpures/driver"
)

// CommandList records into a hal command encoder.
type CommandList struct {
	dev *Device
	enc hal.CommandEncoder
	buf hal.CommandBuffer

	open  bool
	depth int
	err   error
}

// CreateCommandList implements driver.Device. The list starts open.
func (d *Device) CreateCommandList() (driver.CommandList, error) {
	enc, err := d.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "gpures"})
	if err != nil {
		return nil, errors.Wrap(err, "haldev: create command encoder")
	}
	l := &CommandList{dev: d, enc: enc}
	if err := l.Reset(); err != nil {
		return nil, err
	}
	return l, nil
}

// DestroyCommandList implements driver.Device.
func (d *Device) DestroyCommandList(dl driver.CommandList) {
	l := dl.(*CommandList)
	if l.open {
		l.enc.DiscardEncoding()
		l.open = false
	}
	l.enc.Destroy()
}

// Reset implements driver.CommandList.
func (l *CommandList) Reset() error {
	if l.open {
		l.enc.DiscardEncoding()
	}
	if err := l.enc.BeginEncoding("gpures"); err != nil {
		return errors.Wrap(err, "haldev: begin encoding")
	}
	l.open, l.depth, l.err, l.buf = true, 0, nil, nil
	return nil
}

// Close implements driver.CommandList.
func (l *CommandList) Close() error {
	if !l.open {
		return errors.New("haldev: command list closed twice")
	}
	l.open = false
	if l.err != nil {
		l.enc.DiscardEncoding()
		return l.err
	}
	if l.depth != 0 {
		l.enc.DiscardEncoding()
		return errors.Newf("haldev: command list closed with %d open events", l.depth)
	}
	buf, err := l.enc.EndEncoding()
	if err != nil {
		return errors.Wrap(err, "haldev: end encoding")
	}
	l.buf = buf
	return nil
}

func (l *CommandList) unsupported(what string) {
	if l.err == nil {
		l.err = errors.Wrapf(driver.ErrUnsupported, "haldev: %s", what)
	}
}

// Debug events are balanced but not forwarded.
func (l *CommandList) BeginEvent(string) { l.depth++ }
func (l *CommandList) EndEvent()         { l.depth-- }
func (l *CommandList) SetMarker(string)  {}

// ResourceBarrier implements driver.CommandList. hal tracks buffer usage
// itself, so only texture transitions are forwarded.
func (l *CommandList) ResourceBarrier(barriers []driver.Barrier) {
	var out []hal.TextureBarrier
	for _, b := range barriers {
		m := b.Memory.(*memory)
		if m.tex == nil {
			continue
		}
		old := b.Before
		if b.Subresource == driver.AllSubresources {
			for i := range m.states {
				m.states[i] = b.After
			}
		} else if int(b.Subresource) < len(m.states) {
			m.states[b.Subresource] = b.After
		}
		out = append(out, hal.TextureBarrier{
			Texture: m.tex,
			Usage: hal.TextureUsageTransition{
				OldUsage: stateUsage(old),
				NewUsage: stateUsage(b.After),
			},
		})
	}
	if len(out) > 0 {
		l.enc.TransitionTextures(out)
	}
}

// Binding state is resolved only by draws and dispatches, which the bridge
// does not support.
func (l *CommandList) SetDescriptorHeaps([]driver.DescriptorHeap)               {}
func (l *CommandList) SetPipeline(driver.Pipeline)                              { l.unsupported("pipelines") }
func (l *CommandList) SetGraphicsRootTable(uint32, driver.Descriptor)           {}
func (l *CommandList) SetComputeRootTable(uint32, driver.Descriptor)            {}
func (l *CommandList) SetGraphicsRootConstantBuffer(uint32, uint64)             {}
func (l *CommandList) SetComputeRootConstantBuffer(uint32, uint64)              {}
func (l *CommandList) SetRenderTargets([]driver.Descriptor, *driver.Descriptor) {}
func (l *CommandList) SetViewport(driver.Viewport)                              {}
func (l *CommandList) SetScissor(driver.Rect)                                   {}
func (l *CommandList) SetBlendConstant(gputypes.Color)                          {}
func (l *CommandList) SetStencilReference(uint32)                               {}
func (l *CommandList) SetVertexBuffers(uint32, []driver.VertexBufferView)       {}
func (l *CommandList) SetIndexBuffer(driver.IndexBufferView)                    {}

func (l *CommandList) Draw(uint32, uint32, uint32, uint32) { l.unsupported("draw") }

func (l *CommandList) DrawIndexed(uint32, uint32, uint32, int32, uint32) { l.unsupported("draw") }

func (l *CommandList) DrawIndirect(driver.Memory, uint64, uint32, uint32, bool) {
	l.unsupported("indirect draw")
}

func (l *CommandList) Dispatch(uint32, uint32, uint32) { l.unsupported("dispatch") }

func (l *CommandList) DispatchIndirect(driver.Memory, uint64) { l.unsupported("indirect dispatch") }

// attachmentView returns the texture view a render-target descriptor holds.
func (l *CommandList) attachmentView(desc driver.Descriptor, what string) hal.TextureView {
	s, err := lookup(desc, what)
	if err != nil {
		if l.err == nil {
			l.err = err
		}
		return nil
	}
	if s.view == nil {
		if l.err == nil {
			l.err = errors.Newf("haldev: %s slot %d is empty", what, desc.Index)
		}
		return nil
	}
	return s.view
}

// ClearRenderTarget implements driver.CommandList with an empty render pass
// that clears on load.
func (l *CommandList) ClearRenderTarget(rtv driver.Descriptor, color gputypes.Color) {
	view := l.attachmentView(rtv, "clear")
	if view == nil {
		return
	}
	rp := l.enc.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: "gpures clear",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:       view,
			LoadOp:     gputypes.LoadOpClear,
			StoreOp:    gputypes.StoreOpStore,
			ClearValue: color,
		}},
	})
	rp.End()
}

// ClearDepthStencil implements driver.CommandList.
func (l *CommandList) ClearDepthStencil(dsv driver.Descriptor, flags driver.ClearFlags, depth float32, stencil uint8) {
	view := l.attachmentView(dsv, "depth clear")
	if view == nil {
		return
	}
	att := &hal.RenderPassDepthStencilAttachment{
		View:              view,
		DepthLoadOp:       gputypes.LoadOpLoad,
		DepthStoreOp:      gputypes.StoreOpStore,
		DepthClearValue:   depth,
		StencilLoadOp:     gputypes.LoadOpLoad,
		StencilStoreOp:    gputypes.StoreOpStore,
		StencilClearValue: uint32(stencil),
	}
	if flags&driver.ClearDepth != 0 {
		att.DepthLoadOp = gputypes.LoadOpClear
	}
	if flags&driver.ClearStencil != 0 {
		att.StencilLoadOp = gputypes.LoadOpClear
	}
	rp := l.enc.BeginRenderPass(&hal.RenderPassDescriptor{
		Label:                  "gpures depth clear",
		DepthStencilAttachment: att,
	})
	rp.End()
}

func (l *CommandList) CopyBuffer(dst driver.Memory, dstOffset uint64, src driver.Memory, srcOffset uint64, size uint64) {
	l.enc.CopyBufferToBuffer(src.(*memory).buf, dst.(*memory).buf, []hal.BufferCopy{{
		SrcOffset: srcOffset,
		DstOffset: dstOffset,
		Size:      size,
	}})
}

// imageCopy addresses one subresource of a texture. Array layers are
// addressed through the origin's Z, as WebGPU does.
func imageCopy(tex driver.TextureLocation) hal.ImageCopyTexture {
	m := tex.Memory.(*memory)
	z := tex.Origin.Z
	if m.desc.Dimension != gputypes.TextureDimension3D {
		z = tex.Layer
	}
	return hal.ImageCopyTexture{
		Texture:  m.tex,
		MipLevel: tex.MipLevel,
		Origin:   hal.Origin3D{X: tex.Origin.X, Y: tex.Origin.Y, Z: z},
		Aspect:   gputypes.TextureAspectAll,
	}
}

func extent(size gputypes.Extent3D) hal.Extent3D {
	return hal.Extent3D{Width: size.Width, Height: size.Height, DepthOrArrayLayers: max(size.DepthOrArrayLayers, 1)}
}

// textureCopy builds the hal region for a buffer/texture copy.
func textureCopy(buf driver.BufferLayout, tex driver.TextureLocation, size gputypes.Extent3D) hal.BufferTextureCopy {
	return hal.BufferTextureCopy{
		BufferLayout: hal.ImageDataLayout{
			Offset:       buf.Offset,
			BytesPerRow:  buf.BytesPerRow,
			RowsPerImage: buf.RowsPerImage,
		},
		TextureBase: imageCopy(tex),
		Size:        extent(size),
	}
}

func (l *CommandList) CopyBufferToTexture(dst driver.TextureLocation, src driver.BufferLayout, size gputypes.Extent3D) {
	l.enc.CopyBufferToTexture(src.Memory.(*memory).buf, dst.Memory.(*memory).tex,
		[]hal.BufferTextureCopy{textureCopy(src, dst, size)})
}

func (l *CommandList) CopyTextureToBuffer(dst driver.BufferLayout, src driver.TextureLocation, size gputypes.Extent3D) {
	l.enc.CopyTextureToBuffer(src.Memory.(*memory).tex, dst.Memory.(*memory).buf,
		[]hal.BufferTextureCopy{textureCopy(dst, src, size)})
}

func (l *CommandList) CopyTexture(dst, src driver.TextureLocation, size gputypes.Extent3D) {
	l.enc.CopyTextureToTexture(src.Memory.(*memory).tex, dst.Memory.(*memory).tex, []hal.TextureCopy{{
		SrcBase: imageCopy(src),
		DstBase: imageCopy(dst),
		Size:    extent(size),
	}})
}
