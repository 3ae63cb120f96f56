package simdev

import (
	"math"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures/driver"
)

// Op identifies a recorded command.
type Op uint8

const (
	OpBarrier Op = iota
	OpBeginEvent
	OpEndEvent
	OpMarker
	OpSetHeaps
	OpSetPipeline
	OpSetGraphicsTable
	OpSetComputeTable
	OpSetGraphicsConstantBuffer
	OpSetComputeConstantBuffer
	OpSetRenderTargets
	OpClearRenderTarget
	OpClearDepthStencil
	OpSetViewport
	OpSetScissor
	OpSetBlendConstant
	OpSetStencilReference
	OpSetVertexBuffers
	OpSetIndexBuffer
	OpDraw
	OpDrawIndexed
	OpDrawIndirect
	OpDispatch
	OpDispatchIndirect
	OpCopyBuffer
	OpCopyBufferToTexture
	OpCopyTextureToBuffer
	OpCopyTexture
)

var opNames = [...]string{
	"Barrier", "BeginEvent", "EndEvent", "Marker", "SetHeaps", "SetPipeline",
	"SetGraphicsTable", "SetComputeTable", "SetGraphicsConstantBuffer",
	"SetComputeConstantBuffer", "SetRenderTargets", "ClearRenderTarget",
	"ClearDepthStencil", "SetViewport", "SetScissor", "SetBlendConstant",
	"SetStencilReference", "SetVertexBuffers", "SetIndexBuffer", "Draw",
	"DrawIndexed", "DrawIndirect", "Dispatch", "DispatchIndirect", "CopyBuffer",
	"CopyBufferToTexture", "CopyTextureToBuffer", "CopyTexture",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "Op(" + strconv.Itoa(int(o)) + ")"
}

// Command is one recorded command. Only the fields relevant to Op are set.
type Command struct {
	Op       Op
	List     uint64
	Name     string
	Barriers []driver.Barrier
	Heaps    []driver.DescriptorHeap
	Pipeline driver.Pipeline
	Index    uint32
	Base     driver.Descriptor
	Address  uint64
	Targets  []driver.Descriptor
	Depth    *driver.Descriptor
	Color    gputypes.Color
	Args     [5]uint32
	Viewport driver.Viewport
	Rect     driver.Rect
	Vertex   []driver.VertexBufferView
	IndexBuf driver.IndexBufferView

	Dst, Src             driver.Memory
	DstOffset, SrcOffset uint64
	Size                 uint64
	DstLoc, SrcLoc       driver.TextureLocation
	Layout               driver.BufferLayout
	Extent               gputypes.Extent3D
}

// CommandList is a simulated driver.CommandList.
type CommandList struct {
	dev       *Device
	id        uint64
	closed    bool
	pending   int // queued executions not yet retired; guarded by dev.mu
	destroyed bool
	depth     int
	cmds      []Command
	err       error
}

var _ driver.CommandList = (*CommandList)(nil)

// CreateCommandList implements driver.Device. The list starts open.
func (d *Device) CreateCommandList() (driver.CommandList, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l := &CommandList{dev: d, id: d.newID()}
	d.lists[l] = struct{}{}
	return l, nil
}

// DestroyCommandList implements driver.Device.
func (d *Device) DestroyCommandList(dl driver.CommandList) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l := dl.(*CommandList)
	if l.destroyed {
		d.violationf("command list %d destroyed twice", l.id)
		return
	}
	if l.pending > 0 {
		d.violationf("command list %d destroyed while pending on the GPU", l.id)
	}
	l.destroyed = true
	delete(d.lists, l)
}

func (l *CommandList) record(c Command) {
	if l.closed {
		if l.err == nil {
			l.err = errors.Newf("simdev: command list %d: %s recorded after Close", l.id, c.Op)
		}
		return
	}
	c.List = l.id
	l.cmds = append(l.cmds, c)
}

// Reset implements driver.CommandList.
func (l *CommandList) Reset() error {
	l.dev.mu.Lock()
	pending := l.pending
	l.dev.mu.Unlock()
	if pending > 0 {
		return errors.Newf("simdev: command list %d reset while pending on the GPU", l.id)
	}
	l.closed = false
	l.depth = 0
	l.cmds = l.cmds[:0]
	l.err = nil
	return nil
}

// Close implements driver.CommandList.
func (l *CommandList) Close() error {
	if l.closed {
		return errors.Newf("simdev: command list %d closed twice", l.id)
	}
	l.closed = true
	if l.err != nil {
		return l.err
	}
	if l.depth != 0 {
		return errors.Newf("simdev: command list %d closed with %d open events", l.id, l.depth)
	}
	return nil
}

// Commands returns the commands recorded since the last Reset.
func (l *CommandList) Commands() []Command {
	return append([]Command(nil), l.cmds...)
}

func (l *CommandList) BeginEvent(name string) {
	l.depth++
	l.record(Command{Op: OpBeginEvent, Name: name})
}

func (l *CommandList) EndEvent() {
	l.depth--
	l.record(Command{Op: OpEndEvent})
}

func (l *CommandList) SetMarker(name string) {
	l.record(Command{Op: OpMarker, Name: name})
}

func (l *CommandList) ResourceBarrier(barriers []driver.Barrier) {
	l.record(Command{Op: OpBarrier, Barriers: append([]driver.Barrier(nil), barriers...)})
}

func (l *CommandList) SetDescriptorHeaps(heaps []driver.DescriptorHeap) {
	l.record(Command{Op: OpSetHeaps, Heaps: append([]driver.DescriptorHeap(nil), heaps...)})
}

func (l *CommandList) SetPipeline(p driver.Pipeline) {
	l.record(Command{Op: OpSetPipeline, Pipeline: p})
}

func (l *CommandList) SetGraphicsRootTable(index uint32, base driver.Descriptor) {
	l.record(Command{Op: OpSetGraphicsTable, Index: index, Base: base})
}

func (l *CommandList) SetComputeRootTable(index uint32, base driver.Descriptor) {
	l.record(Command{Op: OpSetComputeTable, Index: index, Base: base})
}

func (l *CommandList) SetGraphicsRootConstantBuffer(index uint32, address uint64) {
	l.record(Command{Op: OpSetGraphicsConstantBuffer, Index: index, Address: address})
}

func (l *CommandList) SetComputeRootConstantBuffer(index uint32, address uint64) {
	l.record(Command{Op: OpSetComputeConstantBuffer, Index: index, Address: address})
}

func (l *CommandList) SetRenderTargets(colors []driver.Descriptor, depth *driver.Descriptor) {
	c := Command{Op: OpSetRenderTargets, Targets: append([]driver.Descriptor(nil), colors...)}
	if depth != nil {
		dd := *depth
		c.Depth = &dd
	}
	l.record(c)
}

func (l *CommandList) ClearRenderTarget(rtv driver.Descriptor, color gputypes.Color) {
	l.record(Command{Op: OpClearRenderTarget, Base: rtv, Color: color})
}

func (l *CommandList) ClearDepthStencil(dsv driver.Descriptor, flags driver.ClearFlags, depth float32, stencil uint8) {
	l.record(Command{
		Op:   OpClearDepthStencil,
		Base: dsv,
		Args: [5]uint32{uint32(flags), uint32(stencil), math.Float32bits(depth)},
	})
}

func (l *CommandList) SetViewport(vp driver.Viewport) {
	l.record(Command{Op: OpSetViewport, Viewport: vp})
}

func (l *CommandList) SetScissor(r driver.Rect) {
	l.record(Command{Op: OpSetScissor, Rect: r})
}

func (l *CommandList) SetBlendConstant(c gputypes.Color) {
	l.record(Command{Op: OpSetBlendConstant, Color: c})
}

func (l *CommandList) SetStencilReference(ref uint32) {
	l.record(Command{Op: OpSetStencilReference, Args: [5]uint32{ref}})
}

func (l *CommandList) SetVertexBuffers(first uint32, views []driver.VertexBufferView) {
	l.record(Command{Op: OpSetVertexBuffers, Index: first, Vertex: append([]driver.VertexBufferView(nil), views...)})
}

func (l *CommandList) SetIndexBuffer(view driver.IndexBufferView) {
	l.record(Command{Op: OpSetIndexBuffer, IndexBuf: view})
}

func (l *CommandList) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	l.record(Command{Op: OpDraw, Args: [5]uint32{vertexCount, instanceCount, firstVertex, firstInstance}})
}

func (l *CommandList) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) {
	l.record(Command{Op: OpDrawIndexed, Args: [5]uint32{indexCount, instanceCount, firstIndex, uint32(baseVertex), firstInstance}})
}

func (l *CommandList) DrawIndirect(args driver.Memory, offset uint64, drawCount, stride uint32, indexed bool) {
	c := Command{Op: OpDrawIndirect, Src: args, SrcOffset: offset, Args: [5]uint32{drawCount, stride}}
	if indexed {
		c.Args[2] = 1
	}
	l.record(c)
}

func (l *CommandList) Dispatch(x, y, z uint32) {
	l.record(Command{Op: OpDispatch, Args: [5]uint32{x, y, z}})
}

func (l *CommandList) DispatchIndirect(args driver.Memory, offset uint64) {
	l.record(Command{Op: OpDispatchIndirect, Src: args, SrcOffset: offset})
}

func (l *CommandList) CopyBuffer(dst driver.Memory, dstOffset uint64, src driver.Memory, srcOffset uint64, size uint64) {
	l.record(Command{Op: OpCopyBuffer, Dst: dst, DstOffset: dstOffset, Src: src, SrcOffset: srcOffset, Size: size})
}

func (l *CommandList) CopyBufferToTexture(dst driver.TextureLocation, src driver.BufferLayout, size gputypes.Extent3D) {
	l.record(Command{Op: OpCopyBufferToTexture, Dst: dst.Memory, DstLoc: dst, Src: src.Memory, Layout: src, Extent: size})
}

func (l *CommandList) CopyTextureToBuffer(dst driver.BufferLayout, src driver.TextureLocation, size gputypes.Extent3D) {
	l.record(Command{Op: OpCopyTextureToBuffer, Dst: dst.Memory, Layout: dst, Src: src.Memory, SrcLoc: src, Extent: size})
}

func (l *CommandList) CopyTexture(dst, src driver.TextureLocation, size gputypes.Extent3D) {
	l.record(Command{Op: OpCopyTexture, Dst: dst.Memory, DstLoc: dst, Src: src.Memory, SrcLoc: src, Extent: size})
}
