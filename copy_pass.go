package gpures

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures/driver"
)

// TextureTransferInfo locates texel data in a transfer buffer. Zero
// PixelsPerRow or RowsPerLayer means tightly packed.
type TextureTransferInfo struct {
	TransferBuffer *TransferBuffer
	Offset         uint64
	PixelsPerRow   uint32
	RowsPerLayer   uint32
}

// TextureRegion is a box inside one mip level of one layer. For 3D
// textures Z and D select depth slices and Layer must be 0.
type TextureRegion struct {
	Texture  *Texture
	MipLevel uint32
	Layer    uint32
	X, Y, Z  uint32
	W, H, D  uint32
}

// TextureLocation is a texel inside one mip level of one layer.
type TextureLocation struct {
	Texture  *Texture
	MipLevel uint32
	Layer    uint32
	X, Y, Z  uint32
}

// BufferRegion is a byte range in a buffer.
type BufferRegion struct {
	Buffer *Buffer
	Offset uint64
	Size   uint64
}

// BufferLocation is a byte offset in a buffer.
type BufferLocation struct {
	Buffer *Buffer
	Offset uint64
}

// CopyPass records transfers between transfer buffers, buffers and
// textures.
type CopyPass struct {
	cb *CommandBuffer
}

// BeginCopyPass opens a copy pass.
func (cb *CommandBuffer) BeginCopyPass() (*CopyPass, error) {
	if err := cb.checkPass("BeginCopyPass", passNone); err != nil {
		return nil, err
	}
	cb.pass = passCopy
	return &CopyPass{cb: cb}, nil
}

// End closes the copy pass.
func (cp *CopyPass) End() error {
	if err := cp.cb.checkPass("EndCopyPass", passCopy); err != nil {
		return err
	}
	cp.cb.pass = passNone
	return nil
}

// anyBufferUsage makes checkBuffer accept a buffer of any usage.
const anyBufferUsage = ^gputypes.BufferUsage(0)

func alignUp64(v, a uint64) uint64 {
	if a <= 1 {
		return v
	}
	return (v + a - 1) / a * a
}

// texelLayout is the buffer-side footprint of a texture region.
type texelLayout struct {
	rowBytes     uint64 // bytes of one row of blocks inside the region
	rows         uint32 // block rows per slice
	depth        uint32
	bytesPerRow  uint64 // buffer pitch
	rowsPerImage uint32 // buffer rows per slice
}

func (l texelLayout) extent(end uint64) uint64 {
	return end + l.bytesPerRow*uint64(l.rowsPerImage)*uint64(l.depth-1) +
		l.bytesPerRow*uint64(l.rows-1) + l.rowBytes
}

// regionLayout validates a region and computes its buffer footprint.
func (r *Renderer) regionLayout(op string, region TextureRegion, pixelsPerRow, rowsPerLayer uint32) (texelLayout, error) {
	t := region.Texture
	if err := r.checkTextureLocation(op, t, region.MipLevel, region.Layer); err != nil {
		return texelLayout{}, err
	}
	w, h := mipExtent(t.info.Width, region.MipLevel), mipExtent(t.info.Height, region.MipLevel)
	d := uint32(1)
	if t.info.Type == Texture3D {
		d = t.depthAt(region.MipLevel)
	}
	depth := max(region.D, 1)
	if region.W == 0 || region.H == 0 || region.X+region.W > w || region.Y+region.H > h || region.Z+depth > d {
		return texelLayout{}, r.invalidf("%s: region %dx%dx%d at (%d,%d,%d) outside mip %d of %q",
			op, region.W, region.H, depth, region.X, region.Y, region.Z, region.MipLevel, t.label())
	}
	f := t.format
	bw, bh := max(f.BlockWidth, 1), max(f.BlockHeight, 1)
	if pixelsPerRow == 0 {
		pixelsPerRow = region.W
	}
	if rowsPerLayer == 0 {
		rowsPerLayer = region.H
	}
	if pixelsPerRow < region.W || rowsPerLayer < region.H {
		return texelLayout{}, r.invalidf("%s: buffer layout smaller than the region", op)
	}
	return texelLayout{
		rowBytes:     uint64((region.W+bw-1)/bw) * uint64(f.BlockSize),
		rows:         (region.H + bh - 1) / bh,
		depth:        depth,
		bytesPerRow:  uint64((pixelsPerRow+bw-1)/bw) * uint64(f.BlockSize),
		rowsPerImage: (rowsPerLayer + bh - 1) / bh,
	}, nil
}

func textureLocation(mem driver.Memory, region TextureRegion) driver.TextureLocation {
	layer := region.Layer
	if region.Texture.info.Type == Texture3D {
		layer = 0
	}
	return driver.TextureLocation{
		Memory:   mem,
		MipLevel: region.MipLevel,
		Layer:    layer,
		Origin:   gputypes.Origin3D{X: region.X, Y: region.Y, Z: region.Z},
	}
}

func (l texelLayout) size(region TextureRegion) gputypes.Extent3D {
	return gputypes.Extent3D{Width: region.W, Height: region.H, DepthOrArrayLayers: l.depth}
}

// aligned reports whether a buffer-texture copy at offset with this pitch
// meets the device's placement rules.
func (r *Renderer) aligned(offset uint64, l texelLayout) bool {
	return l.bytesPerRow%uint64(r.caps.TexturePitchAlignment) == 0 &&
		offset%uint64(r.caps.TexturePlacementAlignment) == 0
}

// temporary allocates a device-local scratch buffer in CopyDest state that
// lives until cb is reclaimed.
func (cb *CommandBuffer) temporary(size uint64) (driver.Memory, error) {
	mem, err := cb.r.dev.CreateBuffer(&driver.BufferDescriptor{
		Label:        "realignment scratch",
		Size:         size,
		Usage:        gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
		Heap:         driver.MemoryDefault,
		InitialState: driver.StateCopyDest,
	})
	if err != nil {
		return nil, cb.r.deviceError(err, "create realignment buffer")
	}
	cb.temporaries = append(cb.temporaries, mem)
	return mem, nil
}

// copyRows copies a region row by row between two buffer layouts.
func (cb *CommandBuffer) copyRows(dst driver.Memory, dstOff, dstPitch uint64, dstRows uint32,
	src driver.Memory, srcOff, srcPitch uint64, srcRows uint32, l texelLayout) {
	for z := range uint64(l.depth) {
		for y := range uint64(l.rows) {
			cb.list.CopyBuffer(
				dst, dstOff+z*dstPitch*uint64(dstRows)+y*dstPitch,
				src, srcOff+z*srcPitch*uint64(srcRows)+y*srcPitch,
				l.rowBytes)
		}
	}
}

func (cp *CopyPass) transfer(op string, tb *TransferBuffer, usage TransferBufferUsage) (*physicalBuffer, error) {
	if tb == nil {
		return nil, cp.cb.r.invalidf("%s: nil transfer buffer", op)
	}
	if tb.info.Usage != usage {
		return nil, cp.cb.r.invalidf("%s: transfer buffer %q is a %v buffer", op, tb.info.Label, tb.info.Usage)
	}
	if tb.c.Released() {
		return nil, cp.cb.r.invalidf("%s: transfer buffer %q was released", op, tb.info.Label)
	}
	p := tb.c.Active()
	cp.cb.track(p)
	return p, nil
}

// UploadToTexture copies texel data from an upload buffer into a texture
// region. Layouts that break the device's pitch or placement rules are
// realigned through a scratch buffer on the GPU.
func (cp *CopyPass) UploadToTexture(src TextureTransferInfo, dst TextureRegion, cycle bool) error {
	const op = "UploadToTexture"
	cb := cp.cb
	if err := cb.checkPass(op, passCopy); err != nil {
		return err
	}
	staging, err := cp.transfer(op, src.TransferBuffer, TransferBufferUpload)
	if err != nil {
		return err
	}
	l, err := cb.r.regionLayout(op, dst, src.PixelsPerRow, src.RowsPerLayer)
	if err != nil {
		return err
	}
	if l.extent(src.Offset) > src.TransferBuffer.info.Size {
		return cb.r.invalidf("%s: source overruns transfer buffer %q", op, src.TransferBuffer.info.Label)
	}

	t := dst.Texture
	p, sub, err := cb.prepareTextureWrite(op, t, dst.Layer, dst.MipLevel, cycle, driver.StateCopyDest)
	if err != nil {
		return err
	}
	defer cb.restoreTexture(t, p, sub, driver.StateCopyDest)

	loc := textureLocation(p.mem, dst)
	if cb.r.aligned(src.Offset, l) {
		cb.list.CopyBufferToTexture(loc, driver.BufferLayout{
			Memory: staging.mem, Offset: src.Offset,
			BytesPerRow: uint32(l.bytesPerRow), RowsPerImage: l.rowsPerImage,
		}, l.size(dst))
		return nil
	}

	pitch := alignUp64(l.rowBytes, uint64(cb.r.caps.TexturePitchAlignment))
	tmp, err := cb.temporary(pitch * uint64(l.rows) * uint64(l.depth))
	if err != nil {
		return err
	}
	cb.copyRows(tmp, 0, pitch, l.rows, staging.mem, src.Offset, l.bytesPerRow, l.rowsPerImage, l)
	cb.barrier(tmp, 0, driver.StateCopyDest, driver.StateCopySource)
	cb.list.CopyBufferToTexture(loc, driver.BufferLayout{
		Memory: tmp, BytesPerRow: uint32(pitch), RowsPerImage: l.rows,
	}, l.size(dst))
	return nil
}

// UploadToBuffer copies bytes from an upload buffer into a buffer.
func (cp *CopyPass) UploadToBuffer(src TransferBufferLocation, dst BufferRegion, cycle bool) error {
	const op = "UploadToBuffer"
	cb := cp.cb
	if err := cb.checkPass(op, passCopy); err != nil {
		return err
	}
	if err := cb.r.checkBuffer(op, dst.Buffer, anyBufferUsage); err != nil {
		return err
	}
	if src.TransferBuffer == nil || src.Offset+dst.Size > src.TransferBuffer.info.Size || dst.Offset+dst.Size > dst.Buffer.info.Size {
		return cb.r.invalidf("%s: %d bytes do not fit source or destination", op, dst.Size)
	}
	staging, err := cp.transfer(op, src.TransferBuffer, TransferBufferUpload)
	if err != nil {
		return err
	}
	p, err := cb.prepareBufferWrite(op, dst.Buffer, cycle, driver.StateCopyDest)
	if err != nil {
		return err
	}
	cb.list.CopyBuffer(p.mem, dst.Offset, staging.mem, src.Offset, dst.Size)
	cb.restoreBuffer(dst.Buffer, p, driver.StateCopyDest)
	return nil
}

// CopyTextureToTexture copies a w*h*d box between textures of the same
// texel size.
func (cp *CopyPass) CopyTextureToTexture(src, dst TextureLocation, w, h, d uint32, cycle bool) error {
	const op = "CopyTextureToTexture"
	cb := cp.cb
	r := cb.r
	if err := cb.checkPass(op, passCopy); err != nil {
		return err
	}
	srcRegion := TextureRegion{Texture: src.Texture, MipLevel: src.MipLevel, Layer: src.Layer, X: src.X, Y: src.Y, Z: src.Z, W: w, H: h, D: d}
	dstRegion := TextureRegion{Texture: dst.Texture, MipLevel: dst.MipLevel, Layer: dst.Layer, X: dst.X, Y: dst.Y, Z: dst.Z, W: w, H: h, D: d}
	l, err := r.regionLayout(op, srcRegion, 0, 0)
	if err != nil {
		return err
	}
	if _, err := r.regionLayout(op, dstRegion, 0, 0); err != nil {
		return err
	}
	if src.Texture.format.BlockSize != dst.Texture.format.BlockSize {
		return r.invalidf("%s: texel sizes differ", op)
	}
	if src.Texture == dst.Texture && src.MipLevel == dst.MipLevel && src.Layer == dst.Layer && !cycle {
		return r.invalidf("%s: source and destination are the same subresource", op)
	}

	sp, ssub := cb.textureRead(src.Texture, src.Layer, src.MipLevel, driver.StateCopySource)
	dp, dsub, err := cb.prepareTextureWrite(op, dst.Texture, dst.Layer, dst.MipLevel, cycle, driver.StateCopyDest)
	if err != nil {
		cb.restoreTexture(src.Texture, sp, ssub, driver.StateCopySource)
		return err
	}
	cb.list.CopyTexture(textureLocation(dp.mem, dstRegion), textureLocation(sp.mem, srcRegion), l.size(srcRegion))
	cb.restoreTexture(dst.Texture, dp, dsub, driver.StateCopyDest)
	cb.restoreTexture(src.Texture, sp, ssub, driver.StateCopySource)
	return nil
}

// CopyBufferToBuffer copies size bytes between buffers.
func (cp *CopyPass) CopyBufferToBuffer(src, dst BufferLocation, size uint64, cycle bool) error {
	const op = "CopyBufferToBuffer"
	cb := cp.cb
	r := cb.r
	if err := cb.checkPass(op, passCopy); err != nil {
		return err
	}
	if err := r.checkBuffer(op, src.Buffer, anyBufferUsage); err != nil {
		return err
	}
	if err := r.checkBuffer(op, dst.Buffer, anyBufferUsage); err != nil {
		return err
	}
	if size == 0 || src.Offset+size > src.Buffer.info.Size || dst.Offset+size > dst.Buffer.info.Size {
		return r.invalidf("%s: %d bytes do not fit source or destination", op, size)
	}
	if src.Buffer == dst.Buffer && !cycle {
		return r.invalidf("%s: source and destination are the same buffer", op)
	}
	sp := cb.bufferRead(src.Buffer, driver.StateCopySource)
	dp, err := cb.prepareBufferWrite(op, dst.Buffer, cycle, driver.StateCopyDest)
	if err != nil {
		cb.restoreBuffer(src.Buffer, sp, driver.StateCopySource)
		return err
	}
	if sp == dp {
		// Same buffer without an idle instance to cycle to.
		cb.restoreBuffer(dst.Buffer, dp, driver.StateCopyDest)
		cb.restoreBuffer(src.Buffer, sp, driver.StateCopySource)
		return r.invalidf("%s: source and destination are the same buffer instance", op)
	}
	cb.list.CopyBuffer(dp.mem, dst.Offset, sp.mem, src.Offset, size)
	cb.restoreBuffer(dst.Buffer, dp, driver.StateCopyDest)
	cb.restoreBuffer(src.Buffer, sp, driver.StateCopySource)
	return nil
}

// DownloadFromTexture copies a texture region into a download buffer. The
// data is readable with GetTransferData once the submission completes.
func (cp *CopyPass) DownloadFromTexture(src TextureRegion, dst TextureTransferInfo) error {
	const op = "DownloadFromTexture"
	cb := cp.cb
	if err := cb.checkPass(op, passCopy); err != nil {
		return err
	}
	readback, err := cp.transfer(op, dst.TransferBuffer, TransferBufferDownload)
	if err != nil {
		return err
	}
	l, err := cb.r.regionLayout(op, src, dst.PixelsPerRow, dst.RowsPerLayer)
	if err != nil {
		return err
	}
	if l.extent(dst.Offset) > dst.TransferBuffer.info.Size {
		return cb.r.invalidf("%s: region overruns transfer buffer %q", op, dst.TransferBuffer.info.Label)
	}

	t := src.Texture
	p, sub := cb.textureRead(t, src.Layer, src.MipLevel, driver.StateCopySource)
	defer cb.restoreTexture(t, p, sub, driver.StateCopySource)

	loc := textureLocation(p.mem, src)
	if cb.r.aligned(dst.Offset, l) {
		cb.list.CopyTextureToBuffer(driver.BufferLayout{
			Memory: readback.mem, Offset: dst.Offset,
			BytesPerRow: uint32(l.bytesPerRow), RowsPerImage: l.rowsPerImage,
		}, loc, l.size(src))
		return nil
	}

	pitch := alignUp64(l.rowBytes, uint64(cb.r.caps.TexturePitchAlignment))
	tmp, err := cb.temporary(pitch * uint64(l.rows) * uint64(l.depth))
	if err != nil {
		return err
	}
	cb.list.CopyTextureToBuffer(driver.BufferLayout{
		Memory: tmp, BytesPerRow: uint32(pitch), RowsPerImage: l.rows,
	}, loc, l.size(src))
	cb.barrier(tmp, 0, driver.StateCopyDest, driver.StateCopySource)
	cb.copyRows(readback.mem, dst.Offset, l.bytesPerRow, l.rowsPerImage, tmp, 0, pitch, l.rows, l)
	return nil
}

// DownloadFromBuffer copies a buffer range into a download buffer.
func (cp *CopyPass) DownloadFromBuffer(src BufferRegion, dst TransferBufferLocation) error {
	const op = "DownloadFromBuffer"
	cb := cp.cb
	if err := cb.checkPass(op, passCopy); err != nil {
		return err
	}
	if err := cb.r.checkBuffer(op, src.Buffer, anyBufferUsage); err != nil {
		return err
	}
	if dst.TransferBuffer == nil || src.Offset+src.Size > src.Buffer.info.Size || dst.Offset+src.Size > dst.TransferBuffer.info.Size {
		return cb.r.invalidf("%s: %d bytes do not fit source or destination", op, src.Size)
	}
	readback, err := cp.transfer(op, dst.TransferBuffer, TransferBufferDownload)
	if err != nil {
		return err
	}
	p := cb.bufferRead(src.Buffer, driver.StateCopySource)
	cb.list.CopyBuffer(readback.mem, dst.Offset, p.mem, src.Offset, src.Size)
	cb.restoreBuffer(src.Buffer, p, driver.StateCopySource)
	return nil
}
