package gpures

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures/driver"
	"github.com/gogpu/gpures/internal/cycle"
)

// TextureType is the shape of a texture.
type TextureType uint8

const (
	Texture2D TextureType = iota
	Texture2DArray
	TextureCube
	TextureCubeArray
	Texture3D
)

// String returns the texture type name.
func (t TextureType) String() string {
	switch t {
	case Texture2D:
		return "2D"
	case Texture2DArray:
		return "2DArray"
	case TextureCube:
		return "Cube"
	case TextureCubeArray:
		return "CubeArray"
	case Texture3D:
		return "3D"
	default:
		return fmt.Sprintf("TextureType(%d)", t)
	}
}

func (t TextureType) viewDimension() gputypes.TextureViewDimension {
	switch t {
	case Texture2DArray:
		return gputypes.TextureViewDimension2DArray
	case TextureCube:
		return gputypes.TextureViewDimensionCube
	case TextureCubeArray:
		return gputypes.TextureViewDimensionCubeArray
	case Texture3D:
		return gputypes.TextureViewDimension3D
	default:
		return gputypes.TextureViewDimension2D
	}
}

// TextureCreateInfo describes a texture.
type TextureCreateInfo struct {
	Label  string
	Type   TextureType
	Format gputypes.TextureFormat
	// Usage selects the views the texture gets: TextureBinding and
	// StorageBinding a sampled view, RenderAttachment a render-target or
	// depth view per subresource, StorageBinding a read-write view per
	// subresource.
	Usage  gputypes.TextureUsage
	Width  uint32
	Height uint32
	// LayerCountOrDepth is the depth of a 3D texture and the layer count
	// otherwise (6 per cube). Zero means 1.
	LayerCountOrDepth uint32
	// MipLevelCount of zero means 1.
	MipLevelCount uint32
	// SampleCount of zero means 1.
	SampleCount uint32
}

// Texture is a logical texture. Its contents live in one or more physical
// instances; writes that request cycling may switch the active instance.
type Texture struct {
	r      *Renderer
	info   TextureCreateInfo
	format driver.FormatInfo
	c      *cycle.Container[*physicalTexture]
	// state is the default usage state every subresource rests in between
	// commands.
	state driver.ResourceState
	// presentable textures belong to a window's swapchain.
	presentable bool

	nameMu sync.Mutex
	name   string
}

// Info returns the creation parameters.
func (t *Texture) Info() TextureCreateInfo { return t.info }

// Instances returns the number of physical instances backing t.
func (t *Texture) Instances() int { return t.c.Len() }

func (t *Texture) layers() uint32 {
	if t.info.Type == Texture3D {
		return 1
	}
	return t.info.LayerCountOrDepth
}

func (t *Texture) depthAt(level uint32) uint32 {
	if t.info.Type != Texture3D {
		return 1
	}
	return max(t.info.LayerCountOrDepth>>level, 1)
}

// physicalTexture is one native texture backing a Texture.
type physicalTexture struct {
	cycle.RefCount
	tex *Texture
	mem driver.Memory
	// external memory is owned by a surface.
	external bool
	srv      driver.Descriptor
	subs     []textureSubresource
}

// textureSubresource is one mip level of one layer with its views.
type textureSubresource struct {
	index uint32
	layer uint32
	level uint32
	// rtv holds one view per depth slice for 3D textures.
	rtv []driver.Descriptor
	dsv driver.Descriptor
	uav driver.Descriptor
}

// subresource returns the subresource at (layer, level). For 3D textures
// layer is a depth plane and all planes share a subresource.
func (p *physicalTexture) subresource(layer, level uint32) *textureSubresource {
	if p.tex.info.Type == Texture3D {
		layer = 0
	}
	return &p.subs[level+layer*p.tex.info.MipLevelCount]
}

func (p *physicalTexture) dispose() {
	r := p.tex.r
	r.releaseSlot(p.srv)
	for _, s := range p.subs {
		for _, v := range s.rtv {
			r.releaseSlot(v)
		}
		r.releaseSlot(s.dsv)
		r.releaseSlot(s.uav)
	}
	if !p.external {
		r.dev.DestroyMemory(p.mem)
	}
}

// defaultTextureState derives the resting state of a texture from its
// usage. Shader-readable usage wins, so sampling never needs a barrier.
func defaultTextureState(usage gputypes.TextureUsage, depth bool) driver.ResourceState {
	switch {
	case usage&(gputypes.TextureUsageTextureBinding|gputypes.TextureUsageStorageBinding) != 0:
		return driver.StateShaderResource
	case usage&gputypes.TextureUsageRenderAttachment != 0 && depth:
		return driver.StateDepthWrite
	case usage&gputypes.TextureUsageRenderAttachment != 0:
		return driver.StateRenderTarget
	default:
		return driver.StateCommon
	}
}

// CreateTexture creates a texture with one physical instance.
func (r *Renderer) CreateTexture(info TextureCreateInfo) (*Texture, error) {
	if err := r.alive(); err != nil {
		return nil, err
	}
	info.LayerCountOrDepth = max(info.LayerCountOrDepth, 1)
	info.MipLevelCount = max(info.MipLevelCount, 1)
	info.SampleCount = max(info.SampleCount, 1)

	if info.Width == 0 || info.Height == 0 {
		return nil, r.invalidf("CreateTexture %q: size %dx%d must be positive", info.Label, info.Width, info.Height)
	}
	switch info.Type {
	case TextureCube, TextureCubeArray:
		if info.Width != info.Height || info.LayerCountOrDepth%6 != 0 {
			return nil, r.invalidf("CreateTexture %q: cube textures must be square with 6n layers", info.Label)
		}
	}
	if info.SampleCount > 1 && (info.Type != Texture2D || info.MipLevelCount > 1) {
		return nil, r.invalidf("CreateTexture %q: multisampled textures must be 2D with one mip level", info.Label)
	}
	format, ok := r.dev.FormatInfo(info.Format)
	if !ok || !r.dev.FormatSupported(info.Format, info.Usage) {
		return nil, errors.Wrapf(ErrUnsupported, "texture format %v with usage %v", info.Format, info.Usage)
	}
	if info.SampleCount > 1 && !r.dev.SampleCountSupported(info.Format, info.SampleCount) {
		return nil, errors.Wrapf(ErrUnsupported, "%d samples of format %v", info.SampleCount, info.Format)
	}

	t := &Texture{
		r:      r,
		info:   info,
		format: format,
		state:  defaultTextureState(info.Usage, format.Depth),
		name:   info.Label,
	}
	first, err := r.newPhysicalTexture(t)
	if err != nil {
		return nil, err
	}
	t.c = cycle.New(first, true, func() (*physicalTexture, error) {
		p, err := r.newPhysicalTexture(t)
		if err == nil {
			r.log.Debug("gpures: texture cycled to a new instance", "texture", t.label())
		}
		return p, err
	})
	return t, nil
}

func (t *Texture) label() string {
	t.nameMu.Lock()
	defer t.nameMu.Unlock()
	return t.name
}

// newPhysicalTexture allocates memory and views for one instance of t.
func (r *Renderer) newPhysicalTexture(t *Texture) (*physicalTexture, error) {
	info := t.info
	dim := gputypes.TextureDimension2D
	if info.Type == Texture3D {
		dim = gputypes.TextureDimension3D
	}
	mem, err := r.dev.CreateTexture(&driver.TextureDescriptor{
		Label:     t.label(),
		Dimension: dim,
		Size: gputypes.Extent3D{
			Width:              info.Width,
			Height:             info.Height,
			DepthOrArrayLayers: info.LayerCountOrDepth,
		},
		MipLevelCount: info.MipLevelCount,
		SampleCount:   info.SampleCount,
		Format:        info.Format,
		Usage:         info.Usage,
		InitialState:  t.state,
	})
	if err != nil {
		return nil, r.deviceError(err, "create texture")
	}
	p := &physicalTexture{tex: t, mem: mem}
	if err := r.createTextureViews(p); err != nil {
		p.dispose()
		return nil, err
	}
	return p, nil
}

// allocateView takes a staging slot of kind and writes a view of mem into
// it.
func (r *Renderer) allocateView(kind driver.HeapKind, mem driver.Memory, desc *driver.ViewDescriptor) (driver.Descriptor, error) {
	slot, err := r.staging[kind].Allocate()
	if err != nil {
		return driver.Descriptor{}, err
	}
	if err := r.dev.CreateView(mem, desc, slot); err != nil {
		r.releaseSlot(slot)
		return driver.Descriptor{}, r.deviceError(err, "create view")
	}
	return slot, nil
}

func (r *Renderer) createTextureViews(p *physicalTexture) error {
	t := p.tex
	info := t.info
	usage := info.Usage
	var err error

	if usage&(gputypes.TextureUsageTextureBinding|gputypes.TextureUsageStorageBinding) != 0 {
		p.srv, err = r.allocateView(driver.HeapShaderResource, p.mem, &driver.ViewDescriptor{
			Kind:            driver.ViewSampled,
			Format:          info.Format,
			Dimension:       info.Type.viewDimension(),
			MipLevelCount:   info.MipLevelCount,
			ArrayLayerCount: t.layers(),
		})
		if err != nil {
			return err
		}
	}

	perSubDim := gputypes.TextureViewDimension2D
	if t.layers() > 1 {
		perSubDim = gputypes.TextureViewDimension2DArray
	}
	p.subs = make([]textureSubresource, 0, t.layers()*info.MipLevelCount)
	for layer := range t.layers() {
		for level := range info.MipLevelCount {
			p.subs = append(p.subs, textureSubresource{
				index: level + layer*info.MipLevelCount,
				layer: layer,
				level: level,
			})
			sub := &p.subs[len(p.subs)-1]

			if usage&gputypes.TextureUsageRenderAttachment != 0 {
				if t.format.Depth {
					sub.dsv, err = r.allocateView(driver.HeapDepthStencil, p.mem, &driver.ViewDescriptor{
						Kind:            driver.ViewDepthStencil,
						Format:          info.Format,
						Dimension:       perSubDim,
						BaseMipLevel:    level,
						MipLevelCount:   1,
						BaseArrayLayer:  layer,
						ArrayLayerCount: 1,
					})
					if err != nil {
						return err
					}
				} else {
					for slice := range t.depthAt(level) {
						base := layer
						if info.Type == Texture3D {
							base = slice
						}
						v, err := r.allocateView(driver.HeapRenderTarget, p.mem, &driver.ViewDescriptor{
							Kind:            driver.ViewRenderTarget,
							Format:          info.Format,
							Dimension:       perSubDim,
							BaseMipLevel:    level,
							MipLevelCount:   1,
							BaseArrayLayer:  base,
							ArrayLayerCount: 1,
						})
						if err != nil {
							return err
						}
						sub.rtv = append(sub.rtv, v)
					}
				}
			}

			if usage&gputypes.TextureUsageStorageBinding != 0 {
				sub.uav, err = r.allocateView(driver.HeapShaderResource, p.mem, &driver.ViewDescriptor{
					Kind:            driver.ViewStorage,
					Format:          info.Format,
					Dimension:       perSubDim,
					BaseMipLevel:    level,
					MipLevelCount:   1,
					BaseArrayLayer:  layer,
					ArrayLayerCount: 1,
				})
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// ReleaseTexture releases t. Instances still referenced by unfinished
// command buffers are destroyed once the GPU is done with them.
func (r *Renderer) ReleaseTexture(t *Texture) error {
	if t == nil {
		return r.invalidf("ReleaseTexture: nil texture")
	}
	if t.presentable {
		return r.invalidf("ReleaseTexture: swapchain textures are owned by their window")
	}
	instances := t.c.Release()
	items := make([]disposable, len(instances))
	for i, p := range instances {
		items[i] = p
	}
	r.release(items...)
	return nil
}

// SetTextureName sets the debug name of every instance of t, current and
// future.
func (r *Renderer) SetTextureName(t *Texture, name string) {
	t.nameMu.Lock()
	t.name = name
	t.nameMu.Unlock()
	for _, p := range t.c.Instances() {
		r.dev.SetName(p.mem, name)
	}
}

// checkTextureLocation validates a mip level and layer of t.
func (r *Renderer) checkTextureLocation(op string, t *Texture, level, layer uint32) error {
	if t == nil {
		return r.invalidf("%s: nil texture", op)
	}
	if t.c.Released() {
		return r.invalidf("%s: texture %q was released", op, t.label())
	}
	if level >= t.info.MipLevelCount {
		return r.invalidf("%s: mip level %d out of range (texture has %d)", op, level, t.info.MipLevelCount)
	}
	if t.info.Type != Texture3D && layer >= t.info.LayerCountOrDepth {
		return r.invalidf("%s: layer %d out of range (texture has %d)", op, layer, t.info.LayerCountOrDepth)
	}
	if t.info.Type == Texture3D && layer >= t.depthAt(level) {
		return r.invalidf("%s: depth plane %d out of range", op, layer)
	}
	return nil
}
