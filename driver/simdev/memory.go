package simdev

import (
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures/driver"
)

// subresource locates one mip level of one layer inside texture data.
type subresource struct {
	offset     uint64
	width      uint32
	height     uint32
	depth      uint32
	rowPitch   uint64
	slicePitch uint64
}

type memory struct {
	id        uint64
	name      string
	isBuffer  bool
	heap      driver.MemoryHeap
	size      uint64
	addr      uint64
	data      []byte
	states    []driver.ResourceState
	uses      int // pending timeline items referencing this memory
	mapped    bool
	destroyed bool

	// textures only
	tex   driver.TextureDescriptor
	block uint32
	subs  []subresource
}

func (m *memory) Size() uint64       { return m.size }
func (m *memory) GPUAddress() uint64 { return m.addr }

func (m *memory) String() string {
	if m.name != "" {
		return m.name
	}
	if m.isBuffer {
		return "buffer#" + strconv.FormatUint(m.id, 10)
	}
	return "texture#" + strconv.FormatUint(m.id, 10)
}

func (m *memory) subresourceIndex(mip, layer uint32) uint32 {
	if m.tex.Dimension == gputypes.TextureDimension3D {
		layer = 0
	}
	return mip + layer*max(m.tex.MipLevelCount, 1)
}

// Data returns the current contents of a buffer or texture. Texture data is
// laid out subresource by subresource with tightly packed rows.
func (d *Device) Data(mem driver.Memory) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := mem.(*memory)
	return append([]byte(nil), m.data...)
}

// State returns the tracked state of one subresource.
func (d *Device) State(mem driver.Memory, sub uint32) driver.ResourceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return mem.(*memory).states[sub]
}

// Name returns the debug name set on mem.
func (d *Device) Name(mem driver.Memory) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return mem.(*memory).name
}

func (d *Device) takeAllocFailure() bool {
	if d.failAllocs > 0 {
		d.failAllocs--
		return true
	}
	return false
}

// CreateBuffer implements driver.Device.
func (d *Device) CreateBuffer(desc *driver.BufferDescriptor) (driver.Memory, error) {
	if desc.Size == 0 {
		return nil, errors.New("simdev: buffer size must be positive")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.takeAllocFailure() {
		return nil, errors.Wrapf(driver.ErrOutOfMemory, "buffer %q", desc.Label)
	}
	m := &memory{
		id:       d.newID(),
		name:     desc.Label,
		isBuffer: true,
		heap:     desc.Heap,
		size:     desc.Size,
		addr:     d.nextAddr,
		data:     make([]byte, desc.Size),
		states:   []driver.ResourceState{desc.InitialState},
	}
	// Buffers are placed on 64 KiB boundaries.
	d.nextAddr += (desc.Size + 0xffff) &^ 0xffff
	d.buffers[m] = struct{}{}
	return m, nil
}

// CreateTexture implements driver.Device.
func (d *Device) CreateTexture(desc *driver.TextureDescriptor) (driver.Memory, error) {
	info, ok := formats[desc.Format]
	if !ok {
		return nil, errors.Wrapf(driver.ErrUnsupported, "simdev: texture format %v", desc.Format)
	}
	if desc.Size.Width == 0 || desc.Size.Height == 0 {
		return nil, errors.New("simdev: texture size must be positive")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.takeAllocFailure() {
		return nil, errors.Wrapf(driver.ErrOutOfMemory, "texture %q", desc.Label)
	}

	m := &memory{
		id:    d.newID(),
		name:  desc.Label,
		heap:  driver.MemoryDefault,
		tex:   *desc,
		block: info.BlockSize,
	}
	mips := max(desc.MipLevelCount, 1)
	layers := max(desc.Size.DepthOrArrayLayers, 1)
	depth := uint32(1)
	if desc.Dimension == gputypes.TextureDimension3D {
		depth, layers = layers, 1
	}
	var off uint64
	for layer := uint32(0); layer < layers; layer++ {
		for mip := uint32(0); mip < mips; mip++ {
			s := subresource{
				offset: off,
				width:  max(desc.Size.Width>>mip, 1),
				height: max(desc.Size.Height>>mip, 1),
				depth:  max(depth>>mip, 1),
			}
			s.rowPitch = uint64(s.width) * uint64(info.BlockSize)
			s.slicePitch = s.rowPitch * uint64(s.height)
			off += s.slicePitch * uint64(s.depth)
			m.subs = append(m.subs, s)
		}
	}
	m.size = off
	m.data = make([]byte, off)
	m.states = make([]driver.ResourceState, len(m.subs))
	for i := range m.states {
		m.states[i] = desc.InitialState
	}
	d.textures[m] = struct{}{}
	return m, nil
}

// DestroyMemory implements driver.Device.
func (d *Device) DestroyMemory(mem driver.Memory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := mem.(*memory)
	if m.destroyed {
		d.violationf("%s destroyed twice", m)
		return
	}
	if m.uses > 0 {
		d.violationf("%s destroyed while referenced by %d pending GPU items", m, m.uses)
	}
	m.destroyed = true
	delete(d.buffers, m)
	delete(d.textures, m)
}

// Map implements driver.Device.
func (d *Device) Map(mem driver.Memory) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := mem.(*memory)
	if !m.isBuffer || m.heap == driver.MemoryDefault {
		return nil, errors.Newf("simdev: %s is not mappable", m)
	}
	if m.destroyed {
		d.violationf("%s mapped after destruction", m)
	}
	if m.uses > 0 {
		d.violationf("%s mapped while referenced by %d pending GPU items", m, m.uses)
	}
	m.mapped = true
	return m.data, nil
}

// Unmap implements driver.Device.
func (d *Device) Unmap(mem driver.Memory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mem.(*memory).mapped = false
}

// SetName implements driver.Device.
func (d *Device) SetName(mem driver.Memory, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mem.(*memory).name = name
}

// findBuffer returns the buffer containing GPU address addr. d.mu must be
// held.
func (d *Device) findBuffer(addr uint64) *memory {
	for m := range d.buffers {
		if addr >= m.addr && addr < m.addr+m.size {
			return m
		}
	}
	return nil
}
