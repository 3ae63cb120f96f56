// Package uniform provides ring blocks for per-draw shader constants.
//
// A Ring is a persistently mapped upload buffer. Each push copies the data to
// the next aligned offset and leaves that offset as the draw offset, so every
// draw sees the constants pushed before it without the CPU ever overwriting
// bytes an earlier draw still reads.
package uniform

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures/driver"
)

// Alignment is the constant-buffer placement alignment.
const Alignment = 256

// DefaultBlockSize is the size of one ring block.
const DefaultBlockSize = 32 * 1024

// ErrTooLarge is returned when a single push cannot fit in an empty block.
var ErrTooLarge = errors.New("uniform: data larger than a ring block")

// Ring is one uniform block. A ring belongs to at most one command buffer
// between Acquire and Return.
type Ring struct {
	mem  driver.Memory
	data []byte

	writeOffset uint32 // next free byte
	drawOffset  uint32 // start of the data the next draw binds
}

// Push copies data to the next aligned offset and makes it the draw offset.
// It reports false when the block has no room left; the ring is unchanged.
func (r *Ring) Push(data []byte) bool {
	size := alignUp(uint32(len(data)), Alignment)
	if uint64(r.writeOffset)+uint64(size) > uint64(len(r.data)) {
		return false
	}
	copy(r.data[r.writeOffset:], data)
	r.drawOffset = r.writeOffset
	r.writeOffset += size
	return true
}

// Address returns the GPU address of the current draw offset.
func (r *Ring) Address() uint64 { return r.mem.GPUAddress() + uint64(r.drawOffset) }

// DrawOffset returns the offset the next draw binds.
func (r *Ring) DrawOffset() uint32 { return r.drawOffset }

// WriteOffset returns the next free offset.
func (r *Ring) WriteOffset() uint32 { return r.writeOffset }

// Memory returns the backing buffer.
func (r *Ring) Memory() driver.Memory { return r.mem }

func (r *Ring) reset() {
	r.writeOffset = 0
	r.drawOffset = 0
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

// Stats reports ring pool occupancy.
type Stats struct {
	Created   int
	Available int
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("uniform rings: %d created, %d available", s.Created, s.Available)
}

// Pool recycles rings. It grows on demand and never shrinks.
type Pool struct {
	mu        sync.Mutex
	dev       driver.Device
	blockSize uint32
	log       *slog.Logger
	available []*Ring
	all       []*Ring
}

// NewPool returns an empty pool of rings of blockSize bytes. blockSize is
// rounded up to Alignment.
func NewPool(dev driver.Device, blockSize uint32, log *slog.Logger) *Pool {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	return &Pool{dev: dev, blockSize: alignUp(blockSize, Alignment), log: log}
}

// BlockSize returns the size of each ring.
func (p *Pool) BlockSize() uint32 { return p.blockSize }

// Acquire pops an available ring or creates one. The ring's offsets are
// zero.
func (p *Pool) Acquire() (*Ring, error) {
	p.mu.Lock()
	if n := len(p.available); n > 0 {
		r := p.available[n-1]
		p.available = p.available[:n-1]
		p.mu.Unlock()
		r.reset()
		return r, nil
	}
	p.mu.Unlock()

	mem, err := p.dev.CreateBuffer(&driver.BufferDescriptor{
		Label:        "uniform ring",
		Size:         uint64(p.blockSize),
		Usage:        gputypes.BufferUsageUniform | gputypes.BufferUsageMapWrite,
		Heap:         driver.MemoryUpload,
		InitialState: driver.StateGenericRead,
	})
	if err != nil {
		return nil, errors.Wrap(err, "uniform: create ring block")
	}
	data, err := p.dev.Map(mem)
	if err != nil {
		p.dev.DestroyMemory(mem)
		return nil, errors.Wrap(err, "uniform: map ring block")
	}
	r := &Ring{mem: mem, data: data}

	p.mu.Lock()
	p.all = append(p.all, r)
	total := len(p.all)
	p.mu.Unlock()
	p.log.Debug("uniform: ring created", "size", p.blockSize, "total", total)
	return r, nil
}

// Return makes r available again.
func (p *Pool) Return(r *Ring) {
	p.mu.Lock()
	p.available = append(p.available, r)
	p.mu.Unlock()
}

// Stats returns pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Created: len(p.all), Available: len(p.available)}
}

// Destroy unmaps and frees every ring.
func (p *Pool) Destroy() {
	p.mu.Lock()
	all := p.all
	p.all = nil
	p.available = nil
	p.mu.Unlock()
	for _, r := range all {
		p.dev.Unmap(r.mem)
		p.dev.DestroyMemory(r.mem)
	}
}
