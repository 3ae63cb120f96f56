// Package descheap allocates descriptor slots.
//
// Staging heaps are CPU-only tables that hold the long-lived views of every
// texture, buffer and sampler. Shader-visible heaps are what command lists
// bind; a command buffer checks one out per kind, bump-allocates contiguous
// tables from it while recording and hands it back on reclaim.
package descheap

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/gpures/driver"
)

var (
	// ErrHeapFull is returned when a staging heap has no free slot left.
	ErrHeapFull = errors.New("descheap: descriptor heap full")

	// ErrSlotNotLive is returned when releasing a slot that is not
	// allocated from the heap.
	ErrSlotNotLive = errors.New("descheap: slot is not allocated")
)

// StagingHeap hands out single descriptor slots. Released slots are reused
// before the bump pointer advances.
type StagingHeap struct {
	mu   sync.Mutex
	dev  driver.Device
	heap driver.DescriptorHeap
	kind driver.HeapKind
	log  *slog.Logger

	capacity uint32
	next     uint32   // bump pointer
	free     []uint32 // released indices, reused LIFO
	live     []bool
	inUse    uint32
}

// NewStagingHeap creates a CPU-only heap of capacity slots.
func NewStagingHeap(dev driver.Device, kind driver.HeapKind, capacity uint32, log *slog.Logger) (*StagingHeap, error) {
	if capacity == 0 {
		return nil, errors.Newf("descheap: %s staging heap capacity must be positive", kind)
	}
	h, err := dev.CreateDescriptorHeap(kind, capacity, false)
	if err != nil {
		return nil, errors.Wrapf(err, "descheap: create %s staging heap", kind)
	}
	return &StagingHeap{
		dev:      dev,
		heap:     h,
		kind:     kind,
		log:      log,
		capacity: capacity,
		live:     make([]bool, capacity),
	}, nil
}

// Allocate returns an unused slot.
func (s *StagingHeap) Allocate() (driver.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var index uint32
	switch {
	case len(s.free) > 0:
		index = s.free[len(s.free)-1]
		s.free = s.free[:len(s.free)-1]
	case s.next < s.capacity:
		index = s.next
		s.next++
	default:
		s.log.Error("descheap: staging heap exhausted",
			"kind", s.kind.String(), "capacity", s.capacity)
		return driver.Descriptor{}, errors.Wrapf(ErrHeapFull, "%s heap, capacity %d", s.kind, s.capacity)
	}
	s.live[index] = true
	s.inUse++
	return driver.Descriptor{Heap: s.heap, Index: index}, nil
}

// Release returns d to the free list. The view stored in the slot is left
// as is until the slot is written again.
func (s *StagingHeap) Release(d driver.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.Heap != s.heap || d.Index >= s.capacity || !s.live[d.Index] {
		return errors.Wrapf(ErrSlotNotLive, "%s heap slot %d", s.kind, d.Index)
	}
	s.live[d.Index] = false
	s.inUse--
	s.free = append(s.free, d.Index)
	return nil
}

// Kind returns the heap kind.
func (s *StagingHeap) Kind() driver.HeapKind { return s.kind }

// InUse returns the number of allocated slots.
func (s *StagingHeap) InUse() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

// Destroy releases the native heap.
func (s *StagingHeap) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap == nil {
		return
	}
	s.dev.DestroyDescriptorHeap(s.heap)
	s.heap = nil
}

// GPUHeap is a shader-visible heap checked out by one command buffer at a
// time. Slots are bump allocated and all reclaimed at once by Reset.
type GPUHeap struct {
	heap     driver.DescriptorHeap
	capacity uint32
	next     uint32
}

// Heap returns the native heap for binding.
func (g *GPUHeap) Heap() driver.DescriptorHeap { return g.heap }

// Allocate reserves n contiguous slots and returns the first. It reports
// false when fewer than n slots remain.
func (g *GPUHeap) Allocate(n uint32) (driver.Descriptor, bool) {
	if n > g.capacity-g.next {
		return driver.Descriptor{}, false
	}
	d := driver.Descriptor{Heap: g.heap, Index: g.next}
	g.next += n
	return d, true
}

// Used returns the number of allocated slots.
func (g *GPUHeap) Used() uint32 { return g.next }

// Reset makes every slot available again.
func (g *GPUHeap) Reset() { g.next = 0 }

// PoolStats reports shader-visible heap pool occupancy.
type PoolStats struct {
	Created   int
	Available int
}

// String returns a human-readable summary.
func (s PoolStats) String() string {
	return fmt.Sprintf("heaps: %d created, %d available", s.Created, s.Available)
}

// Pool recycles shader-visible heaps of one kind. It grows on demand and
// never shrinks.
type Pool struct {
	mu        sync.Mutex
	dev       driver.Device
	kind      driver.HeapKind
	capacity  uint32
	log       *slog.Logger
	available []*GPUHeap
	all       []*GPUHeap
}

// NewPool creates an empty pool of shader-visible heaps with capacity slots
// each.
func NewPool(dev driver.Device, kind driver.HeapKind, capacity uint32, log *slog.Logger) (*Pool, error) {
	if !kind.CanBeShaderVisible() {
		return nil, errors.Newf("descheap: %s heaps cannot be shader visible", kind)
	}
	if capacity == 0 {
		return nil, errors.Newf("descheap: %s heap capacity must be positive", kind)
	}
	return &Pool{dev: dev, kind: kind, capacity: capacity, log: log}, nil
}

// Acquire pops an available heap or creates a new one.
func (p *Pool) Acquire() (*GPUHeap, error) {
	p.mu.Lock()
	if n := len(p.available); n > 0 {
		h := p.available[n-1]
		p.available = p.available[:n-1]
		p.mu.Unlock()
		return h, nil
	}
	p.mu.Unlock()

	native, err := p.dev.CreateDescriptorHeap(p.kind, p.capacity, true)
	if err != nil {
		return nil, errors.Wrapf(err, "descheap: create shader-visible %s heap", p.kind)
	}
	h := &GPUHeap{heap: native, capacity: p.capacity}

	p.mu.Lock()
	p.all = append(p.all, h)
	total := len(p.all)
	p.mu.Unlock()
	p.log.Debug("descheap: shader-visible heap created",
		"kind", p.kind.String(), "capacity", p.capacity, "total", total)
	return h, nil
}

// Return resets h and makes it available.
func (p *Pool) Return(h *GPUHeap) {
	h.Reset()
	p.mu.Lock()
	p.available = append(p.available, h)
	p.mu.Unlock()
}

// Stats returns the pool occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Created: len(p.all), Available: len(p.available)}
}

// Destroy releases every heap the pool created.
func (p *Pool) Destroy() {
	p.mu.Lock()
	all := p.all
	p.all = nil
	p.available = nil
	p.mu.Unlock()
	for _, h := range all {
		p.dev.DestroyDescriptorHeap(h.heap)
	}
}
