package gpures

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/gpures/driver"
	"github.com/gogpu/gpures/internal/descheap"
	"github.com/gogpu/gpures/internal/uniform"
)

// shaderVisibleKinds are the heap kinds command buffers bind.
var shaderVisibleKinds = [...]driver.HeapKind{driver.HeapShaderResource, driver.HeapSampler}

// Renderer owns every resource, pool and claimed window of one device.
//
// A Renderer is safe for concurrent use: several goroutines may each record
// their own command buffer and submit it. A single CommandBuffer, and the
// passes begun on it, must be used by one goroutine at a time.
type Renderer struct {
	dev   driver.Device
	queue driver.Queue
	caps  driver.Capabilities
	opts  options
	log   *slog.Logger

	staging  [driver.HeapKindCount]*descheap.StagingHeap
	gpuHeaps [driver.HeapKindCount]*descheap.Pool
	uniforms *uniform.Pool

	// Command buffer pool. created == available + recording + submitted.
	cbMu      sync.Mutex
	available []*CommandBuffer
	cbCreated int
	recording int

	fenceMu       sync.Mutex
	fencePool     []*Fence
	fencesCreated int

	// submitMu serializes fence issuance, the submitted list, reclaim and
	// idle waits.
	submitMu  sync.Mutex
	submitted []*CommandBuffer

	disposeMu sync.Mutex
	disposals []disposable

	windowMu sync.Mutex
	windows  map[driver.Window]*windowData

	lost      atomic.Bool
	destroyed atomic.Bool
}

// disposable is a physical object whose native destruction waits until no
// command buffer references it.
type disposable interface {
	Refs() int32
	dispose()
}

// New creates a renderer on dev.
func New(dev driver.Device, opts ...Option) (*Renderer, error) {
	if dev == nil {
		return nil, errors.New("gpures: nil device")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		log = Logger()
	}

	r := &Renderer{
		dev:     dev,
		queue:   dev.Queue(),
		caps:    dev.Capabilities(),
		opts:    o,
		log:     log,
		windows: make(map[driver.Window]*windowData),
	}
	if r.caps.TexturePitchAlignment == 0 {
		r.caps.TexturePitchAlignment = 256
	}
	if r.caps.TexturePlacementAlignment == 0 {
		r.caps.TexturePlacementAlignment = 512
	}

	for kind := range driver.HeapKindCount {
		h, err := descheap.NewStagingHeap(dev, kind, o.stagingCapacity[kind], log)
		if err != nil {
			r.destroyHeaps()
			return nil, errors.Wrap(err, "gpures: create staging heaps")
		}
		r.staging[kind] = h
	}
	for _, kind := range shaderVisibleKinds {
		p, err := descheap.NewPool(dev, kind, o.gpuCapacity[kind], log)
		if err != nil {
			r.destroyHeaps()
			return nil, errors.Wrap(err, "gpures: create shader-visible heap pools")
		}
		r.gpuHeaps[kind] = p
	}
	r.uniforms = uniform.NewPool(dev, o.uniformBlockSize, log)

	log.Info("gpures: renderer created",
		"framesInFlight", o.framesInFlight,
		"debug", o.debug,
		"uniformBlockSize", r.uniforms.BlockSize())
	return r, nil
}

func (r *Renderer) destroyHeaps() {
	for _, p := range r.gpuHeaps {
		if p != nil {
			p.Destroy()
		}
	}
	for _, h := range r.staging {
		if h != nil {
			h.Destroy()
		}
	}
}

// Device returns the device the renderer was created on.
func (r *Renderer) Device() driver.Device { return r.dev }

// Destroy waits for the GPU to go idle, unclaims every window and frees all
// pooled objects. Resources the caller never released are not freed.
// Destroy is idempotent.
func (r *Renderer) Destroy() {
	if !r.destroyed.CompareAndSwap(false, true) {
		return
	}
	if err := r.waitIdle(); err != nil {
		r.log.Warn("gpures: wait for idle during destroy failed", "err", err)
		r.submitMu.Lock()
		r.drainLocked()
		r.submitMu.Unlock()
	}

	r.windowMu.Lock()
	windows := r.windows
	r.windows = make(map[driver.Window]*windowData)
	r.windowMu.Unlock()
	for _, wd := range windows {
		r.destroySwapchain(wd)
	}

	r.disposeMu.Lock()
	for _, d := range r.disposals {
		d.dispose()
	}
	r.disposals = nil
	r.disposeMu.Unlock()

	r.cbMu.Lock()
	for _, cb := range r.available {
		r.dev.DestroyCommandList(cb.list)
	}
	if r.recording > 0 {
		r.log.Warn("gpures: renderer destroyed with command buffers still recording", "count", r.recording)
	}
	r.available = nil
	r.cbMu.Unlock()

	r.fenceMu.Lock()
	for _, f := range r.fencePool {
		r.dev.DestroyFence(f.handle)
	}
	r.fencePool = nil
	r.fenceMu.Unlock()

	r.uniforms.Destroy()
	r.destroyHeaps()
	r.log.Info("gpures: renderer destroyed")
}

// release destroys each object now when nothing references it and defers
// it otherwise.
func (r *Renderer) release(items ...disposable) {
	var deferred int
	r.disposeMu.Lock()
	for _, d := range items {
		if d.Refs() == 0 {
			d.dispose()
			continue
		}
		r.disposals = append(r.disposals, d)
		deferred++
	}
	r.disposeMu.Unlock()
	if deferred > 0 {
		r.log.Warn("gpures: release deferred until the GPU is done", "objects", deferred)
	}
}

// disposePending destroys deferred objects that are no longer referenced.
func (r *Renderer) disposePending() {
	r.disposeMu.Lock()
	defer r.disposeMu.Unlock()
	kept := r.disposals[:0]
	for _, d := range r.disposals {
		if d.Refs() == 0 {
			d.dispose()
		} else {
			kept = append(kept, d)
		}
	}
	clear(r.disposals[len(kept):])
	r.disposals = kept
}

// releaseSlot returns a staging descriptor; invalid descriptors are
// ignored.
func (r *Renderer) releaseSlot(d driver.Descriptor) {
	if !d.Valid() {
		return
	}
	kind := d.Heap.Kind()
	if err := r.staging[kind].Release(d); err != nil {
		r.log.Error("gpures: release descriptor", "kind", kind.String(), "err", err)
	}
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	CommandBuffersCreated   int
	CommandBuffersAvailable int
	CommandBuffersRecording int
	CommandBuffersSubmitted int

	FencesCreated   int
	FencesAvailable int

	ShaderResourceHeaps descheap.PoolStats
	SamplerHeaps        descheap.PoolStats
	UniformRings        uniform.Stats

	// StagingSlotsInUse is indexed by driver.HeapKind.
	StagingSlotsInUse [driver.HeapKindCount]uint32

	PendingDisposals int
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("command buffers: %d created (%d available, %d recording, %d submitted); "+
		"fences: %d created, %d available; shader-resource %v; sampler %v; %v; pending disposals: %d",
		s.CommandBuffersCreated, s.CommandBuffersAvailable, s.CommandBuffersRecording, s.CommandBuffersSubmitted,
		s.FencesCreated, s.FencesAvailable, s.ShaderResourceHeaps, s.SamplerHeaps, s.UniformRings,
		s.PendingDisposals)
}

// Stats returns a snapshot of pool occupancy.
func (r *Renderer) Stats() Stats {
	var s Stats

	r.submitMu.Lock()
	s.CommandBuffersSubmitted = len(r.submitted)
	r.cbMu.Lock()
	s.CommandBuffersCreated = r.cbCreated
	s.CommandBuffersAvailable = len(r.available)
	s.CommandBuffersRecording = r.recording
	r.cbMu.Unlock()
	r.submitMu.Unlock()

	r.fenceMu.Lock()
	s.FencesCreated = r.fencesCreated
	s.FencesAvailable = len(r.fencePool)
	r.fenceMu.Unlock()

	s.ShaderResourceHeaps = r.gpuHeaps[driver.HeapShaderResource].Stats()
	s.SamplerHeaps = r.gpuHeaps[driver.HeapSampler].Stats()
	s.UniformRings = r.uniforms.Stats()
	for kind, h := range r.staging {
		s.StagingSlotsInUse[kind] = h.InUse()
	}

	r.disposeMu.Lock()
	s.PendingDisposals = len(r.disposals)
	r.disposeMu.Unlock()
	return s
}
