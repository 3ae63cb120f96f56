package gpures

import (
	"sync/atomic"

	"github.com/gogpu/gpures/driver"
	"github.com/gogpu/gpures/internal/cycle"
)

// SamplerCreateInfo describes a sampler.
type SamplerCreateInfo = driver.SamplerDescriptor

// Sampler is a sampler view held in a staging sampler slot.
type Sampler struct {
	cycle.RefCount
	r        *Renderer
	slot     driver.Descriptor
	released atomic.Bool
}

func (s *Sampler) dispose() { s.r.releaseSlot(s.slot) }

// CreateSampler writes a sampler into a fresh staging slot.
func (r *Renderer) CreateSampler(info SamplerCreateInfo) (*Sampler, error) {
	if err := r.alive(); err != nil {
		return nil, err
	}
	if info.MaxAnisotropy > 16 {
		return nil, r.invalidf("CreateSampler: anisotropy %d exceeds 16", info.MaxAnisotropy)
	}
	slot, err := r.staging[driver.HeapSampler].Allocate()
	if err != nil {
		return nil, err
	}
	if err := r.dev.CreateSampler(&info, slot); err != nil {
		r.releaseSlot(slot)
		return nil, r.deviceError(err, "create sampler")
	}
	return &Sampler{r: r, slot: slot}, nil
}

// ReleaseSampler frees the sampler's slot once no command buffer uses it.
func (r *Renderer) ReleaseSampler(s *Sampler) error {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return r.invalidf("ReleaseSampler: sampler released twice")
	}
	r.release(s)
	return nil
}
