package gpures

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/gpures/driver"
	"github.com/gogpu/gpures/internal/cycle"
)

// WaitForever makes WaitForFences block until the condition holds.
const WaitForever = driver.WaitForever

// Fence tracks the completion of one submission. Fences are pooled: a fence
// the caller acquired with SubmitAndAcquireFence stays valid until
// ReleaseFence.
type Fence struct {
	cycle.RefCount
	handle driver.Fence
}

// acquireFence returns a reset fence holding one reference.
func (r *Renderer) acquireFence() (*Fence, error) {
	r.fenceMu.Lock()
	if n := len(r.fencePool); n > 0 {
		f := r.fencePool[n-1]
		r.fencePool = r.fencePool[:n-1]
		r.fenceMu.Unlock()
		f.Retain()
		return f, nil
	}
	r.fenceMu.Unlock()

	h, err := r.dev.CreateFence()
	if err != nil {
		return nil, r.deviceError(err, "create fence")
	}
	f := &Fence{handle: h}
	f.Retain()

	r.fenceMu.Lock()
	r.fencesCreated++
	r.fenceMu.Unlock()
	return f, nil
}

// releaseFence drops one reference and returns f to the pool once nothing
// holds it.
func (r *Renderer) releaseFence(f *Fence) {
	if f.Release() > 0 {
		return
	}
	if err := r.dev.ResetFence(f.handle); err != nil {
		r.log.Error("gpures: reset fence", "err", err)
	}
	r.fenceMu.Lock()
	r.fencePool = append(r.fencePool, f)
	r.fenceMu.Unlock()
}

// QueryFence reports whether the submission f tracks has completed. It
// never blocks.
func (r *Renderer) QueryFence(f *Fence) bool {
	return r.dev.FenceReached(f.handle, 1)
}

// WaitForFences blocks until all (waitAll) or any of fences signal, or until
// timeout elapses. Pass WaitForever to wait without limit. ErrTimeout is
// returned when the timeout elapses first.
func (r *Renderer) WaitForFences(waitAll bool, timeout time.Duration, fences ...*Fence) error {
	if len(fences) == 0 {
		return nil
	}
	handles := make([]driver.Fence, len(fences))
	for i, f := range fences {
		if f == nil || f.Refs() <= 0 {
			return r.invalidf("WaitForFences: fence %d is not held", i)
		}
		handles[i] = f.handle
	}
	ok, err := r.dev.WaitFences(handles, 1, waitAll, timeout)
	if err != nil {
		return r.deviceError(err, "wait for fences")
	}
	if !ok {
		return errors.Wrapf(ErrTimeout, "after %v", timeout)
	}

	r.submitMu.Lock()
	r.reclaimLocked()
	r.submitMu.Unlock()
	r.disposePending()
	return nil
}

// ReleaseFence gives up the caller's reference to f.
func (r *Renderer) ReleaseFence(f *Fence) error {
	if f == nil || f.Refs() <= 0 {
		return r.invalidf("ReleaseFence: fence released more often than acquired")
	}
	r.releaseFence(f)
	return nil
}
