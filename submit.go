package gpures

import (
	"github.com/gogpu/gpures/driver"
)

// Submit closes cb, queues it for execution and presents every swapchain
// texture acquired on it. cb must not be used afterwards; it returns to the
// pool once the GPU has finished it.
func (r *Renderer) Submit(cb *CommandBuffer) error {
	_, err := r.submit(cb, false)
	return err
}

// SubmitAndAcquireFence is Submit that also returns a fence signaled when
// cb completes. The caller owns one reference and must give it up with
// ReleaseFence.
func (r *Renderer) SubmitAndAcquireFence(cb *CommandBuffer) (*Fence, error) {
	return r.submit(cb, true)
}

func (r *Renderer) submit(cb *CommandBuffer, acquire bool) (*Fence, error) {
	const op = "Submit"
	if cb.state != cbRecording {
		return nil, r.invalidf("%s: command buffer is %s, not recording", op, cb.state)
	}
	if cb.pass != passNone {
		return nil, r.invalidf("%s: %s pass still open", op, cb.pass)
	}
	if cb.debugDepth != 0 {
		return nil, r.invalidf("%s: %d debug groups still open", op, cb.debugDepth)
	}
	if err := r.alive(); err != nil {
		r.clean(cb)
		return nil, err
	}

	for _, pr := range cb.presents {
		p := pr.texture.c.Active()
		cb.barrier(p.mem, p.subresource(0, 0).index, pr.texture.state, driver.StatePresent)
	}
	if err := cb.list.Close(); err != nil {
		r.clean(cb)
		return nil, r.deviceError(err, "close command list")
	}
	f, err := r.acquireFence()
	if err != nil {
		r.clean(cb)
		return nil, err
	}
	cb.fence = f

	r.submitMu.Lock()
	if err := r.queue.Execute([]driver.CommandList{cb.list}); err != nil {
		r.submitMu.Unlock()
		r.clean(cb)
		return nil, r.deviceError(err, "execute command list")
	}
	r.cbMu.Lock()
	r.recording--
	cb.state = cbSubmitted
	r.cbMu.Unlock()
	r.submitted = append(r.submitted, cb)

	if err = r.queue.Signal(f.handle, 1); err != nil {
		err = r.deviceError(err, "signal fence")
	}
	for _, pr := range cb.presents {
		if perr := r.present(pr.wd, f); perr != nil && err == nil {
			err = perr
		}
	}
	var out *Fence
	if acquire && err == nil {
		f.Retain()
		out = f
	}
	r.reclaimLocked()
	r.submitMu.Unlock()

	r.disposePending()
	return out, err
}

// reclaimLocked cleans every submitted command buffer whose fence has
// signaled. r.submitMu must be held.
func (r *Renderer) reclaimLocked() {
	kept := r.submitted[:0]
	for _, cb := range r.submitted {
		if r.dev.FenceReached(cb.fence.handle, 1) {
			r.clean(cb)
			continue
		}
		kept = append(kept, cb)
	}
	clear(r.submitted[len(kept):])
	r.submitted = kept
}

// waitIdleLocked blocks until all queued work completes and cleans every
// submitted command buffer. When the wait fails on a live device the
// submitted list is left alone: its work may still be running. A lost
// device never completes it, so the list is drained then. r.submitMu must
// be held.
func (r *Renderer) waitIdleLocked() error {
	var err error
	if len(r.submitted) > 0 && !r.lost.Load() {
		err = r.signalAndWait()
	}
	if err != nil && !r.lost.Load() {
		return err
	}
	r.drainLocked()
	return err
}

// drainLocked cleans every submitted command buffer whether or not its
// fence signaled. r.submitMu must be held.
func (r *Renderer) drainLocked() {
	for _, cb := range r.submitted {
		r.clean(cb)
	}
	clear(r.submitted)
	r.submitted = r.submitted[:0]
}

// signalAndWait queues a fresh fence signal behind all submitted work and
// blocks on it.
func (r *Renderer) signalAndWait() error {
	f, err := r.acquireFence()
	if err != nil {
		return err
	}
	defer r.releaseFence(f)
	if err := r.queue.Signal(f.handle, 1); err != nil {
		return r.deviceError(err, "signal idle fence")
	}
	if _, err := r.dev.WaitFences([]driver.Fence{f.handle}, 1, true, WaitForever); err != nil {
		return r.deviceError(err, "wait for idle")
	}
	return nil
}

func (r *Renderer) waitIdle() error {
	r.submitMu.Lock()
	err := r.waitIdleLocked()
	r.submitMu.Unlock()
	r.disposePending()
	return err
}

// WaitForIdle blocks until the GPU has finished all submitted work, then
// returns every command buffer to the pool and destroys released resources
// nothing references any more.
func (r *Renderer) WaitForIdle() error {
	if r.destroyed.Load() {
		return ErrDestroyed
	}
	return r.waitIdle()
}
