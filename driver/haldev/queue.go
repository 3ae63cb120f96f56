package haldev

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpures/driver"
)

// fence is a driver fence over hal submission indices. hal completes
// submissions in index order, so a signalled value is reached once
// PollCompleted passes the index recorded for it.
type fence struct {
	reached uint64
	pending []signal
}

// signal records the submission a fence value waits on.
type signal struct {
	value uint64
	index uint64
}

// advance folds every signal completed by index c into f.reached.
// d.mu must be held.
func (f *fence) advance(c uint64) {
	keep := f.pending[:0]
	for _, s := range f.pending {
		if s.index <= c {
			f.reached = max(f.reached, s.value)
			continue
		}
		keep = append(keep, s)
	}
	clear(f.pending[len(keep):])
	f.pending = keep
}

type queue struct {
	dev *Device
}

// Queue implements driver.Device.
func (d *Device) Queue() driver.Queue { return queue{dev: d} }

// Execute implements driver.Queue. The lists' command buffers are held until
// the next Signal submits them.
func (q queue) Execute(lists []driver.CommandList) error {
	d := q.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed != nil {
		return d.removed
	}
	for _, dl := range lists {
		l := dl.(*CommandList)
		if l.open || l.buf == nil {
			return errors.New("haldev: command list executed while open")
		}
		d.batch = append(d.batch, l.buf)
		l.buf = nil
	}
	return nil
}

// Signal implements driver.Queue. The pending batch is submitted and the
// fence value is tied to its submission index. A signal with nothing
// batched waits on the latest submission instead.
func (q queue) Signal(df driver.Fence, value uint64) error {
	d := q.dev
	f := df.(*fence)
	d.mu.Lock()
	if d.removed != nil {
		d.mu.Unlock()
		return d.removed
	}
	bufs := d.batch
	d.batch = nil
	d.mu.Unlock()

	var index uint64
	if len(bufs) > 0 {
		var err error
		index, err = d.queue.Submit(bufs)
		if err != nil {
			d.free(bufs)
			return d.lose(err, "submit")
		}
		d.log.Debug("haldev: submitted", "command buffers", len(bufs), "index", index, "value", value)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(bufs) > 0 {
		d.submitted = max(d.submitted, index)
		d.inflight = append(d.inflight, submission{index: index, bufs: bufs})
	} else {
		index = d.submitted
	}
	f.pending = append(f.pending, signal{value: value, index: index})
	return nil
}

// CreateFence implements driver.Device.
func (d *Device) CreateFence() (driver.Fence, error) {
	return &fence{}, nil
}

// DestroyFence implements driver.Device. Submissions stay tracked by the
// queue, so nothing is released here.
func (d *Device) DestroyFence(df driver.Fence) {
	f := df.(*fence)
	d.mu.Lock()
	f.pending = nil
	d.mu.Unlock()
}

// ResetFence implements driver.Device. The fence returns to value zero.
func (d *Device) ResetFence(df driver.Fence) error {
	f := df.(*fence)
	d.mu.Lock()
	defer d.mu.Unlock()
	f.reached = 0
	f.pending = nil
	return nil
}

// FenceReached implements driver.Device.
func (d *Device) FenceReached(df driver.Fence, value uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed != nil {
		return true
	}
	f := df.(*fence)
	f.advance(d.pollLocked())
	return f.reached >= value
}

// WaitFences implements driver.Device. hal offers no blocking wait on a
// submission index, so the queue is polled.
func (d *Device) WaitFences(fences []driver.Fence, value uint64, waitAll bool, t time.Duration) (bool, error) {
	var deadline time.Time
	if t >= 0 {
		deadline = time.Now().Add(t)
	}
	for {
		done, err := d.fencesReached(fences, value, waitAll)
		if err != nil || done {
			return done, err
		}
		if t >= 0 && !time.Now().Before(deadline) {
			return false, nil
		}
		time.Sleep(pollInterval)
	}
}

// fencesReached reports whether all (or any) of fences reached value.
func (d *Device) fencesReached(fences []driver.Fence, value uint64, waitAll bool) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed != nil {
		return false, d.removed
	}
	if len(fences) == 0 {
		return true, nil
	}
	c := d.pollLocked()
	n := 0
	for _, df := range fences {
		f := df.(*fence)
		f.advance(c)
		if f.reached >= value {
			n++
		}
	}
	if waitAll {
		return n == len(fences), nil
	}
	return n > 0, nil
}

// pollLocked frees the command buffers of completed submissions and
// returns the highest completed index. d.mu must be held.
func (d *Device) pollLocked() uint64 {
	c := d.queue.PollCompleted()
	keep := d.inflight[:0]
	for _, s := range d.inflight {
		if s.index <= c {
			d.free(s.bufs)
			continue
		}
		keep = append(keep, s)
	}
	clear(d.inflight[len(keep):])
	d.inflight = keep
	return c
}

func (d *Device) free(bufs []hal.CommandBuffer) {
	for _, b := range bufs {
		d.dev.FreeCommandBuffer(b)
	}
}
