package simdev

import (
	"slices"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/gpures/driver"
)

// workItem is one entry on the simulated GPU timeline: either an executed
// command list or a fence signal.
type workItem struct {
	list  *CommandList
	cmds  []Command
	refs  []*memory
	fence *fence
	value uint64
	due   time.Time
}

type fence struct {
	id        uint64
	value     uint64
	destroyed bool
}

type queue struct {
	dev *Device
}

// Queue implements driver.Device.
func (d *Device) Queue() driver.Queue { return d.queue }

// Execute implements driver.Queue. State transitions and resource
// references are validated here, in submission order.
func (q *queue) Execute(lists []driver.CommandList) error {
	d := q.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed != nil {
		return d.removed
	}
	for _, dl := range lists {
		l := dl.(*CommandList)
		if l.destroyed {
			return errors.Newf("simdev: command list %d executed after destruction", l.id)
		}
		if !l.closed {
			return errors.Newf("simdev: command list %d executed while open", l.id)
		}
		refs := d.validate(l)
		for _, m := range refs {
			m.uses++
		}
		l.pending++
		cmds := append([]Command(nil), l.cmds...)
		if d.opts.RecordCommands {
			d.history = append(d.history, cmds...)
		}
		d.pending = append(d.pending, workItem{
			list: l,
			cmds: cmds,
			refs: refs,
			due:  time.Now().Add(d.opts.Latency),
		})
		d.stats.Executed++
	}
	d.cond.Broadcast()
	return nil
}

// Signal implements driver.Queue.
func (q *queue) Signal(df driver.Fence, value uint64) error {
	d := q.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed != nil {
		return d.removed
	}
	f := df.(*fence)
	if f.destroyed {
		return errors.Newf("simdev: signal of destroyed fence %d", f.id)
	}
	d.pending = append(d.pending, workItem{fence: f, value: value, due: time.Now().Add(d.opts.Latency)})
	d.stats.Signals++
	d.cond.Broadcast()
	return nil
}

// Pending returns the number of queued timeline items.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Retire completes up to n queued items in order and returns how many
// completed.
func (d *Device) Retire(n int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	done := 0
	for ; done < n && len(d.pending) > 0; done++ {
		d.retireOne()
	}
	return done
}

// RetireAll completes every queued item.
func (d *Device) RetireAll() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	done := 0
	for ; len(d.pending) > 0; done++ {
		d.retireOne()
	}
	return done
}

// RetireSignals completes queued items up to and including the n-th fence
// signal and returns how many signals completed.
func (d *Device) RetireSignals(n int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	signals := 0
	for signals < n && len(d.pending) > 0 {
		if d.pending[0].fence != nil {
			signals++
		}
		d.retireOne()
	}
	return signals
}

// retireOne completes the head of the timeline. d.mu must be held.
func (d *Device) retireOne() {
	it := d.pending[0]
	d.pending[0] = workItem{}
	d.pending = d.pending[1:]

	if it.list != nil {
		for _, c := range it.cmds {
			d.perform(c)
		}
		for _, m := range it.refs {
			m.uses--
		}
		it.list.pending--
	} else {
		it.fence.value = it.value
	}
	d.stats.Retired++
	d.cond.Broadcast()
}

// run is the background timeline used with Options.AutoRetire.
func (d *Device) run() {
	defer d.worker.Done()
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		for len(d.pending) == 0 && !d.closing {
			d.cond.Wait()
		}
		if d.closing {
			return
		}
		if wait := time.Until(d.pending[0].due); wait > 0 {
			d.mu.Unlock()
			time.Sleep(wait)
			d.mu.Lock()
			continue
		}
		d.retireOne()
	}
}

// CreateFence implements driver.Device.
func (d *Device) CreateFence() (driver.Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := &fence{id: d.newID()}
	d.fences[f] = struct{}{}
	return f, nil
}

// hasPendingSignal reports whether a queued item will signal f. d.mu must
// be held.
func (d *Device) hasPendingSignal(f *fence) bool {
	return slices.ContainsFunc(d.pending, func(it workItem) bool { return it.fence == f })
}

// DestroyFence implements driver.Device.
func (d *Device) DestroyFence(df driver.Fence) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := df.(*fence)
	if f.destroyed {
		d.violationf("fence %d destroyed twice", f.id)
		return
	}
	if d.hasPendingSignal(f) {
		d.violationf("fence %d destroyed with a signal pending", f.id)
	}
	f.destroyed = true
	delete(d.fences, f)
}

// ResetFence implements driver.Device.
func (d *Device) ResetFence(df driver.Fence) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := df.(*fence)
	if d.hasPendingSignal(f) {
		d.violationf("fence %d reset with a signal pending", f.id)
	}
	f.value = 0
	return nil
}

// FenceReached implements driver.Device. After device removal every fence
// reads as reached so that no wait hangs.
func (d *Device) FenceReached(df driver.Fence, value uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removed != nil || df.(*fence).value >= value
}

// WaitFences implements driver.Device. Without AutoRetire a blocking wait
// drives the timeline forward itself.
func (d *Device) WaitFences(fences []driver.Fence, value uint64, waitAll bool, timeout time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	met := func() bool {
		reached := 0
		for _, f := range fences {
			if f.(*fence).value >= value {
				reached++
			}
		}
		if waitAll {
			return reached == len(fences)
		}
		return reached > 0 || len(fences) == 0
	}

	if met() {
		return true, nil
	}
	if d.removed != nil {
		return false, d.removed
	}
	if timeout == 0 {
		return false, nil
	}
	d.stats.BlockingWaits++

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		timer := time.AfterFunc(timeout, func() {
			d.mu.Lock()
			d.cond.Broadcast()
			d.mu.Unlock()
		})
		defer timer.Stop()
	}

	for !met() {
		if d.removed != nil {
			return false, d.removed
		}
		if timeout > 0 && !time.Now().Before(deadline) {
			return false, nil
		}
		if len(d.pending) == 0 {
			return false, ErrWouldDeadlock
		}
		if !d.opts.AutoRetire {
			d.retireOne()
			continue
		}
		d.cond.Wait()
	}
	return true, nil
}
