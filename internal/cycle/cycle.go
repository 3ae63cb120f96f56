// Package cycle implements resource containers: a logical resource backed by
// one or more interchangeable physical instances, so that a write can move to
// an idle instance instead of waiting for the GPU to finish reading the
// current one.
package cycle

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// ErrReleased is returned by PrepareForWrite after Release.
var ErrReleased = errors.New("cycle: container released")

// RefCount counts the in-flight command buffers that reference a physical
// resource. The zero value is ready to use.
type RefCount struct {
	n atomic.Int32
}

// Retain adds one reference.
func (r *RefCount) Retain() { r.n.Add(1) }

// Release drops one reference and returns the new count. Dropping below
// zero panics: it means a reference was released twice.
func (r *RefCount) Release() int32 {
	n := r.n.Add(-1)
	if n < 0 {
		panic("cycle: reference count released below zero")
	}
	return n
}

// Refs returns the current count.
func (r *RefCount) Refs() int32 { return r.n.Load() }

// Tracked is anything a command buffer can hold a reference to.
type Tracked interface {
	Retain()
	Release() int32
	Refs() int32
}

// Container owns the physical instances of one logical resource.
//
// Exactly one instance is active; the active instance is what reads and
// writes address. Instances are never removed before Release.
type Container[T Tracked] struct {
	mu        sync.Mutex
	instances []T
	active    int
	canCycle  bool
	alloc     func() (T, error)
	released  bool
}

// New returns a container whose only instance is first. alloc creates
// additional instances with the same creation parameters; it is only called
// when canCycle is true.
func New[T Tracked](first T, canCycle bool, alloc func() (T, error)) *Container[T] {
	return &Container[T]{
		instances: []T{first},
		canCycle:  canCycle,
		alloc:     alloc,
	}
}

// Active returns the active instance.
func (c *Container[T]) Active() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instances[c.active]
}

// CanCycle reports whether the container may hold more than one instance.
func (c *Container[T]) CanCycle() bool { return c.canCycle }

// Len returns the number of instances.
func (c *Container[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.instances)
}

// Instances returns a copy of the instance list in creation order.
func (c *Container[T]) Instances() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.instances...)
}

// PrepareForWrite returns the instance a write should target.
//
// Without cycle, when the container cannot cycle, or when the active
// instance is idle, the active instance is written in place. Otherwise the
// first idle instance becomes active, and when every instance is referenced a
// fresh one is allocated, appended and activated. cycled reports whether the
// active instance changed.
//
// A non-nil retain is called with the chosen instance before the container
// lock is dropped, so a concurrent cycling write never picks the same idle
// instance.
func (c *Container[T]) PrepareForWrite(cycle bool, retain func(T)) (inst T, cycled bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return inst, false, ErrReleased
	}
	inst = c.instances[c.active]
	if cycle && c.canCycle && inst.Refs() > 0 {
		inst, cycled, err = c.cycleLocked()
		if err != nil {
			return inst, false, err
		}
	}
	if retain != nil {
		retain(inst)
	}
	return inst, cycled, nil
}

// cycleLocked activates the first idle instance or a fresh one. c.mu must
// be held.
func (c *Container[T]) cycleLocked() (T, bool, error) {
	for i, candidate := range c.instances {
		if candidate.Refs() == 0 {
			c.active = i
			return candidate, true, nil
		}
	}
	fresh, err := c.alloc()
	if err != nil {
		var zero T
		return zero, false, errors.Wrap(err, "cycle: allocate instance")
	}
	c.instances = append(c.instances, fresh)
	c.active = len(c.instances) - 1
	return fresh, true, nil
}

// Release marks the container released and hands back every instance. The
// caller decides, per instance, whether to destroy it now or defer.
// Releasing twice returns nil.
func (c *Container[T]) Release() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil
	}
	c.released = true
	out := c.instances
	c.instances = []T{out[c.active]}
	c.active = 0
	return out
}

// Released reports whether Release was called.
func (c *Container[T]) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}
