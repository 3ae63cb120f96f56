// Package simdev is an in-process simulation of a graphics device.
//
// Work submitted to the queue runs on a simulated GPU timeline. By default
// the timeline only advances when a test calls Retire or RetireAll, or when a
// blocking fence wait needs it to; with Options.AutoRetire a background
// goroutine completes work after Options.Latency. Buffer and texture contents
// are real byte slices, so copies can be checked end to end.
//
// The device validates what a native debug layer would: resource state
// transitions, copy and render-target states, destruction of memory still
// referenced by pending work, CPU mapping of memory the GPU may still read.
// Problems are collected as violations instead of crashing the test.
package simdev

import (
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures/driver"
)

// Options configure a simulated device.
type Options struct {
	// AutoRetire completes queued work in the background.
	AutoRetire bool
	// Latency delays background completion of each queued item.
	Latency time.Duration
	// SupportsTearing is reported through Capabilities.
	SupportsTearing bool
	// SupportsHDR is reported through Capabilities.
	SupportsHDR bool
	// RecordCommands keeps every executed command for History.
	RecordCommands bool
}

// Stats counts live objects and timeline activity.
type Stats struct {
	LiveMemory       int
	LiveHeaps        int
	LiveCommandLists int
	LiveFences       int
	LivePipelines    int
	LiveSurfaces     int

	Executed      int // command lists executed
	Signals       int
	Retired       int // timeline items completed
	BlockingWaits int // fence waits that had to block
	Presents      int
}

// Live returns the total number of live objects.
func (s Stats) Live() int {
	return s.LiveMemory + s.LiveHeaps + s.LiveCommandLists + s.LiveFences +
		s.LivePipelines + s.LiveSurfaces
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("live: %d memory, %d heaps, %d lists, %d fences, %d pipelines, %d surfaces; "+
		"executed %d, signals %d, retired %d, blocking waits %d, presents %d",
		s.LiveMemory, s.LiveHeaps, s.LiveCommandLists, s.LiveFences, s.LivePipelines, s.LiveSurfaces,
		s.Executed, s.Signals, s.Retired, s.BlockingWaits, s.Presents)
}

// ErrWouldDeadlock is returned by a blocking fence wait that no queued
// signal can satisfy.
var ErrWouldDeadlock = errors.New("simdev: fence wait can never complete")

// Device is a simulated driver.Device.
type Device struct {
	opts Options

	mu   sync.Mutex
	cond *sync.Cond

	queue    *queue
	pending  []workItem
	history  []Command
	nextID   uint64
	nextAddr uint64

	buffers    map[*memory]struct{}
	textures   map[*memory]struct{}
	heaps      map[*heap]struct{}
	lists      map[*CommandList]struct{}
	fences     map[*fence]struct{}
	pipelines  map[*pipeline]struct{}
	surfaces   map[*surface]struct{}
	stats      Stats
	violations []string

	failAllocs int
	removed    error
	closing    bool
	worker     sync.WaitGroup
}

// New creates a simulated device.
func New(opts Options) *Device {
	d := &Device{
		opts:      opts,
		nextAddr:  1 << 16,
		buffers:   make(map[*memory]struct{}),
		textures:  make(map[*memory]struct{}),
		heaps:     make(map[*heap]struct{}),
		lists:     make(map[*CommandList]struct{}),
		fences:    make(map[*fence]struct{}),
		pipelines: make(map[*pipeline]struct{}),
		surfaces:  make(map[*surface]struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	d.queue = &queue{dev: d}
	if opts.AutoRetire {
		d.worker.Add(1)
		go d.run()
	}
	return d
}

var _ driver.Device = (*Device)(nil)

// violationf records a validation failure. d.mu must be held.
func (d *Device) violationf(format string, args ...any) {
	d.violations = append(d.violations, fmt.Sprintf(format, args...))
}

// Violations returns every validation failure recorded so far.
func (d *Device) Violations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.violations...)
}

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.LiveMemory = len(d.buffers) + len(d.textures)
	s.LiveHeaps = len(d.heaps)
	s.LiveCommandLists = len(d.lists)
	s.LiveFences = len(d.fences)
	s.LivePipelines = len(d.pipelines)
	s.LiveSurfaces = len(d.surfaces)
	return s
}

// History returns executed commands in execution order. It is empty unless
// Options.RecordCommands is set.
func (d *Device) History() []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Command(nil), d.history...)
}

// FailAllocations makes the next n buffer or texture allocations fail with
// driver.ErrOutOfMemory.
func (d *Device) FailAllocations(n int) {
	d.mu.Lock()
	d.failAllocs = n
	d.mu.Unlock()
}

// Remove simulates device loss. Later queue, present and wait calls fail
// with an error wrapping driver.ErrDeviceRemoved and reason.
func (d *Device) Remove(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed == nil {
		d.removed = errors.Wrapf(driver.ErrDeviceRemoved, "reason: %s", reason)
	}
	d.cond.Broadcast()
}

// RemovedReason implements driver.Device.
func (d *Device) RemovedReason() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removed
}

// Capabilities implements driver.Device.
func (d *Device) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		SupportsTearing:           d.opts.SupportsTearing,
		SupportsHDR:               d.opts.SupportsHDR,
		ConstantBufferAlignment:   256,
		TexturePitchAlignment:     256,
		TexturePlacementAlignment: 512,
	}
}

var formats = map[gputypes.TextureFormat]driver.FormatInfo{
	gputypes.TextureFormatR8Unorm:             {BlockSize: 1},
	gputypes.TextureFormatR32Float:            {BlockSize: 4},
	gputypes.TextureFormatRGBA8Unorm:          {BlockSize: 4},
	gputypes.TextureFormatRGBA8UnormSrgb:      {BlockSize: 4},
	gputypes.TextureFormatBGRA8Unorm:          {BlockSize: 4},
	gputypes.TextureFormatBGRA8UnormSrgb:      {BlockSize: 4},
	gputypes.TextureFormatRGB10A2Unorm:        {BlockSize: 4},
	gputypes.TextureFormatRGBA16Float:         {BlockSize: 8},
	gputypes.TextureFormatRGBA32Float:         {BlockSize: 16},
	gputypes.TextureFormatDepth16Unorm:        {BlockSize: 2, Depth: true},
	gputypes.TextureFormatDepth24Plus:         {BlockSize: 4, Depth: true},
	gputypes.TextureFormatDepth24PlusStencil8: {BlockSize: 4, Depth: true, Stencil: true},
	gputypes.TextureFormatDepth32Float:        {BlockSize: 4, Depth: true},
}

// FormatInfo implements driver.Device.
func (d *Device) FormatInfo(format gputypes.TextureFormat) (driver.FormatInfo, bool) {
	info, ok := formats[format]
	if !ok {
		return driver.FormatInfo{}, false
	}
	info.BlockWidth, info.BlockHeight = 1, 1
	return info, true
}

// FormatSupported implements driver.Device. Depth formats cannot be storage
// textures; sRGB formats cannot be written from shaders.
func (d *Device) FormatSupported(format gputypes.TextureFormat, usage gputypes.TextureUsage) bool {
	info, ok := formats[format]
	if !ok {
		return false
	}
	if usage&gputypes.TextureUsageStorageBinding != 0 {
		switch {
		case info.Depth,
			format == gputypes.TextureFormatRGBA8UnormSrgb,
			format == gputypes.TextureFormatBGRA8UnormSrgb:
			return false
		}
	}
	return true
}

// SampleCountSupported implements driver.Device.
func (d *Device) SampleCountSupported(format gputypes.TextureFormat, count uint32) bool {
	info, ok := formats[format]
	if !ok {
		return false
	}
	switch count {
	case 1, 2, 4:
		return true
	case 8:
		return !info.Depth
	default:
		return false
	}
}

// Destroy stops the background timeline. Live objects are reported as
// violations.
func (d *Device) Destroy() {
	d.mu.Lock()
	d.closing = true
	d.cond.Broadcast()
	d.mu.Unlock()
	d.worker.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	if n := len(d.buffers) + len(d.textures) + len(d.heaps) + len(d.lists) +
		len(d.fences) + len(d.pipelines) + len(d.surfaces); n > 0 {
		d.violationf("device destroyed with %d live objects", n)
	}
}

func (d *Device) newID() uint64 {
	d.nextID++
	return d.nextID
}
