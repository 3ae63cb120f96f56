package descheap

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/gpures/driver"
	"github.com/gogpu/gpures/driver/simdev"
)

var discard = slog.New(slog.DiscardHandler)

func newStaging(t *testing.T, kind driver.HeapKind, capacity uint32) *StagingHeap {
	t.Helper()
	dev := simdev.New(simdev.Options{})
	h, err := NewStagingHeap(dev, kind, capacity, discard)
	if err != nil {
		t.Fatalf("NewStagingHeap() error = %v", err)
	}
	t.Cleanup(func() {
		h.Destroy()
		dev.Destroy()
	})
	return h
}

func TestStagingHeapBumpThenFull(t *testing.T) {
	h := newStaging(t, driver.HeapRenderTarget, 3)
	for want := uint32(0); want < 3; want++ {
		d, err := h.Allocate()
		if err != nil {
			t.Fatalf("Allocate() error = %v", err)
		}
		if d.Index != want {
			t.Errorf("Allocate().Index = %d, want %d", d.Index, want)
		}
	}
	if _, err := h.Allocate(); !errors.Is(err, ErrHeapFull) {
		t.Errorf("Allocate() on full heap error = %v, want ErrHeapFull", err)
	}
	if h.InUse() != 3 {
		t.Errorf("InUse() = %d, want 3", h.InUse())
	}
}

func TestStagingHeapReusesFreedSlotFirst(t *testing.T) {
	h := newStaging(t, driver.HeapShaderResource, 8)
	a, _ := h.Allocate()
	b, _ := h.Allocate()
	if err := h.Release(a); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	c, _ := h.Allocate()
	if c.Index != a.Index {
		t.Errorf("Allocate() after Release = %d, want reused %d", c.Index, a.Index)
	}
	d, _ := h.Allocate()
	if d.Index != b.Index+1 {
		t.Errorf("Allocate() = %d, want bump %d", d.Index, b.Index+1)
	}
}

func TestStagingHeapReleaseNotLive(t *testing.T) {
	h := newStaging(t, driver.HeapSampler, 4)
	d, _ := h.Allocate()
	if err := h.Release(d); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		slot driver.Descriptor
	}{
		{"double release", d},
		{"never allocated", driver.Descriptor{Heap: d.Heap, Index: 3}},
		{"out of range", driver.Descriptor{Heap: d.Heap, Index: 99}},
		{"foreign heap", driver.Descriptor{Index: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := h.Release(tt.slot); !errors.Is(err, ErrSlotNotLive) {
				t.Errorf("Release() error = %v, want ErrSlotNotLive", err)
			}
		})
	}
}

// No two live allocations share a slot, under concurrent allocate/release.
func TestStagingHeapSlotUniqueness(t *testing.T) {
	h := newStaging(t, driver.HeapShaderResource, 256)

	var mu sync.Mutex
	live := make(map[uint32]bool)
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var mine []driver.Descriptor
			for i := range 200 {
				if len(mine) > 0 && (i+w)%3 == 0 {
					d := mine[len(mine)-1]
					mine = mine[:len(mine)-1]
					mu.Lock()
					delete(live, d.Index)
					mu.Unlock()
					if err := h.Release(d); err != nil {
						t.Errorf("Release() error = %v", err)
					}
					continue
				}
				d, err := h.Allocate()
				if err != nil {
					continue // full is fine here
				}
				mu.Lock()
				if live[d.Index] {
					t.Errorf("slot %d handed out twice", d.Index)
				}
				live[d.Index] = true
				mu.Unlock()
				mine = append(mine, d)
			}
		}()
	}
	wg.Wait()
	if got := h.InUse(); got != uint32(len(live)) {
		t.Errorf("InUse() = %d, want %d", got, len(live))
	}
}

func TestNewStagingHeapErrors(t *testing.T) {
	dev := simdev.New(simdev.Options{})
	defer dev.Destroy()
	if _, err := NewStagingHeap(dev, driver.HeapSampler, 0, discard); err == nil {
		t.Error("NewStagingHeap() with zero capacity succeeded")
	}
}

func TestGPUHeapAllocate(t *testing.T) {
	dev := simdev.New(simdev.Options{})
	defer dev.Destroy()
	p, err := NewPool(dev, driver.HeapShaderResource, 10, discard)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Destroy()

	h, err := p.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	a, ok := h.Allocate(4)
	if !ok || a.Index != 0 {
		t.Fatalf("Allocate(4) = (%d, %v), want (0, true)", a.Index, ok)
	}
	b, ok := h.Allocate(6)
	if !ok || b.Index != 4 {
		t.Fatalf("Allocate(6) = (%d, %v), want (4, true)", b.Index, ok)
	}
	if _, ok := h.Allocate(1); ok {
		t.Error("Allocate(1) on full heap succeeded")
	}
	if h.Used() != 10 {
		t.Errorf("Used() = %d, want 10", h.Used())
	}

	p.Return(h)
	again, _ := p.Acquire()
	if again != h || again.Used() != 0 {
		t.Errorf("Acquire() after Return = (same %v, used %d), want (true, 0)", again == h, again.Used())
	}
	p.Return(again)
}

func TestPoolGrowsNeverShrinks(t *testing.T) {
	dev := simdev.New(simdev.Options{})
	defer dev.Destroy()
	p, err := NewPool(dev, driver.HeapSampler, 16, discard)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Destroy()

	var out []*GPUHeap
	for range 3 {
		h, err := p.Acquire()
		if err != nil {
			t.Fatal(err)
		}
		if !h.Heap().ShaderVisible() {
			t.Error("pool heap is not shader visible")
		}
		out = append(out, h)
	}
	for _, h := range out {
		p.Return(h)
	}
	if s := p.Stats(); s.Created != 3 || s.Available != 3 {
		t.Errorf("Stats() = %v, want 3 created, 3 available", s)
	}
	if _, err := p.Acquire(); err != nil {
		t.Fatal(err)
	}
	if s := p.Stats(); s.Created != 3 || s.Available != 2 {
		t.Errorf("Stats() = %v, want 3 created, 2 available", s)
	}
}

func TestNewPoolRejectsAttachmentKinds(t *testing.T) {
	dev := simdev.New(simdev.Options{})
	defer dev.Destroy()
	for _, kind := range []driver.HeapKind{driver.HeapRenderTarget, driver.HeapDepthStencil} {
		if _, err := NewPool(dev, kind, 8, discard); err == nil {
			t.Errorf("NewPool(%s) succeeded", kind)
		}
	}
}

// gatedDevice holds every CreateDescriptorHeap call until a token arrives on
// gate.
type gatedDevice struct {
	*simdev.Device
	entered chan struct{}
	gate    chan struct{}
}

func (d *gatedDevice) CreateDescriptorHeap(kind driver.HeapKind, capacity uint32, shaderVisible bool) (driver.DescriptorHeap, error) {
	d.entered <- struct{}{}
	<-d.gate
	return d.Device.CreateDescriptorHeap(kind, capacity, shaderVisible)
}

func TestPoolReturnWhileHeapIsCreated(t *testing.T) {
	sim := simdev.New(simdev.Options{})
	defer sim.Destroy()
	dev := &gatedDevice{Device: sim, entered: make(chan struct{}, 2), gate: make(chan struct{}, 1)}
	p, err := NewPool(dev, driver.HeapShaderResource, 8, discard)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Destroy()

	dev.gate <- struct{}{}
	first, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	<-dev.entered

	acquired := make(chan error, 1)
	go func() {
		_, err := p.Acquire()
		acquired <- err
	}()
	<-dev.entered

	returned := make(chan struct{})
	go func() {
		p.Return(first)
		p.Stats()
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Error("Return blocked while another Acquire was creating a heap")
	}

	dev.gate <- struct{}{}
	if err := <-acquired; err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	<-returned
	if s := p.Stats(); s.Created != 2 || s.Available != 1 {
		t.Errorf("Stats() = %v, want 2 created, 1 available", s)
	}
}
