package uniform

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/gogpu/gpures/driver"
	"github.com/gogpu/gpures/driver/simdev"
)

func newTestPool(t *testing.T, blockSize uint32) (*Pool, *simdev.Device) {
	t.Helper()
	dev := simdev.New(simdev.Options{})
	p := NewPool(dev, blockSize, slog.New(slog.DiscardHandler))
	t.Cleanup(func() {
		p.Destroy()
		dev.Destroy()
	})
	return p, dev
}

func TestRingPushAlignment(t *testing.T) {
	p, dev := newTestPool(t, 1024)
	r, err := p.Acquire()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		size       int
		wantDraw   uint32
		wantWrite  uint32
		wantPushed bool
	}{
		{16, 0, 256, true},
		{256, 256, 512, true},
		{300, 512, 1024, true},
		{1, 0, 0, false}, // full; offsets unchanged
	}
	for i, tt := range tests {
		data := bytes.Repeat([]byte{byte(i + 1)}, tt.size)
		if got := r.Push(data); got != tt.wantPushed {
			t.Fatalf("push %d: Push() = %v, want %v", i, got, tt.wantPushed)
		}
		if !tt.wantPushed {
			if r.WriteOffset() != 1024 {
				t.Errorf("push %d: WriteOffset() = %d after failed push, want 1024", i, r.WriteOffset())
			}
			continue
		}
		if r.DrawOffset() != tt.wantDraw || r.WriteOffset() != tt.wantWrite {
			t.Errorf("push %d: offsets = (%d, %d), want (%d, %d)",
				i, r.DrawOffset(), r.WriteOffset(), tt.wantDraw, tt.wantWrite)
		}
		if r.Address()%Alignment != 0 {
			t.Errorf("push %d: Address() = %#x, not %d-aligned", i, r.Address(), Alignment)
		}
		got := dev.Data(r.Memory())[tt.wantDraw : int(tt.wantDraw)+tt.size]
		if !bytes.Equal(got, data) {
			t.Errorf("push %d: data not written at draw offset", i)
		}
	}
}

func TestPoolReuse(t *testing.T) {
	p, _ := newTestPool(t, 0)
	if p.BlockSize() != DefaultBlockSize {
		t.Errorf("BlockSize() = %d, want %d", p.BlockSize(), DefaultBlockSize)
	}

	a, _ := p.Acquire()
	b, _ := p.Acquire()
	if a == b {
		t.Fatal("Acquire() returned the same ring twice")
	}
	a.Push(make([]byte, 64))
	p.Return(a)

	c, _ := p.Acquire()
	if c != a {
		t.Error("Acquire() did not reuse the returned ring")
	}
	if c.WriteOffset() != 0 || c.DrawOffset() != 0 {
		t.Errorf("reused ring offsets = (%d, %d), want (0, 0)", c.DrawOffset(), c.WriteOffset())
	}
	p.Return(b)
	p.Return(c)

	if s := p.Stats(); s.Created != 2 || s.Available != 2 {
		t.Errorf("Stats() = %v, want 2 created, 2 available", s)
	}
}

func TestBlockSizeRoundedUp(t *testing.T) {
	p, _ := newTestPool(t, 1000)
	if p.BlockSize() != 1024 {
		t.Errorf("BlockSize() = %d, want 1024", p.BlockSize())
	}
}

func TestAcquireAllocationFailure(t *testing.T) {
	p, dev := newTestPool(t, 0)
	dev.FailAllocations(1)
	if _, err := p.Acquire(); err == nil {
		t.Fatal("Acquire() succeeded with failing allocator")
	}
	if s := p.Stats(); s.Created != 0 {
		t.Errorf("Created = %d after failure, want 0", s.Created)
	}
}

// gatedDevice holds every CreateBuffer call until a token arrives on gate.
type gatedDevice struct {
	*simdev.Device
	entered chan struct{}
	gate    chan struct{}
}

func (d *gatedDevice) CreateBuffer(desc *driver.BufferDescriptor) (driver.Memory, error) {
	d.entered <- struct{}{}
	<-d.gate
	return d.Device.CreateBuffer(desc)
}

func TestReturnWhileRingIsCreated(t *testing.T) {
	sim := simdev.New(simdev.Options{})
	dev := &gatedDevice{Device: sim, entered: make(chan struct{}, 2), gate: make(chan struct{}, 1)}
	p := NewPool(dev, 256, slog.New(slog.DiscardHandler))
	defer func() {
		p.Destroy()
		sim.Destroy()
	}()

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
		t.Error("Return blocked while another Acquire was creating a ring")
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
