package cycle

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
)

type fakeInstance struct {
	RefCount
	id int
}

func newTestContainer(canCycle bool) (*Container[*fakeInstance], *int) {
	allocs := 0
	next := 1
	c := New(&fakeInstance{id: 0}, canCycle, func() (*fakeInstance, error) {
		allocs++
		inst := &fakeInstance{id: next}
		next++
		return inst, nil
	})
	return c, &allocs
}

func TestRefCount(t *testing.T) {
	var r RefCount
	r.Retain()
	r.Retain()
	if got := r.Release(); got != 1 {
		t.Errorf("Release() = %d, want 1", got)
	}
	if got := r.Refs(); got != 1 {
		t.Errorf("Refs() = %d, want 1", got)
	}
	r.Release()

	defer func() {
		if recover() == nil {
			t.Error("Release below zero did not panic")
		}
	}()
	r.Release()
}

func TestRefCountConcurrent(t *testing.T) {
	var r RefCount
	var wg sync.WaitGroup
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				r.Retain()
				r.Release()
			}
		}()
	}
	wg.Wait()
	if got := r.Refs(); got != 0 {
		t.Errorf("Refs() = %d after balanced retain/release, want 0", got)
	}
}

func TestPrepareForWrite(t *testing.T) {
	tests := []struct {
		name       string
		canCycle   bool
		cycle      bool
		activeRefs int
		wantID     int
		wantCycled bool
		wantAllocs int
	}{
		{"idle active written in place", true, true, 0, 0, false, 0},
		{"no cycle writes in place", true, false, 2, 0, false, 0},
		{"cannot cycle writes in place", false, true, 2, 0, false, 0},
		{"busy active allocates", true, true, 1, 1, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, allocs := newTestContainer(tt.canCycle)
			for range tt.activeRefs {
				c.Active().Retain()
			}
			inst, cycled, err := c.PrepareForWrite(tt.cycle, nil)
			if err != nil {
				t.Fatalf("PrepareForWrite() error = %v", err)
			}
			if inst.id != tt.wantID {
				t.Errorf("instance id = %d, want %d", inst.id, tt.wantID)
			}
			if cycled != tt.wantCycled {
				t.Errorf("cycled = %v, want %v", cycled, tt.wantCycled)
			}
			if *allocs != tt.wantAllocs {
				t.Errorf("allocations = %d, want %d", *allocs, tt.wantAllocs)
			}
			if c.Active() != inst {
				t.Error("returned instance is not active")
			}
		})
	}
}

func TestPrepareForWriteReusesIdleInstance(t *testing.T) {
	c, allocs := newTestContainer(true)
	first := c.Active()
	first.Retain()

	second, _, _ := c.PrepareForWrite(true, nil)
	second.Retain()

	// The GPU finishes with the first instance.
	first.Release()

	inst, cycled, err := c.PrepareForWrite(true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if inst != first || !cycled {
		t.Errorf("PrepareForWrite() = (id %d, %v), want first instance, cycled", inst.id, cycled)
	}
	if *allocs != 1 {
		t.Errorf("allocations = %d, want 1", *allocs)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

// A write never lands on an instance that is referenced when cycling was
// requested and allowed.
func TestCyclingNeverTargetsBusyInstance(t *testing.T) {
	c, _ := newTestContainer(true)
	for i := range 50 {
		inst, _, err := c.PrepareForWrite(true, nil)
		if err != nil {
			t.Fatal(err)
		}
		if inst.Refs() != 0 {
			t.Fatalf("write %d targeted instance %d with %d refs", i, inst.id, inst.Refs())
		}
		inst.Retain()
		// Every third write's reader finishes.
		if i%3 == 0 {
			inst.Release()
		}
	}
}

func TestPrepareForWriteAllocError(t *testing.T) {
	boom := errors.New("boom")
	c := New(&fakeInstance{}, true, func() (*fakeInstance, error) { return nil, boom })
	c.Active().Retain()
	if _, _, err := c.PrepareForWrite(true, nil); !errors.Is(err, boom) {
		t.Errorf("PrepareForWrite() error = %v, want %v", err, boom)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d after failed allocation, want 1", c.Len())
	}
}

func TestRelease(t *testing.T) {
	c, _ := newTestContainer(true)
	c.Active().Retain()
	c.PrepareForWrite(true, nil)

	got := c.Release()
	if len(got) != 2 {
		t.Fatalf("Release() returned %d instances, want 2", len(got))
	}
	if !c.Released() {
		t.Error("Released() = false after Release")
	}
	if again := c.Release(); again != nil {
		t.Errorf("second Release() = %v, want nil", again)
	}
	if _, _, err := c.PrepareForWrite(false, nil); !errors.Is(err, ErrReleased) {
		t.Errorf("PrepareForWrite() after Release error = %v, want ErrReleased", err)
	}
}

// Concurrent cycling writes each reference their instance before the next
// one is chosen, so no two writers share an instance.
func TestConcurrentCyclingWritesGetDistinctInstances(t *testing.T) {
	c, _ := newTestContainer(true)
	c.Active().Retain()

	const writers = 16
	got := make([]*fakeInstance, writers)
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, _, err := c.PrepareForWrite(true, func(inst *fakeInstance) { inst.Retain() })
			if err != nil {
				t.Errorf("PrepareForWrite() error = %v", err)
				return
			}
			got[i] = inst
		}()
	}
	wg.Wait()

	seen := make(map[*fakeInstance]bool)
	for _, inst := range got {
		if inst == nil {
			continue
		}
		if seen[inst] {
			t.Errorf("instance %d handed to two writers", inst.id)
		}
		seen[inst] = true
		if inst.Refs() != 1 {
			t.Errorf("instance %d refs = %d, want 1", inst.id, inst.Refs())
		}
	}
	if n := c.Len(); n != writers+1 {
		t.Errorf("Len() = %d, want %d", n, writers+1)
	}
}

func TestPrepareForWriteRetainsInPlaceWrite(t *testing.T) {
	c, _ := newTestContainer(true)
	calls := 0
	inst, cycled, err := c.PrepareForWrite(true, func(*fakeInstance) { calls++ })
	if err != nil {
		t.Fatalf("PrepareForWrite() error = %v", err)
	}
	if inst.id != 0 || cycled {
		t.Errorf("PrepareForWrite() = (id %d, %v), want (id 0, false)", inst.id, cycled)
	}
	if calls != 1 {
		t.Errorf("retain calls = %d, want 1", calls)
	}
}
