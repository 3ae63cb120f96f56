package gpures

import (
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/gpures/driver/simdev"
)

func TestSubmitAndAcquireFence(t *testing.T) {
	r, dev := newTestRenderer(t, simdev.Options{})
	f, err := r.SubmitAndAcquireFence(mustAcquire(t, r))
	if err != nil {
		t.Fatalf("SubmitAndAcquireFence() error = %v", err)
	}
	if r.QueryFence(f) {
		t.Error("QueryFence() before completion = true, want false")
	}
	if err := r.WaitForFences(true, 0, f); !errors.Is(err, ErrTimeout) {
		t.Errorf("WaitForFences(timeout 0) error = %v, want ErrTimeout", err)
	}
	if err := r.WaitForFences(true, WaitForever, f); err != nil {
		t.Fatalf("WaitForFences() error = %v", err)
	}
	if !r.QueryFence(f) {
		t.Error("QueryFence() after wait = false, want true")
	}
	// The wait reclaimed the command buffer.
	if s := r.Stats(); s.CommandBuffersSubmitted != 0 {
		t.Errorf("CommandBuffersSubmitted = %d, want 0", s.CommandBuffersSubmitted)
	}

	if err := r.ReleaseFence(f); err != nil {
		t.Fatalf("ReleaseFence() error = %v", err)
	}
	if err := r.ReleaseFence(f); !IsInvalidUsage(err) {
		t.Errorf("second ReleaseFence() error = %v, want invalid usage", err)
	}
	if s := r.Stats(); s.FencesAvailable != s.FencesCreated {
		t.Errorf("fences available = %d, want created = %d", s.FencesAvailable, s.FencesCreated)
	}
	checkViolations(t, dev)
}

func TestWaitForAnyFence(t *testing.T) {
	r, dev := newTestRenderer(t, simdev.Options{})
	first, err := r.SubmitAndAcquireFence(mustAcquire(t, r))
	if err != nil {
		t.Fatalf("SubmitAndAcquireFence() error = %v", err)
	}
	second, err := r.SubmitAndAcquireFence(mustAcquire(t, r))
	if err != nil {
		t.Fatalf("SubmitAndAcquireFence() error = %v", err)
	}

	dev.RetireSignals(1)
	if err := r.WaitForFences(false, 0, first, second); err != nil {
		t.Errorf("WaitForFences(any) error = %v", err)
	}
	if err := r.WaitForFences(true, 0, first, second); !errors.Is(err, ErrTimeout) {
		t.Errorf("WaitForFences(all) error = %v, want ErrTimeout", err)
	}

	for _, f := range []*Fence{first, second} {
		if err := r.ReleaseFence(f); err != nil {
			t.Errorf("ReleaseFence() error = %v", err)
		}
	}
	if err := r.WaitForIdle(); err != nil {
		t.Fatalf("WaitForIdle() error = %v", err)
	}
	checkViolations(t, dev)
}

// Fences go back to the pool and are reused by later submissions.
func TestFencesAreReused(t *testing.T) {
	r, _ := newTestRenderer(t, simdev.Options{AutoRetire: true})
	for range 5 {
		f, err := r.SubmitAndAcquireFence(mustAcquire(t, r))
		if err != nil {
			t.Fatalf("SubmitAndAcquireFence() error = %v", err)
		}
		if err := r.WaitForFences(true, WaitForever, f); err != nil {
			t.Fatalf("WaitForFences() error = %v", err)
		}
		if err := r.ReleaseFence(f); err != nil {
			t.Fatalf("ReleaseFence() error = %v", err)
		}
	}
	if got := r.Stats().FencesCreated; got != 1 {
		t.Errorf("FencesCreated = %d, want 1", got)
	}
}

func TestWaitForFencesUnheld(t *testing.T) {
	r, _ := newTestRenderer(t, simdev.Options{})
	if err := r.WaitForFences(true, 0); err != nil {
		t.Errorf("WaitForFences() with no fences error = %v", err)
	}
	if err := r.WaitForFences(true, 0, &Fence{}); !IsInvalidUsage(err) {
		t.Errorf("WaitForFences(unheld) error = %v, want invalid usage", err)
	}
}
