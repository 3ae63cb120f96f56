package gpures

import (
	"testing"

	"github.com/gogpu/gpures/driver"
)

func TestDefaultOptions(t *testing.T) {
	o := defaultOptions()
	if o.debug {
		t.Error("debug mode enabled by default")
	}
	if o.framesInFlight != DefaultFramesInFlight {
		t.Errorf("framesInFlight = %d, want %d", o.framesInFlight, DefaultFramesInFlight)
	}
	want := map[driver.HeapKind]uint32{
		driver.HeapShaderResource: 16384,
		driver.HeapSampler:        2048,
		driver.HeapRenderTarget:   1024,
		driver.HeapDepthStencil:   256,
	}
	for kind, n := range want {
		if o.stagingCapacity[kind] != n {
			t.Errorf("staging capacity[%s] = %d, want %d", kind, o.stagingCapacity[kind], n)
		}
	}
	if o.gpuCapacity[driver.HeapShaderResource] != 65536 || o.gpuCapacity[driver.HeapSampler] != 2048 {
		t.Errorf("gpu capacities = %v", o.gpuCapacity)
	}
}

func TestWithFramesInFlightClamped(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 1},
		{1, 1},
		{2, 2},
		{3, 3},
		{8, 3},
	}
	for _, tt := range tests {
		o := defaultOptions()
		WithFramesInFlight(tt.in)(&o)
		if o.framesInFlight != tt.want {
			t.Errorf("WithFramesInFlight(%d) = %d, want %d", tt.in, o.framesInFlight, tt.want)
		}
	}
}

func TestWithHeapCapacities(t *testing.T) {
	o := defaultOptions()
	WithStagingHeapCapacity(driver.HeapDepthStencil, 8)(&o)
	WithStagingHeapCapacity(driver.HeapSampler, 0)(&o)
	WithGPUHeapCapacity(driver.HeapSampler, 64)(&o)
	WithGPUHeapCapacity(driver.HeapRenderTarget, 64)(&o)

	if o.stagingCapacity[driver.HeapDepthStencil] != 8 {
		t.Errorf("depth staging capacity = %d, want 8", o.stagingCapacity[driver.HeapDepthStencil])
	}
	if o.stagingCapacity[driver.HeapSampler] != DefaultSamplerStagingCapacity {
		t.Error("zero capacity replaced the default")
	}
	if o.gpuCapacity[driver.HeapSampler] != 64 {
		t.Errorf("sampler gpu capacity = %d, want 64", o.gpuCapacity[driver.HeapSampler])
	}
	if o.gpuCapacity[driver.HeapRenderTarget] != 0 {
		t.Error("render-target heaps cannot be shader visible")
	}
}
