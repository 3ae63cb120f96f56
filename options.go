package gpures

import (
	"log/slog"

	"github.com/gogpu/gpures/driver"
)

// Default descriptor heap capacities.
const (
	DefaultShaderResourceStagingCapacity = 16384
	DefaultSamplerStagingCapacity        = 2048
	DefaultRenderTargetStagingCapacity   = 1024
	DefaultDepthStencilStagingCapacity   = 256

	DefaultShaderResourceGPUCapacity = 65536
	DefaultSamplerGPUCapacity        = 2048
)

// DefaultFramesInFlight is the number of frames a window may have queued.
const DefaultFramesInFlight = 2

// Option configures a Renderer during creation.
//
// Example:
//
//	r, err := gpures.New(dev,
//	    gpures.WithDebugMode(true),
//	    gpures.WithFramesInFlight(3),
//	)
type Option func(*options)

// options holds renderer configuration.
type options struct {
	debug            bool
	framesInFlight   int
	stagingCapacity  [driver.HeapKindCount]uint32
	gpuCapacity      [driver.HeapKindCount]uint32
	uniformBlockSize uint32
	logger           *slog.Logger
}

// defaultOptions returns the default renderer options.
func defaultOptions() options {
	return options{
		framesInFlight: DefaultFramesInFlight,
		stagingCapacity: [driver.HeapKindCount]uint32{
			driver.HeapShaderResource: DefaultShaderResourceStagingCapacity,
			driver.HeapSampler:        DefaultSamplerStagingCapacity,
			driver.HeapRenderTarget:   DefaultRenderTargetStagingCapacity,
			driver.HeapDepthStencil:   DefaultDepthStencilStagingCapacity,
		},
		gpuCapacity: [driver.HeapKindCount]uint32{
			driver.HeapShaderResource: DefaultShaderResourceGPUCapacity,
			driver.HeapSampler:        DefaultSamplerGPUCapacity,
		},
	}
}

// WithDebugMode makes invalid API usage panic instead of being logged and
// returned as an error. Use it during development.
func WithDebugMode(enabled bool) Option {
	return func(o *options) {
		o.debug = enabled
	}
}

// WithFramesInFlight sets how many frames each claimed window may have
// queued on the GPU. Values are clamped to [1, 3].
//
// Example:
//
//	// Lowest latency: the CPU never runs more than one frame ahead.
//	r, _ := gpures.New(dev, gpures.WithFramesInFlight(1))
func WithFramesInFlight(n int) Option {
	return func(o *options) {
		o.framesInFlight = min(max(n, 1), 3)
	}
}

// WithStagingHeapCapacity sets the number of slots in the CPU-only
// descriptor heap of the given kind. Zero keeps the default.
func WithStagingHeapCapacity(kind driver.HeapKind, n uint32) Option {
	return func(o *options) {
		if kind < driver.HeapKindCount && n > 0 {
			o.stagingCapacity[kind] = n
		}
	}
}

// WithGPUHeapCapacity sets the number of slots in each shader-visible heap
// of the given kind. Only HeapShaderResource and HeapSampler have
// shader-visible heaps; other kinds are ignored.
func WithGPUHeapCapacity(kind driver.HeapKind, n uint32) Option {
	return func(o *options) {
		if kind.CanBeShaderVisible() && n > 0 {
			o.gpuCapacity[kind] = n
		}
	}
}

// WithUniformBlockSize sets the size of each uniform ring block. It is
// rounded up to 256 bytes.
func WithUniformBlockSize(n uint32) Option {
	return func(o *options) {
		o.uniformBlockSize = n
	}
}

// WithLogger sets the logger for this renderer. Without it the renderer
// uses the package logger (see SetLogger).
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}
