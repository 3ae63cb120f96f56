package gpures

import (
	"github.com/cockroachdb/errors"

	"github.com/gogpu/gpures/driver"
	"github.com/gogpu/gpures/internal/descheap"
)

var (
	// ErrHeapFull is returned when a descriptor heap has no free slot.
	ErrHeapFull = descheap.ErrHeapFull

	// ErrDeviceLost is returned once the native device has been removed.
	ErrDeviceLost = errors.New("gpures: device lost")

	// ErrDestroyed is returned by every operation after Renderer.Destroy.
	ErrDestroyed = errors.New("gpures: renderer destroyed")

	// ErrUnsupported is returned for formats, sample counts, present modes
	// and compositions the device does not support.
	ErrUnsupported = errors.New("gpures: not supported by the device")

	// ErrWindowClaimed is returned when claiming a window twice.
	ErrWindowClaimed = errors.New("gpures: window already claimed")

	// ErrTimeout is returned by WaitForFences when the timeout elapses.
	ErrTimeout = errors.New("gpures: wait timed out")
)

// IsInvalidUsage reports whether err reports misuse of the API, such as
// recording into a command buffer that is not recording.
func IsInvalidUsage(err error) bool {
	return errors.IsAssertionFailure(err)
}

// invalidf reports invalid API usage. In debug mode it panics; otherwise it
// logs and returns an assertion failure.
func (r *Renderer) invalidf(format string, args ...any) error {
	err := errors.AssertionFailedWithDepthf(1, format, args...)
	if r.opts.debug {
		panic(err)
	}
	r.log.Error("gpures: invalid usage", "err", err)
	return err
}

// alive returns an error once the renderer is destroyed or its device lost.
func (r *Renderer) alive() error {
	switch {
	case r.destroyed.Load():
		return ErrDestroyed
	case r.lost.Load():
		return ErrDeviceLost
	}
	return nil
}

// deviceError wraps the failure of a native call. When the device has been
// removed the renderer is marked lost and the error matches ErrDeviceLost.
func (r *Renderer) deviceError(err error, op string) error {
	reason := r.dev.RemovedReason()
	if reason == nil && !errors.Is(err, driver.ErrDeviceRemoved) {
		r.log.Error("gpures: driver call failed", "op", op, "err", err)
		return errors.Wrapf(err, "gpures: %s", op)
	}
	if reason == nil {
		reason = err
	}
	if r.lost.CompareAndSwap(false, true) {
		r.log.Error("gpures: device lost", "op", op, "reason", reason)
	}
	return errors.Mark(errors.Wrapf(reason, "gpures: %s", op), ErrDeviceLost)
}
