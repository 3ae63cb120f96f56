// Package gpures is the resource-lifecycle and command-submission core of a
// hardware-accelerated rendering backend.
//
// # Overview
//
// A Renderer owns GPU memory objects (textures, buffers, transfer buffers),
// their descriptor views, pooled command buffers and fences, and the
// per-window swapchain frames. Callers record work into a CommandBuffer and
// submit it; the renderer keeps track of what the GPU may still read and
// never lets a new write land on memory in use.
//
//	r, err := gpures.New(dev)
//	if err != nil {
//	    return err
//	}
//	defer r.Destroy()
//
//	cb, _ := r.AcquireCommandBuffer()
//	copyPass, _ := cb.BeginCopyPass()
//	copyPass.UploadToBuffer(src, dst, true) // cycle: never stall on in-flight reads
//	copyPass.End()
//	r.Submit(cb)
//
// # Cycling
//
// Every texture and buffer is a container of interchangeable physical
// instances. A write with cycle set moves to an idle instance, or a fresh
// one, when the current instance is referenced by a command buffer the GPU
// has not finished. A render pass that loads its previous contents never
// cycles.
//
// # Devices
//
// The renderer reaches the native API only through driver.Device. The
// driver/simdev package simulates a device for tests and tooling;
// driver/haldev bridges onto github.com/gogpu/wgpu/hal.
//
// # Errors
//
// Three classes of error are reported. Capacity errors (ErrHeapFull) mean a
// configured limit was reached. Invalid usage, such as recording into a
// submitted command buffer, is reported as an assertion failure (see
// IsInvalidUsage) and panics when the renderer runs in debug mode.
// Device-level errors match ErrDeviceLost and carry the native reason.
package gpures
