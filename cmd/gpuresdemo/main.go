// Command gpuresdemo runs a frame loop over the simulated device: worker
// goroutines record streaming uploads in parallel while the main goroutine
// draws into a claimed window and presents it.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gogpu/gputypes"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/gpures"
	"github.com/gogpu/gpures/driver/simdev"
)

const vertexBytes = 64 * 16

func main() {
	var (
		frames   = flag.Int("frames", 120, "frames to render")
		workers  = flag.Int("workers", 4, "goroutines recording uploads each frame")
		inFlight = flag.Int("frames-in-flight", 2, "frames the CPU may run ahead of the GPU")
		mode     = flag.String("present", "vsync", "present mode: vsync, mailbox or immediate")
		latency  = flag.Duration("latency", 2*time.Millisecond, "simulated GPU time per queued item")
		verbose  = flag.Bool("v", false, "log pool growth and frame skips")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(logger, *frames, *workers, *inFlight, *mode, *latency); err != nil {
		logger.Error("demo failed", "err", err)
		os.Exit(1)
	}
}

func presentMode(name string) (gpures.PresentMode, error) {
	switch name {
	case "vsync":
		return gpures.PresentModeVSync, nil
	case "mailbox":
		return gpures.PresentModeMailbox, nil
	case "immediate":
		return gpures.PresentModeImmediate, nil
	}
	return 0, fmt.Errorf("unknown present mode %q", name)
}

// scene holds what every frame draws with.
type scene struct {
	pipeline *gpures.GraphicsPipeline
	vertices *gpures.Buffer
	uploads  []*gpures.TransferBuffer
}

func newScene(r *gpures.Renderer, format gputypes.TextureFormat, workers int) (*scene, error) {
	// The simulated device accepts any bytecode.
	code := []byte{0x03, 0x02, 0x23, 0x07}
	vs, err := r.CreateShader(gpures.ShaderCreateInfo{Code: code, Stage: gpures.ShaderStageVertex, NumUniformBuffers: 1})
	if err != nil {
		return nil, err
	}
	defer r.ReleaseShader(vs)
	fs, err := r.CreateShader(gpures.ShaderCreateInfo{Code: code, Stage: gpures.ShaderStageFragment})
	if err != nil {
		return nil, err
	}
	defer r.ReleaseShader(fs)

	s := &scene{}
	s.pipeline, err = r.CreateGraphicsPipeline(gpures.GraphicsPipelineCreateInfo{
		Label:          "demo",
		VertexShader:   vs,
		FragmentShader: fs,
		VertexBuffers:  []gputypes.VertexBufferLayout{{ArrayStride: 16}},
		Topology:       gputypes.PrimitiveTopologyTriangleList,
		ColorFormats:   []gputypes.TextureFormat{format},
	})
	if err != nil {
		return nil, err
	}
	s.vertices, err = r.CreateBuffer(gpures.BufferCreateInfo{Label: "vertices", Usage: gputypes.BufferUsageVertex, Size: vertexBytes})
	if err != nil {
		return nil, err
	}
	for i := range workers {
		tb, err := r.CreateTransferBuffer(gpures.TransferBufferCreateInfo{
			Label: fmt.Sprintf("upload %d", i),
			Usage: gpures.TransferBufferUpload,
			Size:  vertexBytes,
		})
		if err != nil {
			return nil, err
		}
		s.uploads = append(s.uploads, tb)
	}
	return s, nil
}

func (s *scene) release(r *gpures.Renderer) {
	for _, tb := range s.uploads {
		_ = r.ReleaseTransferBuffer(tb)
	}
	_ = r.ReleaseBuffer(s.vertices)
	_ = r.ReleaseGraphicsPipeline(s.pipeline)
}

// upload records and submits one streaming write of the vertex buffer.
// Cycling lets each worker write without waiting for the previous frame.
func (s *scene) upload(r *gpures.Renderer, worker, frame int) error {
	data := make([]byte, vertexBytes)
	for i := range data {
		data[i] = byte(frame + worker + i)
	}
	tb := s.uploads[worker]
	if err := r.SetTransferData(data, gpures.TransferBufferLocation{TransferBuffer: tb}, true); err != nil {
		return err
	}
	cb, err := r.AcquireCommandBuffer()
	if err != nil {
		return err
	}
	cp, err := cb.BeginCopyPass()
	if err != nil {
		return err
	}
	if err := cp.UploadToBuffer(gpures.TransferBufferLocation{TransferBuffer: tb},
		gpures.BufferRegion{Buffer: s.vertices, Size: vertexBytes}, true); err != nil {
		return err
	}
	if err := cp.End(); err != nil {
		return err
	}
	return r.Submit(cb)
}

// draw renders one frame into win. It reports false when the frame was
// skipped because no swapchain texture was available.
func (s *scene) draw(r *gpures.Renderer, win *simdev.Window, frame int) (bool, error) {
	cb, err := r.AcquireCommandBuffer()
	if err != nil {
		return false, err
	}
	if err := cb.PushDebugGroup(fmt.Sprintf("frame %d", frame)); err != nil {
		return false, err
	}
	tex, _, _, err := r.AcquireSwapchainTexture(cb, win)
	if err != nil {
		return false, err
	}
	if tex != nil {
		rp, err := cb.BeginRenderPass([]gpures.ColorTargetInfo{{
			Texture:    tex,
			LoadOp:     gputypes.LoadOpClear,
			ClearColor: gputypes.Color{R: 0.05, G: 0.05, B: 0.1, A: 1},
		}}, nil)
		if err != nil {
			return false, err
		}
		t := float32(frame) / 60
		uniform := fmt.Appendf(nil, "%064.3f", t)
		steps := []func() error{
			func() error { return rp.BindGraphicsPipeline(s.pipeline) },
			func() error { return rp.BindVertexBuffers(0, []gpures.BufferBinding{{Buffer: s.vertices}}) },
			func() error { return cb.PushVertexUniformData(0, uniform) },
			func() error { return rp.DrawPrimitives(vertexBytes/16, 1, 0, 0) },
			rp.End,
		}
		for _, step := range steps {
			if err := step(); err != nil {
				return false, err
			}
		}
	}
	if err := cb.PopDebugGroup(); err != nil {
		return false, err
	}
	return tex != nil, r.Submit(cb)
}

func run(logger *slog.Logger, frames, workers, inFlight int, modeName string, latency time.Duration) error {
	mode, err := presentMode(modeName)
	if err != nil {
		return err
	}
	dev := simdev.New(simdev.Options{AutoRetire: true, Latency: latency, SupportsTearing: true})
	defer dev.Destroy()

	r, err := gpures.New(dev, gpures.WithFramesInFlight(inFlight), gpures.WithLogger(logger))
	if err != nil {
		return err
	}
	defer r.Destroy()

	win := simdev.NewWindow(1280, 720)
	if err := r.ClaimWindow(win, gpures.SwapchainCompositionSDR, mode); err != nil {
		return err
	}
	defer r.UnclaimWindow(win)
	format, err := r.SwapchainTextureFormat(win)
	if err != nil {
		return err
	}
	s, err := newScene(r, format, workers)
	if err != nil {
		return err
	}
	defer s.release(r)

	start := time.Now()
	var drawn, skipped int
	for frame := range frames {
		if frame == frames/2 {
			win.SetSize(1920, 1080)
		}
		var g errgroup.Group
		for w := range workers {
			g.Go(func() error { return s.upload(r, w, frame) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
		ok, err := s.draw(r, win, frame)
		if err != nil {
			return err
		}
		if ok {
			drawn++
		} else {
			skipped++
		}
	}
	if err := r.WaitForIdle(); err != nil {
		return err
	}

	logger.Info("done",
		"frames", drawn,
		"skipped", skipped,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"renderer", r.Stats().String(),
		"device", dev.Stats().String())
	if v := dev.Violations(); len(v) > 0 {
		return fmt.Errorf("%d validation failures, first: %s", len(v), v[0])
	}
	return nil
}
