package gpures

import (
	"bytes"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures/driver/simdev"
)

func mustTexture(t *testing.T, r *Renderer, info TextureCreateInfo) *Texture {
	t.Helper()
	if info.Label == "" {
		info.Label = t.Name()
	}
	tex, err := r.CreateTexture(info)
	if err != nil {
		t.Fatalf("CreateTexture() error = %v", err)
	}
	return tex
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func TestTextureRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		w, h uint32
	}{
		{"unaligned pitch", 4, 4},
		{"aligned pitch", 64, 2},
		{"odd width", 3, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, dev := newTestRenderer(t, simdev.Options{})
			size := int(tt.w * tt.h * 4)
			want := pattern(size)

			up := mustTransfer(t, r, TransferBufferUpload, uint64(size))
			down := mustTransfer(t, r, TransferBufferDownload, uint64(size))
			if err := r.SetTransferData(want, TransferBufferLocation{TransferBuffer: up}, false); err != nil {
				t.Fatalf("SetTransferData() error = %v", err)
			}
			tex := mustTexture(t, r, TextureCreateInfo{
				Format: gputypes.TextureFormatRGBA8Unorm,
				Usage:  gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst,
				Width:  tt.w,
				Height: tt.h,
			})

			cb := mustAcquire(t, r)
			cp, err := cb.BeginCopyPass()
			if err != nil {
				t.Fatalf("BeginCopyPass() error = %v", err)
			}
			region := TextureRegion{Texture: tex, W: tt.w, H: tt.h, D: 1}
			if err := cp.UploadToTexture(TextureTransferInfo{TransferBuffer: up}, region, false); err != nil {
				t.Fatalf("UploadToTexture() error = %v", err)
			}
			if err := cp.DownloadFromTexture(region, TextureTransferInfo{TransferBuffer: down}); err != nil {
				t.Fatalf("DownloadFromTexture() error = %v", err)
			}
			if err := cp.End(); err != nil {
				t.Fatalf("End() error = %v", err)
			}
			mustSubmit(t, r, cb)
			if err := r.WaitForIdle(); err != nil {
				t.Fatalf("WaitForIdle() error = %v", err)
			}

			got := make([]byte, size)
			if err := r.GetTransferData(TransferBufferRegion{TransferBuffer: down, Size: uint64(size)}, got); err != nil {
				t.Fatalf("GetTransferData() error = %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("downloaded texels differ from uploaded ones")
			}
			checkViolations(t, dev)
		})
	}
}

func TestBufferRoundTrip(t *testing.T) {
	r, dev := newTestRenderer(t, simdev.Options{})
	want := pattern(48)
	up := mustTransfer(t, r, TransferBufferUpload, 48)
	down := mustTransfer(t, r, TransferBufferDownload, 48)
	if err := r.SetTransferData(want, TransferBufferLocation{TransferBuffer: up}, false); err != nil {
		t.Fatalf("SetTransferData() error = %v", err)
	}
	a := mustBuffer(t, r, gputypes.BufferUsageStorage, 48)
	b := mustBuffer(t, r, gputypes.BufferUsageVertex, 48)

	cb := mustAcquire(t, r)
	cp, _ := cb.BeginCopyPass()
	steps := []struct {
		name string
		fn   func() error
	}{
		{"UploadToBuffer", func() error {
			return cp.UploadToBuffer(TransferBufferLocation{TransferBuffer: up}, BufferRegion{Buffer: a, Size: 48}, false)
		}},
		{"CopyBufferToBuffer", func() error {
			return cp.CopyBufferToBuffer(BufferLocation{Buffer: a}, BufferLocation{Buffer: b}, 48, false)
		}},
		{"DownloadFromBuffer", func() error {
			return cp.DownloadFromBuffer(BufferRegion{Buffer: b, Size: 48}, TransferBufferLocation{TransferBuffer: down})
		}},
		{"End", cp.End},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			t.Fatalf("%s() error = %v", s.name, err)
		}
	}
	mustSubmit(t, r, cb)
	if err := r.WaitForIdle(); err != nil {
		t.Fatalf("WaitForIdle() error = %v", err)
	}

	got := make([]byte, 48)
	if err := r.GetTransferData(TransferBufferRegion{TransferBuffer: down, Size: 48}, got); err != nil {
		t.Fatalf("GetTransferData() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("GetTransferData() = %v, want %v", got, want)
	}
	checkViolations(t, dev)
}

func TestCopyTextureToTexture(t *testing.T) {
	r, dev := newTestRenderer(t, simdev.Options{})
	info := TextureCreateInfo{
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst,
		Width:  8,
		Height: 8,
	}
	src := mustTexture(t, r, info)
	dst := mustTexture(t, r, info)

	// Fill a 2x2 block of src at (2,2) and move it to (5,1) in dst.
	want := pattern(16)
	up := mustTransfer(t, r, TransferBufferUpload, 16)
	down := mustTransfer(t, r, TransferBufferDownload, 16)
	if err := r.SetTransferData(want, TransferBufferLocation{TransferBuffer: up}, false); err != nil {
		t.Fatalf("SetTransferData() error = %v", err)
	}

	cb := mustAcquire(t, r)
	cp, _ := cb.BeginCopyPass()
	if err := cp.UploadToTexture(TextureTransferInfo{TransferBuffer: up},
		TextureRegion{Texture: src, X: 2, Y: 2, W: 2, H: 2, D: 1}, false); err != nil {
		t.Fatalf("UploadToTexture() error = %v", err)
	}
	if err := cp.CopyTextureToTexture(TextureLocation{Texture: src, X: 2, Y: 2},
		TextureLocation{Texture: dst, X: 5, Y: 1}, 2, 2, 1, false); err != nil {
		t.Fatalf("CopyTextureToTexture() error = %v", err)
	}
	if err := cp.DownloadFromTexture(TextureRegion{Texture: dst, X: 5, Y: 1, W: 2, H: 2, D: 1},
		TextureTransferInfo{TransferBuffer: down}); err != nil {
		t.Fatalf("DownloadFromTexture() error = %v", err)
	}
	_ = cp.End()
	mustSubmit(t, r, cb)
	if err := r.WaitForIdle(); err != nil {
		t.Fatalf("WaitForIdle() error = %v", err)
	}

	got := make([]byte, 16)
	if err := r.GetTransferData(TransferBufferRegion{TransferBuffer: down, Size: 16}, got); err != nil {
		t.Fatalf("GetTransferData() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("GetTransferData() = %v, want %v", got, want)
	}
	checkViolations(t, dev)
}

func TestCopyPassInvalidUsage(t *testing.T) {
	r, dev := newTestRenderer(t, simdev.Options{})
	tex := mustTexture(t, r, TextureCreateInfo{
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst,
		Width:  4,
		Height: 4,
	})
	buf := mustBuffer(t, r, gputypes.BufferUsageVertex, 16)
	up := mustTransfer(t, r, TransferBufferUpload, 64)
	down := mustTransfer(t, r, TransferBufferDownload, 64)

	cb := mustAcquire(t, r)
	cp, err := cb.BeginCopyPass()
	if err != nil {
		t.Fatalf("BeginCopyPass() error = %v", err)
	}
	tests := []struct {
		name string
		fn   func() error
	}{
		{"same subresource", func() error {
			return cp.CopyTextureToTexture(TextureLocation{Texture: tex}, TextureLocation{Texture: tex, X: 2}, 2, 2, 1, false)
		}},
		{"same buffer", func() error {
			return cp.CopyBufferToBuffer(BufferLocation{Buffer: buf}, BufferLocation{Buffer: buf, Offset: 8}, 8, false)
		}},
		{"region outside texture", func() error {
			return cp.UploadToTexture(TextureTransferInfo{TransferBuffer: up}, TextureRegion{Texture: tex, X: 2, W: 4, H: 1, D: 1}, false)
		}},
		{"mip level out of range", func() error {
			return cp.UploadToTexture(TextureTransferInfo{TransferBuffer: up}, TextureRegion{Texture: tex, MipLevel: 1, W: 1, H: 1, D: 1}, false)
		}},
		{"source overruns transfer buffer", func() error {
			return cp.UploadToTexture(TextureTransferInfo{TransferBuffer: up, Offset: 32}, TextureRegion{Texture: tex, W: 4, H: 4, D: 1}, false)
		}},
		{"download into upload buffer", func() error {
			return cp.DownloadFromBuffer(BufferRegion{Buffer: buf, Size: 16}, TransferBufferLocation{TransferBuffer: up})
		}},
		{"upload from download buffer", func() error {
			return cp.UploadToBuffer(TransferBufferLocation{TransferBuffer: down}, BufferRegion{Buffer: buf, Size: 16}, false)
		}},
		{"nil transfer buffer", func() error {
			return cp.UploadToTexture(TextureTransferInfo{}, TextureRegion{Texture: tex, W: 1, H: 1, D: 1}, false)
		}},
		{"nested pass", func() error {
			_, err := cb.BeginCopyPass()
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !IsInvalidUsage(err) {
				t.Errorf("error = %v, want invalid usage", err)
			}
		})
	}
	if err := cp.End(); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if err := cp.End(); !IsInvalidUsage(err) {
		t.Errorf("second End() error = %v, want invalid usage", err)
	}
	mustSubmit(t, r, cb)
	if err := r.WaitForIdle(); err != nil {
		t.Fatalf("WaitForIdle() error = %v", err)
	}
	checkViolations(t, dev)
}

// A cycling copy between two parts of the same buffer reads the old
// instance and writes a fresh one.
func TestCopyBufferToItselfWithCycle(t *testing.T) {
	r, dev := newTestRenderer(t, simdev.Options{})
	buf := mustBuffer(t, r, gputypes.BufferUsageVertex, 16)

	cb := mustAcquire(t, r)
	cp, _ := cb.BeginCopyPass()
	if err := cp.CopyBufferToBuffer(BufferLocation{Buffer: buf}, BufferLocation{Buffer: buf, Offset: 8}, 8, true); err != nil {
		t.Fatalf("CopyBufferToBuffer() error = %v", err)
	}
	_ = cp.End()
	mustSubmit(t, r, cb)
	if got := buf.Instances(); got != 2 {
		t.Errorf("Instances() = %d, want 2", got)
	}
	if err := r.WaitForIdle(); err != nil {
		t.Fatalf("WaitForIdle() error = %v", err)
	}
	checkViolations(t, dev)
}
