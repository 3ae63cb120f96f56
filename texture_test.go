package gpures

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures/driver"
	"github.com/gogpu/gpures/driver/simdev"
)

func TestCreateTexture(t *testing.T) {
	r, dev := newTestRenderer(t, simdev.Options{})
	sampled := gputypes.TextureUsageTextureBinding
	rt := gputypes.TextureUsageRenderAttachment

	tests := []struct {
		name        string
		info        TextureCreateInfo
		wantInvalid bool
		wantErr     error
	}{
		{
			name: "2D",
			info: TextureCreateInfo{Format: gputypes.TextureFormatRGBA8Unorm, Usage: sampled, Width: 16, Height: 16, MipLevelCount: 5},
		},
		{
			name: "cube",
			info: TextureCreateInfo{Type: TextureCube, Format: gputypes.TextureFormatRGBA8Unorm, Usage: sampled | rt, Width: 8, Height: 8, LayerCountOrDepth: 6},
		},
		{
			name: "3D render target",
			info: TextureCreateInfo{Type: Texture3D, Format: gputypes.TextureFormatRGBA16Float, Usage: rt, Width: 8, Height: 8, LayerCountOrDepth: 4},
		},
		{
			name: "multisampled depth",
			info: TextureCreateInfo{Format: gputypes.TextureFormatDepth32Float, Usage: rt, Width: 8, Height: 8, SampleCount: 4},
		},
		{
			name:        "zero size",
			info:        TextureCreateInfo{Format: gputypes.TextureFormatRGBA8Unorm, Usage: sampled, Width: 0, Height: 4},
			wantInvalid: true,
		},
		{
			name:        "non-square cube",
			info:        TextureCreateInfo{Type: TextureCube, Format: gputypes.TextureFormatRGBA8Unorm, Usage: sampled, Width: 8, Height: 4, LayerCountOrDepth: 6},
			wantInvalid: true,
		},
		{
			name:        "cube with 4 layers",
			info:        TextureCreateInfo{Type: TextureCube, Format: gputypes.TextureFormatRGBA8Unorm, Usage: sampled, Width: 8, Height: 8, LayerCountOrDepth: 4},
			wantInvalid: true,
		},
		{
			name:        "multisampled 3D",
			info:        TextureCreateInfo{Type: Texture3D, Format: gputypes.TextureFormatRGBA8Unorm, Usage: rt, Width: 8, Height: 8, SampleCount: 4},
			wantInvalid: true,
		},
		{
			name:        "multisampled with mips",
			info:        TextureCreateInfo{Format: gputypes.TextureFormatRGBA8Unorm, Usage: rt, Width: 8, Height: 8, SampleCount: 4, MipLevelCount: 2},
			wantInvalid: true,
		},
		{
			name:    "unknown format",
			info:    TextureCreateInfo{Format: gputypes.TextureFormatUndefined, Usage: sampled, Width: 4, Height: 4},
			wantErr: ErrUnsupported,
		},
		{
			name:    "depth storage",
			info:    TextureCreateInfo{Format: gputypes.TextureFormatDepth32Float, Usage: gputypes.TextureUsageStorageBinding, Width: 4, Height: 4},
			wantErr: ErrUnsupported,
		},
		{
			name:    "8 samples of depth",
			info:    TextureCreateInfo{Format: gputypes.TextureFormatDepth24Plus, Usage: rt, Width: 4, Height: 4, SampleCount: 8},
			wantErr: ErrUnsupported,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tex, err := r.CreateTexture(tt.info)
			switch {
			case tt.wantInvalid:
				if !IsInvalidUsage(err) {
					t.Errorf("CreateTexture() error = %v, want invalid usage", err)
				}
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("CreateTexture() error = %v, want %v", err, tt.wantErr)
				}
			default:
				if err != nil {
					t.Fatalf("CreateTexture() error = %v", err)
				}
				if err := r.ReleaseTexture(tex); err != nil {
					t.Errorf("ReleaseTexture() error = %v", err)
				}
			}
		})
	}
	if got := dev.Stats().LiveMemory; got != 0 {
		t.Errorf("LiveMemory after releasing every texture = %d, want 0", got)
	}
	for kind, n := range r.Stats().StagingSlotsInUse {
		if n != 0 {
			t.Errorf("%v staging slots in use = %d, want 0", driver.HeapKind(kind), n)
		}
	}
	checkViolations(t, dev)
}

func TestDefaultTextureState(t *testing.T) {
	tests := []struct {
		usage gputypes.TextureUsage
		depth bool
		want  driver.ResourceState
	}{
		{gputypes.TextureUsageTextureBinding | gputypes.TextureUsageRenderAttachment, false, driver.StateShaderResource},
		{gputypes.TextureUsageStorageBinding, false, driver.StateShaderResource},
		{gputypes.TextureUsageRenderAttachment, false, driver.StateRenderTarget},
		{gputypes.TextureUsageRenderAttachment, true, driver.StateDepthWrite},
		{gputypes.TextureUsageCopyDst, false, driver.StateCommon},
	}
	for _, tt := range tests {
		if got := defaultTextureState(tt.usage, tt.depth); got != tt.want {
			t.Errorf("defaultTextureState(%v, %v) = %v, want %v", tt.usage, tt.depth, got, tt.want)
		}
	}
}

// Clearing a render target that an earlier submission still reads moves
// the clear to a fresh instance when the pass asks for cycling, and never
// when it loads the old contents.
func TestRenderTargetCycling(t *testing.T) {
	r, dev := newTestRenderer(t, simdev.Options{})
	target := mustTexture(t, r, TextureCreateInfo{
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding,
		Width:  32,
		Height: 32,
	})
	pass := func(load gputypes.LoadOp, cycle bool) {
		t.Helper()
		cb := mustAcquire(t, r)
		rp, err := cb.BeginRenderPass([]ColorTargetInfo{{Texture: target, LoadOp: load, Cycle: cycle}}, nil)
		if err != nil {
			t.Fatalf("BeginRenderPass() error = %v", err)
		}
		if err := rp.End(); err != nil {
			t.Fatalf("End() error = %v", err)
		}
		mustSubmit(t, r, cb)
	}

	pass(gputypes.LoadOpClear, true)
	pass(gputypes.LoadOpClear, true)
	if got := target.Instances(); got != 2 {
		t.Errorf("Instances() after two cycling clears = %d, want 2", got)
	}
	pass(gputypes.LoadOpLoad, true)
	if got := target.Instances(); got != 2 {
		t.Errorf("Instances() after a loading pass = %d, want 2", got)
	}
	pass(gputypes.LoadOpClear, false)
	if got := target.Instances(); got != 2 {
		t.Errorf("Instances() after a non-cycling clear = %d, want 2", got)
	}

	if err := r.ReleaseTexture(target); err != nil {
		t.Fatalf("ReleaseTexture() error = %v", err)
	}
	if got := r.Stats().PendingDisposals; got != 2 {
		t.Errorf("PendingDisposals = %d, want 2", got)
	}
	if err := r.WaitForIdle(); err != nil {
		t.Fatalf("WaitForIdle() error = %v", err)
	}
	if got := r.Stats().PendingDisposals; got != 0 {
		t.Errorf("PendingDisposals after idle = %d, want 0", got)
	}
	checkViolations(t, dev)
}

func TestSwapchainTextureCannotBeReleased(t *testing.T) {
	r, _ := newTestRenderer(t, simdev.Options{})
	win := simdev.NewWindow(8, 8)
	mustClaim(t, r, win, PresentModeVSync)
	tex := drawFrame(t, r, win)
	if err := r.ReleaseTexture(tex); !IsInvalidUsage(err) {
		t.Errorf("ReleaseTexture(swapchain) error = %v, want invalid usage", err)
	}
}

func TestSetTextureName(t *testing.T) {
	r, dev := newTestRenderer(t, simdev.Options{})
	tex := mustTexture(t, r, TextureCreateInfo{
		Format: gputypes.TextureFormatR8Unorm,
		Usage:  gputypes.TextureUsageTextureBinding,
		Width:  4,
		Height: 4,
	})
	r.SetTextureName(tex, "mask")
	if got := dev.Name(tex.c.Active().mem); got != "mask" {
		t.Errorf("Name() = %q, want %q", got, "mask")
	}
}
