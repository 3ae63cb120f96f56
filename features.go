package gpures

import "github.com/gogpu/gputypes"

// IsTextureFormatSupported reports whether textures of format can be
// created with usage.
func (r *Renderer) IsTextureFormatSupported(format gputypes.TextureFormat, usage gputypes.TextureUsage) bool {
	if _, ok := r.dev.FormatInfo(format); !ok {
		return false
	}
	return r.dev.FormatSupported(format, usage)
}

// BestSampleCount returns the highest supported sample count of format not
// above desired. It is at least 1.
func (r *Renderer) BestSampleCount(format gputypes.TextureFormat, desired uint32) uint32 {
	for n := uint32(8); n > 1; n >>= 1 {
		if n <= desired && r.dev.SampleCountSupported(format, n) {
			return n
		}
	}
	return 1
}
