package raster

import (
	"fmt"
	"math"
)

const logEpsilon = 1e-12

// TransformedBuffer is the normalizer output. Values of pixels that failed the
// validity gate are 0 and Gated is false for them.
type TransformedBuffer struct {
	Width    int
	Height   int
	Channels int
	Values   []float64
	Gated    []bool
}

// Extremum is the min/max of transformed values over gated pixels.
type Extremum struct {
	Min   float64
	Max   float64
	Count int
}

// Degenerate reports whether the extremum cannot be used as a divisor.
func (e Extremum) Degenerate() bool {
	return e.Count == 0 || e.Max == e.Min
}

// Normalize clips, affinely maps and optionally log-compresses every sample of
// a gated pixel, and returns the extremum of the results in the same pass.
//
// A pixel is gated when its mask flag is set and every channel sample is
// positive and not NaN. For three channels the extremum spans all channels so
// one scale applies to the whole pixel.
func Normalize(buf *PixelBuffer, mask *MaskBuffer, clip ClipRange, logEnabled bool) (*TransformedBuffer, Extremum, error) {
	if buf.Channels != 1 && buf.Channels != 3 {
		return nil, Extremum{}, fmt.Errorf("%w: %d", ErrUnsupportedChannels, buf.Channels)
	}
	if mask == nil {
		mask = AllValid(buf.Width, buf.Height)
	}
	if mask.Width != buf.Width || mask.Height != buf.Height {
		return nil, Extremum{}, fmt.Errorf("%w: mask %dx%d, data %dx%d",
			ErrDimensionMismatch, mask.Width, mask.Height, buf.Width, buf.Height)
	}

	pixels := buf.Width * buf.Height
	out := &TransformedBuffer{
		Width:    buf.Width,
		Height:   buf.Height,
		Channels: buf.Channels,
		Values:   make([]float64, len(buf.Samples)),
		Gated:    make([]bool, pixels),
	}
	ext := Extremum{Min: math.Inf(1), Max: math.Inf(-1)}
	span := clip.High - clip.Low

	for p := 0; p < pixels; p++ {
		base := p * buf.Channels
		samples := buf.Samples[base : base+buf.Channels]
		if !mask.Valid[p] || !positive(samples) {
			continue
		}

		out.Gated[p] = true
		ext.Count++
		for c, s := range samples {
			v := (clip.clamp(s) - clip.Low) / span
			if logEnabled {
				v = math.Log(v + logEpsilon)
			}
			out.Values[base+c] = v
			if v < ext.Min {
				ext.Min = v
			}
			if v > ext.Max {
				ext.Max = v
			}
		}
	}

	if ext.Count == 0 {
		ext.Min, ext.Max = 0, 0
	}
	return out, ext, nil
}

func positive(samples []float64) bool {
	for _, s := range samples {
		if math.IsNaN(s) || s <= 0 {
			return false
		}
	}
	return true
}
