package raster

import "math"

// DegenerateLevel is emitted for every gated sample when the extremum has no
// spread (uniform data, or a single distinct value).
const DegenerateLevel uint8 = 128

// Rescale maps gated values onto [0,255] using ext. It returns one byte per
// sample; ungated pixels stay 0. ext must come from a completed Normalize pass.
func Rescale(t *TransformedBuffer, ext Extremum) []uint8 {
	levels := make([]uint8, len(t.Values))
	degenerate := ext.Degenerate()
	span := ext.Max - ext.Min

	for p, gated := range t.Gated {
		if !gated {
			continue
		}
		base := p * t.Channels
		for c := 0; c < t.Channels; c++ {
			if degenerate {
				levels[base+c] = DegenerateLevel
				continue
			}
			levels[base+c] = toByte((t.Values[base+c] - ext.Min) / span * 255)
		}
	}
	return levels
}

func toByte(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
