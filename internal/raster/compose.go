package raster

import "image"

// Compose packs per-sample levels into an opaque RGBA raster. Single-channel
// levels are replicated into R, G and B. Ungated pixels are opaque black.
func Compose(t *TransformedBuffer, levels []uint8) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, t.Width, t.Height))

	for p, gated := range t.Gated {
		px := out.Pix[p*4 : p*4+4]
		px[3] = 255
		if !gated {
			continue
		}

		base := p * t.Channels
		if t.Channels == 1 {
			px[0], px[1], px[2] = levels[base], levels[base], levels[base]
			continue
		}
		px[0], px[1], px[2] = levels[base], levels[base+1], levels[base+2]
	}
	return out
}
