package raster

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

const DefaultTargetBound = 200

// TargetSize returns the dimensions whose longer side equals bound while
// keeping the w:h ratio. Each axis is rounded independently.
func TargetSize(w, h, bound int) (int, int) {
	if w <= 0 || h <= 0 || bound <= 0 {
		return w, h
	}
	if w >= h {
		return bound, atLeastOne(math.Round(float64(h) * float64(bound) / float64(w)))
	}
	return atLeastOne(math.Round(float64(w) * float64(bound) / float64(h))), bound
}

// Resize scales img so its longer side equals bound. The bilinear kernel is
// deterministic for a fixed input.
func Resize(img image.Image, bound int) *image.NRGBA {
	src := img.Bounds()
	w, h := TargetSize(src.Dx(), src.Dy(), bound)

	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, src, draw.Src, nil)
	return dst
}

func atLeastOne(v float64) int {
	if v < 1 {
		return 1
	}
	return int(v)
}
