package raster

import (
	"image"

	"golang.org/x/image/draw"
)

// MaskThreshold is the minimum red intensity for a mask pixel to count as valid.
const MaskThreshold = 254

// ResolveMask aligns a decoded mask raster onto a width x height grid using
// nearest-neighbour sampling. A nil mask marks every pixel valid.
func ResolveMask(src image.Image, width, height int) *MaskBuffer {
	if src == nil {
		return AllValid(width, height)
	}

	aligned := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.NearestNeighbor.Scale(aligned, aligned.Bounds(), src, src.Bounds(), draw.Src, nil)

	mask := &MaskBuffer{Width: width, Height: height, Valid: make([]bool, width*height)}
	for i := range mask.Valid {
		mask.Valid[i] = aligned.Pix[i*4] >= MaskThreshold
	}
	return mask
}
