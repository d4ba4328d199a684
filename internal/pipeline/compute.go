package pipeline

import (
	"image"

	"github.com/dunamismax/normthumb/internal/raster"
)

// Stats describes one normalization pass.
type Stats struct {
	Width        int
	Height       int
	Channels     int
	GatedPixels  int
	MaskedPixels int
	Min          float64
	Max          float64
	Degenerate   bool
}

// Compute runs mask resolution, normalization, rescaling and channel
// composition over fully loaded inputs. The rescale pass only starts once the
// normalizer has returned its extremum.
func Compute(data *raster.PixelBuffer, mask image.Image, clip raster.ClipRange, logEnabled bool) (*image.NRGBA, Stats, error) {
	validity := raster.ResolveMask(mask, data.Width, data.Height)

	transformed, ext, err := raster.Normalize(data, validity, clip, logEnabled)
	if err != nil {
		return nil, Stats{}, err
	}

	levels := raster.Rescale(transformed, ext)
	out := raster.Compose(transformed, levels)

	pixels := data.Width * data.Height
	return out, Stats{
		Width:        data.Width,
		Height:       data.Height,
		Channels:     data.Channels,
		GatedPixels:  ext.Count,
		MaskedPixels: pixels - validity.CountValid(),
		Min:          ext.Min,
		Max:          ext.Max,
		Degenerate:   ext.Degenerate(),
	}, nil
}
