//go:build govips && cgo

package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/davidbyttow/govips/v2/vips"
)

// govipsCodec decodes anything libvips understands (including FITS and
// multi-page TIFF) and adds webp export.
type govipsCodec struct {
	stdlibCodec
}

func (c govipsCodec) Decode(input []byte) (image.Image, string, error) {
	ref, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return nil, "", fmt.Errorf("decode raster: %w", err)
	}
	defer ref.Close()

	if err := ref.ToColorSpace(vips.InterpretationSRGB); err != nil {
		return nil, "", fmt.Errorf("convert raster to srgb: %w", err)
	}
	img, err := ref.ToImage(vips.NewDefaultPNGExportParams())
	if err != nil {
		return nil, "", fmt.Errorf("materialize raster: %w", err)
	}
	return img, formatName(vips.DetermineImageType(input)), nil
}

func (c govipsCodec) Encode(img image.Image, format string, quality int) ([]byte, string, error) {
	format = normalizeOutputFormat(format)
	if format != "webp" {
		return c.stdlibCodec.Encode(img, format, quality)
	}

	var staged bytes.Buffer
	if err := png.Encode(&staged, img); err != nil {
		return nil, "", fmt.Errorf("stage raster for webp: %w", err)
	}
	ref, err := vips.NewImageFromBuffer(staged.Bytes())
	if err != nil {
		return nil, "", fmt.Errorf("load staged raster: %w", err)
	}
	defer ref.Close()

	params := vips.NewWebpExportParams()
	params.Lossless = true
	if quality > 0 && quality <= 100 {
		params.Lossless = false
		params.Quality = quality
	}
	data, _, err := ref.ExportWebp(params)
	if err != nil {
		return nil, "", fmt.Errorf("encode webp: %w", err)
	}
	return data, format, nil
}

func formatName(t vips.ImageType) string {
	switch t {
	case vips.ImageTypeJPEG:
		return "jpeg"
	case vips.ImageTypeWEBP:
		return "webp"
	case vips.ImageTypeTIFF:
		return "tiff"
	case vips.ImageTypePNG:
		return "png"
	default:
		return "unknown"
	}
}
