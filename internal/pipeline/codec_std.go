package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

type stdlibCodec struct{}

func (stdlibCodec) Decode(input []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		return nil, "", fmt.Errorf("decode raster: %w", err)
	}
	return img, format, nil
}

func (stdlibCodec) Encode(img image.Image, format string, quality int) ([]byte, string, error) {
	format = normalizeOutputFormat(format)

	var buf bytes.Buffer
	switch format {
	case "jpeg":
		if quality <= 0 || quality > 100 {
			quality = 80
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, "", fmt.Errorf("encode jpeg: %w", err)
		}
	case "png":
		// Lossless, so the written byte values survive untouched.
		encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := encoder.Encode(&buf, img); err != nil {
			return nil, "", fmt.Errorf("encode png: %w", err)
		}
	case "webp":
		return nil, "", errors.New("webp export requires govips build tag")
	default:
		return nil, "", fmt.Errorf("unsupported output format: %s", format)
	}

	return buf.Bytes(), format, nil
}
