package pipeline

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/dunamismax/normthumb/internal/raster"
)

var ErrInvalidDataURI = errors.New("invalid data URI")

// Decoder turns an encoded raster (source image or mask) into pixels.
type Decoder interface {
	Decode(input []byte) (img image.Image, format string, err error)
}

// Encoder serializes a finished thumbnail.
type Encoder interface {
	Encode(img image.Image, format string, quality int) ([]byte, string, error)
}

// DecodeRows parses a JSON array of numeric rows. null entries become NaN.
// Anything that is not a rectangular array of numbers is malformed data.
func DecodeRows(input []byte) (*raster.PixelBuffer, error) {
	var rows [][]*float64
	if err := json.Unmarshal(input, &rows); err != nil {
		return nil, fmt.Errorf("%w: %v", raster.ErrMalformedData, err)
	}

	samples := make([][]float64, len(rows))
	for y, row := range rows {
		samples[y] = make([]float64, len(row))
		for x, v := range row {
			if v == nil {
				samples[y][x] = math.NaN()
				continue
			}
			samples[y][x] = *v
		}
	}
	return raster.FromRows(samples)
}

// DataURI renders encoded image bytes as a data: URL.
func DataURI(format string, data []byte) string {
	return "data:" + contentTypeForFormat(format) + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ParseDataURI returns the payload of a base64 data: URL. Plain base64 without
// the data: prefix is accepted too.
func ParseDataURI(uri string) ([]byte, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidDataURI)
	}

	payload := uri
	if strings.HasPrefix(uri, "data:") {
		header, body, ok := strings.Cut(uri, ",")
		if !ok || !strings.HasSuffix(header, ";base64") {
			return nil, fmt.Errorf("%w: expected base64 payload", ErrInvalidDataURI)
		}
		payload = body
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
	}
	return data, nil
}

func normalizeOutputFormat(format string) string {
	switch format {
	case "jpg":
		return "jpeg"
	case "jpeg", "png", "webp":
		return format
	default:
		return "png"
	}
}

func contentTypeForFormat(format string) string {
	switch normalizeOutputFormat(strings.ToLower(strings.TrimSpace(format))) {
	case "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	default:
		return "image/png"
	}
}
