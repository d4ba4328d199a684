// Package raster turns numeric measurement buffers into 8-bit RGBA thumbnails.
//
// The flow is ResolveMask → Normalize → Rescale → Compose → Resize. Each step
// is a pure function over buffers owned by the caller; nothing here keeps state
// between calls.
package raster

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
)

var (
	ErrMalformedData       = errors.New("malformed pixel data")
	ErrInvalidClipRange    = errors.New("invalid clip range")
	ErrDimensionMismatch   = errors.New("mask and data dimensions differ")
	ErrUnsupportedChannels = errors.New("unsupported channel count")
)

// PixelBuffer holds samples in row-major order, channels interleaved.
type PixelBuffer struct {
	Width    int
	Height   int
	Channels int
	Samples  []float64
}

func NewPixelBuffer(width, height, channels int) (*PixelBuffer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: dimensions %dx%d", ErrMalformedData, width, height)
	}
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedChannels, channels)
	}
	return &PixelBuffer{
		Width:    width,
		Height:   height,
		Channels: channels,
		Samples:  make([]float64, width*height*channels),
	}, nil
}

// FromRows builds a single-channel buffer. Every row must have the same length.
func FromRows(rows [][]float64) (*PixelBuffer, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrMalformedData)
	}

	width := len(rows[0])
	buf, err := NewPixelBuffer(width, len(rows), 1)
	if err != nil {
		return nil, err
	}
	for y, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("%w: row %d has %d samples, want %d", ErrMalformedData, y, len(row), width)
		}
		copy(buf.Samples[y*width:], row)
	}
	return buf, nil
}

// FromImage builds a three-channel buffer from the red, green and blue planes
// of img on a 0-255 scale. Alpha is ignored.
func FromImage(img image.Image) (*PixelBuffer, error) {
	bounds := img.Bounds()
	buf, err := NewPixelBuffer(bounds.Dx(), bounds.Dy(), 3)
	if err != nil {
		return nil, err
	}

	for y := 0; y < buf.Height; y++ {
		for x := 0; x < buf.Width; x++ {
			c := color.NRGBAModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
			buf.Set(x, y, 0, float64(c.R))
			buf.Set(x, y, 1, float64(c.G))
			buf.Set(x, y, 2, float64(c.B))
		}
	}
	return buf, nil
}

func (b *PixelBuffer) At(x, y, c int) float64 {
	return b.Samples[(y*b.Width+x)*b.Channels+c]
}

func (b *PixelBuffer) Set(x, y, c int, v float64) {
	b.Samples[(y*b.Width+x)*b.Channels+c] = v
}

// MaskBuffer flags each pixel of a PixelBuffer as valid or not.
type MaskBuffer struct {
	Width  int
	Height int
	Valid  []bool
}

func AllValid(width, height int) *MaskBuffer {
	valid := make([]bool, width*height)
	for i := range valid {
		valid[i] = true
	}
	return &MaskBuffer{Width: width, Height: height, Valid: valid}
}

func (m *MaskBuffer) CountValid() int {
	n := 0
	for _, v := range m.Valid {
		if v {
			n++
		}
	}
	return n
}

// ClipRange bounds samples before they are mapped onto [0,1].
type ClipRange struct {
	Low  float64
	High float64
}

// ParseClipRange accepts exactly two finite values with low < high.
func ParseClipRange(values []float64) (ClipRange, error) {
	if len(values) != 2 {
		return ClipRange{}, fmt.Errorf("%w: expected 2 values, got %d", ErrInvalidClipRange, len(values))
	}
	low, high := values[0], values[1]
	if math.IsNaN(low) || math.IsNaN(high) || math.IsInf(low, 0) || math.IsInf(high, 0) {
		return ClipRange{}, fmt.Errorf("%w: bounds must be finite", ErrInvalidClipRange)
	}
	if low >= high {
		return ClipRange{}, fmt.Errorf("%w: low %g must be below high %g", ErrInvalidClipRange, low, high)
	}
	return ClipRange{Low: low, High: high}, nil
}

func (r ClipRange) clamp(v float64) float64 {
	if v < r.Low {
		return r.Low
	}
	if v > r.High {
		return r.High
	}
	return v
}
