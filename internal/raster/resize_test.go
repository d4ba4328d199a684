package raster

import (
	"bytes"
	"image"
	"image/color"
	"math"
	"testing"
)

func TestTargetSize(t *testing.T) {
	tests := []struct {
		w, h, bound int
		wantW       int
		wantH       int
	}{
		{w: 400, h: 200, bound: 200, wantW: 200, wantH: 100},
		{w: 200, h: 400, bound: 200, wantW: 100, wantH: 200},
		{w: 50, h: 50, bound: 200, wantW: 200, wantH: 200},
		{w: 2, h: 2, bound: 200, wantW: 200, wantH: 200},
		{w: 1000, h: 3, bound: 200, wantW: 200, wantH: 1},
		{w: 640, h: 480, bound: 200, wantW: 200, wantH: 150},
		{w: 333, h: 1000, bound: 64, wantW: 21, wantH: 64},
	}

	for _, tc := range tests {
		w, h := TargetSize(tc.w, tc.h, tc.bound)
		if w != tc.wantW || h != tc.wantH {
			t.Fatalf("TargetSize(%d,%d,%d): expected %dx%d, got %dx%d", tc.w, tc.h, tc.bound, tc.wantW, tc.wantH, w, h)
		}
	}
}

func TestTargetSizePreservesAspect(t *testing.T) {
	const bound = DefaultTargetBound
	for w := 1; w <= 300; w += 7 {
		for h := 1; h <= 300; h += 11 {
			gotW, gotH := TargetSize(w, h, bound)
			if max(gotW, gotH) != bound {
				t.Fatalf("%dx%d: longer side %d, want %d", w, h, max(gotW, gotH), bound)
			}
			if w < 5 || h < 5 {
				continue
			}
			// Compare short/long so landscape and portrait inputs share a scale.
			drift := math.Abs(shape(gotW, gotH) - shape(w, h))
			if drift >= 1/float64(min(w, h)) {
				t.Fatalf("%dx%d -> %dx%d: aspect drift %v", w, h, gotW, gotH, drift)
			}
		}
	}
}

func shape(w, h int) float64 {
	return float64(min(w, h)) / float64(max(w, h))
}

func TestResizeIsDeterministic(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 37, 19))
	for y := 0; y < 19; y++ {
		for x := 0; x < 37; x++ {
			src.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 6), G: uint8(y * 13), B: 90, A: 255})
		}
	}

	a := Resize(src, DefaultTargetBound)
	b := Resize(src, DefaultTargetBound)
	if a.Bounds().Dx() != 200 || a.Bounds().Dy() != 103 {
		t.Fatalf("expected 200x103 output, got %dx%d", a.Bounds().Dx(), a.Bounds().Dy())
	}
	if !bytes.Equal(a.Pix, b.Pix) {
		t.Fatal("expected identical output for identical input")
	}
}
