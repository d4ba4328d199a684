package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/dunamismax/normthumb/internal/domain"
)

func TestLocalProcessor_RawDataWithMask(t *testing.T) {
	tmp := t.TempDir()
	dataPath := filepath.Join(tmp, "frame.json")
	maskPath := filepath.Join(tmp, "mask.png")
	outputDir := filepath.Join(tmp, "out")

	writeFile(t, dataPath, buildTestRows(t, 400, 200))
	// Smaller than the data on purpose; it is resampled onto the data grid.
	writeFile(t, maskPath, buildHalfMaskPNG(t, 100, 50))

	processor, err := NewLocalProcessor(outputDir, Options{})
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	result, err := processor.Process(context.Background(), Request{
		JobID:      "job-local-1",
		SourceType: SourceTypeLocalFile,
		Kind:       domain.KindRaw,
		ObjectKey:  dataPath,
		MaskKey:    maskPath,
		ClipRange:  []float64{1, 1000},
		LogEnabled: true,
		Pipeline: []domain.RenderStep{
			{ID: "thumb", Format: "png"},
			{ID: "thumb_small", TargetBound: 64, Format: "jpeg", Quality: 75},
		},
	})
	if err != nil {
		t.Fatalf("process request: %v", err)
	}

	if result.State != StateDone {
		t.Fatalf("expected state %s, got %s", StateDone, result.State)
	}
	if len(result.Outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(result.Outputs))
	}
	if result.Stats.MaskedPixels != 400*200/2 {
		t.Fatalf("expected half the pixels masked, got %d", result.Stats.MaskedPixels)
	}

	thumb := decodeFile(t, result.Outputs[0].Path)
	if got := thumb.Bounds(); got.Dx() != 200 || got.Dy() != 100 {
		t.Fatalf("expected 200x100 thumbnail, got %dx%d", got.Dx(), got.Dy())
	}
	r, g, b, a := thumb.At(180, 50).RGBA()
	if r != 0 || g != 0 || b != 0 || a != 0xffff {
		t.Fatalf("expected masked region to be opaque black, got %d %d %d %d", r, g, b, a)
	}
	if r, _, _, _ := thumb.At(60, 50).RGBA(); r == 0 {
		t.Fatal("expected unmasked region to carry signal")
	}

	small := result.Outputs[1]
	if small.Format != "jpeg" {
		t.Fatalf("expected jpeg output format, got %s", small.Format)
	}
	if small.Width != 64 || small.Height != 32 {
		t.Fatalf("expected 64x32 output, got %dx%d", small.Width, small.Height)
	}
}

func TestLocalProcessor_ColorImage(t *testing.T) {
	tmp := t.TempDir()
	srcPath := filepath.Join(tmp, "input.png")
	writeFile(t, srcPath, buildTestPNG(t, 120, 240))

	processor, err := NewLocalProcessor(filepath.Join(tmp, "out"), Options{})
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	result, err := processor.Process(context.Background(), Request{
		JobID:      "job-color",
		SourceType: SourceTypeLocalFile,
		Kind:       domain.KindImage,
		ObjectKey:  srcPath,
		ClipRange:  []float64{0, 255},
		LogEnabled: true,
		Pipeline:   []domain.RenderStep{{ID: "thumb"}},
	})
	if err != nil {
		t.Fatalf("process request: %v", err)
	}
	if result.Stats.Channels != 3 {
		t.Fatalf("expected 3 channels, got %d", result.Stats.Channels)
	}
	out := result.Outputs[0]
	if out.Width != 100 || out.Height != 200 {
		t.Fatalf("expected 100x200 output, got %dx%d", out.Width, out.Height)
	}
}

func TestLocalProcessor_BypassWhenLogDisabled(t *testing.T) {
	tmp := t.TempDir()
	dataPath := filepath.Join(tmp, "frame.json")
	outputDir := filepath.Join(tmp, "out")
	writeFile(t, dataPath, buildTestRows(t, 4, 4))

	processor, err := NewLocalProcessor(outputDir, Options{})
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	result, err := processor.Process(context.Background(), Request{
		JobID:      "job-bypass",
		SourceType: SourceTypeLocalFile,
		ObjectKey:  dataPath,
		ClipRange:  []float64{0, 10},
		Pipeline:   []domain.RenderStep{{ID: "thumb"}},
	})
	if err != nil {
		t.Fatalf("process request: %v", err)
	}
	if result.State != StateDone || len(result.Outputs) != 1 {
		t.Fatalf("expected one done output, got state=%s outputs=%d", result.State, len(result.Outputs))
	}
	if out := result.Outputs[0]; !out.Bypassed || out.Path != dataPath {
		t.Fatalf("expected bypassed output pointing at source, got %+v", out)
	}
	if _, err := os.Stat(outputDir); !os.IsNotExist(err) {
		t.Fatal("expected no output directory on bypass")
	}
}

func TestLocalProcessor_BypassOnMalformedInputs(t *testing.T) {
	tmp := t.TempDir()
	raggedPath := filepath.Join(tmp, "ragged.json")
	writeFile(t, raggedPath, []byte(`[[1,2,3],[4,5]]`))

	processor, err := NewLocalProcessor(filepath.Join(tmp, "out"), Options{})
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	tests := []struct {
		name string
		req  Request
	}{
		{
			name: "missing clip range",
			req:  Request{ObjectKey: raggedPath, LogEnabled: true},
		},
		{
			name: "clip range with three values",
			req:  Request{ObjectKey: raggedPath, LogEnabled: true, ClipRange: []float64{0, 1, 2}},
		},
		{
			name: "ragged rows",
			req:  Request{ObjectKey: raggedPath, LogEnabled: true, ClipRange: []float64{0, 10}},
		},
		{
			name: "missing data",
			req:  Request{LogEnabled: true, ClipRange: []float64{0, 10}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.req.JobID = "job-malformed"
			tc.req.SourceType = SourceTypeLocalFile
			tc.req.Pipeline = []domain.RenderStep{{ID: "thumb"}}

			result, err := processor.Process(context.Background(), tc.req)
			if err != nil {
				t.Fatalf("expected bypass, got error: %v", err)
			}
			if result.BypassReason == "" || !result.Outputs[0].Bypassed {
				t.Fatalf("expected bypassed result, got %+v", result)
			}
		})
	}
}

func TestLocalProcessor_MaskLoadFailureIsFatal(t *testing.T) {
	tmp := t.TempDir()
	dataPath := filepath.Join(tmp, "frame.json")
	outputDir := filepath.Join(tmp, "out")
	writeFile(t, dataPath, buildTestRows(t, 8, 8))

	processor, err := NewLocalProcessor(outputDir, Options{})
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	result, err := processor.Process(context.Background(), Request{
		JobID:      "job-missing-mask",
		SourceType: SourceTypeLocalFile,
		ObjectKey:  dataPath,
		MaskKey:    filepath.Join(tmp, "missing.png"),
		ClipRange:  []float64{0, 10},
		LogEnabled: true,
		Pipeline:   []domain.RenderStep{{ID: "thumb"}},
	})
	if !errors.Is(err, ErrLoad) {
		t.Fatalf("expected ErrLoad, got %v", err)
	}
	if result.State != StateFailed || len(result.Outputs) != 0 {
		t.Fatalf("expected failed result without outputs, got %+v", result)
	}
	if _, err := os.Stat(outputDir); !os.IsNotExist(err) {
		t.Fatal("expected no partial output on load failure")
	}
}

func TestLocalProcessor_UnsupportedSourceType(t *testing.T) {
	processor, err := NewLocalProcessor(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	_, err = processor.Process(context.Background(), Request{
		JobID:      "job-unsupported",
		SourceType: SourceTypeS3Presigned,
		ObjectKey:  "uploads/job/source",
		ClipRange:  []float64{0, 10},
		LogEnabled: true,
		Pipeline:   []domain.RenderStep{{ID: "thumb"}},
	})
	if !errors.Is(err, ErrUnsupportedSourceType) {
		t.Fatalf("expected unsupported source_type error, got %v", err)
	}
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// buildTestRows produces a positive gradient with a NaN hole in the corner.
func buildTestRows(t *testing.T, w, h int) []byte {
	t.Helper()

	rows := make([][]any, h)
	for y := 0; y < h; y++ {
		rows[y] = make([]any, w)
		for x := 0; x < w; x++ {
			rows[y][x] = 1 + float64(x+y)*2.5
		}
	}
	rows[0][0] = nil

	data, err := json.Marshal(rows)
	if err != nil {
		t.Fatalf("marshal rows: %v", err)
	}
	return data
}

func buildHalfMaskPNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w/2; x++ {
			img.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	return encodePNG(t, img)
}

func buildTestPNG(t testing.TB, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(1 + (x*254)/w),
				G: uint8(1 + (y*254)/h),
				B: 140,
				A: 255,
			})
		}
	}
	return encodePNG(t, img)
}

func encodePNG(t testing.TB, img image.Image) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func decodeFile(t *testing.T, path string) image.Image {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open image %s: %v", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		t.Fatalf("decode image %s: %v", path, err)
	}
	return img
}
