package domain

import "testing"

func TestCreateJobRequestValidate(t *testing.T) {
	valid := CreateJobRequest{
		SourceType: SourceTypeS3Presigned,
		Kind:       KindImage,
		WithMask:   true,
		ClipRange:  []float64{0, 255},
		LogEnabled: true,
		Pipeline: []RenderStep{
			{
				ID:          "thumb",
				TargetBound: 200,
			},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid request, got error: %v", err)
	}

	invalid := CreateJobRequest{}
	if err := invalid.Validate(); err == nil {
		t.Fatal("expected validation error for empty request")
	}

	missingObjectKey := CreateJobRequest{
		SourceType: SourceTypeLocalFile,
		Pipeline:   []RenderStep{{ID: "thumb"}},
	}
	if err := missingObjectKey.Validate(); err == nil {
		t.Fatal("expected validation error for local_file object_key")
	}

	unsupportedSourceType := CreateJobRequest{
		SourceType: "http_url",
		Pipeline:   []RenderStep{{ID: "thumb"}},
	}
	if err := unsupportedSourceType.Validate(); err == nil {
		t.Fatal("expected validation error for unsupported source_type")
	}

	unsupportedKind := CreateJobRequest{
		SourceType: SourceTypeS3Presigned,
		Kind:       "hdf5",
		Pipeline:   []RenderStep{{ID: "thumb"}},
	}
	if err := unsupportedKind.Validate(); err == nil {
		t.Fatal("expected validation error for unsupported kind")
	}

	negativeBound := CreateJobRequest{
		SourceType: SourceTypeS3Presigned,
		Pipeline:   []RenderStep{{ID: "thumb", TargetBound: -1}},
	}
	if err := negativeBound.Validate(); err == nil {
		t.Fatal("expected validation error for negative target_bound")
	}
}

func TestCreateJobRequestAllowsMissingClipRange(t *testing.T) {
	// A missing clip range is a pass-through render, not a validation failure.
	req := CreateJobRequest{
		SourceType: SourceTypeLocalFile,
		ObjectKey:  "data.json",
		Pipeline:   []RenderStep{{ID: "thumb"}},
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("expected valid request, got error: %v", err)
	}
}

func TestNormalizeKind(t *testing.T) {
	if got := NormalizeKind(""); got != KindRaw {
		t.Fatalf("expected default kind %q, got %q", KindRaw, got)
	}
	if got := NormalizeKind(" Image "); got != KindImage {
		t.Fatalf("expected %q, got %q", KindImage, got)
	}
}
