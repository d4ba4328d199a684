package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"

	// KindRaw is a JSON array of numeric rows (one channel).
	KindRaw = "raw"
	// KindImage is an encoded colour raster (three channels).
	KindImage = "image"
)

type CreateJobRequest struct {
	SourceType string       `json:"source_type"`
	Kind       string       `json:"kind"`
	WebhookURL string       `json:"webhook_url,omitempty"`
	ObjectKey  string       `json:"object_key,omitempty"`
	MaskKey    string       `json:"mask_key,omitempty"`
	WithMask   bool         `json:"with_mask,omitempty"`
	ClipRange  []float64    `json:"clip_range,omitempty"`
	LogEnabled bool         `json:"log"`
	Pipeline   []RenderStep `json:"pipeline"`
}

// RenderStep is one thumbnail emitted from a normalized raster.
type RenderStep struct {
	ID          string `json:"id"`
	TargetBound int    `json:"target_bound,omitempty"`
	Format      string `json:"format,omitempty"`
	Quality     int    `json:"quality,omitempty"`
}

type Job struct {
	ID         string
	UserID     string
	Status     string
	SourceType string
	Kind       string
	WebhookURL string
	ObjectKey  string
	MaskKey    string
	ClipRange  []float64
	LogEnabled bool
	Pipeline   []RenderStep
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func NormalizeKind(kind string) string {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		return KindRaw
	}
	return kind
}

func (r CreateJobRequest) Validate() error {
	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == "" {
		return errors.New("source_type is required")
	}
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeS3Presigned {
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if sourceType == SourceTypeLocalFile && strings.TrimSpace(r.ObjectKey) == "" {
		return errors.New("object_key is required for source_type=local_file")
	}
	if sourceType == SourceTypeLocalFile && r.WithMask {
		return errors.New("with_mask is only supported for source_type=s3_presigned")
	}
	kind := NormalizeKind(r.Kind)
	if kind != KindRaw && kind != KindImage {
		return fmt.Errorf("unsupported kind: %s", r.Kind)
	}
	if len(r.Pipeline) == 0 {
		return errors.New("pipeline must contain at least one step")
	}
	for i, step := range r.Pipeline {
		if strings.TrimSpace(step.ID) == "" {
			return fmt.Errorf("pipeline[%d].id is required", i)
		}
		if step.TargetBound < 0 {
			return fmt.Errorf("pipeline[%d].target_bound must not be negative", i)
		}
	}
	return nil
}
